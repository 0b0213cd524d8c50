package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"g13lab/internal/domain"
	"g13lab/internal/ports"

	"github.com/mattn/go-sqlite3"
)

// Repository implements ports.TradeArchive, ports.SessionRepository,
// ports.AdjustmentLog and ports.CommandQueue using SQLite.
type Repository struct {
	db     *sql.DB
	logger ports.Logger
}

// Config holds configuration for the SQLite repository.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewRepository creates a new SQLite repository instance.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite repository")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/g13lab.db"
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("failed to ping database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// One writer; the driver serializes better than SQLite's busy handler.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	repo := &Repository{db: db, logger: cfg.Logger}
	if err := repo.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}
	cfg.Logger.Info(context.Background(), "SQLite database ready", map[string]interface{}{"path": dbPath})
	return repo, nil
}

func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS closed_trades (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		position_id TEXT NOT NULL UNIQUE,
		agent_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		direction TEXT NOT NULL,
		entry_price REAL NOT NULL,
		exit_price REAL NOT NULL,
		size REAL NOT NULL,
		capital_basis REAL NOT NULL,
		pnl REAL NOT NULL,
		entry_time TIMESTAMP NOT NULL,
		exit_time TIMESTAMP NOT NULL,
		close_reason TEXT NULL,
		trailing_armed INTEGER NOT NULL DEFAULT 0,
		break_even_applied INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		started_at TIMESTAMP NOT NULL,
		ended_at TIMESTAMP DEFAULT NULL,
		balance_start REAL NOT NULL,
		balance_end REAL DEFAULT NULL,
		profit REAL DEFAULT NULL,
		trades INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS adjustments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		agent_id TEXT NOT NULL,
		param TEXT NOT NULL,
		old_value REAL NOT NULL,
		new_value REAL NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		applied_at_ms INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS operator_commands (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		agent_id TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL DEFAULT '{}',
		created_at_ms INTEGER NOT NULL,
		applied_at_ms INTEGER DEFAULT NULL,
		result TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_closed_trades_agent_exit ON closed_trades (agent_id, exit_time);
	CREATE INDEX IF NOT EXISTS idx_adjustments_agent_applied ON adjustments (agent_id, applied_at_ms);
	`
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	if r.db != nil {
		r.logger.Info(context.Background(), "Closing SQLite database connection")
		return r.db.Close()
	}
	return nil
}

// --- TradeArchive Implementation ---

// SaveClosedTrade archives a closed trade. A position is archived at most once.
func (r *Repository) SaveClosedTrade(ctx context.Context, t *domain.ClosedTrade) (int64, error) {
	const query = `
	INSERT INTO closed_trades (position_id, agent_id, symbol, direction, entry_price, exit_price, size,
	                           capital_basis, pnl, entry_time, exit_time, close_reason, trailing_armed, break_even_applied)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var closeReason sql.NullString
	if t.CloseReason != "" {
		closeReason = sql.NullString{String: string(t.CloseReason), Valid: true}
	}
	result, err := r.db.ExecContext(ctx, query,
		t.PositionID, t.AgentID, t.Symbol, string(t.Direction), t.EntryPrice, t.ExitPrice, t.Size,
		t.CapitalBasis, t.PNL, t.EntryTime.UTC(), t.ExitTime.UTC(), closeReason, t.TrailingArmed, t.BreakEvenApplied)
	if err != nil {
		var se sqlite3.Error
		if errors.As(err, &se) && se.Code == sqlite3.ErrConstraint {
			return 0, fmt.Errorf("position %s already archived: %w", t.PositionID, ports.ErrDuplicateEntry)
		}
		return 0, fmt.Errorf("failed to archive trade for position %s: %w: %v", t.PositionID, ports.ErrQueryFailed, err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID for position %s: %w", t.PositionID, err)
	}
	t.ID = id
	r.logger.Debug(ctx, "Closed trade archived", map[string]interface{}{"tradeID": id, "positionID": t.PositionID, "agentID": t.AgentID, "pnl": t.PNL})
	return id, nil
}

// FindClosedTrades returns the most recent closed trades, newest first.
func (r *Repository) FindClosedTrades(ctx context.Context, agentID string, limit int) ([]*domain.ClosedTrade, error) {
	const cols = `SELECT id, position_id, agent_id, symbol, direction, entry_price, exit_price, size,
	       capital_basis, pnl, entry_time, exit_time, close_reason, trailing_armed, break_even_applied
	FROM closed_trades`
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}

	var rows *sql.Rows
	var err error
	if agentID == "" {
		rows, err = r.db.QueryContext(ctx, cols+` ORDER BY exit_time DESC, id DESC LIMIT ?`, limit)
	} else {
		rows, err = r.db.QueryContext(ctx, cols+` WHERE agent_id = ? ORDER BY exit_time DESC, id DESC LIMIT ?`, agentID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query closed trades for agent %q: %w", agentID, err)
	}
	defer rows.Close()

	trades := make([]*domain.ClosedTrade, 0)
	for rows.Next() {
		t, err := scanClosedTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan closed trade: %w", err)
		}
		trades = append(trades, t)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating closed trade rows: %w", err)
	}
	return trades, nil
}

// --- SessionRepository Implementation ---

// CreateSession records the start of a session.
func (r *Repository) CreateSession(ctx context.Context, s *domain.Session) error {
	const query = `INSERT INTO sessions (id, started_at, balance_start) VALUES (?, ?, ?)`
	if _, err := r.db.ExecContext(ctx, query, s.ID, s.StartedAt.UTC(), s.BalanceStart); err != nil {
		return fmt.Errorf("failed to create session %s: %w", s.ID, err)
	}
	r.logger.Debug(ctx, "Session created", map[string]interface{}{"sessionID": s.ID, "balanceStart": s.BalanceStart})
	return nil
}

// EndSession records the end of a session.
func (r *Repository) EndSession(ctx context.Context, s *domain.Session) error {
	const query = `
	UPDATE sessions SET ended_at = ?, balance_end = ?, profit = ?, trades = ?
	WHERE id = ?`
	result, err := r.db.ExecContext(ctx, query, s.EndedAt.UTC(), s.BalanceEnd, s.Profit, s.Trades, s.ID)
	if err != nil {
		return fmt.Errorf("failed to end session %s: %w", s.ID, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for session %s: %w", s.ID, err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("session %s not found: %w", s.ID, ports.ErrNotFound)
	}
	return nil
}

// FindSessions returns the most recent sessions, newest first.
func (r *Repository) FindSessions(ctx context.Context, limit int) ([]*domain.Session, error) {
	const query = `
	SELECT id, started_at, ended_at, balance_start, COALESCE(balance_end, 0), COALESCE(profit, 0), trades
	FROM sessions ORDER BY started_at DESC LIMIT ?`
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]*domain.Session, 0)
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session rows: %w", err)
	}
	return sessions, nil
}

// --- AdjustmentLog Implementation ---

// SaveAdjustment records a parameter change.
func (r *Repository) SaveAdjustment(ctx context.Context, a *domain.Adjustment) (int64, error) {
	const query = `
	INSERT INTO adjustments (agent_id, param, old_value, new_value, reason, applied_at_ms)
	VALUES (?, ?, ?, ?, ?, ?)`
	result, err := r.db.ExecContext(ctx, query, a.AgentID, a.Param, a.OldValue, a.NewValue, a.Reason, a.AppliedAt.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to insert adjustment for agent %s: %w", a.AgentID, err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID for adjustment: %w", err)
	}
	a.ID = id
	return id, nil
}

// FindAdjustments returns an agent's adjustments at or after since, oldest first.
func (r *Repository) FindAdjustments(ctx context.Context, agentID string, since time.Time) ([]*domain.Adjustment, error) {
	const query = `
	SELECT id, agent_id, param, old_value, new_value, reason, applied_at_ms
	FROM adjustments WHERE agent_id = ? AND applied_at_ms >= ?
	ORDER BY applied_at_ms ASC, id ASC`
	rows, err := r.db.QueryContext(ctx, query, agentID, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to query adjustments for agent %s: %w", agentID, err)
	}
	defer rows.Close()

	out := make([]*domain.Adjustment, 0)
	for rows.Next() {
		a := &domain.Adjustment{}
		var appliedMs int64
		if err := rows.Scan(&a.ID, &a.AgentID, &a.Param, &a.OldValue, &a.NewValue, &a.Reason, &appliedMs); err != nil {
			return nil, fmt.Errorf("failed to scan adjustment: %w", err)
		}
		a.AppliedAt = time.UnixMilli(appliedMs).UTC()
		out = append(out, a)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating adjustment rows: %w", err)
	}
	return out, nil
}

// --- CommandQueue Implementation ---

// EnqueueCommand stores a pending operator command.
func (r *Repository) EnqueueCommand(ctx context.Context, c *domain.OperatorCommand) (int64, error) {
	if !c.Kind.Valid() {
		return 0, fmt.Errorf("%w: unknown command kind %q", ports.ErrInvalidRequest, c.Kind)
	}
	payload := c.Payload
	if payload == "" {
		payload = "{}"
	}
	const query = `INSERT INTO operator_commands (kind, agent_id, payload, created_at_ms) VALUES (?, ?, ?, ?)`
	result, err := r.db.ExecContext(ctx, query, string(c.Kind), c.AgentID, payload, c.CreatedAt.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue %s command: %w: %v", c.Kind, ports.ErrQueryFailed, err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID for command: %w", err)
	}
	c.ID = id
	c.Payload = payload
	return id, nil
}

// PendingCommands returns unapplied commands, oldest first.
func (r *Repository) PendingCommands(ctx context.Context) ([]*domain.OperatorCommand, error) {
	return r.queryCommands(ctx, commandCols+` WHERE applied_at_ms IS NULL ORDER BY id ASC`)
}

// CompleteCommand marks a pending command applied with its result.
func (r *Repository) CompleteCommand(ctx context.Context, id int64, appliedAt time.Time, result string) error {
	const query = `UPDATE operator_commands SET applied_at_ms = ?, result = ? WHERE id = ? AND applied_at_ms IS NULL`
	res, err := r.db.ExecContext(ctx, query, appliedAt.UnixMilli(), result, id)
	if err != nil {
		return fmt.Errorf("failed to complete command %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for command %d: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("pending command %d: %w", id, ports.ErrNotFound)
	}
	return nil
}

// FindCommands returns the most recent commands, newest first.
func (r *Repository) FindCommands(ctx context.Context, limit int) ([]*domain.OperatorCommand, error) {
	if limit <= 0 {
		limit = -1
	}
	return r.queryCommands(ctx, commandCols+` ORDER BY id DESC LIMIT ?`, limit)
}

const commandCols = `SELECT id, kind, agent_id, payload, created_at_ms, applied_at_ms, result FROM operator_commands`

func (r *Repository) queryCommands(ctx context.Context, query string, args ...interface{}) ([]*domain.OperatorCommand, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query operator commands: %w", err)
	}
	defer rows.Close()

	out := make([]*domain.OperatorCommand, 0)
	for rows.Next() {
		c := &domain.OperatorCommand{}
		var kind string
		var createdMs int64
		var appliedMs sql.NullInt64
		if err := rows.Scan(&c.ID, &kind, &c.AgentID, &c.Payload, &createdMs, &appliedMs, &c.Result); err != nil {
			return nil, fmt.Errorf("failed to scan operator command: %w", err)
		}
		c.Kind = domain.CommandKind(kind)
		c.CreatedAt = time.UnixMilli(createdMs).UTC()
		if appliedMs.Valid {
			c.AppliedAt = time.UnixMilli(appliedMs.Int64).UTC()
		}
		out = append(out, c)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating operator command rows: %w", err)
	}
	return out, nil
}

// --- Helper Scan Functions ---

// scanner defines an interface compatible with *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanClosedTrade(s scanner) (*domain.ClosedTrade, error) {
	t := &domain.ClosedTrade{}
	var direction string
	var closeReason sql.NullString
	err := s.Scan(
		&t.ID, &t.PositionID, &t.AgentID, &t.Symbol, &direction, &t.EntryPrice, &t.ExitPrice, &t.Size,
		&t.CapitalBasis, &t.PNL, &t.EntryTime, &t.ExitTime, &closeReason, &t.TrailingArmed, &t.BreakEvenApplied)
	if err != nil {
		return nil, err
	}
	t.Direction = domain.Direction(direction)
	if closeReason.Valid {
		t.CloseReason = domain.CloseReason(closeReason.String)
	} else {
		t.CloseReason = domain.CloseReasonUnknown
	}
	return t, nil
}

func scanSession(s scanner) (*domain.Session, error) {
	sess := &domain.Session{}
	var endedAt sql.NullTime
	err := s.Scan(&sess.ID, &sess.StartedAt, &endedAt, &sess.BalanceStart, &sess.BalanceEnd, &sess.Profit, &sess.Trades)
	if err != nil {
		return nil, err
	}
	if endedAt.Valid {
		sess.EndedAt = endedAt.Time
	}
	return sess, nil
}
