package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"g13lab/internal/adapters/logger"
)

// Venue modes.
const (
	VenueBinance = "binance"
	VenuePaper   = "paper"
)

// Config holds the process settings. Trading parameters live in the lab file.
type Config struct {
	// Binance API
	APIKey    string
	SecretKey string
	IsTestnet bool

	// Execution
	Venue        string  // binance or paper
	PaperBalance float64 // Simulated wallet when Venue is paper
	AccountAsset string  // Asset whose balance seeds the session

	// Files
	DBPath  string
	LabPath string

	// Logging
	LogLevel logger.LogLevel

	// Loops
	AgentPollInterval  time.Duration
	RiskCheckInterval  time.Duration
	StrategistInterval time.Duration
	AutoAdjust         bool // Apply strategist suggestions without operator action

	// Account verification
	BalanceCheckInterval time.Duration // How often governor equity is compared with the account
	EquityDriftPct       float64       // Divergence that raises a risk event

	// Venue calls
	VenueTimeout    time.Duration
	MaxCloseRetries int
	CloseRetryMin   time.Duration
	CloseRetryMax   time.Duration

	// Connection Settings
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int

	// Observability
	MetricsAddr  string // Empty disables the metrics server
	SentimentURL string
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// A missing .env is fine, plain environment variables still apply.
	_ = godotenv.Load()

	cfg := &Config{}
	var err error
	var errs []string

	cfg.APIKey = getEnv("BINANCE_API_KEY", "")
	cfg.SecretKey = getEnv("BINANCE_API_SECRET", "")
	cfg.IsTestnet = getEnvAsBool("IS_TESTNET", true)

	cfg.Venue = strings.ToLower(getEnv("VENUE", VenuePaper))
	switch cfg.Venue {
	case VenueBinance:
		if cfg.APIKey == "" {
			errs = append(errs, "BINANCE_API_KEY must be set when VENUE=binance")
		}
		if cfg.SecretKey == "" {
			errs = append(errs, "BINANCE_API_SECRET must be set when VENUE=binance")
		}
	case VenuePaper:
		cfg.PaperBalance, err = getEnvAsFloatRequired("PAPER_BALANCE", 0)
		if err != nil {
			errs = append(errs, fmt.Sprintf("invalid PAPER_BALANCE: %v", err))
		} else if cfg.PaperBalance <= 0 {
			errs = append(errs, "PAPER_BALANCE must be set to a positive amount when VENUE=paper")
		}
	default:
		errs = append(errs, fmt.Sprintf("VENUE must be %q or %q, got %q", VenueBinance, VenuePaper, cfg.Venue))
	}
	cfg.AccountAsset = getEnv("ACCOUNT_ASSET", "USDT")

	cfg.DBPath = getEnv("DB_PATH", "./data/g13lab.db")
	cfg.LabPath = getEnv("LAB_PATH", "./lab.yaml")

	cfg.LogLevel = logger.ParseLevel(getEnv("LOG_LEVEL", "INFO"))

	durations := []struct {
		key  string
		def  time.Duration
		dest *time.Duration
	}{
		{"AGENT_POLL_INTERVAL", 30 * time.Second, &cfg.AgentPollInterval},
		{"RISK_CHECK_INTERVAL", 5 * time.Second, &cfg.RiskCheckInterval},
		{"STRATEGIST_INTERVAL", 15 * time.Minute, &cfg.StrategistInterval},
		{"VENUE_TIMEOUT", 10 * time.Second, &cfg.VenueTimeout},
		{"CLOSE_RETRY_MIN", time.Second, &cfg.CloseRetryMin},
		{"CLOSE_RETRY_MAX", 30 * time.Second, &cfg.CloseRetryMax},
		{"RECONNECT_DELAY", 5 * time.Second, &cfg.ReconnectDelay},
		{"BALANCE_CHECK_INTERVAL", time.Minute, &cfg.BalanceCheckInterval},
	}
	for _, d := range durations {
		*d.dest, err = getEnvAsDuration(d.key, d.def)
		if err != nil {
			errs = append(errs, fmt.Sprintf("invalid %s: %v", d.key, err))
		} else if *d.dest <= 0 {
			errs = append(errs, d.key+" must be positive")
		}
	}
	if cfg.CloseRetryMin > cfg.CloseRetryMax {
		errs = append(errs, "CLOSE_RETRY_MIN must not exceed CLOSE_RETRY_MAX")
	}
	cfg.AutoAdjust = getEnvAsBool("AUTO_ADJUST", false)

	cfg.EquityDriftPct, err = getEnvAsFloatRequired("EQUITY_DRIFT_PCT", 1.0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid EQUITY_DRIFT_PCT: %v", err))
	} else if cfg.EquityDriftPct <= 0 {
		errs = append(errs, "EQUITY_DRIFT_PCT must be positive")
	}

	cfg.MaxCloseRetries, err = getEnvAsIntRequired("MAX_CLOSE_RETRIES", 5)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAX_CLOSE_RETRIES: %v", err))
	} else if cfg.MaxCloseRetries <= 0 {
		errs = append(errs, "MAX_CLOSE_RETRIES must be positive")
	}

	cfg.MaxReconnectAttempts = getEnvAsInt("MAX_RECONNECT_ATTEMPTS", 10)
	if cfg.MaxReconnectAttempts < 0 {
		errs = append(errs, "MAX_RECONNECT_ATTEMPTS cannot be negative")
	}

	cfg.MetricsAddr = getEnv("METRICS_ADDR", ":9090")
	if strings.EqualFold(cfg.MetricsAddr, "off") {
		cfg.MetricsAddr = ""
	}
	cfg.SentimentURL = getEnv("SENTIMENT_URL", "")

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return cfg, nil
}

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsIntRequired(key string, defaultValue int) (int, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return 0, fmt.Errorf("invalid integer value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsFloatRequired(key string, defaultValue float64) (float64, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

// getEnvAsDuration accepts Go durations ("90s") or plain seconds ("90").
func getEnvAsDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	if secs, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return 0, fmt.Errorf("invalid duration value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
