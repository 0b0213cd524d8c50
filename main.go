package main

import (
	"context"
	"log" // Use standard log only for initial fatal errors before logger is set up

	"g13lab/config"
	"g13lab/internal/adapters/binanceclient"
	"g13lab/internal/adapters/logger"
	"g13lab/internal/adapters/metrics"
	"g13lab/internal/adapters/paper"
	"g13lab/internal/adapters/sentiment"
	"g13lab/internal/adapters/sqlite"
	"g13lab/internal/agent"
	"g13lab/internal/app"
	"g13lab/internal/events"
	"g13lab/internal/lifecycle"
	"g13lab/internal/ports"
	"g13lab/internal/risk"
	"g13lab/internal/strategist"
	"g13lab/internal/tchek"
)

// venue is an execution venue that can also report the account.
type venue interface {
	ports.ExecutionVenue
	ports.AccountReader
}

func main() {
	ctx := context.Background()

	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err)
	}
	lab, err := config.LoadLab(cfg.LabPath)
	if err != nil {
		log.Fatalf("FATAL: Failed to load lab file %s: %v", cfg.LabPath, err)
	}

	// 2. Initialize Logger and event sinks
	appLogger := logger.NewStdLogger(cfg.LogLevel)
	appLogger.Info(ctx, "Logger initialized", map[string]interface{}{"level": cfg.LogLevel.String(), "venue": cfg.Venue})

	metricsSink := metrics.NewSink()
	sink := events.NewFanout(logger.NewEventLogger(appLogger), metricsSink)

	// 3. Initialize Repository
	repo, err := sqlite.NewRepository(sqlite.Config{
		DBPath: cfg.DBPath,
		Logger: appLogger,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize database repository")
		log.Fatalf("FATAL: Failed to initialize database repository: %v", err)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			appLogger.Error(ctx, err, "Error closing database repository")
		}
	}()

	// 4. Market data always comes from Binance; execution may be simulated.
	binanceClient, err := binanceclient.New(binanceclient.Config{
		APIKey:               cfg.APIKey,
		SecretKey:            cfg.SecretKey,
		UseTestnet:           cfg.IsTestnet,
		Logger:               appLogger,
		ReconnectDelay:       cfg.ReconnectDelay,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize Binance client")
		log.Fatalf("FATAL: Failed to initialize Binance client: %v", err)
	}
	if err := binanceClient.Ping(ctx); err != nil {
		appLogger.Error(ctx, err, "FATAL: Exchange API unreachable")
		log.Fatalf("FATAL: Exchange API unreachable: %v", err)
	}
	if err := binanceClient.SetServerTime(ctx); err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to synchronize server time")
		log.Fatalf("FATAL: Failed to synchronize server time: %v", err)
	}

	var exec venue = binanceClient
	if cfg.Venue == config.VenuePaper {
		exec, err = paper.NewVenue(paper.Config{
			Quotes:  binanceClient,
			Asset:   cfg.AccountAsset,
			Balance: cfg.PaperBalance,
			Logger:  appLogger,
		})
		if err != nil {
			log.Fatalf("FATAL: Failed to initialize paper venue: %v", err)
		}
	}

	// 5. Session: balance_start comes from a verified account read.
	sessions, err := app.NewSessionManager(app.SessionConfig{
		Account: exec,
		Repo:    repo,
		Events:  sink,
		Logger:  appLogger,
		Asset:   cfg.AccountAsset,
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize session manager: %v", err)
	}
	session, err := sessions.Start(ctx)
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to start session")
		log.Fatalf("FATAL: Failed to start session: %v", err)
	}

	// 6. Core: governor, gate, lifecycle engine
	governor, err := risk.NewGovernor(risk.Config{
		Limits:       lab.Risk,
		BalanceStart: session.BalanceStart,
		Logger:       appLogger,
		Events:       sink,
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize risk governor: %v", err)
	}
	gate := tchek.NewGate(tchek.Config{
		Killzones:          lab.Killzones,
		CategorySpreadCaps: lab.CategorySpreadCaps,
	})
	engine, err := lifecycle.NewEngine(lifecycle.Config{
		Gate:            gate,
		Quotes:          binanceClient,
		Venue:           exec,
		Risk:            governor,
		Archive:         repo,
		Events:          sink,
		Logger:          appLogger,
		VenueTimeout:    cfg.VenueTimeout,
		MaxCloseRetries: cfg.MaxCloseRetries,
		RetryMin:        cfg.CloseRetryMin,
		RetryMax:        cfg.CloseRetryMax,
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize lifecycle engine: %v", err)
	}
	governor.SetEnforcer(engine)

	// 7. Agents
	store, err := app.NewConfigStore(lab, appLogger)
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize config store: %v", err)
	}
	fng, err := sentiment.NewFearGreed(sentiment.Config{URL: cfg.SentimentURL, Logger: appLogger})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize sentiment source: %v", err)
	}
	var agents []app.AgentLoop
	for _, id := range store.AgentIDs() {
		r, err := agent.NewRunner(agent.RunnerConfig{
			AgentID:      id,
			Configs:      store,
			Market:       binanceClient,
			Sentiment:    fng,
			Engine:       engine,
			Capital:      governor,
			Logger:       appLogger,
			PollInterval: cfg.AgentPollInterval,
		})
		if err != nil {
			log.Fatalf("FATAL: Failed to initialize agent %s: %v", id, err)
		}
		agents = append(agents, r)
	}

	// 8. Strategist and adjuster
	strat, err := strategist.New(strategist.Config{Archive: repo, Logger: appLogger})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize strategist: %v", err)
	}
	adjuster, err := strategist.NewAdjuster(strategist.AdjusterConfig{
		Configs:   store,
		Positions: engine,
		Log:       repo,
		Events:    sink,
		Logger:    appLogger,
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize adjuster: %v", err)
	}

	// Operator commands queued by g13ctl are applied on each risk check.
	operator, err := app.NewOperator(app.OperatorConfig{
		Queue:     repo,
		Risk:      governor,
		Store:     store,
		Positions: engine,
		Logger:    appLogger,
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize operator: %v", err)
	}

	// 9. Metrics endpoint
	metricsCtx, stopMetrics := context.WithCancel(ctx)
	defer stopMetrics()
	if cfg.MetricsAddr != "" {
		go func() {
			if err := metricsSink.Serve(metricsCtx, cfg.MetricsAddr, appLogger); err != nil {
				appLogger.Error(ctx, err, "Metrics server stopped")
			}
		}()
	}

	// 10. Start the Service
	service, err := app.NewService(app.ServiceConfig{
		Logger:               appLogger,
		Market:               binanceClient,
		Store:                store,
		Engine:               engine,
		Governor:             governor,
		Sessions:             sessions,
		Archive:              repo,
		Agents:               agents,
		Analyzer:             strat,
		Tuner:                adjuster,
		Gauge:                metricsSink,
		Operator:             operator,
		Venue:                exec,
		Account:              exec,
		Events:               sink,
		AccountAsset:         cfg.AccountAsset,
		RiskCheckInterval:    cfg.RiskCheckInterval,
		StrategistInterval:   cfg.StrategistInterval,
		BalanceCheckInterval: cfg.BalanceCheckInterval,
		EquityDriftPct:       cfg.EquityDriftPct,
		AutoAdjust:           cfg.AutoAdjust,
	})
	if err != nil {
		appLogger.Error(ctx, err, "FATAL: Failed to initialize lab service")
		log.Fatalf("FATAL: Failed to initialize lab service: %v", err)
	}
	if err := service.Start(ctx); err != nil {
		appLogger.Error(ctx, err, "Lab service exited with error")
		log.Fatalf("FATAL: Lab service exited with error: %v", err)
	}

	appLogger.Info(ctx, "Application finished gracefully.")
}
