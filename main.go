package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"fno-trading-engine/config"
	"fno-trading-engine/internal/api"
	"fno-trading-engine/internal/auth"
	"fno-trading-engine/internal/broker"
	"fno-trading-engine/internal/database"
	"fno-trading-engine/internal/events"
	"fno-trading-engine/internal/housekeeping"
	"fno-trading-engine/internal/logging"
	"fno-trading-engine/internal/margin"
	"fno-trading-engine/internal/marketdata"
	"fno-trading-engine/internal/risk"
	"fno-trading-engine/internal/scheduler"
	"fno-trading-engine/internal/strategy"
	"fno-trading-engine/internal/vault"
)

// Exit codes: 0 clean shutdown, 2 configuration error, 3 broker unreachable,
// 4 database unreachable.
const (
	exitConfig = 2
	exitBroker = 3
	exitDB     = 4
)

// marginRowFanout writes refreshed NSE margin rows to every backing store
// (Postgres always, Redis when enabled).
type marginRowFanout []marketdata.MarginRowStore

func (f marginRowFanout) UpsertNSEMarginRows(ctx context.Context, rows []marketdata.NSEMarginRow) error {
	var firstErr error
	for _, s := range f {
		if err := s.UpsertNSEMarginRows(ctx, rows); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(exitConfig)
	}

	logger := logging.Setup(logging.Config{
		Level:      cfg.LoggingConfig.Level,
		JSONFormat: cfg.LoggingConfig.JSONFormat,
		Output:     cfg.LoggingConfig.Output,
	})
	logger.Info().Bool("mock_broker", cfg.BrokerConfig.MockMode).Msg("starting F&O trading engine")

	// ---- Database ----
	db, err := database.NewDB(database.Config{
		Host:     cfg.DatabaseConfig.Host,
		Port:     cfg.DatabaseConfig.Port,
		User:     cfg.DatabaseConfig.User,
		Password: cfg.DatabaseConfig.Password,
		Database: cfg.DatabaseConfig.Database,
		SSLMode:  cfg.DatabaseConfig.SSLMode,
	}, logger)
	if err != nil {
		logger.Error().Err(err).Msg("database connection failed")
		os.Exit(exitDB)
	}
	defer db.Close()

	migCtx, migCancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = db.RunMigrations(migCtx)
	migCancel()
	if err != nil {
		logger.Error().Err(err).Msg("database migrations failed")
		os.Exit(exitDB)
	}
	repo := database.NewRepository(db)

	// ---- Redis (optional, hot lookups and schedule bookkeeping) ----
	var redisCache *database.Cache
	if cfg.RedisConfig.Enabled {
		redisCache, err = database.NewCache(database.CacheConfig{
			Addr:     cfg.RedisConfig.Address,
			Password: cfg.RedisConfig.Password,
			DB:       cfg.RedisConfig.DB,
		}, logger)
		if err != nil {
			// Redis is an accelerator, not a dependency.
			logger.Warn().Err(err).Msg("Redis unavailable, continuing without cache")
			redisCache = nil
		} else {
			defer redisCache.Close()
		}
	}

	// ---- Broker credentials (Vault when enabled) ----
	if cfg.VaultConfig.Enabled {
		vc, err := vault.NewClient(vault.Config{
			Enabled:    true,
			Address:    cfg.VaultConfig.Address,
			Token:      cfg.VaultConfig.Token,
			MountPath:  cfg.VaultConfig.MountPath,
			SecretPath: cfg.VaultConfig.SecretPath,
		})
		if err != nil {
			logger.Error().Err(err).Msg("vault client init failed")
			os.Exit(exitConfig)
		}
		creds, err := vc.GetCredentials(context.Background())
		if err != nil {
			logger.Error().Err(err).Msg("broker credentials unavailable from vault")
			os.Exit(exitConfig)
		}
		cfg.BrokerConfig.APIKey = creds.APIKey
		cfg.BrokerConfig.AccessToken = creds.AccessToken
	}
	if !cfg.BrokerConfig.MockMode && cfg.BrokerConfig.APIKey == "" {
		logger.Error().Msg("no broker API key configured")
		os.Exit(exitConfig)
	}

	// ---- Broker gateway ----
	var client broker.Client
	if cfg.BrokerConfig.MockMode {
		client = broker.NewMockClient()
	} else {
		client = broker.NewKiteClient(broker.KiteConfig{
			BaseURL:     cfg.BrokerConfig.BaseURL,
			APIKey:      cfg.BrokerConfig.APIKey,
			AccessToken: cfg.BrokerConfig.AccessToken,
		}, logger)
	}
	gateway := broker.NewGateway(client, broker.GatewayConfig{
		MaxRetries:      cfg.BrokerConfig.MaxRetries,
		BreakerFailures: cfg.BrokerConfig.BreakerFailures,
		BreakerTimeout:  time.Duration(cfg.BrokerConfig.BreakerTimeoutSec) * time.Second,
		RateLimits: broker.RateLimiterConfig{
			OrdersPerSecond: cfg.BrokerConfig.OrdersPerSecond,
			ReadsPerSecond:  cfg.BrokerConfig.ReadsPerSecond,
			MarginGapSec:    cfg.BrokerConfig.MarginCallGapSec,
		},
	}, logger)

	if !cfg.BrokerConfig.MockMode {
		probeCtx, probeCancel := context.WithTimeout(context.Background(), 10*time.Second)
		_, err = gateway.GetFunds(probeCtx)
		probeCancel()
		if err != nil {
			logger.Error().Err(err).Msg("broker unreachable at startup")
			os.Exit(exitBroker)
		}
	}

	// ---- Market data ----
	cal, err := marketdata.NewCalendar(cfg.SchedulerConfig.Timezone, nil)
	if err != nil {
		logger.Error().Err(err).Msg("bad exchange timezone")
		os.Exit(exitConfig)
	}
	md := marketdata.NewAdapter(gateway,
		time.Duration(cfg.FeedsConfig.DepthCacheTTLMillis)*time.Millisecond, logger)

	rowStores := marginRowFanout{repo}
	if redisCache != nil {
		rowStores = append(rowStores, redisCache)
	}
	nse := marketdata.NewNSEMarginFile(cfg.FeedsConfig.NSEMarginFileURL, rowStores, logger)
	warmCtx, warmCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if rows, err := repo.LoadNSEMarginRows(warmCtx); err != nil {
		logger.Warn().Err(err).Msg("NSE margin warm load failed, starting cold")
	} else {
		nse.Load(rows)
		logger.Info().Int("rows", len(rows)).Msg("NSE margin cache warmed from database")
	}
	warmCancel()

	vix := marketdata.NewVIXSource(cfg.FeedsConfig.VIXURL,
		time.Duration(cfg.FeedsConfig.VIXPollSeconds)*time.Second,
		cfg.FeedsConfig.VIXTriggerPct, logger)
	if redisCache != nil {
		vixCtx, vixCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if snap, ok, err := redisCache.LastVIX(vixCtx); err == nil && ok {
			vix.Set(snap.Value, snap.Timestamp)
		}
		vixCancel()
	}

	feed := marketdata.NewSettlementFeed(cfg.FeedsConfig.SettlementPriceURL, logger)

	// ---- Event bus ----
	bus := events.NewBus(repo, events.BusConfig{}, logger)
	bus.SetSideChannel(func(e events.Event) {
		// Last-resort path for urgent events no subscriber could take.
		logger.Error().
			Str("type", string(e.Type)).
			Str("strategy_id", e.StrategyID).
			Str("message", e.Message).
			Msg("urgent event undeliverable, logged out-of-band")
	})

	// ---- Strategy directory ----
	greeks := func(high float64) risk.GreekThresholds {
		return risk.GreekThresholds{Medium: high / 2, High: high, Extreme: high * 2}
	}
	strategies := strategy.NewStore(repo, strategy.Config{
		GreekDelta: greeks(cfg.RiskConfig.DeltaHighThreshold),
		GreekGamma: greeks(cfg.RiskConfig.GammaHighThreshold),
		GreekVega:  greeks(cfg.RiskConfig.VegaHighThreshold),
		GreekTheta: greeks(cfg.RiskConfig.ThetaHighThreshold),
	}, logger)

	// ---- Engines ----
	marginEngine := margin.NewEngine(gateway, nse, vix, cal, md, bus, repo, margin.Config{
		ExposurePct:       cfg.MarginConfig.ExposurePct,
		MinorChangePct:    cfg.MarginConfig.MinorChangePct,
		MajorChangePct:    cfg.MarginConfig.MajorChangePct,
		CriticalChangePct: cfg.MarginConfig.CriticalChangePct,
	}, logger)
	marginMon := margin.NewMonitor(marginEngine, gateway, strategies,
		time.Duration(cfg.MarginConfig.MonitorIntervalSec)*time.Second, logger)

	hk := housekeeping.NewEngine(gateway, cal, bus, repo, strategies, housekeeping.Config{
		SweepInterval:     time.Duration(cfg.HousekeepingConfig.SweepIntervalMin) * time.Minute,
		StaleAfter:        time.Duration(cfg.HousekeepingConfig.StaleFallbackHours) * time.Hour,
		StaleHardBound:    time.Duration(cfg.HousekeepingConfig.StaleHardBoundHours) * time.Hour,
		CancelStaleOrders: cfg.HousekeepingConfig.CancelStaleOrders,
	}, logger)

	riskMon := risk.NewMonitor(gateway, md, bus, hk, strategies, risk.Config{
		EvaluateInterval: time.Duration(cfg.RiskConfig.EvaluateIntervalSec) * time.Second,
		DefaultShortfall: time.Duration(cfg.RiskConfig.ShortfallGraceMin) * time.Minute,
	}, logger)

	// Every finished margin snapshot feeds the risk state machine.
	marginEngine.SetSnapshotSink(riskMon.Submit)

	// A VIX move re-prices every active strategy through the factor path.
	vix.OnChange(func(snap marketdata.VIXSnapshot) {
		marginEngine.OnFactorChange("VIX")
		marginMon.Recompute("")
		if redisCache != nil {
			saveCtx, saveCancel := context.WithTimeout(context.Background(), 3*time.Second)
			if err := redisCache.SaveVIX(saveCtx, snap); err != nil {
				logger.Warn().Err(err).Msg("VIX cache write failed")
			}
			saveCancel()
		}
	})

	gateway.OnSessionLost(func() {
		ev := events.New(events.EventRiskBreach, events.SeverityUrgent, "",
			"Broker session invalid",
			"broker session expired or revoked; new orders are rejected until re-login")
		if err := bus.Publish(context.Background(), ev); err != nil {
			logger.Error().Err(err).Msg("session-lost alert publish failed")
		}
	})

	var fires scheduler.FireRecorder
	if redisCache != nil {
		fires = redisCache
	}
	sched := scheduler.New(cal, nse, vix, feed, marginMon, hk, gateway, repo, fires,
		bus, scheduler.Config{
			SnapshotRetentionDays: cfg.MarginConfig.SnapshotRetentionDays,
		}, logger)

	// ---- Auth (optional) ----
	var authService *auth.Service
	if cfg.AuthConfig.Enabled {
		authService, err = auth.NewService(repo, auth.Config{
			JWTSecret:            cfg.AuthConfig.JWTSecret,
			AccessTokenDuration:  cfg.AuthConfig.AccessTokenDuration,
			RefreshTokenDuration: cfg.AuthConfig.RefreshTokenDuration,
			MinPasswordLength:    cfg.AuthConfig.MinPasswordLength,
		}, logger)
		if err != nil {
			logger.Error().Err(err).Msg("auth service init failed")
			os.Exit(exitConfig)
		}
	}

	// ---- API server ----
	server := api.NewServer(api.Config{
		Host:           cfg.ServerConfig.Host,
		Port:           cfg.ServerConfig.Port,
		AllowedOrigins: cfg.ServerConfig.AllowedOrigins,
		ReadTimeout:    time.Duration(cfg.ServerConfig.ReadTimeout) * time.Second,
		WriteTimeout:   time.Duration(cfg.ServerConfig.WriteTimeout) * time.Second,
		ProductionMode: cfg.ServerConfig.ProductionMode,
	}, api.Components{
		Repo:         repo,
		Strategies:   strategies,
		MarginEngine: marginEngine,
		MarginMon:    marginMon,
		Housekeeping: hk,
		Risk:         riskMon,
		MarketData:   md,
		Bus:          bus,
		AuthService:  authService,
	}, logger)

	// ---- Start ----
	marginMon.Start()
	hk.Start()
	riskMon.Start()
	vix.Start()
	if err := sched.Start(); err != nil {
		logger.Error().Err(err).Msg("scheduler start failed")
		os.Exit(exitConfig)
	}

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()
	logger.Info().Int("port", cfg.ServerConfig.Port).Msg("engine running")

	// ---- Shutdown ----
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-serverErr:
		if err != nil {
			logger.Error().Err(err).Msg("API server failed")
		}
	}

	shutdown(cfg, logger, sched, vix, hk, marginMon, riskMon, server, gateway)
}

// shutdown stops intake first (scheduler, feeds, sweeps), then drains the
// HTTP server, then closes the broker connection. The deferred DB and Redis
// closes in main run last.
func shutdown(cfg *config.Config, logger zerolog.Logger,
	sched *scheduler.Scheduler, vix *marketdata.VIXSource,
	hk *housekeeping.Engine, marginMon *margin.Monitor, riskMon *risk.Monitor,
	server *api.Server, gateway *broker.Gateway) {

	sched.Stop()
	vix.Stop()
	hk.Stop()
	marginMon.Stop()
	riskMon.Stop()

	ctx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.ServerConfig.ShutdownTimeout)*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("server shutdown error")
	}

	if err := gateway.Close(); err != nil {
		logger.Error().Err(err).Msg("broker close error")
	}
	logger.Info().Msg("shutdown complete")
}
