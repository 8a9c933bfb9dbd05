package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"digit-trading-bot/config"
	"digit-trading-bot/internal/api"
	"digit-trading-bot/internal/apikeys"
	"digit-trading-bot/internal/auth"
	"digit-trading-bot/internal/broker"
	"digit-trading-bot/internal/circuit"
	"digit-trading-bot/internal/consensus"
	"digit-trading-bot/internal/database"
	"digit-trading-bot/internal/events"
	"digit-trading-bot/internal/logging"
	"digit-trading-bot/internal/metrics"
	"digit-trading-bot/internal/notification"
	"digit-trading-bot/internal/recovery"
	"digit-trading-bot/internal/scheduler"
	"digit-trading-bot/internal/supervisor"
	"digit-trading-bot/internal/threshold"
	"digit-trading-bot/internal/vault"
)

// store is everything the components persist through. Both the PostgreSQL
// repository and the in-memory store satisfy it.
type store interface {
	scheduler.Store
	recovery.LedgerStore
	consensus.AiLogStore
	supervisor.HeartbeatStore
	apikeys.TokenStore
	threshold.OperationCounter
}

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logCfg := &logging.Config{
		Level:       cfg.LoggingConfig.Level,
		Output:      cfg.LoggingConfig.Output,
		JSONFormat:  cfg.LoggingConfig.JSONFormat,
		IncludeFile: cfg.LoggingConfig.IncludeFile,
		Component:   "main",
	}
	logger := logging.New(logCfg)
	logging.SetDefault(logger)
	zl := logging.NewZerolog(logCfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus := events.NewEventBus()

	// Persistence
	var (
		st  store
		db  *database.DB
		rdb *redis.Client
	)
	if cfg.DatabaseConfig.Enabled {
		db, err = database.NewDB(database.Config{
			Host:     cfg.DatabaseConfig.Host,
			Port:     cfg.DatabaseConfig.Port,
			User:     cfg.DatabaseConfig.User,
			Password: cfg.DatabaseConfig.Password,
			Database: cfg.DatabaseConfig.Database,
			SSLMode:  cfg.DatabaseConfig.SSLMode,
		})
		if err != nil {
			logger.Fatal("Failed to connect to database", "error", err)
		}
		if err := db.RunMigrations(ctx); err != nil {
			logger.Fatal("Failed to run migrations", "error", err)
		}
		st = database.NewRepository(db)
		logger.Info("Using PostgreSQL store", "database", cfg.DatabaseConfig.Database)
	} else {
		st = database.NewMemoryStore()
		logger.Warn("Database disabled, using in-memory store")
	}

	if cfg.RedisConfig.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisConfig.Address,
			Password: cfg.RedisConfig.Password,
			DB:       cfg.RedisConfig.DB,
			PoolSize: cfg.RedisConfig.PoolSize,
		})
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		pingCancel()
		if err != nil {
			logger.Warn("Redis unavailable, falling back to in-process session locks", "error", err)
			rdb.Close()
			rdb = nil
		} else {
			logger.Info("Redis session locks enabled", "addr", cfg.RedisConfig.Address)
		}
	}
	// A nil client keeps the locks in-process
	locker := database.NewRedisSessionLocker(rdb, cfg.SchedulerConfig.LockTTL)

	// Supervisor first: every other component beats into it
	sup := supervisor.New(supervisor.Config{
		CheckInterval:  cfg.SupervisorConfig.CheckInterval,
		StaleAfter:     cfg.SupervisorConfig.StaleAfter,
		ControlChannel: cfg.SupervisorConfig.ControlChannel,
	}, st, eventBus, rdb, zl)

	// Broker and tokens
	var (
		brk    broker.Broker
		tokens scheduler.TokenResolver
	)
	if cfg.BrokerConfig.PaperMode {
		brk = broker.NewPaperClient(broker.PaperConfig{Currency: cfg.BrokerConfig.Currency})
		tokens = apikeys.PaperTokens{}
		logger.Warn("Paper mode: trading against the simulated broker")
	} else {
		client := broker.NewClient(broker.Config{
			AppID:             cfg.BrokerConfig.AppID,
			DemoEndpoint:      cfg.BrokerConfig.DemoEndpoint,
			RealEndpoint:      cfg.BrokerConfig.RealEndpoint,
			RequestTimeout:    cfg.BrokerConfig.RequestTimeout,
			SettlementTimeout: cfg.BrokerConfig.SettlementTimeout,
			RequestsPerSecond: cfg.BrokerConfig.RequestsPerSecond,
			Burst:             cfg.BrokerConfig.Burst,
		}, zl)
		client.SetLinkMonitor(sup)
		brk = client

		vaultClient, err := vault.NewClient(cfg.VaultConfig)
		if err != nil {
			logger.Fatal("Failed to initialize Vault client", "error", err)
		}
		var vaultTokens apikeys.VaultTokens
		if vaultClient.IsEnabled() {
			vaultTokens = vaultClient
		}
		tokenService, err := apikeys.NewService(st, vaultTokens, cfg.BrokerConfig.EncryptionKey)
		if err != nil {
			logger.Fatal("Failed to initialize broker token service", "error", err)
		}
		tokens = tokenService
	}

	// Consensus
	engine := consensus.NewEngine(consensus.Config{
		AdapterTimeout: cfg.ConsensusConfig.AdapterTimeout,
		MinQuorum:      cfg.ConsensusConfig.MinQuorum,
	}, st, zl)
	adapters := []consensus.Adapter{
		consensus.NewDigitFrequencyAdapter(cfg.BrokerConfig.TickHistoryCount),
		consensus.NewMomentumAdapter(cfg.ConsensusConfig.MomentumWindow),
		consensus.NewMeanReversionAdapter(cfg.ConsensusConfig.MomentumWindow),
	}
	if cfg.ConsensusConfig.LLMEnabled && cfg.ConsensusConfig.LLMAPIKey != "" {
		adapters = append(adapters, consensus.NewLLMAdapter(consensus.LLMConfig{
			BaseURL: cfg.ConsensusConfig.LLMBaseURL,
			APIKey:  cfg.ConsensusConfig.LLMAPIKey,
			Model:   cfg.ConsensusConfig.LLMModel,
		}))
	}
	if cfg.ConsensusConfig.MLEnabled && cfg.ConsensusConfig.MLServiceURL != "" {
		adapters = append(adapters, consensus.NewMLServiceAdapter(cfg.ConsensusConfig.MLServiceURL))
	}
	for _, a := range adapters {
		if err := engine.Register(a); err != nil {
			logger.Fatal("Failed to register prediction adapter", "error", err)
		}
	}
	logger.Info("Consensus engine ready", "adapters", engine.Adapters(), "min_quorum", cfg.ConsensusConfig.MinQuorum)

	// Recovery
	recCfg := recovery.DefaultConfig()
	recCfg.RecoveryThreshold = cfg.RecoveryConfig.RecoveryThreshold
	recCfg.RecoveryMultiplier = cfg.RecoveryConfig.RecoveryMultiplier
	recCfg.MinConservativeOps = cfg.RecoveryConfig.MinConservativeOps
	recCfg.MaxConservativeOps = cfg.RecoveryConfig.MaxConservativeOps
	recCfg.ConservativeEvery = cfg.RecoveryConfig.ConservativeEvery
	recCfg.ConservativeFactor = cfg.RecoveryConfig.ConservativeFactor
	recCfg.StrategyName = cfg.RecoveryConfig.StrategyName
	controller, err := recovery.NewController(recCfg, st, eventBus, zl)
	if err != nil {
		logger.Fatal("Invalid recovery configuration", "error", err)
	}
	rollover, err := recovery.NewRolloverJob(ctx, controller, cfg.RecoveryConfig.RolloverSpec)
	if err != nil {
		logger.Fatal("Invalid rollover schedule", "error", err)
	}

	tracker := threshold.NewTracker(threshold.Config{
		WindowSize:    cfg.ThresholdConfig.WindowSize,
		MinSamples:    cfg.ThresholdConfig.MinSamples,
		ForceDiscount: cfg.ThresholdConfig.ForceDiscount,
	}, st, zl)

	breakers := circuit.NewRegistry(circuit.Config{
		Enabled:                cfg.CircuitBreakerConfig.Enabled,
		MaxConsecutiveFailures: cfg.CircuitBreakerConfig.MaxConsecutiveFailures,
		Cooldown:               cfg.CircuitBreakerConfig.Cooldown,
	})
	notifier := notification.NewManager(zl)
	if cfg.NotificationConfig.Enabled {
		notifier.AddNotifier(notification.NewTelegramNotifier(notification.TelegramConfig{
			BotToken: cfg.NotificationConfig.TelegramBotToken,
			ChatID:   cfg.NotificationConfig.TelegramChatID,
			Enabled:  true,
		}))
		notifier.AddNotifier(notification.NewDiscordNotifier(notification.DiscordConfig{
			WebhookURL: cfg.NotificationConfig.DiscordWebhookURL,
			Enabled:    true,
		}))
		notifier.Subscribe(eventBus)
		logger.Info("Operator notifications enabled", "active", notifier.Enabled())
	}

	breakers.OnTrip(func(userID, reason string) {
		metrics.RecordBreakerTrip()
		logger.Warn("Broker circuit breaker tripped", "user_id", userID, "reason", reason)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = notifier.SendError(ctx, "Broker circuit breaker tripped", fmt.Sprintf("User %s: %s", userID, reason))
	})

	sched, err := scheduler.New(scheduler.Config{
		TickInterval:     cfg.SchedulerConfig.TickInterval,
		MaxParallel:      cfg.SchedulerConfig.MaxParallel,
		ExecutionBudget:  cfg.SchedulerConfig.ExecutionBudget,
		DefaultSymbol:    cfg.SchedulerConfig.DefaultSymbol,
		DefaultAmount:    cfg.SchedulerConfig.DefaultAmount,
		DurationTicks:    cfg.BrokerConfig.DurationTicks,
		Currency:         cfg.BrokerConfig.Currency,
		TickHistoryCount: cfg.BrokerConfig.TickHistoryCount,
	}, scheduler.Deps{
		Store:      st,
		Locker:     locker,
		Broker:     brk,
		Tokens:     tokens,
		Consensus:  engine,
		Ledger:     controller,
		Thresholds: tracker,
		Breakers:   breakers,
		Events:     eventBus,
		Health:     sup,
	}, zl)
	if err != nil {
		logger.Fatal("Failed to build scheduler", "error", err)
	}

	setupRestartHandlers(eventBus, sched, breakers, logger)
	setupEventLogging(eventBus, logger)

	// Control surface
	var jwtManager *auth.JWTManager
	if cfg.AuthConfig.Enabled {
		jwtManager = auth.NewJWTManager(cfg.AuthConfig.JWTSecret, 0)
	}
	server := api.NewServer(api.ServerConfig{
		Port:           cfg.ServerConfig.Port,
		Host:           cfg.ServerConfig.Host,
		ProductionMode: os.Getenv("GIN_MODE") == "release",
		AllowedOrigins: api.ParseOrigins(cfg.ServerConfig.AllowedOrigins),
		ReadTimeout:    time.Duration(cfg.ServerConfig.ReadTimeout) * time.Second,
		WriteTimeout:   time.Duration(cfg.ServerConfig.WriteTimeout) * time.Second,
	}, sched, sup, jwtManager, logger)

	go func() {
		if err := server.Start(); err != nil {
			logger.Fatal("Failed to start web server", "error", err)
		}
	}()

	rollover.Start()
	if err := sched.Start(ctx); err != nil {
		logger.Fatal("Failed to start scheduler", "error", err)
	}
	if err := sup.Start(ctx); err != nil {
		logger.Fatal("Failed to start supervisor", "error", err)
	}

	logger.Info("Digit trading bot started",
		"paper_mode", cfg.BrokerConfig.PaperMode,
		"tick_interval", cfg.SchedulerConfig.TickInterval.String(),
		"addr", cfg.ServerConfig.Host,
		"port", cfg.ServerConfig.Port)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.ServerConfig.ShutdownTimeout)*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error shutting down web server", "error", err)
	}

	// Scheduler waits for in-flight executions so no contract is left unrecorded
	sup.Stop()
	if err := sched.Stop(); err != nil {
		logger.Error("Error stopping scheduler", "error", err)
	}
	rollover.Stop()
	cancel()

	if rdb != nil {
		rdb.Close()
	}
	if db != nil {
		db.Close()
	}

	logger.Info("Shutdown complete")
}

// setupRestartHandlers acts on supervisor restart requests
func setupRestartHandlers(eventBus *events.EventBus, sched *scheduler.Scheduler, breakers *circuit.Registry, logger *logging.Logger) {
	eventBus.Subscribe(events.EventRestartScheduler, func(event events.Event) {
		logger.Warn("Restarting scheduler", "reason", event.Data["reason"])
		if err := sched.Restart(); err != nil {
			logger.Error("Scheduler restart failed", "error", err)
		}
	})

	eventBus.Subscribe(events.EventRestartWebsocket, func(event events.Event) {
		// Connections are per execution, so a restart only clears held-back users
		logger.Warn("Broker link stale, resetting circuit breakers", "reason", event.Data["reason"])
		breakers.ResetAll()
	})
}

// setupEventLogging writes notable trading events to the process log
func setupEventLogging(eventBus *events.EventBus, logger *logging.Logger) {
	l := logger.WithComponent("events")
	for _, t := range []events.EventType{
		events.EventRecoveryActivated,
		events.EventRecoveryCleared,
		events.EventSessionCompleted,
		events.EventPersistenceError,
		events.EventSchedulerPaused,
		events.EventSchedulerResumed,
	} {
		eventType := t
		eventBus.Subscribe(eventType, func(event events.Event) {
			l.WithFields(event.Data).Info(string(eventType))
		})
	}
}
