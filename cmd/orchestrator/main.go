package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/outreach/internal/api"
	"github.com/lalithlochan/outreach/internal/automation"
	"github.com/lalithlochan/outreach/internal/campaign"
	"github.com/lalithlochan/outreach/internal/channel"
	"github.com/lalithlochan/outreach/internal/circuitbreaker"
	"github.com/lalithlochan/outreach/internal/config"
	"github.com/lalithlochan/outreach/internal/content"
	"github.com/lalithlochan/outreach/internal/db"
	"github.com/lalithlochan/outreach/internal/events"
	"github.com/lalithlochan/outreach/internal/metrics"
	"github.com/lalithlochan/outreach/internal/observ"
	"github.com/lalithlochan/outreach/internal/ratelimit"
	"github.com/lalithlochan/outreach/internal/redis"
	"github.com/lalithlochan/outreach/internal/retry"
	"github.com/lalithlochan/outreach/internal/sns"
	"github.com/lalithlochan/outreach/internal/sqs"
	"github.com/lalithlochan/outreach/internal/tenant"
	"github.com/lalithlochan/outreach/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting outreach orchestrator",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("rate_limit_backend", cfg.RateLimitBackend),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.New(ctx, db.Config{
		URL:      cfg.DatabaseURL,
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
		MaxConns: int32(cfg.DBMaxConns),
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()
	store := db.NewStore(database, logger)

	// dedupe claims and dispatch locks have no local fallback
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		PoolSize: 2*cfg.DispatchWorkers + cfg.ActionWorkers + 10,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer redisClient.Close()

	sendLimits := ratelimit.Limits{PerMinute: cfg.RateLimitPerMinute, PerHour: cfg.RateLimitPerHour}
	if err := sendLimits.Validate(); err != nil {
		return err
	}
	apiLimits := ratelimit.Limits{PerMinute: cfg.APIRateLimitPerMinute, PerHour: cfg.APIRateLimitPerHour}
	if err := apiLimits.Validate(); err != nil {
		return fmt.Errorf("api %w", err)
	}
	var limiter, apiLimiter ratelimit.Limiter
	if cfg.RateLimitBackend == "local" {
		limiter = ratelimit.NewLocal(sendLimits)
		apiLimiter = ratelimit.NewLocal(apiLimits)
	} else {
		limiter = redis.NewRateLimiter(redisClient, logger, sendLimits)
		apiLimiter = redis.NewRateLimiter(redisClient, logger, apiLimits)
	}

	engine, err := loadRetryEngine(cfg.RetryTablesFile)
	if err != nil {
		return err
	}

	registry, breakers, err := newRegistry(ctx, cfg, logger)
	if err != nil {
		return err
	}

	var notifier tenant.Notifier
	if cfg.SNSAlertsTopicARN != "" {
		var alerts *sns.Publisher
		if cfg.AWSEndpoint != "" {
			alerts, err = sns.NewPublisherWithEndpoint(ctx, cfg.SNSRegion, cfg.SNSAlertsTopicARN, cfg.AWSEndpoint, logger)
		} else {
			alerts, err = sns.NewPublisher(ctx, cfg.SNSRegion, cfg.SNSAlertsTopicARN, logger)
		}
		if err != nil {
			logger.Warn("sns alerts unavailable, violations are only logged", zap.Error(err))
		} else {
			notifier = alerts
		}
	}
	guard := tenant.NewGuard(logger, notifier)

	bus := events.NewBus(cfg.EventBuffer)

	// With a queue configured every producer goes through SQS and the
	// consumer is the only writer to the bus.
	var (
		pub      events.Publisher = bus
		consumer *sqs.Consumer
	)
	if cfg.SQSEventsQueueURL != "" {
		client, err := sqs.NewClient(ctx, cfg.AWSRegion, cfg.AWSEndpoint)
		if err != nil {
			return fmt.Errorf("failed to create sqs client: %w", err)
		}
		pub = sqs.NewProducer(client, cfg.SQSEventsQueueURL, logger)
		consumer = sqs.NewConsumer(client, bus, sqs.ConsumerConfig{QueueURL: cfg.SQSEventsQueueURL}, logger)
	}

	renderer := content.NewRenderer()
	campaigns := campaign.NewService(store, limiter, renderer, pub, guard, notifier, logger)

	dispatcher := worker.NewDispatcher(worker.Deps{
		Store:     store,
		Lifecycle: campaigns,
		Registry:  registry,
		Limiter:   limiter,
		Engine:    engine,
		Renderer:  renderer,
		Events:    pub,
		Callbacks: redis.NewDeduper(redisClient, logger, "callback", cfg.DedupTTL),
		Guard:     guard,
	}, logger)

	pool := worker.NewPool(store, dispatcher, redis.NewLocker(redisClient, logger), worker.Config{
		Workers:      cfg.DispatchWorkers,
		BatchSize:    cfg.DispatchBatchSize,
		PollInterval: cfg.DispatchPollInterval,
	}, logger)
	sweeper := worker.NewSweeper(store, dispatcher, worker.SweeperConfig{
		Interval:        cfg.SweepInterval,
		InFlightTimeout: cfg.InFlightTimeout,
		ClaimTimeout:    cfg.ClaimTimeout,
	}, logger)

	evaluator := automation.NewEvaluator(store, redis.NewDeduper(redisClient, logger, "firing", cfg.DedupTTL), guard, logger)
	runner := automation.NewRunner(store, dispatcher, engine, guard, automation.RunnerConfig{
		PollInterval: cfg.ActionPollInterval,
		BatchSize:    cfg.ActionBatchSize,
		Workers:      cfg.ActionWorkers,
		ClaimTimeout: cfg.ClaimTimeout,
	}, logger)
	cronTrigger := automation.NewCronTrigger(store, pub, cfg.CronRefresh, logger)
	rules := automation.NewRuleService(store, guard, logger)

	handler := api.NewHandler(logger, campaigns, rules, dispatcher, pub)
	router := api.NewRouter(handler, apiLimiter, logger,
		api.HealthCheck{Name: "postgres", Check: database.Health},
		api.HealthCheck{Name: "redis", Check: redisClient.Health},
	)
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// The evaluator outlives the producers so events they publish while
	// stopping are still handled; it returns once the bus is closed.
	evalDone := make(chan error, 1)
	go func() { evalDone <- evaluator.Run(context.WithoutCancel(ctx), bus.Events()) }()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		logger.Info("server stopped gracefully")
		return nil
	})
	g.Go(func() error { return pool.Run(gctx) })
	g.Go(func() error { return sweeper.Run(gctx) })
	g.Go(func() error { return runner.Run(gctx) })
	g.Go(func() error { return cronTrigger.Run(gctx) })
	g.Go(func() error { return campaigns.RunScheduler(gctx, cfg.ScheduleTick, cfg.DispatchBatchSize) })
	if consumer != nil {
		g.Go(func() error { return consumer.Run(gctx) })
	}

	runErr := g.Wait()
	if runErr != nil {
		logger.Error("orchestrator stopping after failure", zap.Error(runErr))
	} else {
		logger.Info("shutdown signal received, draining events")
	}

	bus.Close()
	select {
	case <-evalDone:
	case <-time.After(cfg.ShutdownTimeout):
		logger.Warn("evaluator did not drain before shutdown timeout", zap.Int("buffered", bus.Len()))
	}

	for _, b := range breakers {
		st := b.Stats()
		logger.Info("circuit breaker summary",
			zap.String("breaker", st.Name),
			zap.String("state", st.State),
			zap.Int64("rejected", st.Rejected),
		)
	}
	logger.Info("orchestrator stopped")
	return runErr
}

func loadRetryEngine(path string) (*retry.Engine, error) {
	if path == "" {
		return retry.NewEngine(retry.DefaultTables()), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open retry tables: %w", err)
	}
	defer f.Close()

	tables, err := retry.LoadTables(f)
	if err != nil {
		return nil, fmt.Errorf("load retry tables %s: %w", path, err)
	}
	return retry.NewEngine(tables), nil
}

// newRegistry builds the channel adapters, each behind its own breaker.
// Chat and voice are enabled only when their provider URL is set.
func newRegistry(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*channel.Registry, []*circuitbreaker.Breaker, error) {
	var adapters []channel.Adapter

	ses, err := channel.NewSESAdapter(ctx, channel.SESConfig{Region: cfg.AWSRegion, FromEmail: cfg.SESFromEmail}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create SES adapter: %w", err)
	}
	adapters = append(adapters, ses)

	smsAdapter, err := channel.NewSNSAdapter(ctx, channel.SNSConfig{Region: cfg.SNSRegion}, logger)
	if err != nil {
		logger.Warn("SNS adapter unavailable, SMS disabled", zap.Error(err))
	} else {
		adapters = append(adapters, smsAdapter)
	}

	if cfg.ChatAPIURL != "" {
		adapters = append(adapters, channel.NewChatAdapter(channel.HTTPConfig{
			BaseURL: cfg.ChatAPIURL,
			Token:   cfg.ChatAPIToken,
			Timeout: cfg.ProviderTimeout,
		}, logger))
	}
	if cfg.VoiceAPIURL != "" {
		adapters = append(adapters, channel.NewVoiceAdapter(channel.VoiceConfig{
			HTTPConfig: channel.HTTPConfig{
				BaseURL: cfg.VoiceAPIURL,
				Token:   cfg.VoiceAPIToken,
				Timeout: cfg.ProviderTimeout,
			},
			AssistantID: cfg.VoiceAssistantID,
		}, logger))
	}

	protected := make([]channel.Adapter, 0, len(adapters))
	breakers := make([]*circuitbreaker.Breaker, 0, len(adapters))
	for _, a := range adapters {
		bcfg := circuitbreaker.DefaultConfig(string(a.Channel()))
		bcfg.MaxFailures = cfg.BreakerMaxFailures
		bcfg.RecoveryTimeout = cfg.BreakerRecoveryTimeout
		breaker := circuitbreaker.New(bcfg, logger)
		breaker.OnStateChange = func(name string, from, to circuitbreaker.State) {
			metrics.SetBreakerState(name, int(to))
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		}
		protected = append(protected, circuitbreaker.Protect(a, breaker, logger))
		breakers = append(breakers, breaker)
	}

	registry := channel.NewRegistry(logger, protected...)
	enabled := make([]string, 0, len(protected))
	for _, ch := range registry.Channels() {
		enabled = append(enabled, string(ch))
	}
	logger.Info("initialized channel adapters", zap.Strings("channels", enabled))
	return registry, breakers, nil
}
