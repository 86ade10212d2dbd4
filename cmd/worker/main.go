package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/toko-gmpays/internal/common"
	"github.com/noah-isme/toko-gmpays/internal/config"
	"github.com/noah-isme/toko-gmpays/internal/gateway"
	"github.com/noah-isme/toko-gmpays/internal/lock"
	"github.com/noah-isme/toko-gmpays/internal/obs"
	"github.com/noah-isme/toko-gmpays/internal/order"
	"github.com/noah-isme/toko-gmpays/internal/payment"
	"github.com/noah-isme/toko-gmpays/internal/resilience"
	"github.com/noah-isme/toko-gmpays/internal/signature"
	"github.com/noah-isme/toko-gmpays/internal/sweep"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logFormat := envOrDefault("OBS_LOG_FORMAT", "json")
	logLevel := envOrDefault("OBS_LOG_LEVEL", "info")
	logger := obs.NewLogger(logFormat, logLevel).With().Str("component", "worker").Logger()
	payLogger := obs.PaymentLogger(logger, "gmpays", cfg.GMPays.Debug)
	obs.MustRegisterDomainMetrics(envOrDefault("OBS_METRICS_NAMESPACE", "toko"), nil)
	resilience.MustRegisterMetrics(nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool := mustInitDatabase(ctx, cfg, logger)
	defer pool.Close()

	redisClient := mustInitRedis(ctx, cfg, logger)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
	}()

	signer, err := loadSigner(cfg)
	if err != nil {
		// Without keys nothing can be polled or verified.
		logger.Fatal().Err(err).Msg("load gmpays signing keys")
	}
	gw := gateway.New(gateway.Config{
		ProjectID:    cfg.GMPays.ProjectID,
		APIKey:       cfg.GMPays.APIKey,
		BaseURL:      cfg.GMPays.APIURL(),
		CheckoutURL:  cfg.GMPays.HostedCheckoutURL(),
		Timeout:      cfg.GMPays.Timeout,
		MaxRedirects: cfg.GMPays.MaxRedirects,
		Debug:        cfg.GMPays.Debug,
	}, signer, payLogger, gateway.WithBreaker(
		resilience.NewBreaker(cfg.GMPays.BreakerMinCalls, cfg.GMPays.BreakerFailRatio, cfg.GMPays.BreakerOpenFor).
			WithTarget("gmpays").
			WithLogger(payLogger),
	))
	if err := gw.Configured(); err != nil {
		logger.Fatal().Err(err).Msg("gmpays gateway not configured")
	}

	locker := lock.Locker{R: redisClient, RetryBackoff: cfg.LockRetryBackoff}
	orders := order.NewPostgresStore(pool)
	engine := &payment.Engine{
		Orders:  orders,
		Locker:  locker,
		LockTTL: cfg.LockTTL,
		Logger:  payLogger.With().Str("component", "engine").Logger(),
	}

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse asynq redis url")
	}
	client := asynq.NewClient(redisOpt)
	defer func() { _ = client.Close() }()

	worker := &sweep.Worker{
		Orders:    orders,
		Processor: gw,
		Engine:    engine,
		Queue:     client,
		Locker:    locker,
		Config: sweep.Config{
			MinAge:       cfg.SweepMinAge,
			Batch:        cfg.SweepBatch,
			AbandonAfter: cfg.SweepAbandonAfter,
			LockTTL:      cfg.SweepLockTTL,
			Dedupe:       cfg.SweepInterval,
			MaxRetry:     cfg.PollMaxRetry,
			RetryBase:    envDuration("POLL_RETRY_BASE", "30s"),
		},
		Logger: payLogger.With().Str("component", "sweep").Logger(),
	}

	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency:    envInt("WORKER_CONCURRENCY", 4),
		Queues:         map[string]int{sweep.Queue: 1},
		RetryDelayFunc: worker.RetryDelay,
		Logger:         asynqLogger{logger: logger.With().Str("component", "asynq").Logger()},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			logger.Warn().Err(err).Str("task", task.Type()).Int("retried", retried).Bool("retryable", errors.Is(err, common.ErrRetryable)).Msg("task failed")
		}),
	})
	mux := asynq.NewServeMux()
	worker.Register(mux)

	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{Logger: asynqLogger{logger: logger.With().Str("component", "scheduler").Logger()}})
	entryID, err := sweep.Schedule(scheduler, cfg.SweepInterval)
	if err != nil {
		logger.Fatal().Err(err).Msg("schedule sweep")
	}
	logger.Info().Str("entry", entryID).Dur("every", cfg.SweepInterval).Dur("abandon_after", cfg.SweepAbandonAfter).Msg("sweep scheduled")

	if err := scheduler.Start(); err != nil {
		logger.Fatal().Err(err).Msg("start scheduler")
	}
	if err := srv.Start(mux); err != nil {
		logger.Fatal().Err(err).Msg("start worker")
	}
	logger.Info().Msg("worker started")

	<-ctx.Done()
	scheduler.Shutdown()
	srv.Shutdown()
	logger.Info().Msg("worker shutdown complete")
}

func loadSigner(cfg *config.Config) (signature.Signer, error) {
	g := cfg.GMPays
	return signature.NewRotating(func() (signature.AuthMethod, error) {
		secret, err := config.ReadSecret(g.HMACSecret, g.HMACSecretFile)
		if err != nil {
			return signature.AuthMethod{}, err
		}
		private, err := config.ReadSecret(g.RSAPrivateKey, g.RSAPrivateKeyFile)
		if err != nil {
			return signature.AuthMethod{}, err
		}
		public, err := config.ReadSecret(g.RSAPublicKey, g.RSAPublicKeyFile)
		if err != nil {
			return signature.AuthMethod{}, err
		}
		return signature.AuthMethod{Kind: signature.Method(g.AuthMethod), Secret: secret, PrivateKeyPEM: private, PublicKeyPEM: public}, nil
	}, g.KeyRefresh)
}

// asynqLogger adapts zerolog to asynq's logger interface.
type asynqLogger struct {
	logger zerolog.Logger
}

func (l asynqLogger) Debug(args ...interface{}) { l.logger.Debug().Msg(fmtArgs(args)) }
func (l asynqLogger) Info(args ...interface{})  { l.logger.Info().Msg(fmtArgs(args)) }
func (l asynqLogger) Warn(args ...interface{})  { l.logger.Warn().Msg(fmtArgs(args)) }
func (l asynqLogger) Error(args ...interface{}) { l.logger.Error().Msg(fmtArgs(args)) }
func (l asynqLogger) Fatal(args ...interface{}) { l.logger.Fatal().Msg(fmtArgs(args)) }

func mustInitDatabase(ctx context.Context, cfg *config.Config, logger zerolog.Logger) *pgxpool.Pool {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse database config")
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	if err := pool.Ping(ctx); err != nil {
		logger.Fatal().Err(err).Msg("ping database")
	}
	return pool
}

func mustInitRedis(ctx context.Context, cfg *config.Config, logger zerolog.Logger) *redis.Client {
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisotel.InstrumentTracing(redisClient); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("ping redis")
	}
	return redisClient
}

func envOrDefault(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(val)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}
