package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/toko-gmpays/internal/auth"
	"github.com/noah-isme/toko-gmpays/internal/checkout"
	"github.com/noah-isme/toko-gmpays/internal/common"
	"github.com/noah-isme/toko-gmpays/internal/config"
	"github.com/noah-isme/toko-gmpays/internal/currency"
	"github.com/noah-isme/toko-gmpays/internal/db"
	"github.com/noah-isme/toko-gmpays/internal/gateway"
	"github.com/noah-isme/toko-gmpays/internal/health"
	"github.com/noah-isme/toko-gmpays/internal/lock"
	"github.com/noah-isme/toko-gmpays/internal/obs"
	"github.com/noah-isme/toko-gmpays/internal/order"
	"github.com/noah-isme/toko-gmpays/internal/payment"
	"github.com/noah-isme/toko-gmpays/internal/ratelimit"
	"github.com/noah-isme/toko-gmpays/internal/resilience"
	"github.com/noah-isme/toko-gmpays/internal/security"
	"github.com/noah-isme/toko-gmpays/internal/signature"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logFormat := envOrDefault("OBS_LOG_FORMAT", "json")
	logLevel := envOrDefault("OBS_LOG_LEVEL", "info")
	logger := obs.NewLogger(logFormat, logLevel).With().Str("env", cfg.AppEnv).Logger()
	payLogger := obs.PaymentLogger(logger, "gmpays", cfg.GMPays.Debug)

	metricsNamespace := envOrDefault("OBS_METRICS_NAMESPACE", "toko")
	metricsEnabled := envBool("OBS_ENABLE_PROMETHEUS", true)
	obs.MustRegisterDomainMetrics(metricsNamespace, nil)
	resilience.MustRegisterMetrics(nil)

	tracingEnabled := envBool("OBS_ENABLE_TRACING", true)
	if tracingEnabled {
		shutdown, err := obs.InitTracer(context.Background(), obs.TracingConfig{
			ServiceName:   "toko-gmpays-api",
			Endpoint:      envOrDefault("OBS_OTLP_ENDPOINT", ""),
			Exporter:      envOrDefault("OBS_TRACING_EXPORTER", "otlp"),
			SamplingRatio: envFloat("OBS_TRACING_SAMPLING_RATIO", 1.0),
			Environment:   cfg.AppEnv,
		})
		if err != nil {
			logger.Error().Err(err).Msg("initialise tracing")
			tracingEnabled = false
		} else {
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					logger.Error().Err(err).Msg("shutdown tracer")
				}
			}()
		}
	}

	if envBool("DB_MIGRATE_ON_START", true) {
		if err := db.Up(cfg.DatabaseURL); err != nil {
			logger.Fatal().Err(err).Msg("apply migrations")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool := mustInitDatabase(ctx, cfg, logger)
	defer pool.Close()

	redisClient := mustInitRedis(ctx, cfg, logger, metricsEnabled)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
	}()

	signer := buildSigner(cfg, payLogger)
	breaker := resilience.NewBreaker(cfg.GMPays.BreakerMinCalls, cfg.GMPays.BreakerFailRatio, cfg.GMPays.BreakerOpenFor).
		WithTarget("gmpays").
		WithLogger(payLogger)
	gw := gateway.New(gateway.Config{
		ProjectID:    cfg.GMPays.ProjectID,
		APIKey:       cfg.GMPays.APIKey,
		BaseURL:      cfg.GMPays.APIURL(),
		CheckoutURL:  cfg.GMPays.HostedCheckoutURL(),
		Timeout:      cfg.GMPays.Timeout,
		MaxRedirects: cfg.GMPays.MaxRedirects,
		Debug:        cfg.GMPays.Debug,
	}, signer, payLogger.With().Str("component", "gateway").Logger(), gateway.WithBreaker(breaker))
	if err := gw.Configured(); err != nil {
		logger.Warn().Err(err).Msg("gmpays gateway not configured; payment method hidden")
	}

	orders := order.NewPostgresStore(pool)
	engine := &payment.Engine{
		Orders:  orders,
		Locker:  lock.Locker{R: redisClient, RetryBackoff: cfg.LockRetryBackoff},
		LockTTL: cfg.LockTTL,
		Logger:  payLogger.With().Str("component", "engine").Logger(),
		Completed: func(ctx context.Context, o order.Order) {
			payLogger.Info().Str("order_id", o.ID).Int64("number", o.Number).Msg("order paid")
		},
	}

	converter := currency.NewConverter(currency.RedisRateSource{Client: redisClient, Key: cfg.FXRatesKey}, payLogger)
	checkoutSvc := &checkout.Service{
		Orders:    orders,
		Converter: converter,
		Gateway:   gw,
		Engine:    engine,
		Config: checkout.Config{
			MinAmountEUR:  cfg.GMPays.MinAmountEUR,
			StoreName:     cfg.GMPays.StoreName,
			PublicBaseURL: cfg.PublicBaseURL,
		},
		Logger: payLogger.With().Str("component", "checkout").Logger(),
	}
	checkoutHandler := &checkout.Handler{Svc: checkoutSvc}

	webhookHandler := payment.Webhook{
		Engine:    engine,
		Signer:    signer,
		Replay:    redisClient,
		ReplayTTL: cfg.WebhookReplayTTL,
		Logger:    payLogger.With().Str("component", "webhook").Logger(),
		Debug:     cfg.GMPays.Debug,
	}
	returnHandler := payment.Return{
		Engine:    engine,
		Signer:    signer,
		Processor: gw,
		Logger:    payLogger.With().Str("component", "return").Logger(),
	}
	adminHandler := payment.Admin{
		Engine:    engine,
		Processor: gw,
		Logger:    payLogger.With().Str("component", "admin").Logger(),
	}

	authService, err := auth.NewService(auth.Config{
		Username:       cfg.AdminUsername,
		PasswordHash:   cfg.AdminPasswordHash,
		Secret:         cfg.AdminJWTSecret,
		AccessTokenTTL: cfg.AdminTokenTTL,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise admin auth")
	}
	authHandler := &auth.Handler{Service: authService, Logger: logger.With().Str("component", "auth").Logger()}
	authMiddleware := auth.Middleware{Service: authService}
	nonces := security.Nonces{Store: redisClient, TTL: cfg.AdminNonceTTL, Subject: auth.Subject}

	publicLimiter, err := ratelimit.NewRedisLimiter(redisClient, "gmpays:rl", cfg.RateLimitPublic)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise rate limiter")
	}
	limited := ratelimit.Handler{
		Limiter: publicLimiter,
		Config:  ratelimit.Config{Key: ratelimit.ByClientIP},
		OnError: func(err error) { logger.Warn().Err(err).Msg("rate limiter unavailable") },
	}.Middleware

	var httpMetrics *obs.HTTPMetrics
	if metricsEnabled {
		buckets := obs.ParseBucketsCSV(envOrDefault("OBS_METRICS_BUCKETS_MS", ""))
		httpMetrics = obs.NewHTTPMetrics(metricsNamespace, buckets, nil)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(obs.RoutePatternMiddleware)
	if tracingEnabled {
		r.Use(obs.TracingMiddleware)
	}
	if httpMetrics != nil {
		r.Use(obs.HTTPObs{Metrics: httpMetrics}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Use(security.Headers{Enable: true, EnableHSTS: cfg.AppEnv == "production", HSTSIncludeSubdomains: true}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins(cfg),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", security.NonceHeader},
		MaxAge:         300,
	}))

	if metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}
	if envBool("OBS_ENABLE_PPROF", false) {
		r.Mount("/debug/pprof", protectPprof(newPprofMux(), envOrDefault("SECURE_PPROF_BASIC_AUTH_USER", ""), envOrDefault("SECURE_PPROF_BASIC_AUTH_PASS", "")))
	}

	healthHandler := health.Handler{
		Checker:      health.Probes{DB: pool, Redis: redisClient},
		DBTimeout:    envDurationMillis("HEALTH_READY_DB_TIMEOUT_MS", 500),
		RedisTimeout: envDurationMillis("HEALTH_READY_REDIS_TIMEOUT_MS", 300),
		Gateway:      func() bool { return gw.Configured() == nil },
	}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	r.With(security.BodyLimit{Max: cfg.WebhookMaxBody}.Middleware).Post("/webhook", webhookHandler.Handle)
	r.With(limited, security.NoStore).Get("/return/{outcome}", returnHandler.Handle)

	r.Route("/checkout", func(c chi.Router) {
		c.Use(limited)
		c.Get("/availability", checkoutHandler.Availability)
		c.Post("/orders/{id}/pay", checkoutHandler.Submit)
	})

	r.Route("/admin", func(admin chi.Router) {
		admin.Use(security.NoStore)
		admin.With(limited).Post("/login", authHandler.Login)
		admin.Group(func(protected chi.Router) {
			protected.Use(authMiddleware.RequireAuth)
			protected.Post("/nonce", nonces.IssueHandler)
			protected.Get("/orders/{id}/payment", adminHandler.View)
			protected.Group(func(actions chi.Router) {
				actions.Use(nonces.Middleware)
				actions.Post("/orders/{id}/poll", adminHandler.Poll)
				actions.Post("/orders/{id}/refund", adminHandler.Refund)
				actions.Post("/orders/{id}/cancel", adminHandler.Cancel)
			})
		})
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-sigCtx.Done()
		health.SetReady(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("graceful shutdown")
		}
	}()

	logger.Info().Str("addr", srv.Addr).Str("auth_method", cfg.GMPays.AuthMethod).Bool("test_mode", cfg.GMPays.TestMode).Msg("server starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server exited unexpectedly")
	}
	logger.Info().Msg("server stopped")
}

// buildSigner loads the configured signing scheme behind a rotating source.
// Missing key material leaves the signer nil, which the gateway and webhook
// report as not configured instead of failing startup.
func buildSigner(cfg *config.Config, logger zerolog.Logger) signature.Signer {
	g := cfg.GMPays
	load := func() (signature.AuthMethod, error) {
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
		return signature.AuthMethod{
			Kind:          signature.Method(g.AuthMethod),
			Secret:        secret,
			PrivateKeyPEM: private,
			PublicKeyPEM:  public,
		}, nil
	}
	rotating, err := signature.NewRotating(load, g.KeyRefresh)
	if err != nil {
		if errors.Is(err, common.ErrConfig) {
			logger.Warn().Err(err).Str("auth_method", g.AuthMethod).Msg("gmpays signing keys unavailable")
		} else {
			logger.Error().Err(err).Msg("load gmpays signing keys")
		}
		return nil
	}
	return rotating
}

func mustInitDatabase(ctx context.Context, cfg *config.Config, logger zerolog.Logger) *pgxpool.Pool {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse database config")
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "toko-gmpays-api"

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	if err := pool.Ping(ctx); err != nil {
		logger.Fatal().Err(err).Msg("ping database")
	}
	return pool
}

func mustInitRedis(ctx context.Context, cfg *config.Config, logger zerolog.Logger, metrics bool) *redis.Client {
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisotel.InstrumentTracing(redisClient); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if metrics {
		if err := redisotel.InstrumentMetrics(redisClient); err != nil {
			logger.Error().Err(err).Msg("instrument redis metrics")
		}
	}
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("ping redis")
	}
	return redisClient
}

func allowedOrigins(cfg *config.Config) []string {
	if len(cfg.CORSAllowedOrigins) == 0 {
		return []string{"*"}
	}
	return cfg.CORSAllowedOrigins
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

func envBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "1", "t", "true", "yes", "on":
			return true
		case "0", "f", "false", "no", "off":
			return false
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return parsed
		}
	}
	return fallback
}

func envDurationMillis(key string, fallback int) time.Duration {
	return time.Duration(envInt(key, fallback)) * time.Millisecond
}

func newPprofMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", pprof.Index)
	mux.HandleFunc("/cmdline", pprof.Cmdline)
	mux.HandleFunc("/profile", pprof.Profile)
	mux.HandleFunc("/symbol", pprof.Symbol)
	mux.HandleFunc("/trace", pprof.Trace)
	mux.Handle("/heap", pprof.Handler("heap"))
	mux.Handle("/goroutine", pprof.Handler("goroutine"))
	return mux
}

func protectPprof(handler http.Handler, user, pass string) http.Handler {
	user = strings.TrimSpace(user)
	pass = strings.TrimSpace(pass)
	if user == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 || subtle.ConstantTimeCompare([]byte(p), []byte(pass)) != 1 {
			w.Header().Set("WWW-Authenticate", "Basic realm=restricted")
			common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorised", nil)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
