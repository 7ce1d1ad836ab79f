package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"

	"github.com/hackgods/caregiver-scheduling/internal/api"
	"github.com/hackgods/caregiver-scheduling/internal/appointment"
	"github.com/hackgods/caregiver-scheduling/internal/checkout"
	"github.com/hackgods/caregiver-scheduling/internal/config"
	"github.com/hackgods/caregiver-scheduling/internal/db"
	"github.com/hackgods/caregiver-scheduling/internal/logging"
	"github.com/hackgods/caregiver-scheduling/internal/metrics"
	"github.com/hackgods/caregiver-scheduling/internal/notify"
	redisclient "github.com/hackgods/caregiver-scheduling/internal/redis"
	"github.com/hackgods/caregiver-scheduling/internal/storage"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", false).Fatal().Err(err).Msg("config load error")
	}
	log := logging.New(cfg.LogLevel, cfg.LogPretty).With().Str("service", "api-server").Logger()
	log.Info().Str("env", cfg.Env).Str("http_port", cfg.HTTPPort).Str("storage", cfg.StorageDriver).Msg("api-server starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	routerCfg := api.RouterConfig{
		Logger:        log,
		JWTSecret:     cfg.AuthJWTSecret,
		WebhookSecret: cfg.WebhookSecret,
		RateRPS:       cfg.RateRPS,
		RateBurst:     cfg.RateBurst,
		Env:           cfg.Env,
		Version:       version,
	}

	// Storage
	var store appointment.Store
	switch cfg.StorageDriver {
	case config.StoragePostgres:
		pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
		opts := db.DefaultPoolOptions()
		opts.SlowQueryLog = cfg.LogLevel == "debug"
		pool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, opts, log)
		cancelPg()
		if err != nil {
			log.Fatal().Err(err).Msg("postgres connection error")
		}
		defer pool.Close()
		store = appointment.NewPgStore(pool)
		routerCfg.Postgres = pool
	default:
		log.Warn().Msg("using in-memory storage; data is lost on restart")
		store = appointment.NewMemoryStore()
	}

	// Redis: critical-section locks and the notification channel
	var (
		locker redisclient.Locker
		rdb    *redis.Client
	)
	if cfg.RedisAddr != "" {
		rdb, err = redisclient.NewRedisClient(rootCtx, redisclient.Options{
			Addr:     cfg.RedisAddr,
			Username: cfg.RedisUsername,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("redis connection error")
		}
		defer func() {
			if err := rdb.Close(); err != nil {
				log.Error().Err(err).Msg("error closing redis")
			}
		}()
		locker = redisclient.NewRedisLocker(rdb, cfg.LockTTL)
		routerCfg.Redis = api.PingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
		log.Info().Str("addr", cfg.RedisAddr).Msg("connected to redis")
	} else {
		log.Warn().Msg("redis disabled; using in-process locks")
		locker = redisclient.NewLocalLocker()
	}

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewSchedulingMetrics(reg)
	routerCfg.Metrics = m.Middleware
	routerCfg.MetricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})

	// Notifications
	notifiers := notify.Build(notifyConfig(cfg), rdb, log)

	// Attachments
	if cfg.S3Bucket != "" {
		s3Client, err := storage.NewS3Client(rootCtx, cfg.AWSRegion, cfg.AWSEndpointOverride)
		if err != nil {
			log.Fatal().Err(err).Msg("s3 client error")
		}
		routerCfg.Attachments = storage.NewAttachmentStore(s3Client, cfg.S3Bucket, log)
	} else {
		log.Info().Msg("S3_BUCKET not set; attachment uploads disabled")
	}

	svc := appointment.NewService(store, locker, appointment.Policy{
		CutoffHours:         cfg.Scheduling.CutoffHours,
		MaxReschedules:      cfg.Scheduling.MaxReschedules,
		SlotDurationMinutes: cfg.Scheduling.SlotDurationMinutes,
		SlotLockTTL:         cfg.Scheduling.SlotLockTTL,
	},
		appointment.WithLogger(log),
		appointment.WithMetrics(m),
		appointment.WithNotifier(notifiers),
		appointment.WithNotifyTimeout(cfg.NotifyTimeout),
		appointment.WithGateway(checkout.NewFakeGateway(cfg.PublicBaseURL, log)),
		appointment.WithTracer(otel.Tracer("github.com/hackgods/caregiver-scheduling")),
	)
	routerCfg.Service = svc

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           api.NewRouter(routerCfg),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-rootCtx.Done():
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
			shutdown(srv, cfg.ShutdownTimeout, log)
			os.Exit(1)
		}
	}

	log.Info().Msg("shutting down api-server")
	shutdown(srv, cfg.ShutdownTimeout, log)
}

func shutdown(srv *http.Server, timeout time.Duration, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}

func notifyConfig(cfg config.Config) notify.Config {
	return notify.Config{
		SendGrid: notify.SendGridConfig{
			APIKey:    cfg.SendGridAPIKey,
			FromEmail: cfg.FromEmail,
			FromName:  cfg.FromName,
		},
		BaseURL: cfg.PublicBaseURL,
		Channel: cfg.NotifyChannel,
	}
}
