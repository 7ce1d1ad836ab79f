package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hackgods/caregiver-scheduling/internal/appointment"
	"github.com/hackgods/caregiver-scheduling/internal/config"
	"github.com/hackgods/caregiver-scheduling/internal/db"
	"github.com/hackgods/caregiver-scheduling/internal/logging"
	"github.com/hackgods/caregiver-scheduling/internal/notify"
	redisclient "github.com/hackgods/caregiver-scheduling/internal/redis"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", false).Fatal().Err(err).Msg("config load error")
	}
	log := logging.New(cfg.LogLevel, cfg.LogPretty).With().Str("service", "expiry-worker").Logger()

	if cfg.StorageDriver != config.StoragePostgres {
		log.Fatal().Str("storage", cfg.StorageDriver).Msg("expiry worker needs shared postgres storage")
	}
	log.Info().Str("env", cfg.Env).Dur("interval", cfg.WorkerInterval).Msg("expiry-worker starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, db.PoolOptions{MaxConns: 4, MinConns: 1}, log)
	cancelPg()
	if err != nil {
		log.Fatal().Err(err).Msg("postgres connection error")
	}
	defer pool.Close()

	var (
		locker redisclient.Locker = redisclient.NewLocalLocker()
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
		log.Info().Str("addr", cfg.RedisAddr).Msg("connected to redis")
	}

	// payment-timeout cancellations reach patients through the same channels as the API
	notifiers := notify.Build(notify.Config{
		SendGrid: notify.SendGridConfig{
			APIKey:    cfg.SendGridAPIKey,
			FromEmail: cfg.FromEmail,
			FromName:  cfg.FromName,
		},
		BaseURL: cfg.PublicBaseURL,
		Channel: cfg.NotifyChannel,
	}, rdb, log)

	svc := appointment.NewService(appointment.NewPgStore(pool), locker, appointment.Policy{
		CutoffHours:         cfg.Scheduling.CutoffHours,
		MaxReschedules:      cfg.Scheduling.MaxReschedules,
		SlotDurationMinutes: cfg.Scheduling.SlotDurationMinutes,
		SlotLockTTL:         cfg.Scheduling.SlotLockTTL,
	},
		appointment.WithLogger(log),
		appointment.WithNotifier(notifiers),
		appointment.WithNotifyTimeout(cfg.NotifyTimeout),
	)

	// Run once at startup
	runOnce(rootCtx, svc, log)

	ticker := time.NewTicker(cfg.WorkerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			log.Info().Msg("shutdown signal received, stopping expiry worker")
			return
		case <-ticker.C:
			runOnce(rootCtx, svc, log)
		}
	}
}

func runOnce(ctx context.Context, svc *appointment.Service, log zerolog.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	n, err := svc.Slots.ReclaimExpiredLocks(runCtx)
	if err != nil {
		log.Error().Err(err).Int("reclaimed", n).Msg("expiry run error")
		return
	}
	log.Info().Int("reclaimed", n).Dur("took", time.Since(start)).Msg("expiry run complete")
}
