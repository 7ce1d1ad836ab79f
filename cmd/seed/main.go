package main

import (
	"context"
	"flag"
	"time"

	"github.com/hackgods/caregiver-scheduling/internal/appointment"
	"github.com/hackgods/caregiver-scheduling/internal/config"
	"github.com/hackgods/caregiver-scheduling/internal/db"
	"github.com/hackgods/caregiver-scheduling/internal/logging"
	"github.com/hackgods/caregiver-scheduling/internal/seed"
)

func main() {
	opts := seed.DefaultOptions(time.Now())
	flag.IntVar(&opts.Caregivers, "caregivers", opts.Caregivers, "caregivers to create")
	flag.IntVar(&opts.Patients, "patients", opts.Patients, "patients to create")
	flag.IntVar(&opts.Days, "days", opts.Days, "days of availability per caregiver, starting tomorrow")
	flag.IntVar(&opts.DayStartHour, "day-start", opts.DayStartHour, "availability start hour (UTC)")
	flag.IntVar(&opts.DayEndHour, "day-end", opts.DayEndHour, "availability end hour (UTC)")
	flag.Uint64Var(&opts.Seed, "seed", opts.Seed, "faker seed")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logging.New("info", false).Fatal().Err(err).Msg("config load error")
	}
	log := logging.New(cfg.LogLevel, cfg.LogPretty).With().Str("service", "seed").Logger()
	if cfg.StorageDriver != config.StoragePostgres {
		log.Fatal().Msg("seed writes to postgres; set STORAGE_DRIVER=postgres")
	}
	log.Info().Msg("seed starting")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, db.DefaultPoolOptions(), log)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer pool.Close()

	store := appointment.NewPgStore(pool)
	svc := appointment.NewService(store, nil, appointment.Policy{
		CutoffHours:         cfg.Scheduling.CutoffHours,
		MaxReschedules:      cfg.Scheduling.MaxReschedules,
		SlotDurationMinutes: cfg.Scheduling.SlotDurationMinutes,
		SlotLockTTL:         cfg.Scheduling.SlotLockTTL,
	}, appointment.WithLogger(log))

	res, err := seed.Run(ctx, store, svc.Slots, opts, log)
	if err != nil {
		log.Fatal().Err(err).Msg("seed failed")
	}

	log.Info().
		Int("specialties", len(res.Specialties)).
		Int("caregivers", len(res.Caregivers)).
		Int("patients", len(res.Patients)).
		Int("slots", res.Slots).
		Msg("seed complete")
}
