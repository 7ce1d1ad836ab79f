package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/hackgods/caregiver-scheduling/internal/api"
	"github.com/hackgods/caregiver-scheduling/internal/config"
	"github.com/hackgods/caregiver-scheduling/internal/db"
	"github.com/hackgods/caregiver-scheduling/internal/logging"
)

type SimConfig struct {
	APIBaseURL      string
	Duration        time.Duration
	Workers         int
	BookingRatio    float64
	PayRatio        float64
	RescheduleRatio float64
	ReadRatio       float64
	ReplayRatio     float64 // share of payment webhooks delivered twice
	PatientLimit    int
	SlotLimit       int
	PostgresDSN     string
	JWTSecret       string
	WebhookSecret   string
}

type slotRef struct {
	ID          uuid.UUID
	CaregiverID uuid.UUID
	SpecialtyID uuid.UUID
}

type booked struct {
	ID          uuid.UUID
	PatientID   uuid.UUID
	CaregiverID uuid.UUID
}

type DataPool struct {
	Patients     []uuid.UUID
	Slots        []slotRef
	byCaregiver  map[uuid.UUID][]uuid.UUID
	mu           sync.RWMutex
	appointments []booked
	paid         []booked
}

func (dp *DataPool) AddAppointment(b booked) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.appointments = append(dp.appointments, b)
}

func (dp *DataPool) AddPaid(b booked) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.paid = append(dp.paid, b)
}

func (dp *DataPool) random(rng *rand.Rand, list *[]booked) (booked, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(*list) == 0 {
		return booked{}, false
	}
	return (*list)[rng.Intn(len(*list))], true
}

func (dp *DataPool) GetRandomAppointment(rng *rand.Rand) (booked, bool) {
	return dp.random(rng, &dp.appointments)
}

func (dp *DataPool) GetRandomPaid(rng *rand.Rand) (booked, bool) {
	return dp.random(rng, &dp.paid)
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	if success {
		atomic.AddInt64(&om.Success, 1)
	} else if conflict {
		atomic.AddInt64(&om.Conflict, 1)
	} else {
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, lo, hi, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	avg = sum / time.Duration(len(latencies))
	lo = latencies[0]
	hi = latencies[len(latencies)-1]
	p50 = latencies[min(len(latencies)*50/100, len(latencies)-1)]
	p95 = latencies[min(len(latencies)*95/100, len(latencies)-1)]
	return avg, lo, hi, p50, p95
}

type Metrics struct {
	Booking    OperationMetrics
	Pay        OperationMetrics
	Replay     OperationMetrics
	Reschedule OperationMetrics
	ReadByID   OperationMetrics
	ListSlots  OperationMetrics

	// replays that returned a different transaction than the first delivery
	ReplayDiverged int64
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	metrics Metrics
	log     zerolog.Logger

	tokenMu sync.Mutex
	tokens  map[string]string
}

func main() {
	cfg, baseCfg := loadConfig()
	log := logging.New(baseCfg.LogLevel, baseCfg.LogPretty).With().Str("service", "simulate").Logger()
	if err := validateConfig(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	log.Info().
		Dur("duration", cfg.Duration).
		Int("workers", cfg.Workers).
		Float64("booking", cfg.BookingRatio).
		Float64("pay", cfg.PayRatio).
		Float64("reschedule", cfg.RescheduleRatio).
		Float64("read", cfg.ReadRatio).
		Msg("simulator starting")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, db.DefaultPoolOptions(), log)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, pgPool, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("load data pool")
	}
	log.Info().Int("patients", len(dataPool.Patients)).Int("slots", len(dataPool.Slots)).Msg("data pool loaded")

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log,
		tokens: make(map[string]string),
	}

	sim.Run()
	sim.PrintReport()
}

func loadConfig() (SimConfig, config.Config) {
	baseCfg, err := config.Load()
	if err != nil {
		logging.New("info", false).Fatal().Err(err).Msg("failed to load base config")
	}

	cfg := SimConfig{
		PostgresDSN:   baseCfg.PostgresDSN,
		JWTSecret:     baseCfg.AuthJWTSecret,
		WebhookSecret: baseCfg.WebhookSecret,
	}
	flag.StringVar(&cfg.APIBaseURL, "api", "http://localhost:8080", "API base URL")
	flag.DurationVar(&cfg.Duration, "duration", 30*time.Second, "how long to run")
	flag.IntVar(&cfg.Workers, "workers", 10, "concurrent workers")
	flag.Float64Var(&cfg.BookingRatio, "booking", 0.4, "weight of booking requests")
	flag.Float64Var(&cfg.PayRatio, "pay", 0.2, "weight of checkout + webhook flows")
	flag.Float64Var(&cfg.RescheduleRatio, "reschedule", 0.1, "weight of reschedule requests")
	flag.Float64Var(&cfg.ReadRatio, "read", 0.3, "weight of reads")
	flag.Float64Var(&cfg.ReplayRatio, "replay", 0.25, "share of payment webhooks delivered twice")
	flag.IntVar(&cfg.PatientLimit, "patients", 4000, "patients loaded from postgres")
	flag.IntVar(&cfg.SlotLimit, "slots", 2400, "slots loaded from postgres; fewer slots means more contention")
	flag.Parse()

	total := cfg.BookingRatio + cfg.PayRatio + cfg.RescheduleRatio + cfg.ReadRatio
	if total > 0 {
		cfg.BookingRatio /= total
		cfg.PayRatio /= total
		cfg.RescheduleRatio /= total
		cfg.ReadRatio /= total
	}

	return cfg, baseCfg
}

func validateConfig(cfg SimConfig) error {
	if cfg.PostgresDSN == "" {
		return fmt.Errorf("POSTGRES_DSN is required (set in .env or environment)")
	}
	if cfg.Workers <= 0 {
		return fmt.Errorf("-workers must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("-duration must be > 0")
	}
	return nil
}

func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) (*DataPool, error) {
	dataPool := &DataPool{byCaregiver: make(map[uuid.UUID][]uuid.UUID)}

	rows, err := pool.Query(ctx, `SELECT id FROM patients LIMIT $1`, cfg.PatientLimit)
	if err != nil {
		return nil, fmt.Errorf("load patients: %w", err)
	}
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		dataPool.Patients = append(dataPool.Patients, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load patients: %w", err)
	}

	// Bookable slots far enough out that reschedules stay inside the cutoff.
	rows, err = pool.Query(ctx, `
		SELECT t.id, t.caregiver_id, c.specialty_id
		FROM time_slots t
		JOIN caregivers c ON c.id = t.caregiver_id
		WHERE t.status = 'available'
		  AND c.specialty_id IS NOT NULL
		  AND t.start_time > now() + interval '1 day'
		ORDER BY t.start_time
		LIMIT $1
	`, cfg.SlotLimit)
	if err != nil {
		return nil, fmt.Errorf("load slots: %w", err)
	}
	for rows.Next() {
		var s slotRef
		if err := rows.Scan(&s.ID, &s.CaregiverID, &s.SpecialtyID); err != nil {
			rows.Close()
			return nil, err
		}
		dataPool.Slots = append(dataPool.Slots, s)
		dataPool.byCaregiver[s.CaregiverID] = append(dataPool.byCaregiver[s.CaregiverID], s.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load slots: %w", err)
	}

	if len(dataPool.Patients) == 0 {
		return nil, fmt.Errorf("no patients loaded")
	}
	if len(dataPool.Slots) == 0 {
		return nil, fmt.Errorf("no slots loaded")
	}

	return dataPool, nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	s.log.Info().Dur("duration", s.config.Duration).Int("workers", s.config.Workers).Msg("starting simulation")

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	s.log.Info().Msg("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))
	c := s.config

	for {
		select {
		case <-ctx.Done():
			return
		default:
			r := rng.Float64()
			switch {
			case r < c.BookingRatio:
				s.doBooking(ctx, rng)
			case r < c.BookingRatio+c.PayRatio:
				s.doPay(ctx, rng)
			case r < c.BookingRatio+c.PayRatio+c.RescheduleRatio:
				s.doReschedule(ctx, rng)
			default:
				if rng.Intn(2) == 0 {
					s.doReadByID(ctx, rng)
				} else {
					s.doListSlots(ctx, rng)
				}
			}
		}
	}
}

// token returns a cached bearer token. Empty when the API runs without auth.
func (s *Simulator) token(role api.Role, subject uuid.UUID) string {
	if s.config.JWTSecret == "" {
		return ""
	}
	key := string(role) + ":" + subject.String()

	s.tokenMu.Lock()
	defer s.tokenMu.Unlock()
	if tok, ok := s.tokens[key]; ok {
		return tok
	}
	tok, err := api.IssueToken(s.config.JWTSecret, api.Principal{Subject: subject, Role: role}, 2*s.config.Duration+time.Minute)
	if err != nil {
		s.log.Fatal().Err(err).Msg("issue token")
	}
	s.tokens[key] = tok
	return tok
}

func (s *Simulator) do(ctx context.Context, method, path, token string, body []byte, header http.Header, out any) (int, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range header {
		req.Header[k] = v
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return 0, latency, err
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, latency, err
		}
	} else {
		_, _ = io.Copy(io.Discard, resp.Body)
	}
	return resp.StatusCode, latency, nil
}

func (s *Simulator) doBooking(ctx context.Context, rng *rand.Rand) {
	slot := s.pool.Slots[rng.Intn(len(s.pool.Slots))]
	patientID := s.pool.Patients[rng.Intn(len(s.pool.Patients))]
	sessionType := "in_person"
	if rng.Intn(3) == 0 {
		sessionType = "teleconference"
	}

	body, _ := json.Marshal(api.CreateAppointmentRequest{
		PatientID:   patientID.String(),
		TimeSlotID:  slot.ID.String(),
		SpecialtyID: slot.SpecialtyID.String(),
		SessionType: sessionType,
	})

	var appt api.AppointmentResponse
	status, latency, err := s.do(ctx, http.MethodPost, "/appointments", s.token(api.RolePatient, patientID), body, nil, &appt)
	success := err == nil && status == http.StatusCreated
	if success {
		s.pool.AddAppointment(booked{ID: appt.ID, PatientID: patientID, CaregiverID: appt.CaregiverID})
	}
	s.metrics.Booking.Record(latency, success, status == http.StatusConflict)
}

// doPay starts a booking-fee checkout and completes it through the signed
// webhook, sometimes delivering the callback twice.
func (s *Simulator) doPay(ctx context.Context, rng *rand.Rand) {
	b, ok := s.pool.GetRandomAppointment(rng)
	if !ok {
		return
	}
	path := fmt.Sprintf("/appointments/%s/checkout", b.ID)
	body, _ := json.Marshal(api.CheckoutRequest{FeeType: "booking_fee"})

	var co api.CheckoutResponse
	status, latency, err := s.do(ctx, http.MethodPost, path, s.token(api.RolePatient, b.PatientID), body, nil, &co)
	if err != nil || status != http.StatusCreated {
		s.metrics.Pay.Record(latency, false, status == http.StatusConflict)
		return
	}

	hook, _ := json.Marshal(api.PaymentWebhookRequest{
		ExternalReference: co.ExternalReference,
		AppointmentID:     b.ID.String(),
		FeeType:           "booking_fee",
		Status:            "completed",
	})
	header := http.Header{}
	if s.config.WebhookSecret != "" {
		header.Set("X-Webhook-Signature", api.SignWebhook(s.config.WebhookSecret, hook))
	}

	var first api.TransactionResponse
	status, hookLatency, err := s.do(ctx, http.MethodPost, "/webhooks/payments", "", hook, header, &first)
	success := err == nil && status == http.StatusOK
	s.metrics.Pay.Record(latency+hookLatency, success, status == http.StatusConflict)
	if !success {
		return
	}
	s.pool.AddPaid(b)

	if rng.Float64() >= s.config.ReplayRatio {
		return
	}
	var again api.TransactionResponse
	status, latency, err = s.do(ctx, http.MethodPost, "/webhooks/payments", "", hook, header, &again)
	replayed := err == nil && status == http.StatusOK
	if replayed && again.ID != first.ID {
		atomic.AddInt64(&s.metrics.ReplayDiverged, 1)
	}
	s.metrics.Replay.Record(latency, replayed, false)
}

func (s *Simulator) doReschedule(ctx context.Context, rng *rand.Rand) {
	b, ok := s.pool.GetRandomPaid(rng)
	if !ok {
		return
	}
	candidates := s.pool.byCaregiver[b.CaregiverID]
	if len(candidates) == 0 {
		return
	}

	body, _ := json.Marshal(api.RescheduleRequest{
		TimeSlotID: candidates[rng.Intn(len(candidates))].String(),
		Reason:     "simulated reschedule",
	})
	status, latency, err := s.do(ctx, http.MethodPost, fmt.Sprintf("/appointments/%s/reschedule", b.ID),
		s.token(api.RolePatient, b.PatientID), body, nil, nil)

	// policy refusals (cutoff, max count) are expected outcomes, not errors
	refused := status == http.StatusConflict || status == http.StatusUnprocessableEntity
	s.metrics.Reschedule.Record(latency, err == nil && status == http.StatusOK, refused)
}

func (s *Simulator) doReadByID(ctx context.Context, rng *rand.Rand) {
	b, ok := s.pool.GetRandomAppointment(rng)
	if !ok {
		return
	}
	status, latency, err := s.do(ctx, http.MethodGet, fmt.Sprintf("/appointments/%s", b.ID),
		s.token(api.RolePatient, b.PatientID), nil, nil, nil)
	s.metrics.ReadByID.Record(latency, err == nil && status == http.StatusOK, false)
}

func (s *Simulator) doListSlots(ctx context.Context, rng *rand.Rand) {
	slot := s.pool.Slots[rng.Intn(len(s.pool.Slots))]
	patientID := s.pool.Patients[rng.Intn(len(s.pool.Patients))]

	status, latency, err := s.do(ctx, http.MethodGet,
		fmt.Sprintf("/slots?caregiver_id=%s&status=available&limit=50", slot.CaregiverID),
		s.token(api.RolePatient, patientID), nil, nil, nil)
	s.metrics.ListSlots.Record(latency, err == nil && status == http.StatusOK, false)
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Println()

	printOperationReport("Booking", &s.metrics.Booking)
	printOperationReport("Pay booking fee", &s.metrics.Pay)
	printOperationReport("Webhook replay", &s.metrics.Replay)
	printOperationReport("Reschedule", &s.metrics.Reschedule)
	printOperationReport("Read by ID", &s.metrics.ReadByID)
	printOperationReport("List slots", &s.metrics.ListSlots)

	if n := atomic.LoadInt64(&s.metrics.ReplayDiverged); n > 0 {
		fmt.Printf("WARNING: %d webhook replays returned a different transaction\n", n)
	}
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)

	avg, lo, hi, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), lo.Round(time.Millisecond), hi.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}
