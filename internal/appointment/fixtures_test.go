package appointment

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	redisclient "github.com/hackgods/caregiver-scheduling/internal/redis"
)

var day = time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)

func at(hour int) time.Time {
	return day.Add(time.Duration(hour) * time.Hour)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingNotifier struct {
	ch chan Notification
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{ch: make(chan Notification, 32)}
}

func (n *recordingNotifier) Notify(_ context.Context, note Notification) error {
	n.ch <- note
	return nil
}

func (n *recordingNotifier) wait(t *testing.T, kind NotificationKind) Notification {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case note := <-n.ch:
			if note.Kind == kind {
				return note
			}
		case <-timeout:
			t.Fatalf("no %s notification received", kind)
			return Notification{}
		}
	}
}

type stubGateway struct {
	mu       sync.Mutex
	n        int
	requests []CheckoutRequest
	err      error
}

func (g *stubGateway) CreateCheckout(_ context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	g.n++
	g.requests = append(g.requests, req)
	ref := fmt.Sprintf("cs_test_%d", g.n)
	return &CheckoutSession{ExternalReference: ref, RedirectURL: "https://pay.test/" + ref}, nil
}

type fixture struct {
	svc       *Service
	store     *MemoryStore
	clock     *testClock
	notifier  *recordingNotifier
	gateway   *stubGateway
	patient   Patient
	caregiver Caregiver
	other     Caregiver
	specialty Specialty
	slots     []TimeSlot
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()

	f := &fixture{
		store:    NewMemoryStore(),
		clock:    &testClock{now: day.Add(-16 * time.Hour)},
		notifier: newRecordingNotifier(),
		gateway:  &stubGateway{},
	}

	email := "pat@example.com"
	f.patient = Patient{Name: "Pat Doe", Email: &email}
	require.NoError(t, f.store.CreatePatient(ctx, &f.patient))

	f.specialty = Specialty{
		Name:           "Physiotherapy",
		BookingFee:     decimal.NewFromInt(25),
		RateMultiplier: decimal.RequireFromString("1.5"),
	}
	require.NoError(t, f.store.CreateSpecialty(ctx, &f.specialty))

	f.caregiver = Caregiver{Name: "Casey Care", SpecialtyID: &f.specialty.ID, HourlyRate: decimal.NewFromInt(40)}
	require.NoError(t, f.store.CreateCaregiver(ctx, &f.caregiver))
	f.other = Caregiver{Name: "Other Care", SpecialtyID: &f.specialty.ID, HourlyRate: decimal.NewFromInt(50)}
	require.NoError(t, f.store.CreateCaregiver(ctx, &f.other))

	base := []Option{
		WithClock(f.clock.Now),
		WithNotifier(f.notifier),
		WithGateway(f.gateway),
	}
	f.svc = NewService(f.store, redisclient.NewLocalLocker(), DefaultPolicy(), append(base, opts...)...)

	slots, err := f.svc.Slots.GenerateSlots(ctx, f.caregiver.ID, AvailabilityWindow{Start: at(9), End: at(18)}, 180)
	require.NoError(t, err)
	require.Len(t, slots, 3)
	f.slots = slots

	return f
}

func (f *fixture) book(t *testing.T, slot TimeSlot) *Appointment {
	t.Helper()
	appt, err := f.svc.Scheduler.CreateAppointment(context.Background(), CreateAppointmentInput{
		PatientID:   f.patient.ID,
		TimeSlotID:  slot.ID,
		SpecialtyID: f.specialty.ID,
		SessionType: SessionInPerson,
	})
	require.NoError(t, err)
	return appt
}

// confirmed books slot and pays the booking fee.
func (f *fixture) confirmed(t *testing.T, slot TimeSlot) *Appointment {
	t.Helper()
	appt := f.book(t, slot)
	_, err := f.svc.Payments.CompleteFee(context.Background(), "ref-booking-"+appt.ID.String(), appt.ID, FeeBooking)
	require.NoError(t, err)
	return f.appointment(t, appt.ID)
}

func (f *fixture) appointment(t *testing.T, id uuid.UUID) *Appointment {
	t.Helper()
	appt, err := f.store.GetAppointmentByID(context.Background(), id)
	require.NoError(t, err)
	return appt
}

func (f *fixture) slot(t *testing.T, id uuid.UUID) *TimeSlot {
	t.Helper()
	slot, err := f.store.GetSlotByID(context.Background(), id)
	require.NoError(t, err)
	return slot
}

// failingStore wraps a Store and injects errors or interleaved writes into
// repository calls made inside a transaction.
type failingStore struct {
	Store
	failBook   bool
	failReport bool
	failUpdate bool
	err        error

	// beforeLockSlot and beforeTxnUpdate run once, against the unwrapped
	// repository, right before the matching call.
	beforeLockSlot  func(ctx context.Context, repo Repository, slotID uuid.UUID)
	beforeTxnUpdate func(ctx context.Context, repo Repository, txnID uuid.UUID)
}

func (s *failingStore) InTx(ctx context.Context, fn func(ctx context.Context, repo Repository) error) error {
	return s.Store.InTx(ctx, func(ctx context.Context, repo Repository) error {
		return fn(ctx, &failingRepo{Repository: repo, store: s})
	})
}

type failingRepo struct {
	Repository
	store *failingStore
}

func (r *failingRepo) BookSlot(ctx context.Context, id, appointmentID uuid.UUID, now time.Time) (*TimeSlot, error) {
	if r.store.failBook {
		return nil, r.store.err
	}
	return r.Repository.BookSlot(ctx, id, appointmentID, now)
}

func (r *failingRepo) CreateReport(ctx context.Context, rep *CareSessionReport) error {
	if r.store.failReport {
		return r.store.err
	}
	return r.Repository.CreateReport(ctx, rep)
}

func (r *failingRepo) UpdateAppointment(ctx context.Context, a *Appointment, expected Status) error {
	if r.store.failUpdate {
		return r.store.err
	}
	return r.Repository.UpdateAppointment(ctx, a, expected)
}

func (r *failingRepo) LockSlot(ctx context.Context, id, holder uuid.UUID, now, until time.Time) (*TimeSlot, *uuid.UUID, error) {
	if hook := r.store.beforeLockSlot; hook != nil {
		r.store.beforeLockSlot = nil
		hook(ctx, r.Repository, id)
	}
	return r.Repository.LockSlot(ctx, id, holder, now, until)
}

func (r *failingRepo) UpdateTransactionStatus(ctx context.Context, id uuid.UUID, from, to TransactionStatus, now time.Time) (*PaymentTransaction, error) {
	if hook := r.store.beforeTxnUpdate; hook != nil {
		r.store.beforeTxnUpdate = nil
		hook(ctx, r.Repository, id)
	}
	return r.Repository.UpdateTransactionStatus(ctx, id, from, to, now)
}

func countEvents(store *MemoryStore, eventType string) int {
	n := 0
	for _, ev := range store.Events() {
		if ev.EventType == eventType {
			n++
		}
	}
	return n
}
