package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	redisclient "github.com/hackgods/caregiver-scheduling/internal/redis"
)

const (
	EventSlotsGenerated       = "SLOTS_GENERATED"
	EventAppointmentCreated   = "APPOINTMENT_CREATED"
	EventAppointmentConfirmed = "APPOINTMENT_CONFIRMED"
	EventAppointmentCancelled = "APPOINTMENT_CANCELLED"
	EventAppointmentExpired   = "APPOINTMENT_EXPIRED"
	EventAppointmentMoved     = "APPOINTMENT_RESCHEDULED"
	EventSessionAttended      = "SESSION_ATTENDED"
	EventFeeCompleted         = "FEE_COMPLETED"
	EventFeeFailed            = "FEE_FAILED"
	EventCheckoutStarted      = "CHECKOUT_STARTED"
	EventReportSubmitted      = "REPORT_SUBMITTED"
)

const (
	CancelReasonPaymentTimeout = "payment_timeout"
	CancelReasonSlotReclaimed  = "slot_reclaimed"
)

// Policy carries the tunable booking rules.
type Policy struct {
	CutoffHours         int
	MaxReschedules      int
	SlotDurationMinutes int
	SlotLockTTL         time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		CutoffHours:         12,
		MaxReschedules:      2,
		SlotDurationMinutes: 180,
		SlotLockTTL:         15 * time.Minute,
	}
}

func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if p.CutoffHours < 0 {
		p.CutoffHours = def.CutoffHours
	}
	if p.MaxReschedules < 0 {
		p.MaxReschedules = def.MaxReschedules
	}
	if p.SlotDurationMinutes <= 0 {
		p.SlotDurationMinutes = def.SlotDurationMinutes
	}
	if p.SlotLockTTL <= 0 {
		p.SlotLockTTL = def.SlotLockTTL
	}
	return p
}

type NotificationKind string

const (
	NotifyBooked      NotificationKind = "appointment_booked"
	NotifyConfirmed   NotificationKind = "appointment_confirmed"
	NotifyRescheduled NotificationKind = "appointment_rescheduled"
	NotifyCancelled   NotificationKind = "appointment_cancelled"
)

type Notification struct {
	Kind          NotificationKind `json:"kind"`
	AppointmentID uuid.UUID        `json:"appointment_id"`
	PatientID     uuid.UUID        `json:"patient_id"`
	CaregiverID   uuid.UUID        `json:"caregiver_id"`
	PatientName   string           `json:"patient_name,omitempty"`
	PatientEmail  string           `json:"patient_email,omitempty"`
	ScheduledDate time.Time        `json:"scheduled_date"`
	Reason        string           `json:"reason,omitempty"`
}

// Notifier delivers booking notifications. Delivery is best effort.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

type CheckoutRequest struct {
	AppointmentID uuid.UUID
	FeeType       FeeType
	Amount        decimal.Decimal
	Description   string
}

type CheckoutSession struct {
	ExternalReference string
	RedirectURL       string
}

// CheckoutGateway starts an external payment. Completion arrives later via webhook.
type CheckoutGateway interface {
	CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)
}

// Metrics receives scheduling outcomes. Labels are plain strings.
type Metrics interface {
	ObserveSlotLock(outcome string)
	ObserveTransition(from, to string)
	ObserveReschedule(outcome string)
	ObservePayment(feeType, outcome string)
	ObserveReclaimed(n int)
}

type nopMetrics struct{}

func (nopMetrics) ObserveSlotLock(string)          {}
func (nopMetrics) ObserveTransition(string, string) {}
func (nopMetrics) ObserveReschedule(string)         {}
func (nopMetrics) ObservePayment(string, string)    {}
func (nopMetrics) ObserveReclaimed(int)             {}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, Notification) error { return nil }

type Option func(*deps)

func WithClock(now func() time.Time) Option {
	return func(d *deps) { d.now = now }
}

func WithLogger(l zerolog.Logger) Option {
	return func(d *deps) { d.log = l }
}

func WithNotifier(n Notifier) Option {
	return func(d *deps) { d.notifier = n }
}

func WithNotifyTimeout(t time.Duration) Option {
	return func(d *deps) { d.notifyTimeout = t }
}

func WithGateway(g CheckoutGateway) Option {
	return func(d *deps) { d.gateway = g }
}

func WithMetrics(m Metrics) Option {
	return func(d *deps) { d.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(d *deps) { d.tracer = t }
}

// deps is shared by every component of the scheduling core.
type deps struct {
	store         Store
	locker        redisclient.Locker
	policy        Policy
	now           func() time.Time
	log           zerolog.Logger
	tracer        trace.Tracer
	metrics       Metrics
	notifier      Notifier
	notifyTimeout time.Duration
	gateway       CheckoutGateway
}

// Service bundles the scheduling core components over one store.
type Service struct {
	Slots       *SlotManager
	Scheduler   *Scheduler
	Reschedules *RescheduleEngine
	Payments    *PaymentGate
	Reports     *ReportGate
}

func NewService(store Store, locker redisclient.Locker, policy Policy, opts ...Option) *Service {
	d := &deps{
		store:         store,
		locker:        locker,
		policy:        policy.withDefaults(),
		now:           time.Now,
		log:           zerolog.Nop(),
		tracer:        otel.Tracer("caregiver.internal.appointment"),
		metrics:       nopMetrics{},
		notifier:      nopNotifier{},
		notifyTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.locker == nil {
		d.locker = redisclient.NewLocalLocker()
	}

	slots := &SlotManager{deps: d}
	scheduler := &Scheduler{deps: d, slots: slots}
	return &Service{
		Slots:       slots,
		Scheduler:   scheduler,
		Reschedules: &RescheduleEngine{deps: d, slots: slots},
		Payments:    &PaymentGate{deps: d, scheduler: scheduler},
		Reports:     &ReportGate{deps: d, scheduler: scheduler},
	}
}

func (d *deps) clock() time.Time {
	return d.now().UTC()
}

func (d *deps) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := d.tracer.Start(ctx, name)
	span.SetAttributes(attrs...)
	return ctx, span
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

// withAppointmentLock serializes per-appointment operations across instances.
func (d *deps) withAppointmentLock(ctx context.Context, id uuid.UUID, fn func(ctx context.Context) error) error {
	err := d.locker.WithLock(ctx, redisclient.AppointmentKey(id), fn)
	if errors.Is(err, redisclient.ErrLockNotAcquired) {
		return ErrAppointmentBusy
	}
	return err
}

// waitAppointmentLock runs fn under the appointment lock, retrying with
// backoff while the appointment is busy. Payment callbacks use it so that
// concurrent deliveries queue up instead of bouncing.
func (d *deps) waitAppointmentLock(ctx context.Context, id uuid.UUID, fn func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond
	b.MaxElapsedTime = 2 * time.Second

	return backoff.Retry(func() error {
		err := d.withAppointmentLock(ctx, id, fn)
		if err != nil && !errors.Is(err, ErrAppointmentBusy) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx))
}

// logEvent appends an event row inside the caller's transaction.
func (d *deps) logEvent(ctx context.Context, repo Repository, appointmentID uuid.UUID, eventType string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload for %s: %w", eventType, err)
	}

	apptID := appointmentID
	ev := EventLog{
		EventType:     eventType,
		AppointmentID: &apptID,
		Payload:       data,
		CreatedAt:     d.clock(),
	}
	if appointmentID == uuid.Nil {
		ev.AppointmentID = nil
	}

	if err := repo.InsertEvent(ctx, ev); err != nil {
		return fmt.Errorf("insert event log %s: %w", eventType, err)
	}
	return nil
}

// notify dispatches after commit. It never blocks the caller and never fails it.
func (d *deps) notify(ctx context.Context, kind NotificationKind, appt Appointment, reason string) {
	n := Notification{
		Kind:          kind,
		AppointmentID: appt.ID,
		PatientID:     appt.PatientID,
		CaregiverID:   appt.CaregiverID,
		ScheduledDate: appt.ScheduledDate,
		Reason:        reason,
	}

	go func() {
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.notifyTimeout)
		defer cancel()

		if p, err := d.store.GetPatientByID(nctx, appt.PatientID); err == nil {
			n.PatientName = p.Name
			if p.Email != nil {
				n.PatientEmail = *p.Email
			}
		}

		if err := d.notifier.Notify(nctx, n); err != nil {
			d.log.Warn().
				Err(err).
				Str("kind", string(kind)).
				Str("appointment_id", appt.ID.String()).
				Msg("notification failed")
		}
	}()
}

// transition moves appt along edge t and persists it with a status CAS.
func (d *deps) transition(ctx context.Context, repo Repository, appt *Appointment, t Transition) error {
	from := appt.Status
	next, err := from.Next(t)
	if err != nil {
		return err
	}
	appt.Status = next
	if err := repo.UpdateAppointment(ctx, appt, from); err != nil {
		appt.Status = from
		return err
	}
	d.metrics.ObserveTransition(string(from), string(next))
	return nil
}
