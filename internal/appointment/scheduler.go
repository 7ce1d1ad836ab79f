package appointment

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	redisclient "github.com/hackgods/caregiver-scheduling/internal/redis"
)

type CreateAppointmentInput struct {
	PatientID   uuid.UUID
	TimeSlotID  uuid.UUID
	SpecialtyID uuid.UUID
	SessionType SessionType
	Notes       string
}

// Scheduler creates and cancels appointments and drives the status machine.
type Scheduler struct {
	*deps
	slots *SlotManager
}

// CreateAppointment locks the slot for a new pending appointment. The lock
// holder is the appointment id, so only this appointment can later book it.
func (s *Scheduler) CreateAppointment(ctx context.Context, in CreateAppointmentInput) (created *Appointment, err error) {
	ctx, span := s.startSpan(ctx, "appointments.create",
		attribute.String("slot.id", in.TimeSlotID.String()),
		attribute.String("patient.id", in.PatientID.String()),
	)
	defer func() { endSpan(span, err) }()

	if !in.SessionType.Valid() {
		return nil, ErrInvalidSessionType
	}

	var displaced *Appointment
	err = s.locker.WithLock(ctx, redisclient.SlotKey(in.TimeSlotID), func(ctx context.Context) error {
		return s.store.InTx(ctx, func(ctx context.Context, repo Repository) error {
			if _, err := repo.GetPatientByID(ctx, in.PatientID); err != nil {
				return err
			}
			specialty, err := repo.GetSpecialtyByID(ctx, in.SpecialtyID)
			if err != nil {
				return err
			}
			slot, err := repo.GetSlotByID(ctx, in.TimeSlotID)
			if err != nil {
				return err
			}
			caregiver, err := repo.GetCaregiverByID(ctx, slot.CaregiverID)
			if err != nil {
				return err
			}

			appt := &Appointment{
				ID:               uuid.New(),
				PatientID:        in.PatientID,
				CaregiverID:      slot.CaregiverID,
				SpecialtyID:      specialty.ID,
				TimeSlotID:       slot.ID,
				ScheduledDate:    slot.StartTime,
				SessionType:      in.SessionType,
				Status:           StatusPending,
				BookingFeeStatus: FeePending,
				SessionFeeStatus: FeePending,
				BookingFee:       specialty.BookingFee.Round(2),
				SessionFee:       sessionFee(*slot, *caregiver, *specialty),
				Notes:            in.Notes,
			}

			if _, displaced, err = s.slots.lockSlotTx(ctx, repo, slot.ID, appt.ID, s.policy.SlotLockTTL); err != nil {
				return err
			}
			if err := repo.CreateAppointment(ctx, appt); err != nil {
				return err
			}

			created = appt
			return s.logEvent(ctx, repo, appt.ID, EventAppointmentCreated, map[string]any{
				"slot_id":     slot.ID.String(),
				"patient_id":  in.PatientID.String(),
				"total_cost":  appt.TotalCost().StringFixed(2),
				"lock_ttl_ms": s.policy.SlotLockTTL.Milliseconds(),
			})
		})
	})
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			s.metrics.ObserveSlotLock("contended")
			return nil, ErrSlotUnavailable
		}
		return nil, err
	}

	s.log.Info().
		Str("appointment_id", created.ID.String()).
		Str("slot_id", created.TimeSlotID.String()).
		Msg("appointment created")
	s.notifyReclaimed(ctx, displaced)
	s.notify(ctx, NotifyBooked, *created, "")

	return created, nil
}

// sessionFee prices the session from the slot, falling back to the caregiver
// rate when the slot carries no price.
func sessionFee(slot TimeSlot, caregiver Caregiver, specialty Specialty) decimal.Decimal {
	base := slot.Price
	if base.IsZero() {
		base = slotPrice(caregiver.HourlyRate, slot.DurationMinutes)
	}
	multiplier := specialty.RateMultiplier
	if multiplier.IsZero() {
		multiplier = decimal.NewFromInt(1)
	}
	return base.Mul(multiplier).Round(2)
}

// OnFeeCompleted marks a fee track completed outside of a payment webhook.
func (s *Scheduler) OnFeeCompleted(ctx context.Context, appointmentID uuid.UUID, feeType FeeType) (appt *Appointment, err error) {
	ctx, span := s.startSpan(ctx, "appointments.fee_completed",
		attribute.String("appointment.id", appointmentID.String()),
		attribute.String("fee.type", string(feeType)),
	)
	defer func() { endSpan(span, err) }()

	if !feeType.Valid() {
		return nil, ErrInvalidFeeType
	}

	var (
		confirmed bool
		displaced *Appointment
	)
	err = s.withAppointmentLock(ctx, appointmentID, func(ctx context.Context) error {
		return s.store.InTx(ctx, func(ctx context.Context, repo Repository) error {
			var err error
			appt, err = repo.GetAppointmentForUpdate(ctx, appointmentID)
			if err != nil {
				return err
			}
			confirmed, displaced, err = s.applyFee(ctx, repo, appt, feeType)
			return err
		})
	})
	if err != nil {
		return nil, err
	}

	s.notifyReclaimed(ctx, displaced)
	if confirmed {
		s.notify(ctx, NotifyConfirmed, *appt, "")
	}
	return appt, nil
}

// applyFee sets a fee track to completed on a row-locked appointment. The
// first completed booking fee confirms a pending appointment and books its
// slot; a lapsed lock is renewed first if nobody else took the slot. Renewing
// over another lapsed holder cancels that holder, which is returned as
// displaced.
func (s *Scheduler) applyFee(ctx context.Context, repo Repository, appt *Appointment, feeType FeeType) (confirmed bool, displaced *Appointment, err error) {
	if appt.Status.Terminal() {
		return false, nil, fmt.Errorf("%w: fee on %s appointment", ErrInvalidTransition, appt.Status)
	}
	if appt.FeeStatus(feeType) == FeeCompleted {
		return false, nil, nil
	}

	appt.setFeeStatus(feeType, FeeCompleted)

	if feeType != FeeBooking || appt.Status != StatusPending {
		if err := repo.UpdateAppointment(ctx, appt, appt.Status); err != nil {
			return false, nil, err
		}
		return false, nil, nil
	}

	if displaced, err = s.bookHeldSlot(ctx, repo, appt); err != nil {
		return false, nil, err
	}
	if err := s.transition(ctx, repo, appt, TransitionConfirm); err != nil {
		return false, nil, err
	}
	if err := s.logEvent(ctx, repo, appt.ID, EventAppointmentConfirmed, map[string]any{
		"slot_id": appt.TimeSlotID.String(),
	}); err != nil {
		return false, nil, err
	}
	return true, displaced, nil
}

func (s *Scheduler) bookHeldSlot(ctx context.Context, repo Repository, appt *Appointment) (*Appointment, error) {
	_, err := s.slots.bookSlotTx(ctx, repo, appt.TimeSlotID, appt.ID)
	if !errors.Is(err, ErrLockExpired) {
		return nil, err
	}

	_, displaced, err := s.slots.lockSlotTx(ctx, repo, appt.TimeSlotID, appt.ID, s.policy.SlotLockTTL)
	if err != nil {
		if errors.Is(err, ErrSlotUnavailable) {
			return nil, ErrLockExpired
		}
		return nil, err
	}
	s.log.Info().
		Str("appointment_id", appt.ID.String()).
		Msg("lapsed slot lock renewed on payment")

	if _, err := s.slots.bookSlotTx(ctx, repo, appt.TimeSlotID, appt.ID); err != nil {
		return nil, err
	}
	return displaced, nil
}

// CancelAppointment cancels a pending or session_waiting appointment and frees
// its slot. No refund is issued.
func (s *Scheduler) CancelAppointment(ctx context.Context, id uuid.UUID, reason string) (appt *Appointment, err error) {
	ctx, span := s.startSpan(ctx, "appointments.cancel", attribute.String("appointment.id", id.String()))
	defer func() { endSpan(span, err) }()

	err = s.withAppointmentLock(ctx, id, func(ctx context.Context) error {
		return s.store.InTx(ctx, func(ctx context.Context, repo Repository) error {
			var err error
			appt, err = repo.GetAppointmentForUpdate(ctx, id)
			if err != nil {
				return err
			}
			if !appt.Status.Can(TransitionCancel) {
				return fmt.Errorf("%w: cancel from %s", ErrInvalidTransition, appt.Status)
			}

			if _, err := s.slots.releaseSlotTx(ctx, repo, appt.TimeSlotID, appt.ID); err != nil {
				return err
			}

			if reason != "" {
				appt.CancelReason = &reason
			}
			if err := s.transition(ctx, repo, appt, TransitionCancel); err != nil {
				return err
			}
			return s.logEvent(ctx, repo, appt.ID, EventAppointmentCancelled, map[string]any{
				"slot_id": appt.TimeSlotID.String(),
				"reason":  reason,
			})
		})
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("appointment_id", id.String()).
		Str("reason", reason).
		Msg("appointment cancelled")
	s.notify(ctx, NotifyCancelled, *appt, reason)

	return appt, nil
}

// completeSession moves a fully paid session_waiting appointment to
// session_attended. Only ReportGate calls it, inside its own transaction.
func (s *Scheduler) completeSession(ctx context.Context, repo Repository, appt *Appointment) error {
	if appt.Status != StatusSessionWaiting {
		return fmt.Errorf("%w: complete from %s", ErrInvalidTransition, appt.Status)
	}
	if appt.PaymentStatus() != FeeCompleted {
		return ErrPaymentIncomplete
	}
	if err := s.transition(ctx, repo, appt, TransitionAttend); err != nil {
		return err
	}
	return s.logEvent(ctx, repo, appt.ID, EventSessionAttended, map[string]any{
		"slot_id": appt.TimeSlotID.String(),
	})
}

func (s *Scheduler) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.store.GetAppointmentByID(ctx, id)
}

// ListAppointmentsByPatient retrieves appointments for a specific patient
func (s *Scheduler) ListAppointmentsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error) {
	if limit <= 0 {
		limit = 20 // default
	}
	if limit > 100 {
		limit = 100 // max
	}
	if offset < 0 {
		offset = 0
	}

	appointments, err := s.store.ListAppointmentsByPatient(ctx, patientID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list appointments by patient: %w", err)
	}
	return appointments, nil
}
