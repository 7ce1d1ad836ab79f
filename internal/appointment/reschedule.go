package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// RescheduleEngine moves a confirmed appointment to another slot of the same
// caregiver, within the cutoff and count limits of the policy.
type RescheduleEngine struct {
	*deps
	slots *SlotManager
}

// Reschedule runs as a single store transaction in the order: lock the new
// slot, release the old one, book the new one, update the appointment. Any
// failure rolls the whole sequence back.
func (e *RescheduleEngine) Reschedule(ctx context.Context, appointmentID, newSlotID uuid.UUID, reason string) (appt *Appointment, err error) {
	ctx, span := e.startSpan(ctx, "appointments.reschedule",
		attribute.String("appointment.id", appointmentID.String()),
		attribute.String("slot.id", newSlotID.String()),
	)
	defer func() {
		e.metrics.ObserveReschedule(rescheduleOutcome(err))
		endSpan(span, err)
	}()

	var (
		rec       *RescheduleRecord
		displaced *Appointment
	)
	err = e.withAppointmentLock(ctx, appointmentID, func(ctx context.Context) error {
		return e.store.InTx(ctx, func(ctx context.Context, repo Repository) error {
			var err error
			appt, err = repo.GetAppointmentForUpdate(ctx, appointmentID)
			if err != nil {
				return err
			}
			if err := e.check(appt); err != nil {
				return err
			}

			newSlot, err := repo.GetSlotByID(ctx, newSlotID)
			if err != nil {
				return err
			}
			if newSlot.CaregiverID != appt.CaregiverID {
				return ErrWrongCaregiver
			}
			if newSlot.ID == appt.TimeSlotID {
				return ErrSlotUnavailable
			}

			if _, displaced, err = e.slots.lockSlotTx(ctx, repo, newSlot.ID, appt.ID, e.policy.SlotLockTTL); err != nil {
				return err
			}
			if _, err := e.slots.releaseSlotTx(ctx, repo, appt.TimeSlotID, appt.ID); err != nil {
				return err
			}
			if _, err := e.slots.bookSlotTx(ctx, repo, newSlot.ID, appt.ID); err != nil {
				return err
			}

			rec = &RescheduleRecord{
				AppointmentID: appt.ID,
				FromSlotID:    appt.TimeSlotID,
				ToSlotID:      newSlot.ID,
				FromDate:      appt.ScheduledDate,
				ToDate:        newSlot.StartTime,
				Reason:        reason,
				CreatedAt:     e.clock(),
			}

			appt.TimeSlotID = newSlot.ID
			appt.ScheduledDate = newSlot.StartTime
			appt.RescheduleCount++
			if err := e.transition(ctx, repo, appt, TransitionReschedule); err != nil {
				return err
			}
			if err := repo.InsertReschedule(ctx, rec); err != nil {
				return err
			}
			return e.logEvent(ctx, repo, appt.ID, EventAppointmentMoved, map[string]any{
				"from_slot_id":     rec.FromSlotID.String(),
				"to_slot_id":       rec.ToSlotID.String(),
				"reschedule_count": appt.RescheduleCount,
				"reason":           reason,
			})
		})
	})
	if err != nil {
		return nil, err
	}

	e.log.Info().
		Str("appointment_id", appt.ID.String()).
		Str("from_slot_id", rec.FromSlotID.String()).
		Str("to_slot_id", rec.ToSlotID.String()).
		Int("reschedule_count", appt.RescheduleCount).
		Msg("appointment rescheduled")
	e.notifyReclaimed(ctx, displaced)
	e.notify(ctx, NotifyRescheduled, *appt, reason)

	return appt, nil
}

// check applies the policy gates that do not depend on the target slot.
func (e *RescheduleEngine) check(appt *Appointment) error {
	if !appt.Status.Can(TransitionReschedule) {
		return fmt.Errorf("%w: reschedule from %s", ErrInvalidTransition, appt.Status)
	}
	if !e.withinCutoff(appt.ScheduledDate) {
		return ErrCutoffExceeded
	}
	if appt.RescheduleCount >= e.policy.MaxReschedules {
		return ErrMaxReschedulesExceeded
	}
	return nil
}

func (e *RescheduleEngine) withinCutoff(scheduled time.Time) bool {
	cutoff := time.Duration(e.policy.CutoffHours) * time.Hour
	return scheduled.Sub(e.clock()) >= cutoff
}

// Eligibility reports whether an appointment could be rescheduled right now,
// and if not, why. It is advisory; Reschedule re-checks everything.
func (e *RescheduleEngine) Eligibility(ctx context.Context, appointmentID uuid.UUID) (remaining int, err error) {
	appt, err := e.store.GetAppointmentByID(ctx, appointmentID)
	if err != nil {
		return 0, err
	}
	remaining = e.policy.MaxReschedules - appt.RescheduleCount
	if remaining < 0 {
		remaining = 0
	}
	return remaining, e.check(appt)
}

func (e *RescheduleEngine) History(ctx context.Context, appointmentID uuid.UUID) ([]RescheduleRecord, error) {
	if _, err := e.store.GetAppointmentByID(ctx, appointmentID); err != nil {
		return nil, err
	}
	return e.store.ListReschedules(ctx, appointmentID)
}

func rescheduleOutcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrCutoffExceeded):
		return "cutoff_exceeded"
	case errors.Is(err, ErrMaxReschedulesExceeded):
		return "max_reschedules"
	case errors.Is(err, ErrWrongCaregiver):
		return "wrong_caregiver"
	case errors.Is(err, ErrSlotUnavailable):
		return "slot_unavailable"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	default:
		return "error"
	}
}
