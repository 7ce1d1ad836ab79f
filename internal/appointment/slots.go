package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	redisclient "github.com/hackgods/caregiver-scheduling/internal/redis"
)

const reclaimBatchSize = 500

// SlotManager owns the slot lifecycle: available -> locked -> booked, and back
// to available on release or lock expiry.
type SlotManager struct {
	*deps
}

// GenerateSlots partitions the window into back-to-back slots of the given
// duration. Candidates that overlap an existing slot of the caregiver are
// skipped, so re-running an unchanged window creates nothing. The returned
// list holds every slot inside the window.
func (m *SlotManager) GenerateSlots(ctx context.Context, caregiverID uuid.UUID, window AvailabilityWindow, durationMinutes int) (slots []TimeSlot, err error) {
	ctx, span := m.startSpan(ctx, "slots.generate",
		attribute.String("caregiver.id", caregiverID.String()),
		attribute.Int("slot.duration_minutes", durationMinutes),
	)
	defer func() { endSpan(span, err) }()

	start, end := window.Start.UTC(), window.End.UTC()
	if !end.After(start) {
		return nil, ErrInvalidWindow
	}
	if durationMinutes <= 0 {
		durationMinutes = m.policy.SlotDurationMinutes
	}
	step := time.Duration(durationMinutes) * time.Minute

	var created int
	err = m.store.InTx(ctx, func(ctx context.Context, repo Repository) error {
		caregiver, err := repo.GetCaregiverByID(ctx, caregiverID)
		if err != nil {
			return err
		}

		existing, err := repo.ListCaregiverSlotsBetween(ctx, caregiverID, start, end)
		if err != nil {
			return err
		}

		price := slotPrice(caregiver.HourlyRate, durationMinutes)
		for cursor := start; !cursor.Add(step).After(end); cursor = cursor.Add(step) {
			candidate := TimeSlot{
				CaregiverID:     caregiverID,
				Date:            dateOf(cursor),
				StartTime:       cursor,
				EndTime:         cursor.Add(step),
				DurationMinutes: durationMinutes,
				Price:           price,
				Status:          SlotAvailable,
			}
			if overlapsAny(candidate, existing) {
				continue
			}

			inserted, err := repo.InsertSlot(ctx, &candidate)
			if err != nil {
				return err
			}
			if inserted {
				existing = append(existing, candidate)
				created++
			}
		}

		if created > 0 {
			if err := m.logEvent(ctx, repo, uuid.Nil, EventSlotsGenerated, map[string]any{
				"caregiver_id":     caregiverID.String(),
				"window_start":     start,
				"window_end":       end,
				"duration_minutes": durationMinutes,
				"created":          created,
			}); err != nil {
				return err
			}
		}

		slots, err = repo.ListCaregiverSlotsBetween(ctx, caregiverID, start, end)
		return err
	})
	if err != nil {
		return nil, err
	}

	m.log.Info().
		Str("caregiver_id", caregiverID.String()).
		Int("created", created).
		Int("total", len(slots)).
		Msg("slots generated")

	return m.view(slots), nil
}

func slotPrice(hourlyRate decimal.Decimal, durationMinutes int) decimal.Decimal {
	return hourlyRate.
		Mul(decimal.NewFromInt(int64(durationMinutes))).
		Div(decimal.NewFromInt(60)).
		Round(2)
}

func dateOf(t time.Time) time.Time {
	y, mo, d := t.UTC().Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, time.UTC)
}

func overlapsAny(s TimeSlot, others []TimeSlot) bool {
	for _, o := range others {
		if s.StartTime.Before(o.EndTime) && o.StartTime.Before(s.EndTime) {
			return true
		}
	}
	return false
}

// LockSlot reserves a slot for holder until now+ttl. Only an available slot or
// one whose lock has lapsed can be locked; anything else is ErrSlotUnavailable.
func (m *SlotManager) LockSlot(ctx context.Context, slotID, holder uuid.UUID, ttl time.Duration) (slot *TimeSlot, err error) {
	ctx, span := m.startSpan(ctx, "slots.lock", attribute.String("slot.id", slotID.String()))
	defer func() { endSpan(span, err) }()

	var displaced *Appointment
	err = m.locker.WithLock(ctx, redisclient.SlotKey(slotID), func(ctx context.Context) error {
		return m.store.InTx(ctx, func(ctx context.Context, repo Repository) error {
			var err error
			slot, displaced, err = m.lockSlotTx(ctx, repo, slotID, holder, ttl)
			return err
		})
	})
	if errors.Is(err, redisclient.ErrLockNotAcquired) {
		m.metrics.ObserveSlotLock("contended")
		return nil, ErrSlotUnavailable
	}
	if err != nil {
		return nil, err
	}
	m.notifyReclaimed(ctx, displaced)
	return slot, nil
}

// lockSlotTx locks the slot for holder. When it takes over the lapsed lock of
// another pending appointment, that appointment is cancelled and returned so
// the caller can notify its patient once the transaction commits.
//
// Row locks are taken appointment first, slot second, the same order as fee
// completion and the expiry sweep. The displaced holder is read without a
// lock, its appointment row is locked, and the slot CAS must then report that
// same holder or the takeover is abandoned.
func (m *SlotManager) lockSlotTx(ctx context.Context, repo Repository, slotID, holder uuid.UUID, ttl time.Duration) (*TimeSlot, *Appointment, error) {
	if ttl <= 0 {
		ttl = m.policy.SlotLockTTL
	}
	now := m.clock()

	current, err := repo.GetSlotByID(ctx, slotID)
	if err != nil {
		return nil, nil, err
	}

	var (
		expected  *uuid.UUID
		displaced *Appointment
	)
	if current.LockExpired(now) && current.LockHolder != nil && *current.LockHolder != holder {
		expected = current.LockHolder
		displaced, err = m.lockHolder(ctx, repo, *expected)
		if err != nil {
			return nil, nil, err
		}
	}

	slot, prev, err := repo.LockSlot(ctx, slotID, holder, now, now.Add(ttl))
	if err != nil {
		return nil, nil, err
	}
	if slot == nil {
		m.metrics.ObserveSlotLock("contended")
		return nil, nil, ErrSlotUnavailable
	}
	if prev != nil && *prev != holder && (expected == nil || *prev != *expected) {
		// the lock changed hands after it was read; its holder row is not locked here
		m.metrics.ObserveSlotLock("contended")
		return nil, nil, ErrSlotUnavailable
	}
	m.metrics.ObserveSlotLock("acquired")

	if prev == nil || *prev == holder || displaced == nil {
		return slot, nil, nil
	}
	if err := m.expireHolder(ctx, repo, displaced, CancelReasonSlotReclaimed); err != nil {
		return nil, nil, err
	}
	return slot, displaced, nil
}

// lockHolder row-locks the appointment behind a lock holder. It returns nil
// when the holder is not an appointment or is no longer pending.
func (m *SlotManager) lockHolder(ctx context.Context, repo Repository, holder uuid.UUID) (*Appointment, error) {
	appt, err := repo.GetAppointmentForUpdate(ctx, holder)
	if errors.Is(err, ErrAppointmentNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if appt.Status != StatusPending {
		return nil, nil
	}
	return appt, nil
}

// expireHolder cancels a row-locked pending appointment whose slot was taken over.
func (m *SlotManager) expireHolder(ctx context.Context, repo Repository, appt *Appointment, reason string) error {
	appt.CancelReason = &reason
	if err := m.transition(ctx, repo, appt, TransitionCancel); err != nil {
		return err
	}
	return m.logEvent(ctx, repo, appt.ID, EventAppointmentExpired, map[string]any{
		"slot_id": appt.TimeSlotID.String(),
		"reason":  reason,
	})
}

// notifyReclaimed tells the patient of an appointment displaced by a slot
// takeover. Call it only after the takeover has committed.
func (d *deps) notifyReclaimed(ctx context.Context, appt *Appointment) {
	if appt == nil {
		return
	}
	d.log.Info().
		Str("appointment_id", appt.ID.String()).
		Str("slot_id", appt.TimeSlotID.String()).
		Msg("pending appointment displaced, slot reclaimed")
	d.notify(ctx, NotifyCancelled, *appt, CancelReasonSlotReclaimed)
}

// BookSlot converts a live lock held by appointmentID into a booking.
func (m *SlotManager) BookSlot(ctx context.Context, slotID, appointmentID uuid.UUID) (slot *TimeSlot, err error) {
	ctx, span := m.startSpan(ctx, "slots.book", attribute.String("slot.id", slotID.String()))
	defer func() { endSpan(span, err) }()

	err = m.store.InTx(ctx, func(ctx context.Context, repo Repository) error {
		var err error
		slot, err = m.bookSlotTx(ctx, repo, slotID, appointmentID)
		return err
	})
	return slot, err
}

func (m *SlotManager) bookSlotTx(ctx context.Context, repo Repository, slotID, appointmentID uuid.UUID) (*TimeSlot, error) {
	slot, err := repo.BookSlot(ctx, slotID, appointmentID, m.clock())
	if err != nil {
		return nil, err
	}
	if slot == nil {
		return nil, ErrLockExpired
	}
	return slot, nil
}

// ReleaseSlot returns a slot held by holder to available. A slot no longer
// held by holder is left untouched and returned as is.
func (m *SlotManager) ReleaseSlot(ctx context.Context, slotID, holder uuid.UUID) (slot *TimeSlot, err error) {
	ctx, span := m.startSpan(ctx, "slots.release", attribute.String("slot.id", slotID.String()))
	defer func() { endSpan(span, err) }()

	err = m.store.InTx(ctx, func(ctx context.Context, repo Repository) error {
		var err error
		slot, err = m.releaseSlotTx(ctx, repo, slotID, holder)
		return err
	})
	if err != nil {
		return nil, err
	}
	v := m.viewOne(*slot)
	return &v, nil
}

func (m *SlotManager) releaseSlotTx(ctx context.Context, repo Repository, slotID, holder uuid.UUID) (*TimeSlot, error) {
	slot, err := repo.ReleaseSlot(ctx, slotID, holder)
	if err != nil {
		return nil, err
	}
	if slot != nil {
		return slot, nil
	}

	m.log.Debug().
		Str("slot_id", slotID.String()).
		Str("holder", holder.String()).
		Msg("release skipped, slot not held by holder")
	return repo.GetSlotByID(ctx, slotID)
}

func (m *SlotManager) GetSlot(ctx context.Context, id uuid.UUID) (*TimeSlot, error) {
	slot, err := m.store.GetSlotByID(ctx, id)
	if err != nil {
		return nil, err
	}
	v := m.viewOne(*slot)
	return &v, nil
}

func (m *SlotManager) ListSlots(ctx context.Context, filter SlotFilter) ([]TimeSlot, error) {
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	if filter.Limit > 500 {
		filter.Limit = 500
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	slots, err := m.store.ListSlots(ctx, filter, m.clock())
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}
	return m.view(slots), nil
}

// viewOne presents a lapsed lock as an available slot.
func (m *SlotManager) viewOne(s TimeSlot) TimeSlot {
	if s.LockExpired(m.clock()) {
		s.Status = SlotAvailable
		s.LockedUntil = nil
		s.LockHolder = nil
	}
	return s
}

func (m *SlotManager) view(slots []TimeSlot) []TimeSlot {
	out := make([]TimeSlot, len(slots))
	for i, s := range slots {
		out[i] = m.viewOne(s)
	}
	return out
}

// ReclaimExpiredLocks releases every lapsed lock and cancels the pending
// appointment that held it. It returns the number of slots reclaimed.
func (m *SlotManager) ReclaimExpiredLocks(ctx context.Context) (int, error) {
	ctx, span := m.startSpan(ctx, "slots.reclaim")
	defer span.End()

	candidates, err := m.store.FindExpiredLocks(ctx, m.clock(), reclaimBatchSize)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("find expired locks: %w", err)
	}

	reclaimed := 0
	for _, slot := range candidates {
		ok, err := m.reclaim(ctx, slot)
		if err != nil {
			m.log.Error().
				Err(err).
				Str("slot_id", slot.ID.String()).
				Msg("failed to reclaim expired slot lock")
			continue
		}
		if ok {
			reclaimed++
		}
	}

	m.metrics.ObserveReclaimed(reclaimed)
	return reclaimed, nil
}

func (m *SlotManager) reclaim(ctx context.Context, slot TimeSlot) (bool, error) {
	if slot.LockHolder == nil {
		return m.releaseExpired(ctx, slot.ID, nil)
	}

	holder := *slot.LockHolder
	var released bool
	err := m.withAppointmentLock(ctx, holder, func(ctx context.Context) error {
		var err error
		released, err = m.releaseExpired(ctx, slot.ID, &holder)
		return err
	})
	if errors.Is(err, ErrAppointmentBusy) {
		// a payment or cancel is in flight for this holder; next sweep decides
		return false, nil
	}
	return released, err
}

func (m *SlotManager) releaseExpired(ctx context.Context, slotID uuid.UUID, holder *uuid.UUID) (bool, error) {
	var (
		released bool
		expired  *Appointment
	)
	err := m.store.InTx(ctx, func(ctx context.Context, repo Repository) error {
		// appointment row first, then slot row, same order as fee completion
		if holder != nil {
			var err error
			if expired, err = m.lockHolder(ctx, repo, *holder); err != nil {
				return err
			}
		}

		slot, err := repo.ReleaseExpiredLock(ctx, slotID, m.clock())
		if err != nil {
			return err
		}
		if slot == nil {
			expired = nil
			return nil
		}
		released = true

		if expired == nil {
			return nil
		}
		return m.expireHolder(ctx, repo, expired, CancelReasonPaymentTimeout)
	})
	if err != nil {
		return false, err
	}

	if expired != nil {
		m.log.Info().
			Str("slot_id", slotID.String()).
			Str("appointment_id", expired.ID.String()).
			Msg("pending appointment expired, slot released")
		m.notify(ctx, NotifyCancelled, *expired, CancelReasonPaymentTimeout)
	}
	return released, nil
}
