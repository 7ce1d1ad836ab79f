package appointment

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	redisclient "github.com/hackgods/caregiver-scheduling/internal/redis"
)

func TestGenerateSlotsPartitionsWindow(t *testing.T) {
	f := newFixture(t)

	want := [][2]time.Time{{at(9), at(12)}, {at(12), at(15)}, {at(15), at(18)}}
	for i, s := range f.slots {
		assert.Equal(t, want[i][0], s.StartTime)
		assert.Equal(t, want[i][1], s.EndTime)
		assert.Equal(t, SlotAvailable, s.Status)
		assert.Equal(t, 180, s.DurationMinutes)
		assert.Equal(t, day, s.Date)
		assert.True(t, decimal.NewFromInt(120).Equal(s.Price), "price %s", s.Price)
	}
}

func TestGenerateSlotsIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	again, err := f.svc.Slots.GenerateSlots(ctx, f.caregiver.ID, AvailabilityWindow{Start: at(9), End: at(18)}, 180)
	require.NoError(t, err)
	require.Len(t, again, 3)
	for i := range again {
		assert.Equal(t, f.slots[i].ID, again[i].ID)
	}

	// a finer grid over the same window overlaps everything
	finer, err := f.svc.Slots.GenerateSlots(ctx, f.caregiver.ID, AvailabilityWindow{Start: at(9), End: at(18)}, 60)
	require.NoError(t, err)
	assert.Len(t, finer, 3)

	all, err := f.svc.Slots.ListSlots(ctx, SlotFilter{CaregiverID: &f.caregiver.ID})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	generated := 0
	for _, ev := range f.store.Events() {
		if ev.EventType == EventSlotsGenerated {
			generated++
		}
	}
	assert.Equal(t, 1, generated)
}

func TestGenerateSlotsDropsRemainderAndDefaultsDuration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	slots, err := f.svc.Slots.GenerateSlots(ctx, f.other.ID, AvailabilityWindow{Start: at(9), End: at(17)}, 0)
	require.NoError(t, err)
	require.Len(t, slots, 2)
	assert.Equal(t, at(15), slots[1].EndTime)
	assert.True(t, decimal.NewFromInt(150).Equal(slots[0].Price))
}

func TestGenerateSlotsRejectsBadWindow(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Slots.GenerateSlots(context.Background(), f.caregiver.ID, AvailabilityWindow{Start: at(12), End: at(12)}, 60)
	assert.ErrorIs(t, err, ErrInvalidWindow)

	_, err = f.svc.Slots.GenerateSlots(context.Background(), uuid.New(), AvailabilityWindow{Start: at(9), End: at(12)}, 60)
	assert.ErrorIs(t, err, ErrCaregiverNotFound)
}

func TestLockSlotSingleWinner(t *testing.T) {
	f := newFixture(t)
	slot := f.slots[0]

	const callers = 16
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		wins     int
		rejected int
	)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.svc.Slots.LockSlot(context.Background(), slot.ID, uuid.New(), time.Minute)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case assert.ErrorIs(t, err, ErrSlotUnavailable):
				rejected++
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, callers-1, rejected)
	assert.Equal(t, SlotLocked, f.slot(t, slot.ID).Status)
}

func TestLockSlotRejectsLiveLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	slot := f.slots[0]

	locked, err := f.svc.Slots.LockSlot(ctx, slot.ID, uuid.New(), 10*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, locked.LockedUntil)
	assert.Equal(t, f.clock.Now().Add(10*time.Minute), *locked.LockedUntil)

	_, err = f.svc.Slots.LockSlot(ctx, slot.ID, uuid.New(), 10*time.Minute)
	assert.ErrorIs(t, err, ErrSlotUnavailable)

	_, err = f.svc.Slots.LockSlot(ctx, uuid.New(), uuid.New(), time.Minute)
	assert.ErrorIs(t, err, ErrSlotNotFound)
}

func TestBookSlotAfterExpiryFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	slot := f.slots[1]
	holder := uuid.New()

	_, err := f.svc.Slots.LockSlot(ctx, slot.ID, holder, time.Minute)
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	_, err = f.svc.Slots.BookSlot(ctx, slot.ID, holder)
	require.ErrorIs(t, err, ErrLockExpired)
	assert.Equal(t, SlotLocked, f.slot(t, slot.ID).Status)

	// relocking makes it bookable again
	_, err = f.svc.Slots.LockSlot(ctx, slot.ID, holder, time.Minute)
	require.NoError(t, err)
	booked, err := f.svc.Slots.BookSlot(ctx, slot.ID, holder)
	require.NoError(t, err)
	assert.Equal(t, SlotBooked, booked.Status)
	require.NotNil(t, booked.AppointmentID)
	assert.Equal(t, holder, *booked.AppointmentID)
}

func TestBookSlotRequiresSameHolder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	slot := f.slots[0]

	_, err := f.svc.Slots.LockSlot(ctx, slot.ID, uuid.New(), time.Minute)
	require.NoError(t, err)

	_, err = f.svc.Slots.BookSlot(ctx, slot.ID, uuid.New())
	assert.ErrorIs(t, err, ErrLockExpired)
}

func TestExpiredLockReadsAvailable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	slot := f.slots[2]

	_, err := f.svc.Slots.LockSlot(ctx, slot.ID, uuid.New(), time.Minute)
	require.NoError(t, err)

	locked := SlotLocked
	list, err := f.svc.Slots.ListSlots(ctx, SlotFilter{CaregiverID: &f.caregiver.ID, Status: &locked})
	require.NoError(t, err)
	require.Len(t, list, 1)

	f.clock.Advance(2 * time.Minute)

	got, err := f.svc.Slots.GetSlot(ctx, slot.ID)
	require.NoError(t, err)
	assert.Equal(t, SlotAvailable, got.Status)
	assert.Nil(t, got.LockedUntil)

	available := SlotAvailable
	list, err = f.svc.Slots.ListSlots(ctx, SlotFilter{CaregiverID: &f.caregiver.ID, Status: &available})
	require.NoError(t, err)
	assert.Len(t, list, 3)
}

func TestReleaseSlotIgnoresOtherHolder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	slot := f.slots[0]
	holder := uuid.New()

	_, err := f.svc.Slots.LockSlot(ctx, slot.ID, holder, time.Minute)
	require.NoError(t, err)

	got, err := f.svc.Slots.ReleaseSlot(ctx, slot.ID, uuid.New())
	require.NoError(t, err)
	assert.Equal(t, SlotLocked, got.Status)

	got, err = f.svc.Slots.ReleaseSlot(ctx, slot.ID, holder)
	require.NoError(t, err)
	assert.Equal(t, SlotAvailable, got.Status)
	assert.Nil(t, got.LockHolder)
}

func TestReclaimExpiredLocksCancelsPendingHolder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	appt := f.book(t, f.slots[1])
	f.clock.Advance(DefaultPolicy().SlotLockTTL + time.Second)

	n, err := f.svc.Slots.ReclaimExpiredLocks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := f.appointment(t, appt.ID)
	assert.Equal(t, StatusCancelled, got.Status)
	require.NotNil(t, got.CancelReason)
	assert.Equal(t, CancelReasonPaymentTimeout, *got.CancelReason)
	assert.Equal(t, SlotAvailable, f.slot(t, f.slots[1].ID).Status)

	note := f.notifier.wait(t, NotifyCancelled)
	assert.Equal(t, appt.ID, note.AppointmentID)
	assert.Equal(t, "pat@example.com", note.PatientEmail)

	n, err = f.svc.Slots.ReclaimExpiredLocks(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestLockReclaimKeepsOneLiveAppointmentPerSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	slot := f.slots[0]

	first := f.book(t, slot)
	f.clock.Advance(DefaultPolicy().SlotLockTTL)
	second := f.book(t, slot)

	assert.Equal(t, StatusCancelled, f.appointment(t, first.ID).Status)
	assert.Equal(t, StatusPending, f.appointment(t, second.ID).Status)

	live := 0
	list, err := f.svc.Scheduler.ListAppointmentsByPatient(ctx, f.patient.ID, 0, 0)
	require.NoError(t, err)
	for _, a := range list {
		if a.TimeSlotID == slot.ID && a.Status != StatusCancelled {
			live++
		}
	}
	assert.Equal(t, 1, live)

	// the first appointment can no longer confirm with a late payment
	_, err = f.svc.Payments.CompleteFee(ctx, "late-ref", first.ID, FeeBooking)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, f.appointment(t, first.ID).Status)
	assert.Equal(t, second.ID, *f.slot(t, slot.ID).LockHolder)
}

func TestSlotTakeoverNotifiesDisplacedPatient(t *testing.T) {
	f := newFixture(t)
	slot := f.slots[0]

	first := f.book(t, slot)
	f.clock.Advance(DefaultPolicy().SlotLockTTL + time.Second)
	second := f.book(t, slot)

	got := f.appointment(t, first.ID)
	assert.Equal(t, StatusCancelled, got.Status)
	require.NotNil(t, got.CancelReason)
	assert.Equal(t, CancelReasonSlotReclaimed, *got.CancelReason)
	assert.Equal(t, 1, countEvents(f.store, EventAppointmentExpired))

	note := f.notifier.wait(t, NotifyCancelled)
	assert.Equal(t, first.ID, note.AppointmentID)
	assert.Equal(t, CancelReasonSlotReclaimed, note.Reason)
	assert.Equal(t, "pat@example.com", note.PatientEmail)

	// a plain lock over a lapsed booking lock tells that patient too
	f.clock.Advance(DefaultPolicy().SlotLockTTL + time.Second)
	_, err := f.svc.Slots.LockSlot(context.Background(), slot.ID, uuid.New(), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, f.appointment(t, second.ID).Status)
	note = f.notifier.wait(t, NotifyCancelled)
	assert.Equal(t, second.ID, note.AppointmentID)
}

func TestSlotTakeoverAbandonedWhenHolderChanges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	slot := f.slots[0]

	stale := f.book(t, slot)
	f.clock.Advance(DefaultPolicy().SlotLockTTL + time.Second)

	intruder := uuid.New()
	fs := &failingStore{Store: f.store}
	fs.beforeLockSlot = func(ctx context.Context, repo Repository, slotID uuid.UUID) {
		// another writer takes the lapsed lock between the read and the CAS
		now := f.clock.Now()
		_, _, err := repo.LockSlot(ctx, slotID, intruder, now, now)
		require.NoError(t, err)
	}
	svc := NewService(fs, redisclient.NewLocalLocker(), DefaultPolicy(), WithClock(f.clock.Now))

	_, err := svc.Slots.LockSlot(ctx, slot.ID, uuid.New(), time.Minute)
	require.ErrorIs(t, err, ErrSlotUnavailable)

	// rolled back: the displaced appointment and the slot are untouched
	assert.Equal(t, StatusPending, f.appointment(t, stale.ID).Status)
	assert.Equal(t, stale.ID, *f.slot(t, slot.ID).LockHolder)
	assert.Zero(t, countEvents(f.store, EventAppointmentExpired))
}
