package appointment

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	redisclient "github.com/hackgods/caregiver-scheduling/internal/redis"
)

func TestInitiateCheckoutRecordsPendingTransaction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	appt := f.book(t, f.slots[0])

	sess, txn, err := f.svc.Payments.InitiateCheckout(ctx, appt.ID, FeeBooking)
	require.NoError(t, err)
	assert.Equal(t, "cs_test_1", sess.ExternalReference)
	assert.Equal(t, TransactionPending, txn.Status)
	assert.True(t, decimal.NewFromInt(25).Equal(txn.Amount))

	require.Len(t, f.gateway.requests, 1)
	assert.Equal(t, FeeBooking, f.gateway.requests[0].FeeType)

	_, _, err = f.svc.Payments.InitiateCheckout(ctx, appt.ID, "tip")
	assert.ErrorIs(t, err, ErrInvalidFeeType)
}

func TestInitiateCheckoutRejectsPaidAndClosed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	paid := f.confirmed(t, f.slots[0])
	_, _, err := f.svc.Payments.InitiateCheckout(ctx, paid.ID, FeeBooking)
	assert.ErrorIs(t, err, ErrFeeAlreadyCompleted)

	closed := f.book(t, f.slots[1])
	_, err = f.svc.Scheduler.CancelAppointment(ctx, closed.ID, "")
	require.NoError(t, err)
	_, _, err = f.svc.Payments.InitiateCheckout(ctx, closed.ID, FeeSession)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	f.gateway.err = errors.New("gateway down")
	_, _, err = f.svc.Payments.InitiateCheckout(ctx, paid.ID, FeeSession)
	assert.ErrorContains(t, err, "gateway down")
}

func TestCompleteFeeIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	appt := f.book(t, f.slots[1])

	_, txn, err := f.svc.Payments.InitiateCheckout(ctx, appt.ID, FeeBooking)
	require.NoError(t, err)

	first, err := f.svc.Payments.CompleteFee(ctx, txn.ExternalReference, appt.ID, FeeBooking)
	require.NoError(t, err)
	assert.Equal(t, TransactionCompleted, first.Status)
	require.NotNil(t, first.CompletedAt)

	second, err := f.svc.Payments.CompleteFee(ctx, txn.ExternalReference, appt.ID, FeeBooking)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, *first.CompletedAt, *second.CompletedAt)

	summary, err := f.svc.Payments.Summary(ctx, appt.ID)
	require.NoError(t, err)
	assert.Len(t, summary.Transactions, 1)
	assert.Equal(t, FeeCompleted, summary.BookingFeeStatus)
	assert.Equal(t, FeePending, summary.PaymentStatus)
	assert.True(t, decimal.NewFromInt(205).Equal(summary.TotalCost))

	completed := 0
	for _, ev := range f.store.Events() {
		if ev.EventType == EventFeeCompleted {
			completed++
		}
	}
	assert.Equal(t, 1, completed)
}

func TestCompleteFeeOutOfOrderDelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	appt := f.book(t, f.slots[0])

	txn, err := f.svc.Payments.CompleteFee(ctx, "pi_unknown", appt.ID, FeeBooking)
	require.NoError(t, err)
	assert.Equal(t, TransactionCompleted, txn.Status)
	assert.True(t, decimal.NewFromInt(25).Equal(txn.Amount))
	assert.Equal(t, StatusSessionWaiting, f.appointment(t, appt.ID).Status)

	// the failure callback for the same reference arriving later changes nothing
	failed, err := f.svc.Payments.FailFee(ctx, "pi_unknown")
	require.NoError(t, err)
	assert.Equal(t, TransactionCompleted, failed.Status)
}

func TestCompleteFeeMismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.book(t, f.slots[0])
	b := f.book(t, f.slots[1])

	_, txn, err := f.svc.Payments.InitiateCheckout(ctx, a.ID, FeeBooking)
	require.NoError(t, err)

	_, err = f.svc.Payments.CompleteFee(ctx, txn.ExternalReference, b.ID, FeeBooking)
	assert.ErrorIs(t, err, ErrPaymentMismatch)
	_, err = f.svc.Payments.CompleteFee(ctx, txn.ExternalReference, a.ID, FeeSession)
	assert.ErrorIs(t, err, ErrPaymentMismatch)
	_, err = f.svc.Payments.CompleteFee(ctx, " ", a.ID, FeeSession)
	assert.ErrorIs(t, err, ErrPaymentMismatch)
	_, err = f.svc.Payments.CompleteFee(ctx, "x", uuid.New(), FeeSession)
	assert.ErrorIs(t, err, ErrAppointmentNotFound)

	assert.Equal(t, StatusPending, f.appointment(t, a.ID).Status)
	assert.Equal(t, StatusPending, f.appointment(t, b.ID).Status)
}

func TestFailFeeLeavesAppointment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	appt := f.book(t, f.slots[0])

	_, txn, err := f.svc.Payments.InitiateCheckout(ctx, appt.ID, FeeBooking)
	require.NoError(t, err)

	failed, err := f.svc.Payments.FailFee(ctx, txn.ExternalReference)
	require.NoError(t, err)
	assert.Equal(t, TransactionFailed, failed.Status)
	assert.Equal(t, StatusPending, f.appointment(t, appt.ID).Status)

	_, err = f.svc.Payments.FailFee(ctx, "missing")
	assert.ErrorIs(t, err, ErrTransactionNotFound)

	// a retried payment on the same reference may still succeed
	done, err := f.svc.Payments.CompleteFee(ctx, txn.ExternalReference, appt.ID, FeeBooking)
	require.NoError(t, err)
	assert.Equal(t, TransactionCompleted, done.Status)
	assert.Equal(t, StatusSessionWaiting, f.appointment(t, appt.ID).Status)
}

func TestCompleteFeeConcurrentDeliveries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	appt := f.book(t, f.slots[0])

	_, pending, err := f.svc.Payments.InitiateCheckout(ctx, appt.ID, FeeBooking)
	require.NoError(t, err)

	const deliveries = 8
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = map[uuid.UUID]int{}
	)
	start := make(chan struct{})
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			txn, err := f.svc.Payments.CompleteFee(ctx, pending.ExternalReference, appt.ID, FeeBooking)
			if !assert.NoError(t, err) {
				return
			}
			assert.Equal(t, TransactionCompleted, txn.Status)
			mu.Lock()
			ids[txn.ID]++
			mu.Unlock()
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, map[uuid.UUID]int{pending.ID: deliveries}, ids)
	assert.Equal(t, 1, countEvents(f.store, EventFeeCompleted))
	assert.Equal(t, 1, countEvents(f.store, EventAppointmentConfirmed))
	assert.Equal(t, StatusSessionWaiting, f.appointment(t, appt.ID).Status)
}

func TestCompleteFeeSurvivesInterleavedFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	appt := f.book(t, f.slots[0])

	_, pending, err := f.svc.Payments.InitiateCheckout(ctx, appt.ID, FeeBooking)
	require.NoError(t, err)

	fs := &failingStore{Store: f.store}
	fs.beforeTxnUpdate = func(ctx context.Context, repo Repository, txnID uuid.UUID) {
		// a failure callback for the same reference lands first
		failed, err := repo.UpdateTransactionStatus(ctx, txnID, TransactionPending, TransactionFailed, f.clock.Now())
		require.NoError(t, err)
		require.NotNil(t, failed)
	}
	svc := NewService(fs, redisclient.NewLocalLocker(), DefaultPolicy(), WithClock(f.clock.Now))

	txn, err := svc.Payments.CompleteFee(ctx, pending.ExternalReference, appt.ID, FeeBooking)
	require.NoError(t, err)
	assert.Equal(t, pending.ID, txn.ID)
	assert.Equal(t, TransactionCompleted, txn.Status)

	got := f.appointment(t, appt.ID)
	assert.Equal(t, StatusSessionWaiting, got.Status)
	assert.Equal(t, FeeCompleted, got.BookingFeeStatus)
	assert.Equal(t, 1, countEvents(f.store, EventFeeCompleted))
}
