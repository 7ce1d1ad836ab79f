package appointment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

var errGatewayMissing = errors.New("checkout gateway not configured")

// PaymentGate tracks the two fee payments of an appointment. Completion is
// keyed by the gateway's external reference so replays apply once.
type PaymentGate struct {
	*deps
	scheduler *Scheduler
}

// InitiateCheckout asks the gateway for a checkout session and records a
// pending transaction for it. No lock or transaction is held while the
// gateway is called.
func (p *PaymentGate) InitiateCheckout(ctx context.Context, appointmentID uuid.UUID, feeType FeeType) (sess *CheckoutSession, txn *PaymentTransaction, err error) {
	ctx, span := p.startSpan(ctx, "payments.checkout",
		attribute.String("appointment.id", appointmentID.String()),
		attribute.String("fee.type", string(feeType)),
	)
	defer func() { endSpan(span, err) }()

	if !feeType.Valid() {
		return nil, nil, ErrInvalidFeeType
	}
	if p.gateway == nil {
		return nil, nil, errGatewayMissing
	}

	appt, err := p.store.GetAppointmentByID(ctx, appointmentID)
	if err != nil {
		return nil, nil, err
	}
	if appt.Status.Terminal() {
		return nil, nil, fmt.Errorf("%w: checkout on %s appointment", ErrInvalidTransition, appt.Status)
	}
	if appt.FeeStatus(feeType) == FeeCompleted {
		return nil, nil, ErrFeeAlreadyCompleted
	}

	amount := appt.FeeAmount(feeType)
	sess, err = p.gateway.CreateCheckout(ctx, CheckoutRequest{
		AppointmentID: appt.ID,
		FeeType:       feeType,
		Amount:        amount,
		Description:   fmt.Sprintf("%s for appointment %s", strings.ReplaceAll(string(feeType), "_", " "), appt.ID),
	})
	if err != nil {
		p.metrics.ObservePayment(string(feeType), "gateway_error")
		return nil, nil, fmt.Errorf("create checkout: %w", err)
	}

	txn = &PaymentTransaction{
		AppointmentID:     appt.ID,
		PaymentType:       feeType,
		Amount:            amount,
		Status:            TransactionPending,
		ExternalReference: sess.ExternalReference,
	}
	err = p.store.InTx(ctx, func(ctx context.Context, repo Repository) error {
		if err := repo.CreateTransaction(ctx, txn); err != nil {
			return err
		}
		return p.logEvent(ctx, repo, appt.ID, EventCheckoutStarted, map[string]any{
			"fee_type":           feeType,
			"amount":             amount.StringFixed(2),
			"external_reference": sess.ExternalReference,
		})
	})
	if err != nil {
		return nil, nil, err
	}

	p.metrics.ObservePayment(string(feeType), "initiated")
	return sess, txn, nil
}

// CompleteFee is the webhook entry point for a successful payment. A reference
// that was already applied returns the recorded transaction unchanged. A
// reference never seen before is recorded and applied, since gateways may
// deliver the callback before the checkout record exists.
func (p *PaymentGate) CompleteFee(ctx context.Context, externalReference string, appointmentID uuid.UUID, feeType FeeType) (txn *PaymentTransaction, err error) {
	ctx, span := p.startSpan(ctx, "payments.complete",
		attribute.String("appointment.id", appointmentID.String()),
		attribute.String("fee.type", string(feeType)),
		attribute.String("payment.reference", externalReference),
	)
	defer func() { endSpan(span, err) }()

	if !feeType.Valid() {
		return nil, ErrInvalidFeeType
	}
	if strings.TrimSpace(externalReference) == "" {
		return nil, fmt.Errorf("%w: empty external reference", ErrPaymentMismatch)
	}

	var (
		appt      *Appointment
		confirmed bool
		displaced *Appointment
	)
	err = p.waitAppointmentLock(ctx, appointmentID, func(ctx context.Context) error {
		return p.store.InTx(ctx, func(ctx context.Context, repo Repository) error {
			var err error
			appt, err = repo.GetAppointmentForUpdate(ctx, appointmentID)
			if err != nil {
				return err
			}
			txn, confirmed, displaced, err = p.applyCompletion(ctx, repo, appt, externalReference, feeType)
			return err
		})
	})

	switch {
	case errors.Is(err, ErrDuplicateCompletion):
		p.metrics.ObservePayment(string(feeType), "duplicate")
		p.log.Info().
			Str("appointment_id", appointmentID.String()).
			Str("external_reference", externalReference).
			Msg("duplicate payment completion ignored")
		return txn, nil
	case err != nil:
		p.metrics.ObservePayment(string(feeType), "error")
		return nil, err
	}

	p.metrics.ObservePayment(string(feeType), "completed")
	p.log.Info().
		Str("appointment_id", appointmentID.String()).
		Str("fee_type", string(feeType)).
		Str("external_reference", externalReference).
		Bool("confirmed", confirmed).
		Msg("payment completed")
	p.notifyReclaimed(ctx, displaced)
	if confirmed {
		p.notify(ctx, NotifyConfirmed, *appt, "")
	}
	return txn, nil
}

func (p *PaymentGate) applyCompletion(ctx context.Context, repo Repository, appt *Appointment, ref string, feeType FeeType) (*PaymentTransaction, bool, *Appointment, error) {
	txn, err := repo.GetTransactionByReference(ctx, ref)
	switch {
	case errors.Is(err, ErrTransactionNotFound):
		txn = &PaymentTransaction{
			AppointmentID:     appt.ID,
			PaymentType:       feeType,
			Amount:            appt.FeeAmount(feeType),
			Status:            TransactionPending,
			ExternalReference: ref,
		}
		if err := repo.CreateTransaction(ctx, txn); err != nil {
			return nil, false, nil, err
		}
	case err != nil:
		return nil, false, nil, err
	}

	if txn.AppointmentID != appt.ID || txn.PaymentType != feeType {
		return nil, false, nil, ErrPaymentMismatch
	}

	completed, err := p.markCompleted(ctx, repo, txn)
	if err != nil {
		return completed, false, nil, err
	}

	confirmed, displaced, err := p.scheduler.applyFee(ctx, repo, appt, feeType)
	if errors.Is(err, ErrInvalidTransition) && appt.Status.Terminal() {
		// money arrived for a closed appointment; keep the record for reconciliation
		p.log.Warn().
			Str("appointment_id", appt.ID.String()).
			Str("status", string(appt.Status)).
			Str("external_reference", ref).
			Msg("fee completed for closed appointment")
	} else if err != nil {
		return nil, false, nil, err
	}

	if err := p.logEvent(ctx, repo, appt.ID, EventFeeCompleted, map[string]any{
		"fee_type":           feeType,
		"amount":             completed.Amount.StringFixed(2),
		"external_reference": ref,
	}); err != nil {
		return nil, false, nil, err
	}
	return completed, confirmed, displaced, nil
}

// markCompleted moves txn to completed with a status CAS. When the status
// moved since it was read, the transaction is re-read once and the CAS is
// retried from its current status, so a concurrent failure callback cannot
// swallow a real completion.
func (p *PaymentGate) markCompleted(ctx context.Context, repo Repository, txn *PaymentTransaction) (*PaymentTransaction, error) {
	for attempt := 0; attempt < 2; attempt++ {
		switch txn.Status {
		case TransactionCompleted:
			return txn, ErrDuplicateCompletion
		case TransactionRefunded:
			return nil, fmt.Errorf("%w: refunded payment", ErrInvalidTransition)
		}

		completed, err := repo.UpdateTransactionStatus(ctx, txn.ID, txn.Status, TransactionCompleted, p.clock())
		if err != nil {
			return nil, err
		}
		if completed != nil {
			return completed, nil
		}

		if txn, err = repo.GetTransactionByReference(ctx, txn.ExternalReference); err != nil {
			return nil, err
		}
	}
	return nil, ErrAppointmentBusy
}

// FailFee records a failed payment callback. The appointment is untouched and
// a completed transaction is never downgraded. It takes the same appointment
// lock as CompleteFee so the two callbacks for one reference never interleave.
func (p *PaymentGate) FailFee(ctx context.Context, externalReference string) (txn *PaymentTransaction, err error) {
	ctx, span := p.startSpan(ctx, "payments.fail", attribute.String("payment.reference", externalReference))
	defer func() { endSpan(span, err) }()

	txn, err = p.store.GetTransactionByReference(ctx, externalReference)
	if err != nil {
		return nil, err
	}
	appointmentID := txn.AppointmentID

	err = p.waitAppointmentLock(ctx, appointmentID, func(ctx context.Context) error {
		return p.store.InTx(ctx, func(ctx context.Context, repo Repository) error {
			if _, err := repo.GetAppointmentForUpdate(ctx, appointmentID); err != nil {
				return err
			}

			var err error
			txn, err = repo.GetTransactionByReference(ctx, externalReference)
			if err != nil {
				return err
			}
			if txn.Status != TransactionPending {
				return nil
			}

			failed, err := repo.UpdateTransactionStatus(ctx, txn.ID, TransactionPending, TransactionFailed, p.clock())
			if err != nil {
				return err
			}
			if failed == nil {
				return nil
			}
			txn = failed
			return p.logEvent(ctx, repo, txn.AppointmentID, EventFeeFailed, map[string]any{
				"fee_type":           txn.PaymentType,
				"external_reference": externalReference,
			})
		})
	})
	if err != nil {
		return nil, err
	}

	if txn.Status == TransactionFailed {
		p.metrics.ObservePayment(string(txn.PaymentType), "failed")
	}
	return txn, nil
}

func (p *PaymentGate) Summary(ctx context.Context, appointmentID uuid.UUID) (*PaymentSummary, error) {
	appt, err := p.store.GetAppointmentByID(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	txns, err := p.store.ListTransactions(ctx, appointmentID)
	if err != nil {
		return nil, err
	}

	return &PaymentSummary{
		AppointmentID:    appt.ID,
		BookingFee:       appt.BookingFee,
		SessionFee:       appt.SessionFee,
		TotalCost:        appt.TotalCost(),
		BookingFeeStatus: appt.BookingFeeStatus,
		SessionFeeStatus: appt.SessionFeeStatus,
		PaymentStatus:    appt.PaymentStatus(),
		Transactions:     txns,
	}, nil
}
