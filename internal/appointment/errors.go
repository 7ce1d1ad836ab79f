package appointment

import "errors"

var (
	ErrPatientNotFound     = errors.New("patient not found")
	ErrCaregiverNotFound   = errors.New("caregiver not found")
	ErrSpecialtyNotFound   = errors.New("specialty not found")
	ErrSlotNotFound        = errors.New("slot not found")
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrTransactionNotFound = errors.New("payment transaction not found")
	ErrReportNotFound      = errors.New("care session report not found")
)

var (
	ErrSlotUnavailable        = errors.New("slot is not available")
	ErrLockExpired            = errors.New("slot lock expired or held by another booking")
	ErrCutoffExceeded         = errors.New("reschedule cutoff exceeded")
	ErrMaxReschedulesExceeded = errors.New("maximum reschedules exceeded")
	ErrWrongCaregiver         = errors.New("slot belongs to a different caregiver")
	ErrInvalidTransition      = errors.New("invalid status transition")
	ErrReportExists           = errors.New("report already submitted for appointment")
	ErrPermissionDenied       = errors.New("permission denied")

	// ErrDuplicateCompletion marks a replayed payment completion. PaymentGate
	// absorbs it; it never reaches callers.
	ErrDuplicateCompletion = errors.New("payment completion already applied")

	ErrPaymentIncomplete   = errors.New("booking and session fees must both be completed")
	ErrPaymentMismatch     = errors.New("payment reference does not match appointment")
	ErrFeeAlreadyCompleted = errors.New("fee already completed")
	ErrDuplicateReference  = errors.New("external reference already recorded")
	ErrInvalidWindow       = errors.New("availability window end must be after start")
	ErrInvalidReport       = errors.New("report is missing required fields")
	ErrInvalidSessionType  = errors.New("invalid session type")
	ErrInvalidFeeType      = errors.New("invalid fee type")
	ErrAppointmentBusy     = errors.New("appointment is being modified, please retry")
)
