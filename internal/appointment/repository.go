package appointment

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository contains all row-level store interactions needed by the core.
// Slot mutations are compare-and-set statements: a failed precondition yields
// (nil, nil) for LockSlot/BookSlot/ReleaseSlot so callers can tell contention
// apart from I/O errors.
type Repository interface {
	// Reference data
	GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetCaregiverByID(ctx context.Context, id uuid.UUID) (*Caregiver, error)
	GetSpecialtyByID(ctx context.Context, id uuid.UUID) (*Specialty, error)
	CreatePatient(ctx context.Context, p *Patient) error
	CreateCaregiver(ctx context.Context, c *Caregiver) error
	CreateSpecialty(ctx context.Context, s *Specialty) error

	// Slots
	GetSlotByID(ctx context.Context, id uuid.UUID) (*TimeSlot, error)
	ListSlots(ctx context.Context, filter SlotFilter, now time.Time) ([]TimeSlot, error)
	ListCaregiverSlotsBetween(ctx context.Context, caregiverID uuid.UUID, from, to time.Time) ([]TimeSlot, error)
	InsertSlot(ctx context.Context, slot *TimeSlot) (bool, error)
	LockSlot(ctx context.Context, id, holder uuid.UUID, now, until time.Time) (slot *TimeSlot, previousHolder *uuid.UUID, err error)
	BookSlot(ctx context.Context, id, appointmentID uuid.UUID, now time.Time) (*TimeSlot, error)
	ReleaseSlot(ctx context.Context, id, holder uuid.UUID) (*TimeSlot, error)
	ReleaseExpiredLock(ctx context.Context, id uuid.UUID, now time.Time) (*TimeSlot, error)
	FindExpiredLocks(ctx context.Context, now time.Time, limit int) ([]TimeSlot, error)

	// Appointments
	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	// GetAppointmentForUpdate row-locks the appointment for the rest of the transaction.
	GetAppointmentForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error)
	CreateAppointment(ctx context.Context, a *Appointment) error
	UpdateAppointment(ctx context.Context, a *Appointment, expected Status) error
	ListAppointmentsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error)

	// Payments
	GetTransactionByReference(ctx context.Context, ref string) (*PaymentTransaction, error)
	ListTransactions(ctx context.Context, appointmentID uuid.UUID) ([]PaymentTransaction, error)
	CreateTransaction(ctx context.Context, t *PaymentTransaction) error
	UpdateTransactionStatus(ctx context.Context, id uuid.UUID, from, to TransactionStatus, now time.Time) (*PaymentTransaction, error)

	// Reports
	GetReportByAppointment(ctx context.Context, appointmentID uuid.UUID) (*CareSessionReport, error)
	CreateReport(ctx context.Context, r *CareSessionReport) error

	// History
	InsertReschedule(ctx context.Context, rec *RescheduleRecord) error
	ListReschedules(ctx context.Context, appointmentID uuid.UUID) ([]RescheduleRecord, error)
	InsertEvent(ctx context.Context, ev EventLog) error
}

// Store is a Repository that can run a unit of work atomically. The function
// passed to InTx must use only the Repository it receives.
type Store interface {
	Repository
	InTx(ctx context.Context, fn func(ctx context.Context, repo Repository) error) error
}
