package appointment

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type SlotStatus string

const (
	SlotAvailable SlotStatus = "available"
	SlotLocked    SlotStatus = "locked"
	SlotBooked    SlotStatus = "booked"
)

type SessionType string

const (
	SessionInPerson       SessionType = "in_person"
	SessionTeleconference SessionType = "teleconference"
)

func (t SessionType) Valid() bool {
	switch t {
	case SessionInPerson, SessionTeleconference:
		return true
	}
	return false
}

type FeeType string

const (
	FeeBooking FeeType = "booking_fee"
	FeeSession FeeType = "session_fee"
)

func (t FeeType) Valid() bool {
	switch t {
	case FeeBooking, FeeSession:
		return true
	}
	return false
}

type FeeStatus string

const (
	FeePending   FeeStatus = "pending"
	FeeCompleted FeeStatus = "completed"
)

type TransactionStatus string

const (
	TransactionPending   TransactionStatus = "pending"
	TransactionCompleted TransactionStatus = "completed"
	TransactionFailed    TransactionStatus = "failed"
	TransactionRefunded  TransactionStatus = "refunded"
)

type Patient struct {
	ID        uuid.UUID
	Name      string
	Email     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Caregiver struct {
	ID          uuid.UUID
	Name        string
	SpecialtyID *uuid.UUID
	HourlyRate  decimal.Decimal
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Specialty prices a booking: a flat booking fee plus a multiplier applied to
// the slot price to obtain the session fee.
type Specialty struct {
	ID             uuid.UUID
	Name           string
	BookingFee     decimal.Decimal
	RateMultiplier decimal.Decimal
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type AvailabilityWindow struct {
	Start time.Time
	End   time.Time
}

type TimeSlot struct {
	ID              uuid.UUID
	CaregiverID     uuid.UUID
	Date            time.Time
	StartTime       time.Time
	EndTime         time.Time
	DurationMinutes int
	Price           decimal.Decimal
	Status          SlotStatus
	LockedUntil     *time.Time
	LockHolder      *uuid.UUID
	AppointmentID   *uuid.UUID
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// LockExpired reports whether the slot carries a lock whose lease has lapsed.
func (s TimeSlot) LockExpired(now time.Time) bool {
	return s.Status == SlotLocked && (s.LockedUntil == nil || !s.LockedUntil.After(now))
}

// EffectiveStatus is the status callers should act on: a lapsed lock reads as available.
func (s TimeSlot) EffectiveStatus(now time.Time) SlotStatus {
	if s.LockExpired(now) {
		return SlotAvailable
	}
	return s.Status
}

func (s TimeSlot) heldBy(holder uuid.UUID) bool {
	if s.LockHolder != nil && *s.LockHolder == holder {
		return true
	}
	return s.AppointmentID != nil && *s.AppointmentID == holder
}

type SlotFilter struct {
	CaregiverID *uuid.UUID
	Date        *time.Time
	Status      *SlotStatus
	Limit       int
	Offset      int
}

type Appointment struct {
	ID               uuid.UUID
	PatientID        uuid.UUID
	CaregiverID      uuid.UUID
	SpecialtyID      uuid.UUID
	TimeSlotID       uuid.UUID
	ScheduledDate    time.Time
	SessionType      SessionType
	Status           Status
	BookingFeeStatus FeeStatus
	SessionFeeStatus FeeStatus
	BookingFee       decimal.Decimal
	SessionFee       decimal.Decimal
	RescheduleCount  int
	Notes            string
	CancelReason     *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (a Appointment) TotalCost() decimal.Decimal {
	return a.BookingFee.Add(a.SessionFee)
}

func (a Appointment) FeeStatus(t FeeType) FeeStatus {
	if t == FeeSession {
		return a.SessionFeeStatus
	}
	return a.BookingFeeStatus
}

func (a Appointment) FeeAmount(t FeeType) decimal.Decimal {
	if t == FeeSession {
		return a.SessionFee
	}
	return a.BookingFee
}

// PaymentStatus is completed only once both fee tracks are completed.
func (a Appointment) PaymentStatus() FeeStatus {
	if a.BookingFeeStatus == FeeCompleted && a.SessionFeeStatus == FeeCompleted {
		return FeeCompleted
	}
	return FeePending
}

func (a *Appointment) setFeeStatus(t FeeType, s FeeStatus) {
	if t == FeeSession {
		a.SessionFeeStatus = s
		return
	}
	a.BookingFeeStatus = s
}

type PaymentTransaction struct {
	ID                uuid.UUID
	AppointmentID     uuid.UUID
	PaymentType       FeeType
	Amount            decimal.Decimal
	Status            TransactionStatus
	ExternalReference string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	CompletedAt       *time.Time
}

type Attachment struct {
	Key         string `json:"key"`
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

type CareSessionReport struct {
	ID            uuid.UUID
	AppointmentID uuid.UUID
	Observations  string
	Interventions string
	Vitals        map[string]string
	PatientStatus string
	Attachments   []Attachment
	CreatedAt     time.Time
}

type RescheduleRecord struct {
	ID            uuid.UUID
	AppointmentID uuid.UUID
	FromSlotID    uuid.UUID
	ToSlotID      uuid.UUID
	FromDate      time.Time
	ToDate        time.Time
	Reason        string
	CreatedAt     time.Time
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}

type PaymentSummary struct {
	AppointmentID    uuid.UUID
	BookingFee       decimal.Decimal
	SessionFee       decimal.Decimal
	TotalCost        decimal.Decimal
	BookingFeeStatus FeeStatus
	SessionFeeStatus FeeStatus
	PaymentStatus    FeeStatus
	Transactions     []PaymentTransaction
}
