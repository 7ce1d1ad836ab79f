package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/caregiver-scheduling/internal/appointment"
)

// Requests

type GenerateSlotsRequest struct {
	Start           time.Time `json:"start" validate:"required"`
	End             time.Time `json:"end" validate:"required"`
	DurationMinutes int       `json:"duration_minutes" validate:"omitempty,min=15,max=720"`
}

type CreateAppointmentRequest struct {
	PatientID   string `json:"patient_id" validate:"required,uuid"`
	TimeSlotID  string `json:"time_slot_id" validate:"required,uuid"`
	SpecialtyID string `json:"specialty_id" validate:"required,uuid"`
	SessionType string `json:"session_type" validate:"required,oneof=in_person teleconference"`
	Notes       string `json:"notes" validate:"max=2000"`
}

type CancelAppointmentRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

type RescheduleRequest struct {
	TimeSlotID string `json:"time_slot_id" validate:"required,uuid"`
	Reason     string `json:"reason" validate:"max=500"`
}

type CheckoutRequest struct {
	FeeType string `json:"fee_type" validate:"required,oneof=booking_fee session_fee"`
}

// SubmitReportRequest leaves required-field checks to the report gate so the
// status and payment checks are reported first.
type SubmitReportRequest struct {
	Observations  string               `json:"observations" validate:"max=10000"`
	Interventions string               `json:"interventions" validate:"max=10000"`
	Vitals        map[string]string    `json:"vitals"`
	PatientStatus string               `json:"patient_status" validate:"max=200"`
	Attachments   []AttachmentResponse `json:"attachments" validate:"max=20"`
}

type PaymentWebhookRequest struct {
	ExternalReference string `json:"external_reference" validate:"required,max=255"`
	AppointmentID     string `json:"appointment_id" validate:"omitempty,uuid"`
	FeeType           string `json:"fee_type" validate:"omitempty,oneof=booking_fee session_fee"`
	Status            string `json:"status" validate:"required,oneof=completed failed"`
}

// Responses

type SlotResponse struct {
	ID              uuid.UUID  `json:"id"`
	CaregiverID     uuid.UUID  `json:"caregiver_id"`
	Date            string     `json:"date"`
	StartTime       time.Time  `json:"start_time"`
	EndTime         time.Time  `json:"end_time"`
	DurationMinutes int        `json:"duration_minutes"`
	Price           string     `json:"price"`
	Status          string     `json:"status"`
	LockedUntil     *time.Time `json:"locked_until,omitempty"`
	AppointmentID   *uuid.UUID `json:"appointment_id,omitempty"`
}

type AppointmentResponse struct {
	ID               uuid.UUID `json:"id"`
	PatientID        uuid.UUID `json:"patient_id"`
	CaregiverID      uuid.UUID `json:"caregiver_id"`
	SpecialtyID      uuid.UUID `json:"specialty_id"`
	TimeSlotID       uuid.UUID `json:"time_slot_id"`
	ScheduledDate    time.Time `json:"scheduled_date"`
	SessionType      string    `json:"session_type"`
	Status           string    `json:"status"`
	BookingFee       string    `json:"booking_fee"`
	SessionFee       string    `json:"session_fee"`
	TotalCost        string    `json:"total_cost"`
	BookingFeeStatus string    `json:"booking_fee_status"`
	SessionFeeStatus string    `json:"session_fee_status"`
	PaymentStatus    string    `json:"payment_status"`
	RescheduleCount  int       `json:"reschedule_count"`
	Notes            string    `json:"notes,omitempty"`
	CancelReason     *string   `json:"cancel_reason,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

type RescheduleResponse struct {
	ID         uuid.UUID `json:"id"`
	FromSlotID uuid.UUID `json:"from_slot_id"`
	ToSlotID   uuid.UUID `json:"to_slot_id"`
	FromDate   time.Time `json:"from_date"`
	ToDate     time.Time `json:"to_date"`
	Reason     string    `json:"reason,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type CheckoutResponse struct {
	ExternalReference string              `json:"external_reference"`
	RedirectURL       string              `json:"redirect_url"`
	Transaction       TransactionResponse `json:"transaction"`
}

type TransactionResponse struct {
	ID                uuid.UUID  `json:"id"`
	AppointmentID     uuid.UUID  `json:"appointment_id"`
	PaymentType       string     `json:"payment_type"`
	Amount            string     `json:"amount"`
	Status            string     `json:"status"`
	ExternalReference string     `json:"external_reference"`
	CreatedAt         time.Time  `json:"created_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

type PaymentSummaryResponse struct {
	AppointmentID    uuid.UUID             `json:"appointment_id"`
	BookingFee       string                `json:"booking_fee"`
	SessionFee       string                `json:"session_fee"`
	TotalCost        string                `json:"total_cost"`
	BookingFeeStatus string                `json:"booking_fee_status"`
	SessionFeeStatus string                `json:"session_fee_status"`
	PaymentStatus    string                `json:"payment_status"`
	Transactions     []TransactionResponse `json:"transactions"`
}

type AttachmentResponse struct {
	Key         string `json:"key"`
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

type ReportResponse struct {
	ID            uuid.UUID            `json:"id"`
	AppointmentID uuid.UUID            `json:"appointment_id"`
	Observations  string               `json:"observations"`
	Interventions string               `json:"interventions,omitempty"`
	Vitals        map[string]string    `json:"vitals,omitempty"`
	PatientStatus string               `json:"patient_status"`
	Attachments   []AttachmentResponse `json:"attachments"`
	CreatedAt     time.Time            `json:"created_at"`
}

type ErrorResponse struct {
	Error   string       `json:"error"`
	Details string       `json:"details,omitempty"`
	Fields  []FieldError `json:"fields,omitempty"`
}

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type ListResponse[T any] struct {
	Items  []T `json:"items"`
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

func toSlotResponse(s appointment.TimeSlot) SlotResponse {
	return SlotResponse{
		ID:              s.ID,
		CaregiverID:     s.CaregiverID,
		Date:            s.Date.Format(time.DateOnly),
		StartTime:       s.StartTime,
		EndTime:         s.EndTime,
		DurationMinutes: s.DurationMinutes,
		Price:           s.Price.StringFixed(2),
		Status:          string(s.Status),
		LockedUntil:     s.LockedUntil,
		AppointmentID:   s.AppointmentID,
	}
}

func toAppointmentResponse(a *appointment.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:               a.ID,
		PatientID:        a.PatientID,
		CaregiverID:      a.CaregiverID,
		SpecialtyID:      a.SpecialtyID,
		TimeSlotID:       a.TimeSlotID,
		ScheduledDate:    a.ScheduledDate,
		SessionType:      string(a.SessionType),
		Status:           string(a.Status),
		BookingFee:       a.BookingFee.StringFixed(2),
		SessionFee:       a.SessionFee.StringFixed(2),
		TotalCost:        a.TotalCost().StringFixed(2),
		BookingFeeStatus: string(a.BookingFeeStatus),
		SessionFeeStatus: string(a.SessionFeeStatus),
		PaymentStatus:    string(a.PaymentStatus()),
		RescheduleCount:  a.RescheduleCount,
		Notes:            a.Notes,
		CancelReason:     a.CancelReason,
		CreatedAt:        a.CreatedAt,
		UpdatedAt:        a.UpdatedAt,
	}
}

func toTransactionResponse(t *appointment.PaymentTransaction) TransactionResponse {
	return TransactionResponse{
		ID:                t.ID,
		AppointmentID:     t.AppointmentID,
		PaymentType:       string(t.PaymentType),
		Amount:            t.Amount.StringFixed(2),
		Status:            string(t.Status),
		ExternalReference: t.ExternalReference,
		CreatedAt:         t.CreatedAt,
		CompletedAt:       t.CompletedAt,
	}
}

func toAttachmentResponse(a appointment.Attachment) AttachmentResponse {
	return AttachmentResponse{Key: a.Key, FileName: a.FileName, ContentType: a.ContentType, Size: a.Size}
}

func toReportResponse(r *appointment.CareSessionReport) ReportResponse {
	attachments := make([]AttachmentResponse, 0, len(r.Attachments))
	for _, a := range r.Attachments {
		attachments = append(attachments, toAttachmentResponse(a))
	}
	return ReportResponse{
		ID:            r.ID,
		AppointmentID: r.AppointmentID,
		Observations:  r.Observations,
		Interventions: r.Interventions,
		Vitals:        r.Vitals,
		PatientStatus: r.PatientStatus,
		Attachments:   attachments,
		CreatedAt:     r.CreatedAt,
	}
}

func toRescheduleResponse(r appointment.RescheduleRecord) RescheduleResponse {
	return RescheduleResponse{
		ID:         r.ID,
		FromSlotID: r.FromSlotID,
		ToSlotID:   r.ToSlotID,
		FromDate:   r.FromDate,
		ToDate:     r.ToDate,
		Reason:     r.Reason,
		CreatedAt:  r.CreatedAt,
	}
}
