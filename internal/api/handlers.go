package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/caregiver-scheduling/internal/appointment"
	"github.com/hackgods/caregiver-scheduling/internal/storage"
)

const maxUploadBytes = 10 << 20

// AttachmentStore is satisfied by *storage.AttachmentStore.
type AttachmentStore interface {
	Enabled() bool
	Put(ctx context.Context, up storage.Upload) (appointment.Attachment, error)
}

type Handler struct {
	svc         *appointment.Service
	attachments AttachmentStore
	validate    *validator.Validate
}

func NewHandler(svc *appointment.Service, attachments AttachmentStore) *Handler {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	return &Handler{svc: svc, attachments: attachments, validate: v}
}

// Slots

func (h *Handler) generateSlots(w http.ResponseWriter, r *http.Request) {
	caregiverID, ok := uuidParam(w, r, "id", "invalid_caregiver_id")
	if !ok {
		return
	}
	if !principal(r).canActAsCaregiver(caregiverID) {
		writeServiceError(w, r, appointment.ErrPermissionDenied)
		return
	}

	var req GenerateSlotsRequest
	if !h.decode(w, r, &req) {
		return
	}

	slots, err := h.svc.Slots.GenerateSlots(r.Context(), caregiverID,
		appointment.AvailabilityWindow{Start: req.Start, End: req.End}, req.DurationMinutes)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	items := make([]SlotResponse, 0, len(slots))
	for _, s := range slots {
		items = append(items, toSlotResponse(s))
	}
	writeJSON(w, http.StatusOK, ListResponse[SlotResponse]{Items: items})
}

func (h *Handler) listSlots(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := appointment.SlotFilter{}

	if v := q.Get("caregiver_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_caregiver_id", "caregiver_id must be a valid UUID")
			return
		}
		filter.CaregiverID = &id
	}
	if v := q.Get("date"); v != "" {
		d, err := time.Parse(time.DateOnly, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
			return
		}
		filter.Date = &d
	}
	if v := q.Get("status"); v != "" {
		s := appointment.SlotStatus(v)
		switch s {
		case appointment.SlotAvailable, appointment.SlotLocked, appointment.SlotBooked:
			filter.Status = &s
		default:
			writeError(w, http.StatusBadRequest, "invalid_status", "status must be available, locked or booked")
			return
		}
	}
	filter.Limit, filter.Offset = paging(q, 50, 500)

	slots, err := h.svc.Slots.ListSlots(r.Context(), filter)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	items := make([]SlotResponse, 0, len(slots))
	for _, s := range slots {
		items = append(items, toSlotResponse(s))
	}
	writeJSON(w, http.StatusOK, ListResponse[SlotResponse]{Items: items, Limit: filter.Limit, Offset: filter.Offset})
}

func (h *Handler) getSlot(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id", "invalid_slot_id")
	if !ok {
		return
	}
	slot, err := h.svc.Slots.GetSlot(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSlotResponse(*slot))
}

// Appointments

func (h *Handler) createAppointment(w http.ResponseWriter, r *http.Request) {
	var req CreateAppointmentRequest
	if !h.decode(w, r, &req) {
		return
	}

	// validated as uuids above
	in := appointment.CreateAppointmentInput{
		PatientID:   uuid.MustParse(req.PatientID),
		TimeSlotID:  uuid.MustParse(req.TimeSlotID),
		SpecialtyID: uuid.MustParse(req.SpecialtyID),
		SessionType: appointment.SessionType(req.SessionType),
		Notes:       req.Notes,
	}
	if !principal(r).canActAsPatient(in.PatientID) {
		writeServiceError(w, r, appointment.ErrPermissionDenied)
		return
	}

	appt, err := h.svc.Scheduler.CreateAppointment(r.Context(), in)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAppointmentResponse(appt))
}

func (h *Handler) listAppointments(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	q := r.URL.Query()

	patientID := p.Subject
	if v := q.Get("patient_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
			return
		}
		patientID = id
	} else if p.Role != RolePatient {
		writeError(w, http.StatusBadRequest, "missing_patient_id", "patient_id is required")
		return
	}
	if !p.canActAsPatient(patientID) {
		writeServiceError(w, r, appointment.ErrPermissionDenied)
		return
	}

	limit, offset := paging(q, 20, 100)
	appts, err := h.svc.Scheduler.ListAppointmentsByPatient(r.Context(), patientID, limit, offset)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	items := make([]AppointmentResponse, 0, len(appts))
	for i := range appts {
		items = append(items, toAppointmentResponse(&appts[i]))
	}
	writeJSON(w, http.StatusOK, ListResponse[AppointmentResponse]{Items: items, Limit: limit, Offset: offset})
}

func (h *Handler) getAppointment(w http.ResponseWriter, r *http.Request) {
	appt, ok := h.authorizedAppointment(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func (h *Handler) cancelAppointment(w http.ResponseWriter, r *http.Request) {
	appt, ok := h.authorizedAppointment(w, r)
	if !ok {
		return
	}

	var req CancelAppointmentRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "cancelled_by_" + string(principal(r).Role)
	}

	cancelled, err := h.svc.Scheduler.CancelAppointment(r.Context(), appt.ID, reason)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(cancelled))
}

// Reschedules

func (h *Handler) rescheduleAppointment(w http.ResponseWriter, r *http.Request) {
	appt, ok := h.authorizedAppointment(w, r)
	if !ok {
		return
	}

	var req RescheduleRequest
	if !h.decode(w, r, &req) {
		return
	}

	moved, err := h.svc.Reschedules.Reschedule(r.Context(), appt.ID, uuid.MustParse(req.TimeSlotID), req.Reason)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(moved))
}

type RescheduleHistoryResponse struct {
	Items     []RescheduleResponse `json:"items"`
	Remaining int                  `json:"remaining"`
	Eligible  bool                 `json:"eligible"`
	Reason    string               `json:"reason,omitempty"`
}

func (h *Handler) listReschedules(w http.ResponseWriter, r *http.Request) {
	appt, ok := h.authorizedAppointment(w, r)
	if !ok {
		return
	}

	history, err := h.svc.Reschedules.History(r.Context(), appt.ID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	resp := RescheduleHistoryResponse{Items: make([]RescheduleResponse, 0, len(history))}
	for _, rec := range history {
		resp.Items = append(resp.Items, toRescheduleResponse(rec))
	}

	remaining, err := h.svc.Reschedules.Eligibility(r.Context(), appt.ID)
	resp.Remaining = remaining
	switch {
	case err == nil:
		resp.Eligible = true
	case isPolicyError(err):
		_, resp.Reason = errorStatus(err)
	default:
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func isPolicyError(err error) bool {
	return errors.Is(err, appointment.ErrCutoffExceeded) ||
		errors.Is(err, appointment.ErrMaxReschedulesExceeded) ||
		errors.Is(err, appointment.ErrInvalidTransition)
}

// Payments

func (h *Handler) startCheckout(w http.ResponseWriter, r *http.Request) {
	appt, ok := h.authorizedAppointment(w, r)
	if !ok {
		return
	}
	if principal(r).Role == RoleCaregiver {
		writeServiceError(w, r, appointment.ErrPermissionDenied)
		return
	}

	var req CheckoutRequest
	if !h.decode(w, r, &req) {
		return
	}

	sess, txn, err := h.svc.Payments.InitiateCheckout(r.Context(), appt.ID, appointment.FeeType(req.FeeType))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, CheckoutResponse{
		ExternalReference: sess.ExternalReference,
		RedirectURL:       sess.RedirectURL,
		Transaction:       toTransactionResponse(txn),
	})
}

func (h *Handler) paymentSummary(w http.ResponseWriter, r *http.Request) {
	appt, ok := h.authorizedAppointment(w, r)
	if !ok {
		return
	}

	sum, err := h.svc.Payments.Summary(r.Context(), appt.ID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	resp := PaymentSummaryResponse{
		AppointmentID:    sum.AppointmentID,
		BookingFee:       sum.BookingFee.StringFixed(2),
		SessionFee:       sum.SessionFee.StringFixed(2),
		TotalCost:        sum.TotalCost.StringFixed(2),
		BookingFeeStatus: string(sum.BookingFeeStatus),
		SessionFeeStatus: string(sum.SessionFeeStatus),
		PaymentStatus:    string(sum.PaymentStatus),
		Transactions:     make([]TransactionResponse, 0, len(sum.Transactions)),
	}
	for i := range sum.Transactions {
		resp.Transactions = append(resp.Transactions, toTransactionResponse(&sum.Transactions[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) paymentWebhook(w http.ResponseWriter, r *http.Request) {
	var req PaymentWebhookRequest
	if !h.decode(w, r, &req) {
		return
	}

	var (
		txn *appointment.PaymentTransaction
		err error
	)
	switch req.Status {
	case "completed":
		if req.AppointmentID == "" || req.FeeType == "" {
			writeError(w, http.StatusBadRequest, "validation_failed", "appointment_id and fee_type are required for completed payments")
			return
		}
		txn, err = h.svc.Payments.CompleteFee(r.Context(), req.ExternalReference,
			uuid.MustParse(req.AppointmentID), appointment.FeeType(req.FeeType))
	case "failed":
		txn, err = h.svc.Payments.FailFee(r.Context(), req.ExternalReference)
	}
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionResponse(txn))
}

// Reports

func (h *Handler) uploadAttachment(w http.ResponseWriter, r *http.Request) {
	appt, ok := h.authorizedAppointment(w, r)
	if !ok {
		return
	}
	if principal(r).Role == RolePatient {
		writeServiceError(w, r, appointment.ErrPermissionDenied)
		return
	}
	if h.attachments == nil || !h.attachments.Enabled() {
		writeServiceError(w, r, storage.ErrStorageDisabled)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_upload", "expected multipart form with a file under 10MB")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_upload", "missing form field \"file\"")
		return
	}
	defer file.Close()

	att, err := h.attachments.Put(r.Context(), storage.Upload{
		AppointmentID: appt.ID,
		FileName:      header.Filename,
		ContentType:   header.Header.Get("Content-Type"),
		Size:          header.Size,
		Body:          file,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAttachmentResponse(att))
}

func (h *Handler) submitReport(w http.ResponseWriter, r *http.Request) {
	appt, ok := h.authorizedAppointment(w, r)
	if !ok {
		return
	}
	if principal(r).Role == RolePatient {
		writeServiceError(w, r, appointment.ErrPermissionDenied)
		return
	}

	var req SubmitReportRequest
	if !h.decode(w, r, &req) {
		return
	}

	in := appointment.ReportInput{
		Observations:  req.Observations,
		Interventions: req.Interventions,
		Vitals:        req.Vitals,
		PatientStatus: req.PatientStatus,
	}
	for _, a := range req.Attachments {
		in.Attachments = append(in.Attachments, appointment.Attachment{
			Key:         a.Key,
			FileName:    a.FileName,
			ContentType: a.ContentType,
			Size:        a.Size,
		})
	}

	report, err := h.svc.Reports.SubmitReport(r.Context(), appt.ID, in)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toReportResponse(report))
}

func (h *Handler) getReport(w http.ResponseWriter, r *http.Request) {
	appt, ok := h.authorizedAppointment(w, r)
	if !ok {
		return
	}
	report, err := h.svc.Reports.GetReport(r.Context(), appt.ID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReportResponse(report))
}

// helpers

func (h *Handler) authorizedAppointment(w http.ResponseWriter, r *http.Request) (*appointment.Appointment, bool) {
	id, ok := uuidParam(w, r, "id", "invalid_appointment_id")
	if !ok {
		return nil, false
	}
	appt, err := h.svc.Scheduler.GetAppointment(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return nil, false
	}
	if !principal(r).canAccessAppointment(appt) {
		writeServiceError(w, r, appointment.ErrPermissionDenied)
		return nil, false
	}
	return appt, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return false
	}
	return h.valid(w, dst)
}

// decodeOptional accepts an empty body.
func (h *Handler) decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(dst)
	if err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return false
	}
	return h.valid(w, dst)
}

func (h *Handler) valid(w http.ResponseWriter, dst any) bool {
	err := h.validate.Struct(dst)
	if err == nil {
		return true
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return false
	}
	fields := make([]FieldError, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, FieldError{Field: fe.Field(), Message: validationMessage(fe)})
	}
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "validation_failed", Fields: fields})
	return false
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "field is required"
	case "uuid":
		return "must be a valid UUID"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	}
	return "failed " + fe.Tag() + " validation"
}

func uuidParam(w http.ResponseWriter, r *http.Request, name, code string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, code, name+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func paging(q map[string][]string, def, maxLimit int) (limit, offset int) {
	get := func(key string) int {
		if vs := q[key]; len(vs) > 0 {
			if n, err := strconv.Atoi(vs[0]); err == nil {
				return n
			}
		}
		return 0
	}
	limit, offset = get("limit"), get("offset")
	if limit <= 0 {
		limit = def
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, appointment.ErrPatientNotFound):
		return http.StatusNotFound, "patient_not_found"
	case errors.Is(err, appointment.ErrCaregiverNotFound):
		return http.StatusNotFound, "caregiver_not_found"
	case errors.Is(err, appointment.ErrSpecialtyNotFound):
		return http.StatusNotFound, "specialty_not_found"
	case errors.Is(err, appointment.ErrSlotNotFound):
		return http.StatusNotFound, "slot_not_found"
	case errors.Is(err, appointment.ErrAppointmentNotFound):
		return http.StatusNotFound, "appointment_not_found"
	case errors.Is(err, appointment.ErrTransactionNotFound):
		return http.StatusNotFound, "transaction_not_found"
	case errors.Is(err, appointment.ErrReportNotFound):
		return http.StatusNotFound, "report_not_found"

	case errors.Is(err, appointment.ErrPermissionDenied):
		return http.StatusForbidden, "permission_denied"

	case errors.Is(err, appointment.ErrInvalidWindow):
		return http.StatusBadRequest, "invalid_window"
	case errors.Is(err, appointment.ErrInvalidReport):
		return http.StatusBadRequest, "invalid_report"
	case errors.Is(err, appointment.ErrInvalidSessionType):
		return http.StatusBadRequest, "invalid_session_type"
	case errors.Is(err, appointment.ErrInvalidFeeType):
		return http.StatusBadRequest, "invalid_fee_type"

	case errors.Is(err, appointment.ErrSlotUnavailable):
		return http.StatusConflict, "slot_unavailable"
	case errors.Is(err, appointment.ErrLockExpired):
		return http.StatusConflict, "lock_expired"
	case errors.Is(err, appointment.ErrInvalidTransition):
		return http.StatusConflict, "invalid_status_transition"
	case errors.Is(err, appointment.ErrReportExists):
		return http.StatusConflict, "report_exists"
	case errors.Is(err, appointment.ErrFeeAlreadyCompleted):
		return http.StatusConflict, "fee_already_completed"
	case errors.Is(err, appointment.ErrPaymentMismatch):
		return http.StatusConflict, "payment_mismatch"
	case errors.Is(err, appointment.ErrDuplicateReference):
		return http.StatusConflict, "duplicate_reference"
	case errors.Is(err, appointment.ErrAppointmentBusy):
		return http.StatusConflict, "appointment_busy"

	case errors.Is(err, appointment.ErrCutoffExceeded):
		return http.StatusUnprocessableEntity, "cutoff_exceeded"
	case errors.Is(err, appointment.ErrMaxReschedulesExceeded):
		return http.StatusUnprocessableEntity, "max_reschedules_exceeded"
	case errors.Is(err, appointment.ErrWrongCaregiver):
		return http.StatusUnprocessableEntity, "wrong_caregiver"
	case errors.Is(err, appointment.ErrPaymentIncomplete):
		return http.StatusUnprocessableEntity, "payment_incomplete"

	case errors.Is(err, storage.ErrStorageDisabled):
		return http.StatusServiceUnavailable, "attachments_disabled"
	}
	return http.StatusInternalServerError, "internal_error"
}

func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := errorStatus(err)
	if status == http.StatusInternalServerError {
		zerolog.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeError(w, status, code, "")
		return
	}
	writeError(w, status, code, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}
