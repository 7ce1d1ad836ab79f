package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	uniqueViolation      = "23505"
	serializationFailure = "40001"
	deadlockDetected     = "40P01"
)

// querier is satisfied by *pgxpool.Pool, pgx.Tx and pgxmock.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txStarter interface {
	querier
	Begin(ctx context.Context) (pgx.Tx, error)
}

type PgRepository struct {
	db querier
}

// PgStore runs units of work inside a Postgres transaction.
type PgStore struct {
	*PgRepository
	conn txStarter
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return newPgStoreWithConn(pool)
}

func newPgStoreWithConn(conn txStarter) *PgStore {
	return &PgStore{PgRepository: &PgRepository{db: conn}, conn: conn}
}

func (s *PgStore) InTx(ctx context.Context, fn func(ctx context.Context, repo Repository) error) error {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if err := fn(ctx, &PgRepository{db: tx}); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return errors.Join(asBusy(err), fmt.Errorf("rollback tx: %w", rbErr))
		}
		return asBusy(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return asBusy(fmt.Errorf("commit tx: %w", err))
	}
	return nil
}

// asBusy marks transactions Postgres aborted to break a lock cycle or a
// serialization conflict. Those are safe to retry as a whole.
func asBusy(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == deadlockDetected || pgErr.Code == serializationFailure) {
		return fmt.Errorf("%w: %w", ErrAppointmentBusy, err)
	}
	return err
}

// Helpers

const (
	patientColumns     = `id, name, email, created_at, updated_at`
	caregiverColumns   = `id, name, specialty_id, hourly_rate, created_at, updated_at`
	specialtyColumns   = `id, name, booking_fee, rate_multiplier, created_at, updated_at`
	slotColumns        = `id, caregiver_id, slot_date, start_time, end_time, duration_minutes, price, status, locked_until, lock_holder, appointment_id, created_at, updated_at`
	appointmentColumns = `id, patient_id, caregiver_id, specialty_id, time_slot_id, scheduled_date, session_type, status, booking_fee_status, session_fee_status, booking_fee, session_fee, reschedule_count, notes, cancel_reason, created_at, updated_at`
	transactionColumns = `id, appointment_id, payment_type, amount, status, external_reference, created_at, updated_at, completed_at`
	reportColumns      = `id, appointment_id, observations, interventions, vitals, patient_status, attachments, created_at`
	rescheduleColumns  = `id, appointment_id, from_slot_id, to_slot_id, from_date, to_date, reason, created_at`
)

func notFound(err error, sentinel error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return sentinel
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	if err := row.Scan(&p.ID, &p.Name, &p.Email, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, notFound(err, ErrPatientNotFound)
	}
	return &p, nil
}

func scanCaregiver(row pgx.Row) (*Caregiver, error) {
	var c Caregiver
	if err := row.Scan(&c.ID, &c.Name, &c.SpecialtyID, &c.HourlyRate, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, notFound(err, ErrCaregiverNotFound)
	}
	return &c, nil
}

func scanSpecialty(row pgx.Row) (*Specialty, error) {
	var s Specialty
	if err := row.Scan(&s.ID, &s.Name, &s.BookingFee, &s.RateMultiplier, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, notFound(err, ErrSpecialtyNotFound)
	}
	return &s, nil
}

func slotDest(s *TimeSlot) []any {
	return []any{
		&s.ID,
		&s.CaregiverID,
		&s.Date,
		&s.StartTime,
		&s.EndTime,
		&s.DurationMinutes,
		&s.Price,
		&s.Status,
		&s.LockedUntil,
		&s.LockHolder,
		&s.AppointmentID,
		&s.CreatedAt,
		&s.UpdatedAt,
	}
}

func scanSlot(row pgx.Row) (*TimeSlot, error) {
	var s TimeSlot
	if err := row.Scan(slotDest(&s)...); err != nil {
		return nil, notFound(err, ErrSlotNotFound)
	}
	return &s, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(
		&a.ID,
		&a.PatientID,
		&a.CaregiverID,
		&a.SpecialtyID,
		&a.TimeSlotID,
		&a.ScheduledDate,
		&a.SessionType,
		&a.Status,
		&a.BookingFeeStatus,
		&a.SessionFeeStatus,
		&a.BookingFee,
		&a.SessionFee,
		&a.RescheduleCount,
		&a.Notes,
		&a.CancelReason,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err, ErrAppointmentNotFound)
	}
	return &a, nil
}

func scanTransaction(row pgx.Row) (*PaymentTransaction, error) {
	var t PaymentTransaction
	err := row.Scan(
		&t.ID,
		&t.AppointmentID,
		&t.PaymentType,
		&t.Amount,
		&t.Status,
		&t.ExternalReference,
		&t.CreatedAt,
		&t.UpdatedAt,
		&t.CompletedAt,
	)
	if err != nil {
		return nil, notFound(err, ErrTransactionNotFound)
	}
	return &t, nil
}

func scanReport(row pgx.Row) (*CareSessionReport, error) {
	var r CareSessionReport
	var vitals, attachments []byte
	err := row.Scan(
		&r.ID,
		&r.AppointmentID,
		&r.Observations,
		&r.Interventions,
		&vitals,
		&r.PatientStatus,
		&attachments,
		&r.CreatedAt,
	)
	if err != nil {
		return nil, notFound(err, ErrReportNotFound)
	}
	if len(vitals) > 0 {
		if err := json.Unmarshal(vitals, &r.Vitals); err != nil {
			return nil, fmt.Errorf("decode vitals: %w", err)
		}
	}
	if len(attachments) > 0 {
		if err := json.Unmarshal(attachments, &r.Attachments); err != nil {
			return nil, fmt.Errorf("decode attachments: %w", err)
		}
	}
	return &r, nil
}

func collect[T any](rows pgx.Rows, scan func(pgx.Row) (*T, error)) ([]T, error) {
	defer rows.Close()

	var result []T
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Reference data

func (r *PgRepository) GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	row := r.db.QueryRow(ctx, `SELECT `+patientColumns+` FROM patients WHERE id = $1`, id)
	return scanPatient(row)
}

func (r *PgRepository) GetCaregiverByID(ctx context.Context, id uuid.UUID) (*Caregiver, error) {
	row := r.db.QueryRow(ctx, `SELECT `+caregiverColumns+` FROM caregivers WHERE id = $1`, id)
	return scanCaregiver(row)
}

func (r *PgRepository) GetSpecialtyByID(ctx context.Context, id uuid.UUID) (*Specialty, error) {
	row := r.db.QueryRow(ctx, `SELECT `+specialtyColumns+` FROM specialties WHERE id = $1`, id)
	return scanSpecialty(row)
}

func (r *PgRepository) CreatePatient(ctx context.Context, p *Patient) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	row := r.db.QueryRow(ctx, `
		INSERT INTO patients (id, name, email, created_at, updated_at)
		VALUES ($1, $2, $3, now(), now())
		RETURNING `+patientColumns, p.ID, p.Name, p.Email)
	created, err := scanPatient(row)
	if err != nil {
		return fmt.Errorf("insert patient: %w", err)
	}
	*p = *created
	return nil
}

func (r *PgRepository) CreateCaregiver(ctx context.Context, c *Caregiver) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	row := r.db.QueryRow(ctx, `
		INSERT INTO caregivers (id, name, specialty_id, hourly_rate, created_at, updated_at)
		VALUES ($1, $2, $3, $4, now(), now())
		RETURNING `+caregiverColumns, c.ID, c.Name, c.SpecialtyID, c.HourlyRate)
	created, err := scanCaregiver(row)
	if err != nil {
		return fmt.Errorf("insert caregiver: %w", err)
	}
	*c = *created
	return nil
}

func (r *PgRepository) CreateSpecialty(ctx context.Context, s *Specialty) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	row := r.db.QueryRow(ctx, `
		INSERT INTO specialties (id, name, booking_fee, rate_multiplier, created_at, updated_at)
		VALUES ($1, $2, $3, $4, now(), now())
		RETURNING `+specialtyColumns, s.ID, s.Name, s.BookingFee, s.RateMultiplier)
	created, err := scanSpecialty(row)
	if err != nil {
		return fmt.Errorf("insert specialty: %w", err)
	}
	*s = *created
	return nil
}

// Slots

func (r *PgRepository) GetSlotByID(ctx context.Context, id uuid.UUID) (*TimeSlot, error) {
	row := r.db.QueryRow(ctx, `SELECT `+slotColumns+` FROM time_slots WHERE id = $1`, id)
	return scanSlot(row)
}

func (r *PgRepository) ListSlots(ctx context.Context, filter SlotFilter, now time.Time) ([]TimeSlot, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.CaregiverID != nil {
		where = append(where, "caregiver_id = "+arg(*filter.CaregiverID))
	}
	if filter.Date != nil {
		where = append(where, "slot_date = "+arg(filter.Date.Format(time.DateOnly))+"::date")
	}
	if filter.Status != nil {
		switch *filter.Status {
		case SlotAvailable:
			where = append(where, "(status = 'available' OR (status = 'locked' AND locked_until <= "+arg(now)+"))")
		case SlotLocked:
			where = append(where, "status = 'locked' AND locked_until > "+arg(now))
		default:
			where = append(where, "status = "+arg(*filter.Status))
		}
	}

	query := `SELECT ` + slotColumns + ` FROM time_slots`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY start_time`
	if filter.Limit > 0 {
		query += ` LIMIT ` + arg(filter.Limit)
	}
	if filter.Offset > 0 {
		query += ` OFFSET ` + arg(filter.Offset)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}
	return collect(rows, scanSlot)
}

func (r *PgRepository) ListCaregiverSlotsBetween(ctx context.Context, caregiverID uuid.UUID, from, to time.Time) ([]TimeSlot, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+slotColumns+`
		FROM time_slots
		WHERE caregiver_id = $1
		  AND start_time < $3
		  AND end_time > $2
		ORDER BY start_time
	`, caregiverID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list caregiver slots: %w", err)
	}
	return collect(rows, scanSlot)
}

func (r *PgRepository) InsertSlot(ctx context.Context, slot *TimeSlot) (bool, error) {
	if slot.ID == uuid.Nil {
		slot.ID = uuid.New()
	}
	row := r.db.QueryRow(ctx, `
		INSERT INTO time_slots (id, caregiver_id, slot_date, start_time, end_time, duration_minutes, price, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'available', now(), now())
		ON CONFLICT (caregiver_id, start_time) DO NOTHING
		RETURNING `+slotColumns,
		slot.ID, slot.CaregiverID, slot.Date, slot.StartTime, slot.EndTime, slot.DurationMinutes, slot.Price)

	created, err := scanSlot(row)
	if errors.Is(err, ErrSlotNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert slot: %w", err)
	}
	*slot = *created
	return true, nil
}

// LockSlot is the compare-and-set at the heart of slot contention. The
// sub-select row-locks the slot and reports the holder being displaced when
// an expired lock is reclaimed.
func (r *PgRepository) LockSlot(ctx context.Context, id, holder uuid.UUID, now, until time.Time) (*TimeSlot, *uuid.UUID, error) {
	var s TimeSlot
	var prev *uuid.UUID

	dest := append(slotDest(&s), &prev)
	err := r.db.QueryRow(ctx, `
		UPDATE time_slots AS t
		SET status = 'locked',
		    lock_holder = $2,
		    locked_until = $4,
		    appointment_id = NULL,
		    updated_at = $3
		FROM (SELECT id, lock_holder FROM time_slots WHERE id = $1 FOR UPDATE) AS prev
		WHERE t.id = prev.id
		  AND (t.status = 'available' OR (t.status = 'locked' AND t.locked_until <= $3))
		RETURNING t.id, t.caregiver_id, t.slot_date, t.start_time, t.end_time, t.duration_minutes, t.price,
		          t.status, t.locked_until, t.lock_holder, t.appointment_id, t.created_at, t.updated_at,
		          prev.lock_holder
	`, id, holder, now, until).Scan(dest...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, r.slotMissing(ctx, id)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("lock slot: %w", err)
	}
	return &s, prev, nil
}

func (r *PgRepository) BookSlot(ctx context.Context, id, appointmentID uuid.UUID, now time.Time) (*TimeSlot, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE time_slots
		SET status = 'booked',
		    appointment_id = $2,
		    locked_until = NULL,
		    updated_at = $3
		WHERE id = $1
		  AND status = 'locked'
		  AND lock_holder = $2
		  AND locked_until > $3
		RETURNING `+slotColumns, id, appointmentID, now)
	return r.casResult(ctx, id, row, "book slot")
}

func (r *PgRepository) ReleaseSlot(ctx context.Context, id, holder uuid.UUID) (*TimeSlot, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE time_slots
		SET status = 'available',
		    lock_holder = NULL,
		    locked_until = NULL,
		    appointment_id = NULL,
		    updated_at = now()
		WHERE id = $1
		  AND status IN ('locked', 'booked')
		  AND (lock_holder = $2 OR appointment_id = $2)
		RETURNING `+slotColumns, id, holder)
	return r.casResult(ctx, id, row, "release slot")
}

func (r *PgRepository) ReleaseExpiredLock(ctx context.Context, id uuid.UUID, now time.Time) (*TimeSlot, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE time_slots
		SET status = 'available',
		    lock_holder = NULL,
		    locked_until = NULL,
		    appointment_id = NULL,
		    updated_at = now()
		WHERE id = $1
		  AND status = 'locked'
		  AND locked_until <= $2
		RETURNING `+slotColumns, id, now)
	return r.casResult(ctx, id, row, "release expired lock")
}

// casResult maps "no row updated" to (nil, nil) when the slot exists.
func (r *PgRepository) casResult(ctx context.Context, id uuid.UUID, row pgx.Row, op string) (*TimeSlot, error) {
	s, err := scanSlot(row)
	if errors.Is(err, ErrSlotNotFound) {
		return nil, r.slotMissing(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return s, nil
}

func (r *PgRepository) slotMissing(ctx context.Context, id uuid.UUID) error {
	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM time_slots WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check slot: %w", err)
	}
	if !exists {
		return ErrSlotNotFound
	}
	return nil
}

func (r *PgRepository) FindExpiredLocks(ctx context.Context, now time.Time, limit int) ([]TimeSlot, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+slotColumns+`
		FROM time_slots
		WHERE status = 'locked'
		  AND locked_until <= $1
		ORDER BY locked_until
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("find expired locks: %w", err)
	}
	return collect(rows, scanSlot)
}

// Appointments

func (r *PgRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.db.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = $1`, id)
	return scanAppointment(row)
}

func (r *PgRepository) GetAppointmentForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.db.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = $1 FOR UPDATE`, id)
	return scanAppointment(row)
}

func (r *PgRepository) CreateAppointment(ctx context.Context, a *Appointment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	row := r.db.QueryRow(ctx, `
		INSERT INTO appointments (id, patient_id, caregiver_id, specialty_id, time_slot_id, scheduled_date, session_type,
		                          status, booking_fee_status, session_fee_status, booking_fee, session_fee,
		                          reschedule_count, notes, cancel_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, now(), now())
		RETURNING `+appointmentColumns,
		a.ID, a.PatientID, a.CaregiverID, a.SpecialtyID, a.TimeSlotID, a.ScheduledDate, a.SessionType,
		a.Status, a.BookingFeeStatus, a.SessionFeeStatus, a.BookingFee, a.SessionFee,
		a.RescheduleCount, a.Notes, a.CancelReason)

	created, err := scanAppointment(row)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrSlotUnavailable
		}
		return fmt.Errorf("insert appointment: %w", err)
	}
	*a = *created
	return nil
}

func (r *PgRepository) UpdateAppointment(ctx context.Context, a *Appointment, expected Status) error {
	row := r.db.QueryRow(ctx, `
		UPDATE appointments
		SET time_slot_id = $2,
		    scheduled_date = $3,
		    status = $4,
		    booking_fee_status = $5,
		    session_fee_status = $6,
		    reschedule_count = $7,
		    notes = $8,
		    cancel_reason = $9,
		    updated_at = now()
		WHERE id = $1
		  AND status = $10
		RETURNING `+appointmentColumns,
		a.ID, a.TimeSlotID, a.ScheduledDate, a.Status, a.BookingFeeStatus, a.SessionFeeStatus,
		a.RescheduleCount, a.Notes, a.CancelReason, expected)

	updated, err := scanAppointment(row)
	if errors.Is(err, ErrAppointmentNotFound) {
		return ErrInvalidTransition
	}
	if err != nil {
		if isUniqueViolation(err) {
			return ErrSlotUnavailable
		}
		return fmt.Errorf("update appointment: %w", err)
	}
	*a = *updated
	return nil
}

func (r *PgRepository) ListAppointmentsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE patient_id = $1
		ORDER BY scheduled_date DESC
		LIMIT $2 OFFSET $3
	`, patientID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list appointments by patient: %w", err)
	}
	return collect(rows, scanAppointment)
}

// Payments

func (r *PgRepository) GetTransactionByReference(ctx context.Context, ref string) (*PaymentTransaction, error) {
	row := r.db.QueryRow(ctx, `SELECT `+transactionColumns+` FROM payment_transactions WHERE external_reference = $1`, ref)
	return scanTransaction(row)
}

func (r *PgRepository) ListTransactions(ctx context.Context, appointmentID uuid.UUID) ([]PaymentTransaction, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+transactionColumns+`
		FROM payment_transactions
		WHERE appointment_id = $1
		ORDER BY created_at
	`, appointmentID)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	return collect(rows, scanTransaction)
}

func (r *PgRepository) CreateTransaction(ctx context.Context, t *PaymentTransaction) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	row := r.db.QueryRow(ctx, `
		INSERT INTO payment_transactions (id, appointment_id, payment_type, amount, status, external_reference, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now(), now())
		RETURNING `+transactionColumns,
		t.ID, t.AppointmentID, t.PaymentType, t.Amount, t.Status, t.ExternalReference)

	created, err := scanTransaction(row)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateReference
		}
		return fmt.Errorf("insert payment transaction: %w", err)
	}
	*t = *created
	return nil
}

func (r *PgRepository) UpdateTransactionStatus(ctx context.Context, id uuid.UUID, from, to TransactionStatus, now time.Time) (*PaymentTransaction, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE payment_transactions
		SET status = $3,
		    updated_at = $4,
		    completed_at = CASE WHEN $3 = 'completed' THEN $4 ELSE completed_at END
		WHERE id = $1
		  AND status = $2
		RETURNING `+transactionColumns, id, from, to, now)

	t, err := scanTransaction(row)
	if errors.Is(err, ErrTransactionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("update payment transaction: %w", err)
	}
	return t, nil
}

// Reports

func (r *PgRepository) GetReportByAppointment(ctx context.Context, appointmentID uuid.UUID) (*CareSessionReport, error) {
	row := r.db.QueryRow(ctx, `SELECT `+reportColumns+` FROM care_session_reports WHERE appointment_id = $1`, appointmentID)
	return scanReport(row)
}

func (r *PgRepository) CreateReport(ctx context.Context, rep *CareSessionReport) error {
	if rep.ID == uuid.Nil {
		rep.ID = uuid.New()
	}
	vitals, err := json.Marshal(rep.Vitals)
	if err != nil {
		return fmt.Errorf("encode vitals: %w", err)
	}
	attachments, err := json.Marshal(rep.Attachments)
	if err != nil {
		return fmt.Errorf("encode attachments: %w", err)
	}

	row := r.db.QueryRow(ctx, `
		INSERT INTO care_session_reports (id, appointment_id, observations, interventions, vitals, patient_status, attachments, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		RETURNING `+reportColumns,
		rep.ID, rep.AppointmentID, rep.Observations, rep.Interventions, vitals, rep.PatientStatus, attachments)

	created, err := scanReport(row)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrReportExists
		}
		return fmt.Errorf("insert report: %w", err)
	}
	*rep = *created
	return nil
}

// History

func (r *PgRepository) InsertReschedule(ctx context.Context, rec *RescheduleRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO reschedule_history (id, appointment_id, from_slot_id, to_slot_id, from_date, to_date, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, COALESCE($8, now()))
	`, rec.ID, rec.AppointmentID, rec.FromSlotID, rec.ToSlotID, rec.FromDate, rec.ToDate, rec.Reason, nullableTime(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert reschedule history: %w", err)
	}
	return nil
}

func (r *PgRepository) ListReschedules(ctx context.Context, appointmentID uuid.UUID) ([]RescheduleRecord, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+rescheduleColumns+`
		FROM reschedule_history
		WHERE appointment_id = $1
		ORDER BY created_at
	`, appointmentID)
	if err != nil {
		return nil, fmt.Errorf("list reschedules: %w", err)
	}
	return collect(rows, func(row pgx.Row) (*RescheduleRecord, error) {
		var rec RescheduleRecord
		err := row.Scan(&rec.ID, &rec.AppointmentID, &rec.FromSlotID, &rec.ToSlotID, &rec.FromDate, &rec.ToDate, &rec.Reason, &rec.CreatedAt)
		if err != nil {
			return nil, err
		}
		return &rec, nil
	})
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.AppointmentID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}
	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
