package appointment

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps all state in process. Transactions are serialized and run
// against a copy of the data that replaces the live copy only on success, so a
// failed unit of work leaves nothing behind. Single reads share a read lock
// and never copy.
type MemoryStore struct {
	mu   sync.RWMutex
	data *memoryData
}

type memoryData struct {
	patients     map[uuid.UUID]Patient
	caregivers   map[uuid.UUID]Caregiver
	specialties  map[uuid.UUID]Specialty
	slots        map[uuid.UUID]TimeSlot
	appointments map[uuid.UUID]Appointment
	transactions map[uuid.UUID]PaymentTransaction
	txByRef      map[string]uuid.UUID
	reports      map[uuid.UUID]CareSessionReport
	reschedules  []RescheduleRecord
	events       []EventLog
	nextEventID  int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: &memoryData{
		patients:     map[uuid.UUID]Patient{},
		caregivers:   map[uuid.UUID]Caregiver{},
		specialties:  map[uuid.UUID]Specialty{},
		slots:        map[uuid.UUID]TimeSlot{},
		appointments: map[uuid.UUID]Appointment{},
		transactions: map[uuid.UUID]PaymentTransaction{},
		txByRef:      map[string]uuid.UUID{},
		reports:      map[uuid.UUID]CareSessionReport{},
	}}
}

func cloneMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (d *memoryData) clone() *memoryData {
	return &memoryData{
		patients:     cloneMap(d.patients),
		caregivers:   cloneMap(d.caregivers),
		specialties:  cloneMap(d.specialties),
		slots:        cloneMap(d.slots),
		appointments: cloneMap(d.appointments),
		transactions: cloneMap(d.transactions),
		txByRef:      cloneMap(d.txByRef),
		reports:      cloneMap(d.reports),
		reschedules:  append([]RescheduleRecord(nil), d.reschedules...),
		events:       append([]EventLog(nil), d.events...),
		nextEventID:  d.nextEventID,
	}
}

func (m *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context, repo Repository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	work := m.data.clone()
	if err := fn(ctx, &memoryRepo{data: work}); err != nil {
		return err
	}
	m.data = work
	return nil
}

// Events returns a copy of the event log.
func (m *MemoryStore) Events() []EventLog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]EventLog(nil), m.data.events...)
}

// read runs a single read-only repository call against the live data.
func read[T any](m *MemoryStore, fn func(r *memoryRepo) (T, error)) (T, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(&memoryRepo{data: m.data})
}

// autocommit runs a single repository call as its own transaction.
func autocommit[T any](m *MemoryStore, fn func(r *memoryRepo) (T, error)) (T, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	work := m.data.clone()
	out, err := fn(&memoryRepo{data: work})
	if err == nil {
		m.data = work
	}
	return out, err
}

func (m *MemoryStore) GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return read(m, func(r *memoryRepo) (*Patient, error) { return r.GetPatientByID(ctx, id) })
}

func (m *MemoryStore) GetCaregiverByID(ctx context.Context, id uuid.UUID) (*Caregiver, error) {
	return read(m, func(r *memoryRepo) (*Caregiver, error) { return r.GetCaregiverByID(ctx, id) })
}

func (m *MemoryStore) GetSpecialtyByID(ctx context.Context, id uuid.UUID) (*Specialty, error) {
	return read(m, func(r *memoryRepo) (*Specialty, error) { return r.GetSpecialtyByID(ctx, id) })
}

func (m *MemoryStore) CreatePatient(ctx context.Context, p *Patient) error {
	_, err := autocommit(m, func(r *memoryRepo) (struct{}, error) { return struct{}{}, r.CreatePatient(ctx, p) })
	return err
}

func (m *MemoryStore) CreateCaregiver(ctx context.Context, c *Caregiver) error {
	_, err := autocommit(m, func(r *memoryRepo) (struct{}, error) { return struct{}{}, r.CreateCaregiver(ctx, c) })
	return err
}

func (m *MemoryStore) CreateSpecialty(ctx context.Context, s *Specialty) error {
	_, err := autocommit(m, func(r *memoryRepo) (struct{}, error) { return struct{}{}, r.CreateSpecialty(ctx, s) })
	return err
}

func (m *MemoryStore) GetSlotByID(ctx context.Context, id uuid.UUID) (*TimeSlot, error) {
	return read(m, func(r *memoryRepo) (*TimeSlot, error) { return r.GetSlotByID(ctx, id) })
}

func (m *MemoryStore) ListSlots(ctx context.Context, filter SlotFilter, now time.Time) ([]TimeSlot, error) {
	return read(m, func(r *memoryRepo) ([]TimeSlot, error) { return r.ListSlots(ctx, filter, now) })
}

func (m *MemoryStore) ListCaregiverSlotsBetween(ctx context.Context, caregiverID uuid.UUID, from, to time.Time) ([]TimeSlot, error) {
	return read(m, func(r *memoryRepo) ([]TimeSlot, error) {
		return r.ListCaregiverSlotsBetween(ctx, caregiverID, from, to)
	})
}

func (m *MemoryStore) InsertSlot(ctx context.Context, slot *TimeSlot) (bool, error) {
	return autocommit(m, func(r *memoryRepo) (bool, error) { return r.InsertSlot(ctx, slot) })
}

func (m *MemoryStore) LockSlot(ctx context.Context, id, holder uuid.UUID, now, until time.Time) (*TimeSlot, *uuid.UUID, error) {
	type result struct {
		slot *TimeSlot
		prev *uuid.UUID
	}
	res, err := autocommit(m, func(r *memoryRepo) (result, error) {
		s, p, err := r.LockSlot(ctx, id, holder, now, until)
		return result{s, p}, err
	})
	return res.slot, res.prev, err
}

func (m *MemoryStore) BookSlot(ctx context.Context, id, appointmentID uuid.UUID, now time.Time) (*TimeSlot, error) {
	return autocommit(m, func(r *memoryRepo) (*TimeSlot, error) { return r.BookSlot(ctx, id, appointmentID, now) })
}

func (m *MemoryStore) ReleaseSlot(ctx context.Context, id, holder uuid.UUID) (*TimeSlot, error) {
	return autocommit(m, func(r *memoryRepo) (*TimeSlot, error) { return r.ReleaseSlot(ctx, id, holder) })
}

func (m *MemoryStore) ReleaseExpiredLock(ctx context.Context, id uuid.UUID, now time.Time) (*TimeSlot, error) {
	return autocommit(m, func(r *memoryRepo) (*TimeSlot, error) { return r.ReleaseExpiredLock(ctx, id, now) })
}

func (m *MemoryStore) FindExpiredLocks(ctx context.Context, now time.Time, limit int) ([]TimeSlot, error) {
	return read(m, func(r *memoryRepo) ([]TimeSlot, error) { return r.FindExpiredLocks(ctx, now, limit) })
}

func (m *MemoryStore) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return read(m, func(r *memoryRepo) (*Appointment, error) { return r.GetAppointmentByID(ctx, id) })
}

func (m *MemoryStore) GetAppointmentForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return m.GetAppointmentByID(ctx, id)
}

func (m *MemoryStore) CreateAppointment(ctx context.Context, a *Appointment) error {
	_, err := autocommit(m, func(r *memoryRepo) (struct{}, error) { return struct{}{}, r.CreateAppointment(ctx, a) })
	return err
}

func (m *MemoryStore) UpdateAppointment(ctx context.Context, a *Appointment, expected Status) error {
	_, err := autocommit(m, func(r *memoryRepo) (struct{}, error) {
		return struct{}{}, r.UpdateAppointment(ctx, a, expected)
	})
	return err
}

func (m *MemoryStore) ListAppointmentsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error) {
	return read(m, func(r *memoryRepo) ([]Appointment, error) {
		return r.ListAppointmentsByPatient(ctx, patientID, limit, offset)
	})
}

func (m *MemoryStore) GetTransactionByReference(ctx context.Context, ref string) (*PaymentTransaction, error) {
	return read(m, func(r *memoryRepo) (*PaymentTransaction, error) { return r.GetTransactionByReference(ctx, ref) })
}

func (m *MemoryStore) ListTransactions(ctx context.Context, appointmentID uuid.UUID) ([]PaymentTransaction, error) {
	return read(m, func(r *memoryRepo) ([]PaymentTransaction, error) { return r.ListTransactions(ctx, appointmentID) })
}

func (m *MemoryStore) CreateTransaction(ctx context.Context, t *PaymentTransaction) error {
	_, err := autocommit(m, func(r *memoryRepo) (struct{}, error) { return struct{}{}, r.CreateTransaction(ctx, t) })
	return err
}

func (m *MemoryStore) UpdateTransactionStatus(ctx context.Context, id uuid.UUID, from, to TransactionStatus, now time.Time) (*PaymentTransaction, error) {
	return autocommit(m, func(r *memoryRepo) (*PaymentTransaction, error) {
		return r.UpdateTransactionStatus(ctx, id, from, to, now)
	})
}

func (m *MemoryStore) GetReportByAppointment(ctx context.Context, appointmentID uuid.UUID) (*CareSessionReport, error) {
	return read(m, func(r *memoryRepo) (*CareSessionReport, error) { return r.GetReportByAppointment(ctx, appointmentID) })
}

func (m *MemoryStore) CreateReport(ctx context.Context, rep *CareSessionReport) error {
	_, err := autocommit(m, func(r *memoryRepo) (struct{}, error) { return struct{}{}, r.CreateReport(ctx, rep) })
	return err
}

func (m *MemoryStore) InsertReschedule(ctx context.Context, rec *RescheduleRecord) error {
	_, err := autocommit(m, func(r *memoryRepo) (struct{}, error) { return struct{}{}, r.InsertReschedule(ctx, rec) })
	return err
}

func (m *MemoryStore) ListReschedules(ctx context.Context, appointmentID uuid.UUID) ([]RescheduleRecord, error) {
	return read(m, func(r *memoryRepo) ([]RescheduleRecord, error) { return r.ListReschedules(ctx, appointmentID) })
}

func (m *MemoryStore) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := autocommit(m, func(r *memoryRepo) (struct{}, error) { return struct{}{}, r.InsertEvent(ctx, ev) })
	return err
}

// memoryRepo operates on one transaction's working copy.
type memoryRepo struct {
	data *memoryData
}

func (r *memoryRepo) GetPatientByID(_ context.Context, id uuid.UUID) (*Patient, error) {
	p, ok := r.data.patients[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	return &p, nil
}

func (r *memoryRepo) GetCaregiverByID(_ context.Context, id uuid.UUID) (*Caregiver, error) {
	c, ok := r.data.caregivers[id]
	if !ok {
		return nil, ErrCaregiverNotFound
	}
	return &c, nil
}

func (r *memoryRepo) GetSpecialtyByID(_ context.Context, id uuid.UUID) (*Specialty, error) {
	s, ok := r.data.specialties[id]
	if !ok {
		return nil, ErrSpecialtyNotFound
	}
	return &s, nil
}

func (r *memoryRepo) CreatePatient(_ context.Context, p *Patient) error {
	stamp(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	r.data.patients[p.ID] = *p
	return nil
}

func (r *memoryRepo) CreateCaregiver(_ context.Context, c *Caregiver) error {
	stamp(&c.ID, &c.CreatedAt, &c.UpdatedAt)
	r.data.caregivers[c.ID] = *c
	return nil
}

func (r *memoryRepo) CreateSpecialty(_ context.Context, s *Specialty) error {
	stamp(&s.ID, &s.CreatedAt, &s.UpdatedAt)
	r.data.specialties[s.ID] = *s
	return nil
}

func stamp(id *uuid.UUID, created, updated *time.Time) {
	if *id == uuid.Nil {
		*id = uuid.New()
	}
	now := time.Now().UTC()
	if created.IsZero() {
		*created = now
	}
	*updated = now
}

func (r *memoryRepo) GetSlotByID(_ context.Context, id uuid.UUID) (*TimeSlot, error) {
	s, ok := r.data.slots[id]
	if !ok {
		return nil, ErrSlotNotFound
	}
	return &s, nil
}

func (r *memoryRepo) ListSlots(_ context.Context, filter SlotFilter, now time.Time) ([]TimeSlot, error) {
	var out []TimeSlot
	for _, s := range r.data.slots {
		if filter.CaregiverID != nil && s.CaregiverID != *filter.CaregiverID {
			continue
		}
		if filter.Date != nil && !sameDate(s.Date, *filter.Date) {
			continue
		}
		if filter.Status != nil && s.EffectiveStatus(now) != *filter.Status {
			continue
		}
		out = append(out, s)
	}
	sortSlots(out)
	return paginate(out, filter.Limit, filter.Offset), nil
}

func (r *memoryRepo) ListCaregiverSlotsBetween(_ context.Context, caregiverID uuid.UUID, from, to time.Time) ([]TimeSlot, error) {
	var out []TimeSlot
	for _, s := range r.data.slots {
		if s.CaregiverID == caregiverID && s.StartTime.Before(to) && s.EndTime.After(from) {
			out = append(out, s)
		}
	}
	sortSlots(out)
	return out, nil
}

func (r *memoryRepo) InsertSlot(_ context.Context, slot *TimeSlot) (bool, error) {
	for _, s := range r.data.slots {
		if s.CaregiverID == slot.CaregiverID && s.StartTime.Equal(slot.StartTime) {
			return false, nil
		}
	}
	stamp(&slot.ID, &slot.CreatedAt, &slot.UpdatedAt)
	r.data.slots[slot.ID] = *slot
	return true, nil
}

func (r *memoryRepo) LockSlot(_ context.Context, id, holder uuid.UUID, now, until time.Time) (*TimeSlot, *uuid.UUID, error) {
	s, ok := r.data.slots[id]
	if !ok {
		return nil, nil, ErrSlotNotFound
	}
	if s.Status != SlotAvailable && !s.LockExpired(now) {
		return nil, nil, nil
	}
	prev := s.LockHolder
	h, u := holder, until
	s.Status = SlotLocked
	s.LockHolder = &h
	s.LockedUntil = &u
	s.AppointmentID = nil
	s.UpdatedAt = now
	r.data.slots[id] = s
	return &s, prev, nil
}

func (r *memoryRepo) BookSlot(_ context.Context, id, appointmentID uuid.UUID, now time.Time) (*TimeSlot, error) {
	s, ok := r.data.slots[id]
	if !ok {
		return nil, ErrSlotNotFound
	}
	if s.Status != SlotLocked || s.LockExpired(now) || s.LockHolder == nil || *s.LockHolder != appointmentID {
		return nil, nil
	}
	a := appointmentID
	s.Status = SlotBooked
	s.AppointmentID = &a
	s.LockedUntil = nil
	s.UpdatedAt = now
	r.data.slots[id] = s
	return &s, nil
}

func (r *memoryRepo) ReleaseSlot(_ context.Context, id, holder uuid.UUID) (*TimeSlot, error) {
	s, ok := r.data.slots[id]
	if !ok {
		return nil, ErrSlotNotFound
	}
	if s.Status == SlotAvailable || !s.heldBy(holder) {
		return nil, nil
	}
	resetSlot(&s)
	r.data.slots[id] = s
	return &s, nil
}

func (r *memoryRepo) ReleaseExpiredLock(_ context.Context, id uuid.UUID, now time.Time) (*TimeSlot, error) {
	s, ok := r.data.slots[id]
	if !ok {
		return nil, ErrSlotNotFound
	}
	if !s.LockExpired(now) {
		return nil, nil
	}
	resetSlot(&s)
	r.data.slots[id] = s
	return &s, nil
}

func resetSlot(s *TimeSlot) {
	s.Status = SlotAvailable
	s.LockHolder = nil
	s.LockedUntil = nil
	s.AppointmentID = nil
	s.UpdatedAt = time.Now().UTC()
}

func (r *memoryRepo) FindExpiredLocks(_ context.Context, now time.Time, limit int) ([]TimeSlot, error) {
	var out []TimeSlot
	for _, s := range r.data.slots {
		if s.LockExpired(now) {
			out = append(out, s)
		}
	}
	sortSlots(out)
	return paginate(out, limit, 0), nil
}

func (r *memoryRepo) GetAppointmentByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	a, ok := r.data.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return &a, nil
}

func (r *memoryRepo) GetAppointmentForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return r.GetAppointmentByID(ctx, id)
}

func (r *memoryRepo) CreateAppointment(_ context.Context, a *Appointment) error {
	stamp(&a.ID, &a.CreatedAt, &a.UpdatedAt)
	r.data.appointments[a.ID] = *a
	return nil
}

func (r *memoryRepo) UpdateAppointment(_ context.Context, a *Appointment, expected Status) error {
	cur, ok := r.data.appointments[a.ID]
	if !ok {
		return ErrAppointmentNotFound
	}
	if cur.Status != expected {
		return ErrInvalidTransition
	}
	a.UpdatedAt = time.Now().UTC()
	r.data.appointments[a.ID] = *a
	return nil
}

func (r *memoryRepo) ListAppointmentsByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error) {
	var out []Appointment
	for _, a := range r.data.appointments {
		if a.PatientID == patientID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledDate.After(out[j].ScheduledDate) })
	return paginate(out, limit, offset), nil
}

func (r *memoryRepo) GetTransactionByReference(_ context.Context, ref string) (*PaymentTransaction, error) {
	id, ok := r.data.txByRef[ref]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	t := r.data.transactions[id]
	return &t, nil
}

func (r *memoryRepo) ListTransactions(_ context.Context, appointmentID uuid.UUID) ([]PaymentTransaction, error) {
	var out []PaymentTransaction
	for _, t := range r.data.transactions {
		if t.AppointmentID == appointmentID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *memoryRepo) CreateTransaction(_ context.Context, t *PaymentTransaction) error {
	if _, exists := r.data.txByRef[t.ExternalReference]; exists {
		return ErrDuplicateReference
	}
	stamp(&t.ID, &t.CreatedAt, &t.UpdatedAt)
	r.data.transactions[t.ID] = *t
	r.data.txByRef[t.ExternalReference] = t.ID
	return nil
}

func (r *memoryRepo) UpdateTransactionStatus(_ context.Context, id uuid.UUID, from, to TransactionStatus, now time.Time) (*PaymentTransaction, error) {
	t, ok := r.data.transactions[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	if t.Status != from {
		return nil, nil
	}
	t.Status = to
	t.UpdatedAt = now
	if to == TransactionCompleted {
		n := now
		t.CompletedAt = &n
	}
	r.data.transactions[id] = t
	return &t, nil
}

func (r *memoryRepo) GetReportByAppointment(_ context.Context, appointmentID uuid.UUID) (*CareSessionReport, error) {
	rep, ok := r.data.reports[appointmentID]
	if !ok {
		return nil, ErrReportNotFound
	}
	return &rep, nil
}

func (r *memoryRepo) CreateReport(_ context.Context, rep *CareSessionReport) error {
	if _, exists := r.data.reports[rep.AppointmentID]; exists {
		return ErrReportExists
	}
	if rep.ID == uuid.Nil {
		rep.ID = uuid.New()
	}
	if rep.CreatedAt.IsZero() {
		rep.CreatedAt = time.Now().UTC()
	}
	r.data.reports[rep.AppointmentID] = *rep
	return nil
}

func (r *memoryRepo) InsertReschedule(_ context.Context, rec *RescheduleRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	r.data.reschedules = append(r.data.reschedules, *rec)
	return nil
}

func (r *memoryRepo) ListReschedules(_ context.Context, appointmentID uuid.UUID) ([]RescheduleRecord, error) {
	var out []RescheduleRecord
	for _, rec := range r.data.reschedules {
		if rec.AppointmentID == appointmentID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r *memoryRepo) InsertEvent(_ context.Context, ev EventLog) error {
	r.data.nextEventID++
	ev.ID = r.data.nextEventID
	r.data.events = append(r.data.events, ev)
	return nil
}

func sortSlots(s []TimeSlot) {
	sort.Slice(s, func(i, j int) bool { return s[i].StartTime.Before(s[j].StartTime) })
}

func sameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func paginate[T any](in []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(in) {
			return nil
		}
		in = in[offset:]
	}
	if limit > 0 && limit < len(in) {
		in = in[:limit]
	}
	return in
}
