package appointment

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	redisclient "github.com/hackgods/caregiver-scheduling/internal/redis"
)

func validReport() ReportInput {
	return ReportInput{
		Observations:  "Mobility improved, mild fatigue.",
		Interventions: "Assisted walking, stretching.",
		Vitals:        map[string]string{"bp": "120/80", "pulse": "72"},
		PatientStatus: "stable",
		Attachments:   []Attachment{{Key: "reports/a/chart.pdf", FileName: "chart.pdf", ContentType: "application/pdf", Size: 2048}},
	}
}

func TestSubmitReportCompletesSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	appt := f.confirmed(t, f.slots[0])

	_, err := f.svc.Reports.SubmitReport(ctx, appt.ID, validReport())
	require.ErrorIs(t, err, ErrPaymentIncomplete)
	_, err = f.svc.Reports.GetReport(ctx, appt.ID)
	require.ErrorIs(t, err, ErrReportNotFound)

	_, err = f.svc.Payments.CompleteFee(ctx, "ref-session", appt.ID, FeeSession)
	require.NoError(t, err)

	report, err := f.svc.Reports.SubmitReport(ctx, appt.ID, validReport())
	require.NoError(t, err)
	assert.Equal(t, appt.ID, report.AppointmentID)
	assert.Equal(t, "stable", report.PatientStatus)
	assert.Len(t, report.Attachments, 1)

	got := f.appointment(t, appt.ID)
	assert.Equal(t, StatusSessionAttended, got.Status)
	assert.Equal(t, FeeCompleted, got.PaymentStatus())

	_, err = f.svc.Reports.SubmitReport(ctx, appt.ID, validReport())
	assert.ErrorIs(t, err, ErrReportExists)

	stored, err := f.svc.Reports.GetReport(ctx, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, report.ID, stored.ID)

	// terminal now
	_, err = f.svc.Scheduler.CancelAppointment(ctx, appt.ID, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestSubmitReportPreconditions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pending := f.book(t, f.slots[0])
	_, err := f.svc.Scheduler.OnFeeCompleted(ctx, pending.ID, FeeSession)
	require.NoError(t, err)
	_, err = f.svc.Reports.SubmitReport(ctx, pending.ID, validReport())
	assert.ErrorIs(t, err, ErrInvalidTransition)

	paid := f.confirmed(t, f.slots[1])
	_, err = f.svc.Scheduler.OnFeeCompleted(ctx, paid.ID, FeeSession)
	require.NoError(t, err)

	bad := validReport()
	bad.Observations = "  "
	bad.PatientStatus = ""
	_, err = f.svc.Reports.SubmitReport(ctx, paid.ID, bad)
	require.ErrorIs(t, err, ErrInvalidReport)
	assert.ErrorContains(t, err, "observations, patient_status")

	// nothing persisted on failure
	assert.Equal(t, StatusSessionWaiting, f.appointment(t, paid.ID).Status)
	_, err = f.svc.Reports.GetReport(ctx, paid.ID)
	assert.ErrorIs(t, err, ErrReportNotFound)
}

func TestSubmitReportRollsBackTogether(t *testing.T) {
	cases := []struct {
		name  string
		store func(inner Store) *failingStore
	}{
		{
			name: "report insert fails",
			store: func(inner Store) *failingStore {
				return &failingStore{Store: inner, failReport: true, err: errors.New("disk full")}
			},
		},
		{
			name: "session completion fails",
			store: func(inner Store) *failingStore {
				return &failingStore{Store: inner, failUpdate: true, err: errors.New("connection reset")}
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			appt := f.confirmed(t, f.slots[0])
			_, err := f.svc.Scheduler.OnFeeCompleted(ctx, appt.ID, FeeSession)
			require.NoError(t, err)

			svc := NewService(tc.store(f.store), redisclient.NewLocalLocker(), DefaultPolicy(), WithClock(f.clock.Now))
			_, err = svc.Reports.SubmitReport(ctx, appt.ID, validReport())
			require.Error(t, err)

			assert.Equal(t, StatusSessionWaiting, f.appointment(t, appt.ID).Status)
			_, err = f.svc.Reports.GetReport(ctx, appt.ID)
			assert.ErrorIs(t, err, ErrReportNotFound)
			assert.Zero(t, countEvents(f.store, EventReportSubmitted))
			assert.Zero(t, countEvents(f.store, EventSessionAttended))

			// the healthy store accepts the same report afterwards
			_, err = f.svc.Reports.SubmitReport(ctx, appt.ID, validReport())
			require.NoError(t, err)
			assert.Equal(t, StatusSessionAttended, f.appointment(t, appt.ID).Status)
		})
	}
}
