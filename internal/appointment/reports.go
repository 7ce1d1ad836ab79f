package appointment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

type ReportInput struct {
	Observations  string
	Interventions string
	Vitals        map[string]string
	PatientStatus string
	Attachments   []Attachment
}

func (in ReportInput) validate() error {
	var missing []string
	if strings.TrimSpace(in.Observations) == "" {
		missing = append(missing, "observations")
	}
	if strings.TrimSpace(in.PatientStatus) == "" {
		missing = append(missing, "patient_status")
	}
	for i, a := range in.Attachments {
		if a.Key == "" {
			missing = append(missing, fmt.Sprintf("attachments[%d].key", i))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidReport, strings.Join(missing, ", "))
	}
	return nil
}

// ReportGate accepts the single care session report of an appointment and
// completes the session with it.
type ReportGate struct {
	*deps
	scheduler *Scheduler
}

// SubmitReport stores the report and marks the appointment session_attended
// in one transaction.
func (g *ReportGate) SubmitReport(ctx context.Context, appointmentID uuid.UUID, in ReportInput) (report *CareSessionReport, err error) {
	ctx, span := g.startSpan(ctx, "reports.submit", attribute.String("appointment.id", appointmentID.String()))
	defer func() { endSpan(span, err) }()

	err = g.withAppointmentLock(ctx, appointmentID, func(ctx context.Context) error {
		return g.store.InTx(ctx, func(ctx context.Context, repo Repository) error {
			appt, err := repo.GetAppointmentForUpdate(ctx, appointmentID)
			if err != nil {
				return err
			}

			_, err = repo.GetReportByAppointment(ctx, appointmentID)
			if err == nil {
				return ErrReportExists
			}
			if !errors.Is(err, ErrReportNotFound) {
				return err
			}

			if appt.Status != StatusSessionWaiting {
				return fmt.Errorf("%w: report on %s appointment", ErrInvalidTransition, appt.Status)
			}
			if appt.PaymentStatus() != FeeCompleted {
				return ErrPaymentIncomplete
			}
			if err := in.validate(); err != nil {
				return err
			}

			report = &CareSessionReport{
				AppointmentID: appt.ID,
				Observations:  strings.TrimSpace(in.Observations),
				Interventions: strings.TrimSpace(in.Interventions),
				Vitals:        in.Vitals,
				PatientStatus: strings.TrimSpace(in.PatientStatus),
				Attachments:   in.Attachments,
				CreatedAt:     g.clock(),
			}
			if err := repo.CreateReport(ctx, report); err != nil {
				return err
			}
			if err := g.logEvent(ctx, repo, appt.ID, EventReportSubmitted, map[string]any{
				"report_id":   report.ID.String(),
				"attachments": len(report.Attachments),
			}); err != nil {
				return err
			}
			return g.scheduler.completeSession(ctx, repo, appt)
		})
	})
	if err != nil {
		return nil, err
	}

	g.log.Info().
		Str("appointment_id", appointmentID.String()).
		Str("report_id", report.ID.String()).
		Msg("care session report submitted")
	return report, nil
}

func (g *ReportGate) GetReport(ctx context.Context, appointmentID uuid.UUID) (*CareSessionReport, error) {
	return g.store.GetReportByAppointment(ctx, appointmentID)
}
