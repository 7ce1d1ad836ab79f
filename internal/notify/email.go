package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/hackgods/caregiver-scheduling/internal/appointment"
)

// EmailSender defines the interface for sending emails.
type EmailSender interface {
	Send(ctx context.Context, msg EmailMessage) error
}

type EmailMessage struct {
	To      string
	ToName  string
	Subject string
	Body    string
}

// SendGridSender sends emails via the SendGrid API.
type SendGridSender struct {
	client    *sendgrid.Client
	fromEmail string
	fromName  string
	log       zerolog.Logger
}

type SendGridConfig struct {
	APIKey    string
	FromEmail string
	FromName  string
}

// NewSendGridSender returns nil when no API key is configured.
func NewSendGridSender(cfg SendGridConfig, log zerolog.Logger) *SendGridSender {
	if cfg.APIKey == "" {
		return nil
	}
	return &SendGridSender{
		client:    sendgrid.NewSendClient(cfg.APIKey),
		fromEmail: cfg.FromEmail,
		fromName:  cfg.FromName,
		log:       log,
	}
}

func (s *SendGridSender) Send(ctx context.Context, msg EmailMessage) error {
	from := mail.NewEmail(s.fromName, s.fromEmail)
	to := mail.NewEmail(msg.ToName, msg.To)
	message := mail.NewSingleEmail(from, msg.Subject, to, msg.Body, "")

	response, err := s.client.SendWithContext(ctx, message)
	if err != nil {
		return fmt.Errorf("notify: sendgrid send failed: %w", err)
	}
	if response.StatusCode >= 400 {
		return fmt.Errorf("notify: sendgrid returned status %d", response.StatusCode)
	}

	s.log.Debug().
		Str("to", msg.To).
		Str("subject", msg.Subject).
		Int("status", response.StatusCode).
		Msg("email sent via sendgrid")
	return nil
}

// EmailNotifier turns booking notifications into patient emails.
type EmailNotifier struct {
	sender  EmailSender
	baseURL string
}

func NewEmailNotifier(sender EmailSender, baseURL string) *EmailNotifier {
	return &EmailNotifier{sender: sender, baseURL: strings.TrimRight(baseURL, "/")}
}

func (n *EmailNotifier) Notify(ctx context.Context, note appointment.Notification) error {
	if note.PatientEmail == "" {
		return nil
	}
	subject, body := render(note, n.baseURL)
	return n.sender.Send(ctx, EmailMessage{
		To:      note.PatientEmail,
		ToName:  note.PatientName,
		Subject: subject,
		Body:    body,
	})
}

func render(note appointment.Notification, baseURL string) (subject, body string) {
	when := note.ScheduledDate.UTC().Format("Mon 2 Jan 2006, 15:04 MST")
	link := fmt.Sprintf("%s/appointments/%s", baseURL, note.AppointmentID)

	switch note.Kind {
	case appointment.NotifyBooked:
		subject = "Complete your booking"
		body = fmt.Sprintf("Your session on %s is reserved. Pay the booking fee to confirm it: %s", when, link)
	case appointment.NotifyConfirmed:
		subject = "Your session is confirmed"
		body = fmt.Sprintf("Your care session on %s is confirmed. Details: %s", when, link)
	case appointment.NotifyRescheduled:
		subject = "Your session was rescheduled"
		body = fmt.Sprintf("Your care session now takes place on %s. Details: %s", when, link)
	case appointment.NotifyCancelled:
		subject = "Your session was cancelled"
		body = fmt.Sprintf("Your care session on %s was cancelled.", when)
		if note.Reason != "" {
			body += " Reason: " + note.Reason + "."
		}
	default:
		subject = "Appointment update"
		body = fmt.Sprintf("Your appointment on %s was updated: %s", when, link)
	}

	greeting := "Hello"
	if note.PatientName != "" {
		greeting += " " + note.PatientName
	}
	return subject, greeting + ",\n\n" + body + "\n"
}
