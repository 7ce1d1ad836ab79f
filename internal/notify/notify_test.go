package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/caregiver-scheduling/internal/appointment"
)

type mockEmailSender struct {
	sent []EmailMessage
	err  error
}

func (m *mockEmailSender) Send(_ context.Context, msg EmailMessage) error {
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, msg)
	return nil
}

func sampleNotification(kind appointment.NotificationKind) appointment.Notification {
	return appointment.Notification{
		Kind:          kind,
		AppointmentID: uuid.MustParse("11111111-2222-3333-4444-555555555555"),
		PatientID:     uuid.New(),
		CaregiverID:   uuid.New(),
		PatientName:   "Pat",
		PatientEmail:  "pat@example.com",
		ScheduledDate: time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC),
	}
}

func TestEmailNotifierRendersByKind(t *testing.T) {
	sender := &mockEmailSender{}
	n := NewEmailNotifier(sender, "https://care.example.com/")

	require.NoError(t, n.Notify(context.Background(), sampleNotification(appointment.NotifyConfirmed)))

	cancelled := sampleNotification(appointment.NotifyCancelled)
	cancelled.Reason = "payment_timeout"
	require.NoError(t, n.Notify(context.Background(), cancelled))

	require.Len(t, sender.sent, 2)
	assert.Equal(t, "pat@example.com", sender.sent[0].To)
	assert.Equal(t, "Your session is confirmed", sender.sent[0].Subject)
	assert.Contains(t, sender.sent[0].Body, "Hello Pat")
	assert.Contains(t, sender.sent[0].Body, "https://care.example.com/appointments/11111111-2222-3333-4444-555555555555")
	assert.Contains(t, sender.sent[0].Body, "Tue 3 Mar 2026, 12:00 UTC")
	assert.Contains(t, sender.sent[1].Body, "Reason: payment_timeout.")
}

func TestEmailNotifierSkipsWithoutAddress(t *testing.T) {
	sender := &mockEmailSender{}
	note := sampleNotification(appointment.NotifyBooked)
	note.PatientEmail = ""

	require.NoError(t, NewEmailNotifier(sender, "").Notify(context.Background(), note))
	assert.Empty(t, sender.sent)
}

func TestNewSendGridSenderDisabledWithoutKey(t *testing.T) {
	assert.Nil(t, NewSendGridSender(SendGridConfig{}, zerolog.Nop()))
	assert.NotNil(t, NewSendGridSender(SendGridConfig{APIKey: "SG.test", FromEmail: "a@b.c"}, zerolog.Nop()))
}

func TestRedisPublisher(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()

	sub := client.Subscribe(ctx, "appointments")
	t.Cleanup(func() { _ = sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	note := sampleNotification(appointment.NotifyRescheduled)
	require.NoError(t, NewRedisPublisher(client, "appointments").Notify(ctx, note))

	select {
	case msg := <-sub.Channel():
		var got appointment.Notification
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
		assert.Equal(t, note.AppointmentID, got.AppointmentID)
		assert.Equal(t, appointment.NotifyRescheduled, got.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("no message published")
	}
}

func TestFanoutJoinsErrors(t *testing.T) {
	ok := &mockEmailSender{}
	bad := &mockEmailSender{err: errors.New("smtp down")}

	f := Fanout{
		NewEmailNotifier(bad, ""),
		NewEmailNotifier(ok, ""),
		NewLogNotifier(zerolog.Nop()),
	}
	err := f.Notify(context.Background(), sampleNotification(appointment.NotifyBooked))
	assert.ErrorContains(t, err, "smtp down")
	assert.Len(t, ok.sent, 1)
}

func TestBuildWiresConfiguredChannels(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	bare := Build(Config{Channel: "appointments"}, nil, zerolog.Nop())
	require.Len(t, bare, 1)
	assert.IsType(t, &LogNotifier{}, bare[0])

	full := Build(Config{
		SendGrid: SendGridConfig{APIKey: "SG.test", FromEmail: "care@example.com"},
		BaseURL:  "https://care.example.com",
		Channel:  "appointments",
	}, client, zerolog.Nop())
	require.Len(t, full, 3)
	assert.IsType(t, &LogNotifier{}, full[0])
	assert.IsType(t, &EmailNotifier{}, full[1])
	assert.IsType(t, &RedisPublisher{}, full[2])

	noChannel := Build(Config{}, client, zerolog.Nop())
	assert.Len(t, noChannel, 1)
}
