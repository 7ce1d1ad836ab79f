package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hackgods/caregiver-scheduling/internal/appointment"
)

// RedisPublisher publishes notifications as JSON on a pub/sub channel for
// downstream consumers (SMS, push, dashboards).
type RedisPublisher struct {
	client  redis.Cmdable
	channel string
}

func NewRedisPublisher(client redis.Cmdable, channel string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel}
}

func (p *RedisPublisher) Notify(ctx context.Context, note appointment.Notification) error {
	data, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

// LogNotifier only logs. Used when no delivery channel is configured.
type LogNotifier struct {
	log zerolog.Logger
}

func NewLogNotifier(log zerolog.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Notify(_ context.Context, note appointment.Notification) error {
	n.log.Info().
		Str("kind", string(note.Kind)).
		Str("appointment_id", note.AppointmentID.String()).
		Time("scheduled_date", note.ScheduledDate).
		Msg("notification")
	return nil
}

// Fanout delivers to every notifier and joins their errors.
type Fanout []appointment.Notifier

func (f Fanout) Notify(ctx context.Context, note appointment.Notification) error {
	var errs []error
	for _, n := range f {
		if err := n.Notify(ctx, note); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type Config struct {
	SendGrid SendGridConfig
	BaseURL  string
	// Channel enables the Redis publisher when a client is also given.
	Channel string
}

// Build assembles the notifier every binary uses: a log line always, email
// when SendGrid is configured, and a pub/sub message when rdb and a channel
// are set.
func Build(cfg Config, rdb *redis.Client, log zerolog.Logger) Fanout {
	notifiers := Fanout{NewLogNotifier(log)}
	if sender := NewSendGridSender(cfg.SendGrid, log); sender != nil {
		notifiers = append(notifiers, NewEmailNotifier(sender, cfg.BaseURL))
	}
	if rdb != nil && cfg.Channel != "" {
		notifiers = append(notifiers, NewRedisPublisher(rdb, cfg.Channel))
	}
	return notifiers
}
