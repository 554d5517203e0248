package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

const (
	// StreamName is the JetStream stream holding settlement events.
	StreamName = "POOL_EVENTS"
	// SubjectPrefix roots every event subject: pool.events.<type>.<asset>.
	SubjectPrefix = "pool.events"
)

// streamPublisher is the part of jetstream.JetStream the publisher uses.
type streamPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// NATSPublisher publishes events to JetStream. The event id is used as the
// message id so redelivered publishes are deduplicated by the stream.
type NATSPublisher struct {
	js streamPublisher
}

// NewNATSPublisher creates a publisher on js.
func NewNATSPublisher(js streamPublisher) *NATSPublisher {
	return &NATSPublisher{js: js}
}

// Subject returns the subject an event is published on.
func Subject(ev Event) string {
	return fmt.Sprintf("%s.%s.%s", SubjectPrefix, ev.Type, strings.ToLower(ev.Asset.Hex()))
}

func (p *NATSPublisher) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := p.js.Publish(ctx, Subject(ev), data, jetstream.WithMsgID(ev.ID)); err != nil {
		return fmt.Errorf("publish %s: %w", Subject(ev), err)
	}
	return nil
}

// EnsureStream creates or updates the settlement events stream.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{SubjectPrefix + ".>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     7 * 24 * time.Hour,
		Duplicates: 2 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create events stream: %w", err)
	}
	slog.Info("ensured events stream", "stream", StreamName)
	return nil
}
