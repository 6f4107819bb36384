// internal/event/nats.go
// Package event publishes domain events to NATS JetStream.
// Series, lesson and subscription changes are streamed so downstream consumers
// (search indexing, analytics) can follow the catalogue without polling.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/team4edu/edu-backend-go/internal/metrics"
	"github.com/team4edu/edu-backend-go/internal/model"
	"github.com/team4edu/edu-backend-go/internal/telemetry"
)

// Event types, also used as JetStream subjects.
const (
	SeriesCreated       = "edu.series.created"
	SeriesDeleted       = "edu.series.deleted"
	LessonCreated       = "edu.lessons.created"
	SubscriptionChanged = "edu.subscriptions.changed"
)

// Publisher defines the domain events emitted by the services.
// Publishing is best-effort: callers log failures and carry on.
type Publisher interface {
	PublishSeriesCreated(ctx context.Context, series model.Series) error
	PublishSeriesDeleted(ctx context.Context, seriesID string) error
	PublishLessonCreated(ctx context.Context, lesson model.Lesson) error
	PublishSubscriptionChanged(ctx context.Context, change SubscriptionChange) error

	// Close closes the publisher connection
	Close() error
}

// SubscriptionChange is the payload of SubscriptionChanged.
type SubscriptionChange struct {
	SeriesID   string `json:"seriesId"`
	UserID     string `json:"userId"`
	Subscribed bool   `json:"subscribed"`
}

// EventEnvelope represents the standard event envelope structure.
type EventEnvelope struct {
	ID            string      `json:"id"`            // Unique event id, used as the JetStream msg id
	Type          string      `json:"type"`          // Event type identifier
	Version       string      `json:"version"`       // Event schema version
	OccurredAt    time.Time   `json:"occurredAt"`    // When the event occurred
	CorrelationID string      `json:"correlationId"` // Request correlation id
	Payload       interface{} `json:"payload"`       // Event-specific data
}

func envelope(ctx context.Context, typ string, payload interface{}) EventEnvelope {
	corr := telemetry.CorrelationID(ctx)
	if corr == "" {
		corr = uuid.NewString()
	}
	return EventEnvelope{
		ID:            uuid.NewString(),
		Type:          typ,
		Version:       "1.0.0",
		OccurredAt:    time.Now().UTC(),
		CorrelationID: corr,
		Payload:       payload,
	}
}

// sender is the single publish primitive each implementation provides.
type sender func(ctx context.Context, env EventEnvelope) error

// typed implements the Publisher methods over a sender.
type typed struct {
	send sender
}

func (t typed) PublishSeriesCreated(ctx context.Context, series model.Series) error {
	return t.send(ctx, envelope(ctx, SeriesCreated, series))
}

func (t typed) PublishSeriesDeleted(ctx context.Context, seriesID string) error {
	return t.send(ctx, envelope(ctx, SeriesDeleted, map[string]string{"seriesId": seriesID}))
}

func (t typed) PublishLessonCreated(ctx context.Context, lesson model.Lesson) error {
	return t.send(ctx, envelope(ctx, LessonCreated, lesson))
}

func (t typed) PublishSubscriptionChanged(ctx context.Context, change SubscriptionChange) error {
	return t.send(ctx, envelope(ctx, SubscriptionChanged, change))
}

// noop is used when NATS is not configured or unreachable.
type noop struct{ typed }

func (n *noop) Close() error { return nil }

// NewNoop returns a Publisher that drops every event.
func NewNoop() Publisher {
	return &noop{typed{send: func(context.Context, EventEnvelope) error { return nil }}}
}

// natsPub is the NATS JetStream implementation of Publisher.
type natsPub struct {
	typed
	nc *nats.Conn            // NATS connection
	js nats.JetStreamContext // JetStream context for stream operations
}

// NewPublisher connects to url and ensures the EDU_EVENTS stream exists.
// An empty url, or any connection failure, yields the no-op publisher so the
// service runs without event streaming.
// Parameters:
//   - url: NATS server URL, may be empty
//
// Returns:
//   - Publisher: Either a NATS publisher or a no-op publisher
func NewPublisher(url string) Publisher {
	if url == "" {
		return NewNoop()
	}

	nc, err := nats.Connect(url, nats.Name("edu-backend"))
	if err != nil {
		slog.Warn("NATS connect failed, using noop publisher", "error", err)
		return NewNoop()
	}

	js, err := nc.JetStream()
	if err != nil {
		slog.Warn("NATS JetStream context creation failed, using noop publisher", "error", err)
		nc.Close()
		return NewNoop()
	}

	if err := initStreams(js); err != nil {
		slog.Warn("NATS stream initialization failed, using noop publisher", "error", err)
		nc.Close()
		return NewNoop()
	}

	p := &natsPub{nc: nc, js: js}
	p.typed = typed{send: p.publish}
	return p
}

// initStreams creates the EDU_EVENTS stream if it does not exist yet.
func initStreams(js nats.JetStreamContext) error {
	if _, err := js.StreamInfo("EDU_EVENTS"); err == nil {
		return nil
	}
	_, err := js.AddStream(&nats.StreamConfig{
		Name:       "EDU_EVENTS",
		Subjects:   []string{"edu.>"},
		Retention:  nats.LimitsPolicy,
		MaxAge:     7 * 24 * time.Hour,
		Discard:    nats.DiscardOld,
		Storage:    nats.FileStorage,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("failed to create EDU_EVENTS stream: %w", err)
	}
	return nil
}

func (p *natsPub) publish(ctx context.Context, env EventEnvelope) error {
	start := time.Now()
	b, err := json.Marshal(env)
	if err == nil {
		// The msg id lets JetStream drop duplicates inside the stream's window
		_, err = p.js.Publish(env.Type, b, nats.MsgId(env.ID), nats.Context(ctx))
	}
	observe(env.Type, start, err)
	return err
}

// Close closes the NATS connection.
func (p *natsPub) Close() error {
	if p.nc != nil {
		p.nc.Close()
	}
	return nil
}

func observe(typ string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m := metrics.Get()
	m.EventPublishTotal.WithLabelValues(typ, status).Inc()
	m.EventPublishDuration.WithLabelValues(typ, status).Observe(time.Since(start).Seconds())
}

// Recorder keeps published envelopes in memory. Tests use it to assert on
// emitted events; FailWith makes every publish fail.
type Recorder struct {
	typed
	mu       sync.Mutex
	events   []EventEnvelope
	FailWith error
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	r := &Recorder{}
	r.typed = typed{send: r.record}
	return r
}

func (r *Recorder) record(_ context.Context, env EventEnvelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailWith != nil {
		return r.FailWith
	}
	r.events = append(r.events, env)
	return nil
}

// Types returns the types of the recorded events in publish order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

// Events returns a copy of the recorded envelopes.
func (r *Recorder) Events() []EventEnvelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]EventEnvelope(nil), r.events...)
}

func (r *Recorder) Close() error { return nil }
