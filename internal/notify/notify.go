// Package notify manages per-series notification topics: creating and deleting
// them, email subscriptions, and broadcasting messages to confirmed subscribers.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/team4edu/edu-backend-go/internal/metrics"
)

// ErrTopicNotFound is returned when a topic id does not resolve to a topic.
var ErrTopicNotFound = errors.New("topic not found")

// ProtocolEmail is the only subscription protocol the backend uses.
const ProtocolEmail = "email"

// Subscriber is one subscription entry listed on a topic.
type Subscriber struct {
	SubscriptionID string // Empty while the subscription awaits confirmation
	Protocol       string
	Endpoint       string // Email address for ProtocolEmail
	Pending        bool   // The recipient has not confirmed yet
}

// TopicService is the pub/sub notification service.
type TopicService interface {
	// CreateTopic creates (or returns the existing) topic called name.
	CreateTopic(ctx context.Context, name string) (string, error)
	// DeleteTopic removes a topic. Deleting a missing topic succeeds.
	DeleteTopic(ctx context.Context, topicID string) error
	// SubscribeEmail requests an email subscription. The recipient must confirm
	// before messages are delivered.
	SubscribeEmail(ctx context.Context, topicID, email string) error
	// ListSubscribers returns every subscription on the topic, following pagination.
	ListSubscribers(ctx context.Context, topicID string) ([]Subscriber, error)
	// Unsubscribe removes a confirmed subscription.
	Unsubscribe(ctx context.Context, subscriptionID string) error
	// Publish broadcasts a message to confirmed subscribers.
	Publish(ctx context.Context, topicID, subject, body string) error
}

// TopicName returns the topic name used for a series.
func TopicName(seriesID string) string { return "serie_" + seriesID }

// observe records the outcome and duration of a topic service call.
func observe(op string, start time.Time, err error) {
	m := metrics.Get()
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.TopicOps.WithLabelValues(op, status).Inc()
	m.TopicOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
