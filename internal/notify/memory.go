package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Message is a notification delivered by the in-memory topic service.
type Message struct {
	TopicID    string
	Subject    string
	Body       string
	Recipients []string // Confirmed email endpoints at publish time
}

type memTopic struct {
	name string
	subs []Subscriber
}

// Memory is an in-process TopicService. Subscriptions start pending unless
// AutoConfirm is set, mirroring the double opt-in of email subscriptions.
type Memory struct {
	mu        sync.Mutex
	topics    map[string]*memTopic
	byName    map[string]string
	published []Message
	calls     map[string]int
	failures  map[string]error
	nextSub   int

	AutoConfirm bool
}

// NewMemory creates an empty in-memory topic service.
func NewMemory() *Memory {
	return &Memory{
		topics:   make(map[string]*memTopic),
		byName:   make(map[string]string),
		calls:    make(map[string]int),
		failures: make(map[string]error),
	}
}

// FailOn makes every later call of op return err. A nil err clears the failure.
// op is one of create_topic, delete_topic, subscribe, list_subscriptions,
// unsubscribe and publish.
func (m *Memory) FailOn(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

// Calls returns how many times op was invoked.
func (m *Memory) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Published returns a copy of every message published so far.
func (m *Memory) Published() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.published...)
}

// Confirm marks the pending subscription of email on topicID as confirmed.
func (m *Memory) Confirm(topicID, email string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.topics[topicID]
	if !ok {
		return false
	}
	for i := range t.subs {
		if t.subs[i].Pending && strings.EqualFold(t.subs[i].Endpoint, email) {
			m.confirm(topicID, &t.subs[i])
			return true
		}
	}
	return false
}

// HasTopic reports whether topicID exists.
func (m *Memory) HasTopic(topicID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.topics[topicID]
	return ok
}

// confirm must be called with m.mu held.
func (m *Memory) confirm(topicID string, sub *Subscriber) {
	m.nextSub++
	sub.Pending = false
	sub.SubscriptionID = fmt.Sprintf("%s:sub-%d", topicID, m.nextSub)
}

// begin counts the call and returns the injected failure, if any. Must be called with m.mu held.
func (m *Memory) begin(op string) error {
	m.calls[op]++
	return m.failures[op]
}

func (m *Memory) CreateTopic(ctx context.Context, name string) (id string, err error) {
	defer func(start time.Time) { observe("create_topic", start, err) }(time.Now())
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin("create_topic"); err != nil {
		return "", err
	}
	if id, ok := m.byName[name]; ok {
		return id, nil
	}
	id = "arn:memory:topic:" + name
	m.topics[id] = &memTopic{name: name}
	m.byName[name] = id
	return id, nil
}

func (m *Memory) DeleteTopic(ctx context.Context, topicID string) (err error) {
	defer func(start time.Time) { observe("delete_topic", start, err) }(time.Now())
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin("delete_topic"); err != nil {
		return err
	}
	if t, ok := m.topics[topicID]; ok {
		delete(m.byName, t.name)
		delete(m.topics, topicID)
	}
	return nil
}

func (m *Memory) SubscribeEmail(ctx context.Context, topicID, email string) (err error) {
	defer func(start time.Time) { observe("subscribe", start, err) }(time.Now())
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin("subscribe"); err != nil {
		return err
	}
	t, ok := m.topics[topicID]
	if !ok {
		return ErrTopicNotFound
	}
	for _, s := range t.subs {
		if strings.EqualFold(s.Endpoint, email) {
			return nil
		}
	}
	t.subs = append(t.subs, Subscriber{Protocol: ProtocolEmail, Endpoint: email, Pending: true})
	if m.AutoConfirm {
		m.confirm(topicID, &t.subs[len(t.subs)-1])
	}
	return nil
}

func (m *Memory) ListSubscribers(ctx context.Context, topicID string) (subs []Subscriber, err error) {
	defer func(start time.Time) { observe("list_subscriptions", start, err) }(time.Now())
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin("list_subscriptions"); err != nil {
		return nil, err
	}
	t, ok := m.topics[topicID]
	if !ok {
		return nil, ErrTopicNotFound
	}
	return append([]Subscriber(nil), t.subs...), nil
}

func (m *Memory) Unsubscribe(ctx context.Context, subscriptionID string) (err error) {
	defer func(start time.Time) { observe("unsubscribe", start, err) }(time.Now())
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin("unsubscribe"); err != nil {
		return err
	}
	for _, t := range m.topics {
		for i, s := range t.subs {
			if s.SubscriptionID == subscriptionID {
				t.subs = append(t.subs[:i], t.subs[i+1:]...)
				return nil
			}
		}
	}
	return nil
}

func (m *Memory) Publish(ctx context.Context, topicID, subject, body string) (err error) {
	defer func(start time.Time) { observe("publish", start, err) }(time.Now())
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.begin("publish"); err != nil {
		return err
	}
	t, ok := m.topics[topicID]
	if !ok {
		return ErrTopicNotFound
	}
	msg := Message{TopicID: topicID, Subject: subject, Body: body}
	for _, s := range t.subs {
		if !s.Pending {
			msg.Recipients = append(msg.Recipients, s.Endpoint)
		}
	}
	m.published = append(m.published, msg)
	return nil
}
