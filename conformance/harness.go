// Package conformance provides a harness that drives the education backend over
// HTTP and checks the externally visible subscription and notification rules.
package conformance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/team4edu/edu-backend-go/internal/event"
	"github.com/team4edu/edu-backend-go/internal/identity"
	"github.com/team4edu/edu-backend-go/internal/jwks"
	"github.com/team4edu/edu-backend-go/internal/media"
	"github.com/team4edu/edu-backend-go/internal/model"
	"github.com/team4edu/edu-backend-go/internal/notify"
	"github.com/team4edu/edu-backend-go/internal/saga"
	"github.com/team4edu/edu-backend-go/internal/server"
	"github.com/team4edu/edu-backend-go/internal/service"
	"github.com/team4edu/edu-backend-go/internal/storage"
)

// Harness runs the full HTTP stack against in-memory collaborators.
type Harness struct {
	server  *httptest.Server
	keys    *jwks.Client
	topics  *notify.Memory
	events  *event.Recorder
	journal saga.Journal
	cfg     Config
}

// Config holds configuration for the conformance test harness.
type Config struct {
	JWTIssuer   string // Expected token issuer
	JWTAudience string // App client id
	SagaDSN     string // Journal DSN, empty for memory
}

// NewHarness creates a new conformance test harness.
func NewHarness(cfg Config) (*Harness, error) {
	journal, err := saga.Open(context.Background(), cfg.SagaDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open saga journal: %w", err)
	}

	h := &Harness{
		keys:    jwks.NewTestClient(),
		topics:  notify.NewMemory(),
		events:  event.NewRecorder(),
		journal: journal,
		cfg:     cfg,
	}
	svc := service.New(service.Deps{
		Store:   storage.NewMemory(),
		Topics:  h.topics,
		Media:   media.NewLocal(),
		Journal: journal,
		Events:  h.events,
	})
	verifier := identity.NewJWTVerifier(h.keys, cfg.JWTIssuer, cfg.JWTAudience, nil)
	h.server = httptest.NewServer(server.NewMux(svc, verifier, server.Options{}))
	return h, nil
}

// URL returns the base URL of the test server.
func (h *Harness) URL() string {
	return h.server.URL
}

// Close shuts down the test server and cleans up resources.
func (h *Harness) Close() {
	h.server.Close()
	_ = h.events.Close()
	_ = h.journal.Close()
}

// RunConformanceTests runs all conformance tests against the running server.
func (h *Harness) RunConformanceTests(t *testing.T) {
	t.Run("HealthEndpoints", h.testHealthEndpoints)
	t.Run("SubscriptionLifecycle", h.testSubscriptionLifecycle)
	t.Run("TopicIsolation", h.testTopicIsolation)
	t.Run("DeleteScrub", h.testDeleteScrub)
}

func (h *Harness) token(t *testing.T, sub string) string {
	t.Helper()
	tok, err := h.keys.SignTestToken(jwt.MapClaims{
		"sub":   sub,
		"email": sub + "@example.com",
		"iss":   h.cfg.JWTIssuer,
		"aud":   h.cfg.JWTAudience,
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return tok
}

// call performs a request and decodes the data member of the response into out.
func (h *Harness) call(t *testing.T, method, path, token string, body interface{}, out interface{}) int {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, h.URL()+path, rd)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		var env struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
			t.Fatalf("failed to decode %s %s: %v", method, path, err)
		}
		if err := json.Unmarshal(env.Data, out); err != nil {
			t.Fatalf("failed to decode data of %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func (h *Harness) createSeries(t *testing.T, token, title string) model.Series {
	t.Helper()
	var s model.Series
	status := h.call(t, http.MethodPost, "/api/series", token,
		map[string]interface{}{"title": title, "category": "Programming", "isPublished": true}, &s)
	if status != http.StatusCreated {
		t.Fatalf("expected 201 creating series, got %d", status)
	}
	return s
}

func (h *Harness) series(t *testing.T, id string) model.Series {
	t.Helper()
	var s model.Series
	if status := h.call(t, http.MethodGet, "/api/series/"+id, "", nil, &s); status != http.StatusOK {
		t.Fatalf("expected 200 reading series, got %d", status)
	}
	return s
}

// testHealthEndpoints tests the health check endpoints.
func (h *Harness) testHealthEndpoints(t *testing.T) {
	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, err := http.Get(h.URL() + path)
		if err != nil {
			t.Fatalf("failed to GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("expected status 200 for %s, got %d", path, resp.StatusCode)
		}
	}
}

// testSubscriptionLifecycle walks a series through subscribe, lesson
// notification and unsubscribe, checking the counter at every step.
func (h *Harness) testSubscriptionLifecycle(t *testing.T) {
	author, learner := h.token(t, "author"), h.token(t, "learner")
	h.call(t, http.MethodGet, "/api/users/profile", learner, nil, nil)

	s := h.createSeries(t, author, "JS101")
	if s.NotificationTopicID == "" || s.SubscriberCount != 0 {
		t.Fatalf("new series should have a topic and no subscribers: %+v", s)
	}

	var sub model.SubscribeResult
	h.call(t, http.MethodPost, "/api/series/"+s.ID+"/subscribe", learner, nil, &sub)
	if sub.AlreadySubscribed {
		t.Errorf("first subscribe reported already subscribed")
	}
	h.call(t, http.MethodPost, "/api/series/"+s.ID+"/subscribe", learner, nil, &sub)
	if !sub.AlreadySubscribed {
		t.Errorf("second subscribe should be a no-op")
	}
	if got := h.series(t, s.ID).SubscriberCount; got != 1 {
		t.Errorf("expected subscriber count 1, got %d", got)
	}

	// Pending subscriptions cannot be cancelled
	var unsub model.UnsubscribeResult
	h.call(t, http.MethodPost, "/api/series/"+s.ID+"/unsubscribe", learner, nil, &unsub)
	if !unsub.PendingConfirmation {
		t.Errorf("expected pending confirmation, got %+v", unsub)
	}

	h.topics.Confirm(s.NotificationTopicID, "learner@example.com")
	before := len(h.topics.Published())
	var lesson model.Lesson
	if status := h.call(t, http.MethodPost, "/api/series/"+s.ID+"/lessons", author,
		map[string]interface{}{"title": "Closures"}, &lesson); status != http.StatusCreated {
		t.Fatalf("expected 201 creating lesson, got %d", status)
	}
	published := h.topics.Published()
	if len(published) != before+1 {
		t.Fatalf("expected one notification, got %d", len(published)-before)
	}
	msg := published[len(published)-1]
	if msg.Subject != `New Lesson in "JS101"` || len(msg.Recipients) != 1 {
		t.Errorf("unexpected notification: %+v", msg)
	}

	unsub = model.UnsubscribeResult{}
	h.call(t, http.MethodPost, "/api/series/"+s.ID+"/unsubscribe", learner, nil, &unsub)
	if unsub.PendingConfirmation || unsub.NotSubscribed {
		t.Errorf("expected a completed unsubscribe, got %+v", unsub)
	}
	if got := h.series(t, s.ID).SubscriberCount; got != 0 {
		t.Errorf("expected subscriber count 0, got %d", got)
	}
	unsub = model.UnsubscribeResult{}
	h.call(t, http.MethodPost, "/api/series/"+s.ID+"/unsubscribe", learner, nil, &unsub)
	if !unsub.NotSubscribed {
		t.Errorf("repeated unsubscribe should report not subscribed")
	}
	if got := h.series(t, s.ID).SubscriberCount; got != 0 {
		t.Errorf("counter must not go below zero, got %d", got)
	}
}

// testTopicIsolation checks that a notification reaches only its own series.
func (h *Harness) testTopicIsolation(t *testing.T) {
	author, learner := h.token(t, "author2"), h.token(t, "learner2")
	h.call(t, http.MethodGet, "/api/users/profile", learner, nil, nil)

	a := h.createSeries(t, author, "A")
	b := h.createSeries(t, author, "B")
	if a.NotificationTopicID == b.NotificationTopicID {
		t.Fatalf("series share a topic")
	}
	h.call(t, http.MethodPost, "/api/series/"+a.ID+"/subscribe", learner, nil, nil)
	h.topics.Confirm(a.NotificationTopicID, "learner2@example.com")

	h.call(t, http.MethodPost, "/api/series/"+b.ID+"/lessons", author, map[string]interface{}{"title": "L"}, nil)
	published := h.topics.Published()
	last := published[len(published)-1]
	if last.TopicID != b.NotificationTopicID || len(last.Recipients) != 0 {
		t.Errorf("lesson in B must not reach A's subscribers: %+v", last)
	}
}

// testDeleteScrub deletes a subscribed series and checks no user still references it.
func (h *Harness) testDeleteScrub(t *testing.T) {
	author, learner := h.token(t, "author3"), h.token(t, "learner3")
	h.call(t, http.MethodGet, "/api/users/profile", learner, nil, nil)

	s := h.createSeries(t, author, "Doomed")
	h.call(t, http.MethodPost, "/api/series/"+s.ID+"/subscribe", learner, nil, nil)

	var res model.DeleteSeriesResult
	h.call(t, http.MethodDelete, "/api/series/"+s.ID, author, nil, &res)
	if !res.Deleted {
		t.Fatalf("expected series to be deleted: %+v", res)
	}
	if h.topics.HasTopic(s.NotificationTopicID) {
		t.Errorf("topic survived series deletion")
	}

	var user model.User
	h.call(t, http.MethodGet, "/api/users/learner3", learner, nil, &user)
	for _, id := range user.SubscribedSeriesIDs {
		if id == s.ID {
			t.Errorf("user still subscribed to deleted series")
		}
	}

	types := h.events.Types()
	if len(types) == 0 || types[len(types)-1] != event.SeriesDeleted {
		t.Errorf("expected %s as the last event, got %v", event.SeriesDeleted, types)
	}
}
