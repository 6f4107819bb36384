// internal/server/mux.go
// Package server implements the HTTP handlers and routing for the education backend.
// It exposes the series, lesson, subscription and profile operations as a JSON API
// with JWT authentication, schema validation, metrics and tracing.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	errordefs "github.com/team4edu/edu-backend-go/internal/errors"
	"github.com/team4edu/edu-backend-go/internal/identity"
	"github.com/team4edu/edu-backend-go/internal/metrics"
	"github.com/team4edu/edu-backend-go/internal/model"
	"github.com/team4edu/edu-backend-go/internal/schema"
	"github.com/team4edu/edu-backend-go/internal/service"
	"github.com/team4edu/edu-backend-go/internal/telemetry"
)

const (
	correlationHeader = "X-Correlation-Id"

	defaultAdminLimit = 100
)

// Options configures the HTTP layer.
type Options struct {
	CORSAllowedOrigins []string          // Allowed origins for CORS (empty means deny all)
	IsAdmin            func(string) bool // Reports whether a user id may call /api/admin
	MaxBodySize        int64             // Upper bound for a request body, 0 means unlimited
	Logger             *slog.Logger
	Auth               AuthConfig // Published by GET /api/auth/config
}

// AuthConfig describes the identity provider to clients.
type AuthConfig struct {
	Issuer  string `json:"issuer"`
	JWKSURL string `json:"jwksUrl"`
	Region  string `json:"region"`
}

// Mux handles HTTP requests for the education backend.
type Mux struct {
	mux       *http.ServeMux
	svc       *service.Service
	verifier  identity.Verifier
	validator *schema.Validator
	metrics   *metrics.Metrics
	log       *slog.Logger
	opts      Options
}

// NewMux registers every endpoint and returns the router.
func NewMux(svc *service.Service, verifier identity.Verifier, opts Options) *http.ServeMux {
	if opts.IsAdmin == nil {
		opts.IsAdmin = func(string) bool { return false }
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	m := &Mux{
		mux:       http.NewServeMux(),
		svc:       svc,
		verifier:  verifier,
		validator: schema.MustNewValidator(),
		metrics:   metrics.Get(),
		log:       opts.Logger,
		opts:      opts,
	}

	// Health endpoints
	m.mux.HandleFunc("GET /healthz", m.handleHealthz)
	m.mux.HandleFunc("GET /readyz", m.handleReadyz)
	m.mux.Handle("GET /metrics", promhttp.Handler())
	m.mux.HandleFunc("OPTIONS /", m.handlePreflight)

	m.handle("POST /api/auth/verify", false, m.handleAuthVerify)
	m.handle("GET /api/auth/status", true, m.handleAuthStatus)
	m.handle("GET /api/auth/config", false, m.handleAuthConfig)

	m.handle("POST /api/users/profile", true, m.handleCreateProfile)
	m.handle("GET /api/users/profile", true, m.handleGetProfile)
	m.handle("GET /api/users/{id}", true, m.handleGetUser)
	m.handle("PUT /api/users/{id}", true, m.handleUpdateUser)

	m.handle("POST /api/series", true, m.handleCreateSeries)
	m.handle("GET /api/series", false, m.handleListSeries)
	m.handle("GET /api/series/search", false, m.handleSearchSeries)
	m.handle("GET /api/series/subscribed", true, m.handleSubscribedSeries)
	m.handle("GET /api/series/created", true, m.handleCreatedSeries)
	m.handle("GET /api/series/{id}", false, m.handleGetSeries)
	m.handle("PATCH /api/series/{id}", true, m.handleUpdateSeries)
	m.handle("DELETE /api/series/{id}", true, m.handleDeleteSeries)
	m.handle("POST /api/series/{id}/subscribe", true, m.handleSubscribe)
	m.handle("POST /api/series/{id}/unsubscribe", true, m.handleUnsubscribe)

	m.handle("POST /api/series/{id}/lessons", true, m.handleCreateLesson)
	m.handle("GET /api/series/{id}/lessons", false, m.handleListLessons)
	m.handle("GET /api/series/{id}/lessons/{lessonId}", false, m.handleGetLesson)
	m.handle("PATCH /api/series/{id}/lessons/{lessonId}", true, m.handleUpdateLesson)
	m.handle("DELETE /api/series/{id}/lessons/{lessonId}", true, m.handleDeleteLesson)
	m.handle("DELETE /api/series/{id}/lessons/{lessonId}/documents", true, m.handleDeleteLessonDocument)

	m.handle("GET /api/admin/sagas", true, m.handleIncompleteSagas)

	return m.mux
}

// handlerFunc is an endpoint that reports failures by returning them.
type handlerFunc func(w http.ResponseWriter, r *http.Request) error

func (m *Mux) handle(pattern string, auth bool, h handlerFunc) {
	m.mux.Handle(pattern, m.withMiddleware(pattern, auth, h))
}

// statusRecorder remembers the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	written bool
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.written = true
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	s.written = true
	return s.ResponseWriter.Write(b)
}

// withMiddleware applies CORS, correlation ids, authentication, tracing,
// metrics and request logging around h.
func (m *Mux) withMiddleware(route string, auth bool, h handlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m.setCORS(w, r)

		correlationID := r.Header.Get(correlationHeader)
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		w.Header().Set(correlationHeader, correlationID)

		ctx := telemetry.WithCorrelationID(r.Context(), correlationID)
		ctx, span := telemetry.StartSpan(ctx, route, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		var principal *identity.Principal
		var err error
		if auth {
			principal, err = m.verifier.Verify(ctx, r.Header.Get("Authorization"))
			if err == nil {
				ctx = identity.WithPrincipal(ctx, principal)
				span.SetAttributes(attribute.String("user.id", principal.UserID))
			}
		}
		if err == nil && m.opts.MaxBodySize > 0 {
			if r.ContentLength > m.opts.MaxBodySize {
				err = errordefs.New(errordefs.EDU_MEDIA_SIZE, "request body too large", "")
			} else if r.Body != nil {
				r.Body = http.MaxBytesReader(rec, r.Body, m.opts.MaxBodySize)
			}
		}
		if err == nil {
			err = h(rec, r.WithContext(ctx))
		}
		if err != nil {
			// A handler that already started its response cannot report an error
			if !rec.written {
				m.writeError(rec, correlationID, err)
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}

		status := strconv.Itoa(rec.status)
		span.SetAttributes(attribute.Int("http.status_code", rec.status))
		m.metrics.HTTPRequestTotal.WithLabelValues(r.Method, route, status).Inc()
		m.metrics.HTTPRequestDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
		m.logRequest(r, rec.status, time.Since(start), correlationID, principal, err)
	})
}

// setCORS sets the allow-origin header when the request origin is allowed.
func (m *Mux) setCORS(w http.ResponseWriter, r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}
	for _, allowed := range m.opts.CORSAllowedOrigins {
		if allowed == "*" || allowed == origin {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
			return true
		}
	}
	return false
}

// handlePreflight answers CORS preflight requests for every path.
func (m *Mux) handlePreflight(w http.ResponseWriter, r *http.Request) {
	if m.setCORS(w, r) {
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Correlation-Id")
		w.Header().Set("Access-Control-Max-Age", "86400")
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeSuccess writes a successful response
func (m *Mux) writeSuccess(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(map[string]interface{}{"data": data})
}

// writeError writes err using the error taxonomy. Errors outside the taxonomy
// are reported as EDU_INTERNAL without exposing their text.
func (m *Mux) writeError(w http.ResponseWriter, correlationID string, err error) {
	var def *errordefs.Error
	if !errors.As(err, &def) {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			def = errordefs.New(errordefs.EDU_MEDIA_SIZE, "request body too large", "")
		} else {
			def = errordefs.New(errordefs.EDU_INTERNAL, "internal error", "")
		}
	}
	def = def.WithCorrelation(correlationID)

	body := map[string]interface{}{
		"code":          def.Code,
		"message":       def.Message,
		"correlationId": def.CorrelationID,
	}
	if def.Details != nil {
		body["details"] = def.Details
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(def.HTTPStatus)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"error": body})
}

// logRequest logs request details
func (m *Mux) logRequest(r *http.Request, status int, duration time.Duration, correlationID string, p *identity.Principal, err error) {
	attrs := []slog.Attr{
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.Duration("duration", duration),
		slog.String("correlation_id", correlationID),
		slog.String("remote_addr", r.RemoteAddr),
	}
	if p != nil {
		attrs = append(attrs, slog.String("user_id", p.UserID))
	}

	if err == nil {
		m.log.LogAttrs(r.Context(), slog.LevelInfo, "request completed", attrs...)
		return
	}
	attrs = append(attrs, slog.String("error", err.Error()))
	if status >= http.StatusInternalServerError {
		m.log.LogAttrs(r.Context(), slog.LevelError, "request completed with error", attrs...)
		return
	}
	m.log.LogAttrs(r.Context(), slog.LevelInfo, "request rejected", attrs...)
}

// handleHealthz handles liveness health check requests
func (m *Mux) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz reports ready once the document store answers a ping.
func (m *Mux) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := m.svc.Ping(ctx); err != nil {
		m.log.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (m *Mux) handleAuthStatus(w http.ResponseWriter, r *http.Request) error {
	p := identity.FromContext(r.Context())
	return m.writeSuccess(w, http.StatusOK, map[string]interface{}{
		"authenticated": true,
		"user":          p,
	})
}

// handleAuthVerify checks a token passed in the body rather than the
// Authorization header.
func (m *Mux) handleAuthVerify(w http.ResponseWriter, r *http.Request) error {
	var in struct {
		Token string `json:"token"`
	}
	if err := m.decodeJSON(r, schema.TokenVerify, &in); err != nil {
		return err
	}
	p, err := m.verifier.Verify(r.Context(), in.Token)
	if err != nil {
		var def *errordefs.Error
		if !errors.As(err, &def) || def.HTTPStatus != http.StatusUnauthorized {
			return err
		}
		return errordefs.NewWithDetails(def.Code, def.Message, "", map[string]interface{}{"valid": false})
	}
	return m.writeSuccess(w, http.StatusOK, map[string]interface{}{
		"valid":   true,
		"payload": p,
	})
}

func (m *Mux) handleAuthConfig(w http.ResponseWriter, r *http.Request) error {
	cfg := m.opts.Auth
	out := map[string]interface{}{
		"issuer":  cfg.Issuer,
		"jwksUrl": cfg.JWKSURL,
		"region":  cfg.Region,
	}
	// Cognito issuers end in the user pool id
	if strings.HasPrefix(cfg.Issuer, "https://cognito-idp.") {
		out["userPoolId"] = path.Base(cfg.Issuer)
	}
	return m.writeSuccess(w, http.StatusOK, out)
}

func (m *Mux) handleCreateProfile(w http.ResponseWriter, r *http.Request) error {
	var in model.UserInput
	if err := m.decodeJSON(r, schema.UserProfile, &in); err != nil {
		return err
	}
	user, err := m.svc.CreateProfile(r.Context(), identity.FromContext(r.Context()), in)
	if err != nil {
		return err
	}
	return m.writeSuccess(w, http.StatusCreated, user)
}

func (m *Mux) handleGetProfile(w http.ResponseWriter, r *http.Request) error {
	user, created, err := m.svc.GetOrCreateProfile(r.Context(), identity.FromContext(r.Context()))
	if err != nil {
		return err
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	return m.writeSuccess(w, status, user)
}

func (m *Mux) handleGetUser(w http.ResponseWriter, r *http.Request) error {
	user, err := m.svc.GetUser(r.Context(), r.PathValue("id"))
	if err != nil {
		return err
	}
	if user == nil {
		return errordefs.New(errordefs.EDU_NOT_FOUND, "user not found", "")
	}
	return m.writeSuccess(w, http.StatusOK, user)
}

func (m *Mux) handleUpdateUser(w http.ResponseWriter, r *http.Request) error {
	var patch model.UserPatch
	if err := m.decodeJSON(r, schema.UserPatch, &patch); err != nil {
		return err
	}
	p := identity.FromContext(r.Context())
	user, err := m.svc.UpdateUser(r.Context(), p.UserID, r.PathValue("id"), patch)
	if err != nil {
		return err
	}
	if user == nil {
		return errordefs.New(errordefs.EDU_NOT_FOUND, "user not found", "")
	}
	return m.writeSuccess(w, http.StatusOK, user)
}

// handleIncompleteSagas lists journaled operations that did not complete cleanly.
func (m *Mux) handleIncompleteSagas(w http.ResponseWriter, r *http.Request) error {
	p := identity.FromContext(r.Context())
	if !m.opts.IsAdmin(p.UserID) {
		return errordefs.New(errordefs.EDU_AUTHZ, "admin access required", "")
	}
	limit := defaultAdminLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			return errordefs.New(errordefs.EDU_VALIDATION, "limit must be a positive integer", "")
		}
		limit = v
	}
	records, err := m.svc.IncompleteOperations(r.Context(), limit)
	if err != nil {
		return err
	}
	return m.writeSuccess(w, http.StatusOK, map[string]interface{}{"operations": records})
}
