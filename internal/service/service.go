// Package service implements the series, subscription, lesson and profile
// operations. Every operation that touches more than one external system runs
// as a journaled saga: steps execute in a fixed order, nothing is rolled back,
// and the journal shows how far an interrupted operation got.
package service

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	errordefs "github.com/team4edu/edu-backend-go/internal/errors"
	"github.com/team4edu/edu-backend-go/internal/event"
	"github.com/team4edu/edu-backend-go/internal/lock"
	"github.com/team4edu/edu-backend-go/internal/media"
	"github.com/team4edu/edu-backend-go/internal/notify"
	"github.com/team4edu/edu-backend-go/internal/saga"
	"github.com/team4edu/edu-backend-go/internal/schema"
	"github.com/team4edu/edu-backend-go/internal/storage"
)

// Journaled operation types.
const (
	OpSeriesCreate = "series.create"
	OpSeriesDelete = "series.delete"
	OpSeriesUpdate = "series.update"
	OpSubscribe    = "subscription.subscribe"
	OpUnsubscribe  = "subscription.unsubscribe"
	OpLessonCreate = "lesson.create"
	OpLessonUpdate = "lesson.update"
	OpLessonDelete = "lesson.delete"
)

// Deps are the clients a Service is built from. Store, Topics and Media are
// required; the rest fall back to in-process implementations.
type Deps struct {
	Store     storage.Store
	Topics    notify.TopicService
	Media     media.ObjectStore
	Limits    media.Limits
	Journal   saga.Journal
	Locker    lock.Locker
	Events    event.Publisher
	Validator *schema.Validator
	Logger    *slog.Logger
}

// Service runs the domain operations against the injected clients.
type Service struct {
	store     storage.Store
	topics    notify.TopicService
	media     media.ObjectStore
	limits    media.Limits
	journal   saga.Journal
	locker    lock.Locker
	events    event.Publisher
	validator *schema.Validator
	log       *slog.Logger
}

// New builds a Service. It panics if a required client is missing.
func New(d Deps) *Service {
	if d.Store == nil || d.Topics == nil || d.Media == nil {
		panic("service: Store, Topics and Media are required")
	}
	s := &Service{
		store:     d.Store,
		topics:    d.Topics,
		media:     d.Media,
		limits:    d.Limits,
		journal:   d.Journal,
		locker:    d.Locker,
		events:    d.Events,
		validator: d.Validator,
		log:       d.Logger,
	}
	if s.journal == nil {
		s.journal = saga.NewMemory()
	}
	if s.locker == nil {
		s.locker = lock.NewLocal()
	}
	if s.events == nil {
		s.events = event.NewNoop()
	}
	if s.validator == nil {
		s.validator = schema.MustNewValidator()
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	return s
}

// Journal exposes the saga journal for operator tooling.
func (s *Service) Journal() saga.Journal { return s.journal }

// Ping checks that the document store is reachable.
func (s *Service) Ping(ctx context.Context) error { return s.store.Ping(ctx) }

// IncompleteOperations lists journaled operations that failed, warned or never finished.
func (s *Service) IncompleteOperations(ctx context.Context, limit int) ([]saga.Record, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	recs, err := s.journal.ListIncomplete(ctx, limit)
	if err != nil {
		return nil, errordefs.Wrap(errordefs.EDU_UNAVAILABLE, "saga journal unavailable", err)
	}
	return recs, nil
}

// storeErr translates storage sentinels into API errors naming the entity.
func storeErr(err error, entity string) error {
	var apiErr *errordefs.Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &apiErr):
		return err
	case errors.Is(err, storage.ErrNotFound):
		return errordefs.Wrap(errordefs.EDU_NOT_FOUND, entity+" not found", err)
	case errors.Is(err, storage.ErrInvalidID):
		return errordefs.Wrap(errordefs.EDU_VALIDATION, "malformed "+entity+" id", err)
	case errors.Is(err, storage.ErrConflict):
		return errordefs.Wrap(errordefs.EDU_CONFLICT, entity+" already exists", err)
	case errors.Is(err, storage.ErrCursor):
		return errordefs.Wrap(errordefs.EDU_BAD_REQUEST, "invalid page cursor", err)
	default:
		return errordefs.Wrap(errordefs.EDU_UPSTREAM, "document store failure", err)
	}
}

// absent reports whether err means "no such entity" for get-style calls.
func absent(err error) bool {
	return errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrInvalidID)
}

func upstream(msg string, err error) error {
	return errordefs.Wrap(errordefs.EDU_UPSTREAM, msg, err)
}

// upload checks obj against the configured limits and stores it.
func (s *Service) upload(ctx context.Context, prefix string, obj media.Object, token string) (string, error) {
	if err := s.limits.Check(obj); err != nil {
		return "", err
	}
	url, err := s.media.Store(ctx, prefix, obj, token)
	if err != nil {
		return "", upstream("file upload failed", err)
	}
	return url, nil
}

// emit logs event publish failures. Events never affect the operation result.
func (s *Service) emit(op *saga.Op, typ string, err error) {
	if err != nil {
		op.Logger().Warn("event publish failed", "event_type", typ, "error", err)
	}
}

// endSpan marks span failed when err is set, then ends it.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
