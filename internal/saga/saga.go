// internal/saga/saga.go
// Package saga journals multi-step operations that span the document store, the
// notification service and object storage. Nothing is rolled back: the journal
// records which steps ran so an operator or a sweep job can finish or undo them.
package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/team4edu/edu-backend-go/internal/metrics"
)

// Status is the state of a journaled operation.
type Status string

const (
	StatusStarted   Status = "started"   // Running, or the process died before finishing
	StatusCompleted Status = "completed" // Every step succeeded
	StatusWarned    Status = "warned"    // Finished, but a best-effort step failed
	StatusFailed    Status = "failed"    // Aborted after a failed step
)

// StepStatus is the outcome of one step.
type StepStatus string

const (
	StepOK      StepStatus = "ok"
	StepFailed  StepStatus = "failed"
	StepWarned  StepStatus = "warned"  // Best-effort step failed, operation continued
	StepSkipped StepStatus = "skipped" // Nothing to do
)

// ErrNotFound is returned by Get for unknown operation ids.
var ErrNotFound = errors.New("saga not found")

// Record is one journaled operation with its steps in execution order.
type Record struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`    // e.g. series.create
	Subject   string    `json:"subject"` // Main entity id, e.g. the series id
	Status    Status    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Steps     []Step    `json:"steps"`
	StartedAt time.Time `json:"startedAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Step is one recorded step.
type Step struct {
	Name   string     `json:"name"`
	Status StepStatus `json:"status"`
	Detail string     `json:"detail,omitempty"`
	At     time.Time  `json:"at"`
}

// Journal persists operation progress.
type Journal interface {
	Begin(ctx context.Context, id, opType, subject string) error
	RecordStep(ctx context.Context, id, step string, status StepStatus, detail string) error
	SetSubject(ctx context.Context, id, subject string) error
	Finish(ctx context.Context, id string, status Status, detail string) error
	Get(ctx context.Context, id string) (*Record, error)
	// ListIncomplete returns operations that did not complete cleanly, oldest first.
	ListIncomplete(ctx context.Context, limit int) ([]Record, error)
	Close() error
}

// Open selects a journal backend from dsn: postgres:// or postgresql:// URLs
// use PostgreSQL, any other non-empty value is a SQLite path, and an empty dsn
// keeps the journal in memory.
func Open(ctx context.Context, dsn string) (Journal, error) {
	switch {
	case dsn == "":
		return NewMemory(), nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return NewPostgres(ctx, dsn)
	default:
		return NewSQLite(dsn)
	}
}

// Op tracks one running operation. Journal write failures are logged and never
// surface to the caller.
type Op struct {
	journal Journal
	log     *slog.Logger
	id      string
	opType  string
	status  Status
	done    bool
}

// Start begins journaling an operation of the given type.
func Start(ctx context.Context, j Journal, log *slog.Logger, opType, subject string) *Op {
	if log == nil {
		log = slog.Default()
	}
	op := &Op{
		journal: j,
		id:      ulid.Make().String(),
		opType:  opType,
		status:  StatusCompleted,
	}
	op.log = log.With("saga_id", op.id, "operation", opType)
	if err := j.Begin(ctx, op.id, opType, subject); err != nil {
		op.log.Warn("saga journal begin failed", "error", err)
	}
	return op
}

// ID returns the operation id, useful for correlating logs.
func (o *Op) ID() string { return o.id }

// Logger returns a logger tagged with the operation id.
func (o *Op) Logger() *slog.Logger { return o.log }

// Subject updates the operation subject once it is known (e.g. after an insert assigns an id).
func (o *Op) Subject(ctx context.Context, subject string) {
	if err := o.journal.SetSubject(ctx, o.id, subject); err != nil {
		o.log.Warn("saga journal subject update failed", "error", err)
	}
}

// Step records the outcome of a required step: err == nil is ok, otherwise failed.
// It returns err unchanged so callers can write `if err := op.Step(...); err != nil`.
func (o *Op) Step(ctx context.Context, name string, err error) error {
	if err != nil {
		o.record(ctx, name, StepFailed, err.Error())
		return err
	}
	o.record(ctx, name, StepOK, "")
	return nil
}

// Warn records a best-effort step that failed without aborting the operation.
func (o *Op) Warn(ctx context.Context, name string, err error) {
	o.log.Warn("best-effort step failed", "step", name, "error", err)
	o.status = StatusWarned
	o.record(ctx, name, StepWarned, fmt.Sprint(err))
}

// Skip records a step that had nothing to do.
func (o *Op) Skip(ctx context.Context, name, reason string) {
	o.record(ctx, name, StepSkipped, reason)
}

func (o *Op) record(ctx context.Context, name string, status StepStatus, detail string) {
	metrics.Get().SagaStepTotal.WithLabelValues(o.opType, name, string(status)).Inc()
	if err := o.journal.RecordStep(ctx, o.id, name, status, detail); err != nil {
		o.log.Warn("saga journal step write failed", "step", name, "error", err)
	}
}

// Fail finishes the operation as failed. It returns err for convenience.
func (o *Op) Fail(ctx context.Context, err error) error {
	o.finish(ctx, StatusFailed, fmt.Sprint(err))
	return err
}

// Done finishes the operation as completed, or warned if any Warn was recorded.
func (o *Op) Done(ctx context.Context) {
	o.finish(ctx, o.status, "")
}

func (o *Op) finish(ctx context.Context, status Status, detail string) {
	if o.done {
		return
	}
	o.done = true
	metrics.Get().SagaOpTotal.WithLabelValues(o.opType, string(status)).Inc()
	// The request context may already be cancelled; the final status still matters.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := o.journal.Finish(ctx, o.id, status, detail); err != nil {
		o.log.Warn("saga journal finish failed", "status", status, "error", err)
	}
}
