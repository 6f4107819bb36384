package saga

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memory struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemory returns a journal that lives only as long as the process.
func NewMemory() Journal {
	return &memory{records: make(map[string]*Record)}
}

func (m *memory) Begin(ctx context.Context, id, opType, subject string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts := time.Now().UTC()
	m.records[id] = &Record{ID: id, Type: opType, Subject: subject, Status: StatusStarted, StartedAt: ts, UpdatedAt: ts}
	return nil
}

func (m *memory) RecordStep(ctx context.Context, id, step string, status StepStatus, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	ts := time.Now().UTC()
	r.Steps = append(r.Steps, Step{Name: step, Status: status, Detail: detail, At: ts})
	r.UpdatedAt = ts
	return nil
}

func (m *memory) SetSubject(ctx context.Context, id, subject string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	r.Subject = subject
	return nil
}

func (m *memory) Finish(ctx context.Context, id string, status Status, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	r.Status = status
	r.Error = detail
	r.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memory) Get(ctx context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *r
	out.Steps = append([]Step(nil), r.Steps...)
	return &out, nil
}

func (m *memory) ListIncomplete(ctx context.Context, limit int) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, 0)
	for _, r := range m.records {
		if r.Status == StatusCompleted {
			continue
		}
		cp := *r
		cp.Steps = append([]Step(nil), r.Steps...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memory) Close() error { return nil }
