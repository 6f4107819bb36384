// internal/media/local.go
package media

import (
	"context"
	"io"
	"sync"
)

// LocalBaseURL is the host used for URLs handed out by Local.
const LocalBaseURL = "https://cdn.local"

// Local keeps uploaded files in memory. It serves development setups without a
// bucket and doubles as the object store in tests.
type Local struct {
	mu      sync.Mutex
	objects map[string][]byte // keyed by object key

	// FailStore and FailDelete, when set, are returned by the next calls.
	FailStore  error
	FailDelete error
}

// NewLocal creates an empty in-memory object store.
func NewLocal() *Local {
	return &Local{objects: make(map[string][]byte)}
}

func (l *Local) Store(ctx context.Context, prefix string, obj Object, token string) (string, error) {
	l.mu.Lock()
	fail := l.FailStore
	l.mu.Unlock()
	if fail != nil {
		return "", fail
	}

	data, err := io.ReadAll(obj.Body)
	if err != nil {
		return "", err
	}
	key := objectKey(prefix, obj.Name)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.objects[key] = data
	return objectURL(LocalBaseURL, key), nil
}

func (l *Local) Delete(ctx context.Context, url string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.FailDelete != nil {
		return l.FailDelete
	}
	key, err := keyFromURL(url, "")
	if err != nil {
		return err
	}
	delete(l.objects, key)
	return nil
}

// Has reports whether url is currently stored.
func (l *Local) Has(url string) bool {
	key, err := keyFromURL(url, "")
	if err != nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.objects[key]
	return ok
}

// Len returns the number of stored objects.
func (l *Local) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.objects)
}
