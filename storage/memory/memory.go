// Package memory provides a thread-safe in-memory implementation of storage.Repository.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/mqttadmin/mosquitto-auth/storage"
)

// Repository is a thread-safe in-memory audit ledger.
// Suitable for testing and for servers run without an audit database.
type Repository struct {
	mu      sync.RWMutex
	entries []storage.Entry
	closed  bool
}

var _ storage.Repository = (*Repository)(nil)

// NewRepository creates a new empty in-memory Repository.
func NewRepository() *Repository {
	return &Repository{}
}

func (r *Repository) Append(ctx context.Context, e storage.Entry) (storage.Entry, error) {
	if err := ctx.Err(); err != nil {
		return storage.Entry{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return storage.Entry{}, storage.ErrClosed
	}
	var prev *storage.Entry
	if n := len(r.entries); n > 0 {
		prev = &r.entries[n-1]
	}
	sealed := storage.Seal(e, prev, uint64(len(r.entries)+1), time.Now())
	r.entries = append(r.entries, sealed)
	return sealed, nil
}

func (r *Repository) List(ctx context.Context, offset, limit int) ([]storage.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, storage.ErrClosed
	}
	return storage.Page(r.entries, offset, limit), nil
}

func (r *Repository) All(ctx context.Context) ([]storage.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, storage.ErrClosed
	}
	return append([]storage.Entry(nil), r.entries...), nil
}

func (r *Repository) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries), nil
}

func (r *Repository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}
