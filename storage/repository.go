// Package storage provides the audit ledger: an append-only, hash-chained
// record of administrative actions against the broker identities.
package storage

import (
	"context"
	"errors"
)

// ErrClosed is returned by a repository after Close.
var ErrClosed = errors.New("audit repository closed")

// Repository stores ledger entries.
//
// Append assigns ID, Sequence, CreatedAt and PrevHash under the backend's
// write lock so that the chain stays linear under concurrent writers.
type Repository interface {
	Append(ctx context.Context, e Entry) (Entry, error)
	// List returns entries newest first.
	List(ctx context.Context, offset, limit int) ([]Entry, error)
	// All returns every entry in append order.
	All(ctx context.Context) ([]Entry, error)
	Count(ctx context.Context) (int, error)
	Close() error
}
