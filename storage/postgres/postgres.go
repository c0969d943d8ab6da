// Package postgres implements the audit ledger on PostgreSQL.
//
// created_at is stored as the exact RFC 3339 text that was hashed so a
// chain read back from the database verifies byte for byte.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mqttadmin/mosquitto-auth/storage"
)

// appendLockKey serialises appends across every process sharing the
// database.
const appendLockKey int64 = 0x6d7161757468 // "mqauth"

const columns = `sequence, id, created_at, action, target, outcome, actor, remote_addr, detail, prev_hash`

// Store implements storage.Repository backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given pgx connection pool.
func NewRepository(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, now: time.Now}
}

// NewRepositoryFromDSN creates a connection pool from a DSN string, ensures
// the schema exists, and returns a new Repository.
func NewRepositoryFromDSN(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return NewRepository(pool), nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Append(ctx context.Context, e storage.Entry) (storage.Entry, error) {
	var sealed storage.Entry
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, appendLockKey); err != nil {
			return fmt.Errorf("locking ledger: %w", err)
		}
		var prev *storage.Entry
		last, err := scanEntry(tx.QueryRow(ctx,
			`SELECT `+columns+` FROM audit_entries ORDER BY sequence DESC LIMIT 1`))
		switch {
		case errors.Is(err, pgx.ErrNoRows):
		case err != nil:
			return fmt.Errorf("reading last entry: %w", err)
		default:
			prev = &last
		}
		var seq uint64 = 1
		if prev != nil {
			seq = prev.Sequence + 1
		}
		sealed = storage.Seal(e, prev, seq, s.now())
		_, err = tx.Exec(ctx,
			`INSERT INTO audit_entries (`+columns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			int64(sealed.Sequence), sealed.ID, sealed.CreatedAt, sealed.Action, sealed.Target,
			sealed.Outcome, sealed.Actor, sealed.RemoteAddr, sealed.Detail, sealed.PrevHash)
		return err
	})
	if err != nil {
		return storage.Entry{}, err
	}
	return sealed, nil
}

func (s *Store) List(ctx context.Context, offset, limit int) ([]storage.Entry, error) {
	if offset < 0 {
		offset = 0
	}
	q := `SELECT ` + columns + ` FROM audit_entries ORDER BY sequence DESC OFFSET $1`
	args := []any{offset}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	return s.query(ctx, q, args...)
}

func (s *Store) All(ctx context.Context) ([]storage.Entry, error) {
	return s.query(ctx, `SELECT `+columns+` FROM audit_entries ORDER BY sequence ASC`)
}

func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM audit_entries`).Scan(&n)
	return n, err
}

func (s *Store) query(ctx context.Context, sql string, args ...any) ([]storage.Entry, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []storage.Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanEntry(row pgx.Row) (storage.Entry, error) {
	var (
		e   storage.Entry
		seq int64
	)
	err := row.Scan(&seq, &e.ID, &e.CreatedAt, &e.Action, &e.Target, &e.Outcome,
		&e.Actor, &e.RemoteAddr, &e.Detail, &e.PrevHash)
	e.Sequence = uint64(seq)
	return e, err
}
