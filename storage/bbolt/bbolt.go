// Package bbolt provides a BBolt-backed audit ledger.
package bbolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mqttadmin/mosquitto-auth/storage"
	"go.etcd.io/bbolt"
)

var bucketName = []byte("audit")

// Store implements storage.Repository backed by a BBolt database.
type Store struct {
	db  *bbolt.DB
	now func() time.Time
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given BBolt database.
func NewRepository(db *bbolt.DB) (*Store, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating audit bucket: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// NewRepositoryFromFile opens a BBolt database at the given path and returns a new Repository.
func NewRepositoryFromFile(path string, options *bbolt.Options) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating audit db directory: %w", err)
	}
	if options == nil {
		options = &bbolt.Options{Timeout: time.Second}
	}
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	s, err := NewRepository(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func key(seq uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], seq)
	return k[:]
}

func (s *Store) Append(ctx context.Context, e storage.Entry) (storage.Entry, error) {
	if err := ctx.Err(); err != nil {
		return storage.Entry{}, err
	}
	var sealed storage.Entry
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		var prev *storage.Entry
		if _, data := b.Cursor().Last(); data != nil {
			var last storage.Entry
			if err := json.Unmarshal(data, &last); err != nil {
				return fmt.Errorf("decoding last entry: %w", err)
			}
			prev = &last
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		sealed = storage.Seal(e, prev, seq, s.now())
		data, err := json.Marshal(sealed)
		if err != nil {
			return err
		}
		return b.Put(key(seq), data)
	})
	if err != nil {
		return storage.Entry{}, err
	}
	return sealed, nil
}

func (s *Store) List(ctx context.Context, offset, limit int) ([]storage.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries := []storage.Entry{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketName).Cursor()
		skipped := 0
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if skipped < offset {
				skipped++
				continue
			}
			if limit > 0 && len(entries) >= limit {
				break
			}
			var e storage.Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("decoding entry %d: %w", binary.BigEndian.Uint64(k), err)
			}
			entries = append(entries, e)
		}
		return nil
	})
	return entries, err
}

func (s *Store) All(ctx context.Context) ([]storage.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var entries []storage.Entry
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).ForEach(func(k, v []byte) error {
			var e storage.Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("decoding entry %d: %w", binary.BigEndian.Uint64(k), err)
			}
			entries = append(entries, e)
			return nil
		})
	})
	return entries, err
}

func (s *Store) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var n int
	err := s.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketName).Stats().KeyN
		return nil
	})
	return n, err
}
