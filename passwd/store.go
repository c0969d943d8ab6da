// Package passwd manages a mosquitto password file: one "username:hash"
// line per user, hashed in the formats mosquitto_passwd produces so the
// broker can read the file directly.
package passwd

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mqttadmin/mosquitto-auth/internal/util"
)

const defaultFileMode fs.FileMode = 0o600

// Entry is a username with its plaintext password, the input unit for
// bulk additions.
type Entry struct {
	Username string
	Password string
}

// BulkFailure records why one entry of a bulk addition was rejected.
type BulkFailure struct {
	Username string `json:"username"`
	Reason   string `json:"reason"`
	Err      error  `json:"-"`
}

// BulkResult reports the outcome of AddMany per user.
type BulkResult struct {
	Succeeded []string      `json:"succeeded"`
	Failed    []BulkFailure `json:"failed"`
}

// Partial reports whether some, but not all, entries were committed.
func (r BulkResult) Partial() bool {
	return len(r.Failed) > 0 && len(r.Succeeded) > 0
}

type record struct {
	username string
	hash     string
}

// Store is a mosquitto password file. All mutations of one Store are
// serialised; each one rewrites the whole file atomically.
type Store struct {
	path       string
	alg        Algorithm
	iterations int
	logger     *slog.Logger

	mu sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithAlgorithm selects the hash scheme for new and changed passwords.
func WithAlgorithm(alg Algorithm) Option {
	return func(s *Store) { s.alg = alg }
}

// WithIterations sets the PBKDF2 round count.
func WithIterations(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.iterations = n
		}
	}
}

// WithLogger sets the logger used for store events.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// New returns a Store backed by the file at path. The file and its parent
// directory are created on the first write.
func New(path string, opts ...Option) *Store {
	s := &Store{
		path:       path,
		alg:        SHA512PBKDF2,
		iterations: DefaultIterations,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "passwd")
	return s
}

// Path returns the password file location.
func (s *Store) Path() string { return s.path }

// Add stores a new user. With overwrite set, the file is truncated first
// and ends up holding only this user; otherwise an existing user yields
// ErrAlreadyExists.
func (s *Store) Add(ctx context.Context, username, password string, overwrite bool) error {
	if err := validateEntry(username, password); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	hash, err := Hash(password, s.alg, s.iterations)
	if err != nil {
		return fmt.Errorf("%w: hashing password: %v", ErrStorage, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var records []record
	if !overwrite {
		records, err = s.load()
		if err != nil {
			return err
		}
		if indexOf(records, username) >= 0 {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, username)
		}
	}
	records = append(records, record{username: username, hash: hash})
	if err := s.save(records); err != nil {
		return err
	}
	s.logger.Info("user added", "username", username, "overwrite", overwrite)
	return nil
}

// EditPassword replaces the hash of an existing user in place.
func (s *Store) EditPassword(ctx context.Context, username, newPassword string) error {
	if err := validateEntry(username, newPassword); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	hash, err := Hash(newPassword, s.alg, s.iterations)
	if err != nil {
		return fmt.Errorf("%w: hashing password: %v", ErrStorage, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return err
	}
	i := indexOf(records, username)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, username)
	}
	records[i].hash = hash
	if err := s.save(records); err != nil {
		return err
	}
	s.logger.Info("password changed", "username", username)
	return nil
}

// Delete removes exactly the record for username.
func (s *Store) Delete(ctx context.Context, username string) error {
	if err := ValidateUsername(username); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return err
	}
	i := indexOf(records, username)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, username)
	}
	records = append(records[:i], records[i+1:]...)
	if err := s.save(records); err != nil {
		return err
	}
	s.logger.Info("user deleted", "username", username)
	return nil
}

// AddMany adds a batch of users under a single lock and a single write.
//
// With overwrite set the store is truncated once and every valid entry is
// appended; a username repeated inside the batch is rejected with
// ErrAlreadyExists. Without overwrite each entry is checked against the
// current file independently. In both modes the valid subset is committed
// and the rest is reported in Failed; when no entry is valid the file is
// left untouched, even with overwrite. The returned error is non-nil only
// when the file itself could not be read or written, in which case nothing
// was committed.
func (s *Store) AddMany(ctx context.Context, entries []Entry, overwrite bool) (BulkResult, error) {
	var res BulkResult
	if err := ctx.Err(); err != nil {
		return res, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var records []record
	if !overwrite {
		var err error
		if records, err = s.load(); err != nil {
			return res, err
		}
	}
	fail := func(username string, err error) {
		res.Failed = append(res.Failed, BulkFailure{Username: username, Reason: err.Error(), Err: err})
	}
	for _, e := range entries {
		if err := validateEntry(e.Username, e.Password); err != nil {
			fail(e.Username, err)
			continue
		}
		if indexOf(records, e.Username) >= 0 {
			fail(e.Username, fmt.Errorf("%w: %s", ErrAlreadyExists, e.Username))
			continue
		}
		hash, err := Hash(e.Password, s.alg, s.iterations)
		if err != nil {
			fail(e.Username, fmt.Errorf("%w: hashing password: %v", ErrStorage, err))
			continue
		}
		records = append(records, record{username: e.Username, hash: hash})
		res.Succeeded = append(res.Succeeded, e.Username)
	}

	if len(res.Succeeded) == 0 {
		return res, nil
	}
	if err := s.save(records); err != nil {
		return BulkResult{}, err
	}
	s.logger.Info("bulk add", "succeeded", len(res.Succeeded), "failed", len(res.Failed), "overwrite", overwrite)
	return res, nil
}

// List yields usernames in file order. The sequence reads the file each
// time it is ranged over; a missing file yields nothing. A read error is
// yielded once with an empty name and ends the sequence.
func (s *Store) List(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		f, err := os.Open(s.path)
		if errors.Is(err, fs.ErrNotExist) {
			return
		}
		if err != nil {
			yield("", fmt.Errorf("%w: %v", ErrStorage, err))
			return
		}
		defer f.Close()

		sc := bufio.NewScanner(f)
		line := 0
		for sc.Scan() {
			line++
			if err := ctx.Err(); err != nil {
				yield("", err)
				return
			}
			text := strings.TrimSpace(sc.Text())
			if text == "" {
				continue
			}
			name, _, ok := strings.Cut(text, ":")
			if !ok {
				yield("", fmt.Errorf("%w: line %d has no ':' separator", ErrParse, line))
				return
			}
			if !yield(name, nil) {
				return
			}
		}
		if err := sc.Err(); err != nil {
			yield("", fmt.Errorf("%w: %v", ErrStorage, err))
		}
	}
}

// Usernames collects List into a slice. It never returns nil on success.
func (s *Store) Usernames(ctx context.Context) ([]string, error) {
	names := []string{}
	for name, err := range s.List(ctx) {
		if err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, nil
}

// Exists reports whether username has a record.
func (s *Store) Exists(ctx context.Context, username string) (bool, error) {
	for name, err := range s.List(ctx) {
		if err != nil {
			return false, err
		}
		if name == username {
			return true, nil
		}
	}
	return false, nil
}

// Verify checks password against the stored hash for username.
func (s *Store) Verify(ctx context.Context, username, password string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	records, err := s.load()
	if err != nil {
		return false, err
	}
	i := indexOf(records, username)
	if i < 0 {
		return false, fmt.Errorf("%w: %s", ErrNotFound, username)
	}
	return CheckHash(records[i].hash, password)
}

// ---------------------------------------------------------------------------
// File I/O
// ---------------------------------------------------------------------------

func (s *Store) load() ([]record, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrStorage, s.path, err)
	}
	var records []record
	for i, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		name, hash, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("%w: %s line %d has no ':' separator", ErrParse, s.path, i+1)
		}
		records = append(records, record{username: name, hash: hash})
	}
	return records, nil
}

func (s *Store) save(records []record) error {
	var buf bytes.Buffer
	for _, r := range records {
		buf.WriteString(r.username)
		buf.WriteByte(':')
		buf.WriteString(r.hash)
		buf.WriteByte('\n')
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("%w: creating directory: %v", ErrStorage, err)
	}
	mode := util.FileMode(s.path, defaultFileMode)
	if err := util.WriteFileAtomic(s.path, buf.Bytes(), mode); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

func indexOf(records []record, username string) int {
	for i, r := range records {
		if r.username == username {
			return i
		}
	}
	return -1
}
