package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// GenesisHash anchors the first entry of a ledger.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Outcome values.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Entry is one ledger record.
type Entry struct {
	ID         string `json:"id"`
	Sequence   uint64 `json:"sequence"`
	CreatedAt  string `json:"created_at"`
	Action     string `json:"action"`
	Target     string `json:"target,omitempty"`
	Outcome    string `json:"outcome"`
	Actor      string `json:"actor,omitempty"`
	RemoteAddr string `json:"remote_addr,omitempty"`
	Detail     string `json:"detail,omitempty"`
	PrevHash   string `json:"prev_hash"`
}

// ChainHash computes the link from an entry to its successor:
// SHA-256(id || prevHash || createdAt), hex encoded.
func ChainHash(id, prevHash, createdAt string) string {
	h := sha256.Sum256([]byte(id + prevHash + createdAt))
	return hex.EncodeToString(h[:])
}

// Hash returns the link value the next entry must carry as PrevHash.
func (e Entry) Hash() string {
	return ChainHash(e.ID, e.PrevHash, e.CreatedAt)
}

// Seal fills the fields owned by the ledger. prev is nil for the first entry.
func Seal(e Entry, prev *Entry, seq uint64, now time.Time) Entry {
	e.ID = uuid.NewString()
	e.Sequence = seq
	e.CreatedAt = now.UTC().Format(time.RFC3339Nano)
	if e.Outcome == "" {
		e.Outcome = OutcomeSuccess
	}
	if prev == nil {
		e.PrevHash = GenesisHash
	} else {
		e.PrevHash = prev.Hash()
	}
	return e
}

// Page applies offset/limit to a newest-first view of entries (append order in).
func Page(entries []Entry, offset, limit int) []Entry {
	n := len(entries)
	if offset < 0 {
		offset = 0
	}
	if offset >= n {
		return []Entry{}
	}
	end := n
	if limit > 0 && offset+limit < n {
		end = offset + limit
	}
	out := make([]Entry, 0, end-offset)
	for i := offset; i < end; i++ {
		out = append(out, entries[n-1-i])
	}
	return out
}
