package storage

import (
	"fmt"
	"time"
)

// Check status values.
const (
	CheckPass = "pass"
	CheckFail = "fail"
	CheckWarn = "warn"
)

// Check is one named verification step.
type Check struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Verification is the result of Verify.
type Verification struct {
	EntryCount int     `json:"entry_count"`
	Valid      bool    `json:"valid"`
	Checks     []Check `json:"checks"`
}

// Failures counts failed and warning checks.
func (v Verification) Failures() (failures, warnings int) {
	for _, c := range v.Checks {
		switch c.Status {
		case CheckFail:
			failures++
		case CheckWarn:
			warnings++
		}
	}
	return failures, warnings
}

// Verify checks a ledger given in append order: genesis anchor, chain
// continuity, contiguous sequence numbers, unique IDs and timestamp order.
// Out-of-order timestamps only warn.
func Verify(entries []Entry) Verification {
	v := Verification{EntryCount: len(entries), Valid: true}
	add := func(name string, ok bool, failStatus, detail string) {
		c := Check{Name: name, Status: CheckPass, Detail: detail}
		if !ok {
			c.Status = failStatus
			if failStatus == CheckFail {
				v.Valid = false
			}
		}
		v.Checks = append(v.Checks, c)
	}

	if len(entries) == 0 {
		add("empty_chain", true, CheckPass, "no entries to verify")
		return v
	}

	if entries[0].PrevHash == GenesisHash {
		add("genesis_anchor", true, CheckFail, "")
	} else {
		add("genesis_anchor", false, CheckFail,
			fmt.Sprintf("first entry prev_hash=%s, expected genesis hash", entries[0].PrevHash))
	}

	chainOK, detail := true, fmt.Sprintf("all %d entries link correctly", len(entries))
	for i := 1; i < len(entries); i++ {
		want := entries[i-1].Hash()
		if entries[i].PrevHash != want {
			chainOK = false
			detail = fmt.Sprintf("entry %d (id=%s) has prev_hash=%s but expected %s",
				i, entries[i].ID, entries[i].PrevHash, want)
			break
		}
	}
	add("chain_continuity", chainOK, CheckFail, detail)

	seqOK, detail := true, ""
	for i := 1; i < len(entries); i++ {
		if entries[i].Sequence != entries[i-1].Sequence+1 {
			seqOK = false
			detail = fmt.Sprintf("entry %d has sequence %d after %d", i, entries[i].Sequence, entries[i-1].Sequence)
			break
		}
	}
	add("contiguous_sequence", seqOK, CheckFail, detail)

	seen := make(map[string]int, len(entries))
	dupOK, detail := true, ""
	for i, e := range entries {
		if j, ok := seen[e.ID]; ok {
			dupOK = false
			detail = fmt.Sprintf("entry %d and entry %d share id=%s", j, i, e.ID)
			break
		}
		seen[e.ID] = i
	}
	add("no_duplicate_ids", dupOK, CheckFail, detail)

	tsOK, detail := true, ""
	var prev time.Time
	for i, e := range entries {
		ts, err := time.Parse(time.RFC3339Nano, e.CreatedAt)
		if err != nil {
			tsOK = false
			detail = fmt.Sprintf("entry %d has unparseable created_at %q", i, e.CreatedAt)
			break
		}
		if !prev.IsZero() && ts.Before(prev) {
			tsOK = false
			detail = fmt.Sprintf("entry %d (created_at=%s) is earlier than entry %d", i, e.CreatedAt, i-1)
			break
		}
		prev = ts
	}
	add("monotonic_timestamps", tsOK, CheckWarn, detail)

	return v
}
