package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqttadmin/mosquitto-auth/config"
	"github.com/mqttadmin/mosquitto-auth/storage"
	bboltstorage "github.com/mqttadmin/mosquitto-auth/storage/bbolt"
)

// buildValidChain returns n correctly chained entries in append order.
func buildValidChain(n int) []storage.Entry {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	entries := make([]storage.Entry, 0, n)
	var prev *storage.Entry
	for i := range n {
		e := storage.Seal(storage.Entry{
			Action: "user_added",
			Target: fmt.Sprintf("user_%d", i),
			Actor:  "api-key",
		}, prev, uint64(i+1), base.Add(time.Duration(i)*time.Second))
		entries = append(entries, e)
		prev = &entries[len(entries)-1]
	}
	return entries
}

func TestDecodeLedger_Array(t *testing.T) {
	chain := buildValidChain(3)
	data, err := json.Marshal(chain)
	require.NoError(t, err)

	got, err := decodeLedger(data)
	require.NoError(t, err)
	assert.Equal(t, chain, got)
}

func TestDecodeLedger_APIExportNewestFirst(t *testing.T) {
	chain := buildValidChain(4)
	reversed := slices.Clone(chain)
	slices.Reverse(reversed)
	data, err := json.Marshal(map[string]any{
		"entries":  reversed,
		"total":    4,
		"has_more": false,
	})
	require.NoError(t, err)

	got, err := decodeLedger(data)
	require.NoError(t, err)
	assert.Equal(t, chain, got)
	assert.True(t, storage.Verify(got).Valid)
}

func TestDecodeLedger_Invalid(t *testing.T) {
	for _, in := range []string{"", "   ", "{not json", "[1,2"} {
		_, err := decodeLedger([]byte(in))
		assert.Error(t, err, "%q", in)
	}
}

func TestPrintHumanResult_Valid(t *testing.T) {
	var buf bytes.Buffer
	printHumanResult(&buf, verifyResult{Source: "audit.json", Verification: storage.Verify(buildValidChain(3))})

	out := buf.String()
	assert.Contains(t, out, "Audit chain verification: audit.json")
	assert.Contains(t, out, "Entries: 3")
	assert.Contains(t, out, "[PASS] genesis_anchor")
	assert.Contains(t, out, "[PASS] chain_continuity: all 3 entries link correctly")
	assert.Contains(t, out, "Result: VALID")
	assert.NotContains(t, out, "[FAIL]")
}

func TestPrintHumanResult_Tampered(t *testing.T) {
	chain := buildValidChain(3)
	chain[1].Action = "ca_deleted"
	chain[1].ID = "forged"

	var buf bytes.Buffer
	printHumanResult(&buf, verifyResult{Source: "ledger", Verification: storage.Verify(chain)})

	out := buf.String()
	assert.Contains(t, out, "[FAIL] chain_continuity")
	assert.Contains(t, out, "Result: INVALID (1 error(s), 0 warning(s))")
}

func TestPrintHumanResult_Warning(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	first := storage.Seal(storage.Entry{Action: "a"}, nil, 1, base)
	second := storage.Seal(storage.Entry{Action: "b"}, &first, 2, base.Add(-time.Minute))

	var buf bytes.Buffer
	printHumanResult(&buf, verifyResult{Source: "ledger", Verification: storage.Verify([]storage.Entry{first, second})})

	out := buf.String()
	assert.Contains(t, out, "[WARN] monotonic_timestamps")
	assert.Contains(t, out, "Result: VALID")
}

func TestLoadAndVerify_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "export.json")
	data, err := json.Marshal(map[string]any{"entries": buildValidChain(2)})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	result, err := loadAndVerify(&cobra.Command{}, []string{path})
	require.NoError(t, err)
	assert.Equal(t, path, result.Source)
	assert.True(t, result.Valid)
	assert.Equal(t, 2, result.EntryCount)

	_, err = loadAndVerify(&cobra.Command{}, []string{filepath.Join(t.TempDir(), "missing.json")})
	assert.ErrorContains(t, err, "cannot read file")
}

func TestLoadAndVerify_Ledger(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "audit.db")
	repo, err := bboltstorage.NewRepositoryFromFile(dbPath, nil)
	require.NoError(t, err)
	for _, action := range []string{"ca_generated", "broker_generated", "user_added"} {
		_, err := repo.Append(t.Context(), storage.Entry{Action: action})
		require.NoError(t, err)
	}
	require.NoError(t, repo.Close())

	prev := cfg
	t.Cleanup(func() { cfg = prev })
	cfg = &config.Config{AuditDB: dbPath}

	cmd := &cobra.Command{}
	cmd.SetContext(t.Context())
	result, err := loadAndVerify(cmd, nil)
	require.NoError(t, err)
	assert.Equal(t, dbPath, result.Source)
	assert.True(t, result.Valid)
	assert.Equal(t, 3, result.EntryCount)
}
