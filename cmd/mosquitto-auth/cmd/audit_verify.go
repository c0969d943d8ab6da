package cmd

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/mqttadmin/mosquitto-auth/storage"
)

// ledgerExport is the body of GET /audit. Verification needs only Entries.
type ledgerExport struct {
	Entries []storage.Entry `json:"entries"`
}

type verifyResult struct {
	Source string `json:"source"`
	storage.Verification
}

// decodeLedger accepts either a bare JSON array of entries or an object with
// an "entries" field, and returns the entries in append order.
func decodeLedger(data []byte) ([]storage.Entry, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errors.New("empty input")
	}
	var entries []storage.Entry
	if data[0] == '[' {
		if err := json.Unmarshal(data, &entries); err != nil {
			return nil, err
		}
	} else {
		var export ledgerExport
		if err := json.Unmarshal(data, &export); err != nil {
			return nil, err
		}
		entries = export.Entries
	}
	// The API pages newest first.
	slices.SortStableFunc(entries, func(a, b storage.Entry) int {
		switch {
		case a.Sequence < b.Sequence:
			return -1
		case a.Sequence > b.Sequence:
			return 1
		}
		return 0
	})
	return entries, nil
}

func printHumanResult(w io.Writer, result verifyResult) {
	fmt.Fprintf(w, "Audit chain verification: %s\n", result.Source)
	fmt.Fprintf(w, "Entries: %d\n\n", result.EntryCount)

	for _, c := range result.Checks {
		tag := "[PASS]"
		switch c.Status {
		case storage.CheckFail:
			tag = "[FAIL]"
		case storage.CheckWarn:
			tag = "[WARN]"
		}
		if c.Detail != "" {
			fmt.Fprintf(w, "%s %s: %s\n", tag, c.Name, c.Detail)
		} else {
			fmt.Fprintf(w, "%s %s\n", tag, c.Name)
		}
	}

	fmt.Fprintln(w)
	if result.Valid {
		fmt.Fprintln(w, "Result: VALID")
		return
	}
	failures, warnings := result.Failures()
	fmt.Fprintf(w, "Result: INVALID (%d error(s), %d warning(s))\n", failures, warnings)
}

var verifyJSONOutput bool

var auditVerifyCmd = &cobra.Command{
	Use:   "verify [file]",
	Short: "Verify the integrity of the audit hash chain",
	Long: `Without an argument, reads every entry from the configured ledger
(AUDIT_DB or AUDIT_POSTGRES_DSN). With a file, reads a JSON export: either an
object with an "entries" array, as returned by GET /api/v1/audit, or a bare
array of entries. Pages may be concatenated in any order.

Checks the genesis anchor, chain continuity, sequence contiguity, ID
uniqueness and timestamp ordering. Exits 1 when the chain is invalid and 2
when the input cannot be read.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runVerify,
}

func init() {
	auditCmd.AddCommand(auditVerifyCmd)
	auditVerifyCmd.Flags().BoolVar(&verifyJSONOutput, "json", false, "Output results as JSON")
}

func runVerify(cmd *cobra.Command, args []string) error {
	result, err := loadAndVerify(cmd, args)
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "Error: %v\n", err)
		os.Exit(2)
	}

	if verifyJSONOutput {
		if err := printJSON(cmd.OutOrStdout(), result); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "Error: %v\n", err)
			os.Exit(2)
		}
	} else {
		printHumanResult(cmd.OutOrStdout(), result)
	}

	if !result.Valid {
		os.Exit(1)
	}
	return nil
}

func loadAndVerify(cmd *cobra.Command, args []string) (verifyResult, error) {
	if len(args) == 1 {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return verifyResult{}, fmt.Errorf("cannot read file: %w", err)
		}
		entries, err := decodeLedger(data)
		if err != nil {
			return verifyResult{}, fmt.Errorf("invalid JSON: %w", err)
		}
		return verifyResult{Source: args[0], Verification: storage.Verify(entries)}, nil
	}

	ctx := cmd.Context()
	ledger, err := openLedger(ctx, cfg)
	if err != nil {
		return verifyResult{}, err
	}
	defer ledger.Close()
	entries, err := ledger.All(ctx)
	if err != nil {
		return verifyResult{}, err
	}
	source := cfg.AuditDB
	if cfg.AuditPostgresDSN != "" {
		source = "postgres"
	}
	return verifyResult{Source: source, Verification: storage.Verify(entries)}, nil
}
