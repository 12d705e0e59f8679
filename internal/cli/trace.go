package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/akshatrathore1/Panacea-sub000/internal/protocol"
)

func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "trace <batch-id>",
		Short: "Show the reconciled ownership timeline of a batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			view, err := fetchTrace(cmd.Context(), rootOpts, args[0])
			if err != nil {
				return err
			}
			if rootOpts.Format == "json" {
				return writeJSONOutput(cmd.OutOrStdout(), view)
			}
			outputTraceText(cmd.OutOrStdout(), view)
			return nil
		},
	}
}

func fetchTrace(ctx context.Context, opts *RootOptions, batchID string) (protocol.TraceView, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	endpoint := strings.TrimRight(opts.APIURL, "/") + "/v1/batches/" + url.PathEscape(batchID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return protocol.TraceView{}, err
	}
	if opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+opts.Token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return protocol.TraceView{}, fmt.Errorf("fetch trace: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return protocol.TraceView{}, fmt.Errorf("read trace: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr protocol.ErrorResponse
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Code != "" {
			return protocol.TraceView{}, fmt.Errorf("api error %s: %s", apiErr.Error.Code, apiErr.Error.Message)
		}
		return protocol.TraceView{}, fmt.Errorf("api returned status %d", resp.StatusCode)
	}
	var view protocol.TraceView
	if err := json.Unmarshal(body, &view); err != nil {
		return protocol.TraceView{}, fmt.Errorf("decode trace: %w", err)
	}
	return view, nil
}

func outputTraceText(w io.Writer, view protocol.TraceView) {
	if !view.Found {
		fmt.Fprintf(w, "batch %s not found\n", view.BatchID)
		return
	}
	fmt.Fprintf(w, "batch:          %s\n", view.BatchID)
	fmt.Fprintf(w, "current owner:  %s\n", view.CurrentOwner)
	fmt.Fprintf(w, "metadata valid: %t\n", view.MetadataValid)
	if view.PendingSync {
		fmt.Fprintln(w, "pending sync:   true")
	}
	fmt.Fprintln(w, "timeline:")
	for _, e := range view.Timeline {
		from := "-"
		if e.From != nil {
			from = *e.From
		}
		fmt.Fprintf(w, "  %s  %s -> %s  [%s]", protocol.FormatTimestamp(e.Timestamp), from, e.To, e.Source)
		if e.TransactionHash != "" {
			fmt.Fprintf(w, " tx=%s", e.TransactionHash)
		}
		if e.Note != "" {
			fmt.Fprintf(w, " %q", e.Note)
		}
		fmt.Fprintln(w)
	}
}

// VerifyReport is the offline recheck of a trace.
type VerifyReport struct {
	BatchID           string `json:"batchId"`
	ComputedHash      string `json:"computedHash"`
	StoredHash        string `json:"storedHash"`
	LedgerHash        string `json:"ledgerHash,omitempty"`
	HashMatchesStore  bool   `json:"hashMatchesStore"`
	HashMatchesLedger bool   `json:"hashMatchesLedger"`
	ChainValid        bool   `json:"chainValid"`
	ChainError        string `json:"chainError,omitempty"`
	OwnerConsistent   bool   `json:"ownerConsistent"`
	Passed            bool   `json:"passed"`
}

var errVerifyFailed = errors.New("verification failed")

func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "verify [batch-id]",
		Short: "Recompute a batch digest and check its ownership chain",
		Long: `Recompute the metadata digest of a traced batch and compare it to the
stored hash and the hash anchored on the ledger. The ownership history must
form an unbroken chain ending at the current owner.

Examples:
  provenancectl verify KA-WHE-DE-123456
  provenancectl verify --file trace.json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var view protocol.TraceView
			switch {
			case file != "":
				raw, err := readInput(cmd, file)
				if err != nil {
					return fmt.Errorf("read trace: %w", err)
				}
				if err := json.Unmarshal(raw, &view); err != nil {
					return fmt.Errorf("decode trace: %w", err)
				}
			case len(args) == 1:
				var err error
				if view, err = fetchTrace(cmd.Context(), rootOpts, args[0]); err != nil {
					return err
				}
			default:
				return errors.New("a batch id or --file is required")
			}
			report, err := VerifyTrace(view)
			if err != nil {
				return err
			}
			if rootOpts.Format == "json" {
				if err := writeJSONOutput(cmd.OutOrStdout(), report); err != nil {
					return err
				}
			} else {
				outputVerifyText(cmd.OutOrStdout(), report)
			}
			if !report.Passed {
				return errVerifyFailed
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "read a trace document from a file, - for stdin")
	return cmd
}

func VerifyTrace(view protocol.TraceView) (VerifyReport, error) {
	if !view.Found || view.Metadata == nil {
		return VerifyReport{}, fmt.Errorf("batch %s not found", view.BatchID)
	}
	m := *view.Metadata
	computed, err := protocol.MetadataDigest(m)
	if err != nil {
		return VerifyReport{}, err
	}
	report := VerifyReport{
		BatchID:          m.BatchID,
		ComputedHash:     computed,
		StoredHash:       m.MetadataHash,
		HashMatchesStore: protocol.EqualDigest(computed, m.MetadataHash),
		ChainValid:       true,
	}
	if view.OnChainBatch != nil {
		report.LedgerHash = view.OnChainBatch.MetadataHash
		report.HashMatchesLedger = protocol.EqualDigest(computed, view.OnChainBatch.MetadataHash)
	}
	if err := protocol.ValidateOwnershipChain(m.OwnershipHistory); err != nil {
		report.ChainValid = false
		report.ChainError = err.Error()
	}
	if n := len(m.OwnershipHistory); n > 0 {
		report.OwnerConsistent = protocol.SameAddress(m.OwnershipHistory[n-1].To, m.CurrentOwner)
	}
	report.Passed = report.HashMatchesStore && report.ChainValid && report.OwnerConsistent &&
		(view.OnChainBatch == nil || report.HashMatchesLedger)
	return report, nil
}

func outputVerifyText(w io.Writer, r VerifyReport) {
	fmt.Fprintf(w, "batch:            %s\n", r.BatchID)
	fmt.Fprintf(w, "computed hash:    %s\n", r.ComputedHash)
	fmt.Fprintf(w, "stored hash:      %s (match=%t)\n", r.StoredHash, r.HashMatchesStore)
	if r.LedgerHash != "" {
		fmt.Fprintf(w, "ledger hash:      %s (match=%t)\n", r.LedgerHash, r.HashMatchesLedger)
	}
	fmt.Fprintf(w, "ownership chain:  valid=%t %s\n", r.ChainValid, r.ChainError)
	fmt.Fprintf(w, "owner consistent: %t\n", r.OwnerConsistent)
	if r.Passed {
		fmt.Fprintln(w, "PASS")
	} else {
		fmt.Fprintln(w, "FAIL")
	}
}
