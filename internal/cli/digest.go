package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/akshatrathore1/Panacea-sub000/internal/protocol"
)

type DigestResult struct {
	BatchID   string `json:"batchId"`
	Digest    string `json:"digest"`
	Canonical string `json:"canonical,omitempty"`
}

func NewDigestCommand(rootOpts *RootOptions) *cobra.Command {
	var showCanonical bool
	cmd := &cobra.Command{
		Use:   "digest <metadata.json|->",
		Short: "Compute the metadata digest of a stored batch document",
		Long: `Compute the keccak-256 digest over the hashed fields of a batch
metadata document. Mutable fields (status, owner, history, anchors) do not
affect the result.

Examples:
  provenancectl digest batch.json
  curl -s $API/v1/batches/KA-WHE-DE-123456 | jq .metadata | provenancectl digest -`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readInput(cmd, args[0])
			if err != nil {
				return fmt.Errorf("read metadata: %w", err)
			}
			var m protocol.BatchMetadata
			if err := json.Unmarshal(raw, &m); err != nil {
				return fmt.Errorf("decode metadata: %w", err)
			}
			digest, err := protocol.MetadataDigest(m)
			if err != nil {
				return err
			}
			result := DigestResult{BatchID: m.BatchID, Digest: digest}
			if showCanonical {
				if result.Canonical, err = protocol.CanonicalString(m.HashView()); err != nil {
					return err
				}
			}
			if rootOpts.Format == "json" {
				return writeJSONOutput(cmd.OutOrStdout(), result)
			}
			fmt.Fprintln(cmd.OutOrStdout(), digest)
			if showCanonical {
				fmt.Fprintln(cmd.OutOrStdout(), result.Canonical)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&showCanonical, "canonical", false, "also print the canonical form that is hashed")
	return cmd
}
