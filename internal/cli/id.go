package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/akshatrathore1/Panacea-sub000/internal/protocol"
)

type IDOptions struct {
	*RootOptions
	Crop     string
	Location string
	Prefix   string
}

func NewIDCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &IDOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "id",
		Short: "Generate or validate batch identifiers",
	}

	generate := &cobra.Command{
		Use:   "generate",
		Short: "Print a new batch identifier",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !protocol.ValidBatchIDPrefix(opts.Prefix) {
				return fmt.Errorf("prefix %q must be 2-4 uppercase letters", opts.Prefix)
			}
			id := protocol.NewBatchIDCodec(opts.Prefix).Generate(opts.Crop, opts.Location)
			if opts.Format == "json" {
				return writeJSONOutput(cmd.OutOrStdout(), map[string]string{"batchId": id})
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	generate.Flags().StringVar(&opts.Crop, "crop", "", "crop type (required)")
	generate.Flags().StringVar(&opts.Location, "location", "", "origin location (required)")
	generate.Flags().StringVar(&opts.Prefix, "prefix", protocol.DefaultBatchIDPrefix, "system prefix, empty for none")
	_ = generate.MarkFlagRequired("crop")
	_ = generate.MarkFlagRequired("location")

	validate := &cobra.Command{
		Use:   "validate <batch-id>",
		Short: "Check that an identifier has the batch id shape",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			valid := protocol.ValidateBatchID(args[0])
			if opts.Format == "json" {
				if err := writeJSONOutput(cmd.OutOrStdout(), map[string]any{"batchId": args[0], "valid": valid}); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s valid=%t\n", args[0], valid)
			}
			if !valid {
				return fmt.Errorf("%s is not a valid batch id", args[0])
			}
			return nil
		},
	}

	cmd.AddCommand(generate, validate)
	return cmd
}
