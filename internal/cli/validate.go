package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newValidateCmd(ctx *context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a phase manifest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			manifest, err := ctx.loadManifest()
			if err != nil {
				return err
			}
			names := manifest.PhaseNames()
			fmt.Fprintf(cmd.OutOrStdout(), "Manifest %s is valid: %d phase(s): %s\n", manifest.Name, len(names), strings.Join(names, ", "))
			return nil
		},
	}
	return cmd
}
