package cli

import (
	"github.com/spf13/cobra"

	phaseschema "github.com/Paintersrp/phaserun/schema"
)

func newSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON schema for phase manifests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := cmd.OutOrStdout().Write(phaseschema.PhasesV1Schema)
			return err
		},
	}
}
