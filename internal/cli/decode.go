package cli

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Paintersrp/phaserun/internal/phase"
	"github.com/Paintersrp/phaserun/internal/runtime/process"
)

type decodedStatus struct {
	Raw         int    `json:"raw"`
	Returncode  int    `json:"returncode"`
	Description string `json:"description"`
}

func newDecodeCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "decode <status>",
		Short: "Decode a raw wait status into a return code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := parseRawStatus(args[0])
			if err != nil {
				return err
			}
			rc := process.DecodeStatus(raw)
			out := decodedStatus{Raw: raw, Returncode: rc, Description: phase.DescribeReturncode(rc)}
			if asJSON {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(out)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d (%s)\n", out.Returncode, out.Description)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the decoded status as JSON")
	return cmd
}

// parseRawStatus accepts decimal, hex (0x) or octal (0o) wait statuses.
func parseRawStatus(value string) (int, error) {
	raw, err := strconv.ParseInt(strings.TrimSpace(value), 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid wait status %q: %w", value, err)
	}
	if raw < 0 || raw > 0xffff {
		return 0, fmt.Errorf("invalid wait status %q: out of range", value)
	}
	return int(raw), nil
}
