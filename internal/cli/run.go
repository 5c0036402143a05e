package cli

import (
	"errors"
	"fmt"

	"github.com/go-clog/clog"
	"github.com/spf13/cobra"

	"github.com/Paintersrp/phaserun/internal/eventloop"
	"github.com/Paintersrp/phaserun/internal/logmux"
	"github.com/Paintersrp/phaserun/internal/metrics"
	"github.com/Paintersrp/phaserun/internal/phase"
)

const eventBuffer = 1024

func newRunCmd(ctx *context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [phase...]",
		Short: "Run the manifest's phases in order, or only the named ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			manifest, err := ctx.loadManifest()
			if err != nil {
				return err
			}
			mode, err := resolveOutputMode(ctx.output, cmd.OutOrStdout())
			if err != nil {
				return err
			}

			loop, err := eventloop.New()
			if err != nil {
				return fmt.Errorf("create event loop: %w", err)
			}
			defer loop.Close()

			tmpRoot := ctx.tmpdir
			if tmpRoot == "" {
				tmpRoot = manifest.Tmpdir
			}
			keep := ctx.keepTmpdir || manifest.KeepTmpdir

			// The loop must not stall on a slow terminal, so output lines go
			// through the mux, which drops them rather than block.
			events := make(chan phase.Event, eventBuffer)
			mux := logmux.New(eventBuffer)
			mux.Add(events)
			printed := make(chan struct{})
			go func() {
				defer close(printed)
				printEvents(cmd.OutOrStdout(), cmd.ErrOrStderr(), mode, mux.Output())
			}()

			runner := phase.NewRunner(loop,
				phase.WithEvents(events),
				phase.WithTmpRoot(tmpRoot),
				phase.WithKeepTmpdir(keep),
			)
			clog.Trace("[cli] running manifest %s (%d phases)", manifest.Name, len(manifest.Phases))
			results, runErr := runner.RunAll(cmd.Context(), manifest, args...)
			close(events)
			mux.Close()
			<-printed

			if mode == outputText {
				renderSummary(cmd.OutOrStdout(), results, keep)
			}
			if err := metrics.WriteTextfile(ctx.metricsFile); err != nil {
				runErr = errors.Join(runErr, err)
			}
			return runErr
		},
	}
	cmd.Flags().BoolVar(&ctx.keepTmpdir, "keep-tmpdir", ctx.keepTmpdir, "Keep private phase temp dirs after the run")
	return cmd
}
