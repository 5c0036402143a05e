package cli

import (
	stdcontext "context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/go-clog/clog"
	"github.com/spf13/cobra"

	"github.com/Paintersrp/phaserun/internal/config"
	"github.com/Paintersrp/phaserun/internal/phase"
)

const defaultManifest = "phases.yaml"

func NewRootCmd() *cobra.Command {
	root, _ := newRootCommand()
	return root
}

func newRootCommand() (*cobra.Command, *context) {
	ctx := contextFromEnv()

	root := &cobra.Command{
		Use:   "phaserun",
		Short: "Run build phases under non-blocking process supervision",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging(ctx.logLevel, ctx.logFile)
		},
	}

	root.PersistentFlags().
		StringVarP(&ctx.manifestFile, "file", "f", ctx.manifestFile, "Path to phase manifest")
	root.PersistentFlags().StringVar(&ctx.logLevel, "log-level", ctx.logLevel, "Diagnostic log level (trace, info, warn, error)")
	root.PersistentFlags().StringVar(&ctx.logFile, "log-file", ctx.logFile, "Also write diagnostics to this file")
	root.PersistentFlags().StringVar(&ctx.tmpdir, "tmpdir", ctx.tmpdir, "Directory for private phase temp dirs")
	root.PersistentFlags().StringVar(&ctx.metricsFile, "metrics-file", ctx.metricsFile, "Write Prometheus metrics to this file after a run")
	root.PersistentFlags().StringVarP(&ctx.output, "output", "o", ctx.output, "Output format (auto, text, json)")

	root.AddCommand(newRunCmd(ctx))
	root.AddCommand(newValidateCmd(ctx))
	root.AddCommand(newDecodeCmd())
	root.AddCommand(newSchemaCmd())

	root.SilenceUsage = true
	root.SilenceErrors = true

	return root, ctx
}

// Execute runs the CLI entrypoint.
func Execute() {
	ctx, stop := signal.NotifyContext(stdcontext.Background(), os.Interrupt, syscall.SIGTERM)

	root := NewRootCmd()
	root.SetContext(ctx)

	err := root.ExecuteContext(ctx)
	stop()
	clog.Shutdown()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

// exitCode mirrors the return code of the first failed phase when it exited
// normally, and is 1 otherwise.
func exitCode(err error) int {
	var perr *phase.PhaseError
	if errors.As(err, &perr) && perr.Returncode > 0 && perr.Err == nil && !perr.TimedOut {
		return perr.Returncode
	}
	return 1
}

type context struct {
	manifestFile string
	logLevel     string
	logFile      string
	tmpdir       string
	metricsFile  string
	output       string
	keepTmpdir   bool
}

func contextFromEnv() *context {
	ctx := &context{
		manifestFile: defaultManifest,
		logLevel:     "warn",
		output:       string(outputAuto),
	}
	if value := os.Getenv("PHASERUN_FILE"); value != "" {
		ctx.manifestFile = value
	}
	if value := os.Getenv("PHASERUN_LOG_LEVEL"); value != "" {
		ctx.logLevel = value
	}
	ctx.logFile = os.Getenv("PHASERUN_LOG_FILE")
	ctx.tmpdir = os.Getenv("PHASERUN_TMPDIR")
	ctx.metricsFile = os.Getenv("PHASERUN_METRICS_FILE")
	if value := os.Getenv("PHASERUN_OUTPUT"); value != "" {
		ctx.output = value
	}
	if value := os.Getenv("PHASERUN_KEEP_TMPDIR"); value != "" {
		if keep, err := strconv.ParseBool(value); err == nil {
			ctx.keepTmpdir = keep
		}
	}
	return ctx
}

func (c *context) loadManifest() (*config.Manifest, error) {
	path := c.manifestFile
	if path == "" {
		path = defaultManifest
	}
	return config.Load(path)
}

var logLevels = map[string]clog.LEVEL{
	"trace": clog.TRACE,
	"info":  clog.INFO,
	"warn":  clog.WARN,
	"error": clog.ERROR,
}

func parseLogLevel(value string) (clog.LEVEL, error) {
	level, ok := logLevels[strings.ToLower(strings.TrimSpace(value))]
	if !ok {
		return 0, fmt.Errorf("invalid log level %q (expected trace, info, warn or error)", value)
	}
	return level, nil
}

var loggingOnce sync.Once

// setupLogging installs the clog receivers. clog is process global, so the
// first configuration wins.
func setupLogging(levelName, logFile string) error {
	level, err := parseLogLevel(levelName)
	if err != nil {
		return err
	}
	loggingOnce.Do(func() {
		err = clog.New(clog.CONSOLE, clog.ConsoleConfig{
			Level:      level,
			BufferSize: 100,
		})
		if err != nil {
			err = fmt.Errorf("initialize console logging: %w", err)
			return
		}
		if logFile == "" {
			return
		}
		err = clog.New(clog.FILE, clog.FileConfig{
			Level:      clog.TRACE,
			BufferSize: 100,
			Filename:   logFile,
			FileRotationConfig: clog.FileRotationConfig{
				Rotate:  true,
				MaxSize: 1 << 24,
				MaxDays: 7,
			},
		})
		if err != nil {
			err = fmt.Errorf("initialize file logging: %w", err)
		}
	})
	return err
}
