package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"golang.org/x/term"

	"github.com/Paintersrp/phaserun/internal/cliutil"
	"github.com/Paintersrp/phaserun/internal/phase"
)

type outputMode string

const (
	outputAuto outputMode = "auto"
	outputText outputMode = "text"
	outputJSON outputMode = "json"
)

// resolveOutputMode picks text for terminals and JSON otherwise when the mode
// is auto.
func resolveOutputMode(value string, out io.Writer) (outputMode, error) {
	switch mode := outputMode(strings.ToLower(strings.TrimSpace(value))); mode {
	case outputText, outputJSON:
		return mode, nil
	case outputAuto, "":
		if f, ok := out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			return outputText, nil
		}
		return outputJSON, nil
	default:
		return "", fmt.Errorf("invalid output format %q (expected auto, text or json)", value)
	}
}

// printEvents renders events until the channel is closed.
func printEvents(out, errOut io.Writer, mode outputMode, events <-chan phase.Event) {
	var enc *json.Encoder
	if mode == outputJSON {
		enc = json.NewEncoder(out)
	}
	for evt := range events {
		if enc != nil {
			cliutil.EncodeLogEvent(enc, errOut, evt)
			continue
		}
		fmt.Fprintln(out, formatEventText(evt))
	}
}

func formatEventText(evt phase.Event) string {
	ts := evt.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	prefix := fmt.Sprintf("%s %s", ts.Format("15:04:05"), evt.Phase)
	msg := cliutil.RedactSecrets(evt.Message)
	if evt.Type == phase.EventTypeLog {
		return fmt.Sprintf("%s | %s", prefix, msg)
	}
	line := fmt.Sprintf("%s * %s: %s", prefix, evt.Type, msg)
	// A phase error only repeats the message.
	var perr *phase.PhaseError
	if evt.Err != nil && !errors.As(evt.Err, &perr) {
		line += ": " + cliutil.RedactSecrets(evt.Err.Error())
	}
	return line
}

// renderSummary prints one row per executed phase.
func renderSummary(out io.Writer, results []phase.Result, keepTmpdir bool) {
	if len(results) == 0 {
		return
	}
	header := []string{"phase", "result", "returncode", "duration"}
	if keepTmpdir {
		header = append(header, "tmpdir")
	}
	table := tablewriter.NewWriter(out)
	table.SetHeader(header)
	for _, res := range results {
		row := []string{
			res.Phase,
			summaryResult(res),
			strconv.Itoa(res.Returncode),
			res.Duration.Round(time.Millisecond).String(),
		}
		if keepTmpdir {
			row = append(row, res.Tmpdir)
		}
		table.Append(row)
	}
	table.Render()
}

func summaryResult(res phase.Result) string {
	switch {
	case res.TimedOut:
		return "timeout"
	case res.Cancelled && res.Returncode != 0:
		return "cancelled"
	case res.Returncode == 0:
		return "ok"
	default:
		return phase.DescribeReturncode(res.Returncode)
	}
}
