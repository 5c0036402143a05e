package cli

import (
	"bytes"
	stdcontext "context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Paintersrp/phaserun/internal/cliutil"
	"github.com/Paintersrp/phaserun/internal/phase"
)

func executeRoot(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd, _ := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(stdcontext.Background())
	return stdout.String(), stderr.String(), err
}

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "phases.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	return path
}

const demoManifest = `
version: 1
name: demo
phases:
  - name: prepare
    command: ["/bin/sh", "-c", "echo preparing"]
  - name: compile
    command: ["/bin/sh", "-c", "echo compiling; exit 3"]
  - name: install
    command: ["/bin/sh", "-c", "echo installing"]
`

func TestRootCommandReadsEnvironment(t *testing.T) {
	t.Setenv("PHASERUN_FILE", "/tmp/custom.yaml")
	t.Setenv("PHASERUN_OUTPUT", "json")
	t.Setenv("PHASERUN_TMPDIR", "/var/tmp/phaserun")
	t.Setenv("PHASERUN_METRICS_FILE", "/tmp/phaserun.prom")
	t.Setenv("PHASERUN_KEEP_TMPDIR", "true")

	_, ctx := newRootCommand()
	if ctx.manifestFile != "/tmp/custom.yaml" {
		t.Fatalf("expected manifest from env, got %s", ctx.manifestFile)
	}
	if ctx.output != "json" || ctx.tmpdir != "/var/tmp/phaserun" || ctx.metricsFile != "/tmp/phaserun.prom" {
		t.Fatalf("unexpected context %+v", ctx)
	}
	if !ctx.keepTmpdir {
		t.Fatalf("expected keep tmpdir from env")
	}
}

func TestRootCommandFlagsOverrideEnvironment(t *testing.T) {
	t.Setenv("PHASERUN_FILE", "/tmp/custom.yaml")
	path := writeManifest(t, demoManifest)

	stdout, _, err := executeRoot(t, "validate", "-f", path)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(stdout, "Manifest demo is valid: 3 phase(s): prepare, compile, install") {
		t.Fatalf("unexpected output %q", stdout)
	}
}

func TestValidateReportsErrors(t *testing.T) {
	path := writeManifest(t, "version: 1\nphases: []\n")
	if _, _, err := executeRoot(t, "validate", "-f", path); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestRejectsUnknownLogLevel(t *testing.T) {
	if _, _, err := executeRoot(t, "schema", "--log-level", "loud"); err == nil || !strings.Contains(err.Error(), "invalid log level") {
		t.Fatalf("expected log level error, got %v", err)
	}
}

func TestDecodeCommand(t *testing.T) {
	cases := []struct {
		arg  string
		want string
	}{
		{arg: "0", want: "0 (exit status 0)\n"},
		{arg: "256", want: "1 (exit status 1)\n"},
		{arg: "0x200", want: "2 (exit status 2)\n"},
		{arg: "9", want: "-9 (killed by SIGKILL)\n"},
		{arg: "15", want: "-15 (killed by SIGTERM)\n"},
	}
	for _, tc := range cases {
		t.Run(tc.arg, func(t *testing.T) {
			stdout, _, err := executeRoot(t, "decode", tc.arg)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if stdout != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, stdout)
			}
		})
	}

	stdout, _, err := executeRoot(t, "decode", "--json", "137")
	if err != nil {
		t.Fatalf("decode json: %v", err)
	}
	var decoded decodedStatus
	if err := json.Unmarshal([]byte(stdout), &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Raw != 137 || decoded.Returncode != -9 {
		t.Fatalf("unexpected decoded status %+v", decoded)
	}

	for _, bad := range []string{"abc", "-1", "70000"} {
		if _, _, err := executeRoot(t, "decode", bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestSchemaCommand(t *testing.T) {
	stdout, _, err := executeRoot(t, "schema")
	if err != nil {
		t.Fatalf("schema: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(stdout), &doc); err != nil {
		t.Fatalf("schema is not JSON: %v", err)
	}
	if doc["$schema"] == nil {
		t.Fatalf("expected $schema key, got %v", doc)
	}
}

func TestRunEmitsJSONRecords(t *testing.T) {
	path := writeManifest(t, demoManifest)
	metricsFile := filepath.Join(t.TempDir(), "phaserun.prom")

	stdout, _, err := executeRoot(t, "run", "-f", path, "-o", "json", "--tmpdir", t.TempDir(), "--metrics-file", metricsFile)

	var perr *phase.PhaseError
	if !errors.As(err, &perr) || perr.Phase != "compile" || perr.Returncode != 3 {
		t.Fatalf("expected compile failure, got %v", err)
	}
	if code := exitCode(err); code != 3 {
		t.Fatalf("expected exit code 3, got %d", code)
	}

	var messages []string
	for _, line := range strings.Split(strings.TrimSpace(stdout), "\n") {
		var record cliutil.LogRecord
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			t.Fatalf("invalid record %q: %v", line, err)
		}
		if record.Type == string(phase.EventTypeLog) {
			messages = append(messages, record.Phase+":"+record.Message)
		}
	}
	want := []string{"prepare:preparing", "compile:compiling"}
	if strings.Join(messages, ",") != strings.Join(want, ",") {
		t.Fatalf("expected output %v, got %v", want, messages)
	}

	data, err := os.ReadFile(metricsFile)
	if err != nil {
		t.Fatalf("read metrics file: %v", err)
	}
	if !strings.Contains(string(data), `phaserun_phase_runs_total{outcome="failed",phase="compile"}`) {
		t.Fatalf("expected compile failure in metrics, got:\n%s", data)
	}
}

func TestRunSelectedPhasesWithTextSummary(t *testing.T) {
	path := writeManifest(t, demoManifest)

	stdout, _, err := executeRoot(t, "run", "-f", path, "-o", "text", "--tmpdir", t.TempDir(), "install", "prepare")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(stdout, "install | installing") || !strings.Contains(stdout, "prepare | preparing") {
		t.Fatalf("expected phase output, got:\n%s", stdout)
	}
	if strings.Index(stdout, "installing") > strings.Index(stdout, "preparing") {
		t.Fatalf("expected phases in requested order, got:\n%s", stdout)
	}
	if strings.Contains(stdout, "compiling") {
		t.Fatalf("unselected phase ran:\n%s", stdout)
	}
	if !strings.Contains(strings.ToUpper(stdout), "RETURNCODE") {
		t.Fatalf("expected summary table, got:\n%s", stdout)
	}
}

func TestResolveOutputMode(t *testing.T) {
	var buf bytes.Buffer
	if mode, err := resolveOutputMode("auto", &buf); err != nil || mode != outputJSON {
		t.Fatalf("expected json for non-terminal writer, got %q (%v)", mode, err)
	}
	if mode, err := resolveOutputMode("TEXT", &buf); err != nil || mode != outputText {
		t.Fatalf("expected text, got %q (%v)", mode, err)
	}
	if _, err := resolveOutputMode("yaml", &buf); err == nil {
		t.Fatalf("expected error for unknown format")
	}
}

func TestExitCode(t *testing.T) {
	if code := exitCode(errors.New("boom")); code != 1 {
		t.Fatalf("expected 1 for generic errors, got %d", code)
	}
	signaled := &phase.PhaseError{Phase: "x", Returncode: -9}
	if code := exitCode(signaled); code != 1 {
		t.Fatalf("expected 1 for signaled phases, got %d", code)
	}
	joined := errors.Join(errors.New("other"), &phase.PhaseError{Phase: "x", Returncode: 4})
	if code := exitCode(joined); code != 4 {
		t.Fatalf("expected 4, got %d", code)
	}
}
