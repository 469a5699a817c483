package gates

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"maestro/internal/fault"
	"maestro/internal/tools"
)

func writeGatesFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeGatesFile(t, "gates.yaml", `
gates:
  - name: build
    command: go build ./...
    timeout_seconds: 120
  - name: test
    command: go test ./...
    dir: /tmp
`)
	gates, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(gates) != 2 {
		t.Fatalf("len(gates) = %d, want 2", len(gates))
	}
	if gates[0].Name != "build" || gates[0].TimeoutSeconds != 120 {
		t.Fatalf("gates[0] = %+v", gates[0])
	}
	if gates[1].Dir != "/tmp" {
		t.Fatalf("gates[1].Dir = %q, want /tmp", gates[1].Dir)
	}
}

func TestLoadJSON5(t *testing.T) {
	path := writeGatesFile(t, "gates.json5", `{
  // comments and trailing commas are fine here
  "gates": [
    {"name": "lint", "command": "go vet ./..."},
  ],
}`)
	gates, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(gates) != 1 || gates[0].Name != "lint" {
		t.Fatalf("gates = %+v", gates)
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("GATE_TARGET", "./internal/...")
	path := writeGatesFile(t, "gates.yaml", `
gates:
  - name: vet
    command: go vet ${GATE_TARGET}
`)
	gates, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if want := "go vet ./internal/..."; gates[0].Command != want {
		t.Fatalf("Command = %q, want %q", gates[0].Command, want)
	}
}

func TestLoadRejectsBadDefinitions(t *testing.T) {
	cases := []struct {
		name    string
		file    string
		content string
	}{
		{name: "empty", file: "gates.yaml", content: ""},
		{name: "no gates key", file: "gates.yaml", content: "other: true\n"},
		{name: "missing name", file: "gates.yaml", content: "gates:\n  - command: go build\n"},
		{name: "missing command", file: "gates.yaml", content: "gates:\n  - name: build\n"},
		{name: "duplicate name", file: "gates.yaml", content: "gates:\n  - name: a\n    command: echo a\n  - name: a\n    command: echo a\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeGatesFile(t, tc.file, tc.content)
			_, err := Load(path)
			if err == nil {
				t.Fatal("Load() accepted a bad gates file")
			}
			if !fault.IsKind(err, fault.KindConfig) {
				t.Fatalf("Load() error = %v, want config fault", err)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatal("Load() succeeded on a missing file")
	}
	if !fault.IsKind(err, fault.KindConfig) {
		t.Fatalf("Load() error = %v, want config fault", err)
	}
}

func TestDefaultsAreValid(t *testing.T) {
	if err := validate(Defaults()); err != nil {
		t.Fatalf("validate(Defaults()) error = %v", err)
	}
}

func TestRunAllPass(t *testing.T) {
	r := NewRunner(tools.NewExecHost())
	summary := r.Run(context.Background(), []Gate{
		{Name: "one", Command: "echo one"},
		{Name: "two", Command: "echo two"},
	}, false)
	if !summary.Ok() {
		t.Fatalf("Ok() = false, summary = %+v", summary)
	}
	if summary.Passed != 2 || summary.Failed != 0 || summary.Total != 2 {
		t.Fatalf("summary = %+v", summary)
	}
	if summary.Results[0].Output != "" {
		t.Fatalf("passing gate carried output %q", summary.Results[0].Output)
	}
}

func TestRunRecordsFailureAndContinues(t *testing.T) {
	r := NewRunner(tools.NewExecHost())
	summary := r.Run(context.Background(), []Gate{
		{Name: "bad", Command: "echo broken >&2; exit 2"},
		{Name: "good", Command: "echo fine"},
	}, false)
	if summary.Ok() {
		t.Fatal("Ok() = true with a failing gate")
	}
	if summary.Passed != 1 || summary.Failed != 1 {
		t.Fatalf("summary = %+v", summary)
	}
	bad := summary.Results[0]
	if bad.Passed || bad.ExitCode != 2 {
		t.Fatalf("bad gate result = %+v", bad)
	}
	if !strings.Contains(bad.Output, "broken") {
		t.Fatalf("Output = %q, want stderr captured", bad.Output)
	}
}

func TestRunFailFastStopsAtFirstFailure(t *testing.T) {
	r := NewRunner(tools.NewExecHost())
	summary := r.Run(context.Background(), []Gate{
		{Name: "bad", Command: "exit 1"},
		{Name: "never", Command: "echo never"},
	}, true)
	if len(summary.Results) != 1 {
		t.Fatalf("len(Results) = %d, want 1", len(summary.Results))
	}
	if summary.Total != 2 || summary.Failed != 1 {
		t.Fatalf("summary = %+v", summary)
	}
	if summary.Ok() {
		t.Fatal("Ok() = true after a fail-fast stop")
	}
}

func TestRunGateTimeout(t *testing.T) {
	r := NewRunner(tools.NewExecHost(), WithTimeout(100*time.Millisecond))
	summary := r.Run(context.Background(), []Gate{
		{Name: "slow", Command: "sleep 5"},
	}, false)
	res := summary.Results[0]
	if res.Passed || !res.TimedOut {
		t.Fatalf("result = %+v, want timed out failure", res)
	}
}

func TestTailOutputKeepsTail(t *testing.T) {
	long := strings.Repeat("x", gateOutputCap) + "THE END"
	got := tailOutput(long, "")
	if len(got) != gateOutputCap {
		t.Fatalf("len = %d, want %d", len(got), gateOutputCap)
	}
	if !strings.HasSuffix(got, "THE END") {
		t.Fatal("tail was cut from the wrong side")
	}
}
