package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ormasoftchile/plantrace/pkg/trace"
)

func TestRunCmd_PersistsAndReplays(t *testing.T) {
	dir := t.TempDir()
	planPath := writeFile(t, dir, "demo.yaml", demoPlan)
	tracePath := filepath.Join(dir, "out", "demo.json")

	out, errOut, err := executeCommand(t, "run", planPath, "--out", tracePath)
	if err != nil {
		t.Fatalf("run: %v\n%s", err, errOut)
	}
	var bindings map[string]any
	if err := json.Unmarshal([]byte(out), &bindings); err != nil {
		t.Fatalf("stdout is not JSON: %v: %s", err, out)
	}
	if bindings["t"] != "ECHO:hello" || bindings["shout"] != "ECHO:hello!" {
		t.Errorf("bindings = %v", bindings)
	}
	if !strings.Contains(errOut, "trace: "+tracePath) {
		t.Errorf("stderr = %q", errOut)
	}

	tr, err := trace.Load(tracePath)
	if err != nil {
		t.Fatal(err)
	}
	if !tr.Succeeded() {
		t.Error("persisted trace should end with plan:end ok")
	}

	out, _, err = executeCommand(t, "replay", planPath, "--trace", tracePath)
	if err != nil {
		t.Fatal(err)
	}
	var replayed map[string]any
	json.Unmarshal([]byte(out), &replayed)
	if replayed["shout"] != "ECHO:hello!" || len(replayed) != 2 {
		t.Errorf("replayed = %v", replayed)
	}

	out, _, err = executeCommand(t, "replay", planPath, "--trace", tracePath, "--live")
	if err != nil {
		t.Fatalf("live check: %v", err)
	}
	if !strings.Contains(out, "✓ replay matches (2 bindings)") {
		t.Errorf("stdout = %q", out)
	}
}

func TestReplayCmd_CheckReportsDifferences(t *testing.T) {
	dir := t.TempDir()
	planPath := writeFile(t, dir, "demo.yaml", demoPlan)
	tracePath := filepath.Join(dir, "demo.json")
	if _, _, err := executeCommand(t, "run", planPath, "--out", tracePath); err != nil {
		t.Fatal(err)
	}

	check := writeFile(t, dir, "live.json", `{"t": "ECHO:hello", "shout": "different", "extra": 1}`)
	out, _, err := executeCommand(t, "replay", planPath, "--trace", tracePath, "--check", check)
	if err == nil {
		t.Fatal("expected mismatch error")
	}
	for _, want := range []string{`✗ extra: only in live run: 1`, `✗ shout: live "different", replayed "ECHO:hello!"`} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q: %s", want, out)
		}
	}
}

func TestReplayCmd_NeedsTrace(t *testing.T) {
	planPath := writeFile(t, t.TempDir(), "demo.yaml", demoPlan)
	if _, _, err := executeCommand(t, "replay", planPath); err == nil || !strings.Contains(err.Error(), "--trace or --run") {
		t.Errorf("err = %v", err)
	}
	if _, _, err := executeCommand(t, "replay", planPath, "--check", "x.json", "--live"); err == nil {
		t.Error("expected error for --check with --live")
	}
}

func TestRunCmd_FailureStillPersists(t *testing.T) {
	dir := t.TempDir()
	planPath := writeFile(t, dir, "broken.yaml", `id: broken
steps:
  - id: t
    kind: think
    prompt: hi
  - id: u
    kind: tool
    toolName: does_not_exist
`)
	tracePath := filepath.Join(dir, "broken.json")

	out, _, err := executeCommand(t, "run", planPath, "--out", tracePath)
	if err == nil || !strings.Contains(err.Error(), "does_not_exist") {
		t.Errorf("err = %v", err)
	}
	if out != "" {
		t.Errorf("failed run should print no bindings, got %q", out)
	}

	tr, err := trace.Load(tracePath)
	if err != nil {
		t.Fatal(err)
	}
	if tr.Succeeded() || tr.Count(trace.EventError) != 1 {
		t.Errorf("trace = %+v", tr.Events)
	}
}

func TestRunCmd_StoreAndTraceList(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("PLANTRACE_STORE", filepath.Join(dir, "runs.db"))
	planPath := writeFile(t, dir, "demo.yaml", demoPlan)

	if _, _, err := executeCommand(t, "run", planPath); err != nil {
		t.Fatal(err)
	}
	out, _, err := executeCommand(t, "trace", "list", "--plan", "demo")
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 1 || !strings.Contains(lines[0], "demo") || !strings.Contains(lines[0], "✓") {
		t.Fatalf("list = %q", out)
	}
	runID := strings.Fields(lines[0])[1]

	out, _, err = executeCommand(t, "replay", planPath, "--run", runID)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, `"shout": "ECHO:hello!"`) {
		t.Errorf("replay by run id = %s", out)
	}

	out, _, err = executeCommand(t, "trace", "show", "--run", runID)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "plan demo") {
		t.Errorf("show = %s", out)
	}
}

func TestRunCmd_Stream(t *testing.T) {
	dir := t.TempDir()
	planPath := writeFile(t, dir, "demo.yaml", demoPlan)
	_, errOut, err := executeCommand(t, "run", planPath, "--out", filepath.Join(dir, "t.json"), "--stream")
	if err != nil {
		t.Fatal(err)
	}
	var events int
	for _, line := range strings.Split(errOut, "\n") {
		var e trace.Event
		if json.Unmarshal([]byte(line), &e) == nil && e.Type != "" {
			events++
		}
	}
	if events != 6 {
		t.Errorf("streamed %d events, want 6:\n%s", events, errOut)
	}
	if _, err := os.Stat(filepath.Join(dir, "t.json")); err != nil {
		t.Error(err)
	}
}
