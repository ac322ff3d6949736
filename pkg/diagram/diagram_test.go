package diagram

import (
	"strings"
	"testing"

	"github.com/mattn/go-runewidth"
	"github.com/ormasoftchile/plantrace/pkg/plan"
	"github.com/ormasoftchile/plantrace/pkg/trace"
)

func samplePlan() *plan.Plan {
	return &plan.Plan{ID: "triage", Steps: []plan.Step{
		plan.NewThink("step-1", "Summarize the incident\nbriefly"),
		plan.NewTool("step-2", "filter_by_source", nil, "filtered"),
		plan.NewTool("step-3", "score_signals", nil, ""),
	}}
}

func TestGenerateMermaid_LinearFlow(t *testing.T) {
	out, err := Generate(samplePlan(), nil, FormatMermaid)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(out, "flowchart TD\n") {
		t.Error("missing flowchart header")
	}
	for _, want := range []string{
		"START([Start]) --> s_step_1",
		"s_step_1 --> s_step_2",
		"s_step_3 --> END([End])",
		`s_step_1(["💭 step-1<br/>Summarize the incident briefly"])`,
		`s_step_2[/"🔧 step-2<br/>filter_by_source<br/>→ filtered"/]`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q, got:\n%s", want, out)
		}
	}
	if strings.Contains(out, "style ") {
		t.Errorf("no styles expected without a trace, got:\n%s", out)
	}
}

func TestGenerateMermaid_TraceStatus(t *testing.T) {
	tr := &trace.Trace{Version: trace.Version, Events: []trace.Event{
		{Type: trace.EventThinkStart, StepID: "step-1"},
		{Type: trace.EventThinkEnd, StepID: "step-1"},
		{Type: trace.EventToolStart, StepID: "step-2"},
		{Type: trace.EventError, StepID: "step-2", Message: "boom"},
	}}
	out, err := Generate(samplePlan(), tr, FormatMermaid)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"style s_step_1 fill:#0d6",
		"style s_step_2 fill:#d22",
		"style s_step_3 stroke-dasharray",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q, got:\n%s", want, out)
		}
	}
}

func TestStepStatus(t *testing.T) {
	tr := &trace.Trace{Events: []trace.Event{
		{Type: trace.EventToolStart, StepID: "a"},
		{Type: trace.EventError, StepID: "a"},
		{Type: trace.EventToolEnd, StepID: "a"},
		{Type: trace.EventThinkStart, StepID: "b"},
	}}
	tests := []struct {
		step plan.Step
		want Status
	}{
		{plan.NewTool("a", "x", nil, ""), StatusPassed}, // recovered after a retry
		{plan.NewThink("b", "p"), StatusStarted},
		{plan.NewThink("c", "p"), StatusPending},
	}
	for _, tt := range tests {
		if got := stepStatus(tr, tt.step); got != tt.want {
			t.Errorf("stepStatus(%s) = %q, want %q", tt.step.ID, got, tt.want)
		}
	}
}

func TestGenerateASCII_Aligned(t *testing.T) {
	out, err := Generate(samplePlan(), nil, FormatASCII)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	width := runewidth.StringWidth(lines[0])
	for _, l := range lines {
		if strings.HasPrefix(strings.TrimSpace(l), "│") && len(strings.TrimSpace(l)) <= len("│") {
			continue // connector
		}
		if w := runewidth.StringWidth(l); w != width {
			t.Errorf("line width %d, want %d: %q", w, width, l)
		}
	}
	if !strings.Contains(out, "triage") || !strings.Contains(out, "→ filtered") {
		t.Errorf("output:\n%s", out)
	}
}

func TestGenerateASCII_StatusGlyphs(t *testing.T) {
	tr := &trace.Trace{Events: []trace.Event{{Type: trace.EventThinkEnd, StepID: "step-1"}}}
	out, _ := Generate(samplePlan(), tr, FormatASCII)
	if !strings.Contains(out, "step-1 ✓") || !strings.Contains(out, "step-2 ·") {
		t.Errorf("output:\n%s", out)
	}
}

func TestGenerate_EmptyAndErrors(t *testing.T) {
	out, _ := Generate(&plan.Plan{ID: "empty"}, nil, FormatASCII)
	if out != "empty (empty)\n" {
		t.Errorf("ascii = %q", out)
	}
	out, _ = Generate(&plan.Plan{ID: "empty"}, nil, FormatMermaid)
	if !strings.Contains(out, "START([Start]) --> END([End])") {
		t.Errorf("mermaid = %q", out)
	}
	if _, err := Generate(nil, nil, FormatMermaid); err == nil {
		t.Error("expected error for nil plan")
	}
	if _, err := Generate(samplePlan(), nil, "svg"); err == nil {
		t.Error("expected error for unsupported format")
	}
}
