// Package diagram draws a plan as a Mermaid flowchart or an ASCII box chart.
// Given a trace, each step is marked with how far the run got.
package diagram

import (
	"fmt"
	"strings"

	"github.com/mattn/go-runewidth"
	"github.com/ormasoftchile/plantrace/pkg/plan"
	"github.com/ormasoftchile/plantrace/pkg/trace"
)

// Format represents the output diagram format.
type Format string

const (
	FormatMermaid Format = "mermaid"
	FormatASCII   Format = "ascii"
)

// Status is what a trace says about one step.
type Status string

const (
	StatusNone    Status = ""        // no trace given
	StatusPending Status = "pending" // never started
	StatusStarted Status = "started" // started, no completion or error
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
)

// Generate produces a diagram of p. t may be nil.
func Generate(p *plan.Plan, t *trace.Trace, format Format) (string, error) {
	if p == nil {
		return "", fmt.Errorf("nil plan")
	}
	steps := collectSteps(p, t)
	switch format {
	case FormatMermaid:
		return generateMermaid(steps), nil
	case FormatASCII:
		return generateASCII(p.ID, steps), nil
	default:
		return "", fmt.Errorf("unsupported diagram format: %s", format)
	}
}

type diagramStep struct {
	id     string
	kind   plan.Kind
	detail string // tool name or prompt excerpt
	assign string // binding key when it differs from id
	status Status
}

func collectSteps(p *plan.Plan, t *trace.Trace) []diagramStep {
	out := make([]diagramStep, 0, len(p.Steps))
	for _, s := range p.Steps {
		ds := diagramStep{id: s.ID, kind: s.Kind}
		switch s.Kind {
		case plan.KindThink:
			ds.detail = truncate(strings.Join(strings.Fields(s.Prompt), " "), 32)
		case plan.KindTool:
			ds.detail = s.ToolName
			if s.Assign != "" && s.Assign != s.ID {
				ds.assign = s.Assign
			}
		}
		if t != nil {
			ds.status = stepStatus(t, s)
		}
		out = append(out, ds)
	}
	return out
}

func stepStatus(t *trace.Trace, s plan.Step) Status {
	start, end := trace.EventThinkStart, trace.EventThinkEnd
	if s.Kind == plan.KindTool {
		start, end = trace.EventToolStart, trace.EventToolEnd
	}
	if _, ok := t.Find(end, s.ID); ok {
		return StatusPassed
	}
	if _, ok := t.Find(trace.EventError, s.ID); ok {
		return StatusFailed
	}
	if _, ok := t.Find(start, s.ID); ok {
		return StatusStarted
	}
	return StatusPending
}

// --- Mermaid flowchart ---

func generateMermaid(steps []diagramStep) string {
	var b strings.Builder
	b.WriteString("flowchart TD\n")
	if len(steps) == 0 {
		b.WriteString("    START([Start]) --> END([End])\n")
		return b.String()
	}

	b.WriteString("    START([Start]) --> " + safeID(steps[0].id) + "\n")
	for i, s := range steps {
		b.WriteString("    " + nodeDefinition(s) + "\n")
		next := "END([End])"
		if i < len(steps)-1 {
			next = safeID(steps[i+1].id)
		}
		b.WriteString(fmt.Sprintf("    %s --> %s\n", safeID(s.id), next))
	}

	for _, s := range steps {
		if style := statusStyle(s.status); style != "" {
			b.WriteString(fmt.Sprintf("    style %s %s\n", safeID(s.id), style))
		}
	}
	return b.String()
}

func nodeDefinition(s diagramStep) string {
	id := safeID(s.id)
	label := escMermaid(s.id)
	if s.detail != "" {
		label += "<br/>" + escMermaid(s.detail)
	}
	if s.assign != "" {
		label += "<br/>→ " + escMermaid(s.assign)
	}
	switch s.kind {
	case plan.KindThink:
		return fmt.Sprintf(`%s(["%s %s"])`, id, stepIcon(s.kind), label)
	case plan.KindTool:
		return fmt.Sprintf(`%s[/"%s %s"/]`, id, stepIcon(s.kind), label)
	default:
		return fmt.Sprintf(`%s["%s"]`, id, label)
	}
}

func statusStyle(s Status) string {
	switch s {
	case StatusPassed:
		return "fill:#0d6,stroke:#0a5,color:#fff"
	case StatusFailed:
		return "fill:#d22,stroke:#a00,color:#fff"
	case StatusStarted:
		return "fill:#e60,stroke:#c40,color:#fff"
	case StatusPending:
		return "stroke-dasharray:4 4"
	default:
		return ""
	}
}

// --- ASCII ---

func generateASCII(name string, steps []diagramStep) string {
	var b strings.Builder
	if name == "" {
		name = "Plan"
	}
	if len(steps) == 0 {
		b.WriteString(name + " (empty)\n")
		return b.String()
	}

	// Compute uniform box width so every box and connector aligns.
	const indent = 8
	boxWidth := computeUniformBoxWidth(steps, name)
	connPad := strings.Repeat(" ", indent+1+boxWidth/2)
	pad := strings.Repeat(" ", indent)
	mid := boxWidth / 2

	b.WriteString(pad + "╔" + strings.Repeat("═", boxWidth) + "╗\n")
	b.WriteString(pad + "║" + centerPad(name, boxWidth) + "║\n")
	b.WriteString(pad + "╚" + strings.Repeat("═", mid) + "╤" + strings.Repeat("═", boxWidth-mid-1) + "╝\n")

	for _, s := range steps {
		b.WriteString(connPad + "│\n")
		writeASCIIStep(&b, s, indent, boxWidth)
	}
	return b.String()
}

func computeUniformBoxWidth(steps []diagramStep, name string) int {
	w := 22
	if nw := runewidth.StringWidth(name) + 4; nw > w {
		w = nw
	}
	for _, s := range steps {
		for _, line := range boxLines(s) {
			if lw := runewidth.StringWidth(line); lw > w {
				w = lw
			}
		}
	}
	return w
}

// boxLines returns the interior lines of a step box.
func boxLines(s diagramStep) []string {
	head := fmt.Sprintf(" %s %s ", stepIcon(s.kind), s.id)
	if g := statusGlyph(s.status); g != "" {
		head = fmt.Sprintf(" %s %s %s ", stepIcon(s.kind), s.id, g)
	}
	lines := []string{head}
	if s.detail != "" {
		lines = append(lines, "   "+s.detail+" ")
	}
	if s.assign != "" {
		lines = append(lines, " → "+s.assign+" ")
	}
	return lines
}

func writeASCIIStep(b *strings.Builder, s diagramStep, indent, boxWidth int) {
	pad := strings.Repeat(" ", indent)
	mid := boxWidth / 2

	b.WriteString(pad + "┌" + strings.Repeat("─", boxWidth) + "┐\n")
	for _, line := range boxLines(s) {
		b.WriteString(pad + "│" + line + strings.Repeat(" ", boxWidth-runewidth.StringWidth(line)) + "│\n")
	}
	b.WriteString(pad + "└" + strings.Repeat("─", mid) + "┬" + strings.Repeat("─", boxWidth-mid-1) + "┘\n")
}

// centerPad centers s within width using spaces, based on display width.
func centerPad(s string, width int) string {
	sw := runewidth.StringWidth(s)
	if sw >= width {
		return s
	}
	left := (width - sw) / 2
	return strings.Repeat(" ", left) + s + strings.Repeat(" ", width-sw-left)
}

func stepIcon(k plan.Kind) string {
	switch k {
	case plan.KindThink:
		return "💭"
	case plan.KindTool:
		return "🔧"
	default:
		return "○"
	}
}

func statusGlyph(s Status) string {
	switch s {
	case StatusPassed:
		return "✓"
	case StatusFailed:
		return "✗"
	case StatusStarted:
		return "▸"
	case StatusPending:
		return "·"
	default:
		return ""
	}
}

// --- string helpers ---

func safeID(id string) string {
	r := strings.NewReplacer("-", "_", " ", "_", ".", "_", ":", "_")
	return "s_" + r.Replace(id)
}

func escMermaid(s string) string {
	s = strings.ReplaceAll(s, `"`, "#quot;")
	s = strings.ReplaceAll(s, `'`, "#apos;")
	return s
}

func truncate(s string, max int) string {
	if runewidth.StringWidth(s) <= max {
		return s
	}
	return runewidth.Truncate(s, max, "...")
}
