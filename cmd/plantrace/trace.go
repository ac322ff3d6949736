package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/ormasoftchile/plantrace/pkg/trace"
	"github.com/spf13/cobra"
)

// Step status glyphs convey meaning without relying on color alone.
const (
	glyphStarted = "▸"
	glyphPassed  = "✓"
	glyphFailed  = "✗"
	glyphPlan    = "◆"
)

var (
	colorGreen = lipgloss.Color("42")
	colorRed   = lipgloss.Color("196")
	colorCyan  = lipgloss.Color("51")
	colorDim   = lipgloss.Color("240")
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(colorCyan)
	passStyle   = lipgloss.NewStyle().Foreground(colorGreen)
	failStyle   = lipgloss.NewStyle().Foreground(colorRed)
	dimStyle    = lipgloss.NewStyle().Foreground(colorDim)
	typeStyle   = lipgloss.NewStyle().Width(12)
)

var traceCmd = &cobra.Command{
	Use:   "trace",
	Short: "Inspect recorded traces",
}

// --- trace show ---

var (
	traceShowRun    string
	traceShowEvents bool
)

var traceShowCmd = &cobra.Command{
	Use:   "show [trace.json]",
	Short: "Summarize a trace file or archived run",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			t   *trace.Trace
			err error
		)
		switch {
		case len(args) == 1:
			t, err = trace.Load(args[0])
		case traceShowRun != "":
			var sess *session
			sess, err = openSession()
			if err != nil {
				return err
			}
			defer sess.Close()
			if sess.store == nil {
				return errors.New("--run needs a trace store (store in config or PLANTRACE_STORE)")
			}
			t, err = sess.store.Get(cmd.Context(), traceShowRun)
		default:
			return errors.New("a trace file or --run is required")
		}
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), renderTrace(t, traceShowEvents))
		return nil
	},
}

// renderTrace formats the summary of t, followed by its event timeline
// when events is set.
func renderTrace(t *trace.Trace, events bool) string {
	s := trace.Summarize(t)
	var b strings.Builder

	fmt.Fprintf(&b, "%s\n", headerStyle.Render(fmt.Sprintf("%s plan %s", glyphPlan, s.PlanID)))
	status := passStyle.Render(glyphPassed + " succeeded")
	if !s.Succeeded {
		status = failStyle.Render(glyphFailed + " failed")
	}
	fmt.Fprintf(&b, "  status:   %s\n", status)
	fmt.Fprintf(&b, "  steps:    %d completed\n", s.StepsCompleted)
	fmt.Fprintf(&b, "  events:   %d (%d errors)\n", s.Events, s.Errors)
	fmt.Fprintf(&b, "  duration: %s\n", s.Duration.Truncate(time.Millisecond))
	if s.PromptTokens+s.CompletionTokens > 0 {
		fmt.Fprintf(&b, "  tokens:   %d prompt, %d completion\n", s.PromptTokens, s.CompletionTokens)
	}
	if s.LastError != "" {
		fmt.Fprintf(&b, "  error:    %s\n", failStyle.Render(s.LastError))
	}

	if events && len(t.Events) > 0 {
		b.WriteString("\n")
		start := t.Events[0].TS
		for _, e := range t.Events {
			writeEvent(&b, e, start)
		}
	}
	return b.String()
}

func writeEvent(w io.Writer, e trace.Event, start int64) {
	offset := dimStyle.Render(fmt.Sprintf("%+7dms", e.TS-start))
	glyph := " "
	switch e.Type {
	case trace.EventThinkStart, trace.EventToolStart:
		glyph = glyphStarted
	case trace.EventThinkEnd, trace.EventToolEnd:
		glyph = passStyle.Render(glyphPassed)
	case trace.EventError:
		glyph = failStyle.Render(glyphFailed)
	case trace.EventPlanStart, trace.EventPlanEnd:
		glyph = glyphPlan
	}

	detail := e.StepID
	switch {
	case e.Type == trace.EventPlanStart:
		detail = e.PlanID
	case e.Type == trace.EventError:
		detail = strings.TrimSpace(e.StepID + " " + e.Message)
	case e.ToolName != "":
		detail += " (" + e.ToolName + ")"
	}
	if e.DurationMs != nil {
		detail += dimStyle.Render(fmt.Sprintf(" %dms", *e.DurationMs))
	}
	fmt.Fprintf(w, "  %s %s %s %s\n", offset, glyph, typeStyle.Render(string(e.Type)), detail)
}

// --- trace list ---

var traceListPlan string

var traceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List archived runs, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, err := openSession()
		if err != nil {
			return err
		}
		defer sess.Close()
		if sess.store == nil {
			return errors.New("no trace store configured (store in config or PLANTRACE_STORE)")
		}
		runs, err := sess.store.List(cmd.Context(), traceListPlan)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No archived runs.")
			return nil
		}
		for _, r := range runs {
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %-20s %s  %d events\n",
				statusIcon(r.Succeeded), r.ID, r.PlanID,
				r.CreatedAt.Local().Format("2006-01-02 15:04:05"), r.Events)
		}
		return nil
	},
}

func statusIcon(ok bool) string {
	if ok {
		return passStyle.Render(glyphPassed)
	}
	return failStyle.Render(glyphFailed)
}

func init() {
	traceShowCmd.Flags().StringVar(&traceShowRun, "run", "", "Archived run id to show")
	traceShowCmd.Flags().BoolVar(&traceShowEvents, "events", false, "Print the event timeline")
	traceListCmd.Flags().StringVar(&traceListPlan, "plan", "", "Only list runs of this plan id")

	traceCmd.AddCommand(traceShowCmd)
	traceCmd.AddCommand(traceListCmd)
	rootCmd.AddCommand(traceCmd)
}
