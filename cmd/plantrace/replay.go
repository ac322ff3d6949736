package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/ormasoftchile/plantrace/pkg/plan"
	"github.com/ormasoftchile/plantrace/pkg/replay"
	"github.com/ormasoftchile/plantrace/pkg/trace"
	"github.com/spf13/cobra"
)

// --- replay ---

var (
	replayTrace string
	replayRun   string
	replayCheck string
	replayLive  bool
)

var replayCmd = &cobra.Command{
	Use:   "replay [plan.yaml]",
	Short: "Rebuild a plan's bindings from a recorded trace",
	Long: `Replay reads think:end and tool:end outputs from a trace and rebuilds the
bindings without calling any bridge or tool.

With --check the replayed bindings are compared against a bindings JSON file;
with --live the plan is run again and its bindings are compared instead.`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func runReplay(cmd *cobra.Command, args []string) error {
	if replayCheck != "" && replayLive {
		return errors.New("--check and --live are mutually exclusive")
	}
	p, err := loadValidPlan(cmd.ErrOrStderr(), args[0])
	if err != nil {
		return err
	}

	var sess *session
	if replayRun != "" || replayLive {
		sess, err = openSession()
		if err != nil {
			return err
		}
		defer sess.Close()
	}

	t, err := loadReplayTrace(cmd, sess)
	if err != nil {
		return err
	}

	switch {
	case replayCheck != "":
		live, err := readBindings(replayCheck)
		if err != nil {
			return err
		}
		return checkReplay(cmd.OutOrStdout(), p, t, live)
	case replayLive:
		out, err := sess.execute(cmd.Context(), p, executeOptions{})
		if err != nil {
			return err
		}
		if out.Err != nil {
			return fmt.Errorf("live run: %w", out.Err)
		}
		return checkReplay(cmd.OutOrStdout(), p, t, out.Result.Bindings)
	}

	bindings, err := replay.Replay(p, t)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), bindings)
}

func loadReplayTrace(cmd *cobra.Command, sess *session) (*trace.Trace, error) {
	switch {
	case replayTrace != "":
		return trace.Load(replayTrace)
	case replayRun != "" && sess.store != nil:
		return sess.store.Get(cmd.Context(), replayRun)
	case replayRun != "":
		return nil, errors.New("--run needs a trace store (store in config or PLANTRACE_STORE)")
	}
	return nil, errors.New("--trace or --run is required")
}

func readBindings(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var bindings map[string]any
	if err := json.Unmarshal(data, &bindings); err != nil {
		return nil, fmt.Errorf("parse bindings %s: %w", path, err)
	}
	return bindings, nil
}

// checkReplay prints one line per mismatch and fails when there is any.
func checkReplay(w io.Writer, p *plan.Plan, t *trace.Trace, live map[string]any) error {
	mismatches, err := replay.Verify(p, t, live)
	if err != nil {
		return err
	}
	if len(mismatches) == 0 {
		fmt.Fprintf(w, "✓ replay matches (%d bindings)\n", len(live))
		return nil
	}
	for _, m := range mismatches {
		switch m.Missing {
		case "live":
			fmt.Fprintf(w, "  ✗ %s: only in replay: %s\n", m.Key, compact(m.Replayed))
		case "replayed":
			fmt.Fprintf(w, "  ✗ %s: only in live run: %s\n", m.Key, compact(m.Live))
		default:
			fmt.Fprintf(w, "  ✗ %s: live %s, replayed %s\n", m.Key, compact(m.Live), compact(m.Replayed))
		}
	}
	return fmt.Errorf("replay differs in %d binding(s)", len(mismatches))
}

func compact(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

func init() {
	replayCmd.Flags().StringVar(&replayTrace, "trace", "", "Trace file to replay")
	replayCmd.Flags().StringVar(&replayRun, "run", "", "Archived run id to replay (needs a store)")
	replayCmd.Flags().StringVar(&replayCheck, "check", "", "Bindings JSON file to compare the replay against")
	replayCmd.Flags().BoolVar(&replayLive, "live", false, "Run the plan again and compare its bindings with the replay")
	rootCmd.AddCommand(replayCmd)
}
