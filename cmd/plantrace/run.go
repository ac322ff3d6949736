package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ormasoftchile/plantrace/pkg/bridge"
	"github.com/ormasoftchile/plantrace/pkg/config"
	"github.com/ormasoftchile/plantrace/pkg/plan"
	"github.com/ormasoftchile/plantrace/pkg/runner"
	"github.com/ormasoftchile/plantrace/pkg/tools"
	"github.com/ormasoftchile/plantrace/pkg/trace"
	"github.com/ormasoftchile/plantrace/pkg/tracestore"
	"github.com/spf13/cobra"
)

// --- run ---

var (
	runOut     string
	runStream  bool
	runRetries int
	runMaxStep time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run [plan.yaml]",
	Short: "Run a plan and persist its trace",
	Args:  cobra.ExactArgs(1),
	RunE:  runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	p, err := loadValidPlan(cmd.ErrOrStderr(), args[0])
	if err != nil {
		return err
	}

	sess, err := openSession()
	if err != nil {
		return err
	}
	defer sess.Close()
	if cmd.Flags().Changed("retries") {
		sess.cfg.Retries = runRetries
	}
	if cmd.Flags().Changed("max-step") {
		sess.cfg.MaxStep = config.Duration{Duration: runMaxStep}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var stream io.Writer
	if runStream {
		stream = cmd.ErrOrStderr()
	}
	out, err := sess.execute(ctx, p, executeOptions{TracePath: runOut, Stream: stream})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "trace: %s\n", out.TracePath)
	if out.Err != nil {
		return out.Err
	}
	return printJSON(cmd.OutOrStdout(), out.Result.Bindings)
}

// session holds everything built from the config for one CLI invocation.
type session struct {
	cfg    *config.Config
	logger *slog.Logger
	tools  *tools.Registry
	bridge bridge.Bridge
	env    map[string]string
	redact trace.RedactFunc
	store  *tracestore.Store
}

func openSession() (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	reg, err := newRegistry(cfg, logger)
	if err != nil {
		return nil, err
	}
	b, err := cfg.NewBridge()
	if err != nil {
		return nil, err
	}
	redact, err := cfg.Redactor(os.LookupEnv)
	if err != nil {
		return nil, err
	}

	s := &session{
		cfg:    cfg,
		logger: logger,
		tools:  reg,
		bridge: b,
		env:    cfg.RunEnv(os.LookupEnv),
		redact: redact,
	}
	if cfg.Store != "" {
		s.store, err = tracestore.Open(cfg.Store)
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *session) Close() error {
	if s.store == nil {
		return nil
	}
	return s.store.Close()
}

type executeOptions struct {
	// TracePath overrides <trace_dir>/<plan id>-<run id>.json.
	TracePath string
	// Stream receives each event as a JSON line while the plan runs.
	Stream io.Writer
}

// execution is the outcome of one plan run. Err is the run failure; the
// trace is persisted either way.
type execution struct {
	RunID     string
	TracePath string
	Result    *runner.Result
	Err       error
}

// execute runs p, persists the trace and archives it when a store is open.
// The returned error covers persistence only.
func (s *session) execute(ctx context.Context, p *plan.Plan, opts executeOptions) (*execution, error) {
	runID := tracestore.NewRunID()
	path := opts.TracePath
	if path == "" {
		path = filepath.Join(s.cfg.TraceDir, fmt.Sprintf("%s-%s.json", p.ID, runID))
	}

	var recOpts []trace.Option
	if s.redact != nil {
		recOpts = append(recOpts, trace.WithRedactor(s.redact))
	}
	if opts.Stream != nil {
		recOpts = append(recOpts, trace.WithStream(opts.Stream))
	}
	rec := trace.NewRecorder(recOpts...)

	logger := s.logger.With("run_id", runID)
	res, runErr := runner.Run(ctx, p, s.cfg.RunnerConfig(s.bridge, s.tools, s.env, logger, rec))

	if err := rec.Persist(path); err != nil {
		return nil, err
	}
	if s.store != nil {
		// The run may have been cancelled; archiving should still happen.
		if err := s.store.Save(context.WithoutCancel(ctx), runID, p.ID, res.Trace); err != nil {
			logger.Warn("archive trace failed", "error", err)
		}
	}
	return &execution{RunID: runID, TracePath: path, Result: res, Err: runErr}, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	runCmd.Flags().StringVar(&runOut, "out", "", "Trace output path (default: <trace_dir>/<plan>-<run>.json)")
	runCmd.Flags().BoolVar(&runStream, "stream", false, "Mirror trace events to stderr as JSON lines")
	runCmd.Flags().IntVar(&runRetries, "retries", 0, "Override retries per step")
	runCmd.Flags().DurationVar(&runMaxStep, "max-step", runner.DefaultMaxStep, "Override the per-attempt step timeout")
	rootCmd.AddCommand(runCmd)
}
