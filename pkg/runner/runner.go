// Package runner executes a plan: its steps run one at a time in plan order,
// each attempt under a timeout and the retry policy, with every action
// appended to a trace.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/ormasoftchile/plantrace/pkg/bridge"
	"github.com/ormasoftchile/plantrace/pkg/plan"
	"github.com/ormasoftchile/plantrace/pkg/retry"
	"github.com/ormasoftchile/plantrace/pkg/tools"
	"github.com/ormasoftchile/plantrace/pkg/trace"
)

// DefaultMaxStep is the per-attempt timeout used when Config.MaxStep is zero.
const DefaultMaxStep = 120 * time.Second

// Config is everything a run needs. Nothing is read from the process
// environment; Env is the only environment tool handlers see.
type Config struct {
	// Bridge completes think steps. Required only if the plan has one.
	Bridge bridge.Bridge
	// Tools resolves tool steps. Nil behaves as an empty registry.
	Tools *tools.Registry
	// MaxStep bounds each attempt. Zero or negative means DefaultMaxStep.
	MaxStep time.Duration
	// Retries is the number of retries per step after the first attempt.
	Retries int
	// Backoff is the wait between attempts. Nil means retry.Exponential.
	Backoff retry.Backoff
	Env     map[string]string
	// Logger defaults to a discard logger.
	Logger *slog.Logger
	// OnUsage receives token usage reported by think steps.
	OnUsage func(bridge.Usage)
	// Recorder receives the trace. Nil means a fresh recorder per run.
	Recorder *trace.Recorder
}

// Result is the outcome of a run.
type Result struct {
	Bindings map[string]any
	Trace    trace.Trace
}

type run struct {
	cfg      Config
	plan     *plan.Plan
	rec      *trace.Recorder
	log      *slog.Logger
	bindings map[string]any
}

// Run executes p. On success the trace ends with plan:end{ok:true}. On
// failure no plan:end is written, the error is returned, and the Result still
// holds the partial trace and the bindings of the steps that completed.
//
// Cancelling ctx aborts the current attempt or backoff wait and is not retried.
func Run(ctx context.Context, p *plan.Plan, cfg Config) (*Result, error) {
	if p == nil {
		return nil, errors.New("runner: nil plan")
	}
	if cfg.MaxStep <= 0 {
		cfg.MaxStep = DefaultMaxStep
	}
	if cfg.Backoff == nil {
		cfg.Backoff = retry.Exponential
	}
	if cfg.Tools == nil {
		cfg.Tools = tools.NewRegistry()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Recorder == nil {
		cfg.Recorder = trace.NewRecorder()
	}

	r := &run{
		cfg:      cfg,
		plan:     p,
		rec:      cfg.Recorder,
		log:      cfg.Logger.With("plan_id", p.ID),
		bindings: make(map[string]any),
	}

	r.log.Info("plan started", "steps", len(p.Steps))
	r.emit(trace.Event{Type: trace.EventPlanStart, PlanID: p.ID})

	for i, s := range p.Steps {
		if err := r.step(ctx, s); err != nil {
			r.log.Error("plan failed", "step_id", s.ID, "index", i, "error", err)
			return r.result(), err
		}
	}

	r.emit(trace.Event{Type: trace.EventPlanEnd, PlanID: p.ID, OK: trace.Bool(true)})
	r.log.Info("plan finished", "bindings", len(r.bindings))
	return r.result(), nil
}

func (r *run) result() *Result {
	return &Result{Bindings: r.bindings, Trace: r.rec.Snapshot()}
}

func (r *run) step(ctx context.Context, s plan.Step) error {
	switch s.Kind {
	case plan.KindThink:
		th, _ := s.Think()
		return r.think(ctx, th)
	case plan.KindTool:
		tl, _ := s.Tool()
		return r.tool(ctx, tl)
	default:
		err := goerr.New("unknown step kind", goerr.V("step_id", s.ID), goerr.V("kind", string(s.Kind)))
		r.fail(s.ID, 0, err)
		return err
	}
}

func (r *run) think(ctx context.Context, s plan.ThinkStep) error {
	r.log.Debug("think step started", "step_id", s.ID)
	r.emit(trace.Event{Type: trace.EventThinkStart, StepID: s.ID, Prompt: s.Prompt})
	start := time.Now()

	var out bridge.Completion
	err := r.retry(ctx, s.ID, func(ctx context.Context, attempt int) error {
		if r.cfg.Bridge == nil {
			return retry.Permanent(goerr.Wrap(ErrNoBridge, "think step needs a bridge", goerr.V("step_id", s.ID)))
		}
		v, err := r.attempt(ctx, s.ID, attempt, func(ctx context.Context) (any, error) {
			return r.cfg.Bridge.Complete(ctx, s.Prompt, s.System, bridge.Options{Stop: s.Stop})
		})
		if err != nil {
			return err
		}
		out = v.(bridge.Completion)
		return nil
	})
	if err != nil {
		return err
	}

	r.bindings[s.ID] = out.Text
	r.emit(trace.Event{
		Type:       trace.EventThinkEnd,
		StepID:     s.ID,
		Output:     out.Text,
		Usage:      out.Usage,
		DurationMs: trace.Int64(time.Since(start).Milliseconds()),
	})
	if out.Usage != nil && r.cfg.OnUsage != nil {
		r.cfg.OnUsage(*out.Usage)
	}
	r.log.Info("think step finished", "step_id", s.ID, "duration", time.Since(start))
	return nil
}

func (r *run) tool(ctx context.Context, s plan.ToolStep) error {
	r.log.Debug("tool step started", "step_id", s.ID, "tool", s.ToolName)
	r.emit(trace.Event{Type: trace.EventToolStart, StepID: s.ID, ToolName: s.ToolName, Input: s.Input})
	start := time.Now()

	var out any
	err := r.retry(ctx, s.ID, func(ctx context.Context, attempt int) error {
		if _, ok := r.cfg.Tools.Lookup(s.ToolName); !ok {
			return retry.Permanent(goerr.Wrap(&UnregisteredToolError{StepID: s.ID, ToolName: s.ToolName},
				"tool lookup failed", goerr.V("step_id", s.ID), goerr.V("tool", s.ToolName)))
		}
		tc := tools.Context{
			PlanID:   r.plan.ID,
			StepID:   s.ID,
			Trace:    r.rec,
			Env:      r.cfg.Env,
			Logger:   r.log.With("step_id", s.ID, "tool", s.ToolName),
			Bindings: cloneBindings(r.bindings),
		}
		v, err := r.attempt(ctx, s.ID, attempt, func(ctx context.Context) (any, error) {
			v, err := r.cfg.Tools.Invoke(ctx, s.ToolName, s.Input, tc)
			if err != nil {
				return nil, err
			}
			return jsonValue(v)
		})
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		return err
	}

	r.bindings[s.ID] = out
	if s.Assign != "" {
		r.bindings[s.Assign] = out
	}
	elapsed := time.Since(start)
	r.emit(trace.Event{
		Type:       trace.EventToolEnd,
		StepID:     s.ID,
		ToolName:   s.ToolName,
		Output:     deepCopy(out),
		DurationMs: trace.Int64(elapsed.Milliseconds()),
	})
	r.log.Info("tool step finished", "step_id", s.ID, "tool", s.ToolName, "duration", elapsed)
	return nil
}

func (r *run) retry(ctx context.Context, stepID string, op func(ctx context.Context, attempt int) error) error {
	policy := retry.Policy{Retries: r.cfg.Retries, Backoff: r.cfg.Backoff}
	var last error
	lastAttempt := 0
	err := retry.Do(ctx, policy, op, func(attempt int, err error) {
		last, lastAttempt = err, attempt
		r.fail(stepID, attempt, err)
	})
	// Cancellation during a backoff wait ends the step without a failed
	// attempt to carry it, so it is recorded here.
	if cerr := ctx.Err(); err != nil && cerr != nil && !errors.Is(last, cerr) {
		r.fail(stepID, lastAttempt+1, goerr.Wrap(cerr, "run cancelled before retry", goerr.V("step_id", stepID), goerr.V("attempt", lastAttempt+1)))
	}
	return err
}

// attempt runs fn once, racing it against the per-step limit. On timeout the
// attempt's context is cancelled and fn is left to wind down on its own; its
// late result is dropped.
func (r *run) attempt(ctx context.Context, stepID string, n int, fn func(ctx context.Context) (any, error)) (any, error) {
	actx, cancel := context.WithTimeout(ctx, r.cfg.MaxStep)
	defer cancel()

	type outcome struct {
		v   any
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := fn(actx)
		done <- outcome{v, err}
	}()

	var err error
	select {
	case o := <-done:
		if o.err == nil {
			return o.v, nil
		}
		err = o.err
	case <-actx.Done():
	}

	// A handler that gives up because its context ended reports ctx.Err();
	// classify by which context ended rather than by what it returned.
	switch {
	case ctx.Err() != nil:
		return nil, goerr.Wrap(ctx.Err(), "run cancelled", goerr.V("step_id", stepID), goerr.V("attempt", n))
	case errors.Is(actx.Err(), context.DeadlineExceeded):
		te := &TimeoutError{StepID: stepID, Attempt: n, Limit: r.cfg.MaxStep}
		return nil, goerr.Wrap(te, "step attempt timed out", goerr.V("step_id", stepID), goerr.V("attempt", n))
	default:
		return nil, goerr.Wrap(err, "step attempt failed", goerr.V("step_id", stepID), goerr.V("attempt", n))
	}
}

func (r *run) fail(stepID string, attempt int, err error) {
	r.log.Warn("step attempt failed", "step_id", stepID, "attempt", attempt, "retries", r.cfg.Retries, "error", err)
	r.emit(trace.Event{
		Type:    trace.EventError,
		StepID:  stepID,
		Message: err.Error(),
		Stack:   stackOf(err),
	})
}

func (r *run) emit(e trace.Event) {
	if err := r.rec.Append(e); err != nil {
		r.log.Warn("trace stream write failed", "type", e.Type, "error", err)
	}
}

// jsonValue returns v in the shape it has after a JSON round trip, so the
// bindings, the trace and a replay of the persisted trace all agree. A value
// JSON cannot encode is an error.
func jsonValue(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, goerr.Wrap(err, "step output is not JSON encodable")
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, goerr.Wrap(err, "decode step output")
	}
	return out, nil
}

// cloneBindings deep-copies b. Bound values are already JSON-shaped.
func cloneBindings(b map[string]any) map[string]any {
	out := make(map[string]any, len(b))
	for k, v := range b {
		out[k] = deepCopy(v)
	}
	return out
}

func deepCopy(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneBindings(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopy(item)
		}
		return out
	default:
		return v
	}
}
