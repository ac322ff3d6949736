package replay

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/ormasoftchile/plantrace/pkg/bridge"
	"github.com/ormasoftchile/plantrace/pkg/plan"
	"github.com/ormasoftchile/plantrace/pkg/runner"
	"github.com/ormasoftchile/plantrace/pkg/tools"
	"github.com/ormasoftchile/plantrace/pkg/trace"
)

type counters struct {
	bridge atomic.Int32
	tool   atomic.Int32
}

func liveRun(t *testing.T) (*plan.Plan, *runner.Result, *counters) {
	t.Helper()
	c := &counters{}
	b := bridge.Func(func(ctx context.Context, prompt, system string, opts bridge.Options) (bridge.Completion, error) {
		c.bridge.Add(1)
		return bridge.Completion{Text: "ECHO:" + prompt}, nil
	})
	reg := tools.NewRegistry(tools.Registration{Name: "add_one", Handler: func(ctx context.Context, input any, tc tools.Context) (any, error) {
		c.tool.Add(1)
		return input.(int) + 1, nil
	}})
	p := &plan.Plan{ID: "p1", Steps: []plan.Step{
		plan.NewThink("t", "hello"),
		plan.NewTool("u", "add_one", 41, "answer"),
	}}
	res, err := runner.Run(context.Background(), p, runner.Config{Bridge: b, Tools: reg})
	if err != nil {
		t.Fatalf("live run: %v", err)
	}
	return p, res, c
}

func TestReplay_MatchesLiveRun(t *testing.T) {
	p, res, c := liveRun(t)
	before := len(res.Trace.Events)

	for i := 0; i < 3; i++ {
		got, err := Replay(p, &res.Trace)
		if err != nil {
			t.Fatalf("replay %d: %v", i, err)
		}
		if len(got) != len(res.Bindings) {
			t.Errorf("replay %d bindings = %v, live = %v", i, got, res.Bindings)
		}
		for k, v := range res.Bindings {
			if got[k] != v {
				t.Errorf("replay %d: %s = %v, want %v", i, k, got[k], v)
			}
		}
	}

	if c.bridge.Load() != 1 || c.tool.Load() != 1 {
		t.Errorf("replay invoked effects: bridge=%d tool=%d", c.bridge.Load(), c.tool.Load())
	}
	if len(res.Trace.Events) != before {
		t.Errorf("replay changed the trace: %d events, was %d", len(res.Trace.Events), before)
	}
}

func TestReplay_AliasBinding(t *testing.T) {
	p, res, _ := liveRun(t)
	got, err := Replay(p, &res.Trace)
	if err != nil {
		t.Fatal(err)
	}
	if got["answer"] != got["u"] || got["answer"] != 42.0 {
		t.Errorf("answer = %v, u = %v", got["answer"], got["u"])
	}
}

func TestReplay_MissingEvent(t *testing.T) {
	p := &plan.Plan{ID: "p1", Steps: []plan.Step{
		plan.NewThink("t", "hello"),
		plan.NewTool("u", "add_one", 41, ""),
	}}
	tr := &trace.Trace{Version: trace.Version, Events: []trace.Event{
		{Type: trace.EventThinkEnd, StepID: "t", Output: "ECHO:hello"},
		{Type: trace.EventToolStart, StepID: "u", ToolName: "add_one"},
		{Type: trace.EventError, StepID: "u", Message: "boom"},
	}}

	_, err := Replay(p, tr)
	var me *MissingEventError
	if !errors.As(err, &me) {
		t.Fatalf("err = %v, want MissingEventError", err)
	}
	if me.StepID != "u" || me.PlanID != "p1" || me.Want != trace.EventToolEnd {
		t.Errorf("error = %+v", me)
	}
}

func TestReplay_KindMustMatch(t *testing.T) {
	p := &plan.Plan{ID: "p", Steps: []plan.Step{plan.NewTool("t", "x", nil, "")}}
	tr := &trace.Trace{Version: trace.Version, Events: []trace.Event{
		{Type: trace.EventThinkEnd, StepID: "t", Output: "wrong kind"},
	}}
	var me *MissingEventError
	if _, err := Replay(p, tr); !errors.As(err, &me) {
		t.Errorf("err = %v, want MissingEventError", err)
	}
}

func TestReplay_FirstMatchingEventWins(t *testing.T) {
	p := &plan.Plan{ID: "p", Steps: []plan.Step{plan.NewThink("t", "x")}}
	tr := &trace.Trace{Version: trace.Version, Events: []trace.Event{
		{Type: trace.EventThinkEnd, StepID: "t", Output: "first"},
		{Type: trace.EventThinkEnd, StepID: "t", Output: "second"},
	}}
	got, err := Replay(p, tr)
	if err != nil {
		t.Fatal(err)
	}
	if got["t"] != "first" {
		t.Errorf("t = %v, want first", got["t"])
	}
}

func TestReplay_RejectsUnknownVersion(t *testing.T) {
	p := &plan.Plan{ID: "p"}
	_, err := Replay(p, &trace.Trace{Version: 2})
	if !errors.Is(err, trace.ErrUnsupportedVersion) {
		t.Errorf("err = %v, want ErrUnsupportedVersion", err)
	}
}

func TestReplay_FromPersistedFile(t *testing.T) {
	p, res, _ := liveRun(t)
	rec := trace.NewRecorder()
	for _, e := range res.Trace.Events {
		rec.Append(e)
	}
	path := filepath.Join(t.TempDir(), "run.json")
	if err := rec.Persist(path); err != nil {
		t.Fatal(err)
	}
	loaded, err := trace.Load(path)
	if err != nil {
		t.Fatal(err)
	}

	mismatches, err := Verify(p, loaded, res.Bindings)
	if err != nil {
		t.Fatal(err)
	}
	if len(mismatches) != 0 {
		t.Errorf("mismatches = %+v", mismatches)
	}
}

func TestVerify_ReportsDifferences(t *testing.T) {
	p := &plan.Plan{ID: "p", Steps: []plan.Step{
		plan.NewThink("t", "x"),
		plan.NewTool("u", "y", nil, "alias"),
	}}
	tr := &trace.Trace{Version: trace.Version, Events: []trace.Event{
		{Type: trace.EventThinkEnd, StepID: "t", Output: "same"},
		{Type: trace.EventToolEnd, StepID: "u", Output: map[string]any{"n": 1.0}},
	}}
	live := map[string]any{
		"t":     "same",
		"u":     map[string]any{"n": 2},
		"extra": true,
	}

	mm, err := Verify(p, tr, live)
	if err != nil {
		t.Fatal(err)
	}
	if len(mm) != 3 {
		t.Fatalf("mismatches = %+v", mm)
	}
	if mm[0].Key != "alias" || mm[0].Missing != "live" {
		t.Errorf("mm[0] = %+v", mm[0])
	}
	if mm[1].Key != "extra" || mm[1].Missing != "replayed" {
		t.Errorf("mm[1] = %+v", mm[1])
	}
	if mm[2].Key != "u" || mm[2].Missing != "" {
		t.Errorf("mm[2] = %+v", mm[2])
	}
}
