// Package replay rebuilds a run's bindings from its recorded trace without
// calling a bridge or a tool. Replay is fail-closed: a step with no recorded
// completion is an error, never a guess.
package replay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/m-mizutani/goerr/v2"
	"github.com/ormasoftchile/plantrace/pkg/plan"
	"github.com/ormasoftchile/plantrace/pkg/trace"
)

// MissingEventError reports a plan step with no completion event in the trace.
type MissingEventError struct {
	PlanID string
	StepID string
	Want   trace.EventType
}

func (e *MissingEventError) Error() string {
	return fmt.Sprintf("replay: plan %q step %q: no %s event in trace", e.PlanID, e.StepID, e.Want)
}

// Replay returns the bindings the run recorded in t would have produced for
// p. For each step it takes the first think:end or tool:end with a matching
// stepId. Neither p nor t is modified.
func Replay(p *plan.Plan, t *trace.Trace) (map[string]any, error) {
	if t.Version != trace.Version {
		return nil, goerr.Wrap(trace.ErrUnsupportedVersion, "cannot replay trace",
			goerr.V("expected", trace.Version), goerr.V("actual", t.Version))
	}

	bindings := make(map[string]any, len(p.Steps))
	for _, s := range p.Steps {
		var want trace.EventType
		switch s.Kind {
		case plan.KindThink:
			want = trace.EventThinkEnd
		case plan.KindTool:
			want = trace.EventToolEnd
		default:
			return nil, fmt.Errorf("replay: plan %q step %q: unknown step kind %q", p.ID, s.ID, s.Kind)
		}

		e, ok := t.Find(want, s.ID)
		if !ok {
			return nil, &MissingEventError{PlanID: p.ID, StepID: s.ID, Want: want}
		}
		bindings[s.ID] = e.Output
		if tl, ok := s.Tool(); ok && tl.Assign != "" {
			bindings[tl.Assign] = e.Output
		}
	}
	return bindings, nil
}

// Mismatch is one binding that differs between a live run and its replay.
// A nil side with Missing set means the key is absent on that side.
type Mismatch struct {
	Key      string
	Live     any
	Replayed any
	Missing  string // "live", "replayed" or empty
}

// Verify replays t and compares the result with the bindings of the live run.
// Values are compared by their JSON encoding, so a live int and the float64
// read back from a trace file are equal. Mismatches are sorted by key.
func Verify(p *plan.Plan, t *trace.Trace, live map[string]any) ([]Mismatch, error) {
	replayed, err := Replay(p, t)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(live)+len(replayed))
	for k := range live {
		keys = append(keys, k)
	}
	for k := range replayed {
		if _, ok := live[k]; !ok {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)

	var out []Mismatch
	for _, k := range keys {
		lv, inLive := live[k]
		rv, inReplay := replayed[k]
		switch {
		case !inLive:
			out = append(out, Mismatch{Key: k, Replayed: rv, Missing: "live"})
		case !inReplay:
			out = append(out, Mismatch{Key: k, Live: lv, Missing: "replayed"})
		default:
			same, err := jsonEqual(lv, rv)
			if err != nil {
				return nil, fmt.Errorf("compare binding %q: %w", k, err)
			}
			if !same {
				out = append(out, Mismatch{Key: k, Live: lv, Replayed: rv})
			}
		}
	}
	return out, nil
}

func jsonEqual(a, b any) (bool, error) {
	na, err := normalize(a)
	if err != nil {
		return false, err
	}
	nb, err := normalize(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(na, nb), nil
}

// normalize re-encodes v through a generic decode so map key order and
// numeric types do not affect comparison.
func normalize(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}
