// Package trace implements the append-only event log of a plan run and its
// versioned JSON document form.
package trace

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/m-mizutani/goerr/v2"
	"github.com/ormasoftchile/plantrace/pkg/bridge"
)

// Version is the only trace document version this package reads or writes.
const Version = 1

// EventType enumerates trace event types.
type EventType string

const (
	EventPlanStart  EventType = "plan:start"
	EventPlanEnd    EventType = "plan:end"
	EventThinkStart EventType = "think:start"
	EventThinkEnd   EventType = "think:end"
	EventToolStart  EventType = "tool:start"
	EventToolEnd    EventType = "tool:end"
	EventError      EventType = "error"
)

// ErrUnsupportedVersion is returned when a trace document has a version other than Version.
var ErrUnsupportedVersion = errors.New("unsupported trace version")

// Event is one entry of the trace. Only the fields relevant to Type are set.
type Event struct {
	TS         int64         `json:"ts"`
	Type       EventType     `json:"type"`
	PlanID     string        `json:"planId,omitempty"`
	StepID     string        `json:"stepId,omitempty"`
	ToolName   string        `json:"toolName,omitempty"`
	Input      any           `json:"input,omitempty"`
	Output     any           `json:"output,omitempty"`
	Prompt     string        `json:"prompt,omitempty"`
	Usage      *bridge.Usage `json:"usage,omitempty"`
	DurationMs *int64        `json:"durationMs,omitempty"`
	Message    string        `json:"message,omitempty"`
	Stack      string        `json:"stack,omitempty"`
	OK         *bool         `json:"ok,omitempty"`
}

// Trace is the versioned trace document.
type Trace struct {
	Version int     `json:"version"`
	Events  []Event `json:"events"`
}

// Find returns the first event of type typ for stepID.
func (t *Trace) Find(typ EventType, stepID string) (Event, bool) {
	for _, e := range t.Events {
		if e.Type == typ && e.StepID == stepID {
			return e, true
		}
	}
	return Event{}, false
}

// Count returns how many events of type typ the trace holds.
func (t *Trace) Count(typ EventType) int {
	n := 0
	for _, e := range t.Events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

// Succeeded reports whether the trace ends a run with plan:end{ok:true}.
func (t *Trace) Succeeded() bool {
	for _, e := range t.Events {
		if e.Type == EventPlanEnd && e.OK != nil && *e.OK {
			return true
		}
	}
	return false
}

// Decode reads a trace document and rejects unknown versions.
func Decode(r io.Reader) (*Trace, error) {
	var t Trace
	if err := json.NewDecoder(r).Decode(&t); err != nil {
		return nil, fmt.Errorf("decode trace: %w", err)
	}
	if t.Version != Version {
		return nil, goerr.Wrap(ErrUnsupportedVersion, "trace version mismatch",
			goerr.V("expected", Version), goerr.V("actual", t.Version))
	}
	if t.Events == nil {
		t.Events = []Event{}
	}
	return &t, nil
}

// Load reads a trace file written by Recorder.Persist.
func Load(path string) (*Trace, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

// Int64 returns a pointer to v, for DurationMs.
func Int64(v int64) *int64 { return &v }

// Bool returns a pointer to v, for OK.
func Bool(v bool) *bool { return &v }
