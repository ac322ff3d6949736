// Package plan defines the plan document: an identified, ordered list of think
// and tool steps, plus strict YAML/JSON loading.
package plan

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Kind discriminates the step union.
type Kind string

const (
	KindThink Kind = "think"
	KindTool  Kind = "tool"
)

// Plan is an ordered sequence of steps. A plan handed to the runner is never
// modified by it.
type Plan struct {
	ID       string         `yaml:"id"                 json:"id"`
	Steps    []Step         `yaml:"steps"              json:"steps"`
	Metadata map[string]any `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// Step is a think step or a tool step, selected by Kind. Only the fields of
// the selected kind are meaningful; Think and Tool return typed views.
type Step struct {
	ID   string `yaml:"id"   json:"id"`
	Kind Kind   `yaml:"kind" json:"kind" jsonschema:"enum=think,enum=tool"`

	// think
	Prompt string   `yaml:"prompt,omitempty" json:"prompt,omitempty"`
	System string   `yaml:"system,omitempty" json:"system,omitempty"`
	Stop   []string `yaml:"stop,omitempty"   json:"stop,omitempty"`

	// tool
	ToolName string `yaml:"toolName,omitempty" json:"toolName,omitempty"`
	Input    any    `yaml:"input,omitempty"    json:"input,omitempty"`
	Assign   string `yaml:"assign,omitempty"   json:"assign,omitempty"`
}

// ThinkStep asks the bridge for a completion.
type ThinkStep struct {
	ID     string
	Prompt string
	System string
	Stop   []string
}

// ToolStep invokes a registered tool. Its output is bound at ID and, when
// Assign is set, also at Assign.
type ToolStep struct {
	ID       string
	ToolName string
	Input    any
	Assign   string
}

// Think returns the think view of s.
func (s Step) Think() (ThinkStep, bool) {
	if s.Kind != KindThink {
		return ThinkStep{}, false
	}
	return ThinkStep{ID: s.ID, Prompt: s.Prompt, System: s.System, Stop: s.Stop}, true
}

// Tool returns the tool view of s.
func (s Step) Tool() (ToolStep, bool) {
	if s.Kind != KindTool {
		return ToolStep{}, false
	}
	return ToolStep{ID: s.ID, ToolName: s.ToolName, Input: s.Input, Assign: s.Assign}, true
}

// NewThink builds a think step.
func NewThink(id, prompt string) Step {
	return Step{ID: id, Kind: KindThink, Prompt: prompt}
}

// NewTool builds a tool step. assign may be empty.
func NewTool(id, toolName string, input any, assign string) Step {
	return Step{ID: id, Kind: KindTool, ToolName: toolName, Input: input, Assign: assign}
}

// LoadFile reads a plan from a YAML or JSON file. Unknown fields are rejected.
func LoadFile(path string) (*Plan, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open plan: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// Load parses a plan from r. JSON documents are accepted as YAML.
func Load(r io.Reader) (*Plan, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var p Plan
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	for i := range p.Steps {
		p.Steps[i].Input = stringKeys(p.Steps[i].Input)
	}
	for k, v := range p.Metadata {
		p.Metadata[k] = stringKeys(v)
	}
	return &p, nil
}

// stringKeys rewrites the map[any]any yaml.v3 produces for mappings with
// non-string keys (`1: a`, `true: b`) into map[string]any, recursively.
func stringKeys(v any) any {
	switch val := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[fmt.Sprint(k)] = stringKeys(item)
		}
		return out
	case map[string]any:
		for k, item := range val {
			val[k] = stringKeys(item)
		}
		return val
	case []any:
		for i, item := range val {
			val[i] = stringKeys(item)
		}
		return val
	default:
		return v
	}
}

// Parse is Load over a byte slice.
func Parse(data []byte) (*Plan, error) {
	return Load(bytes.NewReader(data))
}
