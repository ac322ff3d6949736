// Package builtin provides tools that ship with plantrace: signal filtering
// and prioritization, and expression evaluation over earlier bindings.
package builtin

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"

	"github.com/invopop/jsonschema"
	"github.com/ormasoftchile/plantrace/pkg/tools"
)

// Set configures the builtin tools.
type Set struct {
	// Rand drives random_sample. Nil uses the global source.
	Rand *rand.Rand
}

// Register installs the builtin tools with default settings.
func Register(reg *tools.Registry) error {
	return Set{}.Register(reg)
}

// Register installs every builtin tool into reg.
func (s Set) Register(reg *tools.Registry) error {
	regs, err := s.Registrations()
	if err != nil {
		return err
	}
	for _, r := range regs {
		reg.Register(r)
	}
	return nil
}

// Registrations returns the builtin tools with their input schemas.
func (s Set) Registrations() ([]tools.Registration, error) {
	defs := []struct {
		name, desc string
		input      any
		handler    tools.Handler
	}{
		{"filter_by_source", "Keep signals whose source is in allowed_sources; an empty list keeps everything.", &FilterBySourceInput{}, filterBySource},
		{"filter_by_regex", "Keep signals whose content matches pattern.", &FilterByRegexInput{}, filterByRegex},
		{"score_signals", "Score signals by expected value of attention, highest first.", &SignalsInput{}, scoreSignals},
		{"prioritize_signals", "Sort signals by expected value of attention and keep the top_k.", &PrioritizeInput{}, prioritizeSignals},
		{"random_sample", "Sample sample_size signals uniformly at random.", &RandomSampleInput{}, s.randomSample},
		{"eval", "Evaluate an expression over the bindings of earlier steps.", &EvalInput{}, evalExpr},
	}

	out := make([]tools.Registration, 0, len(defs))
	for _, d := range defs {
		sch, err := reflectSchema(d.input)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", d.name, err)
		}
		out = append(out, tools.Registration{
			Name:        d.name,
			Description: d.desc,
			InputSchema: sch,
			Handler:     d.handler,
		})
	}
	return out, nil
}

func reflectSchema(v any) (json.RawMessage, error) {
	r := &jsonschema.Reflector{
		DoNotReference:             true,
		RequiredFromJSONSchemaTags: true,
		AllowAdditionalProperties:  true,
	}
	s := r.Reflect(v)
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal input schema: %w", err)
	}
	return data, nil
}

// decode converts a step input (decoded YAML or JSON) into a typed request.
func decode(input any, v any) error {
	data, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("encode input: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode input: %w", err)
	}
	return nil
}
