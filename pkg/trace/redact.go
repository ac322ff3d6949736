package trace

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strings"
)

// Redacted replaces secret values.
const Redacted = "<REDACTED>"

// RedactionRule is a regex pattern and its replacement.
type RedactionRule struct {
	Pattern string `toml:"pattern" yaml:"pattern" json:"pattern"`
	Replace string `toml:"replace" yaml:"replace" json:"replace"`
}

// CompiledRedaction is a pre-compiled redaction rule.
type CompiledRedaction struct {
	Pattern *regexp.Regexp
	Replace string
}

// CompileRedactionRules compiles rules once so they can be applied per event.
func CompileRedactionRules(rules []RedactionRule) ([]*CompiledRedaction, error) {
	compiled := make([]*CompiledRedaction, 0, len(rules))
	for i, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("redaction rule %d: %w", i, err)
		}
		replace := r.Replace
		if replace == "" {
			replace = Redacted
		}
		compiled = append(compiled, &CompiledRedaction{Pattern: re, Replace: replace})
	}
	return compiled, nil
}

// RedactPatterns builds a RedactFunc applying rules to the prompt, message,
// stack, and every string inside input and output.
func RedactPatterns(rules []*CompiledRedaction) RedactFunc {
	if len(rules) == 0 {
		return nil
	}
	return redactStrings(func(s string) string {
		for _, r := range rules {
			s = r.Pattern.ReplaceAllString(s, r.Replace)
		}
		return s
	})
}

// RedactValues builds a RedactFunc that masks each literal secret value.
// Typically fed with the values of secret entries of the run's env mapping.
func RedactValues(secrets ...string) RedactFunc {
	var vals []string
	for _, s := range secrets {
		if s != "" {
			vals = append(vals, s)
		}
	}
	if len(vals) == 0 {
		return nil
	}
	return redactStrings(func(s string) string {
		for _, v := range vals {
			s = strings.ReplaceAll(s, v, Redacted)
		}
		return s
	})
}

// Chain applies fns in order, skipping nil entries.
func Chain(fns ...RedactFunc) RedactFunc {
	var active []RedactFunc
	for _, fn := range fns {
		if fn != nil {
			active = append(active, fn)
		}
	}
	switch len(active) {
	case 0:
		return nil
	case 1:
		return active[0]
	}
	return func(e Event) Event {
		for _, fn := range active {
			e = fn(e)
		}
		return e
	}
}

func redactStrings(apply func(string) string) RedactFunc {
	return func(e Event) Event {
		e.Prompt = apply(e.Prompt)
		e.Message = apply(e.Message)
		e.Stack = apply(e.Stack)
		e.Input = redactValue(e.Input, apply)
		e.Output = redactValue(e.Output, apply)
		return e
	}
}

// redactValue rewrites strings in JSON-shaped values. Structs and typed
// containers are redacted in their JSON form; the originals are never mutated.
func redactValue(v any, apply func(string) string) any {
	switch val := v.(type) {
	case string:
		return apply(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = redactValue(item, apply)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = redactValue(item, apply)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(val))
		for k, item := range val {
			out[k] = apply(item)
		}
		return out
	case []string:
		out := make([]string, len(val))
		for i, item := range val {
			out[i] = apply(item)
		}
		return out
	default:
		switch reflect.ValueOf(v).Kind() {
		case reflect.Struct, reflect.Map, reflect.Slice, reflect.Array, reflect.Pointer:
		default:
			return v
		}
		data, err := json.Marshal(v)
		if err != nil {
			return v
		}
		var generic any
		if err := json.Unmarshal(data, &generic); err != nil {
			return v
		}
		return redactValue(generic, apply)
	}
}
