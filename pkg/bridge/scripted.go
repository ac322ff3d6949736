package bridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Wildcard is the script key consulted when no entry matches the prompt.
const Wildcard = "*"

// Script is a canned-response document for the Scripted bridge.
type Script struct {
	// Responses maps a prompt to the completions returned for it, in order.
	Responses map[string][]Response `yaml:"responses" json:"responses"`
}

// Response is one canned completion. A non-empty Error makes the call fail.
type Response struct {
	Text  string `yaml:"text,omitempty"  json:"text,omitempty"`
	Error string `yaml:"error,omitempty" json:"error,omitempty"`
	Usage *Usage `yaml:"usage,omitempty" json:"usage,omitempty"`
}

// LoadScript reads a script from a YAML (or JSON) file.
func LoadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	return ParseScript(data)
}

// ParseScript parses script YAML. Unknown fields are rejected.
func ParseScript(data []byte) (*Script, error) {
	var s Script
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("parse script: %w", err)
	}
	if len(s.Responses) == 0 {
		return nil, errors.New("parse script: no responses")
	}
	return &s, nil
}

// Scripted replays canned completions keyed by prompt. Responses for a key are
// consumed first-match, first-consumed; the last one repeats once exhausted.
type Scripted struct {
	mu       sync.Mutex
	script   *Script
	consumed map[string]int
}

// NewScripted creates a bridge over s.
func NewScripted(s *Script) *Scripted {
	return &Scripted{script: s, consumed: make(map[string]int)}
}

// Complete implements Bridge.
func (b *Scripted) Complete(ctx context.Context, prompt, _ string, _ Options) (Completion, error) {
	if err := ctx.Err(); err != nil {
		return Completion{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	key := prompt
	responses, ok := b.script.Responses[key]
	if !ok {
		key = Wildcard
		responses, ok = b.script.Responses[key]
		if !ok || len(responses) == 0 {
			return Completion{}, fmt.Errorf("scripted: no response for prompt %q", prompt)
		}
	}
	if len(responses) == 0 {
		return Completion{}, fmt.Errorf("scripted: empty response list for prompt %q", prompt)
	}

	idx := b.consumed[key]
	if idx >= len(responses) {
		idx = len(responses) - 1
	}
	b.consumed[key] = idx + 1

	resp := responses[idx]
	if resp.Error != "" {
		return Completion{}, errors.New(resp.Error)
	}
	return Completion{Text: resp.Text, Usage: resp.Usage}, nil
}
