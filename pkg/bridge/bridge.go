// Package bridge defines the completion provider contract consumed by think
// steps, plus small in-process implementations used for demos and tests.
package bridge

import (
	"context"
	"strings"
)

// Usage is token accounting reported by a provider for one completion.
type Usage struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
}

// Options carries per-call completion settings.
type Options struct {
	Stop      []string
	MaxTokens int
}

// Completion is the result of one Complete call.
type Completion struct {
	Text  string
	Usage *Usage
}

// Bridge performs a model completion. Implementations must honor ctx
// cancellation; the runner cancels ctx when an attempt times out.
type Bridge interface {
	Complete(ctx context.Context, prompt, system string, opts Options) (Completion, error)
}

// Func adapts a plain function to the Bridge interface.
type Func func(ctx context.Context, prompt, system string, opts Options) (Completion, error)

// Complete calls f.
func (f Func) Complete(ctx context.Context, prompt, system string, opts Options) (Completion, error) {
	return f(ctx, prompt, system, opts)
}

// Echo returns "ECHO:<prompt>", truncated at the first stop sequence.
type Echo struct{}

// Complete implements Bridge.
func (Echo) Complete(ctx context.Context, prompt, _ string, opts Options) (Completion, error) {
	if err := ctx.Err(); err != nil {
		return Completion{}, err
	}
	text := "ECHO:" + prompt
	for _, stop := range opts.Stop {
		if stop == "" {
			continue
		}
		if i := strings.Index(text, stop); i >= 0 {
			text = text[:i]
		}
	}
	return Completion{
		Text:  text,
		Usage: &Usage{Prompt: len(strings.Fields(prompt)), Completion: len(strings.Fields(text))},
	}, nil
}
