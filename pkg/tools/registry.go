// Package tools holds the tool registry consulted by tool steps: a name to
// handler mapping with optional JSON Schema contracts on input and output.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ormasoftchile/plantrace/pkg/trace"
)

var (
	// ErrUnregistered is returned when no tool is registered under a name.
	ErrUnregistered = errors.New("tool is not registered")
	// ErrNilHandler is returned when a registration has no handler.
	ErrNilHandler = errors.New("tool handler is nil")
)

// Context is what a handler sees of the run invoking it. Cancellation arrives
// through the ctx passed alongside it.
type Context struct {
	PlanID string
	StepID string
	Trace  *trace.Recorder
	Env    map[string]string
	Logger *slog.Logger
	// Bindings is a copy of the bindings made by earlier steps.
	Bindings map[string]any
}

// Handler executes one tool invocation.
type Handler func(ctx context.Context, input any, tc Context) (any, error)

// Registration describes one tool. InputSchema and OutputSchema are optional
// JSON Schema documents.
type Registration struct {
	Name         string
	Description  string
	InputSchema  json.RawMessage
	OutputSchema json.RawMessage
	Handler      Handler
}

type entry struct {
	reg     Registration
	schemas *compiledSchemas
}

// Registry maps tool names to registrations. It is safe for concurrent use;
// create one per runtime rather than sharing a process-wide instance.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	order   []string
}

// NewRegistry creates a registry seeded with regs.
func NewRegistry(regs ...Registration) *Registry {
	r := &Registry{entries: make(map[string]*entry)}
	for _, reg := range regs {
		r.Register(reg)
	}
	return r
}

// Register installs reg, replacing any registration with the same name.
// A replaced tool keeps its original position in List.
func (r *Registry) Register(reg Registration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[reg.Name]; !exists {
		r.order = append(r.order, reg.Name)
	}
	r.entries[reg.Name] = &entry{reg: reg, schemas: newCompiledSchemas(reg)}
}

// Lookup returns the registration for name.
func (r *Registry) Lookup(name string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[name]
	if !ok {
		return Registration{}, false
	}
	return e.reg, true
}

// List returns all registrations in insertion order.
func (r *Registry) List() []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Registration, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.entries[name].reg)
	}
	return out
}

// Invoke runs the named tool, enforcing its input and output schemas.
func (r *Registry) Invoke(ctx context.Context, name string, input any, tc Context) (any, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnregistered, name)
	}
	if e.reg.Handler == nil {
		return nil, fmt.Errorf("%w: %q", ErrNilHandler, name)
	}

	if err := e.schemas.checkInput(input); err != nil {
		return nil, fmt.Errorf("tool %q: %w", name, err)
	}
	output, err := e.reg.Handler(ctx, input, tc)
	if err != nil {
		return nil, err
	}
	if err := e.schemas.checkOutput(output); err != nil {
		return nil, fmt.Errorf("tool %q: %w", name, err)
	}
	return output, nil
}
