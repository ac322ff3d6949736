package trace

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// RedactFunc rewrites an event before it is stored.
type RedactFunc func(Event) Event

// Option configures a Recorder.
type Option func(*Recorder)

// WithRedactor passes every appended event through fn before storage.
func WithRedactor(fn RedactFunc) Option {
	return func(r *Recorder) { r.redact = fn }
}

// WithStream mirrors every stored event to w as one JSON line.
func WithStream(w io.Writer) Option {
	return func(r *Recorder) {
		if w != nil {
			r.stream = json.NewEncoder(w)
		}
	}
}

// WithClock overrides the timestamp source for events appended without one.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// Recorder is the in-memory, append-only event log of one run.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	redact RedactFunc
	stream *json.Encoder
	now    func() time.Time
}

// NewRecorder creates an empty recorder.
func NewRecorder(opts ...Option) *Recorder {
	r := &Recorder{
		events: make([]Event, 0, 16),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Append stores one event, stamping TS when unset. The event is kept even if
// the stream mirror fails; that failure is returned.
func (r *Recorder) Append(e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e.TS == 0 {
		e.TS = r.now().UnixMilli()
	}
	if r.redact != nil {
		e = r.redact(e)
	}
	r.events = append(r.events, e)

	if r.stream != nil {
		if err := r.stream.Encode(e); err != nil {
			return fmt.Errorf("stream trace event: %w", err)
		}
	}
	return nil
}

// Len returns the number of stored events.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// Snapshot returns the current trace document. The events slice is a copy.
func (r *Recorder) Snapshot() Trace {
	r.mu.Lock()
	defer r.mu.Unlock()

	events := make([]Event, len(r.events))
	copy(events, r.events)
	return Trace{Version: Version, Events: events}
}

// Persist writes the full snapshot to path, creating parent directories.
// The file is written to a temporary sibling and renamed into place, so a
// crash never leaves a truncated trace behind.
func (r *Recorder) Persist(path string) error {
	snap := r.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal trace: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create trace dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp trace: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write trace: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync trace: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close trace: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename trace: %w", err)
	}
	committed = true
	return nil
}
