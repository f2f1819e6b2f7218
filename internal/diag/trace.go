// Package diag holds the per-attempt debug trace recorded while subscribing and
// the report produced by the push diagnostics.
package diag

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Step is one recorded outcome within a Trace.
type Step struct {
	Time  time.Time `json:"timestamp"`
	Name  string    `json:"step"`
	Data  any       `json:"data,omitempty"`
	Error string    `json:"error,omitempty"`
}

// Trace is the ordered record of one subscription attempt. A new Trace is
// created for every attempt; it is never shared between attempts.
type Trace struct {
	ID string

	mu    sync.RWMutex
	steps []Step
	err   error
	now   func() time.Time
}

// NewTrace starts an empty trace with a fresh attempt ID.
func NewTrace() *Trace {
	return &Trace{
		ID:  uuid.NewString(),
		now: time.Now,
	}
}

// Record appends a successful step.
func (t *Trace) Record(name string, data any) {
	t.mu.Lock()
	t.steps = append(t.steps, Step{Time: t.now(), Name: name, Data: data})
	t.mu.Unlock()
}

// Fail appends a failed step. The first failure is kept as the trace error.
func (t *Trace) Fail(name string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Step{Time: t.now(), Name: name}
	if err != nil {
		s.Error = err.Error()
		if t.err == nil {
			t.err = err
		}
	}
	t.steps = append(t.steps, s)
}

// Steps returns a copy of the recorded steps in order.
func (t *Trace) Steps() []Step {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Step, len(t.steps))
	copy(out, t.steps)
	return out
}

// Err returns the first failure recorded, if any.
func (t *Trace) Err() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.err
}

// Last returns the most recent step and false if the trace is empty.
func (t *Trace) Last() (Step, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(t.steps) == 0 {
		return Step{}, false
	}
	return t.steps[len(t.steps)-1], true
}

// LogValue renders the trace as a structured group for slog.
func (t *Trace) LogValue() slog.Value {
	steps := t.Steps()
	attrs := make([]slog.Attr, 0, len(steps)+1)
	attrs = append(attrs, slog.String("attempt", t.ID))
	for i, s := range steps {
		v := "ok"
		if s.Error != "" {
			v = s.Error
		}
		attrs = append(attrs, slog.String(strconv.Itoa(i)+"."+s.Name, v))
	}
	return slog.GroupValue(attrs...)
}
