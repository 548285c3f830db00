// Package runtime holds the mutable per-service state the supervisor loop
// owns exclusively: RuntimeRecord and the Store that indexes records by
// service name (spec.md §3, §4.3; §9 "Service object conflation" — kept
// separate from the immutable internal/spec.ServiceSpec).
package runtime

import (
	"context"
	"time"

	"github.com/loykin/micromux/internal/spec"
)

// ProcessHandle is the subset of internal/procrunner.Runner the supervisor
// needs, expressed as an interface so runtime never imports procrunner
// (avoids a cycle and keeps the record a pure data holder).
type ProcessHandle interface {
	Write(p []byte) (int, error)
	Resize(rows, cols uint16) error
	Pid() int
	Pgid() int
}

// Record is the mutable runtime state for one service (spec.md §3
// RuntimeRecord).
type Record struct {
	Name string

	Desired spec.DesiredState
	Actual  spec.ActualState

	// Proc is non-nil only while a child is alive; owns exactly one live
	// handle at a time (spec.md §8 "at most one live child process").
	Proc ProcessHandle

	// Cancel tears down every auxiliary task (output pump, waiter, health
	// runner) bound to the current run.
	Cancel context.CancelFunc

	// Attempts is the restart-policy attempt counter. It lives here, never
	// on the policy value (spec.md §9 "Attempt accounting").
	Attempts int

	// RunStartedAt records when the current/last run began, used to decide
	// whether a run exceeded the policy's stability window.
	RunStartedAt time.Time

	LastExit   *spec.ExitStatus
	Health     spec.HealthState
	LastHealth *spec.HealthResult
	// HealthHistory retains the most recent probes, newest last, bounded to
	// spec.MaxHealthHistory.
	HealthHistory []spec.HealthResult

	Output *RingBuffer

	// LagWarned is true once a Warning has been emitted for the current
	// output-drop episode, so only one Warning fires per episode
	// (spec.md §4.7).
	LagWarned bool
}

// NewRecord builds a fresh, Pending/Down record for name.
func NewRecord(name string, ringBufferSize int) *Record {
	return &Record{
		Name:    name,
		Desired: spec.DesiredState{Kind: spec.Down, Reason: spec.ReasonUserDisabled},
		Actual:  spec.ActualState{Kind: spec.Pending},
		Output:  NewRingBuffer(ringBufferSize),
	}
}

// PushHealth appends a result, trimming to spec.MaxHealthHistory.
func (r *Record) PushHealth(res spec.HealthResult) {
	r.LastHealth = &res
	r.HealthHistory = append(r.HealthHistory, res)
	if len(r.HealthHistory) > spec.MaxHealthHistory {
		r.HealthHistory = r.HealthHistory[len(r.HealthHistory)-spec.MaxHealthHistory:]
	}
}

// Store indexes Records by service name. It is owned exclusively by the
// supervisor loop; nothing else mutates it (spec.md §4.3).
type Store struct {
	records map[string]*Record
	order   []string
}

func NewStore() *Store {
	return &Store{records: make(map[string]*Record)}
}

func (s *Store) Add(r *Record) {
	if _, exists := s.records[r.Name]; !exists {
		s.order = append(s.order, r.Name)
	}
	s.records[r.Name] = r
}

func (s *Store) Get(name string) (*Record, bool) {
	r, ok := s.records[name]
	return r, ok
}

// Names returns service names in declaration order.
func (s *Store) Names() []string {
	return append([]string(nil), s.order...)
}

// States snapshots every service's ActualState, for gating evaluation.
func (s *Store) States() map[string]spec.ActualState {
	out := make(map[string]spec.ActualState, len(s.records))
	for name, r := range s.records {
		out[name] = r.Actual
	}
	return out
}
