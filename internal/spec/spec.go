// Package spec holds the immutable data model resolved from configuration:
// ServiceSpec and the small enums it's built from. Nothing in this package
// ever mutates after config load; mutable state lives in internal/runtime.
package spec

import (
	"fmt"
	"time"

	"github.com/loykin/micromux/internal/env"
)

// RestartKind is the restart-policy discriminant (spec.md §3).
type RestartKind int

const (
	RestartNever RestartKind = iota
	RestartAlways
	RestartUnlessStopped
	RestartOnFailure
)

func (k RestartKind) String() string {
	switch k {
	case RestartNever:
		return "never"
	case RestartAlways:
		return "always"
	case RestartUnlessStopped:
		return "unless-stopped"
	case RestartOnFailure:
		return "on-failure"
	default:
		return "unknown"
	}
}

// Unlimited marks RestartPolicy.MaxAttempts as having no bound.
const Unlimited = -1

// RestartPolicy decides whether and how often to respawn an exited service.
type RestartPolicy struct {
	Kind RestartKind
	// MaxAttempts applies only to RestartOnFailure; Unlimited (-1) means
	// "OnFailure{N: infinity}".
	MaxAttempts int
	// StabilityWindow is the minimum uptime after which the attempt counter
	// resets to zero even without an explicit user restart. Zero means the
	// default of 10s (spec.md §9 "Open questions — resolved").
	StabilityWindow time.Duration
}

func (p RestartPolicy) stabilityWindow() time.Duration {
	if p.StabilityWindow <= 0 {
		return 10 * time.Second
	}
	return p.StabilityWindow
}

// EffectiveStabilityWindow returns the effective stability window, applying
// the default when unset.
func (p RestartPolicy) EffectiveStabilityWindow() time.Duration { return p.stabilityWindow() }

// Condition gates a dependent's start on a dependency's observed state.
type Condition int

const (
	ConditionStarted Condition = iota
	ConditionHealthy
	ConditionCompletedSuccessfully
)

func (c Condition) String() string {
	switch c {
	case ConditionStarted:
		return "started"
	case ConditionHealthy:
		return "healthy"
	case ConditionCompletedSuccessfully:
		return "completed_successfully"
	default:
		return "unknown"
	}
}

// DependsOn names a dependency and the condition that must hold before the
// dependent may start.
type DependsOn struct {
	Name      string
	Condition Condition
}

// Healthcheck describes a periodic external probe that classifies a
// service's health.
type Healthcheck struct {
	Test        []string
	Interval    time.Duration
	Timeout     time.Duration
	Retries     int
	StartPeriod time.Duration
}

// ServiceSpec is the immutable, fully-resolved description of one service.
// Produced once by internal/config and never mutated afterward (spec.md §3,
// §9 "Service object conflation" — no behavior lives on this type).
type ServiceSpec struct {
	Name          string
	Command       []string
	Shell         string // non-empty selects shell-form invocation ("CMD-SHELL" style)
	Cwd           string
	Env           *env.Map
	RestartPolicy RestartPolicy
	Healthcheck   *Healthcheck
	DependsOn     []DependsOn
}

// Validate checks the invariants spec.md §3/§4.1 require of a resolved spec,
// independent of its dependency graph (graph-level checks live in
// internal/graph).
func (s *ServiceSpec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("service: empty name")
	}
	if s.Shell == "" && len(s.Command) == 0 {
		return fmt.Errorf("service %q: command must have at least one element", s.Name)
	}
	if s.RestartPolicy.Kind == RestartOnFailure && s.RestartPolicy.MaxAttempts < 0 && s.RestartPolicy.MaxAttempts != Unlimited {
		return fmt.Errorf("service %q: invalid restart max_attempts %d", s.Name, s.RestartPolicy.MaxAttempts)
	}
	if s.Healthcheck != nil {
		if len(s.Healthcheck.Test) == 0 {
			return fmt.Errorf("service %q: healthcheck.test must not be empty", s.Name)
		}
		if s.Healthcheck.Retries < 0 {
			return fmt.Errorf("service %q: healthcheck.retries must be >= 0", s.Name)
		}
	}
	return nil
}

// ActualKind is the coarse phase of a service's observed lifecycle.
type ActualKind int

const (
	Pending ActualKind = iota
	Starting
	Running
	Stopping
	Exited
	Disabled
)

func (k ActualKind) String() string {
	switch k {
	case Pending:
		return "pending"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Exited:
		return "exited"
	case Disabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// HealthState refines ActualKind==Running (spec.md §3).
type HealthState int

const (
	NoHealthcheck HealthState = iota
	Unhealthy
	HealthyState
)

func (h HealthState) String() string {
	switch h {
	case NoHealthcheck:
		return "no_healthcheck"
	case Unhealthy:
		return "unhealthy"
	case HealthyState:
		return "healthy"
	default:
		return "unknown"
	}
}

// ExitStatus is the outcome of a terminated child process.
type ExitStatus struct {
	Code    int
	Signal  string // non-empty when the process died from a signal
	Unknown bool   // true when the real status could not be confirmed (spec.md §7)
}

func (e ExitStatus) Success() bool { return !e.Unknown && e.Signal == "" && e.Code == 0 }

// ActualState is the engine's observed state of a service (spec.md §3).
type ActualState struct {
	Kind ActualKind

	// Valid when Kind == Running.
	Health HealthState

	// Valid when Kind == Exited.
	ExitStatus ExitStatus
	Restarting bool

	// Valid when Kind == Disabled; informational.
	DisabledReason string
}

// DownReason explains why a service's desired state is Down.
type DownReason int

const (
	ReasonNone DownReason = iota
	ReasonUserDisabled
	ReasonShutdown
	ReasonRestartTransient
)

func (r DownReason) String() string {
	switch r {
	case ReasonUserDisabled:
		return "user-disabled"
	case ReasonShutdown:
		return "shutdown"
	case ReasonRestartTransient:
		return "restart-transient"
	default:
		return "none"
	}
}

// DesiredKind is Up or Down.
type DesiredKind int

const (
	Up DesiredKind = iota
	Down
)

// DesiredState is what the user/supervisor wants a service to be.
type DesiredState struct {
	Kind   DesiredKind
	Reason DownReason
}

// HealthOutcome is a single health probe's result.
type HealthOutcome int

const (
	Pass HealthOutcome = iota
	Fail
)

func (o HealthOutcome) String() string {
	if o == Pass {
		return "pass"
	}
	return "fail"
}

// HealthResult is one probe attempt, retained in a bounded history
// (spec.md §3, default last 20).
type HealthResult struct {
	Timestamp     time.Time
	Outcome       HealthOutcome
	StderrExcerpt string // bounded to 4 KiB by the health runner
	Duration      time.Duration
}

// MaxHealthHistory is the default number of HealthResults retained per
// service.
const MaxHealthHistory = 20

// MaxStderrExcerpt bounds HealthResult.StderrExcerpt (spec.md §3
// clarification against health_check.rs).
const MaxStderrExcerpt = 4 * 1024

// Diagnostic is a config or graph error returned as a value rather than by
// terminating the process. Line and Col are zero when the position is not
// known; internal/config fills in only File and Message.
type Diagnostic struct {
	File    string
	Line    int
	Col     int
	Message string
}

func (d Diagnostic) Error() string {
	if d.File == "" {
		return d.Message
	}
	return fmt.Sprintf("%s:%d:%d: %s", d.File, d.Line, d.Col, d.Message)
}
