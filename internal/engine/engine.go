// Package engine is the single cooperative supervisor loop: it owns every
// runtime.Record, drives each service's actual state toward its desired
// state, and is the only writer of runtime.Store (spec.md §4.3, §9 "Single
// writer"). Grounded in the teacher's internal/manager (Manager owning
// handlers/supervisors, centralizing start/stop/restart/metrics decisions),
// generalized from one goroutine-per-process polling loop to a single
// select-driven loop over typed internal events, the shape spec.md §4.6
// requires ("apply command -> desired_state; drive actual toward desired").
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/loykin/micromux/internal/graph"
	"github.com/loykin/micromux/internal/health"
	"github.com/loykin/micromux/internal/metrics"
	"github.com/loykin/micromux/internal/procrunner"
	"github.com/loykin/micromux/internal/protocol"
	"github.com/loykin/micromux/internal/restartpolicy"
	"github.com/loykin/micromux/internal/runtime"
	"github.com/loykin/micromux/internal/spec"
)

// ErrForcedShutdown is returned by Run when a second shutdown signal arrives
// within ShutdownEscalationWindow of the first, forcing every process group
// to be hard-killed rather than given its normal grace period.
var ErrForcedShutdown = errors.New("forced shutdown on repeated signal")

// ErrSignalShutdown is returned by Run when an OS signal initiated a clean
// (non-escalated) shutdown that completed normally. A CmdShutdown command
// with no signal involved still returns nil.
var ErrSignalShutdown = errors.New("shutdown requested by signal")

// TerminationGrace is how long Terminate waits for SIGTERM before escalating
// to SIGKILL (spec.md §4.4).
const TerminationGrace = 5 * time.Second

// ShutdownEscalationWindow is how long a second shutdown request is
// honored as "hurry up" rather than ignored as a duplicate (spec.md §7
// "a second SIGINT within the grace window force-kills everything").
const ShutdownEscalationWindow = 2 * time.Second

// DefaultPTYRows/DefaultPTYCols size a service's PTY until a UI attaches and
// sends a real CmdResize.
const (
	DefaultPTYRows = 24
	DefaultPTYCols = 80
)

type exitNotice struct {
	name      string
	status    spec.ExitStatus
	commanded bool // true if a Terminate call produced this, false if spontaneous
}

type healthNotice struct {
	name    string
	result  spec.HealthResult
	consec  int
	health  spec.HealthState
}

type outputNotice struct {
	name  string
	chunk []byte
}

// Engine is the supervisor. Construct with New, then call Run once.
type Engine struct {
	log *slog.Logger

	specs map[string]*spec.ServiceSpec
	graph *graph.Graph
	store *runtime.Store

	commands chan protocol.Command
	events   chan protocol.Event

	exits   chan exitNotice
	healths chan healthNotice
	outputs chan outputNotice

	attached map[string]bool
	disabled map[string]bool         // services disabled by CmdDisable, until CmdEnable
	stopReq  map[string]chan struct{} // per-run graceful-stop request, consumed once by watch
	mu       sync.Mutex               // guards attached/stopReq; everything else in Engine is touched only by Run's goroutine

	shuttingDown    bool
	shutdownAt      time.Time
	signalTriggered bool // shutdown was initiated by an OS signal rather than CmdShutdown
}

// New builds an Engine over a fully resolved and graph-validated service
// set. Callers obtain specs/g from internal/config.Load and graph.Build.
func New(log *slog.Logger, specs []*spec.ServiceSpec, g *graph.Graph) *Engine {
	if log == nil {
		log = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	e := &Engine{
		log:      log,
		specs:    make(map[string]*spec.ServiceSpec, len(specs)),
		graph:    g,
		store:    runtime.NewStore(),
		commands: make(chan protocol.Command, 64),
		events:   make(chan protocol.Event, 1024),
		exits:    make(chan exitNotice, 16),
		healths:  make(chan healthNotice, 64),
		outputs:  make(chan outputNotice, 256),
		attached: make(map[string]bool),
		disabled: make(map[string]bool),
		stopReq:  make(map[string]chan struct{}),
	}
	for _, s := range specs {
		e.specs[s.Name] = s
		e.store.Add(runtime.NewRecord(s.Name, runtime.DefaultRingBufferSize))
	}
	return e
}

// Commands returns the channel callers send protocol.Command values on.
func (e *Engine) Commands() chan<- protocol.Command { return e.commands }

// Events returns the channel callers receive protocol.Event values from.
func (e *Engine) Events() <-chan protocol.Event { return e.events }

// Run drives the supervisor loop until shutdown completes: either ctx is
// cancelled, a CmdShutdown command arrives, or signals delivers an OS
// signal. It returns after emitting exactly one EvEngineShutdownComplete
// (spec.md §4.8 "idempotent... exactly once").
func (e *Engine) Run(ctx context.Context, signals <-chan os.Signal) error {
	defer e.drainRunners(context.Background())

	// Every service is desired Up at boot and starts as soon as its
	// dependencies are satisfied, whatever its RestartPolicy.
	for _, name := range e.graph.TopologicalOrder() {
		e.setDesired(name, spec.DesiredState{Kind: spec.Up})
	}
	e.evaluateGating()

	for {
		select {
		case <-ctx.Done():
			e.beginShutdown()
			return e.waitForShutdown(ctx)

		case sig := <-signals:
			e.log.Warn("received signal", "signal", sig.String())
			wasShuttingDown := e.shuttingDown
			e.signalTriggered = true
			if wasShuttingDown && time.Since(e.shutdownAt) < ShutdownEscalationWindow {
				e.hardKillAll()
				e.events <- protocol.EngineShutdownComplete()
				return ErrForcedShutdown
			}
			e.beginShutdown()

		case cmd := <-e.commands:
			e.applyCommand(ctx, cmd)
			if e.shuttingDown && e.allStopped() {
				e.events <- protocol.EngineShutdownComplete()
				return e.shutdownErr()
			}

		case n := <-e.exits:
			e.handleExit(ctx, n)
			if e.shuttingDown && e.allStopped() {
				e.events <- protocol.EngineShutdownComplete()
				return e.shutdownErr()
			}

		case h := <-e.healths:
			e.handleHealth(h)

		case o := <-e.outputs:
			e.handleOutput(o)
		}
	}
}

func (e *Engine) waitForShutdown(parent context.Context) error {
	ctx, cancel := context.WithTimeout(context.Background(), TerminationGrace+time.Second)
	defer cancel()
	for {
		if e.allStopped() {
			e.events <- protocol.EngineShutdownComplete()
			return e.shutdownErr()
		}
		select {
		case n := <-e.exits:
			e.handleExit(ctx, n)
		case h := <-e.healths:
			e.handleHealth(h)
		case o := <-e.outputs:
			e.handleOutput(o)
		case <-ctx.Done():
			e.hardKillAll()
			e.events <- protocol.EngineShutdownComplete()
			if e.signalTriggered {
				return ErrForcedShutdown
			}
			return ctx.Err()
		}
	}
}

// shutdownErr reports why Run is about to return nil/non-nil at the end of a
// clean shutdown: an OS signal started it, or a CmdShutdown command did.
func (e *Engine) shutdownErr() error {
	if e.signalTriggered {
		return ErrSignalShutdown
	}
	return nil
}

func (e *Engine) beginShutdown() {
	if e.shuttingDown {
		return
	}
	e.shuttingDown = true
	e.shutdownAt = time.Now()
	for _, name := range e.store.Names() {
		e.setDesired(name, spec.DesiredState{Kind: spec.Down, Reason: spec.ReasonShutdown})
		e.stopService(name)
	}
}

func (e *Engine) allStopped() bool {
	for _, name := range e.store.Names() {
		r, _ := e.store.Get(name)
		switch r.Actual.Kind {
		case spec.Exited, spec.Disabled, spec.Pending:
		default:
			return false
		}
	}
	return true
}

func (e *Engine) hardKillAll() {
	for _, name := range e.store.Names() {
		r, _ := e.store.Get(name)
		if r.Cancel != nil {
			r.Cancel()
		}
	}
}

func (e *Engine) drainRunners(ctx context.Context) {
	for _, name := range e.store.Names() {
		r, _ := e.store.Get(name)
		if r.Cancel != nil {
			r.Cancel()
		}
	}
}

// ---- command handling ----

func (e *Engine) applyCommand(ctx context.Context, cmd protocol.Command) {
	switch cmd.Kind {
	case protocol.CmdStart:
		e.setDesired(cmd.Name, spec.DesiredState{Kind: spec.Up})
		e.evaluateGating()

	case protocol.CmdStop:
		e.setDesired(cmd.Name, spec.DesiredState{Kind: spec.Down, Reason: spec.ReasonUserDisabled})
		e.stopService(cmd.Name)

	case protocol.CmdDisable:
		e.disabled[cmd.Name] = true
		e.setDesired(cmd.Name, spec.DesiredState{Kind: spec.Down, Reason: spec.ReasonUserDisabled})
		for _, dep := range e.graph.Dependents(cmd.Name) {
			e.events <- protocol.Warning(dep, fmt.Sprintf("dependency %q is disabled", cmd.Name))
		}
		if r, ok := e.store.Get(cmd.Name); ok {
			switch r.Actual.Kind {
			case spec.Starting, spec.Running:
				// Transitions to Disabled once the run actually exits
				// (handleExit consults e.disabled).
				e.stopService(cmd.Name)
			default:
				r.Actual = spec.ActualState{Kind: spec.Disabled, DisabledReason: "disabled by user"}
				e.publishState(cmd.Name, r.Actual, "disabled")
			}
		}

	case protocol.CmdEnable:
		delete(e.disabled, cmd.Name)
		if r, ok := e.store.Get(cmd.Name); ok && r.Actual.Kind == spec.Disabled {
			r.Actual = spec.ActualState{Kind: spec.Pending}
		}
		e.setDesired(cmd.Name, spec.DesiredState{Kind: spec.Up})
		e.evaluateGating()

	case protocol.CmdRestart:
		e.restartService(cmd.Name, true)

	case protocol.CmdRestartAll:
		for _, name := range e.graph.TopologicalOrder() {
			e.restartService(name, true)
		}

	case protocol.CmdAttach:
		e.mu.Lock()
		e.attached[cmd.Name] = true
		e.mu.Unlock()
		if r, ok := e.store.Get(cmd.Name); ok {
			e.events <- protocol.Output(cmd.Name, r.Output.Snapshot())
		}

	case protocol.CmdDetach:
		e.mu.Lock()
		delete(e.attached, cmd.Name)
		e.mu.Unlock()

	case protocol.CmdSendInput:
		if r, ok := e.store.Get(cmd.Name); ok && r.Proc != nil {
			_, _ = r.Proc.Write(cmd.Bytes)
		}

	case protocol.CmdResize:
		if r, ok := e.store.Get(cmd.Name); ok && r.Proc != nil {
			if err := r.Proc.Resize(cmd.Rows, cmd.Cols); err != nil {
				e.events <- protocol.Warning(cmd.Name, fmt.Sprintf("resize failed: %v", err))
			}
		}

	case protocol.CmdShutdown:
		e.beginShutdown()
	}
}

// restartService forces the current run to stop (if any) and immediately
// resets the attempt counter, since an explicit user restart is not a
// restart-policy decision (spec.md §4.6 "Attempts resets on explicit user
// restart", §8 scenario 3).
func (e *Engine) restartService(name string, resetAttempts bool) {
	r, ok := e.store.Get(name)
	if !ok {
		return
	}
	if resetAttempts {
		r.Attempts = 0
	}
	e.setDesired(name, spec.DesiredState{Kind: spec.Up})
	if r.Actual.Kind == spec.Running || r.Actual.Kind == spec.Starting {
		e.stopService(name)
		return // the exit notice drives the respawn
	}
	e.evaluateGating()
}

// stopService requests a graceful stop of name's current run, if any. It
// signals the run's watch goroutine rather than cancelling the run context
// directly: the run context's cancellation is reserved for the hard-kill
// path (shutdown timeout, repeated signal), since procrunner.Runner treats
// context cancellation as "kill now", not "ask nicely" (spec.md §4.4).
func (e *Engine) stopService(name string) {
	r, ok := e.store.Get(name)
	if !ok {
		return
	}
	switch r.Actual.Kind {
	case spec.Starting, spec.Running:
	default:
		return
	}
	e.mu.Lock()
	ch := e.stopReq[name]
	e.mu.Unlock()
	if ch == nil {
		return
	}
	r.Actual.Kind = spec.Stopping
	e.publishState(name, r.Actual, "stopping")
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (e *Engine) setDesired(name string, d spec.DesiredState) {
	if r, ok := e.store.Get(name); ok {
		r.Desired = d
	}
}

// ---- gating and spawning ----

// evaluateGating walks every service in topological order and spawns any
// whose desired state is Up, whose actual state is not already
// Starting/Running/Stopping, and whose dependencies are satisfied (spec.md §4.2).
// Walking in topological order means a dependency that just became ready
// is considered before its dependents in the same pass.
func (e *Engine) evaluateGating() {
	states := e.store.States()
	for _, name := range e.graph.TopologicalOrder() {
		r, ok := e.store.Get(name)
		if !ok || r.Desired.Kind != spec.Up {
			continue
		}
		switch r.Actual.Kind {
		case spec.Starting, spec.Running, spec.Stopping:
			continue
		}
		s := e.specs[name]
		if !graph.GatingReady(s.DependsOn, states) {
			continue
		}
		e.spawn(name)
		states[name] = r.Actual
	}
}

func (e *Engine) spawn(name string) {
	r, ok := e.store.Get(name)
	if !ok {
		return
	}
	s := e.specs[name]

	r.Actual = spec.ActualState{Kind: spec.Starting}
	e.publishState(name, r.Actual, "starting")

	runCtx, cancel := context.WithCancel(context.Background())
	r.Cancel = cancel
	r.RunStartedAt = time.Now()
	e.mu.Lock()
	r.LagWarned = false
	e.mu.Unlock()

	onOutput := func(chunk []byte) {
		select {
		case e.outputs <- outputNotice{name: name, chunk: chunk}:
		default:
			e.mu.Lock()
			warn := !r.LagWarned
			r.LagWarned = true
			e.mu.Unlock()
			if warn {
				e.events <- protocol.Warning(name, "output backpressure: dropping chunks, consumer too slow")
			}
		}
	}
	ring := procrunner.OutputRingWriter(r.Output, onOutput)

	runner, spawnStatus, err := procrunner.Spawn(runCtx, s, DefaultPTYRows, DefaultPTYCols, ring)
	if err != nil {
		e.log.Error("spawn failed", "service", name, "error", err)
		cancel()
		e.exits <- exitNotice{name: name, status: spawnStatus, commanded: false}
		return
	}

	r.Proc = runner
	metrics.IncStart(name)
	healthState := spec.NoHealthcheck
	if s.Healthcheck != nil {
		healthState = spec.Unhealthy
	}
	r.Health = healthState
	r.Actual = spec.ActualState{Kind: spec.Running, Health: healthState}
	e.publishState(name, r.Actual, "running")
	e.events <- protocol.Started(name, runner.Pid())

	stopCh := make(chan struct{}, 1)
	e.mu.Lock()
	e.stopReq[name] = stopCh
	e.mu.Unlock()

	go e.watch(runCtx, name, runner, stopCh)
	if s.Healthcheck != nil {
		go e.runHealth(runCtx, name, s.Healthcheck)
	}
}

// watch is the sole reader of runner.Exited() and the sole caller of
// Terminate for this run, so the two never race over the single-delivery
// exit channel (spec.md §4.4). A graceful stop arrives on stopCh; a hard
// kill arrives as ctx cancellation, in which case procrunner's own
// cancel-triggered SIGKILL races harmlessly with the Terminate call below —
// both ultimately observe the same single exit value.
func (e *Engine) watch(ctx context.Context, name string, runner *procrunner.Runner, stopCh <-chan struct{}) {
	select {
	case status := <-runner.Exited():
		e.exits <- exitNotice{name: name, status: status, commanded: false}
	case <-stopCh:
		status := runner.Terminate(context.Background(), TerminationGrace)
		e.exits <- exitNotice{name: name, status: status, commanded: true}
	case <-ctx.Done():
		status := runner.Terminate(context.Background(), 0)
		e.exits <- exitNotice{name: name, status: status, commanded: true}
	}
}

func (e *Engine) runHealth(ctx context.Context, name string, hc *spec.Healthcheck) {
	health.Run(ctx, hc, func(result spec.HealthResult, consec int, h spec.HealthState) {
		select {
		case e.healths <- healthNotice{name: name, result: result, consec: consec, health: h}:
		case <-ctx.Done():
		}
	})
}

// ---- event handlers ----

func (e *Engine) handleExit(ctx context.Context, n exitNotice) {
	r, ok := e.store.Get(n.name)
	if !ok {
		return
	}
	r.Proc = nil
	r.Cancel = nil
	e.mu.Lock()
	delete(e.stopReq, n.name)
	e.mu.Unlock()
	r.LastExit = &n.status
	r.Health = spec.NoHealthcheck
	metrics.IncStop(n.name)

	if e.disabled[n.name] {
		r.Actual = spec.ActualState{Kind: spec.Disabled, DisabledReason: "disabled by user"}
		e.publishState(n.name, r.Actual, "disabled")
		e.events <- protocol.Exited(n.name, n.status)
		e.evaluateGating()
		return
	}

	r.Actual = spec.ActualState{Kind: spec.Exited, ExitStatus: n.status}
	e.publishState(n.name, r.Actual, "exited")
	e.events <- protocol.Exited(n.name, n.status)

	// A dependent gated on this service's CompletedSuccessfully/Started
	// condition can only unblock now: spawn() only ever advances states[name]
	// to Running synchronously, never to Exited (spec.md §4.6 "Gating &
	// cascades"). A commanded exit whose desired state is still Up is an
	// explicit restart, which this same call respawns.
	if n.commanded || e.shuttingDown || r.Desired.Kind != spec.Up {
		e.evaluateGating()
		return
	}

	// A spontaneous exit: the restart policy decides. Desired goes Down so
	// gating does not respawn the service; a scheduled restart's CmdStart
	// sets it Up again once the backoff has elapsed.
	s := e.specs[n.name]
	if restartpolicy.StabilityElapsed(s.RestartPolicy, r.RunStartedAt, time.Now()) {
		r.Attempts = 0
	}
	if !restartpolicy.ShouldRestart(s.RestartPolicy, r.Desired.Reason, n.status, r.Attempts) {
		r.Desired = spec.DesiredState{Kind: spec.Down}
		e.evaluateGating()
		return
	}
	r.Attempts++
	r.Desired = spec.DesiredState{Kind: spec.Down, Reason: spec.ReasonRestartTransient}
	metrics.IncRestart(n.name)
	r.Actual.Restarting = true
	e.publishState(n.name, r.Actual, "restart scheduled")
	e.evaluateGating()
	delay := restartpolicy.Backoff(r.Attempts - 1)
	attempt := r.Attempts
	go func() {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return
		}
		select {
		case e.commands <- protocol.Command{Kind: protocol.CmdStart, Name: n.name}:
		case <-ctx.Done():
		}
		e.log.Debug("scheduled restart", "service", n.name, "attempt", attempt, "delay", delay)
	}()
}

func (e *Engine) handleHealth(h healthNotice) {
	r, ok := e.store.Get(h.name)
	if !ok {
		return
	}
	r.PushHealth(h.result)
	r.Health = h.health
	if r.Actual.Kind == spec.Running {
		r.Actual.Health = h.health
	}
	outcome := "pass"
	if h.result.Outcome == spec.Fail {
		outcome = "fail"
	}
	metrics.IncHealthAttempt(h.name, outcome)
	e.events <- protocol.HealthAttempt(h.name, h.result)
	e.publishState(h.name, r.Actual, "health")

	if h.health == spec.HealthyState {
		e.evaluateGating()
	}
}

func (e *Engine) handleOutput(o outputNotice) {
	e.mu.Lock()
	attached := e.attached[o.name]
	e.mu.Unlock()
	if !attached {
		return
	}
	select {
	case e.events <- protocol.Output(o.name, o.chunk):
	default:
	}
}

func (e *Engine) publishState(name string, actual spec.ActualState, reason string) {
	select {
	case e.events <- protocol.ServiceStateChanged(name, actual, reason):
	default:
		e.log.Warn("dropped state-changed event: events channel full", "service", name)
	}
}
