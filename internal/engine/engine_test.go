package engine

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/loykin/micromux/internal/env"
	"github.com/loykin/micromux/internal/graph"
	"github.com/loykin/micromux/internal/protocol"
	"github.com/loykin/micromux/internal/spec"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func svc(name string, command []string, opts ...func(*spec.ServiceSpec)) *spec.ServiceSpec {
	s := &spec.ServiceSpec{Name: name, Command: command, Env: env.NewMap()}
	for _, o := range opts {
		o(s)
	}
	return s
}

func withRestart(p spec.RestartPolicy) func(*spec.ServiceSpec) {
	return func(s *spec.ServiceSpec) { s.RestartPolicy = p }
}

func withDependsOn(d ...spec.DependsOn) func(*spec.ServiceSpec) {
	return func(s *spec.ServiceSpec) { s.DependsOn = d }
}

func withHealthcheck(hc *spec.Healthcheck) func(*spec.ServiceSpec) {
	return func(s *spec.ServiceSpec) { s.Healthcheck = hc }
}

func newTestEngine(t *testing.T, specs []*spec.ServiceSpec) (*Engine, context.Context, context.CancelFunc) {
	t.Helper()
	g, err := graph.Build(specs)
	if err != nil {
		t.Fatalf("graph.Build: %v", err)
	}
	e := New(testLogger(), specs, g)
	ctx, cancel := context.WithCancel(context.Background())
	return e, ctx, cancel
}

func drainUntil(t *testing.T, e *Engine, timeout time.Duration, match func(protocol.Event) bool) protocol.Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-e.Events():
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatal("timed out waiting for matching event")
		}
	}
}

func TestEngine_StartsServiceAutomatically(t *testing.T) {
	specs := []*spec.ServiceSpec{svc("api", []string{"/bin/sleep", "2"})}
	e, ctx, cancel := newTestEngine(t, specs)
	defer cancel()

	go func() { _ = e.Run(ctx, make(chan os.Signal)) }()

	drainUntil(t, e, 2*time.Second, func(ev protocol.Event) bool {
		return ev.Kind == protocol.EvStarted && ev.Name == "api"
	})
}

func TestEngine_DependentWaitsForDependencyStarted(t *testing.T) {
	specs := []*spec.ServiceSpec{
		svc("db", []string{"/bin/sleep", "2"}),
		svc("api", []string{"/bin/sleep", "2"}, withDependsOn(spec.DependsOn{Name: "db", Condition: spec.ConditionStarted})),
	}
	e, ctx, cancel := newTestEngine(t, specs)
	defer cancel()

	go func() { _ = e.Run(ctx, make(chan os.Signal)) }()

	seenDB, seenAPI := false, false
	deadline := time.After(3 * time.Second)
	for !(seenDB && seenAPI) {
		select {
		case ev := <-e.Events():
			if ev.Kind == protocol.EvStarted && ev.Name == "db" {
				seenDB = true
			}
			if ev.Kind == protocol.EvStarted && ev.Name == "api" {
				if !seenDB {
					t.Fatal("api started before its dependency db")
				}
				seenAPI = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for both services to start")
		}
	}
}

func TestEngine_HealthyGatesDependent(t *testing.T) {
	specs := []*spec.ServiceSpec{
		svc("db", []string{"/bin/sleep", "3"}, withHealthcheck(&spec.Healthcheck{
			Test: []string{"/bin/true"}, Interval: 30 * time.Millisecond, Timeout: time.Second,
		})),
		svc("api", []string{"/bin/sleep", "3"}, withDependsOn(spec.DependsOn{Name: "db", Condition: spec.ConditionHealthy})),
	}
	e, ctx, cancel := newTestEngine(t, specs)
	defer cancel()

	go func() { _ = e.Run(ctx, make(chan os.Signal)) }()

	drainUntil(t, e, 3*time.Second, func(ev protocol.Event) bool {
		return ev.Kind == protocol.EvStarted && ev.Name == "api"
	})
}

func TestEngine_CmdStopPreventsRestart(t *testing.T) {
	specs := []*spec.ServiceSpec{
		svc("worker", []string{"/bin/sleep", "5"}, withRestart(spec.RestartPolicy{Kind: spec.RestartAlways})),
	}
	e, ctx, cancel := newTestEngine(t, specs)
	defer cancel()

	go func() { _ = e.Run(ctx, make(chan os.Signal)) }()
	drainUntil(t, e, 2*time.Second, func(ev protocol.Event) bool {
		return ev.Kind == protocol.EvStarted && ev.Name == "worker"
	})

	e.Commands() <- protocol.Stop("worker")

	ev := drainUntil(t, e, 3*time.Second, func(ev protocol.Event) bool {
		return ev.Kind == protocol.EvExited && ev.Name == "worker"
	})
	if ev.Name != "worker" {
		t.Fatalf("unexpected exited event: %+v", ev)
	}

	select {
	case ev := <-e.Events():
		if ev.Kind == protocol.EvStarted && ev.Name == "worker" {
			t.Fatal("worker restarted after an explicit Stop despite restart:always")
		}
	case <-time.After(300 * time.Millisecond):
	}
}

func TestEngine_OnFailureRestartsWithinCap(t *testing.T) {
	specs := []*spec.ServiceSpec{
		svc("flaky", []string{"/bin/false"}, withRestart(spec.RestartPolicy{Kind: spec.RestartOnFailure, MaxAttempts: 2})),
	}
	e, ctx, cancel := newTestEngine(t, specs)
	defer cancel()

	go func() { _ = e.Run(ctx, make(chan os.Signal)) }()

	exits := 0
	deadline := time.After(5 * time.Second)
	for exits < 3 {
		select {
		case ev := <-e.Events():
			if ev.Kind == protocol.EvExited && ev.Name == "flaky" {
				exits++
			}
		case <-deadline:
			t.Fatalf("expected 3 total spawns (1 initial + 2 retries), saw %d exits", exits)
		}
	}
}

func TestEngine_RestartCommandResetsAttempts(t *testing.T) {
	specs := []*spec.ServiceSpec{
		svc("flaky", []string{"/bin/false"}, withRestart(spec.RestartPolicy{Kind: spec.RestartOnFailure, MaxAttempts: 1})),
	}
	e, ctx, cancel := newTestEngine(t, specs)
	defer cancel()

	go func() { _ = e.Run(ctx, make(chan os.Signal)) }()

	exits := 0
	deadline := time.After(3 * time.Second)
	for exits < 2 {
		select {
		case ev := <-e.Events():
			if ev.Kind == protocol.EvExited && ev.Name == "flaky" {
				exits++
			}
		case <-deadline:
			t.Fatal("expected the initial run plus one policy-driven retry")
		}
	}

	r, ok := e.store.Get("flaky")
	if !ok {
		t.Fatal("missing record")
	}
	if r.Attempts < 1 {
		t.Fatalf("expected attempts to have incremented, got %d", r.Attempts)
	}

	e.Commands() <- protocol.Restart("flaky")
	drainUntil(t, e, 2*time.Second, func(ev protocol.Event) bool {
		return ev.Kind == protocol.EvStarted && ev.Name == "flaky"
	})
}

func TestEngine_ShutdownStopsAllAndEmitsComplete(t *testing.T) {
	specs := []*spec.ServiceSpec{
		svc("a", []string{"/bin/sleep", "5"}),
		svc("b", []string{"/bin/sleep", "5"}),
	}
	e, ctx, cancel := newTestEngine(t, specs)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- e.Run(ctx, make(chan os.Signal)) }()

	started := map[string]bool{}
	for len(started) < 2 {
		select {
		case ev := <-e.Events():
			if ev.Kind == protocol.EvStarted {
				started[ev.Name] = true
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for both services to start")
		}
	}

	e.Commands() <- protocol.Shutdown()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error on clean shutdown: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for Run to return after shutdown")
	}
}

func TestEngine_CompletedSuccessfullyUnblocksDependent(t *testing.T) {
	specs := []*spec.ServiceSpec{
		svc("migrate", []string{"/bin/true"}, withRestart(spec.RestartPolicy{Kind: spec.RestartNever})),
		svc("build", []string{"/bin/true"}, withDependsOn(spec.DependsOn{Name: "migrate", Condition: spec.ConditionCompletedSuccessfully})),
	}
	e, ctx, cancel := newTestEngine(t, specs)
	defer cancel()

	go func() { _ = e.Run(ctx, make(chan os.Signal)) }()

	drainUntil(t, e, 2*time.Second, func(ev protocol.Event) bool {
		return ev.Kind == protocol.EvExited && ev.Name == "migrate"
	})
	drainUntil(t, e, 2*time.Second, func(ev protocol.Event) bool {
		return ev.Kind == protocol.EvStarted && ev.Name == "build"
	})
}

func TestEngine_SignalInitiatedShutdownReturnsSentinel(t *testing.T) {
	specs := []*spec.ServiceSpec{svc("api", []string{"/bin/sleep", "5"})}
	e, ctx, cancel := newTestEngine(t, specs)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx, sigCh) }()

	drainUntil(t, e, 2*time.Second, func(ev protocol.Event) bool {
		return ev.Kind == protocol.EvStarted && ev.Name == "api"
	})

	sigCh <- os.Interrupt

	select {
	case err := <-done:
		if !errors.Is(err, ErrSignalShutdown) {
			t.Fatalf("expected ErrSignalShutdown from a single-signal shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for Run to return after signal")
	}
}

func TestEngine_CycleIsRejectedAtConstruction(t *testing.T) {
	specs := []*spec.ServiceSpec{
		svc("a", []string{"/bin/true"}, withDependsOn(spec.DependsOn{Name: "b", Condition: spec.ConditionStarted})),
		svc("b", []string{"/bin/true"}, withDependsOn(spec.DependsOn{Name: "a", Condition: spec.ConditionStarted})),
	}
	_, err := graph.Build(specs)
	if err == nil {
		t.Fatal("expected a cycle error")
	}
	if _, ok := err.(*graph.CycleError); !ok {
		t.Fatalf("expected *graph.CycleError, got %T", err)
	}
}
