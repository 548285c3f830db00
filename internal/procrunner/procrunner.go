// Package procrunner spawns a service command inside a pseudo-terminal and
// manages its lifetime. Grounded in the teacher's internal/process/process.go
// (command construction, process-group signaling, Stop/Kill monitoring
// handoff; the process group here comes from the PTY's Setsid rather than
// the teacher's Setpgid), generalized from a plain exec.Cmd with log-file stdio
// to a PTY-backed one via github.com/creack/pty — not present anywhere in
// the example pack, but the standard, ecosystem-idiomatic Go PTY library,
// which the spec's PTY-backed process lifetimes require (see DESIGN.md).
package procrunner

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/loykin/micromux/internal/runtime"
	"github.com/loykin/micromux/internal/spec"
)

// OutputFunc is invoked with each chunk read from the PTY, in order
// (spec.md §4.4 "Output for a service is FIFO"). Implementations must not
// block for long; the runner's pump goroutine blocks on this call.
type OutputFunc func([]byte)

// Runner owns one spawned service's PTY-backed process. Exactly one Runner
// is ever live per service at a time (spec.md §8 "at most one live child").
type Runner struct {
	name string
	cmd  *exec.Cmd
	ptmx *os.File

	terminating atomic.Bool
	exitOnce    sync.Once
	exited      chan spec.ExitStatus
	done        chan struct{} // closed once, after exited is delivered
}

// Spawn starts s's command in a PTY of the given size, in its own process
// group. On spawn failure it returns a synthetic ExitStatus (spec.md §4.4
// "spawn failures yield a synthetic immediate exit event") alongside a
// non-nil error, so the supervisor can apply restart policy uniformly; the
// returned *Runner is nil in that case.
func Spawn(ctx context.Context, s *spec.ServiceSpec, rows, cols uint16, onOutput OutputFunc) (*Runner, spec.ExitStatus, error) {
	cmd := buildCommand(s)
	cmd.Dir = s.Cwd
	if s.Env != nil {
		cmd.Env = s.Env.Slice()
	}
	// pty.StartWithSize sets Setsid (and Setctty), which already makes the
	// child the leader of its own process group; adding Setpgid on top makes
	// the kernel reject the fork with EPERM.

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: rows, Cols: cols})
	if err != nil {
		return nil, spec.ExitStatus{Unknown: true}, fmt.Errorf("spawn %s: %w", s.Name, err)
	}

	r := &Runner{
		name:   s.Name,
		cmd:    cmd,
		ptmx:   ptmx,
		exited: make(chan spec.ExitStatus, 1),
		done:   make(chan struct{}),
	}

	go r.pumpOutput(onOutput)
	go r.wait()
	go r.killOnCancel(ctx)

	return r, spec.ExitStatus{}, nil
}

// killOnCancel force-kills the process group if ctx is cancelled before the
// child exits on its own, e.g. when the engine tears down a per-service
// context without going through Terminate.
func (r *Runner) killOnCancel(ctx context.Context) {
	select {
	case <-ctx.Done():
		if pid := r.Pid(); pid != 0 {
			_ = syscall.Kill(-pid, syscall.SIGKILL)
		}
	case <-r.done:
	}
}

func buildCommand(s *spec.ServiceSpec) *exec.Cmd {
	if s.Shell != "" {
		// #nosec G204 -- command originates from the resolved, validated config.
		return exec.Command("/bin/sh", "-c", s.Shell)
	}
	name := s.Command[0]
	args := s.Command[1:]
	// #nosec G204 -- command originates from the resolved, validated config.
	return exec.Command(name, args...)
}

func (r *Runner) pumpOutput(onOutput OutputFunc) {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.ptmx.Read(buf)
		if n > 0 && onOutput != nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			onOutput(chunk)
		}
		if err != nil {
			return
		}
	}
}

func (r *Runner) wait() {
	err := r.cmd.Wait()
	_ = r.ptmx.Close()
	status := statusFromError(err)
	r.exitOnce.Do(func() {
		r.exited <- status
		close(r.done)
	})
}

func statusFromError(err error) spec.ExitStatus {
	if err == nil {
		return spec.ExitStatus{Code: 0}
	}
	var exitErr *exec.ExitError
	if ok := asExitError(err, &exitErr); ok {
		ws, ok := exitErr.Sys().(syscall.WaitStatus)
		if ok && ws.Signaled() {
			return spec.ExitStatus{Signal: ws.Signal().String()}
		}
		return spec.ExitStatus{Code: exitErr.ExitCode()}
	}
	return spec.ExitStatus{Unknown: true}
}

func asExitError(err error, target **exec.ExitError) bool {
	if ee, ok := err.(*exec.ExitError); ok {
		*target = ee
		return true
	}
	return false
}

// Write delivers attach keystrokes to the PTY master.
func (r *Runner) Write(p []byte) (int, error) { return r.ptmx.Write(p) }

// Resize propagates a UI window-resize event to the PTY.
func (r *Runner) Resize(rows, cols uint16) error {
	return pty.Setsize(r.ptmx, &pty.Winsize{Rows: rows, Cols: cols})
}

func (r *Runner) Pid() int {
	if r.cmd.Process == nil {
		return 0
	}
	return r.cmd.Process.Pid
}

func (r *Runner) Pgid() int { return r.Pid() } // Setsid makes the child its own group leader.

// Exited is signaled exactly once, when the child has been reaped.
func (r *Runner) Exited() <-chan spec.ExitStatus { return r.exited }

// Terminate sends SIGTERM to the process group, waits up to grace, then
// escalates to SIGKILL. Idempotent: concurrent/repeated calls are safe
// (spec.md §4.4 "terminate... Idempotent").
func (r *Runner) Terminate(ctx context.Context, grace time.Duration) spec.ExitStatus {
	if !r.terminating.CompareAndSwap(false, true) {
		// Already terminating; just wait for the result.
		select {
		case st := <-r.exited:
			r.exited <- st // put back for any other waiter
			return st
		case <-ctx.Done():
			return spec.ExitStatus{Unknown: true}
		}
	}
	pid := r.Pid()
	if pid == 0 {
		return spec.ExitStatus{Unknown: true}
	}
	_ = syscall.Kill(-pid, syscall.SIGTERM)
	select {
	case st := <-r.exited:
		r.exited <- st // put back for a concurrent Terminate
		return st
	case <-time.After(grace):
	case <-ctx.Done():
	}
	_ = syscall.Kill(-pid, syscall.SIGKILL)
	select {
	case st := <-r.exited:
		r.exited <- st // put back for a concurrent Terminate
		return st
	case <-time.After(200 * time.Millisecond):
		// Best-effort: could not confirm the kill (spec.md §7).
		return spec.ExitStatus{Unknown: true}
	}
}

// OutputRingWriter adapts a *runtime.RingBuffer into an OutputFunc.
func OutputRingWriter(ring *runtime.RingBuffer, forward OutputFunc) OutputFunc {
	return func(b []byte) {
		ring.Write(b)
		if forward != nil {
			forward(b)
		}
	}
}
