// Package health runs a service's healthcheck command on an interval and
// classifies consecutive-failure streaks into Pass/Fail. Grounded in the
// original health_check.rs (start_period, interval, timeout, retries,
// consecutive-failure counting) and the teacher's
// internal/detector/command_detector.go shell-aware command construction.
package health

import (
	"bytes"
	"context"
	"os/exec"
	"time"

	"github.com/loykin/micromux/internal/spec"
)

// Probe runs a single healthcheck attempt and returns its HealthResult. A
// spawn failure or a context timeout both count as a failed attempt
// (spec.md §4.5, §7).
func Probe(ctx context.Context, hc *spec.Healthcheck) spec.HealthResult {
	start := time.Now()
	probeCtx, cancel := context.WithTimeout(ctx, hc.Timeout)
	defer cancel()

	// #nosec G204 -- command originates from the resolved, validated config.
	cmd := exec.CommandContext(probeCtx, hc.Test[0], hc.Test[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	duration := time.Since(start)
	outcome := spec.Pass
	if err != nil {
		outcome = spec.Fail
	}
	excerpt := stderr.Bytes()
	if len(excerpt) > spec.MaxStderrExcerpt {
		excerpt = excerpt[:spec.MaxStderrExcerpt]
	}
	return spec.HealthResult{
		Timestamp:     start,
		Outcome:       outcome,
		StderrExcerpt: string(excerpt),
		Duration:      duration,
	}
}

// OnAttempt is invoked after every probe, in order, so the supervisor can
// emit a HealthAttempt event and update the runtime record.
type OnAttempt func(result spec.HealthResult, consecutiveFailures int, health spec.HealthState)

// Run drives one service's healthcheck loop until ctx is cancelled —
// because the child exited, the service was disabled, or the engine is
// shutting down (spec.md §4.5 "The runner is cancelled when..."). It sleeps
// start_period before the first probe, then probes every interval.
//
// Health becomes Pass after any single successful probe and only becomes
// Fail after `retries` consecutive failures (Compose-style semantics);
// retries == 0 means the very first failure marks Unhealthy (spec.md §8
// boundary case).
func Run(ctx context.Context, hc *spec.Healthcheck, onAttempt OnAttempt) {
	if hc.StartPeriod > 0 {
		select {
		case <-time.After(hc.StartPeriod):
		case <-ctx.Done():
			return
		}
	}

	consecutiveFailures := 0
	health := spec.Unhealthy
	ticker := time.NewTicker(intervalOrDefault(hc.Interval))
	defer ticker.Stop()

	for {
		result := Probe(ctx, hc)
		if ctx.Err() != nil {
			return
		}
		if result.Outcome == spec.Pass {
			consecutiveFailures = 0
			health = spec.HealthyState
		} else {
			consecutiveFailures++
			if consecutiveFailures >= hc.Retries {
				health = spec.Unhealthy
			}
		}
		if onAttempt != nil {
			onAttempt(result, consecutiveFailures, health)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func intervalOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return 30 * time.Second
	}
	return d
}
