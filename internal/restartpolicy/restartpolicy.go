// Package restartpolicy centralizes restart-policy evaluation and backoff
// scheduling. Grounded in spec.md §4.6/§9 ("Backoff: centralize in the
// supervisor; process runner has no notion of retry") — internal/procrunner
// never sees a restart policy.
package restartpolicy

import (
	"math/rand/v2"
	"time"

	"github.com/loykin/micromux/internal/spec"
)

const (
	backoffBase   = 500 * time.Millisecond
	backoffCap    = 30 * time.Second
	jitterPercent = 0.20
)

// ShouldRestart decides whether a service that just exited with status
// should be restarted, given its policy, desired-state reason (what drove
// the prior stop, if user/shutdown-initiated), and current attempt count
// (spec.md §4.6 "Restart policy evaluation").
func ShouldRestart(policy spec.RestartPolicy, lastDownReason spec.DownReason, status spec.ExitStatus, attempts int) bool {
	switch policy.Kind {
	case spec.RestartNever:
		return false
	case spec.RestartAlways:
		return true
	case spec.RestartUnlessStopped:
		return lastDownReason != spec.ReasonUserDisabled && lastDownReason != spec.ReasonShutdown
	case spec.RestartOnFailure:
		if status.Success() {
			return false
		}
		if policy.MaxAttempts == spec.Unlimited {
			return true
		}
		return attempts < policy.MaxAttempts
	default:
		return false
	}
}

// Backoff returns the delay before the (attempts+1)th restart: a capped
// exponential with jitter, min(cap, base*2^attempts) ± 20% (spec.md §4.6).
func Backoff(attempts int) time.Duration {
	d := backoffBase
	for i := 0; i < attempts && d < backoffCap; i++ {
		d *= 2
	}
	if d > backoffCap {
		d = backoffCap
	}
	jitter := float64(d) * jitterPercent * (rand.Float64()*2 - 1) // ±20%
	d += time.Duration(jitter)
	if d < 0 {
		d = 0
	}
	return d
}

// StabilityElapsed reports whether a run that started at runStartedAt and
// has lasted until now has exceeded the policy's stability window, meaning
// the attempt counter should reset to zero (spec.md §4.6, §9).
func StabilityElapsed(policy spec.RestartPolicy, runStartedAt time.Time, now time.Time) bool {
	if runStartedAt.IsZero() {
		return false
	}
	return now.Sub(runStartedAt) >= policy.EffectiveStabilityWindow()
}
