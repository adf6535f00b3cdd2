package invoker

import (
	"sync"
	"time"
)

type HealthStatus string

const (
	HealthOK       HealthStatus = "ok"
	HealthDegraded HealthStatus = "degraded"
	HealthDown     HealthStatus = "down"
)

// HealthPolicy controls when runtime failures degrade or take down the
// reported runtime health.
type HealthPolicy struct {
	DownFailures     int
	DownWindow       time.Duration
	RecoverSuccesses int
}

func DefaultHealthPolicy() HealthPolicy {
	return HealthPolicy{
		DownFailures:     3,
		DownWindow:       time.Minute,
		RecoverSuccesses: 2,
	}
}

type HealthState struct {
	Current              HealthStatus `json:"current"`
	ConsecutiveFailures  int          `json:"consecutive_failures"`
	ConsecutiveSuccesses int          `json:"consecutive_successes"`
	LastTransitionAt     time.Time    `json:"last_transition_at"`
}

// NextHealth folds one invocation result into state. A failure moves ok to
// degraded; enough failures inside DownWindow move degraded to down; down
// and degraded recover after RecoverSuccesses consecutive successes.
func NextHealth(policy HealthPolicy, state HealthState, success bool, now time.Time) HealthState {
	if state.Current == "" {
		state.Current = HealthOK
	}
	if state.LastTransitionAt.IsZero() {
		state.LastTransitionAt = now
	}

	if success {
		state.ConsecutiveSuccesses++
		state.ConsecutiveFailures = 0
		if state.Current != HealthOK && state.ConsecutiveSuccesses >= policy.RecoverSuccesses {
			state.Current = HealthOK
			state.LastTransitionAt = now
		}
		return state
	}

	state.ConsecutiveFailures++
	state.ConsecutiveSuccesses = 0
	switch state.Current {
	case HealthOK:
		state.Current = HealthDegraded
		state.LastTransitionAt = now
	case HealthDegraded:
		if now.Sub(state.LastTransitionAt) > policy.DownWindow {
			// Window expired; this failure opens a new one.
			state.ConsecutiveFailures = 1
			state.LastTransitionAt = now
			return state
		}
		if state.ConsecutiveFailures >= policy.DownFailures {
			state.Current = HealthDown
			state.LastTransitionAt = now
		}
	}
	return state
}

// HealthTracker derives runtime health from invocation outcomes. A
// non-zero exit still counts as a reachable runtime.
type HealthTracker struct {
	policy HealthPolicy
	now    func() time.Time

	mu    sync.Mutex
	state HealthState
}

func NewHealthTracker(policy HealthPolicy) *HealthTracker {
	return &HealthTracker{policy: policy, now: time.Now, state: HealthState{Current: HealthOK}}
}

func (h *HealthTracker) ObserveInvocation(_ string, outcome string, _ time.Duration) {
	var success bool
	switch outcome {
	case "ok", "nonzero":
		success = true
	case "launch_failed", "timeout":
	default:
		return
	}
	h.mu.Lock()
	h.state = NextHealth(h.policy, h.state, success, h.now().UTC())
	h.mu.Unlock()
}

func (h *HealthTracker) State() HealthState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}
