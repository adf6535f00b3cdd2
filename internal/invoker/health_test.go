package invoker

import (
	"context"
	"testing"
	"time"

	"github.com/g960059/ctrmux/internal/config"
)

func TestHealthTransitionPolicy(t *testing.T) {
	policy := DefaultHealthPolicy()
	now := time.Now().UTC()
	state := HealthState{Current: HealthOK, LastTransitionAt: now}

	state = NextHealth(policy, state, false, now.Add(1*time.Second))
	if state.Current != HealthDegraded {
		t.Fatalf("ok->degraded expected, got %s", state.Current)
	}
	state = NextHealth(policy, state, false, now.Add(2*time.Second))
	state = NextHealth(policy, state, false, now.Add(3*time.Second))
	if state.Current != HealthDown {
		t.Fatalf("degraded->down expected after failures, got %s", state.Current)
	}

	state = NextHealth(policy, state, true, now.Add(4*time.Second))
	if state.Current != HealthDown {
		t.Fatalf("still down until enough success, got %s", state.Current)
	}
	state = NextHealth(policy, state, true, now.Add(5*time.Second))
	if state.Current != HealthOK {
		t.Fatalf("down->ok expected on recovery threshold, got %s", state.Current)
	}
}

func TestDownTransitionRequiresFailureWindow(t *testing.T) {
	policy := DefaultHealthPolicy()
	policy.DownWindow = 2 * time.Second
	now := time.Now().UTC()

	state := HealthState{Current: HealthOK, LastTransitionAt: now}
	state = NextHealth(policy, state, false, now.Add(1*time.Second))  // degraded
	state = NextHealth(policy, state, false, now.Add(10*time.Second)) // outside window, resets
	state = NextHealth(policy, state, false, now.Add(11*time.Second)) // second within new window

	if state.Current != HealthDegraded {
		t.Fatalf("expected degraded (not down) with failures outside window, got %s", state.Current)
	}
}

func TestHealthTrackerClassifiesOutcomes(t *testing.T) {
	h := NewHealthTracker(DefaultHealthPolicy())
	h.ObserveInvocation("inspect", "nonzero", 0)
	if got := h.State().Current; got != HealthOK {
		t.Fatalf("a non-zero exit means the runtime answered, got %s", got)
	}
	h.ObserveInvocation("ls", "canceled", 0)
	if got := h.State(); got.ConsecutiveFailures != 0 || got.ConsecutiveSuccesses != 1 {
		t.Fatalf("canceled invocations must not count: %+v", got)
	}
	for i := 0; i < 3; i++ {
		h.ObserveInvocation("ls", "launch_failed", 0)
	}
	if got := h.State().Current; got != HealthDown {
		t.Fatalf("expected down after repeated launch failures, got %s", got)
	}
}

func TestInvokerNotifiesEveryObserver(t *testing.T) {
	first := &recordingObserver{}
	h := NewHealthTracker(DefaultHealthPolicy())
	iv := New(config.DefaultConfig(), WithRunner(&fakeRunner{}), WithObserver(first), WithObserver(h))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if _, err := iv.Invoke(ctx, ListArgs(), time.Second); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if len(first.outcomes) != 1 {
		t.Fatalf("first observer missed the sample")
	}
	if h.State().ConsecutiveSuccesses != 1 {
		t.Fatalf("health tracker missed the sample: %+v", h.State())
	}
}
