package retry

import (
	"testing"
	"time"
)

func fixedPolicy(base, max time.Duration, attempts int) *Policy {
	p := NewPolicy(base, max, attempts)
	p.rand = func() float64 { return 0 } // no jitter in tests
	return p
}

func TestPermanentRejectGivesUpImmediately(t *testing.T) {
	p := fixedPolicy(time.Second, time.Minute, 5)

	action := p.NextAction(0, 0, PermanentReject)
	if !action.GiveUp {
		t.Error("NextAction(PermanentReject) GiveUp = false, want true")
	}
}

func TestTransientBackoffDoubles(t *testing.T) {
	p := fixedPolicy(time.Second, time.Hour, 5)

	want := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
	}
	for attempt, wantDelay := range want {
		action := p.NextAction(attempt, 0, Transient)
		if action.GiveUp {
			t.Fatalf("NextAction(attempt=%d) gave up early", attempt)
		}
		if action.After != wantDelay {
			t.Errorf("NextAction(attempt=%d).After = %v, want %v", attempt, action.After, wantDelay)
		}
	}
}

func TestGiveUpAtMaxAttempts(t *testing.T) {
	p := fixedPolicy(time.Second, time.Hour, 5)

	// Attempt 5 (zero-indexed boundary) is the sixth evaluation: give up.
	action := p.NextAction(5, 0, Transient)
	if !action.GiveUp {
		t.Error("NextAction(attempts=5) GiveUp = false, want true")
	}
}

func TestBackoffCapped(t *testing.T) {
	p := fixedPolicy(time.Second, 10*time.Second, 20)

	action := p.NextAction(10, 0, Transient)
	if action.After != 10*time.Second {
		t.Errorf("capped backoff = %v, want 10s", action.After)
	}
}

func TestRateLimitedUsesSoftCeiling(t *testing.T) {
	p := fixedPolicy(time.Second, time.Hour, 5)

	// Real attempts exhausted, but rate-limited deferrals keep retrying.
	action := p.NextAction(5, 0, RateLimited)
	if action.GiveUp {
		t.Error("rate limited deferral gave up at the hard attempt ceiling")
	}

	// The soft ceiling (4x) eventually gives up too.
	action = p.NextAction(0, 20, RateLimited)
	if !action.GiveUp {
		t.Error("NextAction(rateLimited=20) GiveUp = false, want true")
	}
}

func TestJitterBounded(t *testing.T) {
	p := NewPolicy(time.Second, time.Hour, 5)

	for i := 0; i < 100; i++ {
		action := p.NextAction(2, 0, Transient)
		if action.After < 4*time.Second || action.After >= 5*time.Second {
			t.Fatalf("backoff with jitter = %v, want [4s, 5s)", action.After)
		}
	}
}

func TestUnknownTreatedAsTransient(t *testing.T) {
	p := fixedPolicy(time.Second, time.Hour, 3)

	if action := p.NextAction(1, 0, Unknown); action.GiveUp {
		t.Error("Unknown failure gave up before max attempts")
	}
	if action := p.NextAction(3, 0, Unknown); !action.GiveUp {
		t.Error("Unknown failure did not give up at max attempts")
	}
}
