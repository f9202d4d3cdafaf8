package retry

import (
	"math/rand"
	"time"
)

// FailureKind classifies why a send attempt did not succeed.
type FailureKind string

const (
	// Transient covers timeouts, connection errors and 5xx responses.
	Transient FailureKind = "transient"
	// RateLimited means the provider or an internal scope throttled us.
	RateLimited FailureKind = "rate_limited"
	// PermanentReject means the recipient is invalid or hard-bounced;
	// never retried.
	PermanentReject FailureKind = "permanent"
	// Unknown failures are treated like transient ones.
	Unknown FailureKind = "unknown"
)

// Action tells the dispatcher what to do with a failed task.
type Action struct {
	GiveUp bool
	After  time.Duration
}

// Policy maps (attempt counts, failure kind) to a retry decision.
type Policy struct {
	// BaseDelay is the backoff base; delay grows as base * 2^attempt
	// plus up to one base of jitter.
	BaseDelay time.Duration

	// MaxDelay caps the computed backoff.
	MaxDelay time.Duration

	// MaxAttempts is the hard attempt ceiling for real failures.
	MaxAttempts int

	// RateLimitedFactor multiplies MaxAttempts into the soft ceiling for
	// rate-limited deferrals, which are expected under load rather than
	// true errors.
	RateLimitedFactor int

	// rand returns a jitter fraction in [0,1); replaceable in tests.
	rand func() float64
}

// NewPolicy creates a policy with the given shape, applying defaults for
// zero values.
func NewPolicy(base, max time.Duration, maxAttempts int) *Policy {
	p := &Policy{
		BaseDelay:         base,
		MaxDelay:          max,
		MaxAttempts:       maxAttempts,
		RateLimitedFactor: 4,
		rand:              rand.Float64,
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 30 * time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = time.Hour
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	return p
}

// NextAction decides whether to retry. attempts counts real failures so far,
// rateLimited counts throttling deferrals; the two have separate ceilings.
func (p *Policy) NextAction(attempts, rateLimited int, kind FailureKind) Action {
	switch kind {
	case PermanentReject:
		return Action{GiveUp: true}

	case RateLimited:
		if rateLimited >= p.MaxAttempts*p.RateLimitedFactor {
			return Action{GiveUp: true}
		}
		return Action{After: p.backoff(rateLimited)}

	default: // Transient, Unknown
		if attempts >= p.MaxAttempts {
			return Action{GiveUp: true}
		}
		return Action{After: p.backoff(attempts)}
	}
}

// backoff computes base * 2^attempt with up to one base of jitter, capped.
func (p *Policy) backoff(attempt int) time.Duration {
	if attempt > 16 {
		attempt = 16 // avoid shift overflow, MaxDelay caps anyway
	}
	d := p.BaseDelay * time.Duration(1<<attempt)
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	jitter := time.Duration(p.rand() * float64(p.BaseDelay))
	if d+jitter > p.MaxDelay {
		return p.MaxDelay
	}
	return d + jitter
}
