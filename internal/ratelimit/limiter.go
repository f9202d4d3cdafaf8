package ratelimit

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/campaigner/internal/clock"
)

var bucketRateLimits = []byte("rate_limits")

// Level identifies which scope family a bucket belongs to. Composite
// acquisition always checks levels in this order: global, user, campaign,
// recipient domain.
type Level string

const (
	LevelGlobal   Level = "global"
	LevelUser     Level = "user"
	LevelCampaign Level = "campaign"
	LevelDomain   Level = "domain"
)

var levelOrder = []Level{LevelGlobal, LevelUser, LevelCampaign, LevelDomain}

// LimitConfig is the default token-bucket shape for one scope level.
type LimitConfig struct {
	Capacity     float64 `yaml:"capacity" json:"capacity"`
	RefillPerSec float64 `yaml:"refill_per_sec" json:"refill_per_sec"`
}

// Config contains the per-level defaults and persistence settings.
type Config struct {
	Global   *LimitConfig `yaml:"global,omitempty"`
	User     *LimitConfig `yaml:"user,omitempty"`
	Campaign *LimitConfig `yaml:"campaign,omitempty"`
	Domain   *LimitConfig `yaml:"domain,omitempty"`

	// Per-recipient-domain overrides (gmail.com, yahoo.com, ...).
	Domains map[string]*LimitConfig `yaml:"domains,omitempty"`

	FlushInterval time.Duration `yaml:"flush_interval,omitempty"`
}

// bucket is the persisted token-bucket state for one scope key.
type bucket struct {
	Capacity     float64   `json:"capacity"`
	RefillPerSec float64   `json:"refill_per_sec"`
	Tokens       float64   `json:"tokens"`
	LastRefillAt time.Time `json:"last_refill_at"`
}

// refill applies lazy monotonic refill up to capacity. No background timers.
func (b *bucket) refill(now time.Time) {
	if !now.After(b.LastRefillAt) {
		return
	}
	elapsed := now.Sub(b.LastRefillAt).Seconds()
	b.Tokens = math.Min(b.Capacity, b.Tokens+elapsed*b.RefillPerSec)
	b.LastRefillAt = now
}

// retryAfter is how long until cost tokens have accrued.
func (b *bucket) retryAfter(cost float64) time.Duration {
	if b.RefillPerSec <= 0 || cost > b.Capacity {
		// Zero refill with insufficient tokens never recovers, and
		// refill caps at capacity so a cost above it can never be met.
		// Report a long but finite deferral so callers keep re-checking.
		return time.Hour
	}
	missing := cost - b.Tokens
	if missing <= 0 {
		return 0
	}
	return time.Duration(missing / b.RefillPerSec * float64(time.Second))
}

// Request names every scope applicable to one send.
type Request struct {
	UserID     string
	CampaignID string
	// Recipient is the full address; the domain scope key derives from it.
	Recipient string
}

// Result reports a composite acquisition decision.
type Result struct {
	Allowed    bool
	DeniedBy   Level
	DeniedKey  string
	RetryAfter time.Duration
}

// Limiter is a multi-scope lazy token-bucket rate limiter. Bucket state is
// persisted in bolt on a flush interval so restarts do not reset limits.
type Limiter struct {
	db      *bolt.DB
	config  *Config
	clock   clock.Clock
	buckets map[string]*bucket
	mu      sync.Mutex
	stopCh  chan struct{}
}

// NewLimiter creates a limiter, loading any persisted bucket state.
// db may be nil for a purely in-memory limiter (tests).
func NewLimiter(db *bolt.DB, cfg *Config, ck clock.Clock) (*Limiter, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}
	if ck == nil {
		ck = clock.System{}
	}

	l := &Limiter{
		db:      db,
		config:  cfg,
		clock:   ck,
		buckets: make(map[string]*bucket),
		stopCh:  make(chan struct{}),
	}

	if db != nil {
		err := db.Update(func(tx *bolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(bucketRateLimits)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create rate limits bucket: %w", err)
		}
		if err := l.loadBuckets(); err != nil {
			return nil, fmt.Errorf("failed to load rate limit state: %w", err)
		}
		go l.persistLoop()
	}

	return l, nil
}

// TryAcquire debits cost tokens from a single scope, or reports how long to
// wait. Unknown scopes are created lazily from the level default.
func (l *Limiter) TryAcquire(level Level, key string, cost float64) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	b := l.getOrCreate(level, key, now)
	if b == nil {
		return Result{Allowed: true}
	}

	b.refill(now)
	if b.Tokens >= cost {
		b.Tokens -= cost
		return Result{Allowed: true}
	}
	return Result{
		Allowed:    false,
		DeniedBy:   level,
		DeniedKey:  makeKey(level, key),
		RetryAfter: b.retryAfter(cost),
	}
}

// AcquireAll performs the composite all-or-nothing acquisition for one send:
// every applicable scope must allow the cost simultaneously, and no scope is
// debited unless all allow. Scopes are evaluated in fixed level order under
// one lock, so there is no multi-lock deadlock and no partial token leakage.
func (l *Limiter) AcquireAll(req Request, cost float64) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	checks := l.collect(req, now)

	// Phase one: refill and check every scope.
	for _, ch := range checks {
		ch.bucket.refill(now)
		if ch.bucket.Tokens < cost {
			return Result{
				Allowed:    false,
				DeniedBy:   ch.level,
				DeniedKey:  makeKey(ch.level, ch.key),
				RetryAfter: ch.bucket.retryAfter(cost),
			}
		}
	}

	// Phase two: all allowed, commit the debit.
	for _, ch := range checks {
		ch.bucket.Tokens -= cost
	}
	return Result{Allowed: true}
}

// SetCapacity overrides a scope's capacity. Capacity zero permanently denies
// and is how campaign pause halts leasing without cancelling tasks.
func (l *Limiter) SetCapacity(level Level, key string, capacity float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	b := l.getOrCreate(level, key, now)
	if b == nil {
		b = &bucket{LastRefillAt: now}
		l.buckets[makeKey(level, key)] = b
	}
	b.refill(now)
	b.Capacity = capacity
	if b.Tokens > capacity {
		b.Tokens = capacity
	}
	if capacity == 0 {
		b.RefillPerSec = 0
	}
}

// RestoreCapacity resets a scope back to its configured default shape,
// undoing a pause.
func (l *Limiter) RestoreCapacity(level Level, key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cfg := l.defaultFor(level, key)
	if cfg == nil {
		delete(l.buckets, makeKey(level, key))
		return
	}

	now := l.clock.Now()
	l.buckets[makeKey(level, key)] = &bucket{
		Capacity:     cfg.Capacity,
		RefillPerSec: cfg.RefillPerSec,
		Tokens:       cfg.Capacity,
		LastRefillAt: now,
	}
}

// Tokens reports the current token count for a scope, refilled to now.
// Mainly for monitoring and tests.
func (l *Limiter) Tokens(level Level, key string) (float64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[makeKey(level, key)]
	if !ok {
		return 0, false
	}
	b.refill(l.clock.Now())
	return b.Tokens, true
}

// Stop stops the persistence loop and flushes state.
func (l *Limiter) Stop() error {
	close(l.stopCh)
	if l.db == nil {
		return nil
	}
	return l.persistBuckets()
}

type scopeCheck struct {
	level  Level
	key    string
	bucket *bucket
}

// collect resolves every applicable scope for the request in fixed order.
func (l *Limiter) collect(req Request, now time.Time) []scopeCheck {
	var checks []scopeCheck

	add := func(level Level, key string) {
		if b := l.getOrCreate(level, key, now); b != nil {
			checks = append(checks, scopeCheck{level: level, key: key, bucket: b})
		}
	}

	for _, level := range levelOrder {
		switch level {
		case LevelGlobal:
			add(LevelGlobal, "global")
		case LevelUser:
			if req.UserID != "" {
				add(LevelUser, req.UserID)
			}
		case LevelCampaign:
			if req.CampaignID != "" {
				add(LevelCampaign, req.CampaignID)
			}
		case LevelDomain:
			if d := RecipientDomain(req.Recipient); d != "" {
				add(LevelDomain, d)
			}
		}
	}
	return checks
}

// getOrCreate returns the bucket for a scope, creating it from the level
// default. Nil when the level has no configured default (unlimited).
func (l *Limiter) getOrCreate(level Level, key string, now time.Time) *bucket {
	full := makeKey(level, key)
	if b, ok := l.buckets[full]; ok {
		return b
	}

	cfg := l.defaultFor(level, key)
	if cfg == nil {
		return nil
	}

	b := &bucket{
		Capacity:     cfg.Capacity,
		RefillPerSec: cfg.RefillPerSec,
		Tokens:       cfg.Capacity,
		LastRefillAt: now,
	}
	l.buckets[full] = b
	return b
}

func (l *Limiter) defaultFor(level Level, key string) *LimitConfig {
	switch level {
	case LevelGlobal:
		return l.config.Global
	case LevelUser:
		return l.config.User
	case LevelCampaign:
		return l.config.Campaign
	case LevelDomain:
		if cfg, ok := l.config.Domains[key]; ok {
			return cfg
		}
		return l.config.Domain
	}
	return nil
}

func (l *Limiter) loadBuckets() error {
	return l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRateLimits)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var state bucket
			if err := json.Unmarshal(v, &state); err != nil {
				return nil // skip invalid entries
			}
			l.buckets[string(k)] = &state
			return nil
		})
	})
}

func (l *Limiter) persistBuckets() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRateLimits)
		if b == nil {
			return nil
		}
		for key, state := range l.buckets {
			data, err := json.Marshal(state)
			if err != nil {
				continue
			}
			if err := b.Put([]byte(key), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (l *Limiter) persistLoop() {
	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.persistBuckets()
		}
	}
}

// RecipientDomain extracts the lowercase domain of an email address.
func RecipientDomain(addr string) string {
	at := strings.LastIndex(addr, "@")
	if at < 0 || at == len(addr)-1 {
		return ""
	}
	return strings.ToLower(addr[at+1:])
}

func makeKey(level Level, key string) string {
	return string(level) + ":" + key
}
