package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/serroba/ratekeeper-go/internal/docstore"
	"go.uber.org/zap"
)

// Decision is the outcome of a rate-limit check. Callers see exactly Accept
// or Reject-with-wait-time; store failures never surface here (the limiter
// fails open).
type Decision struct {
	Allowed bool

	// RetryAfter is how long the caller should wait before retrying,
	// rounded up to whole seconds. Zero when Allowed.
	RetryAfter time.Duration

	// Count is the number of requests observed in the current window,
	// including this one when accepted.
	Count int
}

// RetryAfterSeconds returns the wait time in whole seconds.
func (d Decision) RetryAfterSeconds() int {
	return int(d.RetryAfter / time.Second)
}

// Limiter enforces sliding-window-log rate limits over a document store.
// All state lives in the store; a Limiter is safe for concurrent use and
// any number of process replicas.
type Limiter struct {
	store              docstore.Store
	policy             *Policy
	resourceMultiplier int
	logger             *zap.Logger
	now                func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithResourceMultiplier overrides the fallback multiplier applied when a
// rule has no explicit per-resource ceiling. Non-positive values keep the
// default.
func WithResourceMultiplier(n int) Option {
	return func(l *Limiter) {
		if n > 0 {
			l.resourceMultiplier = n
		}
	}
}

// WithClock replaces the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// NewLimiter creates a limiter over the given store and policy.
func NewLimiter(store docstore.Store, policy *Policy, logger *zap.Logger, opts ...Option) *Limiter {
	l := &Limiter{
		store:              store,
		policy:             policy,
		resourceMultiplier: DefaultResourceMultiplier,
		logger:             logger,
		now:                time.Now,
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// CheckAndIncrement runs the per-actor check and, when a resource is given
// and the actor check accepted, the aggregate per-resource check. The two
// checks hit independent keys sequentially and are not composed atomically:
// an actor's accepted request may still be rejected at the resource level,
// and the actor's timestamp is not rolled back when that happens.
func (l *Limiter) CheckAndIncrement(ctx context.Context, actorID, action, resourceID string) Decision {
	rule := l.policy.Resolve(action)

	decision := l.check(ctx, ActorKey(actorID, action, resourceID), rule.Window, rule.MaxRequests, func(rec *CounterRecord) {
		rec.ActorID = actorID
		rec.ResourceID = resourceID
		rec.Action = action
	})
	if !decision.Allowed || resourceID == "" {
		return decision
	}

	limit := rule.MaxRequestsPerResource
	if limit == 0 {
		limit = rule.MaxRequests * l.resourceMultiplier
	}

	return l.check(ctx, ResourceKey(resourceID, action), rule.Window, limit, func(rec *CounterRecord) {
		rec.ResourceID = resourceID
		rec.Action = action
	})
}

// check runs one sliding-window check against a single counter key.
//
// Inside the store's atomic update the timestamp log is compacted against
// the current window (strictly newer than now-window survives; a timestamp
// at exactly now-window is expired). At the limit the check rejects and
// persists nothing beyond the compaction; under it the current time is
// appended and WindowStart renewed.
func (l *Limiter) check(ctx context.Context, key string, window time.Duration, limit int, identify func(*CounterRecord)) Decision {
	var decision Decision

	err := l.store.Update(ctx, key, func(current []byte) ([]byte, error) {
		nowMs := l.now().UnixMilli()
		windowMs := window.Milliseconds()

		rec := &CounterRecord{Version: RecordVersion, CreatedAt: nowMs, WindowStart: nowMs}
		if current != nil {
			if err := json.Unmarshal(current, rec); err != nil {
				return nil, fmt.Errorf("decode counter %q: %w", key, err)
			}
		}

		cutoff := nowMs - windowMs
		filtered := rec.Timestamps[:0:0]

		for _, ts := range rec.Timestamps {
			if ts > cutoff {
				filtered = append(filtered, ts)
			}
		}

		if limit <= 0 || len(filtered) >= limit {
			decision = Decision{
				Allowed:    false,
				RetryAfter: retryAfter(nowMs, windowMs, filtered),
				Count:      len(filtered),
			}

			if current != nil && len(filtered) == len(rec.Timestamps) {
				// Nothing expired; skip the write entirely.
				return nil, nil
			}

			identify(rec)
			rec.Timestamps = filtered
			rec.LastUpdated = nowMs

			return json.Marshal(rec)
		}

		identify(rec)
		rec.Timestamps = append(filtered, nowMs)
		rec.WindowStart = nowMs
		rec.LastUpdated = nowMs
		decision = Decision{Allowed: true, Count: len(rec.Timestamps)}

		return json.Marshal(rec)
	})
	if err != nil {
		l.logger.Error("rate limit check failed, failing open",
			zap.String("key", key),
			zap.Error(err),
		)

		return Decision{Allowed: true}
	}

	return decision
}

// retryAfter computes the whole-second wait until the oldest surviving
// timestamp leaves the window. With an empty log (limit zero) the full
// window is reported.
func retryAfter(nowMs, windowMs int64, filtered []int64) time.Duration {
	remainingMs := windowMs
	if len(filtered) > 0 {
		remainingMs = windowMs - (nowMs - filtered[0])
	}

	secs := (remainingMs + 999) / 1000
	if secs < 1 {
		secs = 1
	}

	return time.Duration(secs) * time.Second
}
