// Package dedup provides coarse, bucket-based duplicate suppression for
// bursty identical events. It is weaker than exactly-once: the presence
// check and the marker write are not wrapped in a transaction, so two
// callers racing inside the same bucket can both be accepted. Anything
// needing strict semantics must not use this package.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/serroba/ratekeeper-go/internal/docstore"
	"go.uber.org/zap"
)

// RecordVersion is the current Record schema version.
const RecordVersion = 1

// DefaultBucket is the bucket width used when none is configured.
const DefaultBucket = 10 * time.Second

// Record marks that some caller was already accepted for a bucket.
// Write-once per key, best effort.
type Record struct {
	Version   int    `json:"version"`
	ActorID   string `json:"userId"`
	EventType string `json:"eventType"`
	CreatedAt int64  `json:"timestamp"`
	Processed bool   `json:"processed"`
}

// Deduplicator coalesces near-duplicate events into one accept decision per
// fixed-width time bucket.
type Deduplicator struct {
	store  docstore.Store
	bucket time.Duration
	logger *zap.Logger
	now    func() time.Time
}

// Option configures a Deduplicator.
type Option func(*Deduplicator)

// WithBucket overrides the bucket width.
func WithBucket(d time.Duration) Option {
	return func(dd *Deduplicator) { dd.bucket = d }
}

// WithClock replaces the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(dd *Deduplicator) { dd.now = now }
}

// New creates a Deduplicator over the given store.
func New(store docstore.Store, logger *zap.Logger, opts ...Option) *Deduplicator {
	d := &Deduplicator{
		store:  store,
		bucket: DefaultBucket,
		logger: logger,
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Key builds the dedup marker key for one bucket, scoped under the tenant.
func Key(tenantID, actorID, eventType string, bucketStart int64) string {
	return fmt.Sprintf("tenants/%s/dedup/%s_%s_%d", tenantID, actorID, eventType, bucketStart)
}

// ShouldProcess reports whether the event is the first of its kind in the
// current bucket. Store failures fail open: the event is processed and the
// failure only logged, matching the limiter's availability bias.
func (d *Deduplicator) ShouldProcess(ctx context.Context, tenantID, actorID, eventType string) bool {
	nowMs := d.now().UnixMilli()
	bucketMs := d.bucket.Milliseconds()
	bucketStart := nowMs / bucketMs * bucketMs

	key := Key(tenantID, actorID, eventType, bucketStart)

	existing, err := docstore.GetAs[Record](ctx, d.store, key)
	if err != nil {
		d.logger.Error("dedup lookup failed, processing anyway",
			zap.String("key", key),
			zap.Error(err),
		)

		return true
	}

	if existing != nil {
		return false
	}

	rec := &Record{
		Version:   RecordVersion,
		ActorID:   actorID,
		EventType: eventType,
		CreatedAt: nowMs,
		Processed: true,
	}

	if err := docstore.PutAs(ctx, d.store, key, rec); err != nil {
		d.logger.Error("dedup marker write failed",
			zap.String("key", key),
			zap.Error(err),
		)
	}

	return true
}
