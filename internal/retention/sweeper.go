package retention

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jaevor/go-nanoid"
	"github.com/serroba/ratekeeper-go/internal/docstore"
	"github.com/serroba/ratekeeper-go/internal/ratelimit"
	"go.uber.org/zap"
)

// DefaultBatchSize is the default chunk size for atomic batch deletes,
// matching the usual document-store ceiling on items per atomic operation.
const DefaultBatchSize = 500

const (
	// DefaultCounterMaxAge is the horizon for abandoned counter records.
	// This is a safety net unrelated to any rate-limit window: a counter
	// whose WindowStart has not been renewed for this long has no live
	// traffic behind it.
	DefaultCounterMaxAge = time.Hour

	// DefaultMessageMaxAge is the horizon for ephemeral tenant messages.
	DefaultMessageMaxAge = 24 * time.Hour
)

// Target describes one aged collection to purge.
type Target struct {
	Name      string
	Prefix    string
	MaxAge    time.Duration
	BatchSize int

	// AgeOf extracts the age timestamp from a stored document. Returning
	// false skips the document (malformed or missing field).
	AgeOf func(doc []byte) (time.Time, bool)
}

// Report summarizes one sweep run.
type Report struct {
	RunID            string    `json:"runId"`
	TenantsProcessed int       `json:"tenantsProcessed"`
	TotalDeleted     int       `json:"totalDeleted"`
	Timestamp        time.Time `json:"timestamp"`
	TriggeredBy      string    `json:"triggeredBy"`
}

// TenantLister enumerates the tenants whose collections the sweeper visits.
type TenantLister interface {
	ListTenants(ctx context.Context) ([]string, error)
}

// Sweeper performs scheduled, batched deletion of aged records. It never
// coordinates with concurrent writers: a late writer may resurrect a key
// right after deletion, which simply starts a fresh window and is harmless.
type Sweeper struct {
	store      docstore.Store
	tenants    TenantLister
	logger     *zap.Logger
	batchSize  int
	counterAge time.Duration
	messageAge time.Duration
	now        func() time.Time
	newRunID   func() string
	onComplete func(Report)
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithBatchSize overrides the atomic batch-delete chunk size.
func WithBatchSize(n int) Option {
	return func(s *Sweeper) { s.batchSize = n }
}

// WithCounterMaxAge overrides the counter-record horizon.
func WithCounterMaxAge(d time.Duration) Option {
	return func(s *Sweeper) { s.counterAge = d }
}

// WithMessageMaxAge overrides the tenant-message horizon.
func WithMessageMaxAge(d time.Duration) Option {
	return func(s *Sweeper) { s.messageAge = d }
}

// WithClock replaces the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// WithOnComplete registers a hook invoked after every full run, used to
// publish audit events without coupling this package to the event bus.
func WithOnComplete(fn func(Report)) Option {
	return func(s *Sweeper) { s.onComplete = fn }
}

// NewSweeper creates a sweeper over the given store.
func NewSweeper(store docstore.Store, tenants TenantLister, logger *zap.Logger, opts ...Option) *Sweeper {
	runID, err := nanoid.Standard(12)
	if err != nil {
		// Only fails for lengths outside [2,255].
		panic(err)
	}

	s := &Sweeper{
		store:      store,
		tenants:    tenants,
		logger:     logger,
		batchSize:  DefaultBatchSize,
		counterAge: DefaultCounterMaxAge,
		messageAge: DefaultMessageMaxAge,
		now:        time.Now,
		newRunID:   runID,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Purge deletes every document under the target's prefix whose age field is
// strictly older than now minus MaxAge. Matches are committed in chunks of
// at most BatchSize, sequentially; a chunk that fails to commit is logged
// and skipped, and the returned count reflects only what was actually
// deleted.
func (s *Sweeper) Purge(ctx context.Context, target Target) (int, error) {
	batchSize := target.BatchSize
	if batchSize <= 0 {
		batchSize = s.batchSize
	}

	entries, err := s.store.Scan(ctx, target.Prefix)
	if err != nil {
		return 0, fmt.Errorf("scan %q: %w", target.Prefix, err)
	}

	cutoff := s.now().Add(-target.MaxAge)

	var eligible []string

	for _, entry := range entries {
		age, ok := target.AgeOf(entry.Doc)
		if !ok {
			s.logger.Warn("skipping document without age field",
				zap.String("target", target.Name),
				zap.String("key", entry.Key),
			)

			continue
		}

		if age.Before(cutoff) {
			eligible = append(eligible, entry.Key)
		}
	}

	deleted := 0

	for start := 0; start < len(eligible); start += batchSize {
		end := min(start+batchSize, len(eligible))
		chunk := eligible[start:end]

		if err := s.store.DeleteBatch(ctx, chunk); err != nil {
			s.logger.Error("batch delete failed, continuing",
				zap.String("target", target.Name),
				zap.Int("chunk_size", len(chunk)),
				zap.Error(err),
			)

			continue
		}

		deleted += len(chunk)
	}

	s.logger.Info("purge complete",
		zap.String("target", target.Name),
		zap.Int("eligible", len(eligible)),
		zap.Int("deleted", deleted),
	)

	return deleted, nil
}

// PurgeCounters removes rate-limit counters whose window has not been
// renewed within the counter horizon.
func (s *Sweeper) PurgeCounters(ctx context.Context) (int, error) {
	return s.Purge(ctx, Target{
		Name:   "counters",
		Prefix: ratelimit.KeyPrefix,
		MaxAge: s.counterAge,
		AgeOf:  AgeOfField("windowStart"),
	})
}

// PurgeTenantMessages removes aged message records tenant by tenant. A
// failure on one tenant is logged and does not stop the others.
func (s *Sweeper) PurgeTenantMessages(ctx context.Context) (tenantsProcessed, deleted int) {
	tenants, err := s.tenants.ListTenants(ctx)
	if err != nil {
		s.logger.Error("tenant listing failed, skipping message purge", zap.Error(err))

		return 0, 0
	}

	for _, tenant := range tenants {
		n, err := s.Purge(ctx, Target{
			Name:   "messages/" + tenant,
			Prefix: MessagePrefix(tenant),
			MaxAge: s.messageAge,
			AgeOf:  AgeOfField("createdAt"),
		})
		if err != nil {
			s.logger.Error("tenant message purge failed, continuing",
				zap.String("tenant", tenant),
				zap.Error(err),
			)

			continue
		}

		tenantsProcessed++
		deleted += n
	}

	return tenantsProcessed, deleted
}

// Run executes a full sweep over all configured targets and reports what
// was deleted. It never fails hard: partial store trouble degrades to a
// smaller count.
func (s *Sweeper) Run(ctx context.Context, triggeredBy string) Report {
	report := Report{
		RunID:       s.newRunID(),
		Timestamp:   s.now(),
		TriggeredBy: triggeredBy,
	}

	counters, err := s.PurgeCounters(ctx)
	if err != nil {
		s.logger.Error("counter purge failed, continuing", zap.Error(err))
	}

	tenants, messages := s.PurgeTenantMessages(ctx)

	report.TenantsProcessed = tenants
	report.TotalDeleted = counters + messages

	if s.onComplete != nil {
		s.onComplete(report)
	}

	return report
}

// MessagePrefix is the key prefix for one tenant's ephemeral message log.
func MessagePrefix(tenantID string) string {
	return "tenants/" + tenantID + "/messages/"
}

// AgeOfField returns an age extractor reading a Unix-millisecond field from
// a JSON document.
func AgeOfField(field string) func(doc []byte) (time.Time, bool) {
	return func(doc []byte) (time.Time, bool) {
		var fields map[string]any
		if err := json.Unmarshal(doc, &fields); err != nil {
			return time.Time{}, false
		}

		ms, ok := fields[field].(float64)
		if !ok {
			return time.Time{}, false
		}

		return time.UnixMilli(int64(ms)), true
	}
}

// StoreTenantLister discovers tenants from the keys already in the store:
// any document under "tenants/{id}/" marks the tenant as live. There is no
// separate registration step, so a tenant becomes sweepable with its first
// message or dedup marker.
type StoreTenantLister struct {
	store docstore.Store
}

// NewStoreTenantLister creates a lister over the tenant key space.
func NewStoreTenantLister(store docstore.Store) *StoreTenantLister {
	return &StoreTenantLister{store: store}
}

func (l *StoreTenantLister) ListTenants(ctx context.Context) ([]string, error) {
	entries, err := l.store.Scan(ctx, "tenants/")
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)

	var tenants []string

	for _, entry := range entries {
		id, _, ok := strings.Cut(entry.Key[len("tenants/"):], "/")
		if !ok || id == "" {
			continue
		}

		if !seen[id] {
			seen[id] = true
			tenants = append(tenants, id)
		}
	}

	return tenants, nil
}
