package retention_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/serroba/ratekeeper-go/internal/docstore"
	"github.com/serroba/ratekeeper-go/internal/ratelimit"
	"github.com/serroba/ratekeeper-go/internal/retention"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var errStoreDown = errors.New("store unavailable")

type clock struct {
	now time.Time
}

func (c *clock) Now() time.Time {
	return c.now
}

// batchRecordingStore counts DeleteBatch calls and can fail chosen ones.
type batchRecordingStore struct {
	docstore.Store

	calls      int
	batchSizes []int
	failCalls  map[int]bool
}

func (s *batchRecordingStore) DeleteBatch(ctx context.Context, keys []string) error {
	s.calls++
	s.batchSizes = append(s.batchSizes, len(keys))

	if s.failCalls[s.calls] {
		return errStoreDown
	}

	return s.Store.DeleteBatch(ctx, keys)
}

// scanFailingStore fails Scan for one specific prefix.
type scanFailingStore struct {
	docstore.Store

	failPrefix string
}

func (s *scanFailingStore) Scan(ctx context.Context, prefix string) ([]docstore.Entry, error) {
	if prefix == s.failPrefix {
		return nil, errStoreDown
	}

	return s.Store.Scan(ctx, prefix)
}

func seedCounter(t *testing.T, store docstore.Store, key string, windowStart time.Time) {
	t.Helper()

	rec := &ratelimit.CounterRecord{
		Version:     ratelimit.RecordVersion,
		Action:      "send",
		WindowStart: windowStart.UnixMilli(),
		CreatedAt:   windowStart.UnixMilli(),
		LastUpdated: windowStart.UnixMilli(),
	}

	require.NoError(t, docstore.PutAs(context.Background(), store, key, rec))
}

func seedMessage(t *testing.T, store docstore.Store, tenant, id string, createdAt time.Time) {
	t.Helper()

	doc := fmt.Sprintf(`{"version":1,"tenantId":%q,"createdAt":%d}`, tenant, createdAt.UnixMilli())
	require.NoError(t, store.Put(context.Background(),
		retention.MessagePrefix(tenant)+id, []byte(doc)))
}

func seedTenant(t *testing.T, store docstore.Store, tenant string) {
	t.Helper()

	require.NoError(t, store.Put(context.Background(),
		"tenants/"+tenant+"/meta", []byte(`{"name":"`+tenant+`"}`)))
}

func TestSweeperPurge(t *testing.T) {
	t.Run("deletes strictly older records, keeps the rest", func(t *testing.T) {
		c := &clock{now: time.UnixMilli(1_700_000_000_000)}
		store := docstore.NewMemory()

		seedCounter(t, store, ratelimit.KeyPrefix+"old", c.now.Add(-2*time.Hour))
		seedCounter(t, store, ratelimit.KeyPrefix+"edge", c.now.Add(-time.Hour))
		seedCounter(t, store, ratelimit.KeyPrefix+"fresh", c.now.Add(-time.Minute))

		sweeper := retention.NewSweeper(store, retention.NewStoreTenantLister(store),
			zap.NewNop(), retention.WithClock(c.Now))

		deleted, err := sweeper.PurgeCounters(context.Background())

		require.NoError(t, err)
		assert.Equal(t, 1, deleted)

		doc, _ := store.Get(context.Background(), ratelimit.KeyPrefix+"edge")
		assert.NotNil(t, doc, "a record exactly at the threshold is retained")

		doc, _ = store.Get(context.Background(), ratelimit.KeyPrefix+"old")
		assert.Nil(t, doc)
	})

	t.Run("zero eligible records deletes nothing without error", func(t *testing.T) {
		c := &clock{now: time.UnixMilli(1_700_000_000_000)}
		store := docstore.NewMemory()

		sweeper := retention.NewSweeper(store, retention.NewStoreTenantLister(store),
			zap.NewNop(), retention.WithClock(c.Now))

		deleted, err := sweeper.PurgeCounters(context.Background())

		require.NoError(t, err)
		assert.Zero(t, deleted)
	})

	t.Run("chunks eligible records by batch size", func(t *testing.T) {
		c := &clock{now: time.UnixMilli(1_700_000_000_000)}
		memory := docstore.NewMemory()
		store := &batchRecordingStore{Store: memory}

		// 5 eligible records with a batch size of 2: three batches.
		for i := range 5 {
			seedCounter(t, memory, fmt.Sprintf("%sk%d", ratelimit.KeyPrefix, i), c.now.Add(-2*time.Hour))
		}

		sweeper := retention.NewSweeper(store, retention.NewStoreTenantLister(store),
			zap.NewNop(), retention.WithClock(c.Now), retention.WithBatchSize(2))

		deleted, err := sweeper.PurgeCounters(context.Background())

		require.NoError(t, err)
		assert.Equal(t, 5, deleted)
		assert.Equal(t, 3, store.calls)
		assert.Equal(t, []int{2, 2, 1}, store.batchSizes)
	})

	t.Run("a failed chunk is skipped, later chunks still commit", func(t *testing.T) {
		c := &clock{now: time.UnixMilli(1_700_000_000_000)}
		memory := docstore.NewMemory()
		store := &batchRecordingStore{Store: memory, failCalls: map[int]bool{2: true}}

		for i := range 5 {
			seedCounter(t, memory, fmt.Sprintf("%sk%d", ratelimit.KeyPrefix, i), c.now.Add(-2*time.Hour))
		}

		sweeper := retention.NewSweeper(store, retention.NewStoreTenantLister(store),
			zap.NewNop(), retention.WithClock(c.Now), retention.WithBatchSize(2))

		deleted, err := sweeper.PurgeCounters(context.Background())

		require.NoError(t, err, "chunk failures degrade the count, not the call")
		assert.Equal(t, 3, deleted)
		assert.Equal(t, 3, store.calls)
	})

	t.Run("skips documents without the age field", func(t *testing.T) {
		c := &clock{now: time.UnixMilli(1_700_000_000_000)}
		store := docstore.NewMemory()

		require.NoError(t, store.Put(context.Background(),
			ratelimit.KeyPrefix+"weird", []byte(`{"version":1}`)))

		sweeper := retention.NewSweeper(store, retention.NewStoreTenantLister(store),
			zap.NewNop(), retention.WithClock(c.Now))

		deleted, err := sweeper.PurgeCounters(context.Background())

		require.NoError(t, err)
		assert.Zero(t, deleted)
	})
}

func TestSweeperTenantMessages(t *testing.T) {
	t.Run("purges every tenant's aged messages", func(t *testing.T) {
		c := &clock{now: time.UnixMilli(1_700_000_000_000)}
		store := docstore.NewMemory()

		seedTenant(t, store, "t1")
		seedTenant(t, store, "t2")
		seedMessage(t, store, "t1", "m1", c.now.Add(-25*time.Hour))
		seedMessage(t, store, "t1", "m2", c.now.Add(-time.Hour))
		seedMessage(t, store, "t2", "m1", c.now.Add(-48*time.Hour))

		sweeper := retention.NewSweeper(store, retention.NewStoreTenantLister(store),
			zap.NewNop(), retention.WithClock(c.Now))

		tenants, deleted := sweeper.PurgeTenantMessages(context.Background())

		assert.Equal(t, 2, tenants)
		assert.Equal(t, 2, deleted)

		doc, _ := store.Get(context.Background(), retention.MessagePrefix("t1")+"m2")
		assert.NotNil(t, doc, "recent messages survive")
	})

	t.Run("a tenant's first message alone makes it sweepable", func(t *testing.T) {
		c := &clock{now: time.UnixMilli(1_700_000_000_000)}
		store := docstore.NewMemory()

		// No registry document of any kind, just the message itself.
		seedMessage(t, store, "t1", "id1", c.now.Add(-48*time.Hour))

		sweeper := retention.NewSweeper(store, retention.NewStoreTenantLister(store),
			zap.NewNop(), retention.WithClock(c.Now))

		tenants, deleted := sweeper.PurgeTenantMessages(context.Background())

		assert.Equal(t, 1, tenants)
		assert.Equal(t, 1, deleted)

		doc, _ := store.Get(context.Background(), retention.MessagePrefix("t1")+"id1")
		assert.Nil(t, doc)
	})

	t.Run("one failing tenant does not stop the others", func(t *testing.T) {
		c := &clock{now: time.UnixMilli(1_700_000_000_000)}
		memory := docstore.NewMemory()
		store := &scanFailingStore{Store: memory, failPrefix: retention.MessagePrefix("t1")}

		seedTenant(t, memory, "t1")
		seedTenant(t, memory, "t2")
		seedMessage(t, memory, "t1", "m1", c.now.Add(-48*time.Hour))
		seedMessage(t, memory, "t2", "m1", c.now.Add(-48*time.Hour))

		sweeper := retention.NewSweeper(store, retention.NewStoreTenantLister(store),
			zap.NewNop(), retention.WithClock(c.Now))

		tenants, deleted := sweeper.PurgeTenantMessages(context.Background())

		assert.Equal(t, 1, tenants)
		assert.Equal(t, 1, deleted)
	})
}

func TestSweeperRun(t *testing.T) {
	t.Run("reports totals and fires the completion hook", func(t *testing.T) {
		c := &clock{now: time.UnixMilli(1_700_000_000_000)}
		store := docstore.NewMemory()

		seedCounter(t, store, ratelimit.KeyPrefix+"old", c.now.Add(-2*time.Hour))
		seedTenant(t, store, "t1")
		seedMessage(t, store, "t1", "m1", c.now.Add(-25*time.Hour))

		var hooked *retention.Report

		sweeper := retention.NewSweeper(store, retention.NewStoreTenantLister(store),
			zap.NewNop(),
			retention.WithClock(c.Now),
			retention.WithOnComplete(func(r retention.Report) { hooked = &r }),
		)

		report := sweeper.Run(context.Background(), "ops@example")

		assert.Equal(t, 2, report.TotalDeleted)
		assert.Equal(t, 1, report.TenantsProcessed)
		assert.Equal(t, "ops@example", report.TriggeredBy)
		assert.NotEmpty(t, report.RunID)
		require.NotNil(t, hooked)
		assert.Equal(t, report.RunID, hooked.RunID)
	})
}

func TestStoreTenantLister(t *testing.T) {
	t.Run("discovers a tenant from any document under its prefix", func(t *testing.T) {
		store := docstore.NewMemory()

		seedTenant(t, store, "t1")
		seedMessage(t, store, "t2", "m1", time.Now())
		require.NoError(t, store.Put(context.Background(),
			"tenants/t3/dedup/alice_presence_0", []byte(`{"processed":true}`)))

		lister := retention.NewStoreTenantLister(store)

		tenants, err := lister.ListTenants(context.Background())

		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"t1", "t2", "t3"}, tenants)
	})

	t.Run("each tenant is listed once", func(t *testing.T) {
		store := docstore.NewMemory()

		seedTenant(t, store, "t1")
		seedMessage(t, store, "t1", "m1", time.Now())
		seedMessage(t, store, "t1", "m2", time.Now())

		lister := retention.NewStoreTenantLister(store)

		tenants, err := lister.ListTenants(context.Background())

		require.NoError(t, err)
		assert.Equal(t, []string{"t1"}, tenants)
	})
}
