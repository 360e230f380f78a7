package container

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	_ "github.com/danielgtaylor/huma/v2/formats/cbor" // CBOR format support for huma
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/samber/do"
	"github.com/serroba/ratekeeper-go/internal/dedup"
	"github.com/serroba/ratekeeper-go/internal/docstore"
	"github.com/serroba/ratekeeper-go/internal/events"
	"github.com/serroba/ratekeeper-go/internal/handlers"
	"github.com/serroba/ratekeeper-go/internal/health"
	"github.com/serroba/ratekeeper-go/internal/middleware"
	"github.com/serroba/ratekeeper-go/internal/ratelimit"
	"github.com/serroba/ratekeeper-go/internal/retention"
	"go.uber.org/zap"
)

// Options is the CLI/environment configuration for both binaries.
type Options struct {
	Port               int    `default:"8888"           help:"Port to listen on"                               short:"p"`
	RedisAddr          string `default:"localhost:6379" help:"Redis server address"                            short:"r"`
	PostgresDSN        string `default:""               help:"PostgreSQL connection string (postgres backend)"`
	Backend            string `default:"redis"          enum:"redis,postgres,memory" help:"Document store backend"`
	KeyPrefix          string `default:"ratekeeper:"    help:"Key namespace for the redis backend"`
	AdminToken         string `default:""               help:"Bearer token required by the admin API"`
	SweepInterval      string `default:"24h"            help:"Interval between scheduled retention sweeps"`
	CounterMaxAge      string `default:"1h"             help:"Retention horizon for rate-limit counters"`
	MessageMaxAge      string `default:"24h"            help:"Retention horizon for tenant messages"`
	BatchSize          int    `default:"500"            help:"Maximum keys per atomic batch delete"`
	DedupBucket        string `default:"10s"            help:"Deduplication bucket width"`
	ResourceMultiplier int    `default:"10"             help:"Per-resource limit fallback multiplier"`
	LogFormat          string `default:"console"        enum:"console,json" help:"Log output format"`
}

// duration parses a duration option, falling back when unset or malformed.
func duration(value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}

	return d
}

// LoggerPackage provides the zap logger.
func LoggerPackage(injector *do.Injector) {
	do.Provide(injector, func(i *do.Injector) (*zap.Logger, error) {
		options := do.MustInvoke[*Options](i)

		if options.LogFormat == "json" {
			return zap.NewProduction()
		}

		return zap.NewDevelopment()
	})
}

// RedisPackage provides the shared Redis client.
func RedisPackage(injector *do.Injector) {
	do.Provide(injector, func(i *do.Injector) (*redis.Client, error) {
		options := do.MustInvoke[*Options](i)

		return redis.NewClient(&redis.Options{
			Addr: options.RedisAddr,
		}), nil
	})
}

// PostgresPackage provides the pgx pool, used when the postgres backend is
// selected.
func PostgresPackage(injector *do.Injector) {
	do.Provide(injector, func(i *do.Injector) (*pgxpool.Pool, error) {
		options := do.MustInvoke[*Options](i)

		return pgxpool.New(context.Background(), options.PostgresDSN)
	})
}

// DocstorePackage provides the document store for the configured backend.
func DocstorePackage(injector *do.Injector) {
	do.Provide(injector, func(i *do.Injector) (docstore.Store, error) {
		options := do.MustInvoke[*Options](i)

		switch options.Backend {
		case "memory":
			return docstore.NewMemory(), nil
		case "postgres":
			pool := do.MustInvoke[*pgxpool.Pool](i)

			return docstore.NewPostgres(pool), nil
		default:
			client := do.MustInvoke[*redis.Client](i)

			return docstore.NewRedis(client, options.KeyPrefix), nil
		}
	})
}

// RateLimitPackage provides the policy and the limiter.
func RateLimitPackage(injector *do.Injector) {
	do.Provide(injector, func(i *do.Injector) (*ratelimit.Policy, error) {
		return ratelimit.DefaultPolicy(), nil
	})

	do.Provide(injector, func(i *do.Injector) (*ratelimit.Limiter, error) {
		options := do.MustInvoke[*Options](i)
		store := do.MustInvoke[docstore.Store](i)
		policy := do.MustInvoke[*ratelimit.Policy](i)
		logger := do.MustInvoke[*zap.Logger](i)

		return ratelimit.NewLimiter(store, policy, logger,
			ratelimit.WithResourceMultiplier(options.ResourceMultiplier),
		), nil
	})
}

// DedupPackage provides the deduplicator.
func DedupPackage(injector *do.Injector) {
	do.Provide(injector, func(i *do.Injector) (*dedup.Deduplicator, error) {
		options := do.MustInvoke[*Options](i)
		store := do.MustInvoke[docstore.Store](i)
		logger := do.MustInvoke[*zap.Logger](i)

		return dedup.New(store, logger,
			dedup.WithBucket(duration(options.DedupBucket, dedup.DefaultBucket)),
		), nil
	})
}

// PublisherPackage provides the watermill publisher over Redis streams.
func PublisherPackage(injector *do.Injector) {
	do.Provide(injector, func(i *do.Injector) (*events.PublisherGroup, error) {
		client := do.MustInvoke[*redis.Client](i)

		publisher, err := redisstream.NewPublisher(redisstream.PublisherConfig{
			Client: client,
		}, watermill.NopLogger{})
		if err != nil {
			return nil, err
		}

		return events.NewPublisherGroup(publisher), nil
	})
}

// RetentionPackage provides the sweeper and its scheduler.
func RetentionPackage(injector *do.Injector) {
	do.Provide(injector, func(i *do.Injector) (*retention.Sweeper, error) {
		options := do.MustInvoke[*Options](i)
		store := do.MustInvoke[docstore.Store](i)
		logger := do.MustInvoke[*zap.Logger](i)
		publishers := do.MustInvoke[*events.PublisherGroup](i)

		return retention.NewSweeper(store, retention.NewStoreTenantLister(store), logger,
			retention.WithBatchSize(options.BatchSize),
			retention.WithCounterMaxAge(duration(options.CounterMaxAge, retention.DefaultCounterMaxAge)),
			retention.WithMessageMaxAge(duration(options.MessageMaxAge, retention.DefaultMessageMaxAge)),
			retention.WithOnComplete(events.PurgeAuditHook(publishers.Publisher(), logger)),
		), nil
	})

	do.Provide(injector, func(i *do.Injector) (*retention.Scheduler, error) {
		options := do.MustInvoke[*Options](i)
		sweeper := do.MustInvoke[*retention.Sweeper](i)
		logger := do.MustInvoke[*zap.Logger](i)

		return retention.NewScheduler(sweeper,
			duration(options.SweepInterval, retention.DefaultSweepInterval), logger), nil
	})
}

// IntakePackage provides the signal intake consumer and its subscriber.
func IntakePackage(injector *do.Injector) {
	do.Provide(injector, func(i *do.Injector) (message.Subscriber, error) {
		client := do.MustInvoke[*redis.Client](i)

		return redisstream.NewSubscriber(redisstream.SubscriberConfig{
			Client:        client,
			ConsumerGroup: "ratekeeper",
		}, watermill.NopLogger{})
	})

	do.Provide(injector, func(i *do.Injector) (*events.Intake, error) {
		subscriber := do.MustInvoke[message.Subscriber](i)
		store := do.MustInvoke[docstore.Store](i)
		deduplicator := do.MustInvoke[*dedup.Deduplicator](i)
		limiter := do.MustInvoke[*ratelimit.Limiter](i)
		logger := do.MustInvoke[*zap.Logger](i)

		return events.NewIntake(subscriber, store, deduplicator, limiter, logger), nil
	})
}

// HTTPPackage provides the router and the API with all routes registered.
func HTTPPackage(injector *do.Injector) {
	do.Provide(injector, func(i *do.Injector) (*chi.Mux, error) {
		return chi.NewMux(), nil
	})

	do.Provide(injector, func(i *do.Injector) (huma.API, error) {
		options := do.MustInvoke[*Options](i)
		router := do.MustInvoke[*chi.Mux](i)
		store := do.MustInvoke[docstore.Store](i)
		limiter := do.MustInvoke[*ratelimit.Limiter](i)
		sweeper := do.MustInvoke[*retention.Sweeper](i)
		intake := do.MustInvoke[*events.Intake](i)
		logger := do.MustInvoke[*zap.Logger](i)

		api := humachi.New(router, huma.DefaultConfig("Ratekeeper", "1.0.0"))
		api.UseMiddleware(
			middleware.RequestMeta(api),
			middleware.Guard(api, limiter, logger),
		)

		handlers.RegisterRoutes(api,
			handlers.NewSignalsHandler(intake),
			handlers.NewMessagesHandler(store, logger),
			handlers.NewPurgeHandler(sweeper, limiter, options.AdminToken, logger),
		)

		checkers := map[string]health.Checker{
			"redis": health.NewRedisChecker(do.MustInvoke[*redis.Client](i)),
		}
		if options.Backend == "postgres" {
			checkers["postgres"] = health.NewPostgresChecker(do.MustInvoke[*pgxpool.Pool](i))
		}

		health.RegisterRoutes(api, health.NewHandler(checkers))

		return api, nil
	})
}
