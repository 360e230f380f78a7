package docstore

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// updateAttempts bounds the optimistic-transaction retry loop. The
	// store client retries transient network errors on its own; this only
	// covers WATCH conflicts from concurrent writers on the same key.
	updateAttempts = 8

	updateBackoffBase = 5 * time.Millisecond
)

// Redis is a Redis-backed implementation of Store. Documents are plain
// string values; atomic read-modify-write uses WATCH-based optimistic
// transactions with a bounded, jittered retry loop.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis creates a Redis-backed document store. All keys are namespaced
// under the given prefix.
func NewRedis(client *redis.Client, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	doc, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}

		return nil, fmt.Errorf("redis get %q: %w", key, err)
	}

	return doc, nil
}

func (r *Redis) Put(ctx context.Context, key string, doc []byte) error {
	if err := r.client.Set(ctx, r.prefix+key, doc, 0).Err(); err != nil {
		return fmt.Errorf("redis put %q: %w", key, err)
	}

	return nil
}

func (r *Redis) Update(ctx context.Context, key string, fn UpdateFunc) error {
	full := r.prefix + key

	txn := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, full).Bytes()
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				return err
			}

			current = nil
		}

		updated, err := fn(current)
		if err != nil {
			return err
		}

		if updated == nil {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, full, updated, 0)

			return nil
		})

		return err
	}

	for attempt := range updateAttempts {
		err := r.client.Watch(ctx, txn, full)
		if err == nil {
			return nil
		}

		if !errors.Is(err, redis.TxFailedErr) {
			return fmt.Errorf("redis update %q: %w", key, err)
		}

		// Another writer touched the key between WATCH and EXEC.
		sleep := updateBackoffBase << attempt
		sleep += time.Duration(rand.Int63n(int64(updateBackoffBase)))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}

	return fmt.Errorf("redis update %q: %w", key, ErrConflict)
}

func (r *Redis) Scan(ctx context.Context, prefix string) ([]Entry, error) {
	var entries []Entry

	iter := r.client.Scan(ctx, 0, r.prefix+prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		full := iter.Val()

		doc, err := r.client.Get(ctx, full).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				// Deleted between SCAN and GET.
				continue
			}

			return nil, fmt.Errorf("redis scan get %q: %w", full, err)
		}

		entries = append(entries, Entry{Key: full[len(r.prefix):], Doc: doc})
	}

	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan %q: %w", prefix, err)
	}

	return entries, nil
}

func (r *Redis) DeleteBatch(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}

	full := make([]string, len(keys))
	for i, key := range keys {
		full[i] = r.prefix + key
	}

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, full...)

		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete batch: %w", err)
	}

	return nil
}

// Compile-time check.
var _ Store = (*Redis)(nil)
