package docstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is a PostgreSQL-backed implementation of Store. Documents live in
// a single jsonb table; atomic read-modify-write takes a row lock with
// SELECT ... FOR UPDATE inside a serializable transaction. The row lock
// alone is not enough: two writers creating the same absent key find no row
// to lock and would both insert, so the serializable level is what turns
// that race into a retryable conflict.
type Postgres struct {
	pool *pgxpool.Pool
}

// updateTxOptions is the isolation level for Update transactions. See the
// type comment for why read committed would lose first-write races.
var updateTxOptions = pgx.TxOptions{IsoLevel: pgx.Serializable}

// NewPostgres creates a PostgreSQL-backed document store.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Schema is the table definition the store expects. Applied by migrations,
// kept here so the shape is visible next to the queries.
const Schema = `
	CREATE TABLE IF NOT EXISTS documents (
		key        text PRIMARY KEY,
		doc        jsonb NOT NULL,
		updated_at timestamptz NOT NULL DEFAULT now()
	)
`

func (p *Postgres) Get(ctx context.Context, key string) ([]byte, error) {
	var doc []byte

	err := p.pool.QueryRow(ctx,
		`SELECT doc FROM documents WHERE key = $1`, key,
	).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("postgres get %q: %w", key, err)
	}

	return doc, nil
}

func (p *Postgres) Put(ctx context.Context, key string, doc []byte) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO documents (key, doc, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET doc = $2, updated_at = now()
	`, key, doc)
	if err != nil {
		return fmt.Errorf("postgres put %q: %w", key, err)
	}

	return nil
}

func (p *Postgres) Update(ctx context.Context, key string, fn UpdateFunc) error {
	for attempt := 0; attempt < updateAttempts; attempt++ {
		err := p.updateOnce(ctx, key, fn)
		if err == nil {
			return nil
		}

		if !isSerializationFailure(err) {
			return fmt.Errorf("postgres update %q: %w", key, err)
		}
	}

	return fmt.Errorf("postgres update %q: %w", key, ErrConflict)
}

func (p *Postgres) updateOnce(ctx context.Context, key string, fn UpdateFunc) error {
	tx, err := p.pool.BeginTx(ctx, updateTxOptions)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var current []byte

	err = tx.QueryRow(ctx,
		`SELECT doc FROM documents WHERE key = $1 FOR UPDATE`, key,
	).Scan(&current)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return err
	}

	updated, err := fn(current)
	if err != nil {
		return err
	}

	if updated == nil {
		return tx.Commit(ctx)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO documents (key, doc, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET doc = $2, updated_at = now()
	`, key, updated)
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (p *Postgres) Scan(ctx context.Context, prefix string) ([]Entry, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT key, doc FROM documents
		WHERE key LIKE $1 || '%'
		ORDER BY key
	`, prefix)
	if err != nil {
		return nil, fmt.Errorf("postgres scan %q: %w", prefix, err)
	}
	defer rows.Close()

	var entries []Entry

	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.Doc); err != nil {
			return nil, fmt.Errorf("postgres scan %q: %w", prefix, err)
		}

		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres scan %q: %w", prefix, err)
	}

	return entries, nil
}

func (p *Postgres) DeleteBatch(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}

	_, err := p.pool.Exec(ctx,
		`DELETE FROM documents WHERE key = ANY($1)`, keys,
	)
	if err != nil {
		return fmt.Errorf("postgres delete batch: %w", err)
	}

	return nil
}

// isSerializationFailure reports whether err is a retryable transaction
// conflict (serialization failure or deadlock).
func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}

	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

// Compile-time check.
var _ Store = (*Postgres)(nil)
