package repository

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema/postgres.sql
var postgresSchema string

// pgDB adapts a pgx pool to the dialect-neutral executor.
type pgDB struct {
	pool *pgxpool.Pool
}

type pgTx struct {
	tx pgx.Tx
}

func (p *pgDB) exec(ctx context.Context, query string, args ...any) (int64, error) {
	tag, err := p.pool.Exec(ctx, rebind(dialectPostgres, query), args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (p *pgDB) queryRow(ctx context.Context, query string, args ...any) row {
	return p.pool.QueryRow(ctx, rebind(dialectPostgres, query), args...)
}

func (p *pgDB) query(ctx context.Context, query string, args ...any) (rows, error) {
	return p.pool.Query(ctx, rebind(dialectPostgres, query), args...)
}

func (p *pgDB) inTx(ctx context.Context, fn func(executor) error) error {
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		return fn(&pgTx{tx: tx})
	})
}

func (p *pgDB) ping(ctx context.Context) error { return p.pool.Ping(ctx) }
func (p *pgDB) close()                         { p.pool.Close() }
func (p *pgDB) dialect() dialect               { return dialectPostgres }

func (t *pgTx) exec(ctx context.Context, query string, args ...any) (int64, error) {
	tag, err := t.tx.Exec(ctx, rebind(dialectPostgres, query), args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (t *pgTx) queryRow(ctx context.Context, query string, args ...any) row {
	return t.tx.QueryRow(ctx, rebind(dialectPostgres, query), args...)
}

func (t *pgTx) query(ctx context.Context, query string, args ...any) (rows, error) {
	return t.tx.Query(ctx, rebind(dialectPostgres, query), args...)
}

// NewPostgresStore creates a Store backed by an existing pgx pool.
func NewPostgresStore(pool *pgxpool.Pool) *Store {
	return &Store{db: &pgDB{pool: pool}}
}

// OpenPostgres connects to dsn and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	poolConfig.MaxConns = 25
	poolConfig.MinConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return NewPostgresStore(pool), nil
}
