// Copyright 2025 The MapRoulette Authors
// SPDX-License-Identifier: Apache-2.0

// Package store implements the relational repositories. All filtering goes
// through the query builder; transactional scopes are carried on the context
// via WithTx so repository signatures never thread connections around.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver
	"github.com/jmoiron/sqlx"
)

// Database wraps the connection pool and the transaction adapter.
type Database struct {
	pool   *sqlx.DB
	logger *slog.Logger
}

// PoolOptions tunes the connection pool.
type PoolOptions struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, url string, opts PoolOptions, logger *slog.Logger) (*Database, error) {
	pool, err := sqlx.ConnectContext(ctx, "pgx", url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		pool.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		pool.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		pool.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}
	return &Database{pool: pool, logger: logger.With("component", "store")}, nil
}

// Ping verifies the pool is still reachable.
func (d *Database) Ping(ctx context.Context) error {
	return d.pool.PingContext(ctx)
}

// NewDatabase wraps an existing pool; tests use this with sqlmock.
func NewDatabase(pool *sqlx.DB, logger *slog.Logger) *Database {
	return &Database{pool: pool, logger: logger}
}

// Close releases the pool.
func (d *Database) Close() error { return d.pool.Close() }

type txKey struct{}

// WithTx runs fn inside a transaction. The transaction commits when fn
// returns nil and rolls back on error or panic; the scope is carried on the
// context so nested repository calls join it automatically.
func (d *Database) WithTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if tx := txFrom(ctx); tx != nil {
		// Already inside a transaction; join it.
		return fn(ctx)
	}

	tx, err := d.pool.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	err = fn(context.WithValue(ctx, txKey{}, tx))
	return err
}

func txFrom(ctx context.Context) *sqlx.Tx {
	tx, _ := ctx.Value(txKey{}).(*sqlx.Tx)
	return tx
}

// ext resolves the executor for the context: the ambient transaction when one
// is open, else the pool.
func (d *Database) ext(ctx context.Context) sqlx.ExtContext {
	if tx := txFrom(ctx); tx != nil {
		return tx
	}
	return d.pool
}

// namedQuery runs a builder-produced statement with its named bindings and
// rebinds placeholders for the pgx driver.
func (d *Database) namedQuery(ctx context.Context, statement string, params map[string]any) (*sqlx.Rows, error) {
	bound, args, err := sqlx.Named(statement, params)
	if err != nil {
		return nil, fmt.Errorf("failed to bind query parameters: %w", err)
	}
	e := d.ext(ctx)
	return e.QueryxContext(ctx, e.Rebind(bound), args...)
}

// namedExec runs a mutation with named bindings.
func (d *Database) namedExec(ctx context.Context, statement string, params map[string]any) (int64, error) {
	bound, args, err := sqlx.Named(statement, params)
	if err != nil {
		return 0, fmt.Errorf("failed to bind query parameters: %w", err)
	}
	e := d.ext(ctx)
	res, err := e.ExecContext(ctx, e.Rebind(bound), args...)
	if err != nil {
		return 0, err
	}
	affected, _ := res.RowsAffected()
	return affected, nil
}
