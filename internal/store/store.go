// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 TripVault Contributors

// Package store provides the PostgreSQL persistence layer.
package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
)

// Connect creates a connection pool and verifies it with a ping, retrying
// with fibonacci backoff so the server survives the database coming up
// after it.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, oops.In("store").Hint("database URL must be a valid PostgreSQL DSN").Wrap(err)
	}

	backoff := retry.WithMaxDuration(30*time.Second, retry.NewFibonacci(500*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := pool.Ping(ctx); err != nil {
			slog.Debug("database not ready, retrying", "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		pool.Close()
		return nil, oops.In("store").Hint("database did not become reachable").Wrap(err)
	}
	return pool, nil
}
