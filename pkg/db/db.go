// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package db owns the shared Postgres pool and the schema migrations.
//
// The pool is created once per process and handed to components; nothing
// imports a global. VACUUM runs outside the pool on a dedicated
// autocommit connection (see Vacuum) because VACUUM cannot run inside a
// transaction and must not hold a pooled slot for its full duration.
package db

import (
	"context"
	"embed"
	"fmt"
	"net/url"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	"github.com/AleutianAI/AleutianEdge/pkg/config"
	"github.com/AleutianAI/AleutianEdge/pkg/logging"
)

//go:embed migrations/*.sql
var migrations embed.FS

// initAttempts and initBackoff bound the connect retry loop at startup.
// The database container may come up after the supervisor does.
const (
	initAttempts = 10
	initBackoff  = 5 * time.Second
)

// Connect opens the pool, applies pending migrations, and returns it.
// It retries the initial ping for up to initAttempts x initBackoff.
func Connect(ctx context.Context, cfg config.DatabaseConfig, logger *logging.Logger) (*sqlx.DB, error) {
	dsn, err := withStatementTimeout(cfg.URL, cfg.StatementTimeout)
	if err != nil {
		return nil, err
	}

	pool, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	pool.SetMaxOpenConns(cfg.MaxConns)
	pool.SetMaxIdleConns(cfg.MinConns)
	pool.SetConnMaxIdleTime(5 * time.Minute)

	var pingErr error
	for attempt := 1; attempt <= initAttempts; attempt++ {
		pingErr = pool.PingContext(ctx)
		if pingErr == nil {
			break
		}
		logger.Warn("database not reachable yet",
			"attempt", attempt, "max_attempts", initAttempts, "error", pingErr.Error())
		select {
		case <-ctx.Done():
			pool.Close()
			return nil, ctx.Err()
		case <-time.After(initBackoff):
		}
	}
	if pingErr != nil {
		pool.Close()
		return nil, fmt.Errorf("database unreachable after %d attempts: %w", initAttempts, pingErr)
	}

	if err := migrate(pool); err != nil {
		pool.Close()
		return nil, err
	}

	logger.Info("database pool ready", "max_conns", cfg.MaxConns)
	return pool, nil
}

// migrate applies the embedded goose migrations.
func migrate(pool *sqlx.DB) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}
	if err := goose.Up(pool.DB, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Vacuum runs VACUUM ANALYZE on a dedicated connection outside any
// transaction. The pool is untouched; callers keep using it afterwards.
func Vacuum(ctx context.Context, pool *sqlx.DB) error {
	conn, err := pool.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire vacuum connection: %w", err)
	}
	defer conn.Close()

	// VACUUM refuses a statement timeout shorter than its own runtime.
	if _, err := conn.ExecContext(ctx, "SET statement_timeout = 0"); err != nil {
		return fmt.Errorf("clear statement timeout: %w", err)
	}
	if _, err := conn.ExecContext(ctx, "VACUUM ANALYZE"); err != nil {
		return fmt.Errorf("vacuum analyze: %w", err)
	}
	return nil
}

// withStatementTimeout appends a statement_timeout option to the DSN so
// every pooled connection inherits it.
func withStatementTimeout(dsn string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		return dsn, nil
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("parse database url: %w", err)
	}
	q := u.Query()
	q.Set("options", fmt.Sprintf("-c statement_timeout=%d", timeout.Milliseconds()))
	u.RawQuery = q.Encode()
	return u.String(), nil
}
