// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package adapter

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver

	"github.com/stack-auth/stack-sub005/pkg/logger"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// DefaultNamespace scopes the records of an SQLBackend unless WithNamespace is used.
const DefaultNamespace = "default"

// propertyColumns are the indexed expressions of the lookup properties.
var propertyColumns = map[string]string{
	PropertyUID:      `json_extract(payload, '$.uid')`,
	PropertyUserCode: `json_extract(payload, '$.userCode')`,
	PropertyGrantID:  `json_extract(payload, '$.grantId')`,
}

// SQLBackend is a Backend over a SQLite database. Each update runs in its own
// transaction; the connection pool is limited to a single connection, which
// serializes them.
type SQLBackend struct {
	db        *sql.DB
	namespace string
	now       func() time.Time
	sweeper   *sweeper
}

// SQLOption configures an SQLBackend.
type SQLOption func(*sqlOptions)

type sqlOptions struct {
	namespace       string
	now             func() time.Time
	cleanupInterval time.Duration
}

// WithNamespace scopes the records of the backend, so that several engines
// can share one database.
func WithNamespace(namespace string) SQLOption {
	return func(o *sqlOptions) {
		o.namespace = namespace
	}
}

// WithSQLClock sets the clock that decides whether a record is live.
func WithSQLClock(now func() time.Time) SQLOption {
	return func(o *sqlOptions) {
		o.now = now
	}
}

// WithSQLCleanupInterval sets how often expired records are deleted. Zero
// disables the sweep.
func WithSQLCleanupInterval(interval time.Duration) SQLOption {
	return func(o *sqlOptions) {
		o.cleanupInterval = interval
	}
}

// OpenSQLite opens the SQLite database at dsn, applies the migrations and
// returns a backend that owns the database.
func OpenSQLite(ctx context.Context, dsn string, opts ...SQLOption) (*SQLBackend, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// In-memory databases exist per connection.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}

	b, err := NewSQLBackend(ctx, db, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

// NewSQLBackend applies the migrations to db and returns a backend over it.
// Close closes db.
func NewSQLBackend(ctx context.Context, db *sql.DB, opts ...SQLOption) (*SQLBackend, error) {
	o := sqlOptions{
		namespace:       DefaultNamespace,
		now:             time.Now,
		cleanupInterval: DefaultCleanupInterval,
	}
	for _, opt := range opts {
		opt(&o)
	}

	if err := runMigrations(ctx, db); err != nil {
		return nil, err
	}

	b := &SQLBackend{db: db, namespace: o.namespace, now: o.now}
	if o.cleanupInterval > 0 {
		b.sweeper = startSweeper(o.cleanupInterval, func() {
			if _, err := b.DeleteExpired(context.Background()); err != nil {
				logger.Warnw("failed to delete expired protocol state records", "error", err)
			}
		})
	}
	return b, nil
}

// runMigrations applies all pending database migrations using goose.
func runMigrations(ctx context.Context, db *sql.DB) error {
	migrationFS, err := fs.Sub(embedMigrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create sub filesystem: %w", err)
	}

	provider, err := goose.NewProvider(database.DialectSQLite3, db, migrationFS)
	if err != nil {
		return fmt.Errorf("failed to create goose provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	for _, r := range results {
		logger.Debugw("applied protocol state migration", "version", r.Source.Version, "duration", r.Duration)
	}

	return nil
}

// Close stops the sweep and closes the database.
func (b *SQLBackend) Close() error {
	if b.sweeper != nil {
		b.sweeper.stop()
	}
	return b.db.Close()
}

// Health pings the database.
func (b *SQLBackend) Health(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

// DeleteExpired deletes the expired records of the namespace and returns how
// many were deleted.
func (b *SQLBackend) DeleteExpired(ctx context.Context) (int64, error) {
	res, err := b.db.ExecContext(ctx,
		`DELETE FROM protocol_state WHERE namespace = ? AND expires_at <= ?`,
		b.namespace, toMillis(b.now()),
	)
	if err != nil {
		return 0, fmt.Errorf("deleting expired records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting deleted records: %w", err)
	}
	if n > 0 {
		logger.Debugw("swept expired protocol state records", "count", n)
	}
	return n, nil
}

// UpdateUnique implements Backend.
func (b *SQLBackend) UpdateUnique(ctx context.Context, model string, lookup Lookup, fn UpdateFunc) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	now := b.now()
	id, old, err := b.find(ctx, tx, model, lookup, now)
	if err != nil {
		return err
	}

	updated, err := fn(old)
	if err != nil {
		return err
	}

	switch {
	case updated == nil:
		if old != nil {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM protocol_state WHERE namespace = ? AND model = ? AND id = ?`,
				b.namespace, model, id,
			); err != nil {
				return fmt.Errorf("deleting %s record: %w", model, err)
			}
		}
	case updated == old:
	case id == "":
		return integrityViolation("no %s found with %s to update", model, lookup)
	default:
		payload, err := json.Marshal(updated.Payload)
		if err != nil {
			return fmt.Errorf("encoding %s payload: %w", model, err)
		}
		// An expired record under the same id is replaced.
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO protocol_state (namespace, model, id, payload, expires_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (namespace, model, id) DO UPDATE SET
				payload = excluded.payload,
				expires_at = excluded.expires_at,
				updated_at = excluded.updated_at`,
			b.namespace, model, id, string(payload), toMillis(updated.ExpiresAt), toMillis(now), toMillis(now),
		); err != nil {
			return fmt.Errorf("storing %s record: %w", model, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// find returns the id and record of the live record matching lookup. For a
// primary lookup the id is returned even when there is no live record.
func (b *SQLBackend) find(
	ctx context.Context, tx *sql.Tx, model string, lookup Lookup, now time.Time,
) (string, *Record, error) {
	query := `SELECT id, payload, expires_at FROM protocol_state
		WHERE namespace = ? AND model = ? AND expires_at > ? AND `
	args := []any{b.namespace, model, toMillis(now)}
	if lookup.IsSecondary() {
		column, ok := propertyColumns[lookup.Property]
		if !ok {
			return "", nil, fmt.Errorf("unsupported lookup property %q", lookup.Property)
		}
		query += column + ` = ?`
		args = append(args, lookup.Value)
	} else {
		query += `id = ?`
		args = append(args, lookup.ID)
	}
	// Two rows are enough to detect a violation.
	query += ` LIMIT 2`

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return "", nil, fmt.Errorf("querying %s records: %w", model, err)
	}
	defer func() { _ = rows.Close() }()

	var (
		matchID string
		match   *Record
	)
	for rows.Next() {
		if match != nil {
			return "", nil, integrityViolation("multiple live %s records found with %s", model, lookup)
		}
		var (
			id        string
			payload   []byte
			expiresAt int64
		)
		if err := rows.Scan(&id, &payload, &expiresAt); err != nil {
			return "", nil, fmt.Errorf("scanning %s record: %w", model, err)
		}
		var p Payload
		if err := json.Unmarshal(payload, &p); err != nil {
			return "", nil, fmt.Errorf("decoding %s payload: %w", model, err)
		}
		matchID, match = id, &Record{Payload: p, ExpiresAt: fromMillis(expiresAt)}
	}
	if err := rows.Err(); err != nil {
		return "", nil, fmt.Errorf("iterating %s records: %w", model, err)
	}

	if match == nil && !lookup.IsSecondary() {
		matchID = lookup.ID
	}
	return matchID, match, nil
}

// toMillis normalizes timestamps into millisecond precision for storage.
func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

// rollback rolls back tx, ignoring errors (tx may already be committed).
func rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		logger.Debugw("failed to roll back transaction", "error", err)
	}
}
