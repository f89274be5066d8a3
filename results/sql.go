// Copyright (c) Opsis Labs, Inc.
// SPDX-License-Identifier: MPL-2.0

package results

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	// Database drivers registered for the two SQL backends.
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

const (
	dialectPostgres = "postgres"
	dialectSQLite   = "sqlite"
)

// Schema per dialect. Postgres stores payloads as JSONB so platform
// dashboards can query inside documents; SQLite keeps them as TEXT.
var migrations = map[string][]string{
	dialectPostgres: {
		`CREATE TABLE IF NOT EXISTS analysis_results (
			ref         TEXT PRIMARY KEY,
			kind        TEXT NOT NULL,
			resource_id TEXT NOT NULL,
			payload     JSONB NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS analysis_results_resource_idx
			ON analysis_results (kind, resource_id)`,
	},
	dialectSQLite: {
		`CREATE TABLE IF NOT EXISTS analysis_results (
			ref         TEXT PRIMARY KEY,
			kind        TEXT NOT NULL,
			resource_id TEXT NOT NULL,
			payload     TEXT NOT NULL,
			created_at  TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS analysis_results_resource_idx
			ON analysis_results (kind, resource_id)`,
	},
}

// SQLStore implements Store over Postgres or SQLite through sqlx. The
// upsert keyed by ref is what makes phase replay after a reclaim safe:
// the second write of a document is indistinguishable from the first.
type SQLStore struct {
	db      *sqlx.DB
	dialect string
}

// PostgresConfig carries the production result store settings.
type PostgresConfig struct {
	// DSN is a pgx connection string.
	DSN string

	MaxOpenConns int
	MaxIdleConns int
}

// NewPostgresStore connects to the platform's Postgres result store and
// ensures the schema exists.
func NewPostgresStore(ctx context.Context, cfg *PostgresConfig) (*SQLStore, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("result store connect failed: %v", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}

	s := &SQLStore{db: db, dialect: dialectPostgres}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStore opens (or creates) a SQLite result store at path. Dev
// mode passes ":memory:".
func NewSQLiteStore(ctx context.Context, path string) (*SQLStore, error) {
	db, err := sqlx.ConnectContext(ctx, "sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("result store open failed: %v", err)
	}
	// SQLite serializes writers; one connection avoids lock contention
	// errors under concurrent phase finalizations.
	db.SetMaxOpenConns(1)

	s := &SQLStore{db: db, dialect: dialectSQLite}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStoreWithDB wraps an existing connection without running
// migrations. Test seam for sqlmock.
func NewPostgresStoreWithDB(db *sql.DB) *SQLStore {
	return &SQLStore{db: sqlx.NewDb(db, "pgx"), dialect: dialectPostgres}
}

func (s *SQLStore) migrate(ctx context.Context) error {
	for _, stmt := range migrations[s.dialect] {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("result store migration failed: %v", err)
		}
	}
	return nil
}

func (s *SQLStore) Put(ctx context.Context, doc *Document) error {
	created := doc.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	query := s.db.Rebind(`INSERT INTO analysis_results
		(ref, kind, resource_id, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (ref) DO UPDATE SET
			payload = excluded.payload,
			created_at = excluded.created_at`)
	if _, err := s.db.ExecContext(ctx, query,
		doc.Ref, doc.Kind, doc.ResourceID, []byte(doc.Payload), created); err != nil {
		return fmt.Errorf("result write failed: %v", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, ref string) (*Document, error) {
	var doc Document
	query := s.db.Rebind(`SELECT ref, kind, resource_id, payload, created_at
		FROM analysis_results WHERE ref = ?`)
	err := s.db.GetContext(ctx, &doc, query, ref)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("result read failed: %v", err)
	}
	return &doc, nil
}

func (s *SQLStore) Delete(ctx context.Context, ref string) error {
	query := s.db.Rebind(`DELETE FROM analysis_results WHERE ref = ?`)
	if _, err := s.db.ExecContext(ctx, query, ref); err != nil {
		return fmt.Errorf("result delete failed: %v", err)
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
