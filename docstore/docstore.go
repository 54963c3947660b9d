// Package docstore persists bulletin documents, recipients and run bookkeeping
// in SQLite. Each source collection is its own table; bookkeeping lives in a
// fixed set of internal tables.
package docstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	sq "github.com/Masterminds/squirrel"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a looked-up record does not exist.
var ErrNotFound = errors.New("docstore: record not found")

// Internal tables. They are never treated as source collections.
const (
	usersTable     = "users"
	runsTable      = "run_markers"
	ingestionTable = "ingestion_runs"
	shipmentsTable = "shipment_markers"
)

var internalTables = map[string]bool{
	usersTable:     true,
	runsTable:      true,
	ingestionTable: true,
	shipmentsTable: true,
}

var collectionName = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Question)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	email TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	etiquetas TEXT NOT NULL DEFAULT '[]',
	cobertura_legal TEXT NOT NULL DEFAULT '{}',
	rangos TEXT NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS run_markers (
	id TEXT PRIMARY KEY,
	timestamp INTEGER NOT NULL,
	environment TEXT NOT NULL,
	sync_token TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_run_markers_env_ts ON run_markers(environment, timestamp);

CREATE TABLE IF NOT EXISTS ingestion_runs (
	id TEXT PRIMARY KEY,
	timestamp INTEGER NOT NULL,
	collections TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_ingestion_runs_ts ON ingestion_runs(timestamp);

CREATE TABLE IF NOT EXISTS shipment_markers (
	environment TEXT NOT NULL,
	day TEXT NOT NULL,
	shipped_at INTEGER NOT NULL,
	run_id TEXT NOT NULL DEFAULT '',
	collections TEXT NOT NULL DEFAULT '[]',
	PRIMARY KEY (environment, day)
);
CREATE INDEX IF NOT EXISTS idx_shipment_markers_env_shipped ON shipment_markers(environment, shipped_at);
`

// Store is the SQLite-backed document store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens or creates the database at path and applies the schema.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if path == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", p, err)
		}
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func validCollection(name string) error {
	if !collectionName.MatchString(name) {
		return fmt.Errorf("invalid collection name %q", name)
	}
	if internalTables[name] {
		return fmt.Errorf("collection name %q is reserved", name)
	}
	return nil
}

// Collections lists every source collection table, sorted by name.
func (s *Store) Collections(ctx context.Context) ([]string, error) {
	query, args, err := psql.Select("name").
		From("sqlite_master").
		Where(sq.Eq{"type": "table"}).
		Where(sq.NotLike{"name": "sqlite_%"}).
		OrderBy("name").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			s.logger.Warn("Failed to close rows", "error", closeErr)
		}
	}()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		if internalTables[name] {
			continue
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tables: %w", err)
	}

	sort.Strings(names)
	return names, nil
}

// CollectionExists probes for a collection table.
func (s *Store) CollectionExists(ctx context.Context, name string) (bool, error) {
	query, args, err := psql.Select("COUNT(*)").
		From("sqlite_master").
		Where(sq.Eq{"type": "table", "name": name}).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build query: %w", err)
	}

	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return false, fmt.Errorf("probe collection %s: %w", name, err)
	}
	return n > 0 && !internalTables[name], nil
}

// EnsureCollection creates the table for a collection if it does not exist.
func (s *Store) EnsureCollection(ctx context.Context, name string) error {
	if err := validCollection(name); err != nil {
		return err
	}

	table := quoteIdent(name)
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id TEXT PRIMARY KEY,
	anio INTEGER NOT NULL,
	mes INTEGER NOT NULL,
	dia INTEGER NOT NULL,
	inserted_at INTEGER NOT NULL,
	rango TEXT NOT NULL DEFAULT '',
	seccion TEXT NOT NULL DEFAULT '',
	titulo TEXT NOT NULL DEFAULT '',
	resumen TEXT NOT NULL DEFAULT '',
	url TEXT NOT NULL DEFAULT '',
	etiquetas_personalizadas TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS %[2]s ON %[1]s(inserted_at);
CREATE INDEX IF NOT EXISTS %[3]s ON %[1]s(anio, mes, dia);
`, table, quoteIdent("idx_"+name+"_inserted"), quoteIdent("idx_"+name+"_date"))

	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create collection %s: %w", name, err)
	}
	return nil
}
