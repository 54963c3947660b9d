package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"boletin-digest/pkg/digest"

	sq "github.com/Masterminds/squirrel"
)

// SaveRunMarker appends a run marker. Markers are never rewritten; saving an
// existing id is a no-op.
func (s *Store) SaveRunMarker(ctx context.Context, m *digest.RunMarker) error {
	query, args, err := psql.Insert(runsTable).
		Columns("id", "timestamp", "environment", "sync_token").
		Values(m.ID, m.Timestamp.UnixNano(), string(m.Environment), m.SyncToken).
		Suffix("ON CONFLICT(id) DO NOTHING").
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert run marker: %w", err)
	}
	return nil
}

// LatestRunMarker returns the most recent marker for env, or ErrNotFound.
func (s *Store) LatestRunMarker(ctx context.Context, env digest.Environment) (*digest.RunMarker, error) {
	query, args, err := psql.Select("id", "timestamp", "environment", "sync_token").
		From(runsTable).
		Where(sq.Eq{"environment": string(env)}).
		OrderBy("timestamp DESC").
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var (
		m      digest.RunMarker
		ts     int64
		envStr string
	)
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&m.ID, &ts, &envStr, &m.SyncToken)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query run marker: %w", err)
	}
	m.Timestamp = time.Unix(0, ts).UTC()
	m.Environment = digest.Environment(envStr)
	return &m, nil
}

// SaveIngestionRun upserts an ingestion run record.
func (s *Store) SaveIngestionRun(ctx context.Context, run *digest.IngestionRun) error {
	raw, err := json.Marshal(run.Collections)
	if err != nil {
		return fmt.Errorf("marshal collections: %w", err)
	}
	query, args, err := psql.Insert(ingestionTable).
		Columns("id", "timestamp", "collections").
		Values(run.ID, run.Timestamp.UnixNano(), string(raw)).
		Suffix(`ON CONFLICT(id) DO UPDATE SET
			timestamp = excluded.timestamp,
			collections = excluded.collections`).
		ToSql()
	if err != nil {
		return fmt.Errorf("build upsert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert ingestion run %s: %w", run.ID, err)
	}
	return nil
}

// IngestionRun loads one ingestion run by id, or ErrNotFound.
func (s *Store) IngestionRun(ctx context.Context, id string) (*digest.IngestionRun, error) {
	runs, err := s.queryIngestionRuns(ctx, ingestionSelect().Where(sq.Eq{"id": id}))
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, ErrNotFound
	}
	return runs[0], nil
}

// LatestIngestionRun returns the most recent ingestion run, or ErrNotFound.
func (s *Store) LatestIngestionRun(ctx context.Context) (*digest.IngestionRun, error) {
	runs, err := s.queryIngestionRuns(ctx, ingestionSelect().OrderBy("timestamp DESC").Limit(1))
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, ErrNotFound
	}
	return runs[0], nil
}

// IngestionRunsBetween returns runs with from < timestamp <= to, oldest first.
func (s *Store) IngestionRunsBetween(ctx context.Context, from, to time.Time) ([]*digest.IngestionRun, error) {
	return s.queryIngestionRuns(ctx, ingestionSelect().
		Where(sq.Gt{"timestamp": from.UnixNano()}).
		Where(sq.LtOrEq{"timestamp": to.UnixNano()}).
		OrderBy("timestamp", "id"))
}

func ingestionSelect() sq.SelectBuilder {
	return psql.Select("id", "timestamp", "collections").From(ingestionTable)
}

func (s *Store) queryIngestionRuns(ctx context.Context, q sq.SelectBuilder) ([]*digest.IngestionRun, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ingestion runs: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			s.logger.Warn("Failed to close rows", "error", closeErr)
		}
	}()

	var runs []*digest.IngestionRun
	for rows.Next() {
		var (
			run digest.IngestionRun
			ts  int64
			raw string
		)
		if err := rows.Scan(&run.ID, &ts, &raw); err != nil {
			return nil, fmt.Errorf("scan ingestion run: %w", err)
		}
		run.Timestamp = time.Unix(0, ts).UTC()
		if err := json.Unmarshal([]byte(raw), &run.Collections); err != nil {
			s.logger.Warn("Failed to decode ingestion run stats", "run_id", run.ID, "error", err)
			run.Collections = nil
		}
		runs = append(runs, &run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ingestion runs: %w", err)
	}
	return runs, nil
}

// InsertShipment writes a shipment marker unless one already exists for the
// same environment and day. It reports whether this call wrote the marker.
func (s *Store) InsertShipment(ctx context.Context, m *digest.ShipmentMarker) (bool, error) {
	raw, err := json.Marshal(m.Collections)
	if err != nil {
		return false, fmt.Errorf("marshal collections: %w", err)
	}
	query, args, err := psql.Insert(shipmentsTable).
		Columns("environment", "day", "shipped_at", "run_id", "collections").
		Values(string(m.Environment), m.Day, m.ShippedAt.UnixNano(), m.RunID, string(raw)).
		Suffix("ON CONFLICT(environment, day) DO NOTHING").
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build insert: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("insert shipment marker: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// LatestShipment returns the shipment marker for env with the latest
// delivery timestamp, regardless of which ingestion run carries it.
func (s *Store) LatestShipment(ctx context.Context, env digest.Environment) (*digest.ShipmentMarker, error) {
	query, args, err := psql.Select("environment", "day", "shipped_at", "run_id", "collections").
		From(shipmentsTable).
		Where(sq.Eq{"environment": string(env)}).
		OrderBy("shipped_at DESC").
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var (
		m      digest.ShipmentMarker
		envStr string
		ts     int64
		raw    string
	)
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&envStr, &m.Day, &ts, &m.RunID, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query shipment marker: %w", err)
	}
	m.Environment = digest.Environment(envStr)
	m.ShippedAt = time.Unix(0, ts).UTC()
	if err := json.Unmarshal([]byte(raw), &m.Collections); err != nil {
		return nil, fmt.Errorf("decode shipment collections: %w", err)
	}
	return &m, nil
}
