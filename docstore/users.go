package docstore

import (
	"context"
	"encoding/json"
	"fmt"

	"boletin-digest/pkg/digest"
)

// SaveUser inserts or replaces a recipient.
func (s *Store) SaveUser(ctx context.Context, u *digest.User) error {
	tags, err := json.Marshal(u.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	coverage, err := json.Marshal(u.Coverage)
	if err != nil {
		return fmt.Errorf("marshal coverage: %w", err)
	}
	ranks, err := json.Marshal(u.Ranks)
	if err != nil {
		return fmt.Errorf("marshal ranks: %w", err)
	}

	query, args, err := psql.Insert(usersTable).
		Columns("id", "email", "name", "etiquetas", "cobertura_legal", "rangos").
		Values(u.ID, u.Email, u.Name, string(tags), string(coverage), string(ranks)).
		Suffix(`ON CONFLICT(id) DO UPDATE SET
			email = excluded.email,
			name = excluded.name,
			etiquetas = excluded.etiquetas,
			cobertura_legal = excluded.cobertura_legal,
			rangos = excluded.rangos`).
		ToSql()
	if err != nil {
		return fmt.Errorf("build upsert: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert user %s: %w", u.ID, err)
	}
	return nil
}

// UserRecord is a stored recipient. Err is set when the row could not be
// decoded; User then carries only the identifying fields.
type UserRecord struct {
	User *digest.User
	Err  error
}

// ListUsers loads every recipient ordered by id. Rows with malformed JSON
// fields are returned with Err set so callers can skip them individually.
func (s *Store) ListUsers(ctx context.Context) ([]UserRecord, error) {
	query, args, err := psql.Select("id", "email", "name", "etiquetas", "cobertura_legal", "rangos").
		From(usersTable).
		OrderBy("id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			s.logger.Warn("Failed to close rows", "error", closeErr)
		}
	}()

	var records []UserRecord
	for rows.Next() {
		var (
			u                     digest.User
			tags, coverage, ranks string
		)
		if err := rows.Scan(&u.ID, &u.Email, &u.Name, &tags, &coverage, &ranks); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}

		rec := UserRecord{User: &u}
		if err := json.Unmarshal([]byte(tags), &u.Tags); err != nil {
			rec.Err = fmt.Errorf("decode etiquetas: %w", err)
		} else if err := json.Unmarshal([]byte(coverage), &u.Coverage); err != nil {
			rec.Err = fmt.Errorf("decode cobertura_legal: %w", err)
		} else if err := json.Unmarshal([]byte(ranks), &u.Ranks); err != nil {
			rec.Err = fmt.Errorf("decode rangos: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return records, nil
}
