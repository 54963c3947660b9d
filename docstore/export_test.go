package docstore

import (
	"context"
	"fmt"

	"boletin-digest/pkg/digest"

	sq "github.com/Masterminds/squirrel"
)

// saveRawUser stores a recipient with verbatim JSON columns.
func (s *Store) saveRawUser(ctx context.Context, id, email, tags, coverage, ranks string) error {
	query, args, err := psql.Insert(usersTable).
		Columns("id", "email", "etiquetas", "cobertura_legal", "rangos").
		Values(id, email, tags, coverage, ranks).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}
	_, err = s.db.ExecContext(ctx, query, args...)
	return err
}

// setRawAnnotations overwrites a document's annotation column verbatim.
func (s *Store) setRawAnnotations(ctx context.Context, collection, id, raw string) error {
	query, args, err := psql.Update(quoteIdent(collection)).
		Set("etiquetas_personalizadas", raw).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}
	_, err = s.db.ExecContext(ctx, query, args...)
	return err
}

func (s *Store) shipmentsOn(ctx context.Context, env digest.Environment, day string) (int, error) {
	query, args, err := psql.Select("COUNT(*)").
		From(shipmentsTable).
		Where(sq.Eq{"environment": string(env), "day": day}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build query: %w", err)
	}
	var n int
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}
