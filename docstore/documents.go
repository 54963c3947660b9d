package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"boletin-digest/pkg/digest"

	sq "github.com/Masterminds/squirrel"
)

var documentColumns = []string{
	"id", "anio", "mes", "dia", "inserted_at", "rango", "seccion",
	"titulo", "resumen", "url", "etiquetas_personalizadas",
}

// UpsertDocument inserts or replaces a document in its collection, creating
// the collection on first use.
func (s *Store) UpsertDocument(ctx context.Context, doc *digest.Document) error {
	if err := s.EnsureCollection(ctx, doc.Collection); err != nil {
		return err
	}

	annotations := doc.Annotations
	if annotations == nil {
		annotations = map[string]digest.Annotation{}
	}
	raw, err := json.Marshal(annotations)
	if err != nil {
		return fmt.Errorf("marshal annotations: %w", err)
	}

	query, args, err := psql.Insert(quoteIdent(doc.Collection)).
		Columns(documentColumns...).
		Values(doc.ID, doc.Year, doc.Month, doc.Day, doc.InsertedAt.UnixNano(),
			doc.Rank, doc.Section, doc.Title, doc.Summary, doc.URL, string(raw)).
		Suffix(`ON CONFLICT(id) DO UPDATE SET
			anio = excluded.anio,
			mes = excluded.mes,
			dia = excluded.dia,
			inserted_at = excluded.inserted_at,
			rango = excluded.rango,
			seccion = excluded.seccion,
			titulo = excluded.titulo,
			resumen = excluded.resumen,
			url = excluded.url,
			etiquetas_personalizadas = excluded.etiquetas_personalizadas`).
		ToSql()
	if err != nil {
		return fmt.Errorf("build upsert: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert document %s/%s: %w", doc.Collection, doc.ID, err)
	}
	return nil
}

// DocumentsInserted returns the documents of a collection whose insertion
// time t satisfies from < t <= to, oldest first.
func (s *Store) DocumentsInserted(ctx context.Context, collection string, from, to time.Time) ([]*digest.Document, error) {
	if err := validCollection(collection); err != nil {
		return nil, err
	}
	return s.queryDocuments(ctx, collection, psql.Select(documentColumns...).
		From(quoteIdent(collection)).
		Where(sq.Gt{"inserted_at": from.UnixNano()}).
		Where(sq.LtOrEq{"inserted_at": to.UnixNano()}).
		OrderBy("inserted_at", "id"))
}

// DocumentsOn returns a collection's documents for a calendar date, optionally
// restricted to a section.
func (s *Store) DocumentsOn(ctx context.Context, collection string, year, month, day int, section string) ([]*digest.Document, error) {
	if err := validCollection(collection); err != nil {
		return nil, err
	}
	q := psql.Select(documentColumns...).
		From(quoteIdent(collection)).
		Where(sq.Eq{"anio": year, "mes": month, "dia": day})
	if section != "" {
		q = q.Where(sq.Eq{"seccion": section})
	}
	return s.queryDocuments(ctx, collection, q.OrderBy("inserted_at", "id"))
}

func (s *Store) queryDocuments(ctx context.Context, collection string, q sq.SelectBuilder) ([]*digest.Document, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", collection, err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			s.logger.Warn("Failed to close rows", "error", closeErr)
		}
	}()

	var docs []*digest.Document
	for rows.Next() {
		doc, err := s.scanDocument(rows, collection)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", collection, err)
	}
	return docs, nil
}

func (s *Store) scanDocument(rows *sql.Rows, collection string) (*digest.Document, error) {
	var (
		doc      digest.Document
		inserted int64
		raw      string
	)
	if err := rows.Scan(&doc.ID, &doc.Year, &doc.Month, &doc.Day, &inserted,
		&doc.Rank, &doc.Section, &doc.Title, &doc.Summary, &doc.URL, &raw); err != nil {
		return nil, fmt.Errorf("scan document: %w", err)
	}
	doc.Collection = collection
	doc.InsertedAt = time.Unix(0, inserted).UTC()

	doc.Annotations = s.decodeAnnotations(raw, collection, doc.ID)
	return &doc, nil
}

// decodeAnnotations decodes each user's entry on its own. A broken entry is
// dropped so it only costs that user the match.
func (s *Store) decodeAnnotations(raw, collection, docID string) map[string]digest.Annotation {
	if raw == "" {
		return nil
	}
	var entries map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		s.logger.Warn("Failed to decode document annotations",
			"collection", collection,
			"document_id", docID,
			"error", err)
		return nil
	}
	if entries == nil {
		return nil
	}
	out := make(map[string]digest.Annotation, len(entries))
	for user, entry := range entries {
		var a digest.Annotation
		if err := json.Unmarshal(entry, &a); err != nil {
			s.logger.Warn("Skipping malformed user annotation",
				"collection", collection,
				"document_id", docID,
				"user_id", user,
				"error", err)
			continue
		}
		out[user] = a
	}
	return out
}
