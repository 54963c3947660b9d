// Package digest contains the core domain types for the bulletin digest service.
package digest

import "time"

// DefaultRank is assigned to documents ingested without a rank label.
const DefaultRank = "Otras"

// Environment tags a run as production or test traffic.
type Environment string

// Environments.
const (
	Production Environment = "production"
	Test       Environment = "test"
)

// Document is one ingested normative or regulatory item.
type Document struct {
	InsertedAt  time.Time             `json:"inserted_at"` // High-resolution insertion time, used for windowing
	Annotations map[string]Annotation `json:"etiquetas_personalizadas"`
	ID          string                `json:"id"`
	Collection  string                `json:"collection"` // Source bulletin (BOE, DOUE, ...)
	Rank        string                `json:"rango"`
	Section     string                `json:"seccion"`
	Title       string                `json:"titulo"`
	Summary     string                `json:"resumen"` // HTML fragment produced upstream
	URL         string                `json:"url"`
	Year        int                   `json:"anio"`
	Month       int                   `json:"mes"`
	Day         int                   `json:"dia"`
}

// RankOrDefault returns the document rank, falling back to DefaultRank.
func (d *Document) RankOrDefault() string {
	if d.Rank == "" {
		return DefaultRank
	}
	return d.Rank
}

// TagDefinition is a named, user-owned interest definition.
type TagDefinition struct {
	Name        string `json:"nombre"`
	Description string `json:"descripcion"`
}

// Coverage lists the source collections a user follows.
type Coverage struct {
	Gazettes   []string `json:"fuentes_gobierno"`
	Regulators []string `json:"fuentes_reguladores"`
}

// Collections returns the union of every covered collection in declaration order.
func (c Coverage) Collections() []string {
	seen := make(map[string]bool)
	var out []string
	for _, list := range [][]string{c.Gazettes, c.Regulators} {
		for _, name := range list {
			if name == "" || seen[name] {
				continue
			}
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}

// User is a digest recipient.
type User struct {
	ID       string          `json:"id"`
	Email    string          `json:"email"`
	Name     string          `json:"name"`
	Tags     []TagDefinition `json:"etiquetas"`
	Coverage Coverage        `json:"cobertura_legal"`
	Ranks    []string        `json:"rangos"`
}

// TagMatch is one tag contribution on a matched document.
type TagMatch struct {
	Tag         string `json:"tag"`
	Description string `json:"description"`
	Impact      Impact `json:"impact"`
}

// Matched is a document that matched at least one of a user's tags.
type Matched struct {
	Doc     *Document  `json:"doc"`
	Matches []TagMatch `json:"matches"`
}

// RunMarker records one completed pipeline invocation.
type RunMarker struct {
	Timestamp   time.Time   `json:"timestamp"`
	ID          string      `json:"id"`
	Environment Environment `json:"environment"`
	SyncToken   string      `json:"sync_token,omitempty"` // Latest ingestion run observed
}

// ErrorEntry is a structured error reported by an ingestion run.
type ErrorEntry struct {
	Collection string `json:"collection"`
	Message    string `json:"message"`
	DocumentID string `json:"document_id,omitempty"`
}

// CollectionStats is one raw per-run snapshot for a collection.
type CollectionStats struct {
	Errors        []ErrorEntry `json:"errors,omitempty"`
	DocsScraped   int          `json:"docs_scraped"`
	DocsNew       int          `json:"docs_new"`
	DocsProcessed int          `json:"docs_processed"`
	DocsUploaded  int          `json:"docs_uploaded"`
	TagsFound     int          `json:"tags_found"`
	InputTokens   int64        `json:"input_tokens"`
	OutputTokens  int64        `json:"output_tokens"`
	ErrorCount    int          `json:"error_count"`
}

// IngestionRun is a record written by the upstream ingestion process.
type IngestionRun struct {
	Timestamp   time.Time                  `json:"timestamp"`
	Collections map[string]CollectionStats `json:"collections"`
	ID          string                     `json:"id"`
}

// ShipmentMarker flags that the first delivery of a day already happened.
type ShipmentMarker struct {
	ShippedAt   time.Time   `json:"shipped_at"`
	RunID       string      `json:"run_id,omitempty"` // Ingestion run the marker is attached to
	Environment Environment `json:"environment"`
	Day         string      `json:"day"` // YYYY-MM-DD in the reference timezone
	Collections []string    `json:"collections"`
}
