// Package fetch loads the candidate documents inserted inside a window.
package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"boletin-digest/pkg/digest"
	"boletin-digest/window"
)

// Store is the document-store surface the fetcher needs.
type Store interface {
	Collections(ctx context.Context) ([]string, error)
	CollectionExists(ctx context.Context, name string) (bool, error)
	DocumentsInserted(ctx context.Context, collection string, from, to time.Time) ([]*digest.Document, error)
}

// Result is the flat candidate list plus a count for every collection seen.
type Result struct {
	Counts map[string]int
	Docs   []*digest.Document
	Order  []string // Collections read, in fetch order
}

// CollectionsWithData returns the collections that contributed documents, in
// fetch order.
func (r *Result) CollectionsWithData() []string {
	var out []string
	for _, name := range r.Order {
		if r.Counts[name] > 0 {
			out = append(out, name)
		}
	}
	return out
}

// Fetcher reads candidates from every eligible collection.
type Fetcher struct {
	store    Store
	logger   *slog.Logger
	exclude  map[string]bool
	expected []string
}

// New creates a fetcher. exclude names collections never read; expected names
// collections that must appear in the counts even when their table is missing.
func New(store Store, exclude, expected []string, logger *slog.Logger) *Fetcher {
	ex := make(map[string]bool, len(exclude))
	for _, name := range exclude {
		ex[name] = true
	}
	return &Fetcher{
		store:    store,
		logger:   logger,
		exclude:  ex,
		expected: expected,
	}
}

func (f *Fetcher) skip(name string) bool {
	return f.exclude[name] || strings.HasSuffix(name, "_test")
}

// Fetch returns documents with From < insertedAt <= To. Listing collections
// failing is fatal; a single collection failing counts as zero documents.
func (f *Fetcher) Fetch(ctx context.Context, w window.Window) (*Result, error) {
	names, err := f.store.Collections(ctx)
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	sort.Strings(names)

	seen := make(map[string]bool, len(names))
	var order []string
	for _, name := range names {
		if f.skip(name) || seen[name] {
			continue
		}
		seen[name] = true
		order = append(order, name)
	}

	result := &Result{Counts: make(map[string]int)}

	for _, name := range f.expected {
		if f.skip(name) || seen[name] {
			continue
		}
		exists, err := f.store.CollectionExists(ctx, name)
		if err != nil {
			f.logger.Warn("Failed to probe collection", "collection", name, "error", err)
		}
		if !exists {
			f.logger.Debug("Collection does not exist yet, counting zero", "collection", name)
			result.Counts[name] = 0
			continue
		}
		seen[name] = true
		order = append(order, name)
	}

	for _, name := range order {
		docs, err := f.store.DocumentsInserted(ctx, name, w.From, w.To)
		if err != nil {
			f.logger.Warn("Failed to fetch collection, counting zero", "collection", name, "error", err)
			result.Counts[name] = 0
			continue
		}
		result.Counts[name] = len(docs)
		result.Docs = append(result.Docs, docs...)
		if len(docs) > 0 {
			f.logger.Debug("Collection fetched", "collection", name, "count", len(docs))
		}
	}

	result.Order = order

	f.logger.Info("Candidates fetched",
		"collections", len(order),
		"documents", len(result.Docs))

	return result, nil
}
