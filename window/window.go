// Package window decides which time interval an invocation processes.
package window

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"boletin-digest/clock"
	"boletin-digest/docstore"
	"boletin-digest/pkg/digest"
)

// Store reads run markers.
type Store interface {
	LatestRunMarker(ctx context.Context, env digest.Environment) (*digest.RunMarker, error)
}

// Window is the half-open interval (From, To] of insertion timestamps.
type Window struct {
	From          time.Time `json:"from"`
	To            time.Time `json:"to"`
	SyncToken     string    `json:"sync_token,omitempty"`
	Supplementary bool      `json:"supplementary"`
}

// Contains reports whether t lies in (From, To].
func (w Window) Contains(t time.Time) bool {
	return t.After(w.From) && !t.After(w.To)
}

// Tracker computes the window from the last production run marker.
type Tracker struct {
	store        Store
	clock        clock.Clock
	logger       *slog.Logger
	firstRunHour int
}

// New creates a tracker. firstRunHour is the hour of yesterday used as the
// lower bound when no production run has ever completed.
func New(store Store, c clock.Clock, firstRunHour int, logger *slog.Logger) *Tracker {
	return &Tracker{
		store:        store,
		clock:        c,
		firstRunHour: firstRunHour,
		logger:       logger,
	}
}

// Determine returns the interval to process.
func (t *Tracker) Determine(ctx context.Context) (Window, error) {
	now := t.clock.Now()

	// Only production markers are authoritative; test runs must not move the window.
	marker, err := t.store.LatestRunMarker(ctx, digest.Production)
	if errors.Is(err, docstore.ErrNotFound) {
		from := t.clock.YesterdayAt(t.firstRunHour)
		t.logger.Info("No previous production run, using fallback lookback",
			"from", from.Format(time.RFC3339),
			"to", now.Format(time.RFC3339))
		return Window{From: from, To: now}, nil
	}
	if err != nil {
		return Window{}, fmt.Errorf("load latest run marker: %w", err)
	}

	w := Window{
		From:          marker.Timestamp,
		To:            now,
		SyncToken:     marker.SyncToken,
		Supplementary: t.clock.Day(marker.Timestamp) == t.clock.Today(),
	}

	t.logger.Info("Window determined",
		"from", w.From.Format(time.RFC3339Nano),
		"to", w.To.Format(time.RFC3339Nano),
		"previous_run_id", marker.ID,
		"sync_token", w.SyncToken,
		"supplementary", w.Supplementary)

	return w, nil
}
