// Package ledger records the first delivery of each calendar day.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"boletin-digest/clock"
	"boletin-digest/docstore"
	"boletin-digest/pkg/digest"
)

// Store persists shipment markers.
type Store interface {
	InsertShipment(ctx context.Context, m *digest.ShipmentMarker) (bool, error)
	LatestShipment(ctx context.Context, env digest.Environment) (*digest.ShipmentMarker, error)
	LatestIngestionRun(ctx context.Context) (*digest.IngestionRun, error)
}

// Ledger tracks whether today's first shipment already happened.
type Ledger struct {
	store  Store
	clock  clock.Clock
	logger *slog.Logger
}

// New creates a ledger bound to the invocation clock.
func New(store Store, c clock.Clock, logger *slog.Logger) *Ledger {
	return &Ledger{store: store, clock: c, logger: logger}
}

// RecordedToday reports whether a shipment marker exists for env today.
//
// The lookup takes the newest marker by delivery time, not the newest
// ingestion run: an ingestion run finishing after a delivery carries no
// marker and must not make the day look unshipped.
func (l *Ledger) RecordedToday(ctx context.Context, env digest.Environment) (bool, error) {
	m, err := l.store.LatestShipment(ctx, env)
	if errors.Is(err, docstore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load latest shipment: %w", err)
	}
	return m.Day == l.clock.Today(), nil
}

// Record writes today's marker for env. It returns false without error when
// the day was already recorded. The marker is attached to the latest
// ingestion run, when there is one.
func (l *Ledger) Record(ctx context.Context, env digest.Environment, collections []string) (bool, error) {
	var runID string
	run, err := l.store.LatestIngestionRun(ctx)
	switch {
	case err == nil:
		runID = run.ID
	case errors.Is(err, docstore.ErrNotFound):
		l.logger.Debug("No ingestion run to attach shipment marker to")
	default:
		return false, fmt.Errorf("load latest ingestion run: %w", err)
	}

	if collections == nil {
		collections = []string{}
	}
	m := &digest.ShipmentMarker{
		ShippedAt:   l.clock.Now(),
		RunID:       runID,
		Environment: env,
		Day:         l.clock.Today(),
		Collections: collections,
	}

	wrote, err := l.store.InsertShipment(ctx, m)
	if err != nil {
		return false, fmt.Errorf("insert shipment marker: %w", err)
	}
	if wrote {
		l.logger.Info("First shipment of the day recorded",
			"environment", env,
			"day", m.Day,
			"run_id", runID,
			"collections", collections)
	} else {
		l.logger.Info("Shipment already recorded today, leaving marker untouched",
			"environment", env,
			"day", m.Day)
	}
	return wrote, nil
}
