// Package pipeline runs one digest invocation end to end.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"boletin-digest/batch"
	"boletin-digest/clock"
	"boletin-digest/config"
	"boletin-digest/docstore"
	"boletin-digest/email"
	"boletin-digest/fetch"
	"boletin-digest/group"
	"boletin-digest/ledger"
	"boletin-digest/match"
	"boletin-digest/pkg/digest"
	"boletin-digest/stats"
	"boletin-digest/window"

	"github.com/google/uuid"
)

// Store is the document-store surface a run touches.
type Store interface {
	window.Store
	fetch.Store
	ledger.Store
	ListUsers(ctx context.Context) ([]docstore.UserRecord, error)
	DocumentsOn(ctx context.Context, collection string, year, month, day int, section string) ([]*digest.Document, error)
	IngestionRun(ctx context.Context, id string) (*digest.IngestionRun, error)
	IngestionRunsBetween(ctx context.Context, from, to time.Time) ([]*digest.IngestionRun, error)
	SaveRunMarker(ctx context.Context, m *digest.RunMarker) error
}

// Sender delivers digests and operator reports.
type Sender interface {
	SendDigest(ctx context.Context, d *email.Digest) error
	SendReport(ctx context.Context, operators []string, r *email.Report) error
}

// Archive keeps operator reports and the published run signal.
type Archive interface {
	SaveReport(ctx context.Context, t time.Time, report any) (string, error)
	PublishRun(ctx context.Context, m *digest.RunMarker) error
}

// Summary describes a finished invocation.
type Summary struct {
	Window        window.Window      `json:"window"`
	RunID         string             `json:"run_id"`
	Environment   digest.Environment `json:"environment"`
	ReportKey     string             `json:"report_key,omitempty"`
	Failures      []string           `json:"failures"`
	Candidates    int                `json:"candidates"`
	Users         int                `json:"users"`
	Delivered     int                `json:"delivered"`
	NoMatch       int                `json:"no_match"`
	Skipped       int                `json:"skipped"`
	FirstShipment bool               `json:"first_shipment"`
	ShippedBefore bool               `json:"shipped_before"`
}

// Driver wires the components of a run together.
type Driver struct {
	store    Store
	sender   Sender
	archive  Archive
	engine   *match.Engine
	fetcher  *fetch.Fetcher
	reducer  *stats.Reducer
	logger   *slog.Logger
	now      func() time.Time
	loc      *time.Location
	delivery config.DeliveryConfig
	hour     int
	mu       sync.Mutex
}

// New creates a driver. archive may be nil.
func New(store Store, sender Sender, archive Archive, cfg config.Config, logger *slog.Logger) *Driver {
	return &Driver{
		store:    store,
		sender:   sender,
		archive:  archive,
		engine:   match.New(cfg.Delivery.FallbackCollection, logger),
		fetcher:  fetch.New(store, cfg.Collections.Exclude, cfg.Collections.Expected, logger),
		reducer:  stats.New(cfg.Costs, cfg.Collections.WarningCollection),
		logger:   logger,
		now:      time.Now,
		loc:      cfg.Schedule.Location(),
		delivery: cfg.Delivery,
		hour:     cfg.Schedule.Hour(),
	}
}

// invocation holds the per-run state. It is owned by the goroutine calling Run.
type invocation struct {
	clock      clock.Clock
	window     window.Window
	candidates *fetch.Result
	general    []*digest.Document
	summary    *Summary
	generalErr error
	loaded     bool
	// ingestions are the runs reported on, oldest first. statsErr is set
	// when they could not be loaded.
	ingestions []*digest.IngestionRun
	statsErr   error
}

// Run processes the window since the previous production run. Only failing to
// reach the document store aborts; per-user and per-recipient failures are
// collected into the summary.
func (d *Driver) Run(ctx context.Context) (*Summary, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	c := clock.New(d.now(), d.loc)
	start := time.Now()

	w, err := window.New(d.store, c, d.hour, d.logger).Determine(ctx)
	if err != nil {
		return nil, fmt.Errorf("determine window: %w", err)
	}

	candidates, err := d.fetcher.Fetch(ctx, w)
	if err != nil {
		return nil, fmt.Errorf("fetch candidates: %w", err)
	}

	records, err := d.store.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}

	run := &invocation{
		clock:      c,
		window:     w,
		candidates: candidates,
		summary: &Summary{
			Window:     w,
			RunID:      uuid.NewString(),
			Candidates: len(candidates.Docs),
			Failures:   []string{},
		},
	}

	var users []*digest.User
	var addresses []string
	for _, rec := range records {
		if rec.Err != nil {
			d.logger.Warn("Skipping malformed user", "user_id", rec.User.ID, "error", rec.Err)
			run.summary.Failures = append(run.summary.Failures, fmt.Sprintf("%s: %v", rec.User.ID, rec.Err))
			continue
		}
		if !d.delivery.Includes(rec.User.Email) {
			continue
		}
		users = append(users, rec.User)
		addresses = append(addresses, rec.User.Email)
	}
	run.summary.Users = len(users)
	run.summary.Environment = match.Environment(addresses, d.delivery.TestAddress)

	l := ledger.New(d.store, c, d.logger)
	shipped, err := l.RecordedToday(ctx, run.summary.Environment)
	if err != nil {
		d.logger.Warn("Failed to read shipment ledger", "environment", run.summary.Environment, "error", err)
	}
	run.summary.ShippedBefore = shipped

	d.logger.Info("Starting digest run",
		"run_id", run.summary.RunID,
		"environment", run.summary.Environment,
		"users", len(users),
		"candidates", len(candidates.Docs),
		"supplementary", w.Supplementary,
		"shipped_today", shipped)

	failures := batch.Collect(users, func(u *digest.User) string { return u.ID }, func(u *digest.User) error {
		return d.deliver(ctx, run, u)
	})
	for _, f := range failures {
		d.logger.Warn("Delivery failed", "user_id", f.Item, "error", f.Err)
		run.summary.Failures = append(run.summary.Failures, f.Error())
	}

	if run.summary.Delivered+run.summary.NoMatch > 0 {
		first, err := l.Record(ctx, run.summary.Environment, candidates.CollectionsWithData())
		if err != nil {
			d.logger.Error("Failed to record shipment, delivery stands", "error", err)
		}
		run.summary.FirstShipment = first
	}

	d.report(ctx, run)

	if err := d.finish(ctx, run); err != nil {
		return run.summary, err
	}

	d.logger.Info("Digest run completed",
		"run_id", run.summary.RunID,
		"delivered", run.summary.Delivered,
		"no_match", run.summary.NoMatch,
		"skipped", run.summary.Skipped,
		"failures", len(run.summary.Failures),
		"duration", time.Since(start).String())

	return run.summary, nil
}

func (d *Driver) deliver(ctx context.Context, run *invocation, u *digest.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	matched, err := d.engine.Match(u, run.candidates.Docs)
	if err != nil {
		return fmt.Errorf("match: %w", err)
	}

	date := run.clock.Now().In(run.clock.Location())

	if len(matched) > 0 {
		err := d.sender.SendDigest(ctx, &email.Digest{
			Date:          date,
			User:          u,
			Tags:          group.Group(matched),
			Supplementary: run.window.Supplementary,
		})
		if err != nil {
			return err
		}
		d.logger.Info("Digest delivered", "user_id", u.ID, "matched", len(matched))
		run.summary.Delivered++
		return nil
	}

	if !d.delivery.ReceivesNoMatch(u.Email) {
		d.logger.Info("No matches and user not on the no-match list, skipping", "user_id", u.ID)
		run.summary.Skipped++
		return nil
	}

	general, err := d.generalProvisions(ctx, run)
	if err != nil {
		return fmt.Errorf("load general provisions: %w", err)
	}
	err = d.sender.SendDigest(ctx, &email.Digest{
		Date:          date,
		User:          u,
		GeneralSource: d.delivery.FallbackCollection,
		General:       group.ByRank(general),
		Supplementary: run.window.Supplementary,
	})
	if err != nil {
		return err
	}
	d.logger.Info("No-match digest delivered", "user_id", u.ID, "general_items", len(general))
	run.summary.NoMatch++
	return nil
}

// generalProvisions loads today's general-provisions items once per run.
func (d *Driver) generalProvisions(ctx context.Context, run *invocation) ([]*digest.Document, error) {
	if run.loaded {
		return run.general, run.generalErr
	}
	run.loaded = true

	exists, err := d.store.CollectionExists(ctx, d.delivery.FallbackCollection)
	if err != nil {
		run.generalErr = err
		return nil, err
	}
	if !exists {
		d.logger.Info("Fallback collection missing, general view is empty", "collection", d.delivery.FallbackCollection)
		return nil, nil
	}

	y, m, day := run.clock.Date()
	run.general, run.generalErr = d.store.DocumentsOn(ctx, d.delivery.FallbackCollection, y, m, day, d.delivery.GeneralSection)
	return run.general, run.generalErr
}

// statsFrom bounds the reporting window at the ingestion run observed by the
// previous marker, falling back to the delivery window start.
func (d *Driver) statsFrom(ctx context.Context, w window.Window) time.Time {
	if w.SyncToken == "" {
		return w.From
	}
	r, err := d.store.IngestionRun(ctx, w.SyncToken)
	if err != nil {
		if !errors.Is(err, docstore.ErrNotFound) {
			d.logger.Warn("Failed to load sync token run", "sync_token", w.SyncToken, "error", err)
		}
		return w.From
	}
	return r.Timestamp
}

func (d *Driver) report(ctx context.Context, run *invocation) {
	from := d.statsFrom(ctx, run.window)
	runs, err := d.store.IngestionRunsBetween(ctx, from, run.window.To)
	if err != nil {
		d.logger.Warn("Failed to load ingestion runs, reporting no data", "error", err)
		runs = nil
	}
	run.ingestions, run.statsErr = runs, err
	result := d.reducer.Reduce(runs)

	r := &email.Report{
		From:          from,
		To:            run.window.To,
		Stats:         result,
		RunID:         run.summary.RunID,
		Environment:   run.summary.Environment,
		Failures:      run.summary.Failures,
		Delivered:     run.summary.Delivered,
		NoMatch:       run.summary.NoMatch,
		Skipped:       run.summary.Skipped,
		Supplementary: run.window.Supplementary,
	}

	if err := d.sender.SendReport(ctx, d.delivery.Operators, r); err != nil {
		d.logger.Warn("Operator report not delivered to every operator", "error", err)
	}

	if d.archive == nil {
		return
	}
	key, err := d.archive.SaveReport(ctx, run.clock.Now(), r)
	if err != nil {
		d.logger.Warn("Failed to archive report", "error", err)
		return
	}
	run.summary.ReportKey = key
}

// finish writes the run marker that closes the window. The new sync token is
// the newest ingestion run reported on, so runs landing after window.To are
// left for the next report.
func (d *Driver) finish(ctx context.Context, run *invocation) error {
	token := run.window.SyncToken
	switch n := len(run.ingestions); {
	case run.statsErr != nil:
		d.logger.Warn("Ingestion runs unavailable, keeping previous sync token", "sync_token", token)
	case n > 0:
		token = run.ingestions[n-1].ID
	}

	m := &digest.RunMarker{
		ID:          run.summary.RunID,
		Timestamp:   run.window.To,
		Environment: run.summary.Environment,
		SyncToken:   token,
	}
	if err := d.store.SaveRunMarker(ctx, m); err != nil {
		return fmt.Errorf("save run marker: %w", err)
	}

	if d.archive != nil {
		if err := d.archive.PublishRun(ctx, m); err != nil {
			d.logger.Warn("Failed to publish run signal", "run_id", m.ID, "error", err)
		}
	}
	return nil
}
