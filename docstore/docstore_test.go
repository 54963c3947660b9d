package docstore

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"boletin-digest/pkg/digest"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "test.db"), logger)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})
	return s
}

func TestDocumentsInsertedHalfOpenInterval(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	base := time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)
	for i, id := range []string{"at-from", "inside", "at-to", "after"} {
		doc := &digest.Document{
			ID:         id,
			Collection: "BOE",
			Year:       2026, Month: 10, Day: 19,
			InsertedAt: base.Add(time.Duration(i) * time.Hour),
		}
		if err := s.UpsertDocument(ctx, doc); err != nil {
			t.Fatalf("UpsertDocument(%s) error = %v", id, err)
		}
	}

	from := base
	to := base.Add(2 * time.Hour)
	docs, err := s.DocumentsInserted(ctx, "BOE", from, to)
	if err != nil {
		t.Fatalf("DocumentsInserted() error = %v", err)
	}

	var got []string
	for _, d := range docs {
		got = append(got, d.ID)
	}
	want := []string{"inside", "at-to"}
	if len(got) != len(want) {
		t.Fatalf("DocumentsInserted() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("DocumentsInserted()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestConsecutiveWindowsAreDisjoint(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	base := time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)
	for i := range 10 {
		doc := &digest.Document{
			ID:         string(rune('a' + i)),
			Collection: "DOUE",
			InsertedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.UpsertDocument(ctx, doc); err != nil {
			t.Fatalf("UpsertDocument() error = %v", err)
		}
	}

	t0 := base.Add(-time.Minute)
	t1 := base.Add(4 * time.Minute) // exactly on a document
	t2 := base.Add(20 * time.Minute)

	first, err := s.DocumentsInserted(ctx, "DOUE", t0, t1)
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.DocumentsInserted(ctx, "DOUE", t1, t2)
	if err != nil {
		t.Fatal(err)
	}

	seen := make(map[string]int)
	for _, d := range append(first, second...) {
		seen[d.ID]++
	}
	if len(seen) != 10 {
		t.Errorf("union covers %d documents, want 10", len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("document %s seen %d times, want 1", id, n)
		}
	}
}

func TestAnnotationShapesRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	doc := &digest.Document{
		ID:         "d1",
		Collection: "BOE",
		InsertedAt: time.Now(),
		Annotations: map[string]digest.Annotation{
			"u1": {Legacy: true, Notes: map[string]digest.TagNote{"TagA": {}}},
			"u2": {Notes: map[string]digest.TagNote{"TagB": {Explanation: "x", Impact: digest.ImpactHigh}}},
		},
	}
	if err := s.UpsertDocument(ctx, doc); err != nil {
		t.Fatal(err)
	}

	docs, err := s.DocumentsInserted(ctx, "BOE", time.Time{}, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 1 {
		t.Fatalf("got %d documents, want 1", len(docs))
	}
	got := docs[0].Annotations
	if !got["u1"].Legacy || !got["u1"].Has("TagA") {
		t.Errorf("legacy annotation not preserved: %+v", got["u1"])
	}
	if note := got["u2"].Notes["TagB"]; note.Impact != digest.ImpactHigh || note.Explanation != "x" {
		t.Errorf("current annotation not preserved: %+v", note)
	}
}

func TestMalformedAnnotationOnlyAffectsItsUser(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if err := s.UpsertDocument(ctx, &digest.Document{ID: "d1", Collection: "BOE", InsertedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	raw := `{
		"good": {"TagA": {"explicacion": "x", "nivel_impacto": "alto"}},
		"odd": {"TagB": {"explicacion": "y", "nivel_impacto": 3}},
		"bad": 42
	}`
	if err := s.setRawAnnotations(ctx, "BOE", "d1", raw); err != nil {
		t.Fatal(err)
	}

	docs, err := s.DocumentsInserted(ctx, "BOE", time.Time{}, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 1 {
		t.Fatalf("got %d documents, want 1", len(docs))
	}
	got := docs[0].Annotations
	if note := got["good"].Notes["TagA"]; !got["good"].Has("TagA") || note.Impact != digest.ImpactHigh {
		t.Errorf("good annotation = %+v, want TagA at alto", got["good"])
	}
	if !got["odd"].Has("TagB") || got["odd"].Notes["TagB"].Impact != "" {
		t.Errorf("odd annotation = %+v, want TagB with no level", got["odd"])
	}
	if _, ok := got["bad"]; ok {
		t.Errorf("malformed entry kept: %+v", got["bad"])
	}
}

func TestCollectionsExcludeInternalTables(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	for _, name := range []string{"DOUE", "BOE"} {
		if err := s.EnsureCollection(ctx, name); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.Collections(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != "BOE" || got[1] != "DOUE" {
		t.Errorf("Collections() = %v, want [BOE DOUE]", got)
	}

	exists, err := s.CollectionExists(ctx, "users")
	if err != nil {
		t.Fatal(err)
	}
	if exists {
		t.Error("internal table reported as a collection")
	}

	exists, err = s.CollectionExists(ctx, "BOE_test")
	if err != nil {
		t.Fatal(err)
	}
	if exists {
		t.Error("missing collection reported as existing")
	}
}

func TestEnsureCollectionRejectsBadNames(t *testing.T) {
	s := openTestStore(t)
	for _, name := range []string{"", "users", `BOE"; DROP TABLE users; --`} {
		if err := s.EnsureCollection(context.Background(), name); err == nil {
			t.Errorf("EnsureCollection(%q) = nil, want error", name)
		}
	}
}

func TestLatestRunMarkerPerEnvironment(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if _, err := s.LatestRunMarker(ctx, digest.Production); !errors.Is(err, ErrNotFound) {
		t.Fatalf("LatestRunMarker() on empty store error = %v, want ErrNotFound", err)
	}

	base := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	markers := []*digest.RunMarker{
		{ID: "p1", Timestamp: base, Environment: digest.Production, SyncToken: "r1"},
		{ID: "p2", Timestamp: base.Add(time.Hour), Environment: digest.Production, SyncToken: "r2"},
		{ID: "t1", Timestamp: base.Add(2 * time.Hour), Environment: digest.Test},
	}
	for _, m := range markers {
		if err := s.SaveRunMarker(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.LatestRunMarker(ctx, digest.Production)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "p2" || got.SyncToken != "r2" || !got.Timestamp.Equal(base.Add(time.Hour)) {
		t.Errorf("LatestRunMarker() = %+v, want p2", got)
	}
}

func TestInsertShipmentOncePerDay(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	shipped := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	m := &digest.ShipmentMarker{
		Environment: digest.Production,
		Day:         "2026-10-19",
		ShippedAt:   shipped,
		Collections: []string{"BOE"},
	}

	wrote, err := s.InsertShipment(ctx, m)
	if err != nil || !wrote {
		t.Fatalf("first InsertShipment() = %v, %v; want true, nil", wrote, err)
	}

	again := *m
	again.ShippedAt = shipped.Add(3 * time.Hour)
	again.Collections = []string{"BOE", "DOUE"}
	wrote, err = s.InsertShipment(ctx, &again)
	if err != nil || wrote {
		t.Fatalf("second InsertShipment() = %v, %v; want false, nil", wrote, err)
	}

	got, err := s.LatestShipment(ctx, digest.Production)
	if err != nil {
		t.Fatal(err)
	}
	if !got.ShippedAt.Equal(shipped) || len(got.Collections) != 1 {
		t.Errorf("marker was rewritten: %+v", got)
	}

	n, err := s.shipmentsOn(ctx, digest.Production, "2026-10-19")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("shipmentsOn() = %d, want 1", n)
	}
}

func TestListUsersFlagsMalformedRows(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	good := &digest.User{
		ID:    "a",
		Email: "a@example.com",
		Tags:  []digest.TagDefinition{{Name: "Energía"}},
		Ranks: []string{"Legislación"},
	}
	if err := s.SaveUser(ctx, good); err != nil {
		t.Fatal(err)
	}
	if err := s.saveRawUser(ctx, "b", "b@example.com", "[]", `{"fuentes_gobierno": "BOE"}`, "[]"); err != nil {
		t.Fatal(err)
	}

	records, err := s.ListUsers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("ListUsers() returned %d records, want 2", len(records))
	}
	if records[0].Err != nil || records[0].User.Tags[0].Name != "Energía" {
		t.Errorf("good user decoded wrongly: %+v", records[0])
	}
	if records[1].Err == nil {
		t.Error("malformed coverage should set Err")
	}
}

func TestIngestionRunsBetween(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	base := time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"r1", "r2", "r3"} {
		run := &digest.IngestionRun{
			ID:          id,
			Timestamp:   base.Add(time.Duration(i) * time.Hour),
			Collections: map[string]digest.CollectionStats{"BOE": {DocsNew: i}},
		}
		if err := s.SaveIngestionRun(ctx, run); err != nil {
			t.Fatal(err)
		}
	}

	runs, err := s.IngestionRunsBetween(ctx, base, base.Add(2*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 || runs[0].ID != "r2" || runs[1].ID != "r3" {
		t.Errorf("IngestionRunsBetween() returned %d runs, want r2 and r3", len(runs))
	}

	latest, err := s.LatestIngestionRun(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if latest.ID != "r3" || latest.Collections["BOE"].DocsNew != 2 {
		t.Errorf("LatestIngestionRun() = %+v, want r3", latest)
	}
}
