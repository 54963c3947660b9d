package storage

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"boletin-digest/pkg/digest"
)

func localStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(nil, "", t.TempDir(), logger)
}

func TestReportArchive(t *testing.T) {
	ctx := context.Background()
	s := localStore(t)

	if _, err := s.LatestReport(ctx); !IsNotFound(err) {
		t.Fatalf("LatestReport() on empty archive error = %v, want not found", err)
	}

	first := time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)
	for i, at := range []time.Time{first, first.Add(time.Hour), first.Add(30 * time.Minute)} {
		key, err := s.SaveReport(ctx, at, map[string]int{"n": i})
		if err != nil {
			t.Fatalf("SaveReport() error = %v", err)
		}
		if key != ReportKey(at) {
			t.Errorf("key = %q, want %q", key, ReportKey(at))
		}
	}

	keys, err := s.ReportKeys(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 3 {
		t.Fatalf("ReportKeys() = %v, want 3 keys", keys)
	}

	raw, err := s.LatestReport(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]int
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatal(err)
	}
	if got["n"] != 1 {
		t.Errorf("latest report n = %d, want 1 (the 09:00 report)", got["n"])
	}
}

func TestPublishRun(t *testing.T) {
	ctx := context.Background()
	s := localStore(t)

	if _, err := s.LatestRun(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("LatestRun() error = %v, want ErrNotFound", err)
	}

	m := &digest.RunMarker{
		ID:          "8d0c6a1e-0000-4000-8000-000000000001",
		Timestamp:   time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC),
		Environment: digest.Production,
		SyncToken:   "run-42",
	}
	if err := s.PublishRun(ctx, m); err != nil {
		t.Fatalf("PublishRun() error = %v", err)
	}

	got, err := s.LatestRun(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != m.ID || got.SyncToken != "run-42" || !got.Timestamp.Equal(m.Timestamp) {
		t.Errorf("LatestRun() = %+v, want %+v", got, m)
	}

	if _, err := os.Stat(filepath.Join(s.localPath, "runs", "latest.json")); err != nil {
		t.Errorf("run signal not written to the expected path: %v", err)
	}
}

func TestValidKey(t *testing.T) {
	tests := []struct {
		key  string
		want bool
	}{
		{"reports/20261019T080000.000000000Z.json", true},
		{"runs/latest.json", true},
		{"", false},
		{"/etc/passwd", false},
		{"reports/../../etc/passwd", false},
		{"reports//x.json", false},
		{"reports\\x.json", false},
		{"./x.json", false},
	}
	for _, tt := range tests {
		if got := validKey(tt.key); got != tt.want {
			t.Errorf("validKey(%q) = %v, want %v", tt.key, got, tt.want)
		}
	}
}
