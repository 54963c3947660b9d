package email

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"boletin-digest/group"
	"boletin-digest/pkg/digest"
	"boletin-digest/stats"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func sampleDigest() *Digest {
	doc := &digest.Document{
		ID:         "BOE-A-2026-1",
		Collection: "BOE",
		Rank:       "Legislación",
		Title:      "Ley 1/2026 <de datos>",
		URL:        "https://www.boe.es/diario_boe/txt.php?id=BOE-A-2026-1",
		Summary:    `<p>Modifica el <b>RGPD</b>.</p><script>alert(1)</script><a href="javascript:alert(1)" onclick="x()">ver</a>`,
	}
	groups := group.Group([]digest.Matched{{
		Doc:     doc,
		Matches: []digest.TagMatch{{Tag: "Protección de Datos", Description: "Nuevas obligaciones", Impact: digest.ImpactHigh}},
	}})
	return &Digest{
		Date: time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC),
		User: &digest.User{ID: "u1", Email: "u1@example.com", Name: "Ana"},
		Tags: groups,
	}
}

func TestDigestBody(t *testing.T) {
	s := New(NewMockProvider(testLogger()), testLogger(), "https://app.example.com")
	body := s.formatDigestBody(sampleDigest())

	for _, want := range []string{
		"Boletín normativo del 19/10/2026",
		"Hola Ana",
		"Protección de Datos <small>(1)</small>",
		"<h3>BOE</h3>",
		"<h4>Legislación</h4>",
		`class="doc alto"`,
		"Impacto alto",
		"Nuevas obligaciones",
		"Ley 1/2026 &lt;de datos&gt;",
		"<b>RGPD</b>",
		`href="https://app.example.com"`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("digest body missing %q", want)
		}
	}

	for _, banned := range []string{"<script", "javascript:", "onclick"} {
		if strings.Contains(body, banned) {
			t.Errorf("digest body contains %q after sanitizing", banned)
		}
	}
}

func TestDigestSubject(t *testing.T) {
	tests := []struct {
		name string
		edit func(*Digest)
		want string
	}{
		{"matched", func(*Digest) {}, "Boletín normativo del 19/10/2026"},
		{"supplementary", func(d *Digest) { d.Supplementary = true }, "Boletín normativo del 19/10/2026 (Edición complementaria)"},
		{"no match", func(d *Digest) { d.Tags = nil }, "Boletín normativo del 19/10/2026: disposiciones generales"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := sampleDigest()
			tt.edit(d)
			if got := d.subject(); got != tt.want {
				t.Errorf("subject() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNoMatchDigestBody(t *testing.T) {
	s := New(NewMockProvider(testLogger()), testLogger(), "")

	general := group.ByRank([]*digest.Document{
		{ID: "g1", Collection: "BOE", Rank: "Legislación", Title: "Real Decreto 5/2026"},
	})
	d := &Digest{
		Date:          time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC),
		User:          &digest.User{ID: "v", Email: "v@example.com"},
		GeneralSource: "BOE",
		General:       general,
	}
	body := s.formatDigestBody(d)
	if !strings.Contains(body, "disposiciones generales publicadas en el BOE") {
		t.Error("no-match body should introduce the general provisions")
	}
	if !strings.Contains(body, "Real Decreto 5/2026") {
		t.Error("no-match body should list general provisions")
	}

	d.General = group.ByRank(nil)
	body = s.formatDigestBody(d)
	if !strings.Contains(body, "Tampoco hay disposiciones generales") {
		t.Error("empty general view should render an explicit empty message")
	}
}

func TestReportBody(t *testing.T) {
	base := &Report{
		From:        time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC),
		To:          time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC),
		Environment: digest.Production,
	}

	t.Run("no data", func(t *testing.T) {
		r := *base
		r.Stats = stats.New(stats.Rates{}, "DOUE").Reduce(nil)
		body := formatReportBody(&r)
		if !strings.Contains(body, "Sin datos de ingesta") {
			t.Error("report should state that there is no data")
		}
		if !strings.HasSuffix(r.subject(), ": sin datos") {
			t.Errorf("subject() = %q, want no-data suffix", r.subject())
		}
	})

	t.Run("errors and warnings", func(t *testing.T) {
		r := *base
		r.Failures = []string{"u9: mock delivery refused"}
		r.Delivered = 3
		r.Stats = stats.New(stats.Rates{Input: 1, Output: 1, FX: 1}, "DOUE").Reduce([]*digest.IngestionRun{{
			ID: "r1",
			Collections: map[string]digest.CollectionStats{
				"BOE":  {DocsScraped: 40, DocsNew: 5, InputTokens: 1_000_000},
				"DOUE": {ErrorCount: 1, Errors: []digest.ErrorEntry{{Message: "pdf vacío", DocumentID: "d-7"}}},
			},
		}})
		body := formatReportBody(&r)
		for _, want := range []string{
			"Con coincidencias: 3",
			"Fallidos: 1",
			"u9: mock delivery refused",
			"<td>BOE</td><td>40</td><td>5</td>",
			"1.0000 €",
			"Sin errores.",
			"DOUE (d-7): pdf vacío",
		} {
			if !strings.Contains(body, want) {
				t.Errorf("report body missing %q", want)
			}
		}
	})
}

func TestPlainText(t *testing.T) {
	text, err := plainText(`<html><head><style>p { color: red }</style></head><body>
<h1>Boletín</h1><p>Ver <a href="https://www.boe.es/x">la disposición</a> completa.</p>
<ul><li>uno</li><li>dos</li></ul></body></html>`)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(text, "color: red") {
		t.Error("style content leaked into plain text")
	}
	for _, want := range []string{"Boletín\n", "Ver la disposición (https://www.boe.es/x) completa.", "uno\ndos"} {
		if !strings.Contains(text, want) {
			t.Errorf("plain text missing %q, got:\n%s", want, text)
		}
	}
}

func TestSendReport(t *testing.T) {
	mock := NewMockProvider(testLogger())
	mock.FailFor("down@example.com")
	s := New(mock, testLogger(), "")

	r := &Report{
		RunID:       "run-1",
		Environment: digest.Test,
		Stats:       stats.New(stats.Rates{}, "").Reduce(nil),
	}
	err := s.SendReport(context.Background(), []string{"down@example.com", "ops@example.com"}, r)
	if err == nil {
		t.Error("SendReport() = nil error, want failure for down@example.com")
	}

	sent := mock.SentTo("ops@example.com")
	if len(sent) != 1 {
		t.Fatalf("ops@example.com received %d messages, want 1", len(sent))
	}
	if len(sent[0].Attachments) != 1 || sent[0].Attachments[0].Filename != "stats.json" {
		t.Fatalf("attachments = %+v, want stats.json", sent[0].Attachments)
	}
	var decoded Report
	if err := json.Unmarshal(sent[0].Attachments[0].Data, &decoded); err != nil {
		t.Fatalf("stats.json is not valid JSON: %v", err)
	}
	if decoded.RunID != "run-1" || !decoded.Stats.NoData {
		t.Errorf("decoded report = %+v", decoded)
	}
	if sent[0].Text == "" {
		t.Error("report should carry a plain text alternative")
	}
}

func TestSendReportWithoutOperators(t *testing.T) {
	mock := NewMockProvider(testLogger())
	if err := New(mock, testLogger(), "").SendReport(context.Background(), nil, &Report{}); err != nil {
		t.Fatal(err)
	}
	if len(mock.Sent()) != 0 {
		t.Error("no messages should be sent without operators")
	}
}
