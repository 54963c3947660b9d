package email

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"boletin-digest/batch"
	"boletin-digest/group"
	"boletin-digest/pkg/digest"
	"boletin-digest/stats"
)

// Sender renders and sends digests and operator reports using a pluggable
// provider.
type Sender struct {
	provider Provider
	logger   *slog.Logger
	appURL   string // Subscriber application, linked from the footer
}

// New creates a new email sender with the given provider.
func New(provider Provider, logger *slog.Logger, appURL string) *Sender {
	return &Sender{
		provider: provider,
		logger:   logger,
		appURL:   appURL,
	}
}

// Digest is one user's delivery for a run. Tags is empty for the no-match
// view, which carries General instead.
type Digest struct {
	Date          time.Time
	User          *digest.User
	GeneralSource string
	Tags          []group.TagGroup
	General       []group.RankGroup
	Supplementary bool
}

func (d *Digest) subject() string {
	subject := "Boletín normativo del " + d.Date.Format("02/01/2006")
	if len(d.Tags) == 0 {
		subject += ": disposiciones generales"
	}
	if d.Supplementary {
		subject += " (Edición complementaria)"
	}
	return subject
}

// Report is the operator-facing summary of one invocation.
type Report struct {
	From          time.Time          `json:"from"`
	To            time.Time          `json:"to"`
	Stats         *stats.Result      `json:"stats"`
	RunID         string             `json:"run_id"`
	Environment   digest.Environment `json:"environment"`
	Failures      []string           `json:"failures"`
	Delivered     int                `json:"delivered"`
	NoMatch       int                `json:"no_match"`
	Skipped       int                `json:"skipped"`
	Supplementary bool               `json:"supplementary"`
}

func (r *Report) subject() string {
	subject := fmt.Sprintf("Informe boletín %s [%s]", r.To.Format("02/01/2006 15:04"), r.Environment)
	if r.Stats == nil || r.Stats.NoData {
		subject += ": sin datos"
	}
	return subject
}

// SendDigest renders and sends a user's digest.
func (s *Sender) SendDigest(ctx context.Context, d *Digest) error {
	body := s.formatDigestBody(d)
	msg := &Message{
		To:      d.User.Email,
		Subject: d.subject(),
		HTML:    body,
	}
	if text, err := plainText(body); err != nil {
		s.logger.Warn("Failed to derive plain text body", "user_id", d.User.ID, "error", err)
	} else {
		msg.Text = text
	}

	s.logger.Info("Sending digest email",
		"to", msg.To,
		"subject", msg.Subject,
		"tag_groups", len(d.Tags),
		"general_ranks", len(d.General))

	if err := s.provider.Send(ctx, msg); err != nil {
		return fmt.Errorf("send digest to %s: %w", msg.To, err)
	}
	return nil
}

// SendReport sends the operator report, with the raw report attached as
// stats.json, to every operator. One operator failing does not stop the
// others.
func (s *Sender) SendReport(ctx context.Context, operators []string, r *Report) error {
	if len(operators) == 0 {
		s.logger.Info("No operators configured, report not mailed")
		return nil
	}

	raw, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	body := formatReportBody(r)
	text, err := plainText(body)
	if err != nil {
		s.logger.Warn("Failed to derive plain text report", "error", err)
	}

	failures := batch.Collect(operators, func(to string) string { return to }, func(to string) error {
		return s.provider.Send(ctx, &Message{
			To:      to,
			Subject: r.subject(),
			HTML:    body,
			Text:    text,
			Attachments: []Attachment{{
				Filename:    "stats.json",
				ContentType: "application/json",
				Data:        raw,
			}},
		})
	})
	for _, f := range failures {
		s.logger.Warn("Failed to send report", "to", f.Item, "error", f.Err)
	}
	return batch.Join(failures)
}
