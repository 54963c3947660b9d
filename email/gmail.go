package email

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/textproto"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/gmail/v1"
)

// GmailProvider sends emails via Gmail API.
type GmailProvider struct {
	service *gmail.Service
	logger  *slog.Logger
}

// NewGmailProvider creates a new Gmail email provider.
func NewGmailProvider(service *gmail.Service, logger *slog.Logger) *GmailProvider {
	return &GmailProvider{
		service: service,
		logger:  logger,
	}
}

// Send sends an email via Gmail API. The From address is set by Gmail from
// the authenticated account.
func (g *GmailProvider) Send(ctx context.Context, msg *Message) error {
	raw, err := buildMIME(msg)
	if err != nil {
		return fmt.Errorf("build message: %w", err)
	}
	encoded := base64.URLEncoding.EncodeToString(raw)
	to := sanitizeEmailHeader(msg.To)

	return retry.Do(
		func() error {
			g.logger.Info("Gmail API request starting",
				"method", "POST",
				"endpoint", "users.messages.send",
				"to", to,
				"subject", msg.Subject,
				"attachments", len(msg.Attachments))

			startTime := time.Now()
			_, err := g.service.Users.Messages.Send("me", &gmail.Message{
				Raw: encoded,
			}).Context(ctx).Do()
			duration := time.Since(startTime)

			if err != nil {
				g.logger.Warn("Gmail API send failed, will retry",
					"to", to,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}

			g.logger.Info("Gmail API request completed",
				"endpoint", "users.messages.send",
				"to", to,
				"duration_ms", duration.Milliseconds(),
				"status", "success")

			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			g.logger.Info("Retrying Gmail email send after error", "attempt", n, "error", err)
		}),
	)
}

// buildMIME assembles a multipart/mixed message holding a text and HTML
// alternative plus any attachments.
func buildMIME(msg *Message) ([]byte, error) {
	var alt bytes.Buffer
	altWriter := multipart.NewWriter(&alt)
	if msg.Text != "" {
		if err := writeQuotedPart(altWriter, "text/plain; charset=utf-8", msg.Text); err != nil {
			return nil, err
		}
	}
	if err := writeQuotedPart(altWriter, "text/html; charset=utf-8", msg.HTML); err != nil {
		return nil, err
	}
	if err := altWriter.Close(); err != nil {
		return nil, fmt.Errorf("close alternative part: %w", err)
	}

	var buf bytes.Buffer
	mixed := multipart.NewWriter(&buf)

	buf.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "To: %s\r\n", sanitizeEmailHeader(msg.To))
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", sanitizeEmailHeader(msg.Subject)))
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%s\r\n\r\n", mixed.Boundary())

	header := textproto.MIMEHeader{}
	header.Set("Content-Type", "multipart/alternative; boundary="+altWriter.Boundary())
	part, err := mixed.CreatePart(header)
	if err != nil {
		return nil, fmt.Errorf("create alternative part: %w", err)
	}
	if _, err := part.Write(alt.Bytes()); err != nil {
		return nil, fmt.Errorf("write alternative part: %w", err)
	}

	for _, a := range msg.Attachments {
		if err := writeAttachment(mixed, a); err != nil {
			return nil, err
		}
	}
	if err := mixed.Close(); err != nil {
		return nil, fmt.Errorf("close message: %w", err)
	}
	return buf.Bytes(), nil
}

func writeQuotedPart(w *multipart.Writer, contentType, body string) error {
	header := textproto.MIMEHeader{}
	header.Set("Content-Type", contentType)
	header.Set("Content-Transfer-Encoding", "quoted-printable")
	part, err := w.CreatePart(header)
	if err != nil {
		return fmt.Errorf("create %s part: %w", contentType, err)
	}
	qp := quotedprintable.NewWriter(part)
	if _, err := qp.Write([]byte(body)); err != nil {
		return fmt.Errorf("write %s part: %w", contentType, err)
	}
	return qp.Close()
}

func writeAttachment(w *multipart.Writer, a Attachment) error {
	contentType := a.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	name := sanitizeEmailHeader(a.Filename)

	header := textproto.MIMEHeader{}
	header.Set("Content-Type", mime.FormatMediaType(contentType, map[string]string{"name": name}))
	header.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	header.Set("Content-Transfer-Encoding", "base64")
	part, err := w.CreatePart(header)
	if err != nil {
		return fmt.Errorf("create attachment %s: %w", name, err)
	}

	encoded := base64.StdEncoding.EncodeToString(a.Data)
	for len(encoded) > 76 {
		if _, err := fmt.Fprintf(part, "%s\r\n", encoded[:76]); err != nil {
			return fmt.Errorf("write attachment %s: %w", name, err)
		}
		encoded = encoded[76:]
	}
	if _, err := fmt.Fprintf(part, "%s\r\n", encoded); err != nil {
		return fmt.Errorf("write attachment %s: %w", name, err)
	}
	return nil
}
