package email

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/mail"
	"strings"
	"sync/atomic"
	"testing"
)

func TestSanitizeEmailHeader(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"user@example.com", "user@example.com"},
		{"user@example.com\r\nBcc: evil@example.com", "user@example.comBcc: evil@example.com"},
		{"Boletín\tnormativo", "Boletínnormativo"},
	}
	for _, tt := range tests {
		if got := sanitizeEmailHeader(tt.in); got != tt.want {
			t.Errorf("sanitizeEmailHeader(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestBuildMIME(t *testing.T) {
	raw, err := buildMIME(&Message{
		To:      "ana@example.com\nBcc: x@example.com",
		Subject: "Boletín normativo",
		HTML:    "<p>Hola</p>",
		Text:    "Hola",
		Attachments: []Attachment{{
			Filename:    "stats.json",
			ContentType: "application/json",
			Data:        bytes.Repeat([]byte(`{"k":1}`), 40),
		}},
	})
	if err != nil {
		t.Fatalf("buildMIME() error = %v", err)
	}

	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	if got := msg.Header.Get("To"); got != "ana@example.comBcc: x@example.com" {
		t.Errorf("To = %q, want sanitized single header", got)
	}
	if msg.Header.Get("Bcc") != "" {
		t.Error("Bcc header was injected")
	}
	subject, err := new(mime.WordDecoder).DecodeHeader(msg.Header.Get("Subject"))
	if err != nil || subject != "Boletín normativo" {
		t.Errorf("Subject = %q (%v), want Boletín normativo", subject, err)
	}

	mediaType, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/mixed" {
		t.Fatalf("Content-Type = %q, %v", mediaType, err)
	}
	mixed := multipart.NewReader(msg.Body, params["boundary"])

	altPart, err := mixed.NextPart()
	if err != nil {
		t.Fatal(err)
	}
	altType, altParams, err := mime.ParseMediaType(altPart.Header.Get("Content-Type"))
	if err != nil || altType != "multipart/alternative" {
		t.Fatalf("first part = %q, %v; want multipart/alternative", altType, err)
	}
	alt := multipart.NewReader(altPart, altParams["boundary"])
	var bodies []string
	for {
		p, err := alt.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		b, err := io.ReadAll(p)
		if err != nil {
			t.Fatal(err)
		}
		bodies = append(bodies, string(b))
	}
	if len(bodies) != 2 || bodies[0] != "Hola" || bodies[1] != "<p>Hola</p>" {
		t.Errorf("alternative bodies = %q, want text then html", bodies)
	}

	att, err := mixed.NextPart()
	if err != nil {
		t.Fatal(err)
	}
	if att.FileName() != "stats.json" {
		t.Errorf("attachment filename = %q, want stats.json", att.FileName())
	}
	encoded, err := io.ReadAll(att)
	if err != nil {
		t.Fatal(err)
	}
	for _, line := range strings.Split(strings.TrimSpace(string(encoded)), "\r\n") {
		if len(line) > 76 {
			t.Fatalf("base64 line longer than 76 characters: %d", len(line))
		}
	}
	data, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(string(encoded), "\r\n", ""))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, bytes.Repeat([]byte(`{"k":1}`), 40)) {
		t.Error("attachment content does not round-trip")
	}
}

func TestBrevoSend(t *testing.T) {
	var got brevoSendRequest
	var apiKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey = r.Header.Get("api-key")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	p := NewBrevoProvider("key-1", "boletin@example.com", "Boletín", testLogger())
	p.endpoint = srv.URL

	err := p.Send(context.Background(), &Message{
		To:          "ana@example.com",
		Subject:     "Informe",
		HTML:        "<p>x</p>",
		Text:        "x",
		Attachments: []Attachment{{Filename: "stats.json", Data: []byte("{}")}},
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if apiKey != "key-1" {
		t.Errorf("api-key header = %q, want key-1", apiKey)
	}
	if got.Sender.Email != "boletin@example.com" || len(got.To) != 1 || got.To[0].Email != "ana@example.com" {
		t.Errorf("request = %+v", got)
	}
	if got.Text != "x" {
		t.Errorf("textContent = %q, want x", got.Text)
	}
	if len(got.Attachments) != 1 || got.Attachments[0].Content != base64.StdEncoding.EncodeToString([]byte("{}")) {
		t.Errorf("attachments = %+v", got.Attachments)
	}
}

func TestBrevoClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	p := NewBrevoProvider("key", "from@example.com", "", testLogger())
	p.endpoint = srv.URL

	if err := p.Send(context.Background(), &Message{To: "a@example.com", Subject: "s", HTML: "h"}); err == nil {
		t.Fatal("Send() = nil error, want HTTP 400 failure")
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("server called %d times, want 1", n)
	}
}
