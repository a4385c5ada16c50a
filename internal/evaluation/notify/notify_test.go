package notify

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	appErr "codalab/pkg/errors"

	"github.com/wneessen/go-mail"
)

func render(t *testing.T, m *mail.Msg) string {
	t.Helper()
	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		t.Fatalf("write message failed: %v", err)
	}
	return buf.String()
}

func TestBuildPlainMessage(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	m, err := buildMessage(Message{
		From:    "noreply@codalab.org",
		To:      []string{"alice@example.com"},
		Subject: "Submission has finished successfully!",
		Body:    "line one\nline two",
	}, now)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	data := render(t, m)

	for _, want := range []string{
		"noreply@codalab.org",
		"alice@example.com",
		"Subject: Submission has finished successfully!",
		"text/plain",
		"Content-Transfer-Encoding: quoted-printable",
		"line one",
	} {
		if !strings.Contains(data, want) {
			t.Fatalf("message missing %q:\n%s", want, data)
		}
	}
	if strings.Contains(data, "multipart/alternative") {
		t.Fatalf("plain message must not be multipart:\n%s", data)
	}
}

func TestBuildHTMLMessageHasTextAlternative(t *testing.T) {
	m, err := buildMessage(Message{
		From:    "noreply@codalab.org",
		To:      []string{"bob@example.com"},
		Subject: "News",
		Body:    "<h1>Phase 2 opens</h1><style>h1 {}</style><p>See <b>you</b> there</p>",
		HTML:    true,
	}, time.Now())
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	data := render(t, m)

	for _, want := range []string{"multipart/alternative", "text/plain", "text/html", "<b>you</b>", "See you there"} {
		if !strings.Contains(data, want) {
			t.Fatalf("message missing %q:\n%s", want, data)
		}
	}
}

func TestPlainText(t *testing.T) {
	got := plainText("<p>Hello &amp; welcome</p><script>alert(1)</script>line<br/>break")
	if got != "Hello & welcome\nline\nbreak" {
		t.Fatalf("plainText = %q", got)
	}
}

func TestSMTPSenderSend(t *testing.T) {
	s, err := NewSMTPSender(SMTPConfig{Host: "smtp.local", Port: 2525, From: "noreply@codalab.org"})
	if err != nil {
		t.Fatalf("new sender failed: %v", err)
	}
	var sent []*mail.Msg
	s.send = func(ctx context.Context, msgs ...*mail.Msg) error {
		sent = append(sent, msgs...)
		return nil
	}

	if err := s.Send(context.Background(), Message{To: []string{"bob@example.com"}, Subject: "hi", Body: "x"}); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if len(sent) != 1 {
		t.Fatalf("expected one message, got %d", len(sent))
	}
	from, err := sent[0].GetSender(false)
	if err != nil || !strings.Contains(from, "noreply@codalab.org") {
		t.Fatalf("unexpected sender %q err=%v", from, err)
	}
	rcpts, err := sent[0].GetRecipients()
	if err != nil || len(rcpts) != 1 || rcpts[0] != "bob@example.com" {
		t.Fatalf("unexpected recipients %v err=%v", rcpts, err)
	}
}

func TestSMTPSenderErrors(t *testing.T) {
	s, err := NewSMTPSender(SMTPConfig{Host: "smtp.local", From: "noreply@codalab.org"})
	if err != nil {
		t.Fatalf("new sender failed: %v", err)
	}
	s.send = func(ctx context.Context, msgs ...*mail.Msg) error {
		return errors.New("connection refused")
	}

	if err := s.Send(context.Background(), Message{}); !appErr.Is(err, appErr.ValidationFailed) {
		t.Fatalf("expected ValidationFailed, got %v", err)
	}
	if err := s.Send(context.Background(), Message{To: []string{"not an address"}}); !appErr.Is(err, appErr.InvalidValue) {
		t.Fatalf("expected InvalidValue, got %v", err)
	}
	if err := s.Send(context.Background(), Message{To: []string{"bob@example.com"}}); !appErr.Is(err, appErr.NotificationFailed) {
		t.Fatalf("expected NotificationFailed, got %v", err)
	}
	if _, err := NewSMTPSender(SMTPConfig{}); err == nil {
		t.Fatalf("expected error without host")
	}
}
