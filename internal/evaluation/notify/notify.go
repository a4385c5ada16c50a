package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	appErr "codalab/pkg/errors"
	"codalab/pkg/utils/logger"

	"github.com/wneessen/go-mail"
	"go.uber.org/zap"
	"golang.org/x/net/html"
)

// Message is one email. HTML bodies are sent with a plain text alternative.
type Message struct {
	From    string
	To      []string
	Subject string
	Body    string
	HTML    bool
}

// Sender delivers email.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SMTPConfig configures the SMTP relay.
type SMTPConfig struct {
	Host     string        `yaml:"host"`
	Port     int           `yaml:"port"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	From     string        `yaml:"from"`
	Timeout  time.Duration `yaml:"timeout"`
}

// SMTPSender sends mail through an SMTP relay.
type SMTPSender struct {
	from string
	send func(ctx context.Context, msgs ...*mail.Msg) error
	now  func() time.Time
}

// NewSMTPSender creates an SMTP sender. The relay is dialed per send, bounded
// by the caller's context and the configured timeout.
func NewSMTPSender(cfg SMTPConfig) (*SMTPSender, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("smtp host is required")
	}
	if cfg.Port <= 0 {
		cfg.Port = 25
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	opts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithTimeout(cfg.Timeout),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password))
	}
	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("create smtp client: %w", err)
	}
	return &SMTPSender{from: cfg.From, send: client.DialAndSendWithContext, now: time.Now}, nil
}

func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	if msg.From == "" {
		msg.From = s.from
	}
	if len(msg.To) == 0 {
		return appErr.ValidationError("to", "required")
	}
	m, err := buildMessage(msg, s.now())
	if err != nil {
		return err
	}
	if err := s.send(ctx, m); err != nil {
		return appErr.Wrapf(err, appErr.NotificationFailed, "send mail to %s failed", strings.Join(msg.To, ","))
	}
	logger.Info(ctx, "mail sent", zap.Strings("to", msg.To), zap.String("subject", msg.Subject))
	return nil
}

func buildMessage(msg Message, now time.Time) (*mail.Msg, error) {
	m := mail.NewMsg(mail.WithEncoding(mail.EncodingQP))
	if err := m.From(msg.From); err != nil {
		return nil, appErr.Wrapf(err, appErr.InvalidValue, "invalid sender %q", msg.From)
	}
	if err := m.To(msg.To...); err != nil {
		return nil, appErr.Wrapf(err, appErr.InvalidValue, "invalid recipient in %q", strings.Join(msg.To, ","))
	}
	m.Subject(msg.Subject)
	m.SetDateWithValue(now)
	m.SetMessageID()

	if !msg.HTML {
		m.SetBodyString(mail.TypeTextPlain, msg.Body)
		return m, nil
	}
	m.SetBodyString(mail.TypeTextPlain, plainText(msg.Body))
	m.AddAlternativeString(mail.TypeTextHTML, msg.Body)
	return m, nil
}

// plainText renders the readable text of an HTML body.
func plainText(body string) string {
	z := html.NewTokenizer(strings.NewReader(body))
	var b strings.Builder
	hidden := 0
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			return strings.TrimSpace(b.String())
		case html.TextToken:
			if hidden == 0 {
				b.Write(z.Text())
			}
		case html.StartTagToken, html.EndTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style":
				if tt == html.StartTagToken {
					hidden++
				} else if tt == html.EndTagToken && hidden > 0 {
					hidden--
				}
			case "br", "p", "div", "li", "tr", "h1", "h2", "h3":
				if tt != html.StartTagToken || string(name) == "br" {
					b.WriteByte('\n')
				}
			}
		}
	}
}

// LogSender only logs messages. Used when no relay is configured.
type LogSender struct{}

func (LogSender) Send(ctx context.Context, msg Message) error {
	logger.Info(ctx, "mail delivery disabled, dropping message",
		zap.Strings("to", msg.To), zap.String("subject", msg.Subject))
	return nil
}

var (
	_ Sender = (*SMTPSender)(nil)
	_ Sender = LogSender{}
)
