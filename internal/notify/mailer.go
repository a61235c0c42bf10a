package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Mailer is the outbound mail/paging collaborator. It only delivers;
// content is composed by the dispatcher.
type Mailer interface {
	Send(ctx context.Context, recipients []string, subject, bodyHTML, bodyText string) error
}

// SMTPConfig holds SMTP connection settings
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPMailer delivers notifications over SMTP
type SMTPMailer struct {
	config   SMTPConfig
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTPMailer creates an SMTP mailer
func NewSMTPMailer(config SMTPConfig) *SMTPMailer {
	return &SMTPMailer{config: config, sendMail: smtp.SendMail}
}

// Send delivers a multipart/alternative email
func (m *SMTPMailer) Send(ctx context.Context, recipients []string, subject, bodyHTML, bodyText string) error {
	if len(recipients) == 0 {
		return ErrNoRecipients
	}

	var auth smtp.Auth
	if m.config.Username != "" {
		auth = smtp.PlainAuth("", m.config.Username, m.config.Password, m.config.Host)
	}

	boundary := "crisis-" + uuid.New().String()
	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", m.config.From)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(recipients, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	msg.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=%q\r\n\r\n", boundary)
	fmt.Fprintf(&msg, "--%s\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s\r\n", boundary, bodyText)
	fmt.Fprintf(&msg, "--%s\r\nContent-Type: text/html; charset=UTF-8\r\n\r\n%s\r\n", boundary, bodyHTML)
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)

	addr := fmt.Sprintf("%s:%d", m.config.Host, m.config.Port)

	// net/smtp has no context support; bound the wait instead
	done := make(chan error, 1)
	go func() {
		done <- m.sendMail(addr, auth, m.config.From, recipients, []byte(msg.String()))
	}()

	select {
	case err := <-done:
		var tpErr *textproto.Error
		if errors.As(err, &tpErr) && tpErr.Code >= 500 {
			return Permanent(err)
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Page is the JSON payload published for pager consumers
type Page struct {
	Recipients []string  `json:"recipients"`
	Subject    string    `json:"subject"`
	BodyText   string    `json:"bodyText"`
	BodyHTML   string    `json:"bodyHtml"`
	SentAt     time.Time `json:"sentAt"`
}

// NATSPager hands notifications to a paging gateway over JetStream
type NATSPager struct {
	js      nats.JetStreamContext
	subject string
}

// NewNATSPager creates a pager publishing to subject
func NewNATSPager(js nats.JetStreamContext, subject string) *NATSPager {
	return &NATSPager{js: js, subject: subject}
}

// Send publishes the page and waits for the stream acknowledgment
func (p *NATSPager) Send(ctx context.Context, recipients []string, subject, bodyHTML, bodyText string) error {
	if len(recipients) == 0 {
		return ErrNoRecipients
	}

	data, err := json.Marshal(Page{
		Recipients: recipients,
		Subject:    subject,
		BodyText:   bodyText,
		BodyHTML:   bodyHTML,
		SentAt:     time.Now().UTC(),
	})
	if err != nil {
		return Permanent(fmt.Errorf("failed to marshal page: %w", err))
	}

	if _, err := p.js.Publish(p.subject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish page: %w", err)
	}
	return nil
}

// LogMailer writes notifications to the log instead of delivering them
type LogMailer struct {
	logger *zap.Logger
}

// NewLogMailer creates a log-only mailer
func NewLogMailer(logger *zap.Logger) *LogMailer {
	return &LogMailer{logger: logger.Named("log-mailer")}
}

func (m *LogMailer) Send(ctx context.Context, recipients []string, subject, bodyHTML, bodyText string) error {
	if len(recipients) == 0 {
		return ErrNoRecipients
	}
	m.logger.Info("Notification",
		zap.Strings("recipients", recipients),
		zap.String("subject", subject),
		zap.String("body", bodyText))
	return nil
}
