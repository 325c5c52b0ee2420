package mailer

import (
	"context"
	"fmt"
	"time"

	"github.com/go-mail/mail/v2"
	goerrors "github.com/goliatone/go-errors"

	auth "github.com/goliatone/go-auth-lifecycle"
)

const (
	DefaultSMTPTimeout  = 30 * time.Second
	DefaultSMTPAttempts = 3
)

// SMTPConfig configures an SMTPSender.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Timeout  time.Duration
	Attempts int
}

// SMTPSender delivers messages through an SMTP server.
type SMTPSender struct {
	dialer   *mail.Dialer
	from     string
	attempts int
	backoff  time.Duration
	send     func(...*mail.Message) error
	logger   auth.Logger
}

func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	dialer := mail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	dialer.Timeout = cfg.Timeout
	if dialer.Timeout <= 0 {
		dialer.Timeout = DefaultSMTPTimeout
	}

	switch cfg.Port {
	case 587:
		dialer.StartTLSPolicy = mail.MandatoryStartTLS
	case 465:
		dialer.SSL = true
		dialer.StartTLSPolicy = mail.NoStartTLS
	default:
		dialer.StartTLSPolicy = mail.OpportunisticStartTLS
	}

	attempts := cfg.Attempts
	if attempts <= 0 {
		attempts = DefaultSMTPAttempts
	}

	return &SMTPSender{
		dialer:   dialer,
		from:     cfg.From,
		attempts: attempts,
		backoff:  time.Second,
		send:     dialer.DialAndSend,
		logger:   auth.ResolveLogger("auth:mailer:smtp", nil, nil),
	}
}

func (s *SMTPSender) WithLogger(logger auth.Logger) *SMTPSender {
	if logger != nil {
		s.logger = logger
	}
	return s
}

// Deliver implements Sender. Failed attempts are retried with a linear
// backoff until the attempts run out or ctx is done.
func (s *SMTPSender) Deliver(ctx context.Context, msg *Message) error {
	m := s.build(msg)

	var err error
	for attempt := 1; attempt <= s.attempts; attempt++ {
		if err = s.send(m); err == nil {
			return nil
		}

		s.logger.Warn("smtp delivery attempt failed",
			"attempt", attempt,
			"host", s.dialer.Host,
			"template", string(msg.Template),
			"error", err,
		)

		if attempt == s.attempts {
			break
		}

		select {
		case <-ctx.Done():
			return sendFailure(ctx.Err(), msg, attempt)
		case <-time.After(time.Duration(attempt) * s.backoff):
		}
	}
	return sendFailure(err, msg, s.attempts)
}

func (s *SMTPSender) build(msg *Message) *mail.Message {
	m := mail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/plain", msg.Text)
	if msg.HTML != "" {
		m.AddAlternative("text/html", msg.HTML)
	}
	return m
}

func sendFailure(err error, msg *Message, attempts int) error {
	return goerrors.Wrap(err, goerrors.CategoryOperation,
		fmt.Sprintf("failed to send email after %d attempts", attempts)).
		WithTextCode(auth.TextCodeTemplateOrDelivery).
		WithMetadata(map[string]any{
			"template": string(msg.Template),
			"attempts": attempts,
		})
}
