package mailer

import (
	"context"

	auth "github.com/goliatone/go-auth-lifecycle"
)

// LogSender writes messages to the logger instead of delivering them.
// It is meant for development setups without a mail server.
type LogSender struct {
	logger auth.Logger
}

func NewLogSender(logger auth.Logger) *LogSender {
	return &LogSender{logger: auth.ResolveLogger("auth:mailer", nil, logger)}
}

// Deliver implements Sender.
func (s *LogSender) Deliver(_ context.Context, msg *Message) error {
	s.logger.Info("email",
		"to", msg.To,
		"template", string(msg.Template),
		"subject", msg.Subject,
	)
	s.logger.Debug("email body", "to", msg.To, "text", msg.Text)
	return nil
}
