package mailer

import (
	"context"

	"github.com/diagnosis/counsel-portal/pkg/config"
	"github.com/diagnosis/counsel-portal/pkg/logger"
)

type Message struct {
	ToEmail string
	ToName  string
	Subject string
	Text    string
	HTML    string
}

// Sender delivers one message and returns the provider's message id, if any.
type Sender interface {
	Send(ctx context.Context, msg Message) (string, error)
}

// NewSender picks the transport: console in dev mode, MailerSend when an API
// key is configured, SMTP otherwise.
func NewSender(cfg config.EmailConfig) Sender {
	switch {
	case cfg.DevMode:
		logger.Info("Email dev mode enabled, messages are logged only")
		return NewDevMailer()
	case cfg.MailerSendKey != "":
		return NewMailerSend(cfg.MailerSendKey, cfg.FromName, cfg.SMTPFrom)
	default:
		return NewSMTPMailer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPFrom, cfg.SMTPUser, cfg.SMTPPass, cfg.SMTPUseTLS)
	}
}
