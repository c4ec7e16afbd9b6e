// Package notify hands confirmation requests to the outbound dispatcher. The
// core decides that a message must go out and with which token; delivery and
// delivery retries are the dispatcher's concern.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"net/url"
)

// Confirmation is everything the dispatcher needs to build and deliver one
// confirmation message.
type Confirmation struct {
	Address      string
	SiteID       string
	SubscriberID string
	Token        string
}

// Notifier accepts a confirmation request for delivery.
type Notifier interface {
	SendConfirmation(ctx context.Context, msg Confirmation) error
}

// ConfirmLink builds the link embedded in the outbound message.
func ConfirmLink(baseURL string, msg Confirmation) string {
	q := url.Values{}
	q.Set("subscriber_id", msg.SubscriberID)
	q.Set("site", msg.SiteID)
	q.Set("token", msg.Token)
	return baseURL + "?" + q.Encode()
}

// LogNotifier records confirmation requests instead of delivering them. Used
// in development and as the fallback when no SMTP relay is configured. The
// token itself is never logged.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) SendConfirmation(_ context.Context, msg Confirmation) error {
	n.logger.Info("confirmation requested",
		"site", msg.SiteID,
		"subscriber_id", msg.SubscriberID,
	)
	return nil
}

// SMTPConfig points at the outbound relay.
type SMTPConfig struct {
	Addr     string // host:port
	Host     string // for AUTH
	Username string
	Password string
	From     string
	// ConfirmBaseURL is the public confirm endpoint, e.g.
	// "https://api.juniper.camp/confirm".
	ConfirmBaseURL string
}

// SMTPNotifier relays confirmation mail through a single SMTP hop.
type SMTPNotifier struct {
	cfg SMTPConfig
}

func NewSMTPNotifier(cfg SMTPConfig) *SMTPNotifier {
	return &SMTPNotifier{cfg: cfg}
}

func (n *SMTPNotifier) SendConfirmation(_ context.Context, msg Confirmation) error {
	link := ConfirmLink(n.cfg.ConfirmBaseURL, msg)
	body := fmt.Sprintf(
		"To: %s\r\nFrom: %s\r\nSubject: Confirm your subscription to %s\r\n\r\n"+
			"Someone asked to subscribe this address to %s.\r\n\r\n"+
			"Confirm here: %s\r\n\r\nIf this wasn't you, ignore this message.\r\n",
		msg.Address, n.cfg.From, msg.SiteID, msg.SiteID, link)

	var auth smtp.Auth
	if n.cfg.Username != "" {
		auth = smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, n.cfg.Host)
	}
	if err := smtp.SendMail(n.cfg.Addr, auth, n.cfg.From, []string{msg.Address}, []byte(body)); err != nil {
		return fmt.Errorf("send confirmation: %w", err)
	}
	return nil
}
