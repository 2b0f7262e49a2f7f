package service

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strconv"

	"github.com/jordan-wright/email"
	"github.com/sitecontact/backend/internal/model"
)

// SMTPConfig holds the mail relay and addressing for SMTPNotifier.
type SMTPConfig struct {
	Host          string
	Port          int
	User          string
	Pass          string
	From          string
	To            string
	SubjectPrefix string
}

// SMTPNotifier mails the site owner a copy of each accepted submission.
type SMTPNotifier struct {
	cfg  SMTPConfig
	send func(e *email.Email, addr string, auth smtp.Auth) error
}

var _ Notifier = (*SMTPNotifier)(nil)

// NewSMTPNotifier returns nil when no relay host or recipient is configured.
func NewSMTPNotifier(cfg SMTPConfig) *SMTPNotifier {
	if cfg.Host == "" || cfg.To == "" {
		return nil
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.From == "" {
		cfg.From = cfg.User
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "[Contact]"
	}
	return &SMTPNotifier{
		cfg: cfg,
		send: func(e *email.Email, addr string, auth smtp.Auth) error {
			return e.Send(addr, auth)
		},
	}
}

// Notify implements Notifier. Replies go to the submitter.
func (n *SMTPNotifier) Notify(ctx context.Context, rec *model.ContactRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e := email.NewEmail()
	e.From = n.cfg.From
	e.To = []string{n.cfg.To}
	e.ReplyTo = []string{fmt.Sprintf("%s <%s>", rec.Name, rec.Email)}
	e.Subject = n.cfg.SubjectPrefix + " New message from " + rec.Name
	e.Text = []byte(fmt.Sprintf(
		"From: %s <%s>\nReceived: %s\n\n%s\n",
		rec.Name, rec.Email, rec.ReceivedAt.Format("2006-01-02 15:04:05 MST"), rec.Message,
	))

	var auth smtp.Auth
	if n.cfg.User != "" {
		auth = smtp.PlainAuth("", n.cfg.User, n.cfg.Pass, n.cfg.Host)
	}
	addr := net.JoinHostPort(n.cfg.Host, strconv.Itoa(n.cfg.Port))

	// email.Send は ctx を受け取らないので、期限切れの時点で待つのをやめる。
	// 送信自体はバックグラウンドで完了まで続く。
	done := make(chan error, 1)
	go func() { done <- n.send(e, addr, auth) }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("send contact notification: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("send contact notification: %w", ctx.Err())
	}
}
