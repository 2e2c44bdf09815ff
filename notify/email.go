// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
)

// EmailSender delivers plain-text email to a list of recipients.
type EmailSender interface {
	Send(ctx context.Context, recipients []string, subject, body string) error
}

// SMTPSender sends mail through a single SMTP relay.
type SMTPSender struct {
	host string
	port int
	from string
	auth smtp.Auth

	// send is swappable for tests.
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTPSender creates a sender. Username may be empty for relays that do
// not require authentication.
func NewSMTPSender(host string, port int, from, username, password string) *SMTPSender {
	var auth smtp.Auth
	if username != "" {
		auth = smtp.PlainAuth("", username, password, host)
	}
	return &SMTPSender{
		host: host,
		port: port,
		from: from,
		auth: auth,
		send: smtp.SendMail,
	}
}

// Send delivers one message to all recipients.
func (s *SMTPSender) Send(ctx context.Context, recipients []string, subject, body string) error {
	if len(recipients) == 0 {
		return fmt.Errorf("no email recipients")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var msg strings.Builder
	msg.WriteString("From: " + s.from + "\r\n")
	msg.WriteString("To: " + strings.Join(recipients, ", ") + "\r\n")
	msg.WriteString("Subject: " + subject + "\r\n")
	msg.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(body)

	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	if err := s.send(addr, s.auth, s.from, recipients, []byte(msg.String())); err != nil {
		return fmt.Errorf("smtp delivery failed: %w", err)
	}
	return nil
}
