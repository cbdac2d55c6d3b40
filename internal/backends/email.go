package backends

import (
	"fmt"
	"net/smtp"
	"strings"
)

// EmailBackend delivers notifications over SMTP
type EmailBackend struct {
	host     string
	port     int
	from     string
	username string
	password string
}

// NewEmailBackend creates an SMTP backend. Username may be empty for
// unauthenticated relays.
func NewEmailBackend(host string, port int, from, username, password string) *EmailBackend {
	return &EmailBackend{host: host, port: port, from: from, username: username, password: password}
}

func (b *EmailBackend) ID() string {
	return "email"
}

func (b *EmailBackend) Send(msg *Message) error {
	if msg.User.Email == "" {
		return fmt.Errorf("user %s has no email address", msg.User.Username)
	}

	subject := msg.Title
	if msg.Important {
		subject = "[IMPORTANT] " + subject
	}

	var body strings.Builder
	body.WriteString(fmt.Sprintf("From: %s\r\n", b.from))
	body.WriteString(fmt.Sprintf("To: %s\r\n", msg.User.Email))
	body.WriteString(fmt.Sprintf("Subject: %s\r\n", subject))
	body.WriteString("\r\n")
	body.WriteString(msg.Body)
	body.WriteString("\r\n")

	addr := fmt.Sprintf("%s:%d", b.host, b.port)
	var auth smtp.Auth
	if b.username != "" {
		auth = smtp.PlainAuth("", b.username, b.password, b.host)
	}

	if err := smtp.SendMail(addr, auth, b.from, []string{msg.User.Email}, []byte(body.String())); err != nil {
		return fmt.Errorf("failed to send email to %s: %w", msg.User.Email, err)
	}
	return nil
}
