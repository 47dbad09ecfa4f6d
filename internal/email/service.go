// Package email sends account and review notifications via SMTP.
package email

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
)

const appName = "Ninaivalaigal"

var ErrNotConfigured = errors.New("email not configured")

// Config holds SMTP configuration
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

// SendFunc has the signature of smtp.SendMail.
type SendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Service provides email sending
type Service struct {
	config Config
	server string
	auth   smtp.Auth
	send   SendFunc
}

func NewService(config Config) *Service {
	return NewServiceWithSender(config, smtp.SendMail)
}

// NewServiceWithSender is NewService with a custom transport.
func NewServiceWithSender(config Config, send SendFunc) *Service {
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}
	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
		send:   send,
	}
}

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

func (s *Service) fromHeader() string {
	if s.config.FromName != "" {
		return fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}
	return s.config.From
}

// SendHTMLEmail sends a multipart message with a plain-text fallback.
func (s *Service) SendHTMLEmail(to []string, subject, textBody, htmlBody string) error {
	if !s.IsConfigured() {
		return ErrNotConfigured
	}
	if len(to) == 0 {
		return fmt.Errorf("email has no recipients")
	}

	boundary := "boundary-ninaivalaigal"
	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", s.fromHeader())
	fmt.Fprintf(&msg, "Subject: %s\r\n", sanitizeHeader(subject))
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n\r\n", boundary)

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	fmt.Fprintf(&msg, "%s\r\n\r\n", textBody)

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n\r\n")
	fmt.Fprintf(&msg, "%s\r\n\r\n", htmlBody)
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)

	return s.send(s.server, s.auth, s.config.From, to, msg.Bytes())
}

func sanitizeHeader(value string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(value)
}

// message is the data every template renders with.
type message struct {
	AppName    string
	UserName   string
	Heading    string
	Lines      []string
	ActionURL  string
	ActionText string
	Note       string
}

func (m message) text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Hi %s,\n\n", m.UserName)
	for _, line := range m.Lines {
		b.WriteString(line)
		b.WriteString("\n")
	}
	if m.ActionURL != "" {
		fmt.Fprintf(&b, "\n%s: %s\n", m.ActionText, m.ActionURL)
	}
	if m.Note != "" {
		fmt.Fprintf(&b, "\n%s\n", m.Note)
	}
	return b.String()
}

func (s *Service) deliver(to, subject string, m message) error {
	m.AppName = appName
	html, err := renderTemplate(m)
	if err != nil {
		return fmt.Errorf("render %q: %w", subject, err)
	}
	return s.SendHTMLEmail([]string{to}, subject, m.text(), html)
}

// SendVerificationEmail sends an email verification email
func (s *Service) SendVerificationEmail(to, userName, verificationURL string) error {
	return s.deliver(to, "Verify your "+appName+" account", message{
		UserName:   userName,
		Heading:    "Welcome to " + appName,
		Lines:      []string{"Please verify your email address to activate your account."},
		ActionURL:  verificationURL,
		ActionText: "Verify email address",
		Note:       "This verification link will expire in 24 hours.",
	})
}

// SendPasswordResetEmail sends a password reset email
func (s *Service) SendPasswordResetEmail(to, userName, resetURL string) error {
	return s.deliver(to, "Reset your "+appName+" password", message{
		UserName:   userName,
		Heading:    "Password reset request",
		Lines:      []string{"We received a request to reset your password."},
		ActionURL:  resetURL,
		ActionText: "Reset password",
		Note:       "This reset link will expire in 1 hour. If you didn't request it, your password will remain unchanged.",
	})
}

// ReviewOutcome describes a reviewer's decision on a submitted memory.
type ReviewOutcome struct {
	MemoryID     string
	Status       string
	ReviewerName string
	Comment      string
	MemoryURL    string
}

// SendReviewOutcomeEmail tells the submitter that their memory was approved
// or rejected.
func (s *Service) SendReviewOutcomeEmail(to, userName string, outcome ReviewOutcome) error {
	lines := []string{fmt.Sprintf("%s %s memory %s.", outcome.ReviewerName, outcome.Status, outcome.MemoryID)}
	if outcome.Comment != "" {
		lines = append(lines, "Comment: "+outcome.Comment)
	}
	return s.deliver(to, fmt.Sprintf("Your memory was %s", outcome.Status), message{
		UserName:   userName,
		Heading:    "Review " + outcome.Status,
		Lines:      lines,
		ActionURL:  outcome.MemoryURL,
		ActionText: "View memory",
	})
}

var layout = template.Must(template.New("email").Parse(layoutTemplate))

func renderTemplate(m message) (string, error) {
	var buf bytes.Buffer
	if err := layout.Execute(&buf, m); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const layoutTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.Heading}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #2f6f5e; padding-bottom: 10px; margin-bottom: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #2f6f5e; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
        .link { word-break: break-all; color: #2f6f5e; }
    </style>
</head>
<body>
    <div class="header"><h1>{{.AppName}}</h1></div>
    <h2>{{.Heading}}</h2>
    <p>Hi {{.UserName}},</p>
    {{range .Lines}}<p>{{.}}</p>
    {{end}}
    {{if .ActionURL}}
    <p><a href="{{.ActionURL}}" class="button">{{.ActionText}}</a></p>
    <p>Or copy and paste this link into your browser:</p>
    <p class="link">{{.ActionURL}}</p>
    {{end}}
    {{if .Note}}<div class="footer"><p>{{.Note}}</p></div>{{end}}
</body>
</html>`
