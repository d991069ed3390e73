package notify

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"text/template"

	"go.uber.org/zap"
)

// SMTPConfig holds mail transport settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// Template renders the subject and body of one notification kind.
type Template struct {
	Subject *template.Template
	Body    *template.Template
}

// MustTemplate parses subject and body text, panicking on error.
func MustTemplate(name, subject, body string) Template {
	return Template{
		Subject: template.Must(template.New(name + ".subject").Parse(subject)),
		Body:    template.Must(template.New(name + ".body").Parse(body)),
	}
}

// DefaultTemplates covers the built-in notification rules.
func DefaultTemplates() map[string]Template {
	return map[string]Template{
		"application_offered": MustTemplate("application_offered",
			"Offer for {{.title}}",
			"Dear {{.contact_name}},\n\nWe are pleased to offer you the position {{.title}} ({{.reference}}).\n{{if .notes}}\n{{.notes}}\n{{end}}"),
		"application_hired": MustTemplate("application_hired",
			"Welcome aboard: {{.title}}",
			"Dear {{.contact_name}},\n\nYour hiring for {{.title}} ({{.reference}}) is confirmed.\n"),
		"application_rejected": MustTemplate("application_rejected",
			"Your application for {{.title}}",
			"Dear {{.contact_name}},\n\nThank you for your interest in {{.title}}. We will not be moving forward with your application.\n"),
		"hiring_request_approved": MustTemplate("hiring_request_approved",
			"Hiring request approved: {{.title}}",
			"Hiring request {{.reference}} for {{.title}} was approved by {{.performed_by_name}}.\n"),
		"hiring_request_rejected": MustTemplate("hiring_request_rejected",
			"Hiring request rejected: {{.title}}",
			"Hiring request {{.reference}} for {{.title}} was rejected by {{.performed_by_name}}.\n{{if .notes}}\nReason: {{.notes}}\n{{end}}"),
	}
}

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPDispatcher delivers notifications as plain-text email.
type SMTPDispatcher struct {
	cfg       SMTPConfig
	templates map[string]Template
	logger    *zap.Logger
	sendMail  sendMailFunc
}

// NewSMTPDispatcher creates a mail dispatcher. Unknown template names fall
// back to a generic status message.
func NewSMTPDispatcher(cfg SMTPConfig, templates map[string]Template, logger *zap.Logger) *SMTPDispatcher {
	if templates == nil {
		templates = DefaultTemplates()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SMTPDispatcher{cfg: cfg, templates: templates, logger: logger, sendMail: smtp.SendMail}
}

var fallbackTemplate = MustTemplate("fallback",
	"Update on {{.title}}",
	"{{.entity_type}} {{.reference}} moved to {{.status}}.\n")

// Send renders the template and hands the message to the SMTP server.
func (d *SMTPDispatcher) Send(ctx context.Context, recipient, name string, data map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if recipient == "" || strings.ContainsAny(recipient, "\r\n") {
		return fmt.Errorf("invalid recipient %q", recipient)
	}

	tmpl, ok := d.templates[name]
	if !ok {
		d.logger.Debug("unknown notification template, using fallback", zap.String("template", name))
		tmpl = fallbackTemplate
	}

	msg, err := d.render(recipient, tmpl, data)
	if err != nil {
		return fmt.Errorf("render %s: %w", name, err)
	}

	var auth smtp.Auth
	if d.cfg.Username != "" {
		auth = smtp.PlainAuth("", d.cfg.Username, d.cfg.Password, d.cfg.Host)
	}
	addr := net.JoinHostPort(d.cfg.Host, strconv.Itoa(d.cfg.Port))
	if err := d.sendMail(addr, auth, d.cfg.From, []string{recipient}, msg); err != nil {
		return fmt.Errorf("send mail to %s: %w", recipient, err)
	}
	return nil
}

func (d *SMTPDispatcher) render(recipient string, tmpl Template, data map[string]any) ([]byte, error) {
	var subject, body bytes.Buffer
	if err := tmpl.Subject.Execute(&subject, data); err != nil {
		return nil, err
	}
	if err := tmpl.Body.Execute(&body, data); err != nil {
		return nil, err
	}

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", d.cfg.From)
	fmt.Fprintf(&msg, "To: %s\r\n", recipient)
	fmt.Fprintf(&msg, "Subject: %s\r\n", strings.ReplaceAll(subject.String(), "\n", " "))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	msg.Write(body.Bytes())
	return msg.Bytes(), nil
}
