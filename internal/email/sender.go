// Package email delivers finished reports via SendGrid.
//
// Delivery is best-effort by policy: Send never returns an error, only a
// Result. The caller records the outcome on the run but a failed delivery
// does not fail the run.
package email

import (
	"context"
	"encoding/base64"
	"fmt"
	"html"
	"strings"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/finsightlabs/researchd/internal/config"
)

// Result is the delivery outcome.
type Result struct {
	Sent  bool   `json:"sent"`
	Error string `json:"error,omitempty"`
}

// Attachment is an optional file attached to the message.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// ArtifactLink is one presigned download link rendered into the body.
type ArtifactLink struct {
	Label string
	URL   string
}

// Sender sends report notifications.
type Sender struct {
	client *sendgrid.Client
	cfg    config.EmailConfig
}

// New creates a sender. An unset API key yields a sender that reports
// "not configured" instead of failing runs.
func New(cfg config.EmailConfig) *Sender {
	return &Sender{
		client: sendgrid.NewSendClient(cfg.APIKey.Value()),
		cfg:    cfg,
	}
}

// Send delivers the report notification to all recipients.
func (s *Sender) Send(ctx context.Context, recipients []string, title string, links []ArtifactLink, attachment *Attachment) *Result {
	to := cleanRecipients(recipients)
	if len(to) == 0 {
		return &Result{Sent: false, Error: "no recipients"}
	}
	if !s.cfg.APIKey.IsSet() || s.cfg.FromAddress == "" {
		return &Result{Sent: false, Error: "email sender not configured"}
	}

	message := mail.NewV3Mail()
	message.SetFrom(mail.NewEmail(s.cfg.FromName, s.cfg.FromAddress))
	message.Subject = fmt.Sprintf("[Research] %s", title)

	personalization := mail.NewPersonalization()
	for _, addr := range to {
		personalization.AddTos(mail.NewEmail("", addr))
	}
	message.AddPersonalizations(personalization)
	message.AddContent(mail.NewContent("text/html", BuildBody(title, links)))

	if attachment != nil && len(attachment.Content) > 0 {
		att := mail.NewAttachment()
		att.SetContent(base64.StdEncoding.EncodeToString(attachment.Content))
		att.SetType(attachment.ContentType)
		att.SetFilename(attachment.Filename)
		att.SetDisposition("attachment")
		message.AddAttachment(att)
	}

	resp, err := s.client.SendWithContext(ctx, message)
	if err != nil {
		return &Result{Sent: false, Error: fmt.Sprintf("sendgrid: %v", err)}
	}
	if resp.StatusCode >= 400 {
		return &Result{Sent: false, Error: fmt.Sprintf("sendgrid status %d", resp.StatusCode)}
	}
	return &Result{Sent: true}
}

// BuildBody renders the HTML notification body with the artifact links.
func BuildBody(title string, links []ArtifactLink) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<h2>%s</h2>\n", html.EscapeString(title))
	b.WriteString("<p>Your scheduled research report is ready.</p>\n<ul>\n")
	for _, link := range links {
		fmt.Fprintf(&b, "<li>%s: <a href=%q>download</a></li>\n",
			html.EscapeString(link.Label), link.URL)
	}
	b.WriteString("</ul>\n")
	return b.String()
}

func cleanRecipients(recipients []string) []string {
	var out []string
	for _, r := range recipients {
		r = strings.TrimSpace(r)
		if r != "" {
			out = append(out, r)
		}
	}
	return out
}
