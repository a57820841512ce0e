// Package email sends the per-run summary mail that closes every ingestion
// run. The notifier is optional: without complete SMTP settings it stays
// silent and the run reports only through logs.
package email

import (
	"bytes"
	"fmt"
	"html/template"
	"log/slog"
	"net/smtp"
	"strings"

	"github.com/google/uuid"

	"storyproc/internal/config"
	"storyproc/internal/core"
	"storyproc/internal/logger"
)

// sendFunc matches smtp.SendMail so tests can capture outgoing mail.
type sendFunc func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error

// Notifier mails run summaries to the configured recipients. SendMail
// negotiates STARTTLS when the server offers it.
type Notifier struct {
	smtp       config.SMTPConfig
	recipients []string
	log        *slog.Logger
	send       sendFunc
}

// NewNotifier builds a notifier from the email configuration. It is enabled
// only when every SMTP field and at least one recipient are set.
func NewNotifier(cfg config.Email) *Notifier {
	return &Notifier{
		smtp:       cfg.SMTP,
		recipients: cfg.Recipients(),
		log:        logger.Get(),
		send:       smtp.SendMail,
	}
}

// Enabled reports whether the notifier has everything it needs to send.
func (n *Notifier) Enabled() bool {
	s := n.smtp
	return s.Address != "" && s.UserName != "" && s.Password != "" &&
		s.FromAddress != "" && len(n.recipients) > 0
}

// SendRunSummary mails one per-run report to every recipient. A disabled
// notifier is a no-op so entrypoints can call it unconditionally.
func (n *Notifier) SendRunSummary(summary *core.RunSummary) error {
	if !n.Enabled() {
		n.log.Debug("Email notifier not configured, skipping run summary")
		return nil
	}

	subject := Subject(summary)
	plain := PlainBody(summary)
	html, err := HTMLBody(summary)
	if err != nil {
		return fmt.Errorf("render summary email: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", n.smtp.Address, n.smtp.Port)
	auth := smtp.PlainAuth("", n.smtp.UserName, n.smtp.Password, n.smtp.Address)
	if err := n.send(addr, auth, n.smtp.FromAddress, n.recipients, n.message(subject, plain, html)); err != nil {
		return fmt.Errorf("send summary email: %w", err)
	}
	n.log.Info("Sent run summary email",
		"source", summary.Source, "stories", summary.Stories, "recipients", len(n.recipients))
	return nil
}

// Subject renders the one-line mail subject for a run.
func Subject(summary *core.RunSummary) string {
	return fmt.Sprintf("Feminicide %s Update: %d stories (%d mins)",
		displayName(summary.Source), summary.Stories, int(summary.Duration.Minutes()))
}

// PlainBody renders the plain-text part, one line per project.
func PlainBody(summary *core.RunSummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Checking %d projects.\n\n", summary.ProjectCount)
	for _, p := range summary.Projects {
		fmt.Fprintf(&b, "Project %d - %s: %d stories%s\n", p.ProjectID, p.Title, p.Stories, projectNote(p))
	}
	if len(summary.Errors) > 0 {
		b.WriteString("\nRun errors:\n")
		for _, e := range summary.Errors {
			fmt.Fprintf(&b, "- %s\n", e)
		}
	}
	fmt.Fprintf(&b, "\nDone - pulled %d stories.\n\n", summary.Stories)
	fmt.Fprintf(&b, "(An automated email from your friendly neighborhood %s story processor)\n",
		displayName(summary.Source))
	return b.String()
}

var htmlTemplate = template.Must(template.New("summary").Parse(`<!DOCTYPE html>
<html>
<body style="font-family: system-ui, sans-serif; color: #1e293b;">
  <h2>{{.Display}} run: {{.Summary.Stories}} stories</h2>
  <p>Checking {{.Summary.ProjectCount}} projects.</p>
  <table cellpadding="6" cellspacing="0" border="0">
    <tr>
      <th align="left">Project</th>
      <th align="right">Stories</th>
      <th align="right">Pages</th>
      <th align="left">Notes</th>
    </tr>
    {{range .Summary.Projects}}
    <tr>
      <td>{{.ProjectID}} - {{.Title}}</td>
      <td align="right">{{.Stories}}</td>
      <td align="right">{{.Pages}}</td>
      <td>{{if .Err}}FAILED: {{.Err}}{{else if .NearCap}}suspiciously close to the per-run cap{{end}}</td>
    </tr>
    {{end}}
  </table>
  {{if .Summary.Errors}}
  <h3>Run errors</h3>
  <ul>{{range .Summary.Errors}}<li>{{.}}</li>{{end}}</ul>
  {{end}}
  <p>Done - pulled {{.Summary.Stories}} stories in {{.Minutes}} mins.</p>
  <p><em>(An automated email from your friendly neighborhood {{.Display}} story processor)</em></p>
</body>
</html>`))

// HTMLBody renders the HTML alternative of the run report.
func HTMLBody(summary *core.RunSummary) (string, error) {
	data := struct {
		Summary *core.RunSummary
		Display string
		Minutes int
	}{summary, displayName(summary.Source), int(summary.Duration.Minutes())}

	var buf bytes.Buffer
	if err := htmlTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// message assembles a multipart/alternative MIME message with a plain part
// first and the HTML part as the preferred alternative.
func (n *Notifier) message(subject, plain, html string) []byte {
	boundary := strings.ReplaceAll(uuid.NewString(), "-", "")
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", n.smtp.FromAddress)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(n.recipients, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&b, "Content-Type: multipart/alternative; boundary=%q\r\n\r\n", boundary)
	fmt.Fprintf(&b, "--%s\r\n", boundary)
	b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n\r\n")
	b.WriteString(plain)
	fmt.Fprintf(&b, "\r\n--%s\r\n", boundary)
	b.WriteString("Content-Type: text/html; charset=\"utf-8\"\r\n\r\n")
	b.WriteString(html)
	fmt.Fprintf(&b, "\r\n--%s--\r\n", boundary)
	return b.Bytes()
}

func projectNote(p core.ProjectSummary) string {
	switch {
	case p.Err != "":
		return fmt.Sprintf(" (FAILED: %s)", p.Err)
	case p.NearCap:
		return " (WARNING: suspiciously close to the per-run cap)"
	}
	return ""
}

// displayName turns a source slug into the human name used in mail copy,
// e.g. "media-cloud" becomes "Media Cloud".
func displayName(source string) string {
	words := strings.Split(source, "-")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
