package notify

import (
	"context"
	"fmt"
	"mime"
	"net/smtp"
	"strings"

	"github.com/dustin/go-humanize"
)

// SMTPConfig is the outbound mail relay.
type SMTPConfig struct {
	Host     string
	Port     int
	From     string
	Username string
	Password string
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Email mails terminal notifications to the request's notifyOnComplete list.
type Email struct {
	cfg  SMTPConfig
	auth smtp.Auth
	send sendFunc
}

// NewEmail creates an SMTP notifier. Auth is only used when a username is set.
func NewEmail(cfg SMTPConfig) *Email {
	e := &Email{cfg: cfg, send: smtp.SendMail}
	if cfg.Username != "" {
		e.auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	return e
}

func (e *Email) Notify(ctx context.Context, n Notification) error {
	if n.Kind != KindTerminal || len(n.Recipients) == 0 || n.Request == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", e.cfg.Host, e.cfg.Port)
	if err := e.send(addr, e.auth, e.cfg.From, n.Recipients, e.message(n)); err != nil {
		return fmt.Errorf("failed to send email for request %s: %w", n.Request.ID, err)
	}
	return nil
}

func (e *Email) message(n Notification) []byte {
	req := n.Request
	name := oneLine(req.ProjectName)
	if name == "" {
		name = oneLine(req.ProjectID)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", oneLine(e.cfg.From))
	fmt.Fprintf(&b, "To: %s\r\n", oneLine(strings.Join(n.Recipients, ", ")))
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", fmt.Sprintf("Project restore %s: %s", req.Status, name)))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	fmt.Fprintf(&b, "Restoration request %s for project %s finished with status %s.\r\n\r\n", req.ID, name, req.Status)
	fmt.Fprintf(&b, "Requested by: %s\r\n", oneLine(req.RequestedBy))
	fmt.Fprintf(&b, "Reason: %s\r\n", oneLine(req.Reason))
	if req.Estimates != nil {
		fmt.Fprintf(&b, "Assets: %d (%s)\r\n", req.Estimates.TotalAssets, humanize.IBytes(uint64(req.Estimates.TotalSizeBytes)))
		fmt.Fprintf(&b, "Estimated restore cost: $%.2f\r\n", req.Estimates.RestoreCost)
		fmt.Fprintf(&b, "Ongoing storage cost: $%.2f/month\r\n", req.Estimates.StorageCostPerMonth)
	}
	fmt.Fprintf(&b, "Restored: %d of %d assets (%.1f%%)\r\n", req.Progress.RestoredAssets, req.Progress.TotalAssets, req.Progress.PercentComplete)
	if req.Failure != nil {
		fmt.Fprintf(&b, "Failure: %s: %s\r\n", req.Failure.Kind, oneLine(req.Failure.Message))
	}
	if !req.ReArchiveAt.IsZero() {
		fmt.Fprintf(&b, "Assets will be re-archived on %s.\r\n", req.ReArchiveAt.Format("2006-01-02"))
	}
	return []byte(b.String())
}

// oneLine folds CR and LF into spaces so a value cannot start a new header or
// forge lines of the message.
func oneLine(s string) string {
	return strings.Join(strings.FieldsFunc(s, func(r rune) bool { return r == '\r' || r == '\n' }), " ")
}
