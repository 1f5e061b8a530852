package notifier

import (
	"context"
	"fmt"
	"html"
	"net/smtp"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/FACorreiaa/finance-ledger/internal/domain/alert/engine"
	"github.com/FACorreiaa/finance-ledger/internal/domain/common"
)

// SendFunc matches smtp.SendMail.
type SendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailConfig holds SMTP settings for the email channel.
type EmailConfig struct {
	Host          string
	Port          string
	Username      string
	Password      string
	From          string
	FromName      string
	To            []string
	RatePerMinute int
}

// EmailNotifier sends alert events as HTML mail.
type EmailNotifier struct {
	cfg     EmailConfig
	limiter *rate.Limiter
	send    SendFunc
}

// NewEmailNotifier creates an SMTP notifier throttled to RatePerMinute
// messages. send defaults to smtp.SendMail.
func NewEmailNotifier(cfg EmailConfig, send SendFunc) *EmailNotifier {
	if send == nil {
		send = smtp.SendMail
	}
	perMinute := cfg.RatePerMinute
	if perMinute <= 0 {
		perMinute = 30
	}
	if cfg.FromName == "" {
		cfg.FromName = "Ledger alerts"
	}
	return &EmailNotifier{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1),
		send:    send,
	}
}

func (n *EmailNotifier) Channel() engine.Channel { return engine.ChannelEmail }

// Enabled reports whether host, port and a recipient are set.
func (n *EmailNotifier) Enabled() bool {
	return n.cfg.Host != "" && n.cfg.Port != "" && len(n.cfg.To) > 0
}

// Send waits for the rate limiter, then mails the event.
func (n *EmailNotifier) Send(ctx context.Context, rule *engine.Rule, ev *engine.Event) error {
	if err := n.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("email rate limit: %w", err)
	}
	subject, body := renderEmail(rule, ev)
	return n.sendEmail(subject, body)
}

func renderEmail(rule *engine.Rule, ev *engine.Event) (string, string) {
	subject := fmt.Sprintf("[%s] %s alert", strings.ToUpper(string(ev.Priority)), rule.Kind)
	if ev.Kind == engine.EventSystemError {
		subject = fmt.Sprintf("[%s] alert rule %d could not be evaluated", strings.ToUpper(string(ev.Priority)), rule.ID)
	}

	title := rule.Description
	if title == "" {
		title = string(rule.Kind)
	}

	body := fmt.Sprintf(`
<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
</head>
<body style="font-family: Arial, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px;">
    <div style="background-color: #f8f9fa; border-radius: 10px; padding: 30px;">
        <h1 style="color: #4a5568; margin-bottom: 20px;">%s</h1>
        <p>%s</p>
        <table style="margin: 20px 0; font-size: 14px;">
            <tr><td style="color: #6b7280;">Observed</td><td>%s</td></tr>
            <tr><td style="color: #6b7280;">Reference</td><td>%s</td></tr>
            <tr><td style="color: #6b7280;">Period</td><td>%s</td></tr>
            <tr><td style="color: #6b7280;">Triggered</td><td>%s</td></tr>
        </table>
        <p style="margin-top: 30px; color: #6b7280; font-size: 12px;">Rule %d, event %d.</p>
    </div>
</body>
</html>
	`,
		html.EscapeString(title),
		html.EscapeString(ev.Message),
		common.FormatMoney(ev.ObservedValue),
		common.FormatMoney(rule.ReferenceValue),
		html.EscapeString(ev.PeriodKey),
		ev.TriggeredAt.UTC().Format(time.RFC1123),
		rule.ID, ev.ID,
	)
	return subject, body
}

func (n *EmailNotifier) sendEmail(subject, body string) error {
	auth := smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, n.cfg.Host)

	from := fmt.Sprintf("%s <%s>", n.cfg.FromName, n.cfg.From)

	message := []byte(fmt.Sprintf("From: %s\r\n"+
		"To: %s\r\n"+
		"Subject: %s\r\n"+
		"MIME-Version: 1.0\r\n"+
		"Content-Type: text/html; charset=UTF-8\r\n"+
		"\r\n"+
		"%s\r\n", from, strings.Join(n.cfg.To, ", "), subject, body))

	addr := fmt.Sprintf("%s:%s", n.cfg.Host, n.cfg.Port)
	if err := n.send(addr, auth, n.cfg.From, n.cfg.To, message); err != nil {
		return fmt.Errorf("send alert email: %w", err)
	}
	return nil
}
