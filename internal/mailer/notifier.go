package mailer

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/diagnosis/counsel-portal/pkg/events"
	"github.com/diagnosis/counsel-portal/pkg/logger"
	"github.com/diagnosis/counsel-portal/pkg/metrics"
)

const (
	TemplateBookingConfirmation = "booking_confirmation"
	TemplateCartReminder        = "cart_reminder"
	TemplateLockoutNotice       = "lockout_notice"
	TemplateOrderReceipt        = "order_receipt"
)

var templates = template.Must(template.New("mail").Funcs(template.FuncMap{
	"money": FormatCents,
}).Parse(`
{{define "booking_confirmation"}}<p>Hello {{.Name}},</p>
<p>Your {{.MatterType}} with {{.Firm}} is confirmed for <b>{{.Date}}</b> from <b>{{.Start}}</b> to <b>{{.End}}</b>.</p>
<p>You can review your appointment in the <a href="{{.PortalURL}}">client portal</a>.</p>{{end}}
{{define "cart_reminder"}}<p>You left these documents in your cart:</p>
<ul>{{range .Items}}<li>{{.Title}} ({{money .PriceCents}})</li>{{end}}</ul>
<p><a href="{{.CartURL}}">Return to your cart</a> to finish checking out.</p>{{end}}
{{define "lockout_notice"}}<p>We temporarily locked sign-in for {{.Email}} after several failed attempts.</p>
<p>You can try again after {{.Until}}. If this wasn't you, please contact {{.Firm}}.</p>{{end}}
{{define "order_receipt"}}<p>Thank you for your purchase from {{.Firm}}.</p>
<p>Total charged: <b>{{money .AmountCents}}</b>{{if .XP}}. You earned <b>{{.XP}} XP</b>{{end}}.</p>
<p>Your documents are available in the <a href="{{.PortalURL}}">client portal</a>.</p>{{end}}
`))

// ReminderItem is one cart line shown in a reminder.
type ReminderItem struct {
	Title      string
	PriceCents int64
}

// Notifier renders and sends the portal's transactional emails.
type Notifier struct {
	sender    Sender
	firm      string
	publicURL string
	loc       *time.Location
	metrics   *metrics.Metrics
}

func NewNotifier(sender Sender, firm, publicURL string, loc *time.Location, m *metrics.Metrics) *Notifier {
	if loc == nil {
		loc = time.UTC
	}
	return &Notifier{sender: sender, firm: firm, publicURL: strings.TrimRight(publicURL, "/"), loc: loc, metrics: m}
}

func (n *Notifier) SendBookingConfirmation(ctx context.Context, evt events.BookingCreatedEvent) error {
	matter := strings.ReplaceAll(evt.MatterType, "_", " ")
	data := map[string]any{
		"Name":       evt.ClientName,
		"MatterType": matter,
		"Firm":       n.firm,
		"Date":       evt.Date,
		"Start":      evt.StartTime,
		"End":        evt.EndTime,
		"PortalURL":  n.publicURL + "/portal/bookings",
	}
	text := fmt.Sprintf("Hello %s,\n\nYour %s with %s is confirmed for %s from %s to %s.\n\nManage it at %s/portal/bookings",
		evt.ClientName, matter, n.firm, evt.Date, evt.StartTime, evt.EndTime, n.publicURL)
	return n.send(ctx, TemplateBookingConfirmation, evt.ClientEmail, evt.ClientName,
		fmt.Sprintf("Your appointment with %s is confirmed", n.firm), text, data)
}

func (n *Notifier) SendCartReminder(ctx context.Context, email string, items []ReminderItem, attempt int) error {
	var lines []string
	for _, it := range items {
		lines = append(lines, fmt.Sprintf("- %s (%s)", it.Title, FormatCents(it.PriceCents)))
	}
	cartURL := n.publicURL + "/store/cart"
	subject := "You left something in your cart"
	if attempt > 1 {
		subject = "Your documents are still waiting"
	}
	text := fmt.Sprintf("You left these documents in your cart:\n%s\n\nFinish checking out: %s", strings.Join(lines, "\n"), cartURL)
	return n.send(ctx, TemplateCartReminder, email, "", subject, text, map[string]any{
		"Items":   items,
		"CartURL": cartURL,
	})
}

func (n *Notifier) SendLockoutNotice(ctx context.Context, evt events.AccountLockedEvent) error {
	until := evt.LockedUntil.In(n.loc).Format("Jan 2, 2006 3:04 PM MST")
	text := fmt.Sprintf("We temporarily locked sign-in for %s after several failed attempts. You can try again after %s.", evt.Email, until)
	return n.send(ctx, TemplateLockoutNotice, evt.Email, "", "Sign-in temporarily locked", text, map[string]any{
		"Email": evt.Email,
		"Until": until,
		"Firm":  n.firm,
	})
}

func (n *Notifier) SendOrderReceipt(ctx context.Context, evt events.OrderPaidEvent) error {
	text := fmt.Sprintf("Thank you for your purchase from %s. Total charged: %s.", n.firm, FormatCents(evt.AmountCents))
	if evt.XPAwarded > 0 {
		text += fmt.Sprintf(" You earned %d XP.", evt.XPAwarded)
	}
	return n.send(ctx, TemplateOrderReceipt, evt.Email, "", "Your receipt from "+n.firm, text, map[string]any{
		"Firm":        n.firm,
		"AmountCents": evt.AmountCents,
		"XP":          evt.XPAwarded,
		"PortalURL":   n.publicURL + "/portal/documents",
	})
}

func (n *Notifier) send(ctx context.Context, tmpl, to, name, subject, text string, data any) error {
	var html bytes.Buffer
	if err := templates.ExecuteTemplate(&html, tmpl, data); err != nil {
		n.count(tmpl, "error")
		return fmt.Errorf("render %s: %w", tmpl, err)
	}

	id, err := n.sender.Send(ctx, Message{ToEmail: to, ToName: name, Subject: subject, Text: text, HTML: html.String()})
	if err != nil {
		n.count(tmpl, "error")
		return fmt.Errorf("send %s: %w", tmpl, err)
	}
	n.count(tmpl, "sent")
	logger.InfoContext(ctx, "email sent", "template", tmpl, "message_id", id)
	return nil
}

func (n *Notifier) count(tmpl, status string) {
	if n.metrics != nil {
		n.metrics.EmailsSent.WithLabelValues(tmpl, status).Inc()
	}
}

// FormatCents renders an amount as dollars.
func FormatCents(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s$%d.%02d", sign, cents/100, cents%100)
}
