package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/tradepost/marketchat/internal/models"
	"github.com/tradepost/marketchat/internal/offer"
)

var (
	styleSelf    = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true)
	stylePartner = lipgloss.NewStyle().Foreground(lipgloss.Color("213")).Bold(true)
	styleDim     = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	styleFailed  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	styleSystem  = lipgloss.NewStyle().Foreground(lipgloss.Color("220")).Italic(true)

	tierStyles = map[offer.Tier]lipgloss.Style{
		offer.TierNormal:  lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		offer.TierWarning: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		offer.TierUrgent:  lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
	}
)

// printer serialises output from the connection goroutine, the countdown
// goroutine and the input loop.
type printer struct {
	mu  sync.Mutex
	out io.Writer
}

func (p *printer) println(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, s)
}

func (p *printer) printf(format string, args ...interface{}) {
	p.println(fmt.Sprintf(format, args...))
}

func renderMessage(m models.Message, selfID string) string {
	var b strings.Builder
	b.WriteString(styleDim.Render(m.CreatedAt.Local().Format("15:04")))
	b.WriteByte(' ')

	name := m.Sender.DisplayName
	if name == "" {
		name = m.Sender.ID
	}
	if m.Sender.ID == selfID {
		b.WriteString(styleSelf.Render(name))
	} else {
		b.WriteString(stylePartner.Render(name))
	}
	b.WriteString(": ")

	switch m.MessageType {
	case models.MessageImage:
		b.WriteString(styleSystem.Render("[image]"))
		if m.Text != "" {
			b.WriteByte(' ')
			b.WriteString(m.Text)
		}
	case models.MessageOffer, models.MessageOfferAccepted, models.MessageOfferDeclined, models.MessageOfferExpired:
		b.WriteString(styleSystem.Render(offerLine(m)))
	default:
		b.WriteString(m.Text)
	}

	switch m.EffectiveStatus() {
	case models.StatusSending:
		b.WriteString(styleDim.Render(" (sending)"))
	case models.StatusFailed:
		b.WriteString(styleFailed.Render(" (failed, /retry " + m.ID + ")"))
	default:
		if m.Sender.ID == selfID && m.Seen {
			b.WriteString(styleDim.Render(" ✓✓"))
		}
	}
	return b.String()
}

func offerLine(m models.Message) string {
	if m.Offer == nil {
		return m.Text
	}
	o := m.Offer
	switch m.MessageType {
	case models.MessageOfferAccepted:
		return fmt.Sprintf("offer of $%.2f accepted", o.Amount)
	case models.MessageOfferDeclined:
		return fmt.Sprintf("offer of $%.2f declined", o.Amount)
	case models.MessageOfferExpired:
		return fmt.Sprintf("offer of $%.2f expired", o.Amount)
	}
	line := fmt.Sprintf("offers $%.2f (listed at $%.2f)", o.Amount, o.OriginalPrice)
	if o.Message != "" {
		line += ": " + o.Message
	}
	return line
}

func renderCountdown(r offer.Remaining) string {
	if r.Expired() {
		return styleFailed.Render("expired")
	}
	return tierStyles[offer.TierFor(r.Total)].Render(r.String() + " left")
}

func renderOffer(o models.Offer, r offer.Remaining) string {
	line := fmt.Sprintf("offer %s: $%.2f of $%.2f, %s", o.ID, o.Amount, o.OriginalPrice, o.Status)
	if o.Status == models.OfferPending {
		line += ", " + renderCountdown(r)
	}
	return line
}
