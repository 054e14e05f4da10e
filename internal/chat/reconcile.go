package chat

import (
	"time"

	"github.com/tradepost/marketchat/internal/models"
)

// MatchWindow is the maximum distance between the createdAt of a provisional
// message and its server-confirmed twin.
const MatchWindow = 30 * time.Second

// Reconcile decides whether incoming is the authoritative twin of one of the
// pending provisional messages and returns the id of the one it replaces.
//
// When the server echoes the client id the match is exact and nothing else
// is consulted; a failed entry is claimed too, since the echo means the
// server accepted it after all. Otherwise a candidate must have the same sender and message
// type, identical text (images only compare sender and type) and a createdAt
// within MatchWindow of incoming. The earliest candidate in list order wins.
func Reconcile(pending []models.Message, incoming models.Message) (string, bool) {
	if incoming.ClientID != "" {
		for _, p := range pending {
			if p.ID == incoming.ClientID {
				return p.ID, true
			}
		}
		return "", false
	}

	for _, p := range pending {
		if !p.IsProvisional() || p.Status == models.StatusFailed {
			continue
		}
		if p.Sender.ID != incoming.Sender.ID || p.MessageType != incoming.MessageType {
			continue
		}
		if p.MessageType != models.MessageImage && p.Text != incoming.Text {
			continue
		}
		if absDuration(incoming.CreatedAt.Sub(p.CreatedAt)) > MatchWindow {
			continue
		}
		return p.ID, true
	}
	return "", false
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
