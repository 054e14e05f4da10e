package chat

import "github.com/tradepost/marketchat/internal/models"

// messageList is the ordered message sequence of the active chat. Order is
// insertion order (arrival or creation), never re-sorted by timestamp. It is
// not safe for concurrent use; the Engine serializes access.
type messageList struct {
	items []models.Message
}

func (l *messageList) len() int {
	return len(l.items)
}

// indexOf returns the position of the message with id, or -1.
func (l *messageList) indexOf(id string) int {
	for i := range l.items {
		if l.items[i].ID == id {
			return i
		}
	}
	return -1
}

func (l *messageList) get(id string) (models.Message, bool) {
	if i := l.indexOf(id); i >= 0 {
		return l.items[i], true
	}
	return models.Message{}, false
}

func (l *messageList) append(m models.Message) {
	l.items = append(l.items, m)
}

// replace swaps the message with id for m, keeping its position.
func (l *messageList) replace(id string, m models.Message) bool {
	i := l.indexOf(id)
	if i < 0 {
		return false
	}
	l.items[i] = m
	return true
}

func (l *messageList) remove(id string) bool {
	i := l.indexOf(id)
	if i < 0 {
		return false
	}
	l.items = append(l.items[:i], l.items[i+1:]...)
	return true
}

// setStatus updates the status of the message with id.
func (l *messageList) setStatus(id string, s models.MessageStatus) (models.Message, bool) {
	i := l.indexOf(id)
	if i < 0 {
		return models.Message{}, false
	}
	l.items[i].Status = s
	return l.items[i], true
}

// provisional returns every provisional message in list order, failed ones
// included. Reconcile decides which of them an incoming message may claim.
func (l *messageList) provisional() []models.Message {
	var out []models.Message
	for _, m := range l.items {
		if m.IsProvisional() {
			out = append(out, m)
		}
	}
	return out
}

// lastSending returns the id of the most recent message still sending.
func (l *messageList) lastSending() (string, bool) {
	for i := len(l.items) - 1; i >= 0; i-- {
		if l.items[i].Status == models.StatusSending {
			return l.items[i].ID, true
		}
	}
	return "", false
}

// markSeen sets Seen on every message for which match returns true.
func (l *messageList) markSeen(match func(models.Message) bool) int {
	n := 0
	for i := range l.items {
		if !l.items[i].Seen && match(l.items[i]) {
			l.items[i].Seen = true
			n++
		}
	}
	return n
}

// snapshot returns a copy safe to hand outside the engine lock.
func (l *messageList) snapshot() []models.Message {
	out := make([]models.Message, len(l.items))
	copy(out, l.items)
	return out
}

func (l *messageList) reset(items []models.Message) {
	l.items = items
}
