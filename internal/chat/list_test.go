package chat

import (
	"testing"

	"github.com/tradepost/marketchat/internal/models"
)

func TestMessageList_KeepsInsertionOrder(t *testing.T) {
	var l messageList
	for _, id := range []string{"c", "a", "b"} {
		l.append(models.Message{ID: id})
	}

	if !l.replace("a", models.Message{ID: "a2"}) {
		t.Fatal("replace returned false for a known id")
	}
	if l.replace("missing", models.Message{ID: "x"}) {
		t.Error("replace returned true for an unknown id")
	}
	if !l.remove("c") {
		t.Fatal("remove returned false for a known id")
	}

	got := ids(l.snapshot())
	if len(got) != 2 || got[0] != "a2" || got[1] != "b" {
		t.Fatalf("unexpected order: %v", got)
	}
	if l.len() != 2 {
		t.Errorf("len = %d, want 2", l.len())
	}
}

func TestMessageList_SnapshotIsACopy(t *testing.T) {
	var l messageList
	l.append(models.Message{ID: "a", Text: "original"})

	snap := l.snapshot()
	snap[0].Text = "mutated"

	if m, _ := l.get("a"); m.Text != "original" {
		t.Errorf("snapshot aliases the list: %q", m.Text)
	}
}

func TestMessageList_LastSending(t *testing.T) {
	var l messageList
	l.append(models.Message{ID: "temp-1", Status: models.StatusSending})
	l.append(models.Message{ID: "temp-2", Status: models.StatusSending})
	l.append(models.Message{ID: "srv"})

	id, ok := l.lastSending()
	if !ok || id != "temp-2" {
		t.Fatalf("lastSending() = (%q, %v), want temp-2", id, ok)
	}

	l.setStatus("temp-2", models.StatusFailed)
	if id, _ := l.lastSending(); id != "temp-1" {
		t.Errorf("lastSending() = %q after failing temp-2, want temp-1", id)
	}
	if p := l.provisional(); len(p) != 2 || p[0].ID != "temp-1" || p[1].ID != "temp-2" {
		t.Errorf("provisional() = %v, want temp-1 and the failed temp-2", ids(p))
	}
}
