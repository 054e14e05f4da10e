package chat

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/tradepost/marketchat/internal/models"
	"github.com/tradepost/marketchat/internal/protocol"
	"github.com/tradepost/marketchat/internal/ws"
)

// ---------------------------------------------------------------------------
// Test: session state machine
// ---------------------------------------------------------------------------

func TestEngine_AtMostOneSession(t *testing.T) {
	e, h, _ := newTestEngine(t, true, testConfig())

	if e.State() != StateIdle {
		t.Fatalf("expected idle, got %s", e.State())
	}

	joins := []Session{{"a", "ra"}, {"b", "rb"}, {"a", "ra"}, {"c", "rc"}}
	for _, s := range joins {
		e.JoinChat(s.ChatID, s.RoomID)
		got, ok := e.Session()
		if !ok || got != s {
			t.Fatalf("after joining %v expected that session, got %v ok=%v", s, got, ok)
		}
		if e.State() != StateActive {
			t.Fatalf("expected active, got %s", e.State())
		}
	}

	if n := len(h.sent(protocol.TypeJoinChat)); n != len(joins) {
		t.Errorf("expected %d join emissions, got %d", len(joins), n)
	}
}

func TestEngine_JoinSameSessionIsNoop(t *testing.T) {
	e, h, _ := newTestEngine(t, true, testConfig())

	e.JoinChat("chat1", "room1")
	e.JoinChat("chat1", "room1")

	if n := len(h.sent(protocol.TypeJoinChat)); n != 1 {
		t.Fatalf("expected 1 join emission, got %d", n)
	}
}

func TestEngine_PendingJoinReplayedOnce(t *testing.T) {
	e, h, _ := newTestEngine(t, false, testConfig())

	e.JoinChat("A", "B")

	if e.State() != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", e.State())
	}
	if _, ok := e.Session(); !ok {
		t.Fatal("session should be set immediately even while disconnected")
	}
	if p, ok := e.PendingJoin(); !ok || p != (Session{"A", "B"}) {
		t.Fatalf("expected pending join {A B}, got %v ok=%v", p, ok)
	}
	if n := len(h.sent(protocol.TypeJoinChat)); n != 0 {
		t.Fatalf("join emitted while disconnected: %d", n)
	}

	h.connect()

	joins := h.sent(protocol.TypeJoinChat)
	if len(joins) != 1 {
		t.Fatalf("expected exactly one join after connect, got %d", len(joins))
	}
	if got := joins[0].(protocol.RoomMsg); got.ChatID != "A" || got.RoomID != "B" {
		t.Errorf("unexpected join payload: %+v", got)
	}
	if _, ok := e.PendingJoin(); ok {
		t.Error("pending join should be empty after replay")
	}
	if e.State() != StateActive {
		t.Errorf("expected active, got %s", e.State())
	}

	// A second connect must not replay again.
	h.connect()
	if n := len(h.sent(protocol.TypeJoinChat)); n != 1 {
		t.Errorf("expected still one join, got %d", n)
	}
}

func TestEngine_DisconnectRemembersSession(t *testing.T) {
	e, h, _ := newTestEngine(t, true, testConfig())
	e.JoinChat("chat1", "room1")

	h.disconnect(ws.ReasonTransportClose)

	if e.State() != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", e.State())
	}
	if s, ok := e.Session(); !ok || s.ChatID != "chat1" {
		t.Fatalf("session must survive a disconnect, got %v ok=%v", s, ok)
	}
	if _, ok := e.PendingJoin(); !ok {
		t.Fatal("expected the session to become the pending join")
	}

	h.connect()

	if n := len(h.sent(protocol.TypeJoinChat)); n != 2 {
		t.Fatalf("expected a rejoin after reconnect, got %d joins", n)
	}
	if e.State() != StateActive {
		t.Errorf("expected active, got %s", e.State())
	}
}

func TestEngine_LeaveChatClears(t *testing.T) {
	e, h, _ := newTestEngine(t, true, testConfig())
	e.JoinChat("chat1", "room1")
	h.Dispatch(protocol.TypeNewMessage, serverMessage("m1", alice, "hi", time.Now()))

	e.LeaveChat()

	if _, ok := e.Session(); ok {
		t.Error("expected no session after leave")
	}
	if n := len(e.Messages()); n != 0 {
		t.Errorf("expected empty message list, got %d", n)
	}
	leaves := h.sent(protocol.TypeLeaveChat)
	if len(leaves) != 1 || leaves[0].(protocol.RoomMsg).ChatID != "chat1" {
		t.Errorf("unexpected leave emissions: %v", leaves)
	}

	e.LeaveChat()
	if n := len(h.sent(protocol.TypeLeaveChat)); n != 1 {
		t.Errorf("leave without a session must be a no-op, got %d leaves", n)
	}
}

// ---------------------------------------------------------------------------
// Test: send path and reconciliation
// ---------------------------------------------------------------------------

func TestEngine_SendRoundTrip(t *testing.T) {
	e, h, _ := newTestEngine(t, true, testConfig())
	c := NewComposer(e, nil)
	e.JoinChat("chat1", "room1")

	sent, err := c.SendText("hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	payloads := h.sent(protocol.TypeSendMessage)
	if len(payloads) != 1 {
		t.Fatalf("expected one send_message, got %d", len(payloads))
	}
	got := payloads[0].(protocol.SendMessageMsg)
	want := protocol.SendMessageMsg{
		ChatID:      "chat1",
		RoomID:      "room1",
		Text:        "hello",
		MessageType: models.MessageText,
		ClientID:    sent.ID,
	}
	if got != want {
		t.Fatalf("unexpected payload:\n got %+v\nwant %+v", got, want)
	}

	msgs := e.Messages()
	if len(msgs) != 1 || !msgs[0].IsProvisional() || msgs[0].Status != models.StatusSending {
		t.Fatalf("expected one provisional sending message, got %+v", msgs)
	}

	// The server does not echo the client id; the heuristic must match.
	h.Dispatch(protocol.TypeNewMessage, serverMessage("srv-1", me, "hello", sent.CreatedAt.Add(2*time.Second)))

	msgs = e.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected exactly one message, got %v", ids(msgs))
	}
	if msgs[0].ID != "srv-1" || msgs[0].EffectiveStatus() != models.StatusSent {
		t.Errorf("expected confirmed srv-1, got %+v", msgs[0])
	}
}

func TestEngine_EchoedClientIDMatchesExactly(t *testing.T) {
	e, h, _ := newTestEngine(t, true, testConfig())
	c := NewComposer(e, nil)
	e.JoinChat("chat1", "room1")

	first, _ := c.SendText("same")
	second, _ := c.SendText("same")

	echo := serverMessage("srv-2", me, "same", time.Now())
	echo.ClientID = second.ID
	h.Dispatch(protocol.TypeNewMessage, echo)

	got := ids(e.Messages())
	if !reflect.DeepEqual(got, []string{first.ID, "srv-2"}) {
		t.Fatalf("expected the echoed id to replace the second message, got %v", got)
	}
}

func TestEngine_NonMatchAppends(t *testing.T) {
	e, h, _ := newTestEngine(t, true, testConfig())
	c := NewComposer(e, nil)
	e.JoinChat("chat1", "room1")

	sent, _ := c.SendText("hi")

	h.Dispatch(protocol.TypeNewMessage, serverMessage("srv-a", alice, "hi", sent.CreatedAt))
	h.Dispatch(protocol.TypeNewMessage, serverMessage("srv-b", me, "something else", sent.CreatedAt))

	got := ids(e.Messages())
	if !reflect.DeepEqual(got, []string{sent.ID, "srv-a", "srv-b"}) {
		t.Fatalf("expected both incoming messages appended, got %v", got)
	}
}

func TestEngine_DuplicateDeliveryReplacesByID(t *testing.T) {
	e, h, _ := newTestEngine(t, true, testConfig())
	e.JoinChat("chat1", "room1")

	now := time.Now()
	h.Dispatch(protocol.TypeNewMessage, serverMessage("m1", alice, "hi", now))
	h.Dispatch(protocol.TypeNewMessage, serverMessage("m1", alice, "hi", now))

	if n := len(e.Messages()); n != 1 {
		t.Fatalf("expected redelivery to be deduplicated, got %d", n)
	}
}

func TestEngine_DropsMessagesForOtherChats(t *testing.T) {
	e, h, _ := newTestEngine(t, true, testConfig())
	e.JoinChat("chat1", "room1")

	other := serverMessage("x1", alice, "wrong room", time.Now())
	other.ChatID = "chat2"
	h.Dispatch(protocol.TypeNewMessage, other)

	if n := len(e.Messages()); n != 0 {
		t.Fatalf("message for another chat leaked into the list: %d", n)
	}
}

func TestEngine_MessageUpdated(t *testing.T) {
	e, h, _ := newTestEngine(t, true, testConfig())
	e.JoinChat("chat1", "room1")

	now := time.Now()
	h.Dispatch(protocol.TypeNewMessage, serverMessage("o1", alice, "Offer: 80", now))
	h.Dispatch(protocol.TypeNewMessage, serverMessage("m2", alice, "after", now))

	updated := serverMessage("o1", alice, "Offer accepted", now)
	updated.MessageType = models.MessageOfferAccepted
	h.Dispatch(protocol.TypeMessageUpdated, updated)
	h.Dispatch(protocol.TypeMessageUpdated, serverMessage("unknown", alice, "ignored", now))

	msgs := e.Messages()
	if !reflect.DeepEqual(ids(msgs), []string{"o1", "m2"}) {
		t.Fatalf("update must replace in place, got %v", ids(msgs))
	}
	if msgs[0].MessageType != models.MessageOfferAccepted {
		t.Errorf("expected updated type, got %q", msgs[0].MessageType)
	}
}

func TestEngine_SendFailsLocally(t *testing.T) {
	t.Run("not connected", func(t *testing.T) {
		e, _, _ := newTestEngine(t, false, testConfig())
		e.JoinChat("chat1", "room1")

		err := e.SendMessage(Draft{Text: "hi"})
		if !errors.Is(err, ErrNotConnected) {
			t.Fatalf("expected ErrNotConnected, got %v", err)
		}
		if e.MessageErr() == nil {
			t.Error("expected a message-scoped error")
		}
		if e.Err() != nil {
			t.Errorf("session error must stay clear, got %v", e.Err())
		}
	})

	t.Run("no target", func(t *testing.T) {
		e, h, _ := newTestEngine(t, true, testConfig())

		err := e.SendMessage(Draft{Text: "hi"})
		if !errors.Is(err, ErrNoChatTarget) {
			t.Fatalf("expected ErrNoChatTarget, got %v", err)
		}
		if n := len(h.sent(protocol.TypeSendMessage)); n != 0 {
			t.Errorf("nothing should be emitted, got %d", n)
		}
	})

	t.Run("composer drops untransmitted draft", func(t *testing.T) {
		e, h, _ := newTestEngine(t, false, testConfig())
		c := NewComposer(e, nil)
		e.JoinChat("chat1", "room1")

		var seen []models.Message
		e.AddListener(func(m models.Message) { seen = append(seen, m) })

		_, err := c.SendText("hi")
		if !errors.Is(err, ErrNotConnected) {
			t.Fatalf("expected ErrNotConnected, got %v", err)
		}
		if n := len(e.Messages()); n != 0 {
			t.Fatalf("untransmitted draft must not stay in the list, got %v", ids(e.Messages()))
		}
		for _, m := range seen {
			if m.Status == models.StatusFailed {
				t.Errorf("no message may be marked failed without a server rejection: %+v", m)
			}
		}
		if !errors.Is(e.MessageErr(), ErrNotConnected) {
			t.Errorf("expected the message-scoped error to stay set, got %v", e.MessageErr())
		}

		h.connect()
		if _, err := c.SendText("hi"); err != nil {
			t.Fatalf("send after connect: %v", err)
		}
		if n := len(e.Messages()); n != 1 {
			t.Errorf("expected a single provisional entry, got %d", n)
		}
	})

	t.Run("empty draft", func(t *testing.T) {
		e, _, _ := newTestEngine(t, true, testConfig())
		c := NewComposer(e, nil)
		e.JoinChat("chat1", "room1")

		if _, err := c.SendText(""); !errors.Is(err, ErrEmptyMessage) {
			t.Fatalf("expected ErrEmptyMessage, got %v", err)
		}
		if n := len(e.Messages()); n != 0 {
			t.Errorf("invalid draft must not create a provisional, got %d", n)
		}
	})
}

func TestEngine_SendExecutesPendingJoin(t *testing.T) {
	e, h, _ := newTestEngine(t, true, testConfig())

	h.setEmitErr(errors.New("write timeout"))
	e.JoinChat("chat1", "room1")
	h.setEmitErr(nil)

	if _, ok := e.PendingJoin(); !ok {
		t.Fatal("expected a failed join to stay pending")
	}

	if err := e.SendMessage(Draft{Text: "hi"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	got := h.types()
	want := []string{protocol.TypeJoinChat, protocol.TypeSendMessage}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected join then send, got %v", got)
	}
	if _, ok := e.PendingJoin(); ok {
		t.Error("pending join should be consumed by the send")
	}
}

func TestEngine_ProvisionalSoftDowngrade(t *testing.T) {
	cfg := testConfig()
	cfg.ProvisionalTimeout = 20 * time.Millisecond
	e, h, _ := newTestEngine(t, true, cfg)
	c := NewComposer(e, nil)
	e.JoinChat("chat1", "room1")

	sent, _ := c.SendText("hello")

	eventually(t, "soft downgrade to sent", func() bool {
		m, ok := e.Message(sent.ID)
		return ok && m.Status == models.StatusSent
	})

	// A late echo still replaces the provisional entry instead of duplicating.
	h.Dispatch(protocol.TypeNewMessage, serverMessage("srv-late", me, "hello", sent.CreatedAt.Add(time.Second)))
	if got := ids(e.Messages()); !reflect.DeepEqual(got, []string{"srv-late"}) {
		t.Fatalf("expected late echo to reconcile, got %v", got)
	}
}

// ---------------------------------------------------------------------------
// Test: error classification
// ---------------------------------------------------------------------------

func TestEngine_ContentErrorFailsLastSendingAndRetry(t *testing.T) {
	e, h, _ := newTestEngine(t, true, testConfig())
	c := NewComposer(e, nil)
	e.JoinChat("chat1", "room1")

	first, _ := c.SendText("one")
	second, _ := c.SendText("two")

	h.Dispatch(protocol.TypeError, protocol.ErrorMsg{Message: "Invalid image format"})

	var cerr *ContentError
	if !errors.As(e.MessageErr(), &cerr) {
		t.Fatalf("expected a ContentError, got %v", e.MessageErr())
	}
	if e.Err() != nil {
		t.Errorf("content errors must not set the session error, got %v", e.Err())
	}
	if m, _ := e.Message(second.ID); m.Status != models.StatusFailed {
		t.Errorf("expected most recent sending message failed, got %q", m.Status)
	}
	if m, _ := e.Message(first.ID); m.Status != models.StatusSending {
		t.Errorf("earlier message must stay sending, got %q", m.Status)
	}

	if _, err := c.Retry(first.ID); !errors.Is(err, ErrNotFailed) {
		t.Errorf("expected ErrNotFailed for a sending message, got %v", err)
	}

	retried, err := c.Retry(second.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if _, ok := e.Message(second.ID); ok {
		t.Error("failed entry should be removed on retry")
	}
	if retried.ID == second.ID || retried.Text != "two" || retried.Status != models.StatusSending {
		t.Errorf("unexpected retried message: %+v", retried)
	}
	if got := ids(e.Messages()); !reflect.DeepEqual(got, []string{first.ID, retried.ID}) {
		t.Errorf("unexpected list after retry: %v", got)
	}
	if n := len(h.sent(protocol.TypeSendMessage)); n != 3 {
		t.Errorf("expected 3 send_message emissions, got %d", n)
	}
	if e.MessageErr() != nil {
		t.Errorf("retry should clear the message error, got %v", e.MessageErr())
	}
}

func TestEngine_EchoedClientIDReplacesFailedEntry(t *testing.T) {
	e, h, _ := newTestEngine(t, true, testConfig())
	c := NewComposer(e, nil)
	e.JoinChat("chat1", "room1")

	first, _ := c.SendText("one")
	second, _ := c.SendText("two")

	// The rejection lands on the most recent sending entry even though the
	// server goes on to accept it.
	h.Dispatch(protocol.TypeError, protocol.ErrorMsg{Message: "Invalid content"})
	if m, _ := e.Message(second.ID); m.Status != models.StatusFailed {
		t.Fatalf("expected %s failed, got %q", second.ID, m.Status)
	}

	ev := serverMessage("srv-2", me, "two", second.CreatedAt)
	ev.ClientID = second.ID
	h.Dispatch(protocol.TypeNewMessage, ev)

	msgs := e.Messages()
	if got := ids(msgs); !reflect.DeepEqual(got, []string{first.ID, "srv-2"}) {
		t.Fatalf("unexpected list: %v", got)
	}
	count := 0
	for _, m := range msgs {
		if m.Text == "two" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("message %q appears %d times", "two", count)
	}
	if m, _ := e.Message("srv-2"); m.EffectiveStatus() != models.StatusSent {
		t.Errorf("confirmed message should read as sent, got %q", m.EffectiveStatus())
	}
}

func TestEngine_TransportErrorSetsSessionError(t *testing.T) {
	e, h, _ := newTestEngine(t, true, testConfig())
	c := NewComposer(e, nil)
	e.JoinChat("chat1", "room1")
	sent, _ := c.SendText("hello")

	h.Dispatch(protocol.TypeError, protocol.ErrorMsg{Message: "internal server hiccup"})

	if e.Err() == nil {
		t.Fatal("expected a session error")
	}
	if e.MessageErr() != nil {
		t.Errorf("transport errors must not set the message error, got %v", e.MessageErr())
	}
	if m, _ := e.Message(sent.ID); m.Status != models.StatusSending {
		t.Errorf("transport errors must not fail messages, got %q", m.Status)
	}

	h.connect()
	if e.Err() != nil {
		t.Errorf("connect should clear the session error, got %v", e.Err())
	}
}

func TestEngine_MessageErrorAutoClears(t *testing.T) {
	cfg := testConfig()
	cfg.MessageErrorTTL = 20 * time.Millisecond
	e, _, _ := newTestEngine(t, false, cfg)
	e.JoinChat("chat1", "room1")

	e.SendMessage(Draft{Text: "hi"})
	if e.MessageErr() == nil {
		t.Fatal("expected a message error")
	}
	eventually(t, "message error to clear", func() bool { return e.MessageErr() == nil })
}

func TestEngine_ConnectionErrors(t *testing.T) {
	e, h, _ := newTestEngine(t, false, testConfig())

	h.Dispatch(ws.EventConnectError, errors.New("dial tcp: refused"))
	if e.Err() == nil {
		t.Fatal("expected connect_error to set the session error")
	}

	h.Dispatch(ws.EventReconnectFailed, ws.ErrReconnectFailed)
	if !errors.Is(e.Err(), ErrConnectionLost) {
		t.Fatalf("expected ErrConnectionLost, got %v", e.Err())
	}
}

// ---------------------------------------------------------------------------
// Test: typing and seen receipts
// ---------------------------------------------------------------------------

func TestEngine_TypingDebounce(t *testing.T) {
	cfg := testConfig()
	cfg.TypingTimeout = 40 * time.Millisecond
	e, h, _ := newTestEngine(t, true, cfg)
	e.JoinChat("chat1", "room1")

	e.HandleTyping(true)
	time.Sleep(10 * time.Millisecond)
	e.HandleTyping(true)
	e.HandleTyping(true)

	if n := len(h.sent(protocol.TypeTypingStart)); n != 1 {
		t.Fatalf("expected one typing_start, got %d", n)
	}

	eventually(t, "typing_stop", func() bool { return len(h.sent(protocol.TypeTypingStop)) == 1 })

	time.Sleep(60 * time.Millisecond)
	if n := len(h.sent(protocol.TypeTypingStop)); n != 1 {
		t.Errorf("expected a single typing_stop, got %d", n)
	}

	e.HandleTyping(true)
	e.HandleTyping(false)
	if n := len(h.sent(protocol.TypeTypingStop)); n != 2 {
		t.Errorf("explicit stop should emit immediately, got %d stops", n)
	}
}

func TestEngine_RemoteTypingDecays(t *testing.T) {
	cfg := testConfig()
	cfg.RemoteTypingTimeout = 30 * time.Millisecond
	e, h, _ := newTestEngine(t, true, cfg)
	e.JoinChat("chat1", "room1")

	h.Dispatch(protocol.TypeUserTyping, protocol.UserTypingMsg{User: alice, IsTyping: true})
	h.Dispatch(protocol.TypeUserTyping, protocol.UserTypingMsg{User: me, IsTyping: true})

	users := e.TypingUsers()
	if len(users) != 1 || users[0].ID != alice.ID {
		t.Fatalf("expected alice typing, got %v", users)
	}

	eventually(t, "typing flag to decay", func() bool { return len(e.TypingUsers()) == 0 })

	h.Dispatch(protocol.TypeUserTyping, protocol.UserTypingMsg{User: alice, IsTyping: true})
	h.Dispatch(protocol.TypeNewMessage, serverMessage("m1", alice, "done typing", time.Now()))
	if n := len(e.TypingUsers()); n != 0 {
		t.Errorf("a message from the typist should clear the flag, got %d", n)
	}
}

func TestEngine_SeenReceipts(t *testing.T) {
	e, h, _ := newTestEngine(t, true, testConfig())
	c := NewComposer(e, nil)
	e.JoinChat("chat1", "room1")

	h.Dispatch(protocol.TypeNewMessage, serverMessage("in1", alice, "hi", time.Now()))
	mine, _ := c.SendText("hello")

	e.MarkSeen()
	if n := len(h.sent(protocol.TypeMarkSeen)); n != 1 {
		t.Fatalf("expected one mark_seen, got %d", n)
	}
	if m, _ := e.Message("in1"); !m.Seen {
		t.Error("incoming message should be seen after MarkSeen")
	}
	if m, _ := e.Message(mine.ID); m.Seen {
		t.Error("own message must not be marked seen by our own receipt")
	}

	h.Dispatch(protocol.TypeMessagesSeen, protocol.MessagesSeenMsg{SeenBy: alice.ID})
	if m, _ := e.Message(mine.ID); !m.Seen {
		t.Error("own message should be seen after the partner's receipt")
	}
}

// ---------------------------------------------------------------------------
// Test: handler lifecycle and listeners
// ---------------------------------------------------------------------------

func TestEngine_RestartDoesNotDuplicateHandlers(t *testing.T) {
	h := newFakeHandle(true)
	conn := &fakeConnector{h: h}
	e := NewEngine(conn, me, testConfig())

	for i := 0; i < 3; i++ {
		if err := e.Start(context.Background()); err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
	}
	for _, ev := range []string{protocol.TypeNewMessage, ws.EventConnect, ws.EventDisconnect} {
		if n := h.Count(ev); n != 1 {
			t.Errorf("expected 1 handler for %s, got %d", ev, n)
		}
	}
	if conn.acquired != 1 {
		t.Errorf("expected a single acquire, got %d", conn.acquired)
	}

	e.Close()
	e.Close()

	for _, ev := range []string{protocol.TypeNewMessage, protocol.TypeError, ws.EventConnect} {
		if n := h.Count(ev); n != 0 {
			t.Errorf("expected no handlers for %s after close, got %d", ev, n)
		}
	}
	if conn.released != 1 {
		t.Errorf("expected a single release, got %d", conn.released)
	}
}

func TestEngine_ListenersSeeEveryChange(t *testing.T) {
	e, h, _ := newTestEngine(t, true, testConfig())
	c := NewComposer(e, nil)
	e.JoinChat("chat1", "room1")

	var got []string
	remove := e.AddListener(func(m models.Message) {
		// Listeners run outside the engine lock and may call back in.
		_ = e.Messages()
		got = append(got, m.ID)
	})

	sent, _ := c.SendText("hello")
	h.Dispatch(protocol.TypeNewMessage, serverMessage("srv-1", me, "hello", sent.CreatedAt))

	remove()
	h.Dispatch(protocol.TypeNewMessage, serverMessage("srv-2", alice, "unseen", time.Now()))

	if !reflect.DeepEqual(got, []string{sent.ID, "srv-1"}) {
		t.Fatalf("unexpected listener deliveries: %v", got)
	}
}

// ---------------------------------------------------------------------------
// Test: room entry flow
// ---------------------------------------------------------------------------

func TestEngine_EnterChatMergesHistoryWithLive(t *testing.T) {
	hist := newFakeHistory()
	gate := make(chan struct{})
	now := time.Now()
	hist.pages["chat1"] = []models.Message{
		serverMessage("h1", alice, "old", now.Add(-time.Hour)).Message,
		serverMessage("h2", alice, "older live dup", now.Add(-time.Minute)).Message,
	}
	hist.gates["chat1"] = gate

	e, h, _ := newTestEngine(t, true, testConfig(), WithHistory(hist))

	done := make(chan error, 1)
	go func() { done <- e.EnterChat(context.Background(), "chat1", "room1") }()

	eventually(t, "join", func() bool { return len(h.sent(protocol.TypeJoinChat)) == 1 })

	// Live deltas race the history fetch.
	h.Dispatch(protocol.TypeNewMessage, serverMessage("h2", alice, "older live dup", now.Add(-time.Minute)))
	h.Dispatch(protocol.TypeNewMessage, serverMessage("live1", alice, "new", now))

	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("enter: %v", err)
	}

	if got := ids(e.Messages()); !reflect.DeepEqual(got, []string{"h1", "h2", "live1"}) {
		t.Fatalf("expected history first then live, deduplicated, got %v", got)
	}
}

func TestEngine_EnterChatDiscardsStaleSelection(t *testing.T) {
	hist := newFakeHistory()
	hist.pages["chatA"] = []models.Message{serverMessage("a1", alice, "from A", time.Now()).Message}
	hist.pages["chatB"] = []models.Message{serverMessage("b1", alice, "from B", time.Now()).Message}
	hist.gates["chatA"] = make(chan struct{})

	var loaded []string
	offers := LoaderFunc(func(ctx context.Context, chatID string) (func(), error) {
		return func() { loaded = append(loaded, chatID) }, nil
	})

	e, h, _ := newTestEngine(t, true, testConfig(), WithHistory(hist), WithLoaders(offers))

	first := make(chan error, 1)
	go func() { first <- e.EnterChat(context.Background(), "chatA", "roomA") }()
	eventually(t, "join A", func() bool { return len(h.sent(protocol.TypeJoinChat)) == 1 })

	if err := e.EnterChat(context.Background(), "chatB", "roomB"); err != nil {
		t.Fatalf("enter B: %v", err)
	}
	if err := <-first; !errors.Is(err, ErrStale) {
		t.Fatalf("expected the first entry to report ErrStale, got %v", err)
	}

	if got := ids(e.Messages()); !reflect.DeepEqual(got, []string{"b1"}) {
		t.Fatalf("stale history leaked into the list: %v", got)
	}
	if !reflect.DeepEqual(loaded, []string{"chatB"}) {
		t.Errorf("stale loader results applied: %v", loaded)
	}
	if leaves := h.sent(protocol.TypeLeaveChat); len(leaves) != 1 || leaves[0].(protocol.RoomMsg).ChatID != "chatA" {
		t.Errorf("expected a leave for chatA, got %v", leaves)
	}
}

func TestEngine_EnterChatWaitsJoinGrace(t *testing.T) {
	cfg := testConfig()
	cfg.JoinGrace = 60 * time.Millisecond
	e, h, _ := newTestEngine(t, true, cfg)

	e.JoinChat("chat1", "room1")
	start := time.Now()
	if err := e.EnterChat(context.Background(), "chat2", "room2"); err != nil {
		t.Fatalf("enter: %v", err)
	}
	if elapsed := time.Since(start); elapsed < cfg.JoinGrace {
		t.Errorf("join happened %v after leave, want >= %v", elapsed, cfg.JoinGrace)
	}

	got := h.types()
	want := []string{protocol.TypeJoinChat, protocol.TypeLeaveChat, protocol.TypeJoinChat}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("unexpected emission order: %v", got)
	}
}
