// Package protocol defines the real-time message types exchanged between the
// marketplace chat client and server. All frames are JSON objects carrying a
// "type" discriminator; the rest of the payload is decoded into the concrete
// struct for that type.
package protocol

import (
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"

	"github.com/tradepost/marketchat/internal/models"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeJoinChat    = "join_chat"
	TypeLeaveChat   = "leave_chat"
	TypeSendMessage = "send_message"
	TypeTypingStart = "typing_start"
	TypeTypingStop  = "typing_stop"
	TypeMarkSeen    = "mark_seen"
	TypePing        = "ping"
)

// Server -> Client message types.
const (
	TypeNewMessage     = "new_message"
	TypeMessageUpdated = "message_updated"
	TypeUserTyping     = "user_typing"
	TypeMessagesSeen   = "messages_seen"
	TypeError          = "error"
	TypePong           = "pong"
)

// ---------------------------------------------------------------------------
// Envelope is used for the initial parse that extracts the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and peeks at the "type" field so
// that the payload can be decoded later into the appropriate struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	if !gjson.ValidBytes(data) {
		return errors.New("protocol: failed to unmarshal envelope: invalid JSON")
	}
	typ := gjson.GetBytes(data, "type")
	if typ.Type != gjson.String || typ.Str == "" {
		return errors.New(`protocol: missing or empty "type" field`)
	}

	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)
	e.Type = typ.Str
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// RoomMsg addresses a chat room. It is the payload of join_chat, leave_chat,
// typing_start, typing_stop and mark_seen.
type RoomMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chatId"`
	RoomID string `json:"roomId"`
}

// SendMessageMsg asks the server to persist and broadcast a chat message.
// ClientID carries the provisional id so a cooperating server can echo it.
type SendMessageMsg struct {
	Type        string             `json:"type"`
	ChatID      string             `json:"chatId"`
	RoomID      string             `json:"roomId"`
	Text        string             `json:"text"`
	MessageType models.MessageType `json:"messageType"`
	ImageURL    string             `json:"imageUrl,omitempty"`
	ClientID    string             `json:"clientId,omitempty"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// MessageEvent carries a full chat message. It is the payload of both
// new_message and message_updated.
type MessageEvent struct {
	Type string `json:"type"`
	models.Message
}

// UserTypingMsg relays a remote participant's typing indicator.
type UserTypingMsg struct {
	Type     string      `json:"type"`
	User     models.User `json:"user"`
	IsTyping bool        `json:"isTyping"`
}

// MessagesSeenMsg is sent when a participant has read the conversation.
type MessagesSeenMsg struct {
	Type   string `json:"type"`
	SeenBy string `json:"seenBy"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseServerMessage parses raw frame bytes into a typed server message. It
// returns the message type, the decoded struct and any parse error. Unknown
// or client-only types are rejected.
func ParseServerMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, errors.Wrap(err, "protocol: failed to parse message")
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeNewMessage, TypeMessageUpdated:
		var m MessageEvent
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeUserTyping:
		var m UserTypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessagesSeen:
		var m MessagesSeenMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeError:
		var m ErrorMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePong:
		var m PongMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, errors.Errorf("protocol: unknown server message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, errors.Wrapf(err, "protocol: failed to decode %q payload", env.Type)
	}
	return env.Type, msg, nil
}

// ParseClientMessage parses raw frame bytes into a typed client message. The
// client never receives these; servers and test doubles use it to inspect
// what the client emitted.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, errors.Wrap(err, "protocol: failed to parse message")
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeJoinChat, TypeLeaveChat, TypeTypingStart, TypeTypingStop, TypeMarkSeen:
		var m RoomMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, errors.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, errors.Wrapf(err, "protocol: failed to decode %q payload", env.Type)
	}
	return env.Type, msg, nil
}

// NewClientMessage creates the JSON bytes for an outbound message. The
// msgType is injected under the "type" key regardless of what the payload
// struct carries.
func NewClientMessage(msgType string, payload interface{}) ([]byte, error) {
	return withType(msgType, payload)
}

// NewServerMessage creates the JSON bytes for a server message. The client
// does not send these; test servers use it to script inbound traffic.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	return withType(msgType, payload)
}

func withType(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "protocol: failed to marshal payload")
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, errors.Wrap(err, "protocol: failed to unmarshal payload into map")
	}
	if m == nil {
		m = make(map[string]interface{})
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, "protocol: failed to marshal message")
	}
	return out, nil
}
