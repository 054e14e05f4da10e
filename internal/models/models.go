// Package models defines the marketplace chat entities shared by the wire
// protocol, the HTTP collaborator and the client-side engines.
package models

import (
	"strings"
	"time"
)

// TempIDPrefix marks ids generated on the client for provisional messages.
const TempIDPrefix = "temp-"

// MessageType is the kind of content carried by a chat message.
type MessageType string

const (
	MessageText          MessageType = "text"
	MessageImage         MessageType = "image"
	MessageOffer         MessageType = "offer"
	MessageOfferAccepted MessageType = "offer_accepted"
	MessageOfferDeclined MessageType = "offer_declined"
	MessageOfferExpired  MessageType = "offer_expired"
)

// IsOffer reports whether the message belongs to the offer sub-protocol.
func (t MessageType) IsOffer() bool {
	switch t {
	case MessageOffer, MessageOfferAccepted, MessageOfferDeclined, MessageOfferExpired:
		return true
	}
	return false
}

// MessageStatus is the client-side delivery state of a message. Messages
// received from the server carry no status, which reads as StatusSent.
type MessageStatus string

const (
	StatusSending MessageStatus = "sending"
	StatusSent    MessageStatus = "sent"
	StatusFailed  MessageStatus = "failed"
)

// User is a chat participant as rendered next to a message.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// Message is a single entry of a chat conversation.
type Message struct {
	ID          string        `json:"id"`
	ChatID      string        `json:"chatId,omitempty"`
	ClientID    string        `json:"clientId,omitempty"` // echoed temp id, when the server supports it
	Text        string        `json:"text"`
	MessageType MessageType   `json:"messageType"`
	Sender      User          `json:"sender"`
	ImageURL    string        `json:"imageUrl,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
	Seen        bool          `json:"seen"`
	Status      MessageStatus `json:"status,omitempty"`
	Offer       *Offer        `json:"offer,omitempty"`
}

// IsProvisional reports whether the message was synthesized locally and has
// not been replaced by its server-confirmed twin yet.
func (m Message) IsProvisional() bool {
	return strings.HasPrefix(m.ID, TempIDPrefix)
}

// EffectiveStatus returns the status with the server default applied.
func (m Message) EffectiveStatus() MessageStatus {
	if m.Status == "" {
		return StatusSent
	}
	return m.Status
}

// OfferStatus is the negotiation state of an offer.
type OfferStatus string

const (
	OfferPending  OfferStatus = "pending"
	OfferAccepted OfferStatus = "accepted"
	OfferDeclined OfferStatus = "declined"
	OfferExpired  OfferStatus = "expired"
)

// IsTerminal reports whether no further transition is possible.
func (s OfferStatus) IsTerminal() bool {
	return s == OfferAccepted || s == OfferDeclined
}

// Offer is a time-bounded price proposal attached to a chat.
type Offer struct {
	ID            string      `json:"id"`
	ChatID        string      `json:"chatId"`
	OriginalPrice float64     `json:"originalPrice"`
	Amount        float64     `json:"amount"`
	Status        OfferStatus `json:"status"`
	ExpiresAt     time.Time   `json:"expiresAt"`
	Message       string      `json:"message,omitempty"`
}

// OfferRequest is the buyer input for a new offer.
type OfferRequest struct {
	Amount  float64 `json:"amount"`
	Message string  `json:"message,omitempty"`
}

// Chat is a conversation between a buyer and a seller about one listing.
type Chat struct {
	ID            string   `json:"id"`
	RoomID        string   `json:"roomId"`
	ProductID     string   `json:"productId"`
	ProductTitle  string   `json:"productTitle,omitempty"`
	OriginalPrice float64  `json:"originalPrice"`
	Buyer         User     `json:"buyer"`
	Seller        User     `json:"seller"`
	LastMessage   *Message `json:"lastMessage,omitempty"`
	UnreadCount   int      `json:"unreadCount"`
}

// Partner returns the participant that is not selfID.
func (c Chat) Partner(selfID string) User {
	if c.Buyer.ID == selfID {
		return c.Seller
	}
	return c.Buyer
}

// MessagePage is one page of a chat's message history, oldest first.
type MessagePage struct {
	Messages []Message `json:"messages"`
	Page     int       `json:"page"`
	HasMore  bool      `json:"hasMore"`
}

// ChatPage is one page of the user's chat list.
type ChatPage struct {
	Chats   []Chat `json:"chats"`
	Page    int    `json:"page"`
	HasMore bool   `json:"hasMore"`
}
