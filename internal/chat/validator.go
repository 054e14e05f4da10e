package chat

import (
	"unicode/utf8"

	"github.com/pkg/errors"
)

// MaxTextChars is the max character count of a message text or caption.
const MaxTextChars = 2000

var (
	ErrEmptyMessage   = errors.New("chat: message has neither text nor image")
	ErrMessageTooLong = errors.Errorf("chat: message exceeds %d character limit", MaxTextChars)
	ErrInvalidUTF8    = errors.New("chat: message contains invalid UTF-8")
)

// ValidateDraft checks that an outgoing message meets content requirements.
func ValidateDraft(d Draft) error {
	if d.Text == "" && d.ImageURL == "" {
		return ErrEmptyMessage
	}
	if !utf8.ValidString(d.Text) {
		return ErrInvalidUTF8
	}
	if utf8.RuneCountInString(d.Text) > MaxTextChars {
		return ErrMessageTooLong
	}
	return nil
}
