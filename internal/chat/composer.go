package chat

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/tradepost/marketchat/internal/media"
	"github.com/tradepost/marketchat/internal/models"
)

// ErrNoImagePipeline is returned by SendImage when the composer was built
// without an image preparer.
var ErrNoImagePipeline = errors.New("chat: image sending not configured")

// ImagePreparer turns a user-selected file into a transport-ready payload.
// *media.Pipeline implements it.
type ImagePreparer interface {
	Prepare(f media.File) (string, error)
}

// Composer is the user-facing send path. It validates drafts, inserts the
// provisional message and hands the payload to the engine. A draft the
// engine refuses to transmit leaves no entry behind.
type Composer struct {
	engine *Engine
	images ImagePreparer
	newID  func() string
}

// NewComposer creates a composer sending through engine. images may be nil
// if image sending is not needed.
func NewComposer(engine *Engine, images ImagePreparer) *Composer {
	return &Composer{
		engine: engine,
		images: images,
		newID: func() string {
			return models.TempIDPrefix + uuid.NewString()
		},
	}
}

// SendText sends a text message.
func (c *Composer) SendText(text string) (models.Message, error) {
	return c.send(Draft{Text: text, MessageType: models.MessageText})
}

// SendImage validates, compresses and encodes f, then sends it with an
// optional caption.
func (c *Composer) SendImage(f media.File, caption string) (models.Message, error) {
	if c.images == nil {
		return models.Message{}, ErrNoImagePipeline
	}
	payload, err := c.images.Prepare(f)
	if err != nil {
		return models.Message{}, errors.Wrap(err, "chat: prepare image")
	}
	return c.send(Draft{Text: caption, MessageType: models.MessageImage, ImageURL: payload})
}

// Retry resubmits a failed message with an identical payload. The failed
// entry is removed and a new provisional entry takes its place.
func (c *Composer) Retry(id string) (models.Message, error) {
	m, ok := c.engine.Message(id)
	if !ok {
		return models.Message{}, ErrUnknownID
	}
	if m.Status != models.StatusFailed {
		return models.Message{}, ErrNotFailed
	}
	c.engine.RemoveMessage(id)
	return c.send(Draft{Text: m.Text, MessageType: m.MessageType, ImageURL: m.ImageURL})
}

func (c *Composer) send(d Draft) (models.Message, error) {
	if err := ValidateDraft(d); err != nil {
		return models.Message{}, err
	}
	c.engine.ClearMessageErr()

	msg := models.Message{
		ID:          c.newID(),
		Text:        d.Text,
		MessageType: d.MessageType,
		Sender:      c.engine.Self(),
		ImageURL:    d.ImageURL,
		CreatedAt:   c.engine.now(),
		Status:      models.StatusSending,
	}
	if s, ok := c.engine.Session(); ok {
		msg.ChatID = s.ChatID
	}
	d.ClientID = msg.ID

	c.engine.AddProvisional(msg)
	if err := c.engine.SendMessage(d); err != nil {
		// Nothing reached the server: drop the entry and leave the
		// message-scoped error set by the engine. Only a server rejection
		// marks a message failed.
		c.engine.RemoveMessage(msg.ID)
		return models.Message{}, err
	}
	return msg, nil
}
