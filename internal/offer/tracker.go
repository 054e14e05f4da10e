// Package offer tracks the price negotiation of the selected chat: the
// single current offer, its countdown to expiry and the automatic decline
// issued when the countdown runs out.
package offer

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tradepost/marketchat/internal/metrics"
	"github.com/tradepost/marketchat/internal/models"
)

// ExpiredReason is the decline reason sent when the countdown runs out.
const ExpiredReason = "Offer expired"

var (
	ErrDuplicatePending = errors.New("offer: chat already has a pending offer")
	ErrWrongChat        = errors.New("offer: offer belongs to another chat")
	ErrNoChat           = errors.New("offer: no chat selected")
)

// API is the remote offer surface. *api.Client implements it.
type API interface {
	CreateOffer(ctx context.Context, chatID string, req models.OfferRequest) (*models.Offer, error)
	AcceptOffer(ctx context.Context, offerID string) (*models.Offer, error)
	DeclineOffer(ctx context.Context, offerID, reason string) (*models.Offer, error)
	ActiveOffer(ctx context.Context, chatID string) (*models.Offer, error)
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets the tracker logger.
func WithLogger(logger *zap.Logger) Option {
	return func(t *Tracker) {
		t.logger = logger
	}
}

// WithTick sets the countdown resolution.
func WithTick(d time.Duration) Option {
	return func(t *Tracker) {
		t.tick = d
	}
}

// WithTickHandler registers fn to receive every countdown tick.
func WithTickHandler(fn func(Remaining)) Option {
	return func(t *Tracker) {
		t.onTick = fn
	}
}

// WithDeclineTimeout bounds the automatic decline request.
func WithDeclineTimeout(d time.Duration) Option {
	return func(t *Tracker) {
		t.declineTimeout = d
	}
}

// Tracker holds the offer state of one chat at a time.
type Tracker struct {
	api            API
	logger         *zap.Logger
	tick           time.Duration
	declineTimeout time.Duration
	onTick         func(Remaining)
	countdown      *Countdown

	mu            sync.Mutex
	chatID        string
	originalPrice float64
	current       *models.Offer
	autoDeclined  map[string]bool

	expireFns map[int]func(models.Offer)
	changeFns map[int]func(models.Offer)
	nextFn    int
}

// NewTracker creates a tracker backed by api.
func NewTracker(api API, opts ...Option) *Tracker {
	t := &Tracker{
		api:            api,
		logger:         zap.NewNop(),
		tick:           DefaultTick,
		declineTimeout: 10 * time.Second,
		autoDeclined:   make(map[string]bool),
		expireFns:      make(map[int]func(models.Offer)),
		changeFns:      make(map[int]func(models.Offer)),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.Named("offer")
	t.countdown = NewCountdown(t.tick, t.onTick, t.expire)
	return t
}

// Reset switches the tracker to chatID, dropping the previous offer and
// stopping its countdown.
func (t *Tracker) Reset(chatID string, originalPrice float64) {
	t.countdown.Stop()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.chatID = chatID
	t.originalPrice = originalPrice
	t.current = nil
}

// Close stops the countdown and forgets the current offer.
func (t *Tracker) Close() {
	t.Reset("", 0)
}

// Current returns the tracked offer, if any.
func (t *Tracker) Current() (models.Offer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return models.Offer{}, false
	}
	return *t.current, true
}

// State returns the status of the tracked offer, or "" when there is none.
func (t *Tracker) State() models.OfferStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return ""
	}
	return t.current.Status
}

// Remaining returns the time left on the pending offer.
func (t *Tracker) Remaining() Remaining {
	return t.countdown.Remaining()
}

// OnExpire registers fn to run once when the pending offer's countdown
// reaches zero. The returned function removes it.
func (t *Tracker) OnExpire(fn func(models.Offer)) (remove func()) {
	return t.register(t.expireFns, fn)
}

// OnChange registers fn to run after every status change of the tracked
// offer.
func (t *Tracker) OnChange(fn func(models.Offer)) (remove func()) {
	return t.register(t.changeFns, fn)
}

func (t *Tracker) register(set map[int]func(models.Offer), fn func(models.Offer)) func() {
	t.mu.Lock()
	id := t.nextFn
	t.nextFn++
	set[id] = fn
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(set, id)
		t.mu.Unlock()
	}
}

// CreateOffer validates req against the listing price and submits it.
// Validation failures make no network call.
func (t *Tracker) CreateOffer(ctx context.Context, chatID string, req models.OfferRequest) (models.Offer, error) {
	t.mu.Lock()
	switch {
	case t.chatID == "":
		t.mu.Unlock()
		return models.Offer{}, ErrNoChat
	case chatID != t.chatID:
		t.mu.Unlock()
		return models.Offer{}, ErrWrongChat
	case t.current != nil && t.current.Status == models.OfferPending:
		t.mu.Unlock()
		return models.Offer{}, ErrDuplicatePending
	}
	original := t.originalPrice
	t.mu.Unlock()

	if err := ValidateAmount(original, req.Amount); err != nil {
		return models.Offer{}, err
	}

	o, err := t.api.CreateOffer(ctx, chatID, req)
	if err != nil {
		return models.Offer{}, errors.Wrap(err, "offer: create")
	}
	t.apply(*o)
	return *o, nil
}

// AcceptOffer accepts a pending offer. Callers only offer this action on
// pending offers.
func (t *Tracker) AcceptOffer(ctx context.Context, offerID string) (models.Offer, error) {
	o, err := t.api.AcceptOffer(ctx, offerID)
	if err != nil {
		return models.Offer{}, errors.Wrap(err, "offer: accept")
	}
	t.apply(*o)
	return *o, nil
}

// DeclineOffer declines a pending offer with an optional reason.
func (t *Tracker) DeclineOffer(ctx context.Context, offerID, reason string) (models.Offer, error) {
	o, err := t.api.DeclineOffer(ctx, offerID, reason)
	if err != nil {
		return models.Offer{}, errors.Wrap(err, "offer: decline")
	}
	t.apply(*o)
	return *o, nil
}

// HandleMessage feeds a chat message into the tracker. Offer messages move
// the state machine; every other message is ignored. A second pending offer
// while one is pending is rejected with ErrDuplicatePending.
func (t *Tracker) HandleMessage(msg models.Message) error {
	if !msg.MessageType.IsOffer() || msg.Offer == nil {
		return nil
	}
	o := *msg.Offer
	if o.ChatID == "" {
		o.ChatID = msg.ChatID
	}
	if s := statusFor(msg.MessageType); s != "" {
		o.Status = s
	}

	t.mu.Lock()
	cur := t.current
	dup := cur != nil && cur.ID != o.ID && cur.Status == models.OfferPending && o.Status == models.OfferPending
	t.mu.Unlock()
	if dup {
		t.logger.Warn("second pending offer in chat", zap.String("chat", o.ChatID), zap.String("current", cur.ID), zap.String("offer", o.ID))
		return ErrDuplicatePending
	}

	t.apply(o)
	return nil
}

// Load fetches the active offer of chatID. The returned apply installs it
// if the tracker still points at chatID.
func (t *Tracker) Load(ctx context.Context, chatID string) (func(), error) {
	o, err := t.api.ActiveOffer(ctx, chatID)
	if err != nil {
		return nil, errors.Wrap(err, "offer: load active")
	}
	return func() {
		if o == nil {
			return
		}
		t.apply(*o)
	}, nil
}

func statusFor(mt models.MessageType) models.OfferStatus {
	switch mt {
	case models.MessageOffer:
		return models.OfferPending
	case models.MessageOfferAccepted:
		return models.OfferAccepted
	case models.MessageOfferDeclined:
		return models.OfferDeclined
	case models.MessageOfferExpired:
		return models.OfferExpired
	}
	return ""
}

// allowed reports whether the tracked offer may move from cur to next.
func allowed(cur *models.Offer, next models.Offer) bool {
	if cur == nil || cur.ID != next.ID {
		return true
	}
	switch cur.Status {
	case models.OfferPending:
		return true
	case models.OfferExpired:
		return next.Status == models.OfferDeclined || next.Status == models.OfferExpired
	default:
		return next.Status == cur.Status
	}
}

// apply installs o as the tracked offer and drives the countdown.
func (t *Tracker) apply(o models.Offer) {
	t.mu.Lock()
	if t.chatID == "" || (o.ChatID != "" && o.ChatID != t.chatID) {
		t.mu.Unlock()
		t.logger.Debug("ignoring offer for another chat", zap.String("offer", o.ID), zap.String("chat", o.ChatID))
		return
	}
	if !allowed(t.current, o) {
		t.mu.Unlock()
		t.logger.Debug("ignoring stale offer update", zap.String("offer", o.ID), zap.String("status", string(o.Status)))
		return
	}
	changed := t.current == nil || t.current.ID != o.ID || t.current.Status != o.Status
	restart := o.Status == models.OfferPending &&
		(t.current == nil || t.current.ID != o.ID || !t.current.ExpiresAt.Equal(o.ExpiresAt) || t.current.Status != o.Status)
	t.current = &o
	fns := t.listenersLocked(t.changeFns)
	t.mu.Unlock()

	if o.Status == models.OfferPending {
		if restart {
			t.countdown.Start(o.ExpiresAt)
		}
	} else {
		t.countdown.Stop()
	}

	if !changed {
		return
	}
	metrics.OfferTransitions.WithLabelValues(string(o.Status)).Inc()
	t.logger.Info("offer state", zap.String("offer", o.ID), zap.String("status", string(o.Status)))
	for _, fn := range fns {
		fn(o)
	}
}

// expire runs on the countdown goroutine when the pending offer's deadline
// passes. It moves the offer to expired and issues one automatic decline.
func (t *Tracker) expire() {
	t.mu.Lock()
	if t.current == nil || t.current.Status != models.OfferPending || t.autoDeclined[t.current.ID] {
		t.mu.Unlock()
		return
	}
	t.current.Status = models.OfferExpired
	t.autoDeclined[t.current.ID] = true
	o := *t.current
	expireFns := t.listenersLocked(t.expireFns)
	changeFns := t.listenersLocked(t.changeFns)
	t.mu.Unlock()

	metrics.OfferTransitions.WithLabelValues(string(models.OfferExpired)).Inc()
	t.logger.Info("offer expired", zap.String("offer", o.ID))
	for _, fn := range changeFns {
		fn(o)
	}
	for _, fn := range expireFns {
		fn(o)
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.declineTimeout)
	defer cancel()
	if _, err := t.DeclineOffer(ctx, o.ID, ExpiredReason); err != nil {
		t.logger.Warn("automatic decline failed", zap.String("offer", o.ID), zap.Error(err))
	}
}

func (t *Tracker) listenersLocked(set map[int]func(models.Offer)) []func(models.Offer) {
	ids := make([]int, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(models.Offer), len(ids))
	for i, id := range ids {
		fns[i] = set[id]
	}
	return fns
}
