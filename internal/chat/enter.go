package chat

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tradepost/marketchat/internal/metrics"
	"github.com/tradepost/marketchat/internal/models"
)

// MessageFetcher loads one page of a chat's message history. *api.Client
// implements it.
type MessageFetcher interface {
	ListMessages(ctx context.Context, chatID string, page, limit int) (*models.MessagePage, error)
}

// Loader fetches state for a chat on room entry. Load runs concurrently with
// the other loaders; the returned apply is invoked only if chatID is still
// the selected chat once every loader has finished.
type Loader interface {
	Load(ctx context.Context, chatID string) (apply func(), err error)
}

// LoaderFunc adapts a plain function to Loader.
type LoaderFunc func(ctx context.Context, chatID string) (func(), error)

// Load implements Loader.
func (f LoaderFunc) Load(ctx context.Context, chatID string) (func(), error) {
	return f(ctx, chatID)
}

// EnterChat is the room entry flow: leave the previous room, wait until
// JoinGrace has passed since the last leave, join, then run the history
// loader and every registered Loader concurrently. Results are applied only
// if this call is still the latest selection; a newer EnterChat cancels the
// older one, which then returns ErrStale.
func (e *Engine) EnterChat(ctx context.Context, chatID, roomID string) error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return ErrNotStarted
	}
	if e.enterCancel != nil {
		e.enterCancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	e.enterCancel = cancel
	e.enterSeq++
	seq := e.enterSeq
	prev := e.session
	e.mu.Unlock()

	if prev != nil && (prev.ChatID != chatID || prev.RoomID != roomID) {
		e.LeaveChat()
	}

	e.mu.Lock()
	wait := e.cfg.JoinGrace - e.now().Sub(e.lastLeave)
	e.mu.Unlock()
	if wait > 0 {
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return e.staleOr(seq, ctx.Err())
		case <-t.C:
		}
	}
	if !e.current(seq) {
		return ErrStale
	}

	e.JoinChat(chatID, roomID)

	loaders := make([]Loader, 0, len(e.loaders)+1)
	if e.history != nil {
		loaders = append(loaders, e.historyLoader(seq))
	}
	loaders = append(loaders, e.loaders...)

	start := time.Now()
	applies := make([]func(), len(loaders))
	g, gctx := errgroup.WithContext(ctx)
	for i, l := range loaders {
		i, l := i, l
		g.Go(func() error {
			apply, err := l.Load(gctx, chatID)
			applies[i] = apply
			return err
		})
	}
	err := g.Wait()
	metrics.HistoryLatency.Observe(time.Since(start).Seconds())

	if !e.current(seq) {
		e.logger.Debug("discarding results for a stale selection", zap.String("chat", chatID))
		return ErrStale
	}
	if err != nil {
		e.logger.Warn("room entry failed", zap.String("chat", chatID), zap.Error(err))
		return errors.Wrapf(err, "chat: enter %s", chatID)
	}

	for _, apply := range applies {
		if apply != nil {
			apply()
		}
	}
	return nil
}

func (e *Engine) current(seq uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started && seq == e.enterSeq
}

func (e *Engine) staleOr(seq uint64, err error) error {
	if !e.current(seq) {
		return ErrStale
	}
	return err
}

// historyLoader fetches the first page of history. Its apply merges the
// page with live messages that arrived meanwhile: history first, then live
// messages not already in the page. Provisional messages whose server twin
// is in the page are dropped.
func (e *Engine) historyLoader(seq uint64) Loader {
	return LoaderFunc(func(ctx context.Context, chatID string) (func(), error) {
		page, err := e.history.ListMessages(ctx, chatID, 1, e.cfg.HistoryPageSize)
		if err != nil {
			return nil, errors.Wrap(err, "chat: load history")
		}
		var msgs []models.Message
		if page != nil {
			msgs = page.Messages
		}
		return func() { e.applyHistory(chatID, seq, msgs) }, nil
	})
}

func (e *Engine) applyHistory(chatID string, seq uint64, history []models.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session == nil || e.session.ChatID != chatID || seq != e.enterSeq {
		return
	}

	live := e.messages.snapshot()
	pending := e.messages.provisional()

	seen := make(map[string]bool, len(history)+len(live))
	merged := make([]models.Message, 0, len(history)+len(live))
	for _, m := range history {
		if seen[m.ID] {
			continue
		}
		if id, ok := Reconcile(pending, m); ok {
			seen[id] = true
			e.stopProvisionalLocked(id)
		}
		seen[m.ID] = true
		merged = append(merged, m)
	}
	for _, m := range live {
		if !seen[m.ID] {
			seen[m.ID] = true
			merged = append(merged, m)
		}
	}
	e.messages.reset(merged)
	e.logger.Debug("history applied", zap.String("chat", chatID), zap.Int("history", len(history)), zap.Int("total", len(merged)))
}
