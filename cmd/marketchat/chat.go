package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tradepost/marketchat/internal/archive"
	"github.com/tradepost/marketchat/internal/chat"
	"github.com/tradepost/marketchat/internal/media"
	"github.com/tradepost/marketchat/internal/messaging"
	"github.com/tradepost/marketchat/internal/models"
	"github.com/tradepost/marketchat/internal/mux"
	"github.com/tradepost/marketchat/internal/notify"
	"github.com/tradepost/marketchat/internal/offer"
)

// runChat enters a chat and bridges it to the terminal: every message the
// engine sees is printed, stdin lines are sent, and lines starting with a
// slash are commands.
func runChat(args []string) error {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	g := registerGlobal(fs)
	chatID := fs.String("chat", "", "Chat id to enter")
	productID := fs.String("product", "", "Listing id; opens (or creates) the chat about it")
	forward := fs.Bool("notify", true, "Forward incoming messages to NATS when notify.nats_url is set")
	fs.Parse(args)

	if (*chatID == "") == (*productID == "") {
		return errors.New("exactly one of -chat or -product is required")
	}

	a, err := newApp(g)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.signedIn(ctx); err != nil {
		return err
	}
	self, err := a.tokens.Self(ctx)
	if err != nil {
		return err
	}

	var c *models.Chat
	if *productID != "" {
		c, err = a.api.CreateOrGetChat(ctx, *productID)
	} else {
		c, err = a.api.GetChat(ctx, *chatID)
	}
	if err != nil {
		return err
	}

	out := &printer{out: os.Stdout}
	s := newSession(a, self, c, out)
	defer s.close()
	if err := s.start(ctx, *forward); err != nil {
		return err
	}

	return s.loop(ctx, os.Stdin)
}

// session is one interactive chat: the shared connection, the engine, the
// offer tracker and the optional forwarders hanging off them.
type session struct {
	a    *app
	self models.User
	chat *models.Chat
	out  *printer

	mux      *mux.Multiplexer
	engine   *chat.Engine
	composer *chat.Composer
	tracker  *offer.Tracker

	lastTier offer.Tier
	cleanup  []func()
}

func newSession(a *app, self models.User, c *models.Chat, out *printer) *session {
	s := &session{a: a, self: self, chat: c, out: out, lastTier: -1}

	cfg := a.cfg
	s.mux = mux.New(cfg.WSConfig(), a.tokens, a.logger)
	s.tracker = offer.NewTracker(a.api,
		offer.WithLogger(a.logger),
		offer.WithTick(cfg.Offer.Tick),
		offer.WithDeclineTimeout(cfg.Offer.DeclineTimeout),
		offer.WithTickHandler(s.onTick),
	)
	s.engine = chat.NewEngine(s.mux, self, cfg.ChatConfig(),
		chat.WithLogger(a.logger),
		chat.WithHistory(a.api),
		chat.WithLoaders(s.tracker),
	)
	s.composer = chat.NewComposer(s.engine, media.NewPipeline(cfg.CompressOptions(), a.logger))
	return s
}

func (s *session) start(ctx context.Context, forward bool) error {
	s.cleanup = append(s.cleanup, s.engine.AddListener(s.onMessage))
	s.cleanup = append(s.cleanup, s.tracker.OnExpire(func(o models.Offer) {
		s.out.println(styleFailed.Render("offer " + o.ID + " expired"))
	}))

	if err := s.engine.Start(ctx); err != nil {
		return err
	}
	s.cleanup = append(s.cleanup, s.engine.Close)

	if url := s.a.cfg.Notify.NATSURL; url != "" && forward {
		if err := s.startNotify(ctx, url); err != nil {
			s.a.logger.Warn("notification forwarding disabled", zap.Error(err))
		}
	}
	if dsn := s.a.cfg.Archive.DSN; dsn != "" {
		if err := s.startOfferArchive(ctx, dsn); err != nil {
			s.a.logger.Warn("offer archiving disabled", zap.Error(err))
		}
	}

	s.tracker.Reset(s.chat.ID, s.chat.OriginalPrice)
	s.cleanup = append(s.cleanup, s.tracker.Close)

	partner := s.chat.Partner(s.self.ID)
	s.out.printf("%s %s", styleDim.Render("chatting with"), stylePartner.Render(partner.DisplayName))
	if s.chat.ProductTitle != "" {
		s.out.printf("%s %s ($%.2f)", styleDim.Render("about"), s.chat.ProductTitle, s.chat.OriginalPrice)
	}

	if err := s.engine.EnterChat(ctx, s.chat.ID, s.chat.RoomID); err != nil {
		return err
	}
	for _, m := range s.engine.Messages() {
		s.out.println(renderMessage(m, s.self.ID))
	}
	if o, ok := s.tracker.Current(); ok {
		s.out.println(renderOffer(o, s.tracker.Remaining()))
	}
	return nil
}

func (s *session) startNotify(ctx context.Context, url string) error {
	ncfg := messaging.DefaultNATSConfig()
	ncfg.URL = url
	nc, err := messaging.NewNATSClient(ncfg, s.a.logger)
	if err != nil {
		return err
	}

	fwd := notify.NewForwarder(s.mux, nc, s.self.ID, s.a.logger)
	if err := fwd.Start(ctx); err != nil {
		nc.Close()
		return err
	}
	remove := s.tracker.OnChange(func(o models.Offer) {
		data, err := json.Marshal(o)
		if err != nil {
			return
		}
		if err := nc.PublishOffer(o.ChatID, data); err != nil {
			s.a.logger.Warn("publish offer", zap.Error(err))
		}
	})
	s.cleanup = append(s.cleanup, func() {
		remove()
		fwd.Stop()
		nc.Close()
	})
	return nil
}

func (s *session) startOfferArchive(ctx context.Context, dsn string) error {
	store, err := archive.Open(ctx, dsn)
	if err != nil {
		return err
	}
	if err := store.Migrate(); err != nil {
		store.Close()
		return err
	}
	remove := s.tracker.OnChange(func(o models.Offer) {
		go func() {
			if err := store.SaveOffer(context.Background(), o); err != nil {
				s.a.logger.Warn("archive offer", zap.String("offer", o.ID), zap.Error(err))
			}
		}()
	})
	s.cleanup = append(s.cleanup, func() {
		remove()
		store.Close()
	})
	return nil
}

func (s *session) close() {
	for i := len(s.cleanup) - 1; i >= 0; i-- {
		s.cleanup[i]()
	}
	s.cleanup = nil
}

func (s *session) onMessage(m models.Message) {
	if err := s.tracker.HandleMessage(m); err != nil {
		s.a.logger.Warn("offer message rejected", zap.String("message", m.ID), zap.Error(err))
	}
	s.out.println(renderMessage(m, s.self.ID))
}

// onTick prints the countdown only when it crosses into another tier.
func (s *session) onTick(r offer.Remaining) {
	tier := offer.TierFor(r.Total)
	if tier == s.lastTier || r.Expired() {
		return
	}
	s.lastTier = tier
	s.out.println(renderCountdown(r))
}

func (s *session) loop(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			done, err := s.handleLine(ctx, strings.TrimSpace(line))
			if err != nil {
				s.out.println(styleFailed.Render(err.Error()))
			}
			if done {
				return nil
			}
		}
	}
}

func (s *session) handleLine(ctx context.Context, line string) (bool, error) {
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		_, err := s.composer.SendText(line)
		return false, err
	}

	cmd, rest, _ := strings.Cut(line[1:], " ")
	rest = strings.TrimSpace(rest)
	switch cmd {
	case "leave", "quit":
		s.engine.LeaveChat()
		return true, nil
	case "seen":
		s.engine.MarkSeen()
		return false, s.a.api.MarkSeen(ctx, s.chat.ID)
	case "image":
		path, caption, _ := strings.Cut(rest, " ")
		if path == "" {
			return false, errors.New("usage: /image <path> [caption]")
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return false, errors.Wrap(err, "read image")
		}
		_, err = s.composer.SendImage(media.File{Name: filepath.Base(path), Data: data}, caption)
		return false, err
	case "retry":
		_, err := s.composer.Retry(rest)
		return false, err
	case "offer":
		amount, note, _ := strings.Cut(rest, " ")
		v, err := strconv.ParseFloat(strings.TrimPrefix(amount, "$"), 64)
		if err != nil {
			return false, offer.ErrInvalidAmount
		}
		o, err := s.tracker.CreateOffer(ctx, s.chat.ID, models.OfferRequest{Amount: v, Message: note})
		if err != nil {
			return false, err
		}
		s.out.println(renderOffer(o, s.tracker.Remaining()))
		return false, nil
	case "accept", "decline":
		o, ok := s.tracker.Current()
		if !ok || o.Status != models.OfferPending {
			return false, errors.New("no pending offer")
		}
		if cmd == "accept" {
			o, err := s.tracker.AcceptOffer(ctx, o.ID)
			if err == nil {
				s.out.println(renderOffer(o, s.tracker.Remaining()))
			}
			return false, err
		}
		o, err := s.tracker.DeclineOffer(ctx, o.ID, rest)
		if err == nil {
			s.out.println(renderOffer(o, s.tracker.Remaining()))
		}
		return false, err
	case "status":
		s.out.printf("%s %s", styleDim.Render("state:"), s.engine.State())
		if err := s.engine.Err(); err != nil {
			s.out.println(styleFailed.Render(err.Error()))
		}
		if o, ok := s.tracker.Current(); ok {
			s.out.println(renderOffer(o, s.tracker.Remaining()))
		}
		return false, nil
	case "reconnect":
		return false, s.mux.Reconnect(ctx)
	case "typing":
		s.engine.HandleTyping(true)
		return false, nil
	case "help":
		s.out.println(styleDim.Render("/image <path> [caption]  /offer <amount> [note]  /accept  /decline [reason]"))
		s.out.println(styleDim.Render("/retry <id>  /seen  /typing  /status  /reconnect  /leave"))
		return false, nil
	}
	return false, errors.Errorf("unknown command /%s (try /help)", cmd)
}
