package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tradepost/marketchat/internal/messaging"
	"github.com/tradepost/marketchat/internal/notify"
)

// runNotify tails the notifications published by running chat sessions. It
// needs no credentials, only the NATS server they forward to.
func runNotify(args []string) error {
	fs := flag.NewFlagSet("notify", flag.ExitOnError)
	g := registerGlobal(fs)
	chatID := fs.String("chat", "*", "Chat id to follow, or * for every chat")
	count := fs.Int("count", 0, "Exit after this many notifications (0: run until interrupted)")
	fs.Parse(args)

	a, err := newApp(g)
	if err != nil {
		return err
	}
	defer a.close()

	url := a.cfg.Notify.NATSURL
	if url == "" {
		return errors.New("no NATS server: set notify.nats_url")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ncfg := messaging.DefaultNATSConfig()
	ncfg.URL = url
	ncfg.Name = "marketchat-notify"
	nc, err := messaging.NewNATSClient(ncfg, a.logger)
	if err != nil {
		return err
	}
	defer nc.Close()

	out := &printer{out: os.Stdout}
	received := make(chan struct{}, 16)
	err = nc.SubscribeNotifications(*chatID, func(data []byte) {
		line, err := renderNotification(data)
		if err != nil {
			a.logger.Warn("bad notification payload", zap.Error(err))
			return
		}
		out.println(line)
		select {
		case received <- struct{}{}:
		default:
		}
	})
	if err != nil {
		return err
	}
	defer nc.UnsubscribeNotifications(*chatID)

	// The subscription is live on the server once the flush returns.
	if err := nc.Flush(); err != nil {
		return errors.Wrap(err, "nats flush")
	}
	out.println(styleDim.Render("following notifications for chat " + *chatID))

	n := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-received:
			n++
			if *count > 0 && n >= *count {
				return nil
			}
		}
	}
}

func renderNotification(data []byte) (string, error) {
	var n notify.Notification
	if err := json.Unmarshal(data, &n); err != nil {
		return "", errors.Wrap(err, "decode notification")
	}
	name := n.From.DisplayName
	if name == "" {
		name = n.From.ID
	}
	return styleDim.Render(n.CreatedAt.Local().Format("15:04")+" ["+n.ChatID+"]") + " " +
		stylePartner.Render(name) + ": " + n.Preview, nil
}
