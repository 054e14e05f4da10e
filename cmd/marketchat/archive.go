package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tradepost/marketchat/internal/archive"
	"github.com/tradepost/marketchat/internal/models"
)

// maxArchivePages bounds the history walk so a misbehaving server cannot
// keep the command running forever.
const maxArchivePages = 1000

// runArchive walks every page of a chat's history and stores it, together
// with the active offer, in PostgreSQL. Running it again only adds what is
// new.
func runArchive(args []string) error {
	fs := flag.NewFlagSet("archive", flag.ExitOnError)
	g := registerGlobal(fs)
	chatID := fs.String("chat", "", "Chat id to archive")
	dsn := fs.String("dsn", "", "PostgreSQL DSN (default: archive.dsn from config)")
	pageSize := fs.Int("page-size", 50, "Messages per history page")
	timeout := fs.Duration("timeout", 5*time.Minute, "Overall timeout")
	fs.Parse(args)

	if *chatID == "" {
		return errors.New("-chat is required")
	}

	a, err := newApp(g)
	if err != nil {
		return err
	}
	defer a.close()

	if *dsn == "" {
		*dsn = a.cfg.Archive.DSN
	}
	if *dsn == "" {
		return errors.New("no archive DSN: pass -dsn or set archive.dsn")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	if err := a.signedIn(ctx); err != nil {
		return err
	}

	store, err := archive.Open(ctx, *dsn)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Migrate(); err != nil {
		return err
	}

	var all []models.Message
	for page := 1; page <= maxArchivePages; page++ {
		p, err := a.api.ListMessages(ctx, *chatID, page, *pageSize)
		if err != nil {
			return errors.Wrapf(err, "fetch page %d", page)
		}
		all = append(all, p.Messages...)
		a.logger.Debug("fetched history page", zap.Int("page", page), zap.Int("messages", len(p.Messages)))
		if !p.HasMore || len(p.Messages) == 0 {
			break
		}
	}

	inserted, err := store.SaveTranscript(ctx, *chatID, all)
	if err != nil {
		return err
	}

	o, err := a.api.ActiveOffer(ctx, *chatID)
	if err != nil {
		return err
	}
	if o != nil {
		if err := store.SaveOffer(ctx, *o); err != nil {
			return err
		}
	}

	fmt.Fprintf(os.Stdout, "%s %d of %d messages were new\n", styleDim.Render("archived "+*chatID+":"), inserted, len(all))
	return nil
}
