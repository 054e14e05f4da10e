package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/tradepost/marketchat/internal/models"
	"github.com/tradepost/marketchat/internal/offer"
)

// runOffer performs a single offer action against the HTTP API:
//
//	marketchat offer create -chat <id> -amount 80 [-message note]
//	marketchat offer accept -offer <id>
//	marketchat offer decline -offer <id> [-reason text]
//	marketchat offer show -chat <id>
func runOffer(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: marketchat offer <create|accept|decline|show> [options]")
	}
	action := args[0]

	fs := flag.NewFlagSet("offer "+action, flag.ExitOnError)
	g := registerGlobal(fs)
	chatID := fs.String("chat", "", "Chat id (create, show)")
	offerID := fs.String("offer", "", "Offer id (accept, decline)")
	amount := fs.Float64("amount", 0, "Offered price (create)")
	message := fs.String("message", "", "Note sent with the offer (create)")
	reason := fs.String("reason", "", "Decline reason (decline)")
	timeout := fs.Duration("timeout", 30*time.Second, "Request timeout")
	fs.Parse(args[1:])

	a, err := newApp(g)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	if err := a.signedIn(ctx); err != nil {
		return err
	}

	tracker := offer.NewTracker(a.api, offer.WithLogger(a.logger))
	defer tracker.Close()

	var o models.Offer
	switch action {
	case "create":
		if *chatID == "" {
			return errors.New("-chat is required")
		}
		c, err := a.api.GetChat(ctx, *chatID)
		if err != nil {
			return err
		}
		tracker.Reset(c.ID, c.OriginalPrice)
		o, err = tracker.CreateOffer(ctx, c.ID, models.OfferRequest{Amount: *amount, Message: *message})
		if err != nil {
			return err
		}

	case "accept", "decline":
		if *offerID == "" {
			return errors.New("-offer is required")
		}
		cur, err := a.api.GetOffer(ctx, *offerID)
		if err != nil {
			return err
		}
		if cur.Status != models.OfferPending {
			return errors.Errorf("offer %s is %s", cur.ID, cur.Status)
		}
		tracker.Reset(cur.ChatID, cur.OriginalPrice)
		if action == "accept" {
			o, err = tracker.AcceptOffer(ctx, cur.ID)
		} else {
			o, err = tracker.DeclineOffer(ctx, cur.ID, *reason)
		}
		if err != nil {
			return err
		}

	case "show":
		if *chatID == "" {
			return errors.New("-chat is required")
		}
		cur, err := a.api.ActiveOffer(ctx, *chatID)
		if err != nil {
			return err
		}
		if cur == nil {
			fmt.Fprintln(os.Stdout, styleDim.Render("no active offer"))
			return nil
		}
		o = *cur

	default:
		return errors.Errorf("unknown offer action %q", action)
	}

	fmt.Fprintln(os.Stdout, renderOffer(o, offer.RemainingAt(o.ExpiresAt, time.Now())))
	return nil
}
