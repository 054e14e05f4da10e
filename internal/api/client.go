// Package api is the HTTP collaborator of the chat client: chat list and
// history, chat lifecycle, user moderation and the offer endpoints. Every
// response uses the {success, data, message} envelope.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tradepost/marketchat/internal/models"
)

// Error is a failure envelope or a non-2xx response.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("api: %d: %s", e.Status, e.Message)
}

// TokenSource supplies the bearer token for each request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

// Config holds the HTTP client settings.
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	RetryCount int
}

// DefaultConfig returns settings for a local backend.
func DefaultConfig() Config {
	return Config{
		BaseURL:    "http://localhost:8080/api",
		Timeout:    15 * time.Second,
		RetryCount: 2,
	}
}

// Client calls the marketplace REST API.
type Client struct {
	http   *resty.Client
	logger *zap.Logger
}

// New creates a client. tokens may be nil for unauthenticated use.
func New(cfg Config, tokens TokenSource, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("api")

	rc := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json").
		SetLogger(logger.Sugar()).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(retryable)

	if tokens != nil {
		rc.OnBeforeRequest(func(_ *resty.Client, r *resty.Request) error {
			tok, err := tokens.Token(r.Context())
			if err != nil {
				return errors.Wrap(err, "api: token")
			}
			r.SetAuthToken(tok)
			return nil
		})
	}

	return &Client{http: rc, logger: logger}
}

// retryable retries safe methods on any transport error or 5xx. Other
// methods (creating or accepting an offer) are retried only when the
// connection was never established, so the server cannot have acted on them.
func retryable(r *resty.Response, err error) bool {
	method := ""
	if r != nil && r.Request != nil {
		method = r.Request.Method
	}
	switch method {
	case http.MethodGet, http.MethodHead:
		return err != nil || (r != nil && r.StatusCode() >= http.StatusInternalServerError)
	}

	var opErr *net.OpError
	return err != nil && errors.As(err, &opErr) && opErr.Op == "dial"
}

// do sends the request and decodes the envelope data into out (if non-nil).
func (c *Client) do(ctx context.Context, method, path string, body interface{}, query map[string]string, out interface{}) error {
	var env envelope
	req := c.http.R().
		SetContext(ctx).
		SetResult(&env).
		SetError(&env)
	if body != nil {
		req.SetBody(body)
	}
	if len(query) > 0 {
		req.SetQueryParams(query)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return errors.Wrapf(err, "api: %s %s", method, path)
	}
	if resp.IsError() || !env.Success {
		msg := env.Message
		if msg == "" {
			msg = http.StatusText(resp.StatusCode())
		}
		c.logger.Debug("request failed", zap.String("method", method), zap.String("path", path), zap.Int("status", resp.StatusCode()), zap.String("message", msg))
		return &Error{Status: resp.StatusCode(), Message: msg}
	}

	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return errors.Wrapf(err, "api: decode %s %s", method, path)
	}
	return nil
}

func pageQuery(page, limit int) map[string]string {
	return map[string]string{
		"page":  strconv.Itoa(page),
		"limit": strconv.Itoa(limit),
	}
}

// ---------------------------------------------------------------------------
// Chats
// ---------------------------------------------------------------------------

// ListChats fetches one page of the user's chats.
func (c *Client) ListChats(ctx context.Context, page, limit int) (*models.ChatPage, error) {
	var out models.ChatPage
	if err := c.do(ctx, http.MethodGet, "/chats", nil, pageQuery(page, limit), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListMessages fetches one page of a chat's history, oldest first.
func (c *Client) ListMessages(ctx context.Context, chatID string, page, limit int) (*models.MessagePage, error) {
	var out models.MessagePage
	if err := c.do(ctx, http.MethodGet, "/chats/"+chatID+"/messages", nil, pageQuery(page, limit), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateOrGetChat opens the chat about productID, creating it on first
// contact.
func (c *Client) CreateOrGetChat(ctx context.Context, productID string) (*models.Chat, error) {
	var out models.Chat
	body := map[string]string{"productId": productID}
	if err := c.do(ctx, http.MethodPost, "/chats", body, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetChat fetches a single chat.
func (c *Client) GetChat(ctx context.Context, chatID string) (*models.Chat, error) {
	var out models.Chat
	if err := c.do(ctx, http.MethodGet, "/chats/"+chatID, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MarkSeen marks every message of the chat as seen by the caller.
func (c *Client) MarkSeen(ctx context.Context, chatID string) error {
	return c.do(ctx, http.MethodPut, "/chats/"+chatID+"/seen", nil, nil, nil)
}

// DeleteChat removes the chat from the caller's list.
func (c *Client) DeleteChat(ctx context.Context, chatID string) error {
	return c.do(ctx, http.MethodDelete, "/chats/"+chatID, nil, nil, nil)
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

// BlockUser blocks userID.
func (c *Client) BlockUser(ctx context.Context, userID string) error {
	return c.do(ctx, http.MethodPost, "/users/"+userID+"/block", nil, nil, nil)
}

// UnblockUser lifts a block on userID.
func (c *Client) UnblockUser(ctx context.Context, userID string) error {
	return c.do(ctx, http.MethodDelete, "/users/"+userID+"/block", nil, nil, nil)
}

// ReportUser files a report against userID.
func (c *Client) ReportUser(ctx context.Context, userID, reason string) error {
	body := map[string]string{"reason": reason}
	return c.do(ctx, http.MethodPost, "/users/"+userID+"/report", body, nil, nil)
}

// ---------------------------------------------------------------------------
// Offers
// ---------------------------------------------------------------------------

// CreateOffer proposes a price for the chat's listing.
func (c *Client) CreateOffer(ctx context.Context, chatID string, req models.OfferRequest) (*models.Offer, error) {
	var out models.Offer
	if err := c.do(ctx, http.MethodPost, "/chats/"+chatID+"/offers", req, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetOffer fetches an offer by id.
func (c *Client) GetOffer(ctx context.Context, offerID string) (*models.Offer, error) {
	var out models.Offer
	if err := c.do(ctx, http.MethodGet, "/offers/"+offerID, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AcceptOffer accepts a pending offer.
func (c *Client) AcceptOffer(ctx context.Context, offerID string) (*models.Offer, error) {
	var out models.Offer
	if err := c.do(ctx, http.MethodPut, "/offers/"+offerID+"/accept", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeclineOffer declines a pending offer. reason may be empty.
func (c *Client) DeclineOffer(ctx context.Context, offerID, reason string) (*models.Offer, error) {
	var out models.Offer
	var body interface{}
	if reason != "" {
		body = map[string]string{"reason": reason}
	}
	if err := c.do(ctx, http.MethodPut, "/offers/"+offerID+"/decline", body, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ActiveOffer returns the chat's current offer, or nil when it has none.
func (c *Client) ActiveOffer(ctx context.Context, chatID string) (*models.Offer, error) {
	var out *models.Offer
	if err := c.do(ctx, http.MethodGet, "/chats/"+chatID+"/offers/active", nil, nil, &out); err != nil {
		var apiErr *Error
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	return out, nil
}
