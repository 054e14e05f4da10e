package auth

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/tradepost/marketchat/internal/models"
)

// CredentialsPrefix is the Redis key prefix of the credential hashes.
const CredentialsPrefix = "marketchat:credentials:"

type credentialsHash struct {
	AccessToken  string `redis:"access_token"`
	RefreshToken string `redis:"refresh_token"`
	UserID       string `redis:"user_id"`
	DisplayName  string `redis:"display_name"`
	AvatarURL    string `redis:"avatar_url"`
	SavedAt      int64  `redis:"saved_at"` // unix timestamp
}

// RedisStore keeps credentials in a Redis hash per profile, so several
// processes on one host can share a login.
type RedisStore struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedisStore connects to addr and verifies the connection. ttl of zero
// keeps the hash until Clear.
func NewRedisStore(addr, profile string, ttl time.Duration) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "auth: redis connection failed")
	}
	return NewRedisStoreWithClient(client, profile, ttl), nil
}

// NewRedisStoreWithClient uses an existing client.
func NewRedisStoreWithClient(client *redis.Client, profile string, ttl time.Duration) *RedisStore {
	if profile == "" {
		profile = "default"
	}
	return &RedisStore{client: client, key: CredentialsPrefix + profile, ttl: ttl}
}

func (s *RedisStore) Load(ctx context.Context) (*Credentials, error) {
	var h credentialsHash
	if err := s.client.HGetAll(ctx, s.key).Scan(&h); err != nil {
		return nil, errors.Wrap(err, "auth: read credentials")
	}
	if h.AccessToken == "" {
		return nil, ErrNoCredentials
	}
	return &Credentials{
		AccessToken:  h.AccessToken,
		RefreshToken: h.RefreshToken,
		User:         models.User{ID: h.UserID, DisplayName: h.DisplayName, AvatarURL: h.AvatarURL},
		SavedAt:      time.Unix(h.SavedAt, 0),
	}, nil
}

func (s *RedisStore) Save(ctx context.Context, c *Credentials) error {
	saved := c.SavedAt
	if saved.IsZero() {
		saved = time.Now()
	}
	fields := map[string]interface{}{
		"access_token":  c.AccessToken,
		"refresh_token": c.RefreshToken,
		"user_id":       c.User.ID,
		"display_name":  c.User.DisplayName,
		"avatar_url":    c.User.AvatarURL,
		"saved_at":      saved.Unix(),
	}

	pipe := s.client.Pipeline()
	pipe.Del(ctx, s.key)
	pipe.HSet(ctx, s.key, fields)
	if s.ttl > 0 {
		pipe.Expire(ctx, s.key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "auth: write credentials")
	}
	return nil
}

func (s *RedisStore) Clear(ctx context.Context) error {
	return errors.Wrap(s.client.Del(ctx, s.key).Err(), "auth: clear credentials")
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
