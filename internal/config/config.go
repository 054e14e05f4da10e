// Package config loads the client configuration from defaults, an optional
// YAML file, a .env file and MARKETCHAT_* environment variables, in
// increasing order of precedence.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/tradepost/marketchat/internal/api"
	"github.com/tradepost/marketchat/internal/chat"
	"github.com/tradepost/marketchat/internal/media"
	"github.com/tradepost/marketchat/internal/offer"
	"github.com/tradepost/marketchat/internal/ws"
)

// EnvPrefix prefixes every environment override, e.g. MARKETCHAT_WS_URL.
const EnvPrefix = "MARKETCHAT"

type WSConfig struct {
	URL               string        `mapstructure:"url"`
	HandshakeTimeout  time.Duration `mapstructure:"handshake_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	PingInterval      time.Duration `mapstructure:"ping_interval"`
	ReconnectAttempts int           `mapstructure:"reconnect_attempts"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay"`
	ReconnectDelayMax time.Duration `mapstructure:"reconnect_delay_max"`
}

type APIConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	RetryCount int           `mapstructure:"retry_count"`
}

type ChatConfig struct {
	ProvisionalTimeout  time.Duration `mapstructure:"provisional_timeout"`
	TypingTimeout       time.Duration `mapstructure:"typing_timeout"`
	RemoteTypingTimeout time.Duration `mapstructure:"remote_typing_timeout"`
	MessageErrorTTL     time.Duration `mapstructure:"message_error_ttl"`
	JoinGrace           time.Duration `mapstructure:"join_grace"`
	HistoryPageSize     int           `mapstructure:"history_page_size"`
}

type OfferConfig struct {
	Tick           time.Duration `mapstructure:"tick"`
	DeclineTimeout time.Duration `mapstructure:"decline_timeout"`
}

type MediaConfig struct {
	MaxWidth  int     `mapstructure:"max_width"`
	MaxHeight int     `mapstructure:"max_height"`
	Quality   float64 `mapstructure:"quality"`
}

type AuthConfig struct {
	Store     string        `mapstructure:"store"` // file | redis
	Path      string        `mapstructure:"path"`  // file store location; empty uses the user config dir
	RedisAddr string        `mapstructure:"redis_addr"`
	RedisTTL  time.Duration `mapstructure:"redis_ttl"`
}

type NotifyConfig struct {
	NATSURL string `mapstructure:"nats_url"` // empty disables forwarding
}

type ArchiveConfig struct {
	DSN string `mapstructure:"dsn"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // console | json
}

// Config is the full client configuration.
type Config struct {
	Profile     string        `mapstructure:"profile"`
	MetricsAddr string        `mapstructure:"metrics_addr"`
	WS          WSConfig      `mapstructure:"ws"`
	API         APIConfig     `mapstructure:"api"`
	Chat        ChatConfig    `mapstructure:"chat"`
	Offer       OfferConfig   `mapstructure:"offer"`
	Media       MediaConfig   `mapstructure:"media"`
	Auth        AuthConfig    `mapstructure:"auth"`
	Notify      NotifyConfig  `mapstructure:"notify"`
	Archive     ArchiveConfig `mapstructure:"archive"`
	Log         LogConfig     `mapstructure:"log"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	w := ws.DefaultConfig()
	a := api.DefaultConfig()
	c := chat.DefaultConfig()
	m := media.DefaultCompressOptions()

	return Config{
		Profile: "default",
		WS: WSConfig{
			URL:               w.URL,
			HandshakeTimeout:  w.HandshakeTimeout,
			WriteTimeout:      w.WriteTimeout,
			PingInterval:      w.PingInterval,
			ReconnectAttempts: w.ReconnectAttempts,
			ReconnectDelay:    w.ReconnectDelay,
			ReconnectDelayMax: w.ReconnectDelayMax,
		},
		API: APIConfig{BaseURL: a.BaseURL, Timeout: a.Timeout, RetryCount: a.RetryCount},
		Chat: ChatConfig{
			ProvisionalTimeout:  c.ProvisionalTimeout,
			TypingTimeout:       c.TypingTimeout,
			RemoteTypingTimeout: c.RemoteTypingTimeout,
			MessageErrorTTL:     c.MessageErrorTTL,
			JoinGrace:           c.JoinGrace,
			HistoryPageSize:     c.HistoryPageSize,
		},
		Offer: OfferConfig{Tick: offer.DefaultTick, DeclineTimeout: 10 * time.Second},
		Media: MediaConfig{MaxWidth: m.MaxWidth, MaxHeight: m.MaxHeight, Quality: m.Quality},
		Auth:  AuthConfig{Store: "file", RedisAddr: "localhost:6379", RedisTTL: 30 * 24 * time.Hour},
		Log:   LogConfig{Level: "info", Format: "console"},
	}
}

// Load builds the configuration. path names a YAML file; when empty,
// marketchat.yaml is looked up in the working directory and the user config
// dir, and its absence is not an error. envFiles are loaded into the
// environment first (default: .env, if present); variables already set win.
func Load(path string, envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		if _, err := os.Stat(".env"); err == nil {
			envFiles = []string{".env"}
		}
	}
	if len(envFiles) > 0 {
		if err := godotenv.Load(envFiles...); err != nil {
			return nil, errors.Wrap(err, "config: load env file")
		}
	}

	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "config: read %s", path)
		}
	} else {
		v.SetConfigName("marketchat")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "marketchat"))
		}
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, errors.Wrap(err, "config: read config file")
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "config: decode")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	defaults := map[string]interface{}{
		"profile":                    d.Profile,
		"metrics_addr":               d.MetricsAddr,
		"ws.url":                     d.WS.URL,
		"ws.handshake_timeout":       d.WS.HandshakeTimeout,
		"ws.write_timeout":           d.WS.WriteTimeout,
		"ws.ping_interval":           d.WS.PingInterval,
		"ws.reconnect_attempts":      d.WS.ReconnectAttempts,
		"ws.reconnect_delay":         d.WS.ReconnectDelay,
		"ws.reconnect_delay_max":     d.WS.ReconnectDelayMax,
		"api.base_url":               d.API.BaseURL,
		"api.timeout":                d.API.Timeout,
		"api.retry_count":            d.API.RetryCount,
		"chat.provisional_timeout":   d.Chat.ProvisionalTimeout,
		"chat.typing_timeout":        d.Chat.TypingTimeout,
		"chat.remote_typing_timeout": d.Chat.RemoteTypingTimeout,
		"chat.message_error_ttl":     d.Chat.MessageErrorTTL,
		"chat.join_grace":            d.Chat.JoinGrace,
		"chat.history_page_size":     d.Chat.HistoryPageSize,
		"offer.tick":                 d.Offer.Tick,
		"offer.decline_timeout":      d.Offer.DeclineTimeout,
		"media.max_width":            d.Media.MaxWidth,
		"media.max_height":           d.Media.MaxHeight,
		"media.quality":              d.Media.Quality,
		"auth.store":                 d.Auth.Store,
		"auth.path":                  d.Auth.Path,
		"auth.redis_addr":            d.Auth.RedisAddr,
		"auth.redis_ttl":             d.Auth.RedisTTL,
		"notify.nats_url":            d.Notify.NATSURL,
		"archive.dsn":                d.Archive.DSN,
		"log.level":                  d.Log.Level,
		"log.format":                 d.Log.Format,
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	switch {
	case c.WS.URL == "":
		return errors.New("config: ws.url is required")
	case !strings.HasPrefix(c.WS.URL, "ws://") && !strings.HasPrefix(c.WS.URL, "wss://"):
		return errors.Errorf("config: ws.url %q must use ws:// or wss://", c.WS.URL)
	case c.API.BaseURL == "":
		return errors.New("config: api.base_url is required")
	case c.Auth.Store != "file" && c.Auth.Store != "redis":
		return errors.Errorf("config: auth.store %q must be file or redis", c.Auth.Store)
	case c.Chat.HistoryPageSize <= 0:
		return errors.New("config: chat.history_page_size must be positive")
	case c.Media.Quality <= 0 || c.Media.Quality > 1:
		return errors.Errorf("config: media.quality %v must be in (0, 1]", c.Media.Quality)
	}
	return nil
}

// WSConfig converts to the transport settings.
func (c *Config) WSConfig() ws.Config {
	return ws.Config{
		URL:               c.WS.URL,
		HandshakeTimeout:  c.WS.HandshakeTimeout,
		WriteTimeout:      c.WS.WriteTimeout,
		PingInterval:      c.WS.PingInterval,
		ReconnectAttempts: c.WS.ReconnectAttempts,
		ReconnectDelay:    c.WS.ReconnectDelay,
		ReconnectDelayMax: c.WS.ReconnectDelayMax,
	}
}

// APIConfig converts to the HTTP client settings.
func (c *Config) APIConfig() api.Config {
	return api.Config{BaseURL: c.API.BaseURL, Timeout: c.API.Timeout, RetryCount: c.API.RetryCount}
}

// ChatConfig converts to the engine settings.
func (c *Config) ChatConfig() chat.Config {
	return chat.Config{
		ProvisionalTimeout:  c.Chat.ProvisionalTimeout,
		TypingTimeout:       c.Chat.TypingTimeout,
		RemoteTypingTimeout: c.Chat.RemoteTypingTimeout,
		MessageErrorTTL:     c.Chat.MessageErrorTTL,
		JoinGrace:           c.Chat.JoinGrace,
		HistoryPageSize:     c.Chat.HistoryPageSize,
	}
}

// CompressOptions converts to the media pipeline profile.
func (c *Config) CompressOptions() media.CompressOptions {
	return media.CompressOptions{MaxWidth: c.Media.MaxWidth, MaxHeight: c.Media.MaxHeight, Quality: c.Media.Quality}
}
