package ws

import "time"

// Config holds tunable parameters for the client connection.
type Config struct {
	URL               string        // e.g. "wss://api.example.com/ws"
	HandshakeTimeout  time.Duration // max time for TCP dial + upgrade
	WriteTimeout      time.Duration // deadline applied to each outbound frame
	PingInterval      time.Duration // protocol-level keepalive period (0 disables)
	ReconnectAttempts int           // attempts before reconnect_failed
	ReconnectDelay    time.Duration // first backoff delay
	ReconnectDelayMax time.Duration // backoff cap
}

// DefaultConfig returns a Config with sensible production defaults.
func DefaultConfig() Config {
	return Config{
		URL:               "ws://localhost:8080/ws",
		HandshakeTimeout:  10 * time.Second,
		WriteTimeout:      10 * time.Second,
		PingInterval:      25 * time.Second,
		ReconnectAttempts: 5,
		ReconnectDelay:    1 * time.Second,
		ReconnectDelayMax: 5 * time.Second,
	}
}
