package chat

import "time"

// Config holds the engine's local timers and paging parameters.
type Config struct {
	ProvisionalTimeout  time.Duration // sending -> sent soft downgrade
	TypingTimeout       time.Duration // local typing_start auto-expires after this
	RemoteTypingTimeout time.Duration // remote typing flag decays after this
	MessageErrorTTL     time.Duration // message-scoped errors auto-clear after this
	JoinGrace           time.Duration // min gap between a leave and the next join
	HistoryPageSize     int           // messages fetched on room entry
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		ProvisionalTimeout:  10 * time.Second,
		TypingTimeout:       3 * time.Second,
		RemoteTypingTimeout: 3 * time.Second,
		MessageErrorTTL:     8 * time.Second,
		JoinGrace:           200 * time.Millisecond,
		HistoryPageSize:     50,
	}
}
