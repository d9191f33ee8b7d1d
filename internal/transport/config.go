package transport

import "time"

// BackoffConfig defines retransmit delay growth.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines reliable delivery defaults.
type Config struct {
	Backoff BackoffConfig
	// MaxOutstanding bounds the outbox; the oldest entry is discarded first.
	// Zero means unbounded.
	MaxOutstanding int
	// BufferSize is the receive buffer and therefore the largest datagram.
	BufferSize int
}

// DefaultConfig retransmits every outstanding send once a second.
func DefaultConfig() Config {
	return Config{
		Backoff: BackoffConfig{
			InitialDelay: time.Second,
			Multiplier:   1.0,
		},
		MaxOutstanding: 4096,
		BufferSize:     65535,
	}
}
