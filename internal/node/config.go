package node

import (
	"fmt"
	"time"

	"github.com/danmuck/psbcast/internal/replica"
	"github.com/danmuck/psbcast/internal/transport"
)

// ServiceConfig configures one replica process. Replica.ID and Replica.N are
// taken from the peer directory.
type ServiceConfig struct {
	ReceiveTimeout time.Duration
	MaxBatch       int
	Replica        replica.Config
	Transport      transport.Config
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		ReceiveTimeout: 20 * time.Millisecond,
		MaxBatch:       256,
		Replica:        replica.DefaultConfig(0, 1),
		Transport:      transport.DefaultConfig(),
	}
}

// WithDefaults fills zero loop settings.
func (c ServiceConfig) WithDefaults() ServiceConfig {
	def := DefaultServiceConfig()
	if c.ReceiveTimeout <= 0 {
		c.ReceiveTimeout = def.ReceiveTimeout
	}
	if c.MaxBatch <= 0 {
		c.MaxBatch = def.MaxBatch
	}
	if c.Transport.BufferSize <= 0 {
		c.Transport.BufferSize = def.Transport.BufferSize
	}
	if c.Transport.Backoff.InitialDelay <= 0 {
		c.Transport.Backoff = def.Transport.Backoff
	}
	return c
}

func (c ServiceConfig) Validate() error {
	if c.ReceiveTimeout <= 0 {
		return fmt.Errorf("%w: receive timeout must be positive", ErrInvalidConfig)
	}
	if c.MaxBatch <= 0 {
		return fmt.Errorf("%w: max batch must be positive", ErrInvalidConfig)
	}
	return c.Replica.Validate()
}
