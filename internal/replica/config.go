package replica

import (
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/psbcast/internal/alarm"
)

var (
	ErrInvalidConfig = errors.New("replica: invalid config")
	// ErrRejected marks a well-formed message dropped by admission or the
	// conflict filter.
	ErrRejected = errors.New("replica: message rejected")
)

type State uint8

const (
	LeaderElection State = iota
	RegLeader
	RegNonLeader
)

func (s State) String() string {
	switch s {
	case LeaderElection:
		return "leader_election"
	case RegLeader:
		return "reg_leader"
	case RegNonLeader:
		return "reg_nonleader"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Config fixes the replica set and the protocol timers.
type Config struct {
	ID uint32
	N  uint32

	ProgressTimeout    time.Duration
	MaxProgressTimeout time.Duration
	UpdateRetry        time.Duration
	VCProofInterval    time.Duration
	PrepareInterval    time.Duration
	ProposalInterval   time.Duration

	// SelfAccept counts a non-leader's own Accept toward AcceptThreshold.
	// Off, a non-leader orders a slot only on Accepts from its peers.
	SelfAccept bool
}

func DefaultConfig(id, n uint32) Config {
	return Config{
		ID:                 id,
		N:                  n,
		ProgressTimeout:    5 * time.Second,
		MaxProgressTimeout: 80 * time.Second,
		UpdateRetry:        100 * time.Millisecond,
		VCProofInterval:    100 * time.Millisecond,
		PrepareInterval:    50 * time.Millisecond,
		ProposalInterval:   50 * time.Millisecond,
	}
}

func (c Config) Validate() error {
	if c.N == 0 {
		return fmt.Errorf("%w: replica count must be positive", ErrInvalidConfig)
	}
	if c.ID >= c.N {
		return fmt.Errorf("%w: id %d outside replica set of %d", ErrInvalidConfig, c.ID, c.N)
	}
	for name, d := range map[string]time.Duration{
		"progress_timeout":  c.ProgressTimeout,
		"update_retry":      c.UpdateRetry,
		"vc_proof_interval": c.VCProofInterval,
		"prepare_interval":  c.PrepareInterval,
		"proposal_interval": c.ProposalInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, name)
		}
	}
	if c.MaxProgressTimeout != 0 && c.MaxProgressTimeout < c.ProgressTimeout {
		return fmt.Errorf("%w: max progress timeout below progress timeout", ErrInvalidConfig)
	}
	return nil
}

// Quorum is the view preinstall and view prepared threshold.
func (c Config) Quorum() int { return int(c.N/2) + 1 }

// AcceptThreshold is the number of same-view accepts that, together with the
// proposal, orders a slot.
func (c Config) AcceptThreshold() int { return int(c.N / 2) }

// Executed reports one client update applied in global order.
type Executed struct {
	Seq       uint32
	View      uint32
	ClientID  uint32
	ServerID  uint32
	Timestamp uint32
	Update    uint32
	// Local is set when this replica originated the update and owes the
	// client an answer.
	Local bool
}

type Option func(*Replica)

func WithClock(clock alarm.Clock) Option {
	return func(r *Replica) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// OnExecuted registers fn to run once per executed update.
func OnExecuted(fn func(Executed)) Option {
	return func(r *Replica) {
		r.onExecuted = fn
	}
}

// Status is a point-in-time snapshot of replica state.
type Status struct {
	ID              uint32        `json:"id"`
	N               uint32        `json:"n"`
	State           string        `json:"state"`
	Leader          uint32        `json:"leader"`
	LastAttempted   uint32        `json:"last_attempted"`
	LastInstalled   uint32        `json:"last_installed"`
	LocalAru        uint32        `json:"local_aru"`
	LastProposed    uint32        `json:"last_proposed"`
	Slots           int           `json:"slots"`
	QueuedUpdates   int           `json:"queued_updates"`
	PendingUpdates  int           `json:"pending_updates"`
	Retransmitting  int           `json:"retransmitting_proposals"`
	ProgressTimeout time.Duration `json:"progress_timeout"`
	ProgressLeft    time.Duration `json:"progress_left"`
}
