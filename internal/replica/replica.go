package replica

import (
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/psbcast/internal/alarm"
	logs "github.com/danmuck/psbcast/internal/logging"
	"github.com/danmuck/psbcast/internal/observability"
	"github.com/danmuck/psbcast/internal/protocol"
)

// Transport is the delivery surface the replica sends through. Reliable sends
// are retried until acknowledged; unreliable ones carry periodic
// re-announcements.
type Transport interface {
	Send(node uint32, payload []byte) error
	Broadcast(payload []byte) error
	SendUnreliable(node uint32, payload []byte) error
	BroadcastUnreliable(payload []byte) error
}

type pendingUpdate struct {
	update protocol.ClientUpdate
	retry  *alarm.Alarm
}

type Replica struct {
	cfg        Config
	net        Transport
	clock      alarm.Clock
	onExecuted func(Executed)
	node       string

	state         State
	lastAttempted uint32
	lastInstalled uint32
	localAru      uint32
	lastProposed  uint32

	history *History

	lastExecuted  map[uint32]uint32
	lastEnqueued  map[uint32]uint32
	lastSubmitted map[uint32]uint32
	pending       map[uint32]*pendingUpdate
	queue         []protocol.ClientUpdate

	viewChanges  map[uint32]protocol.ViewChange
	preinstalled bool
	prepare      *protocol.Prepare
	prepareOKs   map[uint32]protocol.PrepareOK
	retransmit   []protocol.Proposal

	progressTimeout time.Duration
	progress        *alarm.Alarm
	proof           *alarm.Alarm
	prepareTimer    *alarm.Alarm
	proposalTimer   *alarm.Alarm

	decoders map[uint32]*protocol.Decoder
}

func New(cfg Config, net Transport, opts ...Option) (*Replica, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if net == nil {
		return nil, fmt.Errorf("%w: nil transport", ErrInvalidConfig)
	}
	if cfg.MaxProgressTimeout == 0 {
		cfg.MaxProgressTimeout = cfg.ProgressTimeout
	}
	r := &Replica{
		cfg:   cfg,
		net:   net,
		clock: alarm.SystemClock(),
		node:  observability.NodeLabel(cfg.ID),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.progress = alarm.New(r.clock)
	r.proof = alarm.New(r.clock)
	r.prepareTimer = alarm.New(r.clock)
	r.proposalTimer = alarm.New(r.clock)
	r.reset()
	return r, nil
}

func (r *Replica) reset() {
	r.state = LeaderElection
	r.lastAttempted = 0
	r.lastInstalled = 0
	r.localAru = 0
	r.lastProposed = 0
	r.history = NewHistory(r.cfg.AcceptThreshold())
	r.lastExecuted = make(map[uint32]uint32)
	r.lastEnqueued = make(map[uint32]uint32)
	r.lastSubmitted = make(map[uint32]uint32)
	r.pending = make(map[uint32]*pendingUpdate)
	r.queue = nil
	r.viewChanges = make(map[uint32]protocol.ViewChange)
	r.preinstalled = false
	r.prepare = nil
	r.prepareOKs = make(map[uint32]protocol.PrepareOK)
	r.retransmit = nil
	r.progressTimeout = r.cfg.ProgressTimeout
	r.progress.Stop()
	r.proof.Stop()
	r.prepareTimer.Stop()
	r.proposalTimer.Stop()
	r.decoders = make(map[uint32]*protocol.Decoder)
}

// Recover discards all state, as after a crash, and starts an election for
// view 1.
func (r *Replica) Recover() {
	r.reset()
	r.progress.Set(r.progressTimeout)
	r.proof.Set(r.cfg.VCProofInterval)
	r.proposalTimer.Set(r.cfg.ProposalInterval)
	logs.Infof("replica.Replica.Recover id=%d n=%d", r.cfg.ID, r.cfg.N)
	r.shiftToLeaderElection(r.lastAttempted + 1)
}

// Deliver decodes one datagram from replica from and dispatches every message
// it completes. The returned error joins decode failures and rejections.
func (r *Replica) Deliver(from uint32, raw []byte) error {
	if from >= r.cfg.N {
		observability.RecordRejected(r.node, "datagram", "unknown_sender")
		return fmt.Errorf("%w: sender %d outside replica set", ErrRejected, from)
	}
	dec, ok := r.decoders[from]
	if !ok {
		dec = protocol.NewDecoder()
		r.decoders[from] = dec
	}
	msgs, decodeErr := dec.Feed(raw)
	var errs []error
	if decodeErr != nil {
		observability.RecordMalformed(r.node, observability.NodeLabel(from))
		logs.Warnf("replica.Replica.Deliver malformed from=%d: %v", from, decodeErr)
		errs = append(errs, decodeErr)
	}
	for _, msg := range msgs {
		if err := r.dispatch(from, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Replica) dispatch(from uint32, msg protocol.Message) error {
	typ := msg.Type().String()
	if err := r.admit(from, msg); err != nil {
		observability.RecordRejected(r.node, typ, "admission")
		logs.Debugf("replica.Replica.dispatch id=%d from=%d rejected %s: %v", r.cfg.ID, from, protocol.Describe(msg), err)
		return err
	}
	if err := r.conflict(msg); err != nil {
		observability.RecordRejected(r.node, typ, "conflict")
		logs.Debugf("replica.Replica.dispatch id=%d from=%d conflict %s: %v", r.cfg.ID, from, protocol.Describe(msg), err)
		return err
	}
	observability.RecordMessage(r.node, typ)
	logs.Tracef("replica.Replica.dispatch id=%d state=%s %s", r.cfg.ID, r.state, protocol.Describe(msg))

	switch m := msg.(type) {
	case protocol.ClientUpdate:
		r.handleClientUpdate(m)
	case protocol.ViewChange:
		r.onViewChange(m)
	case protocol.VCProof:
		r.onVCProof(m)
	case protocol.Prepare:
		r.onPrepare(m)
	case protocol.PrepareOK:
		r.onPrepareOK(m)
	case protocol.Proposal:
		r.onProposal(m)
	case protocol.Accept:
		r.onAccept(m)
	}
	r.publish()
	return nil
}

// admit checks the sender claims of a message against the datagram source.
func (r *Replica) admit(from uint32, msg protocol.Message) error {
	switch msg.(type) {
	case protocol.GloballyOrderedUpdate, protocol.Ack:
		return fmt.Errorf("%w: %s is not accepted from the network", ErrRejected, msg.Type())
	}
	sender, ok := protocol.Sender(msg)
	if !ok {
		return fmt.Errorf("%w: %s carries no sender", ErrRejected, msg.Type())
	}
	if sender >= r.cfg.N {
		return fmt.Errorf("%w: server id %d outside replica set", ErrRejected, sender)
	}
	if sender != from {
		return fmt.Errorf("%w: server id %d sent from replica %d", ErrRejected, sender, from)
	}
	return nil
}

func (r *Replica) ID() uint32 { return r.cfg.ID }

// Leader is the leader of the installed view.
func (r *Replica) Leader() uint32 { return r.leaderOf(r.lastInstalled) }

func (r *Replica) leaderOf(view uint32) uint32 { return view % r.cfg.N }

func (r *Replica) isLeaderOf(view uint32) bool { return r.leaderOf(view) == r.cfg.ID }

func (r *Replica) Status() Status {
	return Status{
		ID:              r.cfg.ID,
		N:               r.cfg.N,
		State:           r.state.String(),
		Leader:          r.Leader(),
		LastAttempted:   r.lastAttempted,
		LastInstalled:   r.lastInstalled,
		LocalAru:        r.localAru,
		LastProposed:    r.lastProposed,
		Slots:           r.history.Len(),
		QueuedUpdates:   len(r.queue),
		PendingUpdates:  len(r.pending),
		Retransmitting:  len(r.retransmit),
		ProgressTimeout: r.progressTimeout,
		ProgressLeft:    r.progress.Remaining(),
	}
}

// State is the current protocol state.
func (r *Replica) State() State { return r.state }

// History exposes the slot history for inspection.
func (r *Replica) History() *History { return r.history }

func (r *Replica) publish() {
	observability.SetInstalledView(r.node, r.lastInstalled)
	observability.SetLocalAru(r.node, r.localAru)
}

func (r *Replica) encode(msg protocol.Message) ([]byte, bool) {
	raw, err := protocol.Marshal(msg)
	if err != nil {
		logs.Errorf("replica.Replica.encode %s: %v", protocol.Describe(msg), err)
		return nil, false
	}
	return raw, true
}

func (r *Replica) broadcast(msg protocol.Message, reliable bool) {
	raw, ok := r.encode(msg)
	if !ok {
		return
	}
	var err error
	if reliable {
		err = r.net.Broadcast(raw)
	} else {
		err = r.net.BroadcastUnreliable(raw)
	}
	if err != nil {
		logs.Warnf("replica.Replica.broadcast %s: %v", protocol.Describe(msg), err)
	}
}

func (r *Replica) sendTo(node uint32, msg protocol.Message, reliable bool) {
	if node == r.cfg.ID {
		return
	}
	raw, ok := r.encode(msg)
	if !ok {
		return
	}
	var err error
	if reliable {
		err = r.net.Send(node, raw)
	} else {
		err = r.net.SendUnreliable(node, raw)
	}
	if err != nil {
		logs.Warnf("replica.Replica.sendTo node=%d %s: %v", node, protocol.Describe(msg), err)
	}
}
