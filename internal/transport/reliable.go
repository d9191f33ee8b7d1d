package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/danmuck/psbcast/internal/alarm"
	logs "github.com/danmuck/psbcast/internal/logging"
	"github.com/danmuck/psbcast/internal/observability"
	"github.com/danmuck/psbcast/internal/protocol"
)

// Resolver maps replica ids to datagram addresses.
type Resolver interface {
	Addr(id uint32) (net.Addr, bool)
	Lookup(addr net.Addr) (uint32, bool)
	IDs() []uint32
	LocalID() uint32
}

// Datagram is one non-ack datagram from a known replica.
type Datagram struct {
	From    uint32
	Addr    net.Addr
	Payload []byte
}

type Option func(*Reliable)

func WithClock(clock alarm.Clock) Option {
	return func(r *Reliable) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithRand sets the source for retransmit jitter.
func WithRand(rng *rand.Rand) Option {
	return func(r *Reliable) {
		r.rng = rng
	}
}

// Reliable adds acks and retransmission on top of a PacketConn. Send, Receive
// and Retransmit belong to one goroutine; Outstanding and Delivered may be
// called from others.
type Reliable struct {
	conn   net.PacketConn
	peers  Resolver
	cfg    Config
	clock  alarm.Clock
	rng    *rand.Rand
	outbox *Outbox
	buf    []byte
	node   string
}

func NewReliable(conn net.PacketConn, peers Resolver, cfg Config, opts ...Option) *Reliable {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	r := &Reliable{
		conn:   conn,
		peers:  peers,
		cfg:    cfg,
		clock:  alarm.SystemClock(),
		outbox: NewOutbox(cfg.MaxOutstanding),
		buf:    make([]byte, cfg.BufferSize),
		node:   observability.NodeLabel(peers.LocalID()),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.cfg.Backoff.Jitter && r.rng == nil {
		r.rng = rand.New(rand.NewSource(r.clock.Now().UnixNano()))
	}
	return r
}

// Send transmits payload to node and keeps it pending until node acks it.
// A failed first write leaves the entry pending for Retransmit.
func (r *Reliable) Send(node uint32, payload []byte) error {
	addr, ok := r.peers.Addr(node)
	if !ok {
		return fmt.Errorf("%w: id %d", ErrUnknownPeer, node)
	}
	if len(payload) > protocol.MaxMessageSize {
		return fmt.Errorf("%w: payload %d > %d", protocol.ErrCapacityExceeded, len(payload), protocol.MaxMessageSize)
	}
	now := r.clock.Now()
	item, dropped := r.outbox.Add(node, append([]byte(nil), payload...), now)
	for _, d := range dropped {
		logs.Warnf("transport.Reliable.Send outbox full: discarded send id=%d node=%d attempts=%d", d.ID, d.Node, d.Attempts)
	}
	err := r.write(item.Payload, addr, "reliable")
	r.markAttempt(item, now, err)
	observability.SetOutstanding(r.node, r.outbox.Len())
	return err
}

// Broadcast sends payload reliably to every replica except this one.
func (r *Reliable) Broadcast(payload []byte) error {
	var errs []error
	for _, id := range r.peers.IDs() {
		if id == r.peers.LocalID() {
			continue
		}
		if err := r.Send(id, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SendUnreliable transmits once with no ack tracking.
func (r *Reliable) SendUnreliable(node uint32, payload []byte) error {
	addr, ok := r.peers.Addr(node)
	if !ok {
		return fmt.Errorf("%w: id %d", ErrUnknownPeer, node)
	}
	return r.write(payload, addr, "unreliable")
}

func (r *Reliable) BroadcastUnreliable(payload []byte) error {
	var errs []error
	for _, id := range r.peers.IDs() {
		if id == r.peers.LocalID() {
			continue
		}
		if err := r.SendUnreliable(id, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Receive reads until a non-ack datagram arrives or timeout elapses. Acks are
// matched against the outbox, and every other datagram is acked back to its
// sender before it is returned.
func (r *Reliable) Receive(timeout time.Duration) (Datagram, error) {
	deadline := time.Now().Add(timeout)
	for {
		if err := r.conn.SetReadDeadline(deadline); err != nil {
			return Datagram{}, fmt.Errorf("%w: set deadline: %v", ErrTransportFailure, err)
		}
		n, addr, err := r.conn.ReadFrom(r.buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return Datagram{}, ErrTimeout
			}
			if errors.Is(err, net.ErrClosed) {
				return Datagram{}, ErrClosed
			}
			return Datagram{}, fmt.Errorf("%w: read: %v", ErrTransportFailure, err)
		}
		from, ok := r.peers.Lookup(addr)
		if !ok {
			logs.Warnf("transport.Reliable.Receive dropped datagram from unknown peer addr=%s size=%d", addr, n)
			continue
		}
		payload := append([]byte(nil), r.buf[:n]...)

		if isAck(payload) {
			r.absorbAck(from, payload)
			continue
		}
		r.ack(from, addr, payload)
		return Datagram{From: from, Addr: addr, Payload: payload}, nil
	}
}

// Retransmit resends every pending entry whose backoff delay has elapsed and
// returns how many were sent.
func (r *Reliable) Retransmit() int {
	now := r.clock.Now()
	sent := 0
	for _, item := range r.outbox.Due(now) {
		addr, ok := r.peers.Addr(item.Node)
		if !ok {
			r.outbox.Remove(item.ID)
			continue
		}
		err := r.write(item.Payload, addr, "retransmit")
		r.markAttempt(item, now, err)
		observability.RecordRetransmit(r.node)
		sent++
	}
	if sent > 0 {
		logs.Tracef("transport.Reliable.Retransmit node=%s resent=%d outstanding=%d", r.node, sent, r.outbox.Len())
	}
	return sent
}

// Outstanding lists sends still awaiting an ack, oldest first.
func (r *Reliable) Outstanding() []PendingSend {
	return r.outbox.List()
}

// Delivered reports whether every reliable send has been acked.
func (r *Reliable) Delivered() bool {
	return r.outbox.Len() == 0
}

// Discard abandons pending sends matching pred.
func (r *Reliable) Discard(pred func(PendingSend) bool) int {
	n := r.outbox.DiscardWhere(pred)
	if n > 0 {
		logs.Debugf("transport.Reliable.Discard node=%s discarded=%d", r.node, n)
		observability.SetOutstanding(r.node, r.outbox.Len())
	}
	return n
}

func (r *Reliable) LocalAddr() net.Addr {
	return r.conn.LocalAddr()
}

func (r *Reliable) Close() error {
	return r.conn.Close()
}

func (r *Reliable) write(payload []byte, addr net.Addr, kind string) error {
	if _, err := r.conn.WriteTo(payload, addr); err != nil {
		logs.Warnf("transport.Reliable.write %s to %s failed: %v", kind, addr, err)
		return fmt.Errorf("%w: write %s: %v", ErrTransportFailure, addr, err)
	}
	observability.RecordDatagramSent(r.node, kind)
	return nil
}

func (r *Reliable) markAttempt(item PendingSend, at time.Time, err error) {
	lastErr := ""
	if err != nil {
		lastErr = err.Error()
	}
	next := at.Add(NextBackoffDelay(r.cfg.Backoff, item.Attempts+1, r.rng))
	r.outbox.MarkAttempt(item.ID, at, next, lastErr)
}

func (r *Reliable) absorbAck(from uint32, raw []byte) {
	msg, err := protocol.Unmarshal(raw)
	if err != nil {
		logs.Warnf("transport.Reliable.absorbAck malformed ack from=%d: %v", from, err)
		return
	}
	ack := msg.(protocol.Ack)
	item, ok := r.outbox.MatchAck(from, ack.Payload)
	if !ok {
		logs.Tracef("transport.Reliable.absorbAck unmatched ack from=%d size=%d", from, len(ack.Payload))
		return
	}
	observability.RecordAckMatched(r.node)
	observability.SetOutstanding(r.node, r.outbox.Len())
	logs.Tracef("transport.Reliable.absorbAck from=%d id=%d attempts=%d", from, item.ID, item.Attempts)
}

func (r *Reliable) ack(from uint32, addr net.Addr, payload []byte) {
	raw, err := protocol.Marshal(protocol.Ack{Payload: payload})
	if err != nil {
		logs.Warnf("transport.Reliable.ack encode for %d failed: %v", from, err)
		return
	}
	_ = r.write(raw, addr, "ack")
}

func isAck(payload []byte) bool {
	return len(payload) >= 4 && protocol.MessageType(binary.BigEndian.Uint32(payload)) == protocol.MsgAck
}
