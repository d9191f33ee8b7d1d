package node

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"

	"github.com/danmuck/psbcast/internal/alarm"
	logs "github.com/danmuck/psbcast/internal/logging"
	"github.com/danmuck/psbcast/internal/observability"
	"github.com/danmuck/psbcast/internal/replica"
	"github.com/danmuck/psbcast/internal/transport"
)

var (
	ErrInvalidConfig  = errors.New("node: invalid config")
	ErrStopped        = errors.New("node: service stopped")
	ErrAlreadyRunning = errors.New("node: service already running")
	ErrSubmitTimeout  = errors.New("node: submit timed out")
	// ErrStaleTimestamp is returned for an update whose client timestamp has
	// already been executed.
	ErrStaleTimestamp = errors.New("node: stale client timestamp")
)

type Option func(*Service)

// WithClock drives the replica and transport alarms from clock.
func WithClock(clock alarm.Clock) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

type waitKey struct {
	client    uint32
	timestamp uint32
}

type outcome struct {
	result Result
	err    error
}

type submission struct {
	ctx  context.Context
	req  SubmitRequest
	done chan outcome
}

// waiter is a submitter blocked until its update executes here.
type waiter struct {
	ctx  context.Context
	done chan outcome
}

// Service owns one replica and runs its dispatch loop. The loop is the only
// goroutine touching protocol state; Submit and Snapshot are safe from any
// goroutine.
type Service struct {
	cfg   ServiceConfig
	id    uint32
	name  string
	clock alarm.Clock

	net     *transport.Reliable
	replica *replica.Replica

	submits chan submission
	stopped chan struct{}
	running atomic.Bool
	passes  atomic.Uint64

	// loop-owned
	waiters   map[waitKey][]waiter
	completed []replica.Executed

	mu       sync.RWMutex
	snapshot Snapshot
}

var _ Node = (*Service)(nil)

// NewService wires a replica to a reliable transport over conn. The resolver
// fixes the replica id and the cluster size.
func NewService(cfg ServiceConfig, conn net.PacketConn, peers transport.Resolver, opts ...Option) (*Service, error) {
	if conn == nil || peers == nil {
		return nil, fmt.Errorf("%w: missing connection or peers", ErrInvalidConfig)
	}
	cfg = cfg.WithDefaults()
	cfg.Replica.ID = peers.LocalID()
	cfg.Replica.N = uint32(len(peers.IDs()))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Service{
		cfg:     cfg,
		id:      cfg.Replica.ID,
		name:    observability.NodeLabel(cfg.Replica.ID),
		clock:   alarm.SystemClock(),
		submits: make(chan submission, cfg.MaxBatch),
		stopped: make(chan struct{}),
		waiters: make(map[waitKey][]waiter),
	}
	for _, opt := range opts {
		opt(s)
	}

	netOpts := []transport.Option{transport.WithClock(s.clock)}
	if cfg.Transport.Backoff.Jitter {
		seed := s.clock.Now().UnixNano() + int64(cfg.Replica.ID)
		netOpts = append(netOpts, transport.WithRand(rand.New(rand.NewSource(seed))))
	}
	s.net = transport.NewReliable(conn, peers, cfg.Transport, netOpts...)
	r, err := replica.New(cfg.Replica, s.net,
		replica.WithClock(s.clock),
		replica.OnExecuted(s.onExecuted),
	)
	if err != nil {
		return nil, err
	}
	s.replica = r
	s.snapshot = Snapshot{Node: s.name, Replica: r.Status()}
	return s, nil
}

func (s *Service) NodeID() string { return s.name }

func (s *Service) Kind() string { return "replica" }

func (s *Service) LocalAddr() net.Addr { return s.net.LocalAddr() }

// Run recovers the replica and loops until ctx is done or the connection is
// closed. Waiting submitters are released with ErrStopped on return.
func (s *Service) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer s.stop()

	logs.Infof("node.Service.Run node=%s n=%d receive_timeout=%s", s.name, s.cfg.Replica.N, s.cfg.ReceiveTimeout)
	s.replica.Recover()
	s.publish()

	for {
		if err := ctx.Err(); err != nil {
			logs.Infof("node.Service.Run node=%s stopping: %v", s.name, err)
			return nil
		}
		if err := s.pass(); err != nil {
			return err
		}
	}
}

// pass is one round of the dispatch loop.
func (s *Service) pass() error {
	s.drainSubmissions()
	if err := s.receive(); err != nil {
		return err
	}
	s.net.Retransmit()
	s.replica.Tick()
	s.resolve()
	s.dropCancelled()
	s.passes.Add(1)
	s.publish()
	return nil
}

func (s *Service) drainSubmissions() {
	for i := 0; i < s.cfg.MaxBatch; i++ {
		select {
		case sub := <-s.submits:
			s.accept(sub)
		default:
			return
		}
	}
}

func (s *Service) accept(sub submission) {
	u := s.replica.Submit(sub.req.ClientID, sub.req.Update, sub.req.Timestamp)
	key := waitKey{client: u.ClientID, timestamp: u.Timestamp}
	s.waiters[key] = append(s.waiters[key], waiter{ctx: sub.ctx, done: sub.done})
	s.resolve()

	if _, waiting := s.waiters[key]; waiting && s.replica.LastExecuted(u.ClientID) >= u.Timestamp {
		s.release(key, outcome{err: fmt.Errorf("%w: client=%d ts=%d executed=%d",
			ErrStaleTimestamp, u.ClientID, u.Timestamp, s.replica.LastExecuted(u.ClientID))})
	}
}

func (s *Service) receive() error {
	for i := 0; i < s.cfg.MaxBatch; i++ {
		dg, err := s.net.Receive(s.cfg.ReceiveTimeout)
		switch {
		case err == nil:
		case errors.Is(err, transport.ErrTimeout):
			return nil
		case errors.Is(err, transport.ErrClosed):
			logs.Infof("node.Service.receive node=%s connection closed", s.name)
			return err
		default:
			logs.Warnf("node.Service.receive node=%s: %v", s.name, err)
			return nil
		}
		if err := s.replica.Deliver(dg.From, dg.Payload); err != nil {
			logs.Tracef("node.Service.receive node=%s from=%d: %v", s.name, dg.From, err)
		}
		s.resolve()
	}
	return nil
}

func (s *Service) onExecuted(e replica.Executed) {
	if e.Local {
		s.completed = append(s.completed, e)
	}
}

// resolve answers submitters whose updates have executed.
func (s *Service) resolve() {
	for _, e := range s.completed {
		s.release(waitKey{client: e.ClientID, timestamp: e.Timestamp}, outcome{result: Result{
			ClientID:  e.ClientID,
			Timestamp: e.Timestamp,
			Update:    e.Update,
			Seq:       e.Seq,
			View:      e.View,
		}})
	}
	s.completed = s.completed[:0]
}

func (s *Service) release(key waitKey, out outcome) {
	for _, w := range s.waiters[key] {
		w.done <- out
	}
	delete(s.waiters, key)
}

// dropCancelled forgets submitters that stopped waiting.
func (s *Service) dropCancelled() {
	for key, ws := range s.waiters {
		kept := ws[:0]
		for _, w := range ws {
			if w.ctx.Err() == nil {
				kept = append(kept, w)
			}
		}
		if dropped := len(ws) - len(kept); dropped > 0 {
			logs.Debugf("node.Service.dropCancelled node=%s client=%d ts=%d dropped=%d", s.name, key.client, key.timestamp, dropped)
		}
		if len(kept) == 0 {
			delete(s.waiters, key)
			continue
		}
		s.waiters[key] = kept
	}
}

func (s *Service) stop() {
	for key := range s.waiters {
		s.release(key, outcome{err: ErrStopped})
	}
	s.running.Store(false)
	s.publish()
	close(s.stopped)
}

func (s *Service) publish() {
	snap := Snapshot{
		Node:        s.name,
		Running:     s.running.Load(),
		Replica:     s.replica.Status(),
		Outstanding: len(s.net.Outstanding()),
		Waiting:     len(s.waiters),
		Passes:      s.passes.Load(),
		UpdatedAt:   s.clock.Now(),
	}
	s.mu.Lock()
	s.snapshot = snap
	s.mu.Unlock()
}

// Submit hands an update to the dispatch loop and waits until this replica
// executes it or ctx ends.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (Result, error) {
	done := make(chan outcome, 1)
	select {
	case s.submits <- submission{ctx: ctx, req: req, done: done}:
	case <-s.stopped:
		return Result{}, ErrStopped
	case <-ctx.Done():
		return Result{}, fmt.Errorf("%w: %v", ErrSubmitTimeout, ctx.Err())
	}

	select {
	case out := <-done:
		return out.result, out.err
	case <-s.stopped:
		select {
		case out := <-done:
			return out.result, out.err
		default:
			return Result{}, ErrStopped
		}
	case <-ctx.Done():
		return Result{}, fmt.Errorf("%w: %v", ErrSubmitTimeout, ctx.Err())
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot
}

// Ready reports whether the loop is running inside an installed view.
func (s *Service) Ready() bool {
	snap := s.Snapshot()
	return snap.Running && snap.Replica.State != replica.LeaderElection.String()
}

// Close closes the underlying connection, which also ends Run.
func (s *Service) Close() error {
	return s.net.Close()
}
