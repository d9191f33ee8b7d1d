package transport

import (
	"fmt"
	"math/rand"
	"net"
	"os"
	"sync"
	"time"
)

// MemoryAddr names an endpoint on a MemoryNetwork.
type MemoryAddr string

func (MemoryAddr) Network() string  { return "mem" }
func (a MemoryAddr) String() string { return string(a) }

// DropRule decides whether a datagram is lost in flight.
type DropRule func(from, to net.Addr, payload []byte) bool

// LossRule drops each datagram with probability rate.
func LossRule(rate float64, rng *rand.Rand) DropRule {
	var mu sync.Mutex
	return func(net.Addr, net.Addr, []byte) bool {
		mu.Lock()
		defer mu.Unlock()
		return rng.Float64() < rate
	}
}

type memoryPacket struct {
	from    net.Addr
	payload []byte
}

// MemoryNetwork is an in-process datagram fabric with loss injection. Like
// UDP, writes to absent or full endpoints are silently lost.
type MemoryNetwork struct {
	mu    sync.Mutex
	conns map[string]*memoryConn
	down  map[string]bool
	drop  DropRule
	depth int
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		conns: make(map[string]*memoryConn),
		down:  make(map[string]bool),
		depth: 4096,
	}
}

func (n *MemoryNetwork) Listen(name string) (net.PacketConn, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.conns[name]; exists {
		return nil, fmt.Errorf("%w: listen %s: address in use", ErrTransportFailure, name)
	}
	c := &memoryConn{
		net:    n,
		addr:   MemoryAddr(name),
		inbox:  make(chan memoryPacket, n.depth),
		closed: make(chan struct{}),
	}
	n.conns[name] = c
	return c, nil
}

// SetDropRule installs fn for every subsequent datagram; nil disables loss.
func (n *MemoryNetwork) SetDropRule(fn DropRule) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.drop = fn
}

// SetDown cuts an endpoint off in both directions while down is true.
func (n *MemoryNetwork) SetDown(name string, down bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down[name] = down
}

func (n *MemoryNetwork) deliver(from net.Addr, to net.Addr, payload []byte) {
	n.mu.Lock()
	target := n.conns[to.String()]
	lost := n.down[from.String()] || n.down[to.String()]
	if !lost && n.drop != nil {
		lost = n.drop(from, to, payload)
	}
	n.mu.Unlock()
	if target == nil || lost {
		return
	}
	pkt := memoryPacket{from: from, payload: append([]byte(nil), payload...)}
	select {
	case target.inbox <- pkt:
	default:
	}
}

func (n *MemoryNetwork) remove(name string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.conns, name)
}

type memoryConn struct {
	net    *MemoryNetwork
	addr   MemoryAddr
	inbox  chan memoryPacket
	closed chan struct{}
	once   sync.Once

	mu       sync.Mutex
	deadline time.Time
}

func (c *memoryConn) ReadFrom(p []byte) (int, net.Addr, error) {
	select {
	case <-c.closed:
		return 0, nil, net.ErrClosed
	case pkt := <-c.inbox:
		return copy(p, pkt.payload), pkt.from, nil
	default:
	}

	c.mu.Lock()
	deadline := c.deadline
	c.mu.Unlock()
	var expire <-chan time.Time
	if !deadline.IsZero() {
		wait := time.Until(deadline)
		if wait <= 0 {
			return 0, nil, os.ErrDeadlineExceeded
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		expire = timer.C
	}
	select {
	case <-c.closed:
		return 0, nil, net.ErrClosed
	case pkt := <-c.inbox:
		return copy(p, pkt.payload), pkt.from, nil
	case <-expire:
		return 0, nil, os.ErrDeadlineExceeded
	}
}

func (c *memoryConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	select {
	case <-c.closed:
		return 0, net.ErrClosed
	default:
	}
	c.net.deliver(c.addr, addr, p)
	return len(p), nil
}

func (c *memoryConn) Close() error {
	c.once.Do(func() {
		close(c.closed)
		c.net.remove(string(c.addr))
	})
	return nil
}

func (c *memoryConn) LocalAddr() net.Addr { return c.addr }

func (c *memoryConn) SetDeadline(t time.Time) error {
	return c.SetReadDeadline(t)
}

func (c *memoryConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadline = t
	return nil
}

func (c *memoryConn) SetWriteDeadline(time.Time) error { return nil }
