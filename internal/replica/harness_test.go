package replica

import (
	"testing"
	"time"

	"github.com/danmuck/psbcast/internal/alarm"
	"github.com/danmuck/psbcast/internal/protocol"
)

const broadcastTo = -1

type sentMessage struct {
	to       int64
	reliable bool
	msg      protocol.Message
}

// recorder is a Transport that keeps every outbound message.
type recorder struct {
	t    *testing.T
	sent []sentMessage
}

func (r *recorder) record(to int64, reliable bool, payload []byte) error {
	msg, err := protocol.Unmarshal(payload)
	if err != nil {
		r.t.Fatalf("replica sent undecodable payload: %v", err)
	}
	r.sent = append(r.sent, sentMessage{to: to, reliable: reliable, msg: msg})
	return nil
}

func (r *recorder) Send(node uint32, payload []byte) error {
	return r.record(int64(node), true, payload)
}

func (r *recorder) Broadcast(payload []byte) error {
	return r.record(broadcastTo, true, payload)
}

func (r *recorder) SendUnreliable(node uint32, payload []byte) error {
	return r.record(int64(node), false, payload)
}

func (r *recorder) BroadcastUnreliable(payload []byte) error {
	return r.record(broadcastTo, false, payload)
}

func (r *recorder) last() sentMessage {
	r.t.Helper()
	if len(r.sent) == 0 {
		r.t.Fatalf("nothing sent")
	}
	return r.sent[len(r.sent)-1]
}

func (r *recorder) reset() { r.sent = nil }

func testConfig(id, n uint32) Config {
	cfg := DefaultConfig(id, n)
	cfg.ProgressTimeout = time.Second
	cfg.MaxProgressTimeout = 8 * time.Second
	return cfg
}

func encode(t *testing.T, msg protocol.Message) []byte {
	t.Helper()
	b, err := protocol.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal %s: %v", protocol.Describe(msg), err)
	}
	return b
}

func deliver(t *testing.T, r *Replica, from uint32, msg protocol.Message) error {
	t.Helper()
	return r.Deliver(from, encode(t, msg))
}

type envelope struct {
	from, to uint32
	payload  []byte
}

// fabric routes messages between in-process replicas in FIFO order. A
// non-nil drop loses matching messages in flight.
type fabric struct {
	n     uint32
	queue []envelope
	down  map[uint32]bool
	drop  func(from, to uint32, msg protocol.Message) bool
}

type endpoint struct {
	f  *fabric
	id uint32
}

func (e endpoint) Send(node uint32, payload []byte) error {
	e.f.push(e.id, node, payload)
	return nil
}

func (e endpoint) Broadcast(payload []byte) error {
	for id := uint32(0); id < e.f.n; id++ {
		if id != e.id {
			e.f.push(e.id, id, payload)
		}
	}
	return nil
}

func (e endpoint) SendUnreliable(node uint32, payload []byte) error { return e.Send(node, payload) }

func (e endpoint) BroadcastUnreliable(payload []byte) error { return e.Broadcast(payload) }

func (f *fabric) push(from, to uint32, payload []byte) {
	if f.down[from] || f.down[to] {
		return
	}
	if f.drop != nil {
		if msg, err := protocol.Unmarshal(payload); err == nil && f.drop(from, to, msg) {
			return
		}
	}
	f.queue = append(f.queue, envelope{from: from, to: to, payload: append([]byte(nil), payload...)})
}

type testCluster struct {
	t        *testing.T
	clock    *alarm.ManualClock
	fabric   *fabric
	replicas []*Replica
	executed [][]Executed
}

func newTestCluster(t *testing.T, n uint32, tweaks ...func(*Config)) *testCluster {
	t.Helper()
	c := &testCluster{
		t:        t,
		clock:    alarm.NewManualClock(time.Unix(1_000, 0)),
		fabric:   &fabric{n: n, down: make(map[uint32]bool)},
		executed: make([][]Executed, n),
	}
	for id := uint32(0); id < n; id++ {
		id := id
		cfg := testConfig(id, n)
		for _, tweak := range tweaks {
			tweak(&cfg)
		}
		r, err := New(cfg, endpoint{f: c.fabric, id: id},
			WithClock(c.clock),
			OnExecuted(func(e Executed) { c.executed[id] = append(c.executed[id], e) }),
		)
		if err != nil {
			t.Fatalf("new replica %d: %v", id, err)
		}
		c.replicas = append(c.replicas, r)
	}
	return c
}

func (c *testCluster) recoverAll() {
	for _, r := range c.replicas {
		r.Recover()
	}
	c.pump()
}

// pump delivers queued messages until the fabric is quiet.
func (c *testCluster) pump() {
	c.t.Helper()
	for steps := 0; len(c.fabric.queue) > 0; steps++ {
		if steps > 100_000 {
			c.t.Fatalf("cluster did not quiesce")
		}
		env := c.fabric.queue[0]
		c.fabric.queue = c.fabric.queue[1:]
		if c.fabric.down[env.to] {
			continue
		}
		_ = c.replicas[env.to].Deliver(env.from, env.payload)
	}
}

func (c *testCluster) advance(d time.Duration) {
	c.clock.Advance(d)
	for _, r := range c.replicas {
		r.Tick()
	}
	c.pump()
}

func (c *testCluster) leaders() []uint32 {
	var out []uint32
	for _, r := range c.replicas {
		if r.State() == RegLeader {
			out = append(out, r.ID())
		}
	}
	return out
}

func dropType(t protocol.MessageType) func(from, to uint32, msg protocol.Message) bool {
	return func(_, _ uint32, msg protocol.Message) bool { return msg.Type() == t }
}

func selfAccept(cfg *Config) { cfg.SelfAccept = true }
