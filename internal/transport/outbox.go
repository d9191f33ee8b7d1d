package transport

import (
	"bytes"
	"sync"
	"time"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/utils"
)

// PendingSend tracks one reliable datagram awaiting its ack.
type PendingSend struct {
	ID            uint64
	Node          uint32
	Payload       []byte
	Attempts      int
	QueuedAt      time.Time
	LastAttemptAt time.Time
	NextAttemptAt time.Time
	LastError     string
}

// Outbox stores pending sends in send order. It is safe for concurrent use.
type Outbox struct {
	mu    sync.RWMutex
	next  uint64
	max   int
	items *treemap.Map
}

// NewOutbox returns an outbox holding at most max entries; max <= 0 is
// unbounded.
func NewOutbox(max int) *Outbox {
	return &Outbox{
		max:   max,
		items: treemap.NewWith(utils.UInt64Comparator),
	}
}

// Add records a new pending send and returns it along with any entries
// evicted to stay within the bound.
func (o *Outbox) Add(node uint32, payload []byte, at time.Time) (PendingSend, []PendingSend) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.next++
	item := PendingSend{
		ID:       o.next,
		Node:     node,
		Payload:  payload,
		QueuedAt: at,
	}
	o.items.Put(item.ID, item)

	var dropped []PendingSend
	for o.max > 0 && o.items.Size() > o.max {
		key, value := o.items.Min()
		o.items.Remove(key)
		dropped = append(dropped, value.(PendingSend))
	}
	return item, dropped
}

func (o *Outbox) MarkAttempt(id uint64, at, next time.Time, lastErr string) (PendingSend, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	value, ok := o.items.Get(id)
	if !ok {
		return PendingSend{}, false
	}
	item := value.(PendingSend)
	item.Attempts++
	item.LastAttemptAt = at
	item.NextAttemptAt = next
	item.LastError = lastErr
	o.items.Put(id, item)
	return item, true
}

// MatchAck removes and returns the oldest entry sent to node whose payload is
// byte-identical to payload.
func (o *Outbox) MatchAck(node uint32, payload []byte) (PendingSend, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	it := o.items.Iterator()
	for it.Next() {
		item := it.Value().(PendingSend)
		if item.Node == node && bytes.Equal(item.Payload, payload) {
			o.items.Remove(it.Key())
			return item, true
		}
	}
	return PendingSend{}, false
}

func (o *Outbox) Remove(id uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.items.Remove(id)
}

// List returns every pending send in send order.
func (o *Outbox) List() []PendingSend {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]PendingSend, 0, o.items.Size())
	for _, value := range o.items.Values() {
		out = append(out, value.(PendingSend))
	}
	return out
}

// Due returns pending sends whose next attempt is at or before now.
func (o *Outbox) Due(now time.Time) []PendingSend {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var out []PendingSend
	for _, value := range o.items.Values() {
		item := value.(PendingSend)
		if !now.Before(item.NextAttemptAt) {
			out = append(out, item)
		}
	}
	return out
}

func (o *Outbox) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.items.Size()
}

// DiscardWhere drops every entry matching pred and reports how many.
func (o *Outbox) DiscardWhere(pred func(PendingSend) bool) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	var ids []uint64
	for _, value := range o.items.Values() {
		item := value.(PendingSend)
		if pred(item) {
			ids = append(ids, item.ID)
		}
	}
	for _, id := range ids {
		o.items.Remove(id)
	}
	return len(ids)
}
