package replica

import (
	"sort"

	"github.com/danmuck/psbcast/internal/alarm"
	logs "github.com/danmuck/psbcast/internal/logging"
	"github.com/danmuck/psbcast/internal/protocol"
)

// Submit introduces a client update at this replica. A zero timestamp takes
// the next counter value for the client.
func (r *Replica) Submit(clientID, update, timestamp uint32) protocol.ClientUpdate {
	if timestamp == 0 {
		timestamp = max(r.lastSubmitted[clientID], r.lastExecuted[clientID]) + 1
	}
	if timestamp > r.lastSubmitted[clientID] {
		r.lastSubmitted[clientID] = timestamp
	}
	u := protocol.ClientUpdate{
		ClientID:  clientID,
		ServerID:  r.cfg.ID,
		Timestamp: timestamp,
		Update:    update,
	}
	logs.Debugf("replica.Replica.Submit id=%d state=%s client=%d ts=%d update=%d", r.cfg.ID, r.state, clientID, timestamp, update)
	r.handleClientUpdate(u)
	r.publish()
	return u
}

// LastExecuted reports the highest executed timestamp for a client.
func (r *Replica) LastExecuted(clientID uint32) uint32 {
	return r.lastExecuted[clientID]
}

func (r *Replica) handleClientUpdate(u protocol.ClientUpdate) {
	local := u.ServerID == r.cfg.ID
	switch r.state {
	case LeaderElection:
		if !local {
			return
		}
		if r.enqueue(u) {
			r.addPending(u)
		}
	case RegNonLeader:
		if !local {
			return
		}
		r.addPending(u)
		r.sendTo(r.Leader(), u, true)
	case RegLeader:
		if !r.enqueue(u) {
			return
		}
		if local {
			r.addPending(u)
		}
		r.sendProposal()
	}
}

// enqueue queues u unless the client already has an executed or queued
// update at or past its timestamp.
func (r *Replica) enqueue(u protocol.ClientUpdate) bool {
	if u.Timestamp <= r.lastExecuted[u.ClientID] {
		return false
	}
	if u.Timestamp <= r.lastEnqueued[u.ClientID] {
		return false
	}
	r.queue = append(r.queue, u)
	r.lastEnqueued[u.ClientID] = u.Timestamp
	return true
}

func (r *Replica) addPending(u protocol.ClientUpdate) {
	p, ok := r.pending[u.ClientID]
	if !ok {
		p = &pendingUpdate{retry: alarm.New(r.clock)}
		r.pending[u.ClientID] = p
	}
	p.update = u
	p.retry.Set(r.cfg.UpdateRetry)
}

// dropStalePending forgets the client's pending update once its executed
// watermark has reached the pending timestamp.
func (r *Replica) dropStalePending(clientID uint32) bool {
	p, ok := r.pending[clientID]
	if !ok || p.update.Timestamp > r.lastExecuted[clientID] {
		return false
	}
	p.retry.Stop()
	delete(r.pending, clientID)
	logs.Debugf("replica.Replica.dropStalePending id=%d client=%d ts=%d executed=%d", r.cfg.ID, clientID, p.update.Timestamp, r.lastExecuted[clientID])
	return true
}

func (r *Replica) pendingClients() []uint32 {
	ids := make([]uint32, 0, len(r.pending))
	for id := range r.pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r *Replica) enqueueUnboundPending() {
	for _, id := range r.pendingClients() {
		if r.dropStalePending(id) {
			continue
		}
		u := r.pending[id].update
		if r.history.Bound(u) || r.queued(u) {
			continue
		}
		r.enqueue(u)
	}
}

func (r *Replica) removeBoundFromQueue() {
	kept := r.queue[:0]
	for _, u := range r.queue {
		stale := r.history.Bound(u) ||
			u.Timestamp <= r.lastExecuted[u.ClientID] ||
			(u.Timestamp <= r.lastEnqueued[u.ClientID] && u.ServerID != r.cfg.ID)
		if !stale {
			kept = append(kept, u)
			continue
		}
		if u.Timestamp > r.lastEnqueued[u.ClientID] {
			r.lastEnqueued[u.ClientID] = u.Timestamp
		}
	}
	r.queue = kept
}

func (r *Replica) queued(u protocol.ClientUpdate) bool {
	for _, q := range r.queue {
		if q == u {
			return true
		}
	}
	return false
}

func (r *Replica) onUpdateRetry(clientID uint32) {
	p := r.pending[clientID]
	p.retry.Set(r.cfg.UpdateRetry)
	if r.state == RegNonLeader {
		logs.Debugf("replica.Replica.onUpdateRetry id=%d client=%d ts=%d leader=%d", r.cfg.ID, clientID, p.update.Timestamp, r.Leader())
		r.sendTo(r.Leader(), p.update, false)
	}
}
