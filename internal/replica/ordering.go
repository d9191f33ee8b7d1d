package replica

import (
	logs "github.com/danmuck/psbcast/internal/logging"
	"github.com/danmuck/psbcast/internal/observability"
	"github.com/danmuck/psbcast/internal/protocol"
)

// sendProposal proposes the next unordered sequence number, reusing a
// proposal already recorded for that slot before taking from the queue.
func (r *Replica) sendProposal() {
	seq := r.lastProposed + 1
	for r.history.Ordered(seq) {
		r.lastProposed = seq
		seq++
	}

	var u protocol.ClientUpdate
	if slot, ok := r.history.Get(seq); ok && slot.Proposal != nil {
		u = slot.Proposal.Update
	} else if len(r.queue) == 0 {
		return
	} else {
		u = r.queue[0]
		r.queue = r.queue[1:]
	}

	p := protocol.Proposal{ServerID: r.cfg.ID, View: r.lastInstalled, Seq: seq, Update: u}
	r.history.ApplyProposal(p)
	r.retransmit = append(r.retransmit, p)
	r.lastProposed = seq
	logs.Debugf("replica.Replica.sendProposal id=%d view=%d seq=%d client=%d ts=%d", r.cfg.ID, p.View, seq, u.ClientID, u.Timestamp)
	r.broadcast(p, true)
	r.tryOrder(seq)
}

func (r *Replica) onProposal(p protocol.Proposal) {
	if r.history.Ordered(p.Seq) {
		return
	}
	fresh := r.history.ApplyProposal(p)
	accept := protocol.Accept{ServerID: r.cfg.ID, View: p.View, Seq: p.Seq}
	if r.cfg.SelfAccept && r.history.ApplyAccept(accept) {
		fresh = true
	}
	r.broadcast(accept, fresh)
	r.tryOrder(p.Seq)
}

func (r *Replica) onAccept(a protocol.Accept) {
	if !r.history.ApplyAccept(a) {
		return
	}
	r.tryOrder(a.Seq)
}

// tryOrder synthesizes the final update for seq once its proposal has enough
// accepts. A slot is ordered at most once.
func (r *Replica) tryOrder(seq uint32) {
	if !r.history.Ready(seq) {
		return
	}
	slot, _ := r.history.Get(seq)
	g := protocol.GloballyOrderedUpdate{ServerID: r.cfg.ID, Seq: seq, Update: slot.Proposal.Update}
	if !r.history.ApplyOrdered(g) {
		return
	}
	r.ordered(g)
}

// ordered runs everything that follows a slot becoming final.
func (r *Replica) ordered(g protocol.GloballyOrderedUpdate) {
	logs.Debugf("replica.Replica.ordered id=%d seq=%d client=%d ts=%d", r.cfg.ID, g.Seq, g.Update.ClientID, g.Update.Timestamp)
	r.execute(g.Seq, g.Update)
	r.localAru = r.history.ContiguousAru(r.localAru)

	kept := r.retransmit[:0]
	for _, p := range r.retransmit {
		if p.Seq != g.Seq {
			kept = append(kept, p)
		}
	}
	r.retransmit = kept

	if r.state == RegLeader {
		r.sendProposal()
	}
	r.publish()
}

// execute applies u at most once per client timestamp.
func (r *Replica) execute(seq uint32, u protocol.ClientUpdate) {
	if u.Timestamp <= r.lastExecuted[u.ClientID] {
		return
	}
	r.lastExecuted[u.ClientID] = u.Timestamp

	local := u.ServerID == r.cfg.ID
	r.dropStalePending(u.ClientID)
	if r.state != LeaderElection {
		r.resetProgress()
	}

	observability.RecordExecuted(r.node)
	logs.Infof("replica.Replica.execute id=%d seq=%d view=%d client=%d ts=%d update=%d", r.cfg.ID, seq, r.lastInstalled, u.ClientID, u.Timestamp, u.Update)
	if r.onExecuted != nil {
		r.onExecuted(Executed{
			Seq:       seq,
			View:      r.lastInstalled,
			ClientID:  u.ClientID,
			ServerID:  u.ServerID,
			Timestamp: u.Timestamp,
			Update:    u.Update,
			Local:     local,
		})
	}
}
