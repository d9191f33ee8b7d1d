package replica

import (
	logs "github.com/danmuck/psbcast/internal/logging"
	"github.com/danmuck/psbcast/internal/protocol"
)

// Tick runs one pass over the protocol alarms.
func (r *Replica) Tick() {
	if r.proof.Due() {
		r.proof.Restart()
		if r.state != LeaderElection {
			r.broadcast(protocol.VCProof{ServerID: r.cfg.ID, Installed: r.lastInstalled}, false)
		}
	}

	if r.progress.Armed() && r.progress.Due() {
		r.progress.Stop()
		logs.Warnf("replica.Replica.Tick id=%d progress timeout in %s view=%d", r.cfg.ID, r.state, r.lastAttempted)
		r.shiftToLeaderElection(r.lastAttempted + 1)
	}

	for _, id := range r.pendingClients() {
		if r.dropStalePending(id) {
			continue
		}
		if r.pending[id].retry.Due() {
			r.onUpdateRetry(id)
		}
	}

	if r.prepareTimer.Due() && r.prepare != nil {
		r.prepareTimer.Restart()
		r.broadcast(*r.prepare, false)
	}

	if r.proposalTimer.Due() {
		r.proposalTimer.Restart()
		for _, p := range r.retransmit {
			r.broadcast(p, false)
		}
	}
	r.publish()
}
