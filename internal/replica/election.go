package replica

import (
	logs "github.com/danmuck/psbcast/internal/logging"
	"github.com/danmuck/psbcast/internal/observability"
	"github.com/danmuck/psbcast/internal/protocol"
)

func (r *Replica) shiftToLeaderElection(view uint32) {
	logs.Infof("replica.Replica.shiftToLeaderElection id=%d view=%d", r.cfg.ID, view)
	observability.RecordElection(r.node)

	r.state = LeaderElection
	r.viewChanges = make(map[uint32]protocol.ViewChange)
	r.preinstalled = false
	r.prepare = nil
	r.prepareTimer.Stop()
	r.prepareOKs = make(map[uint32]protocol.PrepareOK)
	r.retransmit = nil
	clear(r.lastEnqueued)

	r.lastAttempted = view
	r.progress.Stop()

	vc := protocol.ViewChange{ServerID: r.cfg.ID, Attempted: view}
	r.broadcast(vc, true)
	r.applyViewChange(vc)
	r.checkPreinstall()
	r.publish()
}

func (r *Replica) applyViewChange(vc protocol.ViewChange) {
	if _, seen := r.viewChanges[vc.ServerID]; seen {
		return
	}
	r.viewChanges[vc.ServerID] = vc
}

func (r *Replica) onViewChange(vc protocol.ViewChange) {
	if vc.Attempted > r.lastAttempted && !r.progress.Armed() {
		r.shiftToLeaderElection(vc.Attempted)
	}
	if vc.Attempted == r.lastAttempted {
		r.applyViewChange(vc)
		r.checkPreinstall()
	}
}

// checkPreinstall acts once per attempted view, when the matching view
// changes first reach a quorum.
func (r *Replica) checkPreinstall() {
	if r.preinstalled || r.state != LeaderElection || !r.preinstallReady(r.lastAttempted) {
		return
	}
	r.preinstalled = true
	r.progressTimeout *= 2
	if r.progressTimeout > r.cfg.MaxProgressTimeout {
		r.progressTimeout = r.cfg.MaxProgressTimeout
	}
	r.progress.Set(r.progressTimeout)
	logs.Debugf("replica.Replica.checkPreinstall id=%d view=%d progress=%s", r.cfg.ID, r.lastAttempted, r.progressTimeout)
	if r.isLeaderOf(r.lastAttempted) {
		r.shiftToPrepare()
	}
}

func (r *Replica) preinstallReady(view uint32) bool {
	n := 0
	for _, vc := range r.viewChanges {
		if vc.Attempted == view {
			n++
		}
	}
	return n >= r.cfg.Quorum()
}

func (r *Replica) onVCProof(p protocol.VCProof) {
	if p.Installed <= r.lastInstalled {
		return
	}
	logs.Infof("replica.Replica.onVCProof id=%d installed=%d from=%d", r.cfg.ID, p.Installed, p.ServerID)
	r.lastAttempted = p.Installed
	if r.isLeaderOf(r.lastAttempted) {
		r.shiftToPrepare()
		return
	}
	r.shiftToRegNonLeader()
}

// shiftToPrepare installs the attempted view on its leader and asks the other
// replicas for everything they know above the local aru.
func (r *Replica) shiftToPrepare() {
	r.lastInstalled = r.lastAttempted
	logs.Infof("replica.Replica.shiftToPrepare id=%d view=%d aru=%d", r.cfg.ID, r.lastInstalled, r.localAru)

	prepare := protocol.Prepare{ServerID: r.cfg.ID, View: r.lastInstalled, LocalAru: r.localAru}
	r.prepare = &prepare
	r.prepareTimer.Set(r.cfg.PrepareInterval)

	r.prepareOKs = make(map[uint32]protocol.PrepareOK)
	r.prepareOKs[r.cfg.ID] = r.buildPrepareOK(r.lastInstalled, r.localAru)
	clear(r.lastEnqueued)

	r.broadcast(prepare, true)
	if r.viewPreparedReady(r.lastInstalled) {
		r.shiftToRegLeader()
	}
}

func (r *Replica) buildPrepareOK(view, aru uint32) protocol.PrepareOK {
	proposals, ordered, truncated := r.history.DataList(aru)
	if truncated {
		logs.Warnf("replica.Replica.buildPrepareOK id=%d view=%d data list cut at capacity", r.cfg.ID, view)
	}
	return protocol.PrepareOK{
		ServerID:  r.cfg.ID,
		View:      view,
		Proposals: proposals,
		Updates:   ordered,
	}
}

func (r *Replica) onPrepare(p protocol.Prepare) {
	if r.state == LeaderElection {
		prepare := p
		r.prepare = &prepare
		ok := r.buildPrepareOK(p.View, p.LocalAru)
		r.prepareOKs[r.cfg.ID] = ok
		r.shiftToRegNonLeader()
		r.sendTo(r.Leader(), ok, true)
		return
	}
	ok, cached := r.prepareOKs[r.cfg.ID]
	if !cached || ok.View != p.View {
		ok = r.buildPrepareOK(p.View, p.LocalAru)
		r.prepareOKs[r.cfg.ID] = ok
	}
	r.sendTo(r.Leader(), ok, true)
}

func (r *Replica) onPrepareOK(ok protocol.PrepareOK) {
	if _, seen := r.prepareOKs[ok.ServerID]; seen {
		return
	}
	r.prepareOKs[ok.ServerID] = ok
	for _, p := range ok.Proposals {
		r.history.ApplyProposal(p)
	}
	for _, g := range ok.Updates {
		if r.history.ApplyOrdered(g) {
			r.ordered(g)
		}
	}
	if r.viewPreparedReady(ok.View) {
		r.shiftToRegLeader()
	}
}

func (r *Replica) viewPreparedReady(view uint32) bool {
	n := 0
	for _, ok := range r.prepareOKs {
		if ok.View == view {
			n++
		}
	}
	return n >= r.cfg.Quorum()
}

func (r *Replica) shiftToRegLeader() {
	logs.Infof("replica.Replica.shiftToRegLeader id=%d view=%d aru=%d", r.cfg.ID, r.lastInstalled, r.localAru)
	r.resetProgress()
	r.prepareTimer.Stop()
	r.state = RegLeader
	r.enqueueUnboundPending()
	r.removeBoundFromQueue()
	r.lastProposed = r.localAru
	r.sendProposal()
	r.publish()
}

func (r *Replica) shiftToRegNonLeader() {
	r.resetProgress()
	r.prepareTimer.Stop()
	r.state = RegNonLeader
	r.lastInstalled = r.lastAttempted
	r.queue = nil
	logs.Infof("replica.Replica.shiftToRegNonLeader id=%d view=%d leader=%d", r.cfg.ID, r.lastInstalled, r.Leader())
	r.publish()
}

func (r *Replica) resetProgress() {
	r.progressTimeout = r.cfg.ProgressTimeout
	r.progress.Set(r.progressTimeout)
}
