package replica

import (
	"fmt"

	"github.com/danmuck/psbcast/internal/protocol"
)

// conflict rejects messages that do not fit the current view or state.
func (r *Replica) conflict(msg protocol.Message) error {
	switch m := msg.(type) {
	case protocol.ClientUpdate:
		return nil

	case protocol.ViewChange:
		if m.ServerID == r.cfg.ID {
			return rejectf("own view change")
		}
		if r.state != LeaderElection {
			return rejectf("view change in %s", r.state)
		}
		if m.Attempted <= r.lastInstalled {
			return rejectf("view change attempted=%d <= installed=%d", m.Attempted, r.lastInstalled)
		}

	case protocol.VCProof:
		if m.ServerID == r.cfg.ID {
			return rejectf("own vc proof")
		}
		if r.state != LeaderElection {
			return rejectf("vc proof in %s", r.state)
		}

	case protocol.Prepare:
		if m.ServerID == r.cfg.ID {
			return rejectf("own prepare")
		}
		if m.View != r.lastAttempted {
			return rejectf("prepare view=%d attempted=%d", m.View, r.lastAttempted)
		}
		if m.ServerID != r.leaderOf(m.View) {
			return rejectf("prepare from %d, leader of %d is %d", m.ServerID, m.View, r.leaderOf(m.View))
		}

	case protocol.PrepareOK:
		if m.ServerID == r.cfg.ID {
			return rejectf("own prepare ok")
		}
		if r.state != LeaderElection {
			return rejectf("prepare ok in %s", r.state)
		}
		if m.View != r.lastAttempted {
			return rejectf("prepare ok view=%d attempted=%d", m.View, r.lastAttempted)
		}
		if !r.isLeaderOf(m.View) || r.lastInstalled != m.View {
			return rejectf("prepare ok for view %d outside its prepare phase", m.View)
		}

	case protocol.Proposal:
		if m.ServerID == r.cfg.ID {
			return rejectf("own proposal")
		}
		if r.state != RegNonLeader {
			return rejectf("proposal in %s", r.state)
		}
		if m.View != r.lastInstalled {
			return rejectf("proposal view=%d installed=%d", m.View, r.lastInstalled)
		}
		if m.ServerID != r.Leader() {
			return rejectf("proposal from %d, leader is %d", m.ServerID, r.Leader())
		}

	case protocol.Accept:
		if m.ServerID == r.cfg.ID {
			return rejectf("own accept")
		}
		if r.state == LeaderElection {
			return rejectf("accept in %s", r.state)
		}
		if m.View != r.lastInstalled {
			return rejectf("accept view=%d installed=%d", m.View, r.lastInstalled)
		}
		slot, ok := r.history.Get(m.Seq)
		if !ok || slot.Proposal == nil || slot.Proposal.View != m.View {
			return rejectf("accept seq=%d without proposal from view %d", m.Seq, m.View)
		}

	default:
		return rejectf("unexpected %s", msg.Type())
	}
	return nil
}

func rejectf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrRejected, fmt.Sprintf(format, args...))
}
