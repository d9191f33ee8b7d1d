package replica

import (
	"testing"
	"time"

	"github.com/danmuck/psbcast/internal/protocol"
	"github.com/danmuck/psbcast/internal/testutil/testlog"
)

func TestClusterElectsLeaderOfViewOne(t *testing.T) {
	testlog.Start(t)
	c := newTestCluster(t, 3)
	c.recoverAll()

	leaders := c.leaders()
	if len(leaders) != 1 || leaders[0] != 1 {
		t.Fatalf("leaders=%v want [1]", leaders)
	}
	for _, r := range c.replicas {
		st := r.Status()
		if st.LastInstalled != 1 || st.Leader != 1 {
			t.Fatalf("replica %d status %+v", r.ID(), st)
		}
		if r.ID() != 1 && r.State() != RegNonLeader {
			t.Fatalf("replica %d state=%s", r.ID(), r.State())
		}
	}
}

func TestClusterReplacesIsolatedLeader(t *testing.T) {
	testlog.Start(t)
	c := newTestCluster(t, 3)
	c.recoverAll()

	c.fabric.down[1] = true
	c.advance(time.Second)

	leaders := c.leaders()
	if len(leaders) != 1 || leaders[0] != 2 {
		t.Fatalf("leaders=%v want [2]", leaders)
	}
	for _, id := range []uint32{0, 2} {
		if st := c.replicas[id].Status(); st.LastInstalled != 2 {
			t.Fatalf("replica %d status %+v", id, st)
		}
	}
	if st := c.replicas[1].Status(); st.State != LeaderElection.String() || st.LastAttempted != 2 {
		t.Fatalf("isolated replica status %+v", st)
	}
}

func TestClusterOrdersClientUpdate(t *testing.T) {
	testlog.Start(t)
	c := newTestCluster(t, 3)
	c.recoverAll()

	u := c.replicas[0].Submit(7, 42, 0)
	if u.Timestamp != 1 {
		t.Fatalf("timestamp=%d want 1", u.Timestamp)
	}
	c.pump()

	for id, got := range c.executed {
		if len(got) != 1 {
			t.Fatalf("replica %d executed %d updates want 1", id, len(got))
		}
		e := got[0]
		if e.Seq != 1 || e.ClientID != 7 || e.Update != 42 || e.Timestamp != 1 || e.ServerID != 0 {
			t.Fatalf("replica %d executed %+v", id, e)
		}
		if e.Local != (id == 0) {
			t.Fatalf("replica %d local=%v", id, e.Local)
		}
		if aru := c.replicas[id].Status().LocalAru; aru != 1 {
			t.Fatalf("replica %d aru=%d want 1", id, aru)
		}
	}
	if n := c.replicas[0].Status().PendingUpdates; n != 0 {
		t.Fatalf("origin still has %d pending updates", n)
	}
}

// orderAcrossViewChange orders one update in view 1, isolates leader 1 and
// submits a second update at replica 0 once view 2 is installed.
func orderAcrossViewChange(t *testing.T, tweaks ...func(*Config)) *testCluster {
	t.Helper()
	c := newTestCluster(t, 3, tweaks...)
	c.recoverAll()

	c.replicas[0].Submit(7, 1, 0)
	c.pump()

	c.fabric.down[1] = true
	c.advance(time.Second)
	c.replicas[0].Submit(7, 2, 0)
	c.pump()
	return c
}

func checkExecutedInOrder(t *testing.T, c *testCluster, id, want int) {
	t.Helper()
	got := c.executed[id]
	if len(got) != want {
		t.Fatalf("replica %d executed %d updates want %d", id, len(got), want)
	}
	for i, e := range got {
		if e.Seq != uint32(i+1) || e.Update != uint32(i+1) || e.Timestamp != uint32(i+1) {
			t.Fatalf("replica %d update %d: %+v", id, i, e)
		}
	}
}

func TestClusterKeepsOrderAcrossViewChange(t *testing.T) {
	testlog.Start(t)
	c := orderAcrossViewChange(t)

	// With one peer down the follower has no other acceptor to hear from, so
	// only the new leader orders the second slot.
	checkExecutedInOrder(t, c, 2, 2)
	checkExecutedInOrder(t, c, 0, 1)
	checkExecutedInOrder(t, c, 1, 1)
	if slot, ok := c.replicas[0].History().Get(2); !ok || slot.Proposal == nil || slot.IsOrdered() {
		t.Fatalf("follower slot 2: %+v", slot)
	}
}

func TestClusterSelfAcceptOrdersWithPeerDown(t *testing.T) {
	testlog.Start(t)
	c := orderAcrossViewChange(t, selfAccept)

	checkExecutedInOrder(t, c, 2, 2)
	checkExecutedInOrder(t, c, 0, 2)
	checkExecutedInOrder(t, c, 1, 1)
	if n := c.replicas[0].Status().PendingUpdates; n != 0 {
		t.Fatalf("origin still has %d pending updates", n)
	}
}

func TestClusterRetransmitsLostProposals(t *testing.T) {
	testlog.Start(t)
	c := newTestCluster(t, 3)
	c.recoverAll()

	c.fabric.drop = dropType(protocol.MsgProposal)
	c.replicas[1].Submit(7, 42, 0)
	c.pump()
	for id, got := range c.executed {
		if len(got) != 0 {
			t.Fatalf("replica %d executed without a delivered proposal", id)
		}
	}
	if n := c.replicas[1].Status().Retransmitting; n != 1 {
		t.Fatalf("leader retransmitting %d proposals want 1", n)
	}

	c.fabric.drop = nil
	c.advance(c.replicas[1].cfg.ProposalInterval)
	c.advance(c.replicas[1].cfg.ProposalInterval)
	for id, got := range c.executed {
		if len(got) != 1 || got[0].Seq != 1 || got[0].Update != 42 {
			t.Fatalf("replica %d executed %+v", id, got)
		}
	}
	if n := c.replicas[1].Status().Retransmitting; n != 0 {
		t.Fatalf("leader still retransmitting %d proposals", n)
	}
}

func TestClusterRetransmitsLostPrepare(t *testing.T) {
	testlog.Start(t)
	c := newTestCluster(t, 3)
	c.fabric.drop = dropType(protocol.MsgPrepare)
	c.recoverAll()

	if leaders := c.leaders(); len(leaders) != 0 {
		t.Fatalf("leaders=%v before any prepare arrived", leaders)
	}
	if st := c.replicas[1].Status(); st.State != LeaderElection.String() || st.LastInstalled != 1 {
		t.Fatalf("leader status %+v", st)
	}

	c.fabric.drop = nil
	c.advance(c.replicas[1].cfg.PrepareInterval)
	leaders := c.leaders()
	if len(leaders) != 1 || leaders[0] != 1 {
		t.Fatalf("leaders=%v want [1]", leaders)
	}
	for _, id := range []int{0, 2} {
		if st := c.replicas[id].Status(); st.State != RegNonLeader.String() || st.LastInstalled != 1 {
			t.Fatalf("replica %d status %+v", id, st)
		}
	}
}
