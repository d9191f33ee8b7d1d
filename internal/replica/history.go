package replica

import (
	"github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/utils"

	"github.com/danmuck/psbcast/internal/protocol"
)

// Slot is the per-sequence record of the global history. Once Ordered is set
// the slot never changes again.
type Slot struct {
	Seq      uint32
	Proposal *protocol.Proposal
	Accepts  map[uint32]protocol.Accept
	Ordered  *protocol.GloballyOrderedUpdate
}

func (s *Slot) IsOrdered() bool { return s.Ordered != nil }

// AcceptCount counts accepts from the view of the current proposal.
func (s *Slot) AcceptCount() int {
	if s.Proposal == nil {
		return 0
	}
	n := 0
	for _, a := range s.Accepts {
		if a.View == s.Proposal.View {
			n++
		}
	}
	return n
}

func (s *Slot) update() (protocol.ClientUpdate, bool) {
	switch {
	case s.Ordered != nil:
		return s.Ordered.Update, true
	case s.Proposal != nil:
		return s.Proposal.Update, true
	default:
		return protocol.ClientUpdate{}, false
	}
}

// History is the slot map keyed by sequence number. Slots are created lazily
// and never removed.
type History struct {
	threshold int
	slots     *treemap.Map
	bound     map[protocol.ClientUpdate]int
}

func NewHistory(acceptThreshold int) *History {
	return &History{
		threshold: acceptThreshold,
		slots:     treemap.NewWith(utils.UInt32Comparator),
		bound:     make(map[protocol.ClientUpdate]int),
	}
}

func (h *History) Get(seq uint32) (*Slot, bool) {
	v, ok := h.slots.Get(seq)
	if !ok {
		return nil, false
	}
	return v.(*Slot), true
}

func (h *History) slot(seq uint32) *Slot {
	if s, ok := h.Get(seq); ok {
		return s
	}
	s := &Slot{Seq: seq, Accepts: make(map[uint32]protocol.Accept)}
	h.slots.Put(seq, s)
	return s
}

// mutate applies fn to the slot while keeping the bound index current.
func (h *History) mutate(s *Slot, fn func()) {
	if u, ok := s.update(); ok {
		h.bound[u]--
		if h.bound[u] <= 0 {
			delete(h.bound, u)
		}
	}
	fn()
	if u, ok := s.update(); ok {
		h.bound[u]++
	}
}

// ApplyProposal records p unless the slot is ordered or already holds a
// proposal from the same or a later view. A replacement clears the accepts.
func (h *History) ApplyProposal(p protocol.Proposal) bool {
	s := h.slot(p.Seq)
	if s.IsOrdered() {
		return false
	}
	if s.Proposal != nil && p.View <= s.Proposal.View {
		return false
	}
	h.mutate(s, func() {
		replaced := s.Proposal != nil
		prop := p
		s.Proposal = &prop
		if replaced {
			s.Accepts = make(map[uint32]protocol.Accept)
		}
	})
	return true
}

// ApplyAccept records a once per sender. Accepts for ordered slots and for
// slots that already hold enough accepts are ignored.
func (h *History) ApplyAccept(a protocol.Accept) bool {
	s := h.slot(a.Seq)
	if s.IsOrdered() || h.ready(s) {
		return false
	}
	if _, dup := s.Accepts[a.ServerID]; dup {
		return false
	}
	s.Accepts[a.ServerID] = a
	return true
}

// ApplyOrdered sets the slot's final update. It reports false when the slot
// was already ordered.
func (h *History) ApplyOrdered(g protocol.GloballyOrderedUpdate) bool {
	s := h.slot(g.Seq)
	if s.IsOrdered() {
		return false
	}
	h.mutate(s, func() {
		ordered := g
		s.Ordered = &ordered
	})
	return true
}

// Ready reports whether seq holds a proposal with enough accepts from the
// proposal's view.
func (h *History) Ready(seq uint32) bool {
	s, ok := h.Get(seq)
	return ok && h.ready(s)
}

func (h *History) ready(s *Slot) bool {
	return s.Proposal != nil && s.AcceptCount() >= h.threshold
}

// Ordered reports whether seq has a final update.
func (h *History) Ordered(seq uint32) bool {
	s, ok := h.Get(seq)
	return ok && s.IsOrdered()
}

// Bound reports whether u is the proposal or final update of any slot.
func (h *History) Bound(u protocol.ClientUpdate) bool {
	return h.bound[u] > 0
}

// ContiguousAru returns the highest seq such that every slot in (aru, seq]
// is ordered.
func (h *History) ContiguousAru(aru uint32) uint32 {
	for h.Ordered(aru + 1) {
		aru++
	}
	return aru
}

// DataList collects every slot above aru: final updates where known, the
// current proposal otherwise. Both lists share one PrepareOK's size budget
// and the walk stops at the first slot that no longer fits.
func (h *History) DataList(aru uint32) ([]protocol.Proposal, []protocol.GloballyOrderedUpdate, bool) {
	var (
		proposals []protocol.Proposal
		ordered   []protocol.GloballyOrderedUpdate
	)
	size := protocol.PrepareOKSize(0, 0)
	it := h.slots.Iterator()
	for it.Next() {
		if it.Key().(uint32) <= aru {
			continue
		}
		s := it.Value().(*Slot)
		switch {
		case s.Ordered != nil:
			if size+protocol.GloballyOrderedUpdateSize > protocol.MaxMessageSize {
				return proposals, ordered, true
			}
			size += protocol.GloballyOrderedUpdateSize
			ordered = append(ordered, *s.Ordered)
		case s.Proposal != nil:
			if size+protocol.ProposalSize > protocol.MaxMessageSize {
				return proposals, ordered, true
			}
			size += protocol.ProposalSize
			proposals = append(proposals, *s.Proposal)
		}
	}
	return proposals, ordered, false
}

func (h *History) Len() int { return h.slots.Size() }
