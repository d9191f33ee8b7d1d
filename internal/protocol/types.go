package protocol

import "fmt"

// MessageType is the 32-bit tag that opens every encoded message.
type MessageType uint32

const (
	MsgClientUpdate          MessageType = 1
	MsgViewChange            MessageType = 2
	MsgVCProof               MessageType = 3
	MsgPrepare               MessageType = 4
	MsgProposal              MessageType = 5
	MsgAccept                MessageType = 6
	MsgGloballyOrderedUpdate MessageType = 7
	MsgPrepareOK             MessageType = 8
	MsgAck                   MessageType = 1024
)

func (t MessageType) String() string {
	switch t {
	case MsgClientUpdate:
		return "client_update"
	case MsgViewChange:
		return "view_change"
	case MsgVCProof:
		return "vc_proof"
	case MsgPrepare:
		return "prepare"
	case MsgProposal:
		return "proposal"
	case MsgAccept:
		return "accept"
	case MsgGloballyOrderedUpdate:
		return "globally_ordered_update"
	case MsgPrepareOK:
		return "prepare_ok"
	case MsgAck:
		return "ack"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(t))
	}
}

// Encoded sizes in bytes, tag included.
const (
	ClientUpdateSize          = 5 * 4
	ViewChangeSize            = 3 * 4
	VCProofSize               = 3 * 4
	PrepareSize               = 4 * 4
	ProposalSize              = 4*4 + ClientUpdateSize
	AcceptSize                = 4 * 4
	GloballyOrderedUpdateSize = 3*4 + ClientUpdateSize
)

// Size limits. MaxDatagramSize is the largest UDP payload. Every other
// message must leave room for the Ack that echoes it, so encoded messages are
// capped at MaxMessageSize and a PrepareOK's two lists share that budget.
const (
	MaxDatagramSize       = 65507
	AckHeaderSize         = 2 * 4
	MaxMessageSize        = MaxDatagramSize - AckHeaderSize
	PrepareOKHeaderSize   = 5 * 4
	MaxPrepareOKProposals = (MaxMessageSize - PrepareOKHeaderSize) / ProposalSize
	MaxPrepareOKUpdates   = (MaxMessageSize - PrepareOKHeaderSize) / GloballyOrderedUpdateSize
	MaxAckPayload         = MaxMessageSize
)

// PrepareOKSize is the encoded size of a PrepareOK with the given counts.
func PrepareOKSize(proposals, updates int) int {
	return PrepareOKHeaderSize + proposals*ProposalSize + updates*GloballyOrderedUpdateSize
}

// Message is any decoded protocol message.
type Message interface {
	Type() MessageType
}

type ClientUpdate struct {
	ClientID  uint32
	ServerID  uint32
	Timestamp uint32
	Update    uint32
}

type ViewChange struct {
	ServerID  uint32
	Attempted uint32
}

type VCProof struct {
	ServerID  uint32
	Installed uint32
}

type Prepare struct {
	ServerID uint32
	View     uint32
	LocalAru uint32
}

type Proposal struct {
	ServerID uint32
	View     uint32
	Seq      uint32
	Update   ClientUpdate
}

type Accept struct {
	ServerID uint32
	View     uint32
	Seq      uint32
}

type GloballyOrderedUpdate struct {
	ServerID uint32
	Seq      uint32
	Update   ClientUpdate
}

// PrepareOK answers a Prepare with every slot the sender knows above the
// leader's aru: ordered slots as Updates, the rest as Proposals.
type PrepareOK struct {
	ServerID  uint32
	View      uint32
	Proposals []Proposal
	Updates   []GloballyOrderedUpdate
}

// Ack carries a byte-exact copy of the datagram it acknowledges.
type Ack struct {
	Payload []byte
}

func (ClientUpdate) Type() MessageType          { return MsgClientUpdate }
func (ViewChange) Type() MessageType            { return MsgViewChange }
func (VCProof) Type() MessageType               { return MsgVCProof }
func (Prepare) Type() MessageType               { return MsgPrepare }
func (Proposal) Type() MessageType              { return MsgProposal }
func (Accept) Type() MessageType                { return MsgAccept }
func (GloballyOrderedUpdate) Type() MessageType { return MsgGloballyOrderedUpdate }
func (PrepareOK) Type() MessageType             { return MsgPrepareOK }
func (Ack) Type() MessageType                   { return MsgAck }

// Sender returns the replica id a message claims to come from. Acks carry none.
func Sender(m Message) (uint32, bool) {
	switch v := m.(type) {
	case ClientUpdate:
		return v.ServerID, true
	case ViewChange:
		return v.ServerID, true
	case VCProof:
		return v.ServerID, true
	case Prepare:
		return v.ServerID, true
	case Proposal:
		return v.ServerID, true
	case Accept:
		return v.ServerID, true
	case GloballyOrderedUpdate:
		return v.ServerID, true
	case PrepareOK:
		return v.ServerID, true
	default:
		return 0, false
	}
}
