package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Encode writes msg to w using the canonical wire format.
func Encode(w io.Writer, msg Message) error {
	buf, err := Marshal(msg)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// Marshal returns the canonical encoding of msg.
func Marshal(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, ErrNilMessage
	}
	return AppendMessage(make([]byte, 0, encodedSize(msg)), msg)
}

// AppendMessage appends the encoding of msg to buf.
func AppendMessage(buf []byte, msg Message) ([]byte, error) {
	switch m := msg.(type) {
	case ClientUpdate:
		return appendClientUpdate(buf, m), nil
	case ViewChange:
		buf = putU32(buf, uint32(MsgViewChange))
		buf = putU32(buf, m.ServerID)
		return putU32(buf, m.Attempted), nil
	case VCProof:
		buf = putU32(buf, uint32(MsgVCProof))
		buf = putU32(buf, m.ServerID)
		return putU32(buf, m.Installed), nil
	case Prepare:
		buf = putU32(buf, uint32(MsgPrepare))
		buf = putU32(buf, m.ServerID)
		buf = putU32(buf, m.View)
		return putU32(buf, m.LocalAru), nil
	case Proposal:
		return appendProposal(buf, m), nil
	case Accept:
		buf = putU32(buf, uint32(MsgAccept))
		buf = putU32(buf, m.ServerID)
		buf = putU32(buf, m.View)
		return putU32(buf, m.Seq), nil
	case GloballyOrderedUpdate:
		return appendGloballyOrdered(buf, m), nil
	case PrepareOK:
		return appendPrepareOK(buf, m)
	case Ack:
		if len(m.Payload) > MaxAckPayload {
			return nil, fmt.Errorf("%w: ack payload %d > %d", ErrCapacityExceeded, len(m.Payload), MaxAckPayload)
		}
		buf = putU32(buf, uint32(MsgAck))
		buf = putU32(buf, uint32(len(m.Payload)))
		return append(buf, m.Payload...), nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupported, msg)
	}
}

func appendClientUpdate(buf []byte, u ClientUpdate) []byte {
	buf = putU32(buf, uint32(MsgClientUpdate))
	buf = putU32(buf, u.ClientID)
	buf = putU32(buf, u.ServerID)
	buf = putU32(buf, u.Timestamp)
	return putU32(buf, u.Update)
}

func appendProposal(buf []byte, p Proposal) []byte {
	buf = putU32(buf, uint32(MsgProposal))
	buf = putU32(buf, p.ServerID)
	buf = putU32(buf, p.View)
	buf = putU32(buf, p.Seq)
	return appendClientUpdate(buf, p.Update)
}

func appendGloballyOrdered(buf []byte, g GloballyOrderedUpdate) []byte {
	buf = putU32(buf, uint32(MsgGloballyOrderedUpdate))
	buf = putU32(buf, g.ServerID)
	buf = putU32(buf, g.Seq)
	return appendClientUpdate(buf, g.Update)
}

func appendPrepareOK(buf []byte, p PrepareOK) ([]byte, error) {
	if len(p.Proposals) > MaxPrepareOKProposals {
		return nil, fmt.Errorf("%w: %d proposals > %d", ErrCapacityExceeded, len(p.Proposals), MaxPrepareOKProposals)
	}
	if len(p.Updates) > MaxPrepareOKUpdates {
		return nil, fmt.Errorf("%w: %d ordered updates > %d", ErrCapacityExceeded, len(p.Updates), MaxPrepareOKUpdates)
	}
	if size := PrepareOKSize(len(p.Proposals), len(p.Updates)); size > MaxMessageSize {
		return nil, fmt.Errorf("%w: prepare_ok size %d > %d", ErrCapacityExceeded, size, MaxMessageSize)
	}
	buf = putU32(buf, uint32(MsgPrepareOK))
	buf = putU32(buf, p.ServerID)
	buf = putU32(buf, p.View)
	buf = putU32(buf, uint32(len(p.Proposals)))
	for _, prop := range p.Proposals {
		buf = appendProposal(buf, prop)
	}
	buf = putU32(buf, uint32(len(p.Updates)))
	for _, g := range p.Updates {
		buf = appendGloballyOrdered(buf, g)
	}
	return buf, nil
}

func encodedSize(msg Message) int {
	switch m := msg.(type) {
	case ClientUpdate:
		return ClientUpdateSize
	case ViewChange:
		return ViewChangeSize
	case VCProof:
		return VCProofSize
	case Prepare:
		return PrepareSize
	case Proposal:
		return ProposalSize
	case Accept:
		return AcceptSize
	case GloballyOrderedUpdate:
		return GloballyOrderedUpdateSize
	case PrepareOK:
		return PrepareOKSize(len(m.Proposals), len(m.Updates))
	case Ack:
		return AckHeaderSize + len(m.Payload)
	default:
		return 0
	}
}

func putU32(buf []byte, v uint32) []byte {
	return binary.BigEndian.AppendUint32(buf, v)
}
