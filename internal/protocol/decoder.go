package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

type decodeStage uint8

const (
	stageTag decodeStage = iota
	stageFields
	stageProposalCount
	stageProposals
	stageUpdateCount
	stageUpdates
	stageAckPayload
)

// fieldCount is the number of 32-bit fields that follow each tag before any
// counted section. A nested ClientUpdate contributes its own tag as a field.
var fieldCount = map[MessageType]int{
	MsgClientUpdate:          4,
	MsgViewChange:            2,
	MsgVCProof:               2,
	MsgPrepare:               3,
	MsgProposal:              3 + 5,
	MsgAccept:                3,
	MsgGloballyOrderedUpdate: 2 + 5,
	MsgPrepareOK:             2,
	MsgAck:                   1,
}

// Decoder turns a byte stream delivered in arbitrary chunks into messages.
// Progress is kept per field: a step waits until the bytes for its field are
// buffered and never re-reads a field or element it has already decoded.
// A Decoder is not safe for concurrent use.
type Decoder struct {
	pending []byte
	off     int

	stage  decodeStage
	tag    MessageType
	fields []uint32

	remaining uint32
	prepareOK PrepareOK
	ackSize   uint32
}

func NewDecoder() *Decoder {
	return &Decoder{fields: make([]uint32, 0, 8)}
}

// Feed appends p to the decode queue and decodes as far as the buffered bytes
// allow. It returns every message completed by this call, in stream order.
// Malformed input is reported as errors wrapping ErrMalformedMessage; after
// each one the decoder returns to its initial state and keeps going with the
// bytes that follow.
func (d *Decoder) Feed(p []byte) ([]Message, error) {
	d.pending = append(d.pending, p...)
	var (
		out  []Message
		errs []error
	)
	for {
		msg, progressed, err := d.step()
		if err != nil {
			errs = append(errs, err)
			d.restart()
			continue
		}
		if msg != nil {
			out = append(out, msg)
		}
		if !progressed {
			break
		}
	}
	d.compact()
	return out, errors.Join(errs...)
}

// Reset abandons any in-progress message and drops buffered bytes.
func (d *Decoder) Reset() {
	d.pending = d.pending[:0]
	d.off = 0
	d.restart()
}

// Buffered reports bytes received but not yet consumed by a field.
func (d *Decoder) Buffered() int {
	return len(d.pending) - d.off
}

// InProgress reports whether a message has been started but not completed.
func (d *Decoder) InProgress() bool {
	return d.stage != stageTag
}

func (d *Decoder) step() (Message, bool, error) {
	switch d.stage {
	case stageTag:
		v, ok := d.read32()
		if !ok {
			return nil, false, nil
		}
		tag := MessageType(v)
		if _, known := fieldCount[tag]; !known {
			return nil, true, fmt.Errorf("%w: unknown type tag %d", ErrMalformedMessage, v)
		}
		d.tag = tag
		d.fields = d.fields[:0]
		d.stage = stageFields
		return nil, true, nil

	case stageFields:
		v, ok := d.read32()
		if !ok {
			return nil, false, nil
		}
		d.fields = append(d.fields, v)
		if len(d.fields) < fieldCount[d.tag] {
			return nil, true, nil
		}
		msg, err := d.completeFields()
		return msg, true, err

	case stageProposalCount:
		n, ok := d.read32()
		if !ok {
			return nil, false, nil
		}
		if n > MaxPrepareOKProposals {
			return nil, true, fmt.Errorf("%w: prepare_ok proposal count %d > %d", ErrMalformedMessage, n, MaxPrepareOKProposals)
		}
		d.remaining = n
		if n > 0 {
			d.prepareOK.Proposals = make([]Proposal, 0, n)
		}
		d.stage = stageProposals
		return nil, true, nil

	case stageProposals:
		if d.remaining == 0 {
			d.stage = stageUpdateCount
			return nil, true, nil
		}
		b, ok := d.read(ProposalSize)
		if !ok {
			return nil, false, nil
		}
		p, err := parseProposal(b)
		if err != nil {
			return nil, true, err
		}
		d.prepareOK.Proposals = append(d.prepareOK.Proposals, p)
		d.remaining--
		return nil, true, nil

	case stageUpdateCount:
		n, ok := d.read32()
		if !ok {
			return nil, false, nil
		}
		if n > MaxPrepareOKUpdates {
			return nil, true, fmt.Errorf("%w: prepare_ok update count %d > %d", ErrMalformedMessage, n, MaxPrepareOKUpdates)
		}
		if size := PrepareOKSize(len(d.prepareOK.Proposals), int(n)); size > MaxMessageSize {
			return nil, true, fmt.Errorf("%w: prepare_ok size %d > %d", ErrMalformedMessage, size, MaxMessageSize)
		}
		d.remaining = n
		if n > 0 {
			d.prepareOK.Updates = make([]GloballyOrderedUpdate, 0, n)
		}
		d.stage = stageUpdates
		return nil, true, nil

	case stageUpdates:
		if d.remaining == 0 {
			msg := d.prepareOK
			d.restart()
			return msg, true, nil
		}
		b, ok := d.read(GloballyOrderedUpdateSize)
		if !ok {
			return nil, false, nil
		}
		g, err := parseGloballyOrdered(b)
		if err != nil {
			return nil, true, err
		}
		d.prepareOK.Updates = append(d.prepareOK.Updates, g)
		d.remaining--
		return nil, true, nil

	case stageAckPayload:
		b, ok := d.read(int(d.ackSize))
		if !ok {
			return nil, false, nil
		}
		var payload []byte
		if len(b) > 0 {
			payload = append([]byte(nil), b...)
		}
		d.restart()
		return Ack{Payload: payload}, true, nil
	}
	return nil, false, nil
}

// completeFields builds the message once all fixed fields are in. For the two
// variable-length types it moves on to the counted section instead.
func (d *Decoder) completeFields() (Message, error) {
	f := d.fields
	var msg Message
	switch d.tag {
	case MsgClientUpdate:
		msg = ClientUpdate{ClientID: f[0], ServerID: f[1], Timestamp: f[2], Update: f[3]}
	case MsgViewChange:
		msg = ViewChange{ServerID: f[0], Attempted: f[1]}
	case MsgVCProof:
		msg = VCProof{ServerID: f[0], Installed: f[1]}
	case MsgPrepare:
		msg = Prepare{ServerID: f[0], View: f[1], LocalAru: f[2]}
	case MsgAccept:
		msg = Accept{ServerID: f[0], View: f[1], Seq: f[2]}
	case MsgProposal:
		u, err := clientUpdateFromWords(f[3:8])
		if err != nil {
			return nil, err
		}
		msg = Proposal{ServerID: f[0], View: f[1], Seq: f[2], Update: u}
	case MsgGloballyOrderedUpdate:
		u, err := clientUpdateFromWords(f[2:7])
		if err != nil {
			return nil, err
		}
		msg = GloballyOrderedUpdate{ServerID: f[0], Seq: f[1], Update: u}
	case MsgPrepareOK:
		d.prepareOK = PrepareOK{ServerID: f[0], View: f[1]}
		d.stage = stageProposalCount
		return nil, nil
	case MsgAck:
		if f[0] > MaxAckPayload {
			return nil, fmt.Errorf("%w: ack size %d > %d", ErrMalformedMessage, f[0], MaxAckPayload)
		}
		d.ackSize = f[0]
		d.stage = stageAckPayload
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: no field layout for tag %d", ErrMalformedMessage, uint32(d.tag))
	}
	d.restart()
	return msg, nil
}

func (d *Decoder) restart() {
	d.stage = stageTag
	d.tag = 0
	d.fields = d.fields[:0]
	d.remaining = 0
	d.prepareOK = PrepareOK{}
	d.ackSize = 0
}

func (d *Decoder) read(n int) ([]byte, bool) {
	if len(d.pending)-d.off < n {
		return nil, false
	}
	b := d.pending[d.off : d.off+n]
	d.off += n
	return b, true
}

func (d *Decoder) read32() (uint32, bool) {
	b, ok := d.read(4)
	if !ok {
		return 0, false
	}
	return binary.BigEndian.Uint32(b), true
}

func (d *Decoder) compact() {
	if d.off == 0 {
		return
	}
	n := copy(d.pending, d.pending[d.off:])
	d.pending = d.pending[:n]
	d.off = 0
}

func clientUpdateFromWords(w []uint32) (ClientUpdate, error) {
	if MessageType(w[0]) != MsgClientUpdate {
		return ClientUpdate{}, fmt.Errorf("%w: nested update tag %d", ErrMalformedMessage, w[0])
	}
	return ClientUpdate{ClientID: w[1], ServerID: w[2], Timestamp: w[3], Update: w[4]}, nil
}

func words(b []byte) []uint32 {
	out := make([]uint32, len(b)/4)
	for i := range out {
		out[i] = binary.BigEndian.Uint32(b[i*4:])
	}
	return out
}

func parseProposal(b []byte) (Proposal, error) {
	w := words(b)
	if MessageType(w[0]) != MsgProposal {
		return Proposal{}, fmt.Errorf("%w: prepare_ok element tag %d, want proposal", ErrMalformedMessage, w[0])
	}
	u, err := clientUpdateFromWords(w[4:9])
	if err != nil {
		return Proposal{}, err
	}
	return Proposal{ServerID: w[1], View: w[2], Seq: w[3], Update: u}, nil
}

func parseGloballyOrdered(b []byte) (GloballyOrderedUpdate, error) {
	w := words(b)
	if MessageType(w[0]) != MsgGloballyOrderedUpdate {
		return GloballyOrderedUpdate{}, fmt.Errorf("%w: prepare_ok element tag %d, want ordered update", ErrMalformedMessage, w[0])
	}
	u, err := clientUpdateFromWords(w[3:8])
	if err != nil {
		return GloballyOrderedUpdate{}, err
	}
	return GloballyOrderedUpdate{ServerID: w[1], Seq: w[2], Update: u}, nil
}

// Unmarshal decodes exactly one whole message from b.
func Unmarshal(b []byte) (Message, error) {
	d := NewDecoder()
	msgs, err := d.Feed(b)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, ErrTruncated
	}
	if len(msgs) > 1 || d.Buffered() > 0 || d.InProgress() {
		return nil, ErrTrailingBytes
	}
	return msgs[0], nil
}
