package ais

import (
	"fmt"
	"math"

	"github.com/cynsky/AisVirtualNet/errors"
)

const (
	lonNotAvailable = 181 * 600000
	latNotAvailable = 91 * 600000
	nameChars       = 20
)

// Ack is one acknowledged (MMSI, sequence) pair of a message 7/13.
type Ack struct {
	MMSI     uint32
	Sequence int
}

// Message is the decoded content of an AIS message. Only the fields of the
// supported types are populated; Raw keeps the full bit string.
type Message struct {
	Type   int
	Repeat int
	MMSI   uint32

	// Position reports for types 1, 2, 3, 18 and 19.
	Position      *Position
	PositionValid bool

	// Name from types 5, 19 and 24 part A, untrimmed.
	Name    string
	HasName bool

	// Addressed binary and safety messages (6, 12).
	Destination uint32
	Sequence    int
	Retransmit  bool

	// Binary payload for 6 and 8, text bits for 12 and 14.
	Data Bits

	// Acknowledgements for 7 and 13.
	Acks []Ack

	Raw Bits
}

// IsPositionReport reports whether the message type carries a vessel position.
func (m *Message) IsPositionReport() bool {
	switch m.Type {
	case 1, 2, 3, 18, 19:
		return true
	}
	return false
}

// AddressedTo reports whether the message is addressed (types 6 and 12) to mmsi.
func (m *Message) AddressedTo(mmsi uint32) bool {
	return (m.Type == 6 || m.Type == 12) && m.Destination == mmsi
}

// IsSafetyText reports whether the message carries safety related text
// (types 12 and 14).
func (m *Message) IsSafetyText() bool {
	return m.Type == 12 || m.Type == 14
}

// Text decodes Data as six-bit text (types 12 and 14).
func (m *Message) Text() string {
	r := &bitReader{bits: m.Data}
	return r.text(len(m.Data) / 6)
}

// DecodeMessage decodes a bit string. Unknown types decode to the common header only.
func DecodeMessage(bits Bits) (*Message, error) {
	if len(bits) < 38 {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "ais", "DecodeMessage", "read message header")
	}
	r := &bitReader{bits: bits}
	m := &Message{
		Type:   int(r.uint(6)),
		Repeat: int(r.uint(2)),
		MMSI:   uint32(r.uint(30)),
		Raw:    bits,
	}

	need := map[int]int{1: 168, 2: 168, 3: 168, 5: 424, 6: 88, 7: 72, 8: 56, 12: 72, 13: 72, 14: 40, 18: 168, 19: 312, 24: 160}
	if min, ok := need[m.Type]; ok && len(bits) < min {
		// Type 5 is often sent two bits short and type 24 part B is shorter than part A.
		if !(m.Type == 5 && len(bits) >= 420) && m.Type != 24 {
			return nil, errors.WrapInvalid(errors.ErrInvalidData, "ais", "DecodeMessage",
				fmt.Sprintf("check length %d of type %d", len(bits), m.Type))
		}
	}

	switch m.Type {
	case 1, 2, 3:
		r.skip(4 + 8 + 10 + 1) // status, rot, sog, accuracy
		m.setPosition(r.int(28), r.int(27))
	case 18:
		r.skip(8 + 10 + 1)
		m.setPosition(r.int(28), r.int(27))
	case 19:
		r.skip(8 + 10 + 1)
		m.setPosition(r.int(28), r.int(27))
		r.skip(12 + 9 + 6 + 4)
		m.Name, m.HasName = r.text(nameChars), true
	case 5:
		r.skip(2 + 30 + 42)
		m.Name, m.HasName = r.text(nameChars), true
	case 24:
		if r.uint(2) == 0 && len(bits) >= 160 {
			m.Name, m.HasName = r.text(nameChars), true
		}
	case 6, 12:
		m.Sequence = int(r.uint(2))
		m.Destination = uint32(r.uint(30))
		m.Retransmit = r.bool()
		r.skip(1)
		m.Data = r.rest()
	case 8, 14:
		r.skip(2)
		m.Data = r.rest()
	case 7, 13:
		r.skip(2)
		for r.remaining() >= 32 && len(m.Acks) < 4 {
			m.Acks = append(m.Acks, Ack{MMSI: uint32(r.uint(30)), Sequence: int(r.uint(2))})
		}
	}
	return m, nil
}

func (m *Message) setPosition(lon, lat int64) {
	m.Position = &Position{
		Latitude:  float64(lat) / 600000.0,
		Longitude: float64(lon) / 600000.0,
	}
	m.PositionValid = lon != lonNotAvailable && lat != latNotAvailable && m.Position.Valid()
}

// EncodeMessage builds the bit string for the types the transponder originates
// (6, 7, 8, 12, 13, 14) and for position and static reports (1, 5, 18, 24).
func EncodeMessage(m *Message) (Bits, error) {
	w := &bitWriter{}
	w.uint(uint64(m.Type), 6)
	w.uint(uint64(m.Repeat), 2)
	w.uint(uint64(m.MMSI), 30)

	switch m.Type {
	case 6, 12:
		if m.Destination == 0 {
			return nil, errors.WrapInvalid(errors.ErrEncodingFailed, "ais", "EncodeMessage", "check destination")
		}
		w.uint(uint64(m.Sequence&3), 2)
		w.uint(uint64(m.Destination), 30)
		w.bool(m.Retransmit)
		w.uint(0, 1)
		w.append(m.Data)
		if m.Type == 6 && len(w.bits) > 1008 {
			return nil, errors.WrapInvalid(errors.ErrEncodingFailed, "ais", "EncodeMessage", "check binary length")
		}
	case 8, 14:
		w.uint(0, 2)
		w.append(m.Data)
		if len(w.bits) > 1008 {
			return nil, errors.WrapInvalid(errors.ErrEncodingFailed, "ais", "EncodeMessage", "check binary length")
		}
	case 7, 13:
		if len(m.Acks) == 0 || len(m.Acks) > 4 {
			return nil, errors.WrapInvalid(errors.ErrEncodingFailed, "ais", "EncodeMessage", "check acknowledgement count")
		}
		w.uint(0, 2)
		for _, a := range m.Acks {
			w.uint(uint64(a.MMSI), 30)
			w.uint(uint64(a.Sequence&3), 2)
		}
	case 1, 2, 3:
		w.uint(15, 4)  // status not defined
		w.int(-128, 8) // rate of turn not available
		w.uint(1023, 10)
		w.uint(0, 1)
		lon, lat := m.positionFields()
		w.int(lon, 28)
		w.int(lat, 27)
		w.uint(3600, 12)
		w.uint(511, 9)
		w.uint(60, 6)
		w.uint(0, 2+3+1+19)
	case 18:
		w.uint(0, 8)
		w.uint(1023, 10)
		w.uint(0, 1)
		lon, lat := m.positionFields()
		w.int(lon, 28)
		w.int(lat, 27)
		w.uint(3600, 12)
		w.uint(511, 9)
		w.uint(60, 6)
		w.uint(0, 2+1+1+1+1+1+1+1+20)
	case 5:
		w.uint(0, 2+30+42)
		w.text(m.Name, nameChars)
		w.uint(0, 8+30+4+20+8+120+1+1)
	case 24:
		w.uint(0, 2)
		w.text(m.Name, nameChars)
	default:
		return nil, errors.WrapInvalid(errors.ErrEncodingFailed, "ais", "EncodeMessage",
			fmt.Sprintf("encode unsupported type %d", m.Type))
	}
	return w.bits, nil
}

func (m *Message) positionFields() (int64, int64) {
	if m.Position == nil || !m.PositionValid {
		return lonNotAvailable, latNotAvailable
	}
	return int64(math.Round(m.Position.Longitude * 600000)), int64(math.Round(m.Position.Latitude * 600000))
}

// NewBinaryAck builds the message 7 acknowledging an addressed binary message.
func NewBinaryAck(own uint32, received *Message) *Message {
	return &Message{
		Type: 7,
		MMSI: own,
		Acks: []Ack{{MMSI: received.MMSI, Sequence: received.Sequence}},
	}
}
