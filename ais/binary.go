package ais

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cynsky/AisVirtualNet/errors"
)

// encapsulated accumulates the fragments of a multi-line ABM or BBM request.
type encapsulated struct {
	total    int
	next     int
	sequence int
	channel  string
	msgID    int
	payload  strings.Builder
	fill     int
}

// add appends one fragment. It returns 0 once the last fragment is in and 1
// while more are expected.
func (e *encapsulated) add(s *Sentence, base int) (int, error) {
	total, err := intField(s, 0, "fragment count")
	if err != nil {
		return 0, err
	}
	num, err := intField(s, 1, "fragment number")
	if err != nil {
		return 0, err
	}
	if total < 1 || num < 1 || num > total {
		return 0, errors.WrapInvalid(errors.ErrParsingFailed, "ais", "add",
			fmt.Sprintf("check fragment %d of %d", num, total))
	}
	seq, err := intField(s, 2, "sequence")
	if err != nil {
		return 0, err
	}
	msgID, err := intField(s, base+1, "message id")
	if err != nil {
		return 0, err
	}

	if num == 1 {
		e.total, e.next, e.sequence = total, 1, seq
		e.channel, e.msgID = s.Field(base), msgID
		e.payload.Reset()
	}
	if e.next == 0 || num != e.next || total != e.total || seq != e.sequence {
		return 0, errors.WrapInvalid(errors.ErrParsingFailed, "ais", "add",
			fmt.Sprintf("order fragment %d of %d", num, total))
	}
	e.payload.WriteString(s.Field(base + 2))
	e.fill, _ = strconv.Atoi(s.Field(base + 3))
	e.next++
	if num == total {
		return 0, nil
	}
	return 1, nil
}

func (e *encapsulated) complete() bool {
	return e.next > 0 && e.next == e.total+1
}

func (e *encapsulated) bits(op string) (Bits, error) {
	if !e.complete() {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "ais", op, "check request complete")
	}
	return Dearmor(e.payload.String(), e.fill)
}

// Abm accumulates an addressed binary message request from local equipment.
type Abm struct {
	encapsulated
	destination uint32
}

// Parse feeds one ABM line. It returns 0 when the request is complete, 1 when
// more lines are expected.
func (a *Abm) Parse(line string) (int, error) {
	s, err := ParseSentence(line)
	if err != nil {
		return 0, err
	}
	if s.Formatter != "ABM" {
		return 0, errors.WrapInvalid(errors.ErrParsingFailed, "ais", "Abm.Parse", "check formatter")
	}
	dest, err := strconv.ParseUint(s.Field(3), 10, 32)
	if err != nil {
		return 0, errors.WrapInvalid(errors.ErrParsingFailed, "ais", "Abm.Parse", "read destination")
	}
	if n, _ := strconv.Atoi(s.Field(1)); n == 1 {
		a.destination = uint32(dest)
	} else if uint32(dest) != a.destination {
		return 0, errors.WrapInvalid(errors.ErrParsingFailed, "ais", "Abm.Parse", "match destination")
	}
	return a.add(s, 4)
}

func (a *Abm) Destination() uint32 { return a.destination }
func (a *Abm) Channel() string     { return a.channel }
func (a *Abm) MsgID() int          { return a.msgID }
func (a *Abm) Sequence() int       { return a.sequence }

// Message builds the message 6 or 12 the request describes, sent from own.
func (a *Abm) Message(own uint32) (*Message, error) {
	bits, err := a.bits("Abm.Message")
	if err != nil {
		return nil, err
	}
	if a.msgID != 6 && a.msgID != 12 {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "ais", "Abm.Message",
			fmt.Sprintf("check message id %d", a.msgID))
	}
	if a.msgID == 6 && len(bits) < 16 {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "ais", "Abm.Message", "read application id")
	}
	return &Message{
		Type:        a.msgID,
		MMSI:        own,
		Destination: a.destination,
		Sequence:    a.sequence,
		Data:        bits,
	}, nil
}

// Bbm accumulates a broadcast binary message request from local equipment.
type Bbm struct {
	encapsulated
}

// Parse feeds one BBM line with the same result convention as Abm.Parse.
func (b *Bbm) Parse(line string) (int, error) {
	s, err := ParseSentence(line)
	if err != nil {
		return 0, err
	}
	if s.Formatter != "BBM" {
		return 0, errors.WrapInvalid(errors.ErrParsingFailed, "ais", "Bbm.Parse", "check formatter")
	}
	return b.add(s, 3)
}

func (b *Bbm) Channel() string { return b.channel }
func (b *Bbm) MsgID() int      { return b.msgID }
func (b *Bbm) Sequence() int   { return b.sequence }

// Message builds the message 8 or 14 the request describes, sent from own.
func (b *Bbm) Message(own uint32) (*Message, error) {
	bits, err := b.bits("Bbm.Message")
	if err != nil {
		return nil, err
	}
	if b.msgID != 8 && b.msgID != 14 {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "ais", "Bbm.Message",
			fmt.Sprintf("check message id %d", b.msgID))
	}
	if b.msgID == 8 && len(bits) < 16 {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "ais", "Bbm.Message", "read application id")
	}
	return &Message{Type: b.msgID, MMSI: own, Data: bits}, nil
}
