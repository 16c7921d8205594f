package ais

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cynsky/AisVirtualNet/errors"
)

// MaxPayloadChars is the largest armored payload put in one VDM/VDO sentence.
const MaxPayloadChars = 60

// Packet is one AIS message occurrence: the raw lines it arrived as plus the
// decoded message. Packets are immutable; transforms return new values.
type Packet struct {
	lines     []string
	timestamp time.Time
	message   *Message
}

// ParsePacket parses a CRLF or LF separated group of lines carrying one AIS
// message. Lines that are not VDM/VDO sentences are kept but not decoded.
func ParsePacket(raw string) (*Packet, error) {
	p := &Packet{}
	var payload strings.Builder
	fill, total, parts := 0, 0, 0

	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		p.lines = append(p.lines, line)

		if !HasSentence(line) {
			continue
		}
		vdm := IsFormatter(line, "VDM") || IsFormatter(line, "VDO")
		s, err := ParseSentence(line)
		if err != nil {
			if vdm {
				return nil, errors.Wrap(err, "ais", "ParsePacket", "parse sentence")
			}
			continue
		}
		if ts, ok := tagBlockTime(s.TagBlock); ok {
			p.timestamp = ts
		}
		if !vdm {
			continue
		}

		t, err := intField(s, 0, "fragment count")
		if err != nil {
			return nil, err
		}
		n, err := intField(s, 1, "fragment number")
		if err != nil {
			return nil, err
		}
		if n != parts+1 || (total != 0 && t != total) {
			return nil, errors.WrapInvalid(errors.ErrParsingFailed, "ais", "ParsePacket",
				fmt.Sprintf("order fragment %d of %d", n, t))
		}
		total = t
		parts++
		payload.WriteString(s.Field(4))
		fill, _ = strconv.Atoi(s.Field(5))
	}

	if parts == 0 {
		return nil, errors.WrapInvalid(errors.ErrParsingFailed, "ais", "ParsePacket", "find VDM/VDO sentence")
	}
	if parts != total {
		return nil, errors.WrapInvalid(errors.ErrParsingFailed, "ais", "ParsePacket",
			fmt.Sprintf("collect fragments (%d of %d)", parts, total))
	}

	bits, err := Dearmor(payload.String(), fill)
	if err != nil {
		return nil, err
	}
	p.message, err = DecodeMessage(bits)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// tagBlockTime extracts the c: source time of a tag block, given in unix
// seconds or milliseconds.
func tagBlockTime(tag string) (time.Time, bool) {
	if tag == "" {
		return time.Time{}, false
	}
	if star := strings.IndexByte(tag, '*'); star >= 0 {
		tag = tag[:star]
	}
	for _, kv := range strings.Split(tag, ",") {
		if !strings.HasPrefix(kv, "c:") {
			continue
		}
		v, err := strconv.ParseInt(kv[2:], 10, 64)
		if err != nil || v <= 0 {
			return time.Time{}, false
		}
		if v > 100_000_000_000 {
			return time.UnixMilli(v), true
		}
		return time.Unix(v, 0), true
	}
	return time.Time{}, false
}

// Message returns the decoded message.
func (p *Packet) Message() *Message {
	return p.message
}

// Timestamp returns the origination time from the tag block, if present.
func (p *Packet) Timestamp() (time.Time, bool) {
	return p.timestamp, !p.timestamp.IsZero()
}

// String joins the lines with CRLF.
func (p *Packet) String() string {
	return strings.Join(p.lines, "\r\n")
}

// Framed returns the packet with every VDM/VDO sentence readdressed as
// talker+VDO when the message originates from own, talker+VDM otherwise.
func (p *Packet) Framed(own uint32, talker string) (*Packet, error) {
	formatter := "VDM"
	if p.message.MMSI == own {
		formatter = "VDO"
	}
	out := &Packet{timestamp: p.timestamp, message: p.message, lines: make([]string, 0, len(p.lines))}
	for _, line := range p.lines {
		if !IsFormatter(line, "VDM") && !IsFormatter(line, "VDO") {
			out.lines = append(out.lines, line)
			continue
		}
		s, err := ParseSentence(line)
		if err != nil {
			return nil, errors.Wrap(err, "ais", "Framed", "parse sentence")
		}
		s.Talker, s.Formatter = talker, formatter
		if s.TagBlock != "" {
			out.lines = append(out.lines, `\`+s.TagBlock+`\`+s.String())
		} else {
			out.lines = append(out.lines, s.String())
		}
	}
	return out, nil
}

// Cropped returns the packet reduced to its bare VDM/VDO sentences, without
// tag blocks or any other line.
func (p *Packet) Cropped() (*Packet, error) {
	out := &Packet{timestamp: p.timestamp, message: p.message}
	for _, line := range p.lines {
		if !IsFormatter(line, "VDM") && !IsFormatter(line, "VDO") {
			continue
		}
		s, err := ParseSentence(line)
		if err != nil {
			return nil, errors.Wrap(err, "ais", "Cropped", "parse sentence")
		}
		out.lines = append(out.lines, s.String())
	}
	if len(out.lines) == 0 {
		return nil, errors.WrapInvalid(errors.ErrParsingFailed, "ais", "Cropped", "find VDM/VDO sentence")
	}
	return out, nil
}

// EncodePacket encodes m into !AIVDM sentences on channel A. seq is the
// sequential message id used when more than one sentence is needed.
func EncodePacket(m *Message, seq int) (*Packet, error) {
	bits, err := EncodeMessage(m)
	if err != nil {
		return nil, err
	}
	lines := CreateSentences("AIVDM", "A", bits, seq)

	out := &Packet{lines: lines}
	// decode back so the packet carries the canonical message view
	out.message, err = DecodeMessage(bits)
	if err != nil {
		return nil, errors.Wrap(err, "ais", "EncodePacket", "decode encoded message")
	}
	return out, nil
}

// CreateSentences splits an armored bit string into VDM/VDO style sentences.
func CreateSentences(address, channel string, bits Bits, seq int) []string {
	payload, fill := Armor(bits)
	total := (len(payload) + MaxPayloadChars - 1) / MaxPayloadChars
	if total == 0 {
		total = 1
	}
	seqID := ""
	if total > 1 {
		seqID = strconv.Itoa(seq % 10)
	}

	lines := make([]string, 0, total)
	for i := 0; i < total; i++ {
		end := (i + 1) * MaxPayloadChars
		if end > len(payload) {
			end = len(payload)
		}
		f := 0
		if i == total-1 {
			f = fill
		}
		lines = append(lines, FormatSentence('!', address,
			strconv.Itoa(total), strconv.Itoa(i+1), seqID, channel,
			payload[i*MaxPayloadChars:end], strconv.Itoa(f)))
	}
	return lines
}
