// Package ais implements the subset of AIS and NMEA 0183 handling the virtual
// network needs: VDM/VDO framing, six-bit payload armoring, decoding of the
// message types the bridge inspects, and the ABM/BBM/ABK/PSTT sentences spoken
// with local equipment.
package ais

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cynsky/AisVirtualNet/errors"
)

// Sentence is one parsed NMEA line without its tag block.
type Sentence struct {
	Start     byte   // '!' or '$'
	Talker    string // e.g. "AI"
	Formatter string // e.g. "VDM"
	Fields    []string
	TagBlock  string // raw tag block contents without the enclosing backslashes
}

// Checksum returns the XOR of all bytes in s.
func Checksum(s string) byte {
	var cs byte
	for i := 0; i < len(s); i++ {
		cs ^= s[i]
	}
	return cs
}

// HasSentence reports whether line contains something shaped like an NMEA sentence.
func HasSentence(line string) bool {
	i := strings.IndexAny(line, "!$")
	return i >= 0 && len(line)-i >= 6
}

// IsFormatter reports whether line is a sentence with the given three-letter formatter.
func IsFormatter(line, formatter string) bool {
	i := strings.IndexAny(line, "!$")
	if i < 0 || len(line) < i+6 {
		return false
	}
	return line[i+3:i+6] == formatter
}

// ParseSentence parses a single line, validating its checksum when present.
func ParseSentence(line string) (*Sentence, error) {
	line = strings.TrimRight(line, "\r\n")

	var tag string
	if strings.HasPrefix(line, `\`) {
		end := strings.Index(line[1:], `\`)
		if end < 0 {
			return nil, errors.WrapInvalid(errors.ErrParsingFailed, "ais", "ParseSentence", "unterminated tag block")
		}
		tag = line[1 : end+1]
		line = line[end+2:]
	}

	if len(line) < 7 || (line[0] != '!' && line[0] != '$') {
		return nil, errors.WrapInvalid(errors.ErrParsingFailed, "ais", "ParseSentence", "find sentence start")
	}

	body := line[1:]
	if star := strings.LastIndexByte(body, '*'); star >= 0 {
		want, err := strconv.ParseUint(strings.TrimSpace(body[star+1:]), 16, 8)
		if err != nil {
			return nil, errors.WrapInvalid(errors.ErrChecksumFailed, "ais", "ParseSentence", "read checksum")
		}
		body = body[:star]
		if Checksum(body) != byte(want) {
			return nil, errors.WrapInvalid(errors.ErrChecksumFailed, "ais", "ParseSentence",
				fmt.Sprintf("verify checksum %02X", want))
		}
	}

	parts := strings.Split(body, ",")
	if len(parts[0]) != 5 {
		return nil, errors.WrapInvalid(errors.ErrParsingFailed, "ais", "ParseSentence", "read address field")
	}

	return &Sentence{
		Start:     line[0],
		Talker:    parts[0][:2],
		Formatter: parts[0][2:],
		Fields:    parts[1:],
		TagBlock:  tag,
	}, nil
}

// Field returns field i or "" when absent.
func (s *Sentence) Field(i int) string {
	if i < 0 || i >= len(s.Fields) {
		return ""
	}
	return s.Fields[i]
}

// String encodes the sentence with a fresh checksum, without tag block.
func (s *Sentence) String() string {
	return FormatSentence(s.Start, s.Talker+s.Formatter, s.Fields...)
}

// FormatSentence builds "<start><address>,<fields>*hh".
func FormatSentence(start byte, address string, fields ...string) string {
	body := address
	if len(fields) > 0 {
		body += "," + strings.Join(fields, ",")
	}
	return fmt.Sprintf("%c%s*%02X", start, body, Checksum(body))
}

func intField(s *Sentence, i int, name string) (int, error) {
	v, err := strconv.Atoi(s.Field(i))
	if err != nil {
		return 0, errors.WrapInvalid(errors.ErrParsingFailed, "ais", "intField", "read "+name)
	}
	return v, nil
}
