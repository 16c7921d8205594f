package ais

import (
	"fmt"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cynsky/AisVirtualNet/errors"
)

const (
	positionReport = "!AIVDM,1,1,,B,177KQJ5000G?tO`K>RA1wUbN0TKH,0*5C"
	staticPart1    = "!AIVDM,2,1,1,A,55?MbV02;H;s<HtKR20EHE:0@T4@Dn2222222216L961O5Gf0NSQEp6ClRp8,0*1C"
	staticPart2    = "!AIVDM,2,2,1,A,88888888880,2*25"
)

func TestParseSentence(t *testing.T) {
	s, err := ParseSentence(positionReport + "\r\n")
	require.NoError(t, err)
	assert.Equal(t, byte('!'), s.Start)
	assert.Equal(t, "AI", s.Talker)
	assert.Equal(t, "VDM", s.Formatter)
	assert.Equal(t, "B", s.Field(3))
	assert.Equal(t, "", s.Field(42))
	assert.Equal(t, positionReport, s.String())
}

func TestParseSentence_Errors(t *testing.T) {
	tests := []struct {
		name string
		line string
		want error
	}{
		{"bad checksum", "!AIVDM,1,1,,B,177KQJ5000G?tO`K>RA1wUbN0TKH,0*5D", errors.ErrChecksumFailed},
		{"no start", "AIVDM,1,1,,B,177KQJ5000G,0", errors.ErrParsingFailed},
		{"open tag block", `\c:1700000000*hh!AIVDM,1,1,,B,1,0`, errors.ErrParsingFailed},
		{"short address", "!AIV,1,1,,B,1,0", errors.ErrParsingFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSentence(tt.line)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestIsFormatter(t *testing.T) {
	assert.True(t, IsFormatter("!AIABM,1,1,0,987654321,0,6,0@,0*00", "ABM"))
	assert.True(t, IsFormatter(`\c:1*00\!AIVDM,1`, "VDM"))
	assert.False(t, IsFormatter("!AIBBM,1,1", "ABM"))
	assert.False(t, IsFormatter("hello", "ABM"))
	assert.False(t, HasSentence("no sentence here"))
}

func TestArmorRoundTrip(t *testing.T) {
	bits, err := Dearmor("177KQJ5000G?tO`K>RA1wUbN0TKH", 0)
	require.NoError(t, err)
	assert.Len(t, bits, 168)

	payload, fill := Armor(bits)
	assert.Equal(t, "177KQJ5000G?tO`K>RA1wUbN0TKH", payload)
	assert.Equal(t, 0, fill)

	short := Bits{1, 0, 1}
	payload, fill = Armor(short)
	assert.Equal(t, 3, fill)
	back, err := Dearmor(payload, fill)
	require.NoError(t, err)
	assert.Equal(t, short, back)

	_, err = Dearmor("177X", 0)
	assert.Error(t, err)
	_, err = Dearmor("1", 7)
	assert.Error(t, err)
}

func TestParsePacket_Position(t *testing.T) {
	p, err := ParsePacket(positionReport)
	require.NoError(t, err)

	m := p.Message()
	assert.Equal(t, 1, m.Type)
	assert.Equal(t, uint32(477553000), m.MMSI)
	assert.True(t, m.IsPositionReport())
	require.True(t, m.PositionValid)
	assert.InDelta(t, 47.582833, m.Position.Latitude, 1e-5)
	assert.InDelta(t, -122.345833, m.Position.Longitude, 1e-5)

	_, ok := p.Timestamp()
	assert.False(t, ok)
}

func TestParsePacket_MultipartStatic(t *testing.T) {
	p, err := ParsePacket(staticPart1 + "\r\n" + staticPart2)
	require.NoError(t, err)

	m := p.Message()
	assert.Equal(t, 5, m.Type)
	assert.Equal(t, uint32(351759000), m.MMSI)
	require.True(t, m.HasName)
	assert.Equal(t, "EVER DIADEM", TrimText(m.Name))
	assert.Len(t, p.lines, 2)
	assert.Equal(t, staticPart1+"\r\n"+staticPart2, p.String())
}

func TestParsePacket_Errors(t *testing.T) {
	_, err := ParsePacket("$PGHP,1,2,3*00")
	assert.Error(t, err)

	_, err = ParsePacket(staticPart2)
	assert.Error(t, err, "second fragment alone")

	_, err = ParsePacket(staticPart1)
	assert.Error(t, err, "missing fragment")

	_, err = ParsePacket("")
	assert.Error(t, err)
}

func TestParsePacket_TagBlockTimestamp(t *testing.T) {
	tag := "c:1700000000"
	line := `\` + tag + "*" + hex(Checksum(tag)) + `\` + positionReport
	p, err := ParsePacket(line)
	require.NoError(t, err)

	ts, ok := p.Timestamp()
	require.True(t, ok)
	assert.Equal(t, time.Unix(1700000000, 0), ts)

	ms, ok := tagBlockTime("s:base,c:1700000000123")
	require.True(t, ok)
	assert.Equal(t, time.UnixMilli(1700000000123), ms)
}

func TestPacket_FramedAndCropped(t *testing.T) {
	tag := "c:1700000000"
	raw := `\` + tag + "*" + hex(Checksum(tag)) + `\` + positionReport + "\r\n$PGHP,1*00"
	p, err := ParsePacket(raw)
	require.NoError(t, err)

	foreign, err := p.Framed(123456789, "AI")
	require.NoError(t, err)
	cropped, err := foreign.Cropped()
	require.NoError(t, err)
	require.Len(t, cropped.lines, 1)
	assert.Equal(t, positionReport, cropped.String())

	own, err := p.Framed(477553000, "AI")
	require.NoError(t, err)
	cropped, err = own.Cropped()
	require.NoError(t, err)
	line := cropped.String()
	assert.True(t, strings.HasPrefix(line, "!AIVDO,1,1,,B,"))
	_, err = ParseSentence(line)
	assert.NoError(t, err, "checksum recomputed")

	ts, ok := cropped.Timestamp()
	assert.True(t, ok)
	assert.False(t, ts.IsZero())
}

func TestEncodePacket_AddressedBinary(t *testing.T) {
	data := make(Bits, 0, 200)
	for i := 0; i < 200; i++ {
		data = append(data, byte(i%3%2))
	}
	msg := &Message{Type: 6, MMSI: 123456789, Destination: 987654321, Sequence: 2, Data: data}

	p, err := EncodePacket(msg, 2)
	require.NoError(t, err)

	back, err := ParsePacket(p.String())
	require.NoError(t, err)
	m := back.Message()
	assert.Equal(t, 6, m.Type)
	assert.Equal(t, uint32(123456789), m.MMSI)
	assert.Equal(t, uint32(987654321), m.Destination)
	assert.Equal(t, 2, m.Sequence)
	assert.True(t, m.AddressedTo(987654321))
	assert.False(t, m.AddressedTo(123456789))
	assert.Equal(t, data, m.Data)
}

func TestMessage_SafetyText(t *testing.T) {
	w := &bitWriter{}
	w.text("MAN OVERBOARD", 20)
	bits, err := EncodeMessage(&Message{Type: 14, MMSI: 123456789, Data: w.bits})
	require.NoError(t, err)

	m, err := DecodeMessage(bits)
	require.NoError(t, err)
	assert.True(t, m.IsSafetyText())
	assert.False(t, m.AddressedTo(0), "broadcast")
	assert.Equal(t, "MAN OVERBOARD", TrimText(m.Text()))

	pos := &Message{Type: 1}
	assert.False(t, pos.IsSafetyText())
}

func TestEncodePacket_MultiSentence(t *testing.T) {
	data := make(Bits, 600)
	p, err := EncodePacket(&Message{Type: 8, MMSI: 1, Data: data}, 3)
	require.NoError(t, err)

	lines := p.lines
	require.Greater(t, len(lines), 1)
	for i, l := range lines {
		s, err := ParseSentence(l)
		require.NoError(t, err)
		assert.Equal(t, "3", s.Field(2))
		assert.LessOrEqual(t, len(s.Field(4)), MaxPayloadChars, "sentence %d", i)
	}
}

func TestEncodeMessage_Rejects(t *testing.T) {
	_, err := EncodeMessage(&Message{Type: 6, MMSI: 1})
	assert.ErrorIs(t, err, errors.ErrEncodingFailed)

	_, err = EncodeMessage(&Message{Type: 7, MMSI: 1})
	assert.ErrorIs(t, err, errors.ErrEncodingFailed)

	_, err = EncodeMessage(&Message{Type: 27, MMSI: 1})
	assert.ErrorIs(t, err, errors.ErrEncodingFailed)

	_, err = EncodeMessage(&Message{Type: 8, MMSI: 1, Data: make(Bits, 1000)})
	assert.ErrorIs(t, err, errors.ErrEncodingFailed)
}

func TestBinaryAck(t *testing.T) {
	received := &Message{Type: 6, MMSI: 987654321, Destination: 123456789, Sequence: 3}
	ack := NewBinaryAck(123456789, received)

	p, err := EncodePacket(ack, 0)
	require.NoError(t, err)
	m := p.Message()
	assert.Equal(t, 7, m.Type)
	assert.Equal(t, uint32(123456789), m.MMSI)
	require.Len(t, m.Acks, 1)
	assert.Equal(t, Ack{MMSI: 987654321, Sequence: 3}, m.Acks[0])
}

func TestPositionAndNameEncoding(t *testing.T) {
	pos := &Position{Latitude: 55.5, Longitude: 12.25}
	p, err := EncodePacket(&Message{Type: 18, MMSI: 219000001, Position: pos, PositionValid: true}, 0)
	require.NoError(t, err)
	m := p.Message()
	require.True(t, m.PositionValid)
	assert.InDelta(t, 55.5, m.Position.Latitude, 1e-6)
	assert.InDelta(t, 12.25, m.Position.Longitude, 1e-6)

	p, err = EncodePacket(&Message{Type: 1, MMSI: 219000001}, 0)
	require.NoError(t, err)
	assert.False(t, p.Message().PositionValid)

	p, err = EncodePacket(&Message{Type: 24, MMSI: 219000001, Name: "Alpha"}, 0)
	require.NoError(t, err)
	require.True(t, p.Message().HasName)
	assert.Equal(t, "ALPHA", TrimText(p.Message().Name))
}

func TestAbm_MultiLine(t *testing.T) {
	data := make(Bits, 400)
	data[0], data[15] = 1, 1
	lines := abmLines(t, 987654321, 1, "6", data)
	require.Greater(t, len(lines), 1)

	var abm Abm
	for i, l := range lines {
		res, err := abm.Parse(l)
		require.NoError(t, err)
		if i < len(lines)-1 {
			assert.Equal(t, 1, res)
		} else {
			assert.Equal(t, 0, res)
		}
	}
	assert.Equal(t, uint32(987654321), abm.Destination())
	assert.Equal(t, 6, abm.MsgID())
	assert.Equal(t, 1, abm.Sequence())

	m, err := abm.Message(123456789)
	require.NoError(t, err)
	assert.Equal(t, 6, m.Type)
	assert.Equal(t, uint32(123456789), m.MMSI)
	assert.Equal(t, uint32(987654321), m.Destination)
	assert.Equal(t, data, m.Data)
}

func TestAbm_OutOfOrder(t *testing.T) {
	lines := abmLines(t, 987654321, 0, "6", make(Bits, 400))
	var abm Abm
	_, err := abm.Parse(lines[1])
	assert.Error(t, err)

	_, err = abm.Message(1)
	assert.Error(t, err, "incomplete request")
}

func TestAbm_FragmentCounts(t *testing.T) {
	tests := []struct {
		name       string
		total, num string
	}{
		{"zero total", "0", "1"},
		{"negative total", "-1", "1"},
		{"number past total", "1", "2"},
		{"zero number", "2", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line := FormatSentence('!', "AIABM", tt.total, tt.num, "0", "987654321", "0", "6", "0000", "0")
			var abm Abm
			_, err := abm.Parse(line)
			assert.ErrorIs(t, err, errors.ErrParsingFailed)

			bbm := Bbm{}
			_, err = bbm.Parse(FormatSentence('!', "AIBBM", tt.total, tt.num, "0", "0", "8", "0000", "0"))
			assert.ErrorIs(t, err, errors.ErrParsingFailed)
		})
	}
}

func TestAbm_BadPayload(t *testing.T) {
	line := FormatSentence('!', "AIABM", "1", "1", "0", "987654321", "0", "6", "XXXX", "0")
	var abm Abm
	res, err := abm.Parse(line)
	require.NoError(t, err)
	assert.Equal(t, 0, res)

	_, err = abm.Message(123456789)
	assert.Error(t, err)
}

func TestBbm(t *testing.T) {
	data := make(Bits, 48)
	payload, fill := Armor(data)
	line := FormatSentence('!', "AIBBM", "1", "1", "2", "0", "8", payload, itoa(fill))

	var bbm Bbm
	res, err := bbm.Parse(line)
	require.NoError(t, err)
	assert.Equal(t, 0, res)
	assert.Equal(t, 8, bbm.MsgID())
	assert.Equal(t, 2, bbm.Sequence())

	m, err := bbm.Message(123456789)
	require.NoError(t, err)
	assert.Equal(t, 8, m.Type)

	wrong := FormatSentence('!', "AIBBM", "1", "1", "2", "0", "6", payload, itoa(fill))
	bbm = Bbm{}
	_, err = bbm.Parse(wrong)
	require.NoError(t, err)
	_, err = bbm.Message(1)
	assert.Error(t, err)
}

func TestAbk(t *testing.T) {
	a := Abk{Destination: 987654321, Channel: "0", MsgID: 6, Sequence: 1, Result: AddressedSuccess}
	line := a.Encode()
	assert.True(t, strings.HasPrefix(line, "$AIABK,987654321,0,6,1,0*"))

	s, err := ParseSentence(line)
	require.NoError(t, err)
	assert.Equal(t, "ABK", s.Formatter)
	assert.Equal(t, "987654321", s.Field(0))
	assert.Equal(t, "1", s.Field(3))
	assert.Equal(t, "0", s.Field(4))

	b := Abk{Channel: "0", MsgID: 8, Sequence: 2, Result: BroadcastSent}
	assert.True(t, strings.HasPrefix(b.Encode(), "$AIABK,,0,8,2,3*"))
	assert.Equal(t, "COULD_NOT_BROADCAST", CouldNotBroadcast.String())
}

func TestStreamTime(t *testing.T) {
	st := NewStreamTime(time.Minute)
	assert.False(t, st.IsDue(), "no stream time yet")

	base := time.Unix(1700000000, 0)
	st.SetStreamTime(base)
	require.True(t, st.IsDue())
	line := st.CreatePstt()
	assert.True(t, strings.HasPrefix(line, "$PSTT,101,20231114221320*"))
	assert.False(t, st.IsDue())

	st.SetStreamTime(base.Add(30 * time.Second))
	assert.False(t, st.IsDue())
	st.SetStreamTime(base.Add(10 * time.Second))
	st.SetStreamTime(base.Add(time.Minute))
	assert.True(t, st.IsDue())
}

func TestDistance(t *testing.T) {
	a := Position{Latitude: 55, Longitude: 12}
	b := Position{Latitude: 56, Longitude: 12}
	assert.InDelta(t, 111195, a.DistanceTo(b), 1)
	assert.InDelta(t, 0, a.DistanceTo(a), 1e-9)
	assert.True(t, a.Valid())
	assert.False(t, Position{Latitude: 91}.Valid())
}

func abmLines(t *testing.T, dest uint32, seq int, msgID string, data Bits) []string {
	t.Helper()
	payload, fill := Armor(data)
	const chunk = 48
	total := (len(payload) + chunk - 1) / chunk
	var lines []string
	for i := 0; i < total; i++ {
		end := (i + 1) * chunk
		if end > len(payload) {
			end = len(payload)
		}
		f := 0
		if i == total-1 {
			f = fill
		}
		lines = append(lines, FormatSentence('!', "AIABM", itoa(total), itoa(i+1), itoa(seq),
			itoa(int(dest)), "0", msgID, payload[i*chunk:end], itoa(f)))
	}
	return lines
}

func itoa(i int) string { return strconv.Itoa(i) }

func hex(b byte) string { return fmt.Sprintf("%02X", b) }
