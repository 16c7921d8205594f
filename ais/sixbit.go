package ais

import (
	"strings"

	"github.com/cynsky/AisVirtualNet/errors"
)

// Bits is an MSB-first bit string, one element per bit holding 0 or 1.
type Bits []byte

// Dearmor converts a six-bit armored payload into bits, dropping fill trailing bits.
func Dearmor(payload string, fill int) (Bits, error) {
	if fill < 0 || fill > 5 {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "ais", "Dearmor", "check fill bits")
	}
	bits := make(Bits, 0, len(payload)*6)
	for i := 0; i < len(payload); i++ {
		c := payload[i]
		if c < 48 || c > 119 || (c > 87 && c < 96) {
			return nil, errors.WrapInvalid(errors.ErrInvalidData, "ais", "Dearmor", "decode armored character")
		}
		v := c - 48
		if v > 40 {
			v -= 8
		}
		for b := 5; b >= 0; b-- {
			bits = append(bits, (v>>uint(b))&1)
		}
	}
	if fill > len(bits) {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "ais", "Dearmor", "apply fill bits")
	}
	return bits[:len(bits)-fill], nil
}

// Armor converts bits to a six-bit armored payload and the number of fill bits used.
func Armor(bits Bits) (string, int) {
	fill := (6 - len(bits)%6) % 6
	var sb strings.Builder
	for i := 0; i < len(bits); i += 6 {
		var v byte
		for j := 0; j < 6; j++ {
			v <<= 1
			if i+j < len(bits) {
				v |= bits[i+j] & 1
			}
		}
		if v < 40 {
			sb.WriteByte(v + 48)
		} else {
			sb.WriteByte(v + 56)
		}
	}
	return sb.String(), fill
}

type bitReader struct {
	bits Bits
	pos  int
}

func (r *bitReader) remaining() int {
	return len(r.bits) - r.pos
}

func (r *bitReader) uint(n int) uint64 {
	var v uint64
	for i := 0; i < n; i++ {
		v <<= 1
		if r.pos < len(r.bits) {
			v |= uint64(r.bits[r.pos])
		}
		r.pos++
	}
	return v
}

func (r *bitReader) int(n int) int64 {
	v := r.uint(n)
	if v&(1<<uint(n-1)) != 0 {
		return int64(v) - (1 << uint(n))
	}
	return int64(v)
}

func (r *bitReader) bool() bool {
	return r.uint(1) == 1
}

func (r *bitReader) skip(n int) {
	r.pos += n
}

func (r *bitReader) text(chars int) string {
	var sb strings.Builder
	for i := 0; i < chars; i++ {
		sb.WriteByte(sixbitChar(byte(r.uint(6))))
	}
	return sb.String()
}

func (r *bitReader) rest() Bits {
	if r.pos >= len(r.bits) {
		return nil
	}
	out := make(Bits, len(r.bits)-r.pos)
	copy(out, r.bits[r.pos:])
	r.pos = len(r.bits)
	return out
}

type bitWriter struct {
	bits Bits
}

func (w *bitWriter) uint(v uint64, n int) {
	for i := n - 1; i >= 0; i-- {
		w.bits = append(w.bits, byte((v>>uint(i))&1))
	}
}

func (w *bitWriter) int(v int64, n int) {
	w.uint(uint64(v)&((1<<uint(n))-1), n)
}

func (w *bitWriter) bool(b bool) {
	if b {
		w.uint(1, 1)
	} else {
		w.uint(0, 1)
	}
}

func (w *bitWriter) text(s string, chars int) {
	for i := 0; i < chars; i++ {
		c := byte('@')
		if i < len(s) {
			c = s[i]
		}
		w.uint(uint64(charSixbit(c)), 6)
	}
}

func (w *bitWriter) append(b Bits) {
	w.bits = append(w.bits, b...)
}

func sixbitChar(v byte) byte {
	if v < 32 {
		return v + 64
	}
	return v
}

func charSixbit(c byte) byte {
	if c >= 'a' && c <= 'z' {
		c -= 32
	}
	switch {
	case c >= 64 && c < 96:
		return c - 64
	case c >= 32 && c < 64:
		return c
	default:
		return 0
	}
}

// TrimText strips the '@' padding and surrounding blanks of a six-bit string.
func TrimText(s string) string {
	if i := strings.IndexByte(s, '@'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
