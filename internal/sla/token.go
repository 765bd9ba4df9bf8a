package sla

import "hutch/internal/space"

// ReadToken assembles the token's bytes into an integer honouring the
// token's declared byte order. The caller must supply at least t.Size bytes.
func (t *Token) ReadToken(b []byte) uint64 {
	var v uint64
	if t.BigEndian {
		for i := 0; i < t.Size; i++ {
			v = v<<8 | uint64(b[i])
		}
		return v
	}
	for i := t.Size - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// Width is the number of bits in the field.
func (f *Field) Width() int { return f.MSB - f.LSB + 1 }

// Extract pulls the raw (unsigned) field bits out of a token value.
func (f *Field) Extract(tokenValue uint64) uint64 {
	v := tokenValue >> uint(f.LSB)
	if w := f.Width(); w < 64 {
		v &= (uint64(1) << uint(w)) - 1
	}
	return v
}

// Int returns the field value sign-extended when the field is signed.
func (f *Field) Int(tokenValue uint64) int64 {
	raw := f.Extract(tokenValue)
	if f.Signed {
		return space.SignExtend(raw, f.Width())
	}
	return int64(raw)
}

// byteMasks converts a constraint on the field into per-byte mask/value
// pairs over the token's bytes.
func (s *Spec) byteMasks(fieldIdx int, value uint64) (mask, val []byte) {
	f := &s.Fields[fieldIdx]
	tok := &s.Tokens[f.Token]
	mask = make([]byte, tok.Size)
	val = make([]byte, tok.Size)
	for bit := f.LSB; bit <= f.MSB; bit++ {
		var byteIdx int
		if tok.BigEndian {
			byteIdx = tok.Size - 1 - bit/8
		} else {
			byteIdx = bit / 8
		}
		b := byte(1) << uint(bit%8)
		mask[byteIdx] |= b
		if (value>>uint(bit-f.LSB))&1 != 0 {
			val[byteIdx] |= b
		}
	}
	return mask, val
}
