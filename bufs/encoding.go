package bufs

import (
	"encoding/base32"
	"encoding/base64"
	"encoding/hex"
)

var (
	// Base64Encoding is used to encode/decode binary buffers to/from base 64
	Base64Encoding = base64.RawURLEncoding

	// Base32Encoding is a lowercase, unpadded base 32 alphabet suited for log labels and file names.
	Base32Encoding = base32.NewEncoding("0123456789abcdefghjkmnpqrstvwxyz").WithPadding(base32.NoPadding)
)

// Zero zeros out a given slice
func Zero(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
}

// Clone returns a copy of src that doesn't share memory with it (nil stays nil).
func Clone(src []byte) []byte {
	if src == nil {
		return nil
	}
	return append(make([]byte, 0, len(src)), src...)
}

// Bytes marshals to/from text as a hex string with a 0x prefix.
// The empty slice marshals as "0x".
type Bytes []byte

// MarshalText implements encoding.TextMarshaler
func (b Bytes) MarshalText() ([]byte, error) {
	out := make([]byte, len(b)*2+2)
	out[0] = '0'
	out[1] = 'x'
	hex.Encode(out[2:], b)
	return out, nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (b *Bytes) UnmarshalText(in []byte) error {
	if len(in) >= 2 && in[0] == '0' && (in[1] == 'x' || in[1] == 'X') {
		in = in[2:]
	}
	if len(in)%2 != 0 {
		return ErrSyntax
	}
	dec := make([]byte, len(in)/2)
	if _, err := hex.Decode(dec, in); err != nil {
		return ErrSyntax
	}
	*b = dec
	return nil
}

// String returns the hex encoding of b.
func (b Bytes) String() string {
	out, _ := b.MarshalText()
	return string(out)
}
