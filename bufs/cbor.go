package bufs

import (
	"github.com/fxamacker/cbor/v2"
)

// MaxCBORSize is the largest encoded CBOR item UnmarshalCBOR will decode.
const MaxCBORSize = 16 << 20

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	if cborEnc, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(err)
	}
	if cborDec, err = (cbor.DecOptions{
		MaxNestedLevels: 16,
	}).DecMode(); err != nil {
		panic(err)
	}
}

// MarshalCBOR encodes v using deterministic (core) CBOR, so equal values always yield equal bytes.
func MarshalCBOR(v interface{}) ([]byte, error) {
	return cborEnc.Marshal(v)
}

// UnmarshalCBOR decodes a single CBOR data item into v.
//
// Returns ErrTooLarge if data exceeds MaxCBORSize.
func UnmarshalCBOR(data []byte, v interface{}) error {
	if len(data) > MaxCBORSize {
		return ErrTooLarge
	}
	return cborDec.Unmarshal(data, v)
}
