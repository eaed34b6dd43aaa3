package ski

import (
	"bytes"

	"github.com/mr-tron/base58"
)

// PubID is the public identifier of a signing keypair (an ed25519 public key).
type PubID []byte

// ParsePubID parses the base58 form of a PubID.
func ParsePubID(str string) (PubID, error) {
	buf, err := base58.Decode(str)
	if err != nil {
		return nil, ErrCode_BadKeyFormat.ErrWithMsgf("'%s' is not base58", str)
	}
	if len(buf) != 32 {
		return nil, ErrCode_BadKeyFormat.ErrWithMsgf("'%s' is not a 32 byte key", str)
	}
	return PubID(buf), nil
}

// String returns the base58 form of this PubID.
func (id PubID) String() string {
	return base58.Encode(id)
}

// Equal returns true if both IDs are byte-for-byte identical.
func (id PubID) Equal(other PubID) bool {
	return bytes.Equal(id, other)
}
