// Package slab defines the atomic unit of data relayed through the gateway.
//
// A Slab's ID is derived from its payload (a CIDv1 over a sha2-256 multihash), but slabs are ordered and
// addressed by Seq, the number the Broker assigns when it appends the slab to its replay log.
// Publishing the same payload twice yields two slabs with equal IDs and distinct Seqs.
package slab

import (
	"bytes"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"github.com/pkg/errors"

	"github.com/plan-systems/plan-gateway/bufs"
	"github.com/plan-systems/plan-gateway/device"
)

// ID is the binary form of a CIDv1 (raw codec, sha2-256) of a slab payload.
type ID []byte

// NewID returns the content ID of the given payload.
func NewID(payload []byte) ID {
	sum, err := multihash.Sum(payload, multihash.SHA2_256, -1)
	if err != nil {
		// multihash.Sum only fails on an unknown code or bad length, neither of which is possible here.
		panic(err)
	}
	return ID(cid.NewCidV1(cid.Raw, sum).Bytes())
}

// ParseID parses the string form of a slab ID (as returned by ID.String()).
func ParseID(str string) (ID, error) {
	c, err := cid.Decode(str)
	if err != nil {
		return nil, errors.Wrapf(err, "bad slab ID '%s'", str)
	}
	return ID(c.Bytes()), nil
}

// String returns the multibase string form of this ID.
func (id ID) String() string {
	if len(id) == 0 {
		return "<nil>"
	}
	c, err := cid.Cast(id)
	if err != nil {
		return bufs.Base32Encoding.EncodeToString(id)
	}
	return c.String()
}

const summaryStrLen = 6

// SuffixStr returns the last few chars of this ID in string form (for easy reading, logs, etc)
func (id ID) SuffixStr() string {
	str := id.String()
	if L := len(str) - summaryStrLen; L > 0 {
		return str[L:]
	}
	return str
}

// Equal returns true if both IDs are byte-for-byte identical.
func (id ID) Equal(other ID) bool {
	return bytes.Equal(id, other)
}

// Slab is a serialized transaction or control frame along with its content ID and (once appended) its Seq.
type Slab struct {
	Seq     uint64        `cbor:"1,keyasint,omitempty"`
	ID      ID            `cbor:"2,keyasint"`
	TimeFS  device.TimeFS `cbor:"3,keyasint,omitempty"`
	Payload []byte        `cbor:"4,keyasint"`
}

// New returns a new (not yet sequenced) Slab holding a private copy of payload.
func New(payload []byte) *Slab {
	return &Slab{
		ID:      NewID(payload),
		Payload: bufs.Clone(payload),
	}
}

// Verify checks that ID matches the payload.
func (s *Slab) Verify() error {
	if s == nil {
		return ErrMalformed
	}
	if !s.ID.Equal(NewID(s.Payload)) {
		return errors.Wrapf(ErrIDMismatch, "slab %d", s.Seq)
	}
	return nil
}

// Clone returns a deep copy of this Slab.
func (s *Slab) Clone() *Slab {
	return &Slab{
		Seq:     s.Seq,
		ID:      ID(bufs.Clone(s.ID)),
		TimeFS:  s.TimeFS,
		Payload: bufs.Clone(s.Payload),
	}
}

// Marshal encodes this Slab into its canonical CBOR form.
func (s *Slab) Marshal() ([]byte, error) {
	return bufs.MarshalCBOR(s)
}

// Unmarshal decodes a Slab previously encoded with Marshal() and verifies its ID.
func (s *Slab) Unmarshal(buf []byte) error {
	if err := bufs.UnmarshalCBOR(buf, s); err != nil {
		return errors.Wrap(ErrMalformed, err.Error())
	}
	return s.Verify()
}
