package wallet

import (
	"github.com/plan-systems/plan-gateway/bufs"
	"github.com/plan-systems/plan-gateway/ski"
	"github.com/plan-systems/plan-gateway/slab"
)

// Kind says what an Envelope carries.
type Kind uint8

// Envelope kinds
const (
	KindNone Kind = iota

	// KindTx is a submitted transaction.
	KindTx

	// KindConfirm acknowledges the tx slab named by Ref.
	KindConfirm
)

func (kind Kind) String() string {
	switch kind {
	case KindTx:
		return "tx"
	case KindConfirm:
		return "confirm"
	}
	return "none"
}

// Envelope is the signed wrapper the wallet publishes as a slab payload.
type Envelope struct {
	Kind    Kind      `cbor:"1,keyasint"`
	Signer  ski.PubID `cbor:"2,keyasint"`
	Payload []byte    `cbor:"3,keyasint,omitempty"`
	Ref     slab.ID   `cbor:"4,keyasint,omitempty"`
	Sig     []byte    `cbor:"5,keyasint,omitempty"`
}

// SigningBytes returns the canonical encoding of env with Sig omitted, which is what Sig signs.
func (env *Envelope) SigningBytes() ([]byte, error) {
	unsigned := *env
	unsigned.Sig = nil
	return bufs.MarshalCBOR(&unsigned)
}

// Marshal encodes this Envelope as a slab payload.
func (env *Envelope) Marshal() ([]byte, error) {
	return bufs.MarshalCBOR(env)
}

// Verify checks that env is well-formed and that Sig is Signer's signature over it.
func (env *Envelope) Verify() error {
	switch env.Kind {
	case KindTx:
	case KindConfirm:
		if len(env.Ref) == 0 {
			return ErrCode_MalformedEnvelope.ErrWithMsg("confirm has no Ref")
		}
	default:
		return ErrCode_MalformedEnvelope.ErrWithMsgf("unknown envelope kind %d", env.Kind)
	}

	msg, err := env.SigningBytes()
	if err != nil {
		return ErrCode_MalformedEnvelope.Wrap(err)
	}
	if err = ski.VerifySignature(env.Signer, msg, env.Sig); err != nil {
		return ErrCode_MalformedEnvelope.Wrap(err)
	}
	return nil
}

// OpenEnvelope decodes and verifies the Envelope carried by the given slab.
func OpenEnvelope(s *slab.Slab) (*Envelope, error) {
	env := new(Envelope)
	if err := bufs.UnmarshalCBOR(s.Payload, env); err != nil {
		return nil, ErrCode_MalformedEnvelope.ErrWithMsgf("slab %d: %v", s.Seq, err)
	}
	if err := env.Verify(); err != nil {
		return nil, err
	}
	return env, nil
}

// Confirms returns a predicate matching correctly signed confirmations of the tx slab with the given ID.
func Confirms(txID slab.ID) func(*slab.Slab) bool {
	return func(s *slab.Slab) bool {
		env, err := OpenEnvelope(s)
		return err == nil && env.Kind == KindConfirm && env.Ref.Equal(txID)
	}
}

// OfKind returns a predicate matching correctly signed envelopes of the given kind.
func OfKind(kind Kind) func(*slab.Slab) bool {
	return func(s *slab.Slab) bool {
		env, err := OpenEnvelope(s)
		return err == nil && env.Kind == kind
	}
}
