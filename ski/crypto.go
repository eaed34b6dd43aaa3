package ski

import (
	"crypto/ed25519"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/plan-systems/plan-gateway/bufs"
)

const (
	// SaltSz is the byte size of the per-store KDF salt
	SaltSz = 16

	secretKeySz = 32
	nonceSz     = 24
)

// KDFParams are the argon2id cost params used to derive a store's sealing key from its password.
type KDFParams struct {
	Time      uint32
	MemoryKiB uint32
	Threads   uint8
}

// DefaultKDFParams are the costs applied to newly initialized stores (and on password change).
var DefaultKDFParams = KDFParams{
	Time:      3,
	MemoryKiB: 64 * 1024,
	Threads:   4,
}

func (params KDFParams) validate() error {
	if params.Time == 0 || params.MemoryKiB < 8*uint32(params.Threads) || params.Threads == 0 {
		return ErrCode_AssertFailed.ErrWithMsgf("bad KDF params %+v", params)
	}
	return nil
}

// deriveKey is intentionally slow: it runs argon2id with the given params.
func deriveKey(pass, salt []byte, params KDFParams) *[secretKeySz]byte {
	derived := argon2.IDKey(pass, salt, params.Time, params.MemoryKiB, params.Threads, secretKeySz)

	key := new([secretKeySz]byte)
	copy(key[:], derived)
	bufs.Zero(derived)
	return key
}

// sealUsingKey encrypts msg with secretbox, prefixing the random nonce.
func sealUsingKey(rand io.Reader, msg []byte, key *[secretKeySz]byte) ([]byte, error) {
	var nonce [nonceSz]byte
	if _, err := io.ReadFull(rand, nonce[:]); err != nil {
		return nil, ErrCode_StoreFailed.Wrap(err)
	}
	return secretbox.Seal(nonce[:], msg, &nonce, key), nil
}

// openUsingKey is the inverse of sealUsingKey.
func openUsingKey(sealed []byte, key *[secretKeySz]byte) ([]byte, bool) {
	if len(sealed) < nonceSz+secretbox.Overhead {
		return nil, false
	}
	var nonce [nonceSz]byte
	copy(nonce[:], sealed[:nonceSz])
	return secretbox.Open(nil, sealed[nonceSz:], &nonce, key)
}

// sealToStore encrypts a signing key seed so that only the holder of the store's private key can open it.
func sealToStore(rand io.Reader, seed []byte, storePub *[secretKeySz]byte) ([]byte, error) {
	sealed, err := box.SealAnonymous(nil, seed, storePub, rand)
	if err != nil {
		return nil, ErrCode_StoreFailed.Wrap(err)
	}
	return sealed, nil
}

// signUsingSealedKey opens the sealed seed, signs msg, and zeroes all private material before returning.
func signUsingSealedKey(
	msg []byte,
	sealedSeed []byte,
	storePub *[secretKeySz]byte,
	storePriv *[secretKeySz]byte,
) ([]byte, error) {

	seed, ok := box.OpenAnonymous(nil, sealedSeed, storePub, storePriv)
	if !ok || len(seed) != ed25519.SeedSize {
		bufs.Zero(seed)
		return nil, ErrCode_BadKeyFormat.ErrWithMsg("failed to open sealed signing key")
	}

	privKey := ed25519.NewKeyFromSeed(seed)
	sig := ed25519.Sign(privKey, msg)

	bufs.Zero(seed)
	bufs.Zero(privKey)

	return sig, nil
}

// VerifySignature checks sig over msg against the given signer.
func VerifySignature(signer PubID, msg, sig []byte) error {
	if len(signer) != ed25519.PublicKeySize {
		return ErrCode_BadKeyFormat.ErrWithMsg("bad ed25519 public key size")
	}
	if !ed25519.Verify(ed25519.PublicKey(signer), msg, sig) {
		return ErrCode_BadKeyFormat.ErrWithMsgf("signature by %v failed to verify", signer)
	}
	return nil
}
