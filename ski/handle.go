package ski

import (
	"sync"

	"github.com/plan-systems/plan-gateway/bufs"
)

// Handle is a scoped capability to sign with a KeyStore's keys, issued by KeyStore.Unlock().
//
// A Handle holds the opened store key until Release() is called or the store revokes it (Lock, ChangePassword,
// Wipe, Close), at which point the key material is zeroed.  A Handle is safe for concurrent use, but signs
// are serialized on it.
type Handle struct {
	ks *KeyStore

	mu        sync.Mutex
	epoch     uint64
	storePub  [secretKeySz]byte
	storePriv *[secretKeySz]byte
}

// Release zeroes this handle's key material and detaches it from its store.  Subsequent signs fail with HandleRevoked.
func (h *Handle) Release() {
	if h == nil {
		return
	}

	h.mu.Lock()
	h.wipe()
	h.mu.Unlock()

	ks := h.ks
	ks.mu.Lock()
	delete(ks.handles, h)
	ks.mu.Unlock()
}

// Live returns true if this handle has not been released or revoked.
func (h *Handle) Live() bool {
	if h == nil {
		return false
	}

	h.mu.Lock()
	released := h.storePriv == nil
	h.mu.Unlock()
	if released {
		return false
	}

	h.ks.mu.RLock()
	defer h.ks.mu.RUnlock()
	return h.epoch == h.ks.epoch
}

// wipe zeroes key material; h.mu must be held.
func (h *Handle) wipe() {
	if h.storePriv != nil {
		bufs.Zero(h.storePriv[:])
		h.storePriv = nil
	}
}
