// Package wallet ties a KeyStore to a gateway Session: it signs payloads into Envelopes, publishes them, and
// watches the gateway for the slabs that answer them.
package wallet

import (
	"context"
	"sync"

	"github.com/plan-systems/plan-gateway/ctx"
	"github.com/plan-systems/plan-gateway/session"
	"github.com/plan-systems/plan-gateway/ski"
	"github.com/plan-systems/plan-gateway/slab"
)

// Receipt identifies a published envelope.
type Receipt struct {
	Seq uint64
	ID  slab.ID
}

// Wallet is the process-scoped client: a KeyStore, the Session it publishes through, and the current unlock handle.
type Wallet struct {
	ctx.Context

	Keys    *ski.KeyStore
	Session *session.Session

	cfg Config

	mu     sync.Mutex
	handle *ski.Handle
}

// New returns a Wallet that signs with keys and publishes through sess.  sess must not be started yet.
func New(cfg *Config, keys *ski.KeyStore, sess *session.Session) *Wallet {
	return &Wallet{
		Keys:    keys,
		Session: sess,
		cfg:     *cfg,
	}
}

// Start starts the wallet's session.  Stopping the wallet stops the session and releases the unlock handle.
func (w *Wallet) Start() error {
	return w.CtxStart(
		w.ctxStartup,
		nil,
		nil,
		w.ctxStopping,
	)
}

func (w *Wallet) ctxStartup() error {
	w.SetLogLabelf("wallet %s", w.Session.Name())

	if err := w.Session.Start(); err != nil {
		return err
	}
	w.CtxAddChild(w.Session)
	return nil
}

func (w *Wallet) ctxStopping() {
	w.mu.Lock()
	w.handle.Release()
	w.handle = nil
	w.mu.Unlock()
}

// Unlock unlocks the key store, replacing any handle this wallet already holds.
func (w *Wallet) Unlock(password []byte) error {
	h, err := w.Keys.Unlock(password)
	if err != nil {
		return err
	}

	w.mu.Lock()
	prev := w.handle
	w.handle = h
	w.mu.Unlock()

	prev.Release()
	w.Info(1, "unlocked")
	return nil
}

// Lock locks the key store, revoking this wallet's handle (and any other).
func (w *Wallet) Lock() {
	w.mu.Lock()
	w.handle = nil
	w.mu.Unlock()

	w.Keys.Lock()
	w.Info(1, "locked")
}

// Locked returns true if this wallet holds no live handle.
func (w *Wallet) Locked() bool {
	w.mu.Lock()
	h := w.handle
	w.mu.Unlock()
	return !h.Live()
}

// Submit signs payload as a tx and publishes it, returning the seq the gateway assigned it.
//
// Returns Locked if the wallet holds no live handle and Unreachable if the session can't publish within
// SubmitTimeout.
func (w *Wallet) Submit(ctx context.Context, payload []byte) (uint64, error) {
	r, err := w.SubmitTx(ctx, payload)
	return r.Seq, err
}

// SubmitTx is Submit() but also returns the tx slab's ID (for watching confirmations, see Confirms).
func (w *Wallet) SubmitTx(ctx context.Context, payload []byte) (Receipt, error) {
	return w.publish(ctx, &Envelope{
		Kind:    KindTx,
		Payload: payload,
	})
}

// Confirm publishes a confirmation of the tx slab with the given ID.
func (w *Wallet) Confirm(ctx context.Context, txID slab.ID, payload []byte) (Receipt, error) {
	return w.publish(ctx, &Envelope{
		Kind:    KindConfirm,
		Payload: payload,
		Ref:     txID,
	})
}

func (w *Wallet) sign(env *Envelope) error {
	w.mu.Lock()
	h := w.handle
	w.mu.Unlock()

	if !h.Live() {
		return ErrCode_Locked.ErrWithMsg("wallet is locked")
	}

	signer, err := w.Keys.MainKey()
	if err != nil {
		return ErrCode_SignFailed.Wrap(err)
	}
	env.Signer = signer

	msg, err := env.SigningBytes()
	if err != nil {
		return ErrCode_SignFailed.Wrap(err)
	}

	env.Sig, err = w.Keys.Sign(h, signer, msg)
	switch {
	case ski.IsError(err, ski.ErrCode_HandleRevoked):
		return ErrCode_Locked.Wrap(err)
	case err != nil:
		return ErrCode_SignFailed.Wrap(err)
	}
	return nil
}

func (w *Wallet) publish(ctx context.Context, env *Envelope) (Receipt, error) {
	if err := w.sign(env); err != nil {
		return Receipt{}, err
	}

	payload, err := env.Marshal()
	if err != nil {
		return Receipt{}, ErrCode_MalformedEnvelope.Wrap(err)
	}

	submitCtx, cancel := context.WithTimeout(ctx, w.cfg.SubmitTimeout)
	defer cancel()

	seq, err := w.Session.Publish(submitCtx, payload)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return Receipt{}, ctx.Err()
		case submitCtx.Err() != nil:
			return Receipt{}, ErrCode_Unreachable.ErrWithMsgf("%v not published within %v (session %v)",
				env.Kind, w.cfg.SubmitTimeout, w.Session.State())
		case session.IsError(err, session.ErrCode_Unreachable, session.ErrCode_SessionStopped):
			return Receipt{}, ErrCode_Unreachable.Wrap(err)
		}
		return Receipt{}, err
	}

	r := Receipt{
		Seq: seq,
		ID:  slab.NewID(payload),
	}
	w.Infof(1, "published %v %v as slab %d", env.Kind, r.ID.SuffixStr(), seq)
	return r, nil
}

// Watch returns a channel of the slabs matching pred that the session receives from now on (pass nil for all).
//
// The channel is closed once ctx is done or the session stops.
func (w *Wallet) Watch(ctx context.Context, pred func(*slab.Slab) bool) <-chan *slab.Slab {
	out := make(chan *slab.Slab)

	watchCtx, cancel := context.WithCancel(ctx)
	in := w.Session.Listen(watchCtx)

	go func() {
		defer close(out)
		defer cancel()

		for s := range in {
			if pred != nil && !pred(s) {
				continue
			}
			select {
			case out <- s:
			case <-watchCtx.Done():
				return
			}
		}
	}()

	return out
}
