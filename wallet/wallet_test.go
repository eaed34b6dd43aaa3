package wallet

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plan-systems/plan-gateway/gateway"
	"github.com/plan-systems/plan-gateway/session"
	"github.com/plan-systems/plan-gateway/ski"
	"github.com/plan-systems/plan-gateway/slab"
)

var (
	gPass = []byte("correct horse battery staple")

	testKDFParams = ski.KDFParams{
		Time:      1,
		MemoryKiB: 64,
		Threads:   1,
	}
)

func startTestBroker(t *testing.T) *gateway.Broker {
	t.Helper()

	b := gateway.NewBroker("", gateway.BrokerConfig{InMemory: true}, nil)
	require.NoError(t, b.Start())
	t.Cleanup(func() {
		b.CtxStop("test complete", nil)
		b.CtxWait()
	})
	return b
}

func openTestKeyStore(t *testing.T, withKey bool) *ski.KeyStore {
	t.Helper()

	ks, err := ski.Open(filepath.Join(t.TempDir(), "wallet.db"), testKDFParams)
	require.NoError(t, err)
	t.Cleanup(func() { ks.Close() })

	require.NoError(t, ks.Init(gPass))
	if withKey {
		_, err = ks.GenerateKeypair()
		require.NoError(t, err)
	}
	return ks
}

func startTestWallet(t *testing.T, name string, ks *ski.KeyStore, dial gateway.Dialer, submitTimeout time.Duration) *Wallet {
	t.Helper()

	cfg := &Config{
		SubmitTimeout: submitTimeout,
	}
	sess := session.New(session.Config{
		Name:           name,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
	}, dial, session.NewMemCursorStore())

	w := New(cfg, ks, sess)
	require.NoError(t, w.Start())
	t.Cleanup(func() {
		w.CtxStop("test complete", nil)
		w.CtxWait()
	})
	return w
}

func readSlab(t *testing.T, outbox <-chan *slab.Slab) *slab.Slab {
	t.Helper()

	select {
	case s, ok := <-outbox:
		require.True(t, ok, "watch closed")
		return s
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for slab")
	}
	return nil
}

func submitConcurrently(w *Wallet, N int) ([]uint64, []error) {
	seqs := make([]uint64, N)
	errs := make([]error, N)

	var wg sync.WaitGroup
	for i := 0; i < N; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			seqs[i], errs[i] = w.Submit(context.Background(), []byte("pay alice 5"))
		}(i)
	}
	wg.Wait()
	return seqs, errs
}

func TestConcurrentSubmitsWhileLocked(t *testing.T) {
	b := startTestBroker(t)
	w := startTestWallet(t, "drk", openTestKeyStore(t, true), gateway.LocalDialer(b), 5*time.Second)

	require.True(t, w.Locked())
	_, errs := submitConcurrently(w, 2)
	for _, err := range errs {
		require.True(t, IsError(err, ErrCode_Locked), "got %v", err)
	}

	st, err := b.Status(context.Background())
	require.NoError(t, err)
	require.Zero(t, st.Tail, "nothing should have been published")

	require.NoError(t, w.Unlock(gPass))
	require.False(t, w.Locked())

	seqs, errs := submitConcurrently(w, 2)
	for _, err := range errs {
		require.NoError(t, err)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	require.Equal(t, []uint64{1, 2}, seqs)
}

func TestLockRevokesSubmit(t *testing.T) {
	b := startTestBroker(t)
	w := startTestWallet(t, "drk", openTestKeyStore(t, true), gateway.LocalDialer(b), 5*time.Second)

	err := w.Unlock([]byte("wrong"))
	require.True(t, ski.IsError(err, ski.ErrCode_BadPassword), "got %v", err)

	require.NoError(t, w.Unlock(gPass))
	_, err = w.Submit(context.Background(), []byte("tx 1"))
	require.NoError(t, err)

	w.Lock()
	require.True(t, w.Locked())
	_, err = w.Submit(context.Background(), []byte("tx 2"))
	require.True(t, IsError(err, ErrCode_Locked), "got %v", err)
}

func TestSubmitWithoutKeyFails(t *testing.T) {
	b := startTestBroker(t)
	w := startTestWallet(t, "drk", openTestKeyStore(t, false), gateway.LocalDialer(b), 5*time.Second)

	require.NoError(t, w.Unlock(gPass))
	_, err := w.Submit(context.Background(), []byte("tx"))
	require.True(t, IsError(err, ErrCode_SignFailed), "got %v", err)
}

func TestSubmitUnreachable(t *testing.T) {
	refuse := func(ctx context.Context) (gateway.Conn, error) {
		return nil, gateway.ErrCode_TransportFailed.ErrWithMsg("connection refused")
	}
	w := startTestWallet(t, "drk", openTestKeyStore(t, true), refuse, 100*time.Millisecond)

	require.NoError(t, w.Unlock(gPass))
	_, err := w.Submit(context.Background(), []byte("tx"))
	require.True(t, IsError(err, ErrCode_Unreachable), "got %v", err)
}

// A tx submitted by one wallet is confirmed by another (e.g. a cashier) and the submitter sees the confirmation.
func TestWatchConfirms(t *testing.T) {
	b := startTestBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	payer := startTestWallet(t, "drk", openTestKeyStore(t, true), gateway.LocalDialer(b), 5*time.Second)
	cashier := startTestWallet(t, "cashierd", openTestKeyStore(t, true), gateway.LocalDialer(b), 5*time.Second)
	require.NoError(t, payer.Unlock(gPass))
	require.NoError(t, cashier.Unlock(gPass))

	txs := cashier.Watch(ctx, OfKind(KindTx))

	tx, err := payer.SubmitTx(ctx, []byte("deposit 10"))
	require.NoError(t, err)

	watchCtx, cancelWatch := context.WithCancel(ctx)
	confirms := payer.Watch(watchCtx, Confirms(tx.ID))

	txSlab := readSlab(t, txs)
	require.Equal(t, tx.Seq, txSlab.Seq)
	require.True(t, tx.ID.Equal(txSlab.ID))

	txEnv, err := OpenEnvelope(txSlab)
	require.NoError(t, err)
	payerKey, err := payer.Keys.MainKey()
	require.NoError(t, err)
	require.True(t, payerKey.Equal(txEnv.Signer))
	require.Equal(t, []byte("deposit 10"), txEnv.Payload)

	// Unrelated traffic is filtered out
	_, err = payer.Submit(ctx, []byte("something else"))
	require.NoError(t, err)
	_, err = cashier.Confirm(ctx, slab.NewID([]byte("some other tx")), nil)
	require.NoError(t, err)

	conf, err := cashier.Confirm(ctx, txSlab.ID, []byte("ok"))
	require.NoError(t, err)

	s := readSlab(t, confirms)
	require.Equal(t, conf.Seq, s.Seq)

	env, err := OpenEnvelope(s)
	require.NoError(t, err)
	require.Equal(t, KindConfirm, env.Kind)
	require.True(t, tx.ID.Equal(env.Ref))
	cashierKey, err := cashier.Keys.MainKey()
	require.NoError(t, err)
	require.True(t, cashierKey.Equal(env.Signer))

	cancelWatch()
	require.Eventually(t, func() bool {
		_, ok := <-confirms
		return !ok
	}, 5*time.Second, time.Millisecond)
}

func TestWatchBeforeStartSeesBacklog(t *testing.T) {
	b := startTestBroker(t)
	ks := openTestKeyStore(t, true)

	first := startTestWallet(t, "cashierd", ks, gateway.LocalDialer(b), 5*time.Second)
	require.NoError(t, first.Unlock(gPass))
	var sent []Receipt
	for i := 0; i < 3; i++ {
		r, err := first.SubmitTx(context.Background(), []byte("backlog"))
		require.NoError(t, err)
		sent = append(sent, r)
	}

	sess := session.New(session.Config{
		Name:           "drk-watch",
		InitialBackoff: time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
	}, gateway.LocalDialer(b), session.NewMemCursorStore())
	w := New(&Config{SubmitTimeout: 5 * time.Second}, ks, sess)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	txs := w.Watch(ctx, OfKind(KindTx))

	require.NoError(t, w.Start())
	t.Cleanup(func() {
		w.CtxStop("test complete", nil)
		w.CtxWait()
	})

	for _, r := range sent {
		s := readSlab(t, txs)
		require.Equal(t, r.Seq, s.Seq)
		require.True(t, r.ID.Equal(s.ID))
	}
}

func TestEnvelopeVerify(t *testing.T) {
	b := startTestBroker(t)
	ctx := context.Background()

	w := startTestWallet(t, "drk", openTestKeyStore(t, true), gateway.LocalDialer(b), 5*time.Second)
	require.NoError(t, w.Unlock(gPass))

	tx, err := w.SubmitTx(ctx, []byte("pay bob 3"))
	require.NoError(t, err)
	s, err := b.GetSlab(ctx, tx.Seq)
	require.NoError(t, err)

	env, err := OpenEnvelope(s)
	require.NoError(t, err)
	require.Equal(t, KindTx, env.Kind)

	// Tampered payload
	env.Payload = []byte("pay bob 300")
	require.True(t, IsError(env.Verify(), ErrCode_MalformedEnvelope))

	// Confirm with no Ref
	env = &Envelope{Kind: KindConfirm, Signer: env.Signer, Sig: env.Sig}
	require.True(t, IsError(env.Verify(), ErrCode_MalformedEnvelope))

	// Not an envelope at all
	_, err = OpenEnvelope(slab.New([]byte("just bytes")))
	require.True(t, IsError(err, ErrCode_MalformedEnvelope), "got %v", err)

	require.False(t, Confirms(tx.ID)(s))
	assert.True(t, OfKind(KindTx)(s))
}

func TestLoadConfig(t *testing.T) {
	cfg, err := Load([]byte(`
WalletPath    = ":memory:"
GatewayAddr   = "10.0.0.1:4444"
SubmitTimeout = "3s"

[KDF]
Time = 1

[Session]
MaxRetries = 5
`))
	require.NoError(t, err)

	require.Equal(t, ":memory:", cfg.WalletPath)
	require.Equal(t, "10.0.0.1:4444", cfg.GatewayAddr)
	require.Equal(t, 3*time.Second, cfg.SubmitTimeout)
	require.Equal(t, uint32(1), cfg.KDF.Time)
	require.Equal(t, ski.DefaultKDFParams.MemoryKiB, cfg.KDF.MemoryKiB)
	require.Equal(t, DefaultSessionName, cfg.Session.Name)
	require.Equal(t, 5, cfg.Session.MaxRetries)
	require.Equal(t, session.DefaultMaxBackoff, cfg.Session.MaxBackoff)
	require.Equal(t, session.DefaultBackoffJitter, cfg.Session.BackoffJitter)

	_, err = Load([]byte(`SubmitTimeout = "soon"`))
	require.True(t, IsError(err, ErrCode_BadConfig), "got %v", err)
}
