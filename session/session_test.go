package session

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/plan-systems/plan-gateway/gateway"
	"github.com/plan-systems/plan-gateway/slab"
)

func startTestBroker(t *testing.T, retain uint64) *gateway.Broker {
	t.Helper()

	return startTestBrokerWith(t, gateway.BrokerConfig{
		RetainSlabs: retain,
	})
}

func startTestBrokerWith(t *testing.T, cfg gateway.BrokerConfig) *gateway.Broker {
	t.Helper()

	cfg.InMemory = true
	b := gateway.NewBroker("", cfg, nil)
	require.NoError(t, b.Start())
	t.Cleanup(func() {
		b.CtxStop("test complete", nil)
		b.CtxWait()
	})
	return b
}

func testConfig(name string) Config {
	return Config{
		Name:           name,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     20 * time.Millisecond,
		BackoffJitter:  0.2,
	}
}

func startTestSession(t *testing.T, sess *Session) {
	t.Helper()

	require.NoError(t, sess.Start())
	t.Cleanup(func() {
		sess.CtxStop("test complete", nil)
		sess.CtxWait()
	})
}

func publishN(t *testing.T, gw gateway.Gateway, N int) {
	t.Helper()

	for i := 0; i < N; i++ {
		_, err := gw.Publish(context.Background(), []byte(fmt.Sprintf("slab #%d", i)))
		require.NoError(t, err)
	}
}

func readSeqs(t *testing.T, outbox <-chan *slab.Slab, N int) []uint64 {
	t.Helper()

	seqs := make([]uint64, 0, N)
	timeout := time.After(10 * time.Second)
	for len(seqs) < N {
		select {
		case s, ok := <-outbox:
			require.True(t, ok, "listener closed after %d slabs", len(seqs))
			seqs = append(seqs, s.Seq)
		case <-timeout:
			t.Fatalf("timed out after %d of %d slabs", len(seqs), N)
		}
	}
	return seqs
}

func seqRange(first, last uint64) []uint64 {
	seqs := make([]uint64, 0, last-first+1)
	for seq := first; seq <= last; seq++ {
		seqs = append(seqs, seq)
	}
	return seqs
}

func waitLive(t *testing.T, sess *Session) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, sess.WaitLive(ctx))
}

func waitStopped(t *testing.T, sess *Session) {
	t.Helper()

	select {
	case <-sess.CtxStopping():
	case <-time.After(10 * time.Second):
		t.Fatalf("session still %v", sess.State())
	}
	sess.CtxWait()
	require.Equal(t, Stopped, sess.State())
}

// flakyConn lets a test sever every subscription made through it.
type flakyConn struct {
	gateway.Gateway

	mu   sync.Mutex
	subs []gateway.SlabSub
}

func (conn *flakyConn) Subscribe(ctx context.Context, fromSeq uint64) (gateway.SlabSub, error) {
	sub, err := conn.Gateway.Subscribe(ctx, fromSeq)
	if err == nil {
		conn.mu.Lock()
		conn.subs = append(conn.subs, sub)
		conn.mu.Unlock()
	}
	return sub, err
}

func (conn *flakyConn) Close() error {
	return nil
}

func (conn *flakyConn) sever() {
	conn.mu.Lock()
	subs := conn.subs
	conn.subs = nil
	conn.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}

// flakyDialer hands out flakyConns to gw, failing the first failFirst dials.
type flakyDialer struct {
	gw        gateway.Gateway
	failFirst atomic.Int32
	dials     atomic.Int32

	mu    sync.Mutex
	conns []*flakyConn
}

func (d *flakyDialer) dial(ctx context.Context) (gateway.Conn, error) {
	if n := d.dials.Add(1); n <= d.failFirst.Load() {
		return nil, gateway.ErrCode_TransportFailed.ErrWithMsgf("dial %d refused", n)
	}
	conn := &flakyConn{
		Gateway: d.gw,
	}
	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
	return conn, nil
}

func newFlakyDialer(gw gateway.Gateway, failFirst int32) *flakyDialer {
	d := &flakyDialer{
		gw: gw,
	}
	d.failFirst.Store(failFirst)
	return d
}

func (d *flakyDialer) severAll() {
	d.mu.Lock()
	conns := d.conns
	d.mu.Unlock()

	for _, conn := range conns {
		conn.sever()
	}
}

func TestBackoffDelay(t *testing.T) {
	cfg := Config{
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     time.Second,
	}

	expected := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for attempt, delay := range expected {
		require.Equal(t, delay, backoffDelay(&cfg, attempt), "attempt %d", attempt)
	}

	cfg.BackoffJitter = 0.2
	for attempt := 0; attempt < 50; attempt++ {
		delay := backoffDelay(&cfg, attempt%6)
		base := expected[attempt%6]
		require.GreaterOrEqual(t, delay, base*8/10)
		require.LessOrEqual(t, delay, base*12/10)
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}
	require.Error(t, cfg.FixupAndValidate())

	cfg.Name = "drk"
	require.NoError(t, cfg.FixupAndValidate())
	require.Equal(t, DefaultInitialBackoff, cfg.InitialBackoff)
	require.Equal(t, DefaultMaxBackoff, cfg.MaxBackoff)

	cfg.BackoffJitter = 1.5
	require.Error(t, cfg.FixupAndValidate())
}

func TestSessionSyncsThenGoesLive(t *testing.T) {
	b := startTestBroker(t, 0)
	publishN(t, b, 5)

	cursors := NewMemCursorStore()
	sess := New(testConfig("drk"), gateway.LocalDialer(b), cursors)
	outbox := sess.Listen(context.Background())
	startTestSession(t, sess)

	require.Equal(t, seqRange(1, 5), readSeqs(t, outbox, 5))
	waitLive(t, sess)
	require.Equal(t, Live, sess.State())

	seq, err := sess.Publish(context.Background(), []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, uint64(6), seq)
	require.Equal(t, []uint64{6}, readSeqs(t, outbox, 1))

	require.Eventually(t, func() bool {
		cursor, _ := cursors.LoadCursor("drk")
		return cursor == 6
	}, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, uint64(6), sess.Cursor())
}

func TestSessionResumesFromSavedCursor(t *testing.T) {
	b := startTestBroker(t, 0)
	publishN(t, b, 8)

	cursors := NewMemCursorStore()
	require.NoError(t, cursors.SaveCursor("drk", 5))

	sess := New(testConfig("drk"), gateway.LocalDialer(b), cursors)
	outbox := sess.Listen(context.Background())
	startTestSession(t, sess)

	require.Equal(t, seqRange(6, 8), readSeqs(t, outbox, 3))
	waitLive(t, sess)
}

// A slab published while a session is still replaying its backlog is delivered once, after the backlog.
func TestSessionLivePublishDuringSync(t *testing.T) {
	b := startTestBroker(t, 0)
	publishN(t, b, 3)

	sess := New(testConfig("drk"), gateway.LocalDialer(b), NewMemCursorStore())
	outbox := sess.Listen(context.Background())
	startTestSession(t, sess)

	// Nothing has been read, so the session is stuck delivering slab 1.
	require.Eventually(t, func() bool {
		return sess.State() == Syncing
	}, 5*time.Second, 5*time.Millisecond)

	publishN(t, b, 1)

	require.Equal(t, seqRange(1, 4), readSeqs(t, outbox, 4))
	waitLive(t, sess)

	select {
	case s := <-outbox:
		t.Fatalf("unexpected slab %d", s.Seq)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSessionReconnects(t *testing.T) {
	b := startTestBroker(t, 0)
	publishN(t, b, 2)

	dialer := newFlakyDialer(b, 2)
	sess := New(testConfig("drk"), dialer.dial, NewMemCursorStore())
	outbox := sess.Listen(context.Background())
	startTestSession(t, sess)

	require.Equal(t, seqRange(1, 2), readSeqs(t, outbox, 2))
	waitLive(t, sess)
	require.Equal(t, int32(3), dialer.dials.Load())

	dialer.severAll()
	publishN(t, b, 3)

	require.Equal(t, seqRange(3, 5), readSeqs(t, outbox, 3))
	waitLive(t, sess)
	require.GreaterOrEqual(t, dialer.dials.Load(), int32(4))

	seq, err := sess.Publish(context.Background(), []byte("after reconnect"))
	require.NoError(t, err)
	require.Equal(t, uint64(6), seq)
	require.Equal(t, []uint64{6}, readSeqs(t, outbox, 1))
}

func TestSessionUnreachable(t *testing.T) {
	b := startTestBroker(t, 0)

	dialer := newFlakyDialer(b, 1000)
	cfg := testConfig("drk")
	cfg.MaxRetries = 3

	sess := New(cfg, dialer.dial, NewMemCursorStore())
	require.NoError(t, sess.Start())
	waitStopped(t, sess)

	require.True(t, IsError(sess.Err(), ErrCode_Unreachable), "got %v", sess.Err())

	// The first attempt plus MaxRetries retries
	require.Equal(t, int32(4), dialer.dials.Load())

	err := sess.WaitLive(context.Background())
	require.True(t, IsError(err, ErrCode_Unreachable), "got %v", err)

	_, err = sess.Publish(context.Background(), []byte("nope"))
	require.True(t, IsError(err, ErrCode_Unreachable), "got %v", err)

	outbox := sess.Listen(context.Background())
	_, ok := <-outbox
	require.False(t, ok)
}

func TestSessionSnapshotRequiredIsFatal(t *testing.T) {
	b := startTestBroker(t, 10)
	publishN(t, b, 50)

	cursors := NewMemCursorStore()
	require.NoError(t, cursors.SaveCursor("drk", 5))

	sess := New(testConfig("drk"), gateway.LocalDialer(b), cursors)
	require.NoError(t, sess.Start())
	waitStopped(t, sess)

	require.True(t, gateway.IsError(sess.Err(), gateway.ErrCode_SnapshotRequired), "got %v", sess.Err())
	require.Equal(t, uint64(5), sess.Cursor())
}

func TestSessionResyncsFromSnapshot(t *testing.T) {
	b := startTestBroker(t, 10)
	publishN(t, b, 50)

	cursors := NewMemCursorStore()
	require.NoError(t, cursors.SaveCursor("drk", 5))

	var resyncs atomic.Int32
	sess := New(testConfig("drk"), gateway.LocalDialer(b), cursors)
	sess.Resync = func(ctx context.Context, st gateway.Status) (uint64, error) {
		resyncs.Add(1)
		assert.Equal(t, gateway.Status{Head: 41, Tail: 50}, st)
		return st.Tail, nil
	}
	outbox := sess.Listen(context.Background())
	startTestSession(t, sess)

	waitLive(t, sess)
	require.Equal(t, int32(1), resyncs.Load())
	require.Equal(t, uint64(50), sess.Cursor())

	cursor, err := cursors.LoadCursor("drk")
	require.NoError(t, err)
	require.Equal(t, uint64(50), cursor)

	publishN(t, b, 1)
	require.Equal(t, []uint64{51}, readSeqs(t, outbox, 1))
}

func requireGapFree(t *testing.T, seqs []uint64) {
	t.Helper()

	require.NotEmpty(t, seqs)
	require.Less(t, len(seqs), 100)
	require.Equal(t, seqRange(1, uint64(len(seqs))), seqs)
}

func TestSessionLaggedWithoutResyncStops(t *testing.T) {
	b := startTestBrokerWith(t, gateway.BrokerConfig{RetainSlabs: 10, SubQueueSize: 2})

	sess := New(testConfig("drk"), gateway.LocalDialer(b), NewMemCursorStore())
	outbox := sess.Listen(context.Background())
	startTestSession(t, sess)
	waitLive(t, sess)

	// The listener isn't read yet, so the session stalls and its sub falls out of the retained window.
	publishN(t, b, 100)

	var seqs []uint64
	for s := range outbox {
		seqs = append(seqs, s.Seq)
	}
	waitStopped(t, sess)

	require.True(t, gateway.IsError(sess.Err(), gateway.ErrCode_SubLagged), "got %v", sess.Err())
	requireGapFree(t, seqs)
	require.Equal(t, uint64(len(seqs)), sess.Cursor())
}

func TestSessionLaggedResyncsWithoutGap(t *testing.T) {
	b := startTestBrokerWith(t, gateway.BrokerConfig{RetainSlabs: 10, SubQueueSize: 2})

	var resyncs atomic.Int32
	sess := New(testConfig("drk"), gateway.LocalDialer(b), NewMemCursorStore())
	sess.Resync = func(ctx context.Context, st gateway.Status) (uint64, error) {
		resyncs.Add(1)
		assert.Equal(t, gateway.Status{Head: 91, Tail: 100}, st)
		return st.Tail, nil
	}
	outbox := sess.Listen(context.Background())
	startTestSession(t, sess)
	waitLive(t, sess)

	publishN(t, b, 100)

	var seqs []uint64
	require.Eventually(t, func() bool {
		for {
			select {
			case s := <-outbox:
				seqs = append(seqs, s.Seq)
			default:
				return resyncs.Load() == 1 && sess.Cursor() == 100
			}
		}
	}, 10*time.Second, time.Millisecond)
	requireGapFree(t, seqs)

	waitLive(t, sess)
	require.NoError(t, sess.Err())

	publishN(t, b, 2)
	require.Equal(t, []uint64{101, 102}, readSeqs(t, outbox, 2))
}

func TestSessionInvalidCursorIsFatal(t *testing.T) {
	b := startTestBroker(t, 0)
	publishN(t, b, 3)

	cursors := NewMemCursorStore()
	require.NoError(t, cursors.SaveCursor("drk", 99))

	sess := New(testConfig("drk"), gateway.LocalDialer(b), cursors)
	sess.Resync = func(ctx context.Context, st gateway.Status) (uint64, error) {
		return st.Tail, nil
	}
	require.NoError(t, sess.Start())
	waitStopped(t, sess)

	require.True(t, gateway.IsError(sess.Err(), gateway.ErrCode_InvalidCursor), "got %v", sess.Err())
}

func TestPublishWaitsForLive(t *testing.T) {
	b := startTestBroker(t, 0)

	dialer := newFlakyDialer(b, 1000)
	sess := New(testConfig("drk"), dialer.dial, NewMemCursorStore())
	startTestSession(t, sess)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := sess.Publish(ctx, []byte("queued"))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// Let dials through; the publish goes out once the session is Live.
	dialer.failFirst.Store(0)
	seq, err := sess.Publish(context.Background(), []byte("queued"))
	require.NoError(t, err)
	require.Equal(t, uint64(1), seq)
}

func TestSessionOverGrpcSurvivesServerRestart(t *testing.T) {
	b := startTestBroker(t, 0)

	var (
		lisMu sync.Mutex
		lis   *bufconn.Listener
		srv   *gateway.GrpcServer
	)
	startServer := func() {
		lisMu.Lock()
		defer lisMu.Unlock()
		lis = bufconn.Listen(1 << 20)
		srv = gateway.NewGrpcServer(b, "bufconn", "")
		srv.Listener = lis
		require.NoError(t, srv.Start())
	}
	stopServer := func() {
		lisMu.Lock()
		defer lisMu.Unlock()
		srv.CtxStop("restart", nil)
		srv.CtxWait()
	}
	startServer()
	t.Cleanup(stopServer)

	dial := gateway.GrpcDialer("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			lisMu.Lock()
			L := lis
			lisMu.Unlock()
			return L.DialContext(ctx)
		}),
	)

	publishN(t, b, 3)

	sess := New(testConfig("drk"), dial, NewMemCursorStore())
	outbox := sess.Listen(context.Background())
	startTestSession(t, sess)

	require.Equal(t, seqRange(1, 3), readSeqs(t, outbox, 3))
	waitLive(t, sess)

	stopServer()
	publishN(t, b, 2)
	startServer()

	require.Equal(t, seqRange(4, 5), readSeqs(t, outbox, 2))
	waitLive(t, sess)

	seq, err := sess.Publish(context.Background(), []byte("via grpc"))
	require.NoError(t, err)
	require.Equal(t, uint64(6), seq)
	require.Equal(t, []uint64{6}, readSeqs(t, outbox, 1))
}

func TestBoltCursorStore(t *testing.T) {
	pathname := filepath.Join(t.TempDir(), "cursors.db")

	store, err := OpenBoltCursorStore(pathname)
	require.NoError(t, err)

	cursor, err := store.LoadCursor("drk")
	require.NoError(t, err)
	require.Zero(t, cursor)

	require.NoError(t, store.SaveCursor("drk", 42))
	require.NoError(t, store.SaveCursor("other", 7))
	require.NoError(t, store.Close())

	store, err = OpenBoltCursorStore(pathname)
	require.NoError(t, err)
	defer store.Close()

	cursor, err = store.LoadCursor("drk")
	require.NoError(t, err)
	require.Equal(t, uint64(42), cursor)

	cursor, err = store.LoadCursor("other")
	require.NoError(t, err)
	require.Equal(t, uint64(7), cursor)
}
