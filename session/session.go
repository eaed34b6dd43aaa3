// Package session implements a daemon's side of a gateway connection.
//
// A Session keeps a cursor (the last seq it has acknowledged) and runs a single goroutine that drives it through
// Connecting -> Syncing -> Live -> Disconnected, redialing with capped exponential backoff whenever the transport
// fails.  Each time it connects it replays everything past its cursor before going Live, so listeners see every
// slab exactly once and in seq order.
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/plan-systems/plan-gateway/ctx"
	"github.com/plan-systems/plan-gateway/gateway"
	"github.com/plan-systems/plan-gateway/slab"
)

// ResyncFunc is called when the gateway no longer retains the slabs after a session's cursor.
//
// It is expected to rebuild state from a full snapshot (outside the gateway) and return the cursor to resume from.
// st is the gateway's retained window at the time.
type ResyncFunc func(ctx context.Context, st gateway.Status) (uint64, error)

// Session is a single daemon's connection to a gateway.
type Session struct {
	ctx.Context

	// Resync, if set before Start(), lets the session recover from SnapshotRequired rather than stopping.
	Resync ResyncFunc

	cfg     Config
	dial    gateway.Dialer
	cursors CursorStore
	id      string

	cursor atomic.Uint64

	stateMu sync.Mutex
	state   State
	liveCh  chan struct{}
	link    *link

	listenersMu sync.Mutex
	listeners   map[*listener]struct{}
	started     bool

	errMu sync.Mutex
	err   error
}

// link is a connection that has gone Live.
type link struct {
	conn    gateway.Conn
	fault   chan error
	dropped chan struct{}
}

type listener struct {
	ctx    context.Context
	outbox chan *slab.Slab
}

// New returns a Session that connects using dial and keeps its cursor in cursors.
func New(cfg Config, dial gateway.Dialer, cursors CursorStore) *Session {
	return &Session{
		cfg:       cfg,
		dial:      dial,
		cursors:   cursors,
		id:        uuid.NewString()[:8],
		liveCh:    make(chan struct{}),
		listeners: make(map[*listener]struct{}),
	}
}

// Start loads the session's cursor and starts connecting.
func (sess *Session) Start() error {
	if err := sess.cfg.FixupAndValidate(); err != nil {
		return err
	}

	return sess.CtxStart(
		sess.ctxStartup,
		nil,
		nil,
		nil,
	)
}

func (sess *Session) ctxStartup() error {
	sess.SetLogLabelf("session %s %s", sess.cfg.Name, sess.id)

	cursor, err := sess.cursors.LoadCursor(sess.cfg.Name)
	if err != nil {
		return err
	}
	sess.cursor.Store(cursor)
	sess.Infof(1, "starting at cursor %d", cursor)

	sess.listenersMu.Lock()
	sess.started = true
	for l := range sess.listeners {
		sess.watchListener(l)
	}
	sess.listenersMu.Unlock()

	sess.CtxGo(sess.run)
	return nil
}

// Name returns the name this session's cursor is stored under.
func (sess *Session) Name() string {
	return sess.cfg.Name
}

// Cursor returns the seq of the last slab this session acknowledged.
func (sess *Session) Cursor() uint64 {
	return sess.cursor.Load()
}

// State returns the session's current state.
func (sess *Session) State() State {
	sess.stateMu.Lock()
	defer sess.stateMu.Unlock()
	return sess.state
}

// Err returns the fatal error that stopped this session (nil if it hasn't failed).
func (sess *Session) Err() error {
	sess.errMu.Lock()
	defer sess.errMu.Unlock()
	return sess.err
}

func (sess *Session) stoppedErr() error {
	if err := sess.Err(); err != nil {
		return err
	}
	return ErrCode_SessionStopped.ErrWithMsgf("session '%s' stopped", sess.cfg.Name)
}

func (sess *Session) setState(state State, L *link) {
	sess.stateMu.Lock()
	prev := sess.state
	sess.state = state
	sess.link = L
	if state == Live && prev != Live {
		close(sess.liveCh)
	} else if state != Live && prev == Live {
		sess.liveCh = make(chan struct{})
	}
	sess.stateMu.Unlock()

	if prev != state {
		sess.Infof(1, "%v -> %v (cursor %d)", prev, state, sess.Cursor())
	}
}

func (sess *Session) fail(err error) {
	sess.errMu.Lock()
	sess.err = err
	sess.errMu.Unlock()

	sess.Errorf("session '%s' stopping at cursor %d: %v", sess.cfg.Name, sess.Cursor(), err)
}

func (sess *Session) isFatal(err error) bool {
	switch {
	case gateway.IsError(err, gateway.ErrCode_InvalidCursor):
		return true
	case gateway.IsError(err, gateway.ErrCode_SnapshotRequired, gateway.ErrCode_SubLagged):
		return sess.Resync == nil
	case IsError(err, ErrCode_CursorStoreFailed, ErrCode_ResyncFailed, ErrCode_Unreachable):
		return true
	}
	return false
}

// run is the session's state machine.
func (sess *Session) run() {
	attempt := 0

	for {
		if attempt > 0 {
			if sess.cfg.MaxRetries > 0 && attempt > sess.cfg.MaxRetries {
				sess.fail(ErrCode_Unreachable.ErrWithMsgf("gave up after %d connection attempts", attempt))
				break
			}
			delay := backoffDelay(&sess.cfg, attempt-1)
			sess.Infof(1, "reconnecting in %v", delay)

			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-sess.CtxStopping():
				timer.Stop()
			}
		}
		if !sess.CtxRunning() {
			break
		}
		attempt++

		sess.setState(Connecting, nil)
		conn, err := sess.dial(sess.Ctx)
		if err != nil {
			if !sess.CtxRunning() {
				break
			}
			sess.Warnf("dial attempt %d failed: %v", attempt, err)
			sess.setState(Disconnected, nil)
			continue
		}

		err = sess.serve(conn, &attempt)
		conn.Close()

		if !sess.CtxRunning() {
			break
		}
		if sess.isFatal(err) {
			sess.fail(err)
			break
		}
		sess.Warnf("disconnected: %v", err)
	}

	sess.setState(Stopped, nil)
	sess.CtxStop("session ended", nil)
}

// serve syncs and then relays slabs over the given connection until it fails or the session stops.
func (sess *Session) serve(conn gateway.Conn, attempt *int) error {
	sess.setState(Syncing, nil)

	// The tail at the moment we start syncing is the point past which we're Live.
	st, err := conn.Status(sess.Ctx)
	if err != nil {
		sess.setState(Disconnected, nil)
		return err
	}

	sub, err := sess.subscribe(conn, st)
	if err != nil {
		sess.setState(Disconnected, nil)
		return err
	}

	L := &link{
		conn:    conn,
		fault:   make(chan error, 1),
		dropped: make(chan struct{}),
	}

	err = sess.relay(sub, L, st.Tail, attempt)

	sess.setState(Disconnected, nil)
	close(L.dropped)
	sub.Close()

	return err
}

func (sess *Session) subscribe(conn gateway.Conn, st gateway.Status) (gateway.SlabSub, error) {
	cursor := sess.Cursor()

	sub, err := conn.Subscribe(sess.Ctx, cursor)
	if !gateway.IsError(err, gateway.ErrCode_SnapshotRequired, gateway.ErrCode_SubLagged) || sess.Resync == nil {
		return sub, err
	}

	sess.Warnf("cursor %d is behind the gateway's window [%d, %d]; resyncing", cursor, st.Head, st.Tail)
	cursor, err = sess.Resync(sess.Ctx, st)
	if err != nil {
		return nil, ErrCode_ResyncFailed.Wrap(err)
	}
	if err = sess.ack(cursor); err != nil {
		return nil, err
	}
	sess.Infof(0, "resynced to cursor %d", cursor)

	return conn.Subscribe(sess.Ctx, cursor)
}

func (sess *Session) relay(sub gateway.SlabSub, L *link, syncTail uint64, attempt *int) error {
	cursor := sess.Cursor()
	live := false

	goLive := func() {
		live = true
		*attempt = 0
		sess.setState(Live, L)
	}
	if cursor >= syncTail {
		goLive()
	}

	outbox := sub.Outbox()
	for {
		select {
		case s, ok := <-outbox:
			if !ok {
				if err := sub.Err(); err != nil {
					return err
				}
				return gateway.ErrCode_TransportFailed.ErrWithMsg("subscription ended")
			}

			// Redelivered
			if s.Seq <= cursor {
				continue
			}
			if s.Seq != cursor+1 {
				return gateway.ErrCode_TransportFailed.ErrWithMsgf("expected slab %d, got %d", cursor+1, s.Seq)
			}

			if !sess.deliver(s) {
				return nil
			}
			if err := sess.ack(s.Seq); err != nil {
				return err
			}
			cursor = s.Seq

			if !live && cursor >= syncTail {
				goLive()
			}

		case err := <-L.fault:
			return err

		case <-sess.CtxStopping():
			return nil
		}
	}
}

// ack durably advances the cursor.
func (sess *Session) ack(seq uint64) error {
	if err := sess.cursors.SaveCursor(sess.cfg.Name, seq); err != nil {
		if !IsError(err, ErrCode_CursorStoreFailed) {
			err = ErrCode_CursorStoreFailed.Wrap(err)
		}
		return err
	}
	sess.cursor.Store(seq)
	sess.Infof(2, "acked slab %d", seq)
	return nil
}

// deliver blocks until every listener has taken s (or has gone away).  Returns false if the session is stopping.
func (sess *Session) deliver(s *slab.Slab) bool {
	sess.listenersMu.Lock()
	defer sess.listenersMu.Unlock()

	for l := range sess.listeners {
		select {
		case l.outbox <- s:
		case <-l.ctx.Done():
		case <-sess.CtxStopping():
			return false
		}
	}
	return true
}

// Listen returns a channel receiving every slab this session acknowledges from now on, in seq order.
// Listening before Start() includes the backlog replayed from the session's saved cursor.
//
// The session waits on slow listeners, so the channel must be drained until ctx is done.  The channel is closed
// once ctx is done or the session stops.
func (sess *Session) Listen(ctx context.Context) <-chan *slab.Slab {
	l := &listener{
		ctx:    ctx,
		outbox: make(chan *slab.Slab),
	}

	sess.listenersMu.Lock()
	defer sess.listenersMu.Unlock()

	if sess.started && !sess.CtxRunning() {
		close(l.outbox)
		return l.outbox
	}

	sess.listeners[l] = struct{}{}
	if sess.started {
		sess.watchListener(l)
	}
	return l.outbox
}

// watchListener removes l once its ctx is done or the session stops.
func (sess *Session) watchListener(l *listener) {
	sess.CtxGo(func() {
		select {
		case <-l.ctx.Done():
		case <-sess.CtxStopping():
		}

		sess.listenersMu.Lock()
		delete(sess.listeners, l)
		close(l.outbox)
		sess.listenersMu.Unlock()
	})
}

func (sess *Session) waitLink(ctx context.Context) (*link, error) {
	if err := sess.CtxStatus(); err != nil {
		return nil, sess.stoppedErr()
	}

	for {
		sess.stateMu.Lock()
		L, liveCh := sess.link, sess.liveCh
		sess.stateMu.Unlock()

		if L != nil {
			return L, nil
		}

		select {
		case <-liveCh:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-sess.CtxStopping():
			return nil, sess.stoppedErr()
		}
	}
}

// WaitLive blocks until the session is Live, ctx is done, or the session stops.
func (sess *Session) WaitLive(ctx context.Context) error {
	_, err := sess.waitLink(ctx)
	return err
}

// Publish publishes payload once the session is Live, returning the seq the broker assigned it.
//
// Transport failures drop the connection and the publish is retried on the next one, so a payload may be
// appended more than once if a reply is lost.  ctx bounds the whole operation.
func (sess *Session) Publish(ctx context.Context, payload []byte) (uint64, error) {
	for {
		L, err := sess.waitLink(ctx)
		if err != nil {
			return 0, err
		}

		seq, err := L.conn.Publish(ctx, payload)
		if err == nil {
			return seq, nil
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		if !gateway.IsError(err, gateway.ErrCode_TransportFailed, gateway.ErrCode_BrokerStopped) {
			return 0, err
		}

		sess.Warnf("publish failed: %v", err)
		select {
		case L.fault <- err:
		default:
		}

		select {
		case <-L.dropped:
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-sess.CtxStopping():
			return 0, sess.stoppedErr()
		}
	}
}
