package gateway

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/plan-systems/plan-gateway/ctx"
	"github.com/plan-systems/plan-gateway/slab"
)

// backfillBatchSz is how many slabs a sub reads from the replay log per read txn.
const backfillBatchSz = 64

// brokerSub relays slabs to a single subscriber, first from the replay log (syncing) and then live.
//
// Slabs sent to the outbox are shared with other subs and must be treated as read-only.
type brokerSub struct {
	ctx.Context

	broker    *Broker
	callerCtx context.Context

	// cursor is the seq of the last slab sent to the outbox (touched only by the sub's goroutine)
	cursor   uint64
	syncTail uint64

	inbox    chan *slab.Slab
	overflow atomic.Bool
	kick     chan struct{}
	outbox   chan *slab.Slab

	closed atomic.Bool
	errMu  sync.Mutex
	err    error
}

// notify hands a newly appended slab to this sub without ever blocking the broker's writer.
//
// If the inbox is full, the slab is dropped and the sub is flagged to re-read what it missed from the log.
func (sub *brokerSub) notify(s *slab.Slab) {
	select {
	case sub.inbox <- s:
	default:
		sub.overflow.Store(true)
		sub.broker.Metrics.SubOverflows.Inc()
		select {
		case sub.kick <- struct{}{}:
		default:
		}
	}
}

func (sub *brokerSub) ctxStartup() error {
	sub.CtxGo(func() {
		err := sub.pump()
		if err == nil && !sub.closed.Load() && sub.callerCtx.Err() == nil {
			err = ErrCode_BrokerStopped.Err()
		}
		if err != nil {
			if IsError(err, ErrCode_SubLagged) {
				sub.broker.Metrics.SnapshotRequired.Inc()
			}
			sub.Warnf("sub ended at %d: %v", sub.cursor, err)
		}

		sub.errMu.Lock()
		sub.err = err
		sub.errMu.Unlock()

		close(sub.outbox)
		sub.CtxStop("sub complete", nil)
	})

	return nil
}

func (sub *brokerSub) ctxAboutToStop() {
	sub.broker.unregisterSub(sub)
}

// Outbox -- see interface SlabSub
func (sub *brokerSub) Outbox() <-chan *slab.Slab {
	return sub.outbox
}

// Err -- see interface SlabSub
func (sub *brokerSub) Err() error {
	sub.errMu.Lock()
	defer sub.errMu.Unlock()
	return sub.err
}

// Close -- see interface SlabSub
func (sub *brokerSub) Close() {
	sub.closed.Store(true)
	sub.CtxStop("sub closed", nil)
	sub.CtxWait()
}

// pump runs until the sub is closed (returning nil) or can't continue.
func (sub *brokerSub) pump() error {

	// Syncing: everything up to the tail at the time of subscribing comes from the log.
	// Live slabs appended in the meantime wait in the inbox.
	if ok, err := sub.backfill(sub.syncTail); !ok {
		return err
	}

	sub.Infof(2, "live at %d", sub.cursor)

	for {
		select {
		case s := <-sub.inbox:
			if s.Seq <= sub.cursor {
				continue
			}

			// A gap means live slabs were dropped on overflow
			if s.Seq > sub.cursor+1 {
				if ok, err := sub.backfill(s.Seq - 1); !ok {
					return err
				}
			}
			if !sub.send(s) {
				return nil
			}

		case <-sub.kick:
			if sub.overflow.Swap(false) {
				if ok, err := sub.backfill(sub.broker.tail()); !ok {
					return err
				}
			}

		case <-sub.callerCtx.Done():
			return nil
		case <-sub.CtxStopping():
			return nil
		}
	}
}

// backfill sends every slab in (cursor, to] from the replay log.  Returns false if the sub should exit.
func (sub *brokerSub) backfill(to uint64) (bool, error) {
	for sub.cursor < to {
		slabs, err := sub.broker.readRange(sub.cursor+1, to, backfillBatchSz)
		if err != nil {
			return false, err
		}
		for _, s := range slabs {
			if !sub.send(s) {
				return false, nil
			}
		}
	}
	return true, nil
}

func (sub *brokerSub) send(s *slab.Slab) bool {
	select {
	case sub.outbox <- s:
		sub.cursor = s.Seq
		sub.Infof(2, "sent slab %d", s.Seq)
		return true
	case <-sub.callerCtx.Done():
	case <-sub.CtxStopping():
	}
	return false
}
