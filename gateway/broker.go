package gateway

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/plan-systems/plan-gateway/ctx"
	"github.com/plan-systems/plan-gateway/slab"
)

// Broker accepts published slabs, appends them to its replay log, and fans them out to every subscriber.
//
// Ctx organization:
// [broker]
//     [sub 1f3a…]
//     [sub 90c2…]
//     ...
//
// A single writer goroutine assigns seqs and mutates the replay log, so publishers never race for a seq.
// Each sub runs its own goroutine, reading its backlog from the log and then relaying live slabs.
type Broker struct {
	ctx.Context

	Metrics *Metrics

	cfg      BrokerConfig
	pathname string

	logMu sync.RWMutex
	log   *replayLog

	pubInbox   chan *pubJob
	writerDone chan struct{}

	subsMu sync.RWMutex
	subs   map[*brokerSub]struct{}
}

type pubJob struct {
	slab  *slab.Slab
	reply chan error
}

// NewBroker returns a Broker whose replay log lives at pathname (ignored if cfg.InMemory is set).
//
// If metrics is nil, the Broker keeps its own unregistered collectors.
func NewBroker(pathname string, cfg BrokerConfig, metrics *Metrics) *Broker {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	b := &Broker{
		Metrics:  metrics,
		cfg:      cfg,
		pathname: pathname,
		subs:     make(map[*brokerSub]struct{}),
	}
	b.SetLogLabel("broker")
	return b
}

// Start opens the replay log and starts the writer goroutine.
func (b *Broker) Start() error {
	if err := b.cfg.FixupAndValidate(); err != nil {
		return err
	}

	return b.CtxStart(
		b.ctxStartup,
		nil,
		nil,
		b.ctxStopping,
	)
}

func (b *Broker) ctxStartup() error {
	var err error

	b.Infof(1, "opening replay log at '%v' (retaining %d slabs)", b.pathname, b.cfg.RetainSlabs)
	b.log, err = openReplayLog(b.pathname, b.cfg.InMemory, b.cfg.RetainSlabs)
	if err != nil {
		return err
	}

	head, tail := b.log.bounds()
	b.Metrics.Tail.Set(float64(tail))
	b.Infof(0, "replay log window [%d, %d]", head, tail)

	b.pubInbox = make(chan *pubJob)
	b.writerDone = make(chan struct{})
	b.CtxGo(func() {
		defer close(b.writerDone)
		for {
			select {
			case job := <-b.pubInbox:
				b.appendAndBroadcast(job)
			case <-b.CtxStopping():
				return
			}
		}
	})

	return nil
}

func (b *Broker) ctxStopping() {

	// Subs are child contexts, so by now they're all stopped.  Only the writer might still be finishing up.
	if b.writerDone != nil {
		<-b.writerDone
	}

	b.logMu.Lock()
	if b.log != nil {
		if err := b.log.close(); err != nil {
			b.Warnf("error closing replay log: %v", err)
		}
		b.log = nil
	}
	b.logMu.Unlock()

	b.Info(1, "stopped")
}

func (b *Broker) appendAndBroadcast(job *pubJob) {
	evicted, err := b.log.append(job.slab)
	if err != nil {
		b.Error(err)
		job.reply <- err
		return
	}

	b.Infof(2, "appended slab %d (%v)", job.slab.Seq, job.slab.ID.SuffixStr())

	// Publishing the new tail and broadcasting under the same lock that Subscribe() registers under means a
	// new sub either backfills this slab or receives it live, never both and never neither.
	b.subsMu.RLock()
	b.log.setBounds()
	for sub := range b.subs {
		sub.notify(job.slab)
	}
	b.subsMu.RUnlock()

	b.Metrics.Published.Inc()
	b.Metrics.Tail.Set(float64(job.slab.Seq))
	if evicted > 0 {
		b.Metrics.Evicted.Add(float64(evicted))
	}

	job.reply <- nil
}

// Publish -- see interface Gateway
func (b *Broker) Publish(ctx context.Context, payload []byte) (uint64, error) {
	if !b.CtxRunning() {
		return 0, ErrCode_BrokerStopped.Err()
	}

	job := &pubJob{
		slab:  slab.New(payload),
		reply: make(chan error, 1),
	}

	select {
	case b.pubInbox <- job:
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-b.CtxStopping():
		return 0, ErrCode_BrokerStopped.Err()
	}

	// Once the writer has the job, it always replies.
	select {
	case err := <-job.reply:
		if err != nil {
			return 0, err
		}
		return job.slab.Seq, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Subscribe -- see interface Gateway
func (b *Broker) Subscribe(ctx context.Context, fromSeq uint64) (SlabSub, error) {
	if !b.CtxRunning() {
		return nil, ErrCode_BrokerStopped.Err()
	}

	sub := &brokerSub{
		broker:    b,
		callerCtx: ctx,
		cursor:    fromSeq,
		inbox:     make(chan *slab.Slab, b.cfg.SubQueueSize),
		kick:      make(chan struct{}, 1),
		outbox:    make(chan *slab.Slab),
	}
	sub.SetLogLabelf("sub %s", uuid.New().String()[:8])

	b.subsMu.Lock()
	b.logMu.RLock()
	if b.log == nil {
		b.logMu.RUnlock()
		b.subsMu.Unlock()
		return nil, ErrCode_BrokerStopped.Err()
	}
	head, tail := b.log.bounds()
	b.logMu.RUnlock()
	switch {
	case fromSeq > tail:
		b.subsMu.Unlock()
		return nil, ErrCode_InvalidCursor.ErrWithMsgf("cursor %d is beyond tail %d", fromSeq, tail)
	case fromSeq+1 < head:
		b.subsMu.Unlock()
		b.Metrics.SnapshotRequired.Inc()
		return nil, ErrCode_SnapshotRequired.ErrWithMsgf("cursor %d is behind the retained window [%d, %d]", fromSeq, head, tail)
	}
	sub.syncTail = tail
	b.subs[sub] = struct{}{}
	b.subsMu.Unlock()

	b.Metrics.Subscribers.Inc()

	err := sub.CtxStart(
		sub.ctxStartup,
		sub.ctxAboutToStop,
		nil,
		nil,
	)
	if err != nil {
		return nil, err
	}
	b.CtxAddChild(sub)

	// Lost a race with the broker stopping
	if !b.CtxRunning() {
		sub.Close()
		return nil, ErrCode_BrokerStopped.Err()
	}

	sub.Infof(1, "subscribed from %d (syncing through %d)", fromSeq, sub.syncTail)
	return sub, nil
}

func (b *Broker) unregisterSub(sub *brokerSub) {
	b.subsMu.Lock()
	_, registered := b.subs[sub]
	delete(b.subs, sub)
	b.subsMu.Unlock()

	if registered {
		b.Metrics.Subscribers.Dec()
	}
}

// readRange reads from the replay log on behalf of a sub.
func (b *Broker) readRange(from, to uint64, maxSlabs int) ([]*slab.Slab, error) {
	b.logMu.RLock()
	defer b.logMu.RUnlock()

	if b.log == nil {
		return nil, ErrCode_BrokerStopped.Err()
	}
	return b.log.readRange(from, to, maxSlabs)
}

func (b *Broker) tail() uint64 {
	b.logMu.RLock()
	defer b.logMu.RUnlock()

	if b.log == nil {
		return 0
	}
	_, tail := b.log.bounds()
	return tail
}

// Status -- see interface Gateway
func (b *Broker) Status(ctx context.Context) (Status, error) {
	b.logMu.RLock()
	defer b.logMu.RUnlock()

	if b.log == nil || !b.CtxRunning() {
		return Status{}, ErrCode_BrokerStopped.Err()
	}
	head, tail := b.log.bounds()
	return Status{
		Head: head,
		Tail: tail,
	}, nil
}

// GetSlab -- see interface Gateway
func (b *Broker) GetSlab(ctx context.Context, seq uint64) (*slab.Slab, error) {
	b.logMu.RLock()
	defer b.logMu.RUnlock()

	if b.log == nil || !b.CtxRunning() {
		return nil, ErrCode_BrokerStopped.Err()
	}

	// Slabs past the published tail may be committed but not yet announced.
	if _, tail := b.log.bounds(); seq > tail || seq == 0 {
		return nil, ErrCode_SlabNotFound.ErrWithMsgf("slab %d is beyond tail %d", seq, tail)
	}
	return b.log.get(seq)
}
