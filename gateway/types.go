package gateway

import (
	"context"

	"github.com/plan-systems/plan-gateway/slab"
)

// Gateway is the publish/subscribe surface of a Broker, whether in-process or across a connection.
type Gateway interface {

	// Publish appends payload to the replay log and returns the seq assigned to it, once the append is durable.
	Publish(ctx context.Context, payload []byte) (uint64, error)

	// Subscribe streams every slab with seq > fromSeq, in seq order, first from the retained log then live.
	//
	// Returns SnapshotRequired if fromSeq+1 has already been evicted and InvalidCursor if fromSeq > tail.
	// The sub is closed when ctx is done or Close() is called.
	Subscribe(ctx context.Context, fromSeq uint64) (SlabSub, error)

	// Status returns the retained window of the replay log.
	Status(ctx context.Context) (Status, error)

	// GetSlab fetches a single retained slab.
	GetSlab(ctx context.Context, seq uint64) (*slab.Slab, error)
}

// Status describes the replay log's retained window: [Head, Tail].
//
// An empty log has Head == Tail+1 (i.e. Head is the next seq to be assigned).
type Status struct {
	Head uint64 `cbor:"1,keyasint,omitempty"`
	Tail uint64 `cbor:"2,keyasint,omitempty"`
}

// SlabSub is a stream of slabs from a Broker.
type SlabSub interface {

	// Outbox delivers slabs in strictly increasing seq order and is closed when the sub ends.
	Outbox() <-chan *slab.Slab

	// Err returns why the sub ended (nil if closed by the subscriber); only valid once Outbox() is closed.
	Err() error

	// Close stops this sub, blocking until its outbox is closed.
	Close()
}

// Conn is a Gateway connection that can be closed.
type Conn interface {
	Gateway

	Close() error
}

// Dialer connects to a Gateway.
type Dialer func(ctx context.Context) (Conn, error)
