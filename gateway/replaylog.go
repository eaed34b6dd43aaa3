package gateway

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/dgraph-io/badger/v3"
	"github.com/pkg/errors"

	"github.com/plan-systems/plan-gateway/device"
	"github.com/plan-systems/plan-gateway/slab"
)

/*
   Replay log key layout:

       s/<seq:8 bytes big endian>  => slab (cbor)
       m/head                      => first retained seq
       m/tail                      => last assigned seq

   Big endian seqs mean badger iterates slabs in seq order.
*/

var (
	slabPrefix = []byte("s/")
	metaHead   = []byte("m/head")
	metaTail   = []byte("m/tail")
)

const seqKeySz = 2 + 8

func formSeqKey(seq uint64) []byte {
	key := make([]byte, seqKeySz)
	copy(key, slabPrefix)
	binary.BigEndian.PutUint64(key[2:], seq)
	return key
}

func seqFromKey(key []byte) uint64 {
	if len(key) != seqKeySz {
		return 0
	}
	return binary.BigEndian.Uint64(key[2:])
}

// replayLog is the Broker's bounded, append-only record of published slabs.
//
// Only the Broker's writer goroutine calls append(); reads run concurrently against badger snapshots and so
// always see a committed prefix.
type replayLog struct {
	db     *badger.DB
	retain uint64

	// head and tail are published via setBounds() only after the txn that set them has committed.
	head atomic.Uint64
	tail atomic.Uint64

	// pending bounds: written and read only by the writer goroutine
	nextHead uint64
	nextTail uint64
}

func openReplayLog(pathname string, inMemory bool, retain uint64) (*replayLog, error) {
	var opts badger.Options
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if _, err := device.ExpandAndCheckPath(pathname, true); err != nil {
			return nil, err
		}
		opts = badger.DefaultOptions(pathname)
	}
	opts.Logger = nil
	opts.SyncWrites = true

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open replay log '%s'", pathname)
	}

	L := &replayLog{
		db:     db,
		retain: retain,
	}
	if err = L.loadBounds(); err == nil {
		err = L.trim()
	}
	if err != nil {
		db.Close()
		return nil, err
	}

	return L, nil
}

func (L *replayLog) close() error {
	return L.db.Close()
}

func (L *replayLog) loadBounds() error {
	head, tail := uint64(1), uint64(0)

	err := L.db.View(func(txn *badger.Txn) error {
		for _, meta := range []struct {
			key []byte
			dst *uint64
		}{
			{metaHead, &head},
			{metaTail, &tail},
		} {
			item, err := txn.Get(meta.key)
			if err == badger.ErrKeyNotFound {
				continue
			}
			if err != nil {
				return err
			}
			if err = item.Value(func(val []byte) error {
				if len(val) != 8 {
					return errors.Errorf("bad replay log meta '%s'", meta.key)
				}
				*meta.dst = binary.BigEndian.Uint64(val)
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "failed to read replay log bounds")
	}

	L.nextHead, L.nextTail = head, tail
	L.setBounds()
	return nil
}

// trim evicts slabs beyond the retain limit (i.e. after the limit has been lowered between runs).
func (L *replayLog) trim() error {
	if L.retain == 0 || L.nextTail < L.nextHead || L.nextTail-L.nextHead+1 <= L.retain {
		return nil
	}

	newHead := L.nextTail - L.retain + 1

	wb := L.db.NewWriteBatch()
	defer wb.Cancel()
	for seq := L.nextHead; seq < newHead; seq++ {
		if err := wb.Delete(formSeqKey(seq)); err != nil {
			return errors.Wrap(err, "replay log trim failed")
		}
	}
	if err := wb.Set(metaHead, uint64Bytes(newHead)); err != nil {
		return errors.Wrap(err, "replay log trim failed")
	}
	if err := wb.Flush(); err != nil {
		return errors.Wrap(err, "replay log trim failed")
	}

	L.nextHead = newHead
	L.setBounds()
	return nil
}

func uint64Bytes(x uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], x)
	return buf[:]
}

// bounds returns the retained window [head, tail].  An empty log has head == tail+1.
func (L *replayLog) bounds() (head, tail uint64) {
	tail = L.tail.Load()
	head = L.head.Load()
	return
}

// setBounds publishes the bounds set by the last append.  Called only from the writer goroutine.
func (L *replayLog) setBounds() {
	L.tail.Store(L.nextTail)
	L.head.Store(L.nextHead)
}

// append assigns the next seq to s and durably commits it, evicting the oldest slab if over the retain limit.
//
// Returns the number of slabs evicted.  The new bounds are not visible to readers until setBounds() is called.
func (L *replayLog) append(s *slab.Slab) (int, error) {
	seq := L.nextTail + 1
	head := L.nextHead

	s.Seq = seq
	s.TimeFS = device.TimeNowFS()
	buf, err := s.Marshal()
	if err != nil {
		s.Seq = 0
		return 0, ErrCode_AppendFailed.Wrap(err)
	}

	evicted := 0
	txn := L.db.NewTransaction(true)
	defer txn.Discard()

	err = txn.Set(formSeqKey(seq), buf)
	if L.retain > 0 {
		for ; err == nil && seq-head+1 > L.retain; head++ {
			err = txn.Delete(formSeqKey(head))
			evicted++
		}
	}
	if err == nil {
		err = txn.Set(metaHead, uint64Bytes(head))
	}
	if err == nil {
		err = txn.Set(metaTail, uint64Bytes(seq))
	}
	if err == nil {
		err = txn.Commit()
	}
	if err != nil {
		s.Seq = 0
		return 0, ErrCode_AppendFailed.ErrWithMsgf("append of slab %v failed: %v", s.ID.SuffixStr(), err)
	}

	L.nextHead = head
	L.nextTail = seq
	return evicted, nil
}

// readRange reads up to maxSlabs slabs with seqs in [from, to].
//
// Returns SubLagged if from has been evicted.
func (L *replayLog) readRange(from, to uint64, maxSlabs int) ([]*slab.Slab, error) {
	if from > to {
		return nil, nil
	}

	N := to - from + 1
	if N > uint64(maxSlabs) {
		N = uint64(maxSlabs)
	}
	slabs := make([]*slab.Slab, 0, N)

	err := L.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = slabPrefix
		opts.PrefetchSize = int(N)
		it := txn.NewIterator(opts)
		defer it.Close()

		expect := from
		for it.Seek(formSeqKey(from)); it.ValidForPrefix(slabPrefix) && len(slabs) < int(N); it.Next() {
			item := it.Item()
			seq := seqFromKey(item.Key())
			if seq != expect {
				break
			}

			s := &slab.Slab{}
			if err := item.Value(s.Unmarshal); err != nil {
				return errors.Wrapf(err, "replay log slab %d", seq)
			}
			slabs = append(slabs, s)
			expect++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(slabs) == 0 {
		return nil, ErrCode_SubLagged.ErrWithMsgf("slab %d evicted before it could be delivered", from)
	}
	return slabs, nil
}

// get reads a single slab.
func (L *replayLog) get(seq uint64) (*slab.Slab, error) {
	s := &slab.Slab{}

	err := L.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(formSeqKey(seq))
		if err != nil {
			return err
		}
		return item.Value(s.Unmarshal)
	})
	if err == badger.ErrKeyNotFound {
		head, tail := L.bounds()
		return nil, ErrCode_SlabNotFound.ErrWithMsgf("slab %d not in retained window [%d, %d]", seq, head, tail)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read slab %d", seq)
	}
	return s, nil
}
