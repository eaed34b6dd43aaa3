package session

import (
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/plan-systems/plan-gateway/device"
)

// CursorStore persists the last seq each named session has acknowledged.
type CursorStore interface {

	// LoadCursor returns the named session's cursor (0 if none has been saved).
	LoadCursor(name string) (uint64, error)

	// SaveCursor durably records the named session's cursor before returning.
	SaveCursor(name string, seq uint64) error
}

// MemCursorStore is a CursorStore that forgets everything when the process exits.
type MemCursorStore struct {
	mu      sync.Mutex
	cursors map[string]uint64
}

// NewMemCursorStore returns an empty MemCursorStore.
func NewMemCursorStore() *MemCursorStore {
	return &MemCursorStore{
		cursors: make(map[string]uint64),
	}
}

// LoadCursor -- see interface CursorStore
func (s *MemCursorStore) LoadCursor(name string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[name], nil
}

// SaveCursor -- see interface CursorStore
func (s *MemCursorStore) SaveCursor(name string, seq uint64) error {
	s.mu.Lock()
	s.cursors[name] = seq
	s.mu.Unlock()
	return nil
}

const cursorsBucket = "cursors"

// BoltCursorStore is a CursorStore backed by a bbolt file.
type BoltCursorStore struct {
	db *bolt.DB
}

// OpenBoltCursorStore opens (or creates) the cursor db at the given pathname.
func OpenBoltCursorStore(pathname string) (*BoltCursorStore, error) {
	expanded, err := device.EnsureParentDir(pathname)
	if err != nil {
		return nil, ErrCode_CursorStoreFailed.Wrap(err)
	}

	db, err := bolt.Open(expanded, 0600, nil)
	if err != nil {
		return nil, ErrCode_CursorStoreFailed.Wrap(errors.Wrapf(err, "failed to open '%s'", expanded))
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(cursorsBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, ErrCode_CursorStoreFailed.Wrap(err)
	}

	return &BoltCursorStore{
		db: db,
	}, nil
}

// Close closes the underlying db.
func (s *BoltCursorStore) Close() error {
	return s.db.Close()
}

// LoadCursor -- see interface CursorStore
func (s *BoltCursorStore) LoadCursor(name string) (uint64, error) {
	var seq uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		val := tx.Bucket([]byte(cursorsBucket)).Get([]byte(name))
		switch len(val) {
		case 0:
		case 8:
			seq = binary.BigEndian.Uint64(val)
		default:
			return errors.Errorf("bad cursor value for '%s'", name)
		}
		return nil
	})
	if err != nil {
		return 0, ErrCode_CursorStoreFailed.Wrap(err)
	}
	return seq, nil
}

// SaveCursor -- see interface CursorStore
func (s *BoltCursorStore) SaveCursor(name string, seq uint64) error {
	var val [8]byte
	binary.BigEndian.PutUint64(val[:], seq)

	// bolt syncs on every commit
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(cursorsBucket)).Put([]byte(name), val[:])
	})
	if err != nil {
		return ErrCode_CursorStoreFailed.Wrap(err)
	}
	return nil
}
