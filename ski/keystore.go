// Package ski ("secure key interface") is the wallet's encrypted key store.
//
// A KeyStore lives in a single sqlite file (wallet.db).  Signing keys are ed25519 and are sealed at rest to the
// store's X25519 key, whose private half is itself sealed under a key derived (argon2id) from the wallet password.
// Nothing can be signed without first calling Unlock(), which issues a Handle: a scoped capability holding the
// opened store key.  Lock(), ChangePassword() and Wipe() revoke every outstanding Handle.
package ski

import (
	"bytes"
	"crypto/ed25519"
	crypto_rand "crypto/rand"
	"database/sql"
	_ "embed"
	"io"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"

	"github.com/plan-systems/plan-gateway/bufs"
	"github.com/plan-systems/plan-gateway/ctx"
	"github.com/plan-systems/plan-gateway/device"
)

//go:embed schema.sql
var schemaSQL string

// storeMeta is the in-memory form of the single store_meta row.
type storeMeta struct {
	salt        []byte
	params      KDFParams
	storePub    [secretKeySz]byte
	storeSealed []byte
	timeCreated device.TimeFS
}

// KeyInfo describes a signing key held by a KeyStore.
type KeyInfo struct {
	PubID       PubID
	TimeCreated device.TimeFS
}

type keyEntry struct {
	KeyInfo
	sealedSeed []byte
}

// KeyStore is an encrypted-at-rest container of ed25519 signing keys.
type KeyStore struct {
	ctx.Logger

	// Rand is the entropy source for salts, nonces, and new keys (crypto/rand by default).
	Rand io.Reader

	pathname string
	db       *sql.DB
	params   KDFParams

	// unlockMu serializes the slow (KDF) paths of a single store: Init, Unlock, ChangePassword, Wipe
	unlockMu sync.Mutex

	mu      sync.RWMutex
	epoch   uint64
	meta    *storeMeta
	keys    []*keyEntry
	handles map[*Handle]struct{}
	closed  bool
}

// Open opens (or creates) the key store at the given pathname.
//
// params are the KDF costs used when the store is initialized or re-keyed; an existing store is always
// unlocked using the params it was sealed with.
func Open(pathname string, params KDFParams) (*KeyStore, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}

	expanded := pathname
	if pathname != ":memory:" {
		var err error
		if expanded, err = device.EnsureParentDir(pathname); err != nil {
			return nil, ErrCode_StoreFailed.Wrap(err)
		}
	}

	db, err := sql.Open("sqlite3", expanded)
	if err != nil {
		return nil, ErrCode_StoreFailed.Wrap(errors.Wrapf(err, "failed to open '%s'", expanded))
	}

	// One connection: sqlite has a single writer and ":memory:" dbs are per-connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ks := &KeyStore{
		Logger:   ctx.NewLogger("ski.keystore"),
		Rand:     crypto_rand.Reader,
		pathname: expanded,
		db:       db,
		params:   params,
		handles:  make(map[*Handle]struct{}),
	}

	if err = ks.setup(); err != nil {
		db.Close()
		return nil, ErrCode_StoreFailed.Wrap(err)
	}

	ks.Infof(1, "opened '%s' (initialized: %v, %d keys)", expanded, ks.meta != nil, len(ks.keys))
	return ks, nil
}

func (ks *KeyStore) setup() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := ks.db.Exec(pragma); err != nil {
			return errors.Wrapf(err, "failed to execute %q", pragma)
		}
	}

	if _, err := ks.db.Exec(schemaSQL); err != nil {
		return errors.Wrap(err, "failed to apply schema")
	}

	return ks.load()
}

// load reads the store meta and sealed keys into memory.
func (ks *KeyStore) load() error {
	ks.meta = nil
	ks.keys = nil

	var (
		meta    storeMeta
		pub     []byte
		threads int
	)
	err := ks.db.QueryRow(`
		SELECT kdf_salt, kdf_time, kdf_memory, kdf_threads, store_public, store_sealed, time_created
		FROM store_meta WHERE meta_id = 0`,
	).Scan(&meta.salt, &meta.params.Time, &meta.params.MemoryKiB, &threads, &pub, &meta.storeSealed, &meta.timeCreated)
	switch {
	case err == sql.ErrNoRows:
		return nil
	case err != nil:
		return errors.Wrap(err, "failed to read store meta")
	case len(pub) != secretKeySz:
		return ErrCode_BadKeyFormat.ErrWithMsg("bad store public key")
	}
	meta.params.Threads = uint8(threads)
	copy(meta.storePub[:], pub)
	ks.meta = &meta

	rows, err := ks.db.Query(`SELECT key_public, key_private, time_created FROM keys ORDER BY key_id`)
	if err != nil {
		return errors.Wrap(err, "failed to read keys")
	}
	defer rows.Close()

	for rows.Next() {
		entry := &keyEntry{}
		var pubID []byte
		if err = rows.Scan(&pubID, &entry.sealedSeed, &entry.TimeCreated); err != nil {
			return errors.Wrap(err, "failed to read key row")
		}
		entry.PubID = PubID(pubID)
		ks.keys = append(ks.keys, entry)
	}
	return rows.Err()
}

// update runs fn in a single transaction, committed (and synced) before returning.
func (ks *KeyStore) update(fn func(tx *sql.Tx) error) error {
	tx, err := ks.db.Begin()
	if err != nil {
		return ErrCode_StoreFailed.Wrap(err)
	}
	if err = fn(tx); err != nil {
		tx.Rollback()
		if _, isErr := err.(*Err); isErr {
			return err
		}
		return ErrCode_StoreFailed.Wrap(err)
	}
	if err = tx.Commit(); err != nil {
		return ErrCode_StoreFailed.Wrap(err)
	}
	return nil
}

// Close revokes all handles and closes the underlying db.
func (ks *KeyStore) Close() error {
	ks.unlockMu.Lock()
	defer ks.unlockMu.Unlock()

	revoked := ks.revokeAll(func() {
		ks.closed = true
	})
	wipeHandles(revoked)

	return ks.db.Close()
}

// Pathname returns the expanded pathname of the db file.
func (ks *KeyStore) Pathname() string {
	return ks.pathname
}

// IsInitialized returns true if a password has been set (and the store not wiped since).
func (ks *KeyStore) IsInitialized() bool {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.meta != nil
}

// Init sets the store's password, creating the store key that all signing keys are sealed to.
func (ks *KeyStore) Init(password []byte) error {
	ks.unlockMu.Lock()
	defer ks.unlockMu.Unlock()

	ks.mu.RLock()
	alreadyInit, closed := ks.meta != nil, ks.closed
	ks.mu.RUnlock()
	if closed {
		return ErrCode_StoreFailed.ErrWithMsg("key store closed")
	}
	if alreadyInit {
		return ErrCode_AlreadyInitialized.ErrWithMsgf("'%s' already initialized", ks.pathname)
	}

	storePub, storePriv, err := box.GenerateKey(ks.Rand)
	if err != nil {
		return ErrCode_StoreFailed.Wrap(err)
	}
	defer bufs.Zero(storePriv[:])

	meta := &storeMeta{
		salt:        make([]byte, SaltSz),
		params:      ks.params,
		storePub:    *storePub,
		timeCreated: device.TimeNowFS(),
	}
	if _, err = io.ReadFull(ks.Rand, meta.salt); err != nil {
		return ErrCode_StoreFailed.Wrap(err)
	}

	if meta.storeSealed, err = ks.sealStoreKey(password, meta, storePriv); err != nil {
		return err
	}

	err = ks.update(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO store_meta (meta_id, kdf_salt, kdf_time, kdf_memory, kdf_threads, store_public, store_sealed, time_created)
			VALUES (0, ?, ?, ?, ?, ?, ?, ?)`,
			meta.salt, meta.params.Time, meta.params.MemoryKiB, int(meta.params.Threads), meta.storePub[:], meta.storeSealed, int64(meta.timeCreated),
		)
		return err
	})
	if err != nil {
		return err
	}

	ks.mu.Lock()
	ks.meta = meta
	ks.mu.Unlock()

	ks.Info(0, "key store initialized")
	return nil
}

func (ks *KeyStore) sealStoreKey(password []byte, meta *storeMeta, storePriv *[secretKeySz]byte) ([]byte, error) {
	key := deriveKey(password, meta.salt, meta.params)
	defer bufs.Zero(key[:])

	return sealUsingKey(ks.Rand, storePriv[:], key)
}

// openStoreKey derives the password key and opens the store's private key, returning BadPassword on failure.
func openStoreKey(password []byte, meta *storeMeta) (*[secretKeySz]byte, error) {
	key := deriveKey(password, meta.salt, meta.params)
	defer bufs.Zero(key[:])

	opened, ok := openUsingKey(meta.storeSealed, key)
	if !ok || len(opened) != secretKeySz {
		bufs.Zero(opened)
		return nil, ErrCode_BadPassword.Err()
	}

	storePriv := new([secretKeySz]byte)
	copy(storePriv[:], opened)
	bufs.Zero(opened)

	// Catch a store_meta row whose public key doesn't belong to the sealed private key.
	derivedPub, err := curve25519.X25519(storePriv[:], curve25519.Basepoint)
	if err != nil || !bytes.Equal(derivedPub, meta.storePub[:]) {
		bufs.Zero(storePriv[:])
		return nil, ErrCode_BadKeyFormat.ErrWithMsg("store key pair mismatch")
	}
	return storePriv, nil
}

// Unlock derives the store key from the given password and issues a new Handle.
//
// Only Unlock attempts on this same store wait on each other; the KDF runs without holding the store lock.
func (ks *KeyStore) Unlock(password []byte) (*Handle, error) {
	ks.unlockMu.Lock()
	defer ks.unlockMu.Unlock()

	ks.mu.RLock()
	meta, closed := ks.meta, ks.closed
	ks.mu.RUnlock()
	if closed {
		return nil, ErrCode_StoreFailed.ErrWithMsg("key store closed")
	}
	if meta == nil {
		return nil, ErrCode_NotInitialized.ErrWithMsgf("'%s' has no password set", ks.pathname)
	}

	storePriv, err := openStoreKey(password, meta)
	if err != nil {
		ks.Warnf("unlock failed: %v", err)
		return nil, err
	}

	h := &Handle{
		ks:        ks,
		storePub:  meta.storePub,
		storePriv: storePriv,
	}

	ks.mu.Lock()
	h.epoch = ks.epoch
	ks.handles[h] = struct{}{}
	ks.mu.Unlock()

	ks.Info(1, "issued unlock handle")
	return h, nil
}

// Locked returns true if there are no live handles.
func (ks *KeyStore) Locked() bool {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return len(ks.handles) == 0
}

// Lock revokes every handle issued so far.
func (ks *KeyStore) Lock() {
	revoked := ks.revokeAll(nil)
	wipeHandles(revoked)
	if len(revoked) > 0 {
		ks.Infof(1, "locked (%d handles revoked)", len(revoked))
	}
}

// revokeAll bumps the epoch and detaches all handles while holding ks.mu (along with running fn, if given).
//
// The returned handles must be wiped after ks.mu is released since Sign() acquires h.mu before ks.mu.
func (ks *KeyStore) revokeAll(fn func()) []*Handle {
	ks.mu.Lock()
	ks.epoch++
	revoked := make([]*Handle, 0, len(ks.handles))
	for h := range ks.handles {
		revoked = append(revoked, h)
	}
	ks.handles = make(map[*Handle]struct{})
	if fn != nil {
		fn()
	}
	ks.mu.Unlock()

	return revoked
}

func wipeHandles(handles []*Handle) {
	for _, h := range handles {
		h.mu.Lock()
		h.wipe()
		h.mu.Unlock()
	}
}

// GenerateKeypair creates a new signing key, durably storing it (sealed) before returning its PubID.
//
// No handle is needed since new keys are sealed to the store's public key.
func (ks *KeyStore) GenerateKeypair() (PubID, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if ks.meta == nil {
		return nil, ErrCode_NotInitialized.ErrWithMsg("cannot generate a key before a password is set")
	}

	pub, priv, err := ed25519.GenerateKey(ks.Rand)
	if err != nil {
		return nil, ErrCode_StoreFailed.Wrap(err)
	}
	seed := priv.Seed()
	sealed, err := sealToStore(ks.Rand, seed, &ks.meta.storePub)
	bufs.Zero(seed)
	bufs.Zero(priv)
	if err != nil {
		return nil, err
	}

	entry := &keyEntry{
		KeyInfo: KeyInfo{
			PubID:       PubID(pub),
			TimeCreated: device.TimeNowFS(),
		},
		sealedSeed: sealed,
	}

	err = ks.update(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO keys (key_public, key_private, time_created) VALUES (?, ?, ?)`,
			[]byte(entry.PubID), entry.sealedSeed, int64(entry.TimeCreated),
		)
		return err
	})
	if err != nil {
		return nil, err
	}

	ks.keys = append(ks.keys, entry)
	ks.Infof(1, "generated key %v", entry.PubID)

	return entry.PubID, nil
}

// Keys returns info for every signing key, oldest first.
func (ks *KeyStore) Keys() []KeyInfo {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	infos := make([]KeyInfo, len(ks.keys))
	for i, entry := range ks.keys {
		infos[i] = entry.KeyInfo
	}
	return infos
}

// MainKey returns the oldest signing key (the wallet's default identity).
func (ks *KeyStore) MainKey() (PubID, error) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	if ks.meta == nil {
		return nil, ErrCode_NotInitialized.Err()
	}
	if len(ks.keys) == 0 {
		return nil, ErrCode_KeyNotFound.ErrWithMsg("no keys generated")
	}
	return ks.keys[0].PubID, nil
}

func (ks *KeyStore) findKey(keyID PubID) *keyEntry {
	for _, entry := range ks.keys {
		if entry.PubID.Equal(keyID) {
			return entry
		}
	}
	return nil
}

// Sign signs msg using the given key (ed25519, so the same key and msg always yield the same signature).
//
// Returns HandleRevoked if h was released or if the store was locked, re-keyed, or wiped after h was issued.
func (ks *KeyStore) Sign(h *Handle, keyID PubID, msg []byte) ([]byte, error) {
	if h == nil || h.ks != ks {
		return nil, ErrCode_HandleRevoked.ErrWithMsg("handle not issued by this store")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.storePriv == nil {
		return nil, ErrCode_HandleRevoked.ErrWithMsg("handle released")
	}

	ks.mu.RLock()
	defer ks.mu.RUnlock()

	if h.epoch != ks.epoch {
		return nil, ErrCode_HandleRevoked.ErrWithMsg("store was locked after handle was issued")
	}

	entry := ks.findKey(keyID)
	if entry == nil {
		return nil, ErrCode_KeyNotFound.ErrWithMsgf("key %v not found", keyID)
	}

	return signUsingSealedKey(msg, entry.sealedSeed, &h.storePub, h.storePriv)
}

// ChangePassword re-seals the store key under newPassword, revoking all handles.
//
// Signing keys are untouched since they are sealed to the store key, not to the password.
func (ks *KeyStore) ChangePassword(oldPassword, newPassword []byte) error {
	ks.unlockMu.Lock()
	defer ks.unlockMu.Unlock()

	ks.mu.RLock()
	meta := ks.meta
	ks.mu.RUnlock()
	if meta == nil {
		return ErrCode_NotInitialized.Err()
	}

	storePriv, err := openStoreKey(oldPassword, meta)
	if err != nil {
		return err
	}
	defer bufs.Zero(storePriv[:])

	newMeta := &storeMeta{
		salt:        make([]byte, SaltSz),
		params:      ks.params,
		storePub:    meta.storePub,
		timeCreated: meta.timeCreated,
	}
	if _, err = io.ReadFull(ks.Rand, newMeta.salt); err != nil {
		return ErrCode_StoreFailed.Wrap(err)
	}
	if newMeta.storeSealed, err = ks.sealStoreKey(newPassword, newMeta, storePriv); err != nil {
		return err
	}

	err = ks.update(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			UPDATE store_meta SET kdf_salt = ?, kdf_time = ?, kdf_memory = ?, kdf_threads = ?, store_sealed = ?
			WHERE meta_id = 0`,
			newMeta.salt, newMeta.params.Time, newMeta.params.MemoryKiB, int(newMeta.params.Threads), newMeta.storeSealed,
		)
		return err
	})
	if err != nil {
		return err
	}

	revoked := ks.revokeAll(func() {
		ks.meta = newMeta
	})
	wipeHandles(revoked)

	ks.Infof(0, "password changed (%d handles revoked)", len(revoked))
	return nil
}

// Wipe irreversibly deletes every key, the store key, and the cashier key, revoking all handles.
//
// Afterwards the store is uninitialized and Init() may be called again.
func (ks *KeyStore) Wipe() error {
	ks.unlockMu.Lock()
	defer ks.unlockMu.Unlock()

	err := ks.update(func(tx *sql.Tx) error {
		for _, stmt := range []string{
			`DELETE FROM keys`,
			`DELETE FROM cashier`,
			`DELETE FROM store_meta`,
		} {
			if _, err := tx.Exec(stmt); err != nil {
				return errors.Wrapf(err, "wipe failed on %q", stmt)
			}
		}
		return nil
	})
	if err != nil {
		ks.Errorf("wipe of '%s' failed: %v", ks.pathname, err)
		return err
	}

	revoked := ks.revokeAll(func() {
		ks.meta = nil
		ks.keys = nil
	})
	wipeHandles(revoked)

	ks.Warnf("key store '%s' wiped", ks.pathname)
	return nil
}

// PutCashierPub durably records the public key of the cashier this wallet deals with (replacing any previous).
func (ks *KeyStore) PutCashierPub(cashierPub PubID) error {
	if len(cashierPub) != ed25519.PublicKeySize {
		return ErrCode_BadKeyFormat.ErrWithMsgf("cashier key must be %d bytes", ed25519.PublicKeySize)
	}

	ks.mu.Lock()
	defer ks.mu.Unlock()

	if ks.meta == nil {
		return ErrCode_NotInitialized.Err()
	}

	return ks.update(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO cashier (key_id, key_public) VALUES (0, ?)
			ON CONFLICT (key_id) DO UPDATE SET key_public = excluded.key_public`,
			[]byte(cashierPub),
		)
		return err
	})
}

// CashierPub returns the recorded cashier public key.
func (ks *KeyStore) CashierPub() (PubID, error) {
	var pub []byte
	err := ks.db.QueryRow(`SELECT key_public FROM cashier WHERE key_id = 0`).Scan(&pub)
	if err == sql.ErrNoRows {
		return nil, ErrCode_KeyNotFound.ErrWithMsg("no cashier key set")
	}
	if err != nil {
		return nil, ErrCode_StoreFailed.Wrap(err)
	}
	return PubID(pub), nil
}
