package core

// Persistent account/contract state (C2). Grounded in the teacher's
// core/ledger.go State/nonces maps and snapshot/WAL discipline, split here
// into a StateStore interface with a JSON-on-disk development backend and a
// bbolt-backed production backend as spec §4.2 requires. Transaction nonces
// and contract storage are the canonical account state; UTXOSet (utxo.go)
// remains the source of truth for address balances moved by regular
// transactions.

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	bolt "go.etcd.io/bbolt"
)

// StoredAccount is the persisted record for one address: nonce (monotonic,
// incremented per originated transaction) and, for contract accounts, a
// code hash and key/value storage (spec §3 AccountState).
type StoredAccount struct {
	Address    Address           `json:"address"`
	Nonce      uint64            `json:"nonce"`
	CodeHash   *Hash256          `json:"code_hash,omitempty"`
	Storage    map[string][]byte `json:"storage,omitempty"`
	LastUpdate int64             `json:"last_updated"`
}

// StateTx is an open state-store transaction: all reads within it observe a
// consistent snapshot, writes are staged, and Commit makes them durable
// atomically while Rollback discards them (spec §4.2). The chain manager
// wraps every block application in exactly one StateTx.
type StateTx interface {
	GetAccount(addr Address) (*StoredAccount, bool, error)
	SetAccount(acc *StoredAccount) error
	IncrementNonce(addr Address) (uint64, error)
	GetStorageValue(addr Address, key string) ([]byte, bool, error)
	SetStorageValue(addr Address, key string, value []byte) error
	DeleteAccount(addr Address) error
	Commit() error
	Rollback() error
}

// StateStore is the persistence interface for account/contract state.
type StateStore interface {
	GetAccount(addr Address) (*StoredAccount, bool, error)
	SetAccount(acc *StoredAccount) error
	GetBalanceHint(addr Address) (uint64, bool, error) // convenience cache; UTXOSet is authoritative
	SetBalanceHint(addr Address, balance uint64) error
	GetNonce(addr Address) (uint64, error)
	SetNonce(addr Address, nonce uint64) error
	IncrementNonce(addr Address) (uint64, error)
	GetStorageValue(addr Address, key string) ([]byte, bool, error)
	SetStorageValue(addr Address, key string, value []byte) error
	DeleteAccount(addr Address) error
	Snapshot(id string) error
	RestoreSnapshot(id string) error
	DeleteSnapshot(id string) error
	BeginTransaction() (StateTx, error)
	Backup(path string) error
	Restore(path string) error
	Close() error
}

// --- JSON-on-disk development backend -------------------------------------

type jsonStateDoc struct {
	Accounts map[string]*StoredAccount `json:"accounts"`
	Contracts map[string]*Hash256       `json:"contracts"`
	Storage  map[string]map[string][]byte `json:"storage"`
	Metadata map[string]string        `json:"metadata"`
}

// JSONStateStore keeps the single-file JSON document described by spec §6
// (top-level keys accounts/contracts/storage/metadata) in memory and
// rewrites it atomically (write to a temp file, fsync, rename) on every
// Commit.
type JSONStateStore struct {
	mu       sync.RWMutex
	path     string
	snapDir  string
	doc      jsonStateDoc
	balances map[string]uint64
}

// OpenJSONStateStore loads path if it exists, or starts from an empty
// document.
func OpenJSONStateStore(path string) (*JSONStateStore, error) {
	s := &JSONStateStore{
		path:     path,
		snapDir:  filepath.Join(filepath.Dir(path), "snapshots"),
		balances: make(map[string]uint64),
		doc: jsonStateDoc{
			Accounts:  make(map[string]*StoredAccount),
			Contracts: make(map[string]*Hash256),
			Storage:   make(map[string]map[string][]byte),
			Metadata:  make(map[string]string),
		},
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, NewError(KindStoreIO, "create state store directory", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, NewError(KindStoreIO, "read state file", err)
	}
	if err := json.Unmarshal(raw, &s.doc); err != nil {
		return nil, NewError(KindStoreIO, "unmarshal state file", err)
	}
	return s, nil
}

func (s *JSONStateStore) persistLocked() error {
	raw, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return NewError(KindStoreIO, "marshal state document", err)
	}
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return NewError(KindStoreIO, "open temp state file", err)
	}
	if _, err := f.Write(raw); err != nil {
		f.Close()
		return NewError(KindStoreIO, "write temp state file", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return NewError(KindStoreIO, "fsync temp state file", err)
	}
	if err := f.Close(); err != nil {
		return NewError(KindStoreIO, "close temp state file", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return NewError(KindStoreIO, "rename temp state file", err)
	}
	return nil
}

func (s *JSONStateStore) GetAccount(addr Address) (*StoredAccount, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.doc.Accounts[addr.String()]
	return acc, ok, nil
}

func (s *JSONStateStore) SetAccount(acc *StoredAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Accounts[acc.Address.String()] = acc
	return s.persistLocked()
}

func (s *JSONStateStore) GetBalanceHint(addr Address) (uint64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.balances[addr.String()]
	return b, ok, nil
}

func (s *JSONStateStore) SetBalanceHint(addr Address, balance uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[addr.String()] = balance
	return nil
}

func (s *JSONStateStore) GetNonce(addr Address) (uint64, error) {
	acc, ok, _ := s.GetAccount(addr)
	if !ok {
		return 0, nil
	}
	return acc.Nonce, nil
}

func (s *JSONStateStore) SetNonce(addr Address, nonce uint64) error {
	s.mu.Lock()
	acc, ok := s.doc.Accounts[addr.String()]
	if !ok {
		acc = &StoredAccount{Address: addr}
		s.doc.Accounts[addr.String()] = acc
	}
	acc.Nonce = nonce
	err := s.persistLocked()
	s.mu.Unlock()
	return err
}

func (s *JSONStateStore) IncrementNonce(addr Address) (uint64, error) {
	s.mu.Lock()
	acc, ok := s.doc.Accounts[addr.String()]
	if !ok {
		acc = &StoredAccount{Address: addr}
		s.doc.Accounts[addr.String()] = acc
	}
	acc.Nonce++
	next := acc.Nonce
	err := s.persistLocked()
	s.mu.Unlock()
	return next, err
}

func (s *JSONStateStore) GetStorageValue(addr Address, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.doc.Storage[addr.String()]
	if !ok {
		return nil, false, nil
	}
	v, ok := m[key]
	return v, ok, nil
}

func (s *JSONStateStore) SetStorageValue(addr Address, key string, value []byte) error {
	s.mu.Lock()
	m, ok := s.doc.Storage[addr.String()]
	if !ok {
		m = make(map[string][]byte)
		s.doc.Storage[addr.String()] = m
	}
	m[key] = value
	err := s.persistLocked()
	s.mu.Unlock()
	return err
}

func (s *JSONStateStore) DeleteAccount(addr Address) error {
	s.mu.Lock()
	delete(s.doc.Accounts, addr.String())
	delete(s.doc.Storage, addr.String())
	delete(s.balances, addr.String())
	err := s.persistLocked()
	s.mu.Unlock()
	return err
}

func (s *JSONStateStore) Snapshot(id string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := os.MkdirAll(s.snapDir, 0o750); err != nil {
		return NewError(KindStoreIO, "create snapshot directory", err)
	}
	return copyFile(s.path, filepath.Join(s.snapDir, id+".json"))
}

func (s *JSONStateStore) RestoreSnapshot(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapPath := filepath.Join(s.snapDir, id+".json")
	raw, err := os.ReadFile(snapPath)
	if err != nil {
		return NewError(KindStoreIO, "read snapshot", err)
	}
	var doc jsonStateDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return NewError(KindStoreIO, "unmarshal snapshot", err)
	}
	s.doc = doc
	return s.persistLocked()
}

func (s *JSONStateStore) DeleteSnapshot(id string) error {
	if err := os.Remove(filepath.Join(s.snapDir, id+".json")); err != nil && !os.IsNotExist(err) {
		return NewError(KindStoreIO, "delete snapshot", err)
	}
	return nil
}

// jsonStateTx stages writes in memory against a copy of the document taken
// at BeginTransaction time; Commit replaces the live document and persists,
// Rollback simply discards the staged copy (spec §4.2 transactional
// discipline).
type jsonStateTx struct {
	store    *JSONStateStore
	staged   jsonStateDoc
	done     bool
}

func (s *JSONStateStore) BeginTransaction() (StateTx, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw, err := json.Marshal(s.doc)
	if err != nil {
		return nil, NewError(KindStoreIO, "snapshot state for transaction", err)
	}
	var staged jsonStateDoc
	if err := json.Unmarshal(raw, &staged); err != nil {
		return nil, NewError(KindStoreIO, "clone state for transaction", err)
	}
	return &jsonStateTx{store: s, staged: staged}, nil
}

func (t *jsonStateTx) GetAccount(addr Address) (*StoredAccount, bool, error) {
	acc, ok := t.staged.Accounts[addr.String()]
	return acc, ok, nil
}

func (t *jsonStateTx) SetAccount(acc *StoredAccount) error {
	t.staged.Accounts[acc.Address.String()] = acc
	return nil
}

func (t *jsonStateTx) IncrementNonce(addr Address) (uint64, error) {
	acc, ok := t.staged.Accounts[addr.String()]
	if !ok {
		acc = &StoredAccount{Address: addr}
		t.staged.Accounts[addr.String()] = acc
	}
	acc.Nonce++
	return acc.Nonce, nil
}

func (t *jsonStateTx) GetStorageValue(addr Address, key string) ([]byte, bool, error) {
	m, ok := t.staged.Storage[addr.String()]
	if !ok {
		return nil, false, nil
	}
	v, ok := m[key]
	return v, ok, nil
}

func (t *jsonStateTx) SetStorageValue(addr Address, key string, value []byte) error {
	m, ok := t.staged.Storage[addr.String()]
	if !ok {
		m = make(map[string][]byte)
		t.staged.Storage[addr.String()] = m
	}
	m[key] = value
	return nil
}

func (t *jsonStateTx) DeleteAccount(addr Address) error {
	delete(t.staged.Accounts, addr.String())
	delete(t.staged.Storage, addr.String())
	return nil
}

func (t *jsonStateTx) Commit() error {
	if t.done {
		return NewError(KindStoreIO, "transaction already finished", nil)
	}
	t.done = true
	t.store.mu.Lock()
	t.store.doc = t.staged
	err := t.store.persistLocked()
	t.store.mu.Unlock()
	return err
}

func (t *jsonStateTx) Rollback() error {
	t.done = true
	return nil
}

func (s *JSONStateStore) Backup(path string) error {
	return copyFile(s.path, path)
}

func (s *JSONStateStore) Restore(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := os.ReadFile(path)
	if err != nil {
		return NewError(KindStoreIO, "read backup", err)
	}
	var doc jsonStateDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return NewError(KindStoreIO, "unmarshal backup", err)
	}
	s.doc = doc
	return s.persistLocked()
}

func (s *JSONStateStore) Close() error { return nil }

// --- bbolt-backed production backend ---------------------------------------

var (
	boltAccountsBucket = []byte("accounts") // key: <address>
	boltStorageBucket  = []byte("storage")  // key: <address>:<key>
)

// BoltStateStore is the embedded-ordered-KV production backend for account
// state: accounts live in an "accounts" bucket keyed by the address string
// and contract storage in a "storage" bucket keyed by "<address>:<key>",
// with the key written as given rather than hex-encoded. Keys carry no
// acc:/sto: prefix, and there is no separate contracts (ctr:) bucket.
type BoltStateStore struct {
	mu sync.RWMutex
	db *bolt.DB
}

func OpenBoltStateStore(path string) (*BoltStateStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, NewError(KindStoreIO, "create state store directory", err)
	}
	db, err := bolt.Open(path, 0o640, nil)
	if err != nil {
		return nil, NewError(KindStoreIO, "open bbolt database", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(boltAccountsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(boltStorageBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, NewError(KindStoreIO, "init bbolt buckets", err)
	}
	return &BoltStateStore{db: db}, nil
}

func storageKey(addr Address, key string) []byte {
	return []byte(fmt.Sprintf("%s:%s", addr, key))
}

func (s *BoltStateStore) GetAccount(addr Address) (*StoredAccount, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var acc *StoredAccount
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(boltAccountsBucket).Get([]byte(addr.String()))
		if raw == nil {
			return nil
		}
		ok = true
		return json.Unmarshal(raw, &acc)
	})
	if err != nil {
		return nil, false, NewError(KindStoreIO, "read account", err)
	}
	return acc, ok, nil
}

func (s *BoltStateStore) SetAccount(acc *StoredAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := json.Marshal(acc)
	if err != nil {
		return NewError(KindStoreIO, "marshal account", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltAccountsBucket).Put([]byte(acc.Address.String()), raw)
	})
	if err != nil {
		return NewError(KindStoreIO, "write account", err)
	}
	return nil
}

func (s *BoltStateStore) GetBalanceHint(addr Address) (uint64, bool, error) {
	acc, ok, err := s.GetAccount(addr)
	if err != nil || !ok {
		return 0, false, err
	}
	return 0, ok, nil // balance is authoritative in UTXOSet; hint unused in the bbolt backend
}

func (s *BoltStateStore) SetBalanceHint(addr Address, balance uint64) error { return nil }

func (s *BoltStateStore) GetNonce(addr Address) (uint64, error) {
	acc, ok, err := s.GetAccount(addr)
	if err != nil || !ok {
		return 0, err
	}
	return acc.Nonce, nil
}

func (s *BoltStateStore) SetNonce(addr Address, nonce uint64) error {
	acc, ok, err := s.GetAccount(addr)
	if err != nil {
		return err
	}
	if !ok {
		acc = &StoredAccount{Address: addr}
	}
	acc.Nonce = nonce
	return s.SetAccount(acc)
}

func (s *BoltStateStore) IncrementNonce(addr Address) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var next uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(boltAccountsBucket)
		raw := b.Get([]byte(addr.String()))
		var acc StoredAccount
		if raw != nil {
			if err := json.Unmarshal(raw, &acc); err != nil {
				return err
			}
		} else {
			acc = StoredAccount{Address: addr}
		}
		acc.Nonce++
		next = acc.Nonce
		out, err := json.Marshal(acc)
		if err != nil {
			return err
		}
		return b.Put([]byte(addr.String()), out)
	})
	if err != nil {
		return 0, NewError(KindStoreIO, "increment nonce", err)
	}
	return next, nil
}

func (s *BoltStateStore) GetStorageValue(addr Address, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []byte
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(boltStorageBucket).Get(storageKey(addr, key))
		if v == nil {
			return nil
		}
		ok = true
		out = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, false, NewError(KindStoreIO, "read storage value", err)
	}
	return out, ok, nil
}

func (s *BoltStateStore) SetStorageValue(addr Address, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltStorageBucket).Put(storageKey(addr, key), value)
	})
	if err != nil {
		return NewError(KindStoreIO, "write storage value", err)
	}
	return nil
}

func (s *BoltStateStore) DeleteAccount(addr Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltAccountsBucket).Delete([]byte(addr.String()))
	})
}

func (s *BoltStateStore) Snapshot(id string) error {
	return s.Backup(filepath.Join(filepath.Dir(s.db.Path()), "snapshots", id+".db"))
}

func (s *BoltStateStore) RestoreSnapshot(id string) error {
	return s.Restore(filepath.Join(filepath.Dir(s.db.Path()), "snapshots", id+".db"))
}

func (s *BoltStateStore) DeleteSnapshot(id string) error {
	p := filepath.Join(filepath.Dir(s.db.Path()), "snapshots", id+".db")
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return NewError(KindStoreIO, "delete snapshot", err)
	}
	return nil
}

// boltStateTx implements a single-writer transaction over the live bbolt
// database using one long-lived bolt.Tx, matching the "all reads within it
// observe a consistent snapshot; commit is atomic" requirement directly via
// bbolt's own MVCC transaction (spec §4.2).
type boltStateTx struct {
	store *BoltStateStore
	tx    *bolt.Tx
	done  bool
}

func (s *BoltStateStore) BeginTransaction() (StateTx, error) {
	s.mu.Lock() // released on Commit/Rollback, serializing block application
	tx, err := s.db.Begin(true)
	if err != nil {
		s.mu.Unlock()
		return nil, NewError(KindStoreIO, "begin bbolt transaction", err)
	}
	return &boltStateTx{store: s, tx: tx}, nil
}

func (t *boltStateTx) account(addr Address) (*StoredAccount, bool, error) {
	raw := t.tx.Bucket(boltAccountsBucket).Get([]byte(addr.String()))
	if raw == nil {
		return nil, false, nil
	}
	var acc StoredAccount
	if err := json.Unmarshal(raw, &acc); err != nil {
		return nil, false, err
	}
	return &acc, true, nil
}

func (t *boltStateTx) GetAccount(addr Address) (*StoredAccount, bool, error) {
	return t.account(addr)
}

func (t *boltStateTx) SetAccount(acc *StoredAccount) error {
	raw, err := json.Marshal(acc)
	if err != nil {
		return err
	}
	return t.tx.Bucket(boltAccountsBucket).Put([]byte(acc.Address.String()), raw)
}

func (t *boltStateTx) IncrementNonce(addr Address) (uint64, error) {
	acc, ok, err := t.account(addr)
	if err != nil {
		return 0, err
	}
	if !ok {
		acc = &StoredAccount{Address: addr}
	}
	acc.Nonce++
	return acc.Nonce, t.SetAccount(acc)
}

func (t *boltStateTx) GetStorageValue(addr Address, key string) ([]byte, bool, error) {
	v := t.tx.Bucket(boltStorageBucket).Get(storageKey(addr, key))
	if v == nil {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (t *boltStateTx) SetStorageValue(addr Address, key string, value []byte) error {
	return t.tx.Bucket(boltStorageBucket).Put(storageKey(addr, key), value)
}

func (t *boltStateTx) DeleteAccount(addr Address) error {
	return t.tx.Bucket(boltAccountsBucket).Delete([]byte(addr.String()))
}

func (t *boltStateTx) Commit() error {
	if t.done {
		return NewError(KindStoreIO, "transaction already finished", nil)
	}
	t.done = true
	defer t.store.mu.Unlock()
	return t.tx.Commit()
}

func (t *boltStateTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	defer t.store.mu.Unlock()
	return t.tx.Rollback()
}

func (s *BoltStateStore) Backup(path string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return NewError(KindStoreIO, "create backup directory", err)
	}
	return s.db.View(func(tx *bolt.Tx) error {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = tx.WriteTo(f)
		return err
	})
}

func (s *BoltStateStore) Restore(path string) error {
	s.mu.Lock()
	dbPath := s.db.Path()
	s.db.Close()
	s.mu.Unlock()

	if err := copyFile(path, dbPath); err != nil {
		return NewError(KindStoreIO, "restore state store database", err)
	}
	restored, err := OpenBoltStateStore(dbPath)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.db = restored.db
	s.mu.Unlock()
	return nil
}

func (s *BoltStateStore) Close() error {
	return s.db.Close()
}
