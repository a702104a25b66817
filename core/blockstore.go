package core

// Persistent block storage (C2). Grounded in the teacher's core/ledger.go
// NewLedger/OpenLedger (WAL-plus-snapshot discipline, JSON encoding, mutex-
// guarded in-memory indices) and, for the production backend, on the pack's
// bbolt-based stores (see DESIGN.md for the cross-repo grounding of
// go.etcd.io/bbolt as the embedded ordered KV backend spec §4.2(b) requires).

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	bolt "go.etcd.io/bbolt"
)

// BlockStore persists every known block by hash via Put, and separately
// tracks which hash is active at each height via SetHeightIndex. Put alone
// never makes GetByHeight/Range/Tip/Height observe a block: only the chain
// manager calls SetHeightIndex, and only for blocks it has determined belong
// to the active chain, so a stored-but-losing side chain can never shadow
// the active-chain view a height lookup returns (spec §4.2/§4.5).
type BlockStore interface {
	Put(b *Block) error
	GetByHash(hash Hash256) (*Block, bool, error)
	GetByHeight(height uint64) (*Block, bool, error)
	SetHeightIndex(height uint64, hash Hash256) error
	TrimHeightIndexAbove(height uint64) error
	Tip() (Hash256, bool, error)
	Height() (uint64, error)
	Range(startHeight, endHeight uint64) ([]*Block, error)
	Delete(hash Hash256) error
	Compact() error
	Backup(path string) error
	Restore(path string) error
	Close() error
}

// --- JSON-on-disk development backend -------------------------------------

// jsonBlockFile is the on-disk document for one block: header fields plus
// canonical transaction JSON objects (spec §6).
type jsonBlockFile struct {
	Header       BlockHeader   `json:"header"`
	Transactions []Transaction `json:"transactions"`
}

// JSONBlockStore stores one file per block under dir/blocks/<hash>.json, and
// the active-chain height index separately in dir/height_index.json, matching
// spec §6's JSON development backend. The index is written explicitly by
// SetHeightIndex/TrimHeightIndexAbove (the chain manager's doing, never
// Put's), so which hash is active at a height survives a restart exactly as
// the chain manager left it — it is never re-derived by scanning stored
// block bodies, which would have no way to tell a losing side chain from the
// active one (spec §4.2/§4.5).
type JSONBlockStore struct {
	mu         sync.RWMutex
	dir        string
	height     map[uint64]Hash256
	tip        Hash256
	tipHeight  uint64
	haveTip    bool
}

// jsonHeightIndexFile is the on-disk document for the active-chain height
// index, height_index.json.
type jsonHeightIndexFile struct {
	Heights   map[uint64]string `json:"heights"`
	Tip       string            `json:"tip"`
	TipHeight uint64            `json:"tip_height"`
	HaveTip   bool              `json:"have_tip"`
}

func (s *JSONBlockStore) heightIndexPath() string {
	return filepath.Join(s.dir, "height_index.json")
}

// persistHeightIndexLocked writes the current height index atomically.
// Caller must hold s.mu.
func (s *JSONBlockStore) persistHeightIndexLocked() error {
	doc := jsonHeightIndexFile{Heights: make(map[uint64]string, len(s.height)), Tip: s.tip.String(), TipHeight: s.tipHeight, HaveTip: s.haveTip}
	for h, hash := range s.height {
		doc.Heights[h] = hash.String()
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return NewError(KindStoreIO, "marshal height index", err)
	}
	tmp := s.heightIndexPath() + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o640); err != nil {
		return NewError(KindStoreIO, "write height index", err)
	}
	if err := os.Rename(tmp, s.heightIndexPath()); err != nil {
		return NewError(KindStoreIO, "rename height index", err)
	}
	return nil
}

// OpenJSONBlockStore creates dir (and dir/blocks) if needed and loads the
// persisted active-chain height index, if any.
func OpenJSONBlockStore(dir string) (*JSONBlockStore, error) {
	blocksDir := filepath.Join(dir, "blocks")
	if err := os.MkdirAll(blocksDir, 0o750); err != nil {
		return nil, NewError(KindStoreIO, "create block store directory", err)
	}
	s := &JSONBlockStore{dir: dir, height: make(map[uint64]Hash256)}

	raw, err := os.ReadFile(s.heightIndexPath())
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, NewError(KindStoreIO, "read height index", err)
	}
	var doc jsonHeightIndexFile
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, NewError(KindStoreIO, "unmarshal height index", err)
	}
	for h, hexHash := range doc.Heights {
		hash, err := HashFromHex(hexHash)
		if err != nil {
			continue
		}
		s.height[h] = hash
	}
	if doc.HaveTip {
		tip, err := HashFromHex(doc.Tip)
		if err != nil {
			return nil, NewError(KindStoreIO, "parse height index tip", err)
		}
		s.tip = tip
		s.tipHeight = doc.TipHeight
		s.haveTip = true
	}
	return s, nil
}

func (s *JSONBlockStore) blockPath(hash Hash256) string {
	return filepath.Join(s.dir, "blocks", hash.String()+".json")
}

// Put stores a block's body by hash only; it never touches the active-chain
// height index (spec §4.2). A losing side-chain block is therefore stored
// and retrievable by GetByHash, but GetByHeight/Range/Tip never see it
// unless the chain manager separately calls SetHeightIndex for it.
func (s *JSONBlockStore) Put(b *Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	hash := b.Hash()
	path := s.blockPath(hash)
	if _, err := os.Stat(path); err == nil {
		return nil // idempotent: this exact block is already stored (spec §4.2)
	}

	jb := jsonBlockFile{Header: b.Header, Transactions: b.Transactions}
	raw, err := json.Marshal(jb)
	if err != nil {
		return NewError(KindStoreIO, "marshal block", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return NewError(KindStoreIO, "open block file", err)
	}
	if _, err := f.Write(raw); err != nil {
		f.Close()
		return NewError(KindStoreIO, "write block file", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return NewError(KindStoreIO, "fsync block file", err)
	}
	if err := f.Close(); err != nil {
		return NewError(KindStoreIO, "close block file", err)
	}
	return nil
}

// SetHeightIndex marks hash as the active-chain block at height. Only the
// chain manager calls this, exactly for blocks it has determined join the
// active chain (extend or reorg), in ascending height order (spec §4.5).
func (s *JSONBlockStore) SetHeightIndex(height uint64, hash Hash256) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.height[height] = hash
	s.tip = hash
	s.tipHeight = height
	s.haveTip = true
	return s.persistHeightIndexLocked()
}

// TrimHeightIndexAbove removes active-chain height entries above height,
// used after a reorganization lands on a branch shorter than the one rolled
// back, so stale entries from the old chain don't linger (spec §4.5).
func (s *JSONBlockStore) TrimHeightIndexAbove(height uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for h := range s.height {
		if h > height {
			delete(s.height, h)
		}
	}
	return s.persistHeightIndexLocked()
}

func (s *JSONBlockStore) readBlock(hash Hash256) (*Block, bool, error) {
	raw, err := os.ReadFile(s.blockPath(hash))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, NewError(KindStoreIO, "read block file", err)
	}
	var jb jsonBlockFile
	if err := json.Unmarshal(raw, &jb); err != nil {
		return nil, false, NewError(KindStoreIO, "unmarshal block file", err)
	}
	return &Block{Header: jb.Header, Transactions: jb.Transactions}, true, nil
}

func (s *JSONBlockStore) GetByHash(hash Hash256) (*Block, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readBlock(hash)
}

func (s *JSONBlockStore) GetByHeight(height uint64) (*Block, bool, error) {
	s.mu.RLock()
	hash, ok := s.height[height]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	return s.readBlock(hash)
}

func (s *JSONBlockStore) Tip() (Hash256, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tip, s.haveTip, nil
}

func (s *JSONBlockStore) Height() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.haveTip {
		return 0, nil
	}
	return s.tipHeight, nil
}

func (s *JSONBlockStore) Range(startHeight, endHeight uint64) ([]*Block, error) {
	var out []*Block
	for h := startHeight; h <= endHeight; h++ {
		b, ok, err := s.GetByHeight(h)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *JSONBlockStore) Delete(hash Hash256) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.blockPath(hash)); err != nil && !os.IsNotExist(err) {
		return NewError(KindStoreIO, "delete block file", err)
	}
	for h, hh := range s.height {
		if hh == hash {
			delete(s.height, h)
		}
	}
	return s.persistHeightIndexLocked()
}

func (s *JSONBlockStore) Compact() error { return nil }

func (s *JSONBlockStore) Backup(path string) error {
	return copyDir(s.dir, path)
}

func (s *JSONBlockStore) Restore(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := copyDir(path, s.dir); err != nil {
		return err
	}
	rebuilt, err := OpenJSONBlockStore(s.dir)
	if err != nil {
		return err
	}
	s.height = rebuilt.height
	s.tip = rebuilt.tip
	s.tipHeight = rebuilt.tipHeight
	s.haveTip = rebuilt.haveTip
	return nil
}

func (s *JSONBlockStore) Close() error { return nil }

// --- bbolt-backed production backend ---------------------------------------

var (
	boltBlocksBucket = []byte("blocks") // key: raw 32-byte hash -> block JSON body
	boltHeightBucket = []byte("heights") // key: 8-byte big-endian height -> hash
)

// BoltBlockStore is the embedded-ordered-KV production backend (spec
// §4.2(b)), keeping block bodies in a "blocks" bucket keyed by the raw block
// hash and the active-chain height index in a "heights" bucket keyed by the
// big-endian height, in one bbolt database. Keys carry no blk:/hgt: prefix.
// Put writes only the body; the height entry is written later by
// SetHeightIndex in its own bbolt transaction, so the two writes for one
// block are not a single batch.
type BoltBlockStore struct {
	mu  sync.RWMutex
	db  *bolt.DB
}

// OpenBoltBlockStore opens (creating if needed) a bbolt database at path.
func OpenBoltBlockStore(path string) (*BoltBlockStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, NewError(KindStoreIO, "create block store directory", err)
	}
	db, err := bolt.Open(path, 0o640, nil)
	if err != nil {
		return nil, NewError(KindStoreIO, "open bbolt database", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(boltBlocksBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(boltHeightBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, NewError(KindStoreIO, "init bbolt buckets", err)
	}
	return &BoltBlockStore{db: db}, nil
}

func heightKey(h uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, h)
	return b
}

func (s *BoltBlockStore) Put(b *Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	hash := b.Hash()
	jb := jsonBlockFile{Header: b.Header, Transactions: b.Transactions}
	raw, err := json.Marshal(jb)
	if err != nil {
		return NewError(KindStoreIO, "marshal block", err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBlocksBucket).Put(hash[:], raw)
	})
	if err != nil {
		return NewError(KindStoreIO, "write block", err)
	}
	return nil
}

// SetHeightIndex records hash as the active chain's block at height, used
// only by the chain manager as it extends or reorganizes the active chain
// (spec §5); side-chain and orphan blocks stay in the blocks bucket without
// ever reaching here.
func (s *BoltBlockStore) SetHeightIndex(height uint64, hash Hash256) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltHeightBucket).Put(heightKey(height), hash[:])
	})
	if err != nil {
		return NewError(KindStoreIO, "write height index", err)
	}
	return nil
}

// TrimHeightIndexAbove deletes every active-chain height index entry above
// height, used after a reorg shortens the active chain before it is
// extended back out by the winning branch.
func (s *BoltBlockStore) TrimHeightIndexAbove(height uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(boltHeightBucket).Cursor()
		var toDelete [][]byte
		for k, _ := c.Seek(heightKey(height + 1)); k != nil; k, _ = c.Next() {
			toDelete = append(toDelete, append([]byte(nil), k...))
		}
		for _, k := range toDelete {
			if err := tx.Bucket(boltHeightBucket).Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return NewError(KindStoreIO, "trim height index", err)
	}
	return nil
}

func (s *BoltBlockStore) getByHashLocked(tx *bolt.Tx, hash Hash256) (*Block, bool, error) {
	raw := tx.Bucket(boltBlocksBucket).Get(hash[:])
	if raw == nil {
		return nil, false, nil
	}
	var jb jsonBlockFile
	if err := json.Unmarshal(raw, &jb); err != nil {
		return nil, false, err
	}
	return &Block{Header: jb.Header, Transactions: jb.Transactions}, true, nil
}

func (s *BoltBlockStore) GetByHash(hash Hash256) (*Block, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var block *Block
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		b, found, err := s.getByHashLocked(tx, hash)
		block, ok = b, found
		return err
	})
	if err != nil {
		return nil, false, NewError(KindStoreIO, "read block", err)
	}
	return block, ok, nil
}

func (s *BoltBlockStore) GetByHeight(height uint64) (*Block, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var block *Block
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		hashBytes := tx.Bucket(boltHeightBucket).Get(heightKey(height))
		if hashBytes == nil {
			return nil
		}
		hash, err := HashFromBytes(hashBytes)
		if err != nil {
			return err
		}
		b, found, err := s.getByHashLocked(tx, hash)
		block, ok = b, found
		return err
	})
	if err != nil {
		return nil, false, NewError(KindStoreIO, "read block by height", err)
	}
	return block, ok, nil
}

func (s *BoltBlockStore) Tip() (Hash256, bool, error) {
	height, err := s.Height()
	if err != nil || height == 0 {
		b, ok, err := s.GetByHeight(0)
		if err != nil || !ok {
			return ZeroHash, false, err
		}
		return b.Hash(), true, nil
	}
	b, ok, err := s.GetByHeight(height)
	if err != nil || !ok {
		return ZeroHash, false, err
	}
	return b.Hash(), true, nil
}

func (s *BoltBlockStore) Height() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var maxHeight uint64
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(boltHeightBucket).Cursor()
		k, _ := c.Last()
		if k == nil {
			return nil
		}
		found = true
		maxHeight = binary.BigEndian.Uint64(k)
		return nil
	})
	if err != nil {
		return 0, NewError(KindStoreIO, "read height index", err)
	}
	if !found {
		return 0, nil
	}
	return maxHeight, nil
}

func (s *BoltBlockStore) Range(startHeight, endHeight uint64) ([]*Block, error) {
	var out []*Block
	for h := startHeight; h <= endHeight; h++ {
		b, ok, err := s.GetByHeight(h)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *BoltBlockStore) Delete(hash Hash256) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *bolt.Tx) error {
		b, ok, err := s.getByHashLocked(tx, hash)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := tx.Bucket(boltBlocksBucket).Delete(hash[:]); err != nil {
			return err
		}
		// Only clear the height index entry if it still points at the block
		// being deleted; a side-chain block's own height may since have been
		// claimed by a different (active-chain) block via SetHeightIndex.
		indexed := tx.Bucket(boltHeightBucket).Get(heightKey(b.Header.Height))
		if indexed != nil && bytes.Equal(indexed, hash[:]) {
			return tx.Bucket(boltHeightBucket).Delete(heightKey(b.Header.Height))
		}
		return nil
	})
}

func (s *BoltBlockStore) Compact() error {
	return nil // bbolt reclaims free pages internally; no external compaction step needed
}

func (s *BoltBlockStore) Backup(path string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
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

func (s *BoltBlockStore) Restore(path string) error {
	s.mu.Lock()
	dbPath := s.db.Path()
	s.db.Close()
	s.mu.Unlock()

	if err := copyFile(path, dbPath); err != nil {
		return NewError(KindStoreIO, "restore block store database", err)
	}
	restored, err := OpenBoltBlockStore(dbPath)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.db = restored.db
	s.mu.Unlock()
	return nil
}

func (s *BoltBlockStore) Close() error {
	return s.db.Close()
}
