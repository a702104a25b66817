package core

// Block model and stateless validation (C3). Grounded in the teacher's
// core/block.go BlockHeader/Block types and core/block_validation.go's
// stateless checks (Merkle root recomputation, timestamp bounds), ported to
// the spec's PoW header fields and exact field order (spec §3/§4.3).

import (
	"bytes"
	"encoding/binary"
	"sort"
	"time"
)

// MaxFutureDrift is how far into the future a block's timestamp may sit
// relative to the local clock before it is rejected (spec §4.3: "header
// timestamp strictly monotonic"; this bounds the other direction).
const MaxFutureDrift = 2 * time.Hour

// MedianTimeSpan is the number of ancestor blocks used to compute the
// median-time-past a new block's timestamp must exceed (spec §4.3).
const MedianTimeSpan = 11

// BlockHeader is the fixed-size, hashed portion of a block, in the exact
// field order given by spec §3.
type BlockHeader struct {
	Version          uint32
	PreviousHash     Hash256
	MerkleRoot       Hash256
	Timestamp        int64 // unix seconds
	Nonce            uint64
	Difficulty       uint32
	Height           uint64
	TransactionCount uint32
}

// Block pairs a header with its full transaction list; the header's
// MerkleRoot must equal MerkleRoot(ids of Transactions) and TransactionCount
// must equal len(Transactions).
type Block struct {
	Header       BlockHeader
	Transactions []Transaction
}

// Serialize renders the canonical header encoding hashed for proof of
// work and block identity. All integers little-endian per spec §4.3.
func (h *BlockHeader) Serialize() []byte {
	var buf bytes.Buffer
	var u32 [4]byte
	var u64 [8]byte

	binary.LittleEndian.PutUint32(u32[:], h.Version)
	buf.Write(u32[:])
	buf.Write(h.PreviousHash[:])
	buf.Write(h.MerkleRoot[:])
	binary.LittleEndian.PutUint64(u64[:], uint64(h.Timestamp))
	buf.Write(u64[:])
	binary.LittleEndian.PutUint64(u64[:], h.Nonce)
	buf.Write(u64[:])
	binary.LittleEndian.PutUint32(u32[:], h.Difficulty)
	buf.Write(u32[:])
	binary.LittleEndian.PutUint64(u64[:], h.Height)
	buf.Write(u64[:])
	binary.LittleEndian.PutUint32(u32[:], h.TransactionCount)
	buf.Write(u32[:])

	return buf.Bytes()
}

// DeserializeHeader parses the encoding produced by Serialize.
func DeserializeHeader(b []byte) (*BlockHeader, error) {
	r := bytes.NewReader(b)
	h := &BlockHeader{}

	if err := binary.Read(r, binary.LittleEndian, &h.Version); err != nil {
		return nil, NewError(KindValidation, "read version", err)
	}
	if _, err := readFull(r, h.PreviousHash[:]); err != nil {
		return nil, NewError(KindValidation, "read previous hash", err)
	}
	if _, err := readFull(r, h.MerkleRoot[:]); err != nil {
		return nil, NewError(KindValidation, "read merkle root", err)
	}
	var ts uint64
	if err := binary.Read(r, binary.LittleEndian, &ts); err != nil {
		return nil, NewError(KindValidation, "read timestamp", err)
	}
	h.Timestamp = int64(ts)
	if err := binary.Read(r, binary.LittleEndian, &h.Nonce); err != nil {
		return nil, NewError(KindValidation, "read nonce", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &h.Difficulty); err != nil {
		return nil, NewError(KindValidation, "read difficulty", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &h.Height); err != nil {
		return nil, NewError(KindValidation, "read height", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &h.TransactionCount); err != nil {
		return nil, NewError(KindValidation, "read transaction count", err)
	}
	return h, nil
}

// Hash is the block id: SHA256 of the serialized header (spec §3/GLOSSARY).
func (h *BlockHeader) Hash() Hash256 {
	return Sha256(h.Serialize())
}

// IsGenesis reports whether h is the distinguished first block of a chain:
// zero parent hash and height zero (spec §3).
func (h *BlockHeader) IsGenesis() bool {
	return h.PreviousHash.IsZero() && h.Height == 0
}

// TxIDs returns the ordered transaction ids used to compute MerkleRoot.
func (b *Block) TxIDs() []Hash256 {
	ids := make([]Hash256, len(b.Transactions))
	for i := range b.Transactions {
		ids[i] = b.Transactions[i].ID()
	}
	return ids
}

// Hash is the block id, identical to the header hash.
func (b *Block) Hash() Hash256 {
	return b.Header.Hash()
}

// blockHeaderWireSize is the fixed byte width BlockHeader.Serialize always
// produces, letting EncodeBlockWire/DecodeBlockWire split a BLOCK message's
// payload into header and transactions without a separate length prefix.
const blockHeaderWireSize = 4 + 32 + 32 + 8 + 8 + 4 + 8 + 4

// EncodeBlockWire renders a whole block for the BLOCK wire message (spec
// §4.7): the serialized header followed by each transaction, individually
// length-prefixed.
func (b *Block) EncodeBlockWire() []byte {
	var buf bytes.Buffer
	buf.Write(b.Header.Serialize())
	var length [4]byte
	for i := range b.Transactions {
		raw := b.Transactions[i].Serialize()
		binary.LittleEndian.PutUint32(length[:], uint32(len(raw)))
		buf.Write(length[:])
		buf.Write(raw)
	}
	return buf.Bytes()
}

// DecodeBlockWire parses the encoding produced by EncodeBlockWire.
func DecodeBlockWire(b []byte) (*Block, error) {
	if len(b) < blockHeaderWireSize {
		return nil, NewError(KindValidation, "block payload shorter than header", nil)
	}
	header, err := DeserializeHeader(b[:blockHeaderWireSize])
	if err != nil {
		return nil, err
	}
	r := bytes.NewReader(b[blockHeaderWireSize:])
	txs := make([]Transaction, 0, header.TransactionCount)
	for r.Len() > 0 {
		var length uint32
		if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
			return nil, NewError(KindValidation, "read transaction length", err)
		}
		raw := make([]byte, length)
		if _, err := readFull(r, raw); err != nil {
			return nil, NewError(KindValidation, "read transaction body", err)
		}
		tx, err := DeserializeTransaction(raw)
		if err != nil {
			return nil, err
		}
		txs = append(txs, *tx)
	}
	return &Block{Header: *header, Transactions: txs}, nil
}

// ValidateStateless checks everything about a block that does not require
// chain context (spec §4.3): a computable Merkle root and transaction count
// matching the header, exactly one leading coinbase and no further
// coinbases, no duplicate transaction ids, per-transaction stateless
// validity, and a timestamp not too far in the future.
func (b *Block) ValidateStateless(now time.Time) error {
	if len(b.Transactions) == 0 {
		return NewError(KindValidation, "block has no transactions", nil)
	}
	if int(b.Header.TransactionCount) != len(b.Transactions) {
		return NewError(KindValidation, "transaction count mismatch", nil)
	}
	if !b.Transactions[0].IsCoinbase() {
		return NewError(KindValidation, "first transaction must be coinbase", nil)
	}
	for i := 1; i < len(b.Transactions); i++ {
		if b.Transactions[i].IsCoinbase() {
			return NewError(KindValidation, "only the first transaction may be coinbase", nil)
		}
	}

	ids := b.TxIDs()
	seen := make(map[Hash256]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			return NewError(KindValidation, "duplicate transaction id within block", nil)
		}
		seen[id] = struct{}{}
	}

	for i := range b.Transactions {
		if err := b.Transactions[i].ValidateStateless(); err != nil {
			return NewError(KindValidation, "transaction failed validation", err)
		}
	}

	computed := MerkleRoot(ids)
	if computed != b.Header.MerkleRoot {
		return NewError(KindValidation, "merkle root mismatch", nil)
	}

	blockTime := time.Unix(b.Header.Timestamp, 0)
	if blockTime.After(now.Add(MaxFutureDrift)) {
		return NewError(KindValidation, "block timestamp too far in the future", nil)
	}

	return nil
}

// MedianTimePast computes the median timestamp of ancestors (most recent
// first, newest-to-oldest), up to MedianTimeSpan of them, used to enforce
// "timestamp strictly monotonic with respect to its ancestor median" (spec
// §4.3).
func MedianTimePast(ancestorTimestamps []int64) int64 {
	if len(ancestorTimestamps) == 0 {
		return 0
	}
	n := len(ancestorTimestamps)
	if n > MedianTimeSpan {
		n = MedianTimeSpan
	}
	window := make([]int64, n)
	copy(window, ancestorTimestamps[:n])
	sort.Slice(window, func(i, j int) bool { return window[i] < window[j] })
	return window[n/2]
}
