package core

// UTXO set model (C3/data model). Grounded in the teacher's
// core/state_rollup.go's copy-on-write balance map pattern and
// core/account_state.go's per-account accounting, generalized here from a
// single account-balance ledger to a per-outpoint unspent-output set plus a
// derived per-address balance cache, as spec §4.2's data model requires.

import "fmt"

// OutPoint identifies one transaction output by its owning transaction id
// and index within that transaction.
type OutPoint struct {
	TxID  Hash256
	Index uint32
}

func (o OutPoint) String() string {
	return fmt.Sprintf("%s:%d", o.TxID, o.Index)
}

// UTXOEntry is an unspent output plus the block height it was created at,
// used for coinbase maturity checks.
type UTXOEntry struct {
	Output      TransactionOutput
	BlockHeight uint64
	IsCoinbase  bool
}

// UTXOSet is an in-memory, copy-on-write unspent transaction output index.
// The chain manager is the sole mutator; reads may happen concurrently with
// a held read lock at a higher layer (UTXOSet itself assumes single-writer
// access guarded by the chain manager's lock, matching the teacher's
// state_rollup.go convention of leaving locking to the caller).
type UTXOSet struct {
	entries map[OutPoint]UTXOEntry
}

// NewUTXOSet returns an empty set.
func NewUTXOSet() *UTXOSet {
	return &UTXOSet{entries: make(map[OutPoint]UTXOEntry)}
}

// Get returns the entry for op, if unspent.
func (s *UTXOSet) Get(op OutPoint) (UTXOEntry, bool) {
	e, ok := s.entries[op]
	return e, ok
}

// Has reports whether op is currently unspent.
func (s *UTXOSet) Has(op OutPoint) bool {
	_, ok := s.entries[op]
	return ok
}

// Put inserts or overwrites the entry for op.
func (s *UTXOSet) Put(op OutPoint, e UTXOEntry) {
	s.entries[op] = e
}

// Remove deletes op, returning the removed entry if present.
func (s *UTXOSet) Remove(op OutPoint) (UTXOEntry, bool) {
	e, ok := s.entries[op]
	if ok {
		delete(s.entries, op)
	}
	return e, ok
}

// Len returns the number of unspent outputs tracked.
func (s *UTXOSet) Len() int {
	return len(s.entries)
}

// Clone makes a deep, independent copy, used when the chain manager needs to
// speculatively apply a candidate block (e.g. during reorg comparison)
// without mutating the committed set until the candidate wins.
func (s *UTXOSet) Clone() *UTXOSet {
	out := NewUTXOSet()
	for k, v := range s.entries {
		out.entries[k] = v
	}
	return out
}

// BalanceOf sums the value of every unspent output locked to addr. Callers
// performing this per block should prefer maintaining an incremental balance
// cache (see AccountState) rather than scanning the whole set.
func (s *UTXOSet) BalanceOf(addr Address) uint64 {
	var total uint64
	for _, e := range s.entries {
		if e.Output.Address == addr {
			total += e.Output.Value
		}
	}
	return total
}

// UTXOsFor returns every outpoint locked to addr, for wallet "list spendable
// outputs" style queries.
func (s *UTXOSet) UTXOsFor(addr Address) map[OutPoint]UTXOEntry {
	out := make(map[OutPoint]UTXOEntry)
	for k, v := range s.entries {
		if v.Output.Address == addr {
			out[k] = v
		}
	}
	return out
}

// ApplyTransaction removes tx's spent outpoints and adds its new outputs at
// height, enforcing that every input it spends is present in the set
// (stateful validation belongs to the chain manager; this performs the
// mechanical update once that validation has passed). Coinbase transactions
// have no inputs to remove.
func (s *UTXOSet) ApplyTransaction(tx *Transaction, txID Hash256, height uint64) error {
	if !tx.IsCoinbase() {
		for _, in := range tx.Inputs {
			op := OutPoint{TxID: in.PrevTxID, Index: in.PrevIndex}
			if _, ok := s.Remove(op); !ok {
				return NewError(KindConsensus, fmt.Sprintf("double spend or missing outpoint %s", op), nil)
			}
		}
	}
	for i, out := range tx.Outputs {
		op := OutPoint{TxID: txID, Index: uint32(i)}
		s.Put(op, UTXOEntry{Output: out, BlockHeight: height, IsCoinbase: tx.IsCoinbase()})
	}
	return nil
}

// UndoTransaction reverses ApplyTransaction given the outputs it spent,
// used when rolling a block back during a reorg. spent must list the exact
// entries removed by the corresponding ApplyTransaction call, in input
// order.
func (s *UTXOSet) UndoTransaction(tx *Transaction, txID Hash256, spent []UTXOEntry) {
	for i := range tx.Outputs {
		s.Remove(OutPoint{TxID: txID, Index: uint32(i)})
	}
	if !tx.IsCoinbase() {
		for i, in := range tx.Inputs {
			op := OutPoint{TxID: in.PrevTxID, Index: in.PrevIndex}
			s.Put(op, spent[i])
		}
	}
}

// AccountState is a denormalized per-address summary cache kept alongside
// the UTXO set so wallet and RPC-style queries do not need to scan every
// outpoint for a single address. It is computed only by
// RebuildAccountStates; nothing updates it incrementally as blocks apply.
type AccountState struct {
	Address      Address
	Balance      uint64
	UTXOCount    int
	LastTouchedH uint64
}

// RebuildAccountStates recomputes every account's denormalized summary from
// scratch by scanning the full UTXO set. Neither node startup nor the
// verify-chain report calls it.
func RebuildAccountStates(s *UTXOSet) map[Address]*AccountState {
	out := make(map[Address]*AccountState)
	for _, e := range s.entries {
		acc, ok := out[e.Output.Address]
		if !ok {
			acc = &AccountState{Address: e.Output.Address}
			out[e.Output.Address] = acc
		}
		acc.Balance += e.Output.Value
		acc.UTXOCount++
		if e.BlockHeight > acc.LastTouchedH {
			acc.LastTouchedH = e.BlockHeight
		}
	}
	return out
}
