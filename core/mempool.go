package core

// Mempool (C4). Grounded in the teacher's core/ledger.go TxPool map and
// core/orphan's re-admission-on-reorg pattern (an orphan/side-chain
// transaction is re-checked against the new tip and either re-admitted or
// dropped), generalized to the spec's deterministic fee-density selection
// with arrival-time/id tiebreak (spec §4.4).

import (
	"sort"
	"sync"
	"time"
)

// MempoolEntry is one pending transaction plus its admission metadata (spec
// §3).
type MempoolEntry struct {
	Transaction Transaction
	ArrivalTime time.Time
	Fee         uint64
}

func (e *MempoolEntry) feeDensity() float64 {
	size := len(e.Transaction.Serialize())
	if size == 0 {
		return 0
	}
	return float64(e.Fee) / float64(size)
}

// Mempool holds transactions not yet included in an active-chain block.
// add and select are each atomic; select takes a consistent snapshot of the
// entry map without blocking a concurrent add longer than copying that
// snapshot (spec §5).
type Mempool struct {
	mu      sync.Mutex
	entries map[Hash256]*MempoolEntry
	maxSize int
}

// NewMempool creates an empty mempool holding at most maxSize entries (0
// means unbounded); admitting into a full pool first evicts the entry with
// the lowest fee density.
func NewMempool(maxSize int) *Mempool {
	return &Mempool{entries: make(map[Hash256]*MempoolEntry), maxSize: maxSize}
}

// Add validates tx statelessly, checks for duplicates, and admits it if
// capacity allows. Stateful admission (UTXO availability) is the caller's
// responsibility (Node.estimateFee looks up each input before calling Add),
// since only the chain manager holds the UTXO set.
func (m *Mempool) Add(tx *Transaction, fee uint64, now time.Time) error {
	if err := tx.ValidateStateless(); err != nil {
		return NewError(KindMempool, "admission rejected: stateless validation failed", err)
	}
	id := tx.ID()

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entries[id]; exists {
		return NewError(KindMempool, "duplicate transaction id", nil)
	}
	if m.maxSize > 0 && len(m.entries) >= m.maxSize {
		m.evictLowestDensityLocked()
	}
	m.entries[id] = &MempoolEntry{Transaction: *tx, ArrivalTime: now, Fee: fee}
	return nil
}

// evictLowestDensityLocked drops the single lowest fee-density entry to make
// room for an incoming admission under capacity pressure. Caller must hold m.mu.
func (m *Mempool) evictLowestDensityLocked() {
	var worstID Hash256
	var worstDensity float64
	first := true
	for id, e := range m.entries {
		d := e.feeDensity()
		if first || d < worstDensity {
			worstID, worstDensity, first = id, d, false
		}
	}
	if !first {
		delete(m.entries, worstID)
	}
}

// Remove drops a transaction by id, used on block acceptance and on
// reorg-driven invalidation.
func (m *Mempool) Remove(id Hash256) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, id)
}

// Contains reports whether id is currently pending.
func (m *Mempool) Contains(id Hash256) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[id]
	return ok
}

// Size returns the number of pending transactions.
func (m *Mempool) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Select deterministically orders pending transactions by descending fee
// density, with ties broken by earlier arrival time then lexicographically
// smaller transaction id, and returns up to maxCount of them (spec §4.4).
func (m *Mempool) Select(maxCount int) []Transaction {
	m.mu.Lock()
	snapshot := make([]*MempoolEntry, 0, len(m.entries))
	ids := make([]Hash256, 0, len(m.entries))
	for id, e := range m.entries {
		snapshot = append(snapshot, e)
		ids = append(ids, id)
	}
	m.mu.Unlock()

	type ranked struct {
		entry *MempoolEntry
		id    Hash256
	}
	rs := make([]ranked, len(snapshot))
	for i := range snapshot {
		rs[i] = ranked{entry: snapshot[i], id: ids[i]}
	}

	sort.Slice(rs, func(i, j int) bool {
		di, dj := rs[i].entry.feeDensity(), rs[j].entry.feeDensity()
		if di != dj {
			return di > dj
		}
		ti, tj := rs[i].entry.ArrivalTime, rs[j].entry.ArrivalTime
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return rs[i].id.String() < rs[j].id.String()
	})

	if maxCount > 0 && len(rs) > maxCount {
		rs = rs[:maxCount]
	}
	out := make([]Transaction, len(rs))
	for i, r := range rs {
		out[i] = r.entry.Transaction
	}
	return out
}

// Clear removes every pending transaction.
func (m *Mempool) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[Hash256]*MempoolEntry)
}

// ReconcileAfterReorg is called by the chain manager after a reorganization
// with the transactions unique to the rolled-back suffix (in any order). Each
// is re-checked against isSpendable (typically a closure over the new tip's
// UTXO set); spendable ones are re-admitted, the rest are dropped, matching
// spec §4.4's "still valid against the new tip" re-admission rule.
func (m *Mempool) ReconcileAfterReorg(rolledBack []Transaction, now time.Time, isSpendable func(*Transaction) (bool, uint64)) {
	for i := range rolledBack {
		tx := rolledBack[i]
		if tx.IsCoinbase() {
			continue // coinbase transactions are never re-admitted to the mempool
		}
		ok, fee := isSpendable(&tx)
		if !ok {
			continue
		}
		_ = m.Add(&tx, fee, now) // duplicate/capacity rejection here is not an error for reconciliation
	}
}
