package core

// Chain manager (C5): fork choice, reorganization, UTXO application and
// rollback. Grounded in the teacher's core/consensus.go block-acceptance
// loop and core/orphan's parent-unknown parking/recursive-unpark pattern,
// generalized to the spec §4.5 state machine over an incoming block and its
// total-work fork-choice rule.

import (
	"fmt"
	"sync"
	"time"
)

// AcceptOutcome classifies the result of SubmitBlock (spec §4.5).
type AcceptOutcome int

const (
	OutcomeAccepted AcceptOutcome = iota
	OutcomeAlreadyKnown
	OutcomeOrphan
	OutcomeSideChain
	OutcomeReorg
	OutcomeInvalid
)

func (o AcceptOutcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "Accepted"
	case OutcomeAlreadyKnown:
		return "AlreadyKnown"
	case OutcomeOrphan:
		return "Orphan"
	case OutcomeSideChain:
		return "SideChain"
	case OutcomeReorg:
		return "Reorg"
	case OutcomeInvalid:
		return "Invalid"
	default:
		return "Unknown"
	}
}

// AcceptResult is the return value of SubmitBlock.
type AcceptResult struct {
	Outcome   AcceptOutcome
	ReorgDepth int
	Err       error // populated when Outcome == OutcomeInvalid
}

// chainEntry is the chain manager's in-memory knowledge of one known block:
// its header (always retained) and a flag for whether it is on the active
// chain. Full bodies live in the block store; ChainManager keeps just enough
// in memory to walk the block tree for fork choice.
type chainEntry struct {
	header   BlockHeader
	active   bool
	spentUndo map[Hash256][]UTXOEntry // per-tx undo data for UTXOSet.UndoTransaction, keyed by tx id
}

// ChainManagerConfig carries the genesis parameters and consensus constants
// the chain manager needs (spec §4.5).
type ChainManagerConfig struct {
	GenesisDifficulty    uint32
	TargetBlockTime      int64 // seconds
	CoinbaseMaturity     uint64
}

// ChainManager owns the tree of known blocks, the active chain, and the
// UTXO/account state derived from it. Block acceptance is serialized under
// a single mutex so there is exactly one writer to chain state at any
// instant (spec §5).
type ChainManager struct {
	mu sync.RWMutex

	cfg ChainManagerConfig

	blocks BlockStore
	state  StateStore
	utxo   *UTXOSet
	pool   *Mempool

	genesisID Hash256
	tip       Hash256
	height    uint64
	totalWork uint64

	known    map[Hash256]*chainEntry
	children map[Hash256][]Hash256 // parent -> known children, for unparking and reorg walks
	orphans  map[Hash256][]*Block  // unknown parent -> parked blocks

	onAccepted func(*Block) // runtime hook, broadcasts the new tip (spec §4.9)

	vmHook VMHook // contract execution seam (spec §9); defaults to NoopVMHook
}

// NewChainManager wires persistent stores, an empty in-memory UTXO set, and
// a mempool into a fresh chain manager with no blocks yet; call Bootstrap to
// seed it.
func NewChainManager(cfg ChainManagerConfig, blocks BlockStore, state StateStore, pool *Mempool) *ChainManager {
	return &ChainManager{
		cfg:      cfg,
		blocks:   blocks,
		state:    state,
		utxo:     NewUTXOSet(),
		pool:     pool,
		known:    make(map[Hash256]*chainEntry),
		children: make(map[Hash256][]Hash256),
		orphans:  make(map[Hash256][]*Block),
		vmHook:   NoopVMHook{},
	}
}

// SetVMHook wires a contract execution engine into the chain manager.
// Passing nil restores the rejecting NoopVMHook default.
func (cm *ChainManager) SetVMHook(hook VMHook) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if hook == nil {
		hook = NoopVMHook{}
	}
	cm.vmHook = hook
}

// SetOnAccepted registers the callback invoked after a block becomes the
// new active tip (directly or via reorg).
func (cm *ChainManager) SetOnAccepted(fn func(*Block)) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.onAccepted = fn
}

// Bootstrap loads the genesis block (or, if the block store already has
// blocks, replays persisted state) so the chain manager is ready for
// SubmitBlock (spec S1 scenario).
func (cm *ChainManager) Bootstrap(genesis *Block) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	existingTip, ok, err := cm.blocks.Tip()
	if err != nil {
		return err
	}
	if ok {
		return cm.replayFromStoreLocked(existingTip)
	}

	if err := genesis.ValidateStateless(time.Now()); err != nil {
		return NewError(KindConsensus, "genesis failed stateless validation", err)
	}
	if !genesis.Header.IsGenesis() {
		return NewError(KindConsensus, "genesis header must have zero parent and height zero", nil)
	}
	hash := genesis.Hash()
	if err := cm.applyBlockLocked(genesis, hash); err != nil {
		return err
	}
	cm.known[hash] = &chainEntry{header: genesis.Header, active: true}
	cm.genesisID = hash
	cm.tip = hash
	cm.height = 0
	cm.totalWork = uint64(genesis.Header.Difficulty)
	if err := cm.blocks.Put(genesis); err != nil {
		return err
	}
	if err := cm.blocks.SetHeightIndex(0, hash); err != nil {
		return err
	}
	return nil
}

func (cm *ChainManager) replayFromStoreLocked(tip Hash256) error {
	height, err := cm.blocks.Height()
	if err != nil {
		return err
	}
	for h := uint64(0); h <= height; h++ {
		b, ok, err := cm.blocks.GetByHeight(h)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		hash := b.Hash()
		if err := cm.applyBlockLocked(b, hash); err != nil {
			return NewError(KindStoreIO, fmt.Sprintf("replay block at height %d", h), err)
		}
		cm.known[hash] = &chainEntry{header: b.Header, active: true}
		if h == 0 {
			cm.genesisID = hash
		}
		cm.tip = hash
		cm.height = h
		cm.totalWork += uint64(b.Header.Difficulty)
	}
	return nil
}

// GetBlock returns a known block by hash.
func (cm *ChainManager) GetBlock(hash Hash256) (*Block, bool, error) {
	return cm.blocks.GetByHash(hash)
}

// GetBlockByHeight returns the active-chain block at height.
func (cm *ChainManager) GetBlockByHeight(height uint64) (*Block, bool, error) {
	return cm.blocks.GetByHeight(height)
}

// Tip returns the active tip's hash.
func (cm *ChainManager) Tip() Hash256 {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.tip
}

// Height returns the active chain height.
func (cm *ChainManager) Height() uint64 {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.height
}

// TotalWork returns the active chain's accumulated difficulty.
func (cm *ChainManager) TotalWork() uint64 {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.totalWork
}

// Balance returns the address's current spendable balance per the UTXO set.
func (cm *ChainManager) Balance(addr Address) uint64 {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.utxo.BalanceOf(addr)
}

// UTXOsOf returns addr's unspent outputs.
func (cm *ChainManager) UTXOsOf(addr Address) map[OutPoint]UTXOEntry {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.utxo.UTXOsFor(addr)
}

// LookupUTXO returns the unspent output at op, if any, taking the same read
// lock as Balance/UTXOsOf. Callers outside the chain manager (e.g. mempool
// fee estimation) must go through this rather than touching cm.utxo
// directly, since applyBlockLocked mutates it under cm.mu (spec §5).
func (cm *ChainManager) LookupUTXO(op OutPoint) (UTXOEntry, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.utxo.Get(op)
}

// NextDifficulty computes the difficulty that applies to the block after
// the current tip, consulting the retarget rule (spec §4.5).
func (cm *ChainManager) NextDifficulty() uint32 {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	nextHeight := cm.height + 1
	return DifficultyForHeight(nextHeight, cm.cfg.GenesisDifficulty, cm.cfg.TargetBlockTime, func(h uint64) (uint32, int64, bool) {
		b, ok, err := cm.blocks.GetByHeight(h)
		if err != nil || !ok {
			return 0, 0, false
		}
		return b.Header.Difficulty, b.Header.Timestamp, true
	})
}

// SubmitBlock runs the spec §4.5 state machine over an incoming block.
func (cm *ChainManager) SubmitBlock(b *Block) AcceptResult {
	hash := b.Hash()

	cm.mu.Lock()
	defer cm.mu.Unlock()

	if _, ok := cm.known[hash]; ok {
		return AcceptResult{Outcome: OutcomeAlreadyKnown}
	}

	if err := b.ValidateStateless(time.Now()); err != nil {
		return AcceptResult{Outcome: OutcomeInvalid, Err: err}
	}

	parent, haveParent := cm.known[b.Header.PreviousHash]
	if !haveParent {
		cm.orphans[b.Header.PreviousHash] = append(cm.orphans[b.Header.PreviousHash], b)
		return AcceptResult{Outcome: OutcomeOrphan}
	}

	if !MeetsTarget(hash, b.Header.Difficulty) {
		return AcceptResult{Outcome: OutcomeInvalid, Err: NewError(KindConsensus, "block hash does not meet target", nil)}
	}
	if b.Header.Height != parent.header.Height+1 {
		return AcceptResult{Outcome: OutcomeInvalid, Err: NewError(KindConsensus, "height does not extend parent", nil)}
	}

	cm.known[hash] = &chainEntry{header: b.Header}
	cm.children[b.Header.PreviousHash] = append(cm.children[b.Header.PreviousHash], hash)
	if err := cm.blocks.Put(b); err != nil {
		return AcceptResult{Outcome: OutcomeInvalid, Err: err}
	}

	if b.Header.PreviousHash == cm.tip {
		if err := cm.extendTipLocked(b, hash); err != nil {
			return AcceptResult{Outcome: OutcomeInvalid, Err: err}
		}
		result := AcceptResult{Outcome: OutcomeAccepted}
		cm.unparkChildrenLocked(hash)
		cm.notifyLocked(b)
		return result
	}

	candidateWork := cm.totalWorkEndingAt(hash)
	if candidateWork > cm.totalWork {
		depth, err := cm.reorganizeLocked(hash)
		if err != nil {
			return AcceptResult{Outcome: OutcomeInvalid, Err: err}
		}
		cm.unparkChildrenLocked(hash)
		cm.notifyLocked(b)
		return AcceptResult{Outcome: OutcomeReorg, ReorgDepth: depth}
	}

	// Equal or lesser work: side chain, current tip preserved (first-seen
	// tiebreak per spec §4.5).
	return AcceptResult{Outcome: OutcomeSideChain}
}

func (cm *ChainManager) notifyLocked(b *Block) {
	if cm.onAccepted != nil {
		cm.onAccepted(b)
	}
}

// totalWorkEndingAt sums header.Difficulty from genesis to hash by walking
// parent links through cm.known.
func (cm *ChainManager) totalWorkEndingAt(hash Hash256) uint64 {
	var total uint64
	cur := hash
	for {
		e, ok := cm.known[cur]
		if !ok {
			break
		}
		total += uint64(e.header.Difficulty)
		if e.header.IsGenesis() {
			break
		}
		cur = e.header.PreviousHash
	}
	return total
}

// extendTipLocked applies b directly atop the current tip: one state
// transaction covers the whole block (spec §4.2/§4.5).
func (cm *ChainManager) extendTipLocked(b *Block, hash Hash256) error {
	if err := cm.applyBlockLocked(b, hash); err != nil {
		return err
	}
	if err := cm.blocks.SetHeightIndex(b.Header.Height, hash); err != nil {
		return err
	}
	cm.known[hash].active = true
	cm.tip = hash
	cm.height = b.Header.Height
	cm.totalWork += uint64(b.Header.Difficulty)
	for _, tx := range b.Transactions {
		cm.pool.Remove(tx.ID())
	}
	return nil
}

// applyBlockLocked runs stateful validation and applies every transaction's
// effects to the UTXO set and account state inside one StateTx, recording
// undo data for later rollback.
func (cm *ChainManager) applyBlockLocked(b *Block, hash Hash256) error {
	stx, err := cm.state.BeginTransaction()
	if err != nil {
		return NewError(KindStoreIO, "begin state transaction", err)
	}

	undo := make(map[Hash256][]UTXOEntry, len(b.Transactions))
	applied := 0
	rollbackUTXO := func() {
		for i := applied - 1; i >= 0; i-- {
			tx := &b.Transactions[i]
			cm.utxo.UndoTransaction(tx, tx.ID(), undo[tx.ID()])
		}
	}

	for i := range b.Transactions {
		tx := &b.Transactions[i]
		txID := tx.ID()

		if !tx.IsCoinbase() {
			var inputSum uint64
			spent := make([]UTXOEntry, len(tx.Inputs))
			for j, in := range tx.Inputs {
				op := OutPoint{TxID: in.PrevTxID, Index: in.PrevIndex}
				entry, ok := cm.utxo.Get(op)
				if !ok {
					rollbackUTXO()
					stx.Rollback()
					return NewError(KindConsensus, fmt.Sprintf("input references unknown outpoint %s", op), nil)
				}
				if entry.IsCoinbase && b.Header.Height < entry.BlockHeight+cm.cfg.CoinbaseMaturity {
					rollbackUTXO()
					stx.Rollback()
					return NewError(KindConsensus, "attempt to spend immature coinbase output", nil)
				}
				spent[j] = entry
				inputSum += entry.Output.Value
			}
			if inputSum < tx.OutputSum() {
				rollbackUTXO()
				stx.Rollback()
				return NewError(KindConsensus, "transaction outputs exceed inputs", nil)
			}
			undo[txID] = spent
		}

		if err := cm.utxo.ApplyTransaction(tx, txID, b.Header.Height); err != nil {
			rollbackUTXO()
			stx.Rollback()
			return err
		}
		applied++

		if tx.Type == TxContract {
			if len(tx.Outputs) == 0 {
				rollbackUTXO()
				stx.Rollback()
				return NewError(KindConsensus, "contract transaction has no target output", nil)
			}
			// Transaction carries no gas_limit field (spec §4.3); a wired VM
			// hook is responsible for its own execution budget.
			view := stateTxView{tx: stx}
			_, _, _, err := cm.vmHook.Execute(tx.Outputs[0].Address, tx.Outputs[0].ScriptPubKey, 0, view, view)
			if err != nil {
				rollbackUTXO()
				stx.Rollback()
				return NewError(KindConsensus, "contract execution failed", err)
			}
		}

		for _, in := range tx.Inputs {
			acc, ok, err := stx.GetAccount(AddressFromPublicKey(in.PubKey))
			if err != nil {
				rollbackUTXO()
				stx.Rollback()
				return NewError(KindStoreIO, "read spender account", err)
			}
			if !ok {
				acc = &StoredAccount{Address: AddressFromPublicKey(in.PubKey)}
			}
			acc.Nonce++
			acc.LastUpdate = b.Header.Timestamp
			if err := stx.SetAccount(acc); err != nil {
				rollbackUTXO()
				stx.Rollback()
				return NewError(KindStoreIO, "update spender account", err)
			}
		}
	}

	if err := stx.Commit(); err != nil {
		rollbackUTXO()
		return NewError(KindStoreIO, "commit block state transaction", err)
	}

	if cm.known[hash] == nil {
		cm.known[hash] = &chainEntry{header: b.Header}
	}
	cm.known[hash].spentUndo = undo
	return nil
}

// unparkChildrenLocked re-examines blocks parked under hash's orphan pool now
// that hash is known, recursing through SubmitBlock so they go through the
// full state machine again (spec §4.5: "unpark any children of B and
// recurse").
func (cm *ChainManager) unparkChildrenLocked(hash Hash256) {
	parked := cm.orphans[hash]
	if len(parked) == 0 {
		return
	}
	delete(cm.orphans, hash)
	for _, b := range parked {
		cm.mu.Unlock()
		cm.SubmitBlock(b)
		cm.mu.Lock()
	}
}

// reorganizeLocked finds the common ancestor of the current tip and
// candidateTip, rolls back active blocks down to (not including) the
// ancestor, then forward-applies the candidate branch. On any failure it
// restores the pre-rollback state and returns ReorgFailed (spec §4.5).
func (cm *ChainManager) reorganizeLocked(candidateTip Hash256) (int, error) {
	ancestor, rollbackPath, forwardPath, err := cm.findForkPointLocked(candidateTip)
	if err != nil {
		return 0, NewError(KindConsensus, "reorg failed: could not find common ancestor", err)
	}

	preRollbackUTXO := cm.utxo.Clone()
	preRollbackTip, preRollbackHeight, preRollbackWork := cm.tip, cm.height, cm.totalWork

	var rolledBackTxs []Transaction
	for _, hash := range rollbackPath {
		b, ok, err := cm.blocks.GetByHash(hash)
		if err != nil || !ok {
			cm.restoreUTXO(preRollbackUTXO, preRollbackTip, preRollbackHeight, preRollbackWork)
			return 0, NewError(KindConsensus, "reorg failed: rolled-back block missing", err)
		}
		entry := cm.known[hash]
		for i := len(b.Transactions) - 1; i >= 0; i-- {
			tx := &b.Transactions[i]
			cm.utxo.UndoTransaction(tx, tx.ID(), entry.spentUndo[tx.ID()])
			if !tx.IsCoinbase() {
				rolledBackTxs = append(rolledBackTxs, *tx)
			}
		}
		entry.active = false
	}

	for _, hash := range forwardPath {
		b, ok, err := cm.blocks.GetByHash(hash)
		if err != nil || !ok {
			cm.restoreUTXO(preRollbackUTXO, preRollbackTip, preRollbackHeight, preRollbackWork)
			return 0, NewError(KindConsensus, "reorg failed: forward block missing", err)
		}
		if err := cm.applyBlockLocked(b, hash); err != nil {
			cm.restoreUTXO(preRollbackUTXO, preRollbackTip, preRollbackHeight, preRollbackWork)
			return 0, NewError(KindConsensus, "reorg failed: forward apply error", err)
		}
		if err := cm.blocks.SetHeightIndex(b.Header.Height, hash); err != nil {
			cm.restoreUTXO(preRollbackUTXO, preRollbackTip, preRollbackHeight, preRollbackWork)
			return 0, NewError(KindConsensus, "reorg failed: height index write error", err)
		}
		cm.known[hash].active = true
		cm.tip = hash
		cm.height = b.Header.Height
		cm.totalWork += uint64(b.Header.Difficulty)
		for _, tx := range b.Transactions {
			cm.pool.Remove(tx.ID())
		}
	}
	if err := cm.blocks.TrimHeightIndexAbove(cm.height); err != nil {
		return 0, NewError(KindConsensus, "reorg failed: height index trim error", err)
	}

	now := time.Now()
	cm.pool.ReconcileAfterReorg(rolledBackTxs, now, func(tx *Transaction) (bool, uint64) {
		var inputSum uint64
		for _, in := range tx.Inputs {
			entry, ok := cm.utxo.Get(OutPoint{TxID: in.PrevTxID, Index: in.PrevIndex})
			if !ok {
				return false, 0
			}
			inputSum += entry.Output.Value
		}
		out := tx.OutputSum()
		if inputSum < out {
			return false, 0
		}
		return true, inputSum - out
	})

	_ = ancestor
	return len(rollbackPath), nil
}

func (cm *ChainManager) restoreUTXO(snapshot *UTXOSet, tip Hash256, height, work uint64) {
	cm.utxo = snapshot
	cm.tip = tip
	cm.height = height
	cm.totalWork = work
}

// findForkPointLocked walks both the active tip and candidateTip back to
// their common ancestor, returning the ancestor hash, the active-chain
// blocks to roll back (tip-to-ancestor order) and the candidate-chain
// blocks to forward-apply (ancestor-to-candidate order).
func (cm *ChainManager) findForkPointLocked(candidateTip Hash256) (Hash256, []Hash256, []Hash256, error) {
	activePath := map[Hash256]uint64{}
	cur := cm.tip
	for {
		e, ok := cm.known[cur]
		if !ok {
			return ZeroHash, nil, nil, NewError(KindConsensus, "active chain walk hit unknown block", nil)
		}
		activePath[cur] = e.header.Height
		if e.header.IsGenesis() {
			break
		}
		cur = e.header.PreviousHash
	}

	var forward []Hash256
	cur = candidateTip
	for {
		if _, ok := activePath[cur]; ok {
			break
		}
		forward = append([]Hash256{cur}, forward...)
		e, ok := cm.known[cur]
		if !ok {
			return ZeroHash, nil, nil, NewError(KindConsensus, "candidate chain walk hit unknown block", nil)
		}
		if e.header.IsGenesis() {
			return ZeroHash, nil, nil, NewError(KindConsensus, "no common ancestor found", nil)
		}
		cur = e.header.PreviousHash
	}
	ancestor := cur

	var rollback []Hash256
	cur = cm.tip
	for cur != ancestor {
		rollback = append(rollback, cur)
		e := cm.known[cur]
		cur = e.header.PreviousHash
	}

	return ancestor, rollback, forward, nil
}

// VerifyChain replays the active chain from genesis against a fresh UTXO set
// and reports the first divergence, for the maintenance `validate_chain`
// command and diagnostics (spec §4.5/§6).
type VerifyReport struct {
	OK          bool
	BlocksChecked uint64
	FailedHeight  uint64
	Err           error
}

func (cm *ChainManager) VerifyChain() VerifyReport {
	cm.mu.RLock()
	height := cm.height
	cm.mu.RUnlock()

	fresh := NewUTXOSet()
	for h := uint64(0); h <= height; h++ {
		b, ok, err := cm.blocks.GetByHeight(h)
		if err != nil {
			return VerifyReport{OK: false, BlocksChecked: h, FailedHeight: h, Err: err}
		}
		if !ok {
			return VerifyReport{OK: false, BlocksChecked: h, FailedHeight: h, Err: NewError(KindConsensus, "missing block at height", nil)}
		}
		if err := b.ValidateStateless(time.Now()); err != nil {
			return VerifyReport{OK: false, BlocksChecked: h, FailedHeight: h, Err: err}
		}
		for i := range b.Transactions {
			tx := &b.Transactions[i]
			if err := fresh.ApplyTransaction(tx, tx.ID(), h); err != nil {
				return VerifyReport{OK: false, BlocksChecked: h, FailedHeight: h, Err: err}
			}
		}
	}
	return VerifyReport{OK: true, BlocksChecked: height + 1}
}
