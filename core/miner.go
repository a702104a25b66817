package core

// Block producer / miner (C6). Grounded in the teacher's core/consensus.go
// SealMainBlockPOW nonce-search loop, with a context as cancellation token.
// The node's producer loop passes its run context, so only shutdown
// interrupts a search; a new tip or a mempool change does not.

import (
	"context"
	"time"
)

// MinerConfig carries the constants the producer needs beyond what the
// chain manager and mempool already expose.
type MinerConfig struct {
	MaxTransactionsPerBlock int
	CoinbaseReward          uint64
	BlockVersion            uint32
}

// Miner assembles candidate blocks from the current tip and mempool and
// searches for a nonce meeting the target difficulty (spec §4.6).
type Miner struct {
	cfg   MinerConfig
	chain *ChainManager
	pool  *Mempool
}

// NewMiner wires a miner to its chain manager and mempool.
func NewMiner(cfg MinerConfig, chain *ChainManager, pool *Mempool) *Miner {
	return &Miner{cfg: cfg, chain: chain, pool: pool}
}

// AssembleCandidate builds an unsealed block atop the current tip: a
// coinbase paying rewardAddress, up to MaxTransactionsPerBlock transactions
// selected from the mempool, the next difficulty, and the current
// wall-clock timestamp (spec §4.6).
func (m *Miner) AssembleCandidate(rewardAddress Address) *Block {
	tip := m.chain.Tip()
	height := m.chain.Height()
	selected := m.pool.Select(m.cfg.MaxTransactionsPerBlock)

	// Fee accounting here pays only the flat reward; a stricter
	// implementation would recompute Σinputs-Σoutputs per selected
	// transaction against the UTXO set at assembly time and add it to the
	// coinbase output.
	coinbase := Transaction{
		Version: 1,
		Type:    TxCoinbase,
		Inputs: []TransactionInput{{
			PrevTxID:  ZeroHash,
			PrevIndex: 0xFFFFFFFF,
		}},
		Outputs: []TransactionOutput{{
			Value:   m.cfg.CoinbaseReward,
			Address: rewardAddress,
		}},
	}

	txs := make([]Transaction, 0, len(selected)+1)
	txs = append(txs, coinbase)
	txs = append(txs, selected...)

	nextHeight := height + 1
	if tip.IsZero() && height == 0 {
		nextHeight = height // no block yet (zero tip): the candidate itself is at height 0
	}

	header := BlockHeader{
		Version:          m.cfg.BlockVersion,
		PreviousHash:     tip,
		MerkleRoot:       ZeroHash, // filled below once the tx ids are computed
		Timestamp:        time.Now().Unix(),
		Difficulty:       m.chain.NextDifficulty(),
		Height:           nextHeight,
		TransactionCount: uint32(len(txs)),
	}

	ids := make([]Hash256, len(txs))
	for i := range txs {
		ids[i] = txs[i].ID()
	}
	header.MerkleRoot = MerkleRoot(ids)

	return &Block{Header: header, Transactions: txs}
}

// MineResult reports how the nonce search ended.
type MineResult struct {
	Block     *Block
	Cancelled bool
}

// Mine searches nonce values starting from 0 until the block's hash meets
// its target or ctx is cancelled. The search checks ctx frequently (spec
// §5: "must check its cancellation token frequently enough that shutdown
// completes within the grace period").
func (m *Miner) Mine(ctx context.Context, candidate *Block) MineResult {
	const checkInterval = 4096
	header := candidate.Header
	for nonce := uint64(0); ; nonce++ {
		if nonce%checkInterval == 0 {
			select {
			case <-ctx.Done():
				return MineResult{Cancelled: true}
			default:
			}
		}
		header.Nonce = nonce
		if MeetsTarget(header.Hash(), header.Difficulty) {
			sealed := &Block{Header: header, Transactions: candidate.Transactions}
			return MineResult{Block: sealed}
		}
		if nonce == ^uint64(0) {
			// Nonce space exhausted at this timestamp/merkle root; the
			// caller should reassemble with a fresh timestamp and retry.
			return MineResult{Cancelled: true}
		}
	}
}

// Submit hands a sealed candidate to the chain manager. The producer never
// broadcasts a block to peers before this call returns Accepted (spec
// §4.6); broadcasting is the runtime's job, triggered via the chain
// manager's onAccepted hook.
func (m *Miner) Submit(b *Block) AcceptResult {
	return m.chain.SubmitBlock(b)
}
