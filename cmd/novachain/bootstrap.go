package main

import (
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"novachain/core"
	"novachain/pkg/config"
)

// openStores constructs the block/state store pair named by cfg.Storage.Backend
// (spec §4.2's two backends).
func openStores(cfg *config.Config) (core.BlockStore, core.StateStore, error) {
	switch cfg.Storage.Backend {
	case "bolt":
		blocks, err := core.OpenBoltBlockStore(filepath.Join(cfg.Storage.BlocksDir, "blocks.db"))
		if err != nil {
			return nil, nil, err
		}
		state, err := core.OpenBoltStateStore(filepath.Join(cfg.Storage.StateDir, "state.db"))
		if err != nil {
			return nil, nil, err
		}
		return blocks, state, nil
	default:
		blocks, err := core.OpenJSONBlockStore(cfg.Storage.BlocksDir)
		if err != nil {
			return nil, nil, err
		}
		state, err := core.OpenJSONStateStore(cfg.Storage.StateDir)
		if err != nil {
			return nil, nil, err
		}
		return blocks, state, nil
	}
}

// genesisBlock builds the fixed genesis block for a fresh chain: height
// zero, an all-zero previous_hash, and a single unspendable coinbase (spec
// §4.3 requires every block, including genesis, to start with exactly one
// coinbase transaction).
func genesisBlock(cfg *config.Config) *core.Block {
	coinbase := core.Transaction{
		Version: 1,
		Type:    core.TxCoinbase,
		Inputs: []core.TransactionInput{
			{PrevTxID: core.ZeroHash, PrevIndex: 0xFFFFFFFF, Sequence: 0},
		},
		Outputs: []core.TransactionOutput{
			{Value: 0, Address: core.ZeroAddress, OutputIndex: 0},
		},
	}

	txs := []core.Transaction{coinbase}
	header := core.BlockHeader{
		Version:          1,
		PreviousHash:     core.ZeroHash,
		Timestamp:        0,
		Nonce:            0,
		Difficulty:       cfg.Consensus.InitialDifficulty,
		Height:           0,
		TransactionCount: uint32(len(txs)),
	}
	b := &core.Block{Header: header, Transactions: txs}
	b.Header.MerkleRoot = core.MerkleRoot(b.TxIDs())
	return b
}

// buildChainManager opens the configured stores once and replays them into a
// standalone ChainManager, for maintenance commands that only need chain
// state and must not also stand up a second set of store handles the way
// buildNode's full Node would (bbolt refuses a second in-process open of the
// same file).
func buildChainManager(cfg *config.Config) (*core.ChainManager, core.BlockStore, core.StateStore, error) {
	blocks, state, err := openStores(cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	pool := core.NewMempool(cfg.Mempool.Capacity)
	cm := core.NewChainManager(core.ChainManagerConfig{
		GenesisDifficulty: cfg.Consensus.InitialDifficulty,
		TargetBlockTime:   cfg.Consensus.TargetBlockTimeSeconds,
		CoinbaseMaturity:  cfg.Consensus.CoinbaseMaturity,
	}, blocks, state, pool)
	if err := cm.Bootstrap(genesisBlock(cfg)); err != nil {
		return nil, nil, nil, err
	}
	return cm, blocks, state, nil
}

// buildNode wires a Node per NodeConfig from a loaded Config.
func buildNode(cfg *config.Config, log *logrus.Logger) (*core.Node, error) {
	blocks, state, err := openStores(cfg)
	if err != nil {
		return nil, err
	}

	var rewardAddr core.Address
	if cfg.Mining.RewardAddress != "" {
		rewardAddr, err = core.DecodeAddress(cfg.Mining.RewardAddress)
		if err != nil {
			return nil, err
		}
	}

	nodeCfg := core.NodeConfig{
		Magic:              cfg.Network.Magic,
		DataDir:            cfg.Runtime.DataDir,
		ListenAddresses:    cfg.Network.ListenAddrs,
		Mining:             cfg.Mining.Enabled,
		MinerRewardAddress: rewardAddr,
		Miner: core.MinerConfig{
			MaxTransactionsPerBlock: cfg.Mining.MaxTxPerBlock,
			CoinbaseReward:          cfg.Mining.CoinbaseReward,
			BlockVersion:            1,
		},
		Chain: core.ChainManagerConfig{
			GenesisDifficulty: cfg.Consensus.InitialDifficulty,
			TargetBlockTime:   cfg.Consensus.TargetBlockTimeSeconds,
			CoinbaseMaturity:  cfg.Consensus.CoinbaseMaturity,
		},
		MempoolMaxSize:       cfg.Mempool.Capacity,
		RequireAuth:          cfg.Network.RequireAuth,
		GracePeriod:          cfg.Runtime.GracePeriod,
		ReconnectInterval:    cfg.Runtime.ReconnectInterval,
		ReputationDecayEvery: cfg.Runtime.ReputationDecayEvery,
	}
	if nodeCfg.GracePeriod <= 0 {
		nodeCfg.GracePeriod = 5 * time.Second
	}

	return core.NewNode(nodeCfg, blocks, state, genesisBlock(cfg), log)
}
