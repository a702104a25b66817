package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestChainManager(t *testing.T, dir string) (*ChainManager, BlockStore, StateStore) {
	t.Helper()
	blocks, err := OpenJSONBlockStore(filepath.Join(dir, "blocks"))
	if err != nil {
		t.Fatalf("OpenJSONBlockStore: %v", err)
	}
	state, err := OpenJSONStateStore(filepath.Join(dir, "state.json"))
	if err != nil {
		t.Fatalf("OpenJSONStateStore: %v", err)
	}
	pool := NewMempool(100)
	cm := NewChainManager(ChainManagerConfig{
		GenesisDifficulty: 1,
		TargetBlockTime:   600,
		CoinbaseMaturity:  0,
	}, blocks, state, pool)

	genesis := &Block{
		Header: BlockHeader{
			Version:          1,
			PreviousHash:     ZeroHash,
			Difficulty:       1,
			TransactionCount: 1,
		},
		Transactions: []Transaction{sampleCoinbase(50)},
	}
	genesis.Header.MerkleRoot = MerkleRoot(genesis.TxIDs())
	if err := cm.Bootstrap(genesis); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	return cm, blocks, state
}

func TestBackupRestoreChainRoundTrip(t *testing.T) {
	srcDir := t.TempDir()
	cm, blocks, state := newTestChainManager(t, srcDir)

	backupDir := filepath.Join(t.TempDir(), "backup")
	if err := BackupChain(cm, blocks, state, backupDir); err != nil {
		t.Fatalf("BackupChain: %v", err)
	}

	restoreDir := t.TempDir()
	restoredBlocks, err := OpenJSONBlockStore(filepath.Join(restoreDir, "blocks"))
	if err != nil {
		t.Fatalf("OpenJSONBlockStore: %v", err)
	}
	restoredState, err := OpenJSONStateStore(filepath.Join(restoreDir, "state.json"))
	if err != nil {
		t.Fatalf("OpenJSONStateStore: %v", err)
	}
	if err := RestoreChain(restoredBlocks, restoredState, backupDir); err != nil {
		t.Fatalf("RestoreChain: %v", err)
	}

	restoredTip, ok, err := restoredBlocks.Tip()
	if err != nil {
		t.Fatalf("Tip: %v", err)
	}
	if !ok {
		t.Fatal("expected restored block store to have a tip")
	}
	if restoredTip != cm.Tip() {
		t.Fatalf("restored tip mismatch: got %s want %s", restoredTip, cm.Tip())
	}
}

func TestRestoreChainRejectsCorruptedArchive(t *testing.T) {
	srcDir := t.TempDir()
	cm, blocks, state := newTestChainManager(t, srcDir)

	backupDir := filepath.Join(t.TempDir(), "backup")
	if err := BackupChain(cm, blocks, state, backupDir); err != nil {
		t.Fatalf("BackupChain: %v", err)
	}

	corruptFirstJSONFile(t, filepath.Join(backupDir, "blocks"))

	restoreDir := t.TempDir()
	restoredBlocks, err := OpenJSONBlockStore(filepath.Join(restoreDir, "blocks"))
	if err != nil {
		t.Fatalf("OpenJSONBlockStore: %v", err)
	}
	restoredState, err := OpenJSONStateStore(filepath.Join(restoreDir, "state.json"))
	if err != nil {
		t.Fatalf("OpenJSONStateStore: %v", err)
	}
	if err := RestoreChain(restoredBlocks, restoredState, backupDir); err == nil {
		t.Fatal("expected checksum mismatch error for corrupted archive")
	}
}

// corruptFirstJSONFile flips a byte in the first JSON file found under dir,
// so a checksum computed before the flip no longer matches.
func corruptFirstJSONFile(t *testing.T, dir string) {
	t.Helper()
	var target string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if target == "" && !info.IsDir() && filepath.Ext(path) == ".json" {
			target = path
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk backup dir: %v", err)
	}
	if target == "" {
		t.Fatal("no archived json file found to corrupt")
	}
	raw, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("read archived file: %v", err)
	}
	raw[0] ^= 0xFF
	if err := os.WriteFile(target, raw, 0o600); err != nil {
		t.Fatalf("write corrupted file: %v", err)
	}
}

func TestRunAuditReportsOK(t *testing.T) {
	dir := t.TempDir()
	cm, _, _ := newTestChainManager(t, dir)
	report := RunAudit(cm, time.Now())
	if !report.OK {
		t.Fatalf("expected RunAudit to report OK, got err=%v at height=%d", report.Err, report.FailedHeight)
	}
}
