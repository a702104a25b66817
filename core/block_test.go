package core

import (
	"testing"
	"time"
)

func sampleCoinbase(reward uint64) Transaction {
	return Transaction{
		Version: 1,
		Type:    TxCoinbase,
		Inputs: []TransactionInput{
			{PrevTxID: ZeroHash, PrevIndex: 0xFFFFFFFF},
		},
		Outputs: []TransactionOutput{
			{Value: reward, Address: ZeroAddress, OutputIndex: 0},
		},
	}
}

func buildValidBlock(t *testing.T, height uint64) *Block {
	t.Helper()
	txs := []Transaction{sampleCoinbase(50)}
	header := BlockHeader{
		Version:          1,
		PreviousHash:     ZeroHash,
		Timestamp:        time.Now().Unix(),
		Difficulty:       1,
		Height:           height,
		TransactionCount: uint32(len(txs)),
	}
	b := &Block{Header: header, Transactions: txs}
	b.Header.MerkleRoot = MerkleRoot(b.TxIDs())
	return b
}

func TestBlockHeaderSerializeDeserializeRoundTrip(t *testing.T) {
	b := buildValidBlock(t, 0)
	raw := b.Header.Serialize()
	got, err := DeserializeHeader(raw)
	if err != nil {
		t.Fatalf("DeserializeHeader: %v", err)
	}
	if got.Hash() != b.Header.Hash() {
		t.Fatalf("round trip header hash mismatch")
	}
}

func TestBlockValidateStatelessAcceptsGenesisShape(t *testing.T) {
	b := buildValidBlock(t, 0)
	if err := b.ValidateStateless(time.Now()); err != nil {
		t.Fatalf("ValidateStateless: %v", err)
	}
	if !b.Header.IsGenesis() {
		t.Fatal("expected IsGenesis to report true for zero-parent height-zero header")
	}
}

func TestBlockValidateStatelessRejectsEmptyBlock(t *testing.T) {
	b := &Block{Header: BlockHeader{}}
	if err := b.ValidateStateless(time.Now()); err == nil {
		t.Fatal("expected error for block with no transactions")
	}
}

func TestBlockValidateStatelessRejectsMissingLeadingCoinbase(t *testing.T) {
	b := buildValidBlock(t, 1)
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	regular := Transaction{
		Version: 1,
		Type:    TxRegular,
		Inputs:  []TransactionInput{{PrevTxID: Sha256([]byte("x")), PrevIndex: 0}},
		Outputs: []TransactionOutput{{Value: 1, Address: AddressFromPublicKey(kp.PublicKeyBytes()), OutputIndex: 0}},
	}
	if err := regular.SignInput(0, kp); err != nil {
		t.Fatalf("SignInput: %v", err)
	}
	b.Transactions = []Transaction{regular}
	b.Header.TransactionCount = 1
	b.Header.MerkleRoot = MerkleRoot(b.TxIDs())
	if err := b.ValidateStateless(time.Now()); err == nil {
		t.Fatal("expected error when first transaction is not coinbase")
	}
}

func TestBlockValidateStatelessRejectsSecondCoinbase(t *testing.T) {
	b := buildValidBlock(t, 1)
	b.Transactions = append(b.Transactions, sampleCoinbase(1))
	b.Header.TransactionCount = uint32(len(b.Transactions))
	b.Header.MerkleRoot = MerkleRoot(b.TxIDs())
	if err := b.ValidateStateless(time.Now()); err == nil {
		t.Fatal("expected error for second coinbase transaction")
	}
}

func TestBlockValidateStatelessRejectsMerkleRootMismatch(t *testing.T) {
	b := buildValidBlock(t, 0)
	b.Header.MerkleRoot = Sha256([]byte("wrong"))
	if err := b.ValidateStateless(time.Now()); err == nil {
		t.Fatal("expected merkle root mismatch error")
	}
}

func TestBlockValidateStatelessRejectsFarFutureTimestamp(t *testing.T) {
	b := buildValidBlock(t, 0)
	b.Header.Timestamp = time.Now().Add(3 * time.Hour).Unix()
	if err := b.ValidateStateless(time.Now()); err == nil {
		t.Fatal("expected error for timestamp too far in the future")
	}
}

func TestMedianTimePastOddAndEvenWindows(t *testing.T) {
	if got := MedianTimePast([]int64{1, 2, 3}); got != 2 {
		t.Fatalf("median of [1,2,3] = %d, want 2", got)
	}
	if got := MedianTimePast([]int64{4, 1, 3, 2}); got != 3 {
		t.Fatalf("median of [4,1,3,2] = %d, want 3", got)
	}
	if got := MedianTimePast(nil); got != 0 {
		t.Fatalf("median of empty slice = %d, want 0", got)
	}
}
