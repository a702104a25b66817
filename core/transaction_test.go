package core

import "testing"

func sampleSignedTransaction(t *testing.T) (*Transaction, *KeyPair) {
	t.Helper()
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	tx := &Transaction{
		Version: 1,
		Type:    TxRegular,
		Inputs: []TransactionInput{
			{PrevTxID: Sha256([]byte("prev")), PrevIndex: 0, Sequence: 0},
		},
		Outputs: []TransactionOutput{
			{Value: 100, Address: AddressFromPublicKey(kp.PublicKeyBytes()), OutputIndex: 0},
		},
	}
	if err := tx.SignInput(0, kp); err != nil {
		t.Fatalf("SignInput: %v", err)
	}
	return tx, kp
}

func TestTransactionSerializeDeserializeRoundTrip(t *testing.T) {
	tx, _ := sampleSignedTransaction(t)
	raw := tx.Serialize()
	got, err := DeserializeTransaction(raw)
	if err != nil {
		t.Fatalf("DeserializeTransaction: %v", err)
	}
	if got.ID() != tx.ID() {
		t.Fatalf("round trip id mismatch: got %s want %s", got.ID(), tx.ID())
	}
	if got.Inputs[0].Sequence != tx.Inputs[0].Sequence || got.Outputs[0].Value != tx.Outputs[0].Value {
		t.Fatal("round trip field mismatch")
	}
}

func TestTransactionIDStableUnderSigning(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	tx := &Transaction{
		Version: 1,
		Type:    TxRegular,
		Inputs: []TransactionInput{
			{PrevTxID: Sha256([]byte("prev")), PrevIndex: 0},
		},
		Outputs: []TransactionOutput{
			{Value: 50, Address: AddressFromPublicKey(kp.PublicKeyBytes()), OutputIndex: 0},
		},
	}
	before := tx.ID()
	if err := tx.SignInput(0, kp); err != nil {
		t.Fatalf("SignInput: %v", err)
	}
	after := tx.ID()
	if before != after {
		t.Fatalf("transaction id changed after signing: before=%s after=%s", before, after)
	}
}

func TestTransactionValidateStatelessAcceptsSignedTransaction(t *testing.T) {
	tx, _ := sampleSignedTransaction(t)
	if err := tx.ValidateStateless(); err != nil {
		t.Fatalf("ValidateStateless: %v", err)
	}
}

func TestTransactionValidateStatelessRejectsBadSignature(t *testing.T) {
	tx, _ := sampleSignedTransaction(t)
	tx.Inputs[0].Signature[0] ^= 0xFF
	if err := tx.ValidateStateless(); err == nil {
		t.Fatal("expected validation failure for tampered signature")
	}
}

func TestTransactionValidateStatelessRejectsZeroValueOutput(t *testing.T) {
	tx, _ := sampleSignedTransaction(t)
	tx.Outputs[0].Value = 0
	if err := tx.ValidateStateless(); err == nil {
		t.Fatal("expected validation failure for zero-value output")
	}
}

func TestCoinbaseValidateStatelessShape(t *testing.T) {
	coinbase := &Transaction{
		Version: 1,
		Type:    TxCoinbase,
		Inputs: []TransactionInput{
			{PrevTxID: ZeroHash, PrevIndex: 0xFFFFFFFF},
		},
		Outputs: []TransactionOutput{
			{Value: 1, Address: ZeroAddress, OutputIndex: 0},
		},
	}
	if err := coinbase.ValidateStateless(); err != nil {
		t.Fatalf("ValidateStateless: %v", err)
	}
	if !coinbase.IsCoinbase() {
		t.Fatal("expected IsCoinbase to report true")
	}
}
