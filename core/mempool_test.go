package core

import (
	"testing"
	"time"
)

func sampleRegularTx(t *testing.T, value uint64) *Transaction {
	t.Helper()
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	tx := &Transaction{
		Version: 1,
		Type:    TxRegular,
		Inputs: []TransactionInput{
			{PrevTxID: Sha256(RandomBytesOrFatal(t, 32)), PrevIndex: 0},
		},
		Outputs: []TransactionOutput{
			{Value: value, Address: AddressFromPublicKey(kp.PublicKeyBytes()), OutputIndex: 0},
		},
	}
	if err := tx.SignInput(0, kp); err != nil {
		t.Fatalf("SignInput: %v", err)
	}
	return tx
}

// RandomBytesOrFatal is a thin test helper around RandomBytes so each sample
// transaction spends a distinct, unpredictable previous output.
func RandomBytesOrFatal(t *testing.T, n int) []byte {
	t.Helper()
	b, err := RandomBytes(n)
	if err != nil {
		t.Fatalf("RandomBytes: %v", err)
	}
	return b
}

func TestMempoolAddSelectAndRemove(t *testing.T) {
	m := NewMempool(0)
	tx := sampleRegularTx(t, 10)
	if err := m.Add(tx, 5, time.Now()); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !m.Contains(tx.ID()) {
		t.Fatal("expected mempool to contain the admitted transaction")
	}
	if m.Size() != 1 {
		t.Fatalf("Size() = %d, want 1", m.Size())
	}
	selected := m.Select(10)
	if len(selected) != 1 || selected[0].ID() != tx.ID() {
		t.Fatal("Select did not return the admitted transaction")
	}
	m.Remove(tx.ID())
	if m.Contains(tx.ID()) {
		t.Fatal("expected transaction to be gone after Remove")
	}
}

func TestMempoolRejectsDuplicateAdmission(t *testing.T) {
	m := NewMempool(0)
	tx := sampleRegularTx(t, 10)
	if err := m.Add(tx, 5, time.Now()); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := m.Add(tx, 5, time.Now()); err == nil {
		t.Fatal("expected duplicate admission to be rejected")
	}
}

func TestMempoolEvictsLowestDensityUnderCapacity(t *testing.T) {
	m := NewMempool(2)
	low := sampleRegularTx(t, 10)
	high := sampleRegularTx(t, 10)
	extra := sampleRegularTx(t, 10)

	if err := m.Add(low, 1, time.Now()); err != nil {
		t.Fatalf("Add low: %v", err)
	}
	if err := m.Add(high, 1000, time.Now()); err != nil {
		t.Fatalf("Add high: %v", err)
	}
	if err := m.Add(extra, 500, time.Now()); err != nil {
		t.Fatalf("Add extra: %v", err)
	}
	if m.Size() != 2 {
		t.Fatalf("Size() = %d, want 2 after eviction", m.Size())
	}
	if !m.Contains(high.ID()) {
		t.Fatal("expected highest fee-density transaction to survive eviction")
	}
}

func TestMempoolSelectOrdersByFeeDensity(t *testing.T) {
	m := NewMempool(0)
	low := sampleRegularTx(t, 10)
	high := sampleRegularTx(t, 10)
	if err := m.Add(low, 1, time.Now()); err != nil {
		t.Fatalf("Add low: %v", err)
	}
	if err := m.Add(high, 1000, time.Now()); err != nil {
		t.Fatalf("Add high: %v", err)
	}
	selected := m.Select(2)
	if len(selected) != 2 {
		t.Fatalf("Select returned %d transactions, want 2", len(selected))
	}
	if selected[0].ID() != high.ID() {
		t.Fatal("expected higher fee-density transaction to be selected first")
	}
}
