package core

// Contract execution hook (spec §9). The chain manager calls this inside its
// per-block StateTx for TxContract transactions; no VM is implemented here,
// only the narrow seam a VM would plug into. Grounded in the teacher's
// wasmer-go-backed execution call (dropped per DESIGN.md — the VM itself is
// out of scope) generalized to the interface shape spec §9 names directly.

// StateView is the read side of the hook's state access: a contract may
// read another account's storage but never another account's balance
// through this interface (balance reads go through the UTXO set, which the
// hook does not see).
type StateView interface {
	GetStorageValue(address Address, key []byte) ([]byte, error)
	GetNonce(address Address) (uint64, error)
}

// StateMutator is the write side of the hook's state access, staged inside
// the same StateTx the calling block application already opened.
type StateMutator interface {
	SetStorageValue(address Address, key, value []byte) error
}

// ContractEvent is one log entry emitted during execution.
type ContractEvent struct {
	Address Address
	Topics  []Hash256
	Data    []byte
}

// VMHook is the interface a contract execution engine must satisfy to be
// wired into the chain manager. A nil VMHook means TxContract transactions
// are rejected at validation time (see ChainManager.applyBlockLocked).
type VMHook interface {
	Execute(contractAddress Address, input []byte, gasLimit uint64, view StateView, mutator StateMutator) (result []byte, gasUsed uint64, events []ContractEvent, err error)
}

// NoopVMHook rejects every TxContract transaction, the correct default
// until a real VM is wired in (out of scope per spec §1/§9).
type NoopVMHook struct{}

func (NoopVMHook) Execute(Address, []byte, uint64, StateView, StateMutator) ([]byte, uint64, []ContractEvent, error) {
	return nil, 0, nil, NewError(KindConsensus, "contract execution not supported", nil)
}

// stateTxView adapts a StateTx (string storage keys, account-based nonces)
// to the byte-key VMHook view a contract execution engine expects.
type stateTxView struct{ tx StateTx }

func (v stateTxView) GetStorageValue(address Address, key []byte) ([]byte, error) {
	value, _, err := v.tx.GetStorageValue(address, string(key))
	return value, err
}

func (v stateTxView) GetNonce(address Address) (uint64, error) {
	acc, ok, err := v.tx.GetAccount(address)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return acc.Nonce, nil
}

func (v stateTxView) SetStorageValue(address Address, key, value []byte) error {
	return v.tx.SetStorageValue(address, string(key), value)
}
