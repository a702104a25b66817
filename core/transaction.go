package core

// Transaction model and canonical serialization (C3). Grounded in the
// teacher's core/transaction.go Transaction struct (Inputs/Outputs/hash
// caching/Sign) and core/transaction_validation.go's stateless checks, ported
// from the teacher's account-and-token model to the spec's UTXO model and
// its exact canonical wire form.

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// TxType distinguishes a coinbase reward transaction from a regular transfer
// or a contract-invoking transaction (spec §3).
type TxType uint8

const (
	TxRegular TxType = iota
	TxCoinbase
	TxContract
)

// TransactionInput references one previously created output by its
// transaction id and output index, plus the unlocking signature and public
// key proving the right to spend it. A coinbase input is the distinguished
// form whose PrevTxID is the all-zero hash.
type TransactionInput struct {
	PrevTxID  Hash256
	PrevIndex uint32
	Signature []byte // DER-encoded ECDSA signature, empty while unsigned
	PubKey    []byte // 33-byte compressed secp256k1 public key
	Sequence  uint64
}

// TransactionOutput assigns value to a locking address. ScriptPubKey is
// carried but not interpreted by the core; a production deployment would
// hand it to a script engine, out of scope here.
type TransactionOutput struct {
	Value        uint64
	Address      Address
	ScriptPubKey []byte
	OutputIndex  uint32
}

// Transaction is a signed transfer of value from spent outputs to new
// outputs. A transaction with a Type of TxCoinbase has exactly one input
// whose PrevTxID is the zero hash and creates new coins.
type Transaction struct {
	Version  uint32
	Type     TxType
	Inputs   []TransactionInput
	Outputs  []TransactionOutput
	LockTime uint32
}

// IsCoinbase reports whether tx is the block-reward transaction: Type ==
// TxCoinbase and its single input's PrevTxID is the zero hash (spec §3/§4.3).
func (tx *Transaction) IsCoinbase() bool {
	return tx.Type == TxCoinbase && len(tx.Inputs) == 1 && tx.Inputs[0].PrevTxID.IsZero()
}

// ID computes the transaction id as SHA256 of the canonical serialization,
// stable under signing because it hashes serialize(false), which writes a
// zero-length signature field regardless of whether a signature has been
// attached (spec §3: "the id is stable under signing").
func (tx *Transaction) ID() Hash256 {
	return Sha256(tx.serialize(false))
}

// SigningDigest returns SHA256 of the canonical bytes with every input's
// signature field cleared to length zero — the single-sighash digest every
// input is signed over (spec §4.3).
func (tx *Transaction) SigningDigest() []byte {
	digest := Sha256(tx.serialize(false))
	return digest[:]
}

// Serialize renders the canonical on-wire encoding including attached
// signatures, used for block bodies and wire transfer. All integers are
// little-endian per spec §4.3.
func (tx *Transaction) Serialize() []byte {
	return tx.serialize(true)
}

func (tx *Transaction) serialize(withSignatures bool) []byte {
	var buf bytes.Buffer
	var u32 [4]byte
	var u64 [8]byte

	binary.LittleEndian.PutUint32(u32[:], tx.Version)
	buf.Write(u32[:])
	buf.WriteByte(byte(tx.Type))

	binary.LittleEndian.PutUint32(u32[:], uint32(len(tx.Inputs)))
	buf.Write(u32[:])
	for _, in := range tx.Inputs {
		buf.Write(in.PrevTxID[:])
		binary.LittleEndian.PutUint32(u32[:], in.PrevIndex)
		buf.Write(u32[:])
		if withSignatures {
			binary.LittleEndian.PutUint32(u32[:], uint32(len(in.Signature)))
			buf.Write(u32[:])
			buf.Write(in.Signature)
		} else {
			binary.LittleEndian.PutUint32(u32[:], 0)
			buf.Write(u32[:])
		}
		binary.LittleEndian.PutUint32(u32[:], uint32(len(in.PubKey)))
		buf.Write(u32[:])
		buf.Write(in.PubKey)
		binary.LittleEndian.PutUint64(u64[:], in.Sequence)
		buf.Write(u64[:])
	}

	binary.LittleEndian.PutUint32(u32[:], uint32(len(tx.Outputs)))
	buf.Write(u32[:])
	for _, out := range tx.Outputs {
		binary.LittleEndian.PutUint64(u64[:], out.Value)
		buf.Write(u64[:])
		addrBytes := out.Address.Bytes()
		binary.LittleEndian.PutUint32(u32[:], uint32(len(addrBytes)))
		buf.Write(u32[:])
		buf.Write(addrBytes)
		binary.LittleEndian.PutUint32(u32[:], uint32(len(out.ScriptPubKey)))
		buf.Write(u32[:])
		buf.Write(out.ScriptPubKey)
		binary.LittleEndian.PutUint32(u32[:], out.OutputIndex)
		buf.Write(u32[:])
	}

	binary.LittleEndian.PutUint32(u32[:], tx.LockTime)
	buf.Write(u32[:])

	return buf.Bytes()
}

// DeserializeTransaction parses the encoding produced by Serialize.
func DeserializeTransaction(b []byte) (*Transaction, error) {
	r := bytes.NewReader(b)
	tx := &Transaction{}

	if err := binary.Read(r, binary.LittleEndian, &tx.Version); err != nil {
		return nil, NewError(KindValidation, "read version", err)
	}
	typeByte, err := r.ReadByte()
	if err != nil {
		return nil, NewError(KindValidation, "read type", err)
	}
	tx.Type = TxType(typeByte)

	inCount, err := readU32LE(r)
	if err != nil {
		return nil, NewError(KindValidation, "read input count", err)
	}
	tx.Inputs = make([]TransactionInput, inCount)
	for i := range tx.Inputs {
		in := &tx.Inputs[i]
		if _, err := readFull(r, in.PrevTxID[:]); err != nil {
			return nil, NewError(KindValidation, "read prev tx id", err)
		}
		if err := binary.Read(r, binary.LittleEndian, &in.PrevIndex); err != nil {
			return nil, NewError(KindValidation, "read prev index", err)
		}
		sigLen, err := readU32LE(r)
		if err != nil {
			return nil, NewError(KindValidation, "read signature length", err)
		}
		in.Signature = make([]byte, sigLen)
		if _, err := readFull(r, in.Signature); err != nil {
			return nil, NewError(KindValidation, "read signature", err)
		}
		pubLen, err := readU32LE(r)
		if err != nil {
			return nil, NewError(KindValidation, "read pubkey length", err)
		}
		in.PubKey = make([]byte, pubLen)
		if _, err := readFull(r, in.PubKey); err != nil {
			return nil, NewError(KindValidation, "read pubkey", err)
		}
		if err := binary.Read(r, binary.LittleEndian, &in.Sequence); err != nil {
			return nil, NewError(KindValidation, "read sequence", err)
		}
	}

	outCount, err := readU32LE(r)
	if err != nil {
		return nil, NewError(KindValidation, "read output count", err)
	}
	tx.Outputs = make([]TransactionOutput, outCount)
	for i := range tx.Outputs {
		out := &tx.Outputs[i]
		if err := binary.Read(r, binary.LittleEndian, &out.Value); err != nil {
			return nil, NewError(KindValidation, "read output value", err)
		}
		addrLen, err := readU32LE(r)
		if err != nil {
			return nil, NewError(KindValidation, "read address length", err)
		}
		addrBytes := make([]byte, addrLen)
		if _, err := readFull(r, addrBytes); err != nil {
			return nil, NewError(KindValidation, "read address", err)
		}
		if addrLen == 20 {
			copy(out.Address[:], addrBytes)
		}
		scriptLen, err := readU32LE(r)
		if err != nil {
			return nil, NewError(KindValidation, "read script length", err)
		}
		out.ScriptPubKey = make([]byte, scriptLen)
		if _, err := readFull(r, out.ScriptPubKey); err != nil {
			return nil, NewError(KindValidation, "read script", err)
		}
		if err := binary.Read(r, binary.LittleEndian, &out.OutputIndex); err != nil {
			return nil, NewError(KindValidation, "read output index", err)
		}
	}

	if err := binary.Read(r, binary.LittleEndian, &tx.LockTime); err != nil {
		return nil, NewError(KindValidation, "read lock time", err)
	}

	return tx, nil
}

func readU32LE(r *bytes.Reader) (uint32, error) {
	var v uint32
	err := binary.Read(r, binary.LittleEndian, &v)
	return v, err
}

func readFull(r *bytes.Reader, b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	n, err := r.Read(b)
	if err != nil {
		return n, err
	}
	if n != len(b) {
		return n, fmt.Errorf("short read: got %d want %d", n, len(b))
	}
	return n, nil
}

// SignInput signs input i of tx with priv and attaches the DER signature and
// compressed public key.
func (tx *Transaction) SignInput(i int, priv *KeyPair) error {
	if i < 0 || i >= len(tx.Inputs) {
		return NewError(KindValidation, "input index out of range", nil)
	}
	sig, err := Sign(tx.SigningDigest(), priv)
	if err != nil {
		return err
	}
	tx.Inputs[i].Signature = sig
	tx.Inputs[i].PubKey = priv.PublicKeyBytes()
	return nil
}

// ValidateStateless checks structural rules that do not require UTXO set
// lookups (spec §4.3): non-empty outputs, non-zero output values, a
// well-formed coinbase shape, and for non-coinbase transactions a verifiable
// signature per input against its own declared public key.
func (tx *Transaction) ValidateStateless() error {
	if len(tx.Outputs) == 0 {
		return NewError(KindValidation, "transaction has no outputs", nil)
	}
	for _, out := range tx.Outputs {
		if out.Value == 0 {
			return NewError(KindValidation, "output value must be positive", nil)
		}
	}
	if tx.Type == TxCoinbase {
		if len(tx.Inputs) != 1 || !tx.Inputs[0].PrevTxID.IsZero() {
			return NewError(KindValidation, "coinbase must have exactly one zero-hash input", nil)
		}
		return nil
	}
	if len(tx.Inputs) == 0 {
		return NewError(KindValidation, "non-coinbase transaction must have at least one input", nil)
	}

	seen := make(map[string]struct{}, len(tx.Inputs))
	digest := tx.SigningDigest()
	for i, in := range tx.Inputs {
		key := fmt.Sprintf("%s:%d", in.PrevTxID, in.PrevIndex)
		if _, dup := seen[key]; dup {
			return NewError(KindValidation, "duplicate input in single transaction", nil)
		}
		seen[key] = struct{}{}

		if len(in.PubKey) != 33 {
			return NewError(KindValidation, fmt.Sprintf("input %d: public key must be 33 bytes", i), nil)
		}
		if len(in.Signature) == 0 {
			return NewError(KindValidation, fmt.Sprintf("input %d: missing signature", i), nil)
		}
		if !Verify(digest, in.Signature, in.PubKey) {
			return NewError(KindValidation, fmt.Sprintf("input %d: signature does not verify", i), nil)
		}
	}
	return nil
}

// OutputSum returns the total value of tx's outputs.
func (tx *Transaction) OutputSum() uint64 {
	var sum uint64
	for _, out := range tx.Outputs {
		sum += out.Value
	}
	return sum
}
