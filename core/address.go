package core

// Address derivation and checksum encoding (C1/C3). Grounded in the
// teacher's core/wallet.go address derivation (hash160 of the public key)
// and core/address_zero.go's zero-value convention.

import (
	"encoding/hex"
	"fmt"
)

// AddressVersion is the single-byte version prefix used by checksum
// encoding. It is a fixed constant; no configuration field overrides it.
const AddressVersion byte = 0x00

// Address is a 20-byte value derived from a public key by
// RIPEMD160(SHA256(pubkey)).
type Address [20]byte

// ZeroAddress is the distinguished empty address.
var ZeroAddress Address

func (a Address) IsZero() bool { return a == ZeroAddress }

func (a Address) Bytes() []byte {
	out := make([]byte, 20)
	copy(out, a[:])
	return out
}

// String renders the address as versioned, checksummed hex:
// version byte || payload || first-4-bytes(doubleSha256(version||payload)).
func (a Address) String() string {
	return EncodeAddress(a, AddressVersion)
}

// EncodeAddress renders payload with the given version byte and a 4-byte
// double-SHA256 checksum, hex-encoded.
func EncodeAddress(a Address, version byte) string {
	payload := append([]byte{version}, a[:]...)
	sum := DoubleSha256(payload)
	full := append(payload, sum[:4]...)
	return hex.EncodeToString(full)
}

// DecodeAddress parses and checksum-verifies a string produced by
// EncodeAddress / Address.String.
func DecodeAddress(s string) (Address, error) {
	var out Address
	raw, err := hex.DecodeString(s)
	if err != nil {
		return out, NewError(KindValidation, "address is not valid hex", err)
	}
	if len(raw) != 1+20+4 {
		return out, NewError(KindValidation, fmt.Sprintf("address must decode to 25 bytes, got %d", len(raw)), nil)
	}
	payload := raw[:21]
	checksum := raw[21:]
	sum := DoubleSha256(payload)
	for i := 0; i < 4; i++ {
		if sum[i] != checksum[i] {
			return out, NewError(KindValidation, "address checksum mismatch", nil)
		}
	}
	copy(out[:], payload[1:])
	return out, nil
}

// AddressFromPublicKey derives the address RIPEMD160(SHA256(pubkey)) from a
// compressed secp256k1 public key.
func AddressFromPublicKey(pubKey []byte) Address {
	var out Address
	copy(out[:], Hash160(pubKey))
	return out
}
