package core

// Signing and password-based key export (C1). Grounded in the teacher's
// core/security.go Sign/Verify/Encrypt/Decrypt (same call shape: algo-typed
// Sign/Verify, symmetric Encrypt/Decrypt with an AAD-free blob) and
// core/wallet.go's HDWallet (seed handling, logger injection seam), but
// ported from the teacher's Ed25519/BLS scheme to the secp256k1 ECDSA the
// spec mandates, using the same secp256k1 package
// (github.com/decred/dcrd/dcrec/secp256k1/v4) the pack's real decred
// checkout (Abirdcfly-dcrd) is built on.
//
// Known defect fixed per spec §9: the source derives the AES key from
// SHA-256(password) and reuses the key prefix as the IV. Here the key is
// stretched with PBKDF2 over a random salt, and a random IV is generated
// per encryption and prepended to the ciphertext.

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"io"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 200_000
	pbkdf2SaltLen    = 16
	aesKeyLen        = 32 // AES-256
	aesIVLen         = aes.BlockSize
)

// KeyPair holds one secp256k1 private scalar and its derived compressed
// public key. The zero value is not valid; use GenerateKeyPair or
// KeyPairFromPrivateKeyBytes. Wipe wipes the scalar's byte representation so
// the key does not linger in memory after use.
type KeyPair struct {
	priv *secp256k1.PrivateKey
	pub  *secp256k1.PublicKey
}

// GenerateKeyPair creates a new random secp256k1 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, NewError(KindCrypto, "generate private key", err)
	}
	return &KeyPair{priv: priv, pub: priv.PubKey()}, nil
}

// KeyPairFromPrivateKeyBytes reconstructs a KeyPair from a 32-byte scalar.
func KeyPairFromPrivateKeyBytes(b []byte) (*KeyPair, error) {
	if len(b) != 32 {
		return nil, NewError(KindCrypto, "private key must be 32 bytes", nil)
	}
	priv := secp256k1.PrivKeyFromBytes(b)
	if priv.Key.IsZero() {
		return nil, NewError(KindCrypto, "zero scalar is not a valid private key", nil)
	}
	return &KeyPair{priv: priv, pub: priv.PubKey()}, nil
}

// PrivateKeyBytes returns a copy of the 32-byte scalar. Callers that do not
// need to persist the key should prefer PublicKeyBytes/Address and avoid
// calling this at all.
func (k *KeyPair) PrivateKeyBytes() []byte {
	b := k.priv.Serialize()
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// PublicKeyBytes returns the 33-byte compressed public key.
func (k *KeyPair) PublicKeyBytes() []byte {
	return k.pub.SerializeCompressed()
}

// Address derives the address for this key pair's public key.
func (k *KeyPair) Address() Address {
	return AddressFromPublicKey(k.PublicKeyBytes())
}

// Wipe zeroes the in-memory private scalar. The KeyPair must not be used
// afterward.
func (k *KeyPair) Wipe() {
	if k == nil || k.priv == nil {
		return
	}
	k.priv.Zero()
}

// Sign produces a DER-encoded ECDSA signature over SHA-256(msg).
func Sign(msg []byte, priv *KeyPair) ([]byte, error) {
	if priv == nil {
		return nil, NewError(KindCrypto, "nil private key", nil)
	}
	digest := sha256.Sum256(msg)
	sig := ecdsa.Sign(priv.priv, digest[:])
	return sig.Serialize(), nil
}

// Verify checks a DER-encoded ECDSA signature over SHA-256(msg) against a
// compressed public key.
func Verify(msg, sig, pubKeyBytes []byte) bool {
	pub, err := secp256k1.ParsePubKey(pubKeyBytes)
	if err != nil {
		return false
	}
	parsed, err := ecdsa.ParseDERSignature(sig)
	if err != nil {
		return false
	}
	digest := sha256.Sum256(msg)
	return parsed.Verify(digest[:], pub)
}

// DerivePublicKey returns the compressed public key for a raw 32-byte
// private scalar.
func DerivePublicKey(privBytes []byte) ([]byte, error) {
	kp, err := KeyPairFromPrivateKeyBytes(privBytes)
	if err != nil {
		return nil, err
	}
	return kp.PublicKeyBytes(), nil
}

// PubKeyToAddress derives an address from a compressed public key.
func PubKeyToAddress(pubKeyBytes []byte) (Address, error) {
	if _, err := secp256k1.ParsePubKey(pubKeyBytes); err != nil {
		return ZeroAddress, NewError(KindCrypto, "invalid public key", err)
	}
	return AddressFromPublicKey(pubKeyBytes), nil
}

// EncryptWithPassword seals plaintext under password using AES-256-CBC. The
// output is salt(16) || iv(16) || ciphertext; the key is
// PBKDF2-HMAC-SHA256(password, salt, 200000 iters, 32 bytes). The IV is
// generated fresh per call from crypto/rand, fixing the source's IV-reuse
// defect (spec §9).
func EncryptWithPassword(password string, plaintext []byte) ([]byte, error) {
	salt, err := RandomBytes(pbkdf2SaltLen)
	if err != nil {
		return nil, err
	}
	key := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, aesKeyLen, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, NewError(KindCrypto, "init aes cipher", err)
	}
	padded := pkcs7Pad(plaintext, block.BlockSize())

	iv := make([]byte, aesIVLen)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, NewError(KindCrypto, "read iv", err)
	}

	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	out := make([]byte, 0, len(salt)+len(iv)+len(ciphertext))
	out = append(out, salt...)
	out = append(out, iv...)
	out = append(out, ciphertext...)
	return out, nil
}

// DecryptWithPassword reverses EncryptWithPassword.
func DecryptWithPassword(password string, blob []byte) ([]byte, error) {
	if len(blob) < pbkdf2SaltLen+aesIVLen+aes.BlockSize {
		return nil, NewError(KindCrypto, "ciphertext too short", nil)
	}
	salt := blob[:pbkdf2SaltLen]
	iv := blob[pbkdf2SaltLen : pbkdf2SaltLen+aesIVLen]
	ciphertext := blob[pbkdf2SaltLen+aesIVLen:]
	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, NewError(KindCrypto, "ciphertext is not block aligned", nil)
	}

	key := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, aesKeyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, NewError(KindCrypto, "init aes cipher", err)
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	return pkcs7Unpad(plaintext)
}

func pkcs7Pad(b []byte, blockSize int) []byte {
	padLen := blockSize - len(b)%blockSize
	padding := make([]byte, padLen)
	for i := range padding {
		padding[i] = byte(padLen)
	}
	return append(append([]byte{}, b...), padding...)
}

func pkcs7Unpad(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, NewError(KindCrypto, "empty plaintext", nil)
	}
	padLen := int(b[len(b)-1])
	if padLen == 0 || padLen > len(b) {
		return nil, NewError(KindCrypto, "invalid pkcs7 padding", nil)
	}
	expected := make([]byte, padLen)
	for i := range expected {
		expected[i] = byte(padLen)
	}
	if subtle.ConstantTimeCompare(b[len(b)-padLen:], expected) != 1 {
		return nil, NewError(KindCrypto, "invalid pkcs7 padding", nil)
	}
	return b[:len(b)-padLen], nil
}
