package core

import "testing"

func TestSignVerifyRoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	msg := Sha256([]byte("transaction payload")).Bytes()
	sig, err := Sign(msg, kp)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if !Verify(msg, sig, kp.PublicKeyBytes()) {
		t.Fatal("signature did not verify against its own message and public key")
	}
}

func TestVerifyRejectsTamperedMessage(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	msg := Sha256([]byte("original")).Bytes()
	sig, err := Sign(msg, kp)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	tampered := Sha256([]byte("tampered")).Bytes()
	if Verify(tampered, sig, kp.PublicKeyBytes()) {
		t.Fatal("signature unexpectedly verified a different message")
	}
}

func TestKeyPairFromPrivateKeyBytesRoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	restored, err := KeyPairFromPrivateKeyBytes(kp.PrivateKeyBytes())
	if err != nil {
		t.Fatalf("KeyPairFromPrivateKeyBytes: %v", err)
	}
	if restored.Address() != kp.Address() {
		t.Fatalf("restored key derives a different address: got %s want %s", restored.Address(), kp.Address())
	}
}

func TestEncryptDecryptWithPasswordRoundTrip(t *testing.T) {
	plaintext := []byte("a secret private key")
	blob, err := EncryptWithPassword("correct horse battery staple", plaintext)
	if err != nil {
		t.Fatalf("EncryptWithPassword: %v", err)
	}
	got, err := DecryptWithPassword("correct horse battery staple", blob)
	if err != nil {
		t.Fatalf("DecryptWithPassword: %v", err)
	}
	if string(got) != string(plaintext) {
		t.Fatalf("decrypted mismatch: got %q want %q", got, plaintext)
	}
}

func TestDecryptWithPasswordRejectsWrongPassword(t *testing.T) {
	blob, err := EncryptWithPassword("right-password", []byte("payload"))
	if err != nil {
		t.Fatalf("EncryptWithPassword: %v", err)
	}
	if _, err := DecryptWithPassword("wrong-password", blob); err == nil {
		t.Fatal("expected decryption failure with wrong password")
	}
}
