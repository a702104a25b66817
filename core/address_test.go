package core

import "testing"

func TestAddressEncodeDecodeRoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	addr := AddressFromPublicKey(kp.PublicKeyBytes())
	encoded := addr.String()
	decoded, err := DecodeAddress(encoded)
	if err != nil {
		t.Fatalf("DecodeAddress: %v", err)
	}
	if decoded != addr {
		t.Fatalf("round trip mismatch: got %s want %s", decoded, addr)
	}
}

func TestDecodeAddressRejectsBadChecksum(t *testing.T) {
	var addr Address
	addr[0] = 0x01
	encoded := addr.String()
	tampered := "ff" + encoded[2:]
	if _, err := DecodeAddress(tampered); err == nil {
		t.Fatal("expected checksum mismatch error")
	}
}

func TestDecodeAddressRejectsWrongLength(t *testing.T) {
	if _, err := DecodeAddress("deadbeef"); err == nil {
		t.Fatal("expected length error")
	}
}

func TestZeroAddressIsZero(t *testing.T) {
	var addr Address
	if !addr.IsZero() {
		t.Fatal("zero-valued address should report IsZero")
	}
	addr[0] = 1
	if addr.IsZero() {
		t.Fatal("non-zero address should not report IsZero")
	}
}
