package crypto

import (
	"bytes"
	"errors"
	"testing"
)

func TestDeriveKeyDeterministic(t *testing.T) {
	secret := bytes.Repeat([]byte{0x42}, 32)

	k1, err := DeriveKey(secret, []byte("salt"), InfoShareSeal)
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	k2, err := DeriveKey(secret, []byte("salt"), InfoShareSeal)
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}

	if len(k1) != HKDFKeySize {
		t.Errorf("expected key size %d, got %d", HKDFKeySize, len(k1))
	}
	if !bytes.Equal(k1, k2) {
		t.Error("same inputs must derive the same key")
	}
}

func TestDeriveKeySeparation(t *testing.T) {
	secret := bytes.Repeat([]byte{0x42}, 32)

	base, _ := DeriveKey(secret, []byte("salt"), InfoShareSeal)
	otherSalt, _ := DeriveKey(secret, []byte("tlas"), InfoShareSeal)
	otherInfo, _ := DeriveKey(secret, []byte("salt"), InfoMarket)

	if bytes.Equal(base, otherSalt) {
		t.Error("different salts must derive different keys")
	}
	if bytes.Equal(base, otherInfo) {
		t.Error("different info strings must derive different keys")
	}
}

func TestDeriveKeyEmptySecret(t *testing.T) {
	if _, err := DeriveKey(nil, nil, InfoShareSeal); !errors.Is(err, ErrInvalidKeySize) {
		t.Errorf("expected ErrInvalidKeySize, got %v", err)
	}
}

func TestDeriveShareKeyBindsVoucher(t *testing.T) {
	shareC := bytes.Repeat([]byte{7}, ShareSize)

	var a, b VoucherID
	b[0] = 1

	ka, err := DeriveShareKey(shareC, a)
	if err != nil {
		t.Fatalf("DeriveShareKey failed: %v", err)
	}
	kb, err := DeriveShareKey(shareC, b)
	if err != nil {
		t.Fatalf("DeriveShareKey failed: %v", err)
	}
	if bytes.Equal(ka, kb) {
		t.Error("share keys of different vouchers must differ")
	}

	if _, err := DeriveShareKey(shareC[:8], a); !errors.Is(err, ErrInvalidShare) {
		t.Errorf("expected ErrInvalidShare, got %v", err)
	}
}
