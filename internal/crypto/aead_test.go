package crypto

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func newTestShares(t *testing.T) (shareB, shareC []byte, id VoucherID) {
	t.Helper()

	priv, pub := newTestKey(t)
	shareB, shareC, err := SplitSecret(priv)
	if err != nil {
		t.Fatalf("split failed: %v", err)
	}
	id, err = DeriveVoucherID(pub, 1000, pub, "Boulangerie")
	if err != nil {
		t.Fatalf("voucher id failed: %v", err)
	}

	return shareB, shareC, id
}

// TestShareSealRoundTrip verifies a sealed bearer share opens with the same
// cache share and header.
func TestShareSealRoundTrip(t *testing.T) {
	shareB, shareC, id := newTestShares(t)
	aad := []byte("offer header")

	sealed, err := SealShare(shareB, shareC, id, aad)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	if bytes.Equal(sealed.Ciphertext[:], shareB) {
		t.Fatal("ciphertext equals plaintext share")
	}

	opened, err := OpenShare(sealed, shareC, id, aad)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if !bytes.Equal(opened, shareB) {
		t.Error("opened share doesn't match original")
	}
}

// TestShareSealAuthenticationFailure verifies every tampering is rejected.
func TestShareSealAuthenticationFailure(t *testing.T) {
	shareB, shareC, id := newTestShares(t)
	aad := []byte("offer header")

	sealed, err := SealShare(shareB, shareC, id, aad)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}

	testCases := []struct {
		name   string
		modify func(s SealedShare, c []byte, i VoucherID, a []byte) (SealedShare, []byte, VoucherID, []byte)
	}{
		{
			"flip ciphertext byte",
			func(s SealedShare, c []byte, i VoucherID, a []byte) (SealedShare, []byte, VoucherID, []byte) {
				s.Ciphertext[0] ^= 0xFF
				return s, c, i, a
			},
		},
		{
			"flip tag byte",
			func(s SealedShare, c []byte, i VoucherID, a []byte) (SealedShare, []byte, VoucherID, []byte) {
				s.Tag[TagSize-1] ^= 0x01
				return s, c, i, a
			},
		},
		{
			"flip nonce byte",
			func(s SealedShare, c []byte, i VoucherID, a []byte) (SealedShare, []byte, VoucherID, []byte) {
				s.Nonce[3] ^= 0x10
				return s, c, i, a
			},
		},
		{
			"wrong cache share",
			func(s SealedShare, c []byte, i VoucherID, a []byte) (SealedShare, []byte, VoucherID, []byte) {
				other := make([]byte, ShareSize)
				rand.Read(other)
				return s, other, i, a
			},
		},
		{
			"wrong voucher id",
			func(s SealedShare, c []byte, i VoucherID, a []byte) (SealedShare, []byte, VoucherID, []byte) {
				i[0] ^= 0xFF
				return s, c, i, a
			},
		},
		{
			"modified header",
			func(s SealedShare, c []byte, i VoucherID, a []byte) (SealedShare, []byte, VoucherID, []byte) {
				return s, c, i, []byte("offer headeR")
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s, c, i, a := tc.modify(*sealed, shareC, id, aad)
			if _, err := OpenShare(&s, c, i, a); err != ErrAEADAuthFailed {
				t.Errorf("expected ErrAEADAuthFailed, got %v", err)
			}
		})
	}
}

func TestSealShareRejectsWrongSizes(t *testing.T) {
	_, shareC, id := newTestShares(t)

	if _, err := SealShare(make([]byte, 10), shareC, id, nil); err == nil {
		t.Error("expected error for short bearer share")
	}
	if _, err := SealShare(make([]byte, ShareSize), make([]byte, 5), id, nil); err == nil {
		t.Error("expected error for short cache share")
	}
}

func TestMarketCipherRoundTrip(t *testing.T) {
	key := make([]byte, HKDFKeySize)
	for i := range key {
		key[i] = byte(i)
	}

	mc, err := NewMarketCipher(key, "marche-de-la-croix-rousse")
	if err != nil {
		t.Fatalf("failed to create cipher: %v", err)
	}

	plaintext := []byte("cache share bytes")
	ciphertext, err := mc.Encrypt(plaintext, []byte("voucher"))
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}

	decrypted, err := mc.Decrypt(ciphertext, []byte("voucher"))
	if err != nil {
		t.Fatalf("decrypt failed: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Error("decrypted data doesn't match plaintext")
	}

	if _, err := mc.Decrypt(ciphertext, []byte("other")); err != ErrAEADAuthFailed {
		t.Errorf("expected ErrAEADAuthFailed for wrong aad, got %v", err)
	}

	// another market cannot read it
	other, err := NewMarketCipher(key, "another-market")
	if err != nil {
		t.Fatalf("failed to create cipher: %v", err)
	}
	if _, err := other.Decrypt(ciphertext, []byte("voucher")); err != ErrAEADAuthFailed {
		t.Errorf("expected ErrAEADAuthFailed for foreign market, got %v", err)
	}

	if _, err := mc.Decrypt(ciphertext[:10], nil); err == nil {
		t.Error("expected error for truncated ciphertext")
	}
}

func TestNewMarketCipherInvalidKey(t *testing.T) {
	if _, err := NewMarketCipher(make([]byte, 16), "m"); err == nil {
		t.Error("expected error for short market key")
	}
}
