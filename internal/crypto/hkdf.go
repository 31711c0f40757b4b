package crypto

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

var (
	ErrInvalidKeySize      = errors.New("invalid key size")
	ErrKeyDerivationFailed = errors.New("key derivation failed")
)

const (
	// HKDFKeySize is the size of every derived symmetric key.
	HKDFKeySize = 32

	// HKDF info strings. Changing one invalidates every payload sealed with it.
	InfoShareSeal = "troczen-share-seal-v1"
	InfoMarket    = "troczen-market-v1:"
)

// DeriveKey derives a 32-byte key from secret with HKDF-SHA256.
// The result must be erased by the caller.
func DeriveKey(secret, salt []byte, info string) ([]byte, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("%w: empty secret", ErrInvalidKeySize)
	}

	reader := hkdf.New(sha256.New, secret, salt, []byte(info))

	key := make([]byte, HKDFKeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		SecureErase(key)
		return nil, fmt.Errorf("%w: %v", ErrKeyDerivationFailed, err)
	}

	return key, nil
}

// DeriveShareKey derives the key that seals a bearer share from the cache
// share of the same voucher.
func DeriveShareKey(shareC []byte, id VoucherID) ([]byte, error) {
	if len(shareC) != ShareSize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidShare, ShareSize, len(shareC))
	}

	return DeriveKey(shareC, id[:], InfoShareSeal)
}
