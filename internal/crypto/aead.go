package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrAEADAuthFailed     = errors.New("AEAD authentication failed")
	ErrCiphertextTooShort = errors.New("ciphertext too short")
)

const (
	// NonceSize is the ChaCha20-Poly1305 nonce carried in offers.
	NonceSize = chacha20poly1305.NonceSize
	// TagSize is the detached Poly1305 tag carried in offers.
	TagSize = chacha20poly1305.Overhead
)

// SealedShare is a bearer share encrypted for transport. The tag is kept
// apart from the ciphertext because the offer layout carries it separately.
type SealedShare struct {
	Ciphertext [ShareSize]byte
	Nonce      [NonceSize]byte
	Tag        [TagSize]byte
}

// SealShare encrypts shareB under a key derived from shareC. aad binds the
// ciphertext to the offer header it travels with.
func SealShare(shareB, shareC []byte, id VoucherID, aad []byte) (*SealedShare, error) {
	if len(shareB) != ShareSize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidShare, ShareSize, len(shareB))
	}

	aead, err := shareAEAD(shareC, id)
	if err != nil {
		return nil, err
	}

	sealed := &SealedShare{}
	if _, err := io.ReadFull(rand.Reader, sealed.Nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := aead.Seal(nil, sealed.Nonce[:], shareB, aad)
	copy(sealed.Ciphertext[:], out[:ShareSize])
	copy(sealed.Tag[:], out[ShareSize:])
	SecureErase(out)

	return sealed, nil
}

// OpenShare decrypts a sealed bearer share. Any mismatch of key, nonce, tag
// or aad is reported as ErrAEADAuthFailed. The returned share must be erased
// by the caller.
func OpenShare(sealed *SealedShare, shareC []byte, id VoucherID, aad []byte) ([]byte, error) {
	aead, err := shareAEAD(shareC, id)
	if err != nil {
		return nil, err
	}

	in := make([]byte, 0, ShareSize+TagSize)
	in = append(in, sealed.Ciphertext[:]...)
	in = append(in, sealed.Tag[:]...)

	shareB, err := aead.Open(nil, sealed.Nonce[:], in, aad)
	if err != nil {
		return nil, ErrAEADAuthFailed
	}

	return shareB, nil
}

func shareAEAD(shareC []byte, id VoucherID) (cipher.AEAD, error) {
	key, err := DeriveShareKey(shareC, id)
	if err != nil {
		return nil, err
	}
	defer SecureErase(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create ChaCha20-Poly1305: %w", err)
	}

	return aead, nil
}

// MarketCipher provides XChaCha20-Poly1305 encryption of cache shares under
// the market key, so only members of a market can read shares from the relay.
//
// Output format: [24-byte nonce][ciphertext][16-byte auth tag]
type MarketCipher struct {
	market string
	aead   cipher.AEAD
}

// NewMarketCipher derives the market encryption key from marketKey.
func NewMarketCipher(marketKey []byte, market string) (*MarketCipher, error) {
	if len(marketKey) != HKDFKeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidKeySize, HKDFKeySize, len(marketKey))
	}

	key, err := DeriveKey(marketKey, nil, InfoMarket+market)
	if err != nil {
		return nil, err
	}
	defer SecureErase(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create XChaCha20-Poly1305: %w", err)
	}

	return &MarketCipher{market: market, aead: aead}, nil
}

// Market returns the market name the cipher is bound to.
func (m *MarketCipher) Market() string {
	return m.market
}

// Encrypt encrypts plaintext bound to aad.
func (m *MarketCipher) Encrypt(plaintext, aad []byte) ([]byte, error) {
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := m.aead.Seal(nil, nonce, plaintext, aad)

	result := make([]byte, len(nonce)+len(ciphertext))
	copy(result[:len(nonce)], nonce)
	copy(result[len(nonce):], ciphertext)

	return result, nil
}

// Decrypt reverses Encrypt.
func (m *MarketCipher) Decrypt(ciphertext, aad []byte) ([]byte, error) {
	nonceSize := chacha20poly1305.NonceSizeX
	minSize := nonceSize + m.aead.Overhead()

	if len(ciphertext) < minSize {
		return nil, fmt.Errorf("%w: got %d bytes, need at least %d",
			ErrCiphertextTooShort, len(ciphertext), minSize)
	}

	plaintext, err := m.aead.Open(nil, ciphertext[:nonceSize], ciphertext[nonceSize:], aad)
	if err != nil {
		return nil, ErrAEADAuthFailed
	}

	return plaintext, nil
}
