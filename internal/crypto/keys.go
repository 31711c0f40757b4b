package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

var (
	ErrInvalidSeed      = errors.New("invalid seed")
	ErrInvalidPublicKey = errors.New("invalid public key")
)

const (
	// SeedSize is the size of the secret that is split into shares.
	SeedSize = ed25519.SeedSize
	// PublicKeySize is the size of voucher, issuer and device public keys.
	PublicKeySize = ed25519.PublicKeySize
	// SignatureSize is the size of every signature carried on the wire.
	SignatureSize = ed25519.SignatureSize
	// DigestSize is the size of the digests that get signed.
	DigestSize = sha256.Size
	// VoucherIDSize is the size of a voucher identifier.
	VoucherIDSize = 16
	// ChallengeSize is the size of a transfer challenge.
	ChallengeSize = 16
)

// VoucherID identifies a voucher. It is derived from the voucher public key.
type VoucherID [VoucherIDSize]byte

// String returns the hex rendering of the identifier.
func (id VoucherID) String() string {
	return hex.EncodeToString(id[:])
}

// MarshalText implements encoding.TextMarshaler.
func (id VoucherID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *VoucherID) UnmarshalText(text []byte) error {
	parsed, err := ParseVoucherID(string(text))
	if err != nil {
		return err
	}
	*id = parsed

	return nil
}

// ParseVoucherID decodes a hex rendered voucher identifier.
func ParseVoucherID(s string) (VoucherID, error) {
	var id VoucherID

	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("invalid voucher id: %w", err)
	}
	if len(raw) != VoucherIDSize {
		return id, fmt.Errorf("invalid voucher id: expected %d bytes, got %d", VoucherIDSize, len(raw))
	}
	copy(id[:], raw)

	return id, nil
}

// Challenge is the random nonce binding an offer to its acknowledgment.
type Challenge [ChallengeSize]byte

// NewChallenge returns a fresh random challenge.
func NewChallenge() (Challenge, error) {
	var c Challenge
	if _, err := io.ReadFull(rand.Reader, c[:]); err != nil {
		return c, fmt.Errorf("failed to generate challenge: %w", err)
	}

	return c, nil
}

// String returns the hex rendering of the challenge.
func (c Challenge) String() string {
	return hex.EncodeToString(c[:])
}

// MarshalText implements encoding.TextMarshaler.
func (c Challenge) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Challenge) UnmarshalText(text []byte) error {
	raw, err := hex.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("invalid challenge: %w", err)
	}
	if len(raw) != ChallengeSize {
		return fmt.Errorf("invalid challenge: expected %d bytes, got %d", ChallengeSize, len(raw))
	}
	copy(c[:], raw)

	return nil
}

// DeriveVoucherID returns the identifier binding a voucher key to the terms
// printed on the voucher: the first 16 bytes of
// SHA-256(pub || value BE || issuerKey || issuerName).
func DeriveVoucherID(pub ed25519.PublicKey, value uint32, issuerKey ed25519.PublicKey, issuerName string) (VoucherID, error) {
	var id VoucherID
	if len(pub) != PublicKeySize {
		return id, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidPublicKey, PublicKeySize, len(pub))
	}
	if len(issuerKey) != PublicKeySize {
		return id, fmt.Errorf("%w: issuer key is %d bytes", ErrInvalidPublicKey, len(issuerKey))
	}

	var valueBytes [4]byte
	binary.BigEndian.PutUint32(valueBytes[:], value)

	h := sha256.New()
	h.Write(pub)
	h.Write(valueBytes[:])
	h.Write(issuerKey)
	h.Write([]byte(issuerName))

	copy(id[:], h.Sum(nil)[:VoucherIDSize])

	return id, nil
}

// DeriveSigningKeypair deterministically derives an ed25519 keypair from seed.
// The returned private key must be erased by the caller.
func DeriveSigningKeypair(seed []byte) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	if len(seed) != SeedSize {
		return nil, nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidSeed, SeedSize, len(seed))
	}

	priv := ed25519.NewKeyFromSeed(seed)
	pub := make(ed25519.PublicKey, PublicKeySize)
	copy(pub, priv[SeedSize:])

	return priv, pub, nil
}

// GenerateSeed returns fresh random seed material.
func GenerateSeed() ([]byte, error) {
	seed := make([]byte, SeedSize)
	if _, err := io.ReadFull(rand.Reader, seed); err != nil {
		return nil, fmt.Errorf("failed to generate seed: %w", err)
	}

	return seed, nil
}

// RandomBytes returns n bytes from the system CSPRNG.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}

	return b, nil
}
