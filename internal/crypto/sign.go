package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
)

var (
	ErrInvalidDigest     = errors.New("invalid digest size")
	ErrInvalidPrivateKey = errors.New("invalid private key size")
)

// Digest hashes the concatenation of parts with SHA-256.
func Digest(parts ...[]byte) [DigestSize]byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}

	var out [DigestSize]byte
	copy(out[:], h.Sum(nil))

	return out
}

// Sign signs a 32-byte digest. Callers hash first; raw messages are rejected.
func Sign(digest []byte, priv ed25519.PrivateKey) ([]byte, error) {
	if len(digest) != DigestSize {
		return nil, fmt.Errorf("%w: expected %d, got %d", ErrInvalidDigest, DigestSize, len(digest))
	}
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: expected %d, got %d", ErrInvalidPrivateKey, ed25519.PrivateKeySize, len(priv))
	}

	return ed25519.Sign(priv, digest), nil
}

// Verify reports whether sig is a valid signature of digest by pub.
// Malformed inputs verify as false.
func Verify(digest, sig []byte, pub ed25519.PublicKey) bool {
	if len(digest) != DigestSize || len(sig) != SignatureSize || len(pub) != PublicKeySize {
		return false
	}

	return ed25519.Verify(pub, digest, sig)
}

// ConstantTimeEqual compares two byte slices without leaking timing.
func ConstantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
