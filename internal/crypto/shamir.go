package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

var (
	ErrInvalidShare        = errors.New("invalid share")
	ErrInvalidThreshold    = errors.New("invalid threshold")
	ErrInsufficientShares  = errors.New("insufficient shares for reconstruction")
	ErrDuplicateShareIndex = errors.New("duplicate share index")
)

// Share x-coordinates are fixed by the holder's role, so a share travels as
// its 32 data bytes only.
const (
	ShareIndexBearer byte = 1
	ShareIndexCache  byte = 2
	ShareIndexAdmin  byte = 3

	// ShareSize is the size of a single share.
	ShareSize = SeedSize

	maxShares = 255
)

// Share is one point of a split signing seed.
type Share struct {
	Index byte
	Data  []byte
}

// Erase wipes the share data.
func (s *Share) Erase() {
	SecureErase(s.Data)
}

// Splitter splits ed25519 seeds with Shamir's scheme over GF(2^8).
type Splitter struct {
	threshold int
	total     int
}

// NewSplitter returns a k-of-n splitter. n=2 is the plain bearer/cache pair,
// n=3 adds the administrative share kept by the issuer.
func NewSplitter(threshold, total int) (*Splitter, error) {
	if threshold < 2 || total < threshold || total > maxShares {
		return nil, fmt.Errorf("%w: %d of %d", ErrInvalidThreshold, threshold, total)
	}

	return &Splitter{threshold: threshold, total: total}, nil
}

// DefaultSplitter is the 2-of-2 bearer/cache splitter.
func DefaultSplitter() *Splitter {
	return &Splitter{threshold: 2, total: 2}
}

// Threshold returns k.
func (s *Splitter) Threshold() int { return s.threshold }

// Total returns n.
func (s *Splitter) Total() int { return s.total }

// Split splits the seed of priv into n shares with indices 1..n.
// The caller owns the returned shares and must erase them.
func (s *Splitter) Split(priv ed25519.PrivateKey) ([]Share, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: expected %d, got %d", ErrInvalidPrivateKey, ed25519.PrivateKeySize, len(priv))
	}
	seed := priv.Seed()
	defer SecureErase(seed)

	shares := make([]Share, s.total)
	for i := range shares {
		shares[i] = Share{Index: byte(i + 1), Data: make([]byte, ShareSize)}
	}

	coeffs := make([]byte, s.threshold)
	defer SecureErase(coeffs)

	for pos, secretByte := range seed {
		coeffs[0] = secretByte
		if _, err := io.ReadFull(rand.Reader, coeffs[1:]); err != nil {
			for i := range shares {
				shares[i].Erase()
			}
			return nil, fmt.Errorf("failed to generate polynomial: %w", err)
		}

		for i := range shares {
			shares[i].Data[pos] = evalPolynomial(coeffs, shares[i].Index)
		}
	}

	return shares, nil
}

// Combine reconstructs the private key from at least k shares. A wrong but
// well-formed share yields a wrong key; integrity is checked by the
// signature step that follows, not here.
func (s *Splitter) Combine(shares ...Share) (ed25519.PrivateKey, error) {
	if len(shares) < s.threshold {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrInsufficientShares, len(shares), s.threshold)
	}
	shares = shares[:s.threshold]

	seen := make(map[byte]struct{}, len(shares))
	for _, sh := range shares {
		if sh.Index == 0 {
			return nil, fmt.Errorf("%w: zero index", ErrInvalidShare)
		}
		if len(sh.Data) != ShareSize {
			return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidShare, ShareSize, len(sh.Data))
		}
		if _, ok := seen[sh.Index]; ok {
			return nil, fmt.Errorf("%w: %d", ErrDuplicateShareIndex, sh.Index)
		}
		seen[sh.Index] = struct{}{}
	}

	// Lagrange basis at x=0: l_i = prod_{j!=i} x_j / (x_i ^ x_j)
	basis := make([]byte, len(shares))
	for i := range shares {
		num, den := byte(1), byte(1)
		for j := range shares {
			if i == j {
				continue
			}
			num = gfMul(num, shares[j].Index)
			den = gfMul(den, shares[i].Index^shares[j].Index)
		}
		basis[i] = gfMul(num, gfInv(den))
	}

	seed := make([]byte, SeedSize)
	defer SecureErase(seed)

	for pos := range seed {
		var acc byte
		for i, sh := range shares {
			acc ^= gfMul(sh.Data[pos], basis[i])
		}
		seed[pos] = acc
	}

	priv, _, err := DeriveSigningKeypair(seed)
	if err != nil {
		return nil, err
	}

	return priv, nil
}

// SplitSecret splits priv into the bearer share (shareB) and the cache share
// (shareC) using the default 2-of-2 splitter.
func SplitSecret(priv ed25519.PrivateKey) (shareB, shareC []byte, err error) {
	shares, err := DefaultSplitter().Split(priv)
	if err != nil {
		return nil, nil, err
	}

	return shares[0].Data, shares[1].Data, nil
}

// CombineShares reconstructs the private key from the bearer and cache
// shares. The returned key must be erased by the caller, as must the shares
// once they are no longer needed.
func CombineShares(shareB, shareC []byte) (ed25519.PrivateKey, error) {
	if len(shareB) != ShareSize || len(shareC) != ShareSize {
		return nil, fmt.Errorf("%w: expected %d bytes", ErrInvalidShare, ShareSize)
	}

	return DefaultSplitter().Combine(
		Share{Index: ShareIndexBearer, Data: shareB},
		Share{Index: ShareIndexCache, Data: shareC},
	)
}

func evalPolynomial(coeffs []byte, x byte) byte {
	// Horner
	var y byte
	for i := len(coeffs) - 1; i >= 0; i-- {
		y = gfMul(y, x) ^ coeffs[i]
	}

	return y
}

// gfMul multiplies in GF(2^8) modulo x^8+x^4+x^3+x+1 without data
// dependent branches.
func gfMul(a, b byte) byte {
	var p byte
	for i := 0; i < 8; i++ {
		p ^= a & -(b & 1)
		hi := a >> 7
		a = (a << 1) ^ (0x1b & -hi)
		b >>= 1
	}

	return p
}

// gfInv returns a^254, the multiplicative inverse of a non-zero a.
func gfInv(a byte) byte {
	result := byte(1)
	base := a
	for e := 254; e > 0; e >>= 1 {
		if e&1 == 1 {
			result = gfMul(result, base)
		}
		base = gfMul(base, base)
	}

	return result
}
