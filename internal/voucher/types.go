// Package voucher holds the voucher data model and its persistent store.
package voucher

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/troczen/wallet/v2/internal/crypto"
)

// timeNow is replaced in tests.
var timeNow = time.Now

// Status represents the lifecycle state of a voucher on this device
type Status string

const (
	StatusActive  Status = "active"
	StatusPending Status = "pending"
	StatusSpent   Status = "spent"
	StatusExpired Status = "expired"
)

// Lock is the metadata of an outbound transfer in flight.
type Lock struct {
	Challenge crypto.Challenge `json:"challenge"`
	LockedAt  time.Time        `json:"locked_at"`
	TTL       time.Duration    `json:"ttl"`
}

// ExpiresAt returns the wall clock time after which the lock is abandoned.
func (l *Lock) ExpiresAt() time.Time {
	return l.LockedAt.Add(l.TTL)
}

// Expired reports whether the TTL has elapsed at now.
func (l *Lock) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt())
}

// Review marks a voucher that must not be mutated automatically anymore.
type Review struct {
	Reason    string    `json:"reason"`
	FlaggedAt time.Time `json:"flagged_at"`
}

// Voucher is a bearer instrument as seen by the local device
type Voucher struct {
	ID            crypto.VoucherID  `json:"id"`
	PublicKey     ed25519.PublicKey `json:"public_key"`
	Value         uint32            `json:"value"`
	IssuerKey     ed25519.PublicKey `json:"issuer_key"`
	IssuerName    string            `json:"issuer_name"`
	Market        string            `json:"market"`
	CreatedAt     time.Time         `json:"created_at"`
	ExpiresAt     time.Time         `json:"expires_at,omitempty"`
	ReceivedAt    time.Time         `json:"received_at"`
	Status        Status            `json:"status"`
	ShareB        []byte            `json:"share_b,omitempty"`
	Lock          *Lock             `json:"lock,omitempty"`
	TransferCount uint32            `json:"transfer_count"`
	Review        *Review           `json:"review,omitempty"`
}

// HasShare reports whether the device holds the bearer share.
func (v *Voucher) HasShare() bool {
	return len(v.ShareB) == crypto.ShareSize
}

// NeedsReview reports whether the voucher is flagged for manual review.
func (v *Voucher) NeedsReview() bool {
	return v.Review != nil
}

// IsExpired reports whether the voucher expiry lies before now. A zero expiry
// never expires.
func (v *Voucher) IsExpired(now time.Time) bool {
	return !v.ExpiresAt.IsZero() && !now.Before(v.ExpiresAt)
}

// EffectiveStatus returns the stored status, or StatusExpired for an active
// voucher whose expiry has passed.
func (v *Voucher) EffectiveStatus(now time.Time) Status {
	if v.Status == StatusActive && v.IsExpired(now) {
		return StatusExpired
	}

	return v.Status
}

// Rarity returns the cosmetic tier of the voucher.
func (v *Voucher) Rarity() Rarity {
	return RarityOf(v.ID, v.TransferCount)
}

// Validate checks the invariants tying status, share and lock together.
func (v *Voucher) Validate() error {
	if len(v.PublicKey) != crypto.PublicKeySize {
		return fmt.Errorf("%w: public key is %d bytes", ErrInvalidVoucher, len(v.PublicKey))
	}
	if id, err := crypto.DeriveVoucherID(v.PublicKey, v.Value, v.IssuerKey, v.IssuerName); err != nil || id != v.ID {
		return fmt.Errorf("%w: id does not match key and terms", ErrInvalidVoucher)
	}

	switch v.Status {
	case StatusActive:
		if !v.HasShare() {
			return fmt.Errorf("%w: active without share", ErrInvalidVoucher)
		}
		if v.Lock != nil {
			return fmt.Errorf("%w: active with lock", ErrInvalidVoucher)
		}
	case StatusPending:
		if v.Lock == nil {
			return fmt.Errorf("%w: pending without lock", ErrInvalidVoucher)
		}
	case StatusSpent, StatusExpired:
		if len(v.ShareB) != 0 {
			return fmt.Errorf("%w: %s with share", ErrInvalidVoucher, v.Status)
		}
		if v.Lock != nil {
			return fmt.Errorf("%w: %s with lock", ErrInvalidVoucher, v.Status)
		}
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidVoucher, v.Status)
	}

	return nil
}

// Clone returns a deep copy of the voucher.
func (v *Voucher) Clone() *Voucher {
	c := *v
	c.PublicKey = append(ed25519.PublicKey(nil), v.PublicKey...)
	c.IssuerKey = append(ed25519.PublicKey(nil), v.IssuerKey...)
	if v.ShareB != nil {
		c.ShareB = append([]byte(nil), v.ShareB...)
	}
	if v.Lock != nil {
		l := *v.Lock
		c.Lock = &l
	}
	if v.Review != nil {
		r := *v.Review
		c.Review = &r
	}

	return &c
}

// EraseShare wipes and drops the bearer share.
func (v *Voucher) EraseShare() {
	crypto.SecureErase(v.ShareB)
	v.ShareB = nil
}
