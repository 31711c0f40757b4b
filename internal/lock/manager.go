// Package lock guards outbound transfers: at most one per voucher, durable
// across crashes.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/iotaledger/hive.go/logger"

	"github.com/troczen/wallet/v2/internal/crypto"
	"github.com/troczen/wallet/v2/internal/voucher"
)

var (
	ErrNotFound               = errors.New("voucher not found")
	ErrAlreadyLocked          = errors.New("voucher already locked")
	ErrNotActive              = errors.New("voucher not active")
	ErrNotLocked              = errors.New("voucher not locked")
	ErrChallengeMismatch      = errors.New("challenge mismatch")
	ErrStateCorrupted         = errors.New("voucher state corrupted")
	ErrReconciliationRequired = errors.New("expired lock requires reconciliation")
	ErrAlreadyHeld            = errors.New("voucher already held")
)

// DefaultTTL is the lifetime of a transfer lock.
const DefaultTTL = 120 * time.Second

// Manager owns the lifecycle transitions of vouchers. Every transition is a
// single Save of the full record.
type Manager struct {
	*logger.WrappedLogger

	store voucher.Store
	ttl   time.Duration
	now   func() time.Time

	mu sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		m.ttl = ttl
	}
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a lock manager over store.
func NewManager(log *logger.Logger, store voucher.Store, opts ...Option) *Manager {
	m := &Manager{
		WrappedLogger: logger.NewWrappedLogger(log),
		store:         store,
		ttl:           DefaultTTL,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	return m
}

// TTL returns the lock lifetime.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// Now returns the manager's wall clock time.
func (m *Manager) Now() time.Time {
	return m.now()
}

// IsLockExpired reports whether the lock of v has outlived its TTL at now.
// A voucher without lock is never expired.
func IsLockExpired(v *voucher.Voucher, now time.Time) bool {
	if v.Lock == nil {
		return false
	}

	return v.Lock.Expired(now)
}

// CheckAvailable reports why v cannot be locked right now, or nil.
func (m *Manager) CheckAvailable(v *voucher.Voucher) error {
	return checkAvailable(v, m.now())
}

func checkAvailable(v *voucher.Voucher, now time.Time) error {
	switch {
	case v.NeedsReview():
		return fmt.Errorf("%w: %s flagged for review: %s", ErrStateCorrupted, v.ID, v.Review.Reason)
	case v.Status == voucher.StatusPending && v.Lock != nil && !v.Lock.Expired(now):
		return fmt.Errorf("%w: %s until %s", ErrAlreadyLocked, v.ID, v.Lock.ExpiresAt().Format(time.RFC3339))
	case v.Status == voucher.StatusPending:
		return fmt.Errorf("%w: %s", ErrReconciliationRequired, v.ID)
	case v.EffectiveStatus(now) != voucher.StatusActive:
		return fmt.Errorf("%w: %s is %s", ErrNotActive, v.ID, v.EffectiveStatus(now))
	case !v.HasShare():
		return fmt.Errorf("%w: %s holds no share", ErrNotActive, v.ID)
	}

	return nil
}

// AcquireLock moves an active voucher to pending and records challenge.
func (m *Manager) AcquireLock(ctx context.Context, id crypto.VoucherID, challenge crypto.Challenge) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	v, err := m.load(id)
	if err != nil {
		return err
	}

	now := m.now()
	if err := checkAvailable(v, now); err != nil {
		return err
	}

	v.Status = voucher.StatusPending
	v.Lock = &voucher.Lock{
		Challenge: challenge,
		LockedAt:  now,
		TTL:       m.ttl,
	}

	if err := m.store.Save(v); err != nil {
		return fmt.Errorf("failed to persist lock on %s: %w", id, err)
	}

	m.LogDebugf("locked voucher %s until %s", id, v.Lock.ExpiresAt().Format(time.RFC3339))

	return nil
}

// ConfirmAndConsume finalizes an outbound transfer: it checks the outstanding
// lock carries challenge, then marks the voucher spent and drops its share in
// one write.
func (m *Manager) ConfirmAndConsume(ctx context.Context, id crypto.VoucherID, challenge crypto.Challenge) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	v, err := m.load(id)
	if err != nil {
		return err
	}

	if v.NeedsReview() {
		return fmt.Errorf("%w: %s flagged for review: %s", ErrStateCorrupted, id, v.Review.Reason)
	}

	if v.Status != voucher.StatusPending {
		return fmt.Errorf("%w: %s has no outstanding lock (%s)", ErrChallengeMismatch, id, v.Status)
	}

	if v.Lock == nil {
		return m.flag(v, "pending without lock metadata")
	}
	if !v.HasShare() {
		return m.flag(v, "pending without share")
	}

	if !crypto.ConstantTimeEqual(v.Lock.Challenge[:], challenge[:]) {
		return fmt.Errorf("%w: %s", ErrChallengeMismatch, id)
	}

	v.EraseShare()
	v.Status = voucher.StatusSpent
	v.Lock = nil

	if err := m.store.Save(v); err != nil {
		return fmt.Errorf("failed to persist spend of %s: %w", id, err)
	}

	m.LogInfof("voucher %s spent", id)

	return nil
}

// CancelLock returns a pending voucher to active.
func (m *Manager) CancelLock(ctx context.Context, id crypto.VoucherID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	v, err := m.load(id)
	if err != nil {
		return err
	}

	if v.NeedsReview() {
		return fmt.Errorf("%w: %s flagged for review: %s", ErrStateCorrupted, id, v.Review.Reason)
	}
	if v.Status != voucher.StatusPending {
		return fmt.Errorf("%w: %s is %s", ErrNotLocked, id, v.Status)
	}
	if !v.HasShare() {
		return m.flag(v, "pending without share")
	}

	v.Status = voucher.StatusActive
	v.Lock = nil

	if err := m.store.Save(v); err != nil {
		return fmt.Errorf("failed to persist unlock of %s: %w", id, err)
	}

	m.LogDebugf("unlocked voucher %s", id)

	return nil
}

// RetireActive marks an active voucher spent. It resolves the receiver side
// ghost where the relay shows the voucher moved on without a local lock.
func (m *Manager) RetireActive(ctx context.Context, id crypto.VoucherID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	v, err := m.load(id)
	if err != nil {
		return err
	}

	if v.NeedsReview() {
		return fmt.Errorf("%w: %s flagged for review: %s", ErrStateCorrupted, id, v.Review.Reason)
	}
	if v.Status != voucher.StatusActive {
		return fmt.Errorf("%w: %s is %s", ErrNotActive, id, v.Status)
	}

	v.EraseShare()
	v.Status = voucher.StatusSpent

	if err := m.store.Save(v); err != nil {
		return fmt.Errorf("failed to persist retirement of %s: %w", id, err)
	}

	m.LogInfof("voucher %s retired", id)

	return nil
}

// Receive installs an inbound voucher as active. A local record of the same
// voucher is replaced only when it no longer holds a share, so a voucher can
// come back to a device that spent it earlier.
func (m *Manager) Receive(ctx context.Context, v *voucher.Voucher) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if v.Status != voucher.StatusActive || v.Lock != nil {
		return fmt.Errorf("%w: inbound %s must be active and unlocked", ErrNotActive, v.ID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, err := m.load(v.ID)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return err
	case existing.NeedsReview():
		return fmt.Errorf("%w: %s flagged for review: %s", ErrStateCorrupted, v.ID, existing.Review.Reason)
	case existing.HasShare():
		return fmt.Errorf("%w: %s is %s", ErrAlreadyHeld, v.ID, existing.Status)
	}

	if err := m.store.Save(v); err != nil {
		return fmt.Errorf("failed to persist received voucher %s: %w", v.ID, err)
	}

	m.LogInfof("voucher %s received", v.ID)

	return nil
}

// Flag marks a voucher for manual review. Flagged vouchers refuse every
// further automated transition.
func (m *Manager) Flag(ctx context.Context, id crypto.VoucherID, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	v, err := m.load(id)
	if err != nil {
		return err
	}
	if v.NeedsReview() {
		return nil
	}

	return m.persistFlag(v, reason)
}

// flag marks v for review and returns the ErrStateCorrupted to report.
func (m *Manager) flag(v *voucher.Voucher, reason string) error {
	if err := m.persistFlag(v, reason); err != nil {
		return fmt.Errorf("%w: %s: %s (flag not persisted: %v)", ErrStateCorrupted, v.ID, reason, err)
	}

	return fmt.Errorf("%w: %s: %s", ErrStateCorrupted, v.ID, reason)
}

func (m *Manager) persistFlag(v *voucher.Voucher, reason string) error {
	v.Review = &voucher.Review{
		Reason:    reason,
		FlaggedAt: m.now(),
	}

	if err := m.store.Save(v); err != nil {
		m.LogErrorf("failed to flag voucher %s for review: %s", v.ID, err)
		return err
	}

	m.LogWarnf("voucher %s flagged for review: %s", v.ID, reason)

	return nil
}

func (m *Manager) load(id crypto.VoucherID) (*voucher.Voucher, error) {
	v, err := m.store.Get(id)
	if err != nil {
		if errors.Is(err, voucher.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to load voucher %s: %w", id, err)
	}

	return v, nil
}
