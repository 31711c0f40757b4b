package transfer

import (
	"context"
	"crypto/ed25519"
	"time"

	"github.com/iotaledger/hive.go/logger"

	"github.com/troczen/wallet/v2/internal/codec"
	"github.com/troczen/wallet/v2/internal/crypto"
	"github.com/troczen/wallet/v2/internal/lock"
	"github.com/troczen/wallet/v2/internal/monitoring"
	"github.com/troczen/wallet/v2/internal/relay"
	"github.com/troczen/wallet/v2/internal/voucher"
)

const (
	DefaultMaxClockSkew   = 5 * time.Minute
	DefaultPublishTimeout = 15 * time.Second
)

// ShareCache returns the cache share of a voucher published by issuer. The
// caller erases the returned slice.
type ShareCache interface {
	GetCachedShare(ctx context.Context, id crypto.VoucherID, issuer ed25519.PublicKey) ([]byte, error)
}

// EventPublisher makes a completed transfer visible on the relay.
type EventPublisher interface {
	PublishTransferEvent(ctx context.Context, t *relay.TransferEvent) error
}

// Deps are the collaborators of a handshake.
type Deps struct {
	Log       *logger.Logger
	Store     voucher.Store
	Locks     *lock.Manager
	Cache     ShareCache
	Publisher EventPublisher // optional
	Identity  *crypto.Identity
	Market    string
	Metrics   *monitoring.MetricsCollector // optional

	// JournalDir receives one JSON report per handshake. Empty keeps
	// journals in memory.
	JournalDir     string
	MaxClockSkew   time.Duration
	PublishTimeout time.Duration
}

func (d *Deps) maxClockSkew() time.Duration {
	if d.MaxClockSkew <= 0 {
		return DefaultMaxClockSkew
	}
	return d.MaxClockSkew
}

func (d *Deps) publishTimeout() time.Duration {
	if d.PublishTimeout <= 0 {
		return DefaultPublishTimeout
	}
	return d.PublishTimeout
}

func (d *Deps) recordTransfer(role, outcome string, duration time.Duration) {
	if d.Metrics != nil {
		d.Metrics.RecordTransfer(role, outcome, duration)
	}
}

func (d *Deps) recordError(role string, err error) {
	if d.Metrics != nil {
		d.Metrics.RecordTransferError(role, ErrorKind(err))
	}
}

func (d *Deps) recordLock(transition string) {
	if d.Metrics != nil {
		d.Metrics.RecordLockTransition(transition)
	}
}

// offerDigest is the message the voucher key signs in an offer.
func offerDigest(o *codec.Offer) [crypto.DigestSize]byte {
	return crypto.Digest(o.SignedBytes())
}

// ackDigest binds an acknowledgment to the challenge of the offer it answers.
func ackDigest(challenge crypto.Challenge, a *codec.Ack) [crypto.DigestSize]byte {
	return crypto.Digest(challenge[:], a.SignedBytes())
}
