package transfer

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/iotaledger/hive.go/logger"
	"github.com/iotaledger/hive.go/runtime/event"

	"github.com/troczen/wallet/v2/internal/codec"
	"github.com/troczen/wallet/v2/internal/crypto"
	"github.com/troczen/wallet/v2/internal/lock"
	"github.com/troczen/wallet/v2/internal/logging"
	"github.com/troczen/wallet/v2/internal/relay"
	"github.com/troczen/wallet/v2/internal/voucher"
)

const roleSender = "sender"

// Sender drives the outbound side of one handshake:
// Idle -> GeneratingOffer -> AwaitingAck -> Verifying -> Confirmed | Failed.
type Sender struct {
	*logger.WrappedLogger

	deps      *Deps
	voucherID crypto.VoucherID
	journal   *logging.StructuredJournal
	startedAt time.Time

	mu        sync.Mutex
	state     SenderState
	locked    bool
	challenge crypto.Challenge
	publicKey ed25519.PublicKey
	value     uint32
	sealed    crypto.SealedShare
	published chan struct{}

	Events struct {
		StateChanged *event.Event1[*SenderStateChange]
	}
}

// NewSender creates the sending side of a handshake for voucher id.
func NewSender(deps *Deps, id crypto.VoucherID) *Sender {
	s := &Sender{
		WrappedLogger: logger.NewWrappedLogger(deps.Log),
		deps:          deps,
		voucherID:     id,
		journal:       logging.NewJournal(deps.Log, logging.WorkflowSendVoucher, deps.JournalDir),
		state:         SenderIdle,
		published:     make(chan struct{}),
	}
	s.Events.StateChanged = event.New1[*SenderStateChange]()
	s.journal.WithVoucher(id.String())

	return s
}

// State returns the current state.
func (s *Sender) State() SenderState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Challenge returns the challenge of the prepared offer.
func (s *Sender) Challenge() crypto.Challenge {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.challenge
}

// Journal returns the step log of this handshake.
func (s *Sender) Journal() *logging.StructuredJournal {
	return s.journal
}

// Published is closed once the best-effort relay publication after
// confirmation has finished, whatever its outcome.
func (s *Sender) Published() <-chan struct{} {
	return s.published
}

// Prepare builds the signed offer and locks the voucher. The lock is taken
// before the payload is returned, so the bytes never exist outside the
// device without a lock.
func (s *Sender) Prepare(ctx context.Context) (payload []byte, err error) {
	if err := s.transition(SenderIdle, SenderGeneratingOffer); err != nil {
		return nil, err
	}
	s.startedAt = s.deps.Locks.Now()

	defer func() {
		if err != nil {
			s.fail(err)
		}
	}()

	ctx = logging.WithJournal(ctx, s.journal)
	id := s.voucherID

	v, err := s.deps.Store.Get(id)
	if err != nil {
		if errors.Is(err, voucher.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", lock.ErrNotFound, id)
		}
		return nil, err
	}
	defer v.EraseShare()

	if err := s.deps.Locks.CheckAvailable(v); err != nil {
		return nil, err
	}

	timer := logging.NewStepTimer(ctx, logging.PhaseShareRetrieval, "GetCachedShare")
	shareB := append([]byte(nil), v.ShareB...)
	shareC, err := s.deps.Cache.GetCachedShare(ctx, id, v.IssuerKey)
	defer crypto.SecureEraseAll(shareB, shareC)
	if err == nil && len(shareC) != crypto.ShareSize {
		err = fmt.Errorf("cache share is %d bytes", len(shareC))
	}
	if err != nil {
		err = fmt.Errorf("%w: %s: %v", ErrSharesUnavailable, id, err)
		timer.Done(err)
		return nil, err
	}
	timer.Done(nil)

	timer = logging.NewStepTimer(ctx, logging.PhaseChallenge, "NewChallenge")
	challenge, err := crypto.NewChallenge()
	timer.Done(err)
	if err != nil {
		return nil, err
	}
	s.journal.WithChallenge(challenge.String())

	offer := &codec.Offer{
		Version:    codec.OfferVersion,
		VoucherID:  id,
		Value:      v.Value,
		IssuerName: v.IssuerName,
		Challenge:  challenge,
		Timestamp:  uint32(s.deps.Locks.Now().Unix()),
	}
	copy(offer.IssuerKey[:], v.IssuerKey)

	timer = logging.NewStepTimer(ctx, logging.PhaseShareSealing, "SealShare")
	sealed, err := crypto.SealShare(shareB, shareC, id, offer.HeaderBytes())
	timer.Done(err)
	if err != nil {
		return nil, err
	}
	offer.EncryptedShare = sealed.Ciphertext
	offer.Nonce = sealed.Nonce
	offer.AuthTag = sealed.Tag

	timer = logging.NewStepTimer(ctx, logging.PhaseKeyReconstruction, "CombineShares")
	priv, err := crypto.CombineShares(shareB, shareC)
	if err == nil && !bytes.Equal(priv.Public().(ed25519.PublicKey), v.PublicKey) {
		err = fmt.Errorf("%w: %s: shares do not reconstruct the voucher key", ErrSharesUnavailable, id)
	}
	defer crypto.SecureErase(priv)
	timer.Done(err)
	if err != nil {
		return nil, err
	}

	timer = logging.NewStepTimer(ctx, logging.PhaseSigning, "Sign")
	digest := offerDigest(offer)
	sig, err := crypto.Sign(digest[:], priv)
	timer.Done(err)
	if err != nil {
		return nil, err
	}
	copy(offer.Signature[:], sig)

	payload, err = codec.EncodeOffer(offer)
	if err != nil {
		return nil, err
	}

	timer = logging.NewStepTimer(ctx, logging.PhaseLocking, "AcquireLock")
	err = s.deps.Locks.AcquireLock(ctx, id, challenge)
	timer.Done(err)
	if err != nil {
		return nil, err
	}
	s.deps.recordLock("acquire")

	s.mu.Lock()
	s.locked = true
	s.challenge = challenge
	s.publicKey = append(ed25519.PublicKey(nil), v.PublicKey...)
	s.value = v.Value
	s.sealed = *sealed
	s.mu.Unlock()

	logging.LogFromContext(ctx, logging.PhaseMemoryCleanup, "SecureErase", "key and shares erased", nil)

	if err := s.transition(SenderGeneratingOffer, SenderAwaitingAck); err != nil {
		return nil, err
	}

	s.LogInfof("offer for voucher %s ready, challenge %s", id, challenge)

	return payload, nil
}

// HandleAck verifies the receiver's acknowledgment and consumes the voucher.
// Wrong voucher, refused status and bad signatures all fail as ErrInvalidAck.
func (s *Sender) HandleAck(ctx context.Context, ackBytes []byte) (err error) {
	if err := s.transition(SenderAwaitingAck, SenderVerifying); err != nil {
		return err
	}

	defer func() {
		if err != nil {
			s.fail(err)
		}
	}()

	ctx = logging.WithJournal(ctx, s.journal)

	s.mu.Lock()
	challenge := s.challenge
	pub := s.publicKey
	s.mu.Unlock()

	timer := logging.NewStepTimer(ctx, logging.PhaseAckVerification, "VerifyAck")
	ack, err := s.verifyAck(ackBytes, challenge, pub)
	timer.Done(err)
	if err != nil {
		return err
	}

	timer = logging.NewStepTimer(ctx, logging.PhaseConfirmation, "ConfirmAndConsume")
	err = s.deps.Locks.ConfirmAndConsume(ctx, s.voucherID, challenge)
	timer.Done(err)
	if err != nil {
		return err
	}
	s.deps.recordLock("confirm")

	s.mu.Lock()
	s.locked = false
	s.mu.Unlock()

	if err := s.transition(SenderVerifying, SenderConfirmed); err != nil {
		return err
	}

	s.deps.recordTransfer(roleSender, "confirmed", s.deps.Locks.Now().Sub(s.startedAt))
	s.LogInfof("voucher %s transferred", s.voucherID)

	if err := s.journal.Flush(); err != nil {
		s.LogWarnf("failed to write transfer journal: %v", err)
	}

	go s.publish(ack.ReceiverKey[:])

	return nil
}

// Close tears the handshake down. An outstanding lock is released unless the
// transfer was confirmed.
func (s *Sender) Close(ctx context.Context) error {
	s.mu.Lock()
	state := s.state
	locked := s.locked
	s.locked = false
	s.mu.Unlock()

	if state == SenderConfirmed || !locked {
		return nil
	}

	err := s.deps.Locks.CancelLock(ctx, s.voucherID)
	logging.LogFromContext(logging.WithJournal(ctx, s.journal), logging.PhaseLocking, "CancelLock", "handshake abandoned", err)
	if err != nil && !errors.Is(err, lock.ErrNotLocked) {
		s.mu.Lock()
		s.locked = true
		s.mu.Unlock()
		return err
	}
	s.deps.recordLock("cancel")

	if state != SenderFailed {
		s.setState(SenderFailed, nil)
		s.deps.recordTransfer(roleSender, "cancelled", s.deps.Locks.Now().Sub(s.startedAt))
	}

	if err := s.journal.Flush(); err != nil {
		s.LogWarnf("failed to write transfer journal: %v", err)
	}

	return nil
}

func (s *Sender) verifyAck(data []byte, challenge crypto.Challenge, pub ed25519.PublicKey) (*codec.Ack, error) {
	ack, err := codec.DecodeAck(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAck, err)
	}
	if ack.VoucherID != s.voucherID {
		return nil, fmt.Errorf("%w: acknowledges another voucher", ErrInvalidAck)
	}
	if !ack.Accepted() {
		return nil, fmt.Errorf("%w: status 0x%02x", ErrInvalidAck, ack.Status)
	}

	digest := ackDigest(challenge, ack)
	if !crypto.Verify(digest[:], ack.Signature[:], pub) {
		return nil, fmt.Errorf("%w: signature verification failed", ErrInvalidAck)
	}

	return ack, nil
}

func (s *Sender) publish(receiverKey []byte) {
	defer close(s.published)

	if s.deps.Publisher == nil {
		return
	}

	s.mu.Lock()
	t := &relay.TransferEvent{
		VoucherID:   s.voucherID,
		Challenge:   s.challenge,
		Market:      s.deps.Market,
		SenderKey:   s.deps.Identity.PublicKey,
		ReceiverKey: append(ed25519.PublicKey(nil), receiverKey...),
		Value:       s.value,
		Share:       s.sealed,
		CreatedAt:   s.deps.Locks.Now(),
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.deps.publishTimeout())
	defer cancel()

	err := s.deps.Publisher.PublishTransferEvent(ctx, t)
	if err != nil {
		s.journal.Warn(logging.PhasePublication, "PublishTransferEvent", err.Error())
		s.LogWarnf("transfer of %s not published, reconciliation will catch up: %v", s.voucherID, err)
	} else {
		s.journal.LogStep(logging.PhasePublication, "PublishTransferEvent", "transfer event published", nil)
	}

	if err := s.journal.Flush(); err != nil {
		s.LogWarnf("failed to write transfer journal: %v", err)
	}
}

func (s *Sender) fail(err error) {
	s.LogWarnf("transfer of %s failed (%s): %v", s.voucherID, ErrorKind(err), err)
	s.deps.recordError(roleSender, err)

	if s.State() == SenderFailed {
		return
	}
	s.setState(SenderFailed, err)
}

func (s *Sender) transition(from, to SenderState) error {
	s.mu.Lock()
	if s.state != from {
		current := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: sender is %s, expected %s", ErrInvalidState, current, from)
	}
	s.state = to
	s.mu.Unlock()

	s.Events.StateChanged.Trigger(&SenderStateChange{From: from, To: to})

	return nil
}

func (s *Sender) setState(to SenderState, err error) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.mu.Unlock()

	s.Events.StateChanged.Trigger(&SenderStateChange{From: from, To: to, Err: err})
}
