package transfer

import (
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
	"github.com/troczen/wallet/v2/internal/logging"
	"github.com/troczen/wallet/v2/internal/relay"
	"github.com/troczen/wallet/v2/internal/voucher"
)

const roleReceiver = "receiver"

// Receiver drives the inbound side of one handshake:
// Idle -> ReceivedOffer -> ValidatingOffer -> GeneratingAck -> Sent | Failed.
type Receiver struct {
	*logger.WrappedLogger

	deps      *Deps
	journal   *logging.StructuredJournal
	published chan struct{}

	mu       sync.Mutex
	state    ReceiverState
	received *voucher.Voucher

	Events struct {
		StateChanged *event.Event1[*ReceiverStateChange]
	}
}

// NewReceiver creates the receiving side of a handshake.
func NewReceiver(deps *Deps) *Receiver {
	r := &Receiver{
		WrappedLogger: logger.NewWrappedLogger(deps.Log),
		deps:          deps,
		journal:       logging.NewJournal(deps.Log, logging.WorkflowReceiveVoucher, deps.JournalDir),
		published:     make(chan struct{}),
		state:         ReceiverIdle,
	}
	r.Events.StateChanged = event.New1[*ReceiverStateChange]()

	return r
}

// State returns the current state.
func (r *Receiver) State() ReceiverState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Journal returns the step log of this handshake.
func (r *Receiver) Journal() *logging.StructuredJournal {
	return r.journal
}

// Voucher returns the accepted voucher without its share, or nil.
func (r *Receiver) Voucher() *voucher.Voucher {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.received == nil {
		return nil
	}
	return r.received.Clone()
}

// Published is closed once the best-effort relay publication after
// acceptance has finished.
func (r *Receiver) Published() <-chan struct{} {
	return r.published
}

// Accept validates an offer, takes ownership of the voucher and returns the
// signed acknowledgment for the sender.
func (r *Receiver) Accept(ctx context.Context, offerBytes []byte) (ackBytes []byte, err error) {
	if err := r.transition(ReceiverIdle, ReceiverReceivedOffer); err != nil {
		return nil, err
	}
	startedAt := r.deps.Locks.Now()

	defer func() {
		if err != nil {
			r.fail(err)
		}
		if flushErr := r.journal.Flush(); flushErr != nil {
			r.LogWarnf("failed to write transfer journal: %v", flushErr)
		}
	}()

	ctx = logging.WithJournal(ctx, r.journal)

	timer := logging.NewStepTimer(ctx, logging.PhaseOfferDecoding, "DecodeOffer")
	offer, err := codec.DecodeOffer(offerBytes)
	timer.Done(err)
	if err != nil {
		return nil, err
	}

	id := crypto.VoucherID(offer.VoucherID)
	challenge := crypto.Challenge(offer.Challenge)
	r.journal.WithVoucher(id.String())
	r.journal.WithChallenge(challenge.String())

	if err := r.transition(ReceiverReceivedOffer, ReceiverValidatingOffer); err != nil {
		return nil, err
	}

	timer = logging.NewStepTimer(ctx, logging.PhaseShareRetrieval, "GetCachedShare")
	shareC, err := r.deps.Cache.GetCachedShare(ctx, id, offer.IssuerKey[:])
	if err == nil && len(shareC) != crypto.ShareSize {
		err = fmt.Errorf("cache share is %d bytes", len(shareC))
	}
	defer crypto.SecureErase(shareC)
	if err != nil {
		err = fmt.Errorf("%w: %s: %v", ErrSharesUnavailable, id, err)
		timer.Done(err)
		return nil, err
	}
	timer.Done(nil)

	timer = logging.NewStepTimer(ctx, logging.PhaseShareSealing, "OpenShare")
	sealed := &crypto.SealedShare{
		Ciphertext: offer.EncryptedShare,
		Nonce:      offer.Nonce,
		Tag:        offer.AuthTag,
	}
	shareB, err := crypto.OpenShare(sealed, shareC, id, offer.HeaderBytes())
	defer crypto.SecureErase(shareB)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrInvalidOffer, err)
		timer.Done(err)
		return nil, err
	}
	timer.Done(nil)

	timer = logging.NewStepTimer(ctx, logging.PhaseKeyReconstruction, "CombineShares")
	priv, err := crypto.CombineShares(shareB, shareC)
	defer crypto.SecureErase(priv)
	var pub ed25519.PublicKey
	if err == nil {
		pub = priv.Public().(ed25519.PublicKey)
		err = checkBinding(pub, offer)
	}
	timer.Done(err)
	if err != nil {
		return nil, err
	}

	timer = logging.NewStepTimer(ctx, logging.PhaseOfferValidation, "VerifyOffer")
	err = r.verifyOffer(offer, pub)
	timer.Done(err)
	if err != nil {
		return nil, err
	}

	if err := r.transition(ReceiverValidatingOffer, ReceiverGeneratingAck); err != nil {
		return nil, err
	}

	now := r.deps.Locks.Now()
	v := &voucher.Voucher{
		ID:            id,
		PublicKey:     append(ed25519.PublicKey(nil), pub...),
		Value:         offer.Value,
		IssuerKey:     append(ed25519.PublicKey(nil), offer.IssuerKey[:]...),
		IssuerName:    offer.IssuerName,
		Market:        r.deps.Market,
		CreatedAt:     now,
		ReceivedAt:    now,
		Status:        voucher.StatusActive,
		ShareB:        append([]byte(nil), shareB...),
		TransferCount: 1,
	}
	if previous, err := r.deps.Store.Get(id); err == nil {
		v.CreatedAt = previous.CreatedAt
		v.ExpiresAt = previous.ExpiresAt
		v.TransferCount = previous.TransferCount + 1
		previous.EraseShare()
	} else if !errors.Is(err, voucher.ErrNotFound) {
		return nil, err
	}
	defer v.EraseShare()

	timer = logging.NewStepTimer(ctx, logging.PhasePersistence, "Receive")
	err = r.deps.Locks.Receive(ctx, v)
	timer.Done(err)
	if err != nil {
		return nil, err
	}

	timer = logging.NewStepTimer(ctx, logging.PhaseAckGeneration, "SignAck")
	ackBytes, err = r.signAck(id, challenge, priv)
	timer.Done(err)
	if err != nil {
		return nil, err
	}

	logging.LogFromContext(ctx, logging.PhaseMemoryCleanup, "SecureErase", "key and shares erased", nil)

	received := v.Clone()
	received.EraseShare()
	r.mu.Lock()
	r.received = received
	r.mu.Unlock()

	if err := r.transition(ReceiverGeneratingAck, ReceiverSent); err != nil {
		return nil, err
	}

	r.deps.recordTransfer(roleReceiver, "accepted", r.deps.Locks.Now().Sub(startedAt))
	r.LogInfof("voucher %s received, value %d", id, v.Value)

	go r.publish(&relay.TransferEvent{
		VoucherID:   id,
		Challenge:   challenge,
		Market:      r.deps.Market,
		ReceiverKey: r.deps.Identity.PublicKey,
		Value:       offer.Value,
		Share:       *sealed,
		CreatedAt:   now,
	})

	return ackBytes, nil
}

// checkBinding recomputes the voucher id from the reconstructed key and the
// terms carried by the offer. A holder re-signing altered terms yields a
// different id.
func checkBinding(pub ed25519.PublicKey, offer *codec.Offer) error {
	id := crypto.VoucherID(offer.VoucherID)
	derived, err := crypto.DeriveVoucherID(pub, offer.Value, offer.IssuerKey[:], offer.IssuerName)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOffer, err)
	}
	if derived != id {
		return fmt.Errorf("%w: key and terms do not match voucher %s", ErrInvalidOffer, id)
	}
	return nil
}

func (r *Receiver) verifyOffer(offer *codec.Offer, pub ed25519.PublicKey) error {
	digest := offerDigest(offer)
	if !crypto.Verify(digest[:], offer.Signature[:], pub) {
		return fmt.Errorf("%w: signature verification failed", ErrInvalidOffer)
	}

	skew := r.deps.Locks.Now().Sub(time.Unix(int64(offer.Timestamp), 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > r.deps.maxClockSkew() {
		return fmt.Errorf("%w: timestamp off by %s", ErrInvalidOffer, skew.Truncate(time.Second))
	}

	return nil
}

func (r *Receiver) signAck(id crypto.VoucherID, challenge crypto.Challenge, priv ed25519.PrivateKey) ([]byte, error) {
	ack := &codec.Ack{
		VoucherID: id,
		Status:    codec.StatusAccepted,
	}
	copy(ack.ReceiverKey[:], r.deps.Identity.PublicKey)

	digest := ackDigest(challenge, ack)
	sig, err := crypto.Sign(digest[:], priv)
	if err != nil {
		return nil, err
	}
	copy(ack.Signature[:], sig)

	return codec.EncodeAck(ack)
}

func (r *Receiver) publish(t *relay.TransferEvent) {
	defer close(r.published)

	if r.deps.Publisher == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.deps.publishTimeout())
	defer cancel()

	if err := r.deps.Publisher.PublishTransferEvent(ctx, t); err != nil {
		r.journal.Warn(logging.PhasePublication, "PublishTransferEvent", err.Error())
		r.LogWarnf("receipt of %s not published: %v", t.VoucherID, err)
	} else {
		r.journal.LogStep(logging.PhasePublication, "PublishTransferEvent", "transfer event published", nil)
	}

	if err := r.journal.Flush(); err != nil {
		r.LogWarnf("failed to write transfer journal: %v", err)
	}
}

func (r *Receiver) fail(err error) {
	r.LogWarnf("offer rejected (%s): %v", ErrorKind(err), err)
	r.deps.recordError(roleReceiver, err)

	if r.State() == ReceiverFailed {
		return
	}
	r.setState(ReceiverFailed, err)
}

func (r *Receiver) transition(from, to ReceiverState) error {
	r.mu.Lock()
	if r.state != from {
		current := r.state
		r.mu.Unlock()
		return fmt.Errorf("%w: receiver is %s, expected %s", ErrInvalidState, current, from)
	}
	r.state = to
	r.mu.Unlock()

	r.Events.StateChanged.Trigger(&ReceiverStateChange{From: from, To: to})

	return nil
}

func (r *Receiver) setState(to ReceiverState, err error) {
	r.mu.Lock()
	from := r.state
	r.state = to
	r.mu.Unlock()

	r.Events.StateChanged.Trigger(&ReceiverStateChange{From: from, To: to, Err: err})
}
