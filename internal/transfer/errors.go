package transfer

import (
	"context"
	"errors"

	"github.com/troczen/wallet/v2/internal/codec"
	"github.com/troczen/wallet/v2/internal/crypto"
	"github.com/troczen/wallet/v2/internal/lock"
	"github.com/troczen/wallet/v2/internal/relay"
)

var (
	ErrSharesUnavailable = errors.New("shares unavailable")
	ErrInvalidAck        = errors.New("invalid acknowledgment")
	ErrInvalidOffer      = errors.New("invalid offer")
	ErrInvalidState      = errors.New("operation not allowed in current state")
)

// OperatorMessage is what an operator is shown for a failed handshake. It
// never tells which check failed.
type OperatorMessage struct {
	Text  string
	Retry bool
}

const (
	msgUnverified  = "The transfer could not be verified, please retry."
	msgNetwork     = "The network is unreachable, please retry."
	msgBusy        = "This voucher is already being transferred."
	msgNeedsReview = "This voucher must be checked before it can be used again."
	msgUnavailable = "This voucher cannot be transferred."
	msgAlreadyHeld = "This voucher is already in your wallet."
	msgGeneric     = "The transfer failed."
)

// OperatorError maps err to a generic operator message. The precise kind is
// for the logs, see ErrorKind.
func OperatorError(err error) OperatorMessage {
	switch {
	case err == nil:
		return OperatorMessage{}
	case errors.Is(err, ErrInvalidAck),
		errors.Is(err, ErrInvalidOffer),
		errors.Is(err, lock.ErrChallengeMismatch),
		errors.Is(err, codec.ErrMalformedPayload),
		errors.Is(err, crypto.ErrAEADAuthFailed),
		errors.Is(err, crypto.ErrInvalidShare):
		return OperatorMessage{Text: msgUnverified, Retry: true}
	case errors.Is(err, ErrSharesUnavailable),
		errors.Is(err, relay.ErrRelayUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return OperatorMessage{Text: msgNetwork, Retry: true}
	case errors.Is(err, lock.ErrAlreadyLocked):
		return OperatorMessage{Text: msgBusy}
	case errors.Is(err, lock.ErrStateCorrupted),
		errors.Is(err, lock.ErrReconciliationRequired):
		return OperatorMessage{Text: msgNeedsReview}
	case errors.Is(err, lock.ErrNotActive),
		errors.Is(err, lock.ErrNotFound):
		return OperatorMessage{Text: msgUnavailable}
	case errors.Is(err, lock.ErrAlreadyHeld):
		return OperatorMessage{Text: msgAlreadyHeld}
	default:
		return OperatorMessage{Text: msgGeneric, Retry: true}
	}
}

// ErrorKind names the error class of err for logs and metrics.
func ErrorKind(err error) string {
	kinds := []struct {
		target error
		kind   string
	}{
		{ErrSharesUnavailable, "shares_unavailable"},
		{ErrInvalidAck, "invalid_ack"},
		{ErrInvalidOffer, "invalid_offer"},
		{ErrInvalidState, "invalid_state"},
		{codec.ErrMalformedPayload, "malformed_payload"},
		{crypto.ErrAEADAuthFailed, "invalid_offer"},
		{crypto.ErrInvalidShare, "invalid_share"},
		{lock.ErrAlreadyLocked, "already_locked"},
		{lock.ErrNotActive, "not_active"},
		{lock.ErrNotFound, "not_found"},
		{lock.ErrChallengeMismatch, "challenge_mismatch"},
		{lock.ErrStateCorrupted, "state_corrupted"},
		{lock.ErrReconciliationRequired, "reconciliation_required"},
		{lock.ErrAlreadyHeld, "already_held"},
		{relay.ErrRelayUnavailable, "relay_unavailable"},
		{context.DeadlineExceeded, "timeout"},
		{context.Canceled, "cancelled"},
	}

	for _, k := range kinds {
		if errors.Is(err, k.target) {
			return k.kind
		}
	}
	return "other"
}
