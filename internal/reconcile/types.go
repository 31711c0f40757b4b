package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/troczen/wallet/v2/internal/crypto"
	"github.com/troczen/wallet/v2/internal/relay"
)

var (
	ErrAmbiguousTransferState = errors.New("ambiguous transfer state")
)

// EventLog is the relay as seen by reconciliation.
type EventLog interface {
	Connect(ctx context.Context) error
	QueryEventsSince(ctx context.Context, id crypto.VoucherID, since time.Time) ([]*relay.TransferEvent, error)
	Disconnect() error
}

// Side tells which end of a transfer a ghost was found on.
type Side string

const (
	// SideSender is a pending voucher whose lock expired without a
	// corroborating relay event.
	SideSender Side = "sender"
	// SideReceiver is an active voucher the relay shows moving on from
	// another device.
	SideReceiver Side = "receiver"
)

// Decision is an operator's answer for a ghost transfer.
type Decision int

const (
	// DecisionFinalized commits the voucher to spent and erases its share.
	DecisionFinalized Decision = iota + 1
	// DecisionNotFinalized keeps the voucher on this device.
	DecisionNotFinalized
)

func (d Decision) String() string {
	switch d {
	case DecisionFinalized:
		return "finalized"
	case DecisionNotFinalized:
		return "not_finalized"
	default:
		return "undecided"
	}
}

// Ghost describes a transfer whose outcome the device cannot establish.
type Ghost struct {
	VoucherID      crypto.VoucherID
	Value          uint32
	IssuerName     string
	Side           Side
	LockedAt       time.Time
	ReceivedAt     time.Time
	RelayAvailable bool
	Events         []*relay.TransferEvent
}

// Resolver asks a human to settle a ghost transfer.
type Resolver interface {
	Resolve(ctx context.Context, ghost *Ghost) (Decision, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, ghost *Ghost) (Decision, error)

// Resolve calls f(ctx, ghost).
func (f ResolverFunc) Resolve(ctx context.Context, ghost *Ghost) (Decision, error) {
	return f(ctx, ghost)
}

// Outcome is what reconciliation did with one voucher.
type Outcome string

const (
	// OutcomeFinalized: a relay event proved the transfer, voucher spent.
	OutcomeFinalized Outcome = "finalized"
	// OutcomeLive: lock still within its TTL, left pending.
	OutcomeLive Outcome = "live"
	// OutcomeResolvedSpent: operator confirmed the ghost transfer happened.
	OutcomeResolvedSpent Outcome = "resolved_spent"
	// OutcomeResolvedActive: operator said it did not, lock released.
	OutcomeResolvedActive Outcome = "resolved_active"
	// OutcomeRetired: active voucher retired after the operator confirmed it
	// was spent elsewhere.
	OutcomeRetired Outcome = "retired"
	// OutcomeKept: active voucher kept although the relay disagrees.
	OutcomeKept Outcome = "kept"
	// OutcomeAmbiguous: no decision could be reached, voucher untouched.
	OutcomeAmbiguous Outcome = "ambiguous"
	// OutcomeCorrupted: voucher flagged for manual review, untouched.
	OutcomeCorrupted Outcome = "corrupted"
	// OutcomeFailed: a local error stopped reconciliation of the voucher.
	OutcomeFailed Outcome = "failed"
)

// Result is the reconciliation outcome of one voucher.
type Result struct {
	VoucherID crypto.VoucherID `json:"voucher_id"`
	Value     uint32           `json:"value"`
	Side      Side             `json:"side"`
	Outcome   Outcome          `json:"outcome"`
	Err       error            `json:"-"`
	Error     string           `json:"error,omitempty"`
}

// Report summarizes one reconciliation run.
type Report struct {
	StartedAt      time.Time `json:"started_at"`
	CompletedAt    time.Time `json:"completed_at"`
	RelayAvailable bool      `json:"relay_available"`
	Results        []Result  `json:"results"`
}

// Count returns the number of vouchers that ended with outcome.
func (r *Report) Count(outcome Outcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == outcome {
			n++
		}
	}
	return n
}

// Ambiguous returns the ghosts still waiting for a decision.
func (r *Report) Ambiguous() []Result {
	var out []Result
	for _, res := range r.Results {
		if res.Outcome == OutcomeAmbiguous {
			out = append(out, res)
		}
	}
	return out
}

// Lookup returns the outcome recorded for id.
func (r *Report) Lookup(id crypto.VoucherID) (Result, bool) {
	for _, res := range r.Results {
		if res.VoucherID == id {
			return res, true
		}
	}
	return Result{}, false
}
