// Package reconcile settles vouchers left in flight by an interrupted
// transfer. It runs once at startup, before the wallet is used.
package reconcile

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/iotaledger/hive.go/logger"
	"golang.org/x/time/rate"

	"github.com/troczen/wallet/v2/internal/crypto"
	"github.com/troczen/wallet/v2/internal/lock"
	"github.com/troczen/wallet/v2/internal/logging"
	"github.com/troczen/wallet/v2/internal/monitoring"
	"github.com/troczen/wallet/v2/internal/relay"
	"github.com/troczen/wallet/v2/internal/voucher"
)

const (
	DefaultQueriesPerSecond = 5
	DefaultBurst            = 1
)

// Option configures an Engine.
type Option func(*Engine)

// WithResolver sets the operator asked about ghost transfers. Without one
// every ghost stays ambiguous.
func WithResolver(resolver Resolver) Option {
	return func(e *Engine) {
		e.resolver = resolver
	}
}

// WithRateLimit throttles relay queries.
func WithRateLimit(queriesPerSecond float64, burst int) Option {
	return func(e *Engine) {
		if queriesPerSecond <= 0 {
			e.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		if burst < 1 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(queriesPerSecond), burst)
	}
}

// WithDeviceKey identifies this device's own relay events. It is needed to
// scan active vouchers.
func WithDeviceKey(pub ed25519.PublicKey) Option {
	return func(e *Engine) {
		e.deviceKey = pub
	}
}

// WithCheckActive also scans active vouchers for transfers published by
// other devices.
func WithCheckActive(enabled bool) Option {
	return func(e *Engine) {
		e.checkActive = enabled
	}
}

// WithMonitoring reports outcomes and raises alerts for unresolved ghosts.
func WithMonitoring(metrics *monitoring.MetricsCollector, alerts *monitoring.AlertManager) Option {
	return func(e *Engine) {
		e.metrics = metrics
		e.alerts = alerts
	}
}

// WithJournalDir persists the run journal.
func WithJournalDir(dir string) Option {
	return func(e *Engine) {
		e.journalDir = dir
	}
}

// Engine reconciles pending and, optionally, active vouchers against the
// relay.
type Engine struct {
	*logger.WrappedLogger

	log         *logger.Logger
	store       voucher.Store
	locks       *lock.Manager
	events      EventLog
	resolver    Resolver
	limiter     *rate.Limiter
	deviceKey   ed25519.PublicKey
	checkActive bool
	metrics     *monitoring.MetricsCollector
	alerts      *monitoring.AlertManager
	journalDir  string
}

// NewEngine creates a reconciliation engine.
func NewEngine(log *logger.Logger, store voucher.Store, locks *lock.Manager, events EventLog, opts ...Option) *Engine {
	e := &Engine{
		WrappedLogger: logger.NewWrappedLogger(log),
		log:           log,
		store:         store,
		locks:         locks,
		events:        events,
		limiter:       rate.NewLimiter(rate.Limit(DefaultQueriesPerSecond), DefaultBurst),
	}
	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Run reconciles every voucher that needs it. Per voucher outcomes are in
// the report; an error means the store could not be read.
func (e *Engine) Run(ctx context.Context) (*Report, error) {
	journal := logging.NewJournal(e.log, logging.WorkflowReconcile, e.journalDir)
	ctx = logging.WithJournal(ctx, journal)

	report := &Report{StartedAt: e.locks.Now()}

	pending, err := e.store.ListByStatus(voucher.StatusPending)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending vouchers: %w", err)
	}

	var active []*voucher.Voucher
	if e.checkActive {
		if active, err = e.store.ListByStatus(voucher.StatusActive); err != nil {
			return nil, fmt.Errorf("failed to list active vouchers: %w", err)
		}
	}

	if len(pending) > 0 || len(active) > 0 {
		timer := logging.NewStepTimer(ctx, logging.PhaseEventQuery, "Connect")
		err := e.events.Connect(ctx)
		timer.Done(err)

		report.RelayAvailable = err == nil
		if err != nil {
			e.LogWarnf("relay unavailable, expired locks fall back to manual resolution: %v", err)
		} else {
			defer func() {
				if err := e.events.Disconnect(); err != nil {
					e.LogDebugf("relay disconnect: %v", err)
				}
			}()
		}
	}

	for _, v := range pending {
		v.EraseShare()
		report.Results = append(report.Results, e.reconcilePending(ctx, v, report.RelayAvailable))
	}

	if report.RelayAvailable {
		for _, v := range active {
			v.EraseShare()
			if res, ok := e.reconcileActive(ctx, v); ok {
				report.Results = append(report.Results, res)
			}
		}
	} else if len(active) > 0 {
		e.LogInfof("skipping scan of %d active vouchers, relay unavailable", len(active))
	}

	report.CompletedAt = e.locks.Now()
	e.finish(ctx, report, journal)

	return report, nil
}

func (e *Engine) reconcilePending(ctx context.Context, v *voucher.Voucher, relayAvailable bool) Result {
	res := Result{VoucherID: v.ID, Value: v.Value, Side: SideSender}

	if v.NeedsReview() {
		return e.corrupted(res, fmt.Errorf("%w: flagged for review: %s", lock.ErrStateCorrupted, v.Review.Reason))
	}
	if v.Lock == nil {
		err := e.locks.Flag(ctx, v.ID, "pending without lock metadata")
		if err == nil {
			err = fmt.Errorf("%w: pending without lock metadata", lock.ErrStateCorrupted)
		}
		return e.corrupted(res, err)
	}

	var events []*relay.TransferEvent
	if relayAvailable {
		var err error
		events, err = e.query(ctx, v.ID, v.Lock.LockedAt)
		if err != nil {
			if ctx.Err() != nil {
				return e.failed(res, err)
			}
			relayAvailable = false
			e.LogWarnf("relay query for %s failed: %v", v.ID, err)
		}
	}

	ev, unmatched := e.outboundEvent(events, v)
	if ev != nil {
		err := e.locks.ConfirmAndConsume(ctx, v.ID, v.Lock.Challenge)
		logging.LogFromContext(ctx, logging.PhaseResolution, "ConfirmAndConsume",
			fmt.Sprintf("%s: relay event %s proves the transfer", v.ID, ev.EventID), err)
		if err != nil {
			return e.mutationFailed(res, err)
		}

		e.LogInfof("voucher %s finalized from relay event %s", v.ID, ev.EventID)
		res.Outcome = OutcomeFinalized
		return res
	}

	if !lock.IsLockExpired(v, e.locks.Now()) {
		res.Outcome = OutcomeLive
		return res
	}

	ghost := &Ghost{
		VoucherID:      v.ID,
		Value:          v.Value,
		IssuerName:     v.IssuerName,
		Side:           SideSender,
		LockedAt:       v.Lock.LockedAt,
		ReceivedAt:     v.ReceivedAt,
		RelayAvailable: relayAvailable,
		Events:         unmatched,
	}
	if len(unmatched) > 0 {
		e.LogWarnf("voucher %s has %d relay event(s) not carrying its lock challenge", v.ID, len(unmatched))
	}

	decision, err := e.resolve(ctx, ghost)
	if err != nil {
		return e.ambiguous(ctx, res, err)
	}

	switch decision {
	case DecisionFinalized:
		err = e.locks.ConfirmAndConsume(ctx, v.ID, v.Lock.Challenge)
		res.Outcome = OutcomeResolvedSpent
	default:
		err = e.locks.CancelLock(ctx, v.ID)
		res.Outcome = OutcomeResolvedActive
	}
	logging.LogFromContext(ctx, logging.PhaseResolution, decision.String(), v.ID.String(), err)
	if err != nil {
		return e.mutationFailed(res, err)
	}

	return res
}

func (e *Engine) reconcileActive(ctx context.Context, v *voucher.Voucher) (Result, bool) {
	res := Result{VoucherID: v.ID, Value: v.Value, Side: SideReceiver}

	if v.NeedsReview() {
		return e.corrupted(res, fmt.Errorf("%w: flagged for review: %s", lock.ErrStateCorrupted, v.Review.Reason)), true
	}

	since := v.ReceivedAt
	if since.IsZero() {
		since = v.CreatedAt
	}

	events, err := e.query(ctx, v.ID, since)
	if err != nil {
		if ctx.Err() != nil {
			return e.failed(res, err), true
		}
		e.LogWarnf("relay query for %s failed: %v", v.ID, err)
		return res, false
	}

	foreign := e.foreignEvents(events)
	if len(foreign) == 0 {
		return res, false
	}

	decision, err := e.resolve(ctx, &Ghost{
		VoucherID:      v.ID,
		Value:          v.Value,
		IssuerName:     v.IssuerName,
		Side:           SideReceiver,
		ReceivedAt:     v.ReceivedAt,
		RelayAvailable: true,
		Events:         foreign,
	})
	if err != nil {
		return e.ambiguous(ctx, res, err), true
	}

	if decision != DecisionFinalized {
		logging.LogFromContext(ctx, logging.PhaseResolution, decision.String(), v.ID.String(), nil)
		res.Outcome = OutcomeKept
		return res, true
	}

	err = e.locks.RetireActive(ctx, v.ID)
	logging.LogFromContext(ctx, logging.PhaseResolution, decision.String(), v.ID.String(), err)
	if err != nil {
		return e.mutationFailed(res, err), true
	}

	res.Outcome = OutcomeRetired
	return res, true
}

func (e *Engine) query(ctx context.Context, id crypto.VoucherID, since time.Time) ([]*relay.TransferEvent, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	timer := logging.NewStepTimer(ctx, logging.PhaseEventQuery, "QueryEventsSince").WithDetails(id.String())
	events, err := e.events.QueryEventsSince(ctx, id, since)
	timer.Done(err)

	return events, err
}

// outboundEvent returns the relay event proving v left this device under its
// current lock, if any. Only an event carrying the lock challenge is proof;
// the others are returned for an operator to judge. The device's own receipt
// of v is ignored.
func (e *Engine) outboundEvent(events []*relay.TransferEvent, v *voucher.Voucher) (*relay.TransferEvent, []*relay.TransferEvent) {
	var unmatched []*relay.TransferEvent
	for _, ev := range events {
		if ev.VoucherID != v.ID || e.isOwnReceipt(ev) {
			continue
		}
		if ev.Challenge == v.Lock.Challenge {
			return ev, nil
		}
		unmatched = append(unmatched, ev)
	}
	return nil, unmatched
}

// foreignEvents returns the transfers of a voucher this device took no part
// in.
func (e *Engine) foreignEvents(events []*relay.TransferEvent) []*relay.TransferEvent {
	var out []*relay.TransferEvent
	for _, ev := range events {
		if e.isOwnReceipt(ev) || e.isOwnSend(ev) {
			continue
		}
		out = append(out, ev)
	}
	return out
}

func (e *Engine) isOwnReceipt(ev *relay.TransferEvent) bool {
	return len(e.deviceKey) > 0 && bytes.Equal(ev.ReceiverKey, e.deviceKey)
}

func (e *Engine) isOwnSend(ev *relay.TransferEvent) bool {
	return len(e.deviceKey) > 0 && bytes.Equal(ev.SenderKey, e.deviceKey)
}

func (e *Engine) resolve(ctx context.Context, ghost *Ghost) (Decision, error) {
	e.LogWarnf("ghost transfer: voucher %s (%d) on the %s side", ghost.VoucherID, ghost.Value, ghost.Side)

	if e.resolver == nil {
		return 0, fmt.Errorf("%w: %s needs an operator decision", ErrAmbiguousTransferState, ghost.VoucherID)
	}

	decision, err := e.resolver.Resolve(ctx, ghost)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrAmbiguousTransferState, ghost.VoucherID, err)
	}
	if decision != DecisionFinalized && decision != DecisionNotFinalized {
		return 0, fmt.Errorf("%w: %s: no decision", ErrAmbiguousTransferState, ghost.VoucherID)
	}

	return decision, nil
}

func (e *Engine) ambiguous(ctx context.Context, res Result, err error) Result {
	logging.LogFromContext(ctx, logging.PhaseResolution, "Resolve", res.VoucherID.String(), err)
	res.Outcome = OutcomeAmbiguous
	res.Err = err
	res.Error = err.Error()
	return res
}

func (e *Engine) corrupted(res Result, err error) Result {
	e.LogErrorf("voucher %s needs manual review: %v", res.VoucherID, err)
	res.Outcome = OutcomeCorrupted
	res.Err = err
	res.Error = err.Error()
	return res
}

func (e *Engine) failed(res Result, err error) Result {
	res.Outcome = OutcomeFailed
	res.Err = err
	res.Error = err.Error()
	return res
}

func (e *Engine) mutationFailed(res Result, err error) Result {
	if errors.Is(err, lock.ErrStateCorrupted) {
		return e.corrupted(res, err)
	}
	e.LogErrorf("failed to reconcile voucher %s: %v", res.VoucherID, err)
	return e.failed(res, err)
}

func (e *Engine) finish(ctx context.Context, report *Report, journal *logging.StructuredJournal) {
	ghosts := report.Count(OutcomeAmbiguous)

	if e.metrics != nil {
		for _, res := range report.Results {
			e.metrics.RecordReconciliation(string(res.Outcome))
		}
		e.metrics.SetGhostTransfers(ghosts)
	}

	if e.alerts != nil {
		e.alerts.EvaluateRules(ctx)
		for _, res := range report.Results {
			if res.Outcome != OutcomeCorrupted {
				continue
			}
			e.alerts.Raise(&monitoring.Alert{
				ID:          fmt.Sprintf("corrupted-%s-%d", res.VoucherID, report.CompletedAt.UnixNano()),
				Type:        monitoring.AlertTypeReview,
				Severity:    monitoring.SeverityCritical,
				Title:       "Voucher Needs Manual Review",
				Description: fmt.Sprintf("voucher %s: %s", res.VoucherID, res.Error),
				Source:      "reconcile",
				Timestamp:   report.CompletedAt,
			})
		}
	}

	if err := journal.Flush(); err != nil {
		e.LogWarnf("failed to write reconciliation journal: %v", err)
	}

	e.LogInfof("reconciliation done: %d vouchers examined, %d finalized, %d ambiguous",
		len(report.Results), report.Count(OutcomeFinalized), ghosts)
}
