// Package wallet is the entry point used by the outer application: it issues
// vouchers, drives both ends of a transfer and reconciles at startup.
package wallet

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/iotaledger/hive.go/logger"

	"github.com/troczen/wallet/v2/internal/config"
	"github.com/troczen/wallet/v2/internal/crypto"
	"github.com/troczen/wallet/v2/internal/lock"
	"github.com/troczen/wallet/v2/internal/logging"
	"github.com/troczen/wallet/v2/internal/monitoring"
	"github.com/troczen/wallet/v2/internal/reconcile"
	"github.com/troczen/wallet/v2/internal/transfer"
	"github.com/troczen/wallet/v2/internal/voucher"
)

var (
	ErrInvalidValue  = errors.New("invalid voucher value")
	ErrInvalidIssuer = errors.New("invalid issuer name")
)

// maxIssuerNameLen is bounded by the one byte length prefix of the offer.
const maxIssuerNameLen = 255

// Relay is everything the wallet needs from the relay network.
type Relay interface {
	transfer.ShareCache
	transfer.EventPublisher
	reconcile.EventLog
	PublishShare(ctx context.Context, id crypto.VoucherID, shareC []byte) error
}

// Option configures a Service.
type Option func(*Service)

// WithMonitoring attaches metrics and alerting.
func WithMonitoring(metrics *monitoring.MetricsCollector, alerts *monitoring.AlertManager) Option {
	return func(s *Service) {
		s.metrics = metrics
		s.alerts = alerts
	}
}

// WithResolver sets the operator consulted on ghost transfers.
func WithResolver(resolver reconcile.Resolver) Option {
	return func(s *Service) {
		s.resolver = resolver
	}
}

// Service is the wallet of one device.
type Service struct {
	*logger.WrappedLogger

	log      *logger.Logger
	cfg      *config.Config
	store    *voucher.StorageManager
	locks    *lock.Manager
	relay    Relay
	identity *crypto.Identity
	splitter *crypto.Splitter
	metrics  *monitoring.MetricsCollector
	alerts   *monitoring.AlertManager
	resolver reconcile.Resolver
}

// NewService creates the wallet service.
func NewService(log *logger.Logger, cfg *config.Config, store *voucher.StorageManager, locks *lock.Manager, relay Relay, identity *crypto.Identity, opts ...Option) (*Service, error) {
	splitter, err := crypto.NewSplitter(cfg.Shares.Threshold, cfg.Shares.Total)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize splitter: %w", err)
	}

	s := &Service{
		WrappedLogger: logger.NewWrappedLogger(log),
		log:           log,
		cfg:           cfg,
		store:         store,
		locks:         locks,
		relay:         relay,
		identity:      identity,
		splitter:      splitter,
	}
	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// IssueRequest describes a new voucher.
type IssueRequest struct {
	Value      uint32
	IssuerName string
	ExpiresAt  time.Time // zero: never
}

// Issue creates a voucher held by this device. The cache share is published
// before the voucher is stored, so a failed publication leaves nothing
// behind.
func (s *Service) Issue(ctx context.Context, req IssueRequest) (*voucher.Voucher, error) {
	if req.Value == 0 {
		return nil, fmt.Errorf("%w: must be positive", ErrInvalidValue)
	}
	if len(req.IssuerName) > maxIssuerNameLen || !utf8.ValidString(req.IssuerName) || strings.TrimSpace(req.IssuerName) == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidIssuer, req.IssuerName)
	}

	journal := logging.NewJournal(s.log, logging.WorkflowIssueVoucher, s.cfg.JournalDir())
	ctx = logging.WithJournal(ctx, journal)
	defer func() {
		if err := journal.Flush(); err != nil {
			s.LogWarnf("failed to write issue journal: %v", err)
		}
	}()

	timer := logging.NewStepTimer(ctx, logging.PhaseKeyGeneration, "DeriveSigningKeypair")
	seed, err := crypto.GenerateSeed()
	if err != nil {
		timer.Done(err)
		return nil, err
	}
	priv, pub, err := crypto.DeriveSigningKeypair(seed)
	crypto.SecureErase(seed)
	timer.Done(err)
	if err != nil {
		return nil, err
	}
	defer crypto.SecureErase(priv)

	id, err := crypto.DeriveVoucherID(pub, req.Value, s.identity.PublicKey, req.IssuerName)
	if err != nil {
		return nil, err
	}
	journal.WithVoucher(id.String())

	timer = logging.NewStepTimer(ctx, logging.PhaseSplitting, "Split").
		WithDetails(fmt.Sprintf("%d of %d", s.splitter.Threshold(), s.splitter.Total()))
	shares, err := s.splitter.Split(priv)
	timer.Done(err)
	if err != nil {
		return nil, err
	}
	defer func() {
		for i := range shares {
			shares[i].Erase()
		}
	}()

	timer = logging.NewStepTimer(ctx, logging.PhasePublication, "PublishShare")
	err = s.relay.PublishShare(ctx, id, shares[1].Data)
	timer.Done(err)
	if err != nil {
		return nil, fmt.Errorf("failed to publish cache share of %s: %w", id, err)
	}

	if len(shares) > 2 {
		timer = logging.NewStepTimer(ctx, logging.PhasePersistence, "StoreAdminShare")
		err = s.store.StoreAdminShare(id, shares[2].Data)
		timer.Done(err)
		if err != nil {
			return nil, err
		}
	}

	now := s.locks.Now()
	v := &voucher.Voucher{
		ID:         id,
		PublicKey:  pub,
		Value:      req.Value,
		IssuerKey:  s.identity.PublicKey,
		IssuerName: req.IssuerName,
		Market:     s.cfg.Market.Name,
		CreatedAt:  now,
		ExpiresAt:  req.ExpiresAt,
		ReceivedAt: now,
		Status:     voucher.StatusActive,
		ShareB:     append([]byte(nil), shares[0].Data...),
	}

	timer = logging.NewStepTimer(ctx, logging.PhasePersistence, "Receive")
	err = s.locks.Receive(ctx, v)
	timer.Done(err)
	if err != nil {
		v.EraseShare()
		return nil, err
	}

	s.LogInfof("issued voucher %s worth %d by %s", id, req.Value, req.IssuerName)

	out := v.Clone()
	out.EraseShare()
	v.EraseShare()

	return out, nil
}

// RecoverKey reconstructs the signing key of an issued voucher from the
// bearer and administrative shares. Only an issuer with a 2-of-3 split can
// do this; the caller erases the returned key.
func (s *Service) RecoverKey(id crypto.VoucherID) (*crypto.Identity, error) {
	v, err := s.store.Get(id)
	if err != nil {
		return nil, err
	}
	defer v.EraseShare()
	if !v.HasShare() {
		return nil, fmt.Errorf("%w: %s holds no share", lock.ErrNotActive, id)
	}

	admin, err := s.store.AdminShare(id)
	if err != nil {
		return nil, err
	}
	defer crypto.SecureErase(admin)

	priv, err := s.splitter.Combine(
		crypto.Share{Index: crypto.ShareIndexBearer, Data: v.ShareB},
		crypto.Share{Index: crypto.ShareIndexAdmin, Data: admin},
	)
	if err != nil {
		return nil, err
	}

	pub := priv.Public().(ed25519.PublicKey)
	if !crypto.ConstantTimeEqual(pub, v.PublicKey) {
		crypto.SecureErase(priv)
		return nil, fmt.Errorf("%w: recovered key does not match %s", crypto.ErrInvalidShare, id)
	}

	return &crypto.Identity{PrivateKey: priv, PublicKey: v.PublicKey}, nil
}

// Get returns a voucher without its share.
func (s *Service) Get(id crypto.VoucherID) (*voucher.Voucher, error) {
	v, err := s.store.Get(id)
	if err != nil {
		return nil, err
	}
	v.EraseShare()

	return v, nil
}

// List returns every voucher on the device without shares.
func (s *Service) List() ([]*voucher.Voucher, error) {
	vouchers, err := s.store.List()
	if err != nil {
		return nil, err
	}
	for _, v := range vouchers {
		v.EraseShare()
	}

	return vouchers, nil
}

// StartTransfer prepares an offer for id. The voucher is locked when the
// payload is returned; the caller feeds the acknowledgment to the sender and
// closes it when done.
func (s *Service) StartTransfer(ctx context.Context, id crypto.VoucherID) (*transfer.Sender, []byte, error) {
	sender := transfer.NewSender(s.handshakeDeps(), id)

	payload, err := sender.Prepare(ctx)
	if err != nil {
		return nil, nil, err
	}

	return sender, payload, nil
}

// Accept takes an offer and returns the received voucher and the
// acknowledgment to show the sender.
func (s *Service) Accept(ctx context.Context, offer []byte) (*voucher.Voucher, []byte, error) {
	receiver := transfer.NewReceiver(s.handshakeDeps())

	ack, err := receiver.Accept(ctx, offer)
	if err != nil {
		return nil, nil, err
	}

	return receiver.Voucher(), ack, nil
}

// Reconcile settles transfers interrupted by a crash or lost connection.
func (s *Service) Reconcile(ctx context.Context) (*reconcile.Report, error) {
	opts := []reconcile.Option{
		reconcile.WithRateLimit(s.cfg.Reconcile.QueriesPerSecond, s.cfg.Reconcile.Burst),
		reconcile.WithDeviceKey(s.identity.PublicKey),
		reconcile.WithCheckActive(s.cfg.Reconcile.CheckActive),
		reconcile.WithJournalDir(s.cfg.JournalDir()),
		reconcile.WithMonitoring(s.metrics, s.alerts),
	}
	if s.resolver != nil {
		opts = append(opts, reconcile.WithResolver(s.resolver))
	}

	report, err := reconcile.NewEngine(s.log, s.store, s.locks, s.relay, opts...).Run(ctx)
	if err != nil {
		return nil, err
	}

	if err := s.UpdateVoucherMetrics(ctx); err != nil {
		s.LogWarnf("failed to update voucher metrics: %v", err)
	}

	return report, nil
}

// UpdateVoucherMetrics refreshes the voucher gauges and evaluates alerts.
func (s *Service) UpdateVoucherMetrics(ctx context.Context) error {
	if s.metrics == nil {
		return nil
	}

	vouchers, err := s.store.List()
	if err != nil {
		return err
	}

	now := s.locks.Now()
	counts := map[string]int{
		string(voucher.StatusActive):  0,
		string(voucher.StatusPending): 0,
		string(voucher.StatusSpent):   0,
		string(voucher.StatusExpired): 0,
	}
	values := make(map[string]uint64, len(counts))
	flagged := 0
	for _, v := range vouchers {
		v.EraseShare()

		status := string(v.EffectiveStatus(now))
		counts[status]++
		values[status] += uint64(v.Value)
		if v.NeedsReview() {
			flagged++
		}
	}

	s.metrics.UpdateVoucherMetrics(counts, values, flagged)
	if s.alerts != nil {
		s.alerts.EvaluateRules(ctx)
	}

	return nil
}

func (s *Service) handshakeDeps() *transfer.Deps {
	return &transfer.Deps{
		Log:            s.log,
		Store:          s.store,
		Locks:          s.locks,
		Cache:          s.relay,
		Publisher:      s.relay,
		Identity:       s.identity,
		Market:         s.cfg.Market.Name,
		Metrics:        s.metrics,
		JournalDir:     s.cfg.JournalDir(),
		MaxClockSkew:   s.cfg.MaxClockSkew(),
		PublishTimeout: s.cfg.PublishTimeout(),
	}
}
