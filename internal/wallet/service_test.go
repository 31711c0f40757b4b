package wallet

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/iotaledger/hive.go/kvstore/mapdb"
	"github.com/iotaledger/hive.go/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/troczen/wallet/v2/internal/config"
	"github.com/troczen/wallet/v2/internal/crypto"
	"github.com/troczen/wallet/v2/internal/lock"
	"github.com/troczen/wallet/v2/internal/monitoring"
	"github.com/troczen/wallet/v2/internal/reconcile"
	"github.com/troczen/wallet/v2/internal/relay"
	"github.com/troczen/wallet/v2/internal/voucher"
)

const testMarket = "marche-test"

var testMarketKey = bytes.Repeat([]byte{0x42}, crypto.HKDFKeySize)

func setupRelay(t *testing.T) string {
	t.Helper()

	server, err := relay.NewServer(logger.NewNopLogger(), mapdb.NewMapDB())
	require.NoError(t, err)

	ts := httptest.NewServer(server)
	t.Cleanup(func() {
		server.Close()
		ts.Close()
	})

	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

type device struct {
	svc     *Service
	store   *voucher.StorageManager
	metrics *monitoring.MetricsCollector
}

func newDevice(t *testing.T, url string, modify func(*config.Config), opts ...Option) *device {
	t.Helper()

	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Market.Name = testMarket
	cfg.Market.Key = hex.EncodeToString(testMarketKey)
	cfg.Relay.URL = url
	if modify != nil {
		modify(cfg)
	}
	require.NoError(t, cfg.Validate())

	store, err := voucher.NewStorageManager(mapdb.NewMapDB())
	require.NoError(t, err)

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	identity := &crypto.Identity{PrivateKey: priv, PublicKey: pub}

	cipher, err := crypto.NewMarketCipher(testMarketKey, testMarket)
	require.NoError(t, err)

	client := relay.NewClient(logger.NewNopLogger(), url, identity, cipher, relay.WithRequestTimeout(2*time.Second))
	t.Cleanup(func() { _ = client.Disconnect() })

	metrics := monitoring.NewMetricsCollector(logger.NewNopLogger(), prometheus.NewRegistry())
	alerts := monitoring.NewAlertManager(logger.NewNopLogger(), metrics)

	locks := lock.NewManager(logger.NewNopLogger(), store, lock.WithTTL(cfg.LockTTL()))
	opts = append([]Option{WithMonitoring(metrics, alerts)}, opts...)
	svc, err := NewService(logger.NewNopLogger(), cfg, store, locks, client, identity, opts...)
	require.NoError(t, err)

	return &device{svc: svc, store: store, metrics: metrics}
}

func TestService_IssueAndTransfer(t *testing.T) {
	url := setupRelay(t)
	alice := newDevice(t, url, nil)
	bob := newDevice(t, url, nil)
	ctx := context.Background()

	issued, err := alice.svc.Issue(ctx, IssueRequest{Value: 2000, IssuerName: "Boulangerie Dupont"})
	require.NoError(t, err)
	require.Nil(t, issued.ShareB)
	require.Equal(t, voucher.StatusActive, issued.Status)
	require.Equal(t, testMarket, issued.Market)

	stored, err := alice.store.Get(issued.ID)
	require.NoError(t, err)
	require.True(t, stored.HasShare())

	_, err = alice.store.AdminShare(issued.ID)
	require.ErrorIs(t, err, voucher.ErrNotFound)

	sender, offer, err := alice.svc.StartTransfer(ctx, issued.ID)
	require.NoError(t, err)

	v, err := alice.svc.Get(issued.ID)
	require.NoError(t, err)
	require.Equal(t, voucher.StatusPending, v.Status)

	received, ack, err := bob.svc.Accept(ctx, offer)
	require.NoError(t, err)
	require.Equal(t, issued.ID, received.ID)
	require.Equal(t, uint32(2000), received.Value)
	require.Equal(t, "Boulangerie Dupont", received.IssuerName)

	require.NoError(t, sender.HandleAck(ctx, ack))
	select {
	case <-sender.Published():
	case <-time.After(5 * time.Second):
		t.Fatal("transfer event not published")
	}
	require.NoError(t, sender.Close(ctx))

	v, err = alice.svc.Get(issued.ID)
	require.NoError(t, err)
	require.Equal(t, voucher.StatusSpent, v.Status)

	held, err := bob.svc.List()
	require.NoError(t, err)
	require.Len(t, held, 1)
	require.Equal(t, voucher.StatusActive, held[0].Status)
	require.Nil(t, held[0].ShareB)

	// every relay event names bob as the receiver
	report, err := bob.svc.Reconcile(ctx)
	require.NoError(t, err)
	require.Empty(t, report.Results)

	report, err = alice.svc.Reconcile(ctx)
	require.NoError(t, err)
	require.Empty(t, report.Results)

	snapshot := alice.metrics.GetMetrics()
	require.Equal(t, 0.0, snapshot[monitoring.MetricPendingVouchers])
	require.Equal(t, 0.0, snapshot[monitoring.MetricGhostTransfers])
}

func TestService_IssueWithAdminShare(t *testing.T) {
	url := setupRelay(t)
	issuer := newDevice(t, url, func(c *config.Config) { c.Shares.Total = 3 })
	bob := newDevice(t, url, nil)
	ctx := context.Background()

	issued, err := issuer.svc.Issue(ctx, IssueRequest{Value: 500, IssuerName: "Mairie"})
	require.NoError(t, err)

	admin, err := issuer.store.AdminShare(issued.ID)
	require.NoError(t, err)
	require.Len(t, admin, crypto.ShareSize)

	key, err := issuer.svc.RecoverKey(issued.ID)
	require.NoError(t, err)
	require.Equal(t, issued.PublicKey, key.PublicKey)
	key.Erase()

	// bearer and cache shares still reconstruct the same key
	sender, offer, err := issuer.svc.StartTransfer(ctx, issued.ID)
	require.NoError(t, err)
	_, ack, err := bob.svc.Accept(ctx, offer)
	require.NoError(t, err)
	require.NoError(t, sender.HandleAck(ctx, ack))
	require.NoError(t, sender.Close(ctx))

	_, err = issuer.svc.RecoverKey(issued.ID)
	require.ErrorIs(t, err, lock.ErrNotActive)
}

func TestService_IssueValidation(t *testing.T) {
	url := setupRelay(t)
	d := newDevice(t, url, nil)
	ctx := context.Background()

	_, err := d.svc.Issue(ctx, IssueRequest{Value: 0, IssuerName: "x"})
	require.ErrorIs(t, err, ErrInvalidValue)

	_, err = d.svc.Issue(ctx, IssueRequest{Value: 10, IssuerName: " "})
	require.ErrorIs(t, err, ErrInvalidIssuer)

	_, err = d.svc.Issue(ctx, IssueRequest{Value: 10, IssuerName: strings.Repeat("a", 256)})
	require.ErrorIs(t, err, ErrInvalidIssuer)

	_, err = d.svc.Issue(ctx, IssueRequest{Value: 10, IssuerName: string([]byte{0xff, 0xfe})})
	require.ErrorIs(t, err, ErrInvalidIssuer)
}

func TestService_IssueRelayDown(t *testing.T) {
	d := newDevice(t, "ws://127.0.0.1:1", nil)

	_, err := d.svc.Issue(context.Background(), IssueRequest{Value: 10, IssuerName: "Boulangerie"})
	require.ErrorIs(t, err, relay.ErrRelayUnavailable)

	vouchers, err := d.svc.List()
	require.NoError(t, err)
	require.Empty(t, vouchers)
}

func TestService_ReconcileGhostWithResolver(t *testing.T) {
	url := setupRelay(t)

	var asked []*reconcile.Ghost
	resolver := reconcile.ResolverFunc(func(_ context.Context, ghost *reconcile.Ghost) (reconcile.Decision, error) {
		asked = append(asked, ghost)
		return reconcile.DecisionNotFinalized, nil
	})
	d := newDevice(t, url, func(c *config.Config) { c.Transfer.LockTTLSeconds = 1 }, WithResolver(resolver))
	ctx := context.Background()

	issued, err := d.svc.Issue(ctx, IssueRequest{Value: 100, IssuerName: "Boulangerie"})
	require.NoError(t, err)

	// offer shown, then the device lost track of the handshake
	_, _, err = d.svc.StartTransfer(ctx, issued.ID)
	require.NoError(t, err)

	time.Sleep(1100 * time.Millisecond)

	report, err := d.svc.Reconcile(ctx)
	require.NoError(t, err)
	require.Len(t, asked, 1)

	res, ok := report.Lookup(issued.ID)
	require.True(t, ok)
	require.Equal(t, reconcile.OutcomeResolvedActive, res.Outcome)

	v, err := d.svc.Get(issued.ID)
	require.NoError(t, err)
	require.Equal(t, voucher.StatusActive, v.Status)
}

func TestService_UpdateVoucherMetrics(t *testing.T) {
	url := setupRelay(t)
	d := newDevice(t, url, nil)
	ctx := context.Background()

	for _, value := range []uint32{100, 250} {
		_, err := d.svc.Issue(ctx, IssueRequest{Value: value, IssuerName: "Boulangerie"})
		require.NoError(t, err)
	}
	vouchers, err := d.svc.List()
	require.NoError(t, err)
	_, _, err = d.svc.StartTransfer(ctx, vouchers[0].ID)
	require.NoError(t, err)

	require.NoError(t, d.svc.UpdateVoucherMetrics(ctx))
	require.Equal(t, 1.0, d.metrics.GetMetrics()[monitoring.MetricPendingVouchers])
	require.Equal(t, 0.0, d.metrics.GetMetrics()[monitoring.MetricFlaggedVouchers])
}
