package main

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/iotaledger/hive.go/kvstore/mapdb"
	"github.com/iotaledger/hive.go/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/troczen/wallet/v2/internal/config"
	"github.com/troczen/wallet/v2/internal/crypto"
	"github.com/troczen/wallet/v2/internal/monitoring"
	"github.com/troczen/wallet/v2/internal/reconcile"
	"github.com/troczen/wallet/v2/internal/relay"
	"github.com/troczen/wallet/v2/internal/voucher"
)

func setupRelay(t *testing.T) (string, string) {
	t.Helper()

	server, err := relay.NewServer(logger.NewNopLogger(), mapdb.NewMapDB())
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	monitoring.NewMetricsCollector(logger.NewNopLogger(), reg)

	ts := httptest.NewServer(newRelayEcho(server, reg))
	t.Cleanup(func() {
		server.Close()
		ts.Close()
	})

	return ts.URL, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func TestRun_Usage(t *testing.T) {
	var stderr bytes.Buffer

	require.ErrorIs(t, run(nil, nil, io.Discard, &stderr), errUsage)
	require.Contains(t, stderr.String(), "reconcile")

	stderr.Reset()
	require.ErrorIs(t, run([]string{"mint"}, nil, io.Discard, &stderr), errUsage)
	require.Contains(t, stderr.String(), `unknown command "mint"`)
}

func TestRun_InitIssueList(t *testing.T) {
	_, wsURL := setupRelay(t)
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "troczen.yaml")

	var stdout, stderr bytes.Buffer
	err := run([]string{"-c", cfgPath, "init", "--data-dir", filepath.Join(dir, "data"), "--market", "marche-test", "--relay", wsURL},
		nil, &stdout, &stderr)
	require.NoError(t, err)
	require.Contains(t, stdout.String(), "device key:")

	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)
	require.Len(t, cfg.Market.Key, 2*crypto.HKDFKeySize)
	require.FileExists(t, filepath.Join(cfg.KeyDir(), crypto.KeyStoreFileName))

	// a second init does not clobber the market key
	err = run([]string{"-c", cfgPath, "init"}, nil, io.Discard, io.Discard)
	require.Error(t, err)

	stdout.Reset()
	err = run([]string{"-c", cfgPath, "issue", "--value", "1500", "--issuer", "Boulangerie"}, nil, &stdout, &stderr)
	require.NoError(t, err)
	id, err := crypto.ParseVoucherID(strings.TrimSpace(stdout.String()))
	require.NoError(t, err)

	stdout.Reset()
	err = run([]string{"-c", cfgPath, "list"}, nil, &stdout, &stderr)
	require.NoError(t, err)
	require.Contains(t, stdout.String(), id.String())
	require.Contains(t, stdout.String(), "15.00")
	require.Contains(t, stdout.String(), "active")
}

func TestRelayEcho(t *testing.T) {
	httpURL, wsURL := setupRelay(t)

	resp, err := http.Get(httpURL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	cipher, err := crypto.NewMarketCipher(make([]byte, crypto.HKDFKeySize), "marche-test")
	require.NoError(t, err)

	client := relay.NewClient(logger.NewNopLogger(), wsURL, &crypto.Identity{PrivateKey: priv, PublicKey: pub}, cipher)
	t.Cleanup(func() { _ = client.Disconnect() })

	var id crypto.VoucherID
	_, _ = rand.Read(id[:])
	share := bytes.Repeat([]byte{7}, crypto.ShareSize)
	require.NoError(t, client.PublishShare(context.Background(), id, share))
	client.EraseCache()

	got, err := client.GetCachedShare(context.Background(), id, pub)
	require.NoError(t, err)
	require.Equal(t, share, got)

	resp, err = http.Get(httpURL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), "troczen_")
}

func TestParseDecision(t *testing.T) {
	testCases := []struct {
		answer   string
		decision reconcile.Decision
		err      error
	}{
		{"y\n", reconcile.DecisionFinalized, nil},
		{" YES ", reconcile.DecisionFinalized, nil},
		{"n", reconcile.DecisionNotFinalized, nil},
		{"no\n", reconcile.DecisionNotFinalized, nil},
		{"s", 0, errUndecided},
		{"", 0, errUndecided},
	}

	for _, tc := range testCases {
		decision, err := parseDecision(tc.answer)
		if tc.err != nil {
			assert.ErrorIs(t, err, tc.err, tc.answer)
			continue
		}
		assert.NoError(t, err, tc.answer)
		assert.Equal(t, tc.decision, decision, tc.answer)
	}
}

func TestPromptResolver(t *testing.T) {
	var out bytes.Buffer
	resolver := newPromptResolver(strings.NewReader("n\nmaybe\n"), &out)

	ghost := &reconcile.Ghost{
		Value:      2050,
		IssuerName: "Boulangerie",
		Side:       reconcile.SideSender,
		LockedAt:   time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		Events:     []*relay.TransferEvent{{CreatedAt: time.Date(2024, 5, 1, 10, 0, 30, 0, time.UTC)}},
	}

	decision, err := resolver.Resolve(context.Background(), ghost)
	require.NoError(t, err)
	require.Equal(t, reconcile.DecisionNotFinalized, decision)
	require.Contains(t, out.String(), "20.50")
	require.Contains(t, out.String(), "Did the recipient receive it?")
	require.Contains(t, out.String(), "2024-05-01T10:00:30Z under another challenge")

	ghost.Side = reconcile.SideReceiver
	_, err = resolver.Resolve(context.Background(), ghost)
	require.ErrorIs(t, err, errUndecided)
	require.Contains(t, out.String(), "Treat it as spent")

	// input exhausted
	_, err = resolver.Resolve(context.Background(), ghost)
	require.ErrorIs(t, err, errUndecided)
}

func TestPayload(t *testing.T) {
	payload := []byte{0x01, 0xff, 0x00, 0x7f}

	decoded, err := decodePayload(" " + encodePayload(payload) + "\n")
	require.NoError(t, err)
	require.Equal(t, payload, decoded)

	_, err = decodePayload("  ")
	require.ErrorIs(t, err, errNoPayload)

	_, err = decodePayload("***")
	require.Error(t, err)

	decoded, err = readPayload(context.Background(), strings.NewReader(encodePayload(payload)), time.Second)
	require.NoError(t, err)
	require.Equal(t, payload, decoded)

	r, w := io.Pipe()
	defer w.Close()
	_, err = readPayload(context.Background(), r, 20*time.Millisecond)
	require.ErrorIs(t, err, errAckTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = readPayload(ctx, r, 0)
	require.ErrorIs(t, err, context.Canceled)
}

func TestWriteVoucherTable(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	vouchers := []*voucher.Voucher{
		{Value: 500, IssuerName: "Mairie", Status: voucher.StatusActive},
		{Value: 100, IssuerName: "Marche", Status: voucher.StatusSpent},
		{Value: 250, IssuerName: "Epicerie", Status: voucher.StatusActive, ExpiresAt: now.Add(-time.Hour)},
	}

	var out bytes.Buffer
	require.NoError(t, writeVoucherTable(&out, vouchers, voucher.StatusActive, now))
	require.Contains(t, out.String(), "Mairie")
	require.NotContains(t, out.String(), "Marche")
	require.NotContains(t, out.String(), "Epicerie")

	out.Reset()
	require.NoError(t, writeVoucherTable(&out, vouchers, "", now))
	require.Contains(t, out.String(), "expired")
}

func TestEnvOr(t *testing.T) {
	t.Setenv("TROCZEN_TEST_ENV", "set")
	require.Equal(t, "set", envOr("TROCZEN_TEST_ENV", "fallback"))
	require.Equal(t, "fallback", envOr("TROCZEN_TEST_UNSET", "fallback"))
}
