package reconcile

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/iotaledger/hive.go/kvstore"
	"github.com/iotaledger/hive.go/kvstore/mapdb"
	"github.com/iotaledger/hive.go/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/troczen/wallet/v2/internal/crypto"
	"github.com/troczen/wallet/v2/internal/lock"
	"github.com/troczen/wallet/v2/internal/monitoring"
	"github.com/troczen/wallet/v2/internal/relay"
	"github.com/troczen/wallet/v2/internal/voucher"
)

type fakeEventLog struct {
	mu         sync.Mutex
	connectErr error
	queryErr   error
	events     []*relay.TransferEvent
	queries    int
}

func (f *fakeEventLog) Connect(context.Context) error {
	return f.connectErr
}

func (f *fakeEventLog) Disconnect() error {
	return nil
}

func (f *fakeEventLog) QueryEventsSince(_ context.Context, id crypto.VoucherID, since time.Time) ([]*relay.TransferEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.queries++
	if f.queryErr != nil {
		return nil, f.queryErr
	}

	var out []*relay.TransferEvent
	for _, ev := range f.events {
		if ev.VoucherID == id && !ev.CreatedAt.Before(since) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeEventLog) add(ev *relay.TransferEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	db     kvstore.KVStore
	store  *voucher.StorageManager
	locks  *lock.Manager
	clock  *testClock
	events *fakeEventLog
	device ed25519.PublicKey
}

func setupEnv(t *testing.T) *testEnv {
	t.Helper()

	db := mapdb.NewMapDB()
	store, err := voucher.NewStorageManager(db)
	require.NoError(t, err)

	clock := &testClock{now: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}

	return &testEnv{
		db:     db,
		store:  store,
		locks:  lock.NewManager(logger.NewNopLogger(), store, lock.WithClock(clock.Now)),
		clock:  clock,
		events: &fakeEventLog{},
		device: newKey(t),
	}
}

func (env *testEnv) engine(opts ...Option) *Engine {
	opts = append([]Option{WithRateLimit(0, 0), WithDeviceKey(env.device)}, opts...)
	return NewEngine(logger.NewNopLogger(), env.store, env.locks, env.events, opts...)
}

func newKey(t *testing.T) ed25519.PublicKey {
	t.Helper()

	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	return pub
}

func addVoucher(t *testing.T, env *testEnv) *voucher.Voucher {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	defer crypto.SecureErase(priv)

	shareB, shareC, err := crypto.SplitSecret(priv)
	require.NoError(t, err)
	crypto.SecureErase(shareC)

	id, err := crypto.DeriveVoucherID(pub, 2000, pub, "Boulangerie")
	require.NoError(t, err)

	v := &voucher.Voucher{
		ID:         id,
		PublicKey:  pub,
		Value:      2000,
		IssuerKey:  pub,
		IssuerName: "Boulangerie",
		Market:     "marche-test",
		CreatedAt:  env.clock.Now(),
		ReceivedAt: env.clock.Now(),
		Status:     voucher.StatusActive,
		ShareB:     shareB,
	}
	require.NoError(t, env.store.Save(v))

	return v
}

func lockVoucher(t *testing.T, env *testEnv, v *voucher.Voucher) crypto.Challenge {
	t.Helper()

	challenge, err := crypto.NewChallenge()
	require.NoError(t, err)
	require.NoError(t, env.locks.AcquireLock(context.Background(), v.ID, challenge))

	return challenge
}

func transferEvent(t *testing.T, id crypto.VoucherID, challenge crypto.Challenge, at time.Time) *relay.TransferEvent {
	t.Helper()

	return &relay.TransferEvent{
		VoucherID:   id,
		Challenge:   challenge,
		SenderKey:   newKey(t),
		ReceiverKey: newKey(t),
		Value:       2000,
		CreatedAt:   at,
		EventID:     "event",
	}
}

func reload(t *testing.T, env *testEnv, id crypto.VoucherID) *voucher.Voucher {
	t.Helper()

	v, err := env.store.Get(id)
	require.NoError(t, err)

	return v
}

func TestRun_GhostTransferLeftAmbiguous(t *testing.T) {
	env := setupEnv(t)
	v := addVoucher(t, env)
	challenge := lockVoucher(t, env, v)

	env.clock.Advance(121 * time.Second)

	metrics := monitoring.NewMetricsCollector(logger.NewNopLogger(), prometheus.NewRegistry())
	alerts := monitoring.NewAlertManager(logger.NewNopLogger(), metrics)

	report, err := env.engine(WithMonitoring(metrics, alerts)).Run(context.Background())
	require.NoError(t, err)
	require.True(t, report.RelayAvailable)

	res, ok := report.Lookup(v.ID)
	require.True(t, ok)
	require.Equal(t, OutcomeAmbiguous, res.Outcome)
	require.Equal(t, SideSender, res.Side)
	require.ErrorIs(t, res.Err, ErrAmbiguousTransferState)
	require.Len(t, report.Ambiguous(), 1)

	// untouched: still pending, same lock, share retained
	stored := reload(t, env, v.ID)
	require.Equal(t, voucher.StatusPending, stored.Status)
	require.NotNil(t, stored.Lock)
	require.Equal(t, challenge, stored.Lock.Challenge)
	require.True(t, stored.HasShare())
	require.False(t, stored.NeedsReview())

	require.Equal(t, 1.0, metrics.GetMetrics()[monitoring.MetricGhostTransfers])
	active := alerts.GetActiveAlerts()
	require.Len(t, active, 1)
	require.Equal(t, "ghost-transfers", active[0].Source)
}

func TestRun_RelayEventFinalizes(t *testing.T) {
	env := setupEnv(t)
	v := addVoucher(t, env)
	challenge := lockVoucher(t, env, v)

	env.clock.Advance(10 * time.Second)
	env.events.add(transferEvent(t, v.ID, challenge, env.clock.Now()))

	report, err := env.engine().Run(context.Background())
	require.NoError(t, err)

	res, ok := report.Lookup(v.ID)
	require.True(t, ok)
	require.Equal(t, OutcomeFinalized, res.Outcome)
	require.NoError(t, res.Err)

	stored := reload(t, env, v.ID)
	require.Equal(t, voucher.StatusSpent, stored.Status)
	require.False(t, stored.HasShare())
	require.Nil(t, stored.Lock)
}

func TestRun_ExpiredLockWithEventFinalizes(t *testing.T) {
	env := setupEnv(t)
	v := addVoucher(t, env)
	challenge := lockVoucher(t, env, v)

	env.events.add(transferEvent(t, v.ID, challenge, env.clock.Now().Add(time.Second)))
	env.clock.Advance(time.Hour)

	report, err := env.engine().Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Count(OutcomeFinalized))
	require.Equal(t, voucher.StatusSpent, reload(t, env, v.ID).Status)
}

func TestRun_EventsBeforeLockIgnored(t *testing.T) {
	env := setupEnv(t)
	v := addVoucher(t, env)

	// an earlier transfer of the same voucher
	env.events.add(transferEvent(t, v.ID, crypto.Challenge{}, env.clock.Now().Add(-time.Hour)))

	lockVoucher(t, env, v)
	env.clock.Advance(5 * time.Second)

	report, err := env.engine().Run(context.Background())
	require.NoError(t, err)

	res, ok := report.Lookup(v.ID)
	require.True(t, ok)
	require.Equal(t, OutcomeLive, res.Outcome)
	require.Equal(t, voucher.StatusPending, reload(t, env, v.ID).Status)
}

func TestRun_OwnReceiptIsNotProof(t *testing.T) {
	env := setupEnv(t)
	v := addVoucher(t, env)
	challenge := lockVoucher(t, env, v)

	ev := transferEvent(t, v.ID, challenge, env.clock.Now())
	ev.ReceiverKey = env.device
	env.events.add(ev)
	env.clock.Advance(lock.DefaultTTL + time.Second)

	report, err := env.engine().Run(context.Background())
	require.NoError(t, err)

	res, _ := report.Lookup(v.ID)
	require.Equal(t, OutcomeAmbiguous, res.Outcome)
}

func TestRun_OtherChallengeIsNotProof(t *testing.T) {
	env := setupEnv(t)
	v := addVoucher(t, env)
	challenge := lockVoucher(t, env, v)

	other, err := crypto.NewChallenge()
	require.NoError(t, err)
	require.NotEqual(t, challenge, other)

	env.clock.Advance(10 * time.Second)
	env.events.add(transferEvent(t, v.ID, other, env.clock.Now()))

	// live lock: left alone
	report, err := env.engine().Run(context.Background())
	require.NoError(t, err)
	res, _ := report.Lookup(v.ID)
	require.Equal(t, OutcomeLive, res.Outcome)
	require.Equal(t, voucher.StatusPending, reload(t, env, v.ID).Status)

	// expired without resolver: ambiguous, share kept
	env.clock.Advance(lock.DefaultTTL)
	report, err = env.engine().Run(context.Background())
	require.NoError(t, err)
	res, _ = report.Lookup(v.ID)
	require.Equal(t, OutcomeAmbiguous, res.Outcome)
	stored := reload(t, env, v.ID)
	require.Equal(t, voucher.StatusPending, stored.Status)
	require.True(t, stored.HasShare())

	// the operator sees the unmatched event and decides
	var seen *Ghost
	resolver := ResolverFunc(func(_ context.Context, ghost *Ghost) (Decision, error) {
		seen = ghost
		return DecisionNotFinalized, nil
	})
	report, err = env.engine(WithResolver(resolver)).Run(context.Background())
	require.NoError(t, err)
	res, _ = report.Lookup(v.ID)
	require.Equal(t, OutcomeResolvedActive, res.Outcome)

	require.NotNil(t, seen)
	require.Len(t, seen.Events, 1)
	require.Equal(t, other, seen.Events[0].Challenge)

	stored = reload(t, env, v.ID)
	require.Equal(t, voucher.StatusActive, stored.Status)
	require.True(t, stored.HasShare())
}

func TestRun_ResolverDecisions(t *testing.T) {
	testCases := []struct {
		name     string
		decision Decision
		err      error
		outcome  Outcome
		status   voucher.Status
		share    bool
	}{
		{"finalized", DecisionFinalized, nil, OutcomeResolvedSpent, voucher.StatusSpent, false},
		{"not finalized", DecisionNotFinalized, nil, OutcomeResolvedActive, voucher.StatusActive, true},
		{"resolver error", 0, errors.New("operator unavailable"), OutcomeAmbiguous, voucher.StatusPending, true},
		{"no decision", 0, nil, OutcomeAmbiguous, voucher.StatusPending, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			env := setupEnv(t)
			v := addVoucher(t, env)
			lockVoucher(t, env, v)
			env.clock.Advance(lock.DefaultTTL)

			var asked []*Ghost
			resolver := ResolverFunc(func(_ context.Context, ghost *Ghost) (Decision, error) {
				asked = append(asked, ghost)
				return tc.decision, tc.err
			})

			report, err := env.engine(WithResolver(resolver)).Run(context.Background())
			require.NoError(t, err)

			require.Len(t, asked, 1)
			assert.Equal(t, v.ID, asked[0].VoucherID)
			assert.Equal(t, SideSender, asked[0].Side)
			assert.Equal(t, "Boulangerie", asked[0].IssuerName)
			assert.True(t, asked[0].RelayAvailable)

			res, ok := report.Lookup(v.ID)
			require.True(t, ok)
			require.Equal(t, tc.outcome, res.Outcome)

			stored := reload(t, env, v.ID)
			require.Equal(t, tc.status, stored.Status)
			require.Equal(t, tc.share, stored.HasShare())
		})
	}
}

func TestRun_RelayUnavailable(t *testing.T) {
	env := setupEnv(t)
	env.events.connectErr = relay.ErrRelayUnavailable

	expired := addVoucher(t, env)
	lockVoucher(t, env, expired)
	env.clock.Advance(lock.DefaultTTL + time.Second)

	live := addVoucher(t, env)
	lockVoucher(t, env, live)

	var ghost *Ghost
	resolver := ResolverFunc(func(_ context.Context, g *Ghost) (Decision, error) {
		ghost = g
		return DecisionNotFinalized, nil
	})

	report, err := env.engine(WithResolver(resolver)).Run(context.Background())
	require.NoError(t, err)
	require.False(t, report.RelayAvailable)
	require.Zero(t, env.events.queries)

	require.NotNil(t, ghost)
	require.False(t, ghost.RelayAvailable)

	res, _ := report.Lookup(expired.ID)
	require.Equal(t, OutcomeResolvedActive, res.Outcome)
	require.Equal(t, voucher.StatusActive, reload(t, env, expired.ID).Status)

	res, _ = report.Lookup(live.ID)
	require.Equal(t, OutcomeLive, res.Outcome)
	require.Equal(t, voucher.StatusPending, reload(t, env, live.ID).Status)
}

func TestRun_QueryFailureFallsBackToResolver(t *testing.T) {
	env := setupEnv(t)
	env.events.queryErr = relay.ErrRelayUnavailable

	v := addVoucher(t, env)
	lockVoucher(t, env, v)
	env.clock.Advance(lock.DefaultTTL)

	report, err := env.engine().Run(context.Background())
	require.NoError(t, err)

	res, _ := report.Lookup(v.ID)
	require.Equal(t, OutcomeAmbiguous, res.Outcome)
	require.Equal(t, voucher.StatusPending, reload(t, env, v.ID).Status)
}

func TestRun_CorruptedVouchers(t *testing.T) {
	env := setupEnv(t)

	// Save refuses this record, so write it past the store
	orphan := addVoucher(t, env)
	orphan.Status = voucher.StatusPending
	raw, err := json.Marshal(orphan)
	require.NoError(t, err)
	realm, err := env.db.WithRealm([]byte{0xFF})
	require.NoError(t, err)
	require.NoError(t, realm.Set(append([]byte{voucher.StorePrefixVoucher}, orphan.ID[:]...), raw))

	flagged := addVoucher(t, env)
	lockVoucher(t, env, flagged)
	require.NoError(t, env.locks.Flag(context.Background(), flagged.ID, "operator hold"))

	metrics := monitoring.NewMetricsCollector(logger.NewNopLogger(), prometheus.NewRegistry())
	alerts := monitoring.NewAlertManager(logger.NewNopLogger(), metrics)

	report, err := env.engine(WithMonitoring(metrics, alerts)).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, report.Count(OutcomeCorrupted))

	for _, id := range []crypto.VoucherID{orphan.ID, flagged.ID} {
		res, _ := report.Lookup(id)
		require.ErrorIs(t, res.Err, lock.ErrStateCorrupted)

		stored := reload(t, env, id)
		require.True(t, stored.NeedsReview())
		require.Equal(t, voucher.StatusPending, stored.Status)
		require.True(t, stored.HasShare())
	}

	require.Len(t, alerts.GetActiveAlerts(), 2)
}

func TestRun_CheckActive(t *testing.T) {
	env := setupEnv(t)

	movedOn := addVoucher(t, env)
	kept := addVoucher(t, env)
	quiet := addVoucher(t, env)

	env.clock.Advance(time.Minute)
	env.events.add(transferEvent(t, movedOn.ID, crypto.Challenge{1}, env.clock.Now()))
	env.events.add(transferEvent(t, kept.ID, crypto.Challenge{2}, env.clock.Now()))

	// this device's own receipt of quiet
	receipt := transferEvent(t, quiet.ID, crypto.Challenge{3}, env.clock.Now())
	receipt.ReceiverKey = env.device
	env.events.add(receipt)

	resolver := ResolverFunc(func(_ context.Context, ghost *Ghost) (Decision, error) {
		require.Equal(t, SideReceiver, ghost.Side)
		require.Len(t, ghost.Events, 1)
		if ghost.VoucherID == movedOn.ID {
			return DecisionFinalized, nil
		}
		return DecisionNotFinalized, nil
	})

	report, err := env.engine(WithCheckActive(true), WithResolver(resolver)).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Results, 2)

	res, _ := report.Lookup(movedOn.ID)
	require.Equal(t, OutcomeRetired, res.Outcome)
	stored := reload(t, env, movedOn.ID)
	require.Equal(t, voucher.StatusSpent, stored.Status)
	require.False(t, stored.HasShare())

	res, _ = report.Lookup(kept.ID)
	require.Equal(t, OutcomeKept, res.Outcome)
	require.Equal(t, voucher.StatusActive, reload(t, env, kept.ID).Status)

	_, ok := report.Lookup(quiet.ID)
	require.False(t, ok)
}

func TestRun_ActiveVouchersSkippedByDefault(t *testing.T) {
	env := setupEnv(t)
	v := addVoucher(t, env)
	env.events.add(transferEvent(t, v.ID, crypto.Challenge{1}, env.clock.Now()))

	report, err := env.engine().Run(context.Background())
	require.NoError(t, err)
	require.Empty(t, report.Results)
	require.Zero(t, env.events.queries)
}

func TestRun_AgainstRelay(t *testing.T) {
	server, err := relay.NewServer(logger.NewNopLogger(), mapdb.NewMapDB())
	require.NoError(t, err)
	ts := httptest.NewServer(server)
	t.Cleanup(func() {
		server.Close()
		ts.Close()
	})
	url := "ws" + strings.TrimPrefix(ts.URL, "http")

	cipher, err := crypto.NewMarketCipher(make([]byte, crypto.HKDFKeySize), "marche-test")
	require.NoError(t, err)

	newClient := func() *relay.Client {
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err)
		c := relay.NewClient(logger.NewNopLogger(), url, &crypto.Identity{PrivateKey: priv, PublicKey: pub}, cipher,
			relay.WithRequestTimeout(2*time.Second))
		t.Cleanup(func() { _ = c.Disconnect() })
		return c
	}

	store, err := voucher.NewStorageManager(mapdb.NewMapDB())
	require.NoError(t, err)
	clock := &testClock{now: time.Now().Add(-time.Minute).Truncate(time.Second)}
	locks := lock.NewManager(logger.NewNopLogger(), store, lock.WithClock(clock.Now))
	env := &testEnv{store: store, locks: locks, clock: clock, device: newKey(t)}

	settled := addVoucher(t, env)
	challenge := lockVoucher(t, env, settled)
	ghost := addVoucher(t, env)
	lockVoucher(t, env, ghost)

	ev := transferEvent(t, settled.ID, challenge, clock.Now().Add(10*time.Second))
	ev.Market = "marche-test"
	require.NoError(t, newClient().PublishTransferEvent(context.Background(), ev))

	clock.Advance(lock.DefaultTTL + time.Second)

	engine := NewEngine(logger.NewNopLogger(), store, locks, newClient(), WithDeviceKey(env.device))
	report, err := engine.Run(context.Background())
	require.NoError(t, err)
	require.True(t, report.RelayAvailable)

	res, _ := report.Lookup(settled.ID)
	require.Equal(t, OutcomeFinalized, res.Outcome)
	require.Equal(t, voucher.StatusSpent, reload(t, env, settled.ID).Status)

	res, _ = report.Lookup(ghost.ID)
	require.Equal(t, OutcomeAmbiguous, res.Outcome)
	require.Equal(t, voucher.StatusPending, reload(t, env, ghost.ID).Status)
}
