package relay

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/iotaledger/hive.go/logger"

	"github.com/troczen/wallet/v2/internal/crypto"
	"github.com/troczen/wallet/v2/internal/monitoring"
)

var (
	ErrRelayUnavailable = errors.New("relay unavailable")
	ErrRejected         = errors.New("event rejected by relay")
	ErrShareNotFound    = errors.New("cache share not found")

	errNotConnected   = errors.New("not connected")
	errRequestTimeout = errors.New("relay request timed out")
)

const (
	DefaultDialTimeout    = 10 * time.Second
	DefaultRequestTimeout = 10 * time.Second
)

type okMessage struct {
	accepted bool
	message  string
	err      error
}

type pendingPublish struct {
	conn *websocket.Conn
	ch   chan okMessage
}

type subscription struct {
	conn *websocket.Conn
	done chan struct{}
	once sync.Once

	mu     sync.Mutex
	events []*Event
	err    error
}

func (s *subscription) add(e *Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *subscription) finish(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *subscription) result() ([]*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events, s.err
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithMetrics records relay round trips.
func WithMetrics(metrics *monitoring.MetricsCollector) ClientOption {
	return func(c *Client) {
		c.metrics = metrics
	}
}

// WithRetryConfig overrides the publish and query retry policy.
func WithRetryConfig(config *RetryConfig) ClientOption {
	return func(c *Client) {
		c.retryConfig = config
	}
}

// WithDialTimeout bounds the websocket handshake.
func WithDialTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.dialer.HandshakeTimeout = d
	}
}

// WithRequestTimeout bounds every request waiting for a relay answer.
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.requestTimeout = d
	}
}

// Client talks to a single relay over a websocket. It publishes transfer
// events, queries them back and caches market-encrypted cache shares.
// Every failure reaching the relay is reported as ErrRelayUnavailable.
type Client struct {
	*logger.WrappedLogger

	url            string
	identity       *crypto.Identity
	cipher         *crypto.MarketCipher
	dialer         *websocket.Dialer
	requestTimeout time.Duration
	retryConfig    *RetryConfig
	retry          *RetryManager
	metrics        *monitoring.MetricsCollector

	mu      sync.Mutex
	conn    *websocket.Conn
	waiters map[string]*pendingPublish
	subs    map[string]*subscription

	writeMu sync.Mutex

	cacheMu sync.RWMutex
	shares  map[shareKey][]byte
}

// shareKey identifies a cache share by voucher and publishing issuer.
type shareKey struct {
	id     crypto.VoucherID
	author string
}

// NewClient creates a relay client. The connection is opened lazily.
func NewClient(log *logger.Logger, url string, identity *crypto.Identity, cipher *crypto.MarketCipher, opts ...ClientOption) *Client {
	c := &Client{
		WrappedLogger:  logger.NewWrappedLogger(log),
		url:            url,
		identity:       identity,
		cipher:         cipher,
		dialer:         &websocket.Dialer{HandshakeTimeout: DefaultDialTimeout},
		requestTimeout: DefaultRequestTimeout,
		waiters:        make(map[string]*pendingPublish),
		subs:           make(map[string]*subscription),
		shares:         make(map[shareKey][]byte),
	}

	for _, opt := range opts {
		opt(c)
	}
	c.retry = NewRetryManager(log, c.retryConfig)

	return c
}

// URL returns the relay address.
func (c *Client) URL() string {
	return c.url
}

// Market returns the market the client publishes to.
func (c *Client) Market() string {
	return c.cipher.Market()
}

// Connect opens the websocket if it is not open yet.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}

	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", ErrRelayUnavailable, c.url, err)
	}

	c.conn = conn
	go c.readLoop(conn)

	c.LogDebugf("connected to relay %s", c.url)

	return nil
}

// Disconnect closes the websocket. Pending requests fail.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()

	c.dropConn(conn, errNotConnected)

	return nil
}

// EraseCache wipes every cache share held in memory.
func (c *Client) EraseCache() {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()

	for key, share := range c.shares {
		crypto.SecureErase(share)
		delete(c.shares, key)
	}
}

// PublishTransferEvent signs and publishes the record of a transfer.
func (c *Client) PublishTransferEvent(ctx context.Context, t *TransferEvent) error {
	if t.Market == "" {
		t.Market = c.cipher.Market()
	}

	ev, err := t.ToEvent()
	if err != nil {
		return err
	}
	if err := ev.Sign(c.identity); err != nil {
		return err
	}

	return c.publish(ctx, "publish_transfer", ev)
}

// QueryEventsSince returns the transfer events of a voucher created at or
// after since, oldest first.
func (c *Client) QueryEventsSince(ctx context.Context, id crypto.VoucherID, since time.Time) ([]*TransferEvent, error) {
	events, err := c.query(ctx, "query_transfers", &Filter{
		Kinds:    []int{KindTransfer},
		Vouchers: []string{id.String()},
		Markets:  []string{c.cipher.Market()},
		Since:    since.Unix(),
	})
	if err != nil {
		return nil, err
	}

	transfers := make([]*TransferEvent, 0, len(events))
	for _, ev := range events {
		t, err := ParseTransferEvent(ev)
		if err != nil {
			c.LogDebugf("skipping transfer event %s: %v", ev.ID, err)
			continue
		}
		if t.VoucherID != id {
			continue
		}
		transfers = append(transfers, t)
	}

	sort.SliceStable(transfers, func(i, j int) bool {
		return transfers[i].CreatedAt.Before(transfers[j].CreatedAt)
	})

	return transfers, nil
}

// PublishShare encrypts the cache share for the market and publishes it.
func (c *Client) PublishShare(ctx context.Context, id crypto.VoucherID, shareC []byte) error {
	if len(shareC) != crypto.ShareSize {
		return fmt.Errorf("%w: expected %d bytes, got %d", crypto.ErrInvalidShare, crypto.ShareSize, len(shareC))
	}

	ciphertext, err := c.cipher.Encrypt(shareC, id[:])
	if err != nil {
		return err
	}

	ev := NewEvent(KindShareCache, time.Now(), base64.StdEncoding.EncodeToString(ciphertext),
		[]string{TagVoucher, id.String()},
		[]string{TagMarket, c.cipher.Market()},
		[]string{TagReplace, id.String()},
	)
	if err := ev.Sign(c.identity); err != nil {
		return err
	}

	if err := c.publish(ctx, "publish_share", ev); err != nil {
		return err
	}

	c.remember(shareKey{id, ev.PubKey}, shareC)

	return nil
}

// GetCachedShare returns the cache share of a voucher as published by its
// issuer. Shares published under any other key are ignored. The caller owns
// the returned slice and should erase it after use.
func (c *Client) GetCachedShare(ctx context.Context, id crypto.VoucherID, issuer ed25519.PublicKey) ([]byte, error) {
	if len(issuer) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: issuer key is %d bytes", crypto.ErrInvalidPublicKey, len(issuer))
	}

	key := shareKey{id, hex.EncodeToString(issuer)}
	if share, ok := c.cached(key); ok {
		return share, nil
	}

	events, err := c.query(ctx, "get_share", &Filter{
		Authors:  []string{key.author},
		Kinds:    []int{KindShareCache},
		Vouchers: []string{id.String()},
		Markets:  []string{c.cipher.Market()},
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].CreatedAt > events[j].CreatedAt
	})

	for _, ev := range events {
		if ev.PubKey != key.author {
			continue
		}
		ciphertext, err := base64.StdEncoding.DecodeString(ev.Content)
		if err != nil {
			continue
		}
		share, err := c.cipher.Decrypt(ciphertext, id[:])
		if err != nil || len(share) != crypto.ShareSize {
			c.LogDebugf("skipping share event %s: cannot decrypt", ev.ID)
			continue
		}

		c.remember(key, share)
		return share, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrShareNotFound, id)
}

func (c *Client) cached(key shareKey) ([]byte, bool) {
	c.cacheMu.RLock()
	defer c.cacheMu.RUnlock()

	share, ok := c.shares[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), share...), true
}

func (c *Client) remember(key shareKey, share []byte) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()

	if old, ok := c.shares[key]; ok {
		crypto.SecureErase(old)
	}
	c.shares[key] = append([]byte(nil), share...)
}

func (c *Client) publish(ctx context.Context, operation string, ev *Event) error {
	start := time.Now()
	err := c.retry.RetryWithBackoff(ctx, operation, func(ctx context.Context) error {
		return c.publishOnce(ctx, ev)
	})
	c.recordRequest(operation, err, time.Since(start))

	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrRelayUnavailable, operation, err)
	}

	return nil
}

func (c *Client) publishOnce(ctx context.Context, ev *Event) error {
	conn, err := c.connection(ctx)
	if err != nil {
		return err
	}

	waiter := &pendingPublish{conn: conn, ch: make(chan okMessage, 1)}
	c.mu.Lock()
	c.waiters[ev.ID] = waiter
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.waiters[ev.ID] == waiter {
			delete(c.waiters, ev.ID)
		}
		c.mu.Unlock()
	}()

	if err := c.write(conn, []interface{}{"EVENT", ev}); err != nil {
		c.dropConn(conn, err)
		return err
	}

	timer := time.NewTimer(c.requestTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errRequestTimeout
	case ok := <-waiter.ch:
		switch {
		case ok.err != nil:
			return ok.err
		case ok.accepted:
			return nil
		case strings.HasPrefix(ok.message, "duplicate:"):
			return nil
		default:
			return fmt.Errorf("%w: %s", ErrRejected, ok.message)
		}
	}
}

func (c *Client) query(ctx context.Context, operation string, filter *Filter) ([]*Event, error) {
	var events []*Event

	start := time.Now()
	err := c.retry.RetryWithBackoff(ctx, operation, func(ctx context.Context) error {
		var err error
		events, err = c.queryOnce(ctx, filter)
		return err
	})
	c.recordRequest(operation, err, time.Since(start))

	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrRelayUnavailable, operation, err)
	}

	return events, nil
}

func (c *Client) queryOnce(ctx context.Context, filter *Filter) ([]*Event, error) {
	conn, err := c.connection(ctx)
	if err != nil {
		return nil, err
	}

	subID := uuid.NewString()
	sub := &subscription{conn: conn, done: make(chan struct{})}

	c.mu.Lock()
	c.subs[subID] = sub
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.subs, subID)
		c.mu.Unlock()
		_ = c.write(conn, []interface{}{"CLOSE", subID})
	}()

	if err := c.write(conn, []interface{}{"REQ", subID, filter}); err != nil {
		c.dropConn(conn, err)
		return nil, err
	}

	timer := time.NewTimer(c.requestTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, errRequestTimeout
	case <-sub.done:
	}

	events, err := sub.result()
	if err != nil {
		return nil, err
	}

	verified := make([]*Event, 0, len(events))
	for _, ev := range events {
		if err := ev.Verify(); err != nil {
			c.LogWarnf("relay returned an invalid event %s: %v", ev.ID, err)
			continue
		}
		if !filter.Matches(ev) {
			continue
		}
		verified = append(verified, ev)
	}

	return verified, nil
}

func (c *Client) connection(ctx context.Context) (*websocket.Conn, error) {
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil, errNotConnected
	}
	return c.conn, nil
}

func (c *Client) write(conn *websocket.Conn, msg interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(c.requestTimeout))
	return conn.WriteJSON(msg)
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.dropConn(conn, err)
			return
		}
		c.handleMessage(conn, data)
	}
}

func (c *Client) handleMessage(conn *websocket.Conn, data []byte) {
	var msg []json.RawMessage
	if err := json.Unmarshal(data, &msg); err != nil || len(msg) < 2 {
		c.LogDebugf("ignoring malformed relay message")
		return
	}

	var label string
	if err := json.Unmarshal(msg[0], &label); err != nil {
		return
	}

	switch label {
	case "OK":
		var id, message string
		var accepted bool
		if len(msg) < 3 || json.Unmarshal(msg[1], &id) != nil || json.Unmarshal(msg[2], &accepted) != nil {
			return
		}
		if len(msg) > 3 {
			_ = json.Unmarshal(msg[3], &message)
		}

		c.mu.Lock()
		waiter, ok := c.waiters[id]
		c.mu.Unlock()
		if ok && waiter.conn == conn {
			select {
			case waiter.ch <- okMessage{accepted: accepted, message: message}:
			default:
			}
		}

	case "EVENT":
		var subID string
		var ev Event
		if len(msg) < 3 || json.Unmarshal(msg[1], &subID) != nil || json.Unmarshal(msg[2], &ev) != nil {
			return
		}
		if sub := c.lookupSub(subID); sub != nil {
			sub.add(&ev)
		}

	case "EOSE":
		var subID string
		if json.Unmarshal(msg[1], &subID) != nil {
			return
		}
		if sub := c.lookupSub(subID); sub != nil {
			sub.finish(nil)
		}

	case "CLOSED":
		var subID, message string
		if json.Unmarshal(msg[1], &subID) != nil {
			return
		}
		if len(msg) > 2 {
			_ = json.Unmarshal(msg[2], &message)
		}
		if sub := c.lookupSub(subID); sub != nil {
			sub.finish(fmt.Errorf("%w: %s", ErrRejected, message))
		}

	case "NOTICE":
		var notice string
		_ = json.Unmarshal(msg[1], &notice)
		c.LogInfof("relay notice: %s", notice)
	}
}

func (c *Client) lookupSub(id string) *subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[id]
}

// dropConn forgets conn and fails every request issued on it.
func (c *Client) dropConn(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}

	var waiters []*pendingPublish
	for _, w := range c.waiters {
		if w.conn == conn {
			waiters = append(waiters, w)
		}
	}
	var subs []*subscription
	for _, s := range c.subs {
		if s.conn == conn {
			subs = append(subs, s)
		}
	}
	c.mu.Unlock()

	_ = conn.Close()

	lost := fmt.Errorf("connection lost: %v", cause)
	for _, w := range waiters {
		select {
		case w.ch <- okMessage{err: lost}:
		default:
		}
	}
	for _, s := range subs {
		s.finish(lost)
	}
}

func (c *Client) recordRequest(operation string, err error, latency time.Duration) {
	if c.metrics != nil {
		c.metrics.RecordRelayRequest(operation, err, latency)
	}
}
