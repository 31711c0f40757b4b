package relay

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/iotaledger/hive.go/kvstore"
	"github.com/iotaledger/hive.go/logger"
	"github.com/iotaledger/hive.go/serializer/v2/marshalutil"
	"github.com/pkg/errors"

	"github.com/troczen/wallet/v2/internal/crypto"
)

const (
	// Storage key prefixes
	StorePrefixEvent byte = 0

	// DefaultMaxFutureSkew rejects events dated too far ahead.
	DefaultMaxFutureSkew = 15 * time.Minute
)

// Server is a small relay for a single market. Events are kept in a kvstore
// realm; replaceable events occupy one slot per author and voucher.
type Server struct {
	*logger.WrappedLogger

	store         kvstore.KVStore
	upgrader      websocket.Upgrader
	maxFutureSkew time.Duration
	now           func() time.Time

	// serializes read-modify-write of replaceable slots
	storeMu sync.Mutex

	mu       sync.RWMutex
	sessions map[*session]struct{}
}

type session struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[string][]*Filter
}

func (s *session) send(msg interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteJSON(msg)
}

// NewServer creates a relay backed by store.
func NewServer(log *logger.Logger, store kvstore.KVStore) (*Server, error) {
	relayStore, err := store.WithRealm([]byte{0xFE}) // relay realm
	if err != nil {
		return nil, errors.Wrap(err, "failed to open relay realm")
	}

	return &Server{
		WrappedLogger: logger.NewWrappedLogger(log),
		store:         relayStore,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		maxFutureSkew: DefaultMaxFutureSkew,
		now:           time.Now,
		sessions:      make(map[*session]struct{}),
	}, nil
}

// ServeHTTP upgrades the request and serves the relay protocol on it.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.LogDebugf("websocket upgrade failed: %v", err)
		return
	}

	sess := &session{conn: conn, subs: make(map[string][]*Filter)}

	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.handleMessage(sess, data)
	}
}

// Close drops every open session.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for sess := range s.sessions {
		_ = sess.conn.Close()
	}
}

// Publish validates and stores an event. It returns whether the event is
// held by the relay and a reason prefixed the usual way.
func (s *Server) Publish(ev *Event) (bool, string) {
	if err := ev.Verify(); err != nil {
		return false, "invalid: " + err.Error()
	}
	if s.now().Add(s.maxFutureSkew).Before(ev.Time()) {
		return false, "invalid: created_at too far in the future"
	}

	key, err := s.eventKey(ev)
	if err != nil {
		return false, "invalid: " + err.Error()
	}

	s.storeMu.Lock()
	defer s.storeMu.Unlock()

	existing, err := s.load(key)
	switch {
	case err == nil && !isReplaceable(ev.Kind):
		return true, "duplicate: already have this event"
	case err == nil && existing.CreatedAt > ev.CreatedAt:
		return true, "duplicate: have a newer event"
	case err != nil && !errors.Is(err, kvstore.ErrKeyNotFound):
		s.LogErrorf("failed to read event slot: %v", err)
		return false, "error: storage failure"
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return false, "error: " + err.Error()
	}
	if err := s.store.Set(key, data); err != nil {
		s.LogErrorf("failed to store event %s: %v", ev.ID, err)
		return false, "error: storage failure"
	}

	s.broadcast(ev)

	return true, ""
}

// Query returns the stored events matching filter, newest first.
func (s *Server) Query(filter *Filter) ([]*Event, error) {
	var (
		events   []*Event
		innerErr error
	)

	if err := s.store.Iterate([]byte{StorePrefixEvent}, func(_ kvstore.Key, value kvstore.Value) bool {
		var ev Event
		if err := json.Unmarshal(value, &ev); err != nil {
			innerErr = errors.Wrap(err, "failed to deserialize event")
			return false
		}
		if filter.Matches(&ev) {
			events = append(events, &ev)
		}
		return true
	}); err != nil {
		return nil, errors.Wrap(err, "failed to iterate events")
	}
	if innerErr != nil {
		return nil, innerErr
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].CreatedAt > events[j].CreatedAt
	})

	if filter.Limit > 0 && len(events) > filter.Limit {
		events = events[:filter.Limit]
	}

	return events, nil
}

func (s *Server) handleMessage(sess *session, data []byte) {
	var msg []json.RawMessage
	if err := json.Unmarshal(data, &msg); err != nil || len(msg) < 2 {
		_ = sess.send([]interface{}{"NOTICE", "error: malformed message"})
		return
	}

	var label string
	if err := json.Unmarshal(msg[0], &label); err != nil {
		_ = sess.send([]interface{}{"NOTICE", "error: malformed message"})
		return
	}

	switch label {
	case "EVENT":
		var ev Event
		if err := json.Unmarshal(msg[1], &ev); err != nil {
			_ = sess.send([]interface{}{"NOTICE", "error: malformed event"})
			return
		}
		accepted, message := s.Publish(&ev)
		_ = sess.send([]interface{}{"OK", ev.ID, accepted, message})

	case "REQ":
		var subID string
		if err := json.Unmarshal(msg[1], &subID); err != nil || len(msg) < 3 {
			_ = sess.send([]interface{}{"NOTICE", "error: malformed request"})
			return
		}

		filters := make([]*Filter, 0, len(msg)-2)
		for _, raw := range msg[2:] {
			var f Filter
			if err := json.Unmarshal(raw, &f); err != nil {
				_ = sess.send([]interface{}{"CLOSED", subID, "invalid: malformed filter"})
				return
			}
			filters = append(filters, &f)
		}

		for _, f := range filters {
			events, err := s.Query(f)
			if err != nil {
				s.LogErrorf("query failed: %v", err)
				_ = sess.send([]interface{}{"CLOSED", subID, "error: storage failure"})
				return
			}
			for _, ev := range events {
				_ = sess.send([]interface{}{"EVENT", subID, ev})
			}
		}
		_ = sess.send([]interface{}{"EOSE", subID})

		sess.mu.Lock()
		sess.subs[subID] = filters
		sess.mu.Unlock()

	case "CLOSE":
		var subID string
		if err := json.Unmarshal(msg[1], &subID); err != nil {
			return
		}
		sess.mu.Lock()
		delete(sess.subs, subID)
		sess.mu.Unlock()

	default:
		_ = sess.send([]interface{}{"NOTICE", "error: unknown message type " + label})
	}
}

// broadcast pushes a freshly stored event to live subscriptions.
func (s *Server) broadcast(ev *Event) {
	s.mu.RLock()
	sessions := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.RUnlock()

	for _, sess := range sessions {
		sess.mu.Lock()
		var matched []string
		for subID, filters := range sess.subs {
			for _, f := range filters {
				if f.Matches(ev) {
					matched = append(matched, subID)
					break
				}
			}
		}
		sess.mu.Unlock()

		for _, subID := range matched {
			_ = sess.send([]interface{}{"EVENT", subID, ev})
		}
	}
}

func (s *Server) load(key []byte) (*Event, error) {
	value, err := s.store.Get(key)
	if err != nil {
		return nil, err
	}

	var ev Event
	if err := json.Unmarshal(value, &ev); err != nil {
		return nil, errors.Wrap(err, "failed to deserialize event")
	}
	return &ev, nil
}

func (s *Server) eventKey(ev *Event) ([]byte, error) {
	var slot []byte
	if isReplaceable(ev.Kind) {
		digest := crypto.Digest([]byte(ev.replaceKey()))
		slot = digest[:]
	} else {
		id, err := hex.DecodeString(ev.ID)
		if err != nil {
			return nil, errors.Wrap(err, "bad event id")
		}
		slot = id
	}

	ms := marshalutil.New(1 + len(slot))
	ms.WriteByte(StorePrefixEvent)
	ms.WriteBytes(slot)
	return ms.Bytes(), nil
}
