// Package chat implements the client side of the casechat real-time
// synchronization protocol: one WebSocket connection to the backend, an
// optimistic outbound command surface, and an event dispatcher that
// reconciles server confirmations into the local store.
package chat

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/casemark-dev/casechat/internal/client/store"
	"github.com/casemark-dev/casechat/internal/protocol"
)

var (
	ErrNotConnected = errors.New("not connected to chat server")
	ErrEmptyMessage = errors.New("message is empty")
	ErrAuthRequired = errors.New("authentication required")
)

// ConnState is the connection lifecycle state. Transitions are driven by
// protocol events, except the liveness check which re-dials when
// disconnected with a valid credential at hand.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateAuthFailed
)

// TokenPair is an access/refresh credential pair.
type TokenPair struct {
	Access  string
	Refresh string
}

// CredentialStore supplies and persists tokens. Implemented by the
// encrypted session file; swapped for fakes in tests.
type CredentialStore interface {
	AccessToken() string
	RefreshToken() string
	Persist(access, refresh string) error
}

// TokenRefresher exchanges a refresh token for a new pair, typically
// over HTTP.
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (TokenPair, error)
}

// LocaleProvider supplies the preferred response language attached to
// send and regenerate commands.
type LocaleProvider interface {
	Preferred() string
}

const (
	defaultLivenessInterval = 3 * time.Second
	defaultErrorClearDelay  = 5 * time.Second
	defaultPendingTimeout   = 30 * time.Second
	refreshTimeout          = 15 * time.Second
)

// Manager owns the chat connection and all per-connection transient
// state. The store it writes to is the single source of truth the UI
// reads from.
type Manager struct {
	serverURL string
	store     *store.Store
	creds     CredentialStore
	refresher TokenRefresher
	locale    LocaleProvider
	log       *zap.Logger

	mu          sync.Mutex
	conn        *websocket.Conn
	state       ConnState
	gen         uint64 // connection generation; stale read loops bail out
	currentConv string

	writeMu sync.Mutex

	tracker    *tracker
	refreshing atomic.Bool

	versionsMu sync.Mutex
	versions   map[string][]protocol.MessageVersion

	timerMu       sync.Mutex
	errTimer      *time.Timer
	pendingTimers map[string]*time.Timer

	livenessInterval time.Duration
	errorClearDelay  time.Duration
	pendingTimeout   time.Duration

	stopLiveness chan struct{}
	livenessOnce sync.Once
}

func NewManager(serverURL string, st *store.Store, creds CredentialStore, refresher TokenRefresher, locale LocaleProvider, log *zap.Logger) *Manager {
	return &Manager{
		serverURL:        serverURL,
		store:            st,
		creds:            creds,
		refresher:        refresher,
		locale:           locale,
		log:              log,
		tracker:          newTracker(),
		versions:         make(map[string][]protocol.MessageVersion),
		pendingTimers:    make(map[string]*time.Timer),
		livenessInterval: defaultLivenessInterval,
		errorClearDelay:  defaultErrorClearDelay,
		pendingTimeout:   defaultPendingTimeout,
		stopLiveness:     make(chan struct{}),
	}
}

// Connect establishes the streaming connection authenticated by token.
// A blank token is a silent no-op; the caller guarantees credentials
// before dialing. Connecting while connected is a no-op; a stale
// connection is torn down first.
func (m *Manager) Connect(token string) error {
	if strings.TrimSpace(token) == "" {
		m.log.Debug("connect skipped, no credential")
		return nil
	}

	m.mu.Lock()
	if m.state == StateConnecting || m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}
	if m.conn != nil {
		m.teardownLocked()
	}
	m.state = StateConnecting
	m.mu.Unlock()

	dialURL, err := wsURL(m.serverURL, token)
	if err != nil {
		m.setState(StateDisconnected)
		return err
	}

	conn, _, err := websocket.DefaultDialer.Dial(dialURL, nil)
	if err != nil {
		m.setState(StateDisconnected)
		m.log.Warn("dial failed", zap.Error(err))
		return err
	}

	m.mu.Lock()
	m.conn = conn
	m.state = StateConnected
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	m.log.Info("transport connected", zap.String("url", m.serverURL))
	go m.readLoop(conn, gen)
	return nil
}

// Disconnect tears the connection down and clears all per-connection
// transient state: the identity tracker, pending flags and the
// current-conversation pointer. Optimistic entries stay in the store
// as-is until the next reload.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.teardownLocked()
	m.mu.Unlock()

	m.cancelTimers()
	m.tracker.clear()
	m.store.ClearAllPending()
	m.store.SetTyping(false)
	m.store.SetConnected(false)
}

// teardownLocked must be called with mu held.
func (m *Manager) teardownLocked() {
	m.gen++
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.state = StateDisconnected
	m.currentConv = ""
}

// Close stops the liveness loop and disconnects.
func (m *Manager) Close() {
	m.livenessOnce.Do(func() { close(m.stopLiveness) })
	m.Disconnect()
}

func (m *Manager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(s ConnState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// CurrentConversation is the last-joined conversation id, the fallback
// for events that omit conversationId.
func (m *Manager) CurrentConversation() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentConv
}

func (m *Manager) setCurrentConversation(id string) {
	m.mu.Lock()
	m.currentConv = id
	m.mu.Unlock()
}

// MessageVersions returns the most recently received version history for
// a message, populated by the message_versions event.
func (m *Manager) MessageVersions(messageID string) []protocol.MessageVersion {
	m.versionsMu.Lock()
	defer m.versionsMu.Unlock()
	return m.versions[messageID]
}

// StartLiveness runs the periodic reconnect check until Close. It never
// fires during an auth-refresh cycle and never after a terminal auth
// failure.
func (m *Manager) StartLiveness() {
	go func() {
		ticker := time.NewTicker(m.livenessInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopLiveness:
				return
			case <-ticker.C:
				if m.refreshing.Load() {
					continue
				}
				if m.State() != StateDisconnected {
					continue
				}
				token := m.creds.AccessToken()
				if token == "" {
					continue
				}
				m.log.Debug("liveness reconnect")
				if err := m.Connect(token); err != nil {
					m.log.Debug("liveness reconnect failed", zap.Error(err))
				}
			}
		}
	}()
}

func (m *Manager) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.mu.Lock()
			stale := gen != m.gen
			if !stale {
				m.teardownLocked()
			}
			m.mu.Unlock()
			if !stale {
				m.log.Info("connection closed", zap.Error(err))
				m.tracker.clear()
				m.store.SetConnected(false)
				m.store.SetTyping(false)
			}
			return
		}
		// Events are handled one at a time in arrival order; the
		// list-mutation invariants depend on it.
		m.dispatch(data)
	}
}

// send serializes an outbound command. Writes go through one mutex: the
// transport allows a single concurrent writer.
func (m *Manager) send(msgType string, payload any) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	env, err := protocol.NewEnvelope(msgType, payload)
	if err != nil {
		return err
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return conn.WriteJSON(env)
}

// appConnected reports app-level connectivity: the server's connected
// handshake has arrived on the current transport.
func (m *Manager) appConnected() bool {
	return m.store.IsConnected()
}

// --- timers ---

// scheduleErrorClear surfaces msg to the UI for a bounded duration.
func (m *Manager) scheduleErrorClear(msg string) {
	m.store.SetLastError(msg)

	m.timerMu.Lock()
	defer m.timerMu.Unlock()
	if m.errTimer != nil {
		m.errTimer.Stop()
	}
	m.errTimer = time.AfterFunc(m.errorClearDelay, func() {
		m.store.ClearLastError()
	})
}

// markPending sets the loading flag for a message with a fail-open
// timeout so the UI never spins forever.
func (m *Manager) markPending(messageID string, kind store.PendingKind) {
	m.store.SetPending(messageID, kind)

	m.timerMu.Lock()
	defer m.timerMu.Unlock()
	if t, ok := m.pendingTimers[messageID]; ok {
		t.Stop()
	}
	m.pendingTimers[messageID] = time.AfterFunc(m.pendingTimeout, func() {
		m.store.ClearPending(messageID)
	})
}

func (m *Manager) clearPending(messageID string) {
	m.timerMu.Lock()
	if t, ok := m.pendingTimers[messageID]; ok {
		t.Stop()
		delete(m.pendingTimers, messageID)
	}
	m.timerMu.Unlock()
	m.store.ClearPending(messageID)
}

func (m *Manager) cancelTimers() {
	m.timerMu.Lock()
	defer m.timerMu.Unlock()
	if m.errTimer != nil {
		m.errTimer.Stop()
		m.errTimer = nil
	}
	for id, t := range m.pendingTimers {
		t.Stop()
		delete(m.pendingTimers, id)
	}
}

// --- helpers ---

func wsURL(serverURL, token string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// newTempID generates a provisional message id. Nanosecond timestamp
// plus a random suffix keeps collision probability negligible for the
// life of the process.
func newTempID() string {
	return "temp-" + time.Now().UTC().Format("20060102150405.000000000") + "-" + uuid.NewString()[:8]
}
