package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/casemark-dev/casechat/internal/client/store"
	"github.com/casemark-dev/casechat/internal/protocol"
)

type countingRefresher struct {
	mu    sync.Mutex
	calls int
	pair  TokenPair
	err   error
	delay time.Duration
}

func (r *countingRefresher) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	return r.pair, r.err
}

func (r *countingRefresher) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// authTestServer accepts websocket upgrades and drives the auth dance:
// the stale token gets a burst of auth_error frames, the fresh one gets
// the connected handshake and a held-open socket.
func authTestServer(t *testing.T, freshToken string, errorBurst int) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		if r.URL.Query().Get("token") == freshToken {
			frame, _ := json.Marshal(protocol.ConnectedEvent{
				Type: protocol.EvtConnected, UserID: "u1", Username: "ada", Credits: 10,
			})
			conn.WriteMessage(websocket.TextMessage, frame)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}

		frame, _ := json.Marshal(protocol.AuthErrorEvent{
			Type: protocol.EvtAuthError, Error: "invalid or expired token",
		})
		for i := 0; i < errorBurst; i++ {
			conn.WriteMessage(websocket.TextMessage, frame)
		}
	}))
}

func wsBase(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestAuthRefreshReconnects(t *testing.T) {
	srv := authTestServer(t, "fresh-token", 1)
	defer srv.Close()

	st := store.New()
	creds := &fakeCreds{access: "stale-token", refresh: "refresh-1"}
	refresher := &countingRefresher{pair: TokenPair{Access: "fresh-token", Refresh: "refresh-2"}}
	m := NewManager(wsBase(srv), st, creds, refresher, fakeLocale{}, zap.NewNop())
	defer m.Close()

	require.NoError(t, m.Connect("stale-token"))

	require.Eventually(t, st.IsConnected, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, refresher.count())
	assert.Equal(t, "fresh-token", creds.access)
	assert.Equal(t, "refresh-2", creds.refresh)
	assert.Equal(t, "ada", st.Username())
}

func TestAuthRefreshSingleFlight(t *testing.T) {
	// A burst of auth_error frames on one connection must trigger exactly
	// one refresh call.
	srv := authTestServer(t, "fresh-token", 5)
	defer srv.Close()

	st := store.New()
	creds := &fakeCreds{access: "stale-token", refresh: "refresh-1"}
	refresher := &countingRefresher{
		pair:  TokenPair{Access: "fresh-token", Refresh: "refresh-2"},
		delay: 100 * time.Millisecond,
	}
	m := NewManager(wsBase(srv), st, creds, refresher, fakeLocale{}, zap.NewNop())
	defer m.Close()

	require.NoError(t, m.Connect("stale-token"))

	require.Eventually(t, st.IsConnected, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, refresher.count())
}

func TestAuthRefreshFailureRequiresLogin(t *testing.T) {
	srv := authTestServer(t, "never-issued", 1)
	defer srv.Close()

	st := store.New()
	creds := &fakeCreds{access: "stale-token", refresh: "refresh-1"}
	refresher := &countingRefresher{err: errors.New("refresh token revoked")}
	m := NewManager(wsBase(srv), st, creds, refresher, fakeLocale{}, zap.NewNop())
	defer m.Close()

	require.NoError(t, m.Connect("stale-token"))

	require.Eventually(t, st.AuthRequired, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateAuthFailed, m.State())
	assert.False(t, st.IsConnected())
	assert.Equal(t, 1, refresher.count())
}

func TestAuthFailureWithoutRefreshToken(t *testing.T) {
	srv := authTestServer(t, "never-issued", 1)
	defer srv.Close()

	st := store.New()
	creds := &fakeCreds{access: "stale-token"}
	refresher := &countingRefresher{}
	m := NewManager(wsBase(srv), st, creds, refresher, fakeLocale{}, zap.NewNop())
	defer m.Close()

	require.NoError(t, m.Connect("stale-token"))

	require.Eventually(t, st.AuthRequired, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, refresher.count())
}

func TestConnectWithBlankTokenIsNoOp(t *testing.T) {
	m, _ := newTestManager(t)
	require.NoError(t, m.Connect("   "))
	assert.Equal(t, StateDisconnected, m.State())
}

func TestLivenessSkipsAfterAuthFailure(t *testing.T) {
	srv := authTestServer(t, "never-issued", 1)
	defer srv.Close()

	st := store.New()
	creds := &fakeCreds{access: "stale-token", refresh: "refresh-1"}
	refresher := &countingRefresher{err: errors.New("revoked")}
	m := NewManager(wsBase(srv), st, creds, refresher, fakeLocale{}, zap.NewNop())
	m.livenessInterval = 10 * time.Millisecond
	defer m.Close()
	m.StartLiveness()

	require.NoError(t, m.Connect("stale-token"))
	require.Eventually(t, st.AuthRequired, 3*time.Second, 10*time.Millisecond)

	// StateAuthFailed blocks automatic reconnects; the refresher must not
	// be hit again by the liveness ticker.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, refresher.count())
	assert.Equal(t, StateAuthFailed, m.State())
}
