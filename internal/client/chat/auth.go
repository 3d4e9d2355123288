package chat

import (
	"context"

	"go.uber.org/zap"

	"github.com/casemark-dev/casechat/internal/protocol"
)

// handleAuthError runs the single-attempt refresh-and-reconnect cycle.
// The CAS on refreshing deduplicates bursts of auth_error events and
// keeps the liveness check out of the way: exactly one refresh call and
// one reconnect per failure, never a retry loop. On exhaustion the user
// has to log in again; no further automatic reconnects happen until a
// fresh credential arrives via Connect.
func (m *Manager) handleAuthError(ev protocol.AuthErrorEvent) {
	if !m.refreshing.CompareAndSwap(false, true) {
		m.log.Debug("auth error ignored, refresh in flight")
		return
	}

	m.log.Warn("authentication failure", zap.String("error", ev.Error))

	go func() {
		defer m.refreshing.Store(false)

		refreshToken := m.creds.RefreshToken()
		if refreshToken == "" {
			m.failAuth("no refresh credential stored")
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		defer cancel()

		pair, err := m.refresher.Refresh(ctx, refreshToken)
		if err != nil {
			m.failAuth(err.Error())
			return
		}

		if err := m.creds.Persist(pair.Access, pair.Refresh); err != nil {
			m.log.Warn("persisting refreshed credentials failed", zap.Error(err))
		}

		m.Disconnect()
		if err := m.Connect(pair.Access); err != nil {
			// Transport trouble, not an auth failure; the liveness
			// check picks it up from here.
			m.log.Warn("reconnect after refresh failed", zap.Error(err))
		}
	}()
}

// failAuth tears the connection down and surfaces the re-authentication
// requirement to the UI.
func (m *Manager) failAuth(reason string) {
	m.log.Warn("token refresh failed, logging out", zap.String("reason", reason))
	m.Disconnect()
	m.setState(StateAuthFailed)
	m.store.SetAuthRequired(true)
}
