// Package handlers wires the reference backend's HTTP surface: the
// WebSocket upgrade, the out-of-band auth endpoints and the version
// history REST fetch.
package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/casemark-dev/casechat/internal/protocol"
	"github.com/casemark-dev/casechat/internal/server/ratelimit"
	"github.com/casemark-dev/casechat/internal/server/storage"
	"github.com/casemark-dev/casechat/internal/server/ws"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Server struct {
	Store   *storage.Store
	Hub     *ws.Hub
	Limiter *ratelimit.RateLimiter
	Log     *zap.Logger
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.HealthCheck).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.HandleWebSocket)
	r.HandleFunc("/auth/login", s.HandleLogin).Methods(http.MethodPost)
	r.HandleFunc("/auth/refresh", s.HandleRefresh).Methods(http.MethodPost)
	r.HandleFunc("/messages/{id}/versions", s.HandleListVersions).Methods(http.MethodGet)
	return r
}

func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// HandleWebSocket upgrades the connection and authenticates it from the
// token query parameter. A bad token still upgrades, then gets an
// auth_error event so the client can run its refresh cycle; the socket
// closes right after.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	clientIP := ratelimit.GetClientIP(r)

	if !s.Limiter.CanConnect(clientIP) {
		http.Error(w, "Too many connections from your IP", http.StatusTooManyRequests)
		s.Log.Warn("rate limited connection", zap.String("ip", clientIP))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Log.Warn("upgrade error", zap.Error(err))
		return
	}

	token := r.URL.Query().Get("token")
	userID, err := s.Store.LookupToken(token, storage.TokenKindAccess)
	if err != nil {
		ev, _ := json.Marshal(protocol.AuthErrorEvent{
			Type: protocol.EvtAuthError, Error: "invalid or expired token",
		})
		conn.WriteMessage(websocket.TextMessage, ev)
		conn.Close()
		return
	}

	s.Limiter.AddConnection(clientIP)

	client := &ws.Client{
		Hub:    s.Hub,
		Conn:   conn,
		Send:   make(chan []byte, 256),
		Store:  s.Store,
		Log:    s.Log.With(zap.String("userId", userID)),
		UserID: userID,
		IP:     clientIP,
	}
	s.Hub.Register <- client

	go func() {
		defer s.Limiter.RemoveConnection(clientIP)
		client.WritePump()
	}()

	// Queue the handshake before the read pump can unregister us.
	client.SendConnected()
	go client.ReadPump()
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Action   string `json:"action"` // "login" or "register"
}

type tokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	UserID       string `json:"userId,omitempty"`
}

func (s *Server) HandleLogin(w http.ResponseWriter, r *http.Request) {
	clientIP := ratelimit.GetClientIP(r)
	if !s.Limiter.CanAuth(clientIP) {
		writeError(w, http.StatusTooManyRequests, "too many login attempts, please wait a minute")
		return
	}

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	var userID string
	switch req.Action {
	case "register":
		hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "registration failed")
			return
		}
		userID, err = s.Store.CreateUser(req.Username, string(hash))
		if err != nil {
			writeError(w, http.StatusConflict, "username already taken")
			return
		}
	default:
		user, err := s.Store.GetUserByUsername(req.Username)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		userID = user.ID
	}

	access, err := s.Store.IssueToken(userID, storage.TokenKindAccess, storage.AccessTokenTTL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "issuing token failed")
		return
	}
	refresh, err := s.Store.IssueToken(userID, storage.TokenKindRefresh, storage.RefreshTokenTTL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "issuing token failed")
		return
	}

	writeJSON(w, tokenResponse{AccessToken: access, RefreshToken: refresh, UserID: userID})
}

// HandleRefresh exchanges a live refresh token for a fresh access token,
// rotating the refresh token as well.
func (s *Server) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "refreshToken is required")
		return
	}

	userID, err := s.Store.LookupToken(req.RefreshToken, storage.TokenKindRefresh)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid or expired refresh token")
		return
	}

	s.Store.RevokeToken(req.RefreshToken)

	access, err := s.Store.IssueToken(userID, storage.TokenKindAccess, storage.AccessTokenTTL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "issuing token failed")
		return
	}
	refresh, err := s.Store.IssueToken(userID, storage.TokenKindRefresh, storage.RefreshTokenTTL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "issuing token failed")
		return
	}

	writeJSON(w, tokenResponse{AccessToken: access, RefreshToken: refresh})
}

func (s *Server) HandleListVersions(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	messageID := mux.Vars(r)["id"]
	msg, err := s.Store.GetMessage(messageID)
	if err != nil {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}
	conv, err := s.Store.GetConversation(msg.ConversationID)
	if err != nil || conv.UserID != userID {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}

	versions, err := s.Store.GetMessageVersions(messageID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "loading versions failed")
		return
	}
	writeJSON(w, map[string]any{"versions": versions})
}

func (s *Server) authenticate(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return "", false
	}
	userID, err := s.Store.LookupToken(token, storage.TokenKindAccess)
	return userID, err == nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
