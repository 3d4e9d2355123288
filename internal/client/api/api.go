// Package api is the thin REST client for the out-of-band endpoints:
// login, token refresh and message version history. The live sync path
// never goes through here.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/casemark-dev/casechat/internal/client/chat"
	"github.com/casemark-dev/casechat/internal/protocol"
)

type Client struct {
	baseURL string
	http    *http.Client

	mu    sync.Mutex
	token string
}

func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// SetToken sets the access token attached to authenticated requests.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) bearer() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
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

type errorResponse struct {
	Error string `json:"error"`
}

// Login exchanges username/password for a token pair.
func (c *Client) Login(ctx context.Context, username, password, action string) (chat.TokenPair, string, error) {
	var resp tokenResponse
	err := c.post(ctx, "/auth/login", loginRequest{Username: username, Password: password, Action: action}, &resp)
	if err != nil {
		return chat.TokenPair{}, "", err
	}
	return chat.TokenPair{Access: resp.AccessToken, Refresh: resp.RefreshToken}, resp.UserID, nil
}

// Refresh implements chat.TokenRefresher.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (chat.TokenPair, error) {
	var resp tokenResponse
	err := c.post(ctx, "/auth/refresh", map[string]string{"refreshToken": refreshToken}, &resp)
	if err != nil {
		return chat.TokenPair{}, err
	}
	return chat.TokenPair{Access: resp.AccessToken, Refresh: resp.RefreshToken}, nil
}

// ListVersions fetches the edit/regenerate history of a message.
func (c *Client) ListVersions(ctx context.Context, messageID string) ([]protocol.MessageVersion, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/messages/"+messageID+"/versions", nil)
	if err != nil {
		return nil, err
	}
	if token := c.bearer(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, decodeError(res)
	}

	var out struct {
		Versions []protocol.MessageVersion `json:"versions"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out.Versions, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return decodeError(res)
	}
	return json.NewDecoder(res.Body).Decode(out)
}

func decodeError(res *http.Response) error {
	var e errorResponse
	if json.NewDecoder(res.Body).Decode(&e) == nil && e.Error != "" {
		return fmt.Errorf("server: %s", e.Error)
	}
	return fmt.Errorf("unexpected status %d", res.StatusCode)
}
