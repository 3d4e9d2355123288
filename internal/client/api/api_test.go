package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogin(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/auth/login", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)

		var req loginRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "ada", req.Username)
		assert.Equal(t, "register", req.Action)

		json.NewEncoder(w).Encode(tokenResponse{
			AccessToken: "acc-1", RefreshToken: "ref-1", UserID: "u1",
		})
	}))
	defer srv.Close()

	c := New(srv.URL)
	pair, userID, err := c.Login(context.Background(), "ada", "secret", "register")
	require.NoError(t, err)
	assert.Equal(t, "acc-1", pair.Access)
	assert.Equal(t, "ref-1", pair.Refresh)
	assert.Equal(t, "u1", userID)
}

func TestLoginServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid credentials"})
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, _, err := c.Login(context.Background(), "ada", "wrong", "login")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid credentials")
}

func TestRefresh(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/auth/refresh", r.URL.Path)

		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "ref-1", req["refreshToken"])

		json.NewEncoder(w).Encode(tokenResponse{AccessToken: "acc-2", RefreshToken: "ref-2"})
	}))
	defer srv.Close()

	c := New(srv.URL)
	pair, err := c.Refresh(context.Background(), "ref-1")
	require.NoError(t, err)
	assert.Equal(t, "acc-2", pair.Access)
	assert.Equal(t, "ref-2", pair.Refresh)
}

func TestListVersionsSendsBearerToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/messages/m1/versions", r.URL.Path)
		require.Equal(t, "Bearer acc-1", r.Header.Get("Authorization"))

		json.NewEncoder(w).Encode(map[string]any{
			"versions": []map[string]any{
				{"versionNumber": 1, "content": "first"},
				{"versionNumber": 2, "content": "second"},
			},
		})
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.SetToken("acc-1")
	versions, err := c.ListVersions(context.Background(), "m1")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, "second", versions[1].Content)
}
