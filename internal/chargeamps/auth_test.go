package chargeamps

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoginRequiresCredentials(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, nil, nil, zap.NewNop())

	tests := []struct {
		name                    string
		email, password, apiKey string
	}{
		{name: "all missing"},
		{name: "no password", email: "owner@example.com", apiKey: "key"},
		{name: "no api key", email: "owner@example.com", password: "secret"},
		{name: "no email", password: "secret", apiKey: "key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session := NewSession(client, tt.email, tt.password, tt.apiKey)
			err := session.Login(context.Background())
			assert.ErrorIs(t, err, ErrCredentialsMissing)
		})
	}

	assert.Zero(t, requests.Load(), "incomplete credentials must fail before any network call")
}

func TestLoginStoresToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(LoginResult{Token: "tok-1", RefreshToken: "ref-1"})
	}))
	defer srv.Close()

	session := NewSession(NewClient(srv.URL, nil, nil, zap.NewNop()), "owner@example.com", "secret", "key")

	assert.False(t, session.Authenticated())
	require.NoError(t, session.Login(context.Background()))
	assert.True(t, session.Authenticated())
	assert.Equal(t, "tok-1", session.Token())
}

func TestRenewBeforeLogin(t *testing.T) {
	session := NewSession(NewClient("http://127.0.0.1:0", nil, nil, zap.NewNop()), "owner@example.com", "secret", "key")
	err := session.Renew(context.Background())
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestRenewSwapsToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/login":
			json.NewEncoder(w).Encode(LoginResult{Token: "tok-1", RefreshToken: "ref-1"})
		case "/auth/refreshtoken":
			var req renewRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "tok-1", req.Token)
			assert.Equal(t, "ref-1", req.RefreshToken)
			json.NewEncoder(w).Encode(LoginResult{Token: "tok-2", RefreshToken: "ref-2"})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	session := NewSession(NewClient(srv.URL, nil, nil, zap.NewNop()), "owner@example.com", "secret", "key")
	require.NoError(t, session.Login(context.Background()))
	require.NoError(t, session.Renew(context.Background()))
	assert.Equal(t, "tok-2", session.Token())
}

func TestRenewFailureKeepsToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/login":
			json.NewEncoder(w).Encode(LoginResult{Token: "tok-1", RefreshToken: "ref-1"})
		case "/auth/refreshtoken":
			http.Error(w, `{"message":"renewal rejected"}`, http.StatusUnauthorized)
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	session := NewSession(NewClient(srv.URL, nil, nil, zap.NewNop()), "owner@example.com", "secret", "key")
	require.NoError(t, session.Login(context.Background()))

	err := session.Renew(context.Background())
	require.Error(t, err)
	assert.True(t, IsStatus(err, http.StatusUnauthorized))

	// The old token survives so polling can limp along until the next tick.
	assert.Equal(t, "tok-1", session.Token())
}
