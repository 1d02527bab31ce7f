package vaultclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bedag/vault-sync/internal/vaultpath"
)

func writeJSON(w http.ResponseWriter, status int, body map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func newTestClient(t *testing.T, srv *httptest.Server, engine vaultpath.Engine) *Client {
	t.Helper()
	c, err := New("test", Endpoint{
		URL:     srv.URL,
		Backend: "secret",
		Engine:  engine,
		Auth:    AuthToken,
		Token:   "roottoken",
	})
	require.NoError(t, err)
	return c
}

func TestClientLoginTokenDiscoversExpiry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/auth/token/lookup-self", r.URL.Path)
		writeJSON(w, 200, map[string]interface{}{
			"data": map[string]interface{}{"ttl": float64(3600), "renewable": true},
		})
	}))
	defer srv.Close()

	c := newTestClient(t, srv, vaultpath.EngineV2)
	require.NoError(t, c.Login(context.Background()))

	state := c.currentState()
	require.NotNil(t, state)
	assert.Equal(t, "roottoken", state.Token)
	assert.True(t, state.Renewable)
	assert.WithinDuration(t, time.Now().Add(3600*time.Second), state.Expiry, 5*time.Second)
}

func TestClientLoginAppRole(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/auth/approle/login", r.URL.Path)
		writeJSON(w, 200, map[string]interface{}{
			"auth": map[string]interface{}{
				"client_token":   "approle-token",
				"lease_duration": float64(1800),
				"renewable":      true,
			},
		})
	}))
	defer srv.Close()

	c, err := New("test", Endpoint{
		URL:      srv.URL,
		Backend:  "secret",
		Engine:   vaultpath.EngineV2,
		Auth:     AuthAppRole,
		RoleID:   "role-id",
		SecretID: "secret-id",
	})
	require.NoError(t, err)
	require.NoError(t, c.Login(context.Background()))

	state := c.currentState()
	require.NotNil(t, state)
	assert.Equal(t, "approle-token", state.Token)
	assert.True(t, state.Renewable)
}

func TestClientLoginTokenMissingDataIsAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, map[string]interface{}{})
	}))
	defer srv.Close()

	c := newTestClient(t, srv, vaultpath.EngineV2)
	err := c.Login(context.Background())
	require.Error(t, err)
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
}

func TestClientListV2(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/secret/metadata/team", r.URL.Path)
		writeJSON(w, 200, map[string]interface{}{
			"data": map[string]interface{}{"keys": []interface{}{"api-key", "sub/"}},
		})
	}))
	defer srv.Close()

	c := newTestClient(t, srv, vaultpath.EngineV2)
	c.setState(&ClientState{Token: "roottoken", Expiry: time.Now().Add(time.Hour)})

	children, err := c.List(context.Background(), vaultpath.LogicalPath{"team"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"api-key", "sub/"}, children)
}

func TestClientListV1(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/secret/team", r.URL.Path)
		writeJSON(w, 200, map[string]interface{}{
			"data": map[string]interface{}{"keys": []interface{}{"leaf"}},
		})
	}))
	defer srv.Close()

	c := newTestClient(t, srv, vaultpath.EngineV1)
	c.setState(&ClientState{Token: "roottoken", Expiry: time.Now().Add(time.Hour)})

	children, err := c.List(context.Background(), vaultpath.LogicalPath{"team"})
	require.NoError(t, err)
	assert.Equal(t, []string{"leaf"}, children)
}

func TestClientListEmptyOn404(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, vaultpath.EngineV2)
	c.setState(&ClientState{Token: "roottoken", Expiry: time.Now().Add(time.Hour)})

	children, err := c.List(context.Background(), vaultpath.LogicalPath{"missing"})
	require.NoError(t, err)
	assert.Empty(t, children)
}

// TestClientWriteReadRoundTripV2 is the "version neutrality" testable
// property from spec.md §8: a secret written via Write to a v2 backend and
// read back via Read yields the same mapping.
func TestClientWriteReadRoundTripV2(t *testing.T) {
	stored := map[string]interface{}{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/v1/secret/data/team/api-key" && r.Method != http.MethodGet:
			var body struct {
				Data map[string]interface{} `json:"data"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			stored = body.Data
			writeJSON(w, 200, map[string]interface{}{"data": map[string]interface{}{"version": float64(1)}})
		case r.URL.Path == "/v1/secret/data/team/api-key":
			writeJSON(w, 200, map[string]interface{}{
				"data": map[string]interface{}{
					"data":     stored,
					"metadata": map[string]interface{}{"version": float64(1)},
				},
			})
		default:
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv, vaultpath.EngineV2)
	c.setState(&ClientState{Token: "roottoken", Expiry: time.Now().Add(time.Hour)})

	path := vaultpath.LogicalPath{"team", "api-key"}
	secret := map[string]interface{}{"foo": "bar"}

	require.NoError(t, c.Write(context.Background(), path, secret))

	got, err := c.Read(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, secret, got)
}

// TestClientWriteReadRoundTripV1 is the v1 counterpart of the same
// version-neutrality property.
func TestClientWriteReadRoundTripV1(t *testing.T) {
	stored := map[string]interface{}{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/v1/secret/team/api-key" && r.Method != http.MethodGet:
			var body map[string]interface{}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			stored = body
			writeJSON(w, 200, map[string]interface{}{})
		case r.URL.Path == "/v1/secret/team/api-key":
			writeJSON(w, 200, map[string]interface{}{"data": stored})
		default:
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv, vaultpath.EngineV1)
	c.setState(&ClientState{Token: "roottoken", Expiry: time.Now().Add(time.Hour)})

	path := vaultpath.LogicalPath{"team", "api-key"}
	secret := map[string]interface{}{"a": "1"}

	require.NoError(t, c.Write(context.Background(), path, secret))

	got, err := c.Read(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, secret, got)
}

func TestClientReadNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, vaultpath.EngineV2)
	c.setState(&ClientState{Token: "roottoken", Expiry: time.Now().Add(time.Hour)})

	_, err := c.Read(context.Background(), vaultpath.LogicalPath{"missing"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClientReadPermanentErrorOn400(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"errors": []string{"bad request"}})
	}))
	defer srv.Close()

	c := newTestClient(t, srv, vaultpath.EngineV2)
	c.setState(&ClientState{Token: "roottoken", Expiry: time.Now().Add(time.Hour)})

	_, err := c.Read(context.Background(), vaultpath.LogicalPath{"team", "x"})
	require.Error(t, err)
	var permErr *PermanentError
	require.ErrorAs(t, err, &permErr)
	assert.Equal(t, http.StatusBadRequest, permErr.StatusCode)
}

func TestClientReadTransientErrorOn500(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"errors": []string{"boom"}})
	}))
	defer srv.Close()

	c := newTestClient(t, srv, vaultpath.EngineV2)
	c.setState(&ClientState{Token: "roottoken", Expiry: time.Now().Add(time.Hour)})

	_, err := c.Read(context.Background(), vaultpath.LogicalPath{"team", "x"})
	require.Error(t, err)
	var transErr *TransientError
	require.ErrorAs(t, err, &transErr)
}

// TestClientRequestRenewsOnUnauthorizedThenRetries exercises the
// 401/403-triggers-renew-then-retry-once path in request().
func TestClientRequestRenewsOnUnauthorizedThenRetries(t *testing.T) {
	var readAttempts int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/secret/data/team/x":
			n := atomic.AddInt32(&readAttempts, 1)
			if n == 1 {
				writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"errors": []string{"permission denied"}})
				return
			}
			writeJSON(w, 200, map[string]interface{}{
				"data": map[string]interface{}{"data": map[string]interface{}{"foo": "bar"}},
			})
		case "/v1/auth/token/renew-self":
			writeJSON(w, 200, map[string]interface{}{
				"auth": map[string]interface{}{
					"client_token":   "renewed-token",
					"lease_duration": float64(3600),
					"renewable":      true,
				},
			})
		default:
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv, vaultpath.EngineV2)
	c.setState(&ClientState{Token: "stale-token", Expiry: time.Now().Add(time.Hour), Renewable: true})

	got, err := c.Read(context.Background(), vaultpath.LogicalPath{"team", "x"})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"foo": "bar"}, got)
	assert.Equal(t, int32(2), atomic.LoadInt32(&readAttempts))
	assert.Equal(t, "renewed-token", c.currentState().Token)
}

// TestClientRequestAuthErrorWhenRenewFails covers the case where the renew
// attempt itself fails after a 401/403: the original error is surfaced as an
// AuthError rather than retried forever.
func TestClientRequestAuthErrorWhenRenewFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/secret/data/team/x":
			writeJSON(w, http.StatusForbidden, map[string]interface{}{"errors": []string{"forbidden"}})
		case "/v1/auth/token/renew-self":
			writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"errors": []string{"boom"}})
		default:
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv, vaultpath.EngineV2)
	c.setState(&ClientState{Token: "stale-token", Expiry: time.Now().Add(time.Hour), Renewable: true})

	_, err := c.Read(context.Background(), vaultpath.LogicalPath{"team", "x"})
	require.Error(t, err)
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
}

func TestClientCapTTL(t *testing.T) {
	c := &Client{endpoint: Endpoint{TokenMaxTTL: 10 * time.Minute}}
	assert.Equal(t, 10*time.Minute, c.capTTL(time.Hour))
	assert.Equal(t, 5*time.Minute, c.capTTL(5*time.Minute))

	uncapped := &Client{endpoint: Endpoint{}}
	assert.Equal(t, time.Hour, uncapped.capTTL(time.Hour))
}

func TestClientBackendAndEngineAccessors(t *testing.T) {
	c, err := New("test", Endpoint{
		URL: "http://example.invalid", Backend: "secret2", Engine: vaultpath.EngineV1,
		Auth: AuthToken, Token: "t",
	})
	require.NoError(t, err)
	assert.Equal(t, "secret2", c.Backend())
	assert.Equal(t, vaultpath.EngineV1, c.Engine())
}
