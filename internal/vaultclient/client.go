// Package vaultclient implements the authenticated Vault HTTP client used by
// every pipeline: token/AppRole login, background token renewal, and the
// recursive list/read/write protocol against KV v1 and v2 backends. It
// generalizes a single-backend, fixed-role AppRole client into one bound to
// an arbitrary Endpoint (any URL, namespace, backend, and KV version).
package vaultclient

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"sync/atomic"
	"time"

	vaultapi "github.com/hashicorp/vault/api"
	"github.com/hashicorp/vault/api/auth/approle"
	log "github.com/sirupsen/logrus"
	"gopkg.in/fsnotify.v1"

	"github.com/bedag/vault-sync/internal/metrics"
	"github.com/bedag/vault-sync/internal/vaultpath"
)

const (
	requestTimeout = 30 * time.Second
	loginTimeout   = 10 * time.Second
	minRenewWait   = 30 * time.Second
	maxBackoff     = 60 * time.Second
)

// Client is a stateful HTTP client bound to one Endpoint. Its token is
// replaced by Login/Renew (from its renewal loop, or from a request that got
// a 401/403) and read by request goroutines via an atomically-swapped
// immutable ClientState snapshot.
type Client struct {
	endpoint Endpoint
	raw      *vaultapi.Client
	logical  *vaultapi.Logical
	state    atomic.Pointer[ClientState]
	watcher  *fsnotify.Watcher
	name     string // for logging/metrics, e.g. "secret->secret2:src"
}

// New builds a Client bound to endpoint. It does not log in; call Login
// before issuing requests.
func New(name string, endpoint Endpoint) (*Client, error) {
	if err := endpoint.Validate(); err != nil {
		return nil, err
	}

	cfg := vaultapi.DefaultConfig()
	cfg.Address = endpoint.URL
	cfg.Timeout = requestTimeout

	raw, err := vaultapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("vaultclient: failed to build raw client: %w", err)
	}
	if endpoint.Namespace != "" {
		raw.SetNamespace(endpoint.Namespace)
	}

	c := &Client{
		endpoint: endpoint,
		raw:      raw,
		logical:  raw.Logical(),
		name:     name,
	}

	if endpoint.CACertPath != "" {
		if watcher, werr := startCACertWatcher(cfg, endpoint.CACertPath); werr == nil {
			c.watcher = watcher
		} else {
			log.WithField("client", name).WithError(werr).Warn("failed to start CA certificate watcher")
		}
	}

	return c, nil
}

// startCACertWatcher watches the directory containing the CA certificate
// file and reloads Vault's TLS config on writes, including the Kubernetes
// "..data" symlink-swap convention used when the CA cert comes from a
// mounted Secret.
func startCACertWatcher(cfg *vaultapi.Config, caCertPath string) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	caCertFile := filepath.Clean(caCertPath)
	dir, _ := filepath.Split(caCertFile)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != caCertFile && filepath.Base(event.Name) != "..data" {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := cfg.ConfigureTLS(&vaultapi.TLSConfig{CACert: caCertPath}); err != nil {
					log.WithError(err).Error("failed to reload CA certificate")
				} else {
					log.Info("CA certificate reloaded")
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(err).Error("CA certificate watcher error")
			}
		}
	}()

	return watcher, nil
}

// Close stops this client's CA certificate watcher, if any.
func (c *Client) Close() {
	if c.watcher != nil {
		_ = c.watcher.Close()
	}
}

// Login authenticates according to the endpoint's auth method and installs
// the resulting ClientState. Token auth probes auth/token/lookup-self to
// discover expiry; AppRole auth exchanges role_id/secret_id for a token.
func (c *Client) Login(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, loginTimeout)
	defer cancel()

	switch c.endpoint.Auth {
	case AuthAppRole:
		return c.loginAppRole(ctx)
	default:
		return c.loginToken(ctx)
	}
}

func (c *Client) loginToken(ctx context.Context) error {
	c.raw.SetToken(c.endpoint.Token)

	secret, err := c.raw.Auth().Token().LookupSelfWithContext(ctx)
	if err != nil {
		return &AuthError{Op: "token lookup-self", Err: err}
	}
	if secret == nil || secret.Data == nil {
		return &AuthError{Op: "token lookup-self", Err: fmt.Errorf("empty response")}
	}

	ttl := c.endpoint.TokenTTL
	if secretTTL, err := secret.TokenTTL(); err == nil && secretTTL > 0 {
		ttl = secretTTL
	}
	ttl = c.capTTL(ttl)
	renewable, _ := secret.Data["renewable"].(bool)

	expiry := time.Now().Add(ttl)
	if ttl <= 0 {
		// A zero-TTL (root/non-expiring) token never needs renewal; use a
		// far-future expiry so the safety-margin check never trips.
		expiry = time.Now().Add(365 * 24 * time.Hour)
	}

	c.setState(&ClientState{Token: c.endpoint.Token, Expiry: expiry, Renewable: renewable})
	return nil
}

func (c *Client) loginAppRole(ctx context.Context) error {
	secretID := &approle.SecretID{FromString: c.endpoint.SecretID}
	auth, err := approle.NewAppRoleAuth(c.endpoint.RoleID, secretID)
	if err != nil {
		return &AuthError{Op: "approle login", Err: err}
	}

	authInfo, err := c.raw.Auth().Login(ctx, auth)
	if err != nil {
		return &AuthError{Op: "approle login", Err: err}
	}
	if authInfo == nil || authInfo.Auth == nil || authInfo.Auth.ClientToken == "" {
		return &AuthError{Op: "approle login", Err: fmt.Errorf("missing auth.client_token in response")}
	}

	ttl := c.capTTL(time.Duration(authInfo.Auth.LeaseDuration) * time.Second)
	c.raw.SetToken(authInfo.Auth.ClientToken)
	c.setState(&ClientState{
		Token:     authInfo.Auth.ClientToken,
		Expiry:    time.Now().Add(ttl),
		Renewable: authInfo.Auth.Renewable,
	})
	return nil
}

func (c *Client) setState(s *ClientState) {
	c.state.Store(s)
}

func (c *Client) currentState() *ClientState {
	return c.state.Load()
}

// Renew refreshes the current token. If the current token is renewable it
// calls auth/token/renew-self; otherwise it re-runs Login. It is driven by
// RunRenewalLoop and is also called by request after a 401/403 response, so
// it may run concurrently; each call installs a complete new ClientState.
func (c *Client) Renew(ctx context.Context) error {
	state := c.currentState()
	if state == nil {
		return c.Login(ctx)
	}

	if !state.Renewable {
		return c.Login(ctx)
	}

	ctx, cancel := context.WithTimeout(ctx, loginTimeout)
	defer cancel()

	c.raw.SetToken(state.Token)
	secret, err := c.raw.Auth().Token().RenewSelfWithContext(ctx, 0)
	if err != nil {
		return &AuthError{Op: "token renew-self", Err: err}
	}
	if secret == nil || secret.Auth == nil {
		return &AuthError{Op: "token renew-self", Err: fmt.Errorf("empty renew response")}
	}

	ttl := c.capTTL(time.Duration(secret.Auth.LeaseDuration) * time.Second)
	c.setState(&ClientState{
		Token:     secret.Auth.ClientToken,
		Expiry:    time.Now().Add(ttl),
		Renewable: secret.Auth.Renewable,
	})
	return nil
}

// capTTL clamps ttl to the endpoint's configured TokenMaxTTL, if any, so the
// renewal loop never schedules a wait past a token's hard expiry ceiling.
func (c *Client) capTTL(ttl time.Duration) time.Duration {
	if c.endpoint.TokenMaxTTL > 0 && ttl > c.endpoint.TokenMaxTTL {
		return c.endpoint.TokenMaxTTL
	}
	return ttl
}

// NextRenewalWait computes how long to sleep before the next renewal
// attempt, applying the safety margin and the minimum-interval floor.
func (c *Client) NextRenewalWait() time.Duration {
	state := c.currentState()
	if state == nil {
		return minRenewWait
	}
	margin := SafetyMargin(time.Until(state.Expiry))
	wait := time.Until(state.Expiry.Add(-margin))
	if wait < minRenewWait {
		return minRenewWait
	}
	return wait
}

// RunRenewalLoop runs forever (until ctx is cancelled), sleeping until the
// token is due for renewal, then renewing with exponential backoff (capped
// at maxBackoff) on failure. Failures are logged and surfaced as a metric
// but never crash the process.
func (c *Client) RunRenewalLoop(ctx context.Context) {
	for {
		wait := c.NextRenewalWait()
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		backoff := time.Second
		for {
			err := c.Renew(ctx)
			if err == nil {
				break
			}
			metrics.RenewalFailures.WithLabelValues(c.name).Inc()
			log.WithField("client", c.name).WithError(err).Warn("token renewal failed, retrying")

			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}

func (c *Client) tokenHeader() string {
	if state := c.currentState(); state != nil {
		return state.Token
	}
	return ""
}

// request issues one Vault API call, installing the current token and
// namespace headers, and classifies the response/error into the
// Auth/Transient/Permanent/NotFound error taxonomy.
func (c *Client) request(ctx context.Context, op string, fn func(ctx context.Context) (*vaultapi.Secret, error)) (*vaultapi.Secret, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	c.raw.SetToken(c.tokenHeader())

	secret, err := fn(ctx)
	if err == nil {
		return secret, nil
	}

	if respErr, ok := err.(*vaultapi.ResponseError); ok {
		switch {
		case respErr.StatusCode == http.StatusNotFound:
			return nil, ErrNotFound
		case respErr.StatusCode == http.StatusUnauthorized || respErr.StatusCode == http.StatusForbidden:
			if renewErr := c.Renew(ctx); renewErr != nil {
				return nil, &AuthError{Op: op, Err: err}
			}
			c.raw.SetToken(c.tokenHeader())
			secret, err = fn(ctx)
			if err == nil {
				return secret, nil
			}
			if retryErr, ok := err.(*vaultapi.ResponseError); ok && retryErr.StatusCode >= 400 && retryErr.StatusCode < 500 {
				if retryErr.StatusCode == http.StatusNotFound {
					return nil, ErrNotFound
				}
				return nil, &PermanentError{Op: op, StatusCode: retryErr.StatusCode, Err: err}
			}
			return nil, &TransientError{Op: op, Err: err}
		case respErr.StatusCode >= 500:
			return nil, &TransientError{Op: op, Err: err}
		case respErr.StatusCode >= 400:
			return nil, &PermanentError{Op: op, StatusCode: respErr.StatusCode, Err: err}
		}
	}

	return nil, &TransientError{Op: op, Err: err}
}

// List returns the immediate children of logical_path. A directory child
// ends in "/". A 404/empty result is an empty list, not an error.
func (c *Client) List(ctx context.Context, path vaultpath.LogicalPath) ([]string, error) {
	url := vaultpath.ListURL(c.endpoint.Backend, c.endpoint.Engine, path)

	secret, err := c.request(ctx, "list", func(ctx context.Context) (*vaultapi.Secret, error) {
		return c.logical.ListWithContext(ctx, url)
	})
	if err == ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if secret == nil || secret.Data == nil {
		return nil, nil
	}

	raw, ok := secret.Data["keys"].([]interface{})
	if !ok {
		return nil, nil
	}
	keys := make([]string, 0, len(raw))
	for _, k := range raw {
		if s, ok := k.(string); ok {
			keys = append(keys, s)
		}
	}
	return keys, nil
}

// Read fetches the current live value of a secret. ErrNotFound is returned
// (not wrapped) when the secret does not exist.
func (c *Client) Read(ctx context.Context, path vaultpath.LogicalPath) (map[string]interface{}, error) {
	url := vaultpath.ReadWriteURL(c.endpoint.Backend, c.endpoint.Engine, path)

	secret, err := c.request(ctx, "read", func(ctx context.Context) (*vaultapi.Secret, error) {
		return c.logical.ReadWithContext(ctx, url)
	})
	if err != nil {
		return nil, err
	}
	if secret == nil || secret.Data == nil {
		return nil, ErrNotFound
	}

	if c.endpoint.Engine == vaultpath.EngineV2 {
		data, ok := secret.Data["data"].(map[string]interface{})
		if !ok || data == nil {
			return nil, ErrNotFound
		}
		return data, nil
	}
	return secret.Data, nil
}

// Write stores fields at logical_path, wrapping the payload in a "data"
// envelope for KV v2 backends.
func (c *Client) Write(ctx context.Context, path vaultpath.LogicalPath, fields map[string]interface{}) error {
	url := vaultpath.ReadWriteURL(c.endpoint.Backend, c.endpoint.Engine, path)

	payload := fields
	if c.endpoint.Engine == vaultpath.EngineV2 {
		payload = map[string]interface{}{"data": fields}
	}

	_, err := c.request(ctx, "write", func(ctx context.Context) (*vaultapi.Secret, error) {
		return c.logical.WriteWithContext(ctx, url, payload)
	})
	return err
}

// Backend returns the configured backend (mount) name.
func (c *Client) Backend() string { return c.endpoint.Backend }

// Engine returns the configured KV engine version.
func (c *Client) Engine() vaultpath.Engine { return c.endpoint.Engine }
