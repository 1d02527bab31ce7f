package vaultclient

import (
	"fmt"
	"time"

	"github.com/bedag/vault-sync/internal/vaultpath"
)

// AuthMethod selects how a Client logs in to its Vault.
type AuthMethod int

const (
	// AuthToken authenticates with a pre-issued token.
	AuthToken AuthMethod = iota
	// AuthAppRole authenticates by exchanging a role_id/secret_id pair.
	AuthAppRole
)

// Endpoint describes one Vault backend a Client is bound to: a URL, an
// optional namespace, the backend (mount) name, its KV engine version, and
// the authentication credentials. Immutable after construction.
type Endpoint struct {
	URL       string
	Namespace string
	Backend   string
	Engine    vaultpath.Engine

	Auth AuthMethod

	// Token auth. TokenTTL is the fallback TTL when lookup-self reports
	// none; TokenMaxTTL caps the token TTL under either auth method.
	Token       string
	TokenTTL    time.Duration
	TokenMaxTTL time.Duration

	// AppRole auth.
	RoleID   string
	SecretID string

	// CACertPath, if set, is watched for hot-reload (teacher behavior).
	CACertPath string
}

// Validate checks an Endpoint for the fields required by its auth method.
func (e Endpoint) Validate() error {
	if e.URL == "" {
		return fmt.Errorf("vault endpoint: url is required")
	}
	if e.Backend == "" {
		return fmt.Errorf("vault endpoint: backend is required")
	}
	if e.Engine != vaultpath.EngineV1 && e.Engine != vaultpath.EngineV2 {
		return fmt.Errorf("vault endpoint: version must be 1 or 2, got %d", e.Engine)
	}
	switch e.Auth {
	case AuthToken:
		if e.Token == "" {
			return fmt.Errorf("vault endpoint: token is required for token auth")
		}
	case AuthAppRole:
		if e.RoleID == "" || e.SecretID == "" {
			return fmt.Errorf("vault endpoint: role_id and secret_id are required for approle auth")
		}
	default:
		return fmt.Errorf("vault endpoint: unknown auth method %d", e.Auth)
	}
	return nil
}

// ClientState is the token snapshot installed by Login/Renew. It is never
// mutated in place; it is swapped atomically so request goroutines never
// observe a torn update.
type ClientState struct {
	Token     string
	Expiry    time.Time
	Renewable bool
}

// Expired reports whether the token's expiry has passed, accounting for a
// safety margin (10% of the original TTL, floor 30s).
func (s ClientState) Expired(now time.Time, safetyMargin time.Duration) bool {
	return !now.Before(s.Expiry.Add(-safetyMargin))
}

// SafetyMargin computes the renewal safety margin for a given TTL: 10% of
// the TTL, floored at 30 seconds.
func SafetyMargin(ttl time.Duration) time.Duration {
	margin := ttl / 10
	if margin < 30*time.Second {
		return 30 * time.Second
	}
	return margin
}
