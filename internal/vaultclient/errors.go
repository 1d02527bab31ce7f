package vaultclient

import "errors"

// ErrNotFound is returned by Read and treated as a semantic empty result,
// never logged as an error.
var ErrNotFound = errors.New("vaultclient: secret not found")

// AuthError indicates a login or token-renewal failure. Fatal at startup;
// during runtime the renewal loop retries it with backoff.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string { return "vaultclient: auth error during " + e.Op + ": " + e.Err.Error() }
func (e *AuthError) Unwrap() error { return e.Err }

// TransientError wraps a network failure or a Vault 5xx response. Callers
// retry these with backoff.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return "vaultclient: transient error during " + e.Op + ": " + e.Err.Error()
}
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError wraps a Vault 4xx response other than 404 on read/list.
// Callers log and drop the task; a later full sync will revisit it.
type PermanentError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *PermanentError) Error() string {
	return "vaultclient: permanent error during " + e.Op + ": " + e.Err.Error()
}
func (e *PermanentError) Unwrap() error { return e.Err }
