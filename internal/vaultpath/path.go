// Package vaultpath implements the pure path-translation rules between a
// logical secret path and the backend-specific URL paths used by Vault's
// KV v1 and KV v2 secrets engines, and between a source and a destination
// replication prefix.
package vaultpath

import (
	"fmt"
	"strings"
)

// LogicalPath is an ordered sequence of path segments identifying a secret
// within a backend, excluding the KV-version-specific "data"/"metadata"
// infix. Segments are never empty and never contain "/".
type LogicalPath []string

// Parse splits a slash-separated logical path into segments, normalizing
// away leading/trailing slashes. It rejects paths containing empty segments
// (e.g. "a//b").
func Parse(path string) (LogicalPath, error) {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return LogicalPath{}, nil
	}
	segments := strings.Split(trimmed, "/")
	for _, s := range segments {
		if s == "" {
			return nil, fmt.Errorf("vaultpath: empty segment in path %q", path)
		}
	}
	return LogicalPath(segments), nil
}

// String renders the logical path back to its slash-separated form.
func (p LogicalPath) String() string {
	return strings.Join(p, "/")
}

// Join returns a new LogicalPath with extra segments appended.
func (p LogicalPath) Join(segments ...string) LogicalPath {
	out := make(LogicalPath, 0, len(p)+len(segments))
	out = append(out, p...)
	out = append(out, segments...)
	return out
}

// HasPrefix reports whether p starts with prefix, matching whole segments
// only ("src" never matches "srcx").
func (p LogicalPath) HasPrefix(prefix LogicalPath) bool {
	if len(prefix) > len(p) {
		return false
	}
	for i, seg := range prefix {
		if p[i] != seg {
			return false
		}
	}
	return true
}

// TrimPrefix removes prefix from the front of p. If p does not start with
// prefix, it returns p unchanged and false.
func (p LogicalPath) TrimPrefix(prefix LogicalPath) (LogicalPath, bool) {
	if !p.HasPrefix(prefix) {
		return p, false
	}
	return append(LogicalPath{}, p[len(prefix):]...), true
}

// NormalizePrefix parses a configured prefix string, trimming slashes, and
// returns an empty LogicalPath for an empty/"/"-only prefix.
func NormalizePrefix(prefix string) (LogicalPath, error) {
	return Parse(prefix)
}

// Engine identifies the KV secrets engine version backing a mount.
type Engine int

const (
	// EngineV1 is the legacy KV secrets engine: no data/metadata infix,
	// payload written and read directly.
	EngineV1 Engine = 1
	// EngineV2 is the versioned KV secrets engine: adds data/metadata
	// infixes and wraps payloads in a "data" envelope.
	EngineV2 Engine = 2
)

// ReadWriteURL returns the backend-relative URL path used for read/write
// (v1: "{backend}/{path}"; v2: "{backend}/data/{path}").
func ReadWriteURL(backend string, engine Engine, path LogicalPath) string {
	switch engine {
	case EngineV2:
		return joinSegments(backend, "data", path.String())
	default:
		return joinSegments(backend, path.String())
	}
}

// ListURL returns the backend-relative URL path used for LIST
// (v1: "{backend}/{path}"; v2: "{backend}/metadata/{path}").
func ListURL(backend string, engine Engine, path LogicalPath) string {
	switch engine {
	case EngineV2:
		return joinSegments(backend, "metadata", path.String())
	default:
		return joinSegments(backend, path.String())
	}
}

func joinSegments(parts ...string) string {
	nonEmpty := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, "/")
}

// Translate maps a logical path rooted at srcPrefix to its destination
// counterpart rooted at dstPrefix, preserving the suffix after the source
// prefix. It returns ok=false if p does not start with srcPrefix (the
// caller should drop the path, per the "prefix isolation" invariant).
func Translate(p LogicalPath, srcPrefix, dstPrefix LogicalPath) (LogicalPath, bool) {
	suffix, ok := p.TrimPrefix(srcPrefix)
	if !ok {
		return nil, false
	}
	return dstPrefix.Join(suffix...), true
}

// AuditPathBackend extracts the backend mount and logical path from a raw
// audit-record request path, accounting for the v2 "data/" infix. It
// returns ok=false if the path does not look like a KV read/write path.
func AuditPathBackend(rawPath string, engine Engine) (backend string, logical LogicalPath, ok bool) {
	trimmed := strings.Trim(rawPath, "/")
	if trimmed == "" {
		return "", nil, false
	}
	segments := strings.Split(trimmed, "/")
	if len(segments) < 1 {
		return "", nil, false
	}
	backend = segments[0]
	rest := segments[1:]

	if engine == EngineV2 {
		if len(rest) == 0 || rest[0] != "data" {
			return "", nil, false
		}
		rest = rest[1:]
	}

	for _, s := range rest {
		if s == "" {
			return "", nil, false
		}
	}

	return backend, LogicalPath(rest), true
}
