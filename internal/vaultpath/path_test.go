package vaultpath

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	p, err := Parse("/src/team/api-key/")
	require.NoError(t, err)
	assert.Equal(t, LogicalPath{"src", "team", "api-key"}, p)

	_, err = Parse("a//b")
	assert.Error(t, err)

	empty, err := Parse("")
	require.NoError(t, err)
	assert.Equal(t, LogicalPath{}, empty)
}

func TestHasPrefixIsSegmentExact(t *testing.T) {
	p := LogicalPath{"srcx", "team", "api-key"}
	src := LogicalPath{"src"}

	assert.False(t, p.HasPrefix(src), "srcx must not match prefix src (substring-within-segment)")

	p2 := LogicalPath{"src", "team", "api-key"}
	assert.True(t, p2.HasPrefix(src))
}

func TestReadWriteURL(t *testing.T) {
	path := LogicalPath{"team", "api-key"}

	assert.Equal(t, "secret/team/api-key", ReadWriteURL("secret", EngineV1, path))
	assert.Equal(t, "secret/data/team/api-key", ReadWriteURL("secret", EngineV2, path))
}

func TestListURL(t *testing.T) {
	path := LogicalPath{"team"}

	assert.Equal(t, "secret/team", ListURL("secret", EngineV1, path))
	assert.Equal(t, "secret/metadata/team", ListURL("secret", EngineV2, path))
}

func TestListURLEmptyPrefix(t *testing.T) {
	assert.Equal(t, "secret", ListURL("secret", EngineV1, LogicalPath{}))
	assert.Equal(t, "secret/metadata", ListURL("secret", EngineV2, LogicalPath{}))
}

func TestTranslateRoundTrip(t *testing.T) {
	srcPrefix := LogicalPath{"src"}
	dstPrefix := LogicalPath{"dst"}
	original := LogicalPath{"src", "team", "api-key"}

	translated, ok := Translate(original, srcPrefix, dstPrefix)
	require.True(t, ok)
	assert.Equal(t, LogicalPath{"dst", "team", "api-key"}, translated)

	back, ok := Translate(translated, dstPrefix, srcPrefix)
	require.True(t, ok)
	assert.Equal(t, original, back)
}

func TestTranslateEmptyPrefixes(t *testing.T) {
	p := LogicalPath{"team", "api-key"}

	out, ok := Translate(p, LogicalPath{}, LogicalPath{})
	require.True(t, ok)
	assert.Equal(t, p, out)

	out, ok = Translate(p, LogicalPath{}, LogicalPath{"dst"})
	require.True(t, ok)
	assert.Equal(t, LogicalPath{"dst", "team", "api-key"}, out)
}

func TestTranslateFiltersNonMatchingPrefix(t *testing.T) {
	p := LogicalPath{"other", "team"}
	_, ok := Translate(p, LogicalPath{"src"}, LogicalPath{"dst"})
	assert.False(t, ok)
}

func TestAuditPathBackendV1(t *testing.T) {
	backend, path, ok := AuditPathBackend("secret/src/s1", EngineV1)
	require.True(t, ok)
	assert.Equal(t, "secret", backend)
	assert.Equal(t, LogicalPath{"src", "s1"}, path)
}

func TestAuditPathBackendV2(t *testing.T) {
	backend, path, ok := AuditPathBackend("secret/data/src/s2", EngineV2)
	require.True(t, ok)
	assert.Equal(t, "secret", backend)
	assert.Equal(t, LogicalPath{"src", "s2"}, path)
}

func TestAuditPathBackendV2RejectsMissingDataInfix(t *testing.T) {
	_, _, ok := AuditPathBackend("secret/src/s2", EngineV2)
	assert.False(t, ok)
}

func TestAuditPathBackendV2Metadata(t *testing.T) {
	// A list/metadata operation path should not parse as a v2 read/write path.
	_, _, ok := AuditPathBackend("secret/metadata/src/s2", EngineV2)
	assert.False(t, ok)
}
