package syncengine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bedag/vault-sync/internal/vaultclient"
	"github.com/bedag/vault-sync/internal/vaultpath"
)

type fakeReader struct {
	secrets map[string]map[string]interface{}
}

func (f *fakeReader) Read(_ context.Context, path vaultpath.LogicalPath) (map[string]interface{}, error) {
	s, ok := f.secrets[path.String()]
	if !ok {
		return nil, vaultclient.ErrNotFound
	}
	return s, nil
}

type fakeWriter struct {
	written map[string]map[string]interface{}
}

func (f *fakeWriter) Write(_ context.Context, path vaultpath.LogicalPath, fields map[string]interface{}) error {
	if f.written == nil {
		f.written = map[string]map[string]interface{}{}
	}
	f.written[path.String()] = fields
	return nil
}

func TestWorkerProcessWritesTranslatedPath(t *testing.T) {
	src := &fakeReader{secrets: map[string]map[string]interface{}{
		"src/s1": {"foo": "bar"},
	}}
	dst := &fakeWriter{}

	w := &Worker{
		Pipeline:  "secret->secret",
		Src:       src,
		Dst:       dst,
		SrcPrefix: vaultpath.LogicalPath{"src"},
		DstPrefix: vaultpath.LogicalPath{"dst"},
	}

	w.process(context.Background(), Task{SrcBackend: "secret", DstBackend: "secret", Path: vaultpath.LogicalPath{"src", "s1"}})

	require.Contains(t, dst.written, "dst/s1")
	assert.Equal(t, map[string]interface{}{"foo": "bar"}, dst.written["dst/s1"])
}

func TestWorkerProcessDropsNotFound(t *testing.T) {
	src := &fakeReader{secrets: map[string]map[string]interface{}{}}
	dst := &fakeWriter{}

	w := &Worker{
		Pipeline:  "secret->secret",
		Src:       src,
		Dst:       dst,
		SrcPrefix: vaultpath.LogicalPath{"src"},
		DstPrefix: vaultpath.LogicalPath{"dst"},
	}

	w.process(context.Background(), Task{Path: vaultpath.LogicalPath{"src", "missing"}})

	assert.Empty(t, dst.written)
}

func TestWorkerProcessDryRunDoesNotWrite(t *testing.T) {
	src := &fakeReader{secrets: map[string]map[string]interface{}{
		"src/s1": {"foo": "bar"},
	}}
	dst := &fakeWriter{}

	w := &Worker{
		Pipeline:  "secret->secret",
		Src:       src,
		Dst:       dst,
		SrcPrefix: vaultpath.LogicalPath{"src"},
		DstPrefix: vaultpath.LogicalPath{"dst"},
		DryRun:    true,
	}

	w.process(context.Background(), Task{Path: vaultpath.LogicalPath{"src", "s1"}})

	assert.Empty(t, dst.written)
}
