// Package syncengine implements the full-sync walker and the sync worker
// pool: the pipeline-local consumers and producers of SyncTasks. Tasks are
// idempotent and carry no persistent state; they live only in a pipeline's
// in-memory queue.
package syncengine

import "github.com/bedag/vault-sync/internal/vaultpath"

// Task is one (source_backend, destination_backend, LogicalPath) unit of
// replication work. Created by the Walker or the audit Listener; consumed
// exactly once by a Worker.
type Task struct {
	SrcBackend string
	DstBackend string
	Path       vaultpath.LogicalPath
}
