package syncengine

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"

	"github.com/bedag/vault-sync/internal/metrics"
	"github.com/bedag/vault-sync/internal/vaultclient"
	"github.com/bedag/vault-sync/internal/vaultpath"
)

// Reader is the subset of vaultclient.Client the Worker needs for reads.
type Reader interface {
	Read(ctx context.Context, path vaultpath.LogicalPath) (map[string]interface{}, error)
}

// Writer is the subset of vaultclient.Client the Worker needs for writes.
type Writer interface {
	Write(ctx context.Context, path vaultpath.LogicalPath, fields map[string]interface{}) error
}

const (
	workerWriteMaxElapsed = 60 * time.Second
)

// Worker pulls Tasks from a shared queue and replicates each: read from
// source, translate the path, then write to destination (or log the
// intended write under dry-run).
type Worker struct {
	Pipeline  string
	Src       Reader
	Dst       Writer
	SrcPrefix vaultpath.LogicalPath
	DstPrefix vaultpath.LogicalPath
	DryRun    bool
	Queue     <-chan Task
}

// Run drains the queue until it is closed or ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case task, ok := <-w.Queue:
			if !ok {
				return
			}
			w.process(ctx, task)
		case <-ctx.Done():
			return
		}
	}
}

func (w *Worker) process(ctx context.Context, task Task) {
	fields := log.Fields{
		"pipeline":     w.Pipeline,
		"logical_path": task.Path.String(),
		"src_backend":  task.SrcBackend,
		"dst_backend":  task.DstBackend,
	}

	secret, err := w.Src.Read(ctx, task.Path)
	if errors.Is(err, vaultclient.ErrNotFound) {
		log.WithFields(fields).Debug("source secret not found, dropping task")
		metrics.TasksTotal.WithLabelValues(w.Pipeline, "not_found").Inc()
		return
	}
	if err != nil {
		log.WithFields(fields).WithError(err).Warn("failed to read source secret, dropping task")
		metrics.TasksTotal.WithLabelValues(w.Pipeline, "dropped").Inc()
		return
	}

	dstPath, ok := vaultpath.Translate(task.Path, w.SrcPrefix, w.DstPrefix)
	if !ok {
		log.WithFields(fields).Warn("task path does not match source prefix, dropping")
		metrics.TasksTotal.WithLabelValues(w.Pipeline, "dropped").Inc()
		return
	}

	if w.DryRun {
		log.WithFields(fields).WithField("dst_path", dstPath.String()).Info("dry-run: would write secret")
		metrics.TasksTotal.WithLabelValues(w.Pipeline, "dry_run").Inc()
		return
	}

	if err := w.writeWithRetry(ctx, dstPath, secret); err != nil {
		log.WithFields(fields).WithError(err).Warn("failed to write destination secret after retries, dropping; next full sync will reconcile")
		metrics.TasksTotal.WithLabelValues(w.Pipeline, "dropped").Inc()
		return
	}

	log.WithFields(fields).Info("secret replicated")
	metrics.TasksTotal.WithLabelValues(w.Pipeline, "written").Inc()
}

func (w *Worker) writeWithRetry(ctx context.Context, path vaultpath.LogicalPath, fields map[string]interface{}) error {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = workerWriteMaxElapsed

	return backoff.Retry(func() error {
		err := w.Dst.Write(ctx, path, fields)
		if err == nil {
			return nil
		}
		var permErr *vaultclient.PermanentError
		if errors.As(err, &permErr) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(policy, ctx))
}
