package syncengine

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"

	"github.com/bedag/vault-sync/internal/metrics"
	"github.com/bedag/vault-sync/internal/vaultpath"
)

// Lister is the subset of vaultclient.Client the Walker needs.
type Lister interface {
	List(ctx context.Context, path vaultpath.LogicalPath) ([]string, error)
}

const walkerMaxAttempts = 5

// Walker performs a breadth-first traversal of a source prefix, emitting a
// Task per leaf secret it discovers.
type Walker struct {
	Pipeline   string
	Src        Lister
	SrcBackend string
	DstBackend string
	Prefix     vaultpath.LogicalPath
	Queue      chan<- Task
}

// Walk performs one full traversal to completion, emitting one Task per
// leaf. Directories whose List calls fail after bounded retries are logged
// and skipped (their subtree is abandoned for this walk only; the next full
// sync will retry them).
func (w *Walker) Walk(ctx context.Context) error {
	start := time.Now()
	defer func() {
		metrics.FullSyncDuration.WithLabelValues(w.Pipeline).Observe(time.Since(start).Seconds())
	}()

	pending := []vaultpath.LogicalPath{w.Prefix}
	for len(pending) > 0 {
		subdirs, err := w.walkDir(ctx, pending[0])
		if err != nil {
			return err
		}
		pending = append(pending[1:], subdirs...)
	}
	return nil
}

// walkDir lists one directory, emits a Task per leaf child, and returns the
// child directories for Walk to visit after the current level.
func (w *Walker) walkDir(ctx context.Context, dir vaultpath.LogicalPath) ([]vaultpath.LogicalPath, error) {
	children, err := w.listWithRetry(ctx, dir)
	if err != nil {
		log.WithFields(log.Fields{
			"pipeline": w.Pipeline,
			"path":     dir.String(),
		}).WithError(err).Warn("giving up on subtree after repeated list failures")
		return nil, nil
	}

	var subdirs []vaultpath.LogicalPath
	for _, child := range children {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		isDir := len(child) > 0 && child[len(child)-1] == '/'
		name := child
		if isDir {
			name = child[:len(child)-1]
		}
		childPath := dir.Join(name)

		if isDir {
			subdirs = append(subdirs, childPath)
			continue
		}

		task := Task{SrcBackend: w.SrcBackend, DstBackend: w.DstBackend, Path: childPath}
		select {
		case w.Queue <- task:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return subdirs, nil
}

func (w *Walker) listWithRetry(ctx context.Context, dir vaultpath.LogicalPath) ([]string, error) {
	var result []string
	attempt := 0

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), walkerMaxAttempts-1)
	err := backoff.Retry(func() error {
		attempt++
		children, err := w.Src.List(ctx, dir)
		if err != nil {
			return err
		}
		result = children
		return nil
	}, backoff.WithContext(policy, ctx))

	return result, err
}

// RunPeriodic invokes Walk immediately, then every interval until ctx is
// cancelled. Used for the full-sync ticker; concurrent with audit-driven
// tailing on the same queue.
func (w *Walker) RunPeriodic(ctx context.Context, interval time.Duration) {
	for {
		if err := w.Walk(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithField("pipeline", w.Pipeline).WithError(err).Error("full sync walk failed")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}
