// Package supervisor builds Vault clients and pipelines from configuration,
// starts token-renewal loops, the full-sync tickers, the audit listener,
// and the worker pools, and shuts everything down cleanly on signal. It
// owns all lifetimes and cancellation.
package supervisor

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/bedag/vault-sync/internal/audit"
	"github.com/bedag/vault-sync/internal/config"
	"github.com/bedag/vault-sync/internal/metrics"
	"github.com/bedag/vault-sync/internal/syncengine"
	"github.com/bedag/vault-sync/internal/vaultclient"
)

// WorkersPerPipeline is the default size of each pipeline's sync worker
// pool.
const WorkersPerPipeline = 4

// QueueDepth is the bounded capacity of each pipeline's work channel. A
// full queue blocks producers (walker and listener) rather than dropping
// the oldest queued task, favoring no-silent-loss over strict freshness.
const QueueDepth = 256

// Options carries the CLI flags that affect runtime behavior.
type Options struct {
	DryRun bool
	Once   bool
}

// pipeline bundles one fully-wired (src_backend, dst_backend) replication
// path together with the clients and queue it owns.
type pipeline struct {
	cfg    config.Pipeline
	src    *vaultclient.Client
	dst    *vaultclient.Client
	queue  chan syncengine.Task
	walker *syncengine.Walker
}

// Run builds and drives the whole daemon from cfg until ctx is cancelled
// (by a caught signal) or, in Once mode, until every pipeline has completed
// one full sync.
func Run(ctx context.Context, cfg *config.Config, opts Options) error {
	pipelineCfgs, err := cfg.BuildPipelines()
	if err != nil {
		return err
	}

	pipelines := make([]*pipeline, 0, len(pipelineCfgs))
	for _, pc := range pipelineCfgs {
		p, err := buildPipeline(pc)
		if err != nil {
			return fmt.Errorf("supervisor: failed to build pipeline %s: %w", pc.Name, err)
		}
		pipelines = append(pipelines, p)
	}

	group, gctx := errgroup.WithContext(ctx)

	for _, p := range pipelines {
		p := p
		if err := p.src.Login(gctx); err != nil {
			return fmt.Errorf("supervisor: startup auth failed for pipeline %s src: %w", p.cfg.Name, err)
		}
		if err := p.dst.Login(gctx); err != nil {
			return fmt.Errorf("supervisor: startup auth failed for pipeline %s dst: %w", p.cfg.Name, err)
		}
	}

	if opts.Once {
		return runOnce(gctx, pipelines, opts)
	}

	if cfg.MetricsBind != "" {
		group.Go(func() error {
			if err := metrics.Serve(gctx, cfg.MetricsBind); err != nil {
				log.WithError(err).Error("metrics server stopped")
			}
			return nil
		})
	}

	for _, p := range pipelines {
		p := p
		group.Go(func() error { p.src.RunRenewalLoop(gctx); return nil })
		group.Go(func() error { p.dst.RunRenewalLoop(gctx); return nil })

		for i := 0; i < WorkersPerPipeline; i++ {
			worker := &syncengine.Worker{
				Pipeline:  p.cfg.Name,
				Src:       p.src,
				Dst:       p.dst,
				SrcPrefix: p.cfg.SrcPrefix,
				DstPrefix: p.cfg.DstPrefix,
				DryRun:    opts.DryRun,
				Queue:     p.queue,
			}
			group.Go(func() error { worker.Run(gctx); return nil })
		}

		group.Go(func() error {
			p.walker.RunPeriodic(gctx, p.cfg.FullSyncInterval)
			return nil
		})
	}

	if cfg.Bind != "" {
		listener := audit.New(cfg.Bind, buildRoutes(pipelines))
		group.Go(func() error { return listener.Serve(gctx) })
	}

	<-gctx.Done()
	log.Info("shutdown signal received, waiting for in-flight work")

	// Workers and producers all observe gctx.Done() directly; the queues
	// are left open rather than closed so a producer racing the shutdown
	// signal can never send on a closed channel. group.Wait bounds the
	// grace period implicitly since every goroutine returns promptly on
	// cancellation.
	_ = group.Wait()

	for _, p := range pipelines {
		p.src.Close()
		p.dst.Close()
	}

	return nil
}

// runOnce runs a single full walk on each pipeline to completion, then
// returns, implementing the --once flag's run-and-exit contract.
func runOnce(ctx context.Context, pipelines []*pipeline, opts Options) error {
	group, gctx := errgroup.WithContext(ctx)

	for _, p := range pipelines {
		p := p
		for i := 0; i < WorkersPerPipeline; i++ {
			worker := &syncengine.Worker{
				Pipeline:  p.cfg.Name,
				Src:       p.src,
				Dst:       p.dst,
				SrcPrefix: p.cfg.SrcPrefix,
				DstPrefix: p.cfg.DstPrefix,
				DryRun:    opts.DryRun,
				Queue:     p.queue,
			}
			group.Go(func() error { worker.Run(gctx); return nil })
		}
	}

	walkGroup, wctx := errgroup.WithContext(gctx)
	for _, p := range pipelines {
		p := p
		walkGroup.Go(func() error { return p.walker.Walk(wctx) })
	}
	if err := walkGroup.Wait(); err != nil {
		return err
	}

	for _, p := range pipelines {
		close(p.queue)
		p.src.Close()
		p.dst.Close()
	}

	return group.Wait()
}

func buildPipeline(pc config.Pipeline) (*pipeline, error) {
	src, err := vaultclient.New(pc.Name+":src", pc.SrcEndpoint)
	if err != nil {
		return nil, err
	}
	dst, err := vaultclient.New(pc.Name+":dst", pc.DstEndpoint)
	if err != nil {
		return nil, err
	}

	queue := make(chan syncengine.Task, QueueDepth)

	walker := &syncengine.Walker{
		Pipeline:   pc.Name,
		Src:        src,
		SrcBackend: pc.SrcEndpoint.Backend,
		DstBackend: pc.DstEndpoint.Backend,
		Prefix:     pc.SrcPrefix,
		Queue:      queue,
	}

	return &pipeline{cfg: pc, src: src, dst: dst, queue: queue, walker: walker}, nil
}

func buildRoutes(pipelines []*pipeline) []audit.Route {
	routes := make([]audit.Route, 0, len(pipelines))
	for _, p := range pipelines {
		routes = append(routes, audit.Route{
			SrcBackend: p.cfg.SrcEndpoint.Backend,
			SrcPrefix:  p.cfg.SrcPrefix,
			SrcEngine:  p.cfg.SrcEndpoint.Engine,
			DstBackend: p.cfg.DstEndpoint.Backend,
			Queue:      p.queue,
		})
	}
	return routes
}
