// Package audit implements the TCP audit-socket listener: it accepts
// connections from Vault's "socket" audit device, decodes newline-delimited
// JSON records, filters to relevant update events, and dispatches a
// syncengine.Task to the matching pipeline's queue. Framing is handled with
// an explicit line-buffered reader — no assumption is made that one JSON
// object arrives per recv.
package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"net"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/bedag/vault-sync/internal/metrics"
	"github.com/bedag/vault-sync/internal/syncengine"
	"github.com/bedag/vault-sync/internal/vaultpath"
)

// Route binds one pipeline's source backend/prefix/engine to the queue its
// tasks should land on. The Listener demultiplexes incoming audit records
// against a list of Routes, in order, taking the first match.
type Route struct {
	SrcBackend string
	SrcPrefix  vaultpath.LogicalPath
	SrcEngine  vaultpath.Engine
	DstBackend string
	Queue      chan<- syncengine.Task
}

// Listener is a TCP server accepting one or more concurrent connections
// from Vault audit sockets.
type Listener struct {
	bind   string
	routes []Route
}

// New builds a Listener bound to addr, demultiplexing by routes.
func New(addr string, routes []Route) *Listener {
	return &Listener{bind: addr, routes: routes}
}

// Serve accepts connections until ctx is cancelled or the listener socket
// fails. Each connection is handled in its own goroutine and never takes
// down the accept loop.
func (l *Listener) Serve(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", l.bind)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	log.WithField("bind", l.bind).Info("audit listener started")

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				log.WithError(err).Error("audit listener accept failed")
				return err
			}
		}
		connID := uuid.NewString()
		go l.handleConn(ctx, conn, connID)
	}
}

func (l *Listener) handleConn(ctx context.Context, conn net.Conn, connID string) {
	metrics.AuditConnections.Inc()
	defer metrics.AuditConnections.Dec()
	defer conn.Close()

	log.WithField("conn", connID).Info("audit connection accepted")

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			log.WithField("conn", connID).WithError(err).Warn("failed to parse audit record, skipping line")
			continue
		}

		l.dispatch(rec)
	}

	log.WithField("conn", connID).Info("audit connection closed")
}

// dispatch filters rec and, if relevant, emits a Task onto the matching
// route's queue. Unmatched records are dropped silently.
func (l *Listener) dispatch(rec Record) {
	if !rec.isRelevant() {
		return
	}

	for _, route := range l.routes {
		backend, path, ok := vaultpath.AuditPathBackend(rec.Request.Path, route.SrcEngine)
		if !ok || backend != route.SrcBackend {
			continue
		}
		if !path.HasPrefix(route.SrcPrefix) {
			continue
		}

		route.Queue <- syncengine.Task{
			SrcBackend: route.SrcBackend,
			DstBackend: route.DstBackend,
			Path:       path,
		}
		return
	}
}
