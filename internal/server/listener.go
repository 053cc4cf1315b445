package server

import (
	"context"
	"net"
	"time"

	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/expeca/telemetryd/internal/experiment"
	"github.com/expeca/telemetryd/internal/telemetrylog"
)

// BacklogReporter is anything that can report its outstanding write
// backlog, satisfied by *experiment.Interface via *writer.Writer.Backlog.
// Declared separately from *experiment.Interface so the periodic backlog
// log line only depends on the one method it actually needs.
type BacklogReporter interface {
	Backlog() (chunkCount, recordEstimate int)
}

// backlogInterval is how often the listener logs the current write
// backlog, per spec.md's "periodic backlog timer, default 5s".
const backlogInterval = 5 * time.Second

// Listener accepts connections on a net.Listener and runs each one on its
// own goroutine under an errgroup bound to the service context. A
// connection that ends with an error, including a writer failure, is
// logged and returns nil to the group, so it does not cancel the other
// open connections.
type Listener struct {
	ln              net.Listener
	iface           *experiment.Interface
	backlog         BacklogReporter
	defaultMetadata map[string]string
	svc             services.Service
}

// New builds a Listener around an already-bound net.Listener, mirroring
// MessageProtoFactory's role of handing every accepted connection its own
// MessageProtocol. defaultMetadata is attached to every experiment
// instance this listener creates, matching spec.md §6's
// experiment.default_metadata config.
func New(ln net.Listener, iface *experiment.Interface, defaultMetadata map[string]string) *Listener {
	l := &Listener{ln: ln, iface: iface, backlog: iface, defaultMetadata: defaultMetadata}
	l.svc = services.NewBasicService(nil, l.running, l.stopping)
	return l
}

// Service returns the dskit services.Service wrapping the accept loop,
// following cmd/tempo/app/server_service.go's NewServerService shape.
func (l *Listener) Service() services.Service { return l.svc }

func (l *Listener) running(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	ticker := time.NewTicker(backlogInterval)
	defer ticker.Stop()
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				chunks, records := l.backlog.Backlog()
				level.Info(telemetrylog.Logger).Log("msg", "write backlog", "backlog_chunks", chunks, "backlog_records", records)
			}
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		return l.ln.Close()
	})

	for {
		nc, err := l.ln.Accept()
		if err != nil {
			select {
			case <-gctx.Done():
				return g.Wait()
			default:
				return errors.Wrap(err, "accept")
			}
		}
		g.Go(func() error {
			conn := NewConn(nc, l.iface, l.defaultMetadata)
			if err := conn.Serve(gctx); err != nil {
				level.Warn(telemetrylog.Logger).Log("msg", "connection ended with error", "err", err)
			}
			return nil
		})
	}
}

// stopping closes the listener (idempotent if running's goroutine already
// closed it on ctx cancellation) so Accept unblocks, allowing in-flight
// connection handlers to finalize before the process moves on to closing
// the experiment interface, per spec.md §4.7's shutdown sequence.
func (l *Listener) stopping(failureCase error) error {
	_ = l.ln.Close()
	return failureCase
}
