package app

import (
	"context"
	"time"

	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"

	"github.com/expeca/telemetryd/internal/experiment"
	"github.com/expeca/telemetryd/internal/export"
	"github.com/expeca/telemetryd/internal/store"
	"github.com/expeca/telemetryd/internal/telemetrylog"
)

// NewShutdownService builds the services.Service that owns the final
// shutdown sequence: wait for every dependent service (listener, writer)
// to terminate and drain, export the three artifacts while the store is
// still open, then close the experiment interface. This is the same
// shape as cmd/tempo/app/server_service.go's NewServerService, retargeted
// from an HTTP/gRPC server's Run/Shutdown to this process's
// listener/writer/experiment-interface lifecycle: "starting" is a no-op,
// "running" just waits for the parent context, and "stopping" performs
// the ordered teardown spec.md §4.5/§4.7 require (drain the writer,
// export, then close the store).
func NewShutdownService(iface *experiment.Interface, st *store.Store, exportCfg export.Config, exportTimeout time.Duration, servicesToWaitFor func() []services.Service) services.Service {
	runningFn := func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	}

	stoppingFn := func(_ error) error {
		for _, s := range servicesToWaitFor() {
			_ = s.AwaitTerminated(context.Background())
		}

		exportCtx, cancel := context.WithTimeout(context.Background(), exportTimeout)
		defer cancel()
		level.Info(telemetrylog.Logger).Log("msg", "exporting experiment data")
		if err := export.Export(exportCtx, st, exportCfg); err != nil {
			level.Error(telemetrylog.Logger).Log("msg", "export failed", "err", err)
			return errors.Wrap(err, "export")
		}

		level.Info(telemetrylog.Logger).Log("msg", "closing experiment interface")
		return errors.Wrap(iface.Close(), "close experiment interface")
	}

	return services.NewBasicService(nil, runningFn, stoppingFn)
}
