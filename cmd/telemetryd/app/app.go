package app

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	_ "modernc.org/sqlite"

	"github.com/expeca/telemetryd/internal/experiment"
	"github.com/expeca/telemetryd/internal/export"
	"github.com/expeca/telemetryd/internal/server"
	"github.com/expeca/telemetryd/internal/store"
	"github.com/expeca/telemetryd/internal/telemetrylog"
	"github.com/expeca/telemetryd/internal/writer"
)

// exportTimeout bounds how long shutdown waits for the three artifacts to
// be written before giving up.
const exportTimeout = 30 * time.Second

// App owns every long-running component for one process lifetime:
// the store, buffered writer, experiment interface, and connection
// listener, plus the shutdown sequence that exports data on the way out.
type App struct {
	cfg *Config

	db       *sql.DB
	driver   string
	dsn      string
	st       *store.Store
	wr       *writer.Writer
	iface    *experiment.Interface
	listener *server.Listener
	shutdown services.Service
}

// New opens the database, hands the default metadata to the listener
// (which attaches it to each new experiment), and wires every component, mirroring cmd/tempo/app.New's role without the ring/module
// manager machinery tempo's distributed architecture needs.
func New(cfg *Config) (*App, error) {
	driver, dsn, err := splitEngine(cfg.Database.Engine)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}

	ctx := context.Background()
	st, err := store.Open(ctx, db)
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "open store")
	}

	wr := writer.New(st, cfg.Database.RecordChunkSize)
	if err := wr.Register(prometheus.DefaultRegisterer); err != nil {
		st.Close()
		return nil, errors.Wrap(err, "register writer metrics")
	}
	iface := experiment.New(st, wr)

	network, address, err := splitEndpoint(cfg.Server.Endpoint)
	if err != nil {
		st.Close()
		return nil, err
	}
	ln, err := net.Listen(network, address)
	if err != nil {
		st.Close()
		return nil, errors.Wrap(err, "listen")
	}

	listener := server.New(ln, iface, cfg.Experiment.DefaultMetadata)

	a := &App{
		cfg:      cfg,
		db:       db,
		driver:   driver,
		dsn:      dsn,
		st:       st,
		wr:       wr,
		iface:    iface,
		listener: listener,
	}
	exportCfg := export.Config{
		Directory:    cfg.Output.Directory,
		RecordFile:   cfg.Output.RecordFile,
		MetadataFile: cfg.Output.MetadataFile,
		TimesFile:    cfg.Output.TimesFile,
	}
	a.shutdown = NewShutdownService(iface, st, exportCfg, exportTimeout, func() []services.Service {
		return []services.Service{listener.Service(), wr.Service()}
	})
	return a, nil
}

// Run starts every service and blocks until ctx is cancelled (normally by
// a signal handler in main), then drives the shutdown sequence: stop
// accepting connections, drain and flush the writer, export final
// artifacts, and close the interface.
func (a *App) Run(ctx context.Context) error {
	svcs := []services.Service{a.wr.Service(), a.listener.Service(), a.shutdown}

	for _, s := range svcs {
		if err := s.StartAsync(ctx); err != nil {
			return errors.Wrap(err, "start service")
		}
	}
	for _, s := range svcs {
		if err := s.AwaitRunning(ctx); err != nil {
			return errors.Wrap(err, "await running")
		}
	}

	level.Info(telemetrylog.Logger).Log("msg", "telemetryd running", "endpoint", a.cfg.Server.Endpoint)

	<-ctx.Done()
	level.Info(telemetrylog.Logger).Log("msg", "shutting down")

	for _, s := range svcs {
		s.StopAsync()
	}
	var stopErr error
	for _, s := range svcs {
		if err := s.AwaitTerminated(context.Background()); err != nil {
			stopErr = err
		}
	}

	// a.shutdown's stopping hook already exported the artifacts and closed
	// the store (and with it the *sql.DB) by the time AwaitTerminated above
	// returns, so the backing file is now safe to remove.
	if !a.cfg.Database.Persist {
		if err := deleteStoreFile(a.driver, a.dsn); err != nil {
			level.Warn(telemetrylog.Logger).Log("msg", "failed to delete non-persistent store file", "path", a.dsn, "err", err)
			if stopErr == nil {
				stopErr = err
			}
		} else {
			level.Info(telemetrylog.Logger).Log("msg", "deleted non-persistent store file", "path", a.dsn)
		}
	}

	return stopErr
}

// deleteStoreFile removes the backing database file for file-based engines,
// mirroring cli.py's "if not persist: path.unlink(missing_ok=True)". Engines
// with no single backing file (e.g. in-memory DSNs) have nothing to delete.
func deleteStoreFile(driver, dsn string) error {
	if driver != "sqlite" || strings.Contains(dsn, ":memory:") {
		return nil
	}
	if err := os.Remove(dsn); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// splitEngine turns a "driver://dsn" engine string (the shape
// validate_db_engine's SQLAlchemy URL had) into a database/sql driver
// name and its DSN, e.g. "sqlite:///var/lib/telemetryd/db.sqlite" ->
// ("sqlite", "/var/lib/telemetryd/db.sqlite").
func splitEngine(engine string) (driver, dsn string, err error) {
	parts := strings.SplitN(engine, "://", 2)
	if len(parts) != 2 {
		return "", "", &ConfigurationError{Reason: "database.engine must be \"driver://dsn\""}
	}
	return parts[0], parts[1], nil
}

// splitEndpoint turns one of spec.md §6's three server.endpoint forms into
// net.Listen's two arguments, the Go equivalent of serverFromString's
// endpoint description strings:
//
//	unix:/abs/path                      -> ("unix", "/abs/path")
//	tcp4:<port>:interface=<ipv4>        -> ("tcp4", "<ipv4>:<port>")
//	tcp6:<port>:interface=<ipv6>        -> ("tcp6", "[<ipv6>]:<port>")
func splitEndpoint(endpoint string) (network, address string, err error) {
	scheme, rest, ok := strings.Cut(endpoint, ":")
	if !ok {
		return "", "", &ConfigurationError{Reason: "server.endpoint must start with \"unix:\", \"tcp4:\", or \"tcp6:\""}
	}

	switch scheme {
	case "unix":
		if rest == "" {
			return "", "", &ConfigurationError{Reason: "server.endpoint: unix socket path is required"}
		}
		return "unix", rest, nil

	case "tcp4", "tcp6":
		port, ifaceField, _ := strings.Cut(rest, ":")
		if port == "" {
			return "", "", &ConfigurationError{Reason: "server.endpoint: port is required"}
		}
		const prefix = "interface="
		if !strings.HasPrefix(ifaceField, prefix) {
			return "", "", &ConfigurationError{Reason: "server.endpoint: expected \"interface=<addr>\""}
		}
		iface := strings.TrimPrefix(ifaceField, prefix)
		if iface == "" {
			return "", "", &ConfigurationError{Reason: "server.endpoint: interface address is required"}
		}
		if scheme == "tcp6" {
			return scheme, fmt.Sprintf("[%s]:%s", iface, port), nil
		}
		return scheme, fmt.Sprintf("%s:%s", iface, port), nil

	default:
		return "", "", &ConfigurationError{Reason: fmt.Sprintf("server.endpoint: unknown network %q", scheme)}
	}
}
