// Package telemetrylog provides the process-wide structured logger, built
// the way grafana-tempo's pkg/util/log wires go-kit/log: a single package
// level Logger guarded by a verbosity filter, never fmt.Printf.
package telemetrylog

import (
	"os"
	"sync"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Logger is the process-wide logger. Init overwrites it once at startup;
// until then it logs at info level to stderr so early errors aren't lost.
var Logger = newDefault()

var mu sync.Mutex

func newDefault() kitlog.Logger {
	l := kitlog.NewLogfmtLogger(kitlog.NewSyncWriter(os.Stderr))
	l = kitlog.With(l, "ts", kitlog.DefaultTimestampUTC, "caller", kitlog.Caller(5))
	return level.NewFilter(l, level.AllowInfo())
}

// Verbosity maps repeated -v flags to a go-kit/log level.Option. 0 is info
// and above (warn/error always shown); each additional -v lowers the floor.
func Verbosity(v int) level.Option {
	switch {
	case v <= 0:
		return level.AllowInfo()
	case v == 1:
		return level.AllowDebug()
	default:
		return level.AllowAll()
	}
}

// Init installs the process logger at the given verbosity. Call once, from
// main, after flags have been parsed and before the config file is loaded.
func Init(v int) {
	mu.Lock()
	defer mu.Unlock()

	l := kitlog.NewLogfmtLogger(kitlog.NewSyncWriter(os.Stderr))
	l = kitlog.With(l, "ts", kitlog.DefaultTimestampUTC, "caller", kitlog.Caller(5))
	Logger = level.NewFilter(l, Verbosity(v))
}
