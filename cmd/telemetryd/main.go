package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-kit/log/level"

	"github.com/expeca/telemetryd/cmd/telemetryd/app"
	"github.com/expeca/telemetryd/cmd/telemetryd/build"
	"github.com/expeca/telemetryd/internal/telemetrylog"
)

// verbosity counts repeated -v flags, mirroring exprec/server/cli.py's
// "-v"/"--config" CLI shape: each -v lowers the log level floor
// (more verbose output), repeatable.
type verbosity int

func (v *verbosity) String() string { return fmt.Sprintf("%d", *v) }
func (v *verbosity) Set(string) error {
	*v++
	return nil
}
func (v *verbosity) IsBoolFlag() bool { return true }

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("telemetryd", flag.ContinueOnError)
	var (
		configFile string
		showVer    bool
		verbose    verbosity
	)
	fs.StringVar(&configFile, "config", "", "Path to the TOML configuration file.")
	fs.Var(&verbose, "v", "Increase log verbosity. Repeatable.")
	fs.BoolVar(&showVer, "version", false, "Print version information and exit.")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if showVer {
		v := build.GetVersion()
		fmt.Printf("telemetryd %s (%s, built %s, %s)\n", v.Version, v.Revision, v.BuildDate, v.GoVersion)
		return 0
	}

	if configFile == "" && fs.NArg() == 1 {
		configFile = fs.Arg(0)
	}
	if configFile == "" {
		fmt.Fprintln(os.Stderr, "telemetryd: --config is required")
		return 2
	}

	telemetrylog.Init(int(verbose))

	cfg, err := app.LoadConfig(configFile)
	if err != nil {
		level.Error(telemetrylog.Logger).Log("msg", "failed to load configuration", "err", err)
		return 1
	}

	a, err := app.New(cfg)
	if err != nil {
		level.Error(telemetrylog.Logger).Log("msg", "failed to initialize", "err", err)
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := a.Run(ctx); err != nil {
		level.Error(telemetrylog.Logger).Log("msg", "exited with error", "err", err)
		return 1
	}
	return 0
}
