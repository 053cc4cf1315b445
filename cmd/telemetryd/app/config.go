// Package app wires together the configuration, store, writer,
// experiment interface, listener, and exporter into one runnable
// process, the way cmd/tempo/app.App wires tempo's modules.Manager.
package app

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
)

// ConfigurationError reports a problem with the loaded configuration
// that should stop the process before it binds a socket or opens a
// database, matching spec.md §7's ConfigurationError kind.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string { return "configuration error: " + e.Reason }

// ExperimentConfig is the [experiment] TOML table.
type ExperimentConfig struct {
	Name            string            `toml:"name"`
	Description     string            `toml:"description"`
	DefaultMetadata map[string]string `toml:"default_metadata"`
}

// OutputConfig is the [output] TOML table.
type OutputConfig struct {
	Directory    string `toml:"directory"`
	RecordFile   string `toml:"record_file"`
	MetadataFile string `toml:"metadata_file"`
	TimesFile    string `toml:"times_file"`
}

// DatabaseConfig is the [database] TOML table. Engine names the
// database/sql driver and DSN, e.g. "sqlite:///var/lib/telemetryd/db.sqlite";
// per spec.md §1 the concrete SQL driver/dialect is an external concern,
// so this is a plain string rather than a typed enum.
type DatabaseConfig struct {
	Engine          string `toml:"engine"`
	RecordChunkSize int    `toml:"record_chunksize"`
	Persist         bool   `toml:"persist"`
}

// ServerConfig is the [server] TOML table. Endpoint is one of the forms
// splitEndpoint accepts, e.g. "tcp4:9999:interface=0.0.0.0" or
// "unix:/run/telemetryd.sock".
type ServerConfig struct {
	Endpoint string `toml:"endpoint"`
}

// Config is the top-level TOML document, matching
// original_source/exprec/server/config.py's _CONFIG_SCHEMA.
type Config struct {
	Experiment ExperimentConfig `toml:"experiment"`
	Output     OutputConfig     `toml:"output"`
	Database   DatabaseConfig   `toml:"database"`
	Server     ServerConfig     `toml:"server"`
}

// RegisterFlags applies spec.md §6's defaults before a config file is
// overlaid on top, mirroring cmd/tempo/app/config.go's
// RegisterFlagsAndApplyDefaults pattern (flags exist only so every field
// has a well-known default; the TOML file is the primary configuration
// surface, same as validate_config's schema defaults).
func (c *Config) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&c.Output.RecordFile, "output.record-file", "records.csv", "Name of the exported records CSV file.")
	f.StringVar(&c.Output.MetadataFile, "output.metadata-file", "metadata.json", "Name of the exported metadata JSON file.")
	f.StringVar(&c.Output.TimesFile, "output.times-file", "times.json", "Name of the exported times JSON file.")
	f.IntVar(&c.Database.RecordChunkSize, "database.record-chunksize", 1000, "Number of buffered records flushed per batch.")
	f.BoolVar(&c.Database.Persist, "database.persist", false, "Keep the backing store file after a clean shutdown instead of deleting it once export succeeds.")
}

// LoadConfig reads and validates a TOML configuration file, applying
// defaults first via RegisterFlags the way cmd/tempo/main.go's
// loadConfig does, then overlaying the file contents.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	fs := flag.NewFlagSet("telemetryd", flag.ContinueOnError)
	cfg.RegisterFlags(fs)
	if err := fs.Parse([]string{}); err != nil {
		return nil, errors.Wrap(err, "apply config defaults")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigurationError{Reason: fmt.Sprintf("reading %s: %v", path, err)}
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, &ConfigurationError{Reason: fmt.Sprintf("parsing %s: %v", path, err)}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate checks the required fields and normalizes derived ones,
// mirroring validate_dir_path's mkdir-on-load and the schema's
// required-vs-optional key split.
func (c *Config) validate() error {
	if c.Experiment.Name == "" {
		return &ConfigurationError{Reason: "experiment.name is required"}
	}
	if c.Output.Directory == "" {
		return &ConfigurationError{Reason: "output.directory is required"}
	}
	if c.Database.Engine == "" {
		return &ConfigurationError{Reason: "database.engine is required"}
	}
	if c.Server.Endpoint == "" {
		return &ConfigurationError{Reason: "server.endpoint is required"}
	}
	if c.Experiment.DefaultMetadata == nil {
		c.Experiment.DefaultMetadata = map[string]string{}
	}

	abs, err := filepath.Abs(c.Output.Directory)
	if err != nil {
		return &ConfigurationError{Reason: fmt.Sprintf("output.directory: %v", err)}
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return &ConfigurationError{Reason: fmt.Sprintf("creating output.directory %s: %v", abs, err)}
	}
	c.Output.Directory = abs
	return nil
}
