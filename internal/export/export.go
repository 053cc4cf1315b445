// Package export implements the shutdown exporter: on a clean server
// stop, every experiment instance's records, metadata, and start/end
// times are written out as records.csv, metadata.json, and times.json.
// There is no equivalent standalone module in original_source/ (the
// HDF5-based exprec/experiment.py and exprec/models.py paths are
// vestigial per spec.md's Open Questions), so this is grounded directly
// on spec.md §4.8's description of the three artifacts, using the
// relational queries internal/store already exposes.
package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/expeca/telemetryd/internal/store"
	"github.com/expeca/telemetryd/internal/telemetrylog"
)

// Config names the three output files, matching spec.md §6's
// [output] section (directory/record_file/metadata_file/times_file).
type Config struct {
	Directory    string
	RecordFile   string
	MetadataFile string
	TimesFile    string
}

// Export writes records.csv, metadata.json, and times.json for every
// experiment instance currently in the store. Pre-existing files are
// overwritten, with a warning logged for each; a directory that cannot be
// created at all is fatal, per spec.md §4.8's overwrite/conflict rules.
func Export(ctx context.Context, st *store.Store, cfg Config) error {
	if err := os.MkdirAll(cfg.Directory, 0o755); err != nil {
		return errors.Wrap(err, "export: create output directory")
	}

	ids, err := st.ExperimentIDs(ctx)
	if err != nil {
		return errors.Wrap(err, "export: list experiments")
	}

	if err := exportRecords(ctx, st, ids, filepath.Join(cfg.Directory, cfg.RecordFile)); err != nil {
		return err
	}
	if err := exportMetadata(ctx, st, ids, filepath.Join(cfg.Directory, cfg.MetadataFile)); err != nil {
		return err
	}
	if err := exportTimes(ctx, st, ids, filepath.Join(cfg.Directory, cfg.TimesFile)); err != nil {
		return err
	}
	return nil
}

func warnIfExists(path string) {
	if _, err := os.Stat(path); err == nil {
		level.Warn(telemetrylog.Logger).Log("msg", "overwriting existing export file", "path", path)
	}
}

// exportRecords writes a wide CSV pivot: one row per (experiment,
// timestamp), one column per distinct variable name seen across every
// experiment instance.
func exportRecords(ctx context.Context, st *store.Store, ids []uuid.UUID, path string) error {
	warnIfExists(path)

	type row struct {
		experimentID string
		timestamp    time.Time
		values       map[string]string
	}

	names := map[string]struct{}{}
	var rows []row
	for _, id := range ids {
		samples, err := st.Records(ctx, id)
		if err != nil {
			return errors.Wrap(err, "export records: fetch")
		}
		byTime := map[time.Time]map[string]string{}
		for _, s := range samples {
			names[s.Name] = struct{}{}
			m, ok := byTime[s.Timestamp]
			if !ok {
				m = map[string]string{}
				byTime[s.Timestamp] = m
			}
			m[s.Name] = s.Value
		}
		for ts, vals := range byTime {
			rows = append(rows, row{experimentID: id.String(), timestamp: ts, values: vals})
		}
	}

	sortedNames := make([]string, 0, len(names))
	for n := range names {
		sortedNames = append(sortedNames, n)
	}
	sort.Strings(sortedNames)

	sort.Slice(rows, func(a, b int) bool {
		if rows[a].experimentID != rows[b].experimentID {
			return rows[a].experimentID < rows[b].experimentID
		}
		return rows[a].timestamp.Before(rows[b].timestamp)
	})

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "export records: create file")
	}
	defer f.Close()

	w := csv.NewWriter(f)
	header := append([]string{"experiment_id", "timestamp"}, sortedNames...)
	if err := w.Write(header); err != nil {
		return errors.Wrap(err, "export records: write header")
	}
	for _, r := range rows {
		rec := make([]string, 0, len(header))
		rec = append(rec, r.experimentID, r.timestamp.UTC().Format(time.RFC3339Nano))
		for _, name := range sortedNames {
			rec = append(rec, r.values[name])
		}
		if err := w.Write(rec); err != nil {
			return errors.Wrap(err, "export records: write row")
		}
	}
	w.Flush()
	return errors.Wrap(w.Error(), "export records: flush")
}

// exportMetadata writes {experiment_id: {label: value}}.
func exportMetadata(ctx context.Context, st *store.Store, ids []uuid.UUID, path string) error {
	warnIfExists(path)

	out := map[string]map[string]string{}
	for _, id := range ids {
		md, err := st.Metadata(ctx, id)
		if err != nil {
			return errors.Wrap(err, "export metadata: fetch")
		}
		out[id.String()] = md
	}
	return writeJSON(path, out)
}

type times struct {
	Start string  `json:"start"`
	End   *string `json:"end"`
}

// exportTimes writes {experiment_id: {start, end}}, ISO-8601, end null
// for experiments never finished.
func exportTimes(ctx context.Context, st *store.Store, ids []uuid.UUID, path string) error {
	warnIfExists(path)

	out := map[string]times{}
	for _, id := range ids {
		start, end, err := st.Times(ctx, id)
		if err != nil {
			return errors.Wrap(err, "export times: fetch")
		}
		t := times{Start: start.UTC().Format(time.RFC3339Nano)}
		if end != nil {
			s := end.UTC().Format(time.RFC3339Nano)
			t.End = &s
		}
		out[id.String()] = t
	}
	return writeJSON(path, out)
}

func writeJSON(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, fmt.Sprintf("export: create %s", path))
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return errors.Wrap(enc.Encode(v), fmt.Sprintf("export: encode %s", path))
}
