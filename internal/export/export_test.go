package export_test

import (
	"context"
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stretchr/testify/require"

	"github.com/expeca/telemetryd/internal/export"
	"github.com/expeca/telemetryd/internal/store"
)

func TestExportWritesAllThreeArtifacts(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("sqlite", "file::memory:?cache=shared")
	require.NoError(t, err)
	defer db.Close()
	db.SetMaxOpenConns(1)

	st, err := store.Open(ctx, db)
	require.NoError(t, err)

	id, err := st.NewExperimentInstance(ctx)
	require.NoError(t, err)
	require.NoError(t, st.UpsertMetadata(ctx, id, "site", "lab-1"))

	varID, err := st.EnsureVariable(ctx, id, "temperature")
	require.NoError(t, err)
	ts := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, st.InsertRecords(ctx, []store.VariableRecord{
		{VariableID: varID, Timestamp: ts, Value: "21.5"},
	}))
	require.NoError(t, st.FinishExperimentInstance(ctx, id))

	dir := t.TempDir()
	cfg := export.Config{
		Directory:    dir,
		RecordFile:   "records.csv",
		MetadataFile: "metadata.json",
		TimesFile:    "times.json",
	}
	require.NoError(t, export.Export(ctx, st, cfg))

	records, err := os.Open(filepath.Join(dir, "records.csv"))
	require.NoError(t, err)
	defer records.Close()
	rows, err := csv.NewReader(records).ReadAll()
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(rows), 2)
	require.Equal(t, []string{"experiment_id", "timestamp", "temperature"}, rows[0])

	metaBytes, err := os.ReadFile(filepath.Join(dir, "metadata.json"))
	require.NoError(t, err)
	var meta map[string]map[string]string
	require.NoError(t, json.Unmarshal(metaBytes, &meta))
	require.Equal(t, "lab-1", meta[id.String()]["site"])

	timesBytes, err := os.ReadFile(filepath.Join(dir, "times.json"))
	require.NoError(t, err)
	var times map[string]struct {
		Start string  `json:"start"`
		End   *string `json:"end"`
	}
	require.NoError(t, json.Unmarshal(timesBytes, &times))
	require.NotNil(t, times[id.String()].End)
}
