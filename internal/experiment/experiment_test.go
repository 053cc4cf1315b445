package experiment_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/expeca/telemetryd/internal/experiment"
	"github.com/expeca/telemetryd/internal/store"
	"github.com/expeca/telemetryd/internal/writer"
)

func newTestInterface(t *testing.T) (*experiment.Interface, *writer.Writer) {
	t.Helper()
	db, err := sql.Open("sqlite", "file::memory:?cache=shared")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	st, err := store.Open(context.Background(), db)
	require.NoError(t, err)

	wr := writer.New(st, 10)
	svc := wr.Service()
	require.NoError(t, svc.StartAsync(context.Background()))
	require.NoError(t, svc.AwaitRunning(context.Background()))
	t.Cleanup(func() {
		svc.StopAsync()
		_ = svc.AwaitTerminated(context.Background())
	})

	return experiment.New(st, wr), wr
}

func TestInterfaceTracksCreatedInstances(t *testing.T) {
	iface, _ := newTestInterface(t)
	ctx := context.Background()

	id1, err := iface.NewExperimentInstance(ctx)
	require.NoError(t, err)
	id2, err := iface.NewExperimentInstance(ctx)
	require.NoError(t, err)

	ids := iface.ExperimentInstances()
	require.ElementsMatch(t, []string{id1.String(), id2.String()}, idsAsStrings(ids))
}

func idsAsStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func TestRecordVariablesAndBacklog(t *testing.T) {
	iface, _ := newTestInterface(t)
	ctx := context.Background()

	id, err := iface.NewExperimentInstance(ctx)
	require.NoError(t, err)

	require.NoError(t, iface.RecordVariables(id, time.Now().UTC(), map[string]any{
		"temperature": 21.5,
		"humidity":    0.5,
	}))
	_, records := iface.Backlog()
	require.Equal(t, 2, records)
}

func TestAddMetadataAndFinish(t *testing.T) {
	iface, _ := newTestInterface(t)
	ctx := context.Background()

	id, err := iface.NewExperimentInstance(ctx)
	require.NoError(t, err)
	require.NoError(t, iface.AddMetadata(ctx, id, map[string]string{"label": "value"}))
	require.NoError(t, iface.FinishExperimentInstance(ctx, id))
}
