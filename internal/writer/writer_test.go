package writer_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/expeca/telemetryd/internal/store"
	"github.com/expeca/telemetryd/internal/writer"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := sql.Open("sqlite", "file::memory:?cache=shared")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	st, err := store.Open(context.Background(), db)
	require.NoError(t, err)
	return st
}

func TestWriterFlushesOnDemandAndDrainsOnStop(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	instanceID, err := st.NewExperimentInstance(ctx)
	require.NoError(t, err)

	w := writer.New(st, 100)
	svc := w.Service()
	require.NoError(t, svc.StartAsync(ctx))
	require.NoError(t, svc.AwaitRunning(ctx))

	require.NoError(t, w.Enqueue(writer.Sample{
		InstanceID: instanceID,
		Name:       "temperature",
		Timestamp:  time.Now().UTC(),
		Value:      21.5,
	}))
	chunks, records := w.Backlog()
	require.Equal(t, 1, chunks)
	require.Equal(t, 1, records)

	require.NoError(t, w.Flush(ctx))

	samples, err := st.Records(ctx, instanceID)
	require.NoError(t, err)
	require.Len(t, samples, 1)

	svc.StopAsync()
	require.NoError(t, svc.AwaitTerminated(ctx))
}

func TestWriterDrainsBacklogOnStopWithoutExplicitFlush(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	instanceID, err := st.NewExperimentInstance(ctx)
	require.NoError(t, err)

	w := writer.New(st, 100)
	svc := w.Service()
	require.NoError(t, svc.StartAsync(ctx))
	require.NoError(t, svc.AwaitRunning(ctx))

	for i := 0; i < 5; i++ {
		require.NoError(t, w.Enqueue(writer.Sample{
			InstanceID: instanceID,
			Name:       "x",
			Timestamp:  time.Now().UTC(),
			Value:      i,
		}))
	}

	svc.StopAsync()
	require.NoError(t, svc.AwaitTerminated(ctx))

	samples, err := st.Records(ctx, instanceID)
	require.NoError(t, err)
	require.Len(t, samples, 5)
}

func TestWriterMemoizesVariableIDsAcrossFlushes(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	instanceID, err := st.NewExperimentInstance(ctx)
	require.NoError(t, err)

	w := writer.New(st, 2)
	svc := w.Service()
	require.NoError(t, svc.StartAsync(ctx))
	require.NoError(t, svc.AwaitRunning(ctx))
	defer func() {
		svc.StopAsync()
		_ = svc.AwaitTerminated(ctx)
	}()

	for i := 0; i < 4; i++ {
		require.NoError(t, w.Enqueue(writer.Sample{
			InstanceID: instanceID,
			Name:       "x",
			Timestamp:  time.Now().UTC().Add(time.Duration(i) * time.Second),
			Value:      i,
		}))
	}
	require.NoError(t, w.Flush(ctx))

	varID, err := st.EnsureVariable(ctx, instanceID, "x")
	require.NoError(t, err)

	samples, err := st.Records(ctx, instanceID)
	require.NoError(t, err)
	require.Len(t, samples, 4)
	require.NotZero(t, varID)
}
