package store_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/expeca/telemetryd/internal/store"
)

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

func TestExperimentLifecycle(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	id, err := st.NewExperimentInstance(ctx)
	require.NoError(t, err)

	require.NoError(t, st.UpsertMetadata(ctx, id, "address", "127.0.0.1:9999"))
	require.NoError(t, st.UpsertMetadata(ctx, id, "address", "127.0.0.1:10000"))

	md, err := st.Metadata(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:10000", md["address"])

	varID, err := st.EnsureVariable(ctx, id, "temperature")
	require.NoError(t, err)
	varID2, err := st.EnsureVariable(ctx, id, "temperature")
	require.NoError(t, err)
	require.Equal(t, varID, varID2)

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, st.InsertRecords(ctx, []store.VariableRecord{
		{VariableID: varID, Timestamp: now, Value: "21.5"},
	}))

	samples, err := st.Records(ctx, id)
	require.NoError(t, err)
	require.Len(t, samples, 1)
	require.Equal(t, "temperature", samples[0].Name)
	require.Equal(t, "21.5", samples[0].Value)

	require.NoError(t, st.FinishExperimentInstance(ctx, id))
	start, end, err := st.Times(ctx, id)
	require.NoError(t, err)
	require.False(t, start.IsZero())
	require.NotNil(t, end)
}

func TestFinishUnknownExperimentErrors(t *testing.T) {
	st := openTestStore(t)
	_, err := st.ExperimentIDs(context.Background())
	require.NoError(t, err)

	require.Error(t, st.FinishExperimentInstance(context.Background(), uuid.New()))
}
