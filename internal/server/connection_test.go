package server_test

import (
	"context"
	"database/sql"
	"net"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stretchr/testify/require"

	"github.com/expeca/telemetryd/internal/experiment"
	"github.com/expeca/telemetryd/internal/server"
	"github.com/expeca/telemetryd/internal/store"
	"github.com/expeca/telemetryd/internal/wire"
	"github.com/expeca/telemetryd/internal/writer"
)

func newTestInterface(t *testing.T) *experiment.Interface {
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

	return experiment.New(st, wr)
}

func TestConnectionHandshakeAndRecordFlow(t *testing.T) {
	iface := newTestInterface(t)
	client, serverSide := net.Pipe()
	defer client.Close()

	conn := server.NewConn(serverSide, iface, map[string]string{"site": "lab"})
	done := make(chan error, 1)
	go func() { done <- conn.Serve(context.Background()) }()

	enc := wire.NewEncoder()
	dec := wire.NewDecoder()

	send := func(msg *wire.Message) {
		b, err := enc.Encode(msg)
		require.NoError(t, err)
		_, err = client.Write(b)
		require.NoError(t, err)
	}
	recv := func() *wire.Message {
		buf := make([]byte, 4096)
		client.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, err := client.Read(buf)
		require.NoError(t, err)
		msgs, err := dec.Push(buf[:n])
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		return msgs[0]
	}

	version, err := wire.Make(wire.TypeVersion, &wire.VersionPayload{Major: server.VersionMajor, Minor: server.VersionMinor})
	require.NoError(t, err)
	send(version)

	welcome := recv()
	require.Equal(t, wire.TypeWelcome, welcome.Type)

	record, err := wire.Make(wire.TypeRecord, &wire.RecordPayload{
		Timestamp: time.Now().UTC(),
		Variables: map[string]any{"x": int64(1)},
	})
	require.NoError(t, err)
	send(record)

	status := recv()
	require.Equal(t, wire.TypeStatus, status.Type)
	require.True(t, status.Payload.(*wire.StatusPayload).Success)

	finish, err := wire.Make(wire.TypeFinish, nil)
	require.NoError(t, err)
	send(finish)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("connection did not finish after finish message")
	}
}

func TestConnectionRejectsIncompatibleVersion(t *testing.T) {
	iface := newTestInterface(t)
	client, serverSide := net.Pipe()
	defer client.Close()

	conn := server.NewConn(serverSide, iface, nil)
	done := make(chan error, 1)
	go func() { done <- conn.Serve(context.Background()) }()

	enc := wire.NewEncoder()
	version, err := wire.Make(wire.TypeVersion, &wire.VersionPayload{Major: server.VersionMajor + 1, Minor: 0})
	require.NoError(t, err)
	b, err := enc.Encode(version)
	require.NoError(t, err)
	_, err = client.Write(b)
	require.NoError(t, err)

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("connection did not end after incompatible version")
	}
}
