package wire

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	enc := NewEncoder()
	dec := NewDecoder()

	welcome, err := Make(TypeWelcome, &WelcomePayload{InstanceID: uuid.New()})
	require.NoError(t, err)

	b, err := enc.Encode(welcome)
	require.NoError(t, err)

	msgs, err := dec.Push(b)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, TypeWelcome, msgs[0].Type)

	got := msgs[0].Payload.(*WelcomePayload)
	want := welcome.Payload.(*WelcomePayload)
	require.Equal(t, want.InstanceID, got.InstanceID)
}

func TestDecoderRetainsPartialBytes(t *testing.T) {
	enc := NewEncoder()
	dec := NewDecoder()

	msg, err := Make(TypeFinish, nil)
	require.NoError(t, err)
	b, err := enc.Encode(msg)
	require.NoError(t, err)
	require.True(t, len(b) > 1, "finish envelope should be more than one byte")

	// Feed the envelope split across two pushes; nothing should decode
	// until the second half arrives.
	split := len(b) / 2
	if split == 0 {
		split = 1
	}
	msgs, err := dec.Push(b[:split])
	require.NoError(t, err)
	require.Empty(t, msgs)

	msgs, err = dec.Push(b[split:])
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, TypeFinish, msgs[0].Type)
}

func TestDecoderHandlesMultipleMessagesInOnePush(t *testing.T) {
	enc := NewEncoder()
	dec := NewDecoder()

	m1, err := Make(TypeFinish, nil)
	require.NoError(t, err)
	m2, err := Make(TypeStatus, &StatusPayload{Success: true})
	require.NoError(t, err)

	b1, err := enc.Encode(m1)
	require.NoError(t, err)
	b2, err := enc.Encode(m2)
	require.NoError(t, err)

	msgs, err := dec.Push(append(b1, b2...))
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, TypeFinish, msgs[0].Type)
	require.Equal(t, TypeStatus, msgs[1].Type)
}

func TestRecordTimestampRoundTripsToSecondPrecision(t *testing.T) {
	enc := NewEncoder()
	dec := NewDecoder()

	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	msg, err := Make(TypeRecord, &RecordPayload{
		Timestamp: ts,
		Variables: map[string]any{"x": int64(1)},
	})
	require.NoError(t, err)

	b, err := enc.Encode(msg)
	require.NoError(t, err)
	msgs, err := dec.Push(b)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	got := msgs[0].Payload.(*RecordPayload)
	require.WithinDuration(t, ts, got.Timestamp, time.Second)
}
