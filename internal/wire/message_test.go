package wire

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMakeAndValidateRoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		msgType Type
		payload any
	}{
		{"version", TypeVersion, &VersionPayload{Major: 1, Minor: 0}},
		{"welcome", TypeWelcome, &WelcomePayload{InstanceID: uuid.New()}},
		{"metadata", TypeMetadata, MetadataPayload{"k": "v"}},
		{"record", TypeRecord, &RecordPayload{
			Timestamp: time.Now().UTC(),
			Variables: map[string]any{"temp": float64(21.5)},
		}},
		{"status-success", TypeStatus, &StatusPayload{Success: true}},
		{"status-error", TypeStatus, &StatusPayload{Success: false, Error: "boom"}},
		{"finish", TypeFinish, nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := Make(tc.msgType, tc.payload)
			require.NoError(t, err)
			assert.Equal(t, tc.msgType, msg.Type)
		})
	}
}

func TestValidateRejectsUnknownType(t *testing.T) {
	_, err := Validate("bogus", map[string]any{})
	require.Error(t, err)
	var ime *InvalidMessageError
	require.ErrorAs(t, err, &ime)
}

func TestValidateVersionRequiresIntegers(t *testing.T) {
	_, err := Validate(string(TypeVersion), map[string]any{"major": "one", "minor": 0})
	require.Error(t, err)
}

func TestValidateFinishRejectsNonNilPayload(t *testing.T) {
	_, err := Validate(string(TypeFinish), map[string]any{"oops": true})
	require.Error(t, err)
}

func TestValidateStatusRejectsInfoAndErrorTogether(t *testing.T) {
	_, err := Validate(string(TypeStatus), map[string]any{
		"success": false,
		"info":    "x",
		"error":   "y",
	})
	require.Error(t, err)
}

func TestValidateMetadataRejectsNonStringValues(t *testing.T) {
	_, err := Validate(string(TypeMetadata), map[string]any{"k": 5})
	require.Error(t, err)
}

func TestValidateRecordRejectsUnsupportedVariableKind(t *testing.T) {
	_, err := Validate(string(TypeRecord), map[string]any{
		"timestamp": time.Now(),
		"variables": map[string]any{"bad": []string{"nope"}},
	})
	require.Error(t, err)
}
