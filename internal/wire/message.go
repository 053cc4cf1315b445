// Package wire implements the framed binary protocol between experiment
// clients and the recording server: MessagePack-compatible encoding with
// two domain extension types (timestamps, UUIDs), and the six-message
// schema layered on top of it.
package wire

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Type is one of the six wire message types.
type Type string

const (
	TypeVersion  Type = "version"
	TypeWelcome  Type = "welcome"
	TypeMetadata Type = "metadata"
	TypeRecord   Type = "record"
	TypeStatus   Type = "status"
	TypeFinish   Type = "finish"
)

// InvalidMessageError is raised by Validate/Make for any payload that does
// not match its type's shape: unknown type, missing key, wrong value kind.
type InvalidMessageError struct {
	Type   Type
	Reason string
}

func (e *InvalidMessageError) Error() string {
	return fmt.Sprintf("invalid message (type=%q): %s", e.Type, e.Reason)
}

func invalid(t Type, format string, args ...any) error {
	return &InvalidMessageError{Type: t, Reason: fmt.Sprintf(format, args...)}
}

// Message is a validated wire message: a type tag plus its typed payload.
// Payload is one of *VersionPayload, *WelcomePayload, MetadataPayload,
// *RecordPayload, *StatusPayload, or nil (for finish).
type Message struct {
	Type    Type
	Payload any
}

// VersionPayload is the client->server handshake payload.
type VersionPayload struct {
	Major int
	Minor int
}

// WelcomePayload is the server->client handshake reply.
type WelcomePayload struct {
	InstanceID uuid.UUID
}

// MetadataPayload is a set of string key/value annotations.
type MetadataPayload map[string]string

// RecordPayload is one timestamped batch of named scalar samples.
type RecordPayload struct {
	Timestamp time.Time
	Variables map[string]any // each value is int64, float64, or bool
}

// StatusPayload acknowledges a metadata/record/finish message, or reports
// an error. Info and Error are mutually exclusive when present.
type StatusPayload struct {
	Success bool
	Info    any
	Error   any
}

// Validate checks a raw decoded map against its declared type's shape and
// returns the typed Message on success. rawType/rawPayload come straight
// out of the codec's decode step (map[string]any leaves, with Timestamp/
// UUID extension values already rewritten to time.Time/uuid.UUID).
func Validate(rawType string, rawPayload any) (*Message, error) {
	t := Type(rawType)
	switch t {
	case TypeVersion:
		return validateVersion(rawPayload)
	case TypeMetadata:
		return validateMetadata(rawPayload)
	case TypeRecord:
		return validateRecord(rawPayload)
	case TypeFinish:
		return validateFinish(rawPayload)
	case TypeWelcome:
		return validateWelcome(rawPayload)
	case TypeStatus:
		return validateStatus(rawPayload)
	default:
		return nil, invalid(t, "unknown message type %q", rawType)
	}
}

func validateVersion(raw any) (*Message, error) {
	m, ok := asMap(raw)
	if !ok {
		return nil, invalid(TypeVersion, "payload must be a map")
	}
	major, ok := asInt(m["major"])
	if !ok {
		return nil, invalid(TypeVersion, "missing or non-integer \"major\"")
	}
	minor, ok := asInt(m["minor"])
	if !ok {
		return nil, invalid(TypeVersion, "missing or non-integer \"minor\"")
	}
	return &Message{Type: TypeVersion, Payload: &VersionPayload{Major: major, Minor: minor}}, nil
}

func validateWelcome(raw any) (*Message, error) {
	m, ok := asMap(raw)
	if !ok {
		return nil, invalid(TypeWelcome, "payload must be a map")
	}
	id, ok := m["instance_id"].(uuid.UUID)
	if !ok {
		return nil, invalid(TypeWelcome, "missing or non-UUID \"instance_id\"")
	}
	return &Message{Type: TypeWelcome, Payload: &WelcomePayload{InstanceID: id}}, nil
}

func validateMetadata(raw any) (*Message, error) {
	m, ok := asMap(raw)
	if !ok {
		return nil, invalid(TypeMetadata, "payload must be a map")
	}
	out := make(MetadataPayload, len(m))
	for k, v := range m {
		s, ok := v.(string)
		if !ok {
			return nil, invalid(TypeMetadata, "value for key %q is not a string", k)
		}
		out[k] = s
	}
	return &Message{Type: TypeMetadata, Payload: out}, nil
}

func validateRecord(raw any) (*Message, error) {
	m, ok := asMap(raw)
	if !ok {
		return nil, invalid(TypeRecord, "payload must be a map")
	}
	ts, ok := m["timestamp"].(time.Time)
	if !ok {
		return nil, invalid(TypeRecord, "missing or non-timestamp \"timestamp\"")
	}
	rawVars, ok := asMap(m["variables"])
	if !ok {
		return nil, invalid(TypeRecord, "missing or non-map \"variables\"")
	}
	vars := make(map[string]any, len(rawVars))
	for name, v := range rawVars {
		switch v.(type) {
		case int64, float64, bool:
			vars[name] = v
		case int:
			vars[name] = int64(v.(int))
		default:
			return nil, invalid(TypeRecord, "variable %q has unsupported kind %T", name, v)
		}
	}
	return &Message{Type: TypeRecord, Payload: &RecordPayload{Timestamp: ts, Variables: vars}}, nil
}

func validateStatus(raw any) (*Message, error) {
	m, ok := asMap(raw)
	if !ok {
		return nil, invalid(TypeStatus, "payload must be a map")
	}
	success, ok := m["success"].(bool)
	if !ok {
		return nil, invalid(TypeStatus, "missing or non-bool \"success\"")
	}
	info, hasInfo := m["info"]
	errv, hasError := m["error"]
	if hasInfo && hasError {
		return nil, invalid(TypeStatus, "\"info\" and \"error\" are mutually exclusive")
	}
	return &Message{Type: TypeStatus, Payload: &StatusPayload{Success: success, Info: info, Error: errv}}, nil
}

func validateFinish(raw any) (*Message, error) {
	if raw != nil {
		return nil, invalid(TypeFinish, "payload must be null")
	}
	return &Message{Type: TypeFinish, Payload: nil}, nil
}

// Make builds and validates an outbound message so producers cannot ever
// emit something that fails the schema they themselves define.
func Make(t Type, payload any) (*Message, error) {
	raw, err := toRaw(t, payload)
	if err != nil {
		return nil, errors.Wrapf(err, "make_message(%s)", t)
	}
	return Validate(string(t), raw)
}

// toRaw converts a typed payload back into the generic map/scalar shape
// Validate expects, mirroring how the wire actually carries it.
func toRaw(t Type, payload any) (any, error) {
	switch t {
	case TypeFinish:
		return nil, nil
	case TypeWelcome:
		p, ok := payload.(*WelcomePayload)
		if !ok {
			return nil, invalid(t, "expected *WelcomePayload")
		}
		return map[string]any{"instance_id": p.InstanceID}, nil
	case TypeVersion:
		p, ok := payload.(*VersionPayload)
		if !ok {
			return nil, invalid(t, "expected *VersionPayload")
		}
		return map[string]any{"major": p.Major, "minor": p.Minor}, nil
	case TypeMetadata:
		p, ok := payload.(MetadataPayload)
		if !ok {
			return nil, invalid(t, "expected MetadataPayload")
		}
		m := make(map[string]any, len(p))
		for k, v := range p {
			m[k] = v
		}
		return m, nil
	case TypeRecord:
		p, ok := payload.(*RecordPayload)
		if !ok {
			return nil, invalid(t, "expected *RecordPayload")
		}
		return map[string]any{"timestamp": p.Timestamp, "variables": p.Variables}, nil
	case TypeStatus:
		p, ok := payload.(*StatusPayload)
		if !ok {
			return nil, invalid(t, "expected *StatusPayload")
		}
		m := map[string]any{"success": p.Success}
		if p.Info != nil {
			m["info"] = p.Info
		}
		if p.Error != nil {
			m["error"] = p.Error
		}
		return m, nil
	default:
		return nil, invalid(t, "unknown message type")
	}
}

func asMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int64:
		return int(n), true
	case int:
		return n, true
	case float64:
		// msgpack round-trips small ints as int64, but tolerate float64
		// in case a client encodes them that way.
		return int(n), n == float64(int64(n))
	default:
		return 0, false
	}
}
