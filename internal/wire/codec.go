package wire

import (
	"bytes"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

var (
	errEOF          = io.EOF
	errUnexpectedEOF = io.ErrUnexpectedEOF
)

const (
	extDate = "__date__"
	extUUID = "__uuid__"
)

// Encoder packs Messages onto an underlying byte sink using the same two
// extension conventions as the Python reference packer: a datetime becomes
// {"__date__": <unix seconds float>}, a UUID becomes {"__uuid__": <32 lower
// hex chars>}. These are ordinary map keys, not true msgpack ext types, so
// any MessagePack-compliant client can decode them without extension support.
type Encoder struct {
	enc *msgpack.Encoder
	buf *bytes.Buffer
}

// NewEncoder returns an Encoder that packs into an internal buffer; each
// Encode resets that buffer and returns a copy of the packed bytes.
func NewEncoder() *Encoder {
	buf := &bytes.Buffer{}
	enc := msgpack.NewEncoder(buf)
	enc.SetCustomStructTag("msgpack")
	return &Encoder{enc: enc, buf: buf}
}

// Encode packs one wire Message and returns its framed bytes.
func (e *Encoder) Encode(m *Message) ([]byte, error) {
	raw, err := toRaw(m.Type, m.Payload)
	if err != nil {
		return nil, errors.Wrap(err, "encode")
	}
	envelope := map[string]any{
		"type":    string(m.Type),
		"payload": encodeVarType(raw),
	}
	e.buf.Reset()
	if err := e.enc.Encode(envelope); err != nil {
		return nil, errors.Wrap(err, "encode: msgpack")
	}
	out := make([]byte, e.buf.Len())
	copy(out, e.buf.Bytes())
	return out, nil
}

// encodeVarType walks a decoded value tree and rewrites time.Time/uuid.UUID
// leaves into their extension-map form, mirroring encode_vartype's use as
// msgpack.Packer's default= hook applied to every otherwise-unencodable leaf.
func encodeVarType(v any) any {
	switch x := v.(type) {
	case time.Time:
		return map[string]any{extDate: float64(x.UnixNano()) / 1e9}
	case uuid.UUID:
		return map[string]any{extUUID: hex32(x)}
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = encodeVarType(val)
		}
		return out
	default:
		return v
	}
}

func hex32(id uuid.UUID) string {
	const hexdigits = "0123456789abcdef"
	b := id[:]
	out := make([]byte, 32)
	for i, c := range b {
		out[i*2] = hexdigits[c>>4]
		out[i*2+1] = hexdigits[c&0x0f]
	}
	return string(out)
}

// Decoder is a push-parser over a stream of packed envelopes: feed it bytes
// as they arrive on the wire, then drain any complete messages it has
// accumulated. Partial trailing bytes are retained across Push calls.
type Decoder struct {
	pending []byte
}

// NewDecoder returns an empty push-parser.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Push appends newly received bytes and returns every complete Message that
// can now be decoded, in arrival order. Any incomplete trailing envelope is
// retained internally for the next Push call.
func (d *Decoder) Push(data []byte) ([]*Message, error) {
	d.pending = append(d.pending, data...)

	var out []*Message
	for {
		n, raw, err := decodeOne(d.pending)
		if errors.Is(err, errIncomplete) {
			break
		}
		if err != nil {
			return out, err
		}
		d.pending = d.pending[n:]

		envelope, ok := raw.(map[string]any)
		if !ok {
			return out, invalid("", "envelope is not a map")
		}
		rawType, _ := envelope["type"].(string)
		msg, verr := Validate(rawType, decodeVarType(envelope["payload"]))
		if verr != nil {
			return out, verr
		}
		out = append(out, msg)
	}
	return out, nil
}

var errIncomplete = errors.New("wire: incomplete message")

// decodeOne attempts to decode exactly one msgpack value from the front of
// buf. It reports errIncomplete when buf doesn't yet hold a full value.
func decodeOne(buf []byte) (consumed int, value any, err error) {
	if len(buf) == 0 {
		return 0, nil, errIncomplete
	}
	r := bytes.NewReader(buf)
	dec := msgpack.NewDecoder(r)
	// Strict DecodeInterface returns narrow integer types (int8/int16/...)
	// instead of int64, which the message schema's type switches don't
	// accept; loose decoding normalizes every integer to int64, mirroring
	// msgpack.Unpacker's default behavior on the Python side.
	dec.UseLooseInterfaceDecoding(true)
	v, derr := dec.DecodeInterface()
	if derr != nil {
		// msgpack-v5 returns io.EOF/io.ErrUnexpectedEOF when the buffer
		// doesn't yet contain a complete value.
		if errors.Is(derr, errUnexpectedEOF) || errors.Is(derr, errEOF) {
			return 0, nil, errIncomplete
		}
		return 0, nil, invalid("", "decode: %v", derr)
	}
	consumed = len(buf) - r.Len()
	return consumed, v, nil
}

// decodeVarType is the inverse of encodeVarType: it walks a decoded value
// tree and rewrites extension-shaped maps back into time.Time/uuid.UUID,
// mirroring decode_vartype's use as msgpack.Unpacker's object_hook.
func decodeVarType(v any) any {
	switch x := v.(type) {
	case map[string]any:
		if raw, ok := x[extDate]; ok && len(x) == 1 {
			if secs, ok := asFloat(raw); ok {
				return time.Unix(0, int64(secs*1e9)).UTC()
			}
		}
		if raw, ok := x[extUUID]; ok && len(x) == 1 {
			if s, ok := raw.(string); ok {
				if id, err := uuid.Parse(s); err == nil {
					return id
				}
			}
		}
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = decodeVarType(val)
		}
		return out
	default:
		return v
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
