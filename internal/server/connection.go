// Package server implements the per-connection state machine and the
// listener/factory that accepts connections and hands each one its own
// goroutine. Grounded on original_source/exprec/server/protocol.py's
// MessageProtocol/MessageProtoFactory (Twisted-style callback chaining
// there becomes an explicit state-switch loop here, since Go connections
// are synchronous per goroutine rather than event-driven).
package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/expeca/telemetryd/internal/experiment"
	"github.com/expeca/telemetryd/internal/telemetrylog"
	"github.com/expeca/telemetryd/internal/wire"
)

// protocol version this server implements, mirroring
// MessageProtocol.version_major/version_minor. Clients must send the same
// major version; the minor version is not compared.
const (
	VersionMajor = 1
	VersionMinor = 0
)

type connState int

const (
	stateAwaitVersion connState = iota
	stateRecording
	stateClosed
)

// Conn drives one client connection through AwaitVersion -> Recording ->
// Closed.
type Conn struct {
	nc              net.Conn
	iface           *experiment.Interface
	defaultMetadata map[string]string
	dec             *wire.Decoder
	enc             *wire.Encoder
	state           connState
	started         bool
	expID           uuid.UUID
	peerAddr        string
}

// NewConn wraps an accepted net.Conn; call Serve to run its lifecycle.
// defaultMetadata is attached to the experiment instance this connection
// creates, before the peer-address metadata is added.
func NewConn(nc net.Conn, iface *experiment.Interface, defaultMetadata map[string]string) *Conn {
	return &Conn{
		nc:              nc,
		iface:           iface,
		defaultMetadata: defaultMetadata,
		dec:             wire.NewDecoder(),
		enc:             wire.NewEncoder(),
		state:           stateAwaitVersion,
	}
}

// Serve reads and processes messages until the connection finishes,
// fails, or ctx is cancelled. It always closes the underlying net.Conn
// before returning.
func (c *Conn) Serve(ctx context.Context) error {
	defer c.nc.Close()
	defer c.finishOnClose()

	buf := make([]byte, 4096)
	for {
		if c.state == stateClosed {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if dl, ok := ctx.Deadline(); ok {
			_ = c.nc.SetReadDeadline(dl)
		}
		n, err := c.nc.Read(buf)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return errors.Wrap(err, "connection read")
		}

		msgs, perr := c.dec.Push(buf[:n])
		for _, msg := range msgs {
			if herr := c.handle(ctx, msg); herr != nil {
				c.reportFailure(herr)
				return herr
			}
		}
		if perr != nil {
			c.reportFailure(perr)
			return perr
		}
	}
}

// finishOnClose stamps the experiment's end time whenever a connection that
// reached AwaitVersion's experiment-creation step closes without having
// already finished explicitly, mirroring protocol.py's connectionLost
// handler calling finish_experiment_instance unconditionally once an
// experiment exists for the connection.
func (c *Conn) finishOnClose() {
	if !c.started || c.state == stateClosed {
		return
	}
	if err := c.iface.FinishExperimentInstance(context.Background(), c.expID); err != nil {
		level.Warn(telemetrylog.Logger).Log("msg", "failed to finish experiment instance on close", "experiment_id", c.expID, "err", err)
	}
}

// reportFailure sends the best-effort error status for a connection that is
// about to be torn down, unless the failure is an incompatible version
// handshake, which closes without ever sending welcome or status.
func (c *Conn) reportFailure(cause error) {
	var incompatible *IncompatibleVersionError
	if errors.As(cause, &incompatible) {
		level.Warn(telemetrylog.Logger).Log("msg", "incompatible protocol version", "err", cause)
		return
	}
	c.sendError(cause)
}

func (c *Conn) handle(ctx context.Context, msg *wire.Message) error {
	switch c.state {
	case stateAwaitVersion:
		return c.handleAwaitVersion(ctx, msg)
	case stateRecording:
		return c.handleRecording(ctx, msg)
	default:
		return &UnexpectedMessageError{Expected: []string{}, Actual: string(msg.Type)}
	}
}

// handleAwaitVersion mirrors wait_for_version: check the version, create
// the experiment instance, send welcome, THEN attach address metadata,
// THEN transition to Recording.
func (c *Conn) handleAwaitVersion(ctx context.Context, msg *wire.Message) error {
	if msg.Type != wire.TypeVersion {
		return &UnexpectedMessageError{Expected: []string{string(wire.TypeVersion)}, Actual: string(msg.Type)}
	}
	v := msg.Payload.(*wire.VersionPayload)
	if v.Major != VersionMajor {
		return &IncompatibleVersionError{
			ServerMajor: VersionMajor, ServerMinor: VersionMinor,
			ClientMajor: v.Major, ClientMinor: v.Minor,
		}
	}

	expID, err := c.iface.NewExperimentInstance(ctx)
	if err != nil {
		return errors.Wrap(err, "create experiment instance")
	}
	c.expID = expID
	c.started = true

	welcome, err := wire.Make(wire.TypeWelcome, &wire.WelcomePayload{InstanceID: expID})
	if err != nil {
		return errors.Wrap(err, "make welcome")
	}
	if err := c.send(welcome); err != nil {
		return err
	}

	if len(c.defaultMetadata) > 0 {
		if err := c.iface.AddMetadata(ctx, expID, c.defaultMetadata); err != nil {
			return errors.Wrap(err, "add default metadata")
		}
	}

	c.peerAddr = peerAddress(c.nc.RemoteAddr())
	if c.peerAddr == "" {
		level.Warn(telemetrylog.Logger).Log("msg", "could not obtain address for client", "experiment_id", expID)
	}
	if err := c.iface.AddMetadata(ctx, expID, map[string]string{"address": c.peerAddr}); err != nil {
		return errors.Wrap(err, "add address metadata")
	}

	c.state = stateRecording
	level.Info(telemetrylog.Logger).Log("msg", "experiment started", "experiment_id", expID, "address", c.peerAddr)
	return nil
}

// handleRecording mirrors wait_for_records_metadata_or_finish: accepts
// record/metadata/finish, rejects anything else.
func (c *Conn) handleRecording(ctx context.Context, msg *wire.Message) error {
	switch msg.Type {
	case wire.TypeRecord:
		p := msg.Payload.(*wire.RecordPayload)
		if err := c.iface.RecordVariables(c.expID, p.Timestamp, p.Variables); err != nil {
			return errors.Wrap(err, "record variables")
		}
		status, err := wire.Make(wire.TypeStatus, &wire.StatusPayload{
			Success: true,
			Info:    map[string]any{"recorded": len(p.Variables)},
		})
		if err != nil {
			return errors.Wrap(err, "make status")
		}
		return c.send(status)

	case wire.TypeMetadata:
		p := msg.Payload.(wire.MetadataPayload)
		if err := c.iface.AddMetadata(ctx, c.expID, map[string]string(p)); err != nil {
			return errors.Wrap(err, "add metadata")
		}
		status, err := wire.Make(wire.TypeStatus, &wire.StatusPayload{Success: true})
		if err != nil {
			return errors.Wrap(err, "make status")
		}
		return c.send(status)

	case wire.TypeFinish:
		level.Warn(telemetrylog.Logger).Log("msg", "shutting down connection for experiment", "experiment_id", c.expID)
		if err := c.iface.FinishExperimentInstance(ctx, c.expID); err != nil {
			return errors.Wrap(err, "finish experiment instance")
		}
		c.state = stateClosed
		return nil

	default:
		return &UnexpectedMessageError{
			Expected: []string{string(wire.TypeRecord), string(wire.TypeMetadata), string(wire.TypeFinish)},
			Actual:   string(msg.Type),
		}
	}
}

func (c *Conn) send(msg *wire.Message) error {
	b, err := c.enc.Encode(msg)
	if err != nil {
		return errors.Wrap(err, "encode")
	}
	if _, err := c.nc.Write(b); err != nil {
		return errors.Wrap(err, "write")
	}
	return nil
}

// sendError attempts a best-effort status message with the failure before
// the connection is torn down, mirroring protocol.py's errback
// ("error_msg = make_message('status', {'error': 'Invalid message.'})").
// Invalid/unexpected messages always report the literal "Invalid message."
// regardless of the underlying cause; other fatal errors report their own
// text since the schema doesn't constrain them to that literal.
func (c *Conn) sendError(cause error) {
	msg := cause.Error()
	var invalidMsg *wire.InvalidMessageError
	var unexpectedMsg *UnexpectedMessageError
	if errors.As(cause, &invalidMsg) || errors.As(cause, &unexpectedMsg) {
		msg = "Invalid message."
	}
	status, err := wire.Make(wire.TypeStatus, &wire.StatusPayload{Success: false, Error: msg})
	if err != nil {
		return
	}
	_ = c.send(status)
}

// peerAddress applies spec.md's peer-address metadata rule: UNIX socket
// addresses become their path, IP addresses become lowercased host:port,
// anything else becomes empty (with a warning logged by the caller).
func peerAddress(addr net.Addr) string {
	switch a := addr.(type) {
	case *net.UnixAddr:
		return a.Name
	case *net.TCPAddr:
		return strings.ToLower(fmt.Sprintf("%s:%d", a.IP.String(), a.Port))
	default:
		return ""
	}
}
