package server

import "fmt"

// UnexpectedMessageError fires when a connection receives a message type
// its current state isn't waiting for, mirroring common/protocol.py's
// UnexpectedMessageException/check_message_type decorator.
type UnexpectedMessageError struct {
	Expected []string
	Actual   string
}

func (e *UnexpectedMessageError) Error() string {
	return fmt.Sprintf("expected one of %v, got %q", e.Expected, e.Actual)
}

// IncompatibleVersionError fires when a client's version handshake
// doesn't match the server's, mirroring IncompatibleVersionException.
type IncompatibleVersionError struct {
	ServerMajor, ServerMinor int
	ClientMajor, ClientMinor int
}

func (e *IncompatibleVersionError) Error() string {
	return fmt.Sprintf("incompatible protocol versions: server v%d.%d, client v%d.%d",
		e.ServerMajor, e.ServerMinor, e.ClientMajor, e.ClientMinor)
}
