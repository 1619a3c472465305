package irc

import (
	"errors"
	"fmt"
)

var (
	ErrNoHostname = errors.New("no hostname specified")
	ErrNoPort     = errors.New("no port specified")
	ErrNoNickname = errors.New("no nickname specified")

	// ErrRetriesExhausted is returned by Session.Run when the reconnection
	// budget ran out.
	ErrRetriesExhausted = errors.New("reconnection attempts exhausted")

	ErrInvalidEventName = errors.New("invalid event name")
	ErrNotConnected     = errors.New("not connected")
	ErrAlreadyRunning   = errors.New("session is already running")
)

// ConnectError reports that the transport to the server could not be
// established.
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to %s: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// ParseError reports a line that could not be minimally parsed.
type ParseError struct {
	Line   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %q: %s", e.Line, e.Reason)
}

// AuthError reports a SASL authentication failure.
type AuthError struct {
	Code    string // the numeric sent by the server, e.g. "904".
	Message string
}

func (e *AuthError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("sasl authentication failed (%s)", e.Code)
	}
	return fmt.Sprintf("sasl authentication failed (%s): %s", e.Code, e.Message)
}

// ProtocolViolation reports malformed parameters that were tolerated.  The
// part of the message that could be understood has been applied.
type ProtocolViolation struct {
	Command string
	Reason  string
}

func (e *ProtocolViolation) Error() string {
	return fmt.Sprintf("%s: %s", e.Command, e.Reason)
}
