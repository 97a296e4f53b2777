package genmqtt

import (
	"errors"
	"fmt"
)

// LifecycleState indicates where the client is in its start/stop lifecycle.
type LifecycleState byte

const (
	// The client has not yet been started.
	NotStarted LifecycleState = iota

	// The client has been started and has not yet been stopped by the user
	// or terminated due to a fatal error.
	Started

	// The client has been stopped by the user or terminated due to a fatal
	// error.
	ShutDown
)

// ClientStateError is returned when an operation cannot proceed due to the
// lifecycle state of the client.
type ClientStateError struct {
	State LifecycleState
}

func (e *ClientStateError) Error() string {
	switch e.State {
	case NotStarted:
		return "the client has not yet been started"
	case Started:
		return "the client has already been started"
	case ShutDown:
		return "the client has been shut down"
	default:
		// It should not be possible to get here.
		return ""
	}
}

// ErrIgnore may be returned from the Init hook to abort the start without
// running the client and without invoking the Terminate hook.
var ErrIgnore = errors.New("init ignored")

var (
	// ErrConnectionLost resolves pending operations when the connection
	// drops before their acknowledgment arrives.
	ErrConnectionLost = errors.New("connection lost")

	// ErrAckTimeout resolves a pending operation whose acknowledgment did
	// not arrive within the configured retry interval.
	ErrAckTimeout = errors.New("acknowledgment timeout")

	// ErrKeepAliveTimeout is the disconnect reason used when the server
	// fails to answer a PINGREQ before the next keepalive interval.
	ErrKeepAliveTimeout = errors.New("keepalive timeout")

	// ErrNotConnected is returned for a QoS 0 publish attempted while the
	// connection is down, since no delivery has occurred.
	ErrNotConnected = errors.New("not connected")
)

// ConnectReason categorizes why a connection attempt failed.
type ConnectReason byte

const (
	// The server could not be reached or closed the network connection
	// before a CONNACK was received.
	ConnectServerUnreachable ConnectReason = iota

	// The server refused the connection for a reason not covered by the
	// more specific categories; see the CONNACK reason code.
	ConnectServerError

	// The server does not support the requested protocol version.
	ConnectProtocolVersionMismatch

	// The client identifier is not valid per the server.
	ConnectClientIDInvalid

	// The username or password is malformed or incorrect.
	ConnectBadCredentials

	// The client is not authorized to connect.
	ConnectNotAuthorized
)

func (r ConnectReason) String() string {
	switch r {
	case ConnectServerUnreachable:
		return "server unreachable"
	case ConnectServerError:
		return "server error"
	case ConnectProtocolVersionMismatch:
		return "protocol version mismatch"
	case ConnectClientIDInvalid:
		return "invalid client identifier"
	case ConnectBadCredentials:
		return "bad username or password"
	case ConnectNotAuthorized:
		return "not authorized"
	default:
		return "unknown"
	}
}

// ConnectError indicates a failed connection attempt. Permanent failures are
// never retried automatically; transient ones may be, if a reconnect interval
// is configured.
type ConnectError struct {
	Reason ConnectReason

	// ReasonCode is the CONNACK reason code, or zero if the failure
	// occurred before a CONNACK was received.
	ReasonCode byte

	wrapped error
}

func (e *ConnectError) Error() string {
	if e.ReasonCode != 0 {
		return fmt.Sprintf(
			"connect failed: %s (reason code %#02x)",
			e.Reason,
			e.ReasonCode,
		)
	}
	if e.wrapped != nil {
		return fmt.Sprintf("connect failed: %s: %v", e.Reason, e.wrapped)
	}
	return fmt.Sprintf("connect failed: %s", e.Reason)
}

func (e *ConnectError) Unwrap() error {
	return e.wrapped
}

// Permanent reports whether the failure should not be retried.
func (e *ConnectError) Permanent() bool {
	switch e.Reason {
	case ConnectProtocolVersionMismatch,
		ConnectClientIDInvalid,
		ConnectBadCredentials,
		ConnectNotAuthorized:
		return true
	case ConnectServerError:
		return isFatalConnackReasonCode(e.ReasonCode)
	default:
		return false
	}
}

// connackError categorizes a CONNACK error reason code.
func connackError(reasonCode byte) *ConnectError {
	e := &ConnectError{ReasonCode: reasonCode}
	switch reasonCode {
	case connackUnsupportedProtocolVersion:
		e.Reason = ConnectProtocolVersionMismatch
	case connackClientIdentifierNotValid:
		e.Reason = ConnectClientIDInvalid
	case connackBadUserNameOrPassword:
		e.Reason = ConnectBadCredentials
	case connackNotAuthorized, connackBanned:
		e.Reason = ConnectNotAuthorized
	case connackServerUnavailable, connackServerBusy:
		e.Reason = ConnectServerUnreachable
	default:
		e.Reason = ConnectServerError
	}
	return e
}

// OperationError resolves a pending subscribe, unsubscribe, or publish that
// failed, either with an error reason code from the server or locally due to
// disconnect or timeout.
type OperationError struct {
	Op string

	// Tag is the correlation tag assigned to the operation at submission;
	// the same tag appears in the client's debug logs, so a failure can be
	// traced back to the request that produced it.
	Tag string

	// ReasonCode is the acknowledgment reason code, or zero if the
	// operation failed before an acknowledgment was received.
	ReasonCode byte

	wrapped error
}

func (e *OperationError) Error() string {
	var msg string
	if e.wrapped != nil {
		msg = fmt.Sprintf("%s failed: %v", e.Op, e.wrapped)
	} else {
		msg = fmt.Sprintf("%s failed: reason code %#02x", e.Op, e.ReasonCode)
	}
	if e.Tag != "" {
		msg += " (operation " + e.Tag + ")"
	}
	return msg
}

func (e *OperationError) Unwrap() error {
	return e.wrapped
}

// UnhandledRequestError indicates that a call or cast reached the default
// handler. A directed request the implementer chose to send but did not
// handle is a programming error, so it is fatal to the client rather than
// silently swallowed.
type UnhandledRequestError struct {
	Kind    string // "call" or "cast"
	Request any
}

func (e *UnhandledRequestError) Error() string {
	return fmt.Sprintf("unhandled %s: %v", e.Kind, e.Request)
}

// ConnectionError indicates an issue opening the network connection to the
// MQTT server. It may wrap an underlying error using Go standard error
// wrapping.
type ConnectionError struct {
	wrapped error
	message string
}

func (e *ConnectionError) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %v", e.message, e.wrapped)
	}
	return e.message
}

func (e *ConnectionError) Unwrap() error {
	return e.wrapped
}

// DisconnectError indicates that the server sent a DISCONNECT packet.
type DisconnectError struct {
	ReasonCode byte
}

func (e *DisconnectError) Error() string {
	return fmt.Sprintf(
		"received DISCONNECT packet with reason code %#02x",
		e.ReasonCode,
	)
}

// Fatal reports whether the reason code is deemed fatal, in which case the
// client does not attempt to reconnect.
func (e *DisconnectError) Fatal() bool {
	return isFatalDisconnectReasonCode(e.ReasonCode)
}

// InvalidArgumentError indicates that the user has provided an invalid value
// for an option. It may wrap an underlying error using Go standard error
// wrapping.
type InvalidArgumentError struct {
	wrapped error
	message string
}

func (e *InvalidArgumentError) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %v", e.message, e.wrapped)
	}
	return e.message
}

func (e *InvalidArgumentError) Unwrap() error {
	return e.wrapped
}
