package genmqtt

import (
	"crypto/tls"
	"log/slog"
	"math"
	"time"
)

// QoS is the MQTT delivery guarantee level for a publish or subscription.
type QoS byte

const (
	// AtMostOnce delivers with no acknowledgment (QoS 0).
	AtMostOnce QoS = iota

	// AtLeastOnce requires a PUBACK from the receiver (QoS 1).
	AtLeastOnce

	// ExactlyOnce (QoS 2) is not supported by this client.
	ExactlyOnce
)

// Subscription pairs a topic filter with a QoS. On the way in it carries the
// requested QoS; in acknowledgments it carries the QoS the server actually
// granted, which may differ (a value of 0x80 or above is a per-filter
// rejection reason code).
type Subscription struct {
	Filter string
	QoS    QoS
}

// WillMessage is the message the server publishes on the client's behalf if
// the connection drops uncleanly.
type WillMessage struct {
	Topic   string
	Payload []byte
	QoS     QoS
	Retain  bool
}

// Config is the immutable configuration snapshot for a client. It is built
// once by New from options and never mutated afterwards.
type Config struct {
	Host     string
	Port     int
	ClientID string

	Username string
	Password []byte

	// CleanSession requests that the server discard any prior session
	// state on the initial connection. Reconnections always resume the
	// existing session.
	CleanSession bool

	Will *WillMessage

	// KeepAlive is the interval between PINGREQ probes on an idle
	// connection.
	KeepAlive time.Duration

	// RetryInterval bounds how long a pending subscribe, unsubscribe, or
	// QoS 1 publish waits for its acknowledgment before being resolved as
	// failed.
	RetryInterval time.Duration

	// ReconnectInterval is the fixed delay before a reconnect attempt
	// after a transient connection loss. Zero disables automatic
	// reconnection: the client then stays Disconnected until Reconnect is
	// called or a hook stops it.
	ReconnectInterval time.Duration

	// ConnectTimeout bounds a single connection attempt.
	ConnectTimeout time.Duration

	ProtocolVersion byte

	// TLSConfig enables TLS in the default transport when non-nil.
	TLSConfig *tls.Config

	Logger *slog.Logger
}

// validate checks the configuration. Server address checks only apply when
// the default transport will dial from it; a custom transport or connection
// provider supplies its own addressing.
func (cfg *Config) validate(needServer bool) error {
	if needServer {
		if cfg.Host == "" {
			return &InvalidArgumentError{message: "host must not be empty"}
		}
		if cfg.Port <= 0 || cfg.Port > math.MaxUint16 {
			return &InvalidArgumentError{message: "port must be a valid TCP port"}
		}
	}
	if cfg.ProtocolVersion != MQTTv311 && cfg.ProtocolVersion != MQTTv5 {
		return &InvalidArgumentError{message: "unsupported protocol version"}
	}
	if cfg.KeepAlive.Seconds() > math.MaxUint16 {
		return &InvalidArgumentError{message: "keepalive interval too large"}
	}
	if cfg.Will != nil && cfg.Will.QoS >= ExactlyOnce {
		return &InvalidArgumentError{message: "unsupported will QoS"}
	}
	return nil
}
