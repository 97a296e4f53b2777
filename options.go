package genmqtt

import (
	"crypto/tls"
	"log/slog"
	"time"
)

// Option configures a client at construction time.
type Option func(*Config)

// WithServer sets the server host and port for the default transport.
func WithServer(host string, port int) Option {
	return func(cfg *Config) {
		cfg.Host = host
		cfg.Port = port
	}
}

// WithClientID sets the MQTT client identifier. A random one is generated if
// unset.
func WithClientID(clientID string) Option {
	return func(cfg *Config) {
		cfg.ClientID = clientID
	}
}

// WithCredentials sets the username and password for the CONNECT packet.
func WithCredentials(username string, password []byte) Option {
	return func(cfg *Config) {
		cfg.Username = username
		cfg.Password = password
	}
}

// WithCleanSession sets the clean session flag for the initial connection.
func WithCleanSession(cleanSession bool) Option {
	return func(cfg *Config) {
		cfg.CleanSession = cleanSession
	}
}

// WithWill sets the last-will message.
func WithWill(will *WillMessage) Option {
	return func(cfg *Config) {
		cfg.Will = will
	}
}

// WithKeepAlive sets the keepalive interval.
func WithKeepAlive(keepAlive time.Duration) Option {
	return func(cfg *Config) {
		cfg.KeepAlive = keepAlive
	}
}

// WithRetryInterval sets how long pending operations wait for their
// acknowledgment.
func WithRetryInterval(retryInterval time.Duration) Option {
	return func(cfg *Config) {
		cfg.RetryInterval = retryInterval
	}
}

// WithReconnectInterval enables automatic reconnection with a fixed delay
// between the connection loss and the attempt.
func WithReconnectInterval(reconnectInterval time.Duration) Option {
	return func(cfg *Config) {
		cfg.ReconnectInterval = reconnectInterval
	}
}

// WithConnectTimeout bounds a single connection attempt.
func WithConnectTimeout(connectTimeout time.Duration) Option {
	return func(cfg *Config) {
		cfg.ConnectTimeout = connectTimeout
	}
}

// WithProtocolVersion sets the MQTT protocol version sent in the CONNECT
// packet.
func WithProtocolVersion(version byte) Option {
	return func(cfg *Config) {
		cfg.ProtocolVersion = version
	}
}

// WithTLSConfig enables TLS in the default transport.
func WithTLSConfig(tlsConfig *tls.Config) Option {
	return func(cfg *Config) {
		cfg.TLSConfig = tlsConfig
	}
}

// WithLogger sets the logger. Logging is disabled when unset.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *Config) {
		cfg.Logger = logger
	}
}
