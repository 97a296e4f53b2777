package genmqtt

import (
	"context"

	"github.com/eclipse/paho.golang/packets"
)

type (
	// Transport opens connections to an MQTT server. The client core never
	// touches raw bytes: a Transport exchanges already-decoded control
	// packets, leaving wire encoding and the network stream to the
	// implementation. NetTransport is the production implementation; tests
	// may substitute their own.
	Transport interface {
		Connect(ctx context.Context, cfg *Config) (Connection, error)
	}

	// Connection is a single established connection. It is exclusively
	// owned by the client actor that opened it. Send must be safe for use
	// from multiple goroutines; Receive is called from a single reader
	// goroutine and blocks until a packet arrives, returning an error once
	// the connection is no longer usable.
	Connection interface {
		Send(packet *packets.ControlPacket) error
		Receive() (*packets.ControlPacket, error)
		Close() error
	}
)
