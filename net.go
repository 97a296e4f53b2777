package genmqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/eclipse/paho.golang/packets"
	"github.com/gorilla/websocket"
)

// ConnectionProvider is a function that returns a net.Conn connected to an
// MQTT server that is ready to read to and write from. Note that the returned
// net.Conn must be thread-safe (i.e., concurrent Write calls must not
// interleave).
type ConnectionProvider func(context.Context) (net.Conn, error)

// TCPConnection is a ConnectionProvider that connects to an MQTT server over
// TCP.
func TCPConnection(hostname string, port int) ConnectionProvider {
	return func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		conn, err := d.DialContext(
			ctx,
			"tcp",
			fmt.Sprintf("%s:%d", hostname, port),
		)
		if err != nil {
			return nil, &ConnectionError{
				message: "error opening TCP connection",
				wrapped: err,
			}
		}
		return conn, nil
	}
}

// TLSConnection is a ConnectionProvider that connects to an MQTT server with
// TLS over TCP. A nil config uses the zero tls.Config.
func TLSConnection(
	hostname string,
	port int,
	config *tls.Config,
) ConnectionProvider {
	return func(ctx context.Context) (net.Conn, error) {
		d := tls.Dialer{Config: config}
		conn, err := d.DialContext(
			ctx,
			"tcp",
			fmt.Sprintf("%s:%d", hostname, port),
		)
		if err != nil {
			return nil, &ConnectionError{
				message: "error opening TLS connection",
				wrapped: err,
			}
		}
		return conn, nil
	}
}

// WebSocketConnection is a ConnectionProvider that connects to an MQTT server
// over WebSockets, e.g. "wss://host:443/mqtt". A nil config is valid for
// "ws" URLs.
func WebSocketConnection(url string, config *tls.Config) ConnectionProvider {
	return func(ctx context.Context) (net.Conn, error) {
		d := websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: websocket.DefaultDialer.HandshakeTimeout,
			TLSClientConfig:  config,
			Subprotocols:     []string{"mqtt"},
		}
		conn, _, err := d.DialContext(ctx, url, nil)
		if err != nil {
			return nil, &ConnectionError{
				message: "error opening WebSocket connection",
				wrapped: err,
			}
		}
		return &wsConn{conn: conn}, nil
	}
}

// wsConn adapts a WebSocket connection to net.Conn, framing the MQTT byte
// stream as binary messages.
type wsConn struct {
	conn   *websocket.Conn
	reader io.Reader
}

func (c *wsConn) Read(p []byte) (int, error) {
	for {
		if c.reader == nil {
			_, r, err := c.conn.NextReader()
			if err != nil {
				return 0, err
			}
			c.reader = r
		}
		n, err := c.reader.Read(p)
		if err == io.EOF {
			// Message exhausted; continue with the next one.
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	if err := c.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

func (c *wsConn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

func (c *wsConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.conn.SetReadDeadline(t); err != nil {
		return err
	}
	return c.conn.SetWriteDeadline(t)
}

func (c *wsConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *wsConn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

// NetTransport is the production Transport. It opens a stream via a
// ConnectionProvider and frames control packets over it. The zero provider
// derives TCP or TLS from the configuration.
type NetTransport struct {
	provider ConnectionProvider
}

// NewNetTransport builds a NetTransport. A nil provider dials the configured
// host and port directly, with TLS if the configuration carries a TLS config.
func NewNetTransport(provider ConnectionProvider) *NetTransport {
	return &NetTransport{provider: provider}
}

func (t *NetTransport) Connect(
	ctx context.Context,
	cfg *Config,
) (Connection, error) {
	provider := t.provider
	if provider == nil {
		if cfg.TLSConfig != nil {
			provider = TLSConnection(cfg.Host, cfg.Port, cfg.TLSConfig)
		} else {
			provider = TCPConnection(cfg.Host, cfg.Port)
		}
	}

	conn, err := provider(ctx)
	if err != nil {
		return nil, err
	}
	return &packetConn{conn: packets.NewThreadSafeConn(conn)}, nil
}

// packetConn frames MQTT control packets over a stream connection.
type packetConn struct {
	conn net.Conn
}

func (pc *packetConn) Send(packet *packets.ControlPacket) error {
	_, err := packet.WriteTo(pc.conn)
	return err
}

func (pc *packetConn) Receive() (*packets.ControlPacket, error) {
	return packets.ReadPacket(pc.conn)
}

func (pc *packetConn) Close() error {
	return pc.conn.Close()
}
