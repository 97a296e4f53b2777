package genmqtt

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/eclipse/paho.golang/packets"
	"github.com/stretchr/testify/require"
)

// fakeConn is an in-memory Connection with a server-side handle: packets the
// client sends appear on out, and the test injects server packets on in.
type fakeConn struct {
	in  chan *packets.ControlPacket
	out chan *packets.ControlPacket

	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan *packets.ControlPacket, 16),
		out:    make(chan *packets.ControlPacket, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Send(packet *packets.ControlPacket) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	case c.out <- packet:
		return nil
	}
}

func (c *fakeConn) Receive() (*packets.ControlPacket, error) {
	select {
	case <-c.closed:
		return nil, net.ErrClosed
	case packet := <-c.in:
		return packet, nil
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// serverClose simulates the server dropping the connection.
func (c *fakeConn) serverClose() {
	c.Close()
}

type fakeTransport struct {
	mu       sync.Mutex
	dialErr  error
	block    chan struct{}
	accepted chan *fakeConn
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{accepted: make(chan *fakeConn, 4)}
}

func (t *fakeTransport) failWith(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dialErr = err
}

func (t *fakeTransport) Connect(
	_ context.Context,
	_ *Config,
) (Connection, error) {
	t.mu.Lock()
	err := t.dialErr
	block := t.block
	t.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if block != nil {
		<-block
	}

	conn := newFakeConn()
	t.accepted <- conn
	return conn, nil
}

const testTimeout = 2 * time.Second

func awaitConn(t *testing.T, ft *fakeTransport) *fakeConn {
	t.Helper()
	select {
	case conn := <-ft.accepted:
		return conn
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for a connection")
		return nil
	}
}

func awaitPacket(t *testing.T, conn *fakeConn) *packets.ControlPacket {
	t.Helper()
	select {
	case packet := <-conn.out:
		return packet
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for a packet")
		return nil
	}
}

func connackPacket(reasonCode byte) *packets.ControlPacket {
	cp := packets.NewControlPacket(packets.CONNACK)
	cp.Content.(*packets.Connack).ReasonCode = reasonCode
	return cp
}

func subackPacket(packetID uint16, reasons ...byte) *packets.ControlPacket {
	cp := packets.NewControlPacket(packets.SUBACK)
	suback := cp.Content.(*packets.Suback)
	suback.PacketID = packetID
	suback.Reasons = reasons
	return cp
}

func unsubackPacket(packetID uint16, reasons ...byte) *packets.ControlPacket {
	cp := packets.NewControlPacket(packets.UNSUBACK)
	unsuback := cp.Content.(*packets.Unsuback)
	unsuback.PacketID = packetID
	unsuback.Reasons = reasons
	return cp
}

func pubackPacket(packetID uint16, reasonCode byte) *packets.ControlPacket {
	cp := packets.NewControlPacket(packets.PUBACK)
	puback := cp.Content.(*packets.Puback)
	puback.PacketID = packetID
	puback.ReasonCode = reasonCode
	return cp
}

func publishPacket(
	packetID uint16,
	topic string,
	payload []byte,
	qos byte,
) *packets.ControlPacket {
	cp := packets.NewControlPacket(packets.PUBLISH)
	publish := cp.Content.(*packets.Publish)
	publish.PacketID = packetID
	publish.Topic = topic
	publish.Payload = payload
	publish.QoS = qos
	return cp
}

// recorder collects hook invocations on channels the test can wait on.
type recorder struct {
	connects    chan struct{}
	connectErrs chan *ConnectError
	disconnects chan struct{}
	publishes   chan publishEvent
	terminated  chan error
}

type publishEvent struct {
	topic   []string
	payload []byte
}

func newRecorder() *recorder {
	return &recorder{
		connects:    make(chan struct{}, 4),
		connectErrs: make(chan *ConnectError, 4),
		disconnects: make(chan struct{}, 4),
		publishes:   make(chan publishEvent, 4),
		terminated:  make(chan error, 1),
	}
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnConnect: func(_ context.Context, state any) (any, error) {
			r.connects <- struct{}{}
			return state, nil
		},
		OnConnectError: func(
			_ context.Context,
			connErr *ConnectError,
			state any,
		) (any, error) {
			r.connectErrs <- connErr
			return state, nil
		},
		OnDisconnect: func(_ context.Context, state any) (any, error) {
			r.disconnects <- struct{}{}
			return state, nil
		},
		OnPublish: func(
			_ context.Context,
			topic []string,
			payload []byte,
			state any,
		) (any, error) {
			r.publishes <- publishEvent{topic: topic, payload: payload}
			return state, nil
		},
		Terminate: func(reason error, _ any) {
			r.terminated <- reason
		},
	}
}

func await[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting for %s", what)
		var zero T
		return zero
	}
}

func expectNothing[T any](t *testing.T, ch <-chan T, what string) {
	t.Helper()
	select {
	case <-ch:
		t.Fatalf("unexpected %s", what)
	case <-time.After(100 * time.Millisecond):
	}
}

// startClient builds and starts a client against a fake transport and
// registers cleanup.
func startClient(
	t *testing.T,
	ft *fakeTransport,
	rec *recorder,
	opts ...Option,
) *Client {
	t.Helper()
	c, err := New(ft, append([]Option{WithClientID("test-client")}, opts...)...)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background(), rec.handlers(), nil))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		_ = c.Stop(ctx)
	})
	return c
}

// connectClient drives the CONNECT/CONNACK exchange and returns the server
// side of the established connection.
func connectClient(t *testing.T, ft *fakeTransport, rec *recorder) *fakeConn {
	t.Helper()
	conn := awaitConn(t, ft)
	packet := awaitPacket(t, conn)
	require.IsType(t, &packets.Connect{}, packet.Content)
	conn.in <- connackPacket(connackSuccess)
	await(t, rec.connects, "OnConnect")
	return conn
}

func TestConnectLifecycle(t *testing.T) {
	ft := newFakeTransport()
	rec := newRecorder()
	c := startClient(t, ft, rec, WithCleanSession(true))

	require.Equal(t, "test-client", c.ID())

	conn := awaitConn(t, ft)
	packet := awaitPacket(t, conn)
	connect, ok := packet.Content.(*packets.Connect)
	require.True(t, ok)
	require.Equal(t, "test-client", connect.ClientID)
	require.True(t, connect.CleanStart)

	conn.in <- connackPacket(connackSuccess)
	await(t, rec.connects, "OnConnect")
	require.Equal(t, Connected, c.ConnectionState())

	require.NoError(t, c.Stop(context.Background()))
	packet = awaitPacket(t, conn)
	require.IsType(t, &packets.Disconnect{}, packet.Content)
	require.NoError(t, await(t, rec.terminated, "Terminate"))
	require.Equal(t, Stopped, c.ConnectionState())

	// A second stop is a no-op.
	require.NoError(t, c.Stop(context.Background()))
}

func TestStartTwice(t *testing.T) {
	ft := newFakeTransport()
	rec := newRecorder()
	c := startClient(t, ft, rec)

	err := c.Start(context.Background(), rec.handlers(), nil)
	var stateErr *ClientStateError
	require.ErrorAs(t, err, &stateErr)
	require.Equal(t, Started, stateErr.State)
}

func TestInitErrorAbortsStart(t *testing.T) {
	ft := newFakeTransport()
	c, err := New(ft, WithClientID("test-client"))
	require.NoError(t, err)

	terminated := false
	h := Handlers{
		Init: func(context.Context, any) (any, error) {
			return nil, ErrIgnore
		},
		Terminate: func(error, any) { terminated = true },
	}
	require.ErrorIs(t, c.Start(context.Background(), h, nil), ErrIgnore)
	require.False(t, terminated)
	expectNothing(t, ft.accepted, "connection")

	// A failed start leaves the client startable.
	rec := newRecorder()
	require.NoError(t, c.Start(context.Background(), rec.handlers(), nil))
	defer c.Stop(context.Background())
	connectClient(t, ft, rec)
}

func TestSubscribePublishRoundTrip(t *testing.T) {
	ft := newFakeTransport()
	rec := newRecorder()
	c := startClient(t, ft, rec)
	conn := connectClient(t, ft, rec)

	subErr := make(chan error, 1)
	var granted []Subscription
	go func() {
		var err error
		granted, err = c.Subscribe(
			context.Background(),
			Subscription{Filter: "a/+", QoS: AtLeastOnce},
		)
		subErr <- err
	}()

	packet := awaitPacket(t, conn)
	subscribe, ok := packet.Content.(*packets.Subscribe)
	require.True(t, ok)
	require.Len(t, subscribe.Subscriptions, 1)
	require.Equal(t, "a/+", subscribe.Subscriptions[0].Topic)

	conn.in <- subackPacket(subscribe.PacketID, byte(AtLeastOnce))
	require.NoError(t, await(t, subErr, "subscribe result"))
	require.Equal(t, []Subscription{{Filter: "a/+", QoS: AtLeastOnce}}, granted)

	// A matching publish is delivered once, with the topic split into
	// levels, and acknowledged.
	conn.in <- publishPacket(7, "a/b", []byte("hello"), 1)
	ev := await(t, rec.publishes, "OnPublish")
	require.Equal(t, []string{"a", "b"}, ev.topic)
	require.Equal(t, []byte("hello"), ev.payload)

	packet = awaitPacket(t, conn)
	puback, ok := packet.Content.(*packets.Puback)
	require.True(t, ok)
	require.Equal(t, uint16(7), puback.PacketID)

	// A publish with no matching subscription is dropped, but still
	// acknowledged so the server does not redeliver it.
	conn.in <- publishPacket(8, "x/y", []byte("stray"), 1)
	packet = awaitPacket(t, conn)
	puback, ok = packet.Content.(*packets.Puback)
	require.True(t, ok)
	require.Equal(t, uint16(8), puback.PacketID)
	expectNothing(t, rec.publishes, "publish delivery")

	// Unsubscribe removes the filter from the matching set.
	unsubErr := make(chan error, 1)
	go func() {
		unsubErr <- c.Unsubscribe(context.Background(), "a/+")
	}()
	packet = awaitPacket(t, conn)
	unsubscribe, ok := packet.Content.(*packets.Unsubscribe)
	require.True(t, ok)
	require.Equal(t, []string{"a/+"}, unsubscribe.Topics)

	conn.in <- unsubackPacket(unsubscribe.PacketID, 0x00)
	require.NoError(t, await(t, unsubErr, "unsubscribe result"))

	conn.in <- publishPacket(9, "a/b", []byte("late"), 0)
	expectNothing(t, rec.publishes, "publish after unsubscribe")
}

func TestOperationsQueuedUntilConnected(t *testing.T) {
	ft := newFakeTransport()
	rec := newRecorder()
	c := startClient(t, ft, rec)

	conn := awaitConn(t, ft)
	packet := awaitPacket(t, conn)
	require.IsType(t, &packets.Connect{}, packet.Content)

	// Issue a subscribe and then a publish before the CONNACK arrives.
	subErr := make(chan error, 1)
	go func() {
		_, err := c.Subscribe(
			context.Background(),
			Subscription{Filter: "q/1", QoS: AtLeastOnce},
		)
		subErr <- err
	}()
	time.Sleep(50 * time.Millisecond)
	pubErr := make(chan error, 1)
	go func() {
		pubErr <- c.Publish(
			context.Background(),
			"q/out",
			[]byte("queued"),
			AtLeastOnce,
		)
	}()
	time.Sleep(50 * time.Millisecond)

	conn.in <- connackPacket(connackSuccess)
	await(t, rec.connects, "OnConnect")

	// The deferred operations flush in submission order.
	packet = awaitPacket(t, conn)
	subscribe, ok := packet.Content.(*packets.Subscribe)
	require.True(t, ok)
	conn.in <- subackPacket(subscribe.PacketID, byte(AtLeastOnce))
	require.NoError(t, await(t, subErr, "subscribe result"))

	packet = awaitPacket(t, conn)
	publish, ok := packet.Content.(*packets.Publish)
	require.True(t, ok)
	require.Equal(t, "q/out", publish.Topic)
	conn.in <- pubackPacket(publish.PacketID, 0x00)
	require.NoError(t, await(t, pubErr, "publish result"))
}

func TestPublishQoS0WhileDisconnected(t *testing.T) {
	ft := newFakeTransport()
	ft.failWith(errors.New("connection refused"))
	rec := newRecorder()
	c := startClient(t, ft, rec)

	connErr := await(t, rec.connectErrs, "OnConnectError")
	require.Equal(t, ConnectServerUnreachable, connErr.Reason)
	require.False(t, connErr.Permanent())
	require.Equal(t, Disconnected, c.ConnectionState())

	// With no acknowledgment there is nothing to queue against; the
	// publish fails immediately.
	err := c.Publish(context.Background(), "a/b", []byte("x"), AtMostOnce)
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestPermanentConnectFailureNotRetried(t *testing.T) {
	ft := newFakeTransport()
	rec := newRecorder()
	startClient(t, ft, rec, WithReconnectInterval(20*time.Millisecond))

	conn := awaitConn(t, ft)
	awaitPacket(t, conn)
	conn.in <- connackPacket(connackNotAuthorized)

	connErr := await(t, rec.connectErrs, "OnConnectError")
	require.Equal(t, ConnectNotAuthorized, connErr.Reason)
	require.True(t, connErr.Permanent())

	expectNothing(t, ft.accepted, "reconnect attempt")
}

func TestTransientConnectFailureRetried(t *testing.T) {
	ft := newFakeTransport()
	ft.failWith(errors.New("connection refused"))
	rec := newRecorder()
	startClient(t, ft, rec, WithReconnectInterval(20*time.Millisecond))

	await(t, rec.connectErrs, "OnConnectError")
	ft.failWith(nil)

	// A fresh attempt arrives on its own.
	conn := awaitConn(t, ft)
	awaitPacket(t, conn)
	conn.in <- connackPacket(connackSuccess)
	await(t, rec.connects, "OnConnect")
}

func TestReconnectAfterConnectionLoss(t *testing.T) {
	ft := newFakeTransport()
	rec := newRecorder()
	c := startClient(t, ft, rec,
		WithCleanSession(true),
		WithReconnectInterval(20*time.Millisecond),
	)
	conn := connectClient(t, ft, rec)

	conn.serverClose()
	await(t, rec.disconnects, "OnDisconnect")

	conn = awaitConn(t, ft)
	packet := awaitPacket(t, conn)
	connect, ok := packet.Content.(*packets.Connect)
	require.True(t, ok)

	// Reconnections resume the session regardless of the clean session
	// setting.
	require.False(t, connect.CleanStart)

	conn.in <- connackPacket(connackSuccess)
	await(t, rec.connects, "OnConnect")
	require.Equal(t, Connected, c.ConnectionState())
}

func TestNoReconnectWhenDisabled(t *testing.T) {
	ft := newFakeTransport()
	rec := newRecorder()
	c := startClient(t, ft, rec)
	conn := connectClient(t, ft, rec)

	conn.serverClose()
	await(t, rec.disconnects, "OnDisconnect")
	require.Equal(t, Disconnected, c.ConnectionState())
	expectNothing(t, ft.accepted, "reconnect attempt")

	// Manual reconnection still works.
	require.NoError(t, c.Reconnect(context.Background()))
	connectClient(t, ft, rec)
}

func TestServerDisconnectFatalNotRetried(t *testing.T) {
	ft := newFakeTransport()
	rec := newRecorder()
	c := startClient(t, ft, rec, WithReconnectInterval(20*time.Millisecond))
	conn := connectClient(t, ft, rec)

	conn.in <- buildDisconnectPacket(disconnectSessionTakenOver, "")
	await(t, rec.disconnects, "OnDisconnect")
	require.Equal(t, Disconnected, c.ConnectionState())
	expectNothing(t, ft.accepted, "reconnect attempt")
}

func TestPendingOperationsFailOnConnectionLoss(t *testing.T) {
	ft := newFakeTransport()
	rec := newRecorder()
	c := startClient(t, ft, rec)
	conn := connectClient(t, ft, rec)

	subErr := make(chan error, 1)
	go func() {
		_, err := c.Subscribe(
			context.Background(),
			Subscription{Filter: "a/b", QoS: AtLeastOnce},
		)
		subErr <- err
	}()
	awaitPacket(t, conn)

	conn.serverClose()
	err := await(t, subErr, "subscribe result")
	require.ErrorIs(t, err, ErrConnectionLost)

	// The failure names the operation that was cut short.
	var opErr *OperationError
	require.ErrorAs(t, err, &opErr)
	require.NotEmpty(t, opErr.Tag)
}

func TestStopDuringDialClosesConnection(t *testing.T) {
	ft := newFakeTransport()
	gate := make(chan struct{})
	ft.block = gate
	rec := newRecorder()
	c := startClient(t, ft, rec)

	// Stop the client while the dial is still in flight, then let the
	// dial complete. The connection it produces has no owner and must be
	// closed rather than leaked.
	require.NoError(t, c.Stop(context.Background()))
	close(gate)

	conn := awaitConn(t, ft)
	select {
	case <-conn.closed:
	case <-time.After(testTimeout):
		t.Fatal("connection was not closed")
	}
}

func TestAckTimeout(t *testing.T) {
	ft := newFakeTransport()
	rec := newRecorder()
	c := startClient(t, ft, rec, WithRetryInterval(30*time.Millisecond))
	conn := connectClient(t, ft, rec)

	subErr := make(chan error, 1)
	go func() {
		_, err := c.Subscribe(
			context.Background(),
			Subscription{Filter: "a/b", QoS: AtLeastOnce},
		)
		subErr <- err
	}()
	awaitPacket(t, conn)

	// No SUBACK ever arrives.
	require.ErrorIs(t, await(t, subErr, "subscribe result"), ErrAckTimeout)
}

func TestKeepalive(t *testing.T) {
	ft := newFakeTransport()
	rec := newRecorder()
	startClient(t, ft, rec, WithKeepAlive(40*time.Millisecond))
	conn := connectClient(t, ft, rec)

	packet := awaitPacket(t, conn)
	require.IsType(t, &packets.Pingreq{}, packet.Content)
	conn.in <- packets.NewControlPacket(packets.PINGRESP)

	// The next probe goes unanswered; the interval after that, the
	// connection is declared dead.
	packet = awaitPacket(t, conn)
	require.IsType(t, &packets.Pingreq{}, packet.Content)
	await(t, rec.disconnects, "OnDisconnect")
}

func TestUnhandledCallStopsClient(t *testing.T) {
	ft := newFakeTransport()
	rec := newRecorder()
	c := startClient(t, ft, rec)
	connectClient(t, ft, rec)

	reply, err := c.Call(context.Background(), "nobody home")
	var unhandled *UnhandledRequestError
	require.ErrorAs(t, err, &unhandled)
	require.Equal(t, "call", unhandled.Kind)
	require.Equal(t, err, reply)

	reason := await(t, rec.terminated, "Terminate")
	require.ErrorAs(t, reason, &unhandled)
	require.ErrorAs(t, c.Err(), &unhandled)

	// The client is shut down; further requests fail.
	var stateErr *ClientStateError
	require.ErrorAs(
		t,
		c.Cast(context.Background(), "late"),
		&stateErr,
	)
	require.Equal(t, ShutDown, stateErr.State)
}

func TestCallCastSendUpgrade(t *testing.T) {
	type counter struct{ n int }

	ft := newFakeTransport()
	terminated := make(chan error, 1)
	h := Handlers{
		Init: func(_ context.Context, args any) (any, error) {
			return &counter{n: args.(int)}, nil
		},
		OnCall: func(_ context.Context, req any, state any) (any, any, error) {
			s := state.(*counter)
			if req == "stop" {
				return nil, s, errors.New("stop requested")
			}
			return s.n, s, nil
		},
		OnCast: func(_ context.Context, req any, state any) (any, error) {
			s := state.(*counter)
			s.n += req.(int)
			return s, nil
		},
		OnInfo: func(_ context.Context, msg any, state any) (any, error) {
			s := state.(*counter)
			s.n += msg.(int)
			return s, nil
		},
		OnUpgrade: func(oldTag string, state any, extra any) (any, error) {
			if extra == nil {
				return nil, errors.New("missing extra")
			}
			s := state.(*counter)
			return &counter{n: s.n * extra.(int)}, nil
		},
		Terminate: func(reason error, _ any) { terminated <- reason },
	}

	c, err := New(ft, WithClientID("test-client"))
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background(), h, 10))
	defer c.Stop(context.Background())

	ctx := context.Background()

	// Mailbox ordering: the casts and sends land before the call that
	// reads the result.
	require.NoError(t, c.Cast(ctx, 5))
	require.NoError(t, c.Send(ctx, 7))
	n, err := c.Call(ctx, "get")
	require.NoError(t, err)
	require.Equal(t, 22, n)

	require.NoError(t, c.Upgrade(ctx, "v1", 2))
	n, err = c.Call(ctx, "get")
	require.NoError(t, err)
	require.Equal(t, 44, n)

	// A failed upgrade leaves the state unchanged and the client alive.
	require.Error(t, c.Upgrade(ctx, "v1", nil))
	n, err = c.Call(ctx, "get")
	require.NoError(t, err)
	require.Equal(t, 44, n)

	// A call-triggered stop still delivers the reply.
	_, err = c.Call(ctx, "stop")
	require.EqualError(t, err, "stop requested")
	require.EqualError(t, await(t, terminated, "Terminate"), "stop requested")
}

func TestReconnectWhileConnected(t *testing.T) {
	ft := newFakeTransport()
	rec := newRecorder()
	c := startClient(t, ft, rec)
	connectClient(t, ft, rec)

	err := c.Reconnect(context.Background())
	var stateErr *ClientStateError
	require.ErrorAs(t, err, &stateErr)
	require.Equal(t, Started, stateErr.State)
}

func TestNotStarted(t *testing.T) {
	c, err := New(newFakeTransport())
	require.NoError(t, err)

	var stateErr *ClientStateError
	require.ErrorAs(t, c.Cast(context.Background(), "x"), &stateErr)
	require.Equal(t, NotStarted, stateErr.State)
	require.Equal(t, Disconnected, c.ConnectionState())
}
