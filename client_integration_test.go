package genmqtt

import (
	"context"
	"fmt"
	"testing"
	"time"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/stretchr/testify/require"
)

const brokerPort = 18883

// Spin up an in-process MQTT broker for testing.
func startBroker(t *testing.T) *mochi.Server {
	broker := mochi.New(&mochi.Options{InlineClient: true})
	require.NoError(t, broker.AddHook(&auth.AllowHook{}, nil))

	cfg := listeners.Config{
		Type:    "tcp",
		ID:      "test",
		Address: fmt.Sprintf(":%d", brokerPort),
	}
	require.NoError(t, broker.AddListener(listeners.NewTCP(cfg)))
	require.NoError(t, broker.Serve())

	t.Cleanup(func() { _ = broker.Close() })
	return broker
}

func TestBrokerRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("requires a TCP listener")
	}
	broker := startBroker(t)
	ctx := context.Background()

	rec := newRecorder()
	c, err := New(nil,
		WithServer("localhost", brokerPort),
		WithClientID("round-trip-client"),
		WithKeepAlive(10*time.Second),
	)
	require.NoError(t, err)
	require.NoError(t, c.Start(ctx, rec.handlers(), nil))
	defer c.Stop(ctx)

	await(t, rec.connects, "OnConnect")
	require.Equal(t, Connected, c.ConnectionState())

	granted, err := c.Subscribe(
		ctx,
		Subscription{Filter: "round-trip/+", QoS: AtLeastOnce},
	)
	require.NoError(t, err)
	require.Equal(t, AtLeastOnce, granted[0].QoS)

	// Broker to client.
	require.NoError(t, broker.Publish("round-trip/in", []byte("ping"), false, 1))
	ev := await(t, rec.publishes, "OnPublish")
	require.Equal(t, []string{"round-trip", "in"}, ev.topic)
	require.Equal(t, []byte("ping"), ev.payload)

	// Client to broker; QoS 1 waits for the PUBACK.
	require.NoError(t, c.Publish(ctx, "round-trip/out", []byte("pong"), AtLeastOnce))

	require.NoError(t, c.Unsubscribe(ctx, "round-trip/+"))
	require.NoError(t, c.Stop(ctx))
	require.NoError(t, await(t, rec.terminated, "Terminate"))
}

func TestBrokerKeepalive(t *testing.T) {
	if testing.Short() {
		t.Skip("requires a TCP listener")
	}
	startBroker(t)
	ctx := context.Background()

	rec := newRecorder()
	c, err := New(nil,
		WithServer("localhost", brokerPort),
		WithClientID("keepalive-client"),
		WithKeepAlive(1*time.Second),
	)
	require.NoError(t, err)
	require.NoError(t, c.Start(ctx, rec.handlers(), nil))
	defer c.Stop(ctx)

	await(t, rec.connects, "OnConnect")

	// Survive a few keepalive intervals with no traffic.
	time.Sleep(3 * time.Second)
	require.Equal(t, Connected, c.ConnectionState())
}
