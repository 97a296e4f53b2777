package genmqtt

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWithDefaultsIsTotal(t *testing.T) {
	h := Handlers{}.withDefaults()

	require.NotNil(t, h.Init)
	require.NotNil(t, h.OnConnect)
	require.NotNil(t, h.OnConnectError)
	require.NotNil(t, h.OnDisconnect)
	require.NotNil(t, h.OnSubscribe)
	require.NotNil(t, h.OnUnsubscribe)
	require.NotNil(t, h.OnPublish)
	require.NotNil(t, h.OnCall)
	require.NotNil(t, h.OnCast)
	require.NotNil(t, h.OnInfo)
	require.NotNil(t, h.OnUpgrade)
	require.NotNil(t, h.Terminate)
}

func TestDefaultInitCarriesArgs(t *testing.T) {
	h := Handlers{}.withDefaults()
	state, err := h.Init(context.Background(), 42)
	require.NoError(t, err)
	require.Equal(t, 42, state)
}

func TestDefaultLifecycleHooksPassState(t *testing.T) {
	h := Handlers{}.withDefaults()
	ctx := context.Background()

	state, err := h.OnConnect(ctx, "s")
	require.NoError(t, err)
	require.Equal(t, "s", state)

	state, err = h.OnPublish(ctx, []string{"a"}, []byte("p"), "s")
	require.NoError(t, err)
	require.Equal(t, "s", state)

	state, err = h.OnUpgrade("v1", "s", nil)
	require.NoError(t, err)
	require.Equal(t, "s", state)
}

func TestDefaultCallAndCastAreFatal(t *testing.T) {
	h := Handlers{}.withDefaults()
	ctx := context.Background()

	reply, state, err := h.OnCall(ctx, "req", "s")
	var unhandled *UnhandledRequestError
	require.ErrorAs(t, err, &unhandled)
	require.Equal(t, "call", unhandled.Kind)
	require.Equal(t, "req", unhandled.Request)
	require.Equal(t, err, reply)
	require.Equal(t, "s", state)

	state, err = h.OnCast(ctx, "req", "s")
	require.ErrorAs(t, err, &unhandled)
	require.Equal(t, "cast", unhandled.Kind)
	require.Equal(t, "s", state)
}

func TestCustomHooksSurviveDefaults(t *testing.T) {
	called := false
	h := Handlers{
		OnInfo: func(_ context.Context, _ any, state any) (any, error) {
			called = true
			return state, nil
		},
	}.withDefaults()

	_, err := h.OnInfo(context.Background(), "msg", nil)
	require.NoError(t, err)
	require.True(t, called)
}
