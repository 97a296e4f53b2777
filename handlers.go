package genmqtt

import "context"

// Handlers is the set of user-supplied hooks invoked by the client's event
// loop. Any hook may be left nil; a total set is produced at start time by
// merging the supplied hooks over defaults.
//
// Hooks receive the current user state and return the state to carry forward.
// Returning a non-nil error stops the client with that error as the reason
// and invokes Terminate. Hooks run on the client's own event loop goroutine,
// one at a time; a slow or blocking hook stalls all event processing for that
// client, including reconnects and keepalive, so hooks are expected to be
// non-blocking.
type Handlers struct {
	// Init produces the initial user state from the start arguments. It is
	// invoked synchronously by Start, before the event loop runs.
	// Returning ErrIgnore aborts the start without invoking Terminate; any
	// other error is returned from Start as-is. The default carries the
	// start arguments over as the initial state.
	Init func(ctx context.Context, args any) (any, error)

	// OnConnect is invoked after each successful connection, before any
	// queued operations are flushed.
	OnConnect func(ctx context.Context, state any) (any, error)

	// OnConnectError is invoked when a connection attempt fails. The
	// default accepts the state unchanged; a failed attempt does not stop
	// the client unless this hook says so.
	OnConnectError func(ctx context.Context, connErr *ConnectError, state any) (any, error)

	// OnDisconnect is invoked when an established connection is lost for
	// any reason other than an explicit Stop.
	OnDisconnect func(ctx context.Context, state any) (any, error)

	// OnSubscribe is invoked when a SUBACK arrives, with the granted
	// (filter, QoS) pairs. The granted QoS may differ from the requested
	// one.
	OnSubscribe func(ctx context.Context, granted []Subscription, state any) (any, error)

	// OnUnsubscribe is invoked when an UNSUBACK arrives, with the filters
	// that were removed.
	OnUnsubscribe func(ctx context.Context, filters []string, state any) (any, error)

	// OnPublish is invoked once per incoming PUBLISH packet whose topic
	// matches at least one subscription, with the topic decomposed into
	// levels. The default drops the message.
	OnPublish func(ctx context.Context, topic []string, payload []byte, state any) (any, error)

	// OnCall services synchronous requests sent via Call. The reply is
	// delivered to the caller even when an error is returned. The default
	// replies with an UnhandledRequestError and stops the client: an
	// unhandled synchronous call is a programming error, not an event to
	// ignore.
	OnCall func(ctx context.Context, req any, state any) (reply any, newState any, err error)

	// OnCast services asynchronous requests sent via Cast. The default
	// stops the client with an UnhandledRequestError, for the same reason
	// as OnCall.
	OnCast func(ctx context.Context, req any, state any) (any, error)

	// OnInfo receives generic messages sent via Send. The default ignores
	// them.
	OnInfo func(ctx context.Context, msg any, state any) (any, error)

	// OnUpgrade converts the user state across a code upgrade, triggered
	// via Upgrade. An error is reported to the caller and leaves the state
	// unchanged; it does not stop the client.
	OnUpgrade func(oldTag string, state any, extra any) (any, error)

	// Terminate is invoked exactly once when the client stops, with the
	// stop reason (nil for a user-requested Stop) and the final state.
	Terminate func(reason error, state any)
}

// withDefaults returns a total handler set, substituting defaults for any
// nil hooks.
func (h Handlers) withDefaults() Handlers {
	if h.Init == nil {
		h.Init = func(_ context.Context, args any) (any, error) {
			return args, nil
		}
	}
	if h.OnConnect == nil {
		h.OnConnect = passState
	}
	if h.OnConnectError == nil {
		h.OnConnectError = func(_ context.Context, _ *ConnectError, state any) (any, error) {
			return state, nil
		}
	}
	if h.OnDisconnect == nil {
		h.OnDisconnect = passState
	}
	if h.OnSubscribe == nil {
		h.OnSubscribe = func(_ context.Context, _ []Subscription, state any) (any, error) {
			return state, nil
		}
	}
	if h.OnUnsubscribe == nil {
		h.OnUnsubscribe = func(_ context.Context, _ []string, state any) (any, error) {
			return state, nil
		}
	}
	if h.OnPublish == nil {
		h.OnPublish = func(_ context.Context, _ []string, _ []byte, state any) (any, error) {
			return state, nil
		}
	}
	if h.OnCall == nil {
		h.OnCall = func(_ context.Context, req any, state any) (any, any, error) {
			err := &UnhandledRequestError{Kind: "call", Request: req}
			return err, state, err
		}
	}
	if h.OnCast == nil {
		h.OnCast = func(_ context.Context, req any, state any) (any, error) {
			return state, &UnhandledRequestError{Kind: "cast", Request: req}
		}
	}
	if h.OnInfo == nil {
		h.OnInfo = func(_ context.Context, _ any, state any) (any, error) {
			return state, nil
		}
	}
	if h.OnUpgrade == nil {
		h.OnUpgrade = func(_ string, state any, _ any) (any, error) {
			return state, nil
		}
	}
	if h.Terminate == nil {
		h.Terminate = func(error, any) {}
	}
	return h
}

func passState(_ context.Context, state any) (any, error) {
	return state, nil
}
