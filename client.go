package genmqtt

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/mprymek/gen-mqtt/internal/log"
	"github.com/mprymek/gen-mqtt/internal/wallclock"
)

// Client is a long-lived MQTT client that owns a single server connection
// and drives user-supplied handler hooks from one event loop goroutine.
//
// All methods are safe for concurrent use. Requests are delivered to the
// event loop through an ordered mailbox, so two requests issued sequentially
// by the same goroutine are processed in that order.
type Client struct {
	cfg       *Config
	transport Transport
	handlers  Handlers
	log       logger

	mailbox chan any

	// done is closed when the event loop has terminated and the Terminate
	// hook has run.
	done chan struct{}

	started atomic.Bool
	state   atomic.Int32

	runCtx    context.Context
	runCancel context.CancelFunc

	// stopErr is the termination reason; valid once done is closed.
	stopErr error
}

// New builds a client from options. A nil transport uses NetTransport,
// dialing the configured host and port, with TLS if a TLS config is set.
// The client does not connect until Start is called.
func New(transport Transport, opts ...Option) (*Client, error) {
	cfg := &Config{
		Port:            defaultPort,
		KeepAlive:       defaultKeepAlive,
		RetryInterval:   defaultRetryInterval,
		ConnectTimeout:  defaultConnectTimeout,
		ProtocolVersion: MQTTv5,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.ClientID == "" {
		cfg.ClientID = RandomClientID()
	}

	needServer := transport == nil
	if transport == nil {
		transport = NewNetTransport(nil)
	}
	if err := cfg.validate(needServer); err != nil {
		return nil, err
	}

	c := &Client{
		cfg:       cfg,
		transport: transport,
		mailbox:   make(chan any, mailboxSize),
		done:      make(chan struct{}),
	}
	c.log.Logger = log.Wrap(cfg.Logger)
	return c, nil
}

// NewFromConnectionString builds a client configured from a connection
// string, e.g. "Host=localhost;Port=1883;ClientId=sampleid". Options are
// applied on top and take precedence.
func NewFromConnectionString(connStr string, opts ...Option) (*Client, error) {
	var parseErr error
	parse := func(cfg *Config) {
		parseErr = cfg.fromConnectionString(connStr)
	}
	c, err := New(nil, append([]Option{parse}, opts...)...)
	if parseErr != nil {
		return nil, parseErr
	}
	return c, err
}

// NewFromEnv builds a client configured from MQTT_-prefixed environment
// variables. Options are applied on top and take precedence.
func NewFromEnv(opts ...Option) (*Client, error) {
	var parseErr error
	parse := func(cfg *Config) {
		parseErr = cfg.fromEnv()
	}
	c, err := New(nil, append([]Option{parse}, opts...)...)
	if parseErr != nil {
		return nil, parseErr
	}
	return c, err
}

// ID returns the MQTT client ID.
func (c *Client) ID() string {
	return c.cfg.ClientID
}

// ConnectionState returns the current connection status.
func (c *Client) ConnectionState() ConnState {
	return ConnState(c.state.Load())
}

// Err returns the termination reason once the client has stopped: nil for a
// user-requested Stop, or the error that stopped it.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.stopErr
	default:
		return nil
	}
}

// Done returns a channel closed when the client has terminated and the
// Terminate hook has run.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Start runs the Init hook synchronously and, on success, launches the event
// loop and the initial connection attempt. An error from Init (including
// ErrIgnore) aborts the start without invoking Terminate; the client may be
// started again. A client that has run can never be started a second time.
func (c *Client) Start(
	ctx context.Context,
	handlers Handlers,
	args any,
) error {
	if !c.started.CompareAndSwap(false, true) {
		select {
		case <-c.done:
			return &ClientStateError{State: ShutDown}
		default:
			return &ClientStateError{State: Started}
		}
	}

	h := handlers.withDefaults()
	state, err := h.Init(ctx, args)
	if err != nil {
		c.started.Store(false)
		return err
	}

	c.handlers = h
	c.runCtx, c.runCancel = context.WithCancel(context.Background())

	m := newMachine(c, state)
	go m.run()
	c.mailbox <- &connectCmd{}
	return nil
}

// Stop shuts the client down: a best-effort DISCONNECT is sent if connected,
// pending operations are resolved as failed, and the Terminate hook runs with
// a nil reason. Stop returns once termination completes. Stopping an
// already-stopped client is a no-op.
func (c *Client) Stop(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := c.post(ctx, &stopCmd{reply: reply}); err != nil {
		var stateErr *ClientStateError
		if errors.As(err, &stateErr) && stateErr.State == ShutDown {
			return nil
		}
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Call sends a synchronous request to the OnCall hook and waits for its
// reply. A context without a deadline gets a default timeout.
func (c *Client) Call(ctx context.Context, req any) (any, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = wallclock.Instance.WithTimeoutCause(
			ctx,
			defaultCallTimeout,
			context.DeadlineExceeded,
		)
		defer cancel()
	}

	reply := make(chan callReply, 1)
	if err := c.post(ctx, &callCmd{req: req, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case r := <-reply:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		// The reply may have been sent just before termination.
		select {
		case r := <-reply:
			return r.value, r.err
		default:
			return nil, &ClientStateError{State: ShutDown}
		}
	}
}

// Cast sends an asynchronous request to the OnCast hook. It returns once the
// request is accepted into the mailbox, without waiting for the hook.
func (c *Client) Cast(ctx context.Context, req any) error {
	return c.post(ctx, &castCmd{req: req})
}

// Send delivers a generic message to the OnInfo hook.
func (c *Client) Send(ctx context.Context, msg any) error {
	return c.post(ctx, &infoCmd{msg: msg})
}

// Upgrade invokes the OnUpgrade hook on the event loop to convert the user
// state in place, tagged with the old code version. An error from the hook
// leaves the state unchanged and does not stop the client.
func (c *Client) Upgrade(ctx context.Context, oldTag string, extra any) error {
	reply := make(chan error, 1)
	if err := c.post(ctx, &upgradeCmd{
		oldTag: oldTag,
		extra:  extra,
		reply:  reply,
	}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return &ClientStateError{State: ShutDown}
	}
}

// Reconnect triggers an immediate connection attempt. It is valid while
// Disconnected or Reconnecting; in the latter case it preempts the scheduled
// attempt. It returns once the attempt is started, not when it completes;
// the outcome is reported through OnConnect or OnConnectError.
func (c *Client) Reconnect(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := c.post(ctx, &connectCmd{reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return &ClientStateError{State: ShutDown}
	}
}

// Subscribe registers topic filters with the server and waits for the
// SUBACK. It returns the granted subscriptions, whose QoS may differ from
// the requested one; a granted QoS of 0x80 or above is a per-filter
// rejection. While disconnected the request is queued and sent after the
// next successful connection.
func (c *Client) Subscribe(
	ctx context.Context,
	subs ...Subscription,
) ([]Subscription, error) {
	if len(subs) == 0 {
		return nil, &InvalidArgumentError{
			message: "at least one subscription is required",
		}
	}
	filters := make([]string, len(subs))
	for i, sub := range subs {
		if sub.QoS >= ExactlyOnce {
			return nil, &InvalidArgumentError{
				message: "QoS 2 is not supported",
			}
		}
		if err := ValidateFilter(sub.Filter); err != nil {
			return nil, err
		}
		filters[i] = sub.Filter
	}

	op := newOperation(opSubscribe, filters)
	if err := c.post(ctx, &subscribeCmd{subs: subs, op: op}); err != nil {
		return nil, err
	}
	res, err := c.await(ctx, op)
	return res.granted, err
}

// Unsubscribe removes topic filters and waits for the UNSUBACK. While
// disconnected the request is queued and sent after the next successful
// connection.
func (c *Client) Unsubscribe(ctx context.Context, filters ...string) error {
	if len(filters) == 0 {
		return &InvalidArgumentError{
			message: "at least one topic filter is required",
		}
	}
	for _, filter := range filters {
		if err := ValidateFilter(filter); err != nil {
			return err
		}
	}

	op := newOperation(opUnsubscribe, filters)
	if err := c.post(ctx, &unsubscribeCmd{filters: filters, op: op}); err != nil {
		return err
	}
	_, err := c.await(ctx, op)
	return err
}

// Publish sends an application message. A QoS 1 publish waits for the PUBACK
// and is queued while disconnected; a QoS 0 publish returns once written,
// and fails immediately while disconnected since nothing acknowledges a
// deferred send.
func (c *Client) Publish(
	ctx context.Context,
	topic string,
	payload []byte,
	qos QoS,
) error {
	if err := ValidateTopicName(topic); err != nil {
		return err
	}
	if qos >= ExactlyOnce {
		return &InvalidArgumentError{message: "QoS 2 is not supported"}
	}

	op := newOperation(opPublish, []string{topic})
	if err := c.post(ctx, &publishCmd{
		topic:   topic,
		payload: payload,
		qos:     qos,
		op:      op,
	}); err != nil {
		return err
	}
	_, err := c.await(ctx, op)
	return err
}

// post delivers a message to the mailbox, honoring the caller's context and
// client shutdown.
func (c *Client) post(ctx context.Context, msg any) error {
	if !c.started.Load() {
		return &ClientStateError{State: NotStarted}
	}
	select {
	case <-c.done:
		return &ClientStateError{State: ShutDown}
	default:
	}

	select {
	case c.mailbox <- msg:
		return nil
	case <-c.done:
		return &ClientStateError{State: ShutDown}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enqueue posts from background goroutines (dial, receiver, timers). After
// termination the message is dropped.
func (c *Client) enqueue(msg any) {
	select {
	case c.mailbox <- msg:
	case <-c.done:
	}
}

// await blocks until the operation resolves, the context expires, or the
// client terminates.
func (c *Client) await(
	ctx context.Context,
	op *operation,
) (operationResult, error) {
	select {
	case res := <-op.done:
		return res, res.err
	case <-ctx.Done():
		return operationResult{}, ctx.Err()
	case <-c.done:
		// Termination resolves pending and queued operations; prefer
		// that resolution if it raced with the shutdown signal.
		select {
		case res := <-op.done:
			return res, res.err
		default:
			return operationResult{}, &ClientStateError{State: ShutDown}
		}
	}
}

// dial opens a connection and sends CONNECT, reporting the outcome to the
// event loop. It runs off the event loop goroutine; the gen ties its events
// to the attempt that spawned it.
func (c *Client) dial(gen uint64, initial bool) {
	ctx, cancel := wallclock.Instance.WithTimeoutCause(
		c.runCtx,
		c.cfg.ConnectTimeout,
		context.DeadlineExceeded,
	)
	defer cancel()

	conn, err := c.transport.Connect(ctx, c.cfg)
	if err != nil {
		c.enqueue(&connFailed{err: asConnectError(err), gen: gen})
		return
	}

	packet := buildConnectPacket(c.cfg, initial)
	c.log.packet(c.runCtx, "sending CONNECT", packet)
	if err := conn.Send(packet); err != nil {
		conn.Close()
		c.enqueue(&connFailed{err: asConnectError(err), gen: gen})
		return
	}

	select {
	case c.mailbox <- &connOpened{conn: conn, gen: gen}:
	case <-c.done:
		// Terminated while dialing; no loop remains to own this
		// connection.
		conn.Close()
		return
	}
	go c.receive(conn, gen)
}

// receive pumps inbound packets into the mailbox until the connection fails.
func (c *Client) receive(conn Connection, gen uint64) {
	for {
		packet, err := conn.Receive()
		if err != nil {
			c.enqueue(&connLost{err: err, gen: gen})
			return
		}
		c.enqueue(&packetEvent{packet: packet, gen: gen})
	}
}
