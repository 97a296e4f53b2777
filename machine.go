package genmqtt

import (
	"log/slog"

	"github.com/eclipse/paho.golang/packets"

	"github.com/mprymek/gen-mqtt/internal/wallclock"
)

// Mailbox messages. Commands come from the public API; events come from the
// dial, receiver, and timer goroutines. Events carry the connection
// generation they belong to so the loop can discard anything from a torn-down
// connection.
type (
	connectCmd struct {
		reply chan error
	}
	stopCmd struct {
		reply chan error
	}
	callCmd struct {
		req   any
		reply chan callReply
	}
	castCmd struct {
		req any
	}
	infoCmd struct {
		msg any
	}
	upgradeCmd struct {
		oldTag string
		extra  any
		reply  chan error
	}
	subscribeCmd struct {
		subs []Subscription
		op   *operation
	}
	unsubscribeCmd struct {
		filters []string
		op      *operation
	}
	publishCmd struct {
		topic   string
		payload []byte
		qos     QoS
		op      *operation
	}

	callReply struct {
		value any
		err   error
	}

	connOpened struct {
		conn Connection
		gen  uint64
	}
	connFailed struct {
		err *ConnectError
		gen uint64
	}
	packetEvent struct {
		packet *packets.ControlPacket
		gen    uint64
	}
	connLost struct {
		err error
		gen uint64
	}

	reconnectTick struct {
		gen int
	}
	keepaliveTick struct {
		gen uint64
	}
	ackTimeout struct {
		packetID uint16
		gen      uint64
	}
)

// machine is the single-threaded core of the client. All fields are owned by
// the event loop goroutine; nothing here needs locks. The public Client shell
// talks to it exclusively through the mailbox.
type machine struct {
	c *Client

	status ConnState
	user   any

	// Established subscriptions, filter to granted QoS. Incoming publishes
	// are matched against this set.
	subs map[string]QoS

	pending *correlator
	sched   *reconnectScheduler

	// Commands deferred until the next successful connection.
	queued []any

	conn Connection

	// gen identifies the current connection attempt or connection. It is
	// bumped on every dial and every teardown, so events posted by
	// goroutines tied to an older connection are recognized as stale.
	gen uint64

	// connCount is the number of successful connections so far. The first
	// connection is the only one that honors CleanSession.
	connCount int

	keepaliveStop   chan struct{}
	pingOutstanding bool
}

func newMachine(c *Client, initialState any) *machine {
	return &machine{
		c:       c,
		user:    initialState,
		subs:    make(map[string]QoS),
		pending: newCorrelator(),
		sched:   newReconnectScheduler(c.cfg.ReconnectInterval),
	}
}

func (m *machine) setStatus(s ConnState) {
	m.status = s
	m.c.state.Store(int32(s))
}

// invoke applies a hook result: the returned state replaces the user state,
// and a non-nil error stops the client with that error as the reason. It
// returns false when the client terminated.
func (m *machine) invoke(state any, err error) bool {
	m.user = state
	if err != nil {
		m.terminate(err)
		return false
	}
	return true
}

// run is the event loop. It processes one mailbox message at a time until a
// message terminates the client.
func (m *machine) run() {
	for msg := range m.c.mailbox {
		if !m.handle(msg) {
			m.drain()
			return
		}
	}
}

// drain disposes of messages that were already in the mailbox when the
// client terminated; a connection carried by one of them would otherwise
// leak, since no loop remains to close it.
func (m *machine) drain() {
	for {
		select {
		case msg := <-m.c.mailbox:
			if ev, ok := msg.(*connOpened); ok {
				ev.conn.Close()
			}
		default:
			return
		}
	}
}

func (m *machine) handle(msg any) bool {
	ctx := m.c.runCtx
	switch msg := msg.(type) {
	case *connectCmd:
		return m.onConnectCmd(msg)
	case *stopCmd:
		m.terminate(nil)
		msg.reply <- nil
		return false
	case *callCmd:
		reply, state, err := m.c.handlers.OnCall(ctx, msg.req, m.user)
		// The caller gets its reply even when the handler stops the
		// client.
		msg.reply <- callReply{value: reply, err: err}
		return m.invoke(state, err)
	case *castCmd:
		return m.invoke(m.c.handlers.OnCast(ctx, msg.req, m.user))
	case *infoCmd:
		return m.invoke(m.c.handlers.OnInfo(ctx, msg.msg, m.user))
	case *upgradeCmd:
		state, err := m.c.handlers.OnUpgrade(msg.oldTag, m.user, msg.extra)
		if err == nil {
			m.user = state
		}
		msg.reply <- err
		return true
	case *subscribeCmd:
		if m.status != Connected {
			m.queued = append(m.queued, msg)
			return true
		}
		m.sendSubscribe(msg)
		return true
	case *unsubscribeCmd:
		if m.status != Connected {
			m.queued = append(m.queued, msg)
			return true
		}
		m.sendUnsubscribe(msg)
		return true
	case *publishCmd:
		return m.onPublishCmd(msg)
	case *connOpened:
		if msg.gen != m.gen {
			// A connection raced with its own teardown; drop it.
			msg.conn.Close()
			return true
		}
		m.conn = msg.conn
		return true
	case *connFailed:
		if msg.gen != m.gen {
			return true
		}
		return m.handleConnectFailure(msg.err)
	case *packetEvent:
		if msg.gen != m.gen {
			return true
		}
		return m.onPacket(msg.packet)
	case *connLost:
		if msg.gen != m.gen {
			return true
		}
		if m.status != Connected {
			// The stream dropped before a CONNACK arrived; this is
			// a failed connection attempt, not a session loss.
			m.teardownConn()
			return m.handleConnectFailure(asConnectError(msg.err))
		}
		return m.handleConnectionLoss(msg.err, false)
	case *reconnectTick:
		if !m.sched.fired(msg) {
			return true
		}
		m.startConnect()
		return true
	case *keepaliveTick:
		return m.onKeepaliveTick(msg)
	case *ackTimeout:
		if msg.gen != m.gen {
			return true
		}
		if op := m.pending.take(msg.packetID); op != nil {
			m.c.log.debug(ctx, "pending operation timed out",
				slog.String("operation", op.tag),
				slog.Int("packet_id", int(msg.packetID)),
			)
			op.resolve(op.fail(ErrAckTimeout))
		}
		return true
	default:
		m.c.log.warn(ctx, "dropping unknown mailbox message")
		return true
	}
}

func (m *machine) onConnectCmd(msg *connectCmd) bool {
	var err error
	switch m.status {
	case Disconnected, Reconnecting:
		m.sched.cancel()
		m.startConnect()
	case Connecting, Connected:
		err = &ClientStateError{State: Started}
	case Stopped:
		err = &ClientStateError{State: ShutDown}
	}
	if msg.reply != nil {
		msg.reply <- err
	}
	return true
}

// startConnect begins a connection attempt on a fresh generation. The dial
// itself happens off the event loop; its outcome comes back as a connOpened
// or connFailed event.
func (m *machine) startConnect() {
	m.gen++
	if m.connCount == 0 {
		m.setStatus(Connecting)
	} else {
		m.setStatus(Reconnecting)
	}

	gen := m.gen
	initial := m.connCount == 0
	m.c.log.info(m.c.runCtx, "connecting",
		slog.String("host", m.c.cfg.Host),
		slog.String("client_id", m.c.cfg.ClientID),
	)
	go m.c.dial(gen, initial)
}

func (m *machine) onPacket(packet *packets.ControlPacket) bool {
	m.c.log.packet(m.c.runCtx, "received "+packet.PacketType(), packet)

	switch p := packet.Content.(type) {
	case *packets.Connack:
		return m.onConnack(p)
	case *packets.Suback:
		return m.onSuback(p)
	case *packets.Unsuback:
		return m.onUnsuback(p)
	case *packets.Puback:
		m.onPuback(p)
		return true
	case *packets.Publish:
		return m.onServerPublish(p)
	case *packets.Pingresp:
		m.pingOutstanding = false
		return true
	case *packets.Disconnect:
		return m.onServerDisconnect(p)
	default:
		m.c.log.warn(m.c.runCtx, "dropping unexpected packet",
			slog.String("packet", packet.PacketType()),
		)
		return true
	}
}

func (m *machine) onConnack(p *packets.Connack) bool {
	if m.status != Connecting && m.status != Reconnecting {
		return true
	}

	if p.ReasonCode != connackSuccess {
		err := connackError(p.ReasonCode)
		m.teardownConn()
		return m.handleConnectFailure(err)
	}

	m.connCount++
	m.setStatus(Connected)
	m.sched.cancel()
	m.sched.reset()
	m.pingOutstanding = false
	m.startKeepalive()
	m.c.log.info(m.c.runCtx, "connected",
		slog.Bool("session_present", p.SessionPresent),
	)

	if !m.invoke(m.c.handlers.OnConnect(m.c.runCtx, m.user)) {
		return false
	}
	return m.flushQueued()
}

// flushQueued replays commands deferred while disconnected, in their original
// order, now that the connection is up.
func (m *machine) flushQueued() bool {
	queued := m.queued
	m.queued = nil
	for _, msg := range queued {
		if !m.handle(msg) {
			return false
		}
	}
	return true
}

func (m *machine) handleConnectFailure(err *ConnectError) bool {
	m.c.log.warn(m.c.runCtx, "connection attempt failed",
		slog.String("reason", err.Reason.String()),
		errAttr(err),
	)

	retrying := !err.Permanent() && m.sched.configured()
	if retrying {
		m.sched.arm(m.c.enqueue)
	}
	if retrying && m.connCount > 0 {
		m.setStatus(Reconnecting)
	} else {
		m.setStatus(Disconnected)
	}
	return m.invoke(m.c.handlers.OnConnectError(m.c.runCtx, err, m.user))
}

// handleConnectionLoss tears down an established connection, fails pending
// operations, and arms a reconnect unless the loss is fatal.
func (m *machine) handleConnectionLoss(reason error, fatal bool) bool {
	m.teardownConn()

	if n := m.pending.failAll(ErrConnectionLost); n > 0 {
		m.c.log.debug(m.c.runCtx, "failed pending operations",
			slog.Int("count", n),
		)
	}
	m.c.log.warn(m.c.runCtx, "connection lost", errAttr(reason))

	if !fatal && m.sched.configured() {
		m.sched.arm(m.c.enqueue)
		m.setStatus(Reconnecting)
	} else {
		m.setStatus(Disconnected)
	}
	return m.invoke(m.c.handlers.OnDisconnect(m.c.runCtx, m.user))
}

// teardownConn closes the connection, if any, and advances the generation so
// that events still in flight from it are discarded.
func (m *machine) teardownConn() {
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.stopKeepalive()
	m.gen++
}

func (m *machine) onServerDisconnect(p *packets.Disconnect) bool {
	err := &DisconnectError{ReasonCode: p.ReasonCode}
	return m.handleConnectionLoss(err, err.Fatal())
}

func (m *machine) onSuback(p *packets.Suback) bool {
	op := m.pending.take(p.PacketID)
	if op == nil {
		m.c.log.debug(m.c.runCtx, "dropping stale SUBACK",
			slog.Int("packet_id", int(p.PacketID)),
		)
		return true
	}

	granted := make([]Subscription, len(op.filters))
	for i, filter := range op.filters {
		var code byte = subackUnspecifiedError
		if i < len(p.Reasons) {
			code = p.Reasons[i]
		}
		granted[i] = Subscription{Filter: filter, QoS: QoS(code)}
		if code < subackUnspecifiedError {
			m.subs[filter] = QoS(code)
		}
	}

	op.resolve(operationResult{granted: granted})
	return m.invoke(m.c.handlers.OnSubscribe(m.c.runCtx, granted, m.user))
}

func (m *machine) onUnsuback(p *packets.Unsuback) bool {
	op := m.pending.take(p.PacketID)
	if op == nil {
		m.c.log.debug(m.c.runCtx, "dropping stale UNSUBACK",
			slog.Int("packet_id", int(p.PacketID)),
		)
		return true
	}

	// The filters leave the matching set regardless of the per-filter
	// reason codes; a server that reports "no subscription existed" has
	// the same end state.
	for _, filter := range op.filters {
		delete(m.subs, filter)
	}

	op.resolve(operationResult{})
	return m.invoke(
		m.c.handlers.OnUnsubscribe(m.c.runCtx, op.filters, m.user),
	)
}

func (m *machine) onPuback(p *packets.Puback) {
	op := m.pending.take(p.PacketID)
	if op == nil {
		m.c.log.debug(m.c.runCtx, "dropping stale PUBACK",
			slog.Int("packet_id", int(p.PacketID)),
		)
		return
	}

	var res operationResult
	if p.ReasonCode >= pubackUnspecifiedError {
		res.err = &OperationError{
			Op:         op.kind.String(),
			Tag:        op.tag,
			ReasonCode: p.ReasonCode,
		}
	}
	op.resolve(res)
}

func (m *machine) onServerPublish(p *packets.Publish) bool {
	matched := false
	for filter := range m.subs {
		if MatchTopic(filter, p.Topic) {
			matched = true
			break
		}
	}
	if !matched {
		// Acknowledge before dropping; without the PUBACK a strict
		// server would redeliver the message forever.
		m.ackPublish(p)
		m.c.log.debug(m.c.runCtx, "dropping publish with no matching subscription",
			slog.String("topic", p.Topic),
		)
		return true
	}

	// One delivery per packet, even when several filters match.
	levels := SplitTopic(p.Topic)
	if !m.invoke(m.c.handlers.OnPublish(m.c.runCtx, levels, p.Payload, m.user)) {
		return false
	}

	m.ackPublish(p)
	return true
}

func (m *machine) ackPublish(p *packets.Publish) {
	if p.QoS < byte(AtLeastOnce) || m.conn == nil {
		return
	}
	if err := m.conn.Send(buildPubackPacket(p.PacketID)); err != nil {
		m.c.log.warn(m.c.runCtx, "failed to send PUBACK", errAttr(err))
	}
}

func (m *machine) sendSubscribe(msg *subscribeCmd) {
	packetID := m.pending.register(msg.op)
	m.logPending(msg.op)
	packet := buildSubscribePacket(packetID, msg.subs)
	m.c.log.packet(m.c.runCtx, "sending SUBSCRIBE", packet)
	if err := m.conn.Send(packet); err != nil {
		m.failSend(msg.op, err)
		return
	}
	m.armAckTimeout(packetID)
}

func (m *machine) sendUnsubscribe(msg *unsubscribeCmd) {
	packetID := m.pending.register(msg.op)
	m.logPending(msg.op)
	packet := buildUnsubscribePacket(packetID, msg.filters)
	m.c.log.packet(m.c.runCtx, "sending UNSUBSCRIBE", packet)
	if err := m.conn.Send(packet); err != nil {
		m.failSend(msg.op, err)
		return
	}
	m.armAckTimeout(packetID)
}

func (m *machine) onPublishCmd(msg *publishCmd) bool {
	if msg.qos == AtMostOnce {
		// QoS 0 is never queued; with no acknowledgment there is no
		// way to know whether a deferred send would have mattered.
		if m.status != Connected {
			msg.op.resolve(msg.op.fail(ErrNotConnected))
			return true
		}
		packet := buildPublishPacket(0, msg.topic, msg.payload, msg.qos)
		m.c.log.packet(m.c.runCtx, "sending PUBLISH", packet)
		if err := m.conn.Send(packet); err != nil {
			msg.op.resolve(msg.op.fail(err))
			return true
		}
		msg.op.resolve(operationResult{})
		return true
	}

	if m.status != Connected {
		m.queued = append(m.queued, msg)
		return true
	}

	packetID := m.pending.register(msg.op)
	m.logPending(msg.op)
	packet := buildPublishPacket(packetID, msg.topic, msg.payload, msg.qos)
	m.c.log.packet(m.c.runCtx, "sending PUBLISH", packet)
	if err := m.conn.Send(packet); err != nil {
		m.failSend(msg.op, err)
		return true
	}
	m.armAckTimeout(packetID)
	return true
}

// logPending records a freshly registered operation so its acknowledgment,
// timeout, or failure can be traced back to it by tag.
func (m *machine) logPending(op *operation) {
	m.c.log.debug(m.c.runCtx, "pending operation registered",
		slog.String("operation", op.tag),
		slog.String("kind", op.kind.String()),
		slog.Int("packet_id", int(op.packetID)),
	)
}

// failSend resolves an operation whose packet could not be written. The
// receiver goroutine notices the dead connection independently.
func (m *machine) failSend(op *operation, err error) {
	if taken := m.pending.take(op.packetID); taken != nil {
		taken.resolve(taken.fail(err))
	}
}

// armAckTimeout bounds the wait for an acknowledgment. The timeout event is
// tied to the current generation; a teardown in between invalidates it.
func (m *machine) armAckTimeout(packetID uint16) {
	interval := m.c.cfg.RetryInterval
	if interval <= 0 {
		return
	}
	gen := m.gen
	go func() {
		t := wallclock.Instance.NewTimer(interval)
		defer t.Stop()
		select {
		case <-t.C():
			m.c.enqueue(&ackTimeout{packetID: packetID, gen: gen})
		case <-m.c.done:
		}
	}()
}

func (m *machine) startKeepalive() {
	interval := m.c.cfg.KeepAlive
	if interval <= 0 {
		return
	}
	stop := make(chan struct{})
	m.keepaliveStop = stop
	gen := m.gen
	go func() {
		t := wallclock.Instance.NewTimer(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C():
				m.c.enqueue(&keepaliveTick{gen: gen})
				t.Reset(interval)
			case <-stop:
				return
			}
		}
	}()
}

func (m *machine) stopKeepalive() {
	if m.keepaliveStop != nil {
		close(m.keepaliveStop)
		m.keepaliveStop = nil
	}
}

func (m *machine) onKeepaliveTick(msg *keepaliveTick) bool {
	if msg.gen != m.gen || m.status != Connected {
		return true
	}
	if m.pingOutstanding {
		// The previous PINGREQ went unanswered for a full interval;
		// the connection is dead.
		return m.handleConnectionLoss(ErrKeepAliveTimeout, false)
	}
	if err := m.conn.Send(buildPingreqPacket()); err != nil {
		return m.handleConnectionLoss(err, false)
	}
	m.pingOutstanding = true
	return true
}

// terminate shuts the client down: a best-effort DISCONNECT on an established
// connection, teardown, resolution of everything pending or queued, and
// exactly one Terminate hook invocation. It is idempotent.
func (m *machine) terminate(reason error) {
	if m.status == Stopped {
		return
	}

	if m.conn != nil && m.status == Connected {
		packet := buildDisconnectPacket(
			disconnectNormalDisconnection,
			"",
		)
		if err := m.conn.Send(packet); err != nil {
			m.c.log.debug(m.c.runCtx, "failed to send DISCONNECT",
				errAttr(err),
			)
		}
	}
	m.teardownConn()
	m.sched.cancel()

	shutdown := &ClientStateError{State: ShutDown}
	m.pending.failAll(shutdown)
	for _, msg := range m.queued {
		if op := queuedOperation(msg); op != nil {
			op.resolve(op.fail(shutdown))
		}
	}
	m.queued = nil

	m.setStatus(Stopped)
	m.c.log.info(m.c.runCtx, "client stopped", errAttr(reason))
	m.c.handlers.Terminate(reason, m.user)

	m.c.stopErr = reason
	close(m.c.done)
	m.c.runCancel()
}

func queuedOperation(msg any) *operation {
	switch msg := msg.(type) {
	case *subscribeCmd:
		return msg.op
	case *unsubscribeCmd:
		return msg.op
	case *publishCmd:
		return msg.op
	default:
		return nil
	}
}

func asConnectError(err error) *ConnectError {
	if connErr, ok := err.(*ConnectError); ok {
		return connErr
	}
	return &ConnectError{Reason: ConnectServerUnreachable, wrapped: err}
}
