package genmqtt

import "github.com/google/uuid"

type operationKind byte

const (
	opSubscribe operationKind = iota
	opUnsubscribe
	opPublish
)

func (k operationKind) String() string {
	switch k {
	case opSubscribe:
		return "subscribe"
	case opUnsubscribe:
		return "unsubscribe"
	case opPublish:
		return "publish"
	default:
		return "unknown"
	}
}

// operation is a protocol action awaiting acknowledgment. The result channel
// is buffered so the event loop never blocks resolving it, and each operation
// is resolved at most once. The tag identifies the operation across debug
// logs and failure values; packet identifiers are reused, tags are not.
type operation struct {
	kind     operationKind
	tag      string
	filters  []string
	packetID uint16
	done     chan operationResult
}

type operationResult struct {
	granted []Subscription
	err     error
}

func newOperation(kind operationKind, filters []string) *operation {
	return &operation{
		kind:    kind,
		tag:     uuid.NewString(),
		filters: filters,
		done:    make(chan operationResult, 1),
	}
}

// fail builds the resolution for an operation that failed locally.
func (op *operation) fail(reason error) operationResult {
	return operationResult{err: &OperationError{
		Op:      op.kind.String(),
		Tag:     op.tag,
		wrapped: reason,
	}}
}

func (op *operation) resolve(res operationResult) {
	op.done <- res
}

// correlator pairs outbound packets with their eventual acknowledgments. It
// allocates packet identifiers and tracks the pending operations keyed by
// them. It is owned by the event loop and is not safe for concurrent use.
type correlator struct {
	nextID  uint16
	pending map[uint16]*operation
}

func newCorrelator() *correlator {
	return &correlator{
		pending: make(map[uint16]*operation),
	}
}

// register assigns the operation a free packet identifier and records it as
// pending.
func (r *correlator) register(op *operation) uint16 {
	for {
		r.nextID++
		if r.nextID == 0 {
			// Zero is not a valid packet identifier.
			r.nextID = 1
		}
		if _, used := r.pending[r.nextID]; !used {
			break
		}
	}
	op.packetID = r.nextID
	r.pending[op.packetID] = op
	return op.packetID
}

// take removes and returns the pending operation for the packet identifier,
// or nil if none is pending. Unknown or already-resolved identifiers yield
// nil, which keeps duplicate or stale acknowledgments harmless.
func (r *correlator) take(packetID uint16) *operation {
	op, ok := r.pending[packetID]
	if !ok {
		return nil
	}
	delete(r.pending, packetID)
	return op
}

// resolve removes the pending operation for the packet identifier and wakes
// its caller with the result, returning the operation, or nil if none was
// pending.
func (r *correlator) resolve(packetID uint16, res operationResult) *operation {
	op := r.take(packetID)
	if op != nil {
		op.resolve(res)
	}
	return op
}

// failAll resolves every pending operation with a failure derived from the
// given reason and empties the pending set. Used on connection loss and stop
// so no caller blocks past a disconnect.
func (r *correlator) failAll(reason error) int {
	n := len(r.pending)
	for id, op := range r.pending {
		delete(r.pending, id)
		op.resolve(op.fail(reason))
	}
	return n
}

func (r *correlator) len() int {
	return len(r.pending)
}
