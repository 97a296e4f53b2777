package genmqtt

// ConnState indicates the current connection status of the client.
type ConnState int32

const (
	// No connection is established and none is in progress.
	Disconnected ConnState = iota

	// The initial connection attempt is in progress.
	Connecting

	// A connection is established.
	Connected

	// A previously established connection was lost and a reconnect attempt
	// is scheduled or in progress.
	Reconnecting

	// The client has terminated; this state is final.
	Stopped
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}
