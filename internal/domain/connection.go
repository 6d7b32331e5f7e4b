package domain

// ConnectionState is the lifecycle state of the notification channel.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateReconnecting:
		return "Reconnecting"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// ConnectionEvent is a transition reported to status subscribers.
type ConnectionEvent string

const (
	ConnEventConnecting   ConnectionEvent = "Connecting"
	ConnEventConnected    ConnectionEvent = "Connected"
	ConnEventReconnecting ConnectionEvent = "Reconnecting"
	ConnEventReconnected  ConnectionEvent = "Reconnected"
	ConnEventDisconnected ConnectionEvent = "Disconnected"
	ConnEventFailed       ConnectionEvent = "Failed to connect"
)

// Label returns the status line shown to the user for e.
func (e ConnectionEvent) Label() string {
	switch e {
	case ConnEventConnecting:
		return "Connecting to notification hub..."
	case ConnEventConnected:
		return "Connected to notification hub"
	case ConnEventReconnecting:
		return "Reconnecting to notification hub..."
	case ConnEventReconnected:
		return "Reconnected to notification hub"
	case ConnEventDisconnected:
		return "Disconnected from notification hub"
	case ConnEventFailed:
		return "Failed to connect to notification hub"
	default:
		return "Notification hub: " + string(e)
	}
}

// State returns the connection state the channel is in after e.
func (e ConnectionEvent) State() ConnectionState {
	switch e {
	case ConnEventConnecting:
		return StateConnecting
	case ConnEventConnected, ConnEventReconnected:
		return StateConnected
	case ConnEventReconnecting:
		return StateReconnecting
	case ConnEventFailed:
		return StateFailed
	default:
		return StateDisconnected
	}
}

// StatusChange is delivered to status handlers on every transition.
type StatusChange struct {
	Event ConnectionEvent
	State ConnectionState
	Err   error
}

// Label is shorthand for Event.Label().
func (c StatusChange) Label() string {
	return c.Event.Label()
}
