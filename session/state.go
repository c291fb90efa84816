package session

// SSH axis values.
const (
	SSHDisconnected = "disconnected"
	SSHConnecting   = "connecting"
	SSHConnected    = "connected"
)

// Port forward axis values.
const (
	ForwardInactive = "inactive"
	ForwardActive   = "active"
)

// Browser axis values.
const (
	BrowserStopped  = "stopped"
	BrowserStarting = "starting"
	BrowserRunning  = "running"
)

// CDP axis values.
const (
	CDPDisconnected = "disconnected"
	CDPConnecting   = "connecting"
	CDPConnected    = "connected"
)

// State tracks the four legs a session stands on. Each leg moves
// independently during startup and teardown; a session is usable only once
// all four have reached their active value.
type State struct {
	SSH         string `json:"ssh"`
	PortForward string `json:"portForward"`
	Browser     string `json:"browser"`
	CDP         string `json:"cdp"`
}

func initialState() State {
	return State{
		SSH:         SSHDisconnected,
		PortForward: ForwardInactive,
		Browser:     BrowserStopped,
		CDP:         CDPDisconnected,
	}
}

// Ready reports whether every leg is up.
func (s State) Ready() bool {
	return s.SSH == SSHConnected &&
		s.PortForward == ForwardActive &&
		s.Browser == BrowserRunning &&
		s.CDP == CDPConnected
}
