package registry

// State is the connection state of one adapter instance.
type State int

const (
	Disconnected State = iota
	Connecting
	Authenticating
	Live
	Reconnecting
	FailedTerminal
)

var stateNames = [...]string{
	Disconnected:   "disconnected",
	Connecting:     "connecting",
	Authenticating: "authenticating",
	Live:           "live",
	Reconnecting:   "reconnecting",
	FailedTerminal: "failed_terminal",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// MarshalText renders the state name in JSON and YAML output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// AcceptsSends reports whether outbound messages may be queued in this state.
func (s State) AcceptsSends() bool {
	return s != FailedTerminal
}
