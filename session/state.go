package session

// State is where a Session is in its connection lifecycle.
//
//	Connecting -> Syncing -> Live -> Disconnected -> Connecting ...
//
// Stopped is terminal.
type State int32

// Session states
const (
	Connecting State = iota
	Syncing
	Live
	Disconnected
	Stopped
)

var stateNames = [...]string{
	Connecting:   "Connecting",
	Syncing:      "Syncing",
	Live:         "Live",
	Disconnected: "Disconnected",
	Stopped:      "Stopped",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "State(?)"
}
