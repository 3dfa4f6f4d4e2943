package ircore

// State is the lifecycle state of a Connection.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Disconnecting
	Quiting
	Reconnecting
)

var stateNames = [...]string{
	Disconnected:  "disconnected",
	Connecting:    "connecting",
	Connected:     "connected",
	Disconnecting: "disconnecting",
	Quiting:       "quiting",
	Reconnecting:  "reconnecting",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// hasSession reports whether a Connection in this state owns a session.
func (s State) hasSession() bool {
	switch s {
	case Connecting, Connected, Disconnecting, Quiting:
		return true
	}
	return false
}

// Action is an input of the connection state machine.
type Action int

const (
	ActionConnect Action = iota
	ActionConnectFail
	ActionConnectFinish
	ActionDisconnect
	ActionReconnect
	ActionQuit
	ActionDisconnectFinish
)

var actionNames = [...]string{
	ActionConnect:          "connect",
	ActionConnectFail:      "connect-fail",
	ActionConnectFinish:    "connect-finish",
	ActionDisconnect:       "disconnect",
	ActionReconnect:        "reconnect",
	ActionQuit:             "quit",
	ActionDisconnectFinish: "disconnect-finish",
}

func (a Action) String() string {
	if a < 0 || int(a) >= len(actionNames) {
		return "unknown"
	}
	return actionNames[a]
}

// effect is a side effect of a transition, run in order after the state
// changed.
type effect int

const (
	effectOpen            effect = iota // open a new session and transport
	effectStartTimer                    // schedule a reconnection
	effectResetBackoff                  // set the reconnect delay back to one step
	effectCancelTransport               // abort the pending connection attempt
	effectCloseTransport                // close the transport once flushed
	effectForceCancel                   // close the transport now
	effectCancelTimer
	effectFree // release the Connection
)

type transitionKey struct {
	state  State
	action Action
}

// transition is a cell of the transition table. A cell with a non-empty
// reject message refuses the action.
type transition struct {
	next    State
	effects []effect
	reject  string
}

var transitions = map[transitionKey]transition{
	{Disconnected, ActionConnect}:    {next: Connecting, effects: []effect{effectOpen}},
	{Disconnected, ActionDisconnect}: {reject: "already disconnected"},
	{Disconnected, ActionQuit}:       {next: Disconnected, effects: []effect{effectFree}},

	{Connecting, ActionConnect}:       {reject: "already connecting"},
	{Connecting, ActionConnectFail}:   {next: Reconnecting, effects: []effect{effectStartTimer}},
	{Connecting, ActionConnectFinish}: {next: Connected, effects: []effect{effectResetBackoff}},
	{Connecting, ActionDisconnect}:    {next: Disconnecting, effects: []effect{effectCancelTransport}},
	{Connecting, ActionQuit}:          {next: Quiting, effects: []effect{effectCancelTransport}},

	{Connected, ActionConnect}:          {reject: "already connected"},
	{Connected, ActionDisconnect}:       {next: Disconnecting, effects: []effect{effectCloseTransport}},
	{Connected, ActionReconnect}:        {next: Connected, effects: []effect{effectCloseTransport}},
	{Connected, ActionQuit}:             {next: Quiting, effects: []effect{effectCloseTransport}},
	{Connected, ActionDisconnectFinish}: {next: Reconnecting, effects: []effect{effectStartTimer}},

	{Disconnecting, ActionConnect}:          {reject: "busy"},
	{Disconnecting, ActionConnectFail}:      {next: Disconnected},
	{Disconnecting, ActionDisconnect}:       {next: Disconnecting, effects: []effect{effectForceCancel}},
	{Disconnecting, ActionQuit}:             {next: Quiting, effects: []effect{effectForceCancel}},
	{Disconnecting, ActionDisconnectFinish}: {next: Disconnected},

	{Quiting, ActionConnect}:          {reject: "quiting"},
	{Quiting, ActionConnectFail}:      {next: Disconnected, effects: []effect{effectFree}},
	{Quiting, ActionDisconnect}:       {reject: "quiting"},
	{Quiting, ActionQuit}:             {next: Quiting, effects: []effect{effectForceCancel}},
	{Quiting, ActionDisconnectFinish}: {next: Disconnected, effects: []effect{effectFree}},

	{Reconnecting, ActionConnect}:    {next: Connecting, effects: []effect{effectOpen}},
	{Reconnecting, ActionDisconnect}: {next: Disconnected, effects: []effect{effectCancelTimer}},
	{Reconnecting, ActionQuit}:       {next: Disconnected, effects: []effect{effectCancelTimer, effectFree}},
}

// lookupTransition returns the transition of action from state, or a
// *UsageError if the action is not valid in that state.
func lookupTransition(id Identity, state State, action Action) (transition, error) {
	t, ok := transitions[transitionKey{state, action}]
	if !ok {
		return transition{}, &UsageError{
			Identity: id,
			State:    state,
			Command:  action.String(),
			Message:  "invalid action " + action.String() + " while " + state.String(),
		}
	}
	if t.reject != "" {
		return transition{}, &UsageError{
			Identity: id,
			State:    state,
			Command:  action.String(),
			Message:  t.reject,
		}
	}
	return t, nil
}
