package ircore

import "git.sr.ht/~delthas/ircore/irc"

// Contents of the events published by an App. Each event is wrapped in an
// events.Event whose Src is the string form of the identity.

// StateChanged is published after every accepted transition.
type StateChanged struct {
	Identity Identity
	Old      State
	New      State
	Action   Action
}

// ProtocolEvent carries an event decoded from a server message.
type ProtocolEvent struct {
	Identity Identity
	Kind     irc.EventKind
	Payload  irc.Event
}

// TransportError is published when the transport of a connection fails.
type TransportError struct {
	Identity Identity
	Class    ErrorClass
	Message  string
	Err      error
}

// ActionRejected is published when an action or a command is not valid in
// the current state.
type ActionRejected struct {
	Identity Identity
	Command  string // name of the action or the command
	Message  string
}

// RawLine mirrors a line read or written, when debugging is enabled.
// Secrets are redacted from outgoing lines.
type RawLine struct {
	Identity Identity
	Line     string
	Outgoing bool
}
