package irc

import "time"

// EventKind tags the semantic events produced by a Session.
type EventKind int

const (
	KindRegistered EventKind = iota
	KindNick
	KindQuit
	KindJoin
	KindPart
	KindMode
	KindTopic
	KindKick
	KindChannelMessage
	KindPrivateMessage
	KindNotice
	KindInvite
	KindCTCPRequest
	KindCTCPResponse
	KindCapability
	KindPing
	KindNumeric
	KindError
)

var kindNames = [...]string{
	KindRegistered:     "registered",
	KindNick:           "nick",
	KindQuit:           "quit",
	KindJoin:           "join",
	KindPart:           "part",
	KindMode:           "mode",
	KindTopic:          "topic",
	KindKick:           "kick",
	KindChannelMessage: "channel-message",
	KindPrivateMessage: "private-message",
	KindNotice:         "notice",
	KindInvite:         "invite",
	KindCTCPRequest:    "ctcp-request",
	KindCTCPResponse:   "ctcp-response",
	KindCapability:     "capability",
	KindPing:           "ping",
	KindNumeric:        "numeric",
	KindError:          "error",
}

func (k EventKind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "unknown"
	}
	return kindNames[k]
}

// Event is a semantic protocol event decoded from a server message.
type Event interface {
	Kind() EventKind
}

// RegisteredEvent is sent once the server welcomed us.
type RegisteredEvent struct {
	Nick    string
	Server  string
	Message string
}

type NickEvent struct {
	FormerNick string
	Nick       string
	Self       bool
	Time       time.Time
}

type QuitEvent struct {
	User   *Prefix
	Reason string
	Time   time.Time
}

type JoinEvent struct {
	User    *Prefix
	Channel string
	Self    bool
	Time    time.Time
}

type PartEvent struct {
	User    *Prefix
	Channel string
	Reason  string
	Self    bool
	Time    time.Time
}

type KickEvent struct {
	User    *Prefix // who kicked
	Nick    string  // who was kicked
	Channel string
	Reason  string
	Self    bool // whether we were kicked
	Time    time.Time
}

type ModeEvent struct {
	User   *Prefix
	Target string
	Mode   string
	Args   []string
	Time   time.Time
}

type TopicEvent struct {
	User    *Prefix // nil on a topic reply
	Channel string
	Topic   string
	Time    time.Time
}

// MessageEvent is a PRIVMSG or a NOTICE.
type MessageEvent struct {
	User            *Prefix
	Target          string
	TargetIsChannel bool
	Command         string // "PRIVMSG" or "NOTICE"
	Content         string
	Action          bool     // CTCP ACTION
	Links           []string // URLs found in Content
	Time            time.Time
}

func (ev MessageEvent) Kind() EventKind {
	if ev.Command == "NOTICE" {
		return KindNotice
	}
	if ev.TargetIsChannel {
		return KindChannelMessage
	}
	return KindPrivateMessage
}

type InviteEvent struct {
	Inviter string
	Invitee string
	Channel string
}

// CTCPEvent is a CTCP request (in a PRIVMSG) or response (in a NOTICE).
type CTCPEvent struct {
	User     *Prefix
	Target   string
	Command  string
	Arg      string
	Response bool
	Time     time.Time
}

func (ev CTCPEvent) Kind() EventKind {
	if ev.Response {
		return KindCTCPResponse
	}
	return KindCTCPRequest
}

type CapabilityEvent struct {
	Subcommand string // LS, ACK, NAK, NEW, DEL
	Caps       []Cap
}

// PingEvent is sent when the server pinged us; the session already answered.
type PingEvent struct {
	Payload string
}

// NumericEvent is any numeric reply without a dedicated event.
type NumericEvent struct {
	Code   string
	Params []string
}

// IsError reports whether the numeric is an error reply (4xx, 5xx, 9xx
// failures).
func (ev NumericEvent) IsError() bool {
	if len(ev.Code) != 3 {
		return false
	}
	switch ev.Code[0] {
	case '4', '5':
		return true
	}
	switch ev.Code {
	case errNicklocked, errSaslfail, errSasltoolong, errSaslaborted, errSaslalready:
		return true
	}
	return false
}

// ErrorEvent is a server ERROR message, usually sent before closing the
// connection.
type ErrorEvent struct {
	Message string
}

func (RegisteredEvent) Kind() EventKind { return KindRegistered }
func (NickEvent) Kind() EventKind       { return KindNick }
func (QuitEvent) Kind() EventKind       { return KindQuit }
func (JoinEvent) Kind() EventKind       { return KindJoin }
func (PartEvent) Kind() EventKind       { return KindPart }
func (KickEvent) Kind() EventKind       { return KindKick }
func (ModeEvent) Kind() EventKind       { return KindMode }
func (TopicEvent) Kind() EventKind      { return KindTopic }
func (InviteEvent) Kind() EventKind     { return KindInvite }
func (CapabilityEvent) Kind() EventKind { return KindCapability }
func (PingEvent) Kind() EventKind       { return KindPing }
func (NumericEvent) Kind() EventKind    { return KindNumeric }
func (ErrorEvent) Kind() EventKind      { return KindError }
