package irc

import (
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/emersion/go-sasl"
	"mvdan.cc/xurls/v2"
)

// SupportedCapabilities is the set of capabilities requested when the server
// advertises them. "sasl" is only requested when authentication is set up.
var SupportedCapabilities = map[string]struct{}{
	"away-notify":   {},
	"cap-notify":    {},
	"extended-join": {},
	"message-tags":  {},
	"multi-prefix":  {},
	"sasl":          {},
	"server-time":   {},
}

// saslChunkLen is the maximum length of an AUTHENTICATE payload.
const saslChunkLen = 400

var urlRegexp = xurls.Strict()

// Writer queues outgoing messages.
type Writer interface {
	Write(msg Message)
}

// SessionParams defines how to register to an IRC server.
type SessionParams struct {
	Nickname string
	Username string
	RealName string
	Password string      // sent with PASS if not empty
	Auth     sasl.Client // SASL client used during negotiation, or nil
}

// Session is the IRC protocol state of one connection: registration,
// capability negotiation, and translation between messages and events.
//
// A Session is not safe for concurrent use; it is driven by a single
// goroutine.
type Session struct {
	out    Writer
	closed bool

	nick     string
	nickCf   string // casemapped nickname.
	user     string
	real     string
	host     string
	password string
	auth     sasl.Client

	availableCaps map[string]string
	enabledCaps   map[string]struct{}
	pendingLS     []Cap // multiline CAP LS being received.
	saslStarted   bool
	saslIR        []byte // initial response, sent on the first challenge.

	negotiated bool
	registered bool
	serverName string

	// ISUPPORT features
	casemap   func(string) string
	chantypes string
	linelen   int
}

func NewSession(out Writer, params SessionParams) *Session {
	s := &Session{
		out:           out,
		nick:          params.Nickname,
		nickCf:        CasemapASCII(params.Nickname),
		user:          params.Username,
		real:          params.RealName,
		password:      params.Password,
		auth:          params.Auth,
		availableCaps: map[string]string{},
		enabledCaps:   map[string]struct{}{},
		casemap:       CasemapRFC1459,
		chantypes:     "#&",
		linelen:       MaxLineLen,
	}
	if s.user == "" {
		s.user = s.nick
	}
	if s.real == "" {
		s.real = s.nick
	}
	return s
}

// Register starts the registration handshake. It must be called once the
// transport is connected.
func (s *Session) Register() {
	s.send(NewMessage("CAP", "LS", "302"))
	if s.password != "" {
		s.send(NewMessage("PASS", s.password))
	}
	s.send(NewMessage("NICK", s.nick))
	s.send(NewMessage("USER", s.user, "0", "*").WithTrailing(s.real))
}

// Close makes the session drop any further outgoing message.
func (s *Session) Close() {
	s.closed = true
}

func (s *Session) send(msg Message) {
	if s.closed {
		return
	}
	s.out.Write(msg)
}

// HasCapability reports whether the given capability has been negotiated
// successfully.
func (s *Session) HasCapability(capability string) bool {
	_, ok := s.enabledCaps[capability]
	return ok
}

// Capabilities returns the sorted list of enabled capabilities.
func (s *Session) Capabilities() []string {
	caps := make([]string, 0, len(s.enabledCaps))
	for c := range s.enabledCaps {
		caps = append(caps, c)
	}
	sort.Strings(caps)
	return caps
}

// Negotiated reports whether capability negotiation is over, either because
// it concluded or because the server does not support it.
func (s *Session) Negotiated() bool {
	return s.negotiated
}

// Registered reports whether the server sent its welcome reply.
func (s *Session) Registered() bool {
	return s.registered
}

func (s *Session) Nick() string {
	return s.nick
}

// NickCf is our casemapped nickname.
func (s *Session) NickCf() string {
	return s.nickCf
}

func (s *Session) ServerName() string {
	return s.serverName
}

func (s *Session) IsMe(nick string) bool {
	return s.nickCf == s.casemap(nick)
}

func (s *Session) IsChannel(name string) bool {
	return strings.IndexAny(name, s.chantypes) == 0
}

func (s *Session) Casemap(name string) string {
	return s.casemap(name)
}

// SendRaw parses and sends a raw line.
func (s *Session) SendRaw(raw string) error {
	msg, err := ParseMessage(raw)
	if err != nil {
		return err
	}
	s.send(msg)
	return nil
}

func (s *Session) Send(command string, params ...string) {
	s.send(NewMessage(command, params...))
}

func (s *Session) Join(channel, key string) {
	if key == "" {
		s.send(NewMessage("JOIN", channel))
	} else {
		s.send(NewMessage("JOIN", channel, key))
	}
}

func (s *Session) Part(channel, reason string) {
	if reason == "" {
		s.send(NewMessage("PART", channel))
	} else {
		s.send(NewMessage("PART", channel).WithTrailing(reason))
	}
}

func (s *Session) Quit(reason string) {
	if reason == "" {
		s.send(NewMessage("QUIT"))
	} else {
		s.send(NewMessage("QUIT").WithTrailing(reason))
	}
}

func (s *Session) ChangeNick(nick string) {
	s.send(NewMessage("NICK", nick))
}

// ChangeTopic sets the topic of the channel; an empty topic clears it.
func (s *Session) ChangeTopic(channel, topic string) {
	s.send(NewMessage("TOPIC", channel).WithTrailing(topic))
}

// RequestTopic asks the server for the topic of the channel.
func (s *Session) RequestTopic(channel string) {
	s.send(NewMessage("TOPIC", channel))
}

// ChangeMode sends a MODE command; modes holds the flags followed by their
// arguments, separated by spaces.
func (s *Session) ChangeMode(target, modes string) {
	params := append([]string{target}, strings.Fields(modes)...)
	s.send(Message{Command: "MODE", Params: params})
}

func (s *Session) Whois(nick string) {
	s.send(NewMessage("WHOIS", nick))
}

func (s *Session) Invite(nick, channel string) {
	s.send(NewMessage("INVITE", nick, channel))
}

func (s *Session) Kick(nick, channel, comment string) {
	if comment == "" {
		s.send(NewMessage("KICK", channel, nick))
	} else {
		s.send(NewMessage("KICK", channel, nick).WithTrailing(comment))
	}
}

// maxContentLen returns the room left for the text of a message sent to
// target, once relayed by the server with our full prefix.
func (s *Session) maxContentLen(command, target string) int {
	hostLen := len(s.host)
	if hostLen == 0 {
		hostLen = len("255.255.255.255")
	}
	return s.linelen -
		len(":!@  :\r\n") -
		len(command) -
		len(s.nick) -
		len(s.user) -
		hostLen -
		len(target)
}

// PrivMsg sends content to target, one message per line of content, each
// split in as many messages as needed. Empty lines are skipped.
func (s *Session) PrivMsg(target, content string) {
	s.sendText("PRIVMSG", target, content)
}

func (s *Session) Notice(target, content string) {
	s.sendText("NOTICE", target, content)
}

func (s *Session) sendText(command, target, content string) {
	lines := strings.FieldsFunc(content, func(r rune) bool {
		return r == '\r' || r == '\n'
	})
	for _, line := range lines {
		for _, chunk := range splitChunks(line, s.maxContentLen(command, target)) {
			s.send(NewMessage(command, target).WithTrailing(chunk))
		}
	}
}

// Action sends a CTCP ACTION ("/me") to target.
func (s *Session) Action(target, content string) {
	s.send(NewMessage("PRIVMSG", target).WithTrailing(formatCTCP("ACTION", content)))
}

// CTCPRequest sends a CTCP request. A PING without argument carries the
// current time in milliseconds.
func (s *Session) CTCPRequest(target, command, arg string) {
	command = strings.ToUpper(command)
	if command == "PING" && arg == "" {
		arg = ctcpTimestamp(time.Now())
	}
	s.send(NewMessage("PRIVMSG", target).WithTrailing(formatCTCP(command, arg)))
}

func (s *Session) CTCPReply(target, command, arg string) {
	s.send(NewMessage("NOTICE", target).WithTrailing(formatCTCP(command, arg)))
}

// HandleMessage updates the session state from a server message and returns
// the matching event, or nil when the message is consumed internally.
func (s *Session) HandleMessage(msg Message) (Event, error) {
	if msg.Prefix == nil {
		msg.Prefix = &Prefix{
			Name: s.serverName,
		}
	}
	if s.registered {
		return s.handleRegistered(msg)
	} else {
		return s.handleUnregistered(msg)
	}
}

func (s *Session) handleUnregistered(msg Message) (Event, error) {
	switch msg.Command {
	case errNicknameinuse, errNickCollision:
		var nick string
		if err := msg.ParseParams(nil, &nick); err != nil {
			return nil, err
		}

		s.nick = nick + "_"
		s.nickCf = s.casemap(s.nick)
		s.send(NewMessage("NICK", s.nick))
		return NumericEvent{Code: msg.Command, Params: msg.Args()}, nil
	case errUnknowncommand:
		var command string
		if err := msg.ParseParams(nil, &command); err != nil {
			return nil, err
		}
		if strings.EqualFold(command, "CAP") {
			// no IRCv3 support, registration goes on without negotiation
			s.negotiated = true
			return nil, nil
		}
	}
	return s.handleRegistered(msg)
}

func (s *Session) handleRegistered(msg Message) (Event, error) {
	switch msg.Command {
	case "AUTHENTICATE":
		if s.auth == nil || !s.saslStarted {
			break
		}

		var payload string
		if err := msg.ParseParams(&payload); err != nil {
			return nil, err
		}

		var res []byte
		var err error
		if s.saslIR != nil {
			res, s.saslIR = s.saslIR, nil
		} else {
			var challenge []byte
			if payload != "+" {
				challenge, err = base64.StdEncoding.DecodeString(payload)
			}
			if err == nil {
				res, err = s.auth.Next(challenge)
			}
		}
		if err != nil {
			s.send(NewMessage("AUTHENTICATE", "*"))
			return nil, fmt.Errorf("sasl: %v", err)
		}
		s.sendAuthenticate(res)
	case rplLoggedin:
		var nuh string
		if err := msg.ParseParams(nil, &nuh); err != nil {
			return nil, err
		}

		prefix := ParsePrefix(nuh)
		s.user = prefix.User
		s.host = prefix.Host
		return NumericEvent{Code: msg.Command, Params: msg.Args()}, nil
	case rplSaslsuccess:
		s.endNegotiation()
		return NumericEvent{Code: msg.Command, Params: msg.Args()}, nil
	case errNicklocked, errSaslfail, errSasltoolong, errSaslaborted, errSaslalready:
		s.endNegotiation()
		return NumericEvent{Code: msg.Command, Params: msg.Args()}, nil
	case rplSaslmechs:
		// followed by ERR_SASLFAIL
	case rplWelcome:
		if msg.Prefix != nil {
			s.serverName = msg.Prefix.Name
		}
		var text string
		if err := msg.ParseParams(&s.nick); err != nil {
			return nil, err
		}
		if args := msg.Args(); len(args) > 1 {
			text = args[len(args)-1]
		}

		s.nickCf = s.casemap(s.nick)
		s.registered = true
		// a welcome before any CAP reply means the server skipped negotiation
		s.negotiated = true
		return RegisteredEvent{
			Nick:    s.nick,
			Server:  s.serverName,
			Message: text,
		}, nil
	case rplMyinfo:
		if err := msg.ParseParams(nil, &s.serverName); err != nil {
			return nil, err
		}
		return NumericEvent{Code: msg.Command, Params: msg.Args()}, nil
	case rplIsupport:
		args := msg.Args()
		if len(args) < 3 {
			return nil, msg.errNotEnoughParams(3)
		}
		s.updateFeatures(args[1 : len(args)-1])
		return NumericEvent{Code: msg.Command, Params: args}, nil
	case "CAP":
		return s.handleCap(msg)
	case "PING":
		var payload string
		if err := msg.ParseParams(&payload); err != nil {
			return nil, err
		}

		s.send(NewMessage("PONG", payload))
		return PingEvent{Payload: payload}, nil
	case "PONG":
		// keep-alive answer, the transport already noted the activity
	case "ERROR":
		var text string
		if args := msg.Args(); len(args) > 0 {
			text = args[len(args)-1]
		}
		return ErrorEvent{Message: text}, nil
	case "NICK":
		var nick string
		if err := msg.ParseParams(&nick); err != nil {
			return nil, err
		}

		ev := NickEvent{
			FormerNick: msg.Prefix.Name,
			Nick:       nick,
			Time:       msg.TimeOrNow(),
		}
		if s.IsMe(msg.Prefix.Name) {
			s.nick = nick
			s.nickCf = s.casemap(nick)
			ev.Self = true
		}
		return ev, nil
	case "QUIT":
		var reason string
		if args := msg.Args(); len(args) > 0 {
			reason = args[0]
		}
		return QuitEvent{
			User:   msg.Prefix.Copy(),
			Reason: reason,
			Time:   msg.TimeOrNow(),
		}, nil
	case "JOIN":
		var channel string
		if err := msg.ParseParams(&channel); err != nil {
			return nil, err
		}

		return JoinEvent{
			User:    msg.Prefix.Copy(),
			Channel: channel,
			Self:    s.IsMe(msg.Prefix.Name),
			Time:    msg.TimeOrNow(),
		}, nil
	case "PART":
		var channel string
		if err := msg.ParseParams(&channel); err != nil {
			return nil, err
		}

		ev := PartEvent{
			User:    msg.Prefix.Copy(),
			Channel: channel,
			Self:    s.IsMe(msg.Prefix.Name),
			Time:    msg.TimeOrNow(),
		}
		if args := msg.Args(); len(args) > 1 {
			ev.Reason = args[1]
		}
		return ev, nil
	case "KICK":
		var channel, nick string
		if err := msg.ParseParams(&channel, &nick); err != nil {
			return nil, err
		}

		ev := KickEvent{
			User:    msg.Prefix.Copy(),
			Nick:    nick,
			Channel: channel,
			Self:    s.IsMe(nick),
			Time:    msg.TimeOrNow(),
		}
		if args := msg.Args(); len(args) > 2 {
			ev.Reason = args[2]
		}
		return ev, nil
	case "MODE":
		var target string
		if err := msg.ParseParams(&target, nil); err != nil {
			return nil, err
		}

		args := msg.Args()
		return ModeEvent{
			User:   msg.Prefix.Copy(),
			Target: target,
			Mode:   args[1],
			Args:   args[2:],
			Time:   msg.TimeOrNow(),
		}, nil
	case "TOPIC":
		var channel, topic string
		if err := msg.ParseParams(&channel, &topic); err != nil {
			return nil, err
		}

		return TopicEvent{
			User:    msg.Prefix.Copy(),
			Channel: channel,
			Topic:   topic,
			Time:    msg.TimeOrNow(),
		}, nil
	case rplTopic:
		var channel, topic string
		if err := msg.ParseParams(nil, &channel, &topic); err != nil {
			return nil, err
		}

		return TopicEvent{
			Channel: channel,
			Topic:   topic,
			Time:    msg.TimeOrNow(),
		}, nil
	case "INVITE":
		var nick, channel string
		if err := msg.ParseParams(&nick, &channel); err != nil {
			return nil, err
		}

		return InviteEvent{
			Inviter: msg.Prefix.Name,
			Invitee: nick,
			Channel: channel,
		}, nil
	case rplInviting:
		var nick, channel string
		if err := msg.ParseParams(nil, &nick, &channel); err != nil {
			return nil, err
		}

		return InviteEvent{
			Inviter: s.nick,
			Invitee: nick,
			Channel: channel,
		}, nil
	case "PRIVMSG", "NOTICE":
		return s.handleText(msg)
	default:
		if msg.IsReply() {
			return NumericEvent{Code: msg.Command, Params: msg.Args()}, nil
		}
	}
	return nil, nil
}

func (s *Session) handleText(msg Message) (Event, error) {
	var target, content string
	if err := msg.ParseParams(&target, &content); err != nil {
		return nil, err
	}

	if command, arg, ok := parseCTCP(content); ok && command != "ACTION" {
		ev := CTCPEvent{
			User:     msg.Prefix.Copy(),
			Target:   target,
			Command:  command,
			Arg:      arg,
			Response: msg.Command == "NOTICE",
			Time:     msg.TimeOrNow(),
		}
		if !ev.Response {
			if reply, ok := ctcpReply(command, arg, time.Now()); ok {
				s.CTCPReply(msg.Prefix.Name, command, reply)
			}
		}
		return ev, nil
	}

	ev := MessageEvent{
		User:            msg.Prefix.Copy(),
		Target:          target,
		TargetIsChannel: s.IsChannel(target),
		Command:         msg.Command,
		Content:         content,
		Time:            msg.TimeOrNow(),
	}
	if command, arg, ok := parseCTCP(content); ok && command == "ACTION" {
		ev.Action = true
		ev.Content = arg
	}
	ev.Links = urlRegexp.FindAllString(ev.Content, -1)
	return ev, nil
}

func (s *Session) handleCap(msg Message) (Event, error) {
	var subcommand string
	if err := msg.ParseParams(nil, &subcommand); err != nil {
		return nil, err
	}
	subcommand = strings.ToUpper(subcommand)

	args := msg.Args()
	more := len(args) > 3 && args[2] == "*"
	caps := ParseCaps(args[len(args)-1])
	if len(args) < 3 {
		caps = nil
	}

	switch subcommand {
	case "LS":
		s.pendingLS = append(s.pendingLS, caps...)
		if more {
			return nil, nil
		}
		caps = s.pendingLS
		s.pendingLS = nil
		for _, c := range caps {
			s.availableCaps[c.Name] = c.Value
		}
		if !s.requestCaps(caps) && !s.registered {
			s.endNegotiation()
		}
	case "NEW":
		for _, c := range caps {
			s.availableCaps[c.Name] = c.Value
		}
		s.requestCaps(caps)
	case "ACK":
		for _, c := range caps {
			if c.Enable {
				s.enabledCaps[c.Name] = struct{}{}
			} else {
				delete(s.enabledCaps, c.Name)
			}
		}
		if !s.registered {
			if s.auth != nil && s.HasCapability("sasl") && !s.saslStarted {
				s.startSASL()
			} else if !s.saslStarted {
				s.endNegotiation()
			}
		}
	case "NAK":
		if !s.registered && !s.saslStarted {
			s.endNegotiation()
		}
	case "DEL":
		for _, c := range caps {
			delete(s.availableCaps, c.Name)
			delete(s.enabledCaps, c.Name)
		}
	}

	return CapabilityEvent{
		Subcommand: subcommand,
		Caps:       caps,
	}, nil
}

// requestCaps requests the supported capabilities among caps, and reports
// whether a request was sent.
func (s *Session) requestCaps(caps []Cap) bool {
	var reqs []string
	for _, c := range caps {
		if _, ok := SupportedCapabilities[c.Name]; !ok {
			continue
		}
		if c.Name == "sasl" && s.auth == nil {
			continue
		}
		if _, ok := s.enabledCaps[c.Name]; ok {
			continue
		}
		reqs = append(reqs, c.Name)
	}
	if len(reqs) == 0 {
		return false
	}
	sort.Strings(reqs)
	s.send(NewMessage("CAP", "REQ").WithTrailing(strings.Join(reqs, " ")))
	return true
}

func (s *Session) startSASL() {
	mech, ir, err := s.auth.Start()
	if err != nil {
		s.endNegotiation()
		return
	}
	s.saslStarted = true
	s.saslIR = ir
	if s.saslIR == nil {
		s.saslIR = []byte{}
	}
	s.send(NewMessage("AUTHENTICATE", mech))
}

func (s *Session) sendAuthenticate(res []byte) {
	if len(res) == 0 {
		s.send(NewMessage("AUTHENTICATE", "+"))
		return
	}
	enc := base64.StdEncoding.EncodeToString(res)
	for len(enc) >= saslChunkLen {
		s.send(NewMessage("AUTHENTICATE", enc[:saslChunkLen]))
		enc = enc[saslChunkLen:]
	}
	if enc == "" {
		// a payload that is a multiple of the chunk length ends with "+"
		enc = "+"
	}
	s.send(NewMessage("AUTHENTICATE", enc))
}

func (s *Session) endNegotiation() {
	if s.negotiated {
		return
	}
	s.negotiated = true
	if !s.registered {
		s.send(NewMessage("CAP", "END"))
	}
}

func (s *Session) updateFeatures(features []string) {
	for _, f := range features {
		if f == "" || f == "-" || f == "=" || f == "-=" {
			continue
		}

		var (
			add   bool
			key   string
			value string
		)

		if strings.HasPrefix(f, "-") {
			add = false
			f = f[1:]
		} else {
			add = true
		}

		kv := strings.SplitN(f, "=", 2)
		key = strings.ToUpper(kv[0])
		if len(kv) > 1 {
			value = kv[1]
		}

		if !add {
			// TODO support ISUPPORT negations
			continue
		}

		switch key {
		case "CASEMAPPING":
			switch value {
			case "ascii":
				s.casemap = CasemapASCII
			default:
				s.casemap = CasemapRFC1459
			}
			s.nickCf = s.casemap(s.nick)
		case "CHANTYPES":
			s.chantypes = value
		case "LINELEN":
			linelen, err := strconv.Atoi(value)
			if err == nil && linelen != 0 {
				s.linelen = linelen
			}
		case "NETWORK":
			if s.serverName == "" && isPrintable(value) {
				s.serverName = value
			}
		}
	}
}

func isPrintable(s string) bool {
	for _, r := range s {
		if !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}
