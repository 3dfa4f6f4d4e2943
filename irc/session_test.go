package irc

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/emersion/go-sasl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	msgs []Message
}

func (r *recorder) Write(msg Message) {
	r.msgs = append(r.msgs, msg)
}

// lines returns the messages written since the last call.
func (r *recorder) lines() []string {
	var lines []string
	for _, msg := range r.msgs {
		lines = append(lines, msg.String())
	}
	r.msgs = nil
	return lines
}

func handle(t *testing.T, s *Session, raw string) Event {
	t.Helper()
	msg, err := ParseMessage(raw)
	require.NoError(t, err)
	ev, err := s.HandleMessage(msg)
	require.NoError(t, err)
	return ev
}

func newRegisteredSession(t *testing.T) (*Session, *recorder) {
	out := &recorder{}
	s := NewSession(out, SessionParams{Nickname: "nick"})
	s.Register()
	handle(t, s, ":srv 001 nick :Welcome to the network")
	out.lines()
	return s, out
}

func TestSessionRegister(t *testing.T) {
	out := &recorder{}
	s := NewSession(out, SessionParams{
		Nickname: "nick",
		Password: "secret",
	})
	s.Register()
	assert.Equal(t, []string{
		"CAP LS 302",
		"PASS secret",
		"NICK nick",
		"USER nick 0 * :nick",
	}, out.lines())

	ev := handle(t, s, ":srv CAP * LS :multi-prefix sasl unknown-cap")
	assert.Equal(t, KindCapability, ev.Kind())
	// sasl is only requested with credentials
	assert.Equal(t, []string{"CAP REQ :multi-prefix"}, out.lines())

	handle(t, s, ":srv CAP * ACK :multi-prefix")
	assert.Equal(t, []string{"CAP END"}, out.lines())
	assert.True(t, s.Negotiated())
	assert.True(t, s.HasCapability("multi-prefix"))

	ev = handle(t, s, ":srv 001 nick :Welcome to the network")
	require.IsType(t, RegisteredEvent{}, ev)
	assert.Equal(t, RegisteredEvent{
		Nick:    "nick",
		Server:  "srv",
		Message: "Welcome to the network",
	}, ev)
	assert.True(t, s.Registered())
	assert.Equal(t, "srv", s.ServerName())
}

func TestSessionMultilineLS(t *testing.T) {
	out := &recorder{}
	s := NewSession(out, SessionParams{Nickname: "nick"})
	s.Register()
	out.lines()

	assert.Nil(t, handle(t, s, ":srv CAP * LS * :away-notify"))
	assert.Empty(t, out.lines())
	handle(t, s, ":srv CAP * LS :server-time")
	assert.Equal(t, []string{"CAP REQ :away-notify server-time"}, out.lines())
}

func TestSessionNoCapabilities(t *testing.T) {
	out := &recorder{}
	s := NewSession(out, SessionParams{Nickname: "nick"})
	s.Register()
	out.lines()

	assert.Nil(t, handle(t, s, ":srv 421 nick CAP :Unknown command"))
	assert.True(t, s.Negotiated())
	assert.Empty(t, out.lines())
}

func TestSessionSASL(t *testing.T) {
	out := &recorder{}
	s := NewSession(out, SessionParams{
		Nickname: "nick",
		Auth:     sasl.NewPlainClient("", "user", "pass"),
	})
	s.Register()
	out.lines()

	handle(t, s, ":srv CAP * LS :sasl=PLAIN")
	assert.Equal(t, []string{"CAP REQ :sasl"}, out.lines())

	handle(t, s, ":srv CAP * ACK :sasl")
	assert.Equal(t, []string{"AUTHENTICATE PLAIN"}, out.lines())

	handle(t, s, "AUTHENTICATE +")
	payload := base64.StdEncoding.EncodeToString([]byte("\x00user\x00pass"))
	assert.Equal(t, []string{"AUTHENTICATE " + payload}, out.lines())
	assert.False(t, s.Negotiated())

	ev := handle(t, s, ":srv 903 nick :SASL authentication successful")
	assert.Equal(t, NumericEvent{Code: "903", Params: []string{"nick", "SASL authentication successful"}}, ev)
	assert.Equal(t, []string{"CAP END"}, out.lines())
	assert.True(t, s.Negotiated())
}

func TestSessionSASLFailure(t *testing.T) {
	out := &recorder{}
	s := NewSession(out, SessionParams{
		Nickname: "nick",
		Auth:     sasl.NewPlainClient("", "user", "pass"),
	})
	s.Register()
	handle(t, s, ":srv CAP * LS :sasl")
	handle(t, s, ":srv CAP * ACK :sasl")
	out.lines()

	ev := handle(t, s, ":srv 904 nick :SASL authentication failed")
	require.IsType(t, NumericEvent{}, ev)
	assert.True(t, ev.(NumericEvent).IsError())
	assert.Equal(t, []string{"CAP END"}, out.lines())
}

func TestSessionNicknameInUse(t *testing.T) {
	out := &recorder{}
	s := NewSession(out, SessionParams{Nickname: "nick"})
	s.Register()
	out.lines()

	ev := handle(t, s, ":srv 433 * nick :Nickname is already in use")
	assert.Equal(t, KindNumeric, ev.Kind())
	assert.Equal(t, []string{"NICK nick_"}, out.lines())
	assert.Equal(t, "nick_", s.Nick())

	ev = handle(t, s, ":srv 001 nick_ :Welcome")
	assert.Equal(t, "nick_", ev.(RegisteredEvent).Nick)
}

func TestSessionPing(t *testing.T) {
	s, out := newRegisteredSession(t)

	ev := handle(t, s, "PING :irc.example.org")
	assert.Equal(t, PingEvent{Payload: "irc.example.org"}, ev)
	assert.Equal(t, []string{"PONG irc.example.org"}, out.lines())

	assert.Nil(t, handle(t, s, ":srv PONG srv :_"))
}

func TestSessionMembership(t *testing.T) {
	s, _ := newRegisteredSession(t)

	ev := handle(t, s, ":nick!u@h JOIN #chan")
	require.IsType(t, JoinEvent{}, ev)
	assert.True(t, ev.(JoinEvent).Self)
	assert.Equal(t, "#chan", ev.(JoinEvent).Channel)

	ev = handle(t, s, ":other!u@h JOIN #chan")
	assert.False(t, ev.(JoinEvent).Self)

	ev = handle(t, s, ":other!u@h PART #chan :see you")
	require.IsType(t, PartEvent{}, ev)
	assert.Equal(t, "see you", ev.(PartEvent).Reason)
	assert.False(t, ev.(PartEvent).Self)

	ev = handle(t, s, ":op!u@h KICK #chan NICK :bye")
	require.IsType(t, KickEvent{}, ev)
	assert.True(t, ev.(KickEvent).Self, "kick target is casemapped")
	assert.Equal(t, "op", ev.(KickEvent).User.Name)
	assert.Equal(t, "bye", ev.(KickEvent).Reason)

	ev = handle(t, s, ":nick!u@h NICK newnick")
	require.IsType(t, NickEvent{}, ev)
	assert.True(t, ev.(NickEvent).Self)
	assert.Equal(t, "newnick", s.Nick())

	ev = handle(t, s, ":other!u@h QUIT :Ping timeout")
	assert.Equal(t, "Ping timeout", ev.(QuitEvent).Reason)
}

func TestSessionMessages(t *testing.T) {
	s, out := newRegisteredSession(t)

	ev := handle(t, s, ":bob!b@h PRIVMSG #chan :see https://example.org/page now")
	require.IsType(t, MessageEvent{}, ev)
	msg := ev.(MessageEvent)
	assert.Equal(t, KindChannelMessage, msg.Kind())
	assert.Equal(t, "bob", msg.User.Name)
	assert.Equal(t, []string{"https://example.org/page"}, msg.Links)

	ev = handle(t, s, ":bob!b@h PRIVMSG nick :hello")
	assert.Equal(t, KindPrivateMessage, ev.Kind())

	ev = handle(t, s, ":bob!b@h NOTICE nick :hello")
	assert.Equal(t, KindNotice, ev.Kind())

	ev = handle(t, s, ":bob!b@h PRIVMSG #chan :\x01ACTION waves\x01")
	require.IsType(t, MessageEvent{}, ev)
	assert.True(t, ev.(MessageEvent).Action)
	assert.Equal(t, "waves", ev.(MessageEvent).Content)

	assert.Empty(t, out.lines())
}

func TestSessionCTCP(t *testing.T) {
	s, out := newRegisteredSession(t)

	ev := handle(t, s, ":bob!b@h PRIVMSG nick :\x01VERSION\x01")
	require.IsType(t, CTCPEvent{}, ev)
	assert.Equal(t, KindCTCPRequest, ev.Kind())
	assert.Equal(t, "VERSION", ev.(CTCPEvent).Command)
	assert.Equal(t, []string{"NOTICE bob :\x01VERSION " + ClientVersion + "\x01"}, out.lines())

	handle(t, s, ":bob!b@h PRIVMSG nick :\x01PING 1234\x01")
	assert.Equal(t, []string{"NOTICE bob :\x01PING 1234\x01"}, out.lines())

	ev = handle(t, s, ":bob!b@h NOTICE nick :\x01VERSION other 1.0\x01")
	assert.Equal(t, KindCTCPResponse, ev.Kind())
	assert.Equal(t, "other 1.0", ev.(CTCPEvent).Arg)
	assert.Empty(t, out.lines(), "CTCP responses are not answered")

	handle(t, s, ":bob!b@h PRIVMSG nick :\x01UNKNOWN\x01")
	assert.Empty(t, out.lines())
}

func TestSessionISupport(t *testing.T) {
	s, _ := newRegisteredSession(t)
	assert.True(t, s.IsChannel("&local"))
	assert.Equal(t, "{a}", s.Casemap("[A]"))

	handle(t, s, ":srv 005 nick CASEMAPPING=ascii CHANTYPES=# :are supported by this server")
	assert.False(t, s.IsChannel("&local"))
	assert.True(t, s.IsChannel("#chan"))
	assert.Equal(t, "[a]", s.Casemap("[A]"))
}

func TestSessionSend(t *testing.T) {
	s, out := newRegisteredSession(t)

	s.PrivMsg("#c", strings.Repeat("a", 1000))
	lines := out.lines()
	require.Len(t, lines, 3)
	for _, line := range lines {
		assert.True(t, strings.HasPrefix(line, "PRIVMSG #c :a"))
	}

	s.Join("#chan", "")
	s.Join("#secret", "key")
	s.Part("#chan", "bye now")
	s.Kick("bob", "#chan", "")
	s.ChangeTopic("#chan", "new topic")
	s.RequestTopic("#chan")
	s.ChangeMode("#chan", "+o bob")
	s.CTCPRequest("bob", "version", "")
	s.Action("#chan", "waves")
	assert.Equal(t, []string{
		"JOIN #chan",
		"JOIN #secret key",
		"PART #chan :bye now",
		"KICK #chan bob",
		"TOPIC #chan :new topic",
		"TOPIC #chan",
		"MODE #chan +o bob",
		"PRIVMSG bob :\x01VERSION\x01",
		"PRIVMSG #chan :\x01ACTION waves\x01",
	}, out.lines())

	require.NoError(t, s.SendRaw("WHO #chan"))
	assert.Equal(t, []string{"WHO #chan"}, out.lines())
	assert.Error(t, s.SendRaw(""))

	s.Close()
	s.Join("#other", "")
	assert.Empty(t, out.lines(), "closed sessions drop messages")
}

func TestSessionError(t *testing.T) {
	s, _ := newRegisteredSession(t)
	ev := handle(t, s, "ERROR :Closing Link: nick (Quit: bye)")
	assert.Equal(t, ErrorEvent{Message: "Closing Link: nick (Quit: bye)"}, ev)
}

func TestSessionMultilineText(t *testing.T) {
	s, out := newRegisteredSession(t)

	s.PrivMsg("#chan", "hello\r\nQUIT :pwned")
	assert.Equal(t, []string{
		"PRIVMSG #chan :hello",
		"PRIVMSG #chan :QUIT :pwned",
	}, out.lines())

	s.Notice("bob", "first\n\nsecond\r")
	assert.Equal(t, []string{
		"NOTICE bob :first",
		"NOTICE bob :second",
	}, out.lines())

	s.PrivMsg("#chan", "\r\n")
	assert.Empty(t, out.lines())

	s.Part("#chan", "bye\r\nQUIT")
	assert.Equal(t, []string{"PART #chan :bye QUIT"}, out.lines())
}
