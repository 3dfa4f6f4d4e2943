package irc

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMessage(t *testing.T) {
	msg, err := ParseMessage(":nick!user@host PRIVMSG #chan :hello world")
	require.NoError(t, err)
	assert.Equal(t, &Prefix{Name: "nick", User: "user", Host: "host"}, msg.Prefix)
	assert.Equal(t, "PRIVMSG", msg.Command)
	assert.Equal(t, []string{"#chan"}, msg.Params)
	assert.True(t, msg.HasTrailing)
	assert.Equal(t, "hello world", msg.Trailing)
	assert.Equal(t, []string{"#chan", "hello world"}, msg.Args())

	msg, err = ParseMessage("@time=2024-01-02T03:04:05.000Z;+draft/x :srv 001 nick :Welcome")
	require.NoError(t, err)
	assert.Equal(t, "001", msg.Command)
	assert.True(t, msg.IsReply())
	assert.Equal(t, "", msg.Tags["+draft/x"])
	_, ok := msg.Time()
	assert.True(t, ok, "server-time tag not parsed")

	msg, err = ParseMessage("ping abc")
	require.NoError(t, err)
	assert.Equal(t, "PING", msg.Command)
	assert.Nil(t, msg.Prefix)
	assert.Equal(t, []string{"abc"}, msg.Params)
	assert.False(t, msg.HasTrailing)

	msg, err = ParseMessage("FOO 1 2 3 4 5 6 7 8 9 10 11 12 13 14 15 16")
	require.NoError(t, err)
	assert.Len(t, msg.Params, 14)
	assert.Equal(t, "15 16", msg.Trailing)

	msg, err = ParseMessage("TOPIC #chan :")
	require.NoError(t, err)
	assert.True(t, msg.HasTrailing)
	assert.Equal(t, "", msg.Trailing)
}

func TestParseMessageMalformed(t *testing.T) {
	for _, line := range []string{
		"",
		"   ",
		":prefix",
		"@tag=1",
		"PR1VMSG #chan :hi",
		"12 #chan",
	} {
		_, err := ParseMessage(line)
		var decodeErr *DecodeError
		assert.ErrorAs(t, err, &decodeErr, "%q", line)
	}
}

func TestEncode(t *testing.T) {
	line, truncated := Encode(NewMessage("PRIVMSG", "#chan", "hello world"))
	assert.False(t, truncated)
	assert.Equal(t, "PRIVMSG #chan :hello world\r\n", string(line))

	line, _ = Encode(NewMessage("JOIN", "#chan", "key"))
	assert.Equal(t, "JOIN #chan key\r\n", string(line))

	line, _ = Encode(NewMessage("QUIT").WithTrailing(""))
	assert.Equal(t, "QUIT :\r\n", string(line))

	line, _ = Encode(NewMessage("PRIVMSG", "#chan", ":)"))
	assert.Equal(t, "PRIVMSG #chan ::)\r\n", string(line))

	msg := NewMessage("PRIVMSG", "#chan").WithTrailing("hi").WithTag("label", "a b")
	line, _ = Encode(msg)
	assert.Equal(t, "@label=a\\sb PRIVMSG #chan :hi\r\n", string(line))
}

func TestEncodeRoundTrip(t *testing.T) {
	for _, raw := range []string{
		"PRIVMSG #chan :hello world",
		":nick!user@host JOIN #chan",
		":srv 005 nick CHANTYPES=# :are supported by this server",
		"@msgid=abc :srv NOTICE * :*** Looking up your hostname",
		"MODE #chan +o nick",
	} {
		msg, err := ParseMessage(raw)
		require.NoError(t, err, raw)
		line, truncated := Encode(msg)
		assert.False(t, truncated, raw)
		assert.Equal(t, raw+"\r\n", string(line))
	}
}

func TestEncodeTruncates(t *testing.T) {
	line, truncated := Encode(NewMessage("PRIVMSG", "#c").WithTrailing(strings.Repeat("a", 600)))
	assert.True(t, truncated)
	assert.Len(t, line, MaxLineLen)
	assert.True(t, strings.HasSuffix(string(line), "a\r\n"))

	// "e" and a combining acute accent: 3 bytes per grapheme cluster
	content := strings.Repeat("e\u0301", 300)
	line, truncated = Encode(NewMessage("PRIVMSG", "#c").WithTrailing(content))
	assert.True(t, truncated)
	assert.LessOrEqual(t, len(line), MaxLineLen)
	assert.True(t, utf8.Valid(line))
	assert.True(t, strings.HasSuffix(string(line), "e\u0301\r\n"), "grapheme cluster split")

	msg := NewMessage("PRIVMSG", "#c").WithTrailing("hi").WithTag("x", strings.Repeat("a", 9000))
	line, truncated = Encode(msg)
	assert.True(t, truncated)
	assert.Equal(t, "PRIVMSG #c :hi\r\n", string(line))
}

func TestSplitChunks(t *testing.T) {
	assert.Equal(t, []string{"abcd", "ef"}, splitChunks("abcdef", 4))
	assert.Equal(t, []string{"abc"}, splitChunks("abc", 4))
	assert.Equal(t, []string{""}, splitChunks("", 4))
	assert.Equal(t, []string{"e\u0301", "e\u0301"}, splitChunks("e\u0301e\u0301", 4))
}

func TestCasemap(t *testing.T) {
	assert.Equal(t, "nick{}|^", CasemapRFC1459("Nick[]\\~"))
	assert.Equal(t, "nick[]\\~", CasemapASCII("Nick[]\\~"))
}

func TestParsePrefix(t *testing.T) {
	assert.Nil(t, ParsePrefix(""))
	assert.Equal(t, &Prefix{Name: "irc.example.org"}, ParsePrefix("irc.example.org"))
	assert.Equal(t, &Prefix{Name: "nick", Host: "host"}, ParsePrefix("nick@host"))
	assert.Equal(t, "nick!user@host", ParsePrefix("nick!user@host").String())
}

func TestParseCaps(t *testing.T) {
	caps := ParseCaps("sasl=PLAIN,EXTERNAL -multi-prefix server-time")
	assert.Equal(t, []Cap{
		{Name: "sasl", Value: "PLAIN,EXTERNAL", Enable: true},
		{Name: "multi-prefix", Enable: false},
		{Name: "server-time", Enable: true},
	}, caps)
}

func TestEncodeLineBreaks(t *testing.T) {
	line, truncated := Encode(NewMessage("PRIVMSG", "#chan").WithTrailing("hello\r\nQUIT :pwned"))
	assert.False(t, truncated)
	assert.Equal(t, "PRIVMSG #chan :hello QUIT :pwned\r\n", string(line))

	var dec Decoder
	dec.Feed(line)
	msg, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, []string{"#chan", "hello QUIT :pwned"}, msg.Args())
	_, err = dec.Next()
	assert.Equal(t, ErrIncomplete, err, "a message is written as a single line")

	line, _ = Encode(NewMessage("PART", "#a\rb", "bye\nnow\x00"))
	assert.Equal(t, "PART #a b :bye now\r\n", string(line))
}

func TestEncodeLastParam(t *testing.T) {
	for _, c := range []struct {
		msg      Message
		expected string
		args     []string
	}{
		{Message{Command: "INVITE", Params: []string{"#chan", "bad nick"}}, "INVITE #chan :bad nick", []string{"#chan", "bad nick"}},
		{Message{Command: "MODE", Params: []string{"#chan", ""}}, "MODE #chan :", []string{"#chan", ""}},
		{Message{Command: "NICK", Params: []string{":colon"}}, "NICK ::colon", []string{":colon"}},
		{Message{Command: "NICK", Params: []string{"plain"}}, "NICK plain", []string{"plain"}},
	} {
		line, _ := Encode(c.msg)
		assert.Equal(t, c.expected+"\r\n", string(line))
		msg, err := ParseMessage(c.expected)
		if assert.NoError(t, err, c.expected) {
			assert.Equal(t, c.args, msg.Args(), c.expected)
		}
	}
}

func TestValidate(t *testing.T) {
	assert.NoError(t, NewMessage("INVITE", "nick", "#chan").Validate())
	assert.NoError(t, Message{Command: "INVITE", Params: []string{"#chan", "bad nick"}}.Validate())
	assert.NoError(t, NewMessage("PRIVMSG", "#chan").WithTrailing("a :b\r\nc").Validate())

	assert.Error(t, Message{Command: "INVITE", Params: []string{"bad nick", "#chan"}}.Validate())
	assert.Error(t, Message{Command: "KICK", Params: []string{"#chan", ""}, Trailing: "bye", HasTrailing: true}.Validate())
	assert.Error(t, NewMessage("KICK", ":chan", "nick").WithTrailing("bye").Validate())
	assert.Error(t, NewMessage("JOIN", "#a\r\nQUIT", "key").Validate())
	assert.Error(t, NewMessage("BAD COMMAND").Validate())
	assert.Error(t, NewMessage("").Validate())
}

func TestValidMiddleParam(t *testing.T) {
	for _, p := range []string{"#chan", "nick", "a:b", "+o"} {
		assert.True(t, ValidMiddleParam(p), p)
	}
	for _, p := range []string{"", ":x", "a b", "a\rb", "a\nb", "a\x00b"} {
		assert.False(t, ValidMiddleParam(p), p)
	}
}
