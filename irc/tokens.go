package irc

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/rivo/uniseg"
)

// MaxLineLen is the maximum length of a message, tags excluded, including
// the trailing CRLF.
const MaxLineLen = 512

// maxTagsLen is the maximum length of the tags section of a message,
// including the leading '@' and the trailing space.
const maxTagsLen = 8191

// maxMiddleParams is the number of parameters a message can carry before
// the trailing one.
const maxMiddleParams = 14

// DecodeError is returned when a line cannot be parsed into a Message. The
// line is dropped; decoding of the stream goes on.
type DecodeError struct {
	Line   string
	Reason string
}

func (err *DecodeError) Error() string {
	return fmt.Sprintf("malformed line %q: %s", err.Line, err.Reason)
}

func parseTags(s string) (tags map[string]string) {
	s = s[1:]
	tags = map[string]string{}

	for _, item := range strings.Split(s, ";") {
		if item == "" || item == "=" || item == "+" || item == "+=" {
			continue
		}

		kv := strings.SplitN(item, "=", 2)
		if len(kv) < 2 {
			tags[kv[0]] = ""
		} else {
			tags[kv[0]] = unescapeTagValue(kv[1])
		}
	}

	return
}

var (
	tagsUnescaper = strings.NewReplacer(
		"\\\\", "\\",
		"\\:", ";",
		"\\s", " ",
		"\\r", "\r",
		"\\n", "\n",
	)
	tagsEscaper = strings.NewReplacer(
		"\\", "\\\\",
		";", "\\:",
		" ", "\\s",
		"\r", "\\r",
		"\n", "\\n",
	)
)

func unescapeTagValue(value string) string {
	value = tagsUnescaper.Replace(value)
	if strings.HasSuffix(value, "\\") {
		value = value[:len(value)-1]
	}
	return value
}

func escapeTagValue(value string) string {
	return tagsEscaper.Replace(value)
}

func formatTags(tags map[string]string) string {
	var sb strings.Builder
	first := true
	for k, v := range tags {
		if !first {
			sb.WriteByte(';')
		}
		first = false
		sb.WriteString(k)
		if v != "" {
			sb.WriteByte('=')
			sb.WriteString(escapeTagValue(v))
		}
	}
	return sb.String()
}

// Prefix is the source of a message: a server name, or nick!user@host.
type Prefix struct {
	Name string
	User string
	Host string
}

// ParsePrefix parses a "nick!user@host" combination (or a prefix) from the
// given string.
func ParsePrefix(s string) (p *Prefix) {
	if s == "" {
		return
	}

	p = &Prefix{}

	spl0 := strings.Split(s, "@")
	if 1 < len(spl0) {
		p.Host = spl0[1]
	}

	spl1 := strings.Split(spl0[0], "!")
	if 1 < len(spl1) {
		p.User = spl1[1]
	}

	p.Name = spl1[0]

	return
}

// Copy makes a copy of the prefix, but doesn't copy the internal strings.
func (p *Prefix) Copy() *Prefix {
	if p == nil {
		return nil
	}
	res := &Prefix{}
	*res = *p
	return res
}

// String returns the "nick!user@host" representation of the prefix.
func (p *Prefix) String() string {
	if p == nil {
		return ""
	}

	if p.User != "" && p.Host != "" {
		return p.Name + "!" + p.User + "@" + p.Host
	} else if p.User != "" {
		return p.Name + "!" + p.User
	} else if p.Host != "" {
		return p.Name + "@" + p.Host
	} else {
		return p.Name
	}
}

// Message is the representation of an IRC message.
//
// Params holds the middle parameters; the last parameter, when it was sent
// after a colon, is held by Trailing and flagged by HasTrailing.
type Message struct {
	Tags        map[string]string
	Prefix      *Prefix
	Command     string
	Params      []string
	Trailing    string
	HasTrailing bool
}

// NewMessage builds a message from its parameters. The last parameter is
// sent as the trailing one when it could not be sent otherwise.
func NewMessage(command string, params ...string) Message {
	msg := Message{Command: command}
	if len(params) == 0 {
		return msg
	}
	last := params[len(params)-1]
	if last == "" || last[0] == ':' || strings.ContainsRune(last, ' ') {
		msg.Params = params[:len(params)-1]
		msg.Trailing = last
		msg.HasTrailing = true
	} else {
		msg.Params = params
	}
	return msg
}

// WithTrailing sets the trailing parameter of the message and returns it.
func (msg Message) WithTrailing(trailing string) Message {
	msg.Trailing = trailing
	msg.HasTrailing = true
	return msg
}

// ParseMessage parses the message from the given string, which must be
// trimmed of "\r\n" beforehand.
func ParseMessage(line string) (msg Message, err error) {
	raw := line
	line = strings.TrimLeft(line, " ")
	if line == "" {
		err = &DecodeError{Line: raw, Reason: "empty message"}
		return
	}

	if line[0] == '@' {
		var tags string

		tags, line = word(line)
		msg.Tags = parseTags(tags)
	}

	line = strings.TrimLeft(line, " ")
	if line == "" {
		err = &DecodeError{Line: raw, Reason: "no command"}
		return
	}

	if line[0] == ':' {
		var prefix string

		prefix, line = word(line)
		msg.Prefix = ParsePrefix(prefix[1:])
	}

	line = strings.TrimLeft(line, " ")
	if line == "" {
		err = &DecodeError{Line: raw, Reason: "no command"}
		return
	}

	msg.Command, line = word(line)
	msg.Command = strings.ToUpper(msg.Command)
	if !isValidCommand(msg.Command) {
		err = &DecodeError{Line: raw, Reason: "invalid command"}
		return
	}

	for line != "" {
		line = strings.TrimLeft(line, " ")
		if line == "" {
			break
		}
		if line[0] == ':' || len(msg.Params) == maxMiddleParams {
			msg.Trailing = strings.TrimPrefix(line, ":")
			msg.HasTrailing = true
			break
		}

		var param string
		param, line = word(line)
		msg.Params = append(msg.Params, param)
	}

	return
}

func isValidCommand(command string) bool {
	if len(command) == 3 && isDigits(command) {
		return true
	}
	for _, r := range command {
		if r > unicode.MaxASCII || !unicode.IsLetter(r) {
			return false
		}
	}
	return command != ""
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || '9' < r {
			return false
		}
	}
	return true
}

func word(s string) (w, rest string) {
	split := strings.SplitN(s, " ", 2)

	if len(split) < 2 {
		rest = ""
	} else {
		rest = split[1]
	}

	w = split[0]

	return
}

// Args returns every parameter of the message, the trailing one included.
func (msg Message) Args() []string {
	if !msg.HasTrailing {
		return msg.Params
	}
	args := make([]string, 0, len(msg.Params)+1)
	args = append(args, msg.Params...)
	return append(args, msg.Trailing)
}

// IsReply reports whether the message command is a server reply.
func (msg Message) IsReply() bool {
	return len(msg.Command) == 3 && isDigits(msg.Command)
}

// WithTag sets a tag on the message and returns it.
func (msg Message) WithTag(key, value string) Message {
	if msg.Tags == nil {
		msg.Tags = map[string]string{}
	}
	msg.Tags[key] = value
	return msg
}

// String returns the wire representation of the message, without the
// trailing CRLF and without any length limit applied.
func (msg Message) String() string {
	var sb strings.Builder
	msg.writeTags(&sb)
	msg.writeBody(&sb)
	return sb.String()
}

func (msg Message) writeTags(sb *strings.Builder) {
	if len(msg.Tags) == 0 {
		return
	}
	sb.WriteRune('@')
	sb.WriteString(formatTags(msg.Tags))
	sb.WriteRune(' ')
}

func (msg Message) writeBody(sb *strings.Builder) {
	if msg.Prefix != nil {
		sb.WriteRune(':')
		sb.WriteString(msg.Prefix.String())
		sb.WriteRune(' ')
	}

	sb.WriteString(msg.Command)

	params := msg.Params
	trailing, hasTrailing := msg.Trailing, msg.HasTrailing
	if n := len(params); !hasTrailing && n > 0 && !ValidMiddleParam(params[n-1]) {
		params, trailing, hasTrailing = params[:n-1], params[n-1], true
	}
	for _, p := range params {
		sb.WriteRune(' ')
		sb.WriteString(paramReplacer.Replace(p))
	}
	if hasTrailing {
		sb.WriteString(" :")
		sb.WriteString(paramReplacer.Replace(trailing))
	}
}

// paramReplacer removes line breaks and NUL bytes from parameters, so that a
// message is always sent as a single line.
var paramReplacer = strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ", "\x00", "")

// ValidMiddleParam reports whether p can be sent as a middle parameter.
func ValidMiddleParam(p string) bool {
	return p != "" && p[0] != ':' && !strings.ContainsAny(p, " \r\n\x00")
}

// Validate checks that the message can be sent without changing its
// parameter list. The last parameter is moved to the trailing position when
// needed, so only the other ones must be valid middle parameters.
func (msg Message) Validate() error {
	if !isValidCommand(msg.Command) {
		return fmt.Errorf("invalid command %q", msg.Command)
	}
	params := msg.Params
	if !msg.HasTrailing && len(params) > 0 {
		params = params[:len(params)-1]
	}
	for _, p := range params {
		if !ValidMiddleParam(p) {
			return fmt.Errorf("%s: invalid parameter %q", msg.Command, p)
		}
	}
	return nil
}

// Encode serializes the message into a CRLF-terminated line. Line breaks in
// parameters are replaced by spaces. The part after the tags is capped at
// MaxLineLen bytes: an overlong message has its last parameter cut on a
// grapheme boundary and truncated is set.
func Encode(msg Message) (line []byte, truncated bool) {
	var tags, body strings.Builder
	msg.writeTags(&tags)
	msg.writeBody(&body)

	t := tags.String()
	if len(t) > maxTagsLen {
		// tags are best-effort metadata, drop them rather than the content
		t = ""
		truncated = true
	}

	b := body.String()
	if max := MaxLineLen - len("\r\n"); len(b) > max {
		b = truncateGraphemes(b, max)
		truncated = true
	}

	line = make([]byte, 0, len(t)+len(b)+2)
	line = append(line, t...)
	line = append(line, b...)
	line = append(line, '\r', '\n')
	return
}

// truncateGraphemes returns the longest prefix of s that fits in n bytes
// and does not split a grapheme cluster.
func truncateGraphemes(s string, n int) string {
	end := 0
	state := -1
	rest := s
	for len(rest) > 0 {
		var cluster string
		cluster, rest, _, state = uniseg.FirstGraphemeClusterInString(rest, state)
		if end+len(cluster) > n {
			break
		}
		end += len(cluster)
	}
	return s[:end]
}

// splitChunks splits s in chunks of at most chunkLen bytes, without
// splitting grapheme clusters.
func splitChunks(s string, chunkLen int) (chunks []string) {
	if chunkLen <= 0 || len(s) <= chunkLen {
		return []string{s}
	}

	b := 0
	n := 0
	state := -1
	rest := s
	for len(rest) > 0 {
		var cluster string
		cluster, rest, _, state = uniseg.FirstGraphemeClusterInString(rest, state)
		cw := len(cluster)
		if n+cw > chunkLen && n > 0 {
			chunks = append(chunks, s[b:b+n])
			b += n
			n = cw
			continue
		}
		n += cw
	}
	if b < len(s) {
		chunks = append(chunks, s[b:])
	}
	return
}

func (msg Message) errNotEnoughParams(expected int) error {
	return fmt.Errorf("expected at least %d params, got %d", expected, len(msg.Args()))
}

// ParseParams copies the message parameters into out. A nil pointer skips
// the corresponding parameter.
func (msg Message) ParseParams(out ...*string) error {
	args := msg.Args()
	if len(args) < len(out) {
		return msg.errNotEnoughParams(len(out))
	}
	for i := range out {
		if out[i] != nil {
			*out[i] = args[i]
		}
	}
	return nil
}

// Time returns the time of the message from the server-time tag.
func (msg Message) Time() (t time.Time, ok bool) {
	var tag string
	tag, ok = msg.Tags["time"]
	if !ok {
		return
	}
	return parseTimestamp(tag)
}

// TimeOrNow returns the server-time of the message, or the current time.
func (msg Message) TimeOrNow() time.Time {
	t, ok := msg.Time()
	if ok {
		return t
	}
	return time.Now()
}

func parseTimestamp(timestamp string) (time.Time, bool) {
	t, err := time.Parse("2006-01-02T15:04:05.000Z", timestamp)
	if err != nil {
		return time.Time{}, false
	}
	return t.Local(), true
}

// Cap is a capability token in "CAP" server responses.
type Cap struct {
	Name   string
	Value  string
	Enable bool
}

// ParseCaps parses the last argument (capability list) of "CAP LS/LIST/NEW/DEL"
// server responses.
func ParseCaps(caps string) (diff []Cap) {
	for _, c := range strings.Split(caps, " ") {
		if c == "" || c == "-" || c == "=" || c == "-=" {
			continue
		}

		var item Cap

		if strings.HasPrefix(c, "-") {
			item.Enable = false
			c = c[1:]
		} else {
			item.Enable = true
		}

		kv := strings.SplitN(c, "=", 2)
		item.Name = strings.ToLower(kv[0])
		if len(kv) > 1 {
			item.Value = kv[1]
		}

		diff = append(diff, item)
	}

	return
}

// CasemapASCII returns the ASCII casemapping of the name.
func CasemapASCII(name string) string {
	var sb strings.Builder
	sb.Grow(len(name))
	for _, r := range name {
		if 'A' <= r && r <= 'Z' {
			r += 'a' - 'A'
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// CasemapRFC1459 returns the RFC 1459 casemapping of the name.
func CasemapRFC1459(name string) string {
	var sb strings.Builder
	sb.Grow(len(name))
	for _, r := range name {
		if 'A' <= r && r <= 'Z' {
			r += 'a' - 'A'
		} else if r == '[' {
			r = '{'
		} else if r == ']' {
			r = '}'
		} else if r == '\\' {
			r = '|'
		} else if r == '~' {
			r = '^'
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
