package irc

import (
	"strconv"
	"strings"
	"time"
)

const ctcpDelim = "\x01"

// ClientVersion is sent in reply to CTCP VERSION requests.
var ClientVersion = "ircore"

// ctcpCommands is the list of CTCP requests answered automatically.
var ctcpCommands = []string{"ACTION", "CLIENTINFO", "PING", "TIME", "VERSION"}

// parseCTCP extracts the command and argument from a CTCP-quoted message
// content. The closing delimiter is optional, as some clients omit it.
func parseCTCP(content string) (command, arg string, ok bool) {
	if !strings.HasPrefix(content, ctcpDelim) {
		return "", "", false
	}
	content = strings.TrimPrefix(content, ctcpDelim)
	content = strings.TrimSuffix(content, ctcpDelim)
	command, arg, _ = strings.Cut(content, " ")
	command = strings.ToUpper(command)
	if command == "" {
		return "", "", false
	}
	return command, arg, true
}

func formatCTCP(command, arg string) string {
	if arg == "" {
		return ctcpDelim + command + ctcpDelim
	}
	return ctcpDelim + command + " " + arg + ctcpDelim
}

// ctcpTimestamp returns the argument of a CTCP PING sent without one.
func ctcpTimestamp(now time.Time) string {
	return strconv.FormatInt(now.UnixMilli(), 10)
}

// ctcpReply returns the automatic reply to a CTCP request, if any.
func ctcpReply(command, arg string, now time.Time) (string, bool) {
	switch command {
	case "VERSION":
		return ClientVersion, true
	case "PING":
		return arg, true
	case "TIME":
		return now.Format(time.RFC1123Z), true
	case "CLIENTINFO":
		return strings.Join(ctcpCommands, " "), true
	}
	return "", false
}
