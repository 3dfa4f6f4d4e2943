package ircore

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

const (
	defaultPort    = 6667
	defaultTLSPort = 6697
)

// Identity names one server connection. It is comparable and used as a map
// key; at most one Connection exists per Identity.
type Identity struct {
	Host string
	Port int
	TLS  bool
}

// String returns "host:port", with a "+" before the port of TLS servers.
func (id Identity) String() string {
	port := strconv.Itoa(id.Port)
	if id.TLS {
		port = "+" + port
	}
	return net.JoinHostPort(id.Host, port)
}

// Credentials holds what is needed to register to a server.
type Credentials struct {
	Nickname string
	Username string // defaults to Nickname
	Realname string // defaults to Nickname
	Password string // server password, sent with PASS

	SASLUsername string // SASL PLAIN is used when set
	SASLPassword string
}

// ParseAddress parses a server address such as "irc.libera.chat",
// "irc.libera.chat:+6697" or "irc+insecure://irc.example.org:6667".
//
// Addresses without scheme use TLS, unless their port is not prefixed by "+"
// and is the plain-text port 6667.
func ParseAddress(addr string) (Identity, error) {
	var id Identity
	var scheme string
	if i := strings.Index(addr, "://"); i >= 0 {
		scheme, addr = strings.ToLower(addr[:i]), addr[i+len("://"):]
	}
	switch scheme {
	case "":
		id.TLS = true
	case "ircs":
		id.TLS = true
	case "irc", "irc+insecure":
	default:
		return id, fmt.Errorf("unsupported scheme %q", scheme)
	}
	addr = strings.TrimSuffix(addr, "/")

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		// no port
		host = strings.Trim(addr, "[]")
		port = ""
	}
	if host == "" {
		return id, fmt.Errorf("missing host in address %q", addr)
	}
	id.Host = host

	switch {
	case port == "" && id.TLS:
		id.Port = defaultTLSPort
	case port == "":
		id.Port = defaultPort
	default:
		explicitTLS := strings.HasPrefix(port, "+")
		p, err := strconv.Atoi(strings.TrimPrefix(port, "+"))
		if err != nil || p <= 0 || p > 65535 {
			return id, fmt.Errorf("invalid port %q", port)
		}
		id.Port = p
		if explicitTLS {
			id.TLS = true
		} else if scheme == "" && p == defaultPort {
			id.TLS = false
		}
	}
	return id, nil
}

// URL is a parsed irc:// or ircs:// link.
type URL struct {
	Identity Identity
	Nickname string
	Password string
	Channels []string
}

// ParseURL parses an irc:// or ircs:// link. The user info holds the
// nickname and the server password; the path and the fragment hold
// comma-separated channels, to which "#" is prepended when they lack a
// channel prefix.
func ParseURL(raw string) (*URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %q as a URL: %v", raw, err)
	}

	var id Identity
	switch strings.ToLower(u.Scheme) {
	case "irc":
		id.Port = defaultPort
	case "ircs":
		id.TLS = true
		id.Port = defaultTLSPort
	default:
		return nil, fmt.Errorf("unsupported protocol: %s", u.Scheme)
	}
	id.Host = u.Hostname()
	if id.Host == "" {
		return nil, fmt.Errorf("host is empty in URL %q", raw)
	}
	if port := u.Port(); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil || p <= 0 || p > 65535 {
			return nil, fmt.Errorf("invalid port %q", port)
		}
		id.Port = p
	}

	res := &URL{Identity: id}
	if u.User != nil {
		res.Nickname = u.User.Username()
		res.Password, _ = u.User.Password()
	}

	path := strings.TrimPrefix(u.Path, "/")
	for _, part := range []string{path, u.Fragment} {
		for _, channel := range strings.Split(part, ",") {
			if channel == "" {
				continue
			}
			if !strings.ContainsAny(channel[:1], "#&") {
				channel = "#" + channel
			}
			res.Channels = append(res.Channels, channel)
		}
	}
	return res, nil
}
