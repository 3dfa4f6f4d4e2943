package ircore

import (
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"git.sr.ht/~emersion/go-scfg"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
)

// Config holds the parameters of the connection core.
type Config struct {
	ReconnectStep     time.Duration // added to the reconnect delay after each failure
	MaxReconnectDelay time.Duration // 0 for no limit
	MaxConnections    int           // 0 for no limit

	SendRate  float64 // messages per second, 0 for no limit
	SendBurst int

	DialTimeout time.Duration
	KeepAlive   time.Duration
	MaxRTT      time.Duration

	Encoding encoding.Encoding // default charset of servers, nil for UTF-8

	Debug bool // emit RawLine events
}

func Defaults() Config {
	return Config{
		ReconnectStep:     5 * time.Second,
		MaxReconnectDelay: 0,
		MaxConnections:    64,
		SendRate:          2,
		SendBurst:         5,
		DialTimeout:       10 * time.Second,
		KeepAlive:         30 * time.Second,
		MaxRTT:            10 * time.Second,
		Encoding:          nil,
		Debug:             false,
	}
}

// LookupEncoding returns the charset of the given name, or nil for UTF-8.
func LookupEncoding(name string) (encoding.Encoding, error) {
	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, fmt.Errorf("unknown encoding %q", name)
	}
	if enc == unicode.UTF8 {
		return nil, nil
	}
	return enc, nil
}

// ServerConfig is a server to connect to on startup.
type ServerConfig struct {
	Identity    Identity
	Credentials Credentials
	Encoding    encoding.Encoding
	Channels    []string
}

// FileConfig is the configuration file of the ircore binary.
type FileConfig struct {
	Core          Config
	MetricsListen string
	Servers       []ServerConfig
}

func LoadConfigFile(filename string) (cfg FileConfig, err error) {
	cfg.Core = Defaults()

	err = unmarshal(filename, &cfg)
	if err != nil {
		return cfg, err
	}
	for i, srv := range cfg.Servers {
		if srv.Identity.Host == "" {
			return cfg, fmt.Errorf("server %d: address is required", i+1)
		}
		if srv.Credentials.Nickname == "" {
			return cfg, fmt.Errorf("server %v: nickname is required", srv.Identity)
		}
	}
	return
}

func unmarshal(filename string, cfg *FileConfig) (err error) {
	directives, err := scfg.Load(filename)
	if err != nil {
		return fmt.Errorf("error parsing scfg: %s", err)
	}

	for _, d := range directives {
		switch d.Name {
		case "reconnect-step":
			if cfg.Core.ReconnectStep, err = parseDuration(d); err != nil {
				return err
			}
			if cfg.Core.ReconnectStep <= 0 {
				return errors.New("reconnect-step must be positive")
			}
		case "max-reconnect-delay":
			if cfg.Core.MaxReconnectDelay, err = parseDuration(d); err != nil {
				return err
			}
		case "max-connections":
			var max string
			if err := d.ParseParams(&max); err != nil {
				return err
			}

			if cfg.Core.MaxConnections, err = strconv.Atoi(max); err != nil {
				return err
			}
		case "send-rate":
			var rate, burst string
			if err := d.ParseParams(&rate, &burst); err != nil {
				return err
			}

			if cfg.Core.SendRate, err = strconv.ParseFloat(rate, 64); err != nil {
				return err
			}
			if cfg.Core.SendBurst, err = strconv.Atoi(burst); err != nil {
				return err
			}
		case "encoding":
			var name string
			if err := d.ParseParams(&name); err != nil {
				return err
			}

			if cfg.Core.Encoding, err = LookupEncoding(name); err != nil {
				return err
			}
		case "metrics-listen":
			if err := d.ParseParams(&cfg.MetricsListen); err != nil {
				return err
			}
		case "debug":
			var debug string
			if err := d.ParseParams(&debug); err != nil {
				return err
			}

			if cfg.Core.Debug, err = strconv.ParseBool(debug); err != nil {
				return err
			}
		case "server":
			srv, err := unmarshalServer(d, cfg.Core.Encoding)
			if err != nil {
				return err
			}
			cfg.Servers = append(cfg.Servers, srv)
		default:
			return fmt.Errorf("unknown directive %q", d.Name)
		}
	}

	return
}

func unmarshalServer(d *scfg.Directive, enc encoding.Encoding) (srv ServerConfig, err error) {
	srv.Encoding = enc

	var addr string
	if len(d.Params) > 0 {
		addr = d.Params[0]
	}
	tls := ""
	for _, child := range d.Children {
		switch child.Name {
		case "address":
			if err := child.ParseParams(&addr); err != nil {
				return srv, err
			}
		case "nickname":
			if err := child.ParseParams(&srv.Credentials.Nickname); err != nil {
				return srv, err
			}
		case "username":
			if err := child.ParseParams(&srv.Credentials.Username); err != nil {
				return srv, err
			}
		case "realname":
			if err := child.ParseParams(&srv.Credentials.Realname); err != nil {
				return srv, err
			}
		case "password":
			// if a password-cmd is provided, don't use this value
			if d.Children.Get("password-cmd") != nil {
				continue
			}

			if err := child.ParseParams(&srv.Credentials.Password); err != nil {
				return srv, err
			}
		case "password-cmd":
			if srv.Credentials.Password, err = runPasswordCmd(child); err != nil {
				return srv, err
			}
		case "sasl-username":
			if err := child.ParseParams(&srv.Credentials.SASLUsername); err != nil {
				return srv, err
			}
		case "sasl-password":
			if err := child.ParseParams(&srv.Credentials.SASLPassword); err != nil {
				return srv, err
			}
		case "tls":
			if err := child.ParseParams(&tls); err != nil {
				return srv, err
			}
		case "encoding":
			var name string
			if err := child.ParseParams(&name); err != nil {
				return srv, err
			}

			if srv.Encoding, err = LookupEncoding(name); err != nil {
				return srv, err
			}
		case "channel", "channels":
			srv.Channels = append(srv.Channels, child.Params...)
		default:
			return srv, fmt.Errorf("unknown directive %q", child.Name)
		}
	}

	if addr == "" {
		return srv, errors.New("server: address is required")
	}
	if srv.Identity, err = ParseAddress(addr); err != nil {
		return srv, err
	}
	if tls != "" {
		if srv.Identity.TLS, err = strconv.ParseBool(tls); err != nil {
			return srv, err
		}
	}
	return srv, nil
}

func parseDuration(d *scfg.Directive) (time.Duration, error) {
	var s string
	if err := d.ParseParams(&s); err != nil {
		return 0, err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("directive %q: %v", d.Name, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("directive %q: negative duration", d.Name)
	}
	return v, nil
}

func runPasswordCmd(d *scfg.Directive) (string, error) {
	var cmdName string
	if err := d.ParseParams(&cmdName); err != nil {
		return "", err
	}

	cmd := exec.Command(cmdName, d.Params[1:]...)
	stdout, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("error running password command: %s", err)
	}

	password, _, _ := strings.Cut(string(stdout), "\n")
	return password, nil
}
