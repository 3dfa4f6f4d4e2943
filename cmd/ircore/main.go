package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path"
	"strings"
	"sync"
	"syscall"

	"github.com/hlandau/xlog"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"git.sr.ht/~delthas/ircore"
	"git.sr.ht/~delthas/ircore/events"
	"git.sr.ht/~delthas/ircore/irc"
)

// client is the state of the line-oriented front-end.
type client struct {
	app          *ircore.App
	current      *ircore.Identity // server commands apply to
	defaultCreds ircore.Credentials
	exit         bool

	outMu sync.Mutex
	out   io.Writer
}

func (c *client) printf(format string, args ...interface{}) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintf(c.out, format+"\n", args...)
}

func main() {
	var configPath string
	var nickname string
	var debug bool
	var version bool
	flag.StringVar(&configPath, "config", "", "path to the configuration file")
	flag.StringVar(&nickname, "nickname", "", "nick name to use for /connect and links")
	flag.BoolVar(&debug, "debug", false, "show raw protocol data")
	flag.BoolVar(&version, "version", false, "show version info")
	flag.Parse()

	if version {
		fmt.Printf("ircore version %v\n", irc.ClientVersion)
		return
	}

	if configPath == "" {
		configDir, err := os.UserConfigDir()
		if err != nil {
			panic(err)
		}
		configPath = path.Join(configDir, "ircore", "ircore.scfg")
	}

	cfg, err := ircore.LoadConfigFile(configPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "failed to load the configuration file at %q: %s\n", configPath, err)
			os.Exit(1)
			return
		}
		cfg = ircore.FileConfig{
			Core: ircore.Defaults(),
		}
	}
	cfg.Core.Debug = cfg.Core.Debug || debug

	if cfg.Core.Debug {
		ircore.Log.SetSeverity(xlog.SevDebug)
		irc.Log.SetSeverity(xlog.SevDebug)
	}

	app, err := ircore.NewApp(cfg.Core)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to run: %s\n", err)
		os.Exit(1)
		return
	}

	c := &client{
		app: app,
		out: os.Stdout,
		defaultCreds: ircore.Credentials{
			Nickname: nickname,
		},
	}
	unsubscribe := app.Subscribe(events.HandlerFunc(c.handleEvent))
	defer unsubscribe()

	if cfg.MetricsListen != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cfg.MetricsListen, mux); err != nil {
				fmt.Fprintf(os.Stderr, "failed to serve metrics: %v\n", err)
			}
		}()
	}

	for _, srv := range cfg.Servers {
		if c.defaultCreds.Nickname == "" {
			c.defaultCreds.Nickname = srv.Credentials.Nickname
		}
		creds := srv.Credentials
		if nickname != "" {
			creds.Nickname = nickname
		}
		err := app.Connect(srv.Identity, creds, ircore.WithEncoding(srv.Encoding), ircore.WithChannels(srv.Channels...))
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to connect to %v: %v\n", srv.Identity, err)
			continue
		}
		if c.current == nil {
			id := srv.Identity
			c.current = &id
		}
	}

	if link := flag.Arg(0); link != "" {
		if err := commandDoOpen(c, []string{link}); err != nil {
			fmt.Fprintf(os.Stderr, "failed to open %q: %v\n", link, err)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

loop:
	for !c.exit {
		select {
		case <-sigCh:
			break loop
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			if err := c.handleInput(strings.TrimRight(line, "\r")); err != nil {
				c.printf("!! %v", err)
			}
		}
	}

	app.Close()
}

// handleEvent prints the events of the core as plain lines.
func (c *client) handleEvent(ev events.Event) {
	switch ev := ev.Content.(type) {
	case ircore.StateChanged:
		if ev.Old != ev.New {
			c.printf("-- %v: %v -> %v", ev.Identity, ev.Old, ev.New)
		}
	case ircore.TransportError:
		c.printf("!! %v: %v connection error: %v", ev.Identity, ev.Class, ev.Message)
	case ircore.RawLine:
		if ev.Outgoing {
			c.printf("OUT -- %v: %s", ev.Identity, ev.Line)
		} else {
			c.printf("IN -- %v: %s", ev.Identity, ev.Line)
		}
	case ircore.ProtocolEvent:
		c.printProtocolEvent(ev.Identity, ev.Payload)
	}
}

func (c *client) printProtocolEvent(id ircore.Identity, ev irc.Event) {
	switch ev := ev.(type) {
	case irc.RegisteredEvent:
		c.printf("-- %v: connected as %s", id, ev.Nick)
	case irc.MessageEvent:
		switch {
		case ev.Action:
			c.printf("%v %s * %s %s", id, ev.Target, nameOf(ev.User), ev.Content)
		case ev.Command == "NOTICE":
			c.printf("%v %s -%s- %s", id, ev.Target, nameOf(ev.User), ev.Content)
		default:
			c.printf("%v %s <%s> %s", id, ev.Target, nameOf(ev.User), ev.Content)
		}
	case irc.JoinEvent:
		c.printf("%v %s +%s", id, ev.Channel, nameOf(ev.User))
	case irc.PartEvent:
		c.printf("%v %s -%s (%s)", id, ev.Channel, nameOf(ev.User), ev.Reason)
	case irc.KickEvent:
		c.printf("%v %s %s kicked %s (%s)", id, ev.Channel, nameOf(ev.User), ev.Nick, ev.Reason)
	case irc.QuitEvent:
		c.printf("%v %s quit (%s)", id, nameOf(ev.User), ev.Reason)
	case irc.NickEvent:
		c.printf("%v %s is now known as %s", id, ev.FormerNick, ev.Nick)
	case irc.TopicEvent:
		c.printf("%v %s topic: %s", id, ev.Channel, ev.Topic)
	case irc.ModeEvent:
		c.printf("%v %s mode %s %s", id, ev.Target, ev.Mode, strings.Join(ev.Args, " "))
	case irc.InviteEvent:
		c.printf("%v %s invited %s to %s", id, ev.Inviter, ev.Invitee, ev.Channel)
	case irc.CTCPEvent:
		if ev.Response {
			c.printf("%v CTCP %s reply from %s: %s", id, ev.Command, nameOf(ev.User), ev.Arg)
		} else {
			c.printf("%v CTCP %s from %s", id, ev.Command, nameOf(ev.User))
		}
	case irc.ErrorEvent:
		c.printf("!! %v: %s", id, ev.Message)
	case irc.NumericEvent:
		if len(ev.Params) > 1 {
			c.printf("%v %s %s", id, ev.Code, strings.Join(ev.Params[1:], " "))
		}
	}
}

func nameOf(p *irc.Prefix) string {
	if p == nil {
		return "*"
	}
	return p.Name
}
