package ircore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"git.sr.ht/~delthas/ircore/irc"
)

// Connect creates the connection of id if needed, and starts connecting.
// Credentials and options are only used when the connection is disconnected.
func (app *App) Connect(id Identity, creds Credentials, opts ...ConnectOption) error {
	return app.do(func() error {
		return app.connect(id, creds, opts...)
	})
}

func (app *App) connect(id Identity, creds Credentials, opts ...ConnectOption) error {
	conn, ok := app.registry.Lookup(id)
	if !ok {
		if creds.Nickname == "" {
			return app.rejectIdentity(id, Disconnected, "connect", "nickname is required")
		}
		conn = newConnection(id, creds, app.cfg.ReconnectStep)
		conn.enc = app.cfg.Encoding
		for _, opt := range opts {
			opt(conn)
		}
		if err := app.registry.Register(conn); err != nil {
			return err
		}
	} else if conn.state == Disconnected {
		if creds.Nickname != "" {
			fresh := newConnection(id, creds, app.cfg.ReconnectStep)
			conn.creds = fresh.creds
		}
		for _, opt := range opts {
			opt(conn)
		}
	}
	return app.apply(conn, ActionConnect)
}

// Disconnect closes the connection of id, which stays registered and can be
// connected again.
func (app *App) Disconnect(id Identity) error {
	return app.do(func() error {
		conn, err := app.connection(id)
		if err != nil {
			return err
		}
		return app.apply(conn, ActionDisconnect)
	})
}

// Quit sends QUIT if registered, closes the connection of id and releases
// it.
func (app *App) Quit(id Identity, reason string) error {
	return app.do(func() error {
		conn, err := app.connection(id)
		if err != nil {
			return err
		}
		return app.quit(conn, reason)
	})
}

func (app *App) quit(conn *Connection, reason string) error {
	if conn.state == Connected && conn.session != nil {
		conn.session.Quit(reason)
	}
	return app.apply(conn, ActionQuit)
}

// QuitAll quits every connection.
func (app *App) QuitAll(reason string) error {
	return app.do(func() error {
		app.quitAll(reason)
		return nil
	})
}

func (app *App) quitAll(reason string) {
	app.registry.ForEach(func(conn *Connection) {
		app.quit(conn, reason)
	})
}

// State returns the state of the connection of id.
func (app *App) State(id Identity) (State, error) {
	var state State
	err := app.do(func() error {
		conn, err := app.connection(id)
		if err != nil {
			return err
		}
		state = conn.state
		return nil
	})
	return state, err
}

// Identities returns the identities of the live connections, sorted.
func (app *App) Identities() []Identity {
	var ids []Identity
	app.registry.ForEach(func(conn *Connection) {
		ids = append(ids, conn.id)
	})
	sort.Slice(ids, func(i, j int) bool {
		return ids[i].String() < ids[j].String()
	})
	return ids
}

// AddChannel marks channel as joined on the connection of id.
func (app *App) AddChannel(id Identity, channel string) error {
	return app.do(func() error {
		conn, err := app.connection(id)
		if err != nil {
			return err
		}
		conn.addChannel(channel)
		return nil
	})
}

// RemoveChannel marks channel as not joined on the connection of id.
func (app *App) RemoveChannel(id Identity, channel string) error {
	return app.do(func() error {
		conn, err := app.connection(id)
		if err != nil {
			return err
		}
		conn.removeChannel(channel)
		return nil
	})
}

// Channels returns the sorted channels joined on the connection of id.
func (app *App) Channels(id Identity) ([]string, error) {
	var channels []string
	err := app.do(func() error {
		conn, err := app.connection(id)
		if err != nil {
			return err
		}
		for _, ch := range conn.channels {
			channels = append(channels, ch.Name)
		}
		return nil
	})
	sort.Strings(channels)
	return channels, err
}

// reject reports a command that cannot run in the current state.
func (app *App) reject(conn *Connection, command, message string) error {
	return app.rejectIdentity(conn.id, conn.state, command, message)
}

func (app *App) rejectIdentity(id Identity, state State, command, message string) error {
	err := &UsageError{
		Identity: id,
		State:    state,
		Command:  command,
		Message:  message,
	}
	log.Warnf("%v: rejected %s: %s", id, command, message)
	app.publish(id, ActionRejected{
		Identity: id,
		Command:  command,
		Message:  err.Error(),
	})
	return err
}

// checkParams rejects the command if one of params, such as a nickname or a
// channel, would not be sent as a single parameter.
func (app *App) checkParams(conn *Connection, command string, params ...string) error {
	for _, p := range params {
		if !irc.ValidMiddleParam(p) {
			return app.reject(conn, command, fmt.Sprintf("invalid parameter %q", p))
		}
	}
	return nil
}

// withSession runs f with the session of id, once registered.
func (app *App) withSession(id Identity, command string, f func(conn *Connection, s *irc.Session) error) error {
	return app.do(func() error {
		conn, err := app.connection(id)
		if err != nil {
			return err
		}
		if !conn.registered() {
			return app.reject(conn, command, "not connected")
		}
		return f(conn, conn.session)
	})
}

func (app *App) Join(id Identity, channel, key string) error {
	return app.withSession(id, "join", func(conn *Connection, s *irc.Session) error {
		if err := app.checkParams(conn, "join", channel); err != nil {
			return err
		}
		if conn.hasChannel(channel) {
			return app.reject(conn, "join", "already joined "+channel)
		}
		if key != "" {
			if err := app.checkParams(conn, "join", key); err != nil {
				return err
			}
			conn.joinKeys[conn.casemap(channel)] = key
		}
		s.Join(channel, key)
		return nil
	})
}

func (app *App) Part(id Identity, channel, reason string) error {
	return app.withSession(id, "part", func(conn *Connection, s *irc.Session) error {
		if err := app.checkParams(conn, "part", channel); err != nil {
			return err
		}
		if !conn.hasChannel(channel) {
			return app.reject(conn, "part", "not joined "+channel)
		}
		s.Part(channel, reason)
		return nil
	})
}

func (app *App) Message(id Identity, target, text string) error {
	return app.withSession(id, "message", func(conn *Connection, s *irc.Session) error {
		if err := app.checkParams(conn, "message", target); err != nil {
			return err
		}
		if text == "" {
			return app.reject(conn, "message", "empty message")
		}
		s.PrivMsg(target, text)
		return nil
	})
}

func (app *App) Notice(id Identity, target, text string) error {
	return app.withSession(id, "notice", func(conn *Connection, s *irc.Session) error {
		if err := app.checkParams(conn, "notice", target); err != nil {
			return err
		}
		if text == "" {
			return app.reject(conn, "notice", "empty message")
		}
		s.Notice(target, text)
		return nil
	})
}

func (app *App) Action(id Identity, target, text string) error {
	return app.withSession(id, "action", func(conn *Connection, s *irc.Session) error {
		if err := app.checkParams(conn, "action", target); err != nil {
			return err
		}
		s.Action(target, text)
		return nil
	})
}

// Nick changes the nickname; unlike other commands it is allowed during
// registration.
func (app *App) Nick(id Identity, nick string) error {
	return app.do(func() error {
		conn, err := app.connection(id)
		if err != nil {
			return err
		}
		if conn.state != Connected || conn.session == nil {
			return app.reject(conn, "nick", "not connected")
		}
		if err := app.checkParams(conn, "nick", nick); err != nil {
			return err
		}
		conn.session.ChangeNick(nick)
		return nil
	})
}

func (app *App) Mode(id Identity, target, modes string) error {
	return app.withSession(id, "mode", func(conn *Connection, s *irc.Session) error {
		if err := app.checkParams(conn, "mode", target); err != nil {
			return err
		}
		s.ChangeMode(target, modes)
		return nil
	})
}

func (app *App) Whois(id Identity, nick string) error {
	return app.withSession(id, "whois", func(conn *Connection, s *irc.Session) error {
		if err := app.checkParams(conn, "whois", nick); err != nil {
			return err
		}
		s.Whois(nick)
		return nil
	})
}

func (app *App) Invite(id Identity, nick, channel string) error {
	return app.withSession(id, "invite", func(conn *Connection, s *irc.Session) error {
		if err := app.checkParams(conn, "invite", nick, channel); err != nil {
			return err
		}
		s.Invite(nick, channel)
		return nil
	})
}

func (app *App) Kick(id Identity, nick, channel, reason string) error {
	return app.withSession(id, "kick", func(conn *Connection, s *irc.Session) error {
		if err := app.checkParams(conn, "kick", nick, channel); err != nil {
			return err
		}
		s.Kick(nick, channel, reason)
		return nil
	})
}

// Topic sets the topic of channel if set is true, and asks for it
// otherwise.
func (app *App) Topic(id Identity, channel, topic string, set bool) error {
	return app.withSession(id, "topic", func(conn *Connection, s *irc.Session) error {
		if err := app.checkParams(conn, "topic", channel); err != nil {
			return err
		}
		if set {
			s.ChangeTopic(channel, topic)
		} else {
			s.RequestTopic(channel)
		}
		return nil
	})
}

func (app *App) CTCPRequest(id Identity, nick, command, arg string) error {
	return app.withSession(id, "ctcp", func(conn *Connection, s *irc.Session) error {
		if err := app.checkParams(conn, "ctcp", nick); err != nil {
			return err
		}
		if command == "" {
			return app.reject(conn, "ctcp", "missing CTCP command")
		}
		s.CTCPRequest(nick, command, arg)
		return nil
	})
}

// Raw sends a raw line to the server.
func (app *App) Raw(id Identity, line string) error {
	return app.withSession(id, "quote", func(conn *Connection, s *irc.Session) error {
		return s.SendRaw(line)
	})
}

// WaitRegistered waits until the connection of id is registered, for at most
// timeout. It fails early if the connection attempt fails or the connection
// is closed. On timeout, the connection is retried as if the attempt had
// failed.
func (app *App) WaitRegistered(ctx context.Context, id Identity, timeout time.Duration) error {
	w := make(chan error, 1)
	err := app.do(func() error {
		conn, err := app.connection(id)
		if err != nil {
			return err
		}
		if conn.registered() {
			w <- nil
			return nil
		}
		switch conn.state {
		case Connecting, Connected:
			conn.waiters = append(conn.waiters, w)
			return nil
		}
		return app.reject(conn, "wait", "not connecting")
	})
	if err != nil {
		return err
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case err := <-w:
		return err
	case <-app.done:
		return ErrClosed
	case <-ctx.Done():
		app.dropWaiter(id, w, false)
	case <-t.C:
		app.dropWaiter(id, w, true)
	}

	select {
	case err := <-w:
		// raced with the wake up
		return err
	default:
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return ErrRegistrationTimeout
}

// dropWaiter stops waiting for registration, and if expired, gives up the
// current connection attempt.
func (app *App) dropWaiter(id Identity, w chan error, expired bool) {
	app.do(func() error {
		conn, ok := app.registry.Lookup(id)
		if !ok {
			return nil
		}
		conn.removeWaiter(w)
		if !expired || conn.registered() {
			return nil
		}
		switch conn.state {
		case Connected:
			log.Infof("%v: registration timed out", conn.id)
			return app.apply(conn, ActionReconnect)
		case Connecting:
			log.Infof("%v: connection timed out", conn.id)
			conn.transport.CancelPending()
		}
		return nil
	})
}

// OpenURL connects to the server of an irc:// or ircs:// link if needed,
// waits for registration for at most timeout, then joins the channels of
// the link. Nickname and password found in the link override creds.
func (app *App) OpenURL(ctx context.Context, rawURL string, creds Credentials, timeout time.Duration) (*URL, error) {
	u, err := ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	if u.Nickname != "" {
		creds.Nickname = u.Nickname
	}
	if u.Password != "" {
		creds.Password = u.Password
	}
	id := u.Identity

	err = app.do(func() error {
		conn, ok := app.registry.Lookup(id)
		if ok && conn.state != Disconnected && conn.state != Reconnecting {
			return nil
		}
		return app.connect(id, creds)
	})
	if err != nil {
		return u, err
	}

	if err := app.WaitRegistered(ctx, id, timeout); err != nil {
		return u, fmt.Errorf("failed to register on server %v: %w", id, err)
	}

	for _, channel := range u.Channels {
		err := app.Join(id, channel, "")
		var usageErr *UsageError
		if errors.As(err, &usageErr) && strings.HasPrefix(usageErr.Message, "already joined") {
			continue
		} else if err != nil {
			return u, err
		}
	}
	return u, nil
}
