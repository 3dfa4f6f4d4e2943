package ircore

import (
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/encoding"

	"git.sr.ht/~delthas/ircore/irc"
)

// transport is the part of *irc.Transport used by connections.
type transport interface {
	Open() error
	Write(msg irc.Message)
	Close()
	CancelPending()
}

type transportFactory func(params irc.TransportParams, sink func(irc.TransportEvent)) transport

func newIRCTransport(params irc.TransportParams, sink func(irc.TransportEvent)) transport {
	return irc.NewTransport(params, sink)
}

// stopper is a scheduled function that can be canceled, like *time.Timer.
type stopper interface {
	Stop() bool
}

type afterFunc func(d time.Duration, f func()) stopper

func timeAfterFunc(d time.Duration, f func()) stopper {
	return time.AfterFunc(d, f)
}

type channel struct {
	Name string
	Key  string
}

// Connection is the state of one server connection. Apart from its identity,
// it is only accessed from the event loop of its App.
type Connection struct {
	id    Identity
	uid   uuid.UUID
	creds Credentials
	enc   encoding.Encoding

	state      State
	lastAction Action
	lastErr    error

	delay    time.Duration // delay before the next reconnection
	timer    stopper       // pending reconnection, if any
	timerGen uuid.UUID     // tag of the pending reconnection

	// set if and only if state.hasSession()
	session   *irc.Session
	transport transport

	channels map[string]channel // casemapped name -> channel
	joinKeys map[string]string  // keys of requested joins, by casemapped name

	waiters []chan error // WaitRegistered callers
	freed   bool
}

func newConnection(id Identity, creds Credentials, step time.Duration) *Connection {
	if creds.Username == "" {
		creds.Username = creds.Nickname
	}
	if creds.Realname == "" {
		creds.Realname = creds.Nickname
	}
	return &Connection{
		id:       id,
		uid:      uuid.New(),
		creds:    creds,
		state:    Disconnected,
		delay:    step,
		channels: map[string]channel{},
		joinKeys: map[string]string{},
	}
}

func (c *Connection) Identity() Identity {
	return c.id
}

func (c *Connection) registered() bool {
	return c.state == Connected && c.session != nil && c.session.Registered()
}

func (c *Connection) casemap(name string) string {
	if c.session != nil {
		return c.session.Casemap(name)
	}
	return irc.CasemapRFC1459(name)
}

func (c *Connection) addChannel(name string) {
	cf := c.casemap(name)
	key := c.joinKeys[cf]
	delete(c.joinKeys, cf)
	c.channels[cf] = channel{Name: name, Key: key}
}

func (c *Connection) removeChannel(name string) {
	delete(c.channels, c.casemap(name))
}

func (c *Connection) hasChannel(name string) bool {
	_, ok := c.channels[c.casemap(name)]
	return ok
}

// notifyWaiters wakes the WaitRegistered callers up with err, nil meaning
// the connection registered.
func (c *Connection) notifyWaiters(err error) {
	for _, w := range c.waiters {
		w <- err
	}
	c.waiters = nil
}

func (c *Connection) removeWaiter(w chan error) {
	for i, ww := range c.waiters {
		if ww == w {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}
