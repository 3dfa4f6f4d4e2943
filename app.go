package ircore

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/google/uuid"
	"github.com/hlandau/xlog"
	"golang.org/x/text/encoding"
	"golang.org/x/time/rate"

	"git.sr.ht/~delthas/ircore/events"
	"git.sr.ht/~delthas/ircore/irc"
)

var log, Log = xlog.New("ircore")

const eventChanSize = 1024

type event struct {
	src     *Connection // nil for requests
	content interface{}
}

// request is a function run on the event loop on behalf of a caller.
type request struct {
	f   func() error
	res chan error
}

type transportEvent struct {
	t  transport
	ev irc.TransportEvent
}

type timerFired struct {
	gen uuid.UUID
}

// ConnectOption customizes a connection created by App.Connect.
type ConnectOption func(conn *Connection)

// WithEncoding sets the charset of the server, nil meaning UTF-8.
func WithEncoding(enc encoding.Encoding) ConnectOption {
	return func(conn *Connection) {
		conn.enc = enc
	}
}

// WithChannels sets channels to join once registered.
func WithChannels(channels ...string) ConnectOption {
	return func(conn *Connection) {
		for _, name := range channels {
			conn.addChannel(name)
		}
	}
}

// App runs server connections. Connections are only mutated by the event
// loop of the App; its methods hand their work off to the loop and wait for
// the result.
type App struct {
	cfg        Config
	registry   *Registry
	dispatcher *events.Dispatcher

	// events MUST NOT be posted to directly; instead, use App.postEvent.
	events    chan event
	done      chan struct{} // closed when the event loop returns
	closeOnce sync.Once

	newTransport transportFactory
	afterFunc    afterFunc

	drained []chan struct{} // closed once the registry is empty
}

func NewApp(cfg Config) (*App, error) {
	if cfg.ReconnectStep <= 0 {
		return nil, errors.New("reconnect step must be positive")
	}
	if cfg.MaxConnections < 0 {
		return nil, errors.New("maximum number of connections must not be negative")
	}
	return newApp(cfg, newIRCTransport, timeAfterFunc), nil
}

func newApp(cfg Config, newTransport transportFactory, after afterFunc) *App {
	app := &App{
		cfg:          cfg,
		registry:     NewRegistry(cfg.MaxConnections),
		dispatcher:   events.NewDispatcher(),
		events:       make(chan event, eventChanSize),
		done:         make(chan struct{}),
		newTransport: newTransport,
		afterFunc:    after,
	}
	go app.eventLoop()
	return app
}

// Subscribe delivers the events of the App to h, in order, until the
// returned function is called or the App is closed.
func (app *App) Subscribe(h events.Handler) (unsubscribe func()) {
	return app.dispatcher.Subscribe(h)
}

// Registry returns the set of live connections.
func (app *App) Registry() *Registry {
	return app.registry
}

// Close quits every connection, waits a bit for the servers to get the QUIT
// messages, then stops the App.
func (app *App) Close() {
	app.closeOnce.Do(func() {
		drained := make(chan struct{})
		err := app.do(func() error {
			app.quitAll("")
			if app.registry.Len() == 0 {
				close(drained)
			} else {
				app.drained = append(app.drained, drained)
			}
			return nil
		})
		if err == nil {
			wait := app.cfg.MaxRTT
			if wait <= 0 {
				wait = 10 * time.Second
			}
			t := time.NewTimer(wait)
			select {
			case <-drained:
			case <-t.C:
			}
			t.Stop()
		}

		app.postEvent(event{}) // tell app.eventLoop to stop
		<-app.done

		// the loop is gone, connections left can be touched from here
		app.registry.ForEach(func(conn *Connection) {
			if conn.timer != nil {
				conn.timer.Stop()
			}
			if conn.transport != nil {
				conn.transport.CancelPending()
			}
			app.registry.Unregister(conn.id)
		})
		app.dispatcher.Close()
	})
}

func (app *App) eventLoop() {
	defer close(app.done)
	for {
		ev := <-app.events
		if !app.handleEvent(ev) {
			return
		}
	}
}

// postEvent queues an event for the loop, and reports whether it was queued.
func (app *App) postEvent(ev event) bool {
	select {
	case app.events <- ev:
		return true
	case <-app.done:
		return false
	}
}

// do runs f on the event loop and returns its result.
func (app *App) do(f func() error) error {
	res := make(chan error, 1)
	if !app.postEvent(event{content: &request{f: f, res: res}}) {
		return ErrClosed
	}
	select {
	case err := <-res:
		return err
	case <-app.done:
		select {
		case err := <-res:
			return err
		default:
			return ErrClosed
		}
	}
}

func (app *App) handleEvent(ev event) bool {
	switch content := ev.content.(type) {
	case nil:
		return false
	case *request:
		content.res <- content.f()
	case transportEvent:
		app.handleTransportEvent(ev.src, content.t, content.ev)
	case timerFired:
		app.handleTimer(ev.src, content.gen)
	}
	return true
}

func (app *App) emit(conn *Connection, content interface{}) {
	app.publish(conn.id, content)
}

func (app *App) publish(id Identity, content interface{}) {
	app.dispatcher.Publish(events.Event{
		Src:     id.String(),
		Content: content,
	})
}

func (app *App) connection(id Identity) (*Connection, error) {
	conn, ok := app.registry.Lookup(id)
	if !ok {
		return nil, ErrNoSuchConnection
	}
	return conn, nil
}

// apply runs the action through the transition table of conn.
func (app *App) apply(conn *Connection, action Action) error {
	prev := conn.state
	t, err := lookupTransition(conn.id, prev, action)
	if err != nil {
		log.Warnf("%v: rejected %v while %v: %v", conn.id, action, prev, err.(*UsageError).Message)
		rejectedActionsTotal.WithLabelValues(prev.String(), action.String()).Inc()
		app.emit(conn, ActionRejected{
			Identity: conn.id,
			Command:  action.String(),
			Message:  err.Error(),
		})
		return err
	}

	conn.state = t.next
	conn.lastAction = action
	log.Infof("%v: %v --%v--> %v", conn.id, prev, action, t.next)
	transitionsTotal.WithLabelValues(prev.String(), action.String(), t.next.String()).Inc()
	app.emit(conn, StateChanged{
		Identity: conn.id,
		Old:      prev,
		New:      t.next,
		Action:   action,
	})

	for _, e := range t.effects {
		app.runEffect(conn, e)
	}

	if !t.next.hasSession() {
		app.releaseSession(conn)
		switch {
		case conn.lastErr != nil:
			conn.notifyWaiters(conn.lastErr)
		case conn.freed:
			conn.notifyWaiters(ErrClosed)
		default:
			conn.notifyWaiters(ErrDisconnected)
		}
	}
	return nil
}

func (app *App) runEffect(conn *Connection, e effect) {
	switch e {
	case effectOpen:
		app.openSession(conn)
	case effectStartTimer:
		app.startTimer(conn)
	case effectResetBackoff:
		conn.delay = app.cfg.ReconnectStep
	case effectCancelTransport, effectForceCancel:
		if conn.transport != nil {
			conn.transport.CancelPending()
		}
	case effectCloseTransport:
		if conn.transport != nil {
			conn.transport.Close()
		}
	case effectCancelTimer:
		app.cancelTimer(conn)
	case effectFree:
		app.free(conn)
	}
}

func (app *App) openSession(conn *Connection) {
	app.cancelTimer(conn)
	conn.lastErr = nil

	params := irc.TransportParams{
		Host:        conn.id.Host,
		Port:        conn.id.Port,
		TLS:         conn.id.TLS,
		DialTimeout: app.cfg.DialTimeout,
		KeepAlive:   app.cfg.KeepAlive,
		MaxRTT:      app.cfg.MaxRTT,
		SendRate:    rate.Limit(app.cfg.SendRate),
		SendBurst:   app.cfg.SendBurst,
		Encoding:    conn.enc,
		Debug:       app.cfg.Debug,
	}
	var t transport
	t = app.newTransport(params, func(ev irc.TransportEvent) {
		app.postEvent(event{
			src:     conn,
			content: transportEvent{t: t, ev: ev},
		})
	})

	var auth sasl.Client
	if conn.creds.SASLUsername != "" {
		auth = sasl.NewPlainClient("", conn.creds.SASLUsername, conn.creds.SASLPassword)
	}
	conn.session = irc.NewSession(t, irc.SessionParams{
		Nickname: conn.creds.Nickname,
		Username: conn.creds.Username,
		RealName: conn.creds.Realname,
		Password: conn.creds.Password,
		Auth:     auth,
	})
	conn.transport = t

	log.Debugf("%v: connecting (connection %v)", conn.id, conn.uid)
	if err := t.Open(); err != nil {
		log.Errorf("%v: %v", conn.id, err)
	}
}

func (app *App) releaseSession(conn *Connection) {
	if conn.session != nil {
		conn.session.Close()
	}
	if conn.transport != nil {
		conn.transport.CancelPending()
	}
	conn.session = nil
	conn.transport = nil
}

func (app *App) startTimer(conn *Connection) {
	gen := uuid.New()
	conn.timerGen = gen
	conn.timer = app.afterFunc(conn.delay, func() {
		app.postEvent(event{
			src:     conn,
			content: timerFired{gen: gen},
		})
	})
	log.Infof("%v: reconnecting in %v", conn.id, conn.delay)
}

func (app *App) cancelTimer(conn *Connection) {
	if conn.timer != nil {
		conn.timer.Stop()
	}
	conn.timer = nil
	conn.timerGen = uuid.Nil
}

func (app *App) handleTimer(conn *Connection, gen uuid.UUID) {
	if conn.freed || conn.state != Reconnecting || gen != conn.timerGen {
		// canceled after it fired
		log.Debugf("%v: ignoring stale reconnection timer", conn.id)
		return
	}
	conn.timer = nil
	conn.timerGen = uuid.Nil

	conn.delay += app.cfg.ReconnectStep
	if max := app.cfg.MaxReconnectDelay; max > 0 && conn.delay > max {
		conn.delay = max
	}
	app.apply(conn, ActionConnect)
}

func (app *App) free(conn *Connection) {
	app.cancelTimer(conn)
	conn.freed = true
	conn.channels = map[string]channel{}
	app.registry.Unregister(conn.id)
	log.Infof("%v: connection released", conn.id)

	if app.registry.Len() == 0 {
		for _, drained := range app.drained {
			close(drained)
		}
		app.drained = nil
	}
}

func (app *App) handleTransportEvent(conn *Connection, t transport, ev irc.TransportEvent) {
	if conn.freed || t != conn.transport {
		// event of a transport the connection dropped
		return
	}

	switch ev := ev.(type) {
	case irc.TransportConnected:
		if conn.state != Connecting {
			// being canceled, a terminal event follows
			return
		}
		conn.session.Register()
		app.apply(conn, ActionConnectFinish)
	case irc.TransportConnectFailed:
		app.handleTransportEnd(conn, ev.Err, ActionConnectFail)
	case irc.TransportClosed:
		app.handleTransportEnd(conn, ev.Err, ActionDisconnectFinish)
	case irc.TransportMessage:
		app.handleMessage(conn, ev.Message)
	case irc.TransportDecodeError:
		decodeErrorsTotal.Inc()
		log.Debugf("%v: dropped line: %v", conn.id, ev.Err)
	case irc.TransportStalled:
		if conn.state == Connected {
			log.Infof("%v: ping timeout", conn.id)
			app.apply(conn, ActionReconnect)
		}
	case irc.TransportTruncated:
		truncatedLinesTotal.Inc()
	case irc.TransportDropped:
		droppedLinesTotal.Inc()
		log.Warnf("%v: dropped outgoing message: %v", conn.id, ev.Err)
	case irc.TransportRawLine:
		app.emit(conn, RawLine{
			Identity: conn.id,
			Line:     ev.Line,
			Outgoing: ev.Outgoing,
		})
	}
}

// handleTransportEnd applies the terminal action of a transport. A fatal
// error quits the connection first, so that it is released instead of
// retried.
func (app *App) handleTransportEnd(conn *Connection, err error, action Action) {
	if err != nil {
		class, cerr := classify(conn.id, err)
		conn.lastErr = cerr
		transportErrorsTotal.WithLabelValues(class.String(), errorOp(err)).Inc()
		log.Warnf("%v: %v error: %v", conn.id, class, err)
		app.emit(conn, TransportError{
			Identity: conn.id,
			Class:    class,
			Message:  cerr.Error(),
			Err:      cerr,
		})
		if class == Fatal && (conn.state == Connecting || conn.state == Connected) {
			app.apply(conn, ActionQuit)
		}
	}
	app.apply(conn, action)
}

func (app *App) handleMessage(conn *Connection, msg irc.Message) {
	if conn.session == nil {
		return
	}
	ev, err := conn.session.HandleMessage(msg)
	if err != nil {
		log.Debugf("%v: %v: %v", conn.id, msg.Command, err)
		return
	}
	if ev == nil {
		return
	}

	switch ev := ev.(type) {
	case irc.RegisteredEvent:
		log.Infof("%v: registered as %s", conn.id, ev.Nick)
		conn.notifyWaiters(nil)
		app.rejoin(conn)
	case irc.JoinEvent:
		if ev.Self {
			conn.addChannel(ev.Channel)
		}
	case irc.PartEvent:
		if ev.Self {
			conn.removeChannel(ev.Channel)
		}
	case irc.KickEvent:
		if ev.Self {
			conn.removeChannel(ev.Channel)
		}
	case irc.ErrorEvent:
		log.Infof("%v: server error: %s", conn.id, ev.Message)
	}

	app.emit(conn, ProtocolEvent{
		Identity: conn.id,
		Kind:     ev.Kind(),
		Payload:  ev,
	})
}

// rejoin joins again the channels of conn, after a reconnection or for the
// channels set at creation.
func (app *App) rejoin(conn *Connection) {
	channels := make([]channel, 0, len(conn.channels))
	for _, ch := range conn.channels {
		channels = append(channels, ch)
	}
	sort.Slice(channels, func(i, j int) bool {
		return channels[i].Name < channels[j].Name
	})
	for _, ch := range channels {
		conn.session.Join(ch.Name, ch.Key)
	}
}
