package irc

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/hlandau/xlog"
	"golang.org/x/net/proxy"
	"golang.org/x/text/encoding"
	"golang.org/x/text/transform"
	"golang.org/x/time/rate"
)

var log, Log = xlog.NewQuiet("ircore.irc")

// Op names the step of a transport at which an error happened.
type Op int

const (
	OpResolve  Op = iota // host name resolution
	OpSocket             // socket creation
	OpResource           // out of memory or buffers
	OpConnect            // TCP connection establishment
	OpTLS                // TLS handshake or certificate verification
	OpRead
	OpWrite
	OpTimeout
	OpClosed // closed by the peer
)

var opNames = [...]string{
	OpResolve:  "resolve",
	OpSocket:   "socket",
	OpResource: "resource",
	OpConnect:  "connect",
	OpTLS:      "tls",
	OpRead:     "read",
	OpWrite:    "write",
	OpTimeout:  "timeout",
	OpClosed:   "closed",
}

func (op Op) String() string {
	if op < 0 || int(op) >= len(opNames) {
		return "unknown"
	}
	return opNames[op]
}

// NetError is the error type of every failure reported by a Transport.
type NetError struct {
	Op  Op
	Err error
}

func (err *NetError) Error() string {
	return fmt.Sprintf("%v: %v", err.Op, err.Err)
}

func (err *NetError) Unwrap() error {
	return err.Err
}

// errnoOps maps socket-level errno values to the failing step.
var errnoOps = map[syscall.Errno]Op{
	syscall.ENOMEM:          OpResource,
	syscall.ENOBUFS:         OpResource,
	syscall.EMFILE:          OpSocket,
	syscall.ENFILE:          OpSocket,
	syscall.EAFNOSUPPORT:    OpSocket,
	syscall.EPROTONOSUPPORT: OpSocket,
}

func dialError(err error) *NetError {
	var dnsErr *net.DNSError
	var errno syscall.Errno
	op := OpConnect
	if errors.As(err, &dnsErr) {
		op = OpResolve
	} else if errors.As(err, &errno) {
		if o, ok := errnoOps[errno]; ok {
			op = o
		}
	} else if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		op = OpTimeout
	}
	return &NetError{Op: op, Err: err}
}

// handshakeError classifies a TLS handshake failure. The TCP connection was
// established, so anything but a cancellation, a timeout or the connection
// dropping is a TLS failure: local verification errors and alerts sent by the
// server alike.
func handshakeError(err error) *NetError {
	op := OpTLS
	switch {
	case errors.Is(err, context.Canceled):
		op = OpConnect
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		op = OpTimeout
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		op = OpConnect
	}
	return &NetError{Op: op, Err: err}
}

func ioError(op Op, err error) *NetError {
	switch {
	case errors.Is(err, os.ErrDeadlineExceeded):
		op = OpTimeout
	case errors.Is(err, io.EOF), errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		op = OpClosed
	}
	return &NetError{Op: op, Err: err}
}

// TransportState is the lifecycle state of a Transport.
type TransportState int32

const (
	TransportStateIdle TransportState = iota
	TransportStateConnecting
	TransportStateOpen
	TransportStateClosed
)

// TransportEvent is reported by a Transport to its sink.
type TransportEvent interface {
	isTransportEvent()
}

type (
	// TransportConnected is sent once the connection (and TLS handshake)
	// is established.
	TransportConnected struct{}
	// TransportConnectFailed ends an Open that never connected. Err is nil
	// when the attempt was canceled locally.
	TransportConnectFailed struct {
		Err error
	}
	// TransportClosed ends an Open that connected. Err is nil when the
	// transport was closed locally.
	TransportClosed struct {
		Err error
	}
	TransportMessage struct {
		Message Message
	}
	TransportDecodeError struct {
		Err error
	}
	// TransportStalled is sent when nothing was received for longer than
	// the keep-alive period plus the maximum round-trip time.
	TransportStalled struct{}
	// TransportTruncated is sent when an outgoing message exceeded the
	// line length limit and was cut.
	TransportTruncated struct {
		Message Message
	}
	// TransportDropped is sent when an outgoing message could not be sent
	// without changing its parameters, and was dropped.
	TransportDropped struct {
		Message Message
		Err     error
	}
	// TransportRawLine mirrors every line read or written, in debug mode.
	TransportRawLine struct {
		Line     string
		Outgoing bool
	}
)

func (TransportConnected) isTransportEvent()     {}
func (TransportConnectFailed) isTransportEvent() {}
func (TransportClosed) isTransportEvent()        {}
func (TransportMessage) isTransportEvent()       {}
func (TransportDecodeError) isTransportEvent()   {}
func (TransportStalled) isTransportEvent()       {}
func (TransportTruncated) isTransportEvent()     {}
func (TransportDropped) isTransportEvent()       {}
func (TransportRawLine) isTransportEvent()       {}

// TransportParams defines how to reach an IRC server.
type TransportParams struct {
	Host string
	Port int
	TLS  bool

	TLSConfig   *tls.Config         // base TLS configuration, or nil
	Dialer      proxy.ContextDialer // nil to dial through the environment proxy
	DialTimeout time.Duration

	KeepAlive time.Duration // idle time before sending a PING
	MaxRTT    time.Duration

	SendRate  rate.Limit // outgoing messages per second, 0 for no limit
	SendBurst int

	Encoding encoding.Encoding // nil for UTF-8

	Debug bool // whether to report TransportRawLine events
}

const (
	defaultDialTimeout = 10 * time.Second
	defaultKeepAlive   = 30 * time.Second
	defaultMaxRTT      = 10 * time.Second
)

// Transport owns one TCP (optionally TLS) connection to an IRC server.
//
// Open is asynchronous; the outcome and every received message are reported
// to the sink, from the transport goroutines. Exactly one of
// TransportConnectFailed or TransportClosed ends each Open, and no event
// follows it.
type Transport struct {
	params TransportParams
	sink   func(TransportEvent)

	mu      sync.Mutex
	state   TransportState
	cancel  context.CancelFunc // aborts dialing and rate limiting
	conn    net.Conn
	queue   []Message
	closing bool // flush the queue, then close
	local   bool // closed on purpose, errors are not reported
	wake    chan struct{}

	lastRead atomic.Value // time.Time
}

func NewTransport(params TransportParams, sink func(TransportEvent)) *Transport {
	if params.DialTimeout == 0 {
		params.DialTimeout = defaultDialTimeout
	}
	if params.KeepAlive == 0 {
		params.KeepAlive = defaultKeepAlive
	}
	if params.MaxRTT == 0 {
		params.MaxRTT = defaultMaxRTT
	}
	return &Transport{
		params: params,
		sink:   sink,
		wake:   make(chan struct{}, 1),
	}
}

func (t *Transport) State() TransportState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Addr returns the "host:port" address of the server.
func (t *Transport) Addr() string {
	return net.JoinHostPort(t.params.Host, strconv.Itoa(t.params.Port))
}

// Open starts connecting to the server.
func (t *Transport) Open() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != TransportStateIdle {
		return errors.New("transport already opened")
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.state = TransportStateConnecting
	t.cancel = cancel
	go t.run(ctx)
	return nil
}

// Write queues a message. It never blocks; messages written once the
// transport is closing are dropped.
func (t *Transport) Write(msg Message) {
	t.mu.Lock()
	if t.state == TransportStateClosed || t.closing {
		t.mu.Unlock()
		return
	}
	t.queue = append(t.queue, msg)
	t.mu.Unlock()
	t.signal()
}

func (t *Transport) signal() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// Close closes the transport once the queued messages are written. A
// pending connection attempt is aborted. Close is idempotent.
func (t *Transport) Close() {
	t.mu.Lock()
	switch t.state {
	case TransportStateIdle:
		t.state = TransportStateClosed
	case TransportStateConnecting:
		t.local = true
		t.cancel()
	case TransportStateOpen:
		t.closing = true
	}
	t.mu.Unlock()
	t.signal()
}

// CancelPending aborts a pending connection attempt, or closes an open
// connection right away, dropping the queued messages.
func (t *Transport) CancelPending() {
	t.mu.Lock()
	switch t.state {
	case TransportStateIdle:
		t.state = TransportStateClosed
	case TransportStateConnecting:
		t.local = true
		t.cancel()
	case TransportStateOpen:
		t.local = true
		t.closing = true
		t.queue = nil
		t.cancel()
		t.conn.Close()
	}
	t.mu.Unlock()
	t.signal()
}

func (t *Transport) dial(ctx context.Context) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, t.params.DialTimeout)
	defer cancel()

	dialer := t.params.Dialer
	if dialer == nil {
		d := &net.Dialer{
			Timeout: t.params.DialTimeout,
		}
		dialer = proxy.FromEnvironmentUsing(d).(proxy.ContextDialer)
	}
	conn, err := dialer.DialContext(ctx, "tcp", t.Addr())
	if err != nil {
		return nil, dialError(err)
	}

	if t.params.TLS {
		var config *tls.Config
		if t.params.TLSConfig != nil {
			config = t.params.TLSConfig.Clone()
		} else {
			config = &tls.Config{}
		}
		if config.ServerName == "" {
			config.ServerName = t.params.Host
		}
		tlsConn := tls.Client(conn, config)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, handshakeError(err)
		}
		conn = tlsConn
	}

	return conn, nil
}

func (t *Transport) run(ctx context.Context) {
	conn, err := t.dial(ctx)

	t.mu.Lock()
	if err == nil && ctx.Err() != nil {
		conn.Close()
		err = &NetError{Op: OpConnect, Err: ctx.Err()}
	}
	if err != nil {
		t.state = TransportStateClosed
		t.queue = nil
		local := t.local
		t.mu.Unlock()
		log.Debugf("%s: connection failed: %v", t.Addr(), err)
		if local {
			err = nil
		}
		t.sink(TransportConnectFailed{Err: err})
		return
	}
	t.state = TransportStateOpen
	t.conn = conn
	t.mu.Unlock()

	t.lastRead.Store(time.Now())
	t.sink(TransportConnected{})

	var wg sync.WaitGroup
	var readErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		readErr = t.read(conn)
		// unblock the writer
		t.mu.Lock()
		t.closing = true
		t.mu.Unlock()
		t.signal()
	}()

	writeErr := t.write(ctx, conn)
	conn.Close()
	wg.Wait()

	t.mu.Lock()
	t.state = TransportStateClosed
	t.queue = nil
	local := t.local
	t.mu.Unlock()
	t.cancel()

	err = writeErr
	if err == nil {
		err = readErr
	}
	if local {
		err = nil
	}
	t.sink(TransportClosed{Err: err})
}

func (t *Transport) read(conn net.Conn) error {
	var r io.Reader = conn
	if t.params.Encoding != nil {
		r = transform.NewReader(conn, t.params.Encoding.NewDecoder())
	}

	var dec Decoder
	buf := make([]byte, 4096)
	for {
		conn.SetReadDeadline(time.Now().Add(t.params.KeepAlive + 2*t.params.MaxRTT))
		n, err := r.Read(buf)
		if n > 0 {
			t.lastRead.Store(time.Now())
			dec.Feed(buf[:n])
			t.flushDecoder(&dec)
		}
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return ioError(OpRead, err)
		}
	}
}

func (t *Transport) flushDecoder(dec *Decoder) {
	for {
		msg, err := dec.Next()
		if err == ErrIncomplete {
			return
		}
		if err != nil {
			log.Debugf("%s: %v", t.Addr(), err)
			t.sink(TransportDecodeError{Err: err})
			continue
		}
		if t.params.Debug {
			t.sink(TransportRawLine{Line: msg.String()})
		}
		t.sink(TransportMessage{Message: msg})
	}
}

func (t *Transport) write(ctx context.Context, conn net.Conn) error {
	var limiter *rate.Limiter
	if t.params.SendRate > 0 {
		burst := t.params.SendBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(t.params.SendRate, burst)
	}

	var encoder *encoding.Encoder
	if t.params.Encoding != nil {
		encoder = encoding.ReplaceUnsupported(t.params.Encoding.NewEncoder())
	}

	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	pinged := false
	stalled := false

	for {
		t.mu.Lock()
		queue := t.queue
		t.queue = nil
		closing := t.closing
		t.mu.Unlock()

		for _, msg := range queue {
			if limiter != nil {
				if err := limiter.Wait(ctx); err != nil {
					return nil
				}
			}
			if err := t.writeMessage(conn, encoder, msg); err != nil {
				return err
			}
		}
		if closing {
			t.mu.Lock()
			empty := len(t.queue) == 0
			t.mu.Unlock()
			if empty {
				return nil
			}
			continue
		}

		select {
		case <-t.wake:
		case <-tick.C:
			idle := time.Since(t.lastRead.Load().(time.Time))
			switch {
			case idle < t.params.KeepAlive:
				pinged = false
				stalled = false
			case idle > t.params.KeepAlive+t.params.MaxRTT:
				if !stalled {
					// probably out of sleep, let the owner decide
					stalled = true
					t.sink(TransportStalled{})
				}
			case !pinged:
				pinged = true
				if err := t.writeMessage(conn, encoder, NewMessage("PING", "_")); err != nil {
					return err
				}
			}
		}
	}
}

func (t *Transport) writeMessage(conn net.Conn, encoder *encoding.Encoder, msg Message) error {
	if err := msg.Validate(); err != nil {
		log.Warnf("%s: dropped outgoing message: %v", t.Addr(), err)
		t.sink(TransportDropped{Message: msg, Err: err})
		return nil
	}
	line, truncated := Encode(msg)
	if truncated {
		log.Warnf("%s: truncated outgoing %s message", t.Addr(), msg.Command)
		t.sink(TransportTruncated{Message: msg})
	}
	if t.params.Debug {
		t.sink(TransportRawLine{Line: redact(msg).String(), Outgoing: true})
	}
	if encoder != nil {
		var err error
		if line, err = encoder.Bytes(line); err != nil {
			return &NetError{Op: OpWrite, Err: err}
		}
	}
	conn.SetWriteDeadline(time.Now().Add(t.params.MaxRTT))
	if _, err := conn.Write(line); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil
		}
		return ioError(OpWrite, err)
	}
	return nil
}

// redact hides secrets from a message mirrored in debug mode.
func redact(msg Message) Message {
	const placeholder = "<removed>"
	args := msg.Args()
	switch {
	case msg.Command == "PASS" && len(args) >= 1:
	case msg.Command == "OPER" && len(args) >= 2:
		return NewMessage("OPER", args[0], placeholder)
	case msg.Command == "AUTHENTICATE" && len(args) >= 1:
		switch args[0] {
		case "*", "+", "PLAIN", "EXTERNAL":
			return msg
		}
	default:
		return msg
	}
	return NewMessage(msg.Command, placeholder)
}
