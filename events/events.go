// Package events delivers the events of the connection core to its
// consumers.
package events

import "sync"

// Event is an event emitted by the core. Src is the identity of the
// connection it comes from, or "*" for the core itself.
type Event struct {
	Src     string
	Content interface{}
}

// Handler is implemented by event consumers.
type Handler interface {
	HandleEvent(ev Event)
}

type HandlerFunc func(ev Event)

func (f HandlerFunc) HandleEvent(ev Event) {
	f(ev)
}

// Dispatcher fans events out to handlers. Each handler runs on its own
// goroutine and receives events in the order they were published; a slow
// handler never blocks Publish nor the other handlers.
type Dispatcher struct {
	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

type subscription struct {
	h Handler

	mu      sync.Mutex
	queue   []Event
	stopped bool
	wake    chan struct{}
	done    chan struct{}
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subs: map[*subscription]struct{}{},
	}
}

// Subscribe starts delivering events to h, until the returned function is
// called or the dispatcher is closed.
func (d *Dispatcher) Subscribe(h Handler) (unsubscribe func()) {
	sub := &subscription{
		h:    h,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		close(sub.done)
		return func() {}
	}
	d.subs[sub] = struct{}{}
	d.mu.Unlock()

	go sub.run()

	return func() {
		d.mu.Lock()
		delete(d.subs, sub)
		d.mu.Unlock()
		sub.stop()
	}
}

// Publish queues ev for every handler.
func (d *Dispatcher) Publish(ev Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	for sub := range d.subs {
		sub.push(ev)
	}
}

// Close stops accepting events and waits until every handler received the
// events queued so far.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	subs := d.subs
	d.subs = nil
	d.mu.Unlock()

	for sub := range subs {
		sub.stop()
		<-sub.done
	}
}

func (sub *subscription) push(ev Event) {
	sub.mu.Lock()
	sub.queue = append(sub.queue, ev)
	sub.mu.Unlock()
	select {
	case sub.wake <- struct{}{}:
	default:
	}
}

func (sub *subscription) stop() {
	sub.mu.Lock()
	sub.stopped = true
	sub.mu.Unlock()
	select {
	case sub.wake <- struct{}{}:
	default:
	}
}

func (sub *subscription) run() {
	defer close(sub.done)
	for {
		sub.mu.Lock()
		queue := sub.queue
		sub.queue = nil
		stopped := sub.stopped
		sub.mu.Unlock()

		for _, ev := range queue {
			sub.h.HandleEvent(ev)
		}
		if stopped {
			return
		}
		if len(queue) > 0 {
			continue
		}
		<-sub.wake
	}
}
