package transport

import (
	"io"
	"sync"
	"time"
)

// DefaultLoopbackCapacity bounds the bytes a loopback buffers before Write waits
const DefaultLoopbackCapacity = 1 << 20

// queue is one direction of an in-process link
type queue struct {
	mu       sync.Mutex
	buf      []byte
	capacity int
	closed   bool
	readable chan struct{}
	writable chan struct{}
}

func newQueue(capacity int) *queue {
	if capacity <= 0 {
		capacity = DefaultLoopbackCapacity
	}
	return &queue{
		capacity: capacity,
		readable: make(chan struct{}, 1),
		writable: make(chan struct{}, 1),
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (q *queue) read(p []byte, timeout time.Duration) (int, error) {
	var timer <-chan time.Time
	for {
		q.mu.Lock()
		if len(q.buf) > 0 {
			n := copy(p, q.buf)
			q.buf = q.buf[n:]
			if len(q.buf) > 0 {
				signal(q.readable)
			}
			q.mu.Unlock()
			signal(q.writable)
			return n, nil
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return 0, io.EOF
		}
		if timer == nil {
			if timeout <= 0 {
				timeout = DefaultOptions().ReadTimeout
			}
			t := time.NewTimer(timeout)
			defer t.Stop()
			timer = t.C
		}

		select {
		case <-q.readable:
		case <-timer:
			return 0, ErrTimeout
		}
	}
}

// write is all-or-nothing: it waits for room for the whole slice.
func (q *queue) write(p []byte, timeout time.Duration) (int, error) {
	var timer <-chan time.Time
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return 0, io.ErrClosedPipe
		}
		if len(q.buf) == 0 || len(q.buf)+len(p) <= q.capacity {
			q.buf = append(q.buf, p...)
			q.mu.Unlock()
			signal(q.readable)
			return len(p), nil
		}
		q.mu.Unlock()

		if timer == nil {
			if timeout <= 0 {
				timeout = DefaultOptions().WriteTimeout
			}
			t := time.NewTimer(timeout)
			defer t.Stop()
			timer = t.C
		}

		select {
		case <-q.writable:
		case <-timer:
			return 0, ErrTimeout
		}
	}
}

func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	signal(q.readable)
	signal(q.writable)
}

// Endpoint is one side of an in-process link
type Endpoint struct {
	name    string
	in, out *queue
	opts    Options
	once    sync.Once
	onClose func()
}

func (e *Endpoint) Read(p []byte) (int, error)  { return e.in.read(p, e.opts.ReadTimeout) }
func (e *Endpoint) Write(p []byte) (int, error) { return e.out.write(p, e.opts.WriteTimeout) }
func (e *Endpoint) String() string              { return e.name }

// Buffered returns the bytes written towards this endpoint and not yet read
func (e *Endpoint) Buffered() int {
	e.in.mu.Lock()
	defer e.in.mu.Unlock()
	return len(e.in.buf)
}

func (e *Endpoint) Close() error {
	e.once.Do(func() {
		e.in.close()
		e.out.close()
		if e.onClose != nil {
			e.onClose()
		}
	})
	return nil
}

// NewLoopback returns a perfect loopback: every byte written is read back
// unchanged and in order.
func NewLoopback(name string, opts Options) *Endpoint {
	q := newQueue(DefaultLoopbackCapacity)
	return &Endpoint{name: "loop:" + name, in: q, out: q, opts: opts}
}

// NewPipe returns two cross-connected endpoints: bytes written to a are read
// from b and the other way round.
func NewPipe(name string, opts Options) (a, b *Endpoint) {
	ab := newQueue(DefaultLoopbackCapacity)
	ba := newQueue(DefaultLoopbackCapacity)
	a = &Endpoint{name: "pipe:" + name + ":a", in: ba, out: ab, opts: opts}
	b = &Endpoint{name: "pipe:" + name + ":b", in: ab, out: ba, opts: opts}
	return a, b
}

var (
	registryMu sync.Mutex
	registry   = map[string]*Endpoint{}
)

// SharedLoopback returns the process-wide loopback registered under name,
// creating it on first use. Closing it removes it from the registry.
func SharedLoopback(name string, opts Options) *Endpoint {
	registryMu.Lock()
	defer registryMu.Unlock()

	if ep, ok := registry[name]; ok {
		return ep
	}
	ep := NewLoopback(name, opts)
	ep.onClose = func() {
		registryMu.Lock()
		if registry[name] == ep {
			delete(registry, name)
		}
		registryMu.Unlock()
	}
	registry[name] = ep
	return ep
}
