// Package dataplane opens the devices named in the configuration and runs
// the test sessions over them
package dataplane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/krisarmstrong/ser2tcp-tester/pkg/config"
	"github.com/krisarmstrong/ser2tcp-tester/pkg/generator"
	"github.com/krisarmstrong/ser2tcp-tester/pkg/session"
	"github.com/krisarmstrong/ser2tcp-tester/pkg/transport"
)

// TestState of a whole run
type TestState int32

const (
	StateIdle TestState = iota
	StateRunning
	StateStopping
	StateCompleted
	StateFailed
)

func (s TestState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var (
	ErrAlreadyStarted = errors.New("dataplane: already started")
	ErrNotStarted     = errors.New("dataplane: not started")
)

// Opener builds a transport for a descriptor
type Opener func(ctx context.Context, d transport.Descriptor, opts transport.Options) (transport.Transport, error)

// Option configures a Context
type Option func(*Context)

// WithLogger sets the logger handed to every session
func WithLogger(l *slog.Logger) Option {
	return func(c *Context) {
		if l != nil {
			c.log = l
		}
	}
}

// WithReporter sets where session events go
func WithReporter(r session.Reporter) Option {
	return func(c *Context) { c.reporter = r }
}

// WithOpener replaces transport.Open
func WithOpener(o Opener) Option {
	return func(c *Context) {
		if o != nil {
			c.open = o
		}
	}
}

// Context owns one test run: its transports, generators and sessions
type Context struct {
	cfg      *config.Config
	a, b     transport.Descriptor
	log      *slog.Logger
	reporter session.Reporter
	open     Opener

	mu         sync.Mutex
	state      atomic.Int32
	shutdown   session.Shutdown
	sessions   []*session.Session
	transports []transport.Transport
	timer      *time.Timer
	stopCtx    func() bool
	faulted    atomic.Bool
	startErr   error

	waitOnce sync.Once
	waitErr  error
}

// NewContext validates cfg and prepares a run. Nothing is opened yet.
func NewContext(cfg *config.Config, opts ...Option) (*Context, error) {
	if cfg == nil {
		return nil, errors.New("dataplane: config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	a, b, err := cfg.Descriptors()
	if err != nil {
		return nil, err
	}

	c := &Context{
		cfg:  cfg,
		a:    a,
		b:    b,
		log:  slog.Default(),
		open: transport.Open,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With("component", "dataplane")
	return c, nil
}

// Mode of this run
func (c *Context) Mode() config.Mode { return c.cfg.Mode() }

// Run opens the transports and starts the sessions. It returns once the
// workers are running; use Wait to join them. Cancelling ctx requests
// shutdown.
func (c *Context) Run(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return ErrAlreadyStarted
	}

	if err := c.start(ctx); err != nil {
		c.shutdown.Request()
		for _, s := range c.sessions {
			_ = s.Wait()
		}
		c.closeTransports()
		c.state.Store(int32(StateFailed))
		c.startErr = err
		return err
	}

	if c.cfg.Duration > 0 {
		c.timer = time.AfterFunc(c.cfg.Duration, func() {
			c.log.Info("test duration reached", "duration", c.cfg.Duration)
			c.Cancel()
		})
	}
	c.stopCtx = context.AfterFunc(ctx, c.Cancel)

	c.log.Info("test started", "mode", string(c.Mode()), "device_a", c.a.String(), "device_b", c.b.String())
	return nil
}

func (c *Context) start(ctx context.Context) error {
	topts := c.cfg.TransportOptions()

	ta, err := c.open(ctx, c.a, topts)
	if err != nil {
		return err
	}
	c.transports = append(c.transports, ta)

	if c.Mode() == config.ModeEcho {
		gen, err := c.newGenerator()
		if err != nil {
			return err
		}
		if err := session.Prepare(ta); err != nil {
			return err
		}
		return c.startSession(ta.String(), ta, ta, gen)
	}

	tb, err := c.open(ctx, c.b, topts)
	if err != nil {
		return err
	}
	c.transports = append(c.transports, tb)

	// Both sessions use both devices; flush them once, before any worker runs.
	if err := session.Prepare(ta, tb); err != nil {
		return err
	}

	// Each direction has its own generator: what A sends, B must receive.
	genAB, err := c.newGenerator()
	if err != nil {
		return err
	}
	genBA, err := c.newGenerator()
	if err != nil {
		return err
	}
	if err := c.startSession(ta.String()+"->"+tb.String(), ta, tb, genAB); err != nil {
		return err
	}
	return c.startSession(tb.String()+"->"+ta.String(), tb, ta, genBA)
}

func (c *Context) newGenerator() (*generator.Generator, error) {
	pattern, err := generator.ParsePattern(string(c.cfg.Pattern), c.cfg.Seed)
	if err != nil {
		return nil, err
	}
	return generator.New(c.cfg.ChunkSize, generator.WithPattern(pattern))
}

func (c *Context) startSession(name string, tx, rx transport.Transport, gen *generator.Generator) error {
	s, err := session.Start(session.Config{
		TX:       tx,
		RX:       rx,
		TXGen:    gen,
		RXGen:    gen,
		Shutdown: &c.shutdown,
		Prepared: true,
		Options: session.Options{
			Name:           name,
			ReadBufferSize: c.cfg.ReadBufferSize,
			TxInterval:     c.cfg.TxInterval,
			ReportWindow:   c.cfg.ReportWindow,
			Logger:         c.log,
			Reporter:       faultHook{c},
		},
	})
	if err != nil {
		return err
	}
	c.sessions = append(c.sessions, s)
	return nil
}

// faultHook forwards to the configured reporter and applies the stop policy
type faultHook struct{ c *Context }

func (h faultHook) Throughput(r session.Report) {
	if h.c.reporter != nil {
		h.c.reporter.Throughput(r)
	}
}

func (h faultHook) Fault(f session.Fault) {
	h.c.faulted.Store(true)
	if h.c.reporter != nil {
		h.c.reporter.Fault(f)
	}
	if h.c.cfg.StopOnFault {
		h.c.log.Warn("stopping all sessions after fault", "session", f.Session, "direction", string(f.Direction))
		h.c.Cancel()
	}
}

func (h faultHook) Final(s session.Summary) {
	if h.c.reporter != nil {
		h.c.reporter.Final(s)
	}
}

// Cancel requests shutdown of every session. Safe to call at any time.
func (c *Context) Cancel() {
	c.shutdown.Request()
	c.state.CompareAndSwap(int32(StateRunning), int32(StateStopping))
}

// Wait joins every session, closes the transports and returns all faults
// joined together. It is safe to call more than once.
func (c *Context) Wait() error {
	if c.State() == StateIdle {
		return ErrNotStarted
	}

	c.waitOnce.Do(func() {
		c.mu.Lock()
		sessions, startErr := c.sessions, c.startErr
		c.mu.Unlock()
		if startErr != nil {
			c.waitErr = startErr
			return
		}

		var errs []error
		for _, s := range sessions {
			if err := s.Wait(); err != nil {
				errs = append(errs, err)
			}
		}

		c.mu.Lock()
		if c.timer != nil {
			c.timer.Stop()
		}
		if c.stopCtx != nil {
			c.stopCtx()
		}
		c.closeTransports()
		c.mu.Unlock()

		c.waitErr = errors.Join(errs...)
		if c.waitErr != nil {
			c.state.Store(int32(StateFailed))
		} else {
			c.state.Store(int32(StateCompleted))
		}
		c.log.Info("test finished", "state", c.State().String())
	})
	return c.waitErr
}

func (c *Context) closeTransports() {
	for _, t := range c.transports {
		if err := t.Close(); err != nil {
			c.log.Warn("close transport", "transport", t.String(), "error", err)
		}
	}
	c.transports = nil
}

// State returns the current test state
func (c *Context) State() TestState {
	return TestState(c.state.Load())
}

// Faulted reports whether any worker has faulted so far
func (c *Context) Faulted() bool { return c.faulted.Load() }

// Stats returns a snapshot of every session
func (c *Context) Stats() []session.Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]session.Stats, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s.Stats())
	}
	return out
}

// Close cancels a running test and releases its resources
func (c *Context) Close() {
	if c.State() == StateIdle {
		return
	}
	c.Cancel()
	_ = c.Wait()
}
