package main

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/krisarmstrong/ser2tcp-tester/pkg/config"
	"github.com/krisarmstrong/ser2tcp-tester/pkg/dataplane"
	"github.com/krisarmstrong/ser2tcp-tester/pkg/session"
)

// runner owns at most one live test at a time. The web and TUI front ends
// start and stop tests through it.
type runner struct {
	log      *slog.Logger
	reporter session.Reporter
	opts     []dataplane.Option

	// OnBegin runs after a test has started, OnDone after it has been joined
	OnBegin func(dp *dataplane.Context, cfg *config.Config)
	OnDone  func(dp *dataplane.Context, err error)

	mu  sync.Mutex
	cur *dataplane.Context
	wg  sync.WaitGroup
}

func newRunner(log *slog.Logger, reporter session.Reporter, opts ...dataplane.Option) *runner {
	return &runner{log: log, reporter: reporter, opts: opts}
}

func (r *runner) busyLocked() bool {
	if r.cur == nil {
		return false
	}
	st := r.cur.State()
	return st == dataplane.StateRunning || st == dataplane.StateStopping
}

// start opens the devices in cfg and runs the test in the background
func (r *runner) start(ctx context.Context, cfg *config.Config) (*dataplane.Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.busyLocked() {
		return nil, dataplane.ErrAlreadyStarted
	}

	opts := append([]dataplane.Option{
		dataplane.WithLogger(r.log),
		dataplane.WithReporter(r.reporter),
	}, r.opts...)
	dp, err := dataplane.NewContext(cfg, opts...)
	if err != nil {
		return nil, err
	}
	if err := dp.Run(ctx); err != nil {
		return nil, err
	}
	r.cur = dp
	if r.OnBegin != nil {
		r.OnBegin(dp, cfg)
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		err := dp.Wait()
		if r.OnDone != nil {
			r.OnDone(dp, err)
		}
	}()
	return dp, nil
}

// stop asks the live test to shut down without waiting for it
func (r *runner) stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.busyLocked() {
		return dataplane.ErrNotStarted
	}
	r.cur.Cancel()
	return nil
}

// current returns the most recent test, nil before the first start
func (r *runner) current() *dataplane.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cur
}

// snapshot returns live session stats of the current test
func (r *runner) snapshot() []session.Stats {
	if dp := r.current(); dp != nil {
		return dp.Stats()
	}
	return nil
}

// close stops the live test, if any, and waits for every background join
func (r *runner) close() {
	if err := r.stop(); err != nil && !errors.Is(err, dataplane.ErrNotStarted) {
		r.log.Warn("stop test", "error", err)
	}
	r.wg.Wait()
}
