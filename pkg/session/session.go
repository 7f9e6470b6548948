// Package session runs a transmit worker and a receive worker against a
// duplex transport, checks every received byte against a generator backlog,
// and reports throughput once per window.
//
// The two workers share nothing but the Shutdown flag and, in echo mode, a
// single generator. Shutdown is cooperative: each worker polls the flag once
// per iteration, so stop latency is bounded by the transport read timeout
// plus the transmit interval. A transport error or a byte mismatch ends the
// affected worker at once; what happens to the rest of the run is up to the
// owner of the session.
package session

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/krisarmstrong/ser2tcp-tester/pkg/generator"
	"github.com/krisarmstrong/ser2tcp-tester/pkg/transport"
)

// DefaultReadBufferSize bounds one read; large enough for a serial or TCP burst
const DefaultReadBufferSize = 2048

// Options tune one session
type Options struct {
	Name           string
	ReadBufferSize int
	TxInterval     time.Duration // pause between transmit iterations
	ReportWindow   time.Duration // throughput measurement window
	Logger         *slog.Logger
	Reporter       Reporter
}

// DefaultOptions returns the reference timings
func DefaultOptions() Options {
	return Options{
		Name:           "session",
		ReadBufferSize: DefaultReadBufferSize,
		TxInterval:     time.Millisecond,
		ReportWindow:   time.Second,
	}
}

// Config wires a session. TX and RX may be the same transport; TXGen and
// RXGen are the same generator in echo mode.
type Config struct {
	TX       transport.Transport
	RX       transport.Transport
	TXGen    *generator.Generator
	RXGen    *generator.Generator
	Shutdown *Shutdown
	Options  Options

	// Prepared skips transport preparation. Set it when the caller has
	// already called Prepare, e.g. when several sessions share a transport.
	Prepared bool
}

// Session owns one transmit and one receive worker
type Session struct {
	id       string
	name     string
	tx, rx   transport.Transport
	txGen    *generator.Generator
	rxGen    *generator.Generator
	shutdown *Shutdown
	opts     Options
	log      *slog.Logger
	reporter Reporter
	started  time.Time

	group   errgroup.Group
	txBytes atomic.Uint64
	rxBytes atomic.Uint64
	txState atomic.Int32
	rxState atomic.Int32

	waitOnce sync.Once
	waitErr  error
}

var errAbandoned = errors.New("chunk abandoned on shutdown")

// Start validates the wiring, prepares the transports and launches both
// workers. Transport preparation errors are returned as is and not retried.
func Start(cfg Config) (*Session, error) {
	if cfg.TX == nil || cfg.RX == nil {
		return nil, errors.New("session: transport is required")
	}
	if cfg.TXGen == nil || cfg.RXGen == nil {
		return nil, errors.New("session: generator is required")
	}
	if cfg.Shutdown == nil {
		return nil, errors.New("session: shutdown signal is required")
	}

	opts := cfg.Options
	defaults := DefaultOptions()
	if opts.Name == "" {
		opts.Name = defaults.Name
	}
	if opts.ReadBufferSize <= 0 {
		opts.ReadBufferSize = defaults.ReadBufferSize
	}
	if opts.ReportWindow <= 0 {
		opts.ReportWindow = defaults.ReportWindow
	}
	if opts.TxInterval < 0 {
		opts.TxInterval = 0
	}

	if !cfg.Prepared {
		if err := Prepare(cfg.TX, cfg.RX); err != nil {
			return nil, err
		}
	}

	s := &Session{
		id:       uuid.NewString(),
		name:     opts.Name,
		tx:       cfg.TX,
		rx:       cfg.RX,
		txGen:    cfg.TXGen,
		rxGen:    cfg.RXGen,
		shutdown: cfg.Shutdown,
		opts:     opts,
		reporter: opts.Reporter,
		started:  time.Now(),
	}
	if s.reporter == nil {
		s.reporter = nopReporter{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s.log = logger.With("component", "session", "session", s.name, "id", s.id)

	s.txState.Store(int32(StateRunning))
	s.rxState.Store(int32(StateRunning))
	s.group.Go(s.transmit)
	s.group.Go(s.receive)

	return s, nil
}

// Prepare readies each distinct transport once, before any worker runs
func Prepare(ts ...transport.Transport) error {
	seen := make(map[transport.Transport]bool, len(ts))
	for _, t := range ts {
		if seen[t] {
			continue
		}
		seen[t] = true
		if p, ok := t.(transport.Preparer); ok {
			if err := p.Prepare(); err != nil {
				return fmt.Errorf("prepare %s: %w", t, err)
			}
		}
	}
	return nil
}

// ID returns the unique id assigned at Start
func (s *Session) ID() string { return s.id }

// Name returns the configured session name
func (s *Session) Name() string { return s.name }

// Wait blocks until both workers have exited, emits the final summary and
// returns the first worker fault. It is safe to call more than once.
func (s *Session) Wait() error {
	s.waitOnce.Do(func() {
		s.waitErr = s.group.Wait()

		summary := s.summary()
		summary.Err = s.waitErr
		s.reporter.Final(summary)
	})
	return s.waitErr
}

// Stats returns a live snapshot
func (s *Session) Stats() Stats {
	return Stats{
		Session: s.name,
		ID:      s.id,
		Started: s.started,
		TxBytes: s.txBytes.Load(),
		RxBytes: s.rxBytes.Load(),
		Pending: s.rxGen.Pending(),
		TXState: State(s.txState.Load()),
		RXState: State(s.rxState.Load()),
	}
}

func (s *Session) summary() Summary {
	st := s.Stats()
	elapsed := time.Since(s.started)
	var avg float64
	if secs := elapsed.Seconds(); secs > 0 {
		avg = float64(st.RxBytes) / secs
	}
	return Summary{
		Session:        s.name,
		ID:             s.id,
		Started:        s.started,
		Duration:       elapsed,
		TxBytes:        st.TxBytes,
		RxBytes:        st.RxBytes,
		AvgBytesPerSec: avg,
		Pending:        st.Pending,
		TXState:        st.TXState,
		RXState:        st.RXState,
	}
}

// transmit generates chunks and writes each one in full
func (s *Session) transmit() error {
	s.log.Info("starts tx", "transport", s.tx.String())

	for !s.shutdown.Requested() {
		chunk := s.txGen.Generate()
		if err := s.writeChunk(chunk); err != nil {
			if errors.Is(err, errAbandoned) {
				break
			}
			return s.fail(DirectionTX, &s.txState, err)
		}
		s.txBytes.Add(uint64(len(chunk)))

		if s.opts.TxInterval > 0 {
			time.Sleep(s.opts.TxInterval)
		}
	}

	s.txState.Store(int32(StateStopping))
	s.log.Info("stops tx", "transport", s.tx.String(), "tx_bytes", s.txBytes.Load())
	s.txState.Store(int32(StateStopped))
	return nil
}

// writeChunk retries a write that timed out without sending anything. The
// chunk is already in the backlog, so it must go out unchanged or not at all.
func (s *Session) writeChunk(chunk []byte) error {
	for {
		n, err := s.tx.Write(chunk)
		if err == nil && n == len(chunk) {
			return nil
		}
		if n == 0 && transport.IsTimeout(err) {
			if s.shutdown.Requested() {
				return errAbandoned
			}
			continue
		}
		if err == nil {
			err = io.ErrShortWrite
		}
		return fmt.Errorf("write %d of %d bytes: %w", n, len(chunk), err)
	}
}

// receive reads, validates and accounts throughput
func (s *Session) receive() error {
	s.log.Info("starts rx", "transport", s.rx.String())

	buf := make([]byte, s.opts.ReadBufferSize)
	windowStart := time.Now()
	var windowBytes uint64

	for !s.shutdown.Requested() {
		n, err := s.rx.Read(buf)
		if n > 0 {
			if verr := s.rxGen.Validate(buf[:n]); verr != nil {
				return s.fail(DirectionRX, &s.rxState, verr)
			}
			windowBytes += uint64(n)
			s.rxBytes.Add(uint64(n))
		}
		if err != nil && !transport.IsTimeout(err) {
			return s.fail(DirectionRX, &s.rxState, fmt.Errorf("read: %w", err))
		}

		if elapsed := time.Since(windowStart); elapsed >= s.opts.ReportWindow {
			s.report(windowBytes, elapsed)
			windowBytes = 0
			windowStart = time.Now()
		}
	}

	s.rxState.Store(int32(StateStopping))
	s.log.Info("stops rx", "transport", s.rx.String(), "rx_bytes", s.rxBytes.Load())
	s.rxState.Store(int32(StateStopped))
	return nil
}

func (s *Session) report(bytes uint64, elapsed time.Duration) {
	r := Report{
		Session:     s.name,
		ID:          s.id,
		Window:      elapsed,
		Bytes:       bytes,
		BytesPerSec: float64(bytes) / elapsed.Seconds(),
		RxTotal:     s.rxBytes.Load(),
		TxTotal:     s.txBytes.Load(),
		Pending:     s.rxGen.Pending(),
		Time:        time.Now(),
	}
	s.log.Debug("transmission speed", "kbps", r.KBps(), "window", elapsed.Round(time.Millisecond))
	s.reporter.Throughput(r)
}

func (s *Session) fail(dir Direction, state *atomic.Int32, err error) error {
	state.Store(int32(StateFailed))
	f := Fault{
		Session:   s.name,
		ID:        s.id,
		Direction: dir,
		Err:       err,
		Time:      time.Now(),
	}
	s.log.Error(string(dir)+" error", "error", err)
	s.reporter.Fault(f)
	return &FaultError{Fault: f}
}
