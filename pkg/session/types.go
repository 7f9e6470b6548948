package session

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Shutdown is the stop flag shared by every worker of one or more sessions.
// Request is its only mutation point. The zero value is ready to use.
type Shutdown struct {
	flag atomic.Bool
}

// Request asks all workers observing s to stop
func (s *Shutdown) Request() { s.flag.Store(true) }

// Requested reports whether Request has been called
func (s *Shutdown) Requested() bool { return s.flag.Load() }

// Direction names one worker of a pair
type Direction string

const (
	DirectionTX Direction = "tx"
	DirectionRX Direction = "rx"
)

// State of a single worker
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopping
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Report is emitted by the receive worker once per throughput window
type Report struct {
	Session     string
	ID          string
	Window      time.Duration // wall time actually covered
	Bytes       uint64        // bytes received in the window
	BytesPerSec float64
	RxTotal     uint64
	TxTotal     uint64
	Pending     int
	Time        time.Time
}

// KBps returns the window rate in kilobytes per second
func (r Report) KBps() float64 { return r.BytesPerSec / 1000 }

// Fault is a fatal condition that stopped one worker
type Fault struct {
	Session   string
	ID        string
	Direction Direction
	Err       error
	Time      time.Time
}

// FaultError wraps the cause of a worker fault with where it happened
type FaultError struct {
	Fault
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Session, e.Direction, e.Err)
}

func (e *FaultError) Unwrap() error { return e.Err }

// Summary is emitted once, after both workers of a session have exited
type Summary struct {
	Session        string
	ID             string
	Started        time.Time
	Duration       time.Duration
	TxBytes        uint64
	RxBytes        uint64
	AvgBytesPerSec float64
	Pending        int
	TXState        State
	RXState        State
	Err            error
}

// Stats is a live snapshot of a running session
type Stats struct {
	Session string
	ID      string
	Started time.Time
	TxBytes uint64
	RxBytes uint64
	Pending int
	TXState State
	RXState State
}

// Reporter receives everything a session has to say. Calls come from the
// worker goroutines and must not block for long.
type Reporter interface {
	Throughput(Report)
	Fault(Fault)
	Final(Summary)
}

type nopReporter struct{}

func (nopReporter) Throughput(Report) {}
func (nopReporter) Fault(Fault)       {}
func (nopReporter) Final(Summary)     {}
