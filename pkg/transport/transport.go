// Package transport provides the duplex byte streams the tester drives:
// TCP sockets, serial ports, QUIC streams and in-process loopbacks.
//
// Every Transport bounds its blocking calls. Read returns after at most the
// configured read timeout, reporting either (0, nil) or a timeout error when
// no data arrived; callers use IsTimeout to tell the two kinds of error apart.
// A Transport supports one reader and one writer running concurrently.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"
)

// Transport is a duplex byte stream with bounded Read and Write
type Transport interface {
	io.ReadWriteCloser
	String() string
}

// Preparer is implemented by transports that need work before traffic starts
type Preparer interface {
	Prepare() error
}

// ErrTimeout is returned by transports that have no native timeout error
var ErrTimeout = errors.New("i/o timeout")

// ConstructionError reports a transport that could not be opened or connected
type ConstructionError struct {
	Descriptor Descriptor
	Err        error
}

func (e *ConstructionError) Error() string {
	return fmt.Sprintf("open %s: %v", e.Descriptor, e.Err)
}

func (e *ConstructionError) Unwrap() error { return e.Err }

// IsTimeout reports whether err means "no data this tick"
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Options bounds transport I/O
type Options struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	DialTimeout  time.Duration
	NoDelay      bool
}

// DefaultOptions mirrors the reference tester: short reads, patient writes
func DefaultOptions() Options {
	return Options{
		ReadTimeout:  10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		DialTimeout:  5 * time.Second,
		NoDelay:      true,
	}
}

// Open builds the transport named by d
func Open(ctx context.Context, d Descriptor, opts Options) (Transport, error) {
	var (
		t   Transport
		err error
	)

	switch d.Kind {
	case KindTCP:
		t, err = DialTCP(ctx, d.Address, opts)
	case KindSerial:
		t, err = OpenSerial(d.Address, d.Baud, opts)
	case KindQUIC:
		t, err = DialQUIC(ctx, d.Address, opts)
	case KindLoop:
		t = SharedLoopback(d.Address, opts)
	default:
		err = fmt.Errorf("%w: %s cannot be opened", ErrInvalidDescriptor, d.Kind)
	}

	if err != nil {
		return nil, &ConstructionError{Descriptor: d, Err: err}
	}
	return t, nil
}
