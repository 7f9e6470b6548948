package transport

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Kind selects a transport implementation
type Kind string

const (
	KindTCP    Kind = "tcp"
	KindSerial Kind = "serial"
	KindQUIC   Kind = "quic"
	KindLoop   Kind = "loop"
	KindEcho   Kind = "echo" // second-position marker for loopback testing
)

// ErrInvalidDescriptor is wrapped by every descriptor parse failure
var ErrInvalidDescriptor = errors.New("invalid device descriptor")

// Descriptor is a parsed TYPE:DEVICE string
type Descriptor struct {
	Kind    Kind
	Address string // host:port, serial device path, or loopback name
	Baud    int    // serial only
}

// String renders the descriptor in the form ParseDescriptor accepts
func (d Descriptor) String() string {
	switch d.Kind {
	case KindEcho:
		return string(KindEcho)
	case KindSerial:
		return fmt.Sprintf("serial:%s:%d", d.Address, d.Baud)
	default:
		return fmt.Sprintf("%s:%s", d.Kind, d.Address)
	}
}

// ParseDescriptor parses
//
//	tcp:192.168.7.1:8000
//	serial:/dev/ttyUSB0:115200 or serial:COM1:115200
//	quic:10.0.0.2:4433
//	loop:name
//	echo
func ParseDescriptor(s string) (Descriptor, error) {
	s = strings.TrimSpace(s)
	if s == string(KindEcho) {
		return Descriptor{Kind: KindEcho}, nil
	}

	kind, rest, ok := strings.Cut(s, ":")
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %q has no type prefix", ErrInvalidDescriptor, s)
	}

	switch Kind(kind) {
	case KindTCP, KindQUIC:
		if _, _, err := net.SplitHostPort(rest); err != nil {
			return Descriptor{}, fmt.Errorf("%w: %q: %v", ErrInvalidDescriptor, s, err)
		}
		return Descriptor{Kind: Kind(kind), Address: rest}, nil

	case KindSerial:
		idx := strings.LastIndex(rest, ":")
		if idx <= 0 {
			return Descriptor{}, fmt.Errorf("%w: %q: expected serial:DEVICE:BAUD", ErrInvalidDescriptor, s)
		}
		baud, err := strconv.Atoi(rest[idx+1:])
		if err != nil || baud <= 0 {
			return Descriptor{}, fmt.Errorf("%w: %q: bad baud rate %q", ErrInvalidDescriptor, s, rest[idx+1:])
		}
		return Descriptor{Kind: KindSerial, Address: rest[:idx], Baud: baud}, nil

	case KindLoop:
		if rest == "" {
			rest = "default"
		}
		return Descriptor{Kind: KindLoop, Address: rest}, nil

	default:
		return Descriptor{}, fmt.Errorf("%w: unsupported device %q", ErrInvalidDescriptor, s)
	}
}
