package transport

import (
	"fmt"

	"go.bug.st/serial"
)

// serialPort wraps a go.bug.st/serial port. The port is opened once; the
// library allows Read and Write to run from different goroutines.
type serialPort struct {
	port serial.Port
	name string
}

// OpenSerial opens device at baud, 8N1, with opts.ReadTimeout bounding reads.
// A read that times out returns (0, nil).
//
// Writes are not bounded: go.bug.st/serial has no write deadline, so
// opts.WriteTimeout does not apply. A write held back by hardware flow
// control blocks until the peer drains it or the port is closed, and
// shutdown waits for it.
func OpenSerial(device string, baud int, opts Options) (Transport, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(device, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s with baud rate %d: %w", device, baud, err)
	}

	if opts.ReadTimeout > 0 {
		if err := port.SetReadTimeout(opts.ReadTimeout); err != nil {
			port.Close()
			return nil, fmt.Errorf("set read timeout: %w", err)
		}
	}

	return &serialPort{
		port: port,
		name: fmt.Sprintf("serial:%s:%d", device, baud),
	}, nil
}

func (s *serialPort) Read(p []byte) (int, error)  { return s.port.Read(p) }
func (s *serialPort) Write(p []byte) (int, error) { return s.port.Write(p) }
func (s *serialPort) Close() error                { return s.port.Close() }
func (s *serialPort) String() string              { return s.name }

// Prepare drops bytes left in the driver from an earlier run, which would
// otherwise be validated against a fresh backlog.
func (s *serialPort) Prepare() error {
	if err := s.port.ResetInputBuffer(); err != nil {
		return fmt.Errorf("reset input buffer: %w", err)
	}
	return nil
}
