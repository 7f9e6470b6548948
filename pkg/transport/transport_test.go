package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Descriptor Tests
// ============================================================================

func TestParseDescriptor(t *testing.T) {
	tests := []struct {
		in   string
		want Descriptor
	}{
		{"tcp:192.168.7.1:8000", Descriptor{Kind: KindTCP, Address: "192.168.7.1:8000"}},
		{"tcp:[::1]:4000", Descriptor{Kind: KindTCP, Address: "[::1]:4000"}},
		{"serial:/dev/ttyUSB0:115200", Descriptor{Kind: KindSerial, Address: "/dev/ttyUSB0", Baud: 115200}},
		{"serial:COM1:9600", Descriptor{Kind: KindSerial, Address: "COM1", Baud: 9600}},
		{"quic:10.0.0.2:4433", Descriptor{Kind: KindQUIC, Address: "10.0.0.2:4433"}},
		{"loop:bench", Descriptor{Kind: KindLoop, Address: "bench"}},
		{"loop:", Descriptor{Kind: KindLoop, Address: "default"}},
		{"echo", Descriptor{Kind: KindEcho}},
		{" echo ", Descriptor{Kind: KindEcho}},
	}

	for _, tc := range tests {
		got, err := ParseDescriptor(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

func TestParseDescriptorInvalid(t *testing.T) {
	inputs := []string{
		"",
		"ttyUSB0",
		"udp:1.2.3.4:5",
		"tcp:localhost",
		"serial:/dev/ttyUSB0",
		"serial:/dev/ttyUSB0:fast",
		"serial:/dev/ttyUSB0:0",
		"serial::115200",
	}

	for _, in := range inputs {
		_, err := ParseDescriptor(in)
		assert.ErrorIs(t, err, ErrInvalidDescriptor, in)
	}
}

func TestDescriptorStringRoundTrip(t *testing.T) {
	for _, in := range []string{"tcp:127.0.0.1:4000", "serial:/dev/ttyS0:115200", "quic:host:1", "loop:x", "echo"} {
		d, err := ParseDescriptor(in)
		require.NoError(t, err)
		assert.Equal(t, in, d.String())
	}
}

// ============================================================================
// Timeout Classification Tests
// ============================================================================

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsTimeout(t *testing.T) {
	assert.False(t, IsTimeout(nil))
	assert.False(t, IsTimeout(io.EOF))
	assert.False(t, IsTimeout(errors.New("connection reset")))
	assert.True(t, IsTimeout(ErrTimeout))
	assert.True(t, IsTimeout(os.ErrDeadlineExceeded))
	assert.True(t, IsTimeout(timeoutErr{}))
	assert.True(t, IsTimeout(&net.OpError{Op: "read", Err: os.ErrDeadlineExceeded}))
}

// ============================================================================
// Loopback Tests
// ============================================================================

func testOptions() Options {
	opts := DefaultOptions()
	opts.ReadTimeout = 5 * time.Millisecond
	opts.WriteTimeout = 20 * time.Millisecond
	return opts
}

func TestLoopbackOrder(t *testing.T) {
	lb := NewLoopback("order", testOptions())
	defer lb.Close()

	_, err := lb.Write([]byte("hello "))
	require.NoError(t, err)
	_, err = lb.Write([]byte("world"))
	require.NoError(t, err)
	assert.Equal(t, 11, lb.Buffered())

	buf := make([]byte, 4)
	var got []byte
	for len(got) < 11 {
		n, err := lb.Read(buf)
		require.NoError(t, err)
		got = append(got, buf[:n]...)
	}
	assert.Equal(t, "hello world", string(got))
}

func TestLoopbackReadTimeout(t *testing.T) {
	lb := NewLoopback("idle", testOptions())
	defer lb.Close()

	start := time.Now()
	n, err := lb.Read(make([]byte, 8))
	assert.Zero(t, n)
	assert.True(t, IsTimeout(err))
	assert.Less(t, time.Since(start), time.Second)
}

func TestLoopbackClosed(t *testing.T) {
	lb := NewLoopback("closed", testOptions())
	require.NoError(t, lb.Close())
	require.NoError(t, lb.Close())

	_, err := lb.Write([]byte{1})
	assert.ErrorIs(t, err, io.ErrClosedPipe)

	_, err = lb.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestQueueWriteTimeoutWhenFull(t *testing.T) {
	q := newQueue(4)
	n, err := q.write([]byte{1, 2, 3}, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = q.write([]byte{4, 5}, 5*time.Millisecond)
	assert.Zero(t, n)
	assert.True(t, IsTimeout(err))

	// Draining makes room again.
	_, err = q.read(make([]byte, 3), time.Millisecond)
	require.NoError(t, err)
	n, err = q.write([]byte{4, 5}, 5*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestPipeCrossConnected(t *testing.T) {
	a, b := NewPipe("x", testOptions())
	defer a.Close()
	defer b.Close()

	_, err := a.Write([]byte("to-b"))
	require.NoError(t, err)
	_, err = b.Write([]byte("to-a"))
	require.NoError(t, err)

	buf := make([]byte, 16)
	n, err := b.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "to-b", string(buf[:n]))

	n, err = a.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "to-a", string(buf[:n]))

	assert.Equal(t, "pipe:x:a", a.String())
	assert.Equal(t, "pipe:x:b", b.String())
}

func TestSharedLoopbackRegistry(t *testing.T) {
	a := SharedLoopback("shared-test", testOptions())
	b := SharedLoopback("shared-test", testOptions())
	assert.Same(t, a, b)

	require.NoError(t, a.Close())
	c := SharedLoopback("shared-test", testOptions())
	assert.NotSame(t, a, c)
	c.Close()
}

// ============================================================================
// Open Tests
// ============================================================================

func TestOpenLoop(t *testing.T) {
	d, err := ParseDescriptor("loop:open-test")
	require.NoError(t, err)

	tr, err := Open(context.Background(), d, testOptions())
	require.NoError(t, err)
	defer tr.Close()
	assert.Equal(t, "loop:open-test", tr.String())
}

func TestOpenEchoRejected(t *testing.T) {
	_, err := Open(context.Background(), Descriptor{Kind: KindEcho}, testOptions())
	var ce *ConstructionError
	require.ErrorAs(t, err, &ce)
	assert.ErrorIs(t, err, ErrInvalidDescriptor)
}

func TestOpenTCPRefused(t *testing.T) {
	// Grab a free port, then close it so the dial is refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, err = Open(context.Background(), Descriptor{Kind: KindTCP, Address: addr}, testOptions())
	var ce *ConstructionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, addr, ce.Descriptor.Address)
}

func TestOpenSerialMissingDevice(t *testing.T) {
	_, err := Open(context.Background(), Descriptor{Kind: KindSerial, Address: "/dev/does-not-exist-ser2tcp", Baud: 115200}, testOptions())
	var ce *ConstructionError
	assert.ErrorAs(t, err, &ce)
}

// ============================================================================
// TCP Tests
// ============================================================================

func startEchoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()
	return ln.Addr().String()
}

func TestDialTCPEcho(t *testing.T) {
	addr := startEchoServer(t)

	tr, err := DialTCP(context.Background(), addr, testOptions())
	require.NoError(t, err)
	defer tr.Close()
	assert.Equal(t, "tcp:"+addr, tr.String())

	_, err = tr.Write([]byte("ping"))
	require.NoError(t, err)

	buf := make([]byte, 16)
	var got []byte
	deadline := time.Now().Add(2 * time.Second)
	for len(got) < 4 && time.Now().Before(deadline) {
		n, err := tr.Read(buf)
		if err != nil {
			require.True(t, IsTimeout(err), "unexpected error: %v", err)
		}
		got = append(got, buf[:n]...)
	}
	assert.Equal(t, "ping", string(got))
}

func TestDialTCPReadTimeout(t *testing.T) {
	addr := startEchoServer(t)

	tr, err := DialTCP(context.Background(), addr, testOptions())
	require.NoError(t, err)
	defer tr.Close()

	n, err := tr.Read(make([]byte, 8))
	assert.Zero(t, n)
	assert.True(t, IsTimeout(err))
}
