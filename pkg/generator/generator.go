// Package generator produces a reproducible byte stream and checks received
// bytes against what was produced.
//
// A Generator keeps a FIFO backlog of every byte handed out by Generate that
// has not yet been confirmed by Validate. Validate consumes from the head of
// the backlog, so a receiver can check the stream in reads of any size without
// sequence numbers in the payload.
package generator

import (
	"errors"
	"fmt"
	"sync"
)

// DefaultChunkSize matches the chunk used by the reference tester
const DefaultChunkSize = 100

// ErrMismatch is matched by every validation failure
var ErrMismatch = errors.New("value mismatch")

// MismatchError reports the first received byte that differs from the backlog
type MismatchError struct {
	Offset uint64 // absolute stream offset of the bad byte
	Index  int    // position inside the received slice
	Want   byte
	Got    byte
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("value mismatch at stream offset %d (read index %d): want 0x%02x, got 0x%02x",
		e.Offset, e.Index, e.Want, e.Got)
}

func (e *MismatchError) Is(target error) bool { return target == ErrMismatch }

// UnderflowError reports more received bytes than were ever sent
type UnderflowError struct {
	Requested int
	Pending   int
}

func (e *UnderflowError) Error() string {
	return fmt.Sprintf("value mismatch: received %d bytes but only %d pending", e.Requested, e.Pending)
}

func (e *UnderflowError) Is(target error) bool { return target == ErrMismatch }

// Option configures a Generator
type Option func(*Generator)

// WithPattern selects the byte rule
func WithPattern(p Pattern) Option {
	return func(g *Generator) {
		if p != nil {
			g.pattern = p
		}
	}
}

// Generator is safe for one producer and one consumer running concurrently.
type Generator struct {
	mu        sync.Mutex
	chunkSize int
	pattern   Pattern

	backlog   []byte
	head      int
	produced  uint64
	validated uint64
}

// New creates a generator handing out chunks of chunkSize bytes
func New(chunkSize int, opts ...Option) (*Generator, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be > 0, got %d", chunkSize)
	}

	g := &Generator{
		chunkSize: chunkSize,
		pattern:   Zero{},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Generate produces the next chunk and appends a copy of it to the backlog.
// The returned slice belongs to the caller.
func (g *Generator) Generate() []byte {
	chunk := make([]byte, g.chunkSize)

	g.mu.Lock()
	defer g.mu.Unlock()

	g.pattern.Fill(chunk, g.produced)
	g.compact()
	g.backlog = append(g.backlog, chunk...)
	g.produced += uint64(len(chunk))
	return chunk
}

// Validate removes len(received) bytes from the head of the backlog and
// compares them with received. An underflow leaves the backlog untouched; a
// mismatch still consumes the whole prefix.
func (g *Generator) Validate(received []byte) error {
	if len(received) == 0 {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	pending := len(g.backlog) - g.head
	if len(received) > pending {
		return &UnderflowError{Requested: len(received), Pending: pending}
	}

	reference := g.backlog[g.head : g.head+len(received)]
	base := g.validated
	g.head += len(received)
	g.validated += uint64(len(received))

	for i := range received {
		if received[i] != reference[i] {
			return &MismatchError{
				Offset: base + uint64(i),
				Index:  i,
				Want:   reference[i],
				Got:    received[i],
			}
		}
	}
	return nil
}

// compact drops consumed bytes once they dominate the buffer. Caller holds mu.
func (g *Generator) compact() {
	if g.head == 0 {
		return
	}
	if g.head == len(g.backlog) {
		g.backlog = g.backlog[:0]
		g.head = 0
		return
	}
	if g.head >= len(g.backlog)/2 {
		n := copy(g.backlog, g.backlog[g.head:])
		g.backlog = g.backlog[:n]
		g.head = 0
	}
}

// Pending returns the number of bytes produced but not yet validated
func (g *Generator) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.backlog) - g.head
}

// Produced returns the total bytes handed out by Generate
func (g *Generator) Produced() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.produced
}

// Validated returns the total bytes consumed by Validate
func (g *Generator) Validated() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.validated
}

// ChunkSize returns the size of each generated chunk
func (g *Generator) ChunkSize() int { return g.chunkSize }

// Pattern returns the byte rule in use
func (g *Generator) Pattern() Pattern { return g.pattern }
