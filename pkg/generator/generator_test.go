package generator

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Construction Tests
// ============================================================================

func TestNew(t *testing.T) {
	g, err := New(DefaultChunkSize)
	require.NoError(t, err)
	assert.Equal(t, DefaultChunkSize, g.ChunkSize())
	assert.Equal(t, "zero", g.Pattern().Name())
	assert.Zero(t, g.Pending())
}

func TestNewInvalidChunkSize(t *testing.T) {
	for _, size := range []int{0, -1, -100} {
		_, err := New(size)
		assert.Error(t, err, "chunk size %d", size)
	}
}

func TestWithPatternNilKeepsDefault(t *testing.T) {
	g, err := New(8, WithPattern(nil))
	require.NoError(t, err)
	assert.Equal(t, "zero", g.Pattern().Name())
}

// ============================================================================
// Generate / Validate Tests
// ============================================================================

func TestGenerateValidateRoundTrip(t *testing.T) {
	g, err := New(DefaultChunkSize)
	require.NoError(t, err)

	data := g.Generate()
	assert.Len(t, data, DefaultChunkSize)
	assert.Equal(t, DefaultChunkSize, g.Pending())
	assert.NoError(t, g.Validate(data))
	assert.Zero(t, g.Pending())
}

func TestRoundTripInSubSlices(t *testing.T) {
	patterns := []Pattern{Zero{}, Counter{}, PRBS{Seed: 42}}
	splits := [][]int{
		{300},
		{1, 299},
		{100, 100, 100},
		{7, 13, 50, 230},
		{299, 1},
	}

	for _, p := range patterns {
		for _, split := range splits {
			g, err := New(100, WithPattern(p))
			require.NoError(t, err)

			// Run one full cycle first so the stream offset is non-zero.
			require.NoError(t, g.Validate(g.Generate()))
			pendingBefore := g.Pending()

			var stream []byte
			for i := 0; i < 3; i++ {
				stream = append(stream, g.Generate()...)
			}

			off := 0
			for _, n := range split {
				require.NoError(t, g.Validate(stream[off:off+n]), "pattern %s split %v", p.Name(), split)
				off += n
			}
			assert.Equal(t, pendingBefore, g.Pending())
			assert.Equal(t, g.Produced()-g.Validated(), uint64(g.Pending()))
		}
	}
}

func TestGenerateDoesNotAlterBacklog(t *testing.T) {
	g, err := New(16, WithPattern(Counter{}))
	require.NoError(t, err)

	first := g.Generate()
	snapshot := append([]byte(nil), first...)

	// Caller scribbling on its chunk must not reach the backlog.
	for i := range first {
		first[i] = 0xff
	}
	for i := 0; i < 10; i++ {
		g.Generate()
	}

	require.NoError(t, g.Validate(snapshot))
	assert.Equal(t, 160, g.Pending())
}

func TestValidatePrefixLeavesRestIntact(t *testing.T) {
	g, err := New(32, WithPattern(PRBS{Seed: 7}))
	require.NoError(t, err)

	chunk := g.Generate()
	require.NoError(t, g.Validate(chunk[:5]))
	assert.Equal(t, 27, g.Pending())
	require.NoError(t, g.Validate(chunk[5:]))
}

func TestValidateEmpty(t *testing.T) {
	g, err := New(4)
	require.NoError(t, err)
	assert.NoError(t, g.Validate(nil))
	assert.NoError(t, g.Validate([]byte{}))
}

// ============================================================================
// Mismatch Tests
// ============================================================================

func TestSingleByteFlipDetected(t *testing.T) {
	for _, p := range []Pattern{Zero{}, Counter{}, PRBS{Seed: 1}} {
		for pos := 0; pos < 20; pos++ {
			g, err := New(20, WithPattern(p))
			require.NoError(t, err)

			data := g.Generate()
			data[pos] ^= 0x01

			err = g.Validate(data)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMismatch))

			var mm *MismatchError
			require.True(t, errors.As(err, &mm))
			assert.Equal(t, pos, mm.Index)
			assert.Equal(t, uint64(pos), mm.Offset)
			assert.Equal(t, mm.Want^0x01, mm.Got)
		}
	}
}

func TestMismatchOffsetIsAbsolute(t *testing.T) {
	g, err := New(10, WithPattern(Counter{}))
	require.NoError(t, err)

	a := g.Generate()
	b := g.Generate()
	require.NoError(t, g.Validate(a))

	b[3] = 0xee
	var mm *MismatchError
	require.True(t, errors.As(g.Validate(b), &mm))
	assert.Equal(t, uint64(13), mm.Offset)
	assert.Equal(t, 3, mm.Index)
}

func TestUnderflow(t *testing.T) {
	g, err := New(10)
	require.NoError(t, err)
	g.Generate()

	err = g.Validate(make([]byte, 11))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMismatch))

	var uf *UnderflowError
	require.True(t, errors.As(err, &uf))
	assert.Equal(t, 11, uf.Requested)
	assert.Equal(t, 10, uf.Pending)

	// Backlog is untouched by the failed call.
	assert.Equal(t, 10, g.Pending())
	assert.NoError(t, g.Validate(make([]byte, 10)))
}

func TestValidateOnEmptyBacklog(t *testing.T) {
	g, err := New(10)
	require.NoError(t, err)
	assert.ErrorIs(t, g.Validate([]byte{0}), ErrMismatch)
}

// ============================================================================
// Pattern Tests
// ============================================================================

func TestParsePattern(t *testing.T) {
	tests := []struct {
		name    string
		want    string
		wantErr bool
	}{
		{"", "zero", false},
		{"zero", "zero", false},
		{"Counter", "counter", false},
		{" prbs ", "prbs", false},
		{"sine", "", true},
	}

	for _, tc := range tests {
		p, err := ParsePattern(tc.name, 9)
		if tc.wantErr {
			assert.Error(t, err, tc.name)
			continue
		}
		require.NoError(t, err, tc.name)
		assert.Equal(t, tc.want, p.Name())
	}
}

func TestPatternsAreReproducible(t *testing.T) {
	for _, p := range []Pattern{Zero{}, Counter{}, PRBS{Seed: 1234}} {
		a := make([]byte, 64)
		b := make([]byte, 64)
		p.Fill(a, 1000)
		p.Fill(b[:32], 1000)
		p.Fill(b[32:], 1032)
		assert.Equal(t, a, b, p.Name())
	}
}

func TestPRBSSeedsDiffer(t *testing.T) {
	a := make([]byte, 32)
	b := make([]byte, 32)
	PRBS{Seed: 1}.Fill(a, 0)
	PRBS{Seed: 2}.Fill(b, 0)
	assert.NotEqual(t, a, b)
}

func TestCounterWraps(t *testing.T) {
	buf := make([]byte, 4)
	Counter{}.Fill(buf, 254)
	assert.Equal(t, []byte{254, 255, 0, 1}, buf)
}

// ============================================================================
// Concurrency Tests
// ============================================================================

func TestConcurrentProducerConsumer(t *testing.T) {
	g, err := New(100, WithPattern(Counter{}))
	require.NoError(t, err)

	const chunks = 2000
	ch := make(chan []byte, 64)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer close(ch)
		for i := 0; i < chunks; i++ {
			ch <- g.Generate()
		}
	}()

	errs := make(chan error, 1)
	go func() {
		defer wg.Done()
		for chunk := range ch {
			// Split each chunk to mimic short reads.
			if err := g.Validate(chunk[:37]); err != nil {
				errs <- err
				return
			}
			if err := g.Validate(chunk[37:]); err != nil {
				errs <- err
				return
			}
		}
	}()
	wg.Wait()
	close(errs)

	assert.NoError(t, <-errs)
	assert.Zero(t, g.Pending())
	assert.Equal(t, uint64(chunks*100), g.Produced())
	assert.Equal(t, g.Produced(), g.Validated())
}

// ============================================================================
// Benchmark Tests
// ============================================================================

func BenchmarkGenerateValidate(b *testing.B) {
	g, _ := New(DefaultChunkSize, WithPattern(Counter{}))
	b.SetBytes(DefaultChunkSize)
	for i := 0; i < b.N; i++ {
		_ = g.Validate(g.Generate())
	}
}
