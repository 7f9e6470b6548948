package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krisarmstrong/ser2tcp-tester/pkg/config"
	"github.com/krisarmstrong/ser2tcp-tester/pkg/dataplane"
	"github.com/krisarmstrong/ser2tcp-tester/pkg/generator"
	"github.com/krisarmstrong/ser2tcp-tester/pkg/report"
	"github.com/krisarmstrong/ser2tcp-tester/pkg/transport"
)

func parse(t *testing.T, args ...string) (*config.Config, error) {
	t.Helper()
	cmd := newRootCmd()
	require.NoError(t, cmd.Flags().Parse(args))
	return loadConfig(cmd, cmd.Flags().Args())
}

// =============================================================================
// Flag Tests
// =============================================================================

func TestLoadConfigFromFlags(t *testing.T) {
	cfg, err := parse(t, "-d", "tcp:127.0.0.1:4001", "-d", "echo", "-s", "64", "-p", "counter", "--duration", "5s", "--keep-going")
	require.NoError(t, err)

	assert.Equal(t, []string{"tcp:127.0.0.1:4001", "echo"}, cfg.Devices)
	assert.Equal(t, 64, cfg.ChunkSize)
	assert.Equal(t, generator.PatternCounter, cfg.Pattern)
	assert.Equal(t, 5*time.Second, cfg.Duration)
	assert.False(t, cfg.StopOnFault)
	assert.Equal(t, config.ModeEcho, cfg.Mode())
}

func TestLoadConfigPositionalDevices(t *testing.T) {
	cfg, err := parse(t, "serial:/dev/ttyUSB0:115200", "tcp:10.0.0.5:4001")
	require.NoError(t, err)
	assert.Equal(t, config.ModeBridge, cfg.Mode())
}

func TestLoadConfigRejectsBadDevices(t *testing.T) {
	_, err := parse(t, "-d", "echo", "-d", "tcp:127.0.0.1:4001")
	assert.Error(t, err)

	_, err = parse(t, "-d", "tcp:127.0.0.1:4001")
	assert.Error(t, err)
}

func TestLoadConfigWebWithoutDevices(t *testing.T) {
	cfg, err := parse(t, "--web", ":8081")
	require.NoError(t, err)
	assert.True(t, cfg.WebUI.Enabled)
	assert.Equal(t, ":8081", cfg.WebUI.Address)
}

func TestLoadConfigFileThenFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	base := config.DefaultConfig()
	base.Devices = []string{"loop:file", "echo"}
	base.ChunkSize = 512
	require.NoError(t, base.Save(path))

	cfg, err := parse(t, "-c", path, "-p", "prbs", "--seed", "7", "--metrics", ":9191", "--mqtt", "broker:1883")
	require.NoError(t, err)

	assert.Equal(t, []string{"loop:file", "echo"}, cfg.Devices)
	assert.Equal(t, 512, cfg.ChunkSize)
	assert.Equal(t, generator.PatternPRBS, cfg.Pattern)
	assert.Equal(t, uint64(7), cfg.Seed)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":9191", cfg.Metrics.Address)
	assert.True(t, cfg.MQTT.Enabled)
	assert.Equal(t, "broker:1883", cfg.MQTT.Broker)
}

func TestNewLoggerFormat(t *testing.T) {
	cfg := config.DefaultConfig()
	var buf bytes.Buffer

	newLogger(cfg, &buf).Info("hello", "k", 1)
	assert.Contains(t, buf.String(), "msg=hello")

	buf.Reset()
	cfg.OutputFormat = config.FormatJSON
	cfg.Verbose = true
	newLogger(cfg, &buf).Debug("hello")
	assert.True(t, strings.HasPrefix(buf.String(), "{"))
	assert.Contains(t, buf.String(), `"level":"DEBUG"`)
}

// =============================================================================
// Runner Tests
// =============================================================================

func loopConfig(name string, d time.Duration) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Devices = []string{"loop:" + name, "echo"}
	cfg.Duration = d
	cfg.ReportWindow = 100 * time.Millisecond
	return cfg
}

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunnerStartStop(t *testing.T) {
	r := newRunner(quiet(), report.Multi{})
	done := make(chan error, 1)
	r.OnDone = func(_ *dataplane.Context, err error) { done <- err }

	assert.Nil(t, r.snapshot())
	assert.ErrorIs(t, r.stop(), dataplane.ErrNotStarted)

	dp, err := r.start(context.Background(), loopConfig("runner-stop", 0))
	require.NoError(t, err)
	assert.Same(t, dp, r.current())

	_, err = r.start(context.Background(), loopConfig("runner-stop-2", 0))
	assert.ErrorIs(t, err, dataplane.ErrAlreadyStarted)

	time.Sleep(150 * time.Millisecond)
	assert.Len(t, r.snapshot(), 1)

	require.NoError(t, r.stop())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("test did not finish after stop")
	}
	r.close()
	assert.Equal(t, dataplane.StateCompleted, dp.State())
}

func TestRunnerRestartAfterCompletion(t *testing.T) {
	r := newRunner(quiet(), report.Multi{})
	began := 0
	r.OnBegin = func(*dataplane.Context, *config.Config) { began++ }

	_, err := r.start(context.Background(), loopConfig("runner-again", 100*time.Millisecond))
	require.NoError(t, err)
	r.wg.Wait()

	_, err = r.start(context.Background(), loopConfig("runner-again-2", 100*time.Millisecond))
	require.NoError(t, err)
	r.close()

	assert.Equal(t, 2, began)
}

func TestRunnerStartError(t *testing.T) {
	r := newRunner(quiet(), report.Multi{})

	cfg := loopConfig("runner-bad", 0)
	cfg.ChunkSize = 0
	_, err := r.start(context.Background(), cfg)
	require.Error(t, err)
	assert.Nil(t, r.current())
	assert.False(t, errors.Is(err, dataplane.ErrAlreadyStarted))
}

// =============================================================================
// Exit Code Tests
// =============================================================================

// eofLink accepts every write and ends every read with io.EOF
type eofLink struct{}

func (eofLink) Read(p []byte) (int, error)  { return 0, io.EOF }
func (eofLink) Write(p []byte) (int, error) { return len(p), nil }
func (eofLink) Close() error                { return nil }
func (eofLink) String() string              { return "eof" }

func eofOpener(context.Context, transport.Descriptor, transport.Options) (transport.Transport, error) {
	return eofLink{}, nil
}

func TestRunTestCleanRun(t *testing.T) {
	code := runTest(context.Background(), loopConfig("exit-clean", 200*time.Millisecond), quiet(), report.Multi{})
	assert.Equal(t, 0, code)
}

func TestRunTestFaultExitsNonZero(t *testing.T) {
	cfg := loopConfig("exit-fault", 0)
	code := runTest(context.Background(), cfg, quiet(), report.Multi{}, dataplane.WithOpener(eofOpener))
	assert.Equal(t, 1, code)
}

func TestRunTestFaultExitsNonZeroWhenKeepGoing(t *testing.T) {
	cfg := loopConfig("exit-keep-going", 200*time.Millisecond)
	cfg.StopOnFault = false
	code := runTest(context.Background(), cfg, quiet(), report.Multi{}, dataplane.WithOpener(eofOpener))
	assert.Equal(t, 1, code)
}

func TestRunTestInterrupted(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	assert.Equal(t, 0, runTest(ctx, loopConfig("exit-interrupt", 0), quiet(), report.Multi{}))
}
