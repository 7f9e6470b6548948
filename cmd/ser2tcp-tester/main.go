// ser2tcp-tester - throughput and integrity tester for duplex byte streams
//
// Pushes a known byte pattern through serial ports, TCP sockets and QUIC
// streams and validates every byte that comes back:
// - echo mode: one device whose far end loops data back
// - bridge mode: two devices wired to each other, validated both ways
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/krisarmstrong/ser2tcp-tester/pkg/config"
	"github.com/krisarmstrong/ser2tcp-tester/pkg/dataplane"
	"github.com/krisarmstrong/ser2tcp-tester/pkg/generator"
	"github.com/krisarmstrong/ser2tcp-tester/pkg/metrics"
	"github.com/krisarmstrong/ser2tcp-tester/pkg/report"
	"github.com/krisarmstrong/ser2tcp-tester/pkg/session"
	"github.com/krisarmstrong/ser2tcp-tester/pkg/tui"
	"github.com/krisarmstrong/ser2tcp-tester/pkg/web"
)

var (
	version      = "1.0.0"
	cfgFile      string
	devices      []string
	chunkSize    int
	pattern      string
	seed         uint64
	duration     time.Duration
	webAddr      string
	metricsAddr  string
	mqttBroker   string
	outputFormat string
	keepGoing    bool
	useTUI       bool
	verbose      bool
)

// statsEvery is how often the front ends poll live session stats
const statsEvery = 500 * time.Millisecond

func main() {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ser2tcp-tester [device] [device]",
		Short: "ser2tcp-tester - Throughput and integrity testing for serial and TCP links",
		Long: `ser2tcp-tester v` + version + `

Sends a generated byte stream through a link and checks every byte received.

Devices:
  tcp:<host:port>          TCP client connection
  serial:<device:baud>     Serial port, e.g. serial:/dev/ttyUSB0:115200
  quic:<host:port>         QUIC stream
  loop:<name>              In-process loopback
  echo                     Second device only: the first device echoes back

Examples:
  # Test a ser2net port that loops back to itself
  ser2tcp-tester -d tcp:10.0.0.5:4001 -d echo

  # Test a serial adapter against its TCP server, both directions
  ser2tcp-tester serial:/dev/ttyUSB0:115200 tcp:10.0.0.5:4001

  # Run with TUI or Web UI
  ser2tcp-tester -d tcp:10.0.0.5:4001 -d echo --tui
  ser2tcp-tester --web :8080

  # Use config file
  ser2tcp-tester -c config.yaml`,
		Args: cobra.MaximumNArgs(2),
		Run:  runMain,
	}

	// Flags
	rootCmd.Flags().StringVarP(&cfgFile, "config", "c", "", "Config file (YAML)")
	rootCmd.Flags().StringArrayVarP(&devices, "device", "d", nil, "Device descriptor, given twice")
	rootCmd.Flags().IntVarP(&chunkSize, "chunk-size", "s", 0, "Bytes per generated chunk")
	rootCmd.Flags().StringVarP(&pattern, "pattern", "p", "", "Pattern: zero, counter, prbs")
	rootCmd.Flags().Uint64Var(&seed, "seed", 0, "PRBS seed")
	rootCmd.Flags().DurationVar(&duration, "duration", 0, "Stop after this long (0 = until interrupted)")
	rootCmd.Flags().StringVar(&webAddr, "web", "", "Enable Web UI on address (e.g., :8080)")
	rootCmd.Flags().StringVar(&metricsAddr, "metrics", "", "Serve Prometheus metrics on address (e.g., :9090)")
	rootCmd.Flags().StringVar(&mqttBroker, "mqtt", "", "Publish reports to MQTT broker host:port")
	rootCmd.Flags().StringVar(&outputFormat, "output-format", "", "Log format: text, json")
	rootCmd.Flags().BoolVar(&keepGoing, "keep-going", false, "Keep other sessions running after a fault")
	rootCmd.Flags().BoolVar(&useTUI, "tui", false, "Enable terminal UI")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")

	// Version command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ser2tcp-tester v%s\n", version)
		},
	})

	// Config command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "init-config <path>",
		Short: "Write the default configuration to a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			cfg.Devices = []string{"tcp:127.0.0.1:4001", "echo"}
			return cfg.Save(args[0])
		},
	})

	return rootCmd
}

func runMain(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig(cmd, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// Signal handling
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Mode selection
	var code int
	if useTUI {
		code = runTUI(ctx, cfg)
	} else if cfg.WebUI.Enabled {
		code = runWebOnly(ctx, cfg)
	} else {
		code = runCLI(ctx, cfg)
	}
	stop()
	os.Exit(code)
}

// loadConfig reads the config file, if any, and applies flags on top
func loadConfig(cmd *cobra.Command, args []string) (*config.Config, error) {
	var cfg *config.Config
	var err error

	if cfgFile != "" {
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	// Override with CLI flags
	devs := append(append([]string(nil), devices...), args...)
	if len(devs) > 0 {
		cfg.Devices = devs
	}
	flags := cmd.Flags()
	if flags.Changed("chunk-size") {
		cfg.ChunkSize = chunkSize
	}
	if flags.Changed("pattern") {
		cfg.Pattern = generator.PatternType(pattern)
	}
	if flags.Changed("seed") {
		cfg.Seed = seed
	}
	if flags.Changed("duration") {
		cfg.Duration = duration
	}
	if webAddr != "" {
		cfg.WebUI.Enabled = true
		cfg.WebUI.Address = webAddr
	}
	if metricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Address = metricsAddr
	}
	if mqttBroker != "" {
		cfg.MQTT.Enabled = true
		cfg.MQTT.Broker = mqttBroker
	}
	if outputFormat != "" {
		cfg.OutputFormat = config.OutputFormat(outputFormat)
	}
	if keepGoing {
		cfg.StopOnFault = false
	}
	if verbose {
		cfg.Verbose = true
	}

	// The web UI may start without devices; tests then come from the API.
	if len(cfg.Devices) == 0 && cfg.WebUI.Enabled {
		return cfg, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if cfg.Verbose {
		opts.Level = slog.LevelDebug
	}
	if cfg.OutputFormat == config.FormatJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// sinks builds the reporters every mode shares: log records, metrics and
// MQTT. The returned cleanup releases the metrics server and broker link.
func sinks(ctx context.Context, cfg *config.Config, logger *slog.Logger) (report.Multi, *metrics.Collector, func(), error) {
	reporters := report.Multi{report.NewLogger(logger)}
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.New()
		reporters = append(reporters, collector)

		// Standalone endpoint unless the web server mounts it
		if !cfg.WebUI.Enabled || cfg.Metrics.Address != cfg.WebUI.Address {
			srv := serveMetrics(cfg.Metrics, collector, logger)
			cleanups = append(cleanups, func() { srv.Close() })
		}
	}

	if cfg.MQTT.Enabled {
		pub, disconnect, err := report.ConnectMQTT(ctx, report.MQTTOptions{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Topic:    cfg.MQTT.Topic,
			QoS:      cfg.MQTT.QoS,
		}, logger)
		if err != nil {
			cleanup()
			return nil, nil, nil, err
		}
		reporters = append(reporters, pub)
		cleanups = append(cleanups, disconnect)
	}

	return reporters, collector, cleanup, nil
}

func serveMetrics(mc config.MetricsConfig, collector *metrics.Collector, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(mc.Path, collector.Handler())
	srv := &http.Server{
		Addr:              mc.Address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("serving metrics", "addr", mc.Address, "path", mc.Path)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "error", err)
		}
	}()
	return srv
}

func runCLI(ctx context.Context, cfg *config.Config) int {
	logger := newLogger(cfg, os.Stderr)
	logger.Info("ser2tcp-tester", "version", version)

	reporters, _, cleanup, err := sinks(ctx, cfg, logger)
	if err != nil {
		logger.Error("setup failed", "error", err)
		return 1
	}
	defer cleanup()

	return runTest(ctx, cfg, logger, reporters)
}

// runTest runs one test to completion and returns the exit code: 1 when a
// worker faulted or the run could not start, 0 otherwise.
func runTest(ctx context.Context, cfg *config.Config, logger *slog.Logger, rep session.Reporter, opts ...dataplane.Option) int {
	opts = append([]dataplane.Option{
		dataplane.WithLogger(logger),
		dataplane.WithReporter(rep),
	}, opts...)
	dp, err := dataplane.NewContext(cfg, opts...)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		return 1
	}
	if err := dp.Run(ctx); err != nil {
		logger.Error("failed to start test", "error", err)
		return 1
	}

	err = dp.Wait()
	if dp.Faulted() {
		logger.Error("test failed", "error", err)
		return 1
	}
	if err != nil {
		logger.Error("test ended with error", "error", err)
		return 1
	}
	if ctx.Err() != nil {
		logger.Info("test interrupted")
	}
	return 0
}

func runTUI(ctx context.Context, cfg *config.Config) int {
	app := tui.New()
	logger := newLogger(cfg, app.Writer())

	reporters, _, cleanup, err := sinks(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer cleanup()

	r := newRunner(logger, append(reporters, app))
	failed := false
	r.OnBegin = func(dp *dataplane.Context, c *config.Config) {
		app.Begin(c.Duration)
		app.SetStatus(fmt.Sprintf("[green]%s[white] %s | [red]F2[white] Stop | [blue]F10[white] Quit",
			dp.State(), dp.Mode()))
	}
	r.OnDone = func(dp *dataplane.Context, err error) {
		app.UpdateSessions(dp.Stats())
		if err != nil {
			failed = true
			app.SetStatus(fmt.Sprintf("[red]%s[white] | [green]F1[white] Restart | [blue]F10[white] Quit", dp.State()))
			return
		}
		app.SetStatus(fmt.Sprintf("[green]%s[white] | [green]F1[white] Restart | [blue]F10[white] Quit", dp.State()))
	}

	// Set up callbacks
	app.OnStart = func() {
		if _, err := r.start(ctx, cfg); err != nil {
			app.LogError("start: %v", err)
		}
	}
	app.OnStop = func() {
		app.LogInfo("Stopping test...")
		if err := r.stop(); err != nil {
			app.LogWarn("stop: %v", err)
		}
	}
	app.OnCancel = app.OnStop
	app.OnQuit = func() {
		app.LogInfo("Shutting down...")
	}

	app.LogInfo("ser2tcp-tester v%s", version)
	app.LogInfo("Devices: %v", cfg.Devices)
	app.LogInfo("Pattern: %s, chunk size %d bytes", cfg.Pattern, cfg.ChunkSize)
	app.Log("Press F1 to start, F10 to quit")

	// Poll live stats, stop the UI on signal
	go func() {
		ticker := time.NewTicker(statsEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				r.close()
				app.Stop()
				return
			case <-ticker.C:
				app.UpdateSessions(r.snapshot())
			}
		}
	}()

	if err := app.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	r.close()
	if failed {
		return 1
	}
	return 0
}

func runWebOnly(ctx context.Context, cfg *config.Config) int {
	logger := newLogger(cfg, os.Stderr)

	reporters, collector, cleanup, err := sinks(ctx, cfg, logger)
	if err != nil {
		logger.Error("setup failed", "error", err)
		return 1
	}
	defer cleanup()

	opts := []web.Option{web.WithLogger(logger)}
	if collector != nil && cfg.Metrics.Address == cfg.WebUI.Address {
		opts = append(opts, web.WithMetrics(collector.Handler(), cfg.Metrics.Path))
	}
	srv := web.New(cfg.WebUI.Address, opts...)
	srv.SetConfig(web.FromConfig(cfg))

	r := newRunner(logger, append(reporters, srv))
	r.OnBegin = func(dp *dataplane.Context, _ *config.Config) {
		srv.SetMode(string(dp.Mode()))
		srv.UpdateStatus(web.StatusRunning, "")
	}
	r.OnDone = func(dp *dataplane.Context, err error) {
		srv.UpdateSessions(dp.Stats())
		if err != nil {
			srv.UpdateStatus(web.StatusFailed, err.Error())
			return
		}
		srv.UpdateStatus(web.StatusCompleted, "")
	}

	srv.OnStart = func(webCfg web.Config) error {
		runCfg := webCfg.Apply(cfg)
		logger.Info("starting test", "devices", runCfg.Devices, "pattern", string(runCfg.Pattern))
		_, err := r.start(ctx, runCfg)
		return err
	}
	srv.OnStop = func() error {
		logger.Info("stopping test")
		if err := r.stop(); err != nil {
			return err
		}
		srv.UpdateStatus(web.StatusStopping, "")
		return nil
	}

	// Poll live stats, stop the server on signal
	go func() {
		ticker := time.NewTicker(statsEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				logger.Info("shutting down")
				r.close()
				srv.Stop()
				return
			case <-ticker.C:
				srv.UpdateSessions(r.snapshot())
			}
		}
	}()

	logger.Info("ser2tcp-tester", "version", version, "web_ui", "http://localhost"+cfg.WebUI.Address)

	// A config with devices starts right away
	if len(cfg.Devices) > 0 {
		if _, err := r.start(ctx, cfg); err != nil {
			logger.Error("failed to start test", "error", err)
		}
	}

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("web server error", "error", err)
		r.close()
		return 1
	}
	r.close()
	return 0
}
