// Package web provides a web server and API for ser2tcp-tester
package web

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/krisarmstrong/ser2tcp-tester/pkg/config"
	"github.com/krisarmstrong/ser2tcp-tester/pkg/generator"
	"github.com/krisarmstrong/ser2tcp-tester/pkg/session"
)

// Version reported by /api/health
const Version = "1.0.0"

// Test status values
const (
	StatusIdle      = "idle"
	StatusRunning   = "running"
	StatusStopping  = "stopping"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// maxHistory bounds the report and fault history kept for the API
const maxHistory = 600

// SessionStats is the live view of one session
type SessionStats struct {
	Session  string  `json:"session"`
	ID       string  `json:"id"`
	TxBytes  uint64  `json:"tx_bytes"`
	RxBytes  uint64  `json:"rx_bytes"`
	Pending  int     `json:"pending"`
	RateKBps float64 `json:"rate_kbps"`
	TXState  string  `json:"tx_state"`
	RXState  string  `json:"rx_state"`
	Started  int64   `json:"started,omitempty"`
}

// Stats for API responses
type Stats struct {
	State    string         `json:"state"`
	Message  string         `json:"message,omitempty"`
	Mode     string         `json:"mode,omitempty"`
	Faults   int            `json:"faults"`
	Sessions []SessionStats `json:"sessions"`
}

// Report is one throughput window
type Report struct {
	Session     string  `json:"session"`
	ID          string  `json:"id"`
	Timestamp   int64   `json:"timestamp"`
	WindowMs    int64   `json:"window_ms"`
	Bytes       uint64  `json:"bytes"`
	BytesPerSec float64 `json:"bytes_per_sec"`
	RxTotal     uint64  `json:"rx_total"`
	TxTotal     uint64  `json:"tx_total"`
	Pending     int     `json:"pending"`
}

// Fault is a worker failure
type Fault struct {
	Session   string `json:"session"`
	ID        string `json:"id"`
	Direction string `json:"direction"`
	Error     string `json:"error"`
	Timestamp int64  `json:"timestamp"`
}

// Result is the final summary of one session
type Result struct {
	Session        string  `json:"session"`
	ID             string  `json:"id"`
	DurationSec    float64 `json:"duration_sec"`
	TxBytes        uint64  `json:"tx_bytes"`
	RxBytes        uint64  `json:"rx_bytes"`
	AvgBytesPerSec float64 `json:"avg_bytes_per_sec"`
	Pending        int     `json:"pending"`
	TXState        string  `json:"tx_state"`
	RXState        string  `json:"rx_state"`
	Error          string  `json:"error,omitempty"`
	Timestamp      int64   `json:"timestamp"`
}

// Config is the part of the configuration exposed over the API
type Config struct {
	Devices     []string `json:"devices"`
	ChunkSize   int      `json:"chunk_size,omitempty"`
	Pattern     string   `json:"pattern,omitempty"`
	Seed        uint64   `json:"seed,omitempty"`
	DurationSec float64  `json:"duration_sec,omitempty"`
	StopOnFault *bool    `json:"stop_on_fault,omitempty"`
}

// FromConfig builds the API view of cfg
func FromConfig(cfg *config.Config) Config {
	stop := cfg.StopOnFault
	return Config{
		Devices:     append([]string(nil), cfg.Devices...),
		ChunkSize:   cfg.ChunkSize,
		Pattern:     string(cfg.Pattern),
		Seed:        cfg.Seed,
		DurationSec: cfg.Duration.Seconds(),
		StopOnFault: &stop,
	}
}

// Apply returns a copy of base with every field set in c overridden
func (c Config) Apply(base *config.Config) *config.Config {
	out := *base
	if len(c.Devices) > 0 {
		out.Devices = append([]string(nil), c.Devices...)
	}
	if c.ChunkSize > 0 {
		out.ChunkSize = c.ChunkSize
	}
	if c.Pattern != "" {
		out.Pattern = generator.PatternType(c.Pattern)
	}
	if c.Seed != 0 {
		out.Seed = c.Seed
	}
	if c.DurationSec > 0 {
		out.Duration = time.Duration(c.DurationSec * float64(time.Second))
	}
	if c.StopOnFault != nil {
		out.StopOnFault = *c.StopOnFault
	}
	return &out
}

// Server represents the web server
type Server struct {
	addr    string
	mux     *http.ServeMux
	server  *http.Server
	log     *slog.Logger
	mu      sync.RWMutex
	stats   Stats
	order   []string
	live    map[string]*SessionStats
	reports []Report
	faults  []Fault
	results []Result
	config  Config

	metrics     http.Handler
	metricsPath string

	// Callbacks
	OnStart func(cfg Config) error
	OnStop  func() error
}

// Option for server configuration
type Option func(*Server)

// WithMetrics mounts a metrics handler at path
func WithMetrics(h http.Handler, path string) Option {
	return func(s *Server) {
		if path == "" {
			path = "/metrics"
		}
		s.metrics = h
		s.metricsPath = path
	}
}

// WithLogger sets the server logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// New creates a new web server
func New(addr string, opts ...Option) *Server {
	s := &Server{
		addr:    addr,
		mux:     http.NewServeMux(),
		log:     slog.Default(),
		stats:   Stats{State: StatusIdle},
		live:    make(map[string]*SessionStats),
		reports: make([]Report, 0),
		faults:  make([]Fault, 0),
		results: make([]Result, 0),
	}

	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "web")

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// API routes
	s.mux.HandleFunc("/api/stats", s.handleStats)
	s.mux.HandleFunc("/api/reports", s.handleReports)
	s.mux.HandleFunc("/api/faults", s.handleFaults)
	s.mux.HandleFunc("/api/results", s.handleResults)
	s.mux.HandleFunc("/api/config", s.handleConfig)
	s.mux.HandleFunc("/api/start", s.handleStart)
	s.mux.HandleFunc("/api/stop", s.handleStop)
	s.mux.HandleFunc("/api/health", s.handleHealth)

	if s.metrics != nil {
		s.mux.Handle(s.metricsPath, s.metrics)
	}

	s.mux.HandleFunc("/", s.handleRoot)
}

// Handler returns the routed handler, mainly for tests
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>ser2tcp-tester</title>
    <style>
        body { font-family: system-ui, sans-serif; background: #1a1a2e; color: #eee; margin: 40px; }
        h1 { color: #0f0; }
        h2 { color: #4da6ff; }
        .card { background: #16213e; padding: 20px; border-radius: 8px; margin: 10px 0; }
        pre { background: #0f0f23; padding: 10px; border-radius: 4px; overflow-x: auto; font-size: 13px; }
        a { color: #4da6ff; }
    </style>
</head>
<body>
    <h1>ser2tcp-tester</h1>
    <div class="card">
        <h2>API Endpoints</h2>
        <ul>
            <li><a href="/api/stats">GET /api/stats</a> - Live session statistics</li>
            <li><a href="/api/reports">GET /api/reports</a> - Throughput reports</li>
            <li><a href="/api/faults">GET /api/faults</a> - Faults</li>
            <li><a href="/api/results">GET /api/results</a> - Final session summaries</li>
            <li><a href="/api/config">GET /api/config</a> - Current configuration</li>
            <li>POST /api/start - Start test</li>
            <li>POST /api/stop - Stop test</li>
            <li><a href="/api/health">GET /api/health</a> - Health check</li>
        </ul>
    </div>
    <div class="card">
        <h2>Echo test</h2>
        <pre>curl -X POST http://localhost%s/api/start \
  -H "Content-Type: application/json" \
  -d '{"devices":["tcp:192.168.7.1:8000","echo"],"chunk_size":100}'</pre>
        <h2>Bridge test</h2>
        <pre>curl -X POST http://localhost%s/api/start \
  -H "Content-Type: application/json" \
  -d '{"devices":["serial:/dev/ttyUSB0:115200","tcp:192.168.7.1:8000"],"pattern":"prbs"}'</pre>
    </div>
</body>
</html>`, s.addr, s.addr)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
		"version":   Version,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, s.Stats())
}

func (s *Server) handleReports(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.mu.RLock()
	reports := make([]Report, len(s.reports))
	copy(reports, s.reports)
	s.mu.RUnlock()

	writeJSON(w, reports)
}

func (s *Server) handleFaults(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.mu.RLock()
	faults := make([]Fault, len(s.faults))
	copy(faults, s.faults)
	s.mu.RUnlock()

	writeJSON(w, faults)
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.mu.RLock()
	results := make([]Result, len(s.results))
	copy(results, s.results)
	s.mu.RUnlock()

	writeJSON(w, results)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	cfg := s.config
	s.mu.RUnlock()

	writeJSON(w, cfg)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var cfg Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		http.Error(w, fmt.Sprintf("Invalid config: %v", err), http.StatusBadRequest)
		return
	}

	s.ClearResults()
	s.SetConfig(cfg)

	if s.OnStart != nil {
		if err := s.OnStart(cfg); err != nil {
			http.Error(w, fmt.Sprintf("Start failed: %v", err), http.StatusInternalServerError)
			return
		}
	}

	writeJSON(w, map[string]string{"status": "started"})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.OnStop != nil {
		if err := s.OnStop(); err != nil {
			http.Error(w, fmt.Sprintf("Stop failed: %v", err), http.StatusInternalServerError)
			return
		}
	}

	writeJSON(w, map[string]string{"status": "stopped"})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// SetConfig sets the configuration shown by /api/config
func (s *Server) SetConfig(cfg Config) {
	s.mu.Lock()
	s.config = cfg
	s.mu.Unlock()
}

// Stats returns the current statistics with sessions in start order
func (s *Server) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := s.stats
	stats.Faults = len(s.faults)
	stats.Sessions = make([]SessionStats, 0, len(s.order))
	for _, name := range s.order {
		stats.Sessions = append(stats.Sessions, *s.live[name])
	}
	return stats
}

// UpdateSessions merges live session snapshots into the statistics
func (s *Server) UpdateSessions(snaps []session.Stats) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, st := range snaps {
		ss := s.sessionLocked(st.Session)
		ss.ID = st.ID
		ss.TxBytes = st.TxBytes
		ss.RxBytes = st.RxBytes
		ss.Pending = st.Pending
		ss.TXState = st.TXState.String()
		ss.RXState = st.RXState.String()
		ss.Started = st.Started.Unix()
	}
}

func (s *Server) sessionLocked(name string) *SessionStats {
	ss, ok := s.live[name]
	if !ok {
		ss = &SessionStats{Session: name}
		s.live[name] = ss
		s.order = append(s.order, name)
	}
	return ss
}

// UpdateStatus updates the test status
func (s *Server) UpdateStatus(status, message string) {
	s.mu.Lock()
	s.stats.State = status
	s.stats.Message = message
	s.mu.Unlock()
}

// SetMode records echo or bridge for /api/stats
func (s *Server) SetMode(mode string) {
	s.mu.Lock()
	s.stats.Mode = mode
	s.mu.Unlock()
}

// ClearResults clears every report, fault, result and session
func (s *Server) ClearResults() {
	s.mu.Lock()
	s.reports = s.reports[:0]
	s.faults = s.faults[:0]
	s.results = s.results[:0]
	s.live = make(map[string]*SessionStats)
	s.order = nil
	s.mu.Unlock()
}

// Throughput records one window report
func (s *Server) Throughput(r session.Report) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reports = appendCapped(s.reports, Report{
		Session:     r.Session,
		ID:          r.ID,
		Timestamp:   r.Time.Unix(),
		WindowMs:    r.Window.Milliseconds(),
		Bytes:       r.Bytes,
		BytesPerSec: r.BytesPerSec,
		RxTotal:     r.RxTotal,
		TxTotal:     r.TxTotal,
		Pending:     r.Pending,
	})

	ss := s.sessionLocked(r.Session)
	ss.ID = r.ID
	ss.RateKBps = r.KBps()
	ss.RxBytes = r.RxTotal
	ss.TxBytes = r.TxTotal
	ss.Pending = r.Pending
}

// Fault records a worker failure
func (s *Server) Fault(f session.Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.faults = appendCapped(s.faults, Fault{
		Session:   f.Session,
		ID:        f.ID,
		Direction: string(f.Direction),
		Error:     f.Err.Error(),
		Timestamp: f.Time.Unix(),
	})
}

// Final records a session summary
func (s *Server) Final(sum session.Summary) {
	res := Result{
		Session:        sum.Session,
		ID:             sum.ID,
		DurationSec:    sum.Duration.Seconds(),
		TxBytes:        sum.TxBytes,
		RxBytes:        sum.RxBytes,
		AvgBytesPerSec: sum.AvgBytesPerSec,
		Pending:        sum.Pending,
		TXState:        sum.TXState.String(),
		RXState:        sum.RXState.String(),
		Timestamp:      time.Now().Unix(),
	}
	if sum.Err != nil {
		res.Error = sum.Err.Error()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.results = append(s.results, res)
	ss := s.sessionLocked(sum.Session)
	ss.RateKBps = 0
	ss.TxBytes = sum.TxBytes
	ss.RxBytes = sum.RxBytes
	ss.Pending = sum.Pending
	ss.TXState = res.TXState
	ss.RXState = res.RXState
}

func appendCapped[T any](s []T, v T) []T {
	s = append(s, v)
	if len(s) > maxHistory {
		s = append(s[:0], s[len(s)-maxHistory:]...)
	}
	return s
}

// Start begins serving HTTP requests
func (s *Server) Start() error {
	s.mu.Lock()
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	srv := s.server
	s.mu.Unlock()

	s.log.Info("starting web server", "addr", s.addr)
	return srv.ListenAndServe()
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	s.mu.RLock()
	srv := s.server
	s.mu.RUnlock()

	if srv != nil {
		return srv.Close()
	}
	return nil
}
