// Package tui provides a terminal user interface for ser2tcp-tester.
//
// Reporter calls never touch tview primitives directly: they update state
// under a mutex and a refresher goroutine redraws the screen while the
// application runs, so a session worker is never blocked by the UI.
package tui

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/krisarmstrong/ser2tcp-tester/pkg/session"
)

const (
	maxReportRows  = 200
	maxPendingLogs = 1000
	refreshEvery   = 250 * time.Millisecond
)

const defaultStatus = "[yellow]ser2tcp-tester[white] | [green]F1[white] Start | [red]F2[white] Stop | [blue]F10[white] Quit"

// Row is one line of the session table
type Row struct {
	Session  string
	TxBytes  uint64
	RxBytes  uint64
	RateKBps float64
	Pending  int
	TXState  string
	RXState  string
}

// App represents the TUI application
type App struct {
	app         *tview.Application
	pages       *tview.Pages
	statsView   *tview.Table
	reportsView *tview.Table
	logView     *tview.TextView
	progressBar *tview.TextView
	statusBar   *tview.TextView

	mu       sync.Mutex
	order    []string
	rows     map[string]*Row
	reports  []session.Report
	logs     []string
	status   string
	reset    bool
	started  time.Time
	duration time.Duration

	running     atomic.Bool
	stopRefresh chan struct{}
	refreshDone chan struct{}
	stopOnce    sync.Once

	// Callbacks
	OnStart  func()
	OnStop   func()
	OnCancel func()
	OnQuit   func()
}

// New creates a new TUI application
func New() *App {
	a := &App{
		app:         tview.NewApplication(),
		pages:       tview.NewPages(),
		rows:        make(map[string]*Row),
		status:      defaultStatus,
		stopRefresh: make(chan struct{}),
		refreshDone: make(chan struct{}),
	}
	a.build()
	return a
}

func (a *App) build() {
	// Session table (top)
	a.statsView = tview.NewTable().
		SetBorders(false).
		SetSelectable(false, false)
	a.statsView.SetTitle(" Sessions ").SetBorder(true)
	setHeader(a.statsView, sessionHeaders...)

	// Report history (middle)
	a.reportsView = tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false)
	a.reportsView.SetTitle(" Throughput ").SetBorder(true)
	setHeader(a.reportsView, reportHeaders...)

	// Progress bar
	a.progressBar = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter)
	a.progressBar.SetTitle(" Progress ").SetBorder(true)
	a.progressBar.SetText(progressText(0, 0))

	// Log view (bottom)
	a.logView = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetMaxLines(maxPendingLogs)
	a.logView.SetTitle(" Log ").SetBorder(true)

	// Status bar
	a.statusBar = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter)
	a.statusBar.SetText(defaultStatus)

	mainFlex := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(a.statsView, 0, 1, false).
		AddItem(a.reportsView, 0, 2, false).
		AddItem(a.progressBar, 3, 0, false).
		AddItem(a.logView, 0, 1, false).
		AddItem(a.statusBar, 1, 0, false)

	a.pages.AddPage("main", mainFlex, true, true)

	// Key bindings
	a.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyF1:
			if a.OnStart != nil {
				go a.OnStart()
			}
			return nil
		case tcell.KeyF2:
			if a.OnStop != nil {
				go a.OnStop()
			}
			return nil
		case tcell.KeyF10, tcell.KeyEscape:
			if a.OnQuit != nil {
				a.OnQuit()
			}
			go a.Stop()
			return nil
		case tcell.KeyCtrlC:
			if a.OnCancel != nil {
				a.OnCancel()
			}
			return nil
		}
		return event
	})

	a.app.SetRoot(a.pages, true)
}

var (
	sessionHeaders = []string{"Session", "TX", "RX", "Rate", "Pending", "TX State", "RX State"}
	reportHeaders  = []string{"Time", "Session", "KB/s", "Bytes", "Pending"}
)

func setHeader(t *tview.Table, headers ...string) {
	for i, h := range headers {
		t.SetCell(0, i, tview.NewTableCell(h).
			SetTextColor(tcell.ColorYellow).
			SetAlign(tview.AlignCenter).
			SetSelectable(false).
			SetExpansion(1))
	}
}

// SetScreen replaces the terminal, used with tcell.NewSimulationScreen
func (a *App) SetScreen(s tcell.Screen) { a.app.SetScreen(s) }

// Begin marks the start of a run. A zero duration means open-ended.
func (a *App) Begin(duration time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.started = time.Now()
	a.duration = duration
	a.order = nil
	a.rows = make(map[string]*Row)
	a.reports = a.reports[:0]
	a.reset = true
}

// UpdateSessions refreshes the session table from live snapshots
func (a *App) UpdateSessions(snaps []session.Stats) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, st := range snaps {
		r := a.rowLocked(st.Session)
		r.TxBytes = st.TxBytes
		r.RxBytes = st.RxBytes
		r.Pending = st.Pending
		r.TXState = st.TXState.String()
		r.RXState = st.RXState.String()
	}
}

func (a *App) rowLocked(name string) *Row {
	r, ok := a.rows[name]
	if !ok {
		r = &Row{Session: name, TXState: "-", RXState: "-"}
		a.rows[name] = r
		a.order = append(a.order, name)
	}
	return r
}

// Rows returns a copy of the session table in start order
func (a *App) Rows() []Row {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rowsLocked()
}

func (a *App) rowsLocked() []Row {
	out := make([]Row, 0, len(a.order))
	for _, name := range a.order {
		out = append(out, *a.rows[name])
	}
	return out
}

// Reports returns the report history, oldest first
func (a *App) Reports() []session.Report {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]session.Report(nil), a.reports...)
}

// Throughput adds a report row and updates the session rate
func (a *App) Throughput(r session.Report) {
	a.mu.Lock()
	defer a.mu.Unlock()

	row := a.rowLocked(r.Session)
	row.RateKBps = r.KBps()
	row.RxBytes = r.RxTotal
	row.TxBytes = r.TxTotal
	row.Pending = r.Pending
	if row.TXState == "-" {
		row.TXState, row.RXState = "running", "running"
	}

	a.reports = append(a.reports, r)
	if len(a.reports) > maxReportRows {
		a.reports = append(a.reports[:0], a.reports[len(a.reports)-maxReportRows:]...)
	}
}

// Fault logs a worker failure and marks the session row
func (a *App) Fault(f session.Fault) {
	a.mu.Lock()
	row := a.rowLocked(f.Session)
	if f.Direction == session.DirectionTX {
		row.TXState = "failed"
	} else {
		row.RXState = "failed"
	}
	a.mu.Unlock()

	a.LogError("%s %s: %v", f.Session, f.Direction, f.Err)
}

// Final logs the session summary
func (a *App) Final(s session.Summary) {
	a.mu.Lock()
	row := a.rowLocked(s.Session)
	row.RateKBps = 0
	row.TxBytes = s.TxBytes
	row.RxBytes = s.RxBytes
	row.Pending = s.Pending
	row.TXState = s.TXState.String()
	row.RXState = s.RXState.String()
	a.mu.Unlock()

	msg := fmt.Sprintf("%s finished: %s sent, %s received, avg %.2f KB/s",
		s.Session, FormatBytes(s.TxBytes), FormatBytes(s.RxBytes), s.AvgBytesPerSec/1000)
	if s.Err != nil {
		a.LogError("%s (%v)", msg, s.Err)
		return
	}
	a.LogInfo("%s", msg)
}

// Log adds a message to the log view
func (a *App) Log(format string, args ...interface{}) {
	a.logLine("", format, args...)
}

// LogInfo logs an info message
func (a *App) LogInfo(format string, args ...interface{}) {
	a.logLine("[green][INFO][white] ", format, args...)
}

// LogWarn logs a warning message
func (a *App) LogWarn(format string, args ...interface{}) {
	a.logLine("[yellow][WARN][white] ", format, args...)
}

// LogError logs an error message
func (a *App) LogError(format string, args ...interface{}) {
	a.logLine("[red][ERROR][white] ", format, args...)
}

func (a *App) logLine(tag, format string, args ...interface{}) {
	line := fmt.Sprintf("[gray]%s[white] %s%s",
		time.Now().Format("15:04:05"), tag, tview.Escape(fmt.Sprintf(format, args...)))

	a.mu.Lock()
	a.logs = append(a.logs, line)
	if len(a.logs) > maxPendingLogs {
		a.logs = a.logs[len(a.logs)-maxPendingLogs:]
	}
	a.mu.Unlock()
}

// Writer returns an io.Writer that appends every line to the log view.
// Point a slog handler at it so log output does not tear the screen.
func (a *App) Writer() io.Writer { return logWriter{a} }

type logWriter struct{ a *App }

func (w logWriter) Write(p []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		if line != "" {
			w.a.Log("%s", line)
		}
	}
	return len(p), nil
}

// SetStatus updates the status bar
func (a *App) SetStatus(msg string) {
	a.mu.Lock()
	a.status = msg
	a.mu.Unlock()
}

// render copies state into the primitives. Runs on the event loop.
func (a *App) render() {
	a.mu.Lock()
	rows := a.rowsLocked()
	reports := append([]session.Report(nil), a.reports...)
	logs := a.logs
	a.logs = nil
	status := a.status
	reset := a.reset
	a.reset = false
	var elapsed time.Duration
	if !a.started.IsZero() {
		elapsed = time.Since(a.started)
	}
	duration := a.duration
	a.mu.Unlock()

	if reset {
		a.statsView.Clear()
		setHeader(a.statsView, sessionHeaders...)
		a.reportsView.Clear()
		setHeader(a.reportsView, reportHeaders...)
	}

	for i, r := range rows {
		values := []string{
			r.Session,
			FormatBytes(r.TxBytes),
			FormatBytes(r.RxBytes),
			fmt.Sprintf("%.2f KB/s", r.RateKBps),
			fmt.Sprintf("%d", r.Pending),
			r.TXState,
			r.RXState,
		}
		for col, v := range values {
			a.statsView.SetCell(i+1, col, tview.NewTableCell(v).
				SetTextColor(stateColor(r, col)).
				SetAlign(tview.AlignCenter).
				SetExpansion(1))
		}
	}

	// newest first
	for i := range reports {
		rep := reports[len(reports)-1-i]
		values := []string{
			rep.Time.Format("15:04:05"),
			rep.Session,
			fmt.Sprintf("%.2f", rep.KBps()),
			fmt.Sprintf("%d", rep.Bytes),
			fmt.Sprintf("%d", rep.Pending),
		}
		for col, v := range values {
			a.reportsView.SetCell(i+1, col, tview.NewTableCell(v).
				SetAlign(tview.AlignCenter).
				SetExpansion(1))
		}
	}

	for _, line := range logs {
		fmt.Fprintln(a.logView, line)
	}
	if len(logs) > 0 {
		a.logView.ScrollToEnd()
	}

	a.progressBar.SetText(progressText(elapsed, duration))
	a.statusBar.SetText(status)
}

func stateColor(r Row, col int) tcell.Color {
	if (col == 5 && r.TXState == "failed") || (col == 6 && r.RXState == "failed") {
		return tcell.ColorRed
	}
	return tcell.ColorWhite
}

func (a *App) refresh() {
	defer close(a.refreshDone)

	ticker := time.NewTicker(refreshEvery)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopRefresh:
			return
		case <-ticker.C:
			a.app.QueueUpdateDraw(a.render)
		}
	}
}

// Run starts the TUI application and blocks until Stop
func (a *App) Run() error {
	a.running.Store(true)
	go a.refresh()
	return a.app.Run()
}

// Stop stops the refresher, then the application. Do not call it from
// the event loop; key handlers use a goroutine.
func (a *App) Stop() {
	a.stopOnce.Do(func() {
		close(a.stopRefresh)
		if a.running.Load() {
			select {
			case <-a.refreshDone:
			case <-time.After(time.Second):
			}
		}
		a.app.Stop()
	})
}

// FormatBytes renders a byte count with a binary unit
func FormatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// progressText draws the run progress. Open-ended runs show elapsed time only.
func progressText(elapsed, total time.Duration) string {
	if total <= 0 {
		return fmt.Sprintf("[white]elapsed %s", elapsed.Round(time.Second))
	}

	pct := float64(elapsed) / float64(total) * 100
	if pct > 100 {
		pct = 100
	}

	width := 50
	filled := int(pct / 100.0 * float64(width))

	var b strings.Builder
	for i := 0; i < width; i++ {
		if i < filled {
			b.WriteString("[green]█")
		} else {
			b.WriteString("[gray]░")
		}
	}
	return fmt.Sprintf("%s[white] %.1f%%", b.String(), pct)
}
