// Package report turns session events into user-visible output
package report

import (
	"log/slog"
	"time"

	"github.com/krisarmstrong/ser2tcp-tester/pkg/session"
)

// Logger writes every session event as a structured log record
type Logger struct {
	log *slog.Logger
}

// NewLogger returns a reporter writing to l (slog.Default when nil)
func NewLogger(l *slog.Logger) *Logger {
	if l == nil {
		l = slog.Default()
	}
	return &Logger{log: l.With("component", "report")}
}

func (l *Logger) Throughput(r session.Report) {
	l.log.Info("transmission speed",
		"session", r.Session,
		"kbps", round2(r.KBps()),
		"bytes", r.Bytes,
		"window", r.Window.Round(time.Millisecond),
		"rx_total", r.RxTotal,
		"tx_total", r.TxTotal,
		"pending", r.Pending)
}

func (l *Logger) Fault(f session.Fault) {
	l.log.Error("session fault",
		"session", f.Session,
		"id", f.ID,
		"direction", string(f.Direction),
		"error", f.Err)
}

func (l *Logger) Final(s session.Summary) {
	attrs := []any{
		"session", s.Session,
		"id", s.ID,
		"duration", s.Duration.Round(time.Millisecond),
		"tx_bytes", s.TxBytes,
		"rx_bytes", s.RxBytes,
		"avg_kbps", round2(s.AvgBytesPerSec / 1000),
		"pending", s.Pending,
		"tx_state", s.TXState.String(),
		"rx_state", s.RXState.String(),
	}
	if s.Err != nil {
		l.log.Error("final report", append(attrs, "error", s.Err)...)
		return
	}
	l.log.Info("final report", attrs...)
}

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}

// Multi fans every event out to several reporters, in order
type Multi []session.Reporter

func (m Multi) Throughput(r session.Report) {
	for _, rep := range m {
		rep.Throughput(r)
	}
}

func (m Multi) Fault(f session.Fault) {
	for _, rep := range m {
		rep.Fault(f)
	}
}

func (m Multi) Final(s session.Summary) {
	for _, rep := range m {
		rep.Final(s)
	}
}
