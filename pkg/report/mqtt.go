package report

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/krisarmstrong/ser2tcp-tester/pkg/session"
)

// MQTTOptions configures the MQTT publisher
type MQTTOptions struct {
	Broker   string // host:port
	ClientID string
	Topic    string // prefix, e.g. "ser2tcp-tester"
	QoS      byte
	Timeout  time.Duration
}

// Publisher is the part of mqtt.Client the reporter uses
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTT publishes session events as JSON messages under
// <topic>/<session>/{throughput,fault,final}.
type MQTT struct {
	client  Publisher
	prefix  string
	qos     byte
	timeout time.Duration
	log     *slog.Logger
}

type message struct {
	Type        string  `json:"type"`
	Session     string  `json:"session"`
	ID          string  `json:"id"`
	Time        int64   `json:"timestamp"`
	Bytes       uint64  `json:"bytes,omitempty"`
	WindowMs    int64   `json:"window_ms,omitempty"`
	BytesPerSec float64 `json:"bytes_per_sec,omitempty"`
	RxTotal     uint64  `json:"rx_total,omitempty"`
	TxTotal     uint64  `json:"tx_total,omitempty"`
	Pending     int     `json:"pending"`
	Direction   string  `json:"direction,omitempty"`
	Error       string  `json:"error,omitempty"`
	DurationMs  int64   `json:"duration_ms,omitempty"`
}

// NewMQTT wraps an already connected client
func NewMQTT(client Publisher, opts MQTTOptions, logger *slog.Logger) *MQTT {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Topic == "" {
		opts.Topic = "ser2tcp-tester"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	return &MQTT{
		client:  client,
		prefix:  strings.TrimSuffix(opts.Topic, "/"),
		qos:     opts.QoS,
		timeout: opts.Timeout,
		log:     logger.With("component", "mqtt"),
	}
}

// ConnectMQTT dials the broker and returns a publisher plus a disconnect func
func ConnectMQTT(ctx context.Context, opts MQTTOptions, logger *slog.Logger) (*MQTT, func(), error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}

	co := mqtt.NewClientOptions()
	co.AddBroker(fmt.Sprintf("tcp://%s", opts.Broker))
	co.SetClientID(opts.ClientID)
	co.SetAutoReconnect(true)
	co.SetConnectTimeout(opts.Timeout)
	co.OnConnectionLost = func(c mqtt.Client, err error) {
		logger.Warn("mqtt connection lost, will auto-reconnect", "broker", opts.Broker, "error", err)
	}

	client := mqtt.NewClient(co)
	logger.Info("connecting to mqtt broker", "broker", opts.Broker)

	token := client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case <-time.After(opts.Timeout):
		return nil, nil, fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, nil, fmt.Errorf("mqtt connection failed: %w", err)
	}

	disconnect := func() { client.Disconnect(250) }
	return NewMQTT(client, opts, logger), disconnect, nil
}

// Topic returns the topic used for a session event kind
func (m *MQTT) Topic(sessionName, kind string) string {
	return m.prefix + "/" + sanitizeTopic(sessionName) + "/" + kind
}

func sanitizeTopic(s string) string {
	return strings.NewReplacer("/", "_", "+", "_", "#", "_", " ", "_").Replace(s)
}

func (m *MQTT) publish(sessionName, kind string, msg message, wait bool) {
	payload, err := json.Marshal(msg)
	if err != nil {
		m.log.Error("marshal mqtt message", "error", err)
		return
	}

	token := m.client.Publish(m.Topic(sessionName, kind), m.qos, false, payload)
	if !wait {
		return
	}
	if !token.WaitTimeout(m.timeout) {
		m.log.Warn("mqtt publish timeout", "kind", kind, "session", sessionName)
		return
	}
	if err := token.Error(); err != nil {
		m.log.Warn("mqtt publish failed", "kind", kind, "session", sessionName, "error", err)
	}
}

func (m *MQTT) Throughput(r session.Report) {
	m.publish(r.Session, "throughput", message{
		Type:        "throughput",
		Session:     r.Session,
		ID:          r.ID,
		Time:        r.Time.Unix(),
		Bytes:       r.Bytes,
		WindowMs:    r.Window.Milliseconds(),
		BytesPerSec: r.BytesPerSec,
		RxTotal:     r.RxTotal,
		TxTotal:     r.TxTotal,
		Pending:     r.Pending,
	}, false)
}

func (m *MQTT) Fault(f session.Fault) {
	m.publish(f.Session, "fault", message{
		Type:      "fault",
		Session:   f.Session,
		ID:        f.ID,
		Time:      f.Time.Unix(),
		Direction: string(f.Direction),
		Error:     f.Err.Error(),
	}, true)
}

func (m *MQTT) Final(s session.Summary) {
	msg := message{
		Type:        "final",
		Session:     s.Session,
		ID:          s.ID,
		Time:        time.Now().Unix(),
		BytesPerSec: s.AvgBytesPerSec,
		RxTotal:     s.RxBytes,
		TxTotal:     s.TxBytes,
		Pending:     s.Pending,
		DurationMs:  s.Duration.Milliseconds(),
	}
	if s.Err != nil {
		msg.Error = s.Err.Error()
	}
	m.publish(s.Session, "final", msg, true)
}
