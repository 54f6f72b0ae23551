// Package telemetry publishes session milestones to an MQTT broker.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/banshee-data/omrloop/internal/calibration"
	"github.com/banshee-data/omrloop/internal/monitoring"
	"github.com/banshee-data/omrloop/internal/session"
)

var logf = monitoring.Component("telemetry")

const (
	DefaultTopicPrefix = "omrloop"
	queueDepth         = 64
	publishTimeout     = 2 * time.Second
)

// Config selects the broker. An empty Broker disables publishing.
type Config struct {
	Broker      string
	ClientID    string
	TopicPrefix string
	QoS         byte
}

// Stats counts publisher activity.
type Stats struct {
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
	Errors    uint64 `json:"errors"`
}

// publishClient is the part of mqtt.Client the worker uses.
type publishClient interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

type message struct {
	topic    string
	retained bool
	payload  []byte
}

// Publisher implements session.Observer. Messages are queued and sent by
// a worker goroutine so the frame loop never waits on the broker; when
// the queue is full the message is dropped.
type Publisher struct {
	cfg    Config
	client publishClient
	queue  chan message
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
	stats  Stats

	disconnect func()
}

var _ session.Observer = (*Publisher)(nil)

// Connect dials the broker and starts the worker. With an empty broker it
// returns a disabled publisher.
func Connect(ctx context.Context, cfg Config) (*Publisher, error) {
	if cfg.Broker == "" {
		return &Publisher{cfg: cfg}, nil
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logf("mqtt connection lost: %v", err)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	timeout := 5 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	if !token.WaitTimeout(timeout) {
		return nil, fmt.Errorf("mqtt connect to %s: timed out", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", cfg.Broker, err)
	}
	logf("connected to %s", cfg.Broker)

	p := newPublisher(cfg, client)
	p.disconnect = func() { client.Disconnect(250) }
	return p, nil
}

func newPublisher(cfg Config, client publishClient) *Publisher {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultTopicPrefix
	}
	p := &Publisher{
		cfg:    cfg,
		client: client,
		queue:  make(chan message, queueDepth),
	}
	p.wg.Add(1)
	go p.run()
	return p
}

// Enabled reports whether messages go anywhere.
func (p *Publisher) Enabled() bool { return p.client != nil }

func (p *Publisher) run() {
	defer p.wg.Done()
	for m := range p.queue {
		token := p.client.Publish(m.topic, p.cfg.QoS, m.retained, m.payload)
		var err error
		if !token.WaitTimeout(publishTimeout) {
			err = fmt.Errorf("publish timeout")
		} else {
			err = token.Error()
		}
		p.mu.Lock()
		if err != nil {
			p.stats.Errors++
		} else {
			p.stats.Published++
		}
		p.mu.Unlock()
		if err != nil {
			logf("publish %s: %v", m.topic, err)
		}
	}
}

func (p *Publisher) topic(sessionID, kind string) string {
	return p.cfg.TopicPrefix + "/" + sessionID + "/" + kind
}

func (p *Publisher) enqueue(m message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- m:
	default:
		p.stats.Dropped++
	}
}

func (p *Publisher) publishJSON(topic string, retained bool, v any) {
	if !p.Enabled() {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		logf("encode %s: %v", topic, err)
		return
	}
	p.enqueue(message{topic: topic, retained: retained, payload: payload})
}

// Calibrated publishes the parameters as a retained message.
func (p *Publisher) Calibrated(sessionID string, params calibration.Parameters) {
	p.publishJSON(p.topic(sessionID, "calibration"), true, params)
}

// TrialFinished publishes the trial summary.
func (p *Publisher) TrialFinished(sessionID string, t session.TrialSummary) {
	p.publishJSON(p.topic(sessionID, "trial"), false, t)
}

// Stats returns a snapshot of the counters.
func (p *Publisher) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Close sends what is queued and disconnects.
func (p *Publisher) Close() {
	if !p.Enabled() {
		return
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
	if p.disconnect != nil {
		p.disconnect()
	}
}
