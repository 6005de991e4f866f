// Package mqttsink mirrors run events to an MQTT broker so dashboards can
// follow a duel without holding the HTTP stream.
package mqttsink

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/piegosalles10kk/10KK-Cyberbattle-V2/internal/domain"
	"github.com/piegosalles10kk/10KK-Cyberbattle-V2/internal/events"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPublishTimeout = 5 * time.Second
)

// Config contains broker settings
type Config struct {
	Broker      string
	ClientID    string
	TopicPrefix string
	QoS         byte
	// ConnectTimeout bounds the initial CONNECT
	ConnectTimeout time.Duration
	// PublishTimeout bounds how long Finish waits for outstanding publishes
	PublishTimeout time.Duration
}

// publisher is the subset of mqtt.Client used by the sink.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Publisher owns the broker connection and hands out one Sink per run.
type Publisher struct {
	Log *log.Entry

	cfg    Config
	client publisher
	close  func()
	now    func() time.Time
}

// Connect dials the broker. The client id gets a random suffix so several
// instances can share one broker.
func Connect(cfg Config) (*Publisher, error) {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID + "-" + uuid.NewString()[:8]).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	tok := client.Connect()
	if !tok.WaitTimeout(cfg.ConnectTimeout) {
		return nil, fmt.Errorf("connect to %s: timed out after %s", cfg.Broker, cfg.ConnectTimeout)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", cfg.Broker, err)
	}

	p := newPublisher(cfg, client)
	p.close = func() { client.Disconnect(250) }
	p.Log.WithField("broker", cfg.Broker).Info("connected to mqtt broker")
	return p, nil
}

func newPublisher(cfg Config, client publisher) *Publisher {
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaultPublishTimeout
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "cyberduel"
	}
	return &Publisher{
		Log:    log.WithField("component", "mqttsink"),
		cfg:    cfg,
		client: client,
		close:  func() {},
		now:    time.Now,
	}
}

// Topic returns the topic events of testID are published on.
func (p *Publisher) Topic(testID string) string {
	return strings.TrimSuffix(p.cfg.TopicPrefix, "/") + "/" + testID + "/events"
}

// SinkFor matches the mirror factory signature of the API servers.
func (p *Publisher) SinkFor(testID string) domain.EventSink {
	return &Sink{p: p, topic: p.Topic(testID), log: p.Log.WithField("test_id", testID)}
}

func (p *Publisher) Close() { p.close() }

// Sink publishes every event as JSON and a completion record on Finish.
// Broker failures are logged and never reach the run.
type Sink struct {
	p     *Publisher
	topic string
	log   *log.Entry

	mu       sync.Mutex
	pending  sync.WaitGroup
	finished bool
}

func (s *Sink) Emit(level domain.Level, message string, data map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	if data == nil {
		data = map[string]any{}
	}
	s.publish(events.LogEvent{Timestamp: s.p.now(), Level: level, Message: message, Data: data})
}

func (s *Sink) Finish() {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	s.publish(events.Completion{Status: events.CompletedStatus})
	s.mu.Unlock()

	s.pending.Wait()
}

func (s *Sink) publish(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		s.log.WithError(err).Warn("encode mqtt event")
		return
	}
	tok := s.p.client.Publish(s.topic, s.p.cfg.QoS, false, b)

	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		if !tok.WaitTimeout(s.p.cfg.PublishTimeout) {
			s.log.Warn("mqtt publish timed out")
			return
		}
		if err := tok.Error(); err != nil {
			s.log.WithError(err).Warn("mqtt publish failed")
		}
	}()
}
