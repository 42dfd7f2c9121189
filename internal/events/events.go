// Package events publishes session lifecycle events to Kafka.
package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"

	"github.com/hamzanaeem10/apexanalyst/internal/session"
)

type Event struct {
	Type        string    `json:"type"`
	SessionID   string    `json:"session_id"`
	Season      int       `json:"season"`
	Event       string    `json:"event"`
	Kind        string    `json:"kind"`
	From        string    `json:"from,omitempty"`
	State       string    `json:"state"`
	FullyLoaded bool      `json:"fully_loaded"`
	Generation  uint64    `json:"generation"`
	Error       string    `json:"error,omitempty"`
	TS          time.Time `json:"ts"`
}

func FromNotification(n session.Notification) Event {
	ev := Event{
		Type:        n.Type,
		SessionID:   n.Info.ID,
		Season:      n.Info.Season,
		Event:       n.Info.Event,
		Kind:        string(n.Info.Kind),
		State:       n.Info.State.String(),
		FullyLoaded: n.Info.FullyLoaded,
		Generation:  n.Info.Generation,
		Error:       n.Info.LastError,
		TS:          n.At.UTC(),
	}
	if n.Type == session.NotifyTransition {
		ev.From = n.From.String()
	}
	return ev
}

type Publisher struct {
	logger *slog.Logger
	topic  string
	prod   sarama.AsyncProducer

	mu      sync.RWMutex
	closed  bool
	events  chan Event
	stopped chan struct{}
	errsOut chan struct{}
	dropped atomic.Int64
}

func NewPublisher(logger *slog.Logger, brokers []string, topic string, queueSize int) (*Publisher, error) {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.ClientID = "apexanalyst"
	cfg.Producer.Return.Errors = true
	cfg.Producer.Return.Successes = false
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	// keys are session ids, so one session's events stay ordered
	cfg.Producer.Partitioner = sarama.NewHashPartitioner

	prod, err := sarama.NewAsyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("events: create async producer: %w", err)
	}
	return newPublisher(logger, prod, topic, queueSize), nil
}

func newPublisher(logger *slog.Logger, prod sarama.AsyncProducer, topic string, queueSize int) *Publisher {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Publisher{
		logger:  logger,
		topic:   topic,
		prod:    prod,
		events:  make(chan Event, queueSize),
		stopped: make(chan struct{}),
		errsOut: make(chan struct{}),
	}

	go func() {
		defer close(p.stopped)
		for ev := range p.events {
			b, err := json.Marshal(ev)
			if err != nil {
				p.logger.Warn("events: marshal error", "err", err)
				continue
			}
			p.prod.Input() <- &sarama.ProducerMessage{
				Topic: p.topic,
				Key:   sarama.StringEncoder(ev.SessionID),
				Value: sarama.ByteEncoder(b),
			}
		}
	}()

	go func() {
		defer close(p.errsOut)
		for err := range p.prod.Errors() {
			if err != nil {
				p.logger.Warn("events: producer error", "err", err)
			}
		}
	}()

	return p
}

// Publish enqueues ev without blocking. Events are dropped when the queue
// is full or the publisher is closed.
func (p *Publisher) Publish(ev Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.events <- ev:
	default:
		if n := p.dropped.Add(1); n == 1 || n%1000 == 0 {
			p.logger.Warn("events: queue full; dropping", "dropped_total", n)
		}
	}
}

// Notify implements session.Notifier.
func (p *Publisher) Notify(n session.Notification) {
	p.Publish(FromNotification(n))
}

func (p *Publisher) Dropped() int64 { return p.dropped.Load() }

func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.events)
	p.mu.Unlock()

	<-p.stopped
	err := p.prod.Close()
	<-p.errsOut
	if err != nil {
		return fmt.Errorf("events: close producer: %w", err)
	}
	return nil
}
