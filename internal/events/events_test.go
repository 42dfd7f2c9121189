package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"

	"github.com/hamzanaeem10/apexanalyst/internal/core/model"
	"github.com/hamzanaeem10/apexanalyst/internal/logger"
	"github.com/hamzanaeem10/apexanalyst/internal/session"
)

func notification() session.Notification {
	return session.Notification{
		Type: session.NotifyTransition,
		From: session.StateLoadingFull,
		Info: session.Info{
			ID:          "00aa11bb22cc33dd",
			Season:      2023,
			Event:       "Monaco",
			Kind:        model.KindRace,
			State:       session.StateReady,
			FullyLoaded: true,
			Generation:  7,
		},
		At: time.Date(2023, 5, 28, 15, 0, 0, 0, time.FixedZone("CEST", 2*3600)),
	}
}

func TestFromNotification(t *testing.T) {
	ev := FromNotification(notification())
	if ev.Type != "transition" || ev.From != "loading_full" || ev.State != "ready" || !ev.FullyLoaded {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.Kind != "R" || ev.Generation != 7 || ev.TS.Location() != time.UTC {
		t.Fatalf("unexpected identity fields: %+v", ev)
	}

	n := notification()
	n.Type = session.NotifyEvicted
	if ev := FromNotification(n); ev.From != "" {
		t.Fatalf("evicted events carry no from state: %+v", ev)
	}
}

func TestPublisher_SendsKeyedJSON(t *testing.T) {
	cfg := mocks.NewTestConfig()
	cfg.Producer.Return.Successes = true
	prod := mocks.NewAsyncProducer(t, cfg)

	var got *sarama.ProducerMessage
	prod.ExpectInputWithMessageCheckerFunctionAndSucceed(func(m *sarama.ProducerMessage) error {
		got = m
		return nil
	})

	p := newPublisher(logger.Discard(), prod, "session-events", 4)
	p.Notify(notification())

	select {
	case <-prod.Successes():
	case <-time.After(2 * time.Second):
		t.Fatalf("message not produced")
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if got.Topic != "session-events" {
		t.Fatalf("topic=%q", got.Topic)
	}
	k, _ := got.Key.Encode()
	if string(k) != "00aa11bb22cc33dd" {
		t.Fatalf("key=%q", k)
	}
	b, _ := got.Value.Encode()
	var ev Event
	if err := json.Unmarshal(b, &ev); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if ev.SessionID != "00aa11bb22cc33dd" || ev.State != "ready" {
		t.Fatalf("payload=%+v", ev)
	}
}

func TestPublisher_DropsWhenFullAndAfterClose(t *testing.T) {
	prod := mocks.NewAsyncProducer(t, mocks.NewTestConfig())
	p := &Publisher{
		logger: logger.Discard(),
		prod:   prod,
		events: make(chan Event, 1),
	}
	p.Publish(Event{SessionID: "a"})
	p.Publish(Event{SessionID: "b"})
	if p.Dropped() != 1 {
		t.Fatalf("dropped=%d want 1", p.Dropped())
	}

	p.closed = true
	p.Publish(Event{SessionID: "c"})
	if len(p.events) != 1 {
		t.Fatalf("publish after close enqueued an event")
	}
	_ = prod.Close()
}

func TestPublisher_CloseIdempotent(t *testing.T) {
	prod := mocks.NewAsyncProducer(t, mocks.NewTestConfig())
	p := newPublisher(logger.Discard(), prod, "t", 1)
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	p.Notify(notification())
}
