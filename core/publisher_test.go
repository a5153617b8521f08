package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type stubDispatcher struct {
	mu    sync.Mutex
	calls int
	stats []DispatchStats
	err   error
}

func (d *stubDispatcher) DispatchPending(context.Context, int) (DispatchStats, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if len(d.stats) == 0 {
		return DispatchStats{}, d.err
	}
	next := d.stats[0]
	d.stats = d.stats[1:]
	return next, d.err
}

func (d *stubDispatcher) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type stubJobEnqueuer struct {
	messages []*JobExecutionMessage
	err      error
}

func (e *stubJobEnqueuer) Enqueue(_ context.Context, msg *JobExecutionMessage) error {
	e.messages = append(e.messages, msg)
	return e.err
}

type stubJobDelivery struct {
	msg    *JobExecutionMessage
	acked  bool
	nacked *JobNackOptions
}

func (d *stubJobDelivery) Message() *JobExecutionMessage { return d.msg }

func (d *stubJobDelivery) Ack(context.Context) error {
	d.acked = true
	return nil
}

func (d *stubJobDelivery) Nack(_ context.Context, opts JobNackOptions) error {
	d.nacked = &opts
	return nil
}

func TestConsumerRegistry_OrdersByNameAndReplaces(t *testing.T) {
	registry := NewConsumerRegistry()
	noop := EventConsumerFunc(func(context.Context, CanonicalEvent, EventLink) error { return nil })
	registry.Register("zeta", noop)
	registry.Register("alpha", noop)
	registry.Register("alpha", LoggingConsumer{})
	registry.Register(" ", noop)

	consumers := registry.Consumers()
	if len(consumers) != 2 {
		t.Fatalf("expected 2 consumers, got %d", len(consumers))
	}
	if consumers[0].Name != "alpha" || consumers[1].Name != "zeta" {
		t.Fatalf("expected sorted names, got %s %s", consumers[0].Name, consumers[1].Name)
	}
	if _, ok := consumers[0].Consumer.(LoggingConsumer); !ok {
		t.Fatalf("expected alpha to be replaced")
	}
}

func TestJobPublishNotifier_EnqueuesDedupedDispatchJob(t *testing.T) {
	enqueuer := &stubJobEnqueuer{}
	notifier := NewJobPublishNotifier(enqueuer, stubLogger{})

	notifier.Notify(context.Background(), "evt_1")

	if len(enqueuer.messages) != 1 {
		t.Fatalf("expected one enqueued job")
	}
	msg := enqueuer.messages[0]
	if msg.JobID != DefaultPublisherJobID || msg.IdempotencyKey != "publish:evt_1" {
		t.Fatalf("unexpected job message: %+v", msg)
	}
	if msg.Parameters["event_id"] != "evt_1" {
		t.Fatalf("expected event id parameter, got %#v", msg.Parameters)
	}
}

func TestJobPublishNotifier_EnqueueFailureIsSwallowed(t *testing.T) {
	notifier := NewJobPublishNotifier(&stubJobEnqueuer{err: errors.New("queue down")}, stubLogger{})
	notifier.Notify(context.Background(), "evt_1")
}

func TestPublisherJobHandler_AcksAfterDispatch(t *testing.T) {
	dispatcher := &stubDispatcher{stats: []DispatchStats{{Claimed: 1, Delivered: 1}}}
	handler := NewPublisherJobHandler(dispatcher, 10, time.Second)
	delivery := &stubJobDelivery{msg: &JobExecutionMessage{JobID: DefaultPublisherJobID}}

	if err := handler.Handle(context.Background(), delivery); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !delivery.acked || delivery.nacked != nil {
		t.Fatalf("expected ack, got %+v", delivery)
	}
}

func TestPublisherJobHandler_RequeuesWhenNothingDelivered(t *testing.T) {
	dispatcher := &stubDispatcher{err: errors.New("store down")}
	handler := NewPublisherJobHandler(dispatcher, 10, 3*time.Second)
	delivery := &stubJobDelivery{msg: &JobExecutionMessage{JobID: DefaultPublisherJobID}}

	if err := handler.Handle(context.Background(), delivery); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if delivery.nacked == nil || !delivery.nacked.Requeue || delivery.nacked.Delay != 3*time.Second {
		t.Fatalf("expected requeue nack, got %+v", delivery.nacked)
	}
}

func TestPublisherJobHandler_DeadLettersUnknownJobs(t *testing.T) {
	handler := NewPublisherJobHandler(&stubDispatcher{}, 10, time.Second)
	delivery := &stubJobDelivery{msg: &JobExecutionMessage{JobID: "other.job"}}

	if err := handler.Handle(context.Background(), delivery); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if delivery.nacked == nil || !delivery.nacked.DeadLetter {
		t.Fatalf("expected dead letter nack, got %+v", delivery.nacked)
	}
}

func TestInProcessPublisher_DrainsOnNotify(t *testing.T) {
	dispatcher := &stubDispatcher{stats: []DispatchStats{
		{Claimed: 1, Delivered: 1},
		{},
		{Claimed: 1, Delivered: 1},
	}}
	publisher := NewInProcessPublisher(dispatcher, stubLogger{}, 10, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- publisher.Run(ctx)
	}()

	deadline := time.After(2 * time.Second)
	for dispatcher.callCount() < 2 {
		select {
		case <-deadline:
			t.Fatalf("expected initial drain")
		case <-time.After(5 * time.Millisecond):
		}
	}
	publisher.Notify(ctx, "evt_2")
	for dispatcher.callCount() < 3 {
		select {
		case <-deadline:
			t.Fatalf("expected notify to wake the publisher")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}
