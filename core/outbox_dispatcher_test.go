package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestOutboxDispatcher_AckSuccess(t *testing.T) {
	store := &stubOutboxStore{claimed: []OutboxEntry{{EventID: "evt_1"}}}
	events := newStubEventReader(CanonicalEvent{EventID: "evt_1", EventType: EventTypeMessageIn})
	events.links["evt_1"] = EventLink{
		EventID:        "evt_1",
		ConversationID: "conv_1",
		Routing:        EventRouting{SkmID: "skm_1"},
	}
	registry := NewConsumerRegistry()
	var seen []EventLink
	var mu sync.Mutex
	registry.Register("ok", EventConsumerFunc(func(_ context.Context, event CanonicalEvent, link EventLink) error {
		mu.Lock()
		defer mu.Unlock()
		if event.Routing.SkmID != "skm_1" {
			t.Errorf("expected routing from link, got %+v", event.Routing)
		}
		seen = append(seen, link)
		return nil
	}))

	dispatcher, err := NewOutboxDispatcher(store, events, registry, DefaultOutboxDispatcherConfig())
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}

	stats, err := dispatcher.DispatchPending(context.Background(), 10)
	if err != nil {
		t.Fatalf("dispatch pending: %v", err)
	}
	if stats.Claimed != 1 || stats.Delivered != 1 || stats.Retried != 0 || stats.Failed != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if len(store.acked) != 1 || store.acked[0] != "evt_1" {
		t.Fatalf("expected ack for evt_1")
	}
	if len(seen) != 1 || seen[0].ConversationID != "conv_1" {
		t.Fatalf("expected consumer to receive the link, got %+v", seen)
	}
}

func TestOutboxDispatcher_RetryWithBackoff(t *testing.T) {
	store := &stubOutboxStore{claimed: []OutboxEntry{{EventID: "evt_retry", Attempts: 1}}}
	events := newStubEventReader(CanonicalEvent{EventID: "evt_retry"})
	registry := NewConsumerRegistry()
	registry.Register("ok", EventConsumerFunc(func(context.Context, CanonicalEvent, EventLink) error {
		return nil
	}))
	registry.Register("fails", EventConsumerFunc(func(context.Context, CanonicalEvent, EventLink) error {
		return errors.New("temporary")
	}))

	fixed := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	dispatcher, err := NewOutboxDispatcher(store, events, registry, OutboxDispatcherConfig{
		BatchSize:      10,
		MaxAttempts:    4,
		InitialBackoff: time.Second,
		MaxBackoff:     8 * time.Second,
	})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	dispatcher.now = func() time.Time { return fixed }

	stats, err := dispatcher.DispatchPending(context.Background(), 0)
	if err == nil {
		t.Fatalf("expected dispatch error")
	}
	if stats.Retried != 1 || stats.Failed != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if len(store.retried) != 1 {
		t.Fatalf("expected one retry call")
	}
	if want := fixed.Add(2 * time.Second); !store.retried[0].next.Equal(want) {
		t.Fatalf("expected next attempt at %s, got %s", want, store.retried[0].next)
	}
	if len(store.acked) != 0 {
		t.Fatalf("expected no ack when one consumer fails")
	}
}

func TestOutboxDispatcher_MaxAttemptsMarkedFailed(t *testing.T) {
	store := &stubOutboxStore{claimed: []OutboxEntry{{EventID: "evt_fail", Attempts: 2}}}
	events := newStubEventReader(CanonicalEvent{EventID: "evt_fail"})
	registry := NewConsumerRegistry()
	registry.Register("fails", EventConsumerFunc(func(context.Context, CanonicalEvent, EventLink) error {
		return errors.New("permanent")
	}))

	dispatcher, err := NewOutboxDispatcher(store, events, registry, OutboxDispatcherConfig{
		BatchSize:      10,
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		MaxBackoff:     8 * time.Second,
	})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}

	stats, err := dispatcher.DispatchPending(context.Background(), 10)
	if err == nil {
		t.Fatalf("expected dispatch error")
	}
	if stats.Failed != 1 || stats.Retried != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if len(store.retried) != 1 {
		t.Fatalf("expected one retry/fail call")
	}
	if !store.retried[0].next.IsZero() {
		t.Fatalf("expected zero next attempt to mark failed")
	}
}

func TestOutboxDispatcher_BackoffIsCapped(t *testing.T) {
	dispatcher, err := NewOutboxDispatcher(&stubOutboxStore{}, newStubEventReader(), nil, OutboxDispatcherConfig{
		InitialBackoff: time.Second,
		MaxBackoff:     5 * time.Second,
	})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	if got := dispatcher.nextBackoffDelay(1); got != time.Second {
		t.Fatalf("expected 1s on first retry, got %s", got)
	}
	if got := dispatcher.nextBackoffDelay(3); got != 4*time.Second {
		t.Fatalf("expected 4s on third retry, got %s", got)
	}
	if got := dispatcher.nextBackoffDelay(10); got != 5*time.Second {
		t.Fatalf("expected cap at 5s, got %s", got)
	}
}

func TestService_DispatchPendingDeliversAdmittedEvents(t *testing.T) {
	store := newMemoryStore()
	registry := NewConsumerRegistry()
	var delivered []string
	registry.Register("collector", EventConsumerFunc(func(_ context.Context, event CanonicalEvent, _ EventLink) error {
		delivered = append(delivered, event.EventID)
		return nil
	}))
	svc := newTestService(t, store, WithConsumerRegistry(registry))
	ctx := context.Background()

	result, err := svc.Ingest(ctx, InboundRequest{
		ProviderID: "test",
		Body:       testBody(map[string]any{"id": "m1", "account": "biz", "from": "cust", "to": "biz", "type": "in", "ts": 1700000000}),
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	stats, err := svc.DispatchPending(ctx, 10)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if stats.Delivered != 1 || len(delivered) != 1 || delivered[0] != result.EventID {
		t.Fatalf("expected %s delivered once, got %+v %v", result.EventID, stats, delivered)
	}

	stats, err = svc.DispatchPending(ctx, 10)
	if err != nil {
		t.Fatalf("second dispatch: %v", err)
	}
	if stats.Claimed != 0 {
		t.Fatalf("expected delivered entry not to be claimed again, got %+v", stats)
	}
}

type stubOutboxStore struct {
	claimed []OutboxEntry
	acked   []string
	retried []retryCall
}

type retryCall struct {
	eventID string
	cause   error
	next    time.Time
}

func (s *stubOutboxStore) Enqueue(context.Context, string, time.Time) error {
	return nil
}

func (s *stubOutboxStore) ClaimBatch(context.Context, int) ([]OutboxEntry, error) {
	out := append([]OutboxEntry(nil), s.claimed...)
	s.claimed = nil
	return out, nil
}

func (s *stubOutboxStore) Ack(_ context.Context, eventID string) error {
	s.acked = append(s.acked, eventID)
	return nil
}

func (s *stubOutboxStore) Retry(_ context.Context, eventID string, cause error, nextAttemptAt time.Time) error {
	s.retried = append(s.retried, retryCall{eventID: eventID, cause: cause, next: nextAttemptAt})
	return nil
}

type stubEventReader struct {
	events map[string]CanonicalEvent
	links  map[string]EventLink
}

func newStubEventReader(events ...CanonicalEvent) *stubEventReader {
	reader := &stubEventReader{
		events: map[string]CanonicalEvent{},
		links:  map[string]EventLink{},
	}
	for _, event := range events {
		reader.events[event.EventID] = event
	}
	return reader
}

func (s *stubEventReader) InsertIfAbsent(_ context.Context, event CanonicalEvent) (CanonicalEvent, bool, error) {
	s.events[event.EventID] = event
	return event, true, nil
}

func (s *stubEventReader) Get(_ context.Context, eventID string) (CanonicalEvent, error) {
	event, ok := s.events[eventID]
	if !ok {
		return CanonicalEvent{}, ErrEventNotFound
	}
	return event, nil
}

func (s *stubEventReader) Link(_ context.Context, link EventLink) error {
	s.links[link.EventID] = link
	return nil
}

func (s *stubEventReader) GetLink(_ context.Context, eventID string) (EventLink, error) {
	link, ok := s.links[eventID]
	if !ok {
		return EventLink{}, ErrEventNotFound
	}
	return link, nil
}

func (s *stubEventReader) RecordRejected(context.Context, RejectedEvent) error {
	return nil
}
