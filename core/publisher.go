package core

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	DefaultPublisherJobID      = "chatflow.publisher.dispatch"
	DefaultPublisherScriptPath = "chatflow/publisher/dispatch"
)

type EventConsumerFunc func(ctx context.Context, event CanonicalEvent, link EventLink) error

func (f EventConsumerFunc) Consume(ctx context.Context, event CanonicalEvent, link EventLink) error {
	if f == nil {
		return nil
	}
	return f(ctx, event, link)
}

type EventConsumerRegistry struct {
	mu        sync.RWMutex
	consumers map[string]EventConsumer
	order     []string
}

func NewConsumerRegistry() *EventConsumerRegistry {
	return &EventConsumerRegistry{
		consumers: make(map[string]EventConsumer),
		order:     make([]string, 0),
	}
}

func (r *EventConsumerRegistry) Register(name string, consumer EventConsumer) {
	if r == nil || consumer == nil {
		return
	}
	key := strings.TrimSpace(name)
	if key == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.consumers == nil {
		r.consumers = make(map[string]EventConsumer)
	}
	if _, exists := r.consumers[key]; !exists {
		r.order = append(r.order, key)
		sort.Strings(r.order)
	}
	r.consumers[key] = consumer
}

func (r *EventConsumerRegistry) Consumers() []NamedConsumer {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]NamedConsumer, 0, len(r.order))
	for _, key := range r.order {
		if consumer := r.consumers[key]; consumer != nil {
			out = append(out, NamedConsumer{Name: key, Consumer: consumer})
		}
	}
	return out
}

type NopPublishNotifier struct{}

func (NopPublishNotifier) Notify(context.Context, string) {}

// InProcessPublisher wakes a background loop after each admission and also
// polls, so retries and events from other instances are picked up.
type InProcessPublisher struct {
	dispatcher   EventDispatcher
	logger       Logger
	batchSize    int
	pollInterval time.Duration
	wake         chan struct{}
}

func NewInProcessPublisher(dispatcher EventDispatcher, logger Logger, batchSize int, pollInterval time.Duration) *InProcessPublisher {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &InProcessPublisher{
		dispatcher:   dispatcher,
		logger:       logger,
		batchSize:    batchSize,
		pollInterval: pollInterval,
		wake:         make(chan struct{}, 1),
	}
}

func (p *InProcessPublisher) Notify(context.Context, string) {
	if p == nil {
		return
	}
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run drains the outbox until ctx is cancelled.
func (p *InProcessPublisher) Run(ctx context.Context) error {
	if p == nil || p.dispatcher == nil {
		return fmt.Errorf("core: publisher dispatcher is not configured")
	}
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	for {
		p.drain(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-p.wake:
		case <-ticker.C:
		}
	}
}

func (p *InProcessPublisher) drain(ctx context.Context) {
	for ctx.Err() == nil {
		stats, err := p.dispatcher.DispatchPending(ctx, p.batchSize)
		if err != nil && p.logger != nil {
			p.logger.WithContext(ctx).Warn("publisher dispatch failed",
				"error", err,
				"claimed", stats.Claimed,
				"retried", stats.Retried,
				"failed", stats.Failed,
			)
		}
		if stats.Claimed == 0 || stats.Delivered == 0 {
			return
		}
	}
}

// JobPublishNotifier hands dispatch to a job worker instead of a goroutine
// in the request process.
type JobPublishNotifier struct {
	enqueuer JobEnqueuer
	logger   Logger
	jobID    string
}

func NewJobPublishNotifier(enqueuer JobEnqueuer, logger Logger) *JobPublishNotifier {
	return &JobPublishNotifier{
		enqueuer: enqueuer,
		logger:   logger,
		jobID:    DefaultPublisherJobID,
	}
}

func (n *JobPublishNotifier) Notify(ctx context.Context, eventID string) {
	if n == nil || n.enqueuer == nil {
		return
	}
	err := n.enqueuer.Enqueue(ctx, &JobExecutionMessage{
		JobID:          n.jobID,
		ScriptPath:     DefaultPublisherScriptPath,
		Parameters:     map[string]any{"event_id": eventID},
		IdempotencyKey: "publish:" + strings.TrimSpace(eventID),
		DedupPolicy:    "drop",
	})
	if err != nil && n.logger != nil {
		// the outbox row stays pending; the next poll delivers it
		n.logger.WithContext(ctx).Warn("publisher job enqueue failed", "event_id", eventID, "error", err)
	}
}

// PublisherJobHandler is the worker side of JobPublishNotifier.
type PublisherJobHandler struct {
	dispatcher EventDispatcher
	batchSize  int
	retryDelay time.Duration
}

func NewPublisherJobHandler(dispatcher EventDispatcher, batchSize int, retryDelay time.Duration) *PublisherJobHandler {
	if retryDelay <= 0 {
		retryDelay = 5 * time.Second
	}
	return &PublisherJobHandler{
		dispatcher: dispatcher,
		batchSize:  batchSize,
		retryDelay: retryDelay,
	}
}

func (h *PublisherJobHandler) Handle(ctx context.Context, delivery JobDelivery) error {
	if h == nil || h.dispatcher == nil {
		return fmt.Errorf("core: publisher job handler is not configured")
	}
	if delivery == nil {
		return fmt.Errorf("core: job delivery is required")
	}
	if msg := delivery.Message(); msg == nil || strings.TrimSpace(msg.JobID) != DefaultPublisherJobID {
		return delivery.Nack(ctx, JobNackOptions{DeadLetter: true, Reason: "unsupported job"})
	}
	stats, err := h.dispatcher.DispatchPending(ctx, h.batchSize)
	if err != nil && stats.Delivered == 0 {
		return delivery.Nack(ctx, JobNackOptions{
			Delay:   h.retryDelay,
			Requeue: true,
			Reason:  err.Error(),
		})
	}
	return delivery.Ack(ctx)
}

// LoggingConsumer writes every published event to the logger.
type LoggingConsumer struct {
	Logger Logger
}

func (c LoggingConsumer) Consume(ctx context.Context, event CanonicalEvent, link EventLink) error {
	if c.Logger == nil {
		return nil
	}
	c.Logger.WithContext(ctx).Info("canonical event published",
		"event_id", event.EventID,
		"event_type", string(event.EventType),
		"provider_id", event.ProviderID,
		"conversation_id", link.ConversationID,
		"routing_reason", string(link.RoutingReason),
	)
	return nil
}
