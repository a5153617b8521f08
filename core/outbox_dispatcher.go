package core

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

type OutboxDispatcherConfig struct {
	BatchSize      int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func DefaultOutboxDispatcherConfig() OutboxDispatcherConfig {
	return OutboxDispatcherConfig{
		BatchSize:      50,
		MaxAttempts:    5,
		InitialBackoff: 2 * time.Second,
		MaxBackoff:     5 * time.Minute,
	}
}

// OutboxDispatcher delivers admitted events to every registered consumer.
// Delivery is at-least-once: a failed consumer retries the whole event.
type OutboxDispatcher struct {
	outbox    OutboxStore
	events    EventStore
	consumers ConsumerRegistry
	config    OutboxDispatcherConfig
	logger    Logger
	metrics   MetricsRecorder
	now       func() time.Time
}

func NewOutboxDispatcher(
	outbox OutboxStore,
	events EventStore,
	consumers ConsumerRegistry,
	config OutboxDispatcherConfig,
) (*OutboxDispatcher, error) {
	if outbox == nil {
		return nil, fmt.Errorf("core: outbox store is required")
	}
	if events == nil {
		return nil, fmt.Errorf("core: event store is required")
	}
	defaults := DefaultOutboxDispatcherConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = defaults.InitialBackoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = defaults.MaxBackoff
	}
	return &OutboxDispatcher{
		outbox:    outbox,
		events:    events,
		consumers: consumers,
		config:    config,
		metrics:   NopMetricsRecorder{},
		now: func() time.Time {
			return time.Now().UTC()
		},
	}, nil
}

func (d *OutboxDispatcher) DispatchPending(ctx context.Context, batchSize int) (DispatchStats, error) {
	if d == nil || d.outbox == nil {
		return DispatchStats{}, fmt.Errorf("core: outbox dispatcher is not configured")
	}
	limit := batchSize
	if limit <= 0 {
		limit = d.config.BatchSize
	}
	entries, err := d.outbox.ClaimBatch(ctx, limit)
	if err != nil {
		return DispatchStats{}, err
	}

	stats := DispatchStats{Claimed: len(entries)}
	var dispatchErr error
	for _, entry := range entries {
		eventID := strings.TrimSpace(entry.EventID)
		if err := d.dispatchOne(ctx, eventID); err != nil {
			if retryErr := d.retryEntry(ctx, entry, err); retryErr != nil {
				dispatchErr = errors.Join(dispatchErr, retryErr)
			}
			if entry.Attempts+1 >= d.config.MaxAttempts {
				stats.Failed++
				d.count(ctx, "chatflow.publisher.failed")
			} else {
				stats.Retried++
				d.count(ctx, "chatflow.publisher.retried")
			}
			d.warn(ctx, "publish failed", "event_id", eventID, "attempt", entry.Attempts+1, "error", err)
			dispatchErr = errors.Join(dispatchErr, err)
			continue
		}
		if err := d.outbox.Ack(ctx, eventID); err != nil {
			dispatchErr = errors.Join(dispatchErr, err)
			continue
		}
		stats.Delivered++
		d.count(ctx, "chatflow.publisher.delivered")
	}

	return stats, dispatchErr
}

func (d *OutboxDispatcher) dispatchOne(ctx context.Context, eventID string) error {
	if d.consumers == nil {
		return nil
	}
	consumers := d.consumers.Consumers()
	if len(consumers) == 0 {
		return nil
	}
	event, err := d.events.Get(ctx, eventID)
	if err != nil {
		return fmt.Errorf("core: load event %q: %w", eventID, err)
	}
	link, err := d.events.GetLink(ctx, eventID)
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("core: load event link %q: %w", eventID, err)
	}
	if event.Routing.IsZero() {
		event.Routing = link.Routing
	}

	var group errgroup.Group
	failures := make([]error, len(consumers))
	for i, named := range consumers {
		group.Go(func() error {
			if consumeErr := named.Consumer.Consume(ctx, event, link); consumeErr != nil {
				failures[i] = fmt.Errorf("core: consumer %q failed for event %q: %w", named.Name, eventID, consumeErr)
			}
			return nil
		})
	}
	_ = group.Wait()
	return errors.Join(failures...)
}

func (d *OutboxDispatcher) retryEntry(ctx context.Context, entry OutboxEntry, cause error) error {
	attempt := entry.Attempts
	if attempt < 0 {
		attempt = 0
	}
	if attempt+1 >= d.config.MaxAttempts {
		return d.outbox.Retry(ctx, strings.TrimSpace(entry.EventID), cause, time.Time{})
	}
	nextAttemptAt := d.now().Add(d.nextBackoffDelay(attempt + 1))
	return d.outbox.Retry(ctx, strings.TrimSpace(entry.EventID), cause, nextAttemptAt)
}

func (d *OutboxDispatcher) nextBackoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(d.config.InitialBackoff)
	multiplier := math.Pow(2, float64(attempt-1))
	next := time.Duration(base * multiplier)
	if next < 0 {
		return d.config.MaxBackoff
	}
	if next > d.config.MaxBackoff {
		return d.config.MaxBackoff
	}
	return next
}

func (d *OutboxDispatcher) count(ctx context.Context, name string) {
	if d.metrics == nil {
		return
	}
	d.metrics.IncCounter(ctx, name, 1, nil)
}

func (d *OutboxDispatcher) warn(ctx context.Context, msg string, args ...any) {
	if d.logger == nil {
		return
	}
	d.logger.WithContext(ctx).Warn(msg, args...)
}

var _ EventDispatcher = (*OutboxDispatcher)(nil)
