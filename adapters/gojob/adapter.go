package gojob

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-chatflow/core"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"
)

const JobIDPublisherDispatch = core.DefaultPublisherJobID

// RetryPolicy bounds how a failed dispatch job is requeued.
type RetryPolicy struct {
	MaxAttempts     int
	MaxDelay        time.Duration
	DeadLetterOnMax bool
}

// NormalizeAttempt enforces bounded retry behavior for a nack operation.
func (p RetryPolicy) NormalizeAttempt(opts core.JobNackOptions, attempt int) core.JobNackOptions {
	out := opts
	out.Reason = strings.TrimSpace(out.Reason)
	if out.Delay < 0 {
		out.Delay = 0
	}
	if p.MaxDelay > 0 && out.Delay > p.MaxDelay {
		out.Delay = p.MaxDelay
	}
	if out.DeadLetter {
		out.Requeue = false
	}
	if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
		out.Requeue = false
		if p.DeadLetterOnMax || out.DeadLetter {
			out.DeadLetter = true
		}
	}
	if !out.Requeue && !out.DeadLetter {
		out.Requeue = true
	}
	return out
}

func ToExecutionMessage(msg *core.JobExecutionMessage) *job.ExecutionMessage {
	if msg == nil {
		return nil
	}
	return &job.ExecutionMessage{
		JobID:          strings.TrimSpace(msg.JobID),
		ScriptPath:     strings.TrimSpace(msg.ScriptPath),
		Parameters:     copyAnyMap(msg.Parameters),
		IdempotencyKey: strings.TrimSpace(msg.IdempotencyKey),
		DedupPolicy:    job.DeduplicationPolicy(strings.TrimSpace(msg.DedupPolicy)),
	}
}

func FromExecutionMessage(msg *job.ExecutionMessage) *core.JobExecutionMessage {
	if msg == nil {
		return nil
	}
	return &core.JobExecutionMessage{
		JobID:          strings.TrimSpace(msg.JobID),
		ScriptPath:     strings.TrimSpace(msg.ScriptPath),
		Parameters:     copyAnyMap(msg.Parameters),
		IdempotencyKey: strings.TrimSpace(msg.IdempotencyKey),
		DedupPolicy:    strings.TrimSpace(string(msg.DedupPolicy)),
	}
}

func ToNackOptions(opts core.JobNackOptions) queue.NackOptions {
	return queue.NackOptions{
		Delay:      opts.Delay,
		Requeue:    opts.Requeue,
		DeadLetter: opts.DeadLetter,
		Reason:     opts.Reason,
	}
}

type EnqueuerAdapter struct {
	enqueuer queue.Enqueuer
}

func NewEnqueuerAdapter(enqueuer queue.Enqueuer) *EnqueuerAdapter {
	return &EnqueuerAdapter{enqueuer: enqueuer}
}

func (a *EnqueuerAdapter) Enqueue(ctx context.Context, msg *core.JobExecutionMessage) error {
	if a == nil || a.enqueuer == nil {
		return fmt.Errorf("gojob: enqueuer is not configured")
	}
	if msg == nil {
		return fmt.Errorf("gojob: execution message is required")
	}
	return a.enqueuer.Enqueue(ctx, ToExecutionMessage(msg))
}

type DeliveryAdapter struct {
	delivery queue.Delivery
	policy   RetryPolicy
	attempt  int
	acked    bool
}

func NewDeliveryAdapter(delivery queue.Delivery, policy RetryPolicy) *DeliveryAdapter {
	return &DeliveryAdapter{delivery: delivery, policy: policy}
}

func (d *DeliveryAdapter) Message() *core.JobExecutionMessage {
	if d == nil || d.delivery == nil {
		return nil
	}
	return FromExecutionMessage(d.delivery.Message())
}

func (d *DeliveryAdapter) Ack(ctx context.Context) error {
	if d == nil || d.delivery == nil {
		return fmt.Errorf("gojob: delivery is not configured")
	}
	if err := d.delivery.Ack(ctx); err != nil {
		return err
	}
	d.acked = true
	return nil
}

// Nack applies the retry policy using the attempt recorded by the worker.
func (d *DeliveryAdapter) Nack(ctx context.Context, opts core.JobNackOptions) error {
	if d == nil {
		return fmt.Errorf("gojob: delivery is not configured")
	}
	return d.NackForAttempt(ctx, opts, d.attempt)
}

func (d *DeliveryAdapter) NackForAttempt(ctx context.Context, opts core.JobNackOptions, attempt int) error {
	if d == nil || d.delivery == nil {
		return fmt.Errorf("gojob: delivery is not configured")
	}
	normalized := d.policy.NormalizeAttempt(opts, attempt)
	return d.delivery.Nack(ctx, ToNackOptions(normalized))
}

type DequeuerAdapter struct {
	dequeuer queue.Dequeuer
	policy   RetryPolicy
}

func NewDequeuerAdapter(dequeuer queue.Dequeuer, policy RetryPolicy) *DequeuerAdapter {
	return &DequeuerAdapter{dequeuer: dequeuer, policy: policy}
}

func (a *DequeuerAdapter) Dequeue(ctx context.Context) (core.JobDelivery, error) {
	if a == nil || a.dequeuer == nil {
		return nil, fmt.Errorf("gojob: dequeuer is not configured")
	}
	delivery, err := a.dequeuer.Dequeue(ctx)
	if err != nil {
		return nil, err
	}
	return NewDeliveryAdapter(delivery, a.policy), nil
}

// JobHandler is satisfied by core.PublisherJobHandler.
type JobHandler interface {
	Handle(ctx context.Context, delivery core.JobDelivery) error
}

// PublisherWorker pulls dispatch jobs from a go-job queue and runs them
// through the publisher handler. Hook observes every attempt.
type PublisherWorker struct {
	Dequeuer  *DequeuerAdapter
	Handler   JobHandler
	Hook      worker.Hook
	Logger    core.Logger
	IdleDelay time.Duration
	attempts  map[string]int
}

func NewPublisherWorker(dequeuer *DequeuerAdapter, handler JobHandler, hook worker.Hook, logger core.Logger) *PublisherWorker {
	return &PublisherWorker{
		Dequeuer:  dequeuer,
		Handler:   handler,
		Hook:      hook,
		Logger:    logger,
		IdleDelay: time.Second,
		attempts:  map[string]int{},
	}
}

// Run processes jobs until ctx is cancelled.
func (w *PublisherWorker) Run(ctx context.Context) error {
	if w == nil || w.Dequeuer == nil || w.Handler == nil {
		return fmt.Errorf("gojob: publisher worker is not configured")
	}
	for {
		if ctx.Err() != nil {
			return nil
		}
		processed, err := w.RunOnce(ctx)
		if err != nil && w.Logger != nil && !errors.Is(err, context.Canceled) {
			w.Logger.WithContext(ctx).Warn("publisher job failed", "error", err)
		}
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(w.IdleDelay):
		}
	}
}

// RunOnce handles at most one job. It reports false when the queue was empty.
func (w *PublisherWorker) RunOnce(ctx context.Context) (bool, error) {
	if w.attempts == nil {
		w.attempts = map[string]int{}
	}
	delivery, err := w.Dequeuer.dequeuer.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if delivery == nil {
		return false, nil
	}
	message := delivery.Message()
	key := ""
	if message != nil {
		key = message.IdempotencyKey
	}
	w.attempts[key]++
	attempt := w.attempts[key]

	adapter := NewDeliveryAdapter(delivery, w.Dequeuer.policy)
	adapter.attempt = attempt
	event := worker.Event{Message: message, Delivery: delivery, Attempt: attempt, StartedAt: time.Now().UTC()}
	w.onStart(ctx, event)

	err = w.Handler.Handle(ctx, adapter)
	event.Duration = time.Since(event.StartedAt)
	event.Err = err
	switch {
	case err != nil:
		w.onFailure(ctx, event)
		return true, err
	case !adapter.acked:
		// nacked by the handler; the attempt count carries to the redelivery
		if max := w.Dequeuer.policy.MaxAttempts; max > 0 && attempt >= max {
			delete(w.attempts, key)
		}
		w.onRetry(ctx, event)
		return true, nil
	}
	delete(w.attempts, key)
	w.onSuccess(ctx, event)
	return true, nil
}

func (w *PublisherWorker) onStart(ctx context.Context, event worker.Event) {
	if w.Hook != nil {
		w.Hook.OnStart(ctx, event)
	}
}

func (w *PublisherWorker) onSuccess(ctx context.Context, event worker.Event) {
	if w.Hook != nil {
		w.Hook.OnSuccess(ctx, event)
	}
}

func (w *PublisherWorker) onRetry(ctx context.Context, event worker.Event) {
	if w.Hook != nil {
		w.Hook.OnRetry(ctx, event)
	}
}

func (w *PublisherWorker) onFailure(ctx context.Context, event worker.Event) {
	if w.Hook != nil {
		w.Hook.OnFailure(ctx, event)
	}
}

// MetricsHook reports worker events as chatflow.publisher.job counters and
// a duration histogram.
type MetricsHook struct {
	recorder core.MetricsRecorder
}

func NewMetricsHook(recorder core.MetricsRecorder) *MetricsHook {
	if recorder == nil {
		recorder = core.NopMetricsRecorder{}
	}
	return &MetricsHook{recorder: recorder}
}

func (h *MetricsHook) OnStart(ctx context.Context, event worker.Event) {
	h.count(ctx, "start", event)
}

func (h *MetricsHook) OnSuccess(ctx context.Context, event worker.Event) {
	h.count(ctx, "success", event)
	h.observe(ctx, "success", event)
}

func (h *MetricsHook) OnFailure(ctx context.Context, event worker.Event) {
	h.count(ctx, "failure", event)
	h.observe(ctx, "failure", event)
}

func (h *MetricsHook) OnRetry(ctx context.Context, event worker.Event) {
	h.count(ctx, "retry", event)
}

func (h *MetricsHook) count(ctx context.Context, outcome string, event worker.Event) {
	if h == nil || h.recorder == nil {
		return
	}
	h.recorder.IncCounter(ctx, "chatflow.publisher.job", 1, map[string]string{
		"outcome": outcome,
		"job_id":  eventJobID(event),
	})
}

func (h *MetricsHook) observe(ctx context.Context, outcome string, event worker.Event) {
	if h == nil || h.recorder == nil || event.Duration <= 0 {
		return
	}
	h.recorder.ObserveHistogram(ctx, "chatflow.publisher.job.duration_ms", float64(event.Duration.Milliseconds()), map[string]string{
		"outcome": outcome,
	})
}

func eventJobID(event worker.Event) string {
	message := event.Message
	if message == nil && event.Delivery != nil {
		message = event.Delivery.Message()
	}
	if message == nil {
		return ""
	}
	return strings.TrimSpace(message.JobID)
}

func copyAnyMap(in map[string]any) map[string]any {
	if len(in) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}

var (
	_ core.JobEnqueuer = (*EnqueuerAdapter)(nil)
	_ core.JobDelivery = (*DeliveryAdapter)(nil)
	_ core.JobDequeuer = (*DequeuerAdapter)(nil)
	_ worker.Hook      = (*MetricsHook)(nil)
	_ JobHandler       = (*core.PublisherJobHandler)(nil)
)
