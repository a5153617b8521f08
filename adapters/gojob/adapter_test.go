package gojob

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goliatone/go-chatflow/core"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"
)

func TestMessageMappingRoundTrip(t *testing.T) {
	original := &core.JobExecutionMessage{
		JobID:          JobIDPublisherDispatch,
		ScriptPath:     core.DefaultPublisherScriptPath,
		Parameters:     map[string]any{"event_id": "evt_1"},
		IdempotencyKey: "publish:evt_1",
		DedupPolicy:    "drop",
	}

	converted := ToExecutionMessage(original)
	if converted == nil {
		t.Fatalf("expected converted message")
	}
	roundTrip := FromExecutionMessage(converted)
	if roundTrip.JobID != original.JobID {
		t.Fatalf("expected job id %q, got %q", original.JobID, roundTrip.JobID)
	}
	if roundTrip.ScriptPath != original.ScriptPath {
		t.Fatalf("expected script path %q, got %q", original.ScriptPath, roundTrip.ScriptPath)
	}
	if roundTrip.IdempotencyKey != original.IdempotencyKey {
		t.Fatalf("expected idempotency key %q, got %q", original.IdempotencyKey, roundTrip.IdempotencyKey)
	}
	if roundTrip.DedupPolicy != original.DedupPolicy {
		t.Fatalf("expected dedup policy %q, got %q", original.DedupPolicy, roundTrip.DedupPolicy)
	}
	if roundTrip.Parameters["event_id"] != "evt_1" {
		t.Fatalf("expected parameters to survive mapping")
	}
}

func TestJobPublishNotifier_EnqueuesThroughAdapter(t *testing.T) {
	enqueuer := &stubQueueEnqueuer{}
	notifier := core.NewJobPublishNotifier(NewEnqueuerAdapter(enqueuer), nil)

	notifier.Notify(context.Background(), "evt_42")
	if len(enqueuer.messages) != 1 {
		t.Fatalf("expected one enqueued job, got %d", len(enqueuer.messages))
	}
	msg := enqueuer.messages[0]
	if msg.JobID != JobIDPublisherDispatch {
		t.Fatalf("expected publisher job id, got %q", msg.JobID)
	}
	if msg.IdempotencyKey != "publish:evt_42" || msg.DedupPolicy != job.DeduplicationPolicy("drop") {
		t.Fatalf("unexpected dedup settings %q %q", msg.IdempotencyKey, msg.DedupPolicy)
	}
}

func TestNackRetryPolicyBoundaries(t *testing.T) {
	ctx := context.Background()
	rawDelivery := &stubQueueDelivery{
		msg: &job.ExecutionMessage{JobID: JobIDPublisherDispatch},
	}
	adapter := NewDeliveryAdapter(rawDelivery, RetryPolicy{
		MaxAttempts:     3,
		MaxDelay:        10 * time.Second,
		DeadLetterOnMax: true,
	})

	if err := adapter.NackForAttempt(ctx, core.JobNackOptions{
		Delay:   30 * time.Second,
		Requeue: true,
		Reason:  "transient",
	}, 1); err != nil {
		t.Fatalf("nack attempt 1: %v", err)
	}
	if rawDelivery.nackOpts.Delay != 10*time.Second {
		t.Fatalf("expected delay to be bounded, got %s", rawDelivery.nackOpts.Delay)
	}
	if !rawDelivery.nackOpts.Requeue {
		t.Fatalf("expected message to be requeued before max attempts")
	}

	if err := adapter.NackForAttempt(ctx, core.JobNackOptions{
		Delay:   time.Second,
		Requeue: true,
		Reason:  "still failing",
	}, 3); err != nil {
		t.Fatalf("nack max attempt: %v", err)
	}
	if rawDelivery.nackOpts.Requeue {
		t.Fatalf("expected no requeue once max attempts is reached")
	}
	if !rawDelivery.nackOpts.DeadLetter {
		t.Fatalf("expected dead letter on max attempts")
	}
}

func TestPublisherWorker_AcksDispatchedJob(t *testing.T) {
	ctx := context.Background()
	delivery := &stubQueueDelivery{msg: &job.ExecutionMessage{JobID: JobIDPublisherDispatch, IdempotencyKey: "publish:evt_1"}}
	dispatcher := &stubDispatcher{stats: core.DispatchStats{Claimed: 1, Delivered: 1}}
	recorder := &capturingRecorder{}

	w := NewPublisherWorker(
		NewDequeuerAdapter(&stubQueueDequeuer{deliveries: []queue.Delivery{delivery}}, RetryPolicy{}),
		core.NewPublisherJobHandler(dispatcher, 10, time.Second),
		NewMetricsHook(recorder),
		nil,
	)
	processed, err := w.RunOnce(ctx)
	if err != nil || !processed {
		t.Fatalf("run once: %v %v", processed, err)
	}
	if !delivery.acked {
		t.Fatalf("expected job ack")
	}
	if dispatcher.calls != 1 || dispatcher.batchSize != 10 {
		t.Fatalf("expected one dispatch with batch 10, got %d calls batch %d", dispatcher.calls, dispatcher.batchSize)
	}
	if recorder.counts["start"] != 1 || recorder.counts["success"] != 1 {
		t.Fatalf("expected start and success hooks, got %#v", recorder.counts)
	}

	processed, err = w.RunOnce(ctx)
	if err != nil || processed {
		t.Fatalf("expected empty queue to report no work, got %v %v", processed, err)
	}
}

func TestPublisherWorker_DeadLettersAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	msg := &job.ExecutionMessage{JobID: JobIDPublisherDispatch, IdempotencyKey: "publish:evt_1"}
	first := &stubQueueDelivery{msg: msg}
	second := &stubQueueDelivery{msg: msg}
	dispatcher := &stubDispatcher{err: errors.New("store down")}

	w := NewPublisherWorker(
		NewDequeuerAdapter(&stubQueueDequeuer{deliveries: []queue.Delivery{first, second}}, RetryPolicy{MaxAttempts: 2, DeadLetterOnMax: true}),
		core.NewPublisherJobHandler(dispatcher, 10, time.Second),
		nil,
		nil,
	)
	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatalf("first attempt: %v", err)
	}
	if !first.nackOpts.Requeue || first.nackOpts.DeadLetter {
		t.Fatalf("expected first failure to requeue, got %+v", first.nackOpts)
	}
	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatalf("second attempt: %v", err)
	}
	if second.nackOpts.Requeue || !second.nackOpts.DeadLetter {
		t.Fatalf("expected second failure to dead letter, got %+v", second.nackOpts)
	}
}

func TestMetricsHook_RecordsOutcomes(t *testing.T) {
	recorder := &capturingRecorder{}
	hook := NewMetricsHook(recorder)
	event := worker.Event{
		Message:  &job.ExecutionMessage{JobID: JobIDPublisherDispatch},
		Attempt:  2,
		Err:      errors.New("retry"),
		Duration: 250 * time.Millisecond,
	}

	hook.OnRetry(context.Background(), event)
	hook.OnFailure(context.Background(), event)
	if recorder.counts["retry"] != 1 || recorder.counts["failure"] != 1 {
		t.Fatalf("unexpected counters %#v", recorder.counts)
	}
	if recorder.lastJobID != JobIDPublisherDispatch {
		t.Fatalf("expected job id tag, got %q", recorder.lastJobID)
	}
	if recorder.histogram != 250 {
		t.Fatalf("expected duration histogram in ms, got %v", recorder.histogram)
	}
}

type stubQueueEnqueuer struct {
	messages []*job.ExecutionMessage
}

func (s *stubQueueEnqueuer) Enqueue(_ context.Context, msg *job.ExecutionMessage) error {
	s.messages = append(s.messages, msg)
	return nil
}

type stubQueueDequeuer struct {
	deliveries []queue.Delivery
}

func (s *stubQueueDequeuer) Dequeue(context.Context) (queue.Delivery, error) {
	if len(s.deliveries) == 0 {
		return nil, nil
	}
	next := s.deliveries[0]
	s.deliveries = s.deliveries[1:]
	return next, nil
}

type stubQueueDelivery struct {
	msg      *job.ExecutionMessage
	acked    bool
	nackOpts queue.NackOptions
}

func (s *stubQueueDelivery) Message() *job.ExecutionMessage {
	return s.msg
}

func (s *stubQueueDelivery) Ack(context.Context) error {
	s.acked = true
	return nil
}

func (s *stubQueueDelivery) Nack(_ context.Context, opts queue.NackOptions) error {
	s.nackOpts = opts
	return nil
}

type stubDispatcher struct {
	stats     core.DispatchStats
	err       error
	calls     int
	batchSize int
}

func (s *stubDispatcher) DispatchPending(_ context.Context, batchSize int) (core.DispatchStats, error) {
	s.calls++
	s.batchSize = batchSize
	return s.stats, s.err
}

type capturingRecorder struct {
	counts    map[string]int64
	lastJobID string
	histogram float64
}

func (r *capturingRecorder) IncCounter(_ context.Context, _ string, value int64, tags map[string]string) {
	if r.counts == nil {
		r.counts = map[string]int64{}
	}
	r.counts[tags["outcome"]] += value
	r.lastJobID = tags["job_id"]
}

func (r *capturingRecorder) ObserveHistogram(_ context.Context, _ string, value float64, _ map[string]string) {
	r.histogram = value
}
