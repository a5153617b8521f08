package core

import (
	"context"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

const (
	SurfaceMessage = "message"
	SurfaceStatus  = "status"
)

type InboundRequest struct {
	ProviderID string
	Surface    string
	Headers    map[string]string
	Body       []byte
	Metadata   map[string]any
}

type InboundResult struct {
	Accepted   bool
	StatusCode int
	Metadata   map[string]any
}

type IngestResult struct {
	Accepted       bool
	Duplicate      bool
	EventID        string
	ConversationID string
	Decision       *AssignmentDecision
	// Items holds one result per occurrence when the delivery batched
	// several.
	Items []IngestResult
}

// Normalizer maps a provider payload into a CanonicalEvent. Implementations
// must not modify raw.
type Normalizer interface {
	Normalize(ctx context.Context, raw []byte, providerHint string) (CanonicalEvent, error)
}

// BatchSplitter is implemented by normalizers whose provider envelopes can
// batch several occurrences in one delivery.
type BatchSplitter interface {
	Split(raw []byte, providerHint string) ([][]byte, error)
}

type SignatureVerifier interface {
	Verify(ctx context.Context, req InboundRequest) error
}

type EventStore interface {
	// InsertIfAbsent reports admitted=false and returns the stored event when
	// the idempotency key already exists.
	InsertIfAbsent(ctx context.Context, event CanonicalEvent) (stored CanonicalEvent, admitted bool, err error)
	Get(ctx context.Context, eventID string) (CanonicalEvent, error)
	Link(ctx context.Context, link EventLink) error
	GetLink(ctx context.Context, eventID string) (EventLink, error)
	RecordRejected(ctx context.Context, rejected RejectedEvent) error
}

type ConversationStore interface {
	Get(ctx context.Context, id string) (Conversation, error)
	GetByThreadKey(ctx context.Context, threadKey string) (Conversation, error)
	// CreateIfAbsent inserts against the unique thread key and returns the
	// existing row with created=false on conflict.
	CreateIfAbsent(ctx context.Context, conversation Conversation) (stored Conversation, created bool, err error)
	// CompareAndSwap persists next when the stored version equals
	// expectedVersion and bumps the version.
	CompareAndSwap(ctx context.Context, next Conversation, expectedVersion int64) (bool, error)
}

type ParticipantStore interface {
	Touch(ctx context.Context, participant ThreadParticipant) (ThreadParticipant, error)
	Get(ctx context.Context, conversationID, actorID string) (ThreadParticipant, error)
	List(ctx context.Context, conversationID string) ([]ThreadParticipant, error)
	SetBlocked(ctx context.Context, conversationID, actorID string, blocked bool) error
}

type MessageIndex interface {
	Put(ctx context.Context, entry MessageIndexEntry) error
	Lookup(ctx context.Context, providerID, providerMessageID string) (MessageIndexEntry, error)
}

type AssigneeDirectory interface {
	ListAssignees(ctx context.Context) ([]Assignee, error)
	GetAssignee(ctx context.Context, id string) (Assignee, error)
}

type AssigneeStore interface {
	AssigneeDirectory
	UpsertAssignee(ctx context.Context, assignee Assignee) (Assignee, error)
}

// LoadReader derives assignee load from durable conversation and history
// rows on every call.
type LoadReader interface {
	LoadSnapshot(ctx context.Context, assigneeIDs []string) (map[string]AssigneeLoad, error)
}

type AssignmentHistory interface {
	Append(ctx context.Context, record AssignmentRecord) error
	List(ctx context.Context, conversationID string) ([]AssignmentRecord, error)
}

type OutboxStore interface {
	Enqueue(ctx context.Context, eventID string, availableAt time.Time) error
	ClaimBatch(ctx context.Context, limit int) ([]OutboxEntry, error)
	Ack(ctx context.Context, eventID string) error
	Retry(ctx context.Context, eventID string, cause error, nextAttemptAt time.Time) error
}

type Stores struct {
	Events        EventStore
	Conversations ConversationStore
	Participants  ParticipantStore
	Messages      MessageIndex
	Assignees     AssigneeStore
	Load          LoadReader
	History       AssignmentHistory
	Outbox        OutboxStore
}

// Store is the transactional boundary of the pipeline. RunInTx hands fn a
// Stores value bound to a single transaction.
type Store interface {
	Stores() Stores
	RunInTx(ctx context.Context, fn func(ctx context.Context, stores Stores) error) error
}

type EventConsumer interface {
	Consume(ctx context.Context, event CanonicalEvent, link EventLink) error
}

type ConsumerRegistry interface {
	Register(name string, consumer EventConsumer)
	Consumers() []NamedConsumer
}

type NamedConsumer struct {
	Name     string
	Consumer EventConsumer
}

// PublishNotifier is signalled after an admission commits. Notify must not
// block the caller on consumer work.
type PublishNotifier interface {
	Notify(ctx context.Context, eventID string)
}

type DispatchStats struct {
	Claimed   int
	Delivered int
	Retried   int
	Failed    int
}

type EventDispatcher interface {
	DispatchPending(ctx context.Context, batchSize int) (DispatchStats, error)
}

type SendRequest struct {
	To          string
	MessageType string
	Body        string
	Metadata    map[string]any
}

type SendResult struct {
	ProviderMessageID string
	Metadata          map[string]any
}

type OutboundGateway interface {
	Send(ctx context.Context, req SendRequest) (SendResult, error)
}

type AssignmentPolicy interface {
	Name() string
	Select(conversation Conversation, candidates []AssignmentCandidate) (AssignmentCandidate, AssignmentReason, bool)
}

type AssignmentCandidate struct {
	Assignee Assignee
	Load     AssigneeLoad
}

type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
}

type HandoffRequest struct {
	ConversationID   string
	PreviousAssignee string
	NextAssignee     string
	Reason           string
	Actor            string
	Notice           string
}

type ReleaseRequest struct {
	ConversationID   string
	PreviousAssignee string
	Reason           string
	Actor            string
}

type CloseRequest struct {
	ConversationID string
	Reason         string
	Actor          string
}

type AssignRequest struct {
	ConversationID string
	Actor          string
}

type ConversationView struct {
	Conversation Conversation
	Participants []ThreadParticipant
	History      []AssignmentRecord
}

type JobExecutionMessage struct {
	JobID          string
	ScriptPath     string
	Parameters     map[string]any
	IdempotencyKey string
	DedupPolicy    string
}

type JobNackOptions struct {
	Delay      time.Duration
	Requeue    bool
	DeadLetter bool
	Reason     string
}

type JobEnqueuer interface {
	Enqueue(ctx context.Context, msg *JobExecutionMessage) error
}

type JobDelivery interface {
	Message() *JobExecutionMessage
	Ack(ctx context.Context) error
	Nack(ctx context.Context, opts JobNackOptions) error
}

type JobDequeuer interface {
	Dequeue(ctx context.Context) (JobDelivery, error)
}

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger
