package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// memoryStore serializes transactions with txMu; individual stores lock
// their own state so reads outside a transaction stay safe.
type memoryStore struct {
	txMu sync.Mutex

	mu            sync.Mutex
	events        map[string]CanonicalEvent
	eventsByKey   map[string]string
	links         map[string]EventLink
	rejected      []RejectedEvent
	conversations map[string]Conversation
	byThread      map[string]string
	participants  map[string]ThreadParticipant
	messages      map[string]MessageIndexEntry
	assignees     map[string]Assignee
	history       []AssignmentRecord
	outbox        map[string]*memoryOutboxRow
	casCalls      int

	failWith      error
	casConflicts  int
	onCompareSwap func()
}

type memoryOutboxRow struct {
	eventID       string
	attempts      int
	status        string
	nextAttemptAt time.Time
	lastError     string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		events:        map[string]CanonicalEvent{},
		eventsByKey:   map[string]string{},
		links:         map[string]EventLink{},
		conversations: map[string]Conversation{},
		byThread:      map[string]string{},
		participants:  map[string]ThreadParticipant{},
		messages:      map[string]MessageIndexEntry{},
		assignees:     map[string]Assignee{},
		outbox:        map[string]*memoryOutboxRow{},
	}
}

func (m *memoryStore) Stores() Stores {
	return Stores{
		Events:        memoryEvents{m},
		Conversations: memoryConversations{m},
		Participants:  memoryParticipants{m},
		Messages:      memoryMessages{m},
		Assignees:     memoryAssignees{m},
		Load:          memoryLoad{m},
		History:       memoryHistory{m},
		Outbox:        memoryOutbox{m},
	}
}

func (m *memoryStore) RunInTx(ctx context.Context, fn func(ctx context.Context, stores Stores) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	return fn(ctx, m.Stores())
}

func (m *memoryStore) conversationCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conversations)
}

func (m *memoryStore) eventCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func (m *memoryStore) rejectedEvents() []RejectedEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RejectedEvent(nil), m.rejected...)
}

func (m *memoryStore) putAssignee(assignee Assignee) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assignees[assignee.ID] = assignee
}

func (m *memoryStore) putConversation(conversation Conversation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conversation.Version == 0 {
		conversation.Version = 1
	}
	m.conversations[conversation.ID] = conversation
	m.byThread[conversation.ThreadKey] = conversation.ID
}

type memoryEvents struct{ m *memoryStore }

func (s memoryEvents) InsertIfAbsent(_ context.Context, event CanonicalEvent) (CanonicalEvent, bool, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if existingID, ok := s.m.eventsByKey[event.IdempotencyKey]; ok {
		return s.m.events[existingID], false, nil
	}
	s.m.events[event.EventID] = event
	s.m.eventsByKey[event.IdempotencyKey] = event.EventID
	return event, true, nil
}

func (s memoryEvents) Get(_ context.Context, eventID string) (CanonicalEvent, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	event, ok := s.m.events[eventID]
	if !ok {
		return CanonicalEvent{}, ErrEventNotFound
	}
	return event, nil
}

func (s memoryEvents) Link(_ context.Context, link EventLink) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if _, exists := s.m.links[link.EventID]; exists {
		return fmt.Errorf("link for %s already exists", link.EventID)
	}
	s.m.links[link.EventID] = link
	return nil
}

func (s memoryEvents) GetLink(_ context.Context, eventID string) (EventLink, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	link, ok := s.m.links[eventID]
	if !ok {
		return EventLink{}, ErrEventNotFound
	}
	return link, nil
}

func (s memoryEvents) RecordRejected(_ context.Context, rejected RejectedEvent) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if s.m.failWith != nil {
		return s.m.failWith
	}
	s.m.rejected = append(s.m.rejected, rejected)
	return nil
}

type memoryConversations struct{ m *memoryStore }

func (s memoryConversations) Get(_ context.Context, id string) (Conversation, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	conversation, ok := s.m.conversations[id]
	if !ok {
		return Conversation{}, ErrConversationNotFound
	}
	return conversation, nil
}

func (s memoryConversations) GetByThreadKey(_ context.Context, threadKey string) (Conversation, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	id, ok := s.m.byThread[threadKey]
	if !ok {
		return Conversation{}, ErrConversationNotFound
	}
	return s.m.conversations[id], nil
}

func (s memoryConversations) CreateIfAbsent(_ context.Context, conversation Conversation) (Conversation, bool, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if id, ok := s.m.byThread[conversation.ThreadKey]; ok {
		return s.m.conversations[id], false, nil
	}
	s.m.conversations[conversation.ID] = conversation
	s.m.byThread[conversation.ThreadKey] = conversation.ID
	return conversation, true, nil
}

func (s memoryConversations) CompareAndSwap(_ context.Context, next Conversation, expectedVersion int64) (bool, error) {
	s.m.mu.Lock()
	hook := s.m.onCompareSwap
	s.m.onCompareSwap = nil
	s.m.mu.Unlock()
	if hook != nil {
		hook()
	}

	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	s.m.casCalls++
	if s.m.casConflicts > 0 {
		s.m.casConflicts--
		return false, nil
	}
	current, ok := s.m.conversations[next.ID]
	if !ok || current.Version != expectedVersion {
		return false, nil
	}
	next.Version = expectedVersion + 1
	s.m.conversations[next.ID] = next
	return true, nil
}

type memoryParticipants struct{ m *memoryStore }

func participantKey(conversationID, actorID string) string {
	return conversationID + "|" + actorID
}

func (s memoryParticipants) Touch(_ context.Context, participant ThreadParticipant) (ThreadParticipant, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	key := participantKey(participant.ConversationID, participant.ActorID)
	existing, ok := s.m.participants[key]
	if !ok {
		s.m.participants[key] = participant
		return participant, nil
	}
	if participant.LastSeenAt.After(existing.LastSeenAt) {
		existing.LastSeenAt = participant.LastSeenAt
	}
	if existing.DisplayName == "" {
		existing.DisplayName = participant.DisplayName
	}
	s.m.participants[key] = existing
	return existing, nil
}

func (s memoryParticipants) Get(_ context.Context, conversationID, actorID string) (ThreadParticipant, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	participant, ok := s.m.participants[participantKey(conversationID, actorID)]
	if !ok {
		return ThreadParticipant{}, ErrParticipantNotFound
	}
	return participant, nil
}

func (s memoryParticipants) List(_ context.Context, conversationID string) ([]ThreadParticipant, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	out := []ThreadParticipant{}
	for _, participant := range s.m.participants {
		if participant.ConversationID == conversationID {
			out = append(out, participant)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ActorID < out[j].ActorID })
	return out, nil
}

func (s memoryParticipants) SetBlocked(_ context.Context, conversationID, actorID string, blocked bool) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	key := participantKey(conversationID, actorID)
	participant, ok := s.m.participants[key]
	if !ok {
		return ErrParticipantNotFound
	}
	participant.IsBlocked = blocked
	s.m.participants[key] = participant
	return nil
}

type memoryMessages struct{ m *memoryStore }

func (s memoryMessages) Put(_ context.Context, entry MessageIndexEntry) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	key := entry.ProviderID + "|" + entry.ProviderMessageID
	if _, ok := s.m.messages[key]; !ok {
		s.m.messages[key] = entry
	}
	return nil
}

func (s memoryMessages) Lookup(_ context.Context, providerID, providerMessageID string) (MessageIndexEntry, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	entry, ok := s.m.messages[providerID+"|"+providerMessageID]
	if !ok {
		return MessageIndexEntry{}, ErrMessageNotIndexed
	}
	return entry, nil
}

type memoryAssignees struct{ m *memoryStore }

func (s memoryAssignees) ListAssignees(context.Context) ([]Assignee, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	out := make([]Assignee, 0, len(s.m.assignees))
	for _, assignee := range s.m.assignees {
		out = append(out, assignee)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s memoryAssignees) GetAssignee(_ context.Context, id string) (Assignee, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	assignee, ok := s.m.assignees[id]
	if !ok {
		return Assignee{}, ErrAssigneeNotFound
	}
	return assignee, nil
}

func (s memoryAssignees) UpsertAssignee(_ context.Context, assignee Assignee) (Assignee, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	s.m.assignees[assignee.ID] = assignee
	return assignee, nil
}

type memoryLoad struct{ m *memoryStore }

func (s memoryLoad) LoadSnapshot(_ context.Context, assigneeIDs []string) (map[string]AssigneeLoad, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	out := make(map[string]AssigneeLoad, len(assigneeIDs))
	for _, id := range assigneeIDs {
		load := AssigneeLoad{}
		for _, conversation := range s.m.conversations {
			if conversation.AssignedTo == id && conversation.Status.IsLive() {
				load.Live++
			}
		}
		for _, record := range s.m.history {
			if record.ToAssignee != id {
				continue
			}
			at := record.CreatedAt
			if load.LastAssignedAt == nil || at.After(*load.LastAssignedAt) {
				load.LastAssignedAt = &at
			}
		}
		out[id] = load
	}
	return out, nil
}

type memoryHistory struct{ m *memoryStore }

func (s memoryHistory) Append(_ context.Context, record AssignmentRecord) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	s.m.history = append(s.m.history, record)
	return nil
}

func (s memoryHistory) List(_ context.Context, conversationID string) ([]AssignmentRecord, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	out := []AssignmentRecord{}
	for _, record := range s.m.history {
		if record.ConversationID == conversationID {
			out = append(out, record)
		}
	}
	return out, nil
}

type memoryOutbox struct{ m *memoryStore }

func (s memoryOutbox) Enqueue(_ context.Context, eventID string, availableAt time.Time) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if _, ok := s.m.outbox[eventID]; ok {
		return nil
	}
	s.m.outbox[eventID] = &memoryOutboxRow{eventID: eventID, status: "pending", nextAttemptAt: availableAt}
	return nil
}

func (s memoryOutbox) ClaimBatch(_ context.Context, limit int) ([]OutboxEntry, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	ids := make([]string, 0, len(s.m.outbox))
	for id, row := range s.m.outbox {
		if row.status == "pending" {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	out := []OutboxEntry{}
	for _, id := range ids {
		if limit > 0 && len(out) >= limit {
			break
		}
		row := s.m.outbox[id]
		row.status = "processing"
		out = append(out, OutboxEntry{EventID: id, Attempts: row.attempts})
	}
	return out, nil
}

func (s memoryOutbox) Ack(_ context.Context, eventID string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if row, ok := s.m.outbox[eventID]; ok {
		row.status = "delivered"
	}
	return nil
}

func (s memoryOutbox) Retry(_ context.Context, eventID string, cause error, nextAttemptAt time.Time) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	row, ok := s.m.outbox[eventID]
	if !ok {
		return nil
	}
	row.attempts++
	row.lastError = cause.Error()
	row.nextAttemptAt = nextAttemptAt
	if nextAttemptAt.IsZero() {
		row.status = "failed"
	} else {
		row.status = "pending"
	}
	return nil
}

// jsonTestNormalizer reads a flat payload:
// {"id","account","from","to","type","ts","text","status","tags"}.
type jsonTestNormalizer struct{}

type testPayload struct {
	ID      string `json:"id"`
	Account string `json:"account"`
	From    string `json:"from"`
	To      string `json:"to"`
	Type    string `json:"type"`
	TS      int64  `json:"ts"`
	Text    string `json:"text"`
	Status  string `json:"status"`
}

func (jsonTestNormalizer) Normalize(_ context.Context, raw []byte, _ string) (CanonicalEvent, error) {
	var payload testPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return CanonicalEvent{}, &NormalizationError{Kind: ServiceErrorMalformedPayload, Message: "invalid json", Cause: err}
	}
	if payload.Account == "" && payload.ID == "" {
		return CanonicalEvent{}, NewMalformedPayload("account", "account or message id is required")
	}
	if payload.TS == 0 {
		return CanonicalEvent{}, NewMalformedPayload("ts", "timestamp is required")
	}
	event := CanonicalEvent{
		ProviderAccountID: payload.Account,
		ProviderMessageID: payload.ID,
		OccurredAt:        time.Unix(payload.TS, 0).UTC(),
		ChannelID:         "test",
		ChatType:          ChatTypeDirect,
		Payload:           map[string]any{},
	}
	switch strings.ToLower(payload.Type) {
	case "in":
		event.EventType = EventTypeMessageIn
		event.ActorRole = ActorRoleCustomer
	case "out":
		event.EventType = EventTypeMessageOut
		event.ActorRole = ActorRoleAgent
	case "status":
		event.EventType = EventTypeStatusUpdate
		event.ActorRole = ActorRoleSystem
		event.Payload["status"] = payload.Status
	default:
		return CanonicalEvent{}, NewMalformedPayload("type", "event category is required")
	}
	if payload.Text != "" {
		event.Payload["text"] = payload.Text
	}
	if event.EventType != EventTypeStatusUpdate {
		event.ActorID = payload.From
		if payload.From == payload.Account {
			event.CounterpartID = payload.To
		} else {
			event.CounterpartID = payload.From
		}
		event.ThreadKey = ThreadKey(event.ChannelID, payload.Account, event.CounterpartID)
	}
	return event, nil
}

func testBody(fields map[string]any) []byte {
	encoded, _ := json.Marshal(fields)
	return encoded
}

type recordingNotifier struct {
	mu       sync.Mutex
	eventIDs []string
}

func (n *recordingNotifier) Notify(_ context.Context, eventID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.eventIDs = append(n.eventIDs, eventID)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.eventIDs)
}

type stubVerifier struct {
	err error
}

func (v stubVerifier) Verify(context.Context, InboundRequest) error {
	return v.err
}

type stubGateway struct {
	mu       sync.Mutex
	requests []SendRequest
	err      error
}

func (g *stubGateway) Send(_ context.Context, req SendRequest) (SendResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	if g.err != nil {
		return SendResult{}, g.err
	}
	return SendResult{ProviderMessageID: fmt.Sprintf("out_%d", len(g.requests))}, nil
}

var errStoreDown = errors.New("dial tcp 127.0.0.1:5432: connect: connection refused")

func newTestService(t interface {
	Fatalf(format string, args ...any)
}, store *memoryStore, opts ...Option) *Service {
	base := []Option{
		WithStore(store),
		WithNormalizer(jsonTestNormalizer{}),
	}
	svc, err := NewService(Config{}, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}
