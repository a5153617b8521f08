package sqlstore

import (
	"time"

	"github.com/goliatone/go-chatflow/core"
	"github.com/uptrace/bun"
)

type eventRecord struct {
	bun.BaseModel `bun:"table:chat_events,alias:ce"`

	EventID           string         `bun:"event_id,pk"`
	ProviderID        string         `bun:"provider_id,notnull"`
	ProviderAccountID string         `bun:"provider_account_id,notnull"`
	ProviderEventID   string         `bun:"provider_event_id,notnull"`
	ProviderMessageID string         `bun:"provider_message_id,notnull"`
	ChannelID         string         `bun:"channel_id,notnull"`
	EventType         string         `bun:"event_type,notnull"`
	EventVersion      int            `bun:"event_version,notnull"`
	OccurredAt        time.Time      `bun:"occurred_at,notnull"`
	ReceivedAt        time.Time      `bun:"received_at,notnull"`
	IdempotencyKey    string         `bun:"idempotency_key,notnull,unique"`
	CorrelationID     string         `bun:"correlation_id,notnull"`
	ParentEventID     string         `bun:"parent_event_id,notnull"`
	ActorID           string         `bun:"actor_id,notnull"`
	ActorRole         string         `bun:"actor_role,notnull"`
	ActorName         string         `bun:"actor_name,notnull"`
	CounterpartID     string         `bun:"counterpart_id,notnull"`
	ChatType          string         `bun:"chat_type,notnull"`
	GroupID           string         `bun:"group_id,notnull"`
	ThreadKey         string         `bun:"thread_key,notnull"`
	Payload           map[string]any `bun:"payload,type:jsonb,notnull"`
	RawPayload        []byte         `bun:"raw_payload,notnull"`
	SignatureValid    bool           `bun:"signature_valid,notnull"`
	RiskFlags         []string       `bun:"risk_flags,type:jsonb,notnull"`
	CreatedAt         time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

type eventLinkRecord struct {
	bun.BaseModel `bun:"table:chat_event_links,alias:cel"`

	EventID        string    `bun:"event_id,pk"`
	ConversationID string    `bun:"conversation_id,notnull"`
	AssigneeID     string    `bun:"assignee_id,notnull"`
	SkmID          string    `bun:"skm_id,notnull"`
	KeeperID       string    `bun:"keeper_id,notnull"`
	RoutingReason  string    `bun:"routing_reason,notnull"`
	CreatedAt      time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

type rejectedEventRecord struct {
	bun.BaseModel `bun:"table:chat_rejected_events,alias:cre"`

	ID             string            `bun:"id,pk"`
	ProviderID     string            `bun:"provider_id,notnull"`
	Surface        string            `bun:"surface,notnull"`
	Reason         string            `bun:"reason,notnull"`
	Detail         string            `bun:"detail,notnull"`
	RawPayload     []byte            `bun:"raw_payload,notnull"`
	Headers        map[string]string `bun:"headers,type:jsonb,notnull"`
	SignatureValid bool              `bun:"signature_valid,notnull"`
	RiskFlags      []string          `bun:"risk_flags,type:jsonb,notnull"`
	ReceivedAt     time.Time         `bun:"received_at,notnull"`
}

type conversationRecord struct {
	bun.BaseModel `bun:"table:chat_conversations,alias:cc"`

	ID            string     `bun:"id,pk"`
	ThreadKey     string     `bun:"thread_key,notnull,unique"`
	ProviderID    string     `bun:"provider_id,notnull"`
	ChannelID     string     `bun:"channel_id,notnull"`
	AccountID     string     `bun:"account_id,notnull"`
	CounterpartID string     `bun:"counterpart_id,notnull"`
	ChatType      string     `bun:"chat_type,notnull"`
	GroupID       string     `bun:"group_id,notnull"`
	Status        string     `bun:"status,notnull"`
	AssignedTo    *string    `bun:"assigned_to"`
	OpenedBy      string     `bun:"opened_by,notnull"`
	MessageCount  int        `bun:"message_count,notnull"`
	LastEventAt   time.Time  `bun:"last_event_at,notnull"`
	LastActorID   string     `bun:"last_actor_id,notnull"`
	ClosedAt      *time.Time `bun:"closed_at,nullzero"`
	Tags          []string   `bun:"tags,type:jsonb,notnull"`
	Version       int64      `bun:"version,notnull"`
	CreatedAt     time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt     time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type participantRecord struct {
	bun.BaseModel `bun:"table:chat_thread_participants,alias:ctp"`

	ConversationID string    `bun:"conversation_id,pk"`
	ActorID        string    `bun:"actor_id,pk"`
	Role           string    `bun:"role,notnull"`
	DisplayName    string    `bun:"display_name,notnull"`
	FirstSeenAt    time.Time `bun:"first_seen_at,notnull"`
	LastSeenAt     time.Time `bun:"last_seen_at,notnull"`
	IsBlocked      bool      `bun:"is_blocked,notnull"`
}

type messageIndexRecord struct {
	bun.BaseModel `bun:"table:chat_message_index,alias:cmi"`

	ProviderID        string    `bun:"provider_id,pk"`
	ProviderMessageID string    `bun:"provider_message_id,pk"`
	ConversationID    string    `bun:"conversation_id,notnull"`
	EventID           string    `bun:"event_id,notnull"`
	CreatedAt         time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

type assigneeRecord struct {
	bun.BaseModel `bun:"table:chat_assignees,alias:ca"`

	ID          string    `bun:"id,pk"`
	DisplayName string    `bun:"display_name,notnull"`
	Available   bool      `bun:"available,notnull"`
	Skills      []string  `bun:"skills,type:jsonb,notnull"`
	SkmID       string    `bun:"skm_id,notnull"`
	KeeperID    string    `bun:"keeper_id,notnull"`
	MaxLoad     int       `bun:"max_load,notnull"`
	CreatedAt   time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt   time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type assignmentHistoryRecord struct {
	bun.BaseModel `bun:"table:chat_assignment_history,alias:cah"`

	ID             string    `bun:"id,pk"`
	ConversationID string    `bun:"conversation_id,notnull"`
	Action         string    `bun:"action,notnull"`
	FromAssignee   string    `bun:"from_assignee,notnull"`
	ToAssignee     string    `bun:"to_assignee,notnull"`
	Reason         string    `bun:"reason,notnull"`
	Actor          string    `bun:"actor,notnull"`
	CreatedAt      time.Time `bun:"created_at,notnull"`
}

type outboxRecord struct {
	bun.BaseModel `bun:"table:chat_event_outbox,alias:ceo"`

	ID            string     `bun:"id,pk"`
	EventID       string     `bun:"event_id,notnull,unique"`
	Status        string     `bun:"status,notnull"`
	Attempts      int        `bun:"attempts,notnull"`
	NextAttemptAt *time.Time `bun:"next_attempt_at,nullzero"`
	LastError     string     `bun:"last_error,notnull"`
	CreatedAt     time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt     time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

func newEventRecord(event core.CanonicalEvent, now time.Time) *eventRecord {
	return &eventRecord{
		EventID:           event.EventID,
		ProviderID:        event.ProviderID,
		ProviderAccountID: event.ProviderAccountID,
		ProviderEventID:   event.ProviderEventID,
		ProviderMessageID: event.ProviderMessageID,
		ChannelID:         event.ChannelID,
		EventType:         string(event.EventType),
		EventVersion:      event.EventVersion,
		OccurredAt:        event.OccurredAt.UTC(),
		ReceivedAt:        event.ReceivedAt.UTC(),
		IdempotencyKey:    event.IdempotencyKey,
		CorrelationID:     event.CorrelationID,
		ParentEventID:     event.ParentEventID,
		ActorID:           event.ActorID,
		ActorRole:         string(event.ActorRole),
		ActorName:         event.ActorName,
		CounterpartID:     event.CounterpartID,
		ChatType:          string(event.ChatType),
		GroupID:           event.GroupID,
		ThreadKey:         event.ThreadKey,
		Payload:           copyAnyMap(event.Payload),
		RawPayload:        copyBytes(event.RawPayload),
		SignatureValid:    event.SignatureValid,
		RiskFlags:         copyStrings(event.RiskFlags),
		CreatedAt:         now,
	}
}

func (r eventRecord) toDomain() core.CanonicalEvent {
	return core.CanonicalEvent{
		EventID:           r.EventID,
		ProviderID:        r.ProviderID,
		ProviderAccountID: r.ProviderAccountID,
		ProviderEventID:   r.ProviderEventID,
		ProviderMessageID: r.ProviderMessageID,
		ChannelID:         r.ChannelID,
		EventType:         core.EventType(r.EventType),
		EventVersion:      r.EventVersion,
		OccurredAt:        r.OccurredAt.UTC(),
		ReceivedAt:        r.ReceivedAt.UTC(),
		IdempotencyKey:    r.IdempotencyKey,
		CorrelationID:     r.CorrelationID,
		ParentEventID:     r.ParentEventID,
		ActorID:           r.ActorID,
		ActorRole:         core.ActorRole(r.ActorRole),
		ActorName:         r.ActorName,
		CounterpartID:     r.CounterpartID,
		ChatType:          core.ChatType(r.ChatType),
		GroupID:           r.GroupID,
		ThreadKey:         r.ThreadKey,
		Payload:           copyAnyMap(r.Payload),
		RawPayload:        append([]byte(nil), r.RawPayload...),
		SignatureValid:    r.SignatureValid,
		RiskFlags:         copyStrings(r.RiskFlags),
	}
}

func (r eventLinkRecord) toDomain() core.EventLink {
	return core.EventLink{
		EventID:        r.EventID,
		ConversationID: r.ConversationID,
		Routing: core.EventRouting{
			ShopperID: r.AssigneeID,
			SkmID:     r.SkmID,
			KeeperID:  r.KeeperID,
		},
		RoutingReason: core.AssignmentReason(r.RoutingReason),
		CreatedAt:     r.CreatedAt.UTC(),
	}
}

func newConversationRecord(c core.Conversation) *conversationRecord {
	record := &conversationRecord{
		ID:            c.ID,
		ThreadKey:     c.ThreadKey,
		ProviderID:    c.ProviderID,
		ChannelID:     c.ChannelID,
		AccountID:     c.AccountID,
		CounterpartID: c.CounterpartID,
		ChatType:      string(c.ChatType),
		GroupID:       c.GroupID,
		Status:        string(c.Status),
		OpenedBy:      c.OpenedBy,
		MessageCount:  c.MessageCount,
		LastEventAt:   c.LastEventAt.UTC(),
		LastActorID:   c.LastActorID,
		ClosedAt:      cloneTimePointer(c.ClosedAt),
		Tags:          copyStrings(c.Tags),
		Version:       c.Version,
		CreatedAt:     c.CreatedAt.UTC(),
		UpdatedAt:     c.UpdatedAt.UTC(),
	}
	if c.AssignedTo != "" {
		assigned := c.AssignedTo
		record.AssignedTo = &assigned
	}
	return record
}

func (r conversationRecord) toDomain() core.Conversation {
	c := core.Conversation{
		ID:            r.ID,
		ThreadKey:     r.ThreadKey,
		ProviderID:    r.ProviderID,
		ChannelID:     r.ChannelID,
		AccountID:     r.AccountID,
		CounterpartID: r.CounterpartID,
		ChatType:      core.ChatType(r.ChatType),
		GroupID:       r.GroupID,
		Status:        core.ConversationStatus(r.Status),
		OpenedBy:      r.OpenedBy,
		MessageCount:  r.MessageCount,
		LastEventAt:   r.LastEventAt.UTC(),
		LastActorID:   r.LastActorID,
		ClosedAt:      cloneTimePointer(r.ClosedAt),
		Tags:          copyStrings(r.Tags),
		Version:       r.Version,
		CreatedAt:     r.CreatedAt.UTC(),
		UpdatedAt:     r.UpdatedAt.UTC(),
	}
	if r.AssignedTo != nil {
		c.AssignedTo = *r.AssignedTo
	}
	return c
}

func (r participantRecord) toDomain() core.ThreadParticipant {
	return core.ThreadParticipant{
		ConversationID: r.ConversationID,
		ActorID:        r.ActorID,
		Role:           core.ActorRole(r.Role),
		DisplayName:    r.DisplayName,
		FirstSeenAt:    r.FirstSeenAt.UTC(),
		LastSeenAt:     r.LastSeenAt.UTC(),
		IsBlocked:      r.IsBlocked,
	}
}

func (r messageIndexRecord) toDomain() core.MessageIndexEntry {
	return core.MessageIndexEntry{
		ProviderID:        r.ProviderID,
		ProviderMessageID: r.ProviderMessageID,
		ConversationID:    r.ConversationID,
		EventID:           r.EventID,
		CreatedAt:         r.CreatedAt.UTC(),
	}
}

func (r assigneeRecord) toDomain() core.Assignee {
	return core.Assignee{
		ID:          r.ID,
		DisplayName: r.DisplayName,
		Available:   r.Available,
		Skills:      copyStrings(r.Skills),
		SkmID:       r.SkmID,
		KeeperID:    r.KeeperID,
		MaxLoad:     r.MaxLoad,
	}
}

func (r assignmentHistoryRecord) toDomain() core.AssignmentRecord {
	return core.AssignmentRecord{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		Action:         core.AssignmentAction(r.Action),
		FromAssignee:   r.FromAssignee,
		ToAssignee:     r.ToAssignee,
		Reason:         r.Reason,
		Actor:          r.Actor,
		CreatedAt:      r.CreatedAt.UTC(),
	}
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

func copyStrings(in []string) []string {
	if len(in) == 0 {
		return []string{}
	}
	return append([]string(nil), in...)
}

func cloneTimePointer(input *time.Time) *time.Time {
	if input == nil {
		return nil
	}
	value := input.UTC()
	return &value
}

func copyBytes(in []byte) []byte {
	if len(in) == 0 {
		return []byte{}
	}
	return append([]byte(nil), in...)
}
