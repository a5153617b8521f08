package core

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	ErrInvalidConversationStatusTransition = errors.New("core: invalid conversation status transition")
	ErrConversationNotFound                = errors.New("core: conversation not found")
	ErrEventNotFound                       = errors.New("core: event not found")
	ErrParticipantNotFound                 = errors.New("core: participant not found")
	ErrMessageNotIndexed                   = errors.New("core: message not indexed")
	ErrAssigneeNotFound                    = errors.New("core: assignee not found")
)

// CanonicalEventVersion is the schema version stamped on every event the
// normalizers produce.
const CanonicalEventVersion = 1

type EventType string

const (
	EventTypeMessageIn    EventType = "MESSAGE_IN"
	EventTypeMessageOut   EventType = "MESSAGE_OUT"
	EventTypeStatusUpdate EventType = "STATUS_UPDATE"
	EventTypeGroupEvent   EventType = "GROUP_EVENT"
	EventTypeSystem       EventType = "SYSTEM"
)

func (t EventType) IsMessage() bool {
	return t == EventTypeMessageIn || t == EventTypeMessageOut
}

type ActorRole string

const (
	ActorRoleCustomer ActorRole = "CUSTOMER"
	ActorRoleAgent    ActorRole = "AGENT"
	ActorRoleSystem   ActorRole = "SYSTEM"
)

type ChatType string

const (
	ChatTypeDirect ChatType = "DIRECT"
	ChatTypeGroup  ChatType = "GROUP"
)

const (
	RiskFlagUnmappedType     = "unmapped_type"
	RiskFlagUnmappedProvider = "unmapped_provider"
	RiskFlagBadSignature     = "bad_signature"
	RiskFlagUnsigned         = "unsigned"
	RiskFlagUnlinkedStatus   = "unlinked_status"
	RiskFlagBodyTooLarge     = "body_too_large"
	RiskFlagBodyUnreadable   = "body_unreadable"
)

type EventRouting struct {
	ShopperID string
	SkmID     string
	KeeperID  string
}

func (r EventRouting) IsZero() bool {
	return strings.TrimSpace(r.ShopperID) == "" &&
		strings.TrimSpace(r.SkmID) == "" &&
		strings.TrimSpace(r.KeeperID) == ""
}

// CanonicalEvent is written once at admission and never updated. Routing
// results are stored beside it as an EventLink.
type CanonicalEvent struct {
	EventID           string
	ProviderID        string
	ProviderAccountID string
	ProviderEventID   string
	ProviderMessageID string
	ChannelID         string
	EventType         EventType
	EventVersion      int
	OccurredAt        time.Time
	ReceivedAt        time.Time
	IdempotencyKey    string
	CorrelationID     string
	ParentEventID     string
	ActorID           string
	ActorRole         ActorRole
	ActorName         string
	CounterpartID     string
	ChatType          ChatType
	GroupID           string
	ThreadKey         string
	Routing           EventRouting
	Payload           map[string]any
	RawPayload        []byte
	SignatureValid    bool
	RiskFlags         []string
}

func (e CanonicalEvent) HasRiskFlag(flag string) bool {
	flag = strings.TrimSpace(flag)
	for _, existing := range e.RiskFlags {
		if existing == flag {
			return true
		}
	}
	return false
}

func (e *CanonicalEvent) AddRiskFlag(flags ...string) {
	if e == nil {
		return
	}
	e.RiskFlags = mergeRiskFlags(e.RiskFlags, flags...)
}

func mergeRiskFlags(existing []string, flags ...string) []string {
	set := make(map[string]struct{}, len(existing)+len(flags))
	for _, flag := range existing {
		if flag = strings.TrimSpace(flag); flag != "" {
			set[flag] = struct{}{}
		}
	}
	for _, flag := range flags {
		if flag = strings.TrimSpace(flag); flag != "" {
			set[flag] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for flag := range set {
		out = append(out, flag)
	}
	sort.Strings(out)
	return out
}

// StatusValue returns the delivery status carried by a STATUS_UPDATE payload.
func (e CanonicalEvent) StatusValue() string {
	if e.Payload == nil {
		return ""
	}
	value, _ := e.Payload["status"].(string)
	return strings.ToLower(strings.TrimSpace(value))
}

type EventLink struct {
	EventID        string
	ConversationID string
	Routing        EventRouting
	RoutingReason  AssignmentReason
	CreatedAt      time.Time
}

type RejectedEvent struct {
	ID             string
	ProviderID     string
	Surface        string
	Reason         string
	Detail         string
	RawPayload     []byte
	Headers        map[string]string
	SignatureValid bool
	RiskFlags      []string
	ReceivedAt     time.Time
}

type ConversationStatus string

const (
	ConversationStatusOpen     ConversationStatus = "OPEN"
	ConversationStatusActive   ConversationStatus = "ACTIVE"
	ConversationStatusAssigned ConversationStatus = "ASSIGNED"
	ConversationStatusClosed   ConversationStatus = "CLOSED"
)

// IsLive reports whether the status counts toward an assignee's load.
func (s ConversationStatus) IsLive() bool {
	return s == ConversationStatusActive || s == ConversationStatusAssigned
}

type Conversation struct {
	ID            string
	ThreadKey     string
	ProviderID    string
	ChannelID     string
	AccountID     string
	CounterpartID string
	ChatType      ChatType
	GroupID       string
	Status        ConversationStatus
	AssignedTo    string
	OpenedBy      string
	MessageCount  int
	LastEventAt   time.Time
	LastActorID   string
	ClosedAt      *time.Time
	Tags          []string
	Version       int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (c *Conversation) TransitionTo(status ConversationStatus, now time.Time) error {
	if c == nil {
		return nil
	}
	if c.Status == status {
		c.UpdatedAt = now
		return nil
	}
	if !conversationTransitionAllowed(c.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidConversationStatusTransition, c.Status, status)
	}
	c.Status = status
	c.UpdatedAt = now
	switch status {
	case ConversationStatusClosed:
		closedAt := now
		c.ClosedAt = &closedAt
		c.AssignedTo = ""
	case ConversationStatusOpen:
		c.ClosedAt = nil
	case ConversationStatusActive:
		c.AssignedTo = ""
	}
	return nil
}

func conversationTransitionAllowed(from, to ConversationStatus) bool {
	switch from {
	case ConversationStatusOpen:
		return to == ConversationStatusActive || to == ConversationStatusAssigned || to == ConversationStatusClosed
	case ConversationStatusActive:
		return to == ConversationStatusAssigned || to == ConversationStatusClosed
	case ConversationStatusAssigned:
		return to == ConversationStatusActive || to == ConversationStatusClosed
	case ConversationStatusClosed:
		return to == ConversationStatusOpen
	default:
		return false
	}
}

func (c Conversation) HasTag(tag string) bool {
	tag = strings.ToLower(strings.TrimSpace(tag))
	for _, existing := range c.Tags {
		if strings.ToLower(strings.TrimSpace(existing)) == tag {
			return true
		}
	}
	return false
}

type ConversationRef struct {
	ConversationID string
	ThreadKey      string
	Status         ConversationStatus
	Created        bool
	Reopened       bool
	Activated      bool
}

func (r ConversationRef) Linked() bool {
	return strings.TrimSpace(r.ConversationID) != ""
}

type ThreadParticipant struct {
	ConversationID string
	ActorID        string
	Role           ActorRole
	DisplayName    string
	FirstSeenAt    time.Time
	LastSeenAt     time.Time
	IsBlocked      bool
}

type MessageIndexEntry struct {
	ProviderID        string
	ProviderMessageID string
	ConversationID    string
	EventID           string
	CreatedAt         time.Time
}

type Assignee struct {
	ID          string
	DisplayName string
	Available   bool
	Skills      []string
	SkmID       string
	KeeperID    string
	MaxLoad     int
}

func (a Assignee) HasSkills(required []string) bool {
	if len(required) == 0 {
		return true
	}
	owned := make(map[string]struct{}, len(a.Skills))
	for _, skill := range a.Skills {
		owned[strings.ToLower(strings.TrimSpace(skill))] = struct{}{}
	}
	for _, skill := range required {
		if _, ok := owned[strings.ToLower(strings.TrimSpace(skill))]; !ok {
			return false
		}
	}
	return true
}

func (a Assignee) Routing() EventRouting {
	return EventRouting{
		ShopperID: a.ID,
		SkmID:     a.SkmID,
		KeeperID:  a.KeeperID,
	}
}

type AssigneeLoad struct {
	Live           int
	LastAssignedAt *time.Time
}

type AssignmentReason string

const (
	AssignmentReasonSticky           AssignmentReason = "STICKY"
	AssignmentReasonLeastLoaded      AssignmentReason = "LEAST_LOADED"
	AssignmentReasonRoundRobin       AssignmentReason = "ROUND_ROBIN"
	AssignmentReasonRuleMatch        AssignmentReason = "RULE_MATCH"
	AssignmentReasonNoEligibleTarget AssignmentReason = "NO_ELIGIBLE_TARGET"
	AssignmentReasonHandoff          AssignmentReason = "HANDOFF"
	AssignmentReasonReleased         AssignmentReason = "RELEASED"
	AssignmentReasonClosed           AssignmentReason = "CLOSED"
)

// AssignmentDecision carries an empty Assignee when the conversation stays
// unassigned.
type AssignmentDecision struct {
	Assignee string
	Reason   AssignmentReason
	Routing  EventRouting
}

func (d AssignmentDecision) Assigned() bool {
	return strings.TrimSpace(d.Assignee) != ""
}

type AssignmentAction string

const (
	AssignmentActionAssign  AssignmentAction = "assign"
	AssignmentActionHandoff AssignmentAction = "handoff"
	AssignmentActionRelease AssignmentAction = "release"
	AssignmentActionClose   AssignmentAction = "close"
)

type AssignmentRecord struct {
	ID             string
	ConversationID string
	Action         AssignmentAction
	FromAssignee   string
	ToAssignee     string
	Reason         string
	Actor          string
	CreatedAt      time.Time
}

type OutboxEntry struct {
	EventID  string
	Attempts int
}
