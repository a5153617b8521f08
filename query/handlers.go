package query

import (
	"context"

	"github.com/goliatone/go-chatflow/core"
)

// ReadService is the read side of core.Service.
type ReadService interface {
	GetConversation(ctx context.Context, conversationID string) (core.ConversationView, error)
	ListParticipants(ctx context.Context, conversationID string) ([]core.ThreadParticipant, error)
	GetEvent(ctx context.Context, eventID string) (core.CanonicalEvent, core.EventLink, error)
}

// EventView pairs a stored canonical event with its correlation link.
type EventView struct {
	Event core.CanonicalEvent
	Link  core.EventLink
}

type GetConversationQuery struct {
	reader ReadService
}

func NewGetConversationQuery(reader ReadService) *GetConversationQuery {
	return &GetConversationQuery{reader: reader}
}

func (q *GetConversationQuery) Query(ctx context.Context, msg GetConversationMessage) (core.ConversationView, error) {
	if q == nil || q.reader == nil {
		return core.ConversationView{}, queryDependencyError("query: conversation reader is required")
	}
	return q.reader.GetConversation(ctx, msg.ConversationID)
}

type ListParticipantsQuery struct {
	reader ReadService
}

func NewListParticipantsQuery(reader ReadService) *ListParticipantsQuery {
	return &ListParticipantsQuery{reader: reader}
}

func (q *ListParticipantsQuery) Query(ctx context.Context, msg ListParticipantsMessage) ([]core.ThreadParticipant, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: participant reader is required")
	}
	participants, err := q.reader.ListParticipants(ctx, msg.ConversationID)
	if err != nil {
		return nil, err
	}
	if participants == nil {
		participants = []core.ThreadParticipant{}
	}
	return participants, nil
}

type GetEventQuery struct {
	reader ReadService
}

func NewGetEventQuery(reader ReadService) *GetEventQuery {
	return &GetEventQuery{reader: reader}
}

func (q *GetEventQuery) Query(ctx context.Context, msg GetEventMessage) (EventView, error) {
	if q == nil || q.reader == nil {
		return EventView{}, queryDependencyError("query: event reader is required")
	}
	event, link, err := q.reader.GetEvent(ctx, msg.EventID)
	if err != nil {
		return EventView{}, err
	}
	return EventView{Event: event, Link: link}, nil
}
