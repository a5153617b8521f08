package query

import (
	"strings"
)

const (
	TypeGetConversation  = "chatflow.query.conversation.get"
	TypeListParticipants = "chatflow.query.participants.list"
	TypeGetEvent         = "chatflow.query.event.get"
)

type GetConversationMessage struct {
	ConversationID string
}

func (GetConversationMessage) Type() string { return TypeGetConversation }

func (m GetConversationMessage) Validate() error {
	if strings.TrimSpace(m.ConversationID) == "" {
		return queryValidationError("conversation_id", "conversation id is required")
	}
	return nil
}

type ListParticipantsMessage struct {
	ConversationID string
}

func (ListParticipantsMessage) Type() string { return TypeListParticipants }

func (m ListParticipantsMessage) Validate() error {
	if strings.TrimSpace(m.ConversationID) == "" {
		return queryValidationError("conversation_id", "conversation id is required")
	}
	return nil
}

type GetEventMessage struct {
	EventID string
}

func (GetEventMessage) Type() string { return TypeGetEvent }

func (m GetEventMessage) Validate() error {
	if strings.TrimSpace(m.EventID) == "" {
		return queryValidationError("event_id", "event id is required")
	}
	return nil
}
