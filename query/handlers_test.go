package query

import (
	"context"
	"errors"
	"testing"

	"github.com/goliatone/go-chatflow/core"
)

func TestGetConversationQuery_DelegatesToReader(t *testing.T) {
	reader := &stubReader{
		view: core.ConversationView{
			Conversation: core.Conversation{ID: "conv_1", Status: core.ConversationStatusAssigned, AssignedTo: "agent_1"},
			Participants: []core.ThreadParticipant{{ConversationID: "conv_1", ActorID: "cust_1", Role: core.ActorRoleCustomer}},
			History:      []core.AssignmentRecord{{ConversationID: "conv_1", ToAssignee: "agent_1"}},
		},
	}
	view, err := NewGetConversationQuery(reader).Query(context.Background(), GetConversationMessage{ConversationID: "conv_1"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if reader.conversationID != "conv_1" {
		t.Fatalf("expected conversation id passthrough, got %q", reader.conversationID)
	}
	if view.Conversation.AssignedTo != "agent_1" || len(view.Participants) != 1 || len(view.History) != 1 {
		t.Fatalf("unexpected view %+v", view)
	}
}

func TestListParticipantsQuery_ReturnsEmptySlice(t *testing.T) {
	reader := &stubReader{}
	participants, err := NewListParticipantsQuery(reader).Query(context.Background(), ListParticipantsMessage{ConversationID: "conv_1"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if participants == nil || len(participants) != 0 {
		t.Fatalf("expected empty non-nil participants, got %#v", participants)
	}
}

func TestGetEventQuery_PairsEventWithLink(t *testing.T) {
	reader := &stubReader{
		event: core.CanonicalEvent{EventID: "evt_1", ProviderID: "generic"},
		link:  core.EventLink{EventID: "evt_1", ConversationID: "conv_1"},
	}
	view, err := NewGetEventQuery(reader).Query(context.Background(), GetEventMessage{EventID: "evt_1"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if view.Event.EventID != "evt_1" || view.Link.ConversationID != "conv_1" {
		t.Fatalf("unexpected event view %+v", view)
	}
}

func TestGetEventQuery_PropagatesReaderError(t *testing.T) {
	reader := &stubReader{err: core.ErrEventNotFound}
	_, err := NewGetEventQuery(reader).Query(context.Background(), GetEventMessage{EventID: "evt_missing"})
	if !errors.Is(err, core.ErrEventNotFound) {
		t.Fatalf("expected event not found, got %v", err)
	}
}

type stubReader struct {
	view           core.ConversationView
	participants   []core.ThreadParticipant
	event          core.CanonicalEvent
	link           core.EventLink
	err            error
	conversationID string
}

func (s *stubReader) GetConversation(_ context.Context, conversationID string) (core.ConversationView, error) {
	s.conversationID = conversationID
	return s.view, s.err
}

func (s *stubReader) ListParticipants(_ context.Context, conversationID string) ([]core.ThreadParticipant, error) {
	s.conversationID = conversationID
	return s.participants, s.err
}

func (s *stubReader) GetEvent(_ context.Context, _ string) (core.CanonicalEvent, core.EventLink, error) {
	return s.event, s.link, s.err
}
