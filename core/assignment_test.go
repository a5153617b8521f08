package core

import (
	"context"
	"errors"
	"net/http"
	"testing"

	goerrors "github.com/goliatone/go-errors"
)

func assignedConversation(id, assignee string) Conversation {
	return Conversation{
		ID:            id,
		ThreadKey:     "thread_" + id,
		CounterpartID: "cust_1",
		Status:        ConversationStatusAssigned,
		AssignedTo:    assignee,
		Version:       3,
	}
}

func TestService_HandoffWithStalePreviousAssigneeFails(t *testing.T) {
	store := newMemoryStore()
	store.putConversation(assignedConversation("conv_1", "agent_b"))
	svc := newTestService(t, store)

	_, err := svc.Handoff(context.Background(), HandoffRequest{
		ConversationID:   "conv_1",
		PreviousAssignee: "agent_a",
		NextAssignee:     "agent_c",
	})
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) {
		t.Fatalf("expected go-errors error, got %v", err)
	}
	if richErr.TextCode != ServiceErrorStaleAssignment || richErr.Code != http.StatusConflict {
		t.Fatalf("expected STALE_ASSIGNMENT 409, got %s %d", richErr.TextCode, richErr.Code)
	}
	conversation, _ := store.Stores().Conversations.Get(context.Background(), "conv_1")
	if conversation.AssignedTo != "agent_b" || conversation.Version != 3 {
		t.Fatalf("expected assignment unchanged, got %+v", conversation)
	}
}

func TestService_HandoffRetriesVersionConflictsWhileAssigneeMatches(t *testing.T) {
	store := newMemoryStore()
	store.putConversation(assignedConversation("conv_1", "agent_a"))
	store.casConflicts = 2
	gateway := &stubGateway{}
	svc := newTestService(t, store, WithOutboundGateway(gateway))

	conversation, err := svc.Handoff(context.Background(), HandoffRequest{
		ConversationID:   "conv_1",
		PreviousAssignee: "agent_a",
		NextAssignee:     "agent_b",
		Reason:           "shift change",
		Notice:           "You are now chatting with another agent.",
	})
	if err != nil {
		t.Fatalf("handoff: %v", err)
	}
	if conversation.AssignedTo != "agent_b" || conversation.Status != ConversationStatusAssigned {
		t.Fatalf("unexpected conversation: %+v", conversation)
	}
	history, _ := store.Stores().History.List(context.Background(), "conv_1")
	if len(history) != 1 || history[0].Action != AssignmentActionHandoff || history[0].FromAssignee != "agent_a" {
		t.Fatalf("unexpected history: %+v", history)
	}
	if len(gateway.requests) != 1 || gateway.requests[0].To != "cust_1" {
		t.Fatalf("expected handoff notice to cust_1, got %+v", gateway.requests)
	}
}

func TestService_HandoffNoticeFailureDoesNotUndoHandoff(t *testing.T) {
	store := newMemoryStore()
	store.putConversation(assignedConversation("conv_1", "agent_a"))
	gateway := &stubGateway{err: errors.New("provider down")}
	svc := newTestService(t, store, WithOutboundGateway(gateway))

	conversation, err := svc.Handoff(context.Background(), HandoffRequest{
		ConversationID:   "conv_1",
		PreviousAssignee: "agent_a",
		NextAssignee:     "agent_b",
		Notice:           "transferring",
	})
	if err != nil {
		t.Fatalf("handoff: %v", err)
	}
	if conversation.AssignedTo != "agent_b" {
		t.Fatalf("expected handoff to stand, got %+v", conversation)
	}
}

func TestService_ReleaseReturnsConversationToActive(t *testing.T) {
	store := newMemoryStore()
	store.putConversation(assignedConversation("conv_1", "agent_a"))
	svc := newTestService(t, store)

	conversation, err := svc.Release(context.Background(), ReleaseRequest{
		ConversationID:   "conv_1",
		PreviousAssignee: "agent_a",
	})
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if conversation.Status != ConversationStatusActive || conversation.AssignedTo != "" {
		t.Fatalf("unexpected conversation after release: %+v", conversation)
	}

	_, err = svc.Release(context.Background(), ReleaseRequest{
		ConversationID:   "conv_1",
		PreviousAssignee: "agent_a",
	})
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) || richErr.TextCode != ServiceErrorStaleAssignment {
		t.Fatalf("expected second release to be stale, got %v", err)
	}
}

func TestService_CloseConversationClearsAssignee(t *testing.T) {
	store := newMemoryStore()
	store.putConversation(assignedConversation("conv_1", "agent_a"))
	svc := newTestService(t, store)

	conversation, err := svc.CloseConversation(context.Background(), CloseRequest{ConversationID: "conv_1", Actor: "ops"})
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if conversation.Status != ConversationStatusClosed || conversation.ClosedAt == nil || conversation.AssignedTo != "" {
		t.Fatalf("unexpected closed conversation: %+v", conversation)
	}

	_, err = svc.Handoff(context.Background(), HandoffRequest{
		ConversationID: "conv_1",
		NextAssignee:   "agent_b",
	})
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) || richErr.Code != http.StatusBadRequest {
		t.Fatalf("expected closed conversation handoff to be rejected, got %v", err)
	}
}

func TestService_HandoffUnknownConversation(t *testing.T) {
	svc := newTestService(t, newMemoryStore())

	_, err := svc.Handoff(context.Background(), HandoffRequest{
		ConversationID:   "missing",
		PreviousAssignee: "agent_a",
		NextAssignee:     "agent_b",
	})
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) || richErr.TextCode != ServiceErrorConversationNotFound {
		t.Fatalf("expected CONVERSATION_NOT_FOUND, got %v", err)
	}
}

func TestService_HandoffValidatesInput(t *testing.T) {
	svc := newTestService(t, newMemoryStore())

	_, err := svc.Handoff(context.Background(), HandoffRequest{ConversationID: "conv_1"})
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) || richErr.TextCode != ServiceErrorBadInput {
		t.Fatalf("expected BAD_INPUT, got %v", err)
	}
}
