package core

import (
	"errors"
	"testing"
	"time"
)

func TestConversationTransitionTo_ValidAndInvalid(t *testing.T) {
	now := time.Now().UTC()
	conversation := Conversation{Status: ConversationStatusOpen, AssignedTo: ""}

	if err := conversation.TransitionTo(ConversationStatusActive, now); err != nil {
		t.Fatalf("expected valid transition, got error: %v", err)
	}
	conversation.AssignedTo = "agent_a"
	if err := conversation.TransitionTo(ConversationStatusAssigned, now); err != nil {
		t.Fatalf("expected valid transition, got error: %v", err)
	}
	if err := conversation.TransitionTo(ConversationStatusClosed, now); err != nil {
		t.Fatalf("expected valid transition, got error: %v", err)
	}
	if conversation.ClosedAt == nil || conversation.AssignedTo != "" {
		t.Fatalf("expected close to stamp closed_at and clear assignee, got %+v", conversation)
	}

	err := conversation.TransitionTo(ConversationStatusAssigned, now)
	if !errors.Is(err, ErrInvalidConversationStatusTransition) {
		t.Fatalf("expected invalid transition error, got: %v", err)
	}

	if err := conversation.TransitionTo(ConversationStatusOpen, now); err != nil {
		t.Fatalf("expected reopen, got error: %v", err)
	}
	if conversation.ClosedAt != nil {
		t.Fatalf("expected reopen to clear closed_at")
	}
}

func TestCanonicalEvent_RiskFlagsAreDeduplicated(t *testing.T) {
	event := CanonicalEvent{}
	event.AddRiskFlag(RiskFlagUnsigned, RiskFlagUnmappedType)
	event.AddRiskFlag(RiskFlagUnsigned)
	if len(event.RiskFlags) != 2 {
		t.Fatalf("expected 2 distinct flags, got %v", event.RiskFlags)
	}
	if !event.HasRiskFlag(RiskFlagUnmappedType) || event.HasRiskFlag(RiskFlagBadSignature) {
		t.Fatalf("unexpected flags %v", event.RiskFlags)
	}
}

func TestAssignee_HasSkillsIgnoresCase(t *testing.T) {
	assignee := Assignee{Skills: []string{"Arabic", "billing"}}
	if !assignee.HasSkills([]string{"arabic"}) {
		t.Fatalf("expected case-insensitive skill match")
	}
	if assignee.HasSkills([]string{"arabic", "french"}) {
		t.Fatalf("expected every required skill to be checked")
	}
	if !assignee.HasSkills(nil) {
		t.Fatalf("expected no requirement to match")
	}
}
