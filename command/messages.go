package command

import (
	"strings"

	"github.com/goliatone/go-chatflow/core"
)

const (
	TypeAssign          = "chatflow.command.conversation.assign"
	TypeHandoff         = "chatflow.command.conversation.handoff"
	TypeRelease         = "chatflow.command.conversation.release"
	TypeClose           = "chatflow.command.conversation.close"
	TypeDispatchPending = "chatflow.command.publisher.dispatch"
)

type AssignMessage struct {
	Request core.AssignRequest
}

func (AssignMessage) Type() string { return TypeAssign }

func (m AssignMessage) Validate() error {
	return requireConversationID(m.Request.ConversationID)
}

// HandoffMessage moves a conversation from PreviousAssignee to
// NextAssignee. PreviousAssignee must match the stored owner.
type HandoffMessage struct {
	Request core.HandoffRequest
}

func (HandoffMessage) Type() string { return TypeHandoff }

func (m HandoffMessage) Validate() error {
	if err := requireConversationID(m.Request.ConversationID); err != nil {
		return err
	}
	if strings.TrimSpace(m.Request.NextAssignee) == "" {
		return commandValidationError("next_assignee", "next assignee is required")
	}
	if strings.TrimSpace(m.Request.NextAssignee) == strings.TrimSpace(m.Request.PreviousAssignee) {
		return commandValidationError("next_assignee", "next assignee must differ from the previous assignee")
	}
	return nil
}

type ReleaseMessage struct {
	Request core.ReleaseRequest
}

func (ReleaseMessage) Type() string { return TypeRelease }

func (m ReleaseMessage) Validate() error {
	if err := requireConversationID(m.Request.ConversationID); err != nil {
		return err
	}
	if strings.TrimSpace(m.Request.PreviousAssignee) == "" {
		return commandValidationError("previous_assignee", "previous assignee is required")
	}
	return nil
}

type CloseMessage struct {
	Request core.CloseRequest
}

func (CloseMessage) Type() string { return TypeClose }

func (m CloseMessage) Validate() error {
	return requireConversationID(m.Request.ConversationID)
}

// DispatchPendingMessage drains up to BatchSize outbox rows. Zero uses the
// configured publisher batch size.
type DispatchPendingMessage struct {
	BatchSize int
}

func (DispatchPendingMessage) Type() string { return TypeDispatchPending }

func (m DispatchPendingMessage) Validate() error {
	if m.BatchSize < 0 {
		return commandValidationError("batch_size", "batch size must not be negative")
	}
	return nil
}

func requireConversationID(id string) error {
	if strings.TrimSpace(id) == "" {
		return commandValidationError("conversation_id", "conversation id is required")
	}
	return nil
}
