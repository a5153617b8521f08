package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
)

// Assign runs first assignment for a conversation outside the ingest path.
// An assigned conversation answers STICKY.
func (s *Service) Assign(ctx context.Context, req AssignRequest) (decision AssignmentDecision, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{"conversation_id": req.ConversationID}
	defer func() {
		fields["reason"] = string(decision.Reason)
		fields["assignee"] = decision.Assignee
		s.observeOperation(ctx, startedAt, "assign", err, fields)
	}()

	conversationID := strings.TrimSpace(req.ConversationID)
	if conversationID == "" {
		err = badInputError("conversation_id", "conversation_id is required")
		return AssignmentDecision{}, err
	}
	if err = s.requireStore(); err != nil {
		return AssignmentDecision{}, err
	}

	err = s.store.RunInTx(ctx, func(ctx context.Context, stores Stores) error {
		conversation, getErr := stores.Conversations.Get(ctx, conversationID)
		if getErr != nil {
			return getErr
		}
		if conversation.Status == ConversationStatusClosed {
			return badInputError("conversation_id", "closed conversations cannot be assigned")
		}
		decision, _, getErr = s.router.Assign(ctx, stores, conversation, req.Actor)
		return getErr
	})
	if err != nil {
		err = s.storeError("assign", err)
		return AssignmentDecision{}, err
	}
	s.recordCounter(ctx, "chatflow.routing.decision", 1, map[string]string{"reason": string(decision.Reason)})
	return decision, nil
}

// Handoff moves a conversation from PreviousAssignee to NextAssignee. It
// fails with STALE_ASSIGNMENT when the stored assignee is no longer
// PreviousAssignee.
func (s *Service) Handoff(ctx context.Context, req HandoffRequest) (conversation Conversation, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{
		"conversation_id":   req.ConversationID,
		"previous_assignee": req.PreviousAssignee,
		"next_assignee":     req.NextAssignee,
	}
	defer func() {
		s.observeOperation(ctx, startedAt, "handoff", err, fields)
	}()

	if strings.TrimSpace(req.ConversationID) == "" {
		err = badInputError("conversation_id", "conversation_id is required")
		return Conversation{}, err
	}
	next := strings.TrimSpace(req.NextAssignee)
	if next == "" {
		err = badInputError("next_assignee", "next_assignee is required")
		return Conversation{}, err
	}
	if next == strings.TrimSpace(req.PreviousAssignee) {
		err = badInputError("next_assignee", "next_assignee must differ from previous_assignee")
		return Conversation{}, err
	}
	if err = s.requireStore(); err != nil {
		return Conversation{}, err
	}

	conversation, err = s.swapAssignment(ctx, assignmentChange{
		conversationID: req.ConversationID,
		expected:       req.PreviousAssignee,
		action:         AssignmentActionHandoff,
		reason:         firstNonEmpty(req.Reason, string(AssignmentReasonHandoff)),
		actor:          req.Actor,
		apply: func(c *Conversation, now time.Time) error {
			if c.Status == ConversationStatusClosed {
				return badInputError("conversation_id", "closed conversations cannot be handed off")
			}
			if err := c.TransitionTo(ConversationStatusAssigned, now); err != nil {
				return err
			}
			c.AssignedTo = next
			return nil
		},
	})
	if err != nil {
		return Conversation{}, err
	}
	s.sendHandoffNotice(ctx, conversation, req)
	return conversation, nil
}

// Release returns an assigned conversation to ACTIVE with no assignee.
func (s *Service) Release(ctx context.Context, req ReleaseRequest) (conversation Conversation, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{
		"conversation_id":   req.ConversationID,
		"previous_assignee": req.PreviousAssignee,
	}
	defer func() {
		s.observeOperation(ctx, startedAt, "release", err, fields)
	}()

	if strings.TrimSpace(req.ConversationID) == "" {
		err = badInputError("conversation_id", "conversation_id is required")
		return Conversation{}, err
	}
	if strings.TrimSpace(req.PreviousAssignee) == "" {
		err = badInputError("previous_assignee", "previous_assignee is required")
		return Conversation{}, err
	}
	if err = s.requireStore(); err != nil {
		return Conversation{}, err
	}
	return s.swapAssignment(ctx, assignmentChange{
		conversationID: req.ConversationID,
		expected:       req.PreviousAssignee,
		action:         AssignmentActionRelease,
		reason:         firstNonEmpty(req.Reason, string(AssignmentReasonReleased)),
		actor:          req.Actor,
		apply: func(c *Conversation, now time.Time) error {
			return c.TransitionTo(ConversationStatusActive, now)
		},
	})
}

// CloseConversation is the business close action. The pipeline never closes
// conversations on its own.
func (s *Service) CloseConversation(ctx context.Context, req CloseRequest) (conversation Conversation, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{"conversation_id": req.ConversationID}
	defer func() {
		s.observeOperation(ctx, startedAt, "close_conversation", err, fields)
	}()

	if strings.TrimSpace(req.ConversationID) == "" {
		err = badInputError("conversation_id", "conversation_id is required")
		return Conversation{}, err
	}
	if err = s.requireStore(); err != nil {
		return Conversation{}, err
	}
	return s.swapAssignment(ctx, assignmentChange{
		conversationID: req.ConversationID,
		anyAssignee:    true,
		action:         AssignmentActionClose,
		reason:         firstNonEmpty(req.Reason, string(AssignmentReasonClosed)),
		actor:          req.Actor,
		apply: func(c *Conversation, now time.Time) error {
			return c.TransitionTo(ConversationStatusClosed, now)
		},
	})
}

type assignmentChange struct {
	conversationID string
	expected       string
	anyAssignee    bool
	action         AssignmentAction
	reason         string
	actor          string
	apply          func(c *Conversation, now time.Time) error
}

// swapAssignment re-reads and retries on version conflicts for as long as
// the assignee still matches; an assignee mismatch is terminal.
func (s *Service) swapAssignment(ctx context.Context, change assignmentChange) (Conversation, error) {
	conversationID := strings.TrimSpace(change.conversationID)
	expected := strings.TrimSpace(change.expected)
	maxAttempts := s.config.Routing.MaxCASAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxCASAttempts
	}

	var result Conversation
	err := s.store.RunInTx(ctx, func(ctx context.Context, stores Stores) error {
		for attempt := 0; attempt < maxAttempts; attempt++ {
			current, err := stores.Conversations.Get(ctx, conversationID)
			if err != nil {
				return err
			}
			if !change.anyAssignee && strings.TrimSpace(current.AssignedTo) != expected {
				return staleAssignmentError(conversationID, expected, current.AssignedTo)
			}
			now := s.now()
			next := current
			next.Tags = append([]string(nil), current.Tags...)
			if err := change.apply(&next, now); err != nil {
				return err
			}
			swapped, err := stores.Conversations.CompareAndSwap(ctx, next, current.Version)
			if err != nil {
				return err
			}
			if !swapped {
				continue
			}
			next.Version = current.Version + 1
			if err := stores.History.Append(ctx, AssignmentRecord{
				ID:             uuid.NewString(),
				ConversationID: conversationID,
				Action:         change.action,
				FromAssignee:   current.AssignedTo,
				ToAssignee:     next.AssignedTo,
				Reason:         change.reason,
				Actor:          strings.TrimSpace(change.actor),
				CreatedAt:      now,
			}); err != nil {
				return err
			}
			result = next
			return nil
		}
		return fmt.Errorf("%w: %s after %d attempts", ErrConcurrentUpdate, conversationID, maxAttempts)
	})
	if err != nil {
		if errors.Is(err, ErrConcurrentUpdate) {
			return Conversation{}, newServiceError(err.Error(), goerrors.CategoryConflict, ServiceErrorStaleAssignment)
		}
		if errors.Is(err, ErrConversationNotFound) {
			return Conversation{}, conversationNotFoundError(conversationID)
		}
		if errors.Is(err, ErrInvalidConversationStatusTransition) {
			return Conversation{}, s.mapError(err)
		}
		return Conversation{}, s.storeError(string(change.action), err)
	}
	return result, nil
}

func (s *Service) sendHandoffNotice(ctx context.Context, conversation Conversation, req HandoffRequest) {
	if s.gateway == nil {
		return
	}
	body := firstNonEmpty(req.Notice, s.config.Gateway.HandoffNotice)
	to := strings.TrimSpace(conversation.CounterpartID)
	if body == "" || to == "" {
		return
	}
	result, err := s.gateway.Send(ctx, SendRequest{
		To:          to,
		MessageType: "text",
		Body:        body,
		Metadata: map[string]any{
			"conversation_id": conversation.ID,
			"assignee":        conversation.AssignedTo,
			"reason":          string(AssignmentReasonHandoff),
		},
	})
	if err != nil {
		s.logWarn(ctx, "handoff notice send failed", map[string]any{
			"conversation_id": conversation.ID,
			"error":           err.Error(),
		})
		s.recordCounter(ctx, "chatflow.gateway.send_failed", 1, map[string]string{"operation": "handoff_notice"})
		return
	}
	s.logWithLevel(ctx, "debug", "handoff notice sent", map[string]any{
		"conversation_id":     conversation.ID,
		"provider_message_id": result.ProviderMessageID,
	})
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
