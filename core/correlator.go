package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrConcurrentUpdate = errors.New("core: conversation changed concurrently")

const defaultMaxCASAttempts = 5

// Correlator threads admitted events into conversations. Every write is an
// insert against a unique key or a version compare-and-swap.
type Correlator struct {
	maxAttempts int
	now         func() time.Time
}

func NewCorrelator(maxAttempts int) *Correlator {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxCASAttempts
	}
	return &Correlator{
		maxAttempts: maxAttempts,
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Correlate returns the conversation the event belongs to after applying the
// event. A STATUS_UPDATE whose target message is unknown yields an unlinked
// ref and a zero Conversation.
func (c *Correlator) Correlate(ctx context.Context, stores Stores, event CanonicalEvent) (ConversationRef, Conversation, error) {
	if event.EventType == EventTypeStatusUpdate {
		return c.correlateStatus(ctx, stores, event)
	}

	threadKey := strings.TrimSpace(event.ThreadKey)
	if threadKey == "" && !event.EventType.IsMessage() {
		// account-level notices (instance state, calls) have no counterpart
		return ConversationRef{}, Conversation{}, nil
	}
	if threadKey == "" {
		return ConversationRef{}, Conversation{}, fmt.Errorf("core: thread_key is required for %s events", event.EventType)
	}

	var (
		ref          ConversationRef
		conversation Conversation
		resolved     bool
	)
	for attempt := 0; attempt < c.maxAttempts && !resolved; attempt++ {
		current, err := stores.Conversations.GetByThreadKey(ctx, threadKey)
		if err != nil && !errors.Is(err, ErrConversationNotFound) {
			return ConversationRef{}, Conversation{}, err
		}
		if errors.Is(err, ErrConversationNotFound) {
			stored, created, createErr := stores.Conversations.CreateIfAbsent(ctx, c.newConversation(event))
			if createErr != nil {
				return ConversationRef{}, Conversation{}, createErr
			}
			if !created {
				// lost the create race; apply on top of the winner
				continue
			}
			conversation = stored
			ref = ConversationRef{
				ConversationID: stored.ID,
				ThreadKey:      stored.ThreadKey,
				Status:         stored.Status,
				Created:        true,
			}
			resolved = true
			break
		}

		next, outcome := applyEvent(current, event, c.now())
		if !outcome.changed {
			conversation = current
			ref = ConversationRef{ConversationID: current.ID, ThreadKey: current.ThreadKey, Status: current.Status}
			resolved = true
			break
		}
		swapped, err := stores.Conversations.CompareAndSwap(ctx, next, current.Version)
		if err != nil {
			return ConversationRef{}, Conversation{}, err
		}
		if !swapped {
			continue
		}
		next.Version = current.Version + 1
		conversation = next
		ref = ConversationRef{
			ConversationID: next.ID,
			ThreadKey:      next.ThreadKey,
			Status:         next.Status,
			Reopened:       outcome.reopened,
			Activated:      outcome.activated,
		}
		resolved = true
	}
	if !resolved {
		return ConversationRef{}, Conversation{}, fmt.Errorf("%w: thread %s after %d attempts", ErrConcurrentUpdate, threadKey, c.maxAttempts)
	}

	if err := c.touchParticipant(ctx, stores, conversation.ID, event); err != nil {
		return ConversationRef{}, Conversation{}, err
	}
	if event.EventType.IsMessage() && strings.TrimSpace(event.ProviderMessageID) != "" {
		if err := stores.Messages.Put(ctx, MessageIndexEntry{
			ProviderID:        event.ProviderID,
			ProviderMessageID: event.ProviderMessageID,
			ConversationID:    conversation.ID,
			EventID:           event.EventID,
			CreatedAt:         c.now(),
		}); err != nil {
			return ConversationRef{}, Conversation{}, err
		}
	}
	return ref, conversation, nil
}

func (c *Correlator) correlateStatus(ctx context.Context, stores Stores, event CanonicalEvent) (ConversationRef, Conversation, error) {
	messageID := strings.TrimSpace(event.ProviderMessageID)
	if messageID == "" {
		return ConversationRef{}, Conversation{}, nil
	}
	entry, err := stores.Messages.Lookup(ctx, event.ProviderID, messageID)
	if errors.Is(err, ErrMessageNotIndexed) {
		return ConversationRef{}, Conversation{}, nil
	}
	if err != nil {
		return ConversationRef{}, Conversation{}, err
	}
	conversation, err := stores.Conversations.Get(ctx, entry.ConversationID)
	if errors.Is(err, ErrConversationNotFound) {
		return ConversationRef{}, Conversation{}, nil
	}
	if err != nil {
		return ConversationRef{}, Conversation{}, err
	}
	return ConversationRef{
		ConversationID: conversation.ID,
		ThreadKey:      conversation.ThreadKey,
		Status:         conversation.Status,
	}, conversation, nil
}

func (c *Correlator) touchParticipant(ctx context.Context, stores Stores, conversationID string, event CanonicalEvent) error {
	actorID := strings.TrimSpace(event.ActorID)
	if actorID == "" {
		return nil
	}
	_, err := stores.Participants.Touch(ctx, ThreadParticipant{
		ConversationID: conversationID,
		ActorID:        actorID,
		Role:           event.ActorRole,
		DisplayName:    strings.TrimSpace(event.ActorName),
		FirstSeenAt:    event.OccurredAt,
		LastSeenAt:     event.OccurredAt,
	})
	return err
}

func (c *Correlator) newConversation(event CanonicalEvent) Conversation {
	now := c.now()
	conversation := Conversation{
		ID:            uuid.NewString(),
		ThreadKey:     strings.TrimSpace(event.ThreadKey),
		ProviderID:    event.ProviderID,
		ChannelID:     event.ChannelID,
		AccountID:     event.ProviderAccountID,
		CounterpartID: event.CounterpartID,
		ChatType:      event.ChatType,
		GroupID:       event.GroupID,
		Status:        ConversationStatusOpen,
		OpenedBy:      strings.TrimSpace(event.ActorID),
		LastEventAt:   event.OccurredAt,
		LastActorID:   strings.TrimSpace(event.ActorID),
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if event.EventType.IsMessage() {
		conversation.MessageCount = 1
	}
	return conversation
}

type applyOutcome struct {
	changed   bool
	reopened  bool
	activated bool
}

// applyEvent is the pure state step of correlation. It never moves
// LastEventAt backwards and only reopens a closed thread for events newer
// than its close.
func applyEvent(current Conversation, event CanonicalEvent, now time.Time) (Conversation, applyOutcome) {
	next := current
	next.Tags = append([]string(nil), current.Tags...)
	outcome := applyOutcome{}
	actorID := strings.TrimSpace(event.ActorID)

	if current.Status == ConversationStatusClosed {
		if current.ClosedAt == nil || !event.OccurredAt.After(*current.ClosedAt) {
			return current, outcome
		}
		if err := next.TransitionTo(ConversationStatusOpen, now); err != nil {
			return current, outcome
		}
		next.OpenedBy = actorID
		next.MessageCount = 0
		outcome.reopened = true
		outcome.changed = true
	}

	if event.EventType.IsMessage() {
		next.MessageCount++
		outcome.changed = true
		if next.OpenedBy == "" {
			next.OpenedBy = actorID
		}
		if next.Status == ConversationStatusOpen && actorID != "" && actorID != next.OpenedBy {
			if err := next.TransitionTo(ConversationStatusActive, now); err == nil {
				outcome.activated = true
			}
		}
	}

	if !event.OccurredAt.Before(current.LastEventAt) {
		if !event.OccurredAt.Equal(next.LastEventAt) || (actorID != "" && actorID != next.LastActorID) {
			outcome.changed = true
		}
		next.LastEventAt = event.OccurredAt
		if actorID != "" {
			next.LastActorID = actorID
		}
	}

	if outcome.changed {
		next.UpdatedAt = now
	}
	return next, outcome
}
