package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-chatflow/core"
	"github.com/uptrace/bun"
)

type ParticipantStore struct {
	idb bun.IDB
}

// Touch upserts a participant. last_seen_at only moves forward and an
// empty display name is filled in once a later event carries one.
func (s *ParticipantStore) Touch(ctx context.Context, participant core.ThreadParticipant) (core.ThreadParticipant, error) {
	if s == nil || s.idb == nil {
		return core.ThreadParticipant{}, fmt.Errorf("sqlstore: participant store is not configured")
	}
	conversationID := strings.TrimSpace(participant.ConversationID)
	actorID := strings.TrimSpace(participant.ActorID)
	if conversationID == "" || actorID == "" {
		return core.ThreadParticipant{}, fmt.Errorf("sqlstore: participant conversation id and actor id are required")
	}
	seenAt := participant.LastSeenAt.UTC()
	if seenAt.IsZero() {
		seenAt = time.Now().UTC()
	}
	firstSeen := participant.FirstSeenAt.UTC()
	if firstSeen.IsZero() {
		firstSeen = seenAt
	}
	record := &participantRecord{
		ConversationID: conversationID,
		ActorID:        actorID,
		Role:           string(participant.Role),
		DisplayName:    strings.TrimSpace(participant.DisplayName),
		FirstSeenAt:    firstSeen,
		LastSeenAt:     seenAt,
		IsBlocked:      participant.IsBlocked,
	}
	result, err := s.idb.NewInsert().
		Model(record).
		On("CONFLICT (conversation_id, actor_id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return core.ThreadParticipant{}, err
	}
	if affected, err := result.RowsAffected(); err == nil && affected > 0 {
		return record.toDomain(), nil
	}

	_, err = s.idb.NewUpdate().
		Model((*participantRecord)(nil)).
		Set("last_seen_at = ?", seenAt).
		Where("conversation_id = ?", conversationID).
		Where("actor_id = ?", actorID).
		Where("last_seen_at < ?", seenAt).
		Exec(ctx)
	if err != nil {
		return core.ThreadParticipant{}, err
	}
	if record.DisplayName != "" {
		_, err = s.idb.NewUpdate().
			Model((*participantRecord)(nil)).
			Set("display_name = ?", record.DisplayName).
			Where("conversation_id = ?", conversationID).
			Where("actor_id = ?", actorID).
			Where("display_name = ''").
			Exec(ctx)
		if err != nil {
			return core.ThreadParticipant{}, err
		}
	}
	return s.Get(ctx, conversationID, actorID)
}

func (s *ParticipantStore) Get(ctx context.Context, conversationID, actorID string) (core.ThreadParticipant, error) {
	if s == nil || s.idb == nil {
		return core.ThreadParticipant{}, fmt.Errorf("sqlstore: participant store is not configured")
	}
	record := &participantRecord{}
	err := s.idb.NewSelect().
		Model(record).
		Where("?TableAlias.conversation_id = ?", strings.TrimSpace(conversationID)).
		Where("?TableAlias.actor_id = ?", strings.TrimSpace(actorID)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return core.ThreadParticipant{}, core.ErrParticipantNotFound
		}
		return core.ThreadParticipant{}, err
	}
	return record.toDomain(), nil
}

func (s *ParticipantStore) List(ctx context.Context, conversationID string) ([]core.ThreadParticipant, error) {
	if s == nil || s.idb == nil {
		return nil, fmt.Errorf("sqlstore: participant store is not configured")
	}
	var records []participantRecord
	err := s.idb.NewSelect().
		Model(&records).
		Where("?TableAlias.conversation_id = ?", strings.TrimSpace(conversationID)).
		OrderExpr("?TableAlias.actor_id ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]core.ThreadParticipant, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

func (s *ParticipantStore) SetBlocked(ctx context.Context, conversationID, actorID string, blocked bool) error {
	if s == nil || s.idb == nil {
		return fmt.Errorf("sqlstore: participant store is not configured")
	}
	result, err := s.idb.NewUpdate().
		Model((*participantRecord)(nil)).
		Set("is_blocked = ?", blocked).
		Where("conversation_id = ?", strings.TrimSpace(conversationID)).
		Where("actor_id = ?", strings.TrimSpace(actorID)).
		Exec(ctx)
	if err != nil {
		return err
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return core.ErrParticipantNotFound
	}
	return nil
}

type MessageIndex struct {
	idb bun.IDB
}

// Put keeps the first mapping of a provider message id.
func (s *MessageIndex) Put(ctx context.Context, entry core.MessageIndexEntry) error {
	if s == nil || s.idb == nil {
		return fmt.Errorf("sqlstore: message index is not configured")
	}
	if strings.TrimSpace(entry.ProviderID) == "" || strings.TrimSpace(entry.ProviderMessageID) == "" {
		return fmt.Errorf("sqlstore: provider id and provider message id are required")
	}
	createdAt := entry.CreatedAt.UTC()
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	record := &messageIndexRecord{
		ProviderID:        strings.TrimSpace(entry.ProviderID),
		ProviderMessageID: strings.TrimSpace(entry.ProviderMessageID),
		ConversationID:    strings.TrimSpace(entry.ConversationID),
		EventID:           strings.TrimSpace(entry.EventID),
		CreatedAt:         createdAt,
	}
	_, err := s.idb.NewInsert().
		Model(record).
		On("CONFLICT (provider_id, provider_message_id) DO NOTHING").
		Exec(ctx)
	return err
}

func (s *MessageIndex) Lookup(ctx context.Context, providerID, providerMessageID string) (core.MessageIndexEntry, error) {
	if s == nil || s.idb == nil {
		return core.MessageIndexEntry{}, fmt.Errorf("sqlstore: message index is not configured")
	}
	record := &messageIndexRecord{}
	err := s.idb.NewSelect().
		Model(record).
		Where("?TableAlias.provider_id = ?", strings.TrimSpace(providerID)).
		Where("?TableAlias.provider_message_id = ?", strings.TrimSpace(providerMessageID)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return core.MessageIndexEntry{}, core.ErrMessageNotIndexed
		}
		return core.MessageIndexEntry{}, err
	}
	return record.toDomain(), nil
}

var (
	_ core.ParticipantStore = (*ParticipantStore)(nil)
	_ core.MessageIndex     = (*MessageIndex)(nil)
)
