package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-chatflow/core"
	"github.com/uptrace/bun"
)

type ConversationStore struct {
	idb bun.IDB
}

func (s *ConversationStore) Get(ctx context.Context, id string) (core.Conversation, error) {
	return s.getBy(ctx, "id", id)
}

func (s *ConversationStore) GetByThreadKey(ctx context.Context, threadKey string) (core.Conversation, error) {
	return s.getBy(ctx, "thread_key", threadKey)
}

func (s *ConversationStore) getBy(ctx context.Context, column, value string) (core.Conversation, error) {
	if s == nil || s.idb == nil {
		return core.Conversation{}, fmt.Errorf("sqlstore: conversation store is not configured")
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return core.Conversation{}, core.ErrConversationNotFound
	}
	record := &conversationRecord{}
	err := s.idb.NewSelect().
		Model(record).
		Where("?TableAlias.? = ?", bun.Ident(column), value).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return core.Conversation{}, core.ErrConversationNotFound
		}
		return core.Conversation{}, err
	}
	return record.toDomain(), nil
}

// CreateIfAbsent inserts a conversation unless one already owns the thread
// key, in which case the existing row wins.
func (s *ConversationStore) CreateIfAbsent(ctx context.Context, conversation core.Conversation) (core.Conversation, bool, error) {
	if s == nil || s.idb == nil {
		return core.Conversation{}, false, fmt.Errorf("sqlstore: conversation store is not configured")
	}
	if strings.TrimSpace(conversation.ID) == "" || strings.TrimSpace(conversation.ThreadKey) == "" {
		return core.Conversation{}, false, fmt.Errorf("sqlstore: conversation id and thread key are required")
	}
	now := time.Now().UTC()
	if conversation.CreatedAt.IsZero() {
		conversation.CreatedAt = now
	}
	if conversation.UpdatedAt.IsZero() {
		conversation.UpdatedAt = conversation.CreatedAt
	}
	record := newConversationRecord(conversation)
	result, err := s.idb.NewInsert().
		Model(record).
		On("CONFLICT (thread_key) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return core.Conversation{}, false, err
	}
	if affected, err := result.RowsAffected(); err == nil && affected > 0 {
		return record.toDomain(), true, nil
	}
	existing, err := s.GetByThreadKey(ctx, conversation.ThreadKey)
	if err != nil {
		return core.Conversation{}, false, err
	}
	return existing, false, nil
}

// CompareAndSwap persists next only while the stored version still equals
// expectedVersion. The stored version becomes expectedVersion+1.
func (s *ConversationStore) CompareAndSwap(ctx context.Context, next core.Conversation, expectedVersion int64) (bool, error) {
	if s == nil || s.idb == nil {
		return false, fmt.Errorf("sqlstore: conversation store is not configured")
	}
	if strings.TrimSpace(next.ID) == "" {
		return false, fmt.Errorf("sqlstore: conversation id is required")
	}
	updatedAt := next.UpdatedAt.UTC()
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	record := newConversationRecord(next)
	record.Version = expectedVersion + 1
	record.UpdatedAt = updatedAt
	result, err := s.idb.NewUpdate().
		Model(record).
		Column(
			"status",
			"opened_by",
			"assigned_to",
			"message_count",
			"last_event_at",
			"last_actor_id",
			"closed_at",
			"tags",
			"version",
			"updated_at",
		).
		Where("id = ?", record.ID).
		Where("version = ?", expectedVersion).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// ListByAssignee returns the live conversations held by an assignee, most
// recently active first.
func (s *ConversationStore) ListByAssignee(ctx context.Context, assigneeID string, limit int) ([]core.Conversation, error) {
	if s == nil || s.idb == nil {
		return nil, fmt.Errorf("sqlstore: conversation store is not configured")
	}
	if limit <= 0 {
		limit = 100
	}
	var records []conversationRecord
	err := s.idb.NewSelect().
		Model(&records).
		Where("?TableAlias.assigned_to = ?", strings.TrimSpace(assigneeID)).
		Where("?TableAlias.status IN (?)", bun.In([]string{
			string(core.ConversationStatusActive),
			string(core.ConversationStatusAssigned),
		})).
		OrderExpr("?TableAlias.last_event_at DESC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]core.Conversation, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

var _ core.ConversationStore = (*ConversationStore)(nil)
