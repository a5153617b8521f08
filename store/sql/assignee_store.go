package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-chatflow/core"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type AssigneeStore struct {
	idb bun.IDB
}

func (s *AssigneeStore) ListAssignees(ctx context.Context) ([]core.Assignee, error) {
	if s == nil || s.idb == nil {
		return nil, fmt.Errorf("sqlstore: assignee store is not configured")
	}
	var records []assigneeRecord
	err := s.idb.NewSelect().
		Model(&records).
		OrderExpr("?TableAlias.id ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]core.Assignee, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

func (s *AssigneeStore) GetAssignee(ctx context.Context, id string) (core.Assignee, error) {
	if s == nil || s.idb == nil {
		return core.Assignee{}, fmt.Errorf("sqlstore: assignee store is not configured")
	}
	record := &assigneeRecord{}
	err := s.idb.NewSelect().
		Model(record).
		Where("?TableAlias.id = ?", strings.TrimSpace(id)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return core.Assignee{}, core.ErrAssigneeNotFound
		}
		return core.Assignee{}, err
	}
	return record.toDomain(), nil
}

func (s *AssigneeStore) UpsertAssignee(ctx context.Context, assignee core.Assignee) (core.Assignee, error) {
	if s == nil || s.idb == nil {
		return core.Assignee{}, fmt.Errorf("sqlstore: assignee store is not configured")
	}
	id := strings.TrimSpace(assignee.ID)
	if id == "" {
		return core.Assignee{}, fmt.Errorf("sqlstore: assignee id is required")
	}
	now := time.Now().UTC()
	record := &assigneeRecord{
		ID:          id,
		DisplayName: strings.TrimSpace(assignee.DisplayName),
		Available:   assignee.Available,
		Skills:      copyStrings(assignee.Skills),
		SkmID:       strings.TrimSpace(assignee.SkmID),
		KeeperID:    strings.TrimSpace(assignee.KeeperID),
		MaxLoad:     assignee.MaxLoad,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err := s.idb.NewInsert().
		Model(record).
		On("CONFLICT (id) DO UPDATE").
		Set("display_name = EXCLUDED.display_name").
		Set("available = EXCLUDED.available").
		Set("skills = EXCLUDED.skills").
		Set("skm_id = EXCLUDED.skm_id").
		Set("keeper_id = EXCLUDED.keeper_id").
		Set("max_load = EXCLUDED.max_load").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return core.Assignee{}, err
	}
	return record.toDomain(), nil
}

// LoadReader derives assignee load from conversations and assignment
// history. Nothing is denormalized, so the snapshot is always consistent
// with the rows the transaction sees.
type LoadReader struct {
	idb bun.IDB
}

func (s *LoadReader) LoadSnapshot(ctx context.Context, assigneeIDs []string) (map[string]core.AssigneeLoad, error) {
	if s == nil || s.idb == nil {
		return nil, fmt.Errorf("sqlstore: load reader is not configured")
	}
	ids := make([]string, 0, len(assigneeIDs))
	out := make(map[string]core.AssigneeLoad, len(assigneeIDs))
	for _, id := range assigneeIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, seen := out[id]; seen {
			continue
		}
		out[id] = core.AssigneeLoad{}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return out, nil
	}

	var live []struct {
		AssignedTo string `bun:"assigned_to"`
		Live       int    `bun:"live"`
	}
	err := s.idb.NewSelect().
		Model((*conversationRecord)(nil)).
		ColumnExpr("?TableAlias.assigned_to AS assigned_to").
		ColumnExpr("COUNT(*) AS live").
		Where("?TableAlias.assigned_to IN (?)", bun.In(ids)).
		Where("?TableAlias.status IN (?)", bun.In([]string{
			string(core.ConversationStatusActive),
			string(core.ConversationStatusAssigned),
		})).
		GroupExpr("?TableAlias.assigned_to").
		Scan(ctx, &live)
	if err != nil {
		return nil, err
	}
	for _, row := range live {
		load := out[row.AssignedTo]
		load.Live = row.Live
		out[row.AssignedTo] = load
	}

	var assigned []assignmentHistoryRecord
	err = s.idb.NewSelect().
		Model(&assigned).
		Column("to_assignee", "created_at").
		Where("?TableAlias.to_assignee IN (?)", bun.In(ids)).
		OrderExpr("?TableAlias.created_at DESC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	for _, row := range assigned {
		load := out[row.ToAssignee]
		if load.LastAssignedAt != nil {
			continue
		}
		at := row.CreatedAt.UTC()
		load.LastAssignedAt = &at
		out[row.ToAssignee] = load
	}
	return out, nil
}

type HistoryStore struct {
	idb  bun.IDB
	repo repository.Repository[*assignmentHistoryRecord]
}

func (s *HistoryStore) Append(ctx context.Context, record core.AssignmentRecord) error {
	if s == nil || s.repo == nil || s.idb == nil {
		return fmt.Errorf("sqlstore: assignment history is not configured")
	}
	if strings.TrimSpace(record.ConversationID) == "" {
		return fmt.Errorf("sqlstore: assignment conversation id is required")
	}
	id := strings.TrimSpace(record.ID)
	if id == "" {
		id = uuid.NewString()
	}
	createdAt := record.CreatedAt.UTC()
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.repo.CreateTx(ctx, s.idb, &assignmentHistoryRecord{
		ID:             id,
		ConversationID: strings.TrimSpace(record.ConversationID),
		Action:         string(record.Action),
		FromAssignee:   strings.TrimSpace(record.FromAssignee),
		ToAssignee:     strings.TrimSpace(record.ToAssignee),
		Reason:         strings.TrimSpace(record.Reason),
		Actor:          strings.TrimSpace(record.Actor),
		CreatedAt:      createdAt,
	})
	return err
}

func (s *HistoryStore) List(ctx context.Context, conversationID string) ([]core.AssignmentRecord, error) {
	if s == nil || s.idb == nil {
		return nil, fmt.Errorf("sqlstore: assignment history is not configured")
	}
	var records []assignmentHistoryRecord
	err := s.idb.NewSelect().
		Model(&records).
		Where("?TableAlias.conversation_id = ?", strings.TrimSpace(conversationID)).
		OrderExpr("?TableAlias.created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]core.AssignmentRecord, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

var (
	_ core.AssigneeStore     = (*AssigneeStore)(nil)
	_ core.LoadReader        = (*LoadReader)(nil)
	_ core.AssignmentHistory = (*HistoryStore)(nil)
)
