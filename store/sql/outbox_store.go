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

const (
	outboxStatusPending    = "pending"
	outboxStatusProcessing = "processing"
	outboxStatusDelivered  = "delivered"
	outboxStatusFailed     = "failed"
)

type OutboxStore struct {
	idb   bun.IDB
	repo  repository.Repository[*outboxRecord]
	lease time.Duration
	now   func() time.Time
}

// Enqueue schedules an admitted event for publication. Enqueueing the same
// event twice keeps the first row.
func (s *OutboxStore) Enqueue(ctx context.Context, eventID string, availableAt time.Time) error {
	if s == nil || s.idb == nil {
		return fmt.Errorf("sqlstore: outbox store is not configured")
	}
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return fmt.Errorf("sqlstore: outbox event id is required")
	}
	now := time.Now().UTC()
	record := &outboxRecord{
		ID:        uuid.NewString(),
		EventID:   eventID,
		Status:    outboxStatusPending,
		Attempts:  0,
		LastError: "",
		CreatedAt: now,
		UpdatedAt: now,
	}
	if !availableAt.IsZero() {
		next := availableAt.UTC()
		record.NextAttemptAt = &next
	}
	_, err := s.idb.NewInsert().
		Model(record).
		On("CONFLICT (event_id) DO NOTHING").
		Exec(ctx)
	return err
}

// ClaimBatch moves due pending rows to processing in one statement and
// returns them oldest first. A claim holds the row until now+lease; a row
// still processing after that is offered again, so an event claimed by a
// dispatcher that never acked or retried it is still delivered.
func (s *OutboxStore) ClaimBatch(ctx context.Context, limit int) ([]core.OutboxEntry, error) {
	if s == nil || s.idb == nil {
		return nil, fmt.Errorf("sqlstore: outbox store is not configured")
	}
	if limit <= 0 {
		limit = 1
	}
	now := s.clock()
	lease := s.lease
	if lease <= 0 {
		lease = DefaultClaimLease
	}
	leaseUntil := now.Add(lease)
	query := `
WITH claimed AS (
	SELECT id
	FROM chat_event_outbox
	WHERE (status = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?))
	   OR (status = ? AND next_attempt_at <= ?)
	ORDER BY created_at ASC, id ASC
	LIMIT ?
)
UPDATE chat_event_outbox
SET status = ?, next_attempt_at = ?, updated_at = ?
WHERE id IN (SELECT id FROM claimed)
  AND (status = ? OR (status = ? AND next_attempt_at <= ?))
RETURNING
	id,
	event_id,
	status,
	attempts,
	next_attempt_at,
	last_error,
	created_at,
	updated_at
`
	var records []outboxRecord
	err := s.idb.NewRaw(
		query,
		outboxStatusPending,
		now,
		outboxStatusProcessing,
		now,
		limit,
		outboxStatusProcessing,
		leaseUntil,
		now,
		outboxStatusPending,
		outboxStatusProcessing,
		now,
	).Scan(ctx, &records)
	if err != nil {
		return nil, err
	}

	entries := make([]core.OutboxEntry, 0, len(records))
	for _, record := range records {
		entries = append(entries, core.OutboxEntry{
			EventID:  record.EventID,
			Attempts: record.Attempts,
		})
	}
	return entries, nil
}

func (s *OutboxStore) Ack(ctx context.Context, eventID string) error {
	if s == nil || s.idb == nil {
		return fmt.Errorf("sqlstore: outbox store is not configured")
	}
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return fmt.Errorf("sqlstore: event id is required")
	}
	_, err := s.idb.NewUpdate().
		Model((*outboxRecord)(nil)).
		Set("status = ?", outboxStatusDelivered).
		Set("last_error = ?", "").
		Set("next_attempt_at = NULL").
		Set("updated_at = ?", time.Now().UTC()).
		Where("event_id = ?", eventID).
		Exec(ctx)
	return err
}

// Retry records a failed attempt. A zero nextAttemptAt parks the row as
// failed.
func (s *OutboxStore) Retry(ctx context.Context, eventID string, cause error, nextAttemptAt time.Time) error {
	if s == nil || s.idb == nil {
		return fmt.Errorf("sqlstore: outbox store is not configured")
	}
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return fmt.Errorf("sqlstore: event id is required")
	}
	status := outboxStatusPending
	var next *time.Time
	if !nextAttemptAt.IsZero() {
		nextValue := nextAttemptAt.UTC()
		next = &nextValue
	} else {
		status = outboxStatusFailed
	}

	lastError := ""
	if cause != nil {
		lastError = strings.TrimSpace(cause.Error())
	}
	_, err := s.idb.NewUpdate().
		Model((*outboxRecord)(nil)).
		Set("status = ?", status).
		Set("attempts = attempts + 1").
		Set("next_attempt_at = ?", next).
		Set("last_error = ?", lastError).
		Set("updated_at = ?", time.Now().UTC()).
		Where("event_id = ?", eventID).
		Exec(ctx)
	return err
}

// OutboxStatus is the publication state of one event.
type OutboxStatus struct {
	EventID       string
	Status        string
	Attempts      int
	NextAttemptAt *time.Time
	LastError     string
}

// Status reads the outbox row of an event through the repository.
func (s *OutboxStore) Status(ctx context.Context, eventID string) (OutboxStatus, error) {
	if s == nil || s.repo == nil {
		return OutboxStatus{}, fmt.Errorf("sqlstore: outbox store is not configured")
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("event_id", "=", strings.TrimSpace(eventID)),
		repository.SelectPaginate(1, 0),
	)
	if err != nil {
		return OutboxStatus{}, err
	}
	if len(records) == 0 || records[0] == nil {
		return OutboxStatus{}, core.ErrEventNotFound
	}
	record := records[0]
	return OutboxStatus{
		EventID:       record.EventID,
		Status:        record.Status,
		Attempts:      record.Attempts,
		NextAttemptAt: cloneTimePointer(record.NextAttemptAt),
		LastError:     record.LastError,
	}, nil
}

func (s *OutboxStore) clock() time.Time {
	if s.now == nil {
		return time.Now().UTC()
	}
	return s.now().UTC()
}

var _ core.OutboxStore = (*OutboxStore)(nil)
