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

type EventStore struct {
	idb      bun.IDB
	rejected repository.Repository[*rejectedEventRecord]
}

// InsertIfAbsent relies on the unique idempotency_key index. A conflicting
// insert affects no rows and the first stored copy is returned instead.
func (s *EventStore) InsertIfAbsent(ctx context.Context, event core.CanonicalEvent) (core.CanonicalEvent, bool, error) {
	if s == nil || s.idb == nil {
		return core.CanonicalEvent{}, false, fmt.Errorf("sqlstore: event store is not configured")
	}
	if strings.TrimSpace(event.EventID) == "" {
		return core.CanonicalEvent{}, false, fmt.Errorf("sqlstore: event id is required")
	}
	if strings.TrimSpace(event.IdempotencyKey) == "" {
		return core.CanonicalEvent{}, false, fmt.Errorf("sqlstore: idempotency key is required")
	}

	record := newEventRecord(event, time.Now().UTC())
	result, err := s.idb.NewInsert().
		Model(record).
		On("CONFLICT (idempotency_key) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return core.CanonicalEvent{}, false, err
	}
	if affected, err := result.RowsAffected(); err == nil && affected > 0 {
		stored := record.toDomain()
		stored.Routing = event.Routing
		return stored, true, nil
	}

	existing := &eventRecord{}
	err = s.idb.NewSelect().
		Model(existing).
		Where("?TableAlias.idempotency_key = ?", record.IdempotencyKey).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return core.CanonicalEvent{}, false, err
	}
	return existing.toDomain(), false, nil
}

func (s *EventStore) Get(ctx context.Context, eventID string) (core.CanonicalEvent, error) {
	if s == nil || s.idb == nil {
		return core.CanonicalEvent{}, fmt.Errorf("sqlstore: event store is not configured")
	}
	record := &eventRecord{}
	err := s.idb.NewSelect().
		Model(record).
		Where("?TableAlias.event_id = ?", strings.TrimSpace(eventID)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return core.CanonicalEvent{}, core.ErrEventNotFound
		}
		return core.CanonicalEvent{}, err
	}
	event := record.toDomain()
	if link, linkErr := s.GetLink(ctx, event.EventID); linkErr == nil {
		event.Routing = link.Routing
	}
	return event, nil
}

// Link writes the single routing link of an event. Links are written once.
func (s *EventStore) Link(ctx context.Context, link core.EventLink) error {
	if s == nil || s.idb == nil {
		return fmt.Errorf("sqlstore: event store is not configured")
	}
	if strings.TrimSpace(link.EventID) == "" {
		return fmt.Errorf("sqlstore: link event id is required")
	}
	createdAt := link.CreatedAt.UTC()
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	record := &eventLinkRecord{
		EventID:        strings.TrimSpace(link.EventID),
		ConversationID: strings.TrimSpace(link.ConversationID),
		AssigneeID:     strings.TrimSpace(link.Routing.ShopperID),
		SkmID:          strings.TrimSpace(link.Routing.SkmID),
		KeeperID:       strings.TrimSpace(link.Routing.KeeperID),
		RoutingReason:  string(link.RoutingReason),
		CreatedAt:      createdAt,
	}
	if _, err := s.idb.NewInsert().Model(record).Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("sqlstore: link for event %s already exists: %w", record.EventID, err)
		}
		return err
	}
	return nil
}

func (s *EventStore) GetLink(ctx context.Context, eventID string) (core.EventLink, error) {
	if s == nil || s.idb == nil {
		return core.EventLink{}, fmt.Errorf("sqlstore: event store is not configured")
	}
	record := &eventLinkRecord{}
	err := s.idb.NewSelect().
		Model(record).
		Where("?TableAlias.event_id = ?", strings.TrimSpace(eventID)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return core.EventLink{}, core.ErrEventNotFound
		}
		return core.EventLink{}, err
	}
	return record.toDomain(), nil
}

// RecordRejected appends to the rejection audit table. It is written
// outside the ingest transaction so a rejected delivery is kept even when
// nothing else is.
func (s *EventStore) RecordRejected(ctx context.Context, rejected core.RejectedEvent) error {
	if s == nil || s.rejected == nil {
		return fmt.Errorf("sqlstore: rejected event repository is not configured")
	}
	id := strings.TrimSpace(rejected.ID)
	if id == "" {
		id = uuid.NewString()
	}
	receivedAt := rejected.ReceivedAt.UTC()
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}
	headers := make(map[string]string, len(rejected.Headers))
	for key, value := range rejected.Headers {
		headers[key] = value
	}
	record := &rejectedEventRecord{
		ID:             id,
		ProviderID:     strings.TrimSpace(rejected.ProviderID),
		Surface:        strings.TrimSpace(rejected.Surface),
		Reason:         strings.TrimSpace(rejected.Reason),
		Detail:         rejected.Detail,
		RawPayload:     copyBytes(rejected.RawPayload),
		Headers:        headers,
		SignatureValid: rejected.SignatureValid,
		RiskFlags:      copyStrings(rejected.RiskFlags),
		ReceivedAt:     receivedAt,
	}
	_, err := s.rejected.Create(ctx, record)
	return err
}

// ListRejected returns the most recent rejected deliveries for a provider,
// newest first. An empty provider lists all of them.
func (s *EventStore) ListRejected(ctx context.Context, providerID string, limit int) ([]core.RejectedEvent, error) {
	if s == nil || s.rejected == nil {
		return nil, fmt.Errorf("sqlstore: rejected event repository is not configured")
	}
	if limit <= 0 {
		limit = 50
	}
	criteria := []repository.SelectCriteria{
		repository.OrderBy("received_at DESC"),
		repository.SelectPaginate(limit, 0),
	}
	if providerID = strings.TrimSpace(providerID); providerID != "" {
		criteria = append(criteria, repository.SelectBy("provider_id", "=", providerID))
	}
	records, _, err := s.rejected.List(ctx, criteria...)
	if err != nil {
		return nil, err
	}
	out := make([]core.RejectedEvent, 0, len(records))
	for _, record := range records {
		if record == nil {
			continue
		}
		out = append(out, core.RejectedEvent{
			ID:             record.ID,
			ProviderID:     record.ProviderID,
			Surface:        record.Surface,
			Reason:         record.Reason,
			Detail:         record.Detail,
			RawPayload:     append([]byte(nil), record.RawPayload...),
			Headers:        record.Headers,
			SignatureValid: record.SignatureValid,
			RiskFlags:      copyStrings(record.RiskFlags),
			ReceivedAt:     record.ReceivedAt.UTC(),
		})
	}
	return out, nil
}

var _ core.EventStore = (*EventStore)(nil)
