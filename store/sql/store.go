package sqlstore

import (
	"context"
	"fmt"
	"time"

	"github.com/goliatone/go-chatflow/core"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/uptrace/bun"
)

// Store is the bun-backed durable store. Every per-table store is bound to
// a bun.IDB so the same code runs against the pool and inside RunInTx.
type Store struct {
	db *bun.DB

	claimLease time.Duration
	now        func() time.Time

	rejectedRepo repository.Repository[*rejectedEventRecord]
	historyRepo  repository.Repository[*assignmentHistoryRecord]
	outboxRepo   repository.Repository[*outboxRecord]
}

// DefaultClaimLease is how long a claimed outbox row belongs to its
// dispatcher before ClaimBatch offers it again.
const DefaultClaimLease = 2 * time.Minute

type StoreOption func(*Store)

// WithClaimLease sets the outbox claim lease. Non-positive values keep
// DefaultClaimLease.
func WithClaimLease(lease time.Duration) StoreOption {
	return func(s *Store) {
		if lease > 0 {
			s.claimLease = lease
		}
	}
}

func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func NewStore(db *bun.DB, opts ...StoreOption) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	rejectedRepo := repository.NewRepository[*rejectedEventRecord](db, rejectedEventHandlers())
	if validator, ok := rejectedRepo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid rejected event repository wiring: %w", err)
		}
	}
	historyRepo := repository.NewRepository[*assignmentHistoryRecord](db, assignmentHistoryHandlers())
	if validator, ok := historyRepo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid assignment history repository wiring: %w", err)
		}
	}
	outboxRepo := repository.NewRepository[*outboxRecord](db, outboxHandlers())
	if validator, ok := outboxRepo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid outbox repository wiring: %w", err)
		}
	}
	store := &Store{
		db:           db,
		claimLease:   DefaultClaimLease,
		now:          time.Now,
		rejectedRepo: rejectedRepo,
		historyRepo:  historyRepo,
		outboxRepo:   outboxRepo,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store, nil
}

func (s *Store) DB() *bun.DB {
	if s == nil {
		return nil
	}
	return s.db
}

func (s *Store) Stores() core.Stores {
	return s.bind(s.db)
}

func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, stores core.Stores) error) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: store is not configured")
	}
	if fn == nil {
		return fmt.Errorf("sqlstore: transaction callback is required")
	}
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		return fn(ctx, s.bind(tx))
	})
}

func (s *Store) bind(idb bun.IDB) core.Stores {
	return core.Stores{
		Events:        &EventStore{idb: idb, rejected: s.rejectedRepo},
		Conversations: &ConversationStore{idb: idb},
		Participants:  &ParticipantStore{idb: idb},
		Messages:      &MessageIndex{idb: idb},
		Assignees:     &AssigneeStore{idb: idb},
		Load:          &LoadReader{idb: idb},
		History:       &HistoryStore{idb: idb, repo: s.historyRepo},
		Outbox:        &OutboxStore{idb: idb, repo: s.outboxRepo, lease: s.claimLease, now: s.now},
	}
}

var _ core.Store = (*Store)(nil)
