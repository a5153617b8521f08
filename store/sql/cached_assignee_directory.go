package sqlstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/goliatone/go-chatflow/core"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
)

const assigneeCacheKeyPrefix = "go-chatflow::assignees::v1"

// CachedAssigneeDirectory serves roster reads from a cache and invalidates
// on every upsert. Routing reads it outside of the ingest transaction, so
// a roster change may take up to the cache TTL to reach new decisions.
type CachedAssigneeDirectory struct {
	base  core.AssigneeStore
	cache repositorycache.CacheService
}

func NewCachedAssigneeDirectory(
	base core.AssigneeStore,
	cacheService repositorycache.CacheService,
) (*CachedAssigneeDirectory, error) {
	if base == nil {
		return nil, fmt.Errorf("sqlstore: base assignee store is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("sqlstore: assignee cache service is required")
	}
	return &CachedAssigneeDirectory{base: base, cache: cacheService}, nil
}

// AssigneeCacheKey returns go-chatflow::assignees::v1::<id>, or the roster
// key ...::v1::_all for an empty id.
func AssigneeCacheKey(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return assigneeCacheKeyPrefix + "::_all"
	}
	return assigneeCacheKeyPrefix + "::" + url.PathEscape(id)
}

func (d *CachedAssigneeDirectory) ListAssignees(ctx context.Context) ([]core.Assignee, error) {
	if d == nil || d.base == nil || d.cache == nil {
		return nil, fmt.Errorf("sqlstore: cached assignee directory is not configured")
	}
	roster, err := repositorycache.GetOrFetch(ctx, d.cache, AssigneeCacheKey(""), func(ctx context.Context) ([]core.Assignee, error) {
		fetched, fetchErr := d.base.ListAssignees(ctx)
		if fetchErr != nil {
			return nil, fetchErr
		}
		return cloneAssignees(fetched), nil
	})
	if err != nil {
		return nil, err
	}
	return cloneAssignees(roster), nil
}

func (d *CachedAssigneeDirectory) GetAssignee(ctx context.Context, id string) (core.Assignee, error) {
	if d == nil || d.base == nil || d.cache == nil {
		return core.Assignee{}, fmt.Errorf("sqlstore: cached assignee directory is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return core.Assignee{}, core.ErrAssigneeNotFound
	}
	assignee, err := repositorycache.GetOrFetch(ctx, d.cache, AssigneeCacheKey(id), func(ctx context.Context) (core.Assignee, error) {
		return d.base.GetAssignee(ctx, id)
	})
	if err != nil {
		return core.Assignee{}, err
	}
	assignee.Skills = copyStrings(assignee.Skills)
	return assignee, nil
}

func (d *CachedAssigneeDirectory) UpsertAssignee(ctx context.Context, assignee core.Assignee) (core.Assignee, error) {
	if d == nil || d.base == nil || d.cache == nil {
		return core.Assignee{}, fmt.Errorf("sqlstore: cached assignee directory is not configured")
	}
	stored, err := d.base.UpsertAssignee(ctx, assignee)
	if err != nil {
		return core.Assignee{}, err
	}
	if err := d.cache.Delete(ctx, AssigneeCacheKey(stored.ID)); err != nil {
		return core.Assignee{}, err
	}
	if err := d.cache.Delete(ctx, AssigneeCacheKey("")); err != nil {
		return core.Assignee{}, err
	}
	return stored, nil
}

func cloneAssignees(in []core.Assignee) []core.Assignee {
	out := make([]core.Assignee, 0, len(in))
	for _, assignee := range in {
		assignee.Skills = copyStrings(assignee.Skills)
		out = append(out, assignee)
	}
	return out
}

var _ core.AssigneeStore = (*CachedAssigneeDirectory)(nil)
