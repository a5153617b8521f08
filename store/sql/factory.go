package sqlstore

import (
	"fmt"
	"time"

	persistence "github.com/goliatone/go-persistence-bun"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/uptrace/bun"
)

// NewStoreFromPersistence builds a Store over the bun DB owned by a
// go-persistence-bun client.
func NewStoreFromPersistence(client *persistence.Client, opts ...StoreOption) (*Store, error) {
	db, err := resolveBunDB(client)
	if err != nil {
		return nil, err
	}
	return NewStore(db, opts...)
}

// NewStoreFromClient accepts a *bun.DB or anything exposing DB() *bun.DB.
func NewStoreFromClient(client any, opts ...StoreOption) (*Store, error) {
	db, err := resolveBunDB(client)
	if err != nil {
		return nil, err
	}
	return NewStore(db, opts...)
}

// NewAssigneeCache returns a cache service for CachedAssigneeDirectory.
// A non-positive ttl keeps the library default.
func NewAssigneeCache(ttl time.Duration) (repositorycache.CacheService, error) {
	cfg := repositorycache.DefaultConfig()
	if ttl > 0 {
		cfg.TTL = ttl
	}
	service, err := repositorycache.NewCacheService(cfg)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: assignee cache: %w", err)
	}
	return service, nil
}

func resolveBunDB(candidate any) (*bun.DB, error) {
	switch typed := candidate.(type) {
	case nil:
		return nil, fmt.Errorf("sqlstore: persistence client is required")
	case *bun.DB:
		if typed == nil {
			return nil, fmt.Errorf("sqlstore: bun db is required")
		}
		return typed, nil
	case *persistence.Client:
		if typed == nil {
			return nil, fmt.Errorf("sqlstore: persistence client is required")
		}
		db := typed.DB()
		if db == nil {
			return nil, fmt.Errorf("sqlstore: persistence client returned nil bun db")
		}
		return db, nil
	case interface{ DB() *bun.DB }:
		db := typed.DB()
		if db == nil {
			return nil, fmt.Errorf("sqlstore: persistence client returned nil bun db")
		}
		return db, nil
	default:
		return nil, fmt.Errorf("sqlstore: unsupported persistence client type %T", candidate)
	}
}
