package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/settlement-engine/internal/model"
)

// CachedStore wraps a primary Store with a Redis read-through cache for
// period snapshots. Writes go to the primary store and invalidate the cache;
// reads check Redis first then fall back to the primary. The journal is
// append-only and always read from the primary.
type CachedStore struct {
	primary Store
	rdb     redis.Cmdable
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.Cmdable, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) SavePeriod(ctx context.Context, p *model.PeriodRecord) error {
	if err := s.primary.SavePeriod(ctx, p); err != nil {
		return err
	}
	// Invalidate; next read will re-populate.
	s.rdb.Del(ctx, periodKeyFor(p.Asset, p.ID), periodsKey(p.Asset))
	return nil
}

func (s *CachedStore) AppendEntry(ctx context.Context, entry *model.JournalEntry) error {
	return s.primary.AppendEntry(ctx, entry)
}

// SaveState and LoadState bypass the cache; the state is read once at startup.
func (s *CachedStore) SaveState(ctx context.Context, st *model.State) error {
	return s.primary.SaveState(ctx, st)
}

func (s *CachedStore) LoadState(ctx context.Context) (*model.State, error) {
	return s.primary.LoadState(ctx)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetPeriod(ctx context.Context, asset common.Address, id uint64) (*model.PeriodRecord, error) {
	data, err := s.rdb.Get(ctx, periodKeyFor(asset, id)).Bytes()
	if err == nil {
		var p model.PeriodRecord
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	// Cache miss: read from primary.
	p, err := s.primary.GetPeriod(ctx, asset, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, periodKeyFor(asset, id), p)
	return p, nil
}

func (s *CachedStore) ListPeriods(ctx context.Context, asset common.Address) ([]model.PeriodRecord, error) {
	data, err := s.rdb.Get(ctx, periodsKey(asset)).Bytes()
	if err == nil {
		var periods []model.PeriodRecord
		if json.Unmarshal(data, &periods) == nil {
			return periods, nil
		}
	}

	periods, err := s.primary.ListPeriods(ctx, asset)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, periodsKey(asset), periods)
	return periods, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListEntries(ctx context.Context, filter model.EntryFilter) ([]model.JournalEntry, error) {
	return s.primary.ListEntries(ctx, filter)
}

// --- Cache helpers ---

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func periodKeyFor(asset common.Address, id uint64) string {
	return fmt.Sprintf("period:%s:%d", addrKey(asset), id)
}

func periodsKey(asset common.Address) string { return fmt.Sprintf("periods:%s", addrKey(asset)) }
