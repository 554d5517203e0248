package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/settlement-engine/internal/model"
)

type periodKey struct {
	asset common.Address
	id    uint64
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu      sync.RWMutex
	entries []model.JournalEntry
	ids     map[string]bool
	periods map[periodKey]model.PeriodRecord
	state   []byte
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		ids:     make(map[string]bool),
		periods: make(map[periodKey]model.PeriodRecord),
	}
}

func (s *MemoryStore) AppendEntry(_ context.Context, entry *model.JournalEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ids[entry.ID] {
		return fmt.Errorf("%w: %s", ErrDuplicateEntry, entry.ID)
	}
	s.ids[entry.ID] = true
	s.entries = append(s.entries, *entry)
	return nil
}

func (s *MemoryStore) ListEntries(_ context.Context, filter model.EntryFilter) ([]model.JournalEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.JournalEntry
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if !matches(e, filter) {
			continue
		}
		result = append(result, e)
		if filter.Limit > 0 && len(result) == filter.Limit {
			break
		}
	}
	return result, nil
}

func (s *MemoryStore) SavePeriod(_ context.Context, rec *model.PeriodRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.periods[periodKey{rec.Asset, rec.ID}] = *rec
	return nil
}

func (s *MemoryStore) GetPeriod(_ context.Context, asset common.Address, id uint64) (*model.PeriodRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.periods[periodKey{asset, id}]
	if !ok {
		return nil, fmt.Errorf("%w: period %d of %s", ErrNotFound, id, asset.Hex())
	}
	return &p, nil
}

func (s *MemoryStore) ListPeriods(_ context.Context, asset common.Address) ([]model.PeriodRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.PeriodRecord
	for k, p := range s.periods {
		if k.asset == asset {
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// SaveState keeps an encoded copy so later mutations of st are not visible.
func (s *MemoryStore) SaveState(_ context.Context, st *model.State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = data
	return nil
}

func (s *MemoryStore) LoadState(_ context.Context) (*model.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.state == nil {
		return nil, fmt.Errorf("%w: engine state", ErrNotFound)
	}
	var st model.State
	if err := json.Unmarshal(s.state, &st); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return &st, nil
}
