package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/atmx/insurance-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	contracts map[string]*model.Contract
	pairs     map[string]*model.Pair
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		contracts: make(map[string]*model.Contract),
		pairs:     make(map[string]*model.Pair),
	}
}

func (s *MemoryStore) CreateContract(_ context.Context, c *model.Contract) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.contracts[c.ID]; ok {
		return fmt.Errorf("contract %s: %w", c.ID, ErrDuplicate)
	}
	s.contracts[c.ID] = c.Clone()
	return nil
}

func (s *MemoryStore) GetContract(_ context.Context, id string) (*model.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.contracts[id]
	if !ok {
		return nil, fmt.Errorf("contract %s: %w", id, ErrNotFound)
	}
	return c.Clone(), nil
}

func (s *MemoryStore) matching(f model.ContractFilter) []*model.Contract {
	var out []*model.Contract
	for _, c := range s.contracts {
		if f.Matches(c) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (s *MemoryStore) ListContracts(_ context.Context, f model.ContractFilter) ([]*model.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.matching(f)
	if f.Skip > 0 {
		if f.Skip >= len(all) {
			return nil, nil
		}
		all = all[f.Skip:]
	}
	if f.Limit > 0 && len(all) > f.Limit {
		all = all[:f.Limit]
	}
	out := make([]*model.Contract, len(all))
	for i, c := range all {
		out[i] = c.Clone()
	}
	return out, nil
}

func (s *MemoryStore) CountContracts(_ context.Context, f model.ContractFilter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.matching(f)), nil
}

func (s *MemoryStore) ApplyTransition(_ context.Context, id string, from model.State, t model.Transition) (*model.Contract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contracts[id]
	if !ok {
		return nil, fmt.Errorf("contract %s: %w", id, ErrNotFound)
	}
	if c.State != from {
		return nil, fmt.Errorf("contract %s is %s, expected %s: %w", id, c.State, from, ErrStateConflict)
	}
	t.Apply(c)
	return c.Clone(), nil
}

func (s *MemoryStore) AppendStateLog(_ context.Context, id string, entry model.StateLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contracts[id]
	if !ok {
		return fmt.Errorf("contract %s: %w", id, ErrNotFound)
	}
	c.StateLogs = append(c.StateLogs, entry)
	return nil
}

func (s *MemoryStore) SetTxHash(_ context.Context, id, txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contracts[id]
	if !ok {
		return fmt.Errorf("contract %s: %w", id, ErrNotFound)
	}
	c.TxHash = txHash
	return nil
}

func (s *MemoryStore) Stats(_ context.Context) (model.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st model.Stats
	for _, c := range s.contracts {
		st.Accumulate(c)
	}
	return st, nil
}

func (s *MemoryStore) UpsertPair(_ context.Context, p *model.Pair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pairs[p.Symbol] = clonePair(p)
	return nil
}

func (s *MemoryStore) GetPair(_ context.Context, symbol string) (*model.Pair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.pairs[symbol]
	if !ok {
		return nil, fmt.Errorf("pair %s: %w", symbol, ErrNotFound)
	}
	return clonePair(p), nil
}

func (s *MemoryStore) ListPairs(_ context.Context, activeOnly bool) ([]*model.Pair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Pair
	for _, p := range s.pairs {
		if activeOnly && !p.IsActive {
			continue
		}
		out = append(out, clonePair(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (s *MemoryStore) UpdatePairConfig(_ context.Context, symbol string, cfg model.PairConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pairs[symbol]
	if !ok {
		return fmt.Errorf("pair %s: %w", symbol, ErrNotFound)
	}
	c := cfg
	p.Config = &c
	return nil
}

func clonePair(p *model.Pair) *model.Pair {
	cp := *p
	if p.Config != nil {
		c := *p.Config
		c.DayChangeRatios = append(c.DayChangeRatios[:0:0], p.Config.DayChangeRatios...)
		c.HourChangeRatios = append(c.HourChangeRatios[:0:0], p.Config.HourChangeRatios...)
		cp.Config = &c
	}
	return &cp
}
