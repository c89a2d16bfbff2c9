package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/insurance-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateContract(ctx context.Context, c *model.Contract) error {
	if err := s.primary.CreateContract(ctx, c); err != nil {
		return err
	}
	s.cache(ctx, contractKey(c.ID), c)
	s.rdb.Del(ctx, statsKey())
	return nil
}

func (s *CachedStore) ApplyTransition(ctx context.Context, id string, from model.State, t model.Transition) (*model.Contract, error) {
	c, err := s.primary.ApplyTransition(ctx, id, from, t)
	if err != nil {
		// A conflict means our cached copy may be stale too.
		s.rdb.Del(ctx, contractKey(id))
		return nil, err
	}
	s.rdb.Del(ctx, contractKey(id), statsKey())
	return c, nil
}

func (s *CachedStore) AppendStateLog(ctx context.Context, id string, entry model.StateLogEntry) error {
	if err := s.primary.AppendStateLog(ctx, id, entry); err != nil {
		return err
	}
	s.rdb.Del(ctx, contractKey(id))
	return nil
}

func (s *CachedStore) SetTxHash(ctx context.Context, id, txHash string) error {
	if err := s.primary.SetTxHash(ctx, id, txHash); err != nil {
		return err
	}
	s.rdb.Del(ctx, contractKey(id))
	return nil
}

func (s *CachedStore) UpsertPair(ctx context.Context, p *model.Pair) error {
	if err := s.primary.UpsertPair(ctx, p); err != nil {
		return err
	}
	s.rdb.Del(ctx, pairKey(p.Symbol))
	return nil
}

func (s *CachedStore) UpdatePairConfig(ctx context.Context, symbol string, cfg model.PairConfig) error {
	if err := s.primary.UpdatePairConfig(ctx, symbol, cfg); err != nil {
		return err
	}
	s.rdb.Del(ctx, pairKey(symbol))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetContract(ctx context.Context, id string) (*model.Contract, error) {
	data, err := s.rdb.Get(ctx, contractKey(id)).Bytes()
	if err == nil {
		var c model.Contract
		if json.Unmarshal(data, &c) == nil {
			return &c, nil
		}
	}

	c, err := s.primary.GetContract(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, contractKey(id), c)
	return c, nil
}

func (s *CachedStore) GetPair(ctx context.Context, symbol string) (*model.Pair, error) {
	data, err := s.rdb.Get(ctx, pairKey(symbol)).Bytes()
	if err == nil {
		var p model.Pair
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	p, err := s.primary.GetPair(ctx, symbol)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, pairKey(symbol), p)
	return p, nil
}

func (s *CachedStore) Stats(ctx context.Context) (model.Stats, error) {
	data, err := s.rdb.Get(ctx, statsKey()).Bytes()
	if err == nil {
		var st model.Stats
		if json.Unmarshal(data, &st) == nil {
			return st, nil
		}
	}

	st, err := s.primary.Stats(ctx)
	if err != nil {
		return st, err
	}
	s.cache(ctx, statsKey(), st)
	return st, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListContracts(ctx context.Context, f model.ContractFilter) ([]*model.Contract, error) {
	return s.primary.ListContracts(ctx, f)
}

func (s *CachedStore) CountContracts(ctx context.Context, f model.ContractFilter) (int, error) {
	return s.primary.CountContracts(ctx, f)
}

func (s *CachedStore) ListPairs(ctx context.Context, activeOnly bool) ([]*model.Pair, error) {
	return s.primary.ListPairs(ctx, activeOnly)
}

// --- Cache helpers ---

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func contractKey(id string) string { return fmt.Sprintf("insurance:%s", id) }
func pairKey(sym string) string    { return fmt.Sprintf("pair:%s", sym) }
func statsKey() string             { return "insurance:stats" }
