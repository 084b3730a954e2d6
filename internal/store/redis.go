package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/investin/ledger-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
//
// Accounts are never cached: the ledger must read the authoritative
// balance and version before every order.
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

func (s *CachedStore) CommitOrder(ctx context.Context, c Commit) error {
	if err := s.primary.CommitOrder(ctx, c); err != nil {
		return err
	}
	s.rdb.Del(ctx, positionsKey(c.Account.ID))
	return nil
}

func (s *CachedStore) CreateInstrument(ctx context.Context, inst *model.Instrument) error {
	if err := s.primary.CreateInstrument(ctx, inst); err != nil {
		return err
	}
	s.cacheInstrument(ctx, inst)
	s.rdb.Del(ctx, instrumentListKeys()...)
	return nil
}

func (s *CachedStore) UpdateInstrumentPrice(ctx context.Context, id string, price decimal.Decimal) error {
	if err := s.primary.UpdateInstrumentPrice(ctx, id, price); err != nil {
		return err
	}
	// Invalidate; next read will re-populate.
	s.rdb.Del(ctx, append(instrumentListKeys(), instrumentKey(id))...)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetInstrument(ctx context.Context, id string) (*model.Instrument, error) {
	data, err := s.rdb.Get(ctx, instrumentKey(id)).Bytes()
	if err == nil {
		var inst model.Instrument
		if json.Unmarshal(data, &inst) == nil {
			return &inst, nil
		}
	}

	// Cache miss: read from primary.
	inst, err := s.primary.GetInstrument(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheInstrument(ctx, inst)
	return inst, nil
}

func (s *CachedStore) ListInstruments(ctx context.Context, instType string) ([]model.Instrument, error) {
	switch instType {
	case "", model.InstrumentMovie, model.InstrumentIPLTeam:
	default:
		// Unknown filters are not cached, so invalidation stays exhaustive.
		return s.primary.ListInstruments(ctx, instType)
	}

	key := instrumentListKey(instType)
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var list []model.Instrument
		if json.Unmarshal(data, &list) == nil {
			return list, nil
		}
	}

	list, err := s.primary.ListInstruments(ctx, instType)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(list); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
	return list, nil
}

func (s *CachedStore) ListPositions(ctx context.Context, accountID string) ([]model.Position, error) {
	data, err := s.rdb.Get(ctx, positionsKey(accountID)).Bytes()
	if err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	positions, err := s.primary.ListPositions(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(positions); err == nil {
		s.rdb.Set(ctx, positionsKey(accountID), data, s.ttl)
	}
	return positions, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) CreateAccount(ctx context.Context, a *model.Account) error {
	return s.primary.CreateAccount(ctx, a)
}

func (s *CachedStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return s.primary.GetAccount(ctx, id)
}

func (s *CachedStore) ListAccounts(ctx context.Context) ([]model.Account, error) {
	return s.primary.ListAccounts(ctx)
}

func (s *CachedStore) UpdateAccount(ctx context.Context, a *model.Account, expectedVersion int64) error {
	return s.primary.UpdateAccount(ctx, a, expectedVersion)
}

func (s *CachedStore) GetPosition(ctx context.Context, accountID, instrumentID string) (*model.Position, error) {
	return s.primary.GetPosition(ctx, accountID, instrumentID)
}

func (s *CachedStore) ListLedgerEntries(ctx context.Context, accountID string) ([]model.LedgerEntry, error) {
	return s.primary.ListLedgerEntries(ctx, accountID)
}

func (s *CachedStore) GetInstrumentBySymbol(ctx context.Context, symbol string) (*model.Instrument, error) {
	return s.primary.GetInstrumentBySymbol(ctx, symbol)
}

func (s *CachedStore) AddToWatchlist(ctx context.Context, item *model.WatchlistItem) error {
	return s.primary.AddToWatchlist(ctx, item)
}

func (s *CachedStore) RemoveFromWatchlist(ctx context.Context, accountID, instrumentID string) error {
	return s.primary.RemoveFromWatchlist(ctx, accountID, instrumentID)
}

func (s *CachedStore) ListWatchlist(ctx context.Context, accountID string) ([]model.WatchlistItem, error) {
	return s.primary.ListWatchlist(ctx, accountID)
}

// Close closes the Redis client and then the primary store.
func (s *CachedStore) Close() error {
	rerr := s.rdb.Close()
	if err := s.primary.Close(); err != nil {
		return err
	}
	return rerr
}

// --- Cache helpers ---

func (s *CachedStore) cacheInstrument(ctx context.Context, inst *model.Instrument) {
	if data, err := json.Marshal(inst); err == nil {
		s.rdb.Set(ctx, instrumentKey(inst.ID), data, s.ttl)
	}
}

func instrumentKey(id string) string        { return fmt.Sprintf("instrument:%s", id) }
func positionsKey(accountID string) string  { return fmt.Sprintf("positions:%s", accountID) }
func instrumentListKey(t string) string     { return fmt.Sprintf("instruments:%s", t) }

// instrumentListKeys lists every filtered catalog key that may be cached.
func instrumentListKeys() []string {
	return []string{
		instrumentListKey(""),
		instrumentListKey(model.InstrumentMovie),
		instrumentListKey(model.InstrumentIPLTeam),
	}
}
