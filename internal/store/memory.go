package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/investin/ledger-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	accounts    map[string]*model.Account
	positions   map[string]*model.Position // accountID:instrumentID
	ledger      []model.LedgerEntry
	instruments map[string]*model.Instrument
	watchlist   map[string]*model.WatchlistItem // accountID:instrumentID
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:    make(map[string]*model.Account),
		positions:   make(map[string]*model.Position),
		instruments: make(map[string]*model.Instrument),
		watchlist:   make(map[string]*model.WatchlistItem),
	}
}

func (s *MemoryStore) CreateAccount(_ context.Context, a *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[a.ID]; ok {
		return fmt.Errorf("account %s: %w", a.ID, ErrAlreadyExists)
	}
	for _, existing := range s.accounts {
		if a.Username != "" && existing.Username == a.Username {
			return fmt.Errorf("username %s: %w", a.Username, ErrAlreadyExists)
		}
	}

	// Store a copy to avoid external mutation.
	cp := *a
	s.accounts[a.ID] = &cp
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, id string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) ListAccounts(_ context.Context) ([]model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	accounts := make([]model.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		accounts = append(accounts, *a)
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].ID < accounts[j].ID })
	return accounts, nil
}

func (s *MemoryStore) UpdateAccount(_ context.Context, a *model.Account, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.swapAccount(a, expectedVersion)
}

// swapAccount must be called with s.mu held.
func (s *MemoryStore) swapAccount(a *model.Account, expectedVersion int64) error {
	current, ok := s.accounts[a.ID]
	if !ok {
		return fmt.Errorf("account %s: %w", a.ID, ErrNotFound)
	}
	if current.Version != expectedVersion {
		return fmt.Errorf("account %s at version %d, expected %d: %w",
			a.ID, current.Version, expectedVersion, ErrVersionConflict)
	}
	cp := *a
	cp.Version = expectedVersion + 1
	s.accounts[a.ID] = &cp
	a.Version = cp.Version
	return nil
}

func (s *MemoryStore) GetPosition(_ context.Context, accountID, instrumentID string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[positionKey(accountID, instrumentID)]
	if !ok {
		return nil, fmt.Errorf("position %s/%s: %w", accountID, instrumentID, ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, accountID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, p := range s.positions {
		if p.AccountID == accountID {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].InstrumentID < result[j].InstrumentID })
	return result, nil
}

// CommitOrder applies the account swap, the position write and the ledger
// append under one lock, so readers never observe a partial order.
func (s *MemoryStore) CommitOrder(_ context.Context, c Commit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.Account == nil || c.Position == nil || c.Entry == nil {
		return fmt.Errorf("store: incomplete commit")
	}
	if err := s.swapAccount(c.Account, c.ExpectedVersion); err != nil {
		return err
	}

	key := positionKey(c.Position.AccountID, c.Position.InstrumentID)
	if c.PurgePosition {
		delete(s.positions, key)
	} else {
		cp := *c.Position
		s.positions[key] = &cp
	}

	s.ledger = append(s.ledger, *c.Entry)
	return nil
}

func (s *MemoryStore) ListLedgerEntries(_ context.Context, accountID string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for i := len(s.ledger) - 1; i >= 0; i-- {
		if s.ledger[i].AccountID == accountID {
			result = append(result, s.ledger[i])
		}
	}
	return result, nil
}

func (s *MemoryStore) CreateInstrument(_ context.Context, inst *model.Instrument) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instruments[inst.ID]; ok {
		return fmt.Errorf("instrument %s: %w", inst.ID, ErrAlreadyExists)
	}
	for _, existing := range s.instruments {
		if existing.Symbol == inst.Symbol {
			return fmt.Errorf("symbol %s: %w", inst.Symbol, ErrAlreadyExists)
		}
	}
	cp := *inst
	s.instruments[inst.ID] = &cp
	return nil
}

func (s *MemoryStore) GetInstrument(_ context.Context, id string) (*model.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instruments[id]
	if !ok {
		return nil, fmt.Errorf("instrument %s: %w", id, ErrNotFound)
	}
	cp := *inst
	return &cp, nil
}

func (s *MemoryStore) GetInstrumentBySymbol(_ context.Context, symbol string) (*model.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, inst := range s.instruments {
		if inst.Symbol == symbol {
			cp := *inst
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("instrument symbol %s: %w", symbol, ErrNotFound)
}

func (s *MemoryStore) ListInstruments(_ context.Context, instType string) ([]model.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.Instrument, 0, len(s.instruments))
	for _, inst := range s.instruments {
		if !inst.IsActive {
			continue
		}
		if instType != "" && inst.Type != instType {
			continue
		}
		result = append(result, *inst)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Symbol < result[j].Symbol })
	return result, nil
}

func (s *MemoryStore) UpdateInstrumentPrice(_ context.Context, id string, price decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instruments[id]
	if !ok {
		return fmt.Errorf("instrument %s: %w", id, ErrNotFound)
	}
	inst.PreviousPrice = inst.CurrentPrice
	inst.CurrentPrice = price
	return nil
}

func (s *MemoryStore) AddToWatchlist(_ context.Context, item *model.WatchlistItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := positionKey(item.AccountID, item.InstrumentID)
	if _, ok := s.watchlist[key]; ok {
		return fmt.Errorf("watchlist %s: %w", key, ErrAlreadyExists)
	}
	cp := *item
	s.watchlist[key] = &cp
	return nil
}

func (s *MemoryStore) RemoveFromWatchlist(_ context.Context, accountID, instrumentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.watchlist, positionKey(accountID, instrumentID))
	return nil
}

func (s *MemoryStore) ListWatchlist(_ context.Context, accountID string) ([]model.WatchlistItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.WatchlistItem
	for _, w := range s.watchlist {
		if w.AccountID == accountID {
			result = append(result, *w)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }
