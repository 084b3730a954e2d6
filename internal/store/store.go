// Package store defines the persistence interface for the ledger engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and the demo).
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/investin/ledger-engine/internal/model"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrAlreadyExists is returned when a unique key is taken.
	ErrAlreadyExists = errors.New("store: already exists")

	// ErrVersionConflict is returned when an account changed between read
	// and write. Callers should re-read and retry.
	ErrVersionConflict = errors.New("store: account version conflict")
)

// Commit is the unit of work for one executed order. Account, position and
// ledger entry are persisted together or not at all.
type Commit struct {
	// Account carries the new balances. It is written only if the stored
	// version still equals ExpectedVersion.
	Account         *model.Account
	ExpectedVersion int64

	// Position is upserted, or deleted when PurgePosition is set.
	Position      *model.Position
	PurgePosition bool

	Entry *model.LedgerEntry
}

// Store is the persistence interface. The ledger service is its only writer
// for accounts and positions.
type Store interface {
	// --- Accounts ---

	// CreateAccount persists a new account.
	CreateAccount(ctx context.Context, account *model.Account) error

	// GetAccount retrieves an account by ID.
	GetAccount(ctx context.Context, id string) (*model.Account, error)

	// ListAccounts returns all accounts.
	ListAccounts(ctx context.Context) ([]model.Account, error)

	// UpdateAccount writes balances if the stored version equals
	// expectedVersion, bumping the version on success.
	UpdateAccount(ctx context.Context, account *model.Account, expectedVersion int64) error

	// --- Positions ---

	GetPosition(ctx context.Context, accountID, instrumentID string) (*model.Position, error)
	ListPositions(ctx context.Context, accountID string) ([]model.Position, error)

	// --- Immutable ledger ---

	// CommitOrder atomically applies an executed order.
	CommitOrder(ctx context.Context, c Commit) error

	// ListLedgerEntries returns an account's entries, newest first.
	ListLedgerEntries(ctx context.Context, accountID string) ([]model.LedgerEntry, error)

	// --- Instrument catalog ---

	CreateInstrument(ctx context.Context, inst *model.Instrument) error
	GetInstrument(ctx context.Context, id string) (*model.Instrument, error)
	GetInstrumentBySymbol(ctx context.Context, symbol string) (*model.Instrument, error)

	// ListInstruments returns active instruments, filtered by type when
	// instType is non-empty.
	ListInstruments(ctx context.Context, instType string) ([]model.Instrument, error)

	// UpdateInstrumentPrice moves the current price to previous and stores
	// the new current price.
	UpdateInstrumentPrice(ctx context.Context, id string, price decimal.Decimal) error

	// --- Watchlist ---

	AddToWatchlist(ctx context.Context, item *model.WatchlistItem) error
	RemoveFromWatchlist(ctx context.Context, accountID, instrumentID string) error
	ListWatchlist(ctx context.Context, accountID string) ([]model.WatchlistItem, error)

	// Close releases the backing resources.
	Close() error
}

// positionKey is the composite key of a position.
func positionKey(accountID, instrumentID string) string {
	return accountID + ":" + instrumentID
}
