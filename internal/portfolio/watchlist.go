package portfolio

import (
	"context"
	"errors"
	"log/slog"

	"github.com/investin/ledger-engine/internal/catalog"
	"github.com/investin/ledger-engine/internal/ledger"
	"github.com/investin/ledger-engine/internal/model"
	"github.com/investin/ledger-engine/internal/store"
)

// Watch adds an instrument to the account's watchlist. Watching an
// instrument twice is not an error.
func (s *Service) Watch(ctx context.Context, accountID, instrumentID string) (*model.Instrument, error) {
	if _, err := s.account(ctx, accountID); err != nil {
		return nil, err
	}
	inst, err := s.catalog.Get(ctx, instrumentID)
	if err != nil {
		return nil, err
	}

	err = s.store.AddToWatchlist(ctx, &model.WatchlistItem{
		AccountID:    accountID,
		InstrumentID: instrumentID,
		CreatedAt:    s.now().UTC(),
	})
	if err != nil && !errors.Is(err, store.ErrAlreadyExists) {
		return nil, &ledger.StoreError{Op: "add to watchlist", Err: err}
	}

	slog.Debug("instrument watched", "account", accountID, "instrument", instrumentID)
	return inst, nil
}

// Unwatch removes an instrument from the watchlist.
func (s *Service) Unwatch(ctx context.Context, accountID, instrumentID string) error {
	if _, err := s.account(ctx, accountID); err != nil {
		return err
	}
	if err := s.store.RemoveFromWatchlist(ctx, accountID, instrumentID); err != nil {
		return &ledger.StoreError{Op: "remove from watchlist", Err: err}
	}
	return nil
}

// Watchlist returns the watched instruments, most recently added first.
// Instruments that have left the catalog are skipped.
func (s *Service) Watchlist(ctx context.Context, accountID string) ([]model.Instrument, error) {
	if _, err := s.account(ctx, accountID); err != nil {
		return nil, err
	}
	items, err := s.store.ListWatchlist(ctx, accountID)
	if err != nil {
		return nil, &ledger.StoreError{Op: "list watchlist", Err: err}
	}

	in := s.newInstruments()
	result := make([]model.Instrument, 0, len(items))
	for _, item := range items {
		inst, err := in.get(ctx, item.InstrumentID)
		if err != nil {
			if errors.Is(err, catalog.ErrNotFound) {
				continue
			}
			return nil, &ledger.StoreError{Op: "get instrument", Err: err}
		}
		result = append(result, *inst)
	}
	return result, nil
}
