// Package portfolio builds the read-side views of an account: holdings
// marked to market, the dashboard summary, the watchlist and the
// net-worth leaderboard.
package portfolio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/investin/ledger-engine/internal/catalog"
	"github.com/investin/ledger-engine/internal/ledger"
	"github.com/investin/ledger-engine/internal/model"
	"github.com/investin/ledger-engine/internal/store"
)

// Dashboard list sizes.
const (
	topPerformers      = 3
	recentTransactions = 3
	watchlistPreview   = 3
)

var hundred = decimal.NewFromInt(100)

// Service reads accounts, positions and instruments. It never writes
// balances or positions.
type Service struct {
	store   store.Store
	catalog *catalog.Catalog
	now     func() time.Time
}

// NewService creates a portfolio service.
func NewService(st store.Store, cat *catalog.Catalog) *Service {
	return &Service{store: st, catalog: cat, now: time.Now}
}

func (s *Service) account(ctx context.Context, accountID string) (*model.Account, error) {
	acct, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, accountID)
		}
		return nil, &ledger.StoreError{Op: "get account", Err: err}
	}
	return acct, nil
}

// instruments memoizes catalog lookups for the duration of one view.
type instruments struct {
	cat  *catalog.Catalog
	seen map[string]*model.Instrument
}

func (s *Service) newInstruments() *instruments {
	return &instruments{cat: s.catalog, seen: make(map[string]*model.Instrument)}
}

func (in *instruments) get(ctx context.Context, id string) (*model.Instrument, error) {
	if inst, ok := in.seen[id]; ok {
		return inst, nil
	}
	inst, err := in.cat.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	in.seen[id] = inst
	return inst, nil
}

// mark values a position at the instrument's current price.
func mark(p model.Position, inst model.Instrument) model.Holding {
	qty := decimal.NewFromInt(p.Quantity)
	value := ledger.RoundMoney(qty.Mul(inst.CurrentPrice))
	invested := ledger.RoundMoney(p.CostBasis)
	return model.Holding{
		Position:      p,
		Instrument:    inst,
		MarketValue:   value,
		Invested:      invested,
		UnrealizedPnL: value.Sub(invested),
	}
}

func (s *Service) holdings(ctx context.Context, accountID string, in *instruments) ([]model.Holding, error) {
	positions, err := s.store.ListPositions(ctx, accountID)
	if err != nil {
		return nil, &ledger.StoreError{Op: "list positions", Err: err}
	}

	holdings := make([]model.Holding, 0, len(positions))
	for _, p := range positions {
		if p.Quantity == 0 {
			continue
		}
		inst, err := in.get(ctx, p.InstrumentID)
		if err != nil {
			if errors.Is(err, catalog.ErrNotFound) {
				// Delisted instrument: keep the units, value them at zero.
				slog.Warn("position without instrument", "account", accountID, "instrument", p.InstrumentID)
				holdings = append(holdings, mark(p, model.Instrument{ID: p.InstrumentID}))
				continue
			}
			return nil, &ledger.StoreError{Op: "get instrument", Err: err}
		}
		holdings = append(holdings, mark(p, *inst))
	}
	return holdings, nil
}

// Holdings returns every open position of the account marked to market.
func (s *Service) Holdings(ctx context.Context, accountID string) (*model.Portfolio, error) {
	acct, err := s.account(ctx, accountID)
	if err != nil {
		return nil, err
	}
	holdings, err := s.holdings(ctx, accountID, s.newInstruments())
	if err != nil {
		return nil, err
	}

	total, invested := decimal.Zero, decimal.Zero
	for _, h := range holdings {
		total = total.Add(h.MarketValue)
		invested = invested.Add(h.Invested)
	}

	return &model.Portfolio{
		AccountID:     accountID,
		Holdings:      holdings,
		TotalValue:    total,
		TotalInvested: invested,
		WalletBalance: acct.WalletBalance,
	}, nil
}

// gainRatio is (current - average) / average.
func gainRatio(h model.Holding) decimal.Decimal {
	if !h.AveragePrice.IsPositive() {
		return decimal.Zero
	}
	return h.Instrument.CurrentPrice.Sub(h.AveragePrice).Div(h.AveragePrice)
}

// Dashboard summarizes the account for the landing page.
func (s *Service) Dashboard(ctx context.Context, accountID string) (*model.Dashboard, error) {
	pf, err := s.Holdings(ctx, accountID)
	if err != nil {
		return nil, err
	}
	acct, err := s.account(ctx, accountID)
	if err != nil {
		return nil, err
	}

	pl := pf.TotalValue.Sub(pf.TotalInvested)
	plPercent := decimal.Zero
	if pf.TotalInvested.IsPositive() {
		plPercent = pl.Div(pf.TotalInvested).Mul(hundred).Round(2)
	}

	var gainers []model.Holding
	for _, h := range pf.Holdings {
		if h.Instrument.CurrentPrice.GreaterThan(h.AveragePrice) {
			gainers = append(gainers, h)
		}
	}
	sort.SliceStable(gainers, func(i, j int) bool {
		return gainRatio(gainers[i]).GreaterThan(gainRatio(gainers[j]))
	})
	if len(gainers) > topPerformers {
		gainers = gainers[:topPerformers]
	}
	if gainers == nil {
		gainers = []model.Holding{}
	}

	entries, err := s.store.ListLedgerEntries(ctx, accountID)
	if err != nil {
		return nil, &ledger.StoreError{Op: "list ledger entries", Err: err}
	}
	if len(entries) > recentTransactions {
		entries = entries[:recentTransactions]
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}

	watched, err := s.Watchlist(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if len(watched) > watchlistPreview {
		watched = watched[:watchlistPreview]
	}

	return &model.Dashboard{
		AccountID:          accountID,
		TotalValue:         pf.TotalValue,
		ProfitLoss:         pl,
		ProfitLossPercent:  plPercent,
		ActiveAssets:       len(pf.Holdings),
		WalletBalance:      acct.WalletBalance,
		TotalCreditsEarned: acct.TotalCreditsEarned,
		TopPerformers:      gainers,
		RecentTransactions: entries,
		Watchlist:          watched,
	}, nil
}
