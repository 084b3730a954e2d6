package portfolio

import (
	"context"

	"github.com/google/btree"
	"github.com/shopspring/decimal"

	"github.com/investin/ledger-engine/internal/ledger"
	"github.com/investin/ledger-engine/internal/model"
)

const (
	DefaultLeaderboardSize = 10
	MaxLeaderboardSize     = 100
)

// rankLess orders by net worth descending, then username and ID so the
// ranking is total and stable.
func rankLess(a, b model.LeaderboardEntry) bool {
	if c := a.NetWorth.Cmp(b.NetWorth); c != 0 {
		return c > 0
	}
	if a.Username != b.Username {
		return a.Username < b.Username
	}
	return a.AccountID < b.AccountID
}

// Leaderboard ranks every account by wallet plus holdings at current
// prices. limit is clamped to [1, MaxLeaderboardSize]; zero means
// DefaultLeaderboardSize.
func (s *Service) Leaderboard(ctx context.Context, limit int) ([]model.LeaderboardEntry, error) {
	switch {
	case limit <= 0:
		limit = DefaultLeaderboardSize
	case limit > MaxLeaderboardSize:
		limit = MaxLeaderboardSize
	}

	accounts, err := s.store.ListAccounts(ctx)
	if err != nil {
		return nil, &ledger.StoreError{Op: "list accounts", Err: err}
	}

	index := btree.NewG[model.LeaderboardEntry](16, rankLess)
	in := s.newInstruments()
	for _, a := range accounts {
		holdings, err := s.holdings(ctx, a.ID, in)
		if err != nil {
			return nil, err
		}
		value := decimal.Zero
		for _, h := range holdings {
			value = value.Add(h.MarketValue)
		}
		index.ReplaceOrInsert(model.LeaderboardEntry{
			AccountID:     a.ID,
			Username:      a.Username,
			NetWorth:      a.WalletBalance.Add(value),
			WalletBalance: a.WalletBalance,
			HoldingsValue: value,
		})
	}

	result := make([]model.LeaderboardEntry, 0, min(limit, index.Len()))
	index.Ascend(func(e model.LeaderboardEntry) bool {
		e.Rank = len(result) + 1
		result = append(result, e)
		return len(result) < limit
	})
	return result, nil
}
