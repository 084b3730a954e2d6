package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/investin/ledger-engine/internal/ledger"
	"github.com/investin/ledger-engine/internal/model"
	"github.com/investin/ledger-engine/internal/store"
)

const (
	testAccount    = "acct-1"
	testInstrument = "inst-path"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func requireDecimal(t require.TestingT, want string, got decimal.Decimal, what string) {
	if h, ok := t.(interface{ Helper() }); ok {
		h.Helper()
	}
	require.True(t, dec(want).Equal(got), "%s: want %s, got %s", what, want, got)
}

// newTestEnv creates a ledger over an in-memory store with one funded account.
func newTestEnv(t *testing.T, wallet string) (*ledger.Service, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	seedAccount(t, ms, testAccount, wallet)
	return ledger.NewService(ms).WithRetry(3, time.Millisecond), ms
}

func seedAccount(t *testing.T, ms *store.MemoryStore, id, wallet string) {
	t.Helper()
	now := time.Now().UTC()
	err := ms.CreateAccount(context.Background(), &model.Account{
		ID:                 id,
		Username:           "user-" + id,
		WalletBalance:      dec(wallet),
		TotalCreditsEarned: dec(wallet),
		CreatedAt:          now,
		UpdatedAt:          now,
	})
	require.NoError(t, err)
}

func order(side model.Side, qty int64, price string) ledger.Order {
	return ledger.Order{
		AccountID:    testAccount,
		InstrumentID: testInstrument,
		Side:         side,
		Quantity:     qty,
		UnitPrice:    dec(price),
	}
}

func mustExecute(t *testing.T, svc *ledger.Service, o ledger.Order) *ledger.Execution {
	t.Helper()
	exec, err := svc.ExecuteOrder(context.Background(), o)
	require.NoError(t, err)
	return exec
}

func snapshot(t *testing.T, ms *store.MemoryStore) (*model.Account, *model.Position, int) {
	t.Helper()
	ctx := context.Background()
	acct, err := ms.GetAccount(ctx, testAccount)
	require.NoError(t, err)
	pos, err := ms.GetPosition(ctx, testAccount, testInstrument)
	if errors.Is(err, store.ErrNotFound) {
		pos = nil
	} else {
		require.NoError(t, err)
	}
	entries, err := ms.ListLedgerEntries(ctx, testAccount)
	require.NoError(t, err)
	return acct, pos, len(entries)
}

// --- Concrete scenarios ---

func TestExecuteOrder_BuyThenUnaffordableBuy(t *testing.T) {
	svc, ms := newTestEnv(t, "1000.00")

	exec := mustExecute(t, svc, order(model.SideBuy, 5, "100.00"))
	requireDecimal(t, "500.00", exec.Account.WalletBalance, "wallet")
	assert.Equal(t, int64(5), exec.Position.Quantity)
	requireDecimal(t, "100.00", exec.Position.AveragePrice, "average")
	requireDecimal(t, "500.00", exec.Entry.TotalAmount, "total")

	acctBefore, posBefore, entriesBefore := snapshot(t, ms)

	// 5 @ 140.00 costs 700.00 against a 500.00 wallet.
	_, err := svc.ExecuteOrder(context.Background(), order(model.SideBuy, 5, "140.00"))
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	acctAfter, posAfter, entriesAfter := snapshot(t, ms)
	assert.Equal(t, acctBefore, acctAfter)
	assert.Equal(t, posBefore, posAfter)
	assert.Equal(t, entriesBefore, entriesAfter)
	requireDecimal(t, "500.00", acctAfter.WalletBalance, "wallet")
	assert.Equal(t, int64(5), posAfter.Quantity)
	requireDecimal(t, "100.00", posAfter.AveragePrice, "average")
}

func TestExecuteOrder_SellKeepsAveragePrice(t *testing.T) {
	svc, _ := newTestEnv(t, "2000.00")

	mustExecute(t, svc, order(model.SideBuy, 5, "100.00"))
	exec := mustExecute(t, svc, order(model.SideBuy, 5, "140.00"))
	assert.Equal(t, int64(10), exec.Position.Quantity)
	requireDecimal(t, "120.00", exec.Position.AveragePrice, "average")
	requireDecimal(t, "800.00", exec.Account.WalletBalance, "wallet")

	exec = mustExecute(t, svc, order(model.SideSell, 4, "150.00"))
	assert.Equal(t, int64(6), exec.Position.Quantity)
	requireDecimal(t, "120.00", exec.Position.AveragePrice, "average")
	requireDecimal(t, "1400.00", exec.Account.WalletBalance, "wallet")
	requireDecimal(t, "600.00", exec.Entry.TotalAmount, "total")
	assert.False(t, exec.PositionClosed)

	// Buying again averages against the remaining 6 units at 120.00.
	exec = mustExecute(t, svc, order(model.SideBuy, 4, "100.00"))
	assert.Equal(t, int64(10), exec.Position.Quantity)
	requireDecimal(t, "112.00", exec.Position.AveragePrice, "average")
}

func TestExecuteOrder_SellToZeroPurgesPosition(t *testing.T) {
	svc, ms := newTestEnv(t, "1000.00")

	mustExecute(t, svc, order(model.SideBuy, 3, "50.00"))
	exec := mustExecute(t, svc, order(model.SideSell, 3, "60.00"))

	assert.True(t, exec.PositionClosed)
	assert.Equal(t, int64(0), exec.Position.Quantity)
	requireDecimal(t, "50.00", exec.Position.AveragePrice, "last average")
	requireDecimal(t, "1030.00", exec.Account.WalletBalance, "wallet")

	_, err := ms.GetPosition(context.Background(), testAccount, testInstrument)
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = svc.ExecuteOrder(context.Background(), order(model.SideSell, 1, "60.00"))
	require.ErrorIs(t, err, ledger.ErrPositionNotFound)

	// A fresh buy reopens at the new price, not the stale average.
	exec = mustExecute(t, svc, order(model.SideBuy, 2, "75.00"))
	assert.Equal(t, int64(2), exec.Position.Quantity)
	requireDecimal(t, "75.00", exec.Position.AveragePrice, "average")
}

// --- Validation and rejections ---

func TestExecuteOrder_InvalidOrders(t *testing.T) {
	tests := []struct {
		name  string
		order ledger.Order
	}{
		{"zero quantity", order(model.SideBuy, 0, "10.00")},
		{"negative quantity", order(model.SideBuy, -3, "10.00")},
		{"zero price", order(model.SideBuy, 1, "0")},
		{"negative price", order(model.SideSell, 1, "-1.50")},
		{"sub-cent price", order(model.SideBuy, 1, "0.004")},
		{"sub-cent price many units", order(model.SideBuy, 3, "0.004")},
		{"unknown side", order("HOLD", 1, "10.00")},
		{"missing instrument", ledger.Order{AccountID: testAccount, Side: model.SideBuy, Quantity: 1, UnitPrice: dec("1")}},
		{"missing account", ledger.Order{InstrumentID: testInstrument, Side: model.SideBuy, Quantity: 1, UnitPrice: dec("1")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, ms := newTestEnv(t, "1000.00")
			acctBefore, _, _ := snapshot(t, ms)

			_, err := svc.ExecuteOrder(context.Background(), tt.order)
			require.ErrorIs(t, err, ledger.ErrInvalidOrder)
			assert.True(t, ledger.IsDomainError(err))

			acctAfter, pos, entries := snapshot(t, ms)
			assert.Equal(t, acctBefore, acctAfter)
			assert.Nil(t, pos)
			assert.Zero(t, entries)
		})
	}
}

func TestExecuteOrder_HalfCentPriceRoundsUp(t *testing.T) {
	svc, _ := newTestEnv(t, "100.00")

	exec := mustExecute(t, svc, order(model.SideBuy, 1, "0.005"))
	requireDecimal(t, "0.01", exec.Entry.TotalAmount, "total")
	requireDecimal(t, "0.01", exec.Position.AveragePrice, "average")
	requireDecimal(t, "99.99", exec.Account.WalletBalance, "wallet")
}

func TestExecuteOrder_QuantityOverflowRejected(t *testing.T) {
	svc, ms := newTestEnv(t, "100000000000000000000000000000")

	mustExecute(t, svc, order(model.SideBuy, math.MaxInt64, "1.00"))
	acctBefore, posBefore, entriesBefore := snapshot(t, ms)

	_, err := svc.ExecuteOrder(context.Background(), order(model.SideBuy, 1, "1.00"))
	require.ErrorIs(t, err, ledger.ErrInvalidOrder)

	acctAfter, posAfter, entriesAfter := snapshot(t, ms)
	assert.Equal(t, acctBefore, acctAfter)
	assert.Equal(t, posBefore, posAfter)
	assert.Equal(t, int64(math.MaxInt64), posAfter.Quantity)
	assert.Equal(t, entriesBefore, entriesAfter)
}

func TestExecuteOrder_SellProceedsOverWalletLimit(t *testing.T) {
	svc, ms := newTestEnv(t, "999999999999.00")

	mustExecute(t, svc, order(model.SideBuy, 1, "1.00"))
	acctBefore, posBefore, _ := snapshot(t, ms)

	_, err := svc.ExecuteOrder(context.Background(), order(model.SideSell, 1, "5.00"))
	require.ErrorIs(t, err, ledger.ErrInvalidOrder)

	acctAfter, posAfter, _ := snapshot(t, ms)
	assert.Equal(t, acctBefore, acctAfter)
	assert.Equal(t, posBefore, posAfter)
}

func TestExecuteOrder_AccountNotFound(t *testing.T) {
	svc, _ := newTestEnv(t, "1000.00")

	o := order(model.SideBuy, 1, "10.00")
	o.AccountID = "nobody"
	_, err := svc.ExecuteOrder(context.Background(), o)
	require.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

func TestExecuteOrder_SellWithoutPosition(t *testing.T) {
	svc, ms := newTestEnv(t, "1000.00")
	acctBefore, _, _ := snapshot(t, ms)

	_, err := svc.ExecuteOrder(context.Background(), order(model.SideSell, 1, "10.00"))
	require.ErrorIs(t, err, ledger.ErrPositionNotFound)

	acctAfter, _, entries := snapshot(t, ms)
	assert.Equal(t, acctBefore, acctAfter)
	assert.Zero(t, entries)
}

func TestExecuteOrder_OversellLeavesStateUnchanged(t *testing.T) {
	svc, ms := newTestEnv(t, "1000.00")
	mustExecute(t, svc, order(model.SideBuy, 4, "25.00"))

	acctBefore, posBefore, entriesBefore := snapshot(t, ms)

	_, err := svc.ExecuteOrder(context.Background(), order(model.SideSell, 5, "30.00"))
	require.ErrorIs(t, err, ledger.ErrInsufficientQuantity)

	acctAfter, posAfter, entriesAfter := snapshot(t, ms)
	assert.Equal(t, acctBefore, acctAfter)
	assert.Equal(t, posBefore, posAfter)
	assert.Equal(t, entriesBefore, entriesAfter)
}

func TestExecuteOrder_BuyExactWalletBalance(t *testing.T) {
	svc, _ := newTestEnv(t, "300.00")

	exec := mustExecute(t, svc, order(model.SideBuy, 3, "100.00"))
	requireDecimal(t, "0", exec.Account.WalletBalance, "wallet")
}

// --- Arithmetic ---

func TestExecuteOrder_TotalRoundsHalfAwayFromZero(t *testing.T) {
	svc, _ := newTestEnv(t, "1000.00")

	// 3 * 33.335 = 100.005
	exec := mustExecute(t, svc, order(model.SideBuy, 3, "33.335"))
	requireDecimal(t, "100.01", exec.Entry.TotalAmount, "total")
	requireDecimal(t, "899.99", exec.Account.WalletBalance, "wallet")
}

func TestExecuteOrder_AverageIsNotChainedThroughRounding(t *testing.T) {
	svc, _ := newTestEnv(t, "1000.00")

	mustExecute(t, svc, order(model.SideBuy, 1, "0.01"))
	exec := mustExecute(t, svc, order(model.SideBuy, 1, "0.02"))
	requireDecimal(t, "0.02", exec.Position.AveragePrice, "rounded 0.015")

	// Exact: 0.05 / 4 = 0.0125 -> 0.01. Chaining the rounded 0.02 would give 0.02.
	exec = mustExecute(t, svc, order(model.SideBuy, 2, "0.01"))
	requireDecimal(t, "0.01", exec.Position.AveragePrice, "average")
	requireDecimal(t, "0.05", exec.Position.CostBasis, "cost basis")
}

func TestExecuteOrder_LedgerEntryRecorded(t *testing.T) {
	svc, ms := newTestEnv(t, "1000.00")

	exec := mustExecute(t, svc, order(model.SideBuy, 2, "12.50"))

	entries, err := ms.ListLedgerEntries(context.Background(), testAccount)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	e := entries[0]
	assert.Equal(t, exec.Entry.ID, e.ID)
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, model.SideBuy, e.Side)
	assert.Equal(t, int64(2), e.Quantity)
	requireDecimal(t, "12.50", e.UnitPrice, "unit price")
	requireDecimal(t, "25.00", e.TotalAmount, "total")
	assert.False(t, e.Timestamp.IsZero())
}

// --- Balance adjustment ---

func TestAddCredits(t *testing.T) {
	svc, ms := newTestEnv(t, "100.00")

	acct, err := svc.AddCredits(context.Background(), testAccount, dec("250.255"))
	require.NoError(t, err)
	requireDecimal(t, "350.26", acct.WalletBalance, "wallet")
	requireDecimal(t, "350.26", acct.TotalCreditsEarned, "earned")

	stored, err := ms.GetAccount(context.Background(), testAccount)
	require.NoError(t, err)
	assert.Equal(t, acct.Version, stored.Version)

	// Selling does not count as earned credits.
	mustExecute(t, svc, order(model.SideBuy, 1, "10.00"))
	exec := mustExecute(t, svc, order(model.SideSell, 1, "20.00"))
	requireDecimal(t, "360.26", exec.Account.WalletBalance, "wallet")
	requireDecimal(t, "350.26", exec.Account.TotalCreditsEarned, "earned")
}

func TestAddCredits_Rejections(t *testing.T) {
	svc, _ := newTestEnv(t, "100.00")

	_, err := svc.AddCredits(context.Background(), testAccount, decimal.Zero)
	require.ErrorIs(t, err, ledger.ErrInvalidAmount)

	_, err = svc.AddCredits(context.Background(), testAccount, dec("-5"))
	require.ErrorIs(t, err, ledger.ErrInvalidAmount)

	_, err = svc.AddCredits(context.Background(), testAccount, dec("0.004"))
	require.ErrorIs(t, err, ledger.ErrInvalidAmount)

	_, err = svc.AddCredits(context.Background(), "nobody", dec("5"))
	require.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

func TestAddCredits_WalletLimit(t *testing.T) {
	svc, ms := newTestEnv(t, "999999999000.00")

	acct, err := svc.AddCredits(context.Background(), testAccount, dec("999.99"))
	require.NoError(t, err)
	requireDecimal(t, model.MaxBalance.String(), acct.WalletBalance, "wallet")

	_, err = svc.AddCredits(context.Background(), testAccount, dec("0.01"))
	require.ErrorIs(t, err, ledger.ErrInvalidAmount)

	stored, err := ms.GetAccount(context.Background(), testAccount)
	require.NoError(t, err)
	requireDecimal(t, model.MaxBalance.String(), stored.WalletBalance, "wallet")
}

func TestOpenAccount(t *testing.T) {
	ms := store.NewMemoryStore()
	svc := ledger.NewService(ms)

	acct, err := svc.OpenAccount(context.Background(), "demo", decimal.Zero)
	require.NoError(t, err)
	assert.NotEmpty(t, acct.ID)
	requireDecimal(t, "10000.00", acct.WalletBalance, "signup credits")
	requireDecimal(t, "10000.00", acct.TotalCreditsEarned, "earned")

	_, err = svc.OpenAccount(context.Background(), "demo", decimal.Zero)
	require.ErrorIs(t, err, ledger.ErrAccountExists)

	_, err = svc.OpenAccount(context.Background(), "  ", decimal.Zero)
	require.ErrorIs(t, err, ledger.ErrInvalidAccount)

	_, err = svc.OpenAccount(context.Background(), "whale", dec("1000000000000"))
	require.ErrorIs(t, err, ledger.ErrInvalidAccount)

	acct, err = svc.OpenAccount(context.Background(), "capped", model.MaxBalance)
	require.NoError(t, err)
	requireDecimal(t, "999999999999.99", acct.WalletBalance, "signup credits")
}

func TestOpenAccount_ConfiguredSignupCredits(t *testing.T) {
	svc := ledger.NewService(store.NewMemoryStore()).WithSignupCredits(dec("2500"))

	acct, err := svc.OpenAccount(context.Background(), "newbie", decimal.Zero)
	require.NoError(t, err)
	requireDecimal(t, "2500.00", acct.WalletBalance, "signup credits")

	acct, err = svc.OpenAccount(context.Background(), "sponsored", dec("40"))
	require.NoError(t, err)
	requireDecimal(t, "40.00", acct.WalletBalance, "explicit credits")
}

// --- Infrastructure failures ---

// faultyStore fails CommitOrder a fixed number of times with err.
type faultyStore struct {
	*store.MemoryStore
	mu       sync.Mutex
	failures int
	err      error
}

func (f *faultyStore) CommitOrder(ctx context.Context, c store.Commit) error {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return f.err
	}
	f.mu.Unlock()
	return f.MemoryStore.CommitOrder(ctx, c)
}

func TestExecuteOrder_StoreFailureIsUnavailable(t *testing.T) {
	ms := store.NewMemoryStore()
	seedAccount(t, ms, testAccount, "1000.00")
	fs := &faultyStore{MemoryStore: ms, failures: 1, err: errors.New("connection reset")}
	svc := ledger.NewService(fs)

	_, err := svc.ExecuteOrder(context.Background(), order(model.SideBuy, 1, "10.00"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrUnavailable)
	assert.False(t, ledger.IsDomainError(err))

	var se *ledger.StoreError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "commit order", se.Op)

	acct, pos, entries := snapshot(t, ms)
	requireDecimal(t, "1000.00", acct.WalletBalance, "wallet")
	assert.Nil(t, pos)
	assert.Zero(t, entries)
}

func TestExecuteOrder_VersionConflictIsRetried(t *testing.T) {
	ms := store.NewMemoryStore()
	seedAccount(t, ms, testAccount, "1000.00")
	conflict := fmt.Errorf("account %s: %w", testAccount, store.ErrVersionConflict)
	fs := &faultyStore{MemoryStore: ms, failures: 2, err: conflict}
	svc := ledger.NewService(fs).WithRetry(3, time.Millisecond)

	exec, err := svc.ExecuteOrder(context.Background(), order(model.SideBuy, 1, "10.00"))
	require.NoError(t, err)
	requireDecimal(t, "990.00", exec.Account.WalletBalance, "wallet")

	_, _, entries := snapshot(t, ms)
	assert.Equal(t, 1, entries)
}

func TestExecuteOrder_VersionConflictExhausted(t *testing.T) {
	ms := store.NewMemoryStore()
	seedAccount(t, ms, testAccount, "1000.00")
	conflict := fmt.Errorf("account %s: %w", testAccount, store.ErrVersionConflict)
	fs := &faultyStore{MemoryStore: ms, failures: 10, err: conflict}
	svc := ledger.NewService(fs).WithRetry(2, time.Millisecond)

	_, err := svc.ExecuteOrder(context.Background(), order(model.SideBuy, 1, "10.00"))
	require.ErrorIs(t, err, ledger.ErrUnavailable)
	assert.ErrorIs(t, err, store.ErrVersionConflict)

	acct, _, entries := snapshot(t, ms)
	requireDecimal(t, "1000.00", acct.WalletBalance, "wallet")
	assert.Zero(t, entries)
}

func TestExecuteOrder_ExternalWriterBumpsVersion(t *testing.T) {
	svc, ms := newTestEnv(t, "1000.00")
	ctx := context.Background()

	acct, err := ms.GetAccount(ctx, testAccount)
	require.NoError(t, err)
	assert.Equal(t, int64(0), acct.Version)

	exec := mustExecute(t, svc, order(model.SideBuy, 1, "10.00"))
	assert.Equal(t, int64(1), exec.Account.Version)

	// A stale writer holding version 0 must lose.
	acct.WalletBalance = dec("5000")
	err = ms.UpdateAccount(ctx, acct, 0)
	require.ErrorIs(t, err, store.ErrVersionConflict)
}
