package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/investin/ledger-engine/internal/ledger"
	"github.com/investin/ledger-engine/internal/model"
	"github.com/investin/ledger-engine/internal/store"
)

func priceGen() *rapid.Generator[decimal.Decimal] {
	return rapid.Custom(func(t *rapid.T) decimal.Decimal {
		cents := rapid.Int64Range(1, 50_000).Draw(t, "cents")
		return decimal.New(cents, -2)
	})
}

func newRapidEnv(t *rapid.T, wallet decimal.Decimal) (*ledger.Service, *store.MemoryStore) {
	ms := store.NewMemoryStore()
	now := time.Now().UTC()
	err := ms.CreateAccount(context.Background(), &model.Account{
		ID:                 testAccount,
		Username:           "prop",
		WalletBalance:      wallet,
		TotalCreditsEarned: wallet,
		CreatedAt:          now,
		UpdatedAt:          now,
	})
	if err != nil {
		t.Fatalf("seed account: %v", err)
	}
	return ledger.NewService(ms), ms
}

// Buys only: the average is always round2(sum(q*p) / sum(q)).
func TestProperty_WeightedAverage(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		svc, _ := newRapidEnv(t, decimal.NewFromInt(1_000_000_000))

		n := rapid.IntRange(1, 20).Draw(t, "buys")
		sumQP := decimal.Zero
		var sumQ int64
		for i := 0; i < n; i++ {
			qty := rapid.Int64Range(1, 500).Draw(t, fmt.Sprintf("qty%d", i))
			price := priceGen().Draw(t, fmt.Sprintf("price%d", i))

			exec, err := svc.ExecuteOrder(context.Background(), ledger.Order{
				AccountID:    testAccount,
				InstrumentID: testInstrument,
				Side:         model.SideBuy,
				Quantity:     qty,
				UnitPrice:    price,
			})
			if err != nil {
				t.Fatalf("buy %d: %v", i, err)
			}

			sumQP = sumQP.Add(decimal.NewFromInt(qty).Mul(price))
			sumQ += qty

			want := sumQP.DivRound(decimal.NewFromInt(sumQ), 2)
			if !exec.Position.AveragePrice.Equal(want) {
				t.Fatalf("after buy %d: average %s, want %s", i, exec.Position.AveragePrice, want)
			}
			if exec.Position.Quantity != sumQ {
				t.Fatalf("after buy %d: quantity %d, want %d", i, exec.Position.Quantity, sumQ)
			}
		}
	})
}

// refState mirrors what the ledger should hold after each order.
type refState struct {
	wallet  decimal.Decimal
	qty     int64
	average decimal.Decimal
	entries int
}

// Random BUY/SELL sequences: wallet moves by exactly the rounded total,
// sells keep the average, and rejected orders change nothing.
func TestProperty_WalletArithmetic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		start := decimal.New(rapid.Int64Range(0, 5_000_000).Draw(t, "wallet_cents"), -2)
		svc, ms := newRapidEnv(t, start)
		ctx := context.Background()

		ref := refState{wallet: start}
		n := rapid.IntRange(1, 40).Draw(t, "orders")
		for i := 0; i < n; i++ {
			side := rapid.SampledFrom([]model.Side{model.SideBuy, model.SideSell}).Draw(t, fmt.Sprintf("side%d", i))
			qty := rapid.Int64Range(1, 50).Draw(t, fmt.Sprintf("qty%d", i))
			price := priceGen().Draw(t, fmt.Sprintf("price%d", i))
			total := decimal.NewFromInt(qty).Mul(price).Round(2)

			before, err := ms.GetAccount(ctx, testAccount)
			if err != nil {
				t.Fatalf("get account: %v", err)
			}

			exec, err := svc.ExecuteOrder(ctx, ledger.Order{
				AccountID:    testAccount,
				InstrumentID: testInstrument,
				Side:         side,
				Quantity:     qty,
				UnitPrice:    price,
			})

			var wantErr error
			switch {
			case side == model.SideBuy && ref.wallet.LessThan(total):
				wantErr = ledger.ErrInsufficientFunds
			case side == model.SideSell && ref.qty == 0:
				wantErr = ledger.ErrPositionNotFound
			case side == model.SideSell && ref.qty < qty:
				wantErr = ledger.ErrInsufficientQuantity
			}

			if wantErr != nil {
				if !errors.Is(err, wantErr) {
					t.Fatalf("order %d: err %v, want %v", i, err, wantErr)
				}
				after, err := ms.GetAccount(ctx, testAccount)
				if err != nil {
					t.Fatalf("get account: %v", err)
				}
				if !after.WalletBalance.Equal(before.WalletBalance) || after.Version != before.Version {
					t.Fatalf("order %d: rejected order changed the account", i)
				}
				entries, _ := ms.ListLedgerEntries(ctx, testAccount)
				if len(entries) != ref.entries {
					t.Fatalf("order %d: rejected order appended an entry", i)
				}
				continue
			}
			if err != nil {
				t.Fatalf("order %d: unexpected error %v", i, err)
			}

			ref.entries++
			if side == model.SideBuy {
				ref.wallet = ref.wallet.Sub(total)
				ref.qty += qty
			} else {
				ref.wallet = ref.wallet.Add(total)
				ref.qty -= qty
				if exec.Position.AveragePrice.Cmp(ref.average) != 0 {
					t.Fatalf("order %d: sell moved average %s -> %s", i, ref.average, exec.Position.AveragePrice)
				}
			}
			ref.average = exec.Position.AveragePrice

			if !exec.Account.WalletBalance.Equal(ref.wallet) {
				t.Fatalf("order %d: wallet %s, want %s", i, exec.Account.WalletBalance, ref.wallet)
			}
			if exec.Account.WalletBalance.IsNegative() {
				t.Fatalf("order %d: negative wallet %s", i, exec.Account.WalletBalance)
			}
			if exec.Position.Quantity != ref.qty {
				t.Fatalf("order %d: quantity %d, want %d", i, exec.Position.Quantity, ref.qty)
			}
			if ref.qty == 0 {
				ref.average = decimal.Zero
				if _, err := ms.GetPosition(ctx, testAccount, testInstrument); !errors.Is(err, store.ErrNotFound) {
					t.Fatalf("order %d: empty position was not purged", i)
				}
			}
		}
	})
}

// Concurrent orders on one account end in the same wallet and quantity as
// applying them one by one.
func TestExecuteOrder_ConcurrentMatchesSerial(t *testing.T) {
	const (
		workers   = 16
		perWorker = 25
	)

	var orders []ledger.Order
	for w := 0; w < workers; w++ {
		for i := 0; i < perWorker; i++ {
			side := model.SideBuy
			if (w+i)%2 == 0 {
				side = model.SideSell
			}
			orders = append(orders, ledger.Order{
				AccountID:    testAccount,
				InstrumentID: testInstrument,
				Side:         side,
				Quantity:     int64(1 + (w*7+i)%3),
				UnitPrice:    decimal.New(int64(1000+w*13+i*7), -2),
			})
		}
	}

	// Enough units and credits that no interleaving can reject an order.
	setup := func(t *testing.T) (*ledger.Service, *store.MemoryStore) {
		svc, ms := newTestEnv(t, "1000000.00")
		mustExecute(t, svc, order(model.SideBuy, 2000, "10.00"))
		return svc, ms
	}

	serialSvc, serialStore := setup(t)
	for _, o := range orders {
		mustExecute(t, serialSvc, o)
	}
	wantAcct, wantPos, wantEntries := snapshot(t, serialStore)

	svc, ms := setup(t)
	var wg sync.WaitGroup
	errs := make(chan error, len(orders))
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(batch []ledger.Order) {
			defer wg.Done()
			for _, o := range batch {
				if _, err := svc.ExecuteOrder(context.Background(), o); err != nil {
					errs <- err
				}
			}
		}(orders[w*perWorker : (w+1)*perWorker])
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent order failed: %v", err)
	}

	gotAcct, gotPos, gotEntries := snapshot(t, ms)
	requireDecimal(t, wantAcct.WalletBalance.String(), gotAcct.WalletBalance, "wallet")
	assert.Equal(t, wantAcct.Version, gotAcct.Version)
	require.NotNil(t, gotPos)
	assert.Equal(t, wantPos.Quantity, gotPos.Quantity)
	assert.Equal(t, wantEntries, gotEntries)
}

// Orders on different accounts do not block each other and never mix state.
func TestExecuteOrder_ConcurrentAccounts(t *testing.T) {
	ms := store.NewMemoryStore()
	svc := ledger.NewService(ms)

	const accounts = 8
	for i := 0; i < accounts; i++ {
		seedAccount(t, ms, fmt.Sprintf("acct-%d", i), "100.00")
	}

	var wg sync.WaitGroup
	for i := 0; i < accounts; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_, err := svc.ExecuteOrder(context.Background(), ledger.Order{
					AccountID:    id,
					InstrumentID: testInstrument,
					Side:         model.SideBuy,
					Quantity:     1,
					UnitPrice:    dec("1.50"),
				})
				assert.NoError(t, err)
			}
		}(fmt.Sprintf("acct-%d", i))
	}
	wg.Wait()

	for i := 0; i < accounts; i++ {
		acct, err := ms.GetAccount(context.Background(), fmt.Sprintf("acct-%d", i))
		require.NoError(t, err)
		requireDecimal(t, "85.00", acct.WalletBalance, acct.ID)
		assert.Equal(t, int64(10), acct.Version)
	}
}
