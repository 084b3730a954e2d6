// Package ledger applies BUY and SELL orders to an account's wallet and
// positions and records every execution as an immutable ledger entry.
//
// All monetary values use shopspring/decimal, never float64.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"

	"github.com/investin/ledger-engine/internal/metrics"
	"github.com/investin/ledger-engine/internal/model"
	"github.com/investin/ledger-engine/internal/store"
)

// DefaultSignupCredits is the wallet balance of a newly opened account
// unless WithSignupCredits says otherwise.
var DefaultSignupCredits = decimal.NewFromInt(10000)

// Order is a request to buy or sell whole units of one instrument.
type Order struct {
	AccountID    string
	InstrumentID string
	Side         model.Side
	Quantity     int64
	UnitPrice    decimal.Decimal
}

// Validate checks the order shape without touching any state.
func (o Order) Validate() error {
	switch {
	case strings.TrimSpace(o.AccountID) == "":
		return fmt.Errorf("%w: account_id is required", ErrInvalidOrder)
	case strings.TrimSpace(o.InstrumentID) == "":
		return fmt.Errorf("%w: instrument_id is required", ErrInvalidOrder)
	case !o.Side.Valid():
		return fmt.Errorf("%w: side must be BUY or SELL", ErrInvalidOrder)
	case o.Quantity <= 0:
		return fmt.Errorf("%w: quantity must be a positive integer", ErrInvalidOrder)
	case !o.UnitPrice.IsPositive():
		return fmt.Errorf("%w: unit_price must be positive", ErrInvalidOrder)
	case !RoundMoney(o.UnitPrice).IsPositive():
		return fmt.Errorf("%w: unit_price must be at least 0.01 after rounding to cents", ErrInvalidOrder)
	}
	return nil
}

// Execution is the outcome of a successful order: the appended entry and
// snapshots of the account and position after the commit.
type Execution struct {
	Entry    model.LedgerEntry `json:"entry"`
	Account  model.Account     `json:"account"`
	Position model.Position    `json:"position"`

	// PositionClosed is set when a sell emptied the position and its record
	// was purged. Position then carries quantity 0 and the last average.
	PositionClosed bool `json:"position_closed"`
}

// Service is the only writer of accounts and positions. Orders on the same
// account are serialized by a per-account lock; the store's version
// compare-and-swap guards against writers in other processes.
type Service struct {
	store         store.Store
	locks         *lockMap
	maxRetries    uint64
	retryDelay    time.Duration
	signupCredits decimal.Decimal
	now           func() time.Time
}

// NewService creates a ledger service over st.
func NewService(st store.Store) *Service {
	return &Service{
		store:         st,
		locks:         newLockMap(),
		maxRetries:    5,
		retryDelay:    5 * time.Millisecond,
		signupCredits: DefaultSignupCredits,
		now:           time.Now,
	}
}

// WithSignupCredits sets the balance OpenAccount grants when the caller
// passes zero credits.
func (s *Service) WithSignupCredits(credits decimal.Decimal) *Service {
	s.signupCredits = credits
	return s
}

// WithRetry sets how many times a version conflict is retried.
func (s *Service) WithRetry(maxRetries uint64, delay time.Duration) *Service {
	s.maxRetries = maxRetries
	s.retryDelay = delay
	return s
}

func (s *Service) backoff() retry.Backoff {
	return retry.WithMaxRetries(s.maxRetries, retry.NewConstant(s.retryDelay))
}

// ExecuteOrder applies one order atomically. It returns a domain error
// (ErrInvalidOrder, ErrAccountNotFound, ErrPositionNotFound,
// ErrInsufficientFunds, ErrInsufficientQuantity) or a *StoreError; in both
// cases nothing was written.
func (s *Service) ExecuteOrder(ctx context.Context, o Order) (*Execution, error) {
	start := time.Now()

	if err := o.Validate(); err != nil {
		metrics.OrderRejections.WithLabelValues(ErrInvalidOrder.Error()).Inc()
		return nil, err
	}

	unlock := s.locks.lock(o.AccountID)
	defer unlock()

	var exec *Execution
	err := retry.Do(ctx, s.backoff(), func(ctx context.Context) error {
		e, err := s.apply(ctx, o)
		if errors.Is(err, store.ErrVersionConflict) {
			metrics.VersionConflicts.Inc()
			return retry.RetryableError(err)
		}
		if err != nil {
			return err
		}
		exec = e
		return nil
	})
	if err != nil {
		err = classify("execute order", err)
		s.reject(o, err)
		return nil, err
	}

	side := string(o.Side)
	metrics.OrdersTotal.WithLabelValues(side).Inc()
	metrics.OrderLatency.WithLabelValues(side).Observe(time.Since(start).Seconds())
	metrics.OrderVolume.WithLabelValues(o.InstrumentID, side).Add(float64(o.Quantity))

	slog.Info("order executed",
		"entry_id", exec.Entry.ID,
		"account", o.AccountID,
		"instrument", o.InstrumentID,
		"side", side,
		"qty", o.Quantity,
		"unit_price", o.UnitPrice.String(),
		"total", exec.Entry.TotalAmount.String(),
		"wallet", exec.Account.WalletBalance.String(),
		"position_qty", exec.Position.Quantity,
	)
	return exec, nil
}

func (s *Service) reject(o Order, err error) {
	reason := ErrUnavailable.Error()
	for _, d := range domainErrors {
		if errors.Is(err, d) {
			reason = d.Error()
			break
		}
	}
	metrics.OrderRejections.WithLabelValues(reason).Inc()

	if reason == ErrUnavailable.Error() {
		slog.Error("order failed", "account", o.AccountID, "instrument", o.InstrumentID, "err", err)
		return
	}
	slog.Debug("order rejected", "account", o.AccountID, "instrument", o.InstrumentID, "reason", reason)
}

// apply is one read-validate-commit attempt. It must run under the
// account lock.
func (s *Service) apply(ctx context.Context, o Order) (*Execution, error) {
	acct, err := s.store.GetAccount(ctx, o.AccountID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, o.AccountID)
		}
		return nil, &StoreError{Op: "get account", Err: err}
	}

	pos, err := s.store.GetPosition(ctx, o.AccountID, o.InstrumentID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return nil, &StoreError{Op: "get position", Err: err}
		}
		pos = nil
	}

	total := OrderTotal(o.Quantity, o.UnitPrice)
	now := s.now().UTC()

	next := *acct
	next.UpdatedAt = now

	var (
		newPos model.Position
		purge  bool
	)
	switch o.Side {
	case model.SideBuy:
		if pos != nil && o.Quantity > math.MaxInt64-pos.Quantity {
			return nil, fmt.Errorf("%w: position of %d cannot grow by %d", ErrInvalidOrder, pos.Quantity, o.Quantity)
		}
		if acct.WalletBalance.LessThan(total) {
			return nil, fmt.Errorf("%w: requires %s, available %s",
				ErrInsufficientFunds, total.StringFixed(CurrencyPlaces), acct.WalletBalance.StringFixed(CurrencyPlaces))
		}
		next.WalletBalance = acct.WalletBalance.Sub(total)
		newPos = buy(pos, o, now)

	case model.SideSell:
		if pos == nil || pos.Quantity == 0 {
			return nil, fmt.Errorf("%w: %s holds no %s", ErrPositionNotFound, o.AccountID, o.InstrumentID)
		}
		if pos.Quantity < o.Quantity {
			return nil, fmt.Errorf("%w: holding %d, selling %d", ErrInsufficientQuantity, pos.Quantity, o.Quantity)
		}
		next.WalletBalance = acct.WalletBalance.Add(total)
		if next.WalletBalance.GreaterThan(model.MaxBalance) {
			return nil, fmt.Errorf("%w: proceeds would exceed the wallet limit of %s", ErrInvalidOrder, model.MaxBalance)
		}
		newPos = sell(*pos, o.Quantity, now)
		purge = newPos.Quantity == 0
	}

	entry := model.LedgerEntry{
		ID:           uuid.NewString(),
		AccountID:    o.AccountID,
		InstrumentID: o.InstrumentID,
		Side:         o.Side,
		Quantity:     o.Quantity,
		UnitPrice:    o.UnitPrice,
		TotalAmount:  total,
		Timestamp:    now,
	}

	err = s.store.CommitOrder(ctx, store.Commit{
		Account:         &next,
		ExpectedVersion: acct.Version,
		Position:        &newPos,
		PurgePosition:   purge,
		Entry:           &entry,
	})
	if err != nil {
		return nil, &StoreError{Op: "commit order", Err: err}
	}

	return &Execution{
		Entry:          entry,
		Account:        next,
		Position:       newPos,
		PositionClosed: purge,
	}, nil
}

// buy adds units at unitPrice. The raw weighted sum is accumulated and
// divided once, never chained through rounded averages.
func buy(pos *model.Position, o Order, now time.Time) model.Position {
	cost := decimal.NewFromInt(o.Quantity).Mul(o.UnitPrice)

	if pos == nil || pos.Quantity == 0 {
		return model.Position{
			AccountID:    o.AccountID,
			InstrumentID: o.InstrumentID,
			Quantity:     o.Quantity,
			AveragePrice: AveragePrice(cost, o.Quantity),
			CostBasis:    cost,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
	}

	next := *pos
	next.Quantity = pos.Quantity + o.Quantity
	next.CostBasis = pos.CostBasis.Add(cost)
	next.AveragePrice = AveragePrice(next.CostBasis, next.Quantity)
	next.UpdatedAt = now
	return next
}

// sell removes units. The average price is left as is.
func sell(pos model.Position, quantity int64, now time.Time) model.Position {
	remaining := pos.Quantity - quantity
	next := pos
	next.Quantity = remaining
	next.CostBasis = remainingBasis(pos.CostBasis, pos.Quantity, remaining)
	next.UpdatedAt = now
	return next
}

// OpenAccount provisions an account funded with signup credits. A zero
// credits value means the service's signup credits (see WithSignupCredits).
func (s *Service) OpenAccount(ctx context.Context, username string, credits decimal.Decimal) (*model.Account, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, fmt.Errorf("%w: username is required", ErrInvalidAccount)
	}
	if credits.IsZero() {
		credits = s.signupCredits
	}
	credits = RoundMoney(credits)
	if credits.IsNegative() {
		return nil, fmt.Errorf("%w: signup credits must not be negative", ErrInvalidAccount)
	}
	if credits.GreaterThan(model.MaxBalance) {
		return nil, fmt.Errorf("%w: signup credits must not exceed %s", ErrInvalidAccount, model.MaxBalance)
	}

	now := s.now().UTC()
	acct := &model.Account{
		ID:                 uuid.NewString(),
		Username:           username,
		WalletBalance:      credits,
		TotalCreditsEarned: credits,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.store.CreateAccount(ctx, acct); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil, fmt.Errorf("%w: %s", ErrAccountExists, username)
		}
		return nil, &StoreError{Op: "create account", Err: err}
	}

	slog.Info("account opened", "account", acct.ID, "username", username, "credits", credits.String())
	return acct, nil
}

// AddCredits tops up an account's wallet. Both the wallet balance and the
// lifetime credits counter grow by amount rounded to cents.
func (s *Service) AddCredits(ctx context.Context, accountID string, amount decimal.Decimal) (*model.Account, error) {
	amount = RoundMoney(amount)
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidAmount)
	}

	unlock := s.locks.lock(accountID)
	defer unlock()

	var updated *model.Account
	err := retry.Do(ctx, s.backoff(), func(ctx context.Context) error {
		acct, err := s.store.GetAccount(ctx, accountID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
			}
			return &StoreError{Op: "get account", Err: err}
		}

		next := *acct
		next.WalletBalance = acct.WalletBalance.Add(amount)
		next.TotalCreditsEarned = acct.TotalCreditsEarned.Add(amount)
		if next.WalletBalance.GreaterThan(model.MaxBalance) || next.TotalCreditsEarned.GreaterThan(model.MaxBalance) {
			return fmt.Errorf("%w: balance would exceed %s", ErrInvalidAmount, model.MaxBalance)
		}
		next.UpdatedAt = s.now().UTC()

		if err := s.store.UpdateAccount(ctx, &next, acct.Version); err != nil {
			if errors.Is(err, store.ErrVersionConflict) {
				metrics.VersionConflicts.Inc()
				return retry.RetryableError(err)
			}
			return &StoreError{Op: "update account", Err: err}
		}
		updated = &next
		return nil
	})
	if err != nil {
		return nil, classify("add credits", err)
	}

	metrics.CreditsAdded.Inc()
	slog.Info("credits added",
		"account", accountID,
		"amount", amount.String(),
		"wallet", updated.WalletBalance.String(),
	)
	return updated, nil
}

// Account returns the current account snapshot.
func (s *Service) Account(ctx context.Context, accountID string) (*model.Account, error) {
	acct, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
		}
		return nil, &StoreError{Op: "get account", Err: err}
	}
	return acct, nil
}

// Entries returns the account's ledger, newest first.
func (s *Service) Entries(ctx context.Context, accountID string) ([]model.LedgerEntry, error) {
	if _, err := s.Account(ctx, accountID); err != nil {
		return nil, err
	}
	entries, err := s.store.ListLedgerEntries(ctx, accountID)
	if err != nil {
		return nil, &StoreError{Op: "list ledger entries", Err: err}
	}
	return entries, nil
}
