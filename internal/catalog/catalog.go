// Package catalog owns the tradable instruments: movies and IPL franchises
// with a current and previous price.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/investin/ledger-engine/internal/ledger"
	"github.com/investin/ledger-engine/internal/model"
	"github.com/investin/ledger-engine/internal/store"
)

var validTypes = map[string]bool{
	model.InstrumentMovie:   true,
	model.InstrumentIPLTeam: true,
}

// symbolRegex matches 2 to 6 upper-case letters or digits, e.g. PATH, AVT2, MI.
var symbolRegex = regexp.MustCompile(`^[A-Z0-9]{2,6}$`)

var (
	ErrInvalidSymbol = errors.New("catalog: invalid symbol")
	ErrInvalidType   = errors.New("catalog: unsupported instrument type")
	ErrInvalidPrice  = errors.New("catalog: price must be positive")
	ErrNotFound      = errors.New("catalog: instrument not found")
	ErrInactive      = errors.New("catalog: instrument is not trading")
	ErrDuplicate     = errors.New("catalog: symbol already listed")
)

// ParseSymbol normalizes and validates a ticker symbol.
func ParseSymbol(symbol string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if !symbolRegex.MatchString(s) {
		return "", fmt.Errorf("%w: %q (expected 2-6 letters or digits)", ErrInvalidSymbol, symbol)
	}
	return s, nil
}

// ValidType reports whether t is a known instrument type.
func ValidType(t string) bool {
	return validTypes[t]
}

// ChangePercent is the move from previous to current price in percent,
// rounded to cents. Zero when there is no previous price.
func ChangePercent(inst model.Instrument) decimal.Decimal {
	if !inst.PreviousPrice.IsPositive() {
		return decimal.Zero
	}
	return inst.CurrentPrice.Sub(inst.PreviousPrice).
		Div(inst.PreviousPrice).
		Mul(decimal.NewFromInt(100)).
		Round(2)
}

// Catalog reads and maintains instruments in the store.
type Catalog struct {
	store   store.Store
	publish func(model.Instrument)
	now     func() time.Time
}

// New creates a catalog over st.
func New(st store.Store) *Catalog {
	return &Catalog{store: st, now: time.Now}
}

// OnPriceUpdate registers fn to receive every repriced instrument.
func (c *Catalog) OnPriceUpdate(fn func(model.Instrument)) {
	c.publish = fn
}

// Create validates and lists a new instrument. ID and CreatedAt are
// assigned when empty.
func (c *Catalog) Create(ctx context.Context, inst model.Instrument) (*model.Instrument, error) {
	sym, err := ParseSymbol(inst.Symbol)
	if err != nil {
		return nil, err
	}
	if !ValidType(inst.Type) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidType, inst.Type)
	}
	if !inst.CurrentPrice.IsPositive() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPrice, inst.CurrentPrice)
	}

	inst.Symbol = sym
	inst.CurrentPrice = inst.CurrentPrice.Round(2)
	if inst.PreviousPrice.IsZero() {
		inst.PreviousPrice = inst.CurrentPrice
	}
	if inst.ID == "" {
		inst.ID = uuid.NewString()
	}
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = c.now().UTC()
	}

	if err := c.store.CreateInstrument(ctx, &inst); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicate, sym)
		}
		return nil, &ledger.StoreError{Op: "create instrument " + sym, Err: err}
	}
	return &inst, nil
}

// List returns the active instruments, optionally filtered by type.
func (c *Catalog) List(ctx context.Context, instType string) ([]model.Instrument, error) {
	if instType != "" && !ValidType(instType) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidType, instType)
	}
	list, err := c.store.ListInstruments(ctx, instType)
	if err != nil {
		return nil, &ledger.StoreError{Op: "list instruments", Err: err}
	}
	if list == nil {
		list = []model.Instrument{}
	}
	return list, nil
}

// Get returns one instrument by ID.
func (c *Catalog) Get(ctx context.Context, id string) (*model.Instrument, error) {
	inst, err := c.store.GetInstrument(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, &ledger.StoreError{Op: "get instrument", Err: err}
	}
	return inst, nil
}

// Quote returns the current price of a tradable instrument.
func (c *Catalog) Quote(ctx context.Context, id string) (decimal.Decimal, error) {
	inst, err := c.Get(ctx, id)
	if err != nil {
		return decimal.Zero, err
	}
	if !inst.IsActive {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrInactive, inst.Symbol)
	}
	return inst.CurrentPrice, nil
}

// UpdatePrice reprices an instrument. The old current price becomes the
// previous price.
func (c *Catalog) UpdatePrice(ctx context.Context, id string, price decimal.Decimal) (*model.Instrument, error) {
	price = price.Round(2)
	if !price.IsPositive() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPrice, price)
	}

	if err := c.store.UpdateInstrumentPrice(ctx, id, price); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, &ledger.StoreError{Op: "update instrument price", Err: err}
	}

	inst, err := c.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	slog.Info("price updated",
		"instrument", inst.ID,
		"symbol", inst.Symbol,
		"previous", inst.PreviousPrice.String(),
		"current", inst.CurrentPrice.String(),
	)

	if c.publish != nil {
		c.publish(*inst)
	}
	return inst, nil
}
