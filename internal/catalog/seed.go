package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/investin/ledger-engine/internal/ledger"
	"github.com/investin/ledger-engine/internal/model"
	"github.com/investin/ledger-engine/internal/store"
)

func price(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// DemoInstruments is the launch catalog.
var DemoInstruments = []model.Instrument{
	{
		Symbol: "PATH", Name: "Pathaan", Type: model.InstrumentMovie,
		Category: "Bollywood", Description: "Bollywood Action",
		ImageURL:     "https://images.unsplash.com/photo-1489599904632-8421fd8675c2?w=400&h=600",
		CurrentPrice: price("850.00"), PreviousPrice: price("680.00"), MarketCap: price("2520000000.00"),
	},
	{
		Symbol: "AVT2", Name: "Avatar 2", Type: model.InstrumentMovie,
		Category: "Hollywood", Description: "Hollywood Sci-Fi",
		ImageURL:     "https://images.unsplash.com/photo-1578662996442-48f60103fc96?w=400&h=600",
		CurrentPrice: price("2100.00"), PreviousPrice: price("1820.00"), MarketCap: price("4200000000.00"),
	},
	{
		Symbol: "JAWU", Name: "Jawan", Type: model.InstrumentMovie,
		Category: "Bollywood", Description: "Shah Rukh Khan",
		ImageURL:     "https://images.unsplash.com/photo-1489599904632-8421fd8675c2?w=400&h=600",
		CurrentPrice: price("720.00"), PreviousPrice: price("665.00"), MarketCap: price("2520000000.00"),
	},
	{
		Symbol: "MI", Name: "Mumbai Indians", Type: model.InstrumentIPLTeam,
		Category: "IPL Team", Description: "5 Titles",
		ImageURL:     "https://images.unsplash.com/photo-1540747913346-19e32dc3e97e?w=400&h=400",
		CurrentPrice: price("1250.00"), PreviousPrice: price("1053.00"), MarketCap: price("4280000000.00"),
	},
	{
		Symbol: "CSK", Name: "Chennai Super Kings", Type: model.InstrumentIPLTeam,
		Category: "IPL Team", Description: "4 Titles",
		ImageURL:     "https://images.unsplash.com/photo-1578662996442-48f60103fc96?w=400&h=400",
		CurrentPrice: price("1180.00"), PreviousPrice: price("1208.00"), MarketCap: price("3540000000.00"),
	},
	{
		Symbol: "RCB", Name: "Royal Challengers Bangalore", Type: model.InstrumentIPLTeam,
		Category: "IPL Team", Description: "Virat Kohli",
		ImageURL:     "https://images.unsplash.com/photo-1540747913346-19e32dc3e97e?w=400&h=400",
		CurrentPrice: price("980.00"), PreviousPrice: price("930.00"), MarketCap: price("2940000000.00"),
	},
}

// Seed lists every demo instrument whose symbol is not taken yet and
// returns how many were created. It is safe to run on every start.
func (c *Catalog) Seed(ctx context.Context) (int, error) {
	created := 0
	for _, inst := range DemoInstruments {
		_, err := c.store.GetInstrumentBySymbol(ctx, inst.Symbol)
		if err == nil {
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			return created, &ledger.StoreError{Op: "seed " + inst.Symbol, Err: err}
		}

		inst.IsActive = true
		if _, err := c.Create(ctx, inst); err != nil {
			if errors.Is(err, ErrDuplicate) {
				continue
			}
			return created, fmt.Errorf("seed %s: %w", inst.Symbol, err)
		}
		created++
	}
	if created > 0 {
		slog.Info("catalog seeded", "created", created, "total", len(DemoInstruments))
	}
	return created, nil
}
