// Package model defines the core domain types shared across the ledger engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// MaxBalance is the largest wallet balance or credit total a NUMERIC(14,2)
// column can hold.
var MaxBalance = decimal.RequireFromString("999999999999.99")

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether s is BUY or SELL.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Instrument types carried by the catalog.
const (
	InstrumentMovie   = "movie"
	InstrumentIPLTeam = "ipl_team"
)

// Account holds a user's play-money wallet.
// Version is bumped on every committed mutation and used for compare-and-swap.
type Account struct {
	ID                 string          `json:"id" db:"id"`
	Username           string          `json:"username" db:"username"`
	WalletBalance      decimal.Decimal `json:"wallet_balance" db:"wallet_balance"`
	TotalCreditsEarned decimal.Decimal `json:"total_credits_earned" db:"total_credits_earned"`
	Version            int64           `json:"version" db:"version"`
	CreatedAt          time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at" db:"updated_at"`
}

// Position is the held quantity of one instrument for one account.
//
// CostBasis is the unrounded running sum of quantity*price for the units
// still held; AveragePrice is CostBasis/Quantity rounded to cents.
type Position struct {
	AccountID    string          `json:"account_id" db:"account_id"`
	InstrumentID string          `json:"instrument_id" db:"instrument_id"`
	Quantity     int64           `json:"quantity" db:"quantity"`
	AveragePrice decimal.Decimal `json:"average_price" db:"average_price"`
	CostBasis    decimal.Decimal `json:"cost_basis" db:"cost_basis"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// LedgerEntry is an immutable record of an executed order.
// Once created, these are never modified or deleted.
type LedgerEntry struct {
	ID           string          `json:"id" db:"id"`
	AccountID    string          `json:"account_id" db:"account_id"`
	InstrumentID string          `json:"instrument_id" db:"instrument_id"`
	Side         Side            `json:"side" db:"side"`
	Quantity     int64           `json:"quantity" db:"quantity"`
	UnitPrice    decimal.Decimal `json:"unit_price" db:"unit_price"`
	TotalAmount  decimal.Decimal `json:"total_amount" db:"total_amount"` // quantity * unit_price, cents
	Timestamp    time.Time       `json:"timestamp" db:"timestamp"`
}

// Instrument is a tradable movie or IPL team quoted by the catalog.
type Instrument struct {
	ID            string          `json:"id" db:"id"`
	Symbol        string          `json:"symbol" db:"symbol"`
	Name          string          `json:"name" db:"name"`
	Type          string          `json:"type" db:"type"` // "movie" or "ipl_team"
	Category      string          `json:"category" db:"category"`
	Description   string          `json:"description" db:"description"`
	ImageURL      string          `json:"image_url" db:"image_url"`
	CurrentPrice  decimal.Decimal `json:"current_price" db:"current_price"`
	PreviousPrice decimal.Decimal `json:"previous_price" db:"previous_price"`
	MarketCap     decimal.Decimal `json:"market_cap" db:"market_cap"`
	IsActive      bool            `json:"is_active" db:"is_active"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// WatchlistItem marks an instrument an account follows without holding it.
type WatchlistItem struct {
	AccountID    string    `json:"account_id" db:"account_id"`
	InstrumentID string    `json:"instrument_id" db:"instrument_id"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// Holding is a position joined with its instrument and marked to market.
type Holding struct {
	Position
	Instrument    Instrument      `json:"instrument"`
	MarketValue   decimal.Decimal `json:"market_value"`   // quantity * current price
	Invested      decimal.Decimal `json:"invested"`       // quantity * average price
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"` // market value - invested
}

// Portfolio aggregates all holdings for an account.
type Portfolio struct {
	AccountID     string          `json:"account_id"`
	Holdings      []Holding       `json:"holdings"`
	TotalValue    decimal.Decimal `json:"total_value"`
	TotalInvested decimal.Decimal `json:"total_invested"`
	WalletBalance decimal.Decimal `json:"wallet_balance"`
}

// Dashboard is the landing-page summary for an account.
type Dashboard struct {
	AccountID          string          `json:"account_id"`
	TotalValue         decimal.Decimal `json:"total_value"`
	ProfitLoss         decimal.Decimal `json:"profit_loss"`
	ProfitLossPercent  decimal.Decimal `json:"profit_loss_percent"`
	ActiveAssets       int             `json:"active_assets"`
	WalletBalance      decimal.Decimal `json:"wallet_balance"`
	TotalCreditsEarned decimal.Decimal `json:"total_credits_earned"`
	TopPerformers      []Holding       `json:"top_performers"`
	RecentTransactions []LedgerEntry   `json:"recent_transactions"`
	Watchlist          []Instrument    `json:"watchlist"`
}

// LeaderboardEntry ranks an account by net worth.
type LeaderboardEntry struct {
	Rank          int             `json:"rank"`
	AccountID     string          `json:"account_id"`
	Username      string          `json:"username"`
	NetWorth      decimal.Decimal `json:"net_worth"` // wallet + market value of holdings
	WalletBalance decimal.Decimal `json:"wallet_balance"`
	HoldingsValue decimal.Decimal `json:"holdings_value"`
}
