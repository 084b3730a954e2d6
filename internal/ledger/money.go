package ledger

import "github.com/shopspring/decimal"

// CurrencyPlaces is the precision of every displayed or ledgered amount.
const CurrencyPlaces int32 = 2

// basisPlaces bounds the precision of a cost basis rescaled by a sell.
const basisPlaces int32 = 16

// RoundMoney rounds half away from zero to cents.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(CurrencyPlaces)
}

// OrderTotal is quantity*unitPrice rounded to cents.
func OrderTotal(quantity int64, unitPrice decimal.Decimal) decimal.Decimal {
	return RoundMoney(decimal.NewFromInt(quantity).Mul(unitPrice))
}

// AveragePrice divides the raw weighted sum once and rounds to cents.
func AveragePrice(costBasis decimal.Decimal, quantity int64) decimal.Decimal {
	if quantity <= 0 {
		return decimal.Zero
	}
	return costBasis.DivRound(decimal.NewFromInt(quantity), CurrencyPlaces)
}

// remainingBasis scales a cost basis down to the units left after a sell,
// keeping the per-unit cost unchanged.
func remainingBasis(costBasis decimal.Decimal, held, remaining int64) decimal.Decimal {
	if remaining <= 0 {
		return decimal.Zero
	}
	if remaining == held {
		return costBasis
	}
	return costBasis.Mul(decimal.NewFromInt(remaining)).DivRound(decimal.NewFromInt(held), basisPlaces)
}
