package strategy

import (
	"github.com/shopspring/decimal"

	"gridserver/pkg/types"
)

// TakeProfitTarget derives the monetary target from the configured type:
// a percentage of equity, a percentage of balance, or an absolute amount.
// Unknown types yield 0, which never triggers.
func TakeProfitTarget(tpType types.TPType, tpValue, equity, balance float64) float64 {
	value := decimal.NewFromFloat(tpValue)
	hundred := decimal.NewFromInt(100)

	switch tpType {
	case types.TPEquityPct:
		return decimal.NewFromFloat(equity).Mul(value).Div(hundred).InexactFloat64()
	case types.TPBalancePct:
		return decimal.NewFromFloat(balance).Mul(value).Div(hundred).InexactFloat64()
	case types.TPFixedMoney:
		return tpValue
	default:
		return 0
	}
}

// TakeProfitHit reports whether profit has reached the target. A
// non-positive configured value or derived target never triggers.
func TakeProfitHit(profit, target, tpValue float64) bool {
	if tpValue <= 0 || target <= 0 {
		return false
	}
	return decimal.NewFromFloat(profit).GreaterThanOrEqual(decimal.NewFromFloat(target))
}
