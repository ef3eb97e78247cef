// Package strategy implements the pure math of the dual-sided grid:
// level trigger prices, derived cumulative stats, session aggregates over
// broker positions, and take-profit targets.
//
// All money and price arithmetic goes through shopspring/decimal so that
// prefix sums over user-entered gaps don't accumulate float drift; float64
// appears only at the wire/persistence boundary.
package strategy

import (
	"sort"

	"github.com/shopspring/decimal"

	"gridserver/internal/state"
	"gridserver/pkg/types"
)

// LevelPrice returns the price at which level idx should fire: the side's
// start reference minus (buy) or plus (sell) the cumulative gaps of rows
// 0..idx. Rows beyond the configured list contribute nothing.
func LevelPrice(side types.Side, startRef float64, rows []types.GridLevel, idx int) float64 {
	ref := decimal.NewFromFloat(startRef)
	for i := 0; i <= idx && i < len(rows); i++ {
		gap := decimal.NewFromFloat(rows[i].Dollar)
		if side == types.Buy {
			ref = ref.Sub(gap)
		} else {
			ref = ref.Add(gap)
		}
	}
	return ref.InexactFloat64()
}

// Triggered reports whether the current side price has crossed the level
// trigger: at or below for buys, at or above for sells.
func Triggered(side types.Side, price, trigger float64) bool {
	p := decimal.NewFromFloat(price)
	t := decimal.NewFromFloat(trigger)
	if side == types.Buy {
		return p.LessThanOrEqual(t)
	}
	return p.GreaterThanOrEqual(t)
}

// LimitReached reports whether a limit-gated side may release: the buy side
// waits for ask to fall to the limit, the sell side for bid to rise to it.
func LimitReached(side types.Side, price, limit float64) bool {
	p := decimal.NewFromFloat(price)
	l := decimal.NewFromFloat(limit)
	if side == types.Buy {
		return p.LessThanOrEqual(l)
	}
	return p.GreaterThanOrEqual(l)
}

// Recalculate rewrites the cumulative lots/profit of every record as the
// ascending-index prefix sums over the map. Called after any mutation so the
// derived values never go stale.
func Recalculate(execMap map[int]state.ExecRecord) {
	indices := make([]int, 0, len(execMap))
	for idx := range execMap {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	cumLots := decimal.Zero
	cumProfit := decimal.Zero
	for _, idx := range indices {
		rec := execMap[idx]
		cumLots = cumLots.Add(decimal.NewFromFloat(rec.Lots))
		cumProfit = cumProfit.Add(decimal.NewFromFloat(rec.Profit))
		rec.CumulativeLots = cumLots.InexactFloat64()
		rec.CumulativeProfit = cumProfit.InexactFloat64()
		execMap[idx] = rec
	}
}
