package strategy

import (
	"strings"

	"github.com/shopspring/decimal"

	"gridserver/pkg/types"
)

// SessionProfit sums the floating profit of every position whose comment
// carries the session id. Zero when the id is empty. The broker book, not
// the exec map, is the source of truth for money: after a partial manual
// close the two can differ, and the book wins.
func SessionProfit(positions []types.Position, sessionID string) float64 {
	if sessionID == "" {
		return 0
	}
	sum := decimal.Zero
	for _, p := range positions {
		if strings.Contains(p.Comment, sessionID) {
			sum = sum.Add(decimal.NewFromFloat(p.Profit))
		}
	}
	return sum.InexactFloat64()
}

// SessionVolume sums the open lots of every position carrying the session id.
func SessionVolume(positions []types.Position, sessionID string) float64 {
	if sessionID == "" {
		return 0
	}
	sum := decimal.Zero
	for _, p := range positions {
		if strings.Contains(p.Comment, sessionID) {
			sum = sum.Add(decimal.NewFromFloat(p.Volume))
		}
	}
	return sum.InexactFloat64()
}

// CountSession returns how many positions carry the session id.
func CountSession(positions []types.Position, sessionID string) int {
	if sessionID == "" {
		return 0
	}
	n := 0
	for _, p := range positions {
		if strings.Contains(p.Comment, sessionID) {
			n++
		}
	}
	return n
}
