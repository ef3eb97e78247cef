// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the server: trade sides, grid
// rows, the tick payload the terminal agent posts, and the directive it gets
// back. It has no dependencies on internal packages, so it can be imported
// by any layer.
package types

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
)

// Side identifies one half of the dual grid: buy or sell. The string value
// is the lowercase prefix used in session ids and trade comments.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Sides lists both sides in dispatch order (buy is always evaluated first).
var Sides = [2]Side{Buy, Sell}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Title returns the capitalized side name used in operator-facing messages.
func (s Side) Title() string {
	if s == Buy {
		return "Buy"
	}
	return "Sell"
}

// TPType selects how the take-profit target is derived.
type TPType string

const (
	TPEquityPct  TPType = "equity_pct"  // target = equity * value / 100
	TPBalancePct TPType = "balance_pct" // target = balance * value / 100
	TPFixedMoney TPType = "fixed_money" // target = value
)

// Direction tags the most recent mid-price move, UI readout only.
type Direction string

const (
	DirUp      Direction = "up"
	DirDown    Direction = "down"
	DirNeutral Direction = "neutral"
)

// GridLevel is one planned entry: the price gap below/above the previous
// reference and the volume to open when the gap is crossed.
type GridLevel struct {
	Index  int     `json:"index"`
	Dollar float64 `json:"dollar"`
	Lots   float64 `json:"lots"`
	Alert  bool    `json:"alert"`
}

// IsPause reports whether the row is a pause sentinel. A non-positive gap or
// volume halts the side at this index without executing; the operator uses
// this to stage edits.
func (g GridLevel) IsPause() bool {
	return g.Dollar <= 0 || g.Lots <= 0
}

// Position is one broker-side open trade as reported by the terminal agent.
// Comment carries the trade tag the agent copied from an earlier directive.
type Position struct {
	Ticket  int64   `json:"ticket"`
	Symbol  string  `json:"symbol"`
	Type    string  `json:"type"` // "BUY" or "SELL"
	Volume  float64 `json:"volume"`
	Price   float64 `json:"price"`
	Profit  float64 `json:"profit"`
	Comment string  `json:"comment"`
}

// Tick is one polling request: account snapshot, market quote, and the full
// list of open positions.
type Tick struct {
	AccountID string     `json:"account_id"`
	Equity    float64    `json:"equity"`
	Balance   float64    `json:"balance"`
	Symbol    string     `json:"symbol"`
	Ask       float64    `json:"ask"`
	Bid       float64    `json:"bid"`
	Positions []Position `json:"positions"`
}

// Action is the directive discriminant.
type Action string

const (
	ActionWait     Action = "WAIT"
	ActionBuy      Action = "BUY"
	ActionSell     Action = "SELL"
	ActionCloseAll Action = "CLOSE_ALL"
)

// Directive is the single per-tick reply to the agent. Exactly one of the
// constructor shapes below is ever produced:
//
//	Wait()                  — {"action":"WAIT"}
//	WaitWithError(msg)      — {"action":"WAIT","error":…}
//	Enter(side, vol, c, a)  — {"action":"BUY"|"SELL","volume":…,"comment":…,"alert":…}
//	CloseAll(comment)       — {"action":"CLOSE_ALL","comment":…}
type Directive struct {
	Action  Action  `json:"action"`
	Volume  float64 `json:"volume,omitempty"`
	Comment string  `json:"comment,omitempty"`
	Alert   *bool   `json:"alert,omitempty"`
	Error   string  `json:"error,omitempty"`
}

// Wait tells the agent to do nothing this tick.
func Wait() Directive {
	return Directive{Action: ActionWait}
}

// WaitWithError is a WAIT carrying the engine's freeze reason.
func WaitWithError(msg string) Directive {
	return Directive{Action: ActionWait, Error: msg}
}

// Enter opens a position on the given side.
func Enter(side Side, volume float64, comment string, alert bool) Directive {
	action := ActionBuy
	if side == Sell {
		action = ActionSell
	}
	return Directive{Action: action, Volume: volume, Comment: comment, Alert: &alert}
}

// CloseAll closes every position tagged with the given comment, either a
// session id or the literal "server" for emergency closes.
func CloseAll(comment string) Directive {
	return Directive{Action: ActionCloseAll, Comment: comment}
}

// IsEntry reports whether the directive opens a position.
func (d Directive) IsEntry() bool {
	return d.Action == ActionBuy || d.Action == ActionSell
}

// MarshalJSON keeps the per-action wire shape exact: CLOSE_ALL always
// carries its comment, even when the side had no session id, while WAIT
// omits empty fields entirely.
func (d Directive) MarshalJSON() ([]byte, error) {
	type wire struct {
		Action  Action  `json:"action"`
		Volume  float64 `json:"volume,omitempty"`
		Comment *string `json:"comment,omitempty"`
		Alert   *bool   `json:"alert,omitempty"`
		Error   string  `json:"error,omitempty"`
	}
	w := wire{Action: d.Action, Volume: d.Volume, Alert: d.Alert, Error: d.Error}
	if d.Comment != "" || d.Action == ActionCloseAll {
		w.Comment = &d.Comment
	}
	return json.Marshal(w)
}

// tradeTagPattern matches comments of trades managed by this server,
// e.g. "buy_1a2b3c4d_idx0". Anything else belongs to other tools.
var tradeTagPattern = regexp.MustCompile(`^(sell|buy)_([0-9a-fA-F]{8})_idx(\d+)$`)

// TradeTag is the parsed form of a managed trade comment.
type TradeTag struct {
	Side      Side
	SessionID string // side-prefixed: "buy_1a2b3c4d"
	Index     int
}

// ParseTradeTag parses a broker position comment. ok is false when the
// comment does not match the canonical pattern.
func ParseTradeTag(comment string) (tag TradeTag, ok bool) {
	m := tradeTagPattern.FindStringSubmatch(comment)
	if m == nil {
		return TradeTag{}, false
	}
	idx, err := strconv.Atoi(m[3])
	if err != nil {
		return TradeTag{}, false
	}
	return TradeTag{
		Side:      Side(m[1]),
		SessionID: m[1] + "_" + m[2],
		Index:     idx,
	}, true
}

// TradeComment builds the comment for a level execution: "<sid>_idx<n>".
func TradeComment(sessionID string, index int) string {
	return fmt.Sprintf("%s_idx%d", sessionID, index)
}
