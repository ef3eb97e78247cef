// Package state holds the server's sole mutable state: per-side session
// records, user settings, the pending close queue, and the price-history
// ring. The engine is the only writer; everything here is plain data
// serialized into the persistence snapshot. No type in this package locks:
// the engine's single mutex serializes all access (control and settings
// handlers included).
package state

import (
	"time"

	"gridserver/pkg/types"
)

// ExecRecord is the server-side bookkeeping for one dispatched grid level.
// Profit is the last broker-observed floating profit; the cumulatives are
// derived prefix sums maintained by the reconciler.
type ExecRecord struct {
	Index            int       `json:"index"`
	EntryPrice       float64   `json:"entry_price"`
	Lots             float64   `json:"lots"`
	Profit           float64   `json:"profit"`
	Timestamp        time.Time `json:"timestamp"`
	CumulativeLots   float64   `json:"cumulative_lots"`
	CumulativeProfit float64   `json:"cumulative_profit"`
}

// SessionState is the registry record for one side. SessionID is empty when
// no session exists; at most one session per side at any instant.
//
// ExecMap is keyed by level index. encoding/json writes integer keys as
// strings, which keeps the persisted form portable while the in-memory form
// indexes directly by index.
type SessionState struct {
	Enabled         bool               `json:"enabled"`
	SessionID       string             `json:"session_id"`
	WaitingLimit    bool               `json:"waiting_limit"`
	StartRef        float64            `json:"start_ref"`
	ExecMap         map[int]ExecRecord `json:"exec_map"`
	IsClosing       bool               `json:"is_closing"`
	HedgeTriggered  bool               `json:"hedge_triggered"`
	LastOrderSentAt time.Time          `json:"last_order_sent_at"`
}

// NextIndex returns the index of the next level to consider. Levels are
// dispatched densely from 0, so this is always the map size (hedge
// injections included).
func (s *SessionState) NextIndex() int {
	return len(s.ExecMap)
}

// LastExec returns the executed record with the highest index.
func (s *SessionState) LastExec() (ExecRecord, bool) {
	var last ExecRecord
	found := false
	for idx, rec := range s.ExecMap {
		if !found || idx > last.Index {
			last = rec
			found = true
		}
	}
	return last, found
}

// PendingAction is a queued one-shot close-all, drained one per tick.
type PendingAction string

const (
	CloseAllBuy       PendingAction = "CLOSE_ALL_BUY"
	CloseAllSell      PendingAction = "CLOSE_ALL_SELL"
	CloseAllEmergency PendingAction = "CLOSE_ALL_EMERGENCY"
)

// Runtime is the global engine state beyond user settings.
type Runtime struct {
	Buy  SessionState `json:"buy"`
	Sell SessionState `json:"sell"`

	CyclicOn       bool            `json:"cyclic_on"`
	PendingActions []PendingAction `json:"pending_actions"`

	CurrentPrice   float64         `json:"current_price"` // last mid
	CurrentAsk     float64         `json:"current_ask"`
	CurrentBid     float64         `json:"current_bid"`
	PriceDirection types.Direction `json:"price_direction"`

	// Non-empty freezes the engine: every tick answers WAIT until cleared
	// by an emergency close.
	ErrorStatus string `json:"error_status"`
}

// Session returns the mutable session record for a side.
func (r *Runtime) Session(side types.Side) *SessionState {
	if side == types.Buy {
		return &r.Buy
	}
	return &r.Sell
}

// SideSettings are the user-configured parameters for one side.
type SideSettings struct {
	LimitPrice float64           `json:"limit_price"`
	TPType     types.TPType      `json:"tp_type"`
	TPValue    float64           `json:"tp_value"`
	HedgeValue float64           `json:"hedge_value"`
	Rows       []types.GridLevel `json:"rows"`
}

// Settings is the full per-side configuration mutated via /api/update-settings.
type Settings struct {
	Buy  SideSettings `json:"buy"`
	Sell SideSettings `json:"sell"`
}

// Side returns the mutable settings for a side.
func (s *Settings) Side(side types.Side) *SideSettings {
	if side == types.Buy {
		return &s.Buy
	}
	return &s.Sell
}

// System is the complete persisted snapshot.
type System struct {
	Settings   Settings  `json:"settings"`
	Runtime    Runtime   `json:"runtime"`
	LastUpdate time.Time `json:"last_update_ts"`
	History    *History  `json:"price_history"`
}

// NewSystem returns a fresh state with an empty history ring of the given
// capacity and neutral market direction.
func NewSystem(historyLen int) *System {
	sys := &System{History: NewHistory(historyLen)}
	sys.Runtime.PriceDirection = types.DirNeutral
	sys.Runtime.Buy.ExecMap = make(map[int]ExecRecord)
	sys.Runtime.Sell.ExecMap = make(map[int]ExecRecord)
	sys.Settings.Buy.TPType = types.TPEquityPct
	sys.Settings.Sell.TPType = types.TPEquityPct
	return sys
}

// Normalize repairs a snapshot loaded from disk: nil maps and the history
// capacity are not part of the serialized form.
func (sys *System) Normalize(historyLen int) {
	if sys.Runtime.Buy.ExecMap == nil {
		sys.Runtime.Buy.ExecMap = make(map[int]ExecRecord)
	}
	if sys.Runtime.Sell.ExecMap == nil {
		sys.Runtime.Sell.ExecMap = make(map[int]ExecRecord)
	}
	if sys.Runtime.PriceDirection == "" {
		sys.Runtime.PriceDirection = types.DirNeutral
	}
	if sys.History == nil {
		sys.History = NewHistory(historyLen)
	} else {
		sys.History.SetCapacity(historyLen)
	}
}
