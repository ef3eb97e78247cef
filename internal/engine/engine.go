// Package engine is the per-tick decision core of the grid trading server.
//
// Every tick from the terminal agent walks a fixed priority list:
//
//  1. frozen check (conflict freeze answers WAIT until cleared)
//  2. market snapshot update (mid, direction, price ring)
//  3. reconciliation of broker positions into the exec maps
//  4. pending one-shot close-alls from the control endpoint
//  5. close-confirmation for sides mid-close
//  6. cross-hedge absorption of a losing side
//  7. take-profit evaluation
//  8. external-close detection (does not short-circuit)
//  9. grid entries, buy side first
//
// The first branch that produces a directive wins; anything that mutated
// state persisted before the reply leaves the lock.
package engine

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"gridserver/internal/alert"
	"gridserver/internal/api"
	"gridserver/internal/config"
	"gridserver/internal/state"
	"gridserver/internal/store"
	"gridserver/internal/strategy"
	"gridserver/pkg/types"
)

// Version is reported by the health and root endpoints.
const Version = "3.2.4"

// Engine owns all mutable strategy state. A single mutex serializes ticks,
// control requests, and settings updates; nothing mutates outside it.
type Engine struct {
	mu       sync.Mutex
	cfg      config.Config
	st       *state.System
	store    *store.Store
	notifier *alert.Notifier
	events   chan api.Event
	logger   *slog.Logger

	// Injected for tests.
	now          func() time.Time
	newSessionID func(types.Side) string
}

// New restores persisted state (or starts fresh) and wires the engine.
func New(cfg config.Config, st *store.Store, notifier *alert.Notifier, logger *slog.Logger) *Engine {
	sys, err := st.Load()
	if err != nil {
		logger.Error("failed to load state, starting fresh", "error", err)
		sys = nil
	}
	if sys == nil {
		sys = state.NewSystem(cfg.Engine.PriceHistoryLen)
		logger.Info("fresh start")
	} else {
		sys.Normalize(cfg.Engine.PriceHistoryLen)
		logger.Info("state loaded",
			"buy", sys.Runtime.Buy.Enabled,
			"sell", sys.Runtime.Sell.Enabled)
	}

	return &Engine{
		cfg:          cfg,
		st:           sys,
		store:        st,
		notifier:     notifier,
		events:       make(chan api.Event, 100),
		logger:       logger.With("component", "engine"),
		now:          time.Now,
		newSessionID: mintSessionID,
	}
}

func mintSessionID(side types.Side) string {
	return fmt.Sprintf("%s_%s", side, uuid.NewString()[:8])
}

// Events exposes the dashboard event stream.
func (e *Engine) Events() <-chan api.Event {
	return e.events
}

// Shutdown persists a final snapshot and closes the event stream.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.persist()
	close(e.events)
}

// HandleTick runs the full priority list for one tick and returns exactly
// one directive. A panic anywhere in the walk is logged and answered with
// WAIT; each mutating branch saves before returning, so no partial commit
// can leak.
func (e *Engine) HandleTick(tick types.Tick) (directive types.Directive) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("tick handler panicked", "panic", r, "stack", string(debug.Stack()))
			directive = types.Wait()
		}
	}()

	rt := &e.st.Runtime

	if rt.ErrorStatus != "" {
		e.logger.Warn("engine frozen", "error", rt.ErrorStatus)
		return types.WaitWithError(rt.ErrorStatus)
	}

	mid := e.updateMarket(tick)

	if d, frozen := e.reconcile(tick); frozen {
		return d
	}

	if d, ok := e.popPending(); ok {
		return d
	}

	for _, side := range types.Sides {
		if d, ok := e.confirmClose(side, tick, mid); ok {
			return d
		}
	}

	for _, side := range types.Sides {
		if d, ok := e.checkHedge(side, tick); ok {
			return d
		}
	}

	for _, side := range types.Sides {
		if d, ok := e.checkTakeProfit(side, tick); ok {
			return d
		}
	}

	// Does not short-circuit: a side cleared here may re-enter below.
	for _, side := range types.Sides {
		e.detectExternalClose(side, tick, mid)
	}

	for _, side := range types.Sides {
		if d, ok := e.tryEntry(side, tick); ok {
			return d
		}
	}

	return types.Wait()
}

// sidePrice is the executable quote for a side: buys fill at ask, sells at bid.
func sidePrice(side types.Side, tick types.Tick) float64 {
	if side == types.Buy {
		return tick.Ask
	}
	return tick.Bid
}

// updateMarket refreshes the quote snapshot and the price ring, returning mid.
// Direction stays neutral until a second sample exists.
func (e *Engine) updateMarket(tick types.Tick) float64 {
	rt := &e.st.Runtime
	mid := (tick.Ask + tick.Bid) / 2
	rt.CurrentAsk = tick.Ask
	rt.CurrentBid = tick.Bid

	if last, ok := e.st.History.Last(); ok {
		if mid > last.Mid {
			rt.PriceDirection = types.DirUp
		} else {
			rt.PriceDirection = types.DirDown
		}
	}

	e.st.History.Append(state.PricePoint{Mid: mid, Timestamp: e.now()})
	rt.CurrentPrice = mid
	e.st.LastUpdate = e.now()
	return mid
}

// reconcile folds broker positions into the per-side exec maps. Positions
// not matching the trade-tag pattern belong to other tools and are skipped.
// A tagged position carrying a stale or foreign session id freezes the
// engine: our model and the broker's book have diverged, and doing nothing
// is the only safe move.
func (e *Engine) reconcile(tick types.Tick) (types.Directive, bool) {
	rt := &e.st.Runtime

	for _, p := range tick.Positions {
		tag, ok := types.ParseTradeTag(p.Comment)
		if !ok {
			continue
		}

		sess := rt.Session(tag.Side)
		if sess.SessionID == "" || sess.SessionID != tag.SessionID {
			rt.ErrorStatus = fmt.Sprintf("CRITICAL: Conflict detected. Unknown %s trade %d.", tag.Side.Title(), p.Ticket)
			e.logger.Error("conflict freeze", "ticket", p.Ticket, "comment", p.Comment)
			e.persist()
			e.emitEvent(api.NewFreezeEvent(rt.ErrorStatus))
			e.notifier.SendAsync(alert.Message{Kind: "freeze", Detail: rt.ErrorStatus})
			return types.WaitWithError(rt.ErrorStatus), true
		}

		// A position whose broker type disagrees with its tagged side is
		// not ours to book; skip it rather than landing it in the wrong
		// side's exec map.
		if !strings.EqualFold(p.Type, string(tag.Side)) {
			continue
		}

		ts := e.now()
		if prev, exists := sess.ExecMap[tag.Index]; exists {
			ts = prev.Timestamp
		}
		sess.ExecMap[tag.Index] = state.ExecRecord{
			Index:      tag.Index,
			EntryPrice: p.Price,
			Lots:       p.Volume,
			Profit:     p.Profit,
			Timestamp:  ts,
		}
	}

	// Records for closed indices survive: the cumulatives stay meaningful
	// for the UI until the session ends.
	strategy.Recalculate(rt.Buy.ExecMap)
	strategy.Recalculate(rt.Sell.ExecMap)
	return types.Directive{}, false
}

// popPending drains one queued close-all per tick.
func (e *Engine) popPending() (types.Directive, bool) {
	rt := &e.st.Runtime
	if len(rt.PendingActions) == 0 {
		return types.Directive{}, false
	}

	action := rt.PendingActions[0]
	rt.PendingActions = rt.PendingActions[1:]

	comment := "server"
	switch action {
	case state.CloseAllBuy:
		comment = rt.Buy.SessionID
	case state.CloseAllSell:
		comment = rt.Sell.SessionID
	}

	e.logger.Info("pending close dispatched", "action", string(action), "comment", comment)
	e.persist()
	return types.CloseAll(comment), true
}

// confirmClose drives a side that is mid-close. While the broker still
// reports positions for the session id, CLOSE_ALL is re-issued; once the
// book is empty the side resets (or recycles under cyclic mode).
func (e *Engine) confirmClose(side types.Side, tick types.Tick, mid float64) (types.Directive, bool) {
	rt := &e.st.Runtime
	sess := rt.Session(side)
	if !sess.IsClosing {
		return types.Directive{}, false
	}

	if strategy.CountSession(tick.Positions, sess.SessionID) > 0 {
		return types.CloseAll(sess.SessionID), true
	}

	closedID := sess.SessionID
	sess.IsClosing = false
	sess.HedgeTriggered = false
	sess.ExecMap = make(map[int]state.ExecRecord)

	phase := "closed"
	if rt.CyclicOn {
		sess.SessionID = ""
		sess.StartRef = mid
		phase = "recycled"
	} else {
		sess.Enabled = false
		sess.SessionID = ""
		sess.StartRef = 0
	}

	e.logger.Info("close confirmed", "side", side, "session", closedID, "phase", phase)
	e.persist()
	e.emitEvent(api.NewSessionEvent(side, closedID, phase, sess.StartRef))
	return types.Wait(), true
}

// checkHedge watches a side's floating loss and, on breach, makes the
// opposite side absorb the losing side's full open volume in one lump entry.
func (e *Engine) checkHedge(side types.Side, tick types.Tick) (types.Directive, bool) {
	rt := &e.st.Runtime
	sess := rt.Session(side)
	cfgSide := e.st.Settings.Side(side)

	if !sess.Enabled || sess.SessionID == "" || sess.IsClosing || sess.HedgeTriggered || cfgSide.HedgeValue <= 0 {
		return types.Directive{}, false
	}

	profit := strategy.SessionProfit(tick.Positions, sess.SessionID)
	if profit > -cfgSide.HedgeValue {
		return types.Directive{}, false
	}

	opp := side.Opposite()
	oppSess := rt.Session(opp)
	if oppSess.IsClosing {
		// Latching now would make the retry impossible; check again next tick.
		return types.Directive{}, false
	}

	hedgeLots := strategy.SessionVolume(tick.Positions, sess.SessionID)
	sess.HedgeTriggered = true

	price := sidePrice(opp, tick)
	oppCfg := e.st.Settings.Side(opp)

	var idx int
	idle := !oppSess.Enabled || oppSess.SessionID == "" || len(oppSess.ExecMap) == 0
	if idle {
		oppSess.SessionID = e.newSessionID(opp)
		oppSess.StartRef = price
		oppSess.Enabled = true
		oppSess.WaitingLimit = false
		oppSess.ExecMap = make(map[int]state.ExecRecord)
		oppCfg.Rows = []types.GridLevel{{Index: 0, Dollar: 0, Lots: hedgeLots, Alert: true}}
		idx = 0
	} else {
		idx = len(oppSess.ExecMap)
		last, _ := oppSess.LastExec()
		// Sized so the injected level coincides with the current market.
		// The planner never fires it; it is a bookkeeping artifact of the
		// entry we emit directly below.
		gap := decimal.NewFromFloat(price).
			Sub(decimal.NewFromFloat(last.EntryPrice)).
			Abs().InexactFloat64()
		rows := oppCfg.Rows
		if idx < len(rows) {
			// Drop not-yet-executed rows so the injected row sits exactly
			// at the exec index; the next level to consider is already
			// past it and it can never fire as a live trigger.
			rows = rows[:idx:idx]
		}
		oppCfg.Rows = append(rows, types.GridLevel{Index: idx, Dollar: gap, Lots: hedgeLots, Alert: true})
	}

	oppSess.ExecMap[idx] = state.ExecRecord{
		Index:      idx,
		EntryPrice: price,
		Lots:       hedgeLots,
		Timestamp:  e.now(),
	}
	strategy.Recalculate(oppSess.ExecMap)
	oppSess.LastOrderSentAt = e.now()

	comment := types.TradeComment(oppSess.SessionID, idx)
	e.logger.Warn("hedge activated",
		"losing", side, "loss", profit, "lots", hedgeLots, "comment", comment)
	e.persist()
	e.emitEvent(api.NewHedgeEvent(side, profit, hedgeLots))
	e.notifier.SendAsync(alert.Message{
		Kind: "hedge", Side: string(side), Comment: comment, Price: price,
		Detail: fmt.Sprintf("loss %.2f absorbed with %.2f lots", profit, hedgeLots),
	})
	return types.Enter(opp, hedgeLots, comment, true), true
}

// checkTakeProfit closes a side whose session profit reached its target.
func (e *Engine) checkTakeProfit(side types.Side, tick types.Tick) (types.Directive, bool) {
	rt := &e.st.Runtime
	sess := rt.Session(side)
	cfgSide := e.st.Settings.Side(side)

	if sess.SessionID == "" || sess.IsClosing || cfgSide.TPValue <= 0 {
		return types.Directive{}, false
	}

	profit := strategy.SessionProfit(tick.Positions, sess.SessionID)
	target := strategy.TakeProfitTarget(cfgSide.TPType, cfgSide.TPValue, tick.Equity, tick.Balance)
	if !strategy.TakeProfitHit(profit, target, cfgSide.TPValue) {
		return types.Directive{}, false
	}

	sess.IsClosing = true
	e.logger.Info("take profit hit",
		"side", side, "session", sess.SessionID, "profit", profit, "target", target)
	e.persist()
	e.emitEvent(api.NewSessionEvent(side, sess.SessionID, "closing", sess.StartRef))
	e.notifier.SendAsync(alert.Message{
		Kind: "take_profit", Side: string(side), Comment: sess.SessionID,
		Detail: fmt.Sprintf("profit %.2f >= target %.2f", profit, target),
	})
	return types.CloseAll(sess.SessionID), true
}

// detectExternalClose notices a session whose positions vanished without us
// asking. The grace period keeps a just-dispatched order, not yet visible in
// the broker book, from being read as a manual close.
func (e *Engine) detectExternalClose(side types.Side, tick types.Tick, mid float64) {
	rt := &e.st.Runtime
	sess := rt.Session(side)

	if sess.SessionID == "" || len(sess.ExecMap) == 0 || sess.IsClosing {
		return
	}
	if e.now().Sub(sess.LastOrderSentAt) < e.cfg.Engine.ExternalCloseGrace {
		return
	}
	if strategy.CountSession(tick.Positions, sess.SessionID) > 0 {
		return
	}

	closedID := sess.SessionID
	sess.ExecMap = make(map[int]state.ExecRecord)
	sess.HedgeTriggered = false

	phase := "closed"
	if rt.CyclicOn {
		sess.SessionID = ""
		sess.StartRef = mid
		phase = "recycled"
	} else {
		sess.Enabled = false
		sess.SessionID = ""
		sess.StartRef = 0
	}

	e.logger.Warn("external close detected", "side", side, "session", closedID, "phase", phase)
	e.persist()
	e.emitEvent(api.NewSessionEvent(side, closedID, "external_close", sess.StartRef))
	e.notifier.SendAsync(alert.Message{Kind: "external_close", Side: string(side), Comment: closedID})
}

// tryEntry advances a side's grid: mint a session on first contact, gate on
// the user limit price, then fire the next level when its trigger is crossed.
// A pause-sentinel row answers WAIT for the whole tick.
func (e *Engine) tryEntry(side types.Side, tick types.Tick) (types.Directive, bool) {
	rt := &e.st.Runtime
	sess := rt.Session(side)
	cfgSide := e.st.Settings.Side(side)

	if !sess.Enabled || sess.IsClosing || sess.HedgeTriggered {
		return types.Directive{}, false
	}

	price := sidePrice(side, tick)

	if sess.SessionID == "" {
		sess.SessionID = e.newSessionID(side)
		sess.ExecMap = make(map[int]state.ExecRecord)
		if cfgSide.LimitPrice > 0 {
			sess.StartRef = cfgSide.LimitPrice
			sess.WaitingLimit = true
		} else {
			sess.StartRef = price
			sess.WaitingLimit = false
		}
		e.logger.Info("session started",
			"side", side, "session", sess.SessionID, "start_ref", sess.StartRef,
			"waiting_limit", sess.WaitingLimit)
		e.persist()
		e.emitEvent(api.NewSessionEvent(side, sess.SessionID, "started", sess.StartRef))
	}

	if sess.WaitingLimit {
		if strategy.LimitReached(side, price, cfgSide.LimitPrice) {
			sess.WaitingLimit = false
			sess.StartRef = price
			e.logger.Info("limit reached", "side", side, "session", sess.SessionID, "start_ref", price)
			e.persist()
		}
		return types.Directive{}, false
	}

	idx := sess.NextIndex()
	if idx >= len(cfgSide.Rows) {
		return types.Directive{}, false
	}

	row := cfgSide.Rows[idx]
	if row.IsPause() {
		return types.Wait(), true
	}

	trigger := strategy.LevelPrice(side, sess.StartRef, cfgSide.Rows, idx)
	if !strategy.Triggered(side, price, trigger) {
		return types.Directive{}, false
	}

	sess.ExecMap[idx] = state.ExecRecord{
		Index:      idx,
		EntryPrice: price,
		Lots:       row.Lots,
		Timestamp:  e.now(),
	}
	strategy.Recalculate(sess.ExecMap)
	sess.LastOrderSentAt = e.now()

	comment := types.TradeComment(sess.SessionID, idx)
	e.logger.Info("level fired",
		"side", side, "level", idx, "trigger", trigger, "price", price, "lots", row.Lots)
	e.persist()

	d := types.Enter(side, row.Lots, comment, row.Alert)
	e.emitEvent(api.NewDirectiveEvent(side, d))
	if row.Alert {
		e.notifier.SendAsync(alert.Message{
			Kind: "entry", Side: string(side), Comment: comment, Price: price,
		})
	}
	return d, true
}

// persist saves the snapshot; a failed save is logged and the engine keeps
// running in-memory.
func (e *Engine) persist() {
	if err := e.store.Save(e.st); err != nil {
		e.logger.Error("failed to persist state", "error", err)
	}
}

// emitEvent never blocks the tick path; a full stream drops the event.
func (e *Engine) emitEvent(evt api.Event) {
	select {
	case e.events <- evt:
	default:
	}
}
