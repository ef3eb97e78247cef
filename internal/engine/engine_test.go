package engine

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gridserver/internal/alert"
	"gridserver/internal/api"
	"gridserver/internal/config"
	"gridserver/internal/state"
	"gridserver/internal/store"
	"gridserver/pkg/types"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestEngine(t *testing.T) (*Engine, *fakeClock) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	cfg := config.Config{
		Engine: config.EngineConfig{
			ExternalCloseGrace: 5 * time.Second,
			PriceHistoryLen:    100,
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := New(cfg, st, alert.NewNotifier(config.AlertConfig{}, logger), logger)

	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	e.now = clock.Now

	var counter int
	e.newSessionID = func(side types.Side) string {
		counter++
		return fmt.Sprintf("%s_%08x", side, counter)
	}
	return e, clock
}

func tickAt(ask, bid float64, positions ...types.Position) types.Tick {
	return types.Tick{
		AccountID: "1001",
		Equity:    1000,
		Balance:   1000,
		Symbol:    "XAUUSD",
		Ask:       ask,
		Bid:       bid,
		Positions: positions,
	}
}

func buyRows(gaps ...float64) []types.GridLevel {
	rows := make([]types.GridLevel, len(gaps))
	for i, g := range gaps {
		rows[i] = types.GridLevel{Index: i, Dollar: g, Lots: 0.1}
	}
	return rows
}

func TestColdBuyEntry(t *testing.T) {
	e, _ := newTestEngine(t)
	e.st.Settings.Buy.Rows = buyRows(10, 10)
	e.st.Runtime.Buy.Enabled = true

	// First tick mints the session anchored at ask; level 0 triggers at 90.
	d := e.HandleTick(tickAt(100, 99.9))
	if d.Action != types.ActionWait {
		t.Fatalf("action = %q, want WAIT", d.Action)
	}
	sess := &e.st.Runtime.Buy
	if sess.SessionID == "" || sess.StartRef != 100 || sess.WaitingLimit {
		t.Fatalf("session not minted at market: %+v", sess)
	}
	sid := sess.SessionID

	// Price above trigger: nothing fires.
	d = e.HandleTick(tickAt(95, 94.9))
	if d.Action != types.ActionWait {
		t.Fatalf("action = %q, want WAIT above trigger", d.Action)
	}

	// At the trigger, level 0 fires with the row's lots.
	d = e.HandleTick(tickAt(90, 89.9))
	if d.Action != types.ActionBuy {
		t.Fatalf("action = %q, want BUY", d.Action)
	}
	if d.Volume != 0.1 {
		t.Errorf("volume = %v, want 0.1", d.Volume)
	}
	wantComment := sid + "_idx0"
	if d.Comment != wantComment {
		t.Errorf("comment = %q, want %q", d.Comment, wantComment)
	}
	if d.Alert == nil || *d.Alert {
		t.Errorf("alert = %v, want false", d.Alert)
	}
	if len(sess.ExecMap) != 1 || sess.ExecMap[0].EntryPrice != 90 {
		t.Errorf("exec map after entry: %+v", sess.ExecMap)
	}

	// Same price with the position open: level 1 needs 80, so WAIT.
	pos := types.Position{Ticket: 1, Type: "BUY", Volume: 0.1, Price: 90, Profit: 0, Comment: wantComment}
	d = e.HandleTick(tickAt(90, 89.9, pos))
	if d.Action != types.ActionWait {
		t.Fatalf("action = %q, want WAIT before next level", d.Action)
	}

	d = e.HandleTick(tickAt(80, 79.9, pos))
	if d.Action != types.ActionBuy {
		t.Fatalf("action = %q, want BUY at level 1", d.Action)
	}
	if d.Comment != sid+"_idx1" {
		t.Errorf("comment = %q", d.Comment)
	}
}

func TestLimitGatedBuy(t *testing.T) {
	e, _ := newTestEngine(t)
	e.st.Settings.Buy.LimitPrice = 95
	e.st.Settings.Buy.Rows = buyRows(10, 10)
	e.st.Runtime.Buy.Enabled = true

	d := e.HandleTick(tickAt(100, 99.9))
	sess := &e.st.Runtime.Buy
	if d.Action != types.ActionWait || !sess.WaitingLimit || sess.StartRef != 95 {
		t.Fatalf("mint: action=%q waiting=%v ref=%v", d.Action, sess.WaitingLimit, sess.StartRef)
	}

	// Ask reaches the limit: gate releases and re-anchors, still no entry.
	d = e.HandleTick(tickAt(95, 94.9))
	if d.Action != types.ActionWait || sess.WaitingLimit || sess.StartRef != 95 {
		t.Fatalf("release: action=%q waiting=%v ref=%v", d.Action, sess.WaitingLimit, sess.StartRef)
	}

	// Level 0 trigger is 95-10=85, so 94 is still quiet.
	d = e.HandleTick(tickAt(94, 93.9))
	if d.Action != types.ActionWait {
		t.Fatalf("action = %q, want WAIT above level trigger", d.Action)
	}

	d = e.HandleTick(tickAt(85, 84.9))
	if d.Action != types.ActionBuy || !strings.HasSuffix(d.Comment, "_idx0") {
		t.Fatalf("action=%q comment=%q, want BUY idx0", d.Action, d.Comment)
	}
}

func TestSellEntrySymmetric(t *testing.T) {
	e, _ := newTestEngine(t)
	e.st.Settings.Sell.Rows = buyRows(10)
	e.st.Runtime.Sell.Enabled = true

	d := e.HandleTick(tickAt(100.1, 100))
	if d.Action != types.ActionWait {
		t.Fatalf("mint tick: %q", d.Action)
	}
	if got := e.st.Runtime.Sell.StartRef; got != 100 {
		t.Fatalf("start ref = %v, want bid 100", got)
	}

	// Sell trigger is 100+10=110 on the bid.
	d = e.HandleTick(tickAt(110.1, 110))
	if d.Action != types.ActionSell {
		t.Fatalf("action = %q, want SELL", d.Action)
	}
	if e.st.Runtime.Sell.ExecMap[0].EntryPrice != 110 {
		t.Errorf("entry price = %v, want bid", e.st.Runtime.Sell.ExecMap[0].EntryPrice)
	}
}

func TestPauseSentinelHaltsTick(t *testing.T) {
	e, _ := newTestEngine(t)
	e.st.Settings.Buy.Rows = []types.GridLevel{{Index: 0, Dollar: 0, Lots: 0}}
	e.st.Settings.Sell.Rows = buyRows(10)
	e.st.Runtime.Buy.Enabled = true
	e.st.Runtime.Sell.Enabled = true
	e.st.Runtime.Sell.SessionID = "sell_0000000a"
	e.st.Runtime.Sell.StartRef = 90

	// Sell would fire (bid 100 >= 90+10) but the buy pause row halts the
	// whole tick first.
	d := e.HandleTick(tickAt(100.1, 100))
	if d.Action != types.ActionWait {
		t.Fatalf("action = %q, want WAIT from pause sentinel", d.Action)
	}
	if len(e.st.Runtime.Sell.ExecMap) != 0 {
		t.Error("sell side must not execute past a buy pause")
	}
}

func TestTakeProfitClosesOnlyThatSide(t *testing.T) {
	e, _ := newTestEngine(t)
	e.st.Settings.Buy.Rows = buyRows(10, 10)
	e.st.Settings.Buy.TPType = types.TPFixedMoney
	e.st.Settings.Buy.TPValue = 5
	e.st.Runtime.Buy.Enabled = true

	e.HandleTick(tickAt(100, 99.9))
	d := e.HandleTick(tickAt(90, 89.9))
	if d.Action != types.ActionBuy {
		t.Fatalf("setup entry failed: %q", d.Action)
	}
	sid := e.st.Runtime.Buy.SessionID

	positions := []types.Position{
		{Ticket: 1, Type: "BUY", Volume: 0.1, Price: 90, Profit: 4, Comment: sid + "_idx0"},
		{Ticket: 2, Type: "BUY", Volume: 0.1, Price: 80, Profit: 2, Comment: sid + "_idx1"},
	}
	d = e.HandleTick(tickAt(91, 90.9, positions...))
	if d.Action != types.ActionCloseAll {
		t.Fatalf("action = %q, want CLOSE_ALL", d.Action)
	}
	if d.Comment != sid {
		t.Errorf("comment = %q, want buy session id", d.Comment)
	}
	if !e.st.Runtime.Buy.IsClosing {
		t.Error("buy side should be closing")
	}
	if e.st.Runtime.Sell.IsClosing || e.st.Runtime.Sell.SessionID != "" {
		t.Error("sell side must be untouched")
	}
}

func TestCloseConfirmationLoop(t *testing.T) {
	e, _ := newTestEngine(t)
	e.st.Settings.Buy.Rows = buyRows(10)
	e.st.Settings.Buy.TPType = types.TPFixedMoney
	e.st.Settings.Buy.TPValue = 5
	e.st.Runtime.Buy.Enabled = true

	e.HandleTick(tickAt(100, 99.9))
	e.HandleTick(tickAt(90, 89.9))
	sid := e.st.Runtime.Buy.SessionID
	pos := types.Position{Ticket: 1, Type: "BUY", Volume: 0.1, Price: 90, Profit: 6, Comment: sid + "_idx0"}

	if d := e.HandleTick(tickAt(91, 90.9, pos)); d.Action != types.ActionCloseAll {
		t.Fatalf("tp tick: %q", d.Action)
	}

	// Position still open: keep commanding close.
	if d := e.HandleTick(tickAt(91, 90.9, pos)); d.Action != types.ActionCloseAll || d.Comment != sid {
		t.Fatalf("re-issue: %q %q", d.Action, d.Comment)
	}

	// Book empty: confirm and reset the side.
	d := e.HandleTick(tickAt(91, 90.9))
	if d.Action != types.ActionWait {
		t.Fatalf("confirm tick: %q", d.Action)
	}
	sess := &e.st.Runtime.Buy
	if sess.IsClosing || sess.SessionID != "" || len(sess.ExecMap) != 0 {
		t.Errorf("session not reset: %+v", sess)
	}
	if sess.Enabled {
		t.Error("non-cyclic close must disable the side")
	}
	if sess.StartRef != 0 {
		t.Errorf("start ref = %v, want 0", sess.StartRef)
	}
}

func TestCloseConfirmationCyclicRecycles(t *testing.T) {
	e, _ := newTestEngine(t)
	e.st.Settings.Buy.Rows = buyRows(10)
	e.st.Settings.Buy.TPType = types.TPFixedMoney
	e.st.Settings.Buy.TPValue = 5
	e.st.Runtime.Buy.Enabled = true
	e.st.Runtime.CyclicOn = true

	e.HandleTick(tickAt(100, 99.9))
	e.HandleTick(tickAt(90, 89.9))
	sid := e.st.Runtime.Buy.SessionID
	pos := types.Position{Ticket: 1, Type: "BUY", Volume: 0.1, Price: 90, Profit: 6, Comment: sid + "_idx0"}
	e.HandleTick(tickAt(91, 90.9, pos))

	d := e.HandleTick(tickAt(91, 90.9))
	if d.Action != types.ActionWait {
		t.Fatalf("confirm tick: %q", d.Action)
	}
	sess := &e.st.Runtime.Buy
	if !sess.Enabled {
		t.Error("cyclic close must keep the side enabled")
	}
	if sess.SessionID != "" {
		t.Errorf("session id = %q, want empty for recycle", sess.SessionID)
	}
	if sess.StartRef != 90.95 {
		t.Errorf("start ref = %v, want current mid", sess.StartRef)
	}

	// Next tick mints a fresh session.
	e.HandleTick(tickAt(91, 90.9))
	if sess.SessionID == "" || sess.SessionID == sid {
		t.Errorf("fresh session not minted: %q", sess.SessionID)
	}
}

func TestCrossHedgeSellIdle(t *testing.T) {
	e, _ := newTestEngine(t)
	e.st.Settings.Buy.Rows = buyRows(10, 10)
	e.st.Settings.Buy.HedgeValue = 50
	e.st.Runtime.Buy.Enabled = true

	e.HandleTick(tickAt(100, 99.9))
	e.HandleTick(tickAt(90, 89.9))
	sid := e.st.Runtime.Buy.SessionID

	positions := []types.Position{
		{Ticket: 1, Type: "BUY", Volume: 0.1, Price: 90, Profit: -20, Comment: sid + "_idx0"},
		{Ticket: 2, Type: "BUY", Volume: 0.1, Price: 80, Profit: -30, Comment: sid + "_idx1"},
	}
	d := e.HandleTick(tickAt(80, 79.9, positions...))
	if d.Action != types.ActionSell {
		t.Fatalf("action = %q, want SELL absorption", d.Action)
	}
	if d.Volume != 0.2 {
		t.Errorf("volume = %v, want the losing side's 0.2 lots", d.Volume)
	}
	if d.Alert == nil || !*d.Alert {
		t.Error("hedge entry must carry alert")
	}

	if !e.st.Runtime.Buy.HedgeTriggered {
		t.Error("losing side must latch hedge_triggered")
	}
	sell := &e.st.Runtime.Sell
	if !sell.Enabled || sell.SessionID == "" {
		t.Fatalf("sell session not started: %+v", sell)
	}
	if sell.StartRef != 79.9 {
		t.Errorf("sell start ref = %v, want bid", sell.StartRef)
	}
	if len(e.st.Settings.Sell.Rows) != 1 || e.st.Settings.Sell.Rows[0].Lots != 0.2 {
		t.Errorf("sell rows = %+v, want single absorption row", e.st.Settings.Sell.Rows)
	}
	if sell.ExecMap[0].EntryPrice != 79.9 || sell.ExecMap[0].Lots != 0.2 {
		t.Errorf("sell exec = %+v", sell.ExecMap[0])
	}
	if !strings.HasSuffix(d.Comment, "_idx0") || !strings.HasPrefix(d.Comment, sell.SessionID) {
		t.Errorf("comment = %q", d.Comment)
	}
}

func TestCrossHedgeExtendsRunningSide(t *testing.T) {
	e, _ := newTestEngine(t)
	e.st.Settings.Buy.Rows = buyRows(10)
	e.st.Settings.Buy.HedgeValue = 50
	e.st.Settings.Sell.Rows = buyRows(10)
	e.st.Runtime.Buy.Enabled = true
	e.st.Runtime.Sell.Enabled = true

	// Start both sides and execute one level each.
	e.HandleTick(tickAt(100, 99.9))
	d := e.HandleTick(tickAt(90, 109.9))
	if d.Action != types.ActionBuy {
		t.Fatalf("buy setup: %q", d.Action)
	}
	d = e.HandleTick(tickAt(90, 109.9))
	if d.Action != types.ActionSell {
		t.Fatalf("sell setup: %q", d.Action)
	}
	buySID := e.st.Runtime.Buy.SessionID

	positions := []types.Position{
		{Ticket: 1, Type: "BUY", Volume: 0.3, Price: 90, Profit: -60, Comment: buySID + "_idx0"},
	}
	d = e.HandleTick(tickAt(90, 89.9, positions...))
	if d.Action != types.ActionSell {
		t.Fatalf("action = %q, want SELL extension", d.Action)
	}
	if d.Volume != 0.3 {
		t.Errorf("volume = %v, want 0.3", d.Volume)
	}

	sell := &e.st.Runtime.Sell
	if len(sell.ExecMap) != 2 {
		t.Fatalf("sell exec map size = %d, want 2", len(sell.ExecMap))
	}
	if sell.ExecMap[1].EntryPrice != 89.9 || sell.ExecMap[1].Lots != 0.3 {
		t.Errorf("injected exec = %+v", sell.ExecMap[1])
	}
	// Appended row gap equals the distance from the last executed price.
	rows := e.st.Settings.Sell.Rows
	if len(rows) != 2 {
		t.Fatalf("sell rows = %+v", rows)
	}
	if got, want := rows[1].Dollar, 109.9-89.9; got < want-1e-9 || got > want+1e-9 {
		t.Errorf("injected gap = %v, want %v", got, want)
	}
}

func TestCrossHedgeInjectionDoesNotRefire(t *testing.T) {
	e, _ := newTestEngine(t)
	e.st.Settings.Buy.Rows = buyRows(10)
	e.st.Settings.Buy.HedgeValue = 50
	e.st.Settings.Sell.Rows = buyRows(10, 10, 10)
	e.st.Runtime.Buy.Enabled = true
	e.st.Runtime.Sell.Enabled = true

	e.HandleTick(tickAt(100, 99.9))
	d := e.HandleTick(tickAt(90, 89.9))
	if d.Action != types.ActionBuy {
		t.Fatalf("buy setup: %q", d.Action)
	}
	d = e.HandleTick(tickAt(90, 109.9))
	if d.Action != types.ActionSell {
		t.Fatalf("sell setup: %q", d.Action)
	}
	buySID := e.st.Runtime.Buy.SessionID
	sellSID := e.st.Runtime.Sell.SessionID

	// The sell side still has two unexecuted configured rows when the
	// absorption lands.
	buyPos := types.Position{Ticket: 1, Type: "BUY", Volume: 0.5, Price: 90, Profit: -60, Comment: buySID + "_idx0"}
	d = e.HandleTick(tickAt(90, 89.9, buyPos))
	if d.Action != types.ActionSell || d.Volume != 0.5 {
		t.Fatalf("absorption = %+v", d)
	}

	rows := e.st.Settings.Sell.Rows
	if len(rows) != 2 {
		t.Fatalf("sell rows = %+v, want executed row plus injection only", rows)
	}
	if rows[1].Index != 1 || rows[1].Lots != 0.5 {
		t.Errorf("injected row = %+v, must sit at the exec index", rows[1])
	}

	// However far price runs, the lump volume must never fire again as a
	// grid level: the next index is already past the injected row.
	sellPos := []types.Position{
		{Ticket: 2, Type: "SELL", Volume: 0.1, Price: 109.9, Comment: sellSID + "_idx0"},
		{Ticket: 3, Type: "SELL", Volume: 0.5, Price: 89.9, Comment: sellSID + "_idx1"},
	}
	d = e.HandleTick(tickAt(90, 200, append(sellPos, buyPos)...))
	if d.Action != types.ActionWait {
		t.Fatalf("action = %q, hedge lump re-fired as a level", d.Action)
	}
	if len(e.st.Runtime.Sell.ExecMap) != 2 {
		t.Errorf("sell exec map = %+v", e.st.Runtime.Sell.ExecMap)
	}
}

func TestHedgeBelowThresholdDoesNothing(t *testing.T) {
	e, _ := newTestEngine(t)
	e.st.Settings.Buy.Rows = buyRows(10, 10)
	e.st.Settings.Buy.HedgeValue = 50
	e.st.Runtime.Buy.Enabled = true

	e.HandleTick(tickAt(100, 99.9))
	e.HandleTick(tickAt(90, 89.9))
	sid := e.st.Runtime.Buy.SessionID

	pos := types.Position{Ticket: 1, Type: "BUY", Volume: 0.1, Price: 90, Profit: -49, Comment: sid + "_idx0"}
	e.HandleTick(tickAt(89, 88.9, pos))
	if e.st.Runtime.Buy.HedgeTriggered {
		t.Error("loss above -hedge_value must not latch")
	}
	if e.st.Runtime.Sell.SessionID != "" {
		t.Error("sell side must stay idle")
	}
}

func TestExternalCloseGrace(t *testing.T) {
	e, clock := newTestEngine(t)
	e.st.Settings.Buy.Rows = buyRows(10)
	e.st.Runtime.Buy.Enabled = true

	e.HandleTick(tickAt(100, 99.9))
	d := e.HandleTick(tickAt(90, 89.9))
	if d.Action != types.ActionBuy {
		t.Fatalf("setup: %q", d.Action)
	}
	sid := e.st.Runtime.Buy.SessionID

	// 2s after the order: an empty book is an order in flight, not a close.
	clock.Advance(2 * time.Second)
	e.HandleTick(tickAt(90, 89.9))
	if e.st.Runtime.Buy.SessionID != sid {
		t.Fatal("session cleared inside the grace period")
	}

	// Past the grace period the empty book means a manual close.
	clock.Advance(4 * time.Second)
	e.HandleTick(tickAt(90, 89.9))
	sess := &e.st.Runtime.Buy
	if sess.SessionID != "" || len(sess.ExecMap) != 0 {
		t.Errorf("session not cleared: %+v", sess)
	}
	if sess.Enabled {
		t.Error("non-cyclic external close must disable the side")
	}
}

func TestExternalCloseCyclicRecycles(t *testing.T) {
	e, clock := newTestEngine(t)
	e.st.Settings.Buy.Rows = buyRows(10)
	e.st.Runtime.Buy.Enabled = true
	e.st.Runtime.CyclicOn = true

	e.HandleTick(tickAt(100, 99.9))
	e.HandleTick(tickAt(90, 89.9))
	old := e.st.Runtime.Buy.SessionID

	clock.Advance(6 * time.Second)
	e.HandleTick(tickAt(90, 89.9))
	sess := &e.st.Runtime.Buy
	if !sess.Enabled {
		t.Error("cyclic external close must keep the side enabled")
	}
	// The entry branch runs after detection on the same tick and mints anew.
	if sess.SessionID == "" || sess.SessionID == old {
		t.Errorf("session id = %q", sess.SessionID)
	}
}

func TestConflictFreeze(t *testing.T) {
	e, _ := newTestEngine(t)

	foreign := types.Position{Ticket: 42, Type: "BUY", Volume: 0.1, Price: 90, Comment: "buy_deadbeef_idx0"}
	d := e.HandleTick(tickAt(90, 89.9, foreign))
	if d.Action != types.ActionWait {
		t.Fatalf("action = %q, want WAIT", d.Action)
	}
	want := "CRITICAL: Conflict detected. Unknown Buy trade 42."
	if d.Error != want {
		t.Errorf("error = %q, want %q", d.Error, want)
	}
	if e.st.Runtime.ErrorStatus != want {
		t.Errorf("error_status = %q", e.st.Runtime.ErrorStatus)
	}

	// Frozen engine answers WAIT without touching state.
	d = e.HandleTick(tickAt(95, 94.9))
	if d.Action != types.ActionWait || d.Error != want {
		t.Errorf("frozen reply = %+v", d)
	}
	if e.st.Runtime.CurrentPrice == 94.95 {
		t.Error("frozen tick must not update market state")
	}
}

func TestReconcileIgnoresMismatchedType(t *testing.T) {
	e, _ := newTestEngine(t)
	e.st.Settings.Buy.Rows = buyRows(10, 10)
	e.st.Runtime.Buy.Enabled = true

	e.HandleTick(tickAt(100, 99.9))
	e.HandleTick(tickAt(90, 89.9))
	sid := e.st.Runtime.Buy.SessionID

	// Correct session id but broker type SELL: not ours to book.
	mislabeled := types.Position{Ticket: 5, Type: "SELL", Volume: 0.1, Price: 90, Profit: -1, Comment: sid + "_idx1"}
	d := e.HandleTick(tickAt(90, 89.9, mislabeled))
	if d.Error != "" {
		t.Fatalf("mismatched type must not freeze: %+v", d)
	}
	if _, ok := e.st.Runtime.Buy.ExecMap[1]; ok {
		t.Error("mismatched type must not be upserted")
	}
}

func TestForeignCommentsIgnored(t *testing.T) {
	e, _ := newTestEngine(t)

	manual := types.Position{Ticket: 7, Type: "BUY", Volume: 1, Price: 90, Comment: "my manual trade"}
	d := e.HandleTick(tickAt(90, 89.9, manual))
	if d.Action != types.ActionWait || d.Error != "" {
		t.Errorf("reply = %+v, want clean WAIT", d)
	}
}

func TestSwitchOffEnqueuesClose(t *testing.T) {
	e, _ := newTestEngine(t)
	e.st.Settings.Buy.Rows = buyRows(10)
	e.st.Runtime.Buy.Enabled = true

	e.HandleTick(tickAt(100, 99.9))
	e.HandleTick(tickAt(90, 89.9))
	sid := e.st.Runtime.Buy.SessionID

	off := false
	res := e.ApplyControl(api.ControlRequest{BuySwitch: &off})
	if res.Status != "ok" {
		t.Fatalf("status = %q", res.Status)
	}
	if e.st.Runtime.Buy.Enabled || !e.st.Runtime.Buy.IsClosing {
		t.Error("switch off must disable and mark closing")
	}

	d := e.HandleTick(tickAt(90, 89.9))
	if d.Action != types.ActionCloseAll || d.Comment != sid {
		t.Errorf("pending close = %+v, want CLOSE_ALL %q", d, sid)
	}
}

func TestEmergencyClose(t *testing.T) {
	e, _ := newTestEngine(t)
	e.st.Runtime.Buy.Enabled = true
	e.st.Runtime.Sell.Enabled = true
	e.st.Runtime.CyclicOn = true
	e.st.Runtime.ErrorStatus = "CRITICAL: Conflict detected. Unknown Buy trade 42."

	on := true
	res := e.ApplyControl(api.ControlRequest{EmergencyClose: &on})
	if res.Status != "emergency" {
		t.Fatalf("status = %q", res.Status)
	}
	rt := &e.st.Runtime
	if rt.Buy.Enabled || rt.Sell.Enabled || rt.CyclicOn {
		t.Error("emergency must disable all switches")
	}
	if !rt.Buy.IsClosing || !rt.Sell.IsClosing {
		t.Error("emergency must mark both sides closing")
	}
	if rt.ErrorStatus != "" {
		t.Error("emergency must lift a conflict freeze")
	}

	d := e.HandleTick(tickAt(90, 89.9))
	if d.Action != types.ActionCloseAll || d.Comment != "server" {
		t.Errorf("reply = %+v, want CLOSE_ALL server", d)
	}
}

func TestUpdateSettingsLocksExecutedRows(t *testing.T) {
	e, _ := newTestEngine(t)
	e.st.Settings.Buy.Rows = buyRows(10, 10)
	e.st.Runtime.Buy.Enabled = true

	e.HandleTick(tickAt(100, 99.9))
	e.HandleTick(tickAt(90, 89.9)) // executes idx0

	in := state.Settings{
		Buy: state.SideSettings{
			TPType: types.TPEquityPct,
			Rows: []types.GridLevel{
				{Index: 0, Dollar: 99, Lots: 9.9, Alert: true}, // executed: locked
				{Index: 1, Dollar: 7, Lots: 0.5},               // free: replaced
				{Index: 2, Dollar: 0, Lots: 0.5},               // sentinel: dropped
			},
		},
		Sell: state.SideSettings{TPType: types.TPEquityPct},
	}
	if err := e.UpdateSettings(in); err != nil {
		t.Fatalf("UpdateSettings: %v", err)
	}

	rows := e.st.Settings.Buy.Rows
	if len(rows) != 2 {
		t.Fatalf("rows = %+v, want 2 (sentinel dropped)", rows)
	}
	if rows[0].Dollar != 10 || rows[0].Lots != 0.1 {
		t.Errorf("executed row not locked: %+v", rows[0])
	}
	if !rows[0].Alert {
		t.Error("alert must follow the incoming row")
	}
	if rows[1].Dollar != 7 || rows[1].Lots != 0.5 {
		t.Errorf("free row not replaced: %+v", rows[1])
	}
}

func TestUpdateSettingsRejectsNegativeValues(t *testing.T) {
	e, _ := newTestEngine(t)

	in := state.Settings{Buy: state.SideSettings{TPValue: -1}}
	if err := e.UpdateSettings(in); err == nil {
		t.Error("negative tp_value must be rejected")
	}

	in = state.Settings{Sell: state.SideSettings{HedgeValue: -1}}
	if err := e.UpdateSettings(in); err == nil {
		t.Error("negative hedge_value must be rejected")
	}

	// Rejection must not mutate.
	if e.st.Settings.Buy.TPValue != 0 || e.st.Settings.Sell.HedgeValue != 0 {
		t.Error("rejected update leaked into settings")
	}
}

func TestIdempotentRepeatTick(t *testing.T) {
	e, _ := newTestEngine(t)
	e.st.Settings.Buy.Rows = buyRows(10)
	e.st.Runtime.Buy.Enabled = true

	tick := tickAt(100, 99.9)
	e.HandleTick(tick)
	before := e.st.Runtime.Buy

	d := e.HandleTick(tick)
	if d.Action != types.ActionWait {
		t.Fatalf("action = %q", d.Action)
	}
	after := e.st.Runtime.Buy
	if before.SessionID != after.SessionID || before.StartRef != after.StartRef ||
		len(before.ExecMap) != len(after.ExecMap) || before.WaitingLimit != after.WaitingLimit {
		t.Errorf("repeat tick changed session state:\nbefore %+v\nafter  %+v", before, after)
	}
}

func TestCumulativesConsistentAfterReconcile(t *testing.T) {
	e, _ := newTestEngine(t)
	e.st.Settings.Buy.Rows = buyRows(10, 10)
	e.st.Runtime.Buy.Enabled = true

	e.HandleTick(tickAt(100, 99.9))
	e.HandleTick(tickAt(90, 89.9))
	sid := e.st.Runtime.Buy.SessionID

	positions := []types.Position{
		{Ticket: 1, Type: "BUY", Volume: 0.1, Price: 90, Profit: -3, Comment: sid + "_idx0"},
		{Ticket: 2, Type: "BUY", Volume: 0.2, Price: 80, Profit: 5, Comment: sid + "_idx1"},
	}
	e.HandleTick(tickAt(85, 84.9, positions...))

	m := e.st.Runtime.Buy.ExecMap
	if m[1].CumulativeLots != 0.1+0.2 {
		t.Errorf("cumulative lots = %v", m[1].CumulativeLots)
	}
	if m[1].CumulativeProfit != 2 {
		t.Errorf("cumulative profit = %v", m[1].CumulativeProfit)
	}
}

func TestStateSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	st, err := store.Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	cfg := config.Config{Engine: config.EngineConfig{ExternalCloseGrace: 5 * time.Second, PriceHistoryLen: 100}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := New(cfg, st, alert.NewNotifier(config.AlertConfig{}, logger), logger)
	e.st.Settings.Buy.Rows = buyRows(10)
	e.st.Runtime.Buy.Enabled = true

	e.HandleTick(tickAt(100, 99.9))
	d := e.HandleTick(tickAt(90, 89.9))
	if d.Action != types.ActionBuy {
		t.Fatalf("setup: %q", d.Action)
	}
	sid := e.st.Runtime.Buy.SessionID

	st2, err := store.Open(path)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	e2 := New(cfg, st2, alert.NewNotifier(config.AlertConfig{}, logger), logger)

	sess := &e2.st.Runtime.Buy
	if sess.SessionID != sid {
		t.Errorf("session id = %q, want %q", sess.SessionID, sid)
	}
	if len(sess.ExecMap) != 1 || sess.ExecMap[0].EntryPrice != 90 {
		t.Errorf("exec map = %+v", sess.ExecMap)
	}
	if e2.st.History.Len() != 2 {
		t.Errorf("history len = %d, want 2", e2.st.History.Len())
	}
}

func TestHealthReflectsFreeze(t *testing.T) {
	e, _ := newTestEngine(t)

	h := e.Health()
	if h.Status != "healthy" || h.Version != Version {
		t.Errorf("health = %+v", h)
	}

	e.st.Runtime.ErrorStatus = "CRITICAL: Conflict detected. Unknown Sell trade 9."
	h = e.Health()
	if h.Status != "error" || h.Error == "" {
		t.Errorf("health = %+v", h)
	}
}

func TestUIDataSnapshotIsDetached(t *testing.T) {
	e, _ := newTestEngine(t)
	e.st.Settings.Buy.Rows = buyRows(10)
	e.st.Runtime.Buy.Enabled = true
	e.HandleTick(tickAt(100, 99.9))
	e.HandleTick(tickAt(90, 89.9))

	data := e.UIData()
	if len(data.Runtime.Buy.ExecMap) != 1 {
		t.Fatalf("snapshot exec map = %+v", data.Runtime.Buy.ExecMap)
	}

	// Mutating the snapshot must not reach the engine.
	data.Runtime.Buy.ExecMap[99] = state.ExecRecord{Index: 99}
	if _, ok := e.st.Runtime.Buy.ExecMap[99]; ok {
		t.Error("snapshot aliases the live exec map")
	}
	if data.Market.Current == nil || data.Market.Current.Mid != 89.95 {
		t.Errorf("market current = %+v", data.Market.Current)
	}
}
