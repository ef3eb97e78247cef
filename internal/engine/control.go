package engine

import (
	"fmt"

	"gridserver/internal/alert"
	"gridserver/internal/api"
	"gridserver/internal/state"
	"gridserver/pkg/types"
)

// ApplyControl flips the engine toggles. Turning a side off enqueues a
// one-shot close-all and marks the side closing; emergency close disables
// everything, queues a server-wide close, and lifts a conflict freeze.
func (e *Engine) ApplyControl(req api.ControlRequest) api.ControlResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	rt := &e.st.Runtime

	if req.EmergencyClose != nil && *req.EmergencyClose {
		rt.Buy.Enabled = false
		rt.Sell.Enabled = false
		rt.CyclicOn = false
		rt.Buy.IsClosing = true
		rt.Sell.IsClosing = true
		rt.PendingActions = append(rt.PendingActions, state.CloseAllEmergency)
		rt.ErrorStatus = ""

		e.logger.Warn("emergency close requested")
		e.persist()
		e.emitEvent(api.NewFreezeEvent("emergency close"))
		e.notifier.SendAsync(alert.Message{Kind: "emergency", Detail: "operator emergency close"})
		return api.ControlResult{Status: "emergency"}
	}

	if req.BuySwitch != nil {
		if rt.Buy.Enabled && !*req.BuySwitch {
			rt.PendingActions = append(rt.PendingActions, state.CloseAllBuy)
			rt.Buy.IsClosing = true
		}
		rt.Buy.Enabled = *req.BuySwitch
	}

	if req.SellSwitch != nil {
		if rt.Sell.Enabled && !*req.SellSwitch {
			rt.PendingActions = append(rt.PendingActions, state.CloseAllSell)
			rt.Sell.IsClosing = true
		}
		rt.Sell.Enabled = *req.SellSwitch
	}

	if req.Cyclic != nil {
		rt.CyclicOn = *req.Cyclic
	}

	e.logger.Info("control applied",
		"buy", rt.Buy.Enabled, "sell", rt.Sell.Enabled, "cyclic", rt.CyclicOn)
	e.persist()
	return api.ControlResult{Status: "ok"}
}

// UpdateSettings replaces the per-side grid configuration. Pause-sentinel
// rows are dropped on ingest. Rows whose index was already executed in the
// live session keep their stored dollar/lots; only the alert flag follows
// the incoming row. Everything is validated before any mutation.
func (e *Engine) UpdateSettings(in state.Settings) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, side := range types.Sides {
		s := in.Side(side)
		if s.TPValue < 0 {
			return fmt.Errorf("%s tp_value must be non-negative", side)
		}
		if s.HedgeValue < 0 {
			return fmt.Errorf("%s hedge_value must be non-negative", side)
		}
	}

	for _, side := range types.Sides {
		cur := e.st.Settings.Side(side)
		sess := e.st.Runtime.Session(side)
		incoming := in.Side(side)

		oldRows := make(map[int]types.GridLevel, len(cur.Rows))
		for _, r := range cur.Rows {
			oldRows[r.Index] = r
		}

		var final []types.GridLevel
		for _, r := range incoming.Rows {
			if r.IsPause() {
				continue
			}
			if _, executed := sess.ExecMap[r.Index]; executed {
				if old, ok := oldRows[r.Index]; ok {
					final = append(final, types.GridLevel{
						Index:  old.Index,
						Dollar: old.Dollar,
						Lots:   old.Lots,
						Alert:  r.Alert,
					})
					continue
				}
			}
			final = append(final, r)
		}

		cur.LimitPrice = incoming.LimitPrice
		cur.TPType = incoming.TPType
		cur.TPValue = incoming.TPValue
		cur.HedgeValue = incoming.HedgeValue
		cur.Rows = final
	}

	e.logger.Info("settings updated",
		"buy_rows", len(e.st.Settings.Buy.Rows), "sell_rows", len(e.st.Settings.Sell.Rows))
	e.persist()
	return nil
}

// UIData returns a deep-enough copy of the dashboard payload: the handler
// serializes it after the lock is released, so nothing here may alias the
// engine's live maps and slices.
func (e *Engine) UIData() api.UIData {
	e.mu.Lock()
	defer e.mu.Unlock()

	rt := e.st.Runtime
	rt.Buy.ExecMap = cloneExecMap(e.st.Runtime.Buy.ExecMap)
	rt.Sell.ExecMap = cloneExecMap(e.st.Runtime.Sell.ExecMap)
	rt.PendingActions = append([]state.PendingAction(nil), e.st.Runtime.PendingActions...)

	settings := e.st.Settings
	settings.Buy.Rows = append([]types.GridLevel(nil), e.st.Settings.Buy.Rows...)
	settings.Sell.Rows = append([]types.GridLevel(nil), e.st.Settings.Sell.Rows...)

	history := e.st.History.Samples()
	var current *state.PricePoint
	if last, ok := e.st.History.Last(); ok {
		current = &last
	}

	return api.UIData{
		Settings:   settings,
		Runtime:    rt,
		Market:     api.MarketData{History: history, Current: current},
		LastUpdate: e.st.LastUpdate,
	}
}

// Health reports engine status for the health endpoint.
func (e *Engine) Health() api.HealthStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	rt := &e.st.Runtime
	status := "healthy"
	if rt.ErrorStatus != "" {
		status = "error"
	}

	return api.HealthStatus{
		Status:  status,
		Error:   rt.ErrorStatus,
		Version: Version,
		Buy:     rt.Buy.Enabled,
		Sell:    rt.Sell.Enabled,
		Price:   rt.CurrentPrice,
	}
}

func cloneExecMap(m map[int]state.ExecRecord) map[int]state.ExecRecord {
	out := make(map[int]state.ExecRecord, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
