package api

import (
	"time"

	"gridserver/internal/state"
	"gridserver/pkg/types"
)

// EngineProvider is what the transport needs from the engine. The engine
// implements it; keeping it as an interface here avoids an import cycle and
// lets handler tests run against a stub.
type EngineProvider interface {
	HandleTick(tick types.Tick) types.Directive
	UpdateSettings(s state.Settings) error
	ApplyControl(req ControlRequest) ControlResult
	UIData() UIData
	Health() HealthStatus
	Events() <-chan Event
}

// ControlRequest mutates the engine toggles. Nil fields are left untouched.
type ControlRequest struct {
	BuySwitch      *bool `json:"buy_switch,omitempty"`
	SellSwitch     *bool `json:"sell_switch,omitempty"`
	Cyclic         *bool `json:"cyclic,omitempty"`
	EmergencyClose *bool `json:"emergency_close,omitempty"`
}

// ControlResult is the /api/control reply.
type ControlResult struct {
	Status string `json:"status"` // "ok" or "emergency"
}

// MarketData is the UI view of the price ring.
type MarketData struct {
	History []state.PricePoint `json:"history"`
	Current *state.PricePoint  `json:"current"`
}

// UIData is the full dashboard payload.
type UIData struct {
	Settings   state.Settings `json:"settings"`
	Runtime    state.Runtime  `json:"runtime"`
	Market     MarketData     `json:"market"`
	LastUpdate time.Time      `json:"last_update"`
}

// HealthStatus is the /api/health reply.
type HealthStatus struct {
	Status  string  `json:"status"` // "healthy" or "error"
	Error   string  `json:"error"`
	Version string  `json:"version"`
	Buy     bool    `json:"buy"`
	Sell    bool    `json:"sell"`
	Price   float64 `json:"price"`
}
