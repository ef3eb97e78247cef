package state

import (
	"encoding/json"
	"time"
)

// PricePoint is one mid-price sample.
type PricePoint struct {
	Mid       float64   `json:"mid"`
	Timestamp time.Time `json:"ts"`
}

// History is a bounded ring of the most recent mid-price samples, kept for
// the UI readout. It serializes as a plain JSON array (oldest first); the
// capacity comes from config and is restored after load via SetCapacity.
type History struct {
	capacity int
	samples  []PricePoint
}

// NewHistory creates an empty ring with the given capacity.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = 1
	}
	return &History{capacity: capacity}
}

// Append adds a sample, evicting the oldest when full.
func (h *History) Append(p PricePoint) {
	h.samples = append(h.samples, p)
	if len(h.samples) > h.capacity {
		h.samples = h.samples[len(h.samples)-h.capacity:]
	}
}

// Last returns the most recent sample.
func (h *History) Last() (PricePoint, bool) {
	if len(h.samples) == 0 {
		return PricePoint{}, false
	}
	return h.samples[len(h.samples)-1], true
}

// Len returns the number of stored samples.
func (h *History) Len() int {
	return len(h.samples)
}

// Samples returns a copy of the stored samples, oldest first.
func (h *History) Samples() []PricePoint {
	out := make([]PricePoint, len(h.samples))
	copy(out, h.samples)
	return out
}

// SetCapacity adjusts the ring size, trimming the oldest samples if needed.
func (h *History) SetCapacity(capacity int) {
	if capacity <= 0 {
		capacity = 1
	}
	h.capacity = capacity
	if len(h.samples) > capacity {
		h.samples = h.samples[len(h.samples)-capacity:]
	}
}

// MarshalJSON writes the ring as a plain array of samples.
func (h *History) MarshalJSON() ([]byte, error) {
	if h.samples == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(h.samples)
}

// UnmarshalJSON restores samples from a plain array. Capacity is set by the
// caller afterwards (see System.Normalize).
func (h *History) UnmarshalJSON(data []byte) error {
	var samples []PricePoint
	if err := json.Unmarshal(data, &samples); err != nil {
		return err
	}
	h.samples = samples
	if h.capacity == 0 {
		h.capacity = len(samples)
		if h.capacity == 0 {
			h.capacity = 1
		}
	}
	return nil
}
