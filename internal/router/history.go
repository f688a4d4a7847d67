package router

import (
	"time"

	"github.com/satriahrh/tutur/domain/entities"
)

// Outcome is what the coordinator observed for one routed turn
type Outcome struct {
	Route entities.Route
	// Latency is the generation latency, final transcript to first token
	Latency  time.Duration
	TTFA     time.Duration
	Success  bool
	TimedOut bool
	At       time.Time
}

// RouteStats aggregates a route's outcomes
type RouteStats struct {
	Samples     int           `json:"samples"`
	SuccessRate float64       `json:"success_rate"`
	ErrorRate   float64       `json:"error_rate"`
	TimeoutRate float64       `json:"timeout_rate"`
	AvgLatency  time.Duration `json:"avg_latency"`
}

// Score favours routes that succeed quickly. Latency is floored so a route
// reporting near-zero latency cannot dominate.
func (s RouteStats) Score(floor time.Duration) float64 {
	lat := s.AvgLatency
	if lat < floor {
		lat = floor
	}
	return s.SuccessRate / lat.Seconds()
}

// history is a fixed-capacity ring of outcomes, oldest overwritten first
type history struct {
	entries []Outcome
	next    int
	full    bool
}

func newHistory(capacity int) *history {
	return &history{entries: make([]Outcome, capacity)}
}

func (h *history) add(o Outcome) {
	if len(h.entries) == 0 {
		return
	}
	h.entries[h.next] = o
	h.next = (h.next + 1) % len(h.entries)
	if h.next == 0 {
		h.full = true
	}
}

func (h *history) len() int {
	if h.full {
		return len(h.entries)
	}
	return h.next
}

// recent walks outcomes newest first until fn returns false
func (h *history) recent(fn func(Outcome) bool) {
	n := h.len()
	for i := 0; i < n; i++ {
		idx := (h.next - 1 - i + len(h.entries)) % len(h.entries)
		if !fn(h.entries[idx]) {
			return
		}
	}
}

// stats aggregates the newest limit outcomes of route; limit <= 0 means all
func (h *history) stats(route entities.Route, limit int) RouteStats {
	var (
		st       RouteStats
		ok       int
		timeouts int
		total    time.Duration
	)
	h.recent(func(o Outcome) bool {
		if o.Route != route {
			return true
		}
		st.Samples++
		if o.Success {
			ok++
		}
		if o.TimedOut {
			timeouts++
		}
		total += o.Latency
		return limit <= 0 || st.Samples < limit
	})
	if st.Samples == 0 {
		return st
	}
	n := float64(st.Samples)
	st.SuccessRate = float64(ok) / n
	st.ErrorRate = float64(st.Samples-ok) / n
	st.TimeoutRate = float64(timeouts) / n
	st.AvgLatency = total / time.Duration(st.Samples)
	return st
}
