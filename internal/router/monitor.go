package router

import (
	"time"

	"github.com/satriahrh/tutur/domain/entities"
)

// MonitorConfig is the continuous degrade policy
type MonitorConfig struct {
	CloudMaxAvgLatency     time.Duration
	CloudMaxErrorRate      float64
	CloudMaxTimeoutRate    float64
	ReasoningMaxAvgLatency time.Duration
	// Window is how many recent outcomes per route are averaged
	Window int
	// MinSamples is the least a window needs before it can degrade a route
	MinSamples int
	// Hold is how long a degrade lasts before the route is probed again
	Hold time.Duration
}

func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		CloudMaxAvgLatency:     2000 * time.Millisecond,
		CloudMaxErrorRate:      0.10,
		CloudMaxTimeoutRate:    0.05,
		ReasoningMaxAvgLatency: 1500 * time.Millisecond,
		Window:                 20,
		MinSamples:             5,
		Hold:                   60 * time.Second,
	}
}

type monitor struct {
	cfg           MonitorConfig
	degradedUntil map[entities.Route]time.Time
	reasons       map[entities.Route]string
}

func newMonitor(cfg MonitorConfig) *monitor {
	return &monitor{
		cfg:           cfg,
		degradedUntil: make(map[entities.Route]time.Time),
		reasons:       make(map[entities.Route]string),
	}
}

// evaluate re-checks route after a new outcome and returns the degrade
// reason when it trips
func (m *monitor) evaluate(route entities.Route, h *history, now time.Time) string {
	st := h.stats(route, m.cfg.Window)
	if st.Samples < m.cfg.MinSamples {
		return ""
	}

	var reason string
	switch route {
	case entities.RouteCloud:
		switch {
		case st.AvgLatency > m.cfg.CloudMaxAvgLatency:
			reason = "cloud average latency above target"
		case st.ErrorRate > m.cfg.CloudMaxErrorRate:
			reason = "cloud error rate above target"
		case st.TimeoutRate > m.cfg.CloudMaxTimeoutRate:
			reason = "cloud timeout rate above target"
		}
	case entities.RouteReasoningLocal:
		if st.AvgLatency > m.cfg.ReasoningMaxAvgLatency {
			reason = "reasoning average latency above target"
		}
	}

	if reason == "" {
		delete(m.degradedUntil, route)
		delete(m.reasons, route)
		return ""
	}
	if m.degraded(route, now) {
		return ""
	}
	m.degradedUntil[route] = now.Add(m.cfg.Hold)
	m.reasons[route] = reason
	return reason
}

func (m *monitor) degraded(route entities.Route, now time.Time) bool {
	return now.Before(m.degradedUntil[route])
}
