package entities

import "time"

// Route is a processing path for one turn
type Route string

const (
	RouteFastLocal      Route = "fast-local"
	RouteReasoningLocal Route = "reasoning-local"
	RouteCloud          Route = "cloud"
)

// AllRoutes lists routes from cheapest to most capable
var AllRoutes = []Route{RouteFastLocal, RouteReasoningLocal, RouteCloud}

// IsLocal reports whether the route stays on the device's own backend
func (r Route) IsLocal() bool {
	return r == RouteFastLocal || r == RouteReasoningLocal
}

// RouteDecision is the router's answer for one turn
type RouteDecision struct {
	Route            Route         `json:"route"`
	Confidence       float64       `json:"confidence"`
	EstimatedLatency time.Duration `json:"estimated_latency"`
	Fallbacks        []Route       `json:"fallbacks"`
	Reason           string        `json:"reason"`
}
