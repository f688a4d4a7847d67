// Package router picks the processing path for each turn and adapts the
// choice to the latency and reliability it observes.
package router

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/satriahrh/tutur/domain/entities"
)

// Config holds the routing thresholds
type Config struct {
	// CloudEnabled is false when no cloud generator is configured
	CloudEnabled bool

	FastMaxTokens       int
	FastMaxTextLength   int
	CloudMinTokens      int
	ReasoningMinTokens  int
	ReasoningMinTextLen int

	HistorySize       int
	AdaptiveMinSample int
	// ScoreLatencyFloor bounds the latency used when scoring a route
	ScoreLatencyFloor time.Duration

	Estimates map[entities.Route]time.Duration

	Monitor MonitorConfig
	Breaker BreakerConfig
}

func DefaultConfig() Config {
	return Config{
		CloudEnabled:        true,
		FastMaxTokens:       40,
		FastMaxTextLength:   100,
		CloudMinTokens:      60,
		ReasoningMinTokens:  40,
		ReasoningMinTextLen: 100,
		HistorySize:         1000,
		AdaptiveMinSample:   10,
		ScoreLatencyFloor:   100 * time.Millisecond,
		Estimates: map[entities.Route]time.Duration{
			entities.RouteFastLocal:      300 * time.Millisecond,
			entities.RouteReasoningLocal: 900 * time.Millisecond,
			entities.RouteCloud:          1200 * time.Millisecond,
		},
		Monitor: DefaultMonitorConfig(),
		Breaker: DefaultBreakerConfig(),
	}
}

func (c Config) Validate() error {
	if c.HistorySize <= 0 {
		return fmt.Errorf("router history size must be positive, got %d", c.HistorySize)
	}
	if c.AdaptiveMinSample <= 0 {
		return fmt.Errorf("adaptive minimum samples must be positive, got %d", c.AdaptiveMinSample)
	}
	if c.ScoreLatencyFloor <= 0 {
		return fmt.Errorf("score latency floor must be positive, got %v", c.ScoreLatencyFloor)
	}
	if c.Breaker.Consecutive <= 0 || c.Breaker.Cooldown <= 0 || c.Breaker.TTFAThreshold <= 0 {
		return fmt.Errorf("invalid circuit breaker config %+v", c.Breaker)
	}
	if c.Monitor.Window <= 0 || c.Monitor.MinSamples <= 0 || c.Monitor.Hold <= 0 {
		return fmt.Errorf("invalid degrade monitor config %+v", c.Monitor)
	}
	return nil
}

// Router is shared by every session of the process
type Router struct {
	cfg    Config
	clock  clock.Clock
	logger *zap.Logger

	mu      sync.Mutex
	history *history
	monitor *monitor
	breaker *breaker
}

func New(cfg Config, clk clock.Clock, logger *zap.Logger) *Router {
	if clk == nil {
		clk = clock.New()
	}
	return &Router{
		cfg:     cfg,
		clock:   clk,
		logger:  logger,
		history: newHistory(cfg.HistorySize),
		monitor: newMonitor(cfg.Monitor),
		breaker: &breaker{cfg: cfg.Breaker},
	}
}

// Decide picks a route for req. Personal data never leaves the device.
func (r *Router) Decide(req Request) entities.RouteDecision {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	cloudLocked := r.breaker.locked(now)
	cloudDegraded := r.monitor.degraded(entities.RouteCloud, now)
	reasoningDegraded := r.monitor.degraded(entities.RouteReasoningLocal, now)

	cloudAvailable := req.CloudAvailable && r.cfg.CloudEnabled &&
		req.PrivacyLevel != entities.PrivacyStrict && req.Preferences["cloud"] != "off"
	cloudEligible := !req.HasPII && cloudAvailable && !req.CloudDegraded && !cloudLocked && !cloudDegraded

	if req.HasPII {
		return r.decisionLocked(entities.RouteReasoningLocal, 1.0, "personal data stays local", req, false)
	}

	route, confidence, reason := r.rulesLocked(req, cloudAvailable && !req.CloudDegraded)

	if best, conf, ok := r.adaptiveLocked(r.eligibleLocked(req, cloudEligible, reasoningDegraded)); ok {
		if best != route {
			reason = fmt.Sprintf("adaptive: %s outscored %s", best, route)
		}
		route, confidence = best, conf
	}

	switch {
	case route == entities.RouteCloud && cloudLocked:
		route, confidence, reason = entities.RouteReasoningLocal, 0.8, "cloud locked out by circuit breaker"
	case route == entities.RouteCloud && cloudDegraded:
		route, confidence, reason = entities.RouteReasoningLocal, 0.8, "cloud degraded: "+r.monitor.reasons[entities.RouteCloud]
	}
	if route == entities.RouteReasoningLocal && reasoningDegraded && !req.NeedsTools {
		route, confidence, reason = entities.RouteFastLocal, 0.7, "reasoning degraded: "+r.monitor.reasons[entities.RouteReasoningLocal]
	}

	return r.decisionLocked(route, confidence, reason, req, cloudEligible)
}

// rulesLocked applies the static rules after the personal data check
func (r *Router) rulesLocked(req Request, cloudUsable bool) (entities.Route, float64, string) {
	length := req.TextLength()
	switch {
	case !cloudUsable:
		if req.NeedsTools {
			return entities.RouteReasoningLocal, 0.9, "cloud unavailable, tools needed"
		}
		return entities.RouteFastLocal, 0.9, "cloud unavailable"
	case !req.NeedsTools && req.EstimatedTokens <= r.cfg.FastMaxTokens && length <= r.cfg.FastMaxTextLength:
		return entities.RouteFastLocal, 0.85, "short request without tools"
	case req.NeedsTools && req.EstimatedTokens > r.cfg.CloudMinTokens:
		return entities.RouteCloud, 0.8, "long request needing tools"
	case req.EstimatedTokens > r.cfg.ReasoningMinTokens || length > r.cfg.ReasoningMinTextLen:
		return entities.RouteReasoningLocal, 0.75, "long request"
	default:
		return entities.RouteFastLocal, 0.6, "default"
	}
}

func (r *Router) eligibleLocked(req Request, cloudEligible, reasoningDegraded bool) []entities.Route {
	var routes []entities.Route
	if !req.NeedsTools {
		routes = append(routes, entities.RouteFastLocal)
	}
	if !reasoningDegraded || req.NeedsTools {
		routes = append(routes, entities.RouteReasoningLocal)
	}
	if cloudEligible {
		routes = append(routes, entities.RouteCloud)
	}
	return routes
}

// adaptiveLocked picks the best scoring route once at least two eligible
// routes have enough history to compare
func (r *Router) adaptiveLocked(eligible []entities.Route) (entities.Route, float64, bool) {
	var (
		best      entities.Route
		bestScore float64
		total     float64
		scored    int
	)
	for _, route := range eligible {
		st := r.history.stats(route, 0)
		if st.Samples < r.cfg.AdaptiveMinSample {
			continue
		}
		score := st.Score(r.cfg.ScoreLatencyFloor)
		scored++
		total += score
		if scored == 1 || score > bestScore {
			best, bestScore = route, score
		}
	}
	if scored < 2 || total == 0 {
		return "", 0, false
	}
	return best, bestScore / total, true
}

func (r *Router) decisionLocked(route entities.Route, confidence float64, reason string, req Request, cloudEligible bool) entities.RouteDecision {
	var fallbacks []entities.Route
	for _, fb := range []entities.Route{entities.RouteReasoningLocal, entities.RouteFastLocal, entities.RouteCloud} {
		if fb == route {
			continue
		}
		if fb == entities.RouteCloud && (!cloudEligible || req.HasPII) {
			continue
		}
		fallbacks = append(fallbacks, fb)
	}

	decision := entities.RouteDecision{
		Route:            route,
		Confidence:       confidence,
		EstimatedLatency: r.estimateLocked(route),
		Fallbacks:        fallbacks,
		Reason:           reason,
	}
	r.logger.Debug("Route decided",
		zap.String("route", string(route)),
		zap.String("reason", reason),
		zap.Int("estimated_tokens", req.EstimatedTokens),
		zap.Bool("has_pii", req.HasPII),
		zap.Bool("needs_tools", req.NeedsTools))
	return decision
}

func (r *Router) estimateLocked(route entities.Route) time.Duration {
	st := r.history.stats(route, r.cfg.Monitor.Window)
	if st.Samples >= r.cfg.Monitor.MinSamples {
		return st.AvgLatency
	}
	return r.cfg.Estimates[route]
}

// Record feeds one turn's outcome into the history, the degrade monitor and
// the cloud breaker
func (r *Router) Record(o Outcome) {
	now := r.clock.Now()
	if o.At.IsZero() {
		o.At = now
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.history.add(o)
	if reason := r.monitor.evaluate(o.Route, r.history, now); reason != "" {
		r.logger.Warn("Route degraded",
			zap.String("route", string(o.Route)),
			zap.String("reason", reason),
			zap.Duration("hold", r.cfg.Monitor.Hold))
	}
	if o.Route == entities.RouteCloud && r.breaker.observe(o.TTFA, now) {
		r.logger.Warn("Cloud route locked out",
			zap.Duration("ttfa", o.TTFA),
			zap.Duration("cooldown", r.cfg.Breaker.Cooldown))
	}
}

// Status is a read-only snapshot for the API
type Status struct {
	CloudEnabled     bool                             `json:"cloud_enabled"`
	CloudLocked      bool                             `json:"cloud_locked"`
	CloudLockedUntil *time.Time                       `json:"cloud_locked_until,omitempty"`
	BreakerTrips     int                              `json:"breaker_trips"`
	Degraded         map[entities.Route]string        `json:"degraded"`
	HistorySize      int                              `json:"history_size"`
	Routes           map[entities.Route]RouteStats    `json:"routes"`
	Scores           map[entities.Route]float64       `json:"scores"`
	Estimates        map[entities.Route]time.Duration `json:"estimates"`
}

func (r *Router) Status() Status {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	st := Status{
		CloudEnabled: r.cfg.CloudEnabled,
		CloudLocked:  r.breaker.locked(now),
		BreakerTrips: r.breaker.trips,
		Degraded:     make(map[entities.Route]string),
		HistorySize:  r.history.len(),
		Routes:       make(map[entities.Route]RouteStats),
		Scores:       make(map[entities.Route]float64),
		Estimates:    make(map[entities.Route]time.Duration),
	}
	if st.CloudLocked {
		until := r.breaker.lockedUntil
		st.CloudLockedUntil = &until
	}
	for _, route := range entities.AllRoutes {
		if r.monitor.degraded(route, now) {
			st.Degraded[route] = r.monitor.reasons[route]
		}
		rs := r.history.stats(route, 0)
		st.Routes[route] = rs
		if rs.Samples > 0 {
			st.Scores[route] = rs.Score(r.cfg.ScoreLatencyFloor)
		}
		st.Estimates[route] = r.estimateLocked(route)
	}
	return st
}
