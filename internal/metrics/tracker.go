// Package metrics aggregates per-turn latencies into averages, percentiles
// and a health signal, and ships turn records to an export sink.
package metrics

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/satriahrh/tutur/domain/entities"
)

// Phase names a measured stretch of a turn
type Phase string

const (
	PhaseFirstPartial Phase = "first_partial"
	PhaseFinal        Phase = "final"
	PhaseTTFT         Phase = "ttft"
	PhaseTTFA         Phase = "ttfa"
	PhaseTotal        Phase = "total"
	PhaseBargeInCut   Phase = "barge_in_cut"
)

var phases = []Phase{PhaseFirstPartial, PhaseFinal, PhaseTTFT, PhaseTTFA, PhaseTotal, PhaseBargeInCut}

func phaseValue(t entities.Turn, p Phase) time.Duration {
	switch p {
	case PhaseFirstPartial:
		return t.FirstPartialLatency()
	case PhaseFinal:
		return t.FinalLatency()
	case PhaseTTFT:
		return t.TTFT()
	case PhaseTTFA:
		return t.TTFA()
	case PhaseTotal:
		return t.Total()
	case PhaseBargeInCut:
		return t.BargeInCut
	}
	return 0
}

// Config tunes aggregation and the health flag
type Config struct {
	// Window is how many recent turns feed averages and percentiles
	Window int
	// ThroughputWindow is the sliding window for turns per second
	ThroughputWindow time.Duration
	// TargetTotal is the p95 end to end latency a healthy pipeline stays under
	TargetTotal  time.Duration
	MaxErrorRate float64
}

func DefaultConfig() Config {
	return Config{
		Window:           500,
		ThroughputWindow: time.Minute,
		TargetTotal:      3 * time.Second,
		MaxErrorRate:     0.05,
	}
}

func (c Config) Validate() error {
	if c.Window <= 0 {
		return fmt.Errorf("metrics window must be positive, got %d", c.Window)
	}
	if c.ThroughputWindow <= 0 {
		return fmt.Errorf("throughput window must be positive, got %v", c.ThroughputWindow)
	}
	if c.MaxErrorRate <= 0 || c.MaxErrorRate > 1 {
		return fmt.Errorf("max error rate must be in (0, 1], got %f", c.MaxErrorRate)
	}
	return nil
}

// PhaseStats summarizes one phase. Turns that never reached the phase are not counted.
type PhaseStats struct {
	Count int           `json:"count"`
	Avg   time.Duration `json:"avg"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
}

// RouteSnapshot is the per route breakdown
type RouteSnapshot struct {
	Turns  int                  `json:"turns"`
	Phases map[Phase]PhaseStats `json:"phases"`
}

// Snapshot is a point in time view of the tracker
type Snapshot struct {
	Turns      int                              `json:"turns"`
	Completed  int                              `json:"completed"`
	Failed     int                              `json:"failed"`
	Cancelled  int                              `json:"cancelled"`
	Phases     map[Phase]PhaseStats             `json:"phases"`
	Routes     map[entities.Route]RouteSnapshot `json:"routes"`
	Throughput float64                          `json:"throughput"`
	ErrorRate  float64                          `json:"error_rate"`
	Healthy    bool                             `json:"healthy"`

	ActiveSessions     int           `json:"active_sessions"`
	EndedSessions      int           `json:"ended_sessions"`
	AvgSessionDuration time.Duration `json:"avg_session_duration"`
}

// Tracker is safe for concurrent use by every session
type Tracker struct {
	cfg   Config
	clock clock.Clock

	mu    sync.Mutex
	turns []entities.Turn
	next  int
	full  bool
	ended []time.Time
	total int

	sessions        map[string]time.Time
	endedSessions   int
	sessionDuration time.Duration
}

func NewTracker(cfg Config, clk clock.Clock) *Tracker {
	if clk == nil {
		clk = clock.New()
	}
	return &Tracker{
		cfg:      cfg,
		clock:    clk,
		turns:    make([]entities.Turn, cfg.Window),
		sessions: make(map[string]time.Time),
	}
}

// RecordTurn adds a finished turn
func (t *Tracker) RecordTurn(turn entities.Turn) {
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	t.turns[t.next] = turn
	t.next = (t.next + 1) % len(t.turns)
	if t.next == 0 {
		t.full = true
	}
	t.total++
	t.ended = append(t.ended, now)
	t.pruneLocked(now)
}

func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-t.cfg.ThroughputWindow)
	i := 0
	for i < len(t.ended) && !t.ended[i].After(cutoff) {
		i++
	}
	t.ended = t.ended[i:]
}

func (t *Tracker) windowLocked() []entities.Turn {
	if t.full {
		return t.turns
	}
	return t.turns[:t.next]
}

// SessionStarted marks a session as active
func (t *Tracker) SessionStarted(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.sessions[id]; !ok {
		t.sessions[id] = t.clock.Now()
	}
}

// SessionEnded closes a session and folds its duration into the average
func (t *Tracker) SessionEnded(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	started, ok := t.sessions[id]
	if !ok {
		return
	}
	delete(t.sessions, id)
	t.endedSessions++
	t.sessionDuration += t.clock.Since(started)
}

// Snapshot computes the current aggregates
func (t *Tracker) Snapshot() Snapshot {
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	t.pruneLocked(now)
	window := t.windowLocked()

	snap := Snapshot{
		Turns:          t.total,
		Phases:         aggregate(window),
		Routes:         make(map[entities.Route]RouteSnapshot),
		Throughput:     float64(len(t.ended)) / t.cfg.ThroughputWindow.Seconds(),
		ActiveSessions: len(t.sessions),
		EndedSessions:  t.endedSessions,
	}
	if t.endedSessions > 0 {
		snap.AvgSessionDuration = t.sessionDuration / time.Duration(t.endedSessions)
	}

	byRoute := make(map[entities.Route][]entities.Turn)
	for _, turn := range window {
		switch turn.Outcome {
		case entities.TurnOutcomeCompleted:
			snap.Completed++
		case entities.TurnOutcomeFailed:
			snap.Failed++
		case entities.TurnOutcomeCancelled:
			snap.Cancelled++
		}
		if turn.Route != "" {
			byRoute[turn.Route] = append(byRoute[turn.Route], turn)
		}
	}
	for route, turns := range byRoute {
		snap.Routes[route] = RouteSnapshot{Turns: len(turns), Phases: aggregate(turns)}
	}

	if len(window) > 0 {
		snap.ErrorRate = float64(snap.Failed) / float64(len(window))
	}
	total := snap.Phases[PhaseTotal]
	snap.Healthy = snap.ErrorRate < t.cfg.MaxErrorRate && (total.Count == 0 || total.P95 <= t.cfg.TargetTotal)
	return snap
}

func aggregate(turns []entities.Turn) map[Phase]PhaseStats {
	out := make(map[Phase]PhaseStats, len(phases))
	for _, p := range phases {
		var values []time.Duration
		for _, turn := range turns {
			if v := phaseValue(turn, p); v > 0 {
				values = append(values, v)
			}
		}
		out[p] = summarize(values)
	}
	return out
}

func summarize(values []time.Duration) PhaseStats {
	if len(values) == 0 {
		return PhaseStats{}
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
	var sum time.Duration
	for _, v := range values {
		sum += v
	}
	return PhaseStats{
		Count: len(values),
		Avg:   sum / time.Duration(len(values)),
		P50:   Percentile(values, 0.50),
		P95:   Percentile(values, 0.95),
		P99:   Percentile(values, 0.99),
	}
}

// Percentile returns the nearest-rank percentile of sorted values
func Percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	rank = max(0, min(rank, len(sorted)-1))
	return sorted[rank]
}
