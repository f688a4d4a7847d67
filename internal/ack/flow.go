package ack

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Crossfade ramps the filler out and the response in linearly, in whole steps
type Crossfade struct {
	Window time.Duration
	Step   time.Duration
}

// DefaultCrossfade returns a 150ms fade in 10ms steps
func DefaultCrossfade() Crossfade {
	return Crossfade{Window: 150 * time.Millisecond, Step: 10 * time.Millisecond}
}

func (c Crossfade) Validate() error {
	if c.Window <= 0 || c.Step <= 0 {
		return fmt.Errorf("crossfade window and step must be positive, got %v/%v", c.Window, c.Step)
	}
	if c.Step > c.Window {
		return fmt.Errorf("crossfade step %v exceeds window %v", c.Step, c.Window)
	}
	return nil
}

// Gains returns the filler and response gains after elapsed fade time.
// At or beyond the window the filler is silent and the response is full.
func (c Crossfade) Gains(elapsed time.Duration) (ackGain, responseGain float64) {
	if elapsed <= 0 {
		return 1, 0
	}
	if c.Window <= 0 || elapsed >= c.Window {
		return 0, 1
	}
	step := c.Step
	if step <= 0 {
		step = c.Window
	}
	quantized := (elapsed / step) * step
	progress := float64(quantized) / float64(c.Window)
	return 1 - progress, progress
}

// State is the per-turn filler lifecycle
type State int

const (
	StateIdle State = iota
	StatePending
	StatePlaying
	StateFading
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePending:
		return "pending"
	case StatePlaying:
		return "playing"
	case StateFading:
		return "fading"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// FlowConfig decides when a partial transcript is long enough for a filler
type FlowConfig struct {
	MinWords int
	MinChars int
}

// DefaultFlowConfig triggers at two words or eight characters
func DefaultFlowConfig() FlowConfig {
	return FlowConfig{MinWords: 2, MinChars: 8}
}

// Flow tracks the filler for one turn. It only moves forward, so a filler
// that stopped never plays again within the same turn.
type Flow struct {
	cfg   FlowConfig
	state State
}

func NewFlow(cfg FlowConfig) *Flow {
	return &Flow{cfg: cfg}
}

func (f *Flow) State() State {
	return f.state
}

// ShouldTrigger reports whether partial warrants a filler that has not been triggered yet
func (f *Flow) ShouldTrigger(partial string) bool {
	if f.state != StateIdle {
		return false
	}
	text := strings.TrimSpace(partial)
	return len(strings.Fields(text)) >= f.cfg.MinWords || utf8.RuneCountInString(text) >= f.cfg.MinChars
}

// Trigger marks the filler as being fetched; false if it already was
func (f *Flow) Trigger() bool {
	if f.state != StateIdle {
		return false
	}
	f.state = StatePending
	return true
}

// Start reports whether fetched filler audio may begin playing
func (f *Flow) Start() bool {
	if f.state != StatePending {
		return false
	}
	f.state = StatePlaying
	return true
}

// Close forbids any filler that has not started yet; one already playing keeps
// playing until the response crossfades it out
func (f *Flow) Close() {
	if f.state == StateIdle || f.state == StatePending {
		f.state = StateDone
	}
}

// BeginCrossfade reports whether a playing filler must be faded out
func (f *Flow) BeginCrossfade() bool {
	switch f.state {
	case StatePlaying:
		f.state = StateFading
		return true
	case StateFading:
		return false
	default:
		f.state = StateDone
		return false
	}
}

// Finish ends the filler for good
func (f *Flow) Finish() {
	f.state = StateDone
}
