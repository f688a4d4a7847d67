// Package aec removes the assistant's own playback from the microphone signal
// and decides when remaining microphone energy is the user barging in.
package aec

import (
	"fmt"
	"math"
	"sync"
	"time"
)

const powerEpsilon = 1e-6

// Config tunes the adaptive filter and the post filters
type Config struct {
	SampleRate int
	// Taps is the filter length in samples; it bounds the echo tail that can be modelled
	Taps int
	// StepSize is the normalized LMS adaptation rate, bounded to (0, 1]
	StepSize float64
	// MaxTap is the magnitude above which the filter is considered diverged
	MaxTap float64
	// CalibrationSamples with live reference are needed before Converged is reported
	CalibrationSamples int
	// GateThreshold is the cleaned RMS below which output is attenuated by GateAttenuation
	GateThreshold   float64
	GateAttenuation float64
	// SuppressionThreshold is the estimated echo RMS above which output is scaled down,
	// never below MinSuppressionGain
	SuppressionThreshold float64
	MinSuppressionGain   float64
	// ReferenceCapacity bounds the pending reference ring
	ReferenceCapacity time.Duration
	// BulkDelay pre-pads the reference with silence to line it up with capture latency
	BulkDelay time.Duration
}

// DefaultConfig returns settings tuned for 16kHz speech
func DefaultConfig() Config {
	return Config{
		SampleRate:           16000,
		Taps:                 256,
		StepSize:             0.5,
		MaxTap:               4,
		CalibrationSamples:   8000,
		GateThreshold:        0.003,
		GateAttenuation:      0.1,
		SuppressionThreshold: 0.05,
		MinSuppressionGain:   0.5,
		ReferenceCapacity:    2 * time.Second,
	}
}

// Validate checks the configuration bounds
func (c Config) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("aec sample rate must be positive, got %d", c.SampleRate)
	}
	if c.Taps <= 0 {
		return fmt.Errorf("aec taps must be positive, got %d", c.Taps)
	}
	if c.StepSize <= 0 || c.StepSize > 1 {
		return fmt.Errorf("aec step size must be in (0, 1], got %f", c.StepSize)
	}
	if c.MaxTap <= 0 {
		return fmt.Errorf("aec max tap must be positive, got %f", c.MaxTap)
	}
	if c.GateAttenuation < 0 || c.GateAttenuation > 1 {
		return fmt.Errorf("aec gate attenuation must be in [0, 1], got %f", c.GateAttenuation)
	}
	if c.MinSuppressionGain <= 0 || c.MinSuppressionGain > 1 {
		return fmt.Errorf("aec min suppression gain must be in (0, 1], got %f", c.MinSuppressionGain)
	}
	if c.ReferenceCapacity <= c.BulkDelay {
		return fmt.Errorf("aec reference capacity (%v) must exceed bulk delay (%v)", c.ReferenceCapacity, c.BulkDelay)
	}
	return nil
}

// BlockStats describes one processed block
type BlockStats struct {
	InputRMS        float64 `json:"input_rms"`
	OutputRMS       float64 `json:"output_rms"`
	EchoLevel       float64 `json:"echo_level"`
	SuppressionGain float64 `json:"suppression_gain"`
	Gated           bool    `json:"gated"`
	Converged       bool    `json:"converged"`
}

// Stats is the canceller state exposed as metrics
type Stats struct {
	EchoLevel       float64 `json:"echo_level"`
	SuppressionGain float64 `json:"suppression_gain"`
	Converged       bool    `json:"converged"`
	Divergences     int     `json:"divergences"`
	ReferenceQueued int     `json:"reference_queued"`
}

// Canceller is a normalized LMS echo canceller. NotifyReference may be called
// from the playback goroutine; Process, Reset and Stats belong to the capture
// goroutine.
type Canceller struct {
	cfg Config

	mu      sync.Mutex
	ring    []float32
	head    int
	size    int
	stats   Stats
	scratch []float32

	taps       []float64
	history    []float64
	pos        int
	calibrated int
}

// NewCanceller creates a canceller with zeroed taps
func NewCanceller(cfg Config) *Canceller {
	capacity := int(cfg.ReferenceCapacity.Seconds() * float64(cfg.SampleRate))
	c := &Canceller{
		cfg:     cfg,
		ring:    make([]float32, capacity),
		taps:    make([]float64, cfg.Taps),
		history: make([]float64, cfg.Taps),
	}
	c.stats.SuppressionGain = 1
	c.padBulkDelay()
	return c
}

// NotifyReference queues samples that are about to be played. When the ring
// is full the oldest pending samples are dropped.
func (c *Canceller) NotifyReference(samples []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.push(samples)
}

// Process cancels echo from mic into out. Both slices are owned by the
// caller; only the overlapping length is processed.
func (c *Canceller) Process(mic, out []float32) BlockStats {
	n := min(len(mic), len(out))
	if n == 0 {
		return BlockStats{SuppressionGain: 1, Converged: c.Converged()}
	}

	ref := c.popReference(n)

	power := 0.0
	for _, h := range c.history {
		power += h * h
	}

	var inEnergy, echoEnergy, errEnergy float64
	taps := len(c.taps)
	for i := 0; i < n; i++ {
		oldest := c.history[c.pos]
		x := float64(ref[i])
		c.history[c.pos] = x
		power += x*x - oldest*oldest
		if power < 0 {
			power = 0
		}

		// history[pos] is x(n), history[pos-k] is x(n-k)
		var y float64
		for k := 0; k < taps; k++ {
			idx := c.pos - k
			if idx < 0 {
				idx += taps
			}
			y += c.taps[k] * c.history[idx]
		}

		d := float64(mic[i])
		e := d - y

		if power > powerEpsilon {
			step := c.cfg.StepSize * e / (powerEpsilon + power)
			diverged := false
			for k := 0; k < taps; k++ {
				idx := c.pos - k
				if idx < 0 {
					idx += taps
				}
				c.taps[k] += step * c.history[idx]
				if math.Abs(c.taps[k]) > c.cfg.MaxTap || math.IsNaN(c.taps[k]) {
					diverged = true
				}
			}
			if diverged {
				c.resetFilter()
				c.mu.Lock()
				c.stats.Divergences++
				c.mu.Unlock()
			} else {
				c.calibrated++
			}
		}

		c.pos++
		if c.pos == taps {
			c.pos = 0
		}

		out[i] = float32(e)
		inEnergy += d * d
		echoEnergy += y * y
		errEnergy += e * e
	}

	stats := BlockStats{
		InputRMS:        math.Sqrt(inEnergy / float64(n)),
		EchoLevel:       math.Sqrt(echoEnergy / float64(n)),
		SuppressionGain: 1,
		Converged:       c.calibrated >= c.cfg.CalibrationSamples,
	}

	if stats.EchoLevel > c.cfg.SuppressionThreshold {
		stats.SuppressionGain = math.Max(c.cfg.MinSuppressionGain, c.cfg.SuppressionThreshold/stats.EchoLevel)
	}
	gain := stats.SuppressionGain
	cleaned := math.Sqrt(errEnergy / float64(n))
	if cleaned < c.cfg.GateThreshold {
		stats.Gated = true
		gain *= c.cfg.GateAttenuation
	}
	if gain != 1 {
		for i := 0; i < n; i++ {
			out[i] *= float32(gain)
		}
	}
	stats.OutputRMS = cleaned * gain

	c.mu.Lock()
	c.stats.EchoLevel = stats.EchoLevel
	c.stats.SuppressionGain = stats.SuppressionGain
	c.stats.Converged = stats.Converged
	c.mu.Unlock()

	return stats
}

// Reset recalibrates from scratch: taps, history and pending reference are cleared
func (c *Canceller) Reset() {
	c.resetFilter()
	for i := range c.history {
		c.history[i] = 0
	}
	c.pos = 0

	c.mu.Lock()
	defer c.mu.Unlock()
	c.head, c.size = 0, 0
	c.stats = Stats{SuppressionGain: 1}
	c.padBulkDelayLocked()
}

// Converged reports whether the filter has calibrated without diverging
func (c *Canceller) Converged() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats.Converged
}

// Stats returns the latest metrics snapshot
func (c *Canceller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.ReferenceQueued = c.size
	return s
}

// Taps returns a copy of the filter taps
func (c *Canceller) Taps() []float64 {
	out := make([]float64, len(c.taps))
	copy(out, c.taps)
	return out
}

func (c *Canceller) resetFilter() {
	for i := range c.taps {
		c.taps[i] = 0
	}
	c.calibrated = 0
}

func (c *Canceller) padBulkDelay() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.padBulkDelayLocked()
}

func (c *Canceller) padBulkDelayLocked() {
	n := int(c.cfg.BulkDelay.Seconds() * float64(c.cfg.SampleRate))
	if n > 0 {
		c.push(make([]float32, n))
	}
}

func (c *Canceller) push(samples []float32) {
	capacity := len(c.ring)
	if capacity == 0 {
		return
	}
	if len(samples) > capacity {
		samples = samples[len(samples)-capacity:]
	}
	for _, s := range samples {
		tail := (c.head + c.size) % capacity
		c.ring[tail] = s
		if c.size < capacity {
			c.size++
		} else {
			c.head = (c.head + 1) % capacity
		}
	}
}

// popReference returns n reference samples aligned with the next n mic
// samples; missing reference is silence.
func (c *Canceller) popReference(n int) []float32 {
	if cap(c.scratch) < n {
		c.scratch = make([]float32, n)
	}
	out := c.scratch[:n]

	c.mu.Lock()
	defer c.mu.Unlock()
	capacity := len(c.ring)
	for i := 0; i < n; i++ {
		if c.size == 0 {
			out[i] = 0
			continue
		}
		out[i] = c.ring[c.head]
		c.head = (c.head + 1) % capacity
		c.size--
	}
	return out
}

// RMS returns the root mean square of samples
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
