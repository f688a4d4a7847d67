package aec

import (
	"fmt"
	"time"
)

// DetectorConfig tunes barge-in detection
type DetectorConfig struct {
	// VoiceThreshold is the cleaned RMS that counts as user speech
	VoiceThreshold float64
	// Grace is how long speech must persist before barge-in fires
	Grace time.Duration
}

// DefaultDetectorConfig returns a 300ms grace period
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		VoiceThreshold: 0.02,
		Grace:          300 * time.Millisecond,
	}
}

func (c DetectorConfig) Validate() error {
	if c.VoiceThreshold <= 0 {
		return fmt.Errorf("voice threshold must be positive, got %f", c.VoiceThreshold)
	}
	if c.Grace <= 0 {
		return fmt.Errorf("barge-in grace must be positive, got %v", c.Grace)
	}
	return nil
}

// Detector debounces cleaned microphone energy into a barge-in signal.
// It fires at most once per active playback.
type Detector struct {
	cfg    DetectorConfig
	voiced time.Duration
	fired  bool
}

func NewDetector(cfg DetectorConfig) *Detector {
	return &Detector{cfg: cfg}
}

// Observe feeds one block and reports whether barge-in fires on it
func (d *Detector) Observe(rms float64, block time.Duration, playbackActive bool) bool {
	if !playbackActive {
		d.Reset()
		return false
	}
	if d.fired {
		return false
	}
	if rms < d.cfg.VoiceThreshold {
		// speech dropped before the grace period elapsed
		d.voiced = 0
		return false
	}
	d.voiced += block
	if d.voiced >= d.cfg.Grace {
		d.fired = true
		return true
	}
	return false
}

// Voiced returns how long speech has been continuously observed
func (d *Detector) Voiced() time.Duration {
	return d.voiced
}

// Reset clears pending speech and re-arms the detector
func (d *Detector) Reset() {
	d.voiced = 0
	d.fired = false
}
