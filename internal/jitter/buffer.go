// Package jitter smooths synthesized audio into fixed playback blocks. It holds
// a short prebuffer, crossfades consecutive segments and pauses on underrun
// instead of padding with silence.
package jitter

import (
	"fmt"
	"time"
)

// BufferConfig sizes one playback stream
type BufferConfig struct {
	SampleRate int
	// Prebuffer is how much audio must queue before playback starts or resumes
	Prebuffer time.Duration
	// Crossfade is the overlap between consecutive segments
	Crossfade time.Duration
}

// DefaultBufferConfig returns a 100ms prebuffer and an 80ms segment crossfade at 16kHz
func DefaultBufferConfig() BufferConfig {
	return BufferConfig{
		SampleRate: 16000,
		Prebuffer:  100 * time.Millisecond,
		Crossfade:  80 * time.Millisecond,
	}
}

func (c BufferConfig) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", c.SampleRate)
	}
	if c.Prebuffer <= 0 {
		return fmt.Errorf("prebuffer must be positive, got %v", c.Prebuffer)
	}
	if c.Crossfade < 0 {
		return fmt.Errorf("crossfade must not be negative, got %v", c.Crossfade)
	}
	return nil
}

func samplesFor(d time.Duration, rate int) int {
	return int(d * time.Duration(rate) / time.Second)
}

// Buffer queues one stream's samples. It is not safe for concurrent use.
type Buffer struct {
	cfg       BufferConfig
	prebuffer int
	fade      int

	queue    []float32
	playing  bool
	started  bool
	ended    bool
	underrun int
}

func NewBuffer(cfg BufferConfig) *Buffer {
	return &Buffer{
		cfg:       cfg,
		prebuffer: samplesFor(cfg.Prebuffer, cfg.SampleRate),
		fade:      samplesFor(cfg.Crossfade, cfg.SampleRate),
	}
}

// Push appends samples. When newSegment is set the head of the segment is
// overlapped with the queued tail using a linear crossfade.
func (b *Buffer) Push(samples []float32, newSegment bool) {
	if b.ended || len(samples) == 0 {
		return
	}
	if newSegment && len(b.queue) > 0 && b.fade > 0 {
		n := min(b.fade, len(b.queue), len(samples))
		tail := b.queue[len(b.queue)-n:]
		for i := 0; i < n; i++ {
			w := float32(i+1) / float32(n+1)
			tail[i] = tail[i]*(1-w) + samples[i]*w
		}
		samples = samples[n:]
	}
	b.queue = append(b.queue, samples...)
}

// Pull returns up to n samples. It returns nothing while prebuffering or
// paused after an underrun; once the stream is marked ended the remainder
// drains without waiting for the prebuffer.
func (b *Buffer) Pull(n int) []float32 {
	if n <= 0 {
		return nil
	}
	if len(b.queue) == 0 {
		if b.playing && !b.ended {
			b.playing = false
			b.underrun++
		}
		return nil
	}
	if !b.playing {
		if len(b.queue) < b.prebuffer && !b.ended {
			return nil
		}
		b.playing = true
		b.started = true
	}
	if len(b.queue) < n && !b.ended {
		// underrun: hold what is left until the prebuffer refills
		b.playing = false
		b.underrun++
		return nil
	}

	n = min(n, len(b.queue))
	out := make([]float32, n)
	copy(out, b.queue[:n])
	b.queue = b.queue[n:]
	if len(b.queue) == 0 {
		b.queue = nil
	}
	return out
}

// MarkEnd tells the buffer no more samples will arrive
func (b *Buffer) MarkEnd() {
	b.ended = true
}

// Flush drops everything queued and returns how much audio was discarded
func (b *Buffer) Flush() time.Duration {
	dropped := len(b.queue)
	b.queue = nil
	b.playing = false
	b.ended = true
	return time.Duration(dropped) * time.Second / time.Duration(b.cfg.SampleRate)
}

// Buffered returns the queued audio duration
func (b *Buffer) Buffered() time.Duration {
	return time.Duration(len(b.queue)) * time.Second / time.Duration(b.cfg.SampleRate)
}

// Paused reports whether playback started and then ran dry
func (b *Buffer) Paused() bool {
	return b.started && !b.playing && !b.Drained()
}

// Drained reports whether the stream ended and every sample was pulled
func (b *Buffer) Drained() bool {
	return b.ended && len(b.queue) == 0
}

// Underruns returns how many times playback paused to rebuffer
func (b *Buffer) Underruns() int {
	return b.underrun
}
