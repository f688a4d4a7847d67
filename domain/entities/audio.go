package entities

import (
	"encoding/binary"
	"errors"
	"math"
	"time"
)

// AudioSource tells whether a frame was captured or is speaker reference
type AudioSource string

const (
	AudioSourceMic              AudioSource = "mic"
	AudioSourceSpeakerReference AudioSource = "speaker_reference"
)

// AudioFrame is a fixed-duration block of mono samples in [-1, 1].
// The sample buffer is copied on construction and never exposed, so a frame
// cannot change once produced.
type AudioFrame struct {
	samples    []float32
	SampleRate int
	Duration   time.Duration
	Source     AudioSource
	Timestamp  time.Time
}

// NewAudioFrame copies samples into a new frame
func NewAudioFrame(samples []float32, sampleRate int, source AudioSource, ts time.Time) (AudioFrame, error) {
	if sampleRate <= 0 {
		return AudioFrame{}, errors.New("sample rate must be positive")
	}
	buf := make([]float32, len(samples))
	copy(buf, samples)
	return AudioFrame{
		samples:    buf,
		SampleRate: sampleRate,
		Duration:   time.Duration(len(samples)) * time.Second / time.Duration(sampleRate),
		Source:     source,
		Timestamp:  ts,
	}, nil
}

// AudioFrameFromPCM16 decodes little-endian signed 16-bit mono PCM
func AudioFrameFromPCM16(pcm []byte, sampleRate int, source AudioSource, ts time.Time) (AudioFrame, error) {
	if len(pcm)%2 != 0 {
		return AudioFrame{}, errors.New("pcm16 payload has odd length")
	}
	return NewAudioFrame(DecodePCM16(pcm), sampleRate, source, ts)
}

// Samples returns a copy of the frame's samples
func (f AudioFrame) Samples() []float32 {
	out := make([]float32, len(f.samples))
	copy(out, f.samples)
	return out
}

// Len returns the number of samples in the frame
func (f AudioFrame) Len() int {
	return len(f.samples)
}

// PCM16 encodes the frame as little-endian signed 16-bit PCM
func (f AudioFrame) PCM16() []byte {
	return EncodePCM16(f.samples)
}

// DecodePCM16 converts little-endian int16 PCM into normalized float samples
func DecodePCM16(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		v := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		out[i] = float32(v) / 32768
	}
	return out
}

// EncodePCM16 converts normalized float samples into little-endian int16 PCM,
// clipping anything outside [-1, 1]
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := math.Max(-1, math.Min(1, float64(s)))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(math.Round(v*32767))))
	}
	return out
}
