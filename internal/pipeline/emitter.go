package pipeline

import (
	"encoding/base64"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/satriahrh/tutur/domain"
)

// sequencedEmitter stamps events with the session id, a timestamp and a
// strictly increasing sequence number before handing them on
type sequencedEmitter struct {
	mu        sync.Mutex
	seq       uint64
	sessionID string
	clock     clock.Clock
	out       domain.Emitter
}

func newSequencedEmitter(sessionID string, clk clock.Clock, out domain.Emitter) *sequencedEmitter {
	return &sequencedEmitter{sessionID: sessionID, clock: clk, out: out}
}

func (e *sequencedEmitter) Emit(ev domain.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	ev.Seq = e.seq
	ev.SessionID = e.sessionID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.clock.Now()
	}
	e.out.Emit(ev)
}

// playbackSink turns scheduler output into tts events for the turn that owns
// each playback
type playbackSink struct {
	emitter    domain.Emitter
	sampleRate int

	mu    sync.Mutex
	turns map[string]string
}

func newPlaybackSink(emitter domain.Emitter, sampleRate int) *playbackSink {
	return &playbackSink{
		emitter:    emitter,
		sampleRate: sampleRate,
		turns:      make(map[string]string),
	}
}

func (s *playbackSink) register(playbackID, turnID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns[playbackID] = turnID
}

func (s *playbackSink) turnOf(playbackID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turns[playbackID]
}

func (s *playbackSink) forget(playbackID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.turns, playbackID)
}

func (s *playbackSink) Begin(playbackID string) {
	s.emitter.Emit(domain.Event{
		Type:    domain.EventTTSBegin,
		TurnID:  s.turnOf(playbackID),
		Payload: domain.PlaybackPayload{PlaybackID: playbackID},
	})
}

func (s *playbackSink) Active(playbackID string, active bool) {
	s.emitter.Emit(domain.Event{
		Type:    domain.EventTTSActive,
		TurnID:  s.turnOf(playbackID),
		Payload: domain.ActivePayload{PlaybackID: playbackID, Active: active},
	})
}

func (s *playbackSink) Audio(playbackID string, seq int, pcm []byte) {
	s.emitter.Emit(domain.Event{
		Type:   domain.EventTTSAudio,
		TurnID: s.turnOf(playbackID),
		Payload: domain.AudioPayload{
			PlaybackID: playbackID,
			Seq:        seq,
			SampleRate: s.sampleRate,
			Data:       base64.StdEncoding.EncodeToString(pcm),
		},
	})
}

func (s *playbackSink) End(playbackID string, cancelled bool) {
	s.emitter.Emit(domain.Event{
		Type:    domain.EventTTSEnd,
		TurnID:  s.turnOf(playbackID),
		Payload: domain.PlaybackPayload{PlaybackID: playbackID, Cancelled: cancelled},
	})
	s.forget(playbackID)
}
