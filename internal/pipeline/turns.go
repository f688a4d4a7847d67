package pipeline

import (
	"context"

	"github.com/satriahrh/tutur/domain/entities"
	"github.com/satriahrh/tutur/internal/ack"
	"github.com/satriahrh/tutur/internal/splitter"
)

// turnContext is everything the coordinator keeps for one turn. It lives in
// an arena slot and is only touched by the coordinator loop.
type turnContext struct {
	gen  uint64
	live bool

	turn     entities.Turn
	ctx      context.Context
	cancel   context.CancelFunc
	decision entities.RouteDecision

	partial string
	final   string

	splitter *splitter.Splitter
	phrases  chan entities.PhraseChunk
	// dispatched and synthesized count phrases sent to and finished by the synthesis worker
	dispatched  int
	synthesized int
	genDone     bool
	finishing   bool

	playback         *entities.PlaybackSession
	currentSynthesis string

	ack      *ack.Flow
	ackID    string
	ackAudio []float32
}

// arena is a fixed set of turn slots addressed by TurnRef
type arena struct {
	slots []turnContext
	next  int
	gen   uint64
}

func newArena(size int) *arena {
	if size < 2 {
		size = 2
	}
	return &arena{slots: make([]turnContext, size)}
}

// alloc claims the next free slot, reusing the oldest one when all are live
func (a *arena) alloc() (TurnRef, *turnContext) {
	slot := a.next
	for i := 0; i < len(a.slots); i++ {
		candidate := (a.next + i) % len(a.slots)
		if !a.slots[candidate].live {
			slot = candidate
			break
		}
	}
	a.next = (slot + 1) % len(a.slots)
	a.gen++

	a.slots[slot] = turnContext{gen: a.gen, live: true}
	return TurnRef{Slot: slot, Gen: a.gen}, &a.slots[slot]
}

// get returns the live turn addressed by ref
func (a *arena) get(ref TurnRef) (*turnContext, bool) {
	if ref.IsZero() || ref.Slot < 0 || ref.Slot >= len(a.slots) {
		return nil, false
	}
	tc := &a.slots[ref.Slot]
	if !tc.live || tc.gen != ref.Gen {
		return nil, false
	}
	return tc, true
}

// release frees the slot so late events for the turn are recognized as stale
func (a *arena) release(ref TurnRef) {
	if tc, ok := a.get(ref); ok {
		tc.live = false
		tc.phrases = nil
		tc.ackAudio = nil
	}
}
