package entities

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// PlaybackState is the lifecycle state of a playback session
type PlaybackState string

const (
	PlaybackPending   PlaybackState = "pending"
	PlaybackActive    PlaybackState = "active"
	PlaybackCancelled PlaybackState = "cancelled"
	PlaybackEnded     PlaybackState = "ended"
)

// ErrPlaybackTerminal is returned when a cancelled or ended playback is moved again
var ErrPlaybackTerminal = errors.New("playback already terminated")

// PlaybackSession is one synthesis-to-speaker stream for a turn
type PlaybackSession struct {
	ID     string        `json:"id"`
	TurnID string        `json:"turn_id"`
	State  PlaybackState `json:"state"`
}

// NewPlaybackSession creates a pending playback for a turn
func NewPlaybackSession(turnID string) *PlaybackSession {
	return &PlaybackSession{
		ID:     uuid.New().String(),
		TurnID: turnID,
		State:  PlaybackPending,
	}
}

// Terminal reports whether the playback can no longer produce audio
func (p *PlaybackSession) Terminal() bool {
	return p.State == PlaybackCancelled || p.State == PlaybackEnded
}

// Activate moves a pending playback to active
func (p *PlaybackSession) Activate() error {
	switch p.State {
	case PlaybackActive:
		return nil
	case PlaybackPending:
		p.State = PlaybackActive
		return nil
	default:
		return fmt.Errorf("activate playback %s: %w", p.ID, ErrPlaybackTerminal)
	}
}

// Cancel stops the playback for good
func (p *PlaybackSession) Cancel() error {
	if p.Terminal() {
		return fmt.Errorf("cancel playback %s: %w", p.ID, ErrPlaybackTerminal)
	}
	p.State = PlaybackCancelled
	return nil
}

// End marks a playback that played out completely
func (p *PlaybackSession) End() error {
	if p.Terminal() {
		return fmt.Errorf("end playback %s: %w", p.ID, ErrPlaybackTerminal)
	}
	p.State = PlaybackEnded
	return nil
}
