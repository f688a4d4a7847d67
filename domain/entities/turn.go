package entities

import (
	"time"

	"github.com/google/uuid"
)

// TurnOutcome is how a turn ended
type TurnOutcome string

const (
	TurnOutcomeActive    TurnOutcome = "active"
	TurnOutcomeCompleted TurnOutcome = "completed"
	TurnOutcomeFailed    TurnOutcome = "failed"
	TurnOutcomeCancelled TurnOutcome = "cancelled"
)

// Turn is one user utterance to response cycle.
// Zero phase timestamps mean the phase was never reached.
type Turn struct {
	ID        string      `json:"id"`
	SessionID string      `json:"session_id"`
	StartedAt time.Time   `json:"started_at"`
	Route     Route       `json:"route,omitempty"`
	Outcome   TurnOutcome `json:"outcome"`

	FirstPartialAt time.Time `json:"first_partial_at,omitempty"`
	FinalAt        time.Time `json:"final_at,omitempty"`
	FirstTokenAt   time.Time `json:"first_token_at,omitempty"`
	FirstAudioAt   time.Time `json:"first_audio_at,omitempty"`
	EndedAt        time.Time `json:"ended_at,omitempty"`

	BargeInCut time.Duration `json:"barge_in_cut,omitempty"`
	ErrorCount int           `json:"error_count"`
}

// NewTurn starts a turn for a session
func NewTurn(sessionID string, now time.Time) Turn {
	return Turn{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		StartedAt: now,
		Outcome:   TurnOutcomeActive,
	}
}

// FirstPartialLatency is the time from turn start to the first partial transcript
func (t Turn) FirstPartialLatency() time.Duration {
	return since(t.StartedAt, t.FirstPartialAt)
}

// FinalLatency is the time from turn start to the final transcript
func (t Turn) FinalLatency() time.Duration {
	return since(t.StartedAt, t.FinalAt)
}

// TTFT is time to first token, measured from the final transcript
func (t Turn) TTFT() time.Duration {
	return since(t.FinalAt, t.FirstTokenAt)
}

// TTFA is time to first audio, measured from the final transcript
func (t Turn) TTFA() time.Duration {
	return since(t.FinalAt, t.FirstAudioAt)
}

// Total is the end to end round trip from the final transcript to the end of the turn
func (t Turn) Total() time.Duration {
	return since(t.FinalAt, t.EndedAt)
}

// Finished reports whether the turn reached a terminal outcome
func (t Turn) Finished() bool {
	return t.Outcome != TurnOutcomeActive && t.Outcome != ""
}

func since(from, to time.Time) time.Duration {
	if from.IsZero() || to.IsZero() || to.Before(from) {
		return 0
	}
	return to.Sub(from)
}

// TurnRecord is the structured per-turn metrics export
type TurnRecord struct {
	Timestamp           time.Time   `json:"timestamp" bson:"timestamp"`
	SessionID           string      `json:"sessionId" bson:"session_id"`
	TurnID              string      `json:"turnId" bson:"turn_id"`
	ASRPartialLatencyMs int64       `json:"asrPartialLatencyMs" bson:"asr_partial_latency_ms"`
	ASRFinalLatencyMs   int64       `json:"asrFinalLatencyMs" bson:"asr_final_latency_ms"`
	LLMLatencyMs        int64       `json:"llmLatencyMs" bson:"llm_latency_ms"`
	TTSTTFAMs           int64       `json:"ttsTtfaMs" bson:"tts_ttfa_ms"`
	E2ERoundtripMs      int64       `json:"e2eRoundtripMs" bson:"e2e_roundtrip_ms"`
	BargeInCutMs        int64       `json:"bargeInCutMs" bson:"barge_in_cut_ms"`
	Route               Route       `json:"route" bson:"route"`
	Outcome             TurnOutcome `json:"outcome" bson:"outcome"`
	ErrorCount          int         `json:"errorCount" bson:"error_count"`
}

// Record converts a finished turn into its export record
func (t Turn) Record() TurnRecord {
	ts := t.EndedAt
	if ts.IsZero() {
		ts = t.StartedAt
	}
	return TurnRecord{
		Timestamp:           ts,
		SessionID:           t.SessionID,
		TurnID:              t.ID,
		ASRPartialLatencyMs: t.FirstPartialLatency().Milliseconds(),
		ASRFinalLatencyMs:   t.FinalLatency().Milliseconds(),
		LLMLatencyMs:        t.TTFT().Milliseconds(),
		TTSTTFAMs:           t.TTFA().Milliseconds(),
		E2ERoundtripMs:      t.Total().Milliseconds(),
		BargeInCutMs:        t.BargeInCut.Milliseconds(),
		Route:               t.Route,
		Outcome:             t.Outcome,
		ErrorCount:          t.ErrorCount,
	}
}
