package pipeline

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/satriahrh/tutur/domain/entities"
	"github.com/satriahrh/tutur/domain/repositories"
	"github.com/satriahrh/tutur/internal/router"
)

var errStreamClosed = errors.New("stream closed before completion")

// generate pumps one generation stream into the loop
func (c *Coordinator) generate(ctx context.Context, ref TurnRef, gen repositories.Generator, text string) {
	defer c.workers.Done()

	events, err := gen.GenerateStreaming(ctx, text, c.cfg.Generation)
	if err != nil {
		if ctx.Err() == nil {
			c.post(ctx, c.generation, Event{
				Kind: EventAdapterError,
				Turn: ref,
				Err:  adapterError(repositories.AdapterGeneration, repositories.ErrorKindInit, err),
			})
		}
		return
	}

	sawToken := false
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() == nil {
					c.post(ctx, c.generation, Event{
						Kind: EventAdapterError,
						Turn: ref,
						Err:  adapterError(repositories.AdapterGeneration, repositories.ErrorKindTransient, errStreamClosed),
					})
				}
				return
			}
			switch ev.Kind {
			case repositories.GenerationFirstToken, repositories.GenerationDelta:
				kind := EventGenerationDelta
				if !sawToken {
					kind = EventGenerationFirstToken
					sawToken = true
				}
				if !c.post(ctx, c.generation, Event{Kind: kind, Turn: ref, Text: ev.Text}) {
					return
				}
			case repositories.GenerationComplete:
				c.post(ctx, c.generation, Event{Kind: EventGenerationComplete, Turn: ref})
				return
			case repositories.GenerationFailed:
				c.post(ctx, c.generation, Event{
					Kind: EventAdapterError,
					Turn: ref,
					Err:  adapterError(repositories.AdapterGeneration, repositories.ErrorKindTransient, ev.Err),
				})
				return
			}
		}
	}
}

// synthesize renders a turn's phrases strictly in order. Every phrase read
// from the queue is answered with exactly one SynthesisComplete unless the
// turn is cancelled or the synthesizer fails.
func (c *Coordinator) synthesize(ctx context.Context, ref TurnRef, phrases <-chan entities.PhraseChunk) {
	defer c.workers.Done()

	blocked := false
	for {
		var chunk entities.PhraseChunk
		var ok bool
		select {
		case <-ctx.Done():
			return
		case chunk, ok = <-phrases:
			if !ok {
				return
			}
		}

		text := chunk.Text
		if c.deps.PrivacyGate != nil {
			verdict := c.deps.PrivacyGate.FilterText(ctx, text)
			if !verdict.Allowed {
				if blocked {
					c.logger.Info("Dropping blocked phrase", zap.Int("seq", chunk.Seq))
					if !c.post(ctx, c.synthesis, Event{Kind: EventSynthesisComplete, Turn: ref}) {
						return
					}
					continue
				}
				blocked = true
				text = verdict.Reason
				if text == "" {
					text = c.cfg.BlockedMessage
				}
				c.logger.Info("Phrase blocked by privacy gate", zap.Int("seq", chunk.Seq))
			}
		}

		if !c.post(ctx, c.synthesis, Event{Kind: EventPhraseReady, Turn: ref, Text: text}) {
			return
		}
		if err := c.synthesizePhrase(ctx, ref, text); err != nil {
			if ctx.Err() == nil {
				c.post(ctx, c.synthesis, Event{Kind: EventAdapterError, Turn: ref, Err: err})
			}
			return
		}
	}
}

func (c *Coordinator) synthesizePhrase(ctx context.Context, ref TurnRef, text string) error {
	id, events, err := c.deps.Synthesizer.Synthesize(ctx, text, c.synthesisOptions())
	if err != nil {
		return adapterError(repositories.AdapterSynthesis, repositories.ErrorKindInit, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return adapterError(repositories.AdapterSynthesis, repositories.ErrorKindTransient, errStreamClosed)
			}
			switch ev.Kind {
			case repositories.SynthesisFirstChunk, repositories.SynthesisChunk:
				kind := EventSynthesisChunk
				if ev.Kind == repositories.SynthesisFirstChunk {
					kind = EventSynthesisFirstChunk
				}
				if !c.post(ctx, c.synthesis, Event{Kind: kind, Turn: ref, PlaybackID: id, Seq: ev.Seq, Audio: ev.Audio}) {
					return ctx.Err()
				}
			case repositories.SynthesisComplete:
				c.post(ctx, c.synthesis, Event{Kind: EventSynthesisComplete, Turn: ref, PlaybackID: id})
				return nil
			case repositories.SynthesisFailed:
				return adapterError(repositories.AdapterSynthesis, repositories.ErrorKindTransient, ev.Err)
			}
		}
	}
}

// routerRequest builds the routing request for a final transcript under the
// session's privacy settings
func routerRequest(text string, meta entities.SessionMetadata, generators map[entities.Route]repositories.Generator) router.Request {
	req := router.Analyze(text)
	if meta.PrivacyLevel != "" {
		req.PrivacyLevel = meta.PrivacyLevel
	}
	req.Preferences = meta.Preferences
	_, hasCloud := generators[entities.RouteCloud]
	req.CloudAvailable = hasCloud
	return req
}

func routerOutcome(turn entities.Turn, timedOut bool) router.Outcome {
	return router.Outcome{
		Route:    turn.Route,
		Latency:  turn.TTFT(),
		TTFA:     turn.TTFA(),
		Success:  turn.Outcome != entities.TurnOutcomeFailed,
		TimedOut: timedOut,
		At:       turn.EndedAt,
	}
}
