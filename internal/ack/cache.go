package ack

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/satriahrh/tutur/domain/repositories"
)

// Key identifies a rendered filler
type Key struct {
	Voice string
	Rate  float64
	Text  string
}

// NewKey builds a key with normalized text, so "Okay." and " okay. " share audio
func NewKey(voice string, rate float64, text string) Key {
	return Key{
		Voice: voice,
		Rate:  rate,
		Text:  NormalizeText(text),
	}
}

func (k Key) String() string {
	return fmt.Sprintf("%s|%.3f|%s", k.Voice, k.Rate, k.Text)
}

// NormalizeText lowercases and collapses whitespace
func NormalizeText(text string) string {
	return strings.ToLower(strings.Join(strings.Fields(text), " "))
}

// FetchFunc renders the audio for a key on a cache miss
type FetchFunc func(ctx context.Context, key Key, text string) ([]byte, error)

// Cache keeps rendered fillers, evicting the oldest entry beyond max.
// Concurrent misses for the same key share one fetch.
type Cache struct {
	mu      sync.Mutex
	entries map[Key][]byte
	order   []Key
	max     int

	group  singleflight.Group
	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewCache creates a cache holding at most max fillers
func NewCache(max int) *Cache {
	if max <= 0 {
		max = 64
	}
	return &Cache{
		entries: make(map[Key][]byte),
		max:     max,
	}
}

// Get returns cached audio for text or renders it with fetch
func (c *Cache) Get(ctx context.Context, key Key, text string, fetch FetchFunc) ([]byte, error) {
	if audio, ok := c.lookup(key); ok {
		c.hits.Add(1)
		return audio, nil
	}
	c.misses.Add(1)

	v, err, _ := c.group.Do(key.String(), func() (interface{}, error) {
		if audio, ok := c.lookup(key); ok {
			return audio, nil
		}
		audio, err := fetch(ctx, key, text)
		if err != nil {
			return nil, err
		}
		if len(audio) == 0 {
			return nil, errors.New("filler rendered no audio")
		}
		c.store(key, audio)
		return audio, nil
	})
	if err != nil {
		return nil, fmt.Errorf("render filler %q: %w", key.Text, err)
	}
	return v.([]byte), nil
}

// Len returns the number of cached fillers
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns hit and miss counters
func (c *Cache) Stats() (hits, misses uint64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *Cache) lookup(key Key) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	audio, ok := c.entries[key]
	return audio, ok
}

func (c *Cache) store(key Key, audio []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; ok {
		return
	}
	for len(c.order) >= c.max {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
	c.entries[key] = audio
	c.order = append(c.order, key)
}

// SynthesizerFetch renders fillers with a synthesis adapter, collecting the
// whole stream into one buffer
func SynthesizerFetch(synth repositories.Synthesizer, opts repositories.SynthesisOptions) FetchFunc {
	return func(ctx context.Context, key Key, text string) ([]byte, error) {
		o := opts
		o.Voice = key.Voice
		o.Rate = key.Rate

		_, events, err := synth.Synthesize(ctx, text, o)
		if err != nil {
			return nil, err
		}

		var audio []byte
		for {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case ev, ok := <-events:
				if !ok {
					return audio, nil
				}
				switch ev.Kind {
				case repositories.SynthesisFirstChunk, repositories.SynthesisChunk:
					audio = append(audio, ev.Audio...)
				case repositories.SynthesisComplete:
					return audio, nil
				case repositories.SynthesisFailed:
					return nil, ev.Err
				}
			}
		}
	}
}

// Warm renders every catalog phrase for one voice so the first turn does not pay for it
func Warm(ctx context.Context, cache *Cache, catalog Catalog, voice string, rate float64, fetch FetchFunc, logger *zap.Logger) error {
	var failed int
	for _, phrase := range catalog.Phrases() {
		if _, err := cache.Get(ctx, NewKey(voice, rate, phrase), phrase, fetch); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failed++
			logger.Warn("Failed to warm filler", zap.String("phrase", phrase), zap.Error(err))
		}
	}
	if failed > 0 {
		logger.Info("Filler cache warmed with failures", zap.Int("failed", failed), zap.Int("cached", cache.Len()))
	}
	return nil
}
