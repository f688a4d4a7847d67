package ack

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/satriahrh/tutur/domain/repositories"
)

func TestCrossfadeReachesTargetsWithinWindow(t *testing.T) {
	fade := DefaultCrossfade()

	ackGain, respGain := fade.Gains(0)
	assert.Equal(t, 1.0, ackGain)
	assert.Equal(t, 0.0, respGain)

	prevAck := 1.0
	for elapsed := time.Duration(0); elapsed <= fade.Window; elapsed += time.Millisecond {
		a, r := fade.Gains(elapsed)
		assert.InDelta(t, 1.0, a+r, 1e-9, "gains are complementary at %v", elapsed)
		assert.LessOrEqual(t, a, prevAck, "ack gain never rises at %v", elapsed)
		prevAck = a
	}

	ackGain, respGain = fade.Gains(fade.Window)
	assert.Equal(t, 0.0, ackGain)
	assert.Equal(t, 1.0, respGain)
}

func TestCrossfadeIsQuantizedToSteps(t *testing.T) {
	fade := Crossfade{Window: 100 * time.Millisecond, Step: 25 * time.Millisecond}

	a1, _ := fade.Gains(30 * time.Millisecond)
	a2, _ := fade.Gains(49 * time.Millisecond)
	assert.Equal(t, a1, a2, "gain holds within one step")
	assert.InDelta(t, 0.75, a1, 1e-9)

	a3, _ := fade.Gains(50 * time.Millisecond)
	assert.InDelta(t, 0.5, a3, 1e-9)
}

func TestFlowNeverRetriggers(t *testing.T) {
	f := NewFlow(DefaultFlowConfig())

	assert.False(t, f.ShouldTrigger("hi"), "too short")
	assert.True(t, f.ShouldTrigger("what time"))
	assert.True(t, f.ShouldTrigger("tomorrow"), "eight characters")

	require.True(t, f.Trigger())
	assert.False(t, f.Trigger())
	assert.False(t, f.ShouldTrigger("what time is it"))

	require.True(t, f.Start())
	assert.True(t, f.BeginCrossfade())
	assert.False(t, f.BeginCrossfade())
	f.Finish()

	assert.False(t, f.Start(), "filler must not resume after the response started")
	assert.False(t, f.Trigger())
	assert.Equal(t, StateDone, f.State())
}

func TestFlowClosedBeforeAudioArrives(t *testing.T) {
	f := NewFlow(DefaultFlowConfig())
	require.True(t, f.Trigger())

	f.Close()
	assert.False(t, f.Start(), "late filler audio is dropped once the first token arrived")
	assert.False(t, f.BeginCrossfade())
}

func TestFlowPlayingSurvivesClose(t *testing.T) {
	f := NewFlow(DefaultFlowConfig())
	require.True(t, f.Trigger())
	require.True(t, f.Start())

	f.Close()
	assert.Equal(t, StatePlaying, f.State())
	assert.True(t, f.BeginCrossfade())
}

func TestCatalogSelectRotates(t *testing.T) {
	c := DefaultCatalog()
	assert.Equal(t, "Okay.", c.Select(IntentCommand, 0))
	assert.Equal(t, "Sure.", c.Select(IntentCommand, 1))
	assert.Equal(t, "Okay.", c.Select(IntentCommand, 3))
	assert.Equal(t, "One moment.", c.Select(Intent("unknown"), 0))

	assert.Len(t, c.Phrases(), 10)
}

func TestClassifyIntent(t *testing.T) {
	tests := map[string]Intent{
		"what is the weather":   IntentQuestion,
		"it rains a lot?":       IntentQuestion,
		"set a timer":           IntentCommand,
		"please call mom":       IntentCommand,
		"I went to the store":   IntentStatement,
		"   ":                   IntentDefault,
		"How, exactly, does it": IntentQuestion,
	}
	for text, want := range tests {
		assert.Equal(t, want, ClassifyIntent(text), text)
	}
}

func TestCacheDeduplicatesFetches(t *testing.T) {
	cache := NewCache(8)
	var calls atomic.Int32
	release := make(chan struct{})
	fetch := func(ctx context.Context, key Key, text string) ([]byte, error) {
		calls.Add(1)
		<-release
		return []byte("pcm:" + key.Text), nil
	}

	key := NewKey("rachel", 1, "  Okay. ")
	var wg sync.WaitGroup
	results := make([][]byte, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			audio, err := cache.Get(context.Background(), key, "Okay.", fetch)
			assert.NoError(t, err)
			results[i] = audio
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, r := range results {
		assert.Equal(t, "pcm:okay.", string(r))
	}

	_, err := cache.Get(context.Background(), NewKey("rachel", 1, "okay."), "okay.", fetch)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load(), "normalized text shares the cached audio")

	hits, _ := cache.Stats()
	assert.Equal(t, uint64(1), hits)
}

func TestCacheKeyIncludesVoiceAndRate(t *testing.T) {
	cache := NewCache(8)
	var calls atomic.Int32
	fetch := func(ctx context.Context, key Key, text string) ([]byte, error) {
		calls.Add(1)
		return []byte{1, 2}, nil
	}

	ctx := context.Background()
	_, _ = cache.Get(ctx, NewKey("a", 1, "Sure."), "Sure.", fetch)
	_, _ = cache.Get(ctx, NewKey("b", 1, "Sure."), "Sure.", fetch)
	_, _ = cache.Get(ctx, NewKey("a", 1.2, "Sure."), "Sure.", fetch)
	assert.Equal(t, int32(3), calls.Load())
}

func TestCacheEvictsOldest(t *testing.T) {
	cache := NewCache(2)
	fetch := func(ctx context.Context, key Key, text string) ([]byte, error) {
		return []byte(text), nil
	}
	ctx := context.Background()
	for _, p := range []string{"one", "two", "three"} {
		_, err := cache.Get(ctx, NewKey("v", 1, p), p, fetch)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, cache.Len())
	_, ok := cache.lookup(NewKey("v", 1, "one"))
	assert.False(t, ok)
}

func TestCacheDoesNotStoreFailures(t *testing.T) {
	cache := NewCache(2)
	fetch := func(ctx context.Context, key Key, text string) ([]byte, error) {
		return nil, errors.New("boom")
	}
	_, err := cache.Get(context.Background(), NewKey("v", 1, "x"), "x", fetch)
	assert.Error(t, err)
	assert.Zero(t, cache.Len())
}

type stubSynth struct {
	chunks [][]byte
	fail   error
}

func (s *stubSynth) Synthesize(ctx context.Context, text string, opts repositories.SynthesisOptions) (string, <-chan repositories.SynthesisEvent, error) {
	ch := make(chan repositories.SynthesisEvent, len(s.chunks)+1)
	for i, c := range s.chunks {
		kind := repositories.SynthesisChunk
		if i == 0 {
			kind = repositories.SynthesisFirstChunk
		}
		ch <- repositories.SynthesisEvent{Kind: kind, PlaybackID: "p", Seq: i, Audio: c}
	}
	if s.fail != nil {
		ch <- repositories.SynthesisEvent{Kind: repositories.SynthesisFailed, PlaybackID: "p", Err: s.fail}
	} else {
		ch <- repositories.SynthesisEvent{Kind: repositories.SynthesisComplete, PlaybackID: "p"}
	}
	close(ch)
	return "p", ch, nil
}

func (s *stubSynth) Cancel(string) time.Duration { return 0 }

func TestSynthesizerFetchCollectsStream(t *testing.T) {
	synth := &stubSynth{chunks: [][]byte{{1, 2}, {3, 4}, {5, 6}}}
	fetch := SynthesizerFetch(synth, repositories.SynthesisOptions{SampleRate: 16000})

	audio, err := fetch(context.Background(), NewKey("v", 1, "Okay."), "Okay.")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, audio)

	synth.fail = errors.New("quota")
	_, err = fetch(context.Background(), NewKey("v", 1, "Okay."), "Okay.")
	assert.Error(t, err)
}

func TestWarmFillsCache(t *testing.T) {
	cache := NewCache(32)
	synth := &stubSynth{chunks: [][]byte{{1, 2}}}
	fetch := SynthesizerFetch(synth, repositories.SynthesisOptions{})

	err := Warm(context.Background(), cache, DefaultCatalog(), "v", 1, fetch, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, len(DefaultCatalog().Phrases()), cache.Len())
}
