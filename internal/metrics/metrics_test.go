package metrics

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/satriahrh/tutur/domain/entities"
)

func turnWithTotal(start time.Time, route entities.Route, total time.Duration, outcome entities.TurnOutcome) entities.Turn {
	final := start.Add(500 * time.Millisecond)
	return entities.Turn{
		ID:             "t",
		SessionID:      "s",
		StartedAt:      start,
		Route:          route,
		Outcome:        outcome,
		FirstPartialAt: start.Add(100 * time.Millisecond),
		FinalAt:        final,
		FirstTokenAt:   final.Add(200 * time.Millisecond),
		FirstAudioAt:   final.Add(400 * time.Millisecond),
		EndedAt:        final.Add(total),
	}
}

func TestPercentileNearestRank(t *testing.T) {
	var values []time.Duration
	for i := 1; i <= 100; i++ {
		values = append(values, time.Duration(i)*time.Millisecond)
	}
	assert.Equal(t, 50*time.Millisecond, Percentile(values, 0.50))
	assert.Equal(t, 95*time.Millisecond, Percentile(values, 0.95))
	assert.Equal(t, 99*time.Millisecond, Percentile(values, 0.99))
	assert.Equal(t, time.Millisecond, Percentile(values[:1], 0.95))
	assert.Zero(t, Percentile(nil, 0.95))
}

func TestTrackerAggregatesPhases(t *testing.T) {
	clk := clock.NewMock()
	tr := NewTracker(DefaultConfig(), clk)
	start := clk.Now()

	for i := 1; i <= 20; i++ {
		tr.RecordTurn(turnWithTotal(start, entities.RouteFastLocal, time.Duration(i)*100*time.Millisecond, entities.TurnOutcomeCompleted))
	}
	tr.RecordTurn(turnWithTotal(start, entities.RouteCloud, time.Second, entities.TurnOutcomeCompleted))

	snap := tr.Snapshot()
	assert.Equal(t, 21, snap.Turns)
	assert.Equal(t, 21, snap.Completed)

	ttft := snap.Phases[PhaseTTFT]
	assert.Equal(t, 21, ttft.Count)
	assert.Equal(t, 200*time.Millisecond, ttft.Avg)
	assert.Equal(t, 200*time.Millisecond, ttft.P95)

	fast := snap.Routes[entities.RouteFastLocal]
	assert.Equal(t, 20, fast.Turns)
	assert.Equal(t, 1050*time.Millisecond, fast.Phases[PhaseTotal].Avg)
	assert.Equal(t, 1000*time.Millisecond, fast.Phases[PhaseTotal].P50)
	assert.Equal(t, 1900*time.Millisecond, fast.Phases[PhaseTotal].P95)
	assert.Equal(t, 2000*time.Millisecond, fast.Phases[PhaseTotal].P99)
	assert.Equal(t, 1, snap.Routes[entities.RouteCloud].Turns)

	assert.Zero(t, snap.Phases[PhaseBargeInCut].Count, "turns without barge-in are not counted")
}

func TestTrackerThroughputSlidingWindow(t *testing.T) {
	clk := clock.NewMock()
	tr := NewTracker(DefaultConfig(), clk)

	for i := 0; i < 30; i++ {
		tr.RecordTurn(turnWithTotal(clk.Now(), entities.RouteFastLocal, time.Second, entities.TurnOutcomeCompleted))
		clk.Add(time.Second)
	}
	assert.InDelta(t, 0.5, tr.Snapshot().Throughput, 1e-9)

	clk.Add(44 * time.Second)
	assert.InDelta(t, 0.25, tr.Snapshot().Throughput, 1e-9)

	clk.Add(time.Minute)
	assert.Zero(t, tr.Snapshot().Throughput)
}

func TestTrackerHealth(t *testing.T) {
	clk := clock.NewMock()
	cfg := DefaultConfig()
	cfg.TargetTotal = 2 * time.Second

	t.Run("healthy", func(t *testing.T) {
		tr := NewTracker(cfg, clk)
		assert.True(t, tr.Snapshot().Healthy, "no turns yet")
		for i := 0; i < 20; i++ {
			tr.RecordTurn(turnWithTotal(clk.Now(), entities.RouteFastLocal, time.Second, entities.TurnOutcomeCompleted))
		}
		assert.True(t, tr.Snapshot().Healthy)
	})

	t.Run("error rate", func(t *testing.T) {
		tr := NewTracker(cfg, clk)
		for i := 0; i < 19; i++ {
			tr.RecordTurn(turnWithTotal(clk.Now(), entities.RouteFastLocal, time.Second, entities.TurnOutcomeCompleted))
		}
		tr.RecordTurn(entities.Turn{StartedAt: clk.Now(), Outcome: entities.TurnOutcomeFailed, ErrorCount: 1})
		snap := tr.Snapshot()
		assert.InDelta(t, 0.05, snap.ErrorRate, 1e-9)
		assert.False(t, snap.Healthy)
	})

	t.Run("latency", func(t *testing.T) {
		tr := NewTracker(cfg, clk)
		for i := 0; i < 20; i++ {
			tr.RecordTurn(turnWithTotal(clk.Now(), entities.RouteCloud, 3*time.Second, entities.TurnOutcomeCompleted))
		}
		assert.False(t, tr.Snapshot().Healthy)
	})
}

func TestTrackerWindowIsBounded(t *testing.T) {
	clk := clock.NewMock()
	cfg := DefaultConfig()
	cfg.Window = 10
	tr := NewTracker(cfg, clk)

	for i := 0; i < 10; i++ {
		tr.RecordTurn(entities.Turn{Outcome: entities.TurnOutcomeFailed})
	}
	for i := 0; i < 10; i++ {
		tr.RecordTurn(turnWithTotal(clk.Now(), entities.RouteFastLocal, time.Second, entities.TurnOutcomeCompleted))
	}
	snap := tr.Snapshot()
	assert.Equal(t, 20, snap.Turns)
	assert.Zero(t, snap.Failed, "old failures fell out of the window")
	assert.True(t, snap.Healthy)
}

func TestTrackerSessions(t *testing.T) {
	clk := clock.NewMock()
	tr := NewTracker(DefaultConfig(), clk)

	tr.SessionStarted("a")
	tr.SessionStarted("b")
	clk.Add(10 * time.Second)
	tr.SessionEnded("a")
	clk.Add(20 * time.Second)
	tr.SessionEnded("b")
	tr.SessionEnded("unknown")

	tr.SessionStarted("c")
	snap := tr.Snapshot()
	assert.Equal(t, 1, snap.ActiveSessions)
	assert.Equal(t, 2, snap.EndedSessions)
	assert.Equal(t, 20*time.Second, snap.AvgSessionDuration)
}

type recordingSink struct {
	mu      sync.Mutex
	records []entities.TurnRecord
	err     error
}

func (s *recordingSink) Export(ctx context.Context, rec entities.TurnRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return s.err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func TestExporterDeliversRecords(t *testing.T) {
	sink := &recordingSink{}
	e := NewExporter(sink, 4, time.Second, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	require.True(t, e.Export(entities.TurnRecord{TurnID: "1"}))
	require.True(t, e.Export(entities.TurnRecord{TurnID: "2"}))
	require.Eventually(t, func() bool { return sink.count() == 2 }, time.Second, 5*time.Millisecond)

	sent, failed, dropped := e.Stats()
	assert.Equal(t, uint64(2), sent)
	assert.Zero(t, failed)
	assert.Zero(t, dropped)
}

func TestExporterDropsWhenFull(t *testing.T) {
	sink := &recordingSink{}
	e := NewExporter(sink, 2, time.Second, zap.NewNop())

	// nothing drains the queue
	assert.True(t, e.Export(entities.TurnRecord{TurnID: "1"}))
	assert.True(t, e.Export(entities.TurnRecord{TurnID: "2"}))
	assert.False(t, e.Export(entities.TurnRecord{TurnID: "3"}))

	_, _, dropped := e.Stats()
	assert.Equal(t, uint64(1), dropped)
}

func TestExporterNeverRetries(t *testing.T) {
	sink := &recordingSink{err: errors.New("unavailable")}
	e := NewExporter(sink, 4, time.Second, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	e.Export(entities.TurnRecord{TurnID: "1"})
	require.Eventually(t, func() bool {
		_, failed, _ := e.Stats()
		return failed == 1
	}, time.Second, 5*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, sink.count())
}

func TestMultiSinkJoinsErrors(t *testing.T) {
	ok := &recordingSink{}
	bad := &recordingSink{err: errors.New("down")}
	err := MultiSink{ok, bad, NewLogSink(zap.NewNop())}.Export(context.Background(), entities.TurnRecord{})
	assert.ErrorContains(t, err, "down")
	assert.Equal(t, 1, ok.count())
}
