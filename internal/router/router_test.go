package router

import (
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/satriahrh/tutur/domain/entities"
)

func newTestRouter(t *testing.T) (*Router, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	return New(DefaultConfig(), clk, zaptest.NewLogger(t)), clk
}

// longToolRequest needs tools and estimates well above 60 tokens
func longToolRequest() string {
	return strings.Repeat("please ", 50) + "check my calendar for tomorrow"
}

func TestAnalyze(t *testing.T) {
	req := Analyze("  Hej ")
	assert.Equal(t, "hej", req.Text)
	assert.Equal(t, 2, req.EstimatedTokens)
	assert.False(t, req.HasPII)
	assert.False(t, req.NeedsTools)
	assert.True(t, req.CloudAvailable)

	assert.Equal(t, 13, EstimateTokens("one two three four five six seven eight nine ten"))
	assert.True(t, Analyze("What is the weather like").NeedsTools)
}

func TestDetectPII(t *testing.T) {
	tests := []struct {
		text string
		want string
	}{
		{"mail me at anna.svensson@example.se", "email"},
		{"my card is 4111 1111 1111 1111", "card"},
		{"personnummer 19900101-1234", "national_id"},
		{"call +46 70 123 4567 please", "phone"},
		{"call 070-123 4567", "phone"},
		{"meet me in 2024 at 10", ""},
		{"what is the weather", ""},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectPII(tt.text))
		})
	}
}

func TestDecideRules(t *testing.T) {
	long := strings.Repeat("word ", 40)
	tests := []struct {
		name string
		req  Request
		want entities.Route
	}{
		{
			name: "personal data",
			req:  Request{Text: "x", HasPII: true, NeedsTools: true, EstimatedTokens: 100, CloudAvailable: true},
			want: entities.RouteReasoningLocal,
		},
		{
			name: "cloud unavailable with tools",
			req:  Request{Text: "x", NeedsTools: true, EstimatedTokens: 100},
			want: entities.RouteReasoningLocal,
		},
		{
			name: "cloud degraded without tools",
			req:  Request{Text: "x", EstimatedTokens: 100, CloudAvailable: true, CloudDegraded: true},
			want: entities.RouteFastLocal,
		},
		{
			name: "short without tools",
			req:  Request{Text: "hej", EstimatedTokens: 2, CloudAvailable: true},
			want: entities.RouteFastLocal,
		},
		{
			name: "long with tools",
			req:  Request{Text: "x", NeedsTools: true, EstimatedTokens: 61, CloudAvailable: true},
			want: entities.RouteCloud,
		},
		{
			name: "long without tools",
			req:  Request{Text: "x", EstimatedTokens: 41, CloudAvailable: true},
			want: entities.RouteReasoningLocal,
		},
		{
			name: "long text",
			req:  Request{Text: long + long + long, EstimatedTokens: 10, CloudAvailable: true},
			want: entities.RouteReasoningLocal,
		},
		{
			name: "short with tools",
			req:  Request{Text: "x", NeedsTools: true, EstimatedTokens: 5, CloudAvailable: true},
			want: entities.RouteFastLocal,
		},
		{
			name: "strict privacy keeps cloud out",
			req:  Request{Text: "x", NeedsTools: true, EstimatedTokens: 100, CloudAvailable: true, PrivacyLevel: entities.PrivacyStrict},
			want: entities.RouteReasoningLocal,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := newTestRouter(t)
			assert.Equal(t, tt.want, r.Decide(tt.req).Route)
		})
	}
}

func TestScenarioShortGreetingRoutesFastLocal(t *testing.T) {
	r, _ := newTestRouter(t)
	d := r.Decide(Analyze("hej"))
	assert.Equal(t, entities.RouteFastLocal, d.Route)
	assert.Equal(t, 300*time.Millisecond, d.EstimatedLatency)
}

func TestScenarioEmailForcesReasoningLocal(t *testing.T) {
	r, _ := newTestRouter(t)
	req := Analyze(longToolRequest() + " and email the notes to boss@example.com")
	require.True(t, req.HasPII)
	require.True(t, req.NeedsTools)
	require.Greater(t, req.EstimatedTokens, 60)

	d := r.Decide(req)
	assert.Equal(t, entities.RouteReasoningLocal, d.Route)
	assert.NotContains(t, d.Fallbacks, entities.RouteCloud)
}

func TestPIINeverRoutesToCloud(t *testing.T) {
	r, _ := newTestRouter(t)
	// history strongly in favour of cloud
	for i := 0; i < 50; i++ {
		r.Record(Outcome{Route: entities.RouteCloud, Latency: 50 * time.Millisecond, TTFA: 100 * time.Millisecond, Success: true})
		r.Record(Outcome{Route: entities.RouteReasoningLocal, Latency: 1400 * time.Millisecond, Success: false})
		r.Record(Outcome{Route: entities.RouteFastLocal, Latency: 1400 * time.Millisecond, Success: false})
	}

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 500; i++ {
		req := Request{
			Text:            strings.Repeat("a", rng.Intn(300)),
			EstimatedTokens: rng.Intn(200),
			HasPII:          true,
			NeedsTools:      rng.Intn(2) == 0,
			CloudAvailable:  rng.Intn(2) == 0,
			CloudDegraded:   rng.Intn(2) == 0,
		}
		d := r.Decide(req)
		require.NotEqual(t, entities.RouteCloud, d.Route, "request %+v", req)
		require.NotContains(t, d.Fallbacks, entities.RouteCloud)
	}
}

func TestScenarioCloudBreakerLocksOut(t *testing.T) {
	r, clk := newTestRouter(t)
	req := Analyze(longToolRequest())
	require.Equal(t, entities.RouteCloud, r.Decide(req).Route)

	r.Record(Outcome{Route: entities.RouteCloud, Latency: 300 * time.Millisecond, TTFA: 700 * time.Millisecond, Success: true})
	assert.Equal(t, entities.RouteCloud, r.Decide(req).Route, "one slow turn is not enough")

	r.Record(Outcome{Route: entities.RouteCloud, Latency: 300 * time.Millisecond, TTFA: 650 * time.Millisecond, Success: true})
	d := r.Decide(req)
	assert.Equal(t, entities.RouteReasoningLocal, d.Route)
	assert.NotContains(t, d.Fallbacks, entities.RouteCloud)
	assert.True(t, r.Status().CloudLocked)

	// cloud reporting healthy again does not lift the lockout
	for i := 0; i < 3; i++ {
		r.Record(Outcome{Route: entities.RouteCloud, Latency: 100 * time.Millisecond, TTFA: 200 * time.Millisecond, Success: true})
	}
	clk.Add(4 * time.Minute)
	assert.Equal(t, entities.RouteReasoningLocal, r.Decide(req).Route)

	clk.Add(time.Minute + time.Second)
	assert.Equal(t, entities.RouteCloud, r.Decide(req).Route)
	assert.False(t, r.Status().CloudLocked)
}

func TestBreakerNeedsConsecutiveSlowTurns(t *testing.T) {
	r, _ := newTestRouter(t)
	for i := 0; i < 6; i++ {
		ttfa := 700 * time.Millisecond
		if i%2 == 1 {
			ttfa = 300 * time.Millisecond
		}
		r.Record(Outcome{Route: entities.RouteCloud, Latency: 200 * time.Millisecond, TTFA: ttfa, Success: true})
	}
	assert.False(t, r.Status().CloudLocked)
}

func TestCloudDegradesOnLatencyAndRecovers(t *testing.T) {
	r, clk := newTestRouter(t)
	req := Analyze(longToolRequest())

	for i := 0; i < 5; i++ {
		r.Record(Outcome{Route: entities.RouteCloud, Latency: 2500 * time.Millisecond, Success: true})
	}
	d := r.Decide(req)
	assert.Equal(t, entities.RouteReasoningLocal, d.Route)
	assert.Contains(t, d.Reason, "degraded")
	assert.Contains(t, r.Status().Degraded, entities.RouteCloud)

	clk.Add(61 * time.Second)
	assert.Equal(t, entities.RouteCloud, r.Decide(req).Route, "cloud is probed again after the hold")
}

func TestCloudDegradesOnErrorRate(t *testing.T) {
	r, _ := newTestRouter(t)
	for i := 0; i < 9; i++ {
		r.Record(Outcome{Route: entities.RouteCloud, Latency: 200 * time.Millisecond, Success: true})
	}
	r.Record(Outcome{Route: entities.RouteCloud, Latency: 200 * time.Millisecond, Success: false})
	assert.NotContains(t, r.Status().Degraded, entities.RouteCloud, "10% errors is within target")

	r.Record(Outcome{Route: entities.RouteCloud, Latency: 200 * time.Millisecond, Success: false})
	assert.Contains(t, r.Status().Degraded, entities.RouteCloud)
}

func TestReasoningDegradesToFastLocal(t *testing.T) {
	r, _ := newTestRouter(t)
	for i := 0; i < 5; i++ {
		r.Record(Outcome{Route: entities.RouteReasoningLocal, Latency: 1800 * time.Millisecond, Success: true})
	}
	req := Request{Text: "x", EstimatedTokens: 50, CloudAvailable: true}
	assert.Equal(t, entities.RouteFastLocal, r.Decide(req).Route)
}

func TestAdaptiveSelectionPrefersHigherScore(t *testing.T) {
	r, _ := newTestRouter(t)
	for i := 0; i < 10; i++ {
		// fast-local: 1.0 / 0.8s = 1.25
		r.Record(Outcome{Route: entities.RouteFastLocal, Latency: 800 * time.Millisecond, Success: true})
		// reasoning-local: 0.9 / 0.3s = 3.0
		r.Record(Outcome{Route: entities.RouteReasoningLocal, Latency: 300 * time.Millisecond, Success: i != 0})
	}

	d := r.Decide(Analyze("hej"))
	assert.Equal(t, entities.RouteReasoningLocal, d.Route)
	assert.Contains(t, d.Reason, "adaptive")
	assert.InDelta(t, 3.0/4.25, d.Confidence, 1e-9)
}

func TestAdaptiveSelectionNeedsMinimumSamples(t *testing.T) {
	r, _ := newTestRouter(t)
	for i := 0; i < 10; i++ {
		r.Record(Outcome{Route: entities.RouteFastLocal, Latency: 800 * time.Millisecond, Success: true})
	}
	for i := 0; i < 9; i++ {
		r.Record(Outcome{Route: entities.RouteReasoningLocal, Latency: 100 * time.Millisecond, Success: true})
	}
	assert.Equal(t, entities.RouteFastLocal, r.Decide(Analyze("hej")).Route)
}

func TestAdaptiveSelectionSkipsLockedCloud(t *testing.T) {
	r, _ := newTestRouter(t)
	for i := 0; i < 10; i++ {
		r.Record(Outcome{Route: entities.RouteReasoningLocal, Latency: 900 * time.Millisecond, Success: true})
		r.Record(Outcome{Route: entities.RouteCloud, Latency: 100 * time.Millisecond, TTFA: 900 * time.Millisecond, Success: true})
	}
	require.True(t, r.Status().CloudLocked)
	assert.Equal(t, entities.RouteReasoningLocal, r.Decide(Analyze(longToolRequest())).Route)
}

func TestHistoryIsBounded(t *testing.T) {
	r, _ := newTestRouter(t)
	for i := 0; i < 1500; i++ {
		r.Record(Outcome{Route: entities.RouteFastLocal, Latency: 200 * time.Millisecond, Success: true})
	}
	st := r.Status()
	assert.Equal(t, 1000, st.HistorySize)
	assert.Equal(t, 1000, st.Routes[entities.RouteFastLocal].Samples)
}

func TestRouteStatsScoreFloorsLatency(t *testing.T) {
	st := RouteStats{SuccessRate: 1, AvgLatency: 10 * time.Millisecond}
	assert.InDelta(t, 10.0, st.Score(100*time.Millisecond), 1e-9)
}
