package safety

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cybre/dmx-music-sync/internal/clock"
	"github.com/cybre/dmx-music-sync/internal/fixture"
)

const (
	red  = 15
	blue = 90
)

func newLayer() (*Layer, *clock.Manual) {
	clk := clock.NewManual(time.Unix(1000, 0))
	return New(Options{Clock: clk}), clk
}

func TestDigitalFixturePassesThrough(t *testing.T) {
	l, clk := newLayer()
	par := fixture.DigitalProfile{Info: fixture.Info{ID: "par"}}

	for i := range 50 {
		clk.Advance(10 * time.Millisecond)
		res := l.Filter("par-1", float64(i%2*100), par, 1)
		assert.Equal(t, uint8(i%2*100), res.FinalColor)
		assert.False(t, res.WasBlocked)
		assert.Equal(t, uint8(255), res.SuggestedShutter)
	}
	assert.Equal(t, 0, l.Metrics().ActiveFixtures)
}

func TestMalformedProfilePassesThrough(t *testing.T) {
	l, clk := newLayer()
	broken := fixture.WheelProfile{Info: fixture.Info{ID: "broken"}}

	l.Filter("beam", red, broken, 1)
	clk.Advance(time.Millisecond)
	res := l.Filter("beam", blue, broken, 1)
	assert.Equal(t, uint8(blue), res.FinalColor)
	assert.False(t, res.WasBlocked)

	res = l.Filter("beam", red, nil, 1)
	assert.Equal(t, uint8(red), res.FinalColor)
}

func TestSameColorTwiceIsNeverBlocked(t *testing.T) {
	l, clk := newLayer()
	beam := fixture.Beam2R()

	first := l.Filter("beam", red, beam, 1)
	clk.Advance(10 * time.Millisecond)
	second := l.Filter("beam", red, beam, 1)

	assert.False(t, first.WasBlocked)
	assert.False(t, second.WasBlocked)
	assert.Equal(t, uint8(red), second.FinalColor)
	assert.Equal(t, 0, l.Metrics().TotalBlocked)
}

func TestDebounceHoldsPreviousColor(t *testing.T) {
	l, clk := newLayer()
	beam := fixture.Beam2R()

	l.Filter("beam", red, beam, 1)

	clk.Advance(100 * time.Millisecond)
	res := l.Filter("beam", blue, beam, 1)
	assert.True(t, res.WasBlocked)
	assert.Equal(t, ReasonDebounce, res.Reason)
	assert.Equal(t, uint8(red), res.FinalColor)

	clk.Advance(50 * time.Millisecond)
	res = l.Filter("beam", blue, beam, 1)
	assert.True(t, res.WasBlocked)
	assert.Equal(t, 1, l.Metrics().TotalBlocked, "a repeated request is not a new blocked change")

	// 500ms wheel time with a 1.2 margin.
	clk.Advance(450 * time.Millisecond)
	res = l.Filter("beam", blue, beam, 1)
	assert.False(t, res.WasBlocked)
	assert.Equal(t, uint8(blue), res.FinalColor)
}

func TestChaosLatchesAndRecovers(t *testing.T) {
	l, clk := newLayer()
	beam := fixture.Beam2R()
	start := clk.Now()

	color := func(i int) float64 {
		if i%2 == 0 {
			return red
		}
		return blue
	}

	var latchedAt time.Duration = -1
	var last Result
	for i := 0; i <= 24; i++ {
		clk.Set(start.Add(time.Duration(i) * 100 * time.Millisecond))
		last = l.Filter("beam", color(i), beam, 1)
		if last.InLatch && latchedAt < 0 {
			latchedAt = time.Duration(i) * 100 * time.Millisecond
			assert.Equal(t, ReasonChaos, last.Reason)
		}
		if latchedAt >= 0 {
			assert.True(t, last.InLatch, "request %d", i)
			assert.Equal(t, uint8(red), last.FinalColor, "request %d", i)
		}
	}

	require.GreaterOrEqual(t, latchedAt, time.Duration(0))
	assert.LessOrEqual(t, latchedAt, time.Second)
	assert.True(t, last.DelegateToStrobe)
	assert.Greater(t, last.SuggestedShutter, uint8(128))
	assert.Equal(t, 1, l.Metrics().FixturesInLatch)

	clk.Set(start.Add(latchedAt + 2*time.Second + 100*time.Millisecond))
	res := l.Filter("beam", blue, beam, 1)
	assert.False(t, res.InLatch)
	assert.False(t, res.WasBlocked)
	assert.Equal(t, uint8(blue), res.FinalColor)

	m := l.Metrics()
	assert.Equal(t, 1, m.LatchActivations)
	assert.Equal(t, 1, m.StrobeDelegations)
	assert.Equal(t, 0, m.FixturesInLatch)
}

func TestLatchHoldsThroughFullDuration(t *testing.T) {
	l, clk := newLayer()
	beam := fixture.Beam2R()
	start := clk.Now()

	for i := range 5 {
		clk.Set(start.Add(time.Duration(i) * 100 * time.Millisecond))
		l.Filter("beam", float64(red+15*(i%2)), beam, 1)
	}
	require.Equal(t, 1, l.Metrics().LatchActivations)

	clk.Set(start.Add(400*time.Millisecond + 2*time.Second))
	res := l.Filter("beam", blue, beam, 1)
	assert.True(t, res.InLatch, "latch lasts the full duration")
}

func TestDarkFixtureIsNotDelegatedToStrobe(t *testing.T) {
	l, clk := newLayer()
	beam := fixture.Beam2R()

	var res Result
	for i := range 20 {
		clk.Advance(100 * time.Millisecond)
		res = l.Filter("beam", float64(15*(i%3)), beam, 0)
	}
	assert.True(t, res.InLatch)
	assert.False(t, res.DelegateToStrobe)
	assert.Equal(t, uint8(255), res.SuggestedShutter)
}

func TestStrobeShutterRespectsFixtureLimit(t *testing.T) {
	fast := fixture.Beam2R()
	fast.MaxStrobeHz = 0
	slow := fixture.Beam2R()
	slow.MaxStrobeHz = 5

	latch := func(p fixture.Profile) Result {
		clk := clock.NewManual(time.Unix(1000, 0))
		l := New(Options{Clock: clk, LatchDuration: time.Minute})
		var res Result
		for i := range 60 {
			clk.Advance(100 * time.Millisecond)
			res = l.Filter("beam", float64(15*(i%3)), p, 1)
		}
		require.True(t, res.DelegateToStrobe)
		return res
	}

	assert.Equal(t, uint8(255), latch(fast).SuggestedShutter)
	assert.Equal(t, uint8(160), latch(slow).SuggestedShutter)
	assert.Equal(t, uint8(204), latch(fixture.Beam2R()).SuggestedShutter)
}

func TestNonFiniteRequestUsesSafeColor(t *testing.T) {
	l, _ := newLayer()
	res := l.Filter("beam", math.NaN(), fixture.Beam2R(), 1)
	assert.Equal(t, uint8(0), res.FinalColor)

	res = l.Filter("par", math.Inf(1), fixture.DigitalProfile{}, 1)
	assert.Equal(t, uint8(0), res.FinalColor)

	res = l.Filter("par", 300, fixture.DigitalProfile{}, 1)
	assert.Equal(t, uint8(255), res.FinalColor)
}

func TestResetFixtureClearsLatch(t *testing.T) {
	l, clk := newLayer()
	beam := fixture.Beam2R()

	for i := range 6 {
		clk.Advance(100 * time.Millisecond)
		l.Filter("beam", float64(15*(i%2+1)), beam, 1)
	}
	l.Filter("other", red, beam, 1)
	require.Equal(t, 1, l.Metrics().FixturesInLatch)
	require.Equal(t, 2, l.Metrics().ActiveFixtures)

	l.ResetFixture("beam")
	res := l.Filter("beam", blue, beam, 1)
	assert.False(t, res.WasBlocked)
	assert.Equal(t, uint8(blue), res.FinalColor)

	l.ResetAll()
	assert.Equal(t, 0, l.Metrics().ActiveFixtures)
	assert.Equal(t, 1, l.Metrics().LatchActivations)
}

func TestOptionsAreClamped(t *testing.T) {
	opts := Options{SafetyMargin: 0.2}.withDefaults()
	assert.Equal(t, 1.0, opts.SafetyMargin)
	assert.NotNil(t, opts.Clock)
}
