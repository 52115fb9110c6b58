package safety

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/cybre/dmx-music-sync/internal/clock"
	"github.com/cybre/dmx-music-sync/internal/fixture"
	"github.com/cybre/dmx-music-sync/internal/utils"
)

// Reason explains why a request was not forwarded as-is.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonDebounce
	ReasonChaos
	ReasonLatch
)

func (r Reason) String() string {
	switch r {
	case ReasonDebounce:
		return "debounce"
	case ReasonChaos:
		return "chaos"
	case ReasonLatch:
		return "latch"
	default:
		return "none"
	}
}

// OpenShutter is the shutter value for a steady, unstrobed beam.
const OpenShutter = 255

// Options tunes the Layer. Zero values select the defaults.
type Options struct {
	SafetyMargin       float64
	ChaosThreshold     int
	ChaosWindow        time.Duration
	HistoryWindow      time.Duration
	LatchDuration      time.Duration
	StrobeAfterBlocked int
	// StrobeRampBlocked is the blocked count at which the suggested shutter
	// reaches its fastest strobe.
	StrobeRampBlocked int
	// StrobeFullScaleHz is the strobe rate a shutter value of 255 produces.
	// Profiles with a lower MaxStrobeHz get a proportionally lower ceiling.
	StrobeFullScaleHz float64

	Clock  clock.Clock
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.SafetyMargin <= 0 {
		o.SafetyMargin = 1.2
	}
	if o.ChaosThreshold <= 0 {
		o.ChaosThreshold = 3
	}
	if o.ChaosWindow <= 0 {
		o.ChaosWindow = time.Second
	}
	if o.HistoryWindow <= 0 {
		o.HistoryWindow = 2 * time.Second
	}
	if o.LatchDuration <= 0 {
		o.LatchDuration = 2 * time.Second
	}
	if o.StrobeAfterBlocked <= 0 {
		o.StrobeAfterBlocked = 10
	}
	if o.StrobeRampBlocked <= 0 {
		o.StrobeRampBlocked = 30
	}
	if o.StrobeFullScaleHz <= 0 {
		o.StrobeFullScaleHz = 20
	}

	o.SafetyMargin = utils.Clamp(o.SafetyMargin, 1.0, 5.0)
	if o.HistoryWindow < o.ChaosWindow {
		o.HistoryWindow = o.ChaosWindow
	}
	if o.Clock == nil {
		o.Clock = clock.System{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Result is the outcome of filtering one colour request.
type Result struct {
	FinalColor       uint8
	WasBlocked       bool
	InLatch          bool
	Reason           Reason
	SuggestedShutter uint8
	DelegateToStrobe bool
}

// Metrics summarises protection activity across all fixtures.
type Metrics struct {
	TotalBlocked      int
	LatchActivations  int
	StrobeDelegations int
	ActiveFixtures    int
	FixturesInLatch   int
}

type fixtureState struct {
	applied       uint8
	lastChange    time.Time
	lastRequested uint8
	changes       []time.Time
	dimmer        float64

	latched    bool
	latchColor uint8
	latchStart time.Time
	blocked    int
	delegated  bool
}

// Layer protects fixtures with mechanical colour wheels from change rates
// their motors cannot follow.
type Layer struct {
	opts Options

	mu     sync.Mutex
	states map[string]*fixtureState

	totalBlocked      int
	latchActivations  int
	strobeDelegations int
}

// New returns a Layer configured with opts.
func New(opts Options) *Layer {
	return &Layer{
		opts:   opts.withDefaults(),
		states: make(map[string]*fixtureState),
	}
}

// Filter decides which colour code fixtureID may actually receive. requested
// is a DMX colour code; non-finite values are replaced with the profile's safe
// colour.
func (l *Layer) Filter(fixtureID string, requested float64, profile fixture.Profile, dimmer float64) Result {
	code := l.sanitize(requested, profile)

	wheel, ok := fixture.ColorWheel(profile)
	if !ok || !wheel.Valid() {
		return Result{FinalColor: code, SuggestedShutter: OpenShutter}
	}

	now := l.opts.Clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.states[fixtureID]
	if !ok {
		st = &fixtureState{applied: code, lastRequested: code, lastChange: now}
		l.states[fixtureID] = st
	}
	st.dimmer = utils.Clamp01(dimmer)

	if st.latched && now.Sub(st.latchStart) > l.opts.LatchDuration {
		l.release(fixtureID, st)
	}

	isNew := code != st.lastRequested
	if isNew {
		st.changes = append(st.changes, now)
		st.lastRequested = code
	}
	st.changes = prune(st.changes, now.Add(-l.opts.HistoryWindow))

	if st.latched {
		return l.hold(st, isNew, ReasonLatch, fixture.StrobeLimit(profile))
	}

	if recent := countSince(st.changes, now.Add(-l.opts.ChaosWindow)); recent > l.opts.ChaosThreshold {
		st.latched = true
		st.latchColor = st.applied
		st.latchStart = now
		l.latchActivations++
		l.opts.Logger.Debug("safety latch engaged",
			slog.String("fixture", fixtureID),
			slog.Int("changes_per_window", recent),
			slog.Int("color", int(st.latchColor)))
		return l.hold(st, isNew, ReasonChaos, fixture.StrobeLimit(profile))
	}

	minGap := time.Duration(math.Round(float64(wheel.MinChangeTime) * l.opts.SafetyMargin))
	if code != st.applied && now.Sub(st.lastChange) < minGap {
		if isNew {
			st.blocked++
			l.totalBlocked++
		}
		return Result{
			FinalColor:       st.applied,
			WasBlocked:       true,
			Reason:           ReasonDebounce,
			SuggestedShutter: OpenShutter,
		}
	}

	if code != st.applied {
		st.applied = code
		st.lastChange = now
	}
	return Result{FinalColor: code, SuggestedShutter: OpenShutter}
}

func (l *Layer) hold(st *fixtureState, isNew bool, reason Reason, maxStrobeHz float64) Result {
	if isNew {
		st.blocked++
		l.totalBlocked++
	}

	res := Result{
		FinalColor:       st.latchColor,
		WasBlocked:       true,
		InLatch:          true,
		Reason:           reason,
		SuggestedShutter: OpenShutter,
	}

	// A dark fixture has nothing to strobe.
	if st.blocked > l.opts.StrobeAfterBlocked && st.dimmer > 0 {
		ceiling := 1.0
		if maxStrobeHz > 0 {
			ceiling = math.Min(maxStrobeHz/l.opts.StrobeFullScaleHz, 1)
		}
		ramp := math.Min(float64(st.blocked)/float64(l.opts.StrobeRampBlocked), 1) * ceiling
		res.DelegateToStrobe = true
		res.SuggestedShutter = uint8(math.Round(128 + ramp*127))
		if !st.delegated {
			st.delegated = true
			l.strobeDelegations++
		}
	}
	return res
}

func (l *Layer) release(fixtureID string, st *fixtureState) {
	l.opts.Logger.Debug("safety latch released",
		slog.String("fixture", fixtureID),
		slog.Int("blocked", st.blocked))
	st.latched = false
	st.changes = st.changes[:0]
	st.blocked = 0
	st.delegated = false
}

func (l *Layer) sanitize(requested float64, profile fixture.Profile) uint8 {
	if !utils.Finite(requested) {
		return fixture.SafeColor(profile)
	}
	return uint8(utils.Clamp(math.Round(requested), 0, 255))
}

// ResetFixture forgets everything known about fixtureID.
func (l *Layer) ResetFixture(fixtureID string) {
	l.mu.Lock()
	delete(l.states, fixtureID)
	l.mu.Unlock()
}

// ResetAll forgets every fixture. Lifetime counters are kept.
func (l *Layer) ResetAll() {
	l.mu.Lock()
	l.states = make(map[string]*fixtureState)
	l.mu.Unlock()
}

// Metrics returns protection counters.
func (l *Layer) Metrics() Metrics {
	now := l.opts.Clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	m := Metrics{
		TotalBlocked:      l.totalBlocked,
		LatchActivations:  l.latchActivations,
		StrobeDelegations: l.strobeDelegations,
		ActiveFixtures:    len(l.states),
	}
	for _, st := range l.states {
		if st.latched && now.Sub(st.latchStart) <= l.opts.LatchDuration {
			m.FixturesInLatch++
		}
	}
	return m
}

func prune(times []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for _, ts := range times {
		if ts.After(cutoff) {
			times[idx] = ts
			idx++
		}
	}
	return times[:idx]
}

func countSince(times []time.Time, cutoff time.Time) int {
	n := 0
	for _, ts := range times {
		if ts.After(cutoff) {
			n++
		}
	}
	return n
}
