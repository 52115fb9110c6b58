package tempo

import (
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/cybre/dmx-music-sync/internal/dsp"
	"github.com/cybre/dmx-music-sync/internal/utils"
)

const (
	kickThresholdBase  = 0.05
	kickThresholdScale = 0.15
	snareTransient     = 0.10
	snareLevel         = 0.15
	hihatTransient     = 0.08
	hihatLevel         = 0.10

	bassHistorySize = 30
	bassHistoryMin  = 5

	minKicks     = 6
	minIntervals = 4

	candidateBlend  = 0.08
	significantSize = 0.6
)

var octaveRatios = [...]float64{2, 0.5, 1.5, 0.66}

// Options tunes the Pacemaker. Zero values select the defaults.
type Options struct {
	ClusterTolerance time.Duration
	HysteresisFrames int
	WarmupFrames     int
	WarmupBeats      int
	StabilityDelta   float64
	OctaveConfidence float64
	OctaveFrames     int
	OctaveTolerance  float64
	MinInterval      time.Duration
	MaxInterval      time.Duration
	MinPeakSpacing   time.Duration
	PeakCapacity     int
	MinBPM           float64
	MaxBPM           float64
	InitialBPM       float64
	OnBeatWindow     float64

	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.ClusterTolerance <= 0 {
		o.ClusterTolerance = 25 * time.Millisecond
	}
	if o.HysteresisFrames <= 0 {
		o.HysteresisFrames = 45
	}
	if o.WarmupFrames <= 0 {
		o.WarmupFrames = 8
	}
	if o.WarmupBeats <= 0 {
		o.WarmupBeats = 16
	}
	if o.StabilityDelta <= 0 {
		o.StabilityDelta = 2.5
	}
	if o.OctaveConfidence <= 0 {
		o.OctaveConfidence = 0.85
	}
	if o.OctaveFrames <= 0 {
		o.OctaveFrames = 90
	}
	if o.OctaveTolerance <= 0 {
		o.OctaveTolerance = 0.10
	}
	if o.MinInterval <= 0 {
		o.MinInterval = 300 * time.Millisecond
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = 1500 * time.Millisecond
	}
	if o.MinPeakSpacing <= 0 {
		o.MinPeakSpacing = 80 * time.Millisecond
	}
	if o.PeakCapacity <= 0 {
		o.PeakCapacity = 64
	}
	if o.MinBPM <= 0 {
		o.MinBPM = 60
	}
	if o.MaxBPM <= 0 {
		o.MaxBPM = 200
	}
	if o.OnBeatWindow <= 0 {
		o.OnBeatWindow = 0.12
	}

	o.OctaveConfidence = utils.Clamp(o.OctaveConfidence, 0.0, 1.0)
	o.OctaveTolerance = utils.Clamp(o.OctaveTolerance, 0.01, 0.2)
	o.OnBeatWindow = utils.Clamp(o.OnBeatWindow, 0.0, 0.5)
	o.PeakCapacity = max(o.PeakCapacity, minKicks+1)
	if o.MaxInterval < o.MinInterval {
		o.MaxInterval = o.MinInterval
	}
	if o.MaxBPM < o.MinBPM {
		o.MaxBPM = o.MinBPM
	}
	if o.InitialBPM <= 0 {
		o.InitialBPM = 120
	}
	o.InitialBPM = utils.Clamp(o.InitialBPM, o.MinBPM, o.MaxBPM)
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// PeakKind identifies the instrument class a transient was attributed to.
type PeakKind int

const (
	PeakKick PeakKind = iota
	PeakSnare
	PeakHiHat
)

func (k PeakKind) String() string {
	switch k {
	case PeakKick:
		return "kick"
	case PeakSnare:
		return "snare"
	case PeakHiHat:
		return "hihat"
	default:
		return "unknown"
	}
}

// Peak is a transient accepted into the onset history.
type Peak struct {
	Time   time.Duration
	Energy float64
	Kind   PeakKind
}

// Output is the per-frame tempo estimate.
type Output struct {
	BPM        float64
	RawBPM     float64
	Confidence float64
	Phase      float64
	OnBeat     bool
	IsLocked   bool

	Kick  bool
	Snare bool
	HiHat bool

	BeatCount  int
	LockFrames int
}

// Diagnostics exposes the internal estimator state.
type Diagnostics struct {
	StableBPM        float64
	RawBPM           float64
	CandidateBPM     float64
	CandidateFrames  int
	OctaveFrames     int
	DominantInterval time.Duration
	Clusters         int
	Peaks            int
	BeatCount        int
	Confidence       float64
}

// Pacemaker turns noisy onsets into a stable BPM and beat phase. It resists
// octave errors and only commits a new tempo after it has held for a while.
type Pacemaker struct {
	opts Options

	peaks     []Peak
	peakNext  int
	peakCount int

	bassHistory []float64
	bassNext    int
	bassCount   int
	prev        [3]float64

	stable          float64
	raw             float64
	candidate       float64
	candidateFrames int
	confidence      float64
	octaveFrames    int
	octaveAccepted  bool
	dominantMs      float64
	clusters        int

	locked     bool
	lockFrames int
	beatCount  int
	lastBeat   time.Duration
	hasBeat    bool
	now        time.Duration
}

// New returns a Pacemaker configured with opts.
func New(opts Options) *Pacemaker {
	p := &Pacemaker{opts: opts.withDefaults()}
	p.Reset()
	return p
}

// Reset discards all onset history and returns to the initial tempo.
func (p *Pacemaker) Reset() {
	p.peaks = make([]Peak, p.opts.PeakCapacity)
	p.peakNext = 0
	p.peakCount = 0
	p.bassHistory = make([]float64, bassHistorySize)
	p.bassNext = 0
	p.bassCount = 0
	p.prev = [3]float64{}
	p.stable = p.opts.InitialBPM
	p.raw = p.opts.InitialBPM
	p.candidate = p.opts.InitialBPM
	p.candidateFrames = 0
	p.confidence = 0.5
	p.octaveFrames = 0
	p.octaveAccepted = false
	p.dominantMs = 0
	p.clusters = 0
	p.locked = false
	p.lockFrames = 0
	p.beatCount = 0
	p.lastBeat = 0
	p.hasBeat = false
	p.now = 0
}

// Process ingests one audio frame and returns the current tempo estimate.
func (p *Pacemaker) Process(frame dsp.Frame) Output {
	p.now = frame.Timestamp
	kick, snare, hihat := p.detect(frame)
	if kick {
		p.record(Peak{Time: frame.Timestamp, Energy: frame.Bass, Kind: PeakKick})
	}
	p.update()

	out := p.output()
	out.Kick = kick
	out.Snare = snare
	out.HiHat = hihat
	return out
}

// Tap records a manual beat at ts as a full-strength kick.
func (p *Pacemaker) Tap(ts time.Duration) Output {
	p.now = ts
	p.record(Peak{Time: ts, Energy: 1, Kind: PeakKick})
	p.update()
	out := p.output()
	out.Kick = true
	return out
}

// SetBPM forces an immediate lock on bpm, clamped to the supported range.
func (p *Pacemaker) SetBPM(bpm float64) {
	if !utils.Finite(bpm) {
		return
	}
	bpm = utils.Clamp(bpm, p.opts.MinBPM, p.opts.MaxBPM)
	p.stable = utils.RoundTo(bpm, 1)
	p.candidate = bpm
	p.candidateFrames = p.opts.HysteresisFrames
	p.confidence = 1
	p.octaveFrames = 0
	p.locked = true
	p.opts.Logger.Debug("tempo forced", slog.Float64("bpm", p.stable))
}

// State returns the last computed output without consuming a frame.
func (p *Pacemaker) State() Output {
	return p.output()
}

// Diagnostics returns a snapshot of the estimator internals.
func (p *Pacemaker) Diagnostics() Diagnostics {
	return Diagnostics{
		StableBPM:        p.stable,
		RawBPM:           p.raw,
		CandidateBPM:     p.candidate,
		CandidateFrames:  p.candidateFrames,
		OctaveFrames:     p.octaveFrames,
		DominantInterval: time.Duration(p.dominantMs * float64(time.Millisecond)),
		Clusters:         p.clusters,
		Peaks:            p.peakCount,
		BeatCount:        p.beatCount,
		Confidence:       p.confidence,
	}
}

func (p *Pacemaker) detect(frame dsp.Frame) (kick, snare, hihat bool) {
	levels := [3]float64{frame.Bass, frame.Mid, frame.Treble}
	for _, v := range levels {
		if !utils.Finite(v) {
			return false, false, false
		}
	}

	bassT := levels[0] - p.prev[0]
	midT := levels[1] - p.prev[1]
	trebleT := levels[2] - p.prev[2]
	p.prev = levels

	threshold := kickThresholdBase
	if p.bassCount >= bassHistoryMin {
		var sum float64
		for i := range p.bassCount {
			sum += p.bassHistory[i]
		}
		threshold += sum / float64(p.bassCount) * kickThresholdScale
	}
	p.bassHistory[p.bassNext] = levels[0]
	p.bassNext = (p.bassNext + 1) % len(p.bassHistory)
	if p.bassCount < len(p.bassHistory) {
		p.bassCount++
	}

	kick = bassT > threshold
	snare = midT > snareTransient && levels[1] > snareLevel
	hihat = trebleT > hihatTransient && levels[2] > hihatLevel
	return kick, snare, hihat
}

func (p *Pacemaker) record(peak Peak) bool {
	if p.peakCount > 0 {
		last := p.peaks[(p.peakNext-1+len(p.peaks))%len(p.peaks)]
		if peak.Time-last.Time < p.opts.MinPeakSpacing {
			return false
		}
	}
	p.peaks[p.peakNext] = peak
	p.peakNext = (p.peakNext + 1) % len(p.peaks)
	if p.peakCount < len(p.peaks) {
		p.peakCount++
	}
	p.beatCount++
	p.lastBeat = peak.Time
	p.hasBeat = true
	return true
}

// intervals returns the gaps between consecutive peaks that fall inside the
// plausible beat range, in milliseconds.
func (p *Pacemaker) intervals() []float64 {
	if p.peakCount < 2 {
		return nil
	}
	minMs := float64(p.opts.MinInterval) / float64(time.Millisecond)
	maxMs := float64(p.opts.MaxInterval) / float64(time.Millisecond)

	oldest := (p.peakNext - p.peakCount + len(p.peaks)) % len(p.peaks)
	out := make([]float64, 0, p.peakCount-1)
	prev := p.peaks[oldest].Time
	for i := 1; i < p.peakCount; i++ {
		cur := p.peaks[(oldest+i)%len(p.peaks)].Time
		gap := float64(cur-prev) / float64(time.Millisecond)
		prev = cur
		if gap >= minMs && gap <= maxMs {
			out = append(out, gap)
		}
	}
	return out
}

func (p *Pacemaker) update() {
	intervals := p.intervals()
	if p.peakCount < minKicks || len(intervals) < minIntervals {
		return
	}

	clusters := clusterIntervals(intervals, float64(p.opts.ClusterTolerance)/float64(time.Millisecond))
	p.clusters = len(clusters)
	dom := p.dominant(clusters)
	raw := 60000 / dom.mean()
	if !utils.Finite(raw) || raw <= 0 {
		return
	}

	p.raw = raw
	p.dominantMs = dom.mean()
	p.confidence = dom.confidence(len(intervals))
	p.settle(raw)
}

// settle runs the octave guard and the hysteresis stage for a raw estimate.
func (p *Pacemaker) settle(raw float64) {
	if p.beatCount > p.opts.WarmupBeats && p.isOctaveJump(raw) {
		p.octaveFrames++
		if p.octaveFrames < p.opts.OctaveFrames || p.confidence < p.opts.OctaveConfidence {
			return
		}
		if !p.octaveAccepted {
			p.octaveAccepted = true
			p.opts.Logger.Debug("tempo octave change accepted",
				slog.Float64("from", p.stable),
				slog.Float64("to", raw),
				slog.Float64("confidence", p.confidence))
		}
	} else {
		p.octaveFrames = 0
		p.octaveAccepted = false
	}

	required := p.opts.HysteresisFrames
	if p.beatCount <= p.opts.WarmupBeats {
		required = p.opts.WarmupFrames
	}

	if math.Abs(raw-p.candidate) <= p.opts.StabilityDelta {
		p.candidate = utils.EMA(p.candidate, raw, candidateBlend)
		p.candidateFrames++
	} else {
		p.candidate = raw
		p.candidateFrames = 0
	}

	if p.candidateFrames >= required {
		if !p.locked {
			p.opts.Logger.Debug("tempo locked",
				slog.Float64("bpm", utils.RoundTo(p.candidate, 1)),
				slog.Float64("confidence", p.confidence))
		}
		p.stable = utils.RoundTo(p.candidate, 1)
		p.locked = true
		p.lockFrames++
	} else {
		p.locked = false
		p.lockFrames = 0
	}
}

func (p *Pacemaker) isOctaveJump(raw float64) bool {
	if p.stable <= 0 {
		return false
	}
	ratio := raw / p.stable
	for _, r := range octaveRatios {
		if math.Abs(ratio-r) <= r*p.opts.OctaveTolerance {
			return true
		}
	}
	return false
}

func (p *Pacemaker) dominant(clusters []cluster) cluster {
	largest := 0
	for i, c := range clusters {
		if len(c.members) > len(clusters[largest].members) {
			largest = i
		}
	}

	best := largest
	bestDist := math.Abs(60000/clusters[largest].mean() - p.stable)
	for i, c := range clusters {
		if i == largest || float64(len(c.members)) < significantSize*float64(len(clusters[largest].members)) {
			continue
		}
		if p.isSubdivision(c.mean(), clusters[largest].mean()) {
			continue
		}
		if dist := math.Abs(60000/c.mean() - p.stable); dist < bestDist {
			best = i
			bestDist = dist
		}
	}
	return clusters[best]
}

func (p *Pacemaker) isSubdivision(intervalMs, referenceMs float64) bool {
	ratio := intervalMs / referenceMs
	tol := p.opts.OctaveTolerance
	return math.Abs(ratio-0.5) <= 0.5*tol || math.Abs(ratio-2) <= 2*tol
}

func (p *Pacemaker) output() Output {
	phase := 0.0
	if p.hasBeat && p.stable > 0 {
		beatMs := 60000 / p.stable
		elapsed := float64(p.now-p.lastBeat) / float64(time.Millisecond)
		if elapsed < 0 {
			elapsed = 0
		}
		phase = math.Mod(elapsed, beatMs) / beatMs
	}

	return Output{
		BPM:        p.stable,
		RawBPM:     p.raw,
		Confidence: p.confidence,
		Phase:      phase,
		OnBeat:     p.hasBeat && (phase < p.opts.OnBeatWindow || phase > 1-p.opts.OnBeatWindow),
		IsLocked:   p.locked,
		BeatCount:  p.beatCount,
		LockFrames: p.lockFrames,
	}
}

type cluster struct {
	members []float64
	sum     float64
}

func (c *cluster) add(v float64) {
	c.members = append(c.members, v)
	c.sum += v
}

func (c cluster) mean() float64 {
	if len(c.members) == 0 {
		return 0
	}
	return c.sum / float64(len(c.members))
}

// confidence blends the cluster's share of all intervals with how tightly its
// members agree.
func (c cluster) confidence(total int) float64 {
	if total == 0 || len(c.members) == 0 {
		return 0
	}
	share := float64(len(c.members)) / float64(total)
	mean := c.mean()
	var variance float64
	for _, v := range c.members {
		variance += (v - mean) * (v - mean)
	}
	std := math.Sqrt(variance / float64(len(c.members)))
	consistency := max(0, 1-(std/mean)*2)
	return utils.Clamp(0.6*share+0.4*consistency, 0.0, 1.0)
}

// clusterIntervals groups sorted intervals that sit within tolerance of the
// running mean of the current group.
func clusterIntervals(intervals []float64, tolerance float64) []cluster {
	sorted := append([]float64(nil), intervals...)
	sort.Float64s(sorted)

	var clusters []cluster
	for _, v := range sorted {
		if n := len(clusters); n > 0 && math.Abs(v-clusters[n-1].mean()) <= tolerance {
			clusters[n-1].add(v)
			continue
		}
		var c cluster
		c.add(v)
		clusters = append(clusters, c)
	}
	return clusters
}
