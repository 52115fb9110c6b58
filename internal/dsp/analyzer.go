package dsp

import (
	"math"
	"math/cmplx"
	"time"

	"github.com/mjibson/go-dsp/fft"
	"github.com/rotisserie/eris"

	"github.com/cybre/dmx-music-sync/internal/utils"
)

// FrequencyBand represents an inclusive frequency span in Hz used for energy bucketing.
type FrequencyBand struct {
	Low  float64
	High float64
}

// DefaultBands splits the spectrum where kick, snare body and hi-hats sit.
func DefaultBands() [3]FrequencyBand {
	return [3]FrequencyBand{
		{Low: 20, High: 150},
		{Low: 150, High: 2500},
		{Low: 2500, High: 12000},
	}
}

// Features is the raw spectral summary of one capture buffer.
type Features struct {
	Timestamp     time.Time
	RMS           float64
	BandEnergy    [3]float64
	BandShare     [3]float64
	TotalEnergy   float64
	PeakFrequency float64
	FrameDuration time.Duration
}

// Analyzer transforms mono frames into spectral features. It reuses scratch buffers to
// keep allocations predictable for real-time processing.
type Analyzer struct {
	sampleRate float64
	frameSize  int
	bins       [3][2]int
	window     []float64
	scratch    []float64
	magnitudes []float64
	binWidth   float64
}

// NewAnalyzer constructs an Analyzer for a sample rate and frame size. A zero
// bands value selects DefaultBands.
func NewAnalyzer(sampleRate float64, frameSize int, bands [3]FrequencyBand) (*Analyzer, error) {
	if frameSize <= 1 {
		return nil, eris.Errorf("frame size must be > 1, got %d", frameSize)
	}
	if !utils.Finite(sampleRate) || sampleRate <= 0 {
		return nil, eris.Errorf("sample rate must be > 0, got %v", sampleRate)
	}
	if bands == ([3]FrequencyBand{}) {
		bands = DefaultBands()
	}

	a := &Analyzer{
		sampleRate: sampleRate,
		frameSize:  frameSize,
		window:     HannWindow(frameSize),
		scratch:    make([]float64, frameSize),
		magnitudes: make([]float64, frameSize/2+1),
		binWidth:   sampleRate / float64(frameSize),
	}
	for i, band := range bands {
		if band.High < band.Low {
			return nil, eris.Errorf("band %d: high %v below low %v", i, band.High, band.Low)
		}
		a.bins[i] = a.binRange(band)
	}
	return a, nil
}

// Process computes spectral features for a mono frame. Short frames are
// zero-padded and long ones truncated to the configured size.
func (a *Analyzer) Process(frame []float64, ts time.Time) Features {
	n := copy(a.scratch, frame)
	clear(a.scratch[n:])
	for i, v := range a.scratch {
		a.scratch[i] = utils.FiniteOr(v, 0)
	}
	rms := RootMeanSquare(a.scratch)
	ApplyWindowInPlace(a.scratch, a.window)

	spectrum := fft.FFTReal(a.scratch)

	var total, peakMag, peakFreq float64
	for i := range a.magnitudes {
		mag := cmplx.Abs(spectrum[i])
		a.magnitudes[i] = mag
		total += mag * mag
		if mag > peakMag {
			peakMag = mag
			peakFreq = float64(i) * a.binWidth
		}
	}

	var energy, share [3]float64
	for i, r := range a.bins {
		for bin := r[0]; bin <= r[1]; bin++ {
			energy[i] += a.magnitudes[bin] * a.magnitudes[bin]
		}
		if total > 1e-9 {
			share[i] = utils.Clamp01(energy[i] / total)
		}
	}

	return Features{
		Timestamp:     ts,
		RMS:           rms,
		BandEnergy:    energy,
		BandShare:     share,
		TotalEnergy:   total,
		PeakFrequency: peakFreq,
		FrameDuration: time.Duration(float64(a.frameSize) / a.sampleRate * float64(time.Second)),
	}
}

func (a *Analyzer) binRange(band FrequencyBand) [2]int {
	last := len(a.magnitudes) - 1
	start := utils.Clamp(int(math.Floor(max(band.Low, 0)/a.binWidth)), 0, last)
	end := utils.Clamp(int(math.Ceil(band.High/a.binWidth)), start, last)
	return [2]int{start, end}
}

// RootMeanSquare computes the RMS value of a frame.
func RootMeanSquare(frame []float64) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sumSquares float64
	for _, sample := range frame {
		sumSquares += sample * sample
	}
	return math.Sqrt(sumSquares / float64(len(frame)))
}

// ToMono averages interleaved multi-channel data into a mono frame.
func ToMono(samples []float32, channels int, dst []float64) []float64 {
	if channels <= 0 {
		channels = 1
	}
	frameLen := len(samples) / channels
	if cap(dst) < frameLen {
		dst = make([]float64, frameLen)
	} else {
		dst = dst[:frameLen]
	}
	idx := 0
	for i := range frameLen {
		sum := 0.0
		for range channels {
			sum += float64(samples[idx])
			idx++
		}
		dst[i] = sum / float64(channels)
	}
	return dst
}

// HannWindow returns a precomputed Hann window for the requested size.
func HannWindow(n int) []float64 {
	if n <= 0 {
		return nil
	}
	window := make([]float64, n)
	if n == 1 {
		window[0] = 1
		return window
	}
	for i := range n {
		window[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(n-1))
	}
	return window
}

// ApplyWindowInPlace multiplies samples by a window function in-place. Extra
// samples beyond the window are left untouched.
func ApplyWindowInPlace(samples []float64, window []float64) {
	for i := range min(len(samples), len(window)) {
		samples[i] *= window[i]
	}
}

// Smoother implements a simple exponential moving average.
type Smoother struct {
	alpha       float64
	initialized bool
	value       float64
}

// NewSmoother constructs a Smoother using the supplied alpha (0..1).
// Smaller values produce heavier smoothing.
func NewSmoother(alpha float64) *Smoother {
	alpha = utils.Clamp(alpha, 0.0, 1.0)
	return &Smoother{alpha: alpha}
}

// Step updates the internal state and returns the smoothed value. Non-finite
// input leaves the state unchanged.
func (s *Smoother) Step(v float64) float64 {
	if !utils.Finite(v) {
		return s.value
	}
	if !s.initialized {
		s.value = v
		s.initialized = true
		return v
	}
	s.value += s.alpha * (v - s.value)
	return s.value
}

// Value returns the current smoothed value without updating it.
func (s *Smoother) Value() float64 {
	return s.value
}
