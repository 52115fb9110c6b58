package fixture

import (
	"math"
	"sync"

	"github.com/crazy3lf/colorconv"
	"github.com/rotisserie/eris"
)

const (
	poorMatchDistance = 180
	maxDistance       = 441
	lowSaturation     = 0.3
	cacheQuantization = 8
	defaultCacheLimit = 256
	openFallbackName  = "Open (Fallback)"
)

// Translation is the outcome of mapping a requested colour onto a fixture.
type Translation struct {
	RGB        RGB
	DMX        uint8
	Name       string
	Distance   float64
	Translated bool
	PoorMatch  bool
}

type cacheKey struct {
	profile string
	r, g, b int
}

// Translator maps arbitrary colours onto the nearest slot of a colour wheel.
// Results are cached per profile on a coarse colour grid.
type Translator struct {
	mu    sync.Mutex
	limit int
	cache map[cacheKey]Translation
	order []cacheKey
}

// NewTranslator returns a Translator that keeps at most limit cached results.
func NewTranslator(limit int) *Translator {
	if limit <= 0 {
		limit = defaultCacheLimit
	}
	return &Translator{limit: limit, cache: make(map[cacheKey]Translation, limit)}
}

// Translate maps target onto p. Fixtures without a wheel receive the colour
// unchanged.
func (t *Translator) Translate(target RGB, p Profile) Translation {
	wheel, ok := ColorWheel(p)
	if !ok {
		return Translation{RGB: target}
	}
	if len(wheel.Parked()) == 0 {
		return Translation{
			RGB:        RGB{255, 255, 255},
			Name:       openFallbackName,
			Distance:   maxDistance,
			Translated: true,
			PoorMatch:  true,
		}
	}

	key := cacheKey{
		profile: p.Describe().ID,
		r:       quantize(target.R),
		g:       quantize(target.G),
		b:       quantize(target.B),
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if cached, ok := t.cache[key]; ok {
		return cached
	}
	result := nearest(target, wheel)
	t.store(key, result)
	return result
}

// TranslateHSV converts an HSV colour (hue in degrees, s and v in [0,1]) and
// maps it onto p.
func (t *Translator) TranslateHSV(h, s, v float64, p Profile) (Translation, error) {
	r, g, b, err := colorconv.HSVToRGB(math.Mod(math.Mod(h, 360)+360, 360), s, v)
	if err != nil {
		return Translation{}, eris.Wrap(err, "convert hsv")
	}
	return t.Translate(RGB{r, g, b}, p), nil
}

func (t *Translator) store(key cacheKey, result Translation) {
	if len(t.cache) >= t.limit && len(t.order) > 0 {
		oldest := t.order[0]
		t.order = t.order[1:]
		delete(t.cache, oldest)
	}
	t.cache[key] = result
	t.order = append(t.order, key)
}

func nearest(target RGB, wheel Wheel) Translation {
	slots := wheel.Parked()
	best := slots[0]
	bestDist := math.Inf(1)
	for _, c := range slots {
		if d := Distance(target, c.RGB); d < bestDist {
			best = c
			bestDist = d
		}
	}

	poor := bestDist > poorMatchDistance
	if poor && Saturation(target) < lowSaturation {
		if open, ok := wheel.OpenSlot(); ok {
			best = open
			bestDist = Distance(target, open.RGB)
		}
	}

	return Translation{
		RGB:        best.RGB,
		DMX:        best.DMX,
		Name:       best.Name,
		Distance:   bestDist,
		Translated: true,
		PoorMatch:  poor,
	}
}

// Distance is a luma-weighted euclidean distance between two colours.
func Distance(a, b RGB) float64 {
	dr := float64(a.R) - float64(b.R)
	dg := float64(a.G) - float64(b.G)
	db := float64(a.B) - float64(b.B)
	return math.Sqrt(0.299*dr*dr + 0.587*dg*dg + 0.114*db*db)
}

// Saturation approximates HSV saturation of c.
func Saturation(c RGB) float64 {
	hi := max(c.R, c.G, c.B)
	lo := min(c.R, c.G, c.B)
	if hi == 0 {
		return 0
	}
	return float64(hi-lo) / float64(hi)
}

func quantize(v uint8) int {
	return int(math.Round(float64(v)/cacheQuantization)) * cacheQuantization
}
