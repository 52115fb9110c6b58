package fixture

import (
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

var ErrUnknownProfile = eris.New("unknown fixture profile")

const (
	Beam2RID    = "beam-2r"
	LEDParRGBID = "led-par-rgb"
	LEDWashID   = "led-wash"
	LEDStrobeID = "led-strobe"
)

// Beam2R is the profile of the common 2R discharge beam and its clones.
func Beam2R() WheelProfile {
	return WheelProfile{
		Info: Info{ID: Beam2RID, Name: "Beam 2R / LB230N / Sharpy Clone", DischargeLamp: true},
		Wheel: Wheel{
			Colors: []WheelColor{
				{DMX: 0, Name: "Open (White)", RGB: RGB{255, 255, 255}},
				{DMX: 15, Name: "Red", RGB: RGB{255, 0, 0}},
				{DMX: 30, Name: "Orange", RGB: RGB{255, 128, 0}},
				{DMX: 45, Name: "Yellow", RGB: RGB{255, 255, 0}},
				{DMX: 60, Name: "Green", RGB: RGB{0, 255, 0}},
				{DMX: 75, Name: "Cyan", RGB: RGB{0, 255, 255}},
				{DMX: 90, Name: "Blue", RGB: RGB{0, 0, 255}},
				{DMX: 105, Name: "Magenta", RGB: RGB{255, 0, 255}},
				{DMX: 120, Name: "Light Blue", RGB: RGB{128, 128, 255}},
				{DMX: 135, Name: "Pink", RGB: RGB{255, 128, 255}},
				{DMX: 150, Name: "UV Purple", RGB: RGB{128, 0, 255}},
				{DMX: 165, Name: "CTO (Warm White)", RGB: RGB{255, 200, 150}},
			},
			MinChangeTime: 500 * time.Millisecond,
			SpinStart:     190,
		},
		MaxStrobeHz: 12,
	}
}

func builtinProfiles() []Profile {
	return []Profile{
		Beam2R(),
		DigitalProfile{Info: Info{ID: LEDParRGBID, Name: "LED PAR RGB Generic"}, Channels: MixingRGB},
		DigitalProfile{Info: Info{ID: LEDWashID, Name: "LED Moving Head Wash"}, Channels: MixingRGBW},
		DigitalProfile{Info: Info{ID: LEDStrobeID, Name: "LED Strobe"}, Channels: MixingRGB},
	}
}

type modelRule struct {
	pattern *regexp.Regexp
	id      string
}

var modelRules = []modelRule{
	{regexp.MustCompile(`(?i)beam.?2r`), Beam2RID},
	{regexp.MustCompile(`(?i)lb230`), Beam2RID},
	{regexp.MustCompile(`(?i)sharpy`), Beam2RID},
	{regexp.MustCompile(`(?i)beam.?230`), Beam2RID},
	{regexp.MustCompile(`(?i)[57]r.?beam`), Beam2RID},
	{regexp.MustCompile(`(?i)wash.*led|led.*wash|moving.*head.*led`), LEDWashID},
	{regexp.MustCompile(`(?i)par.*led|led.*par|slim.*par|flat.*par`), LEDParRGBID},
	{regexp.MustCompile(`(?i)strobe|atomic`), LEDStrobeID},
}

// Registry holds the profiles known to a show.
type Registry struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

// NewRegistry returns a Registry preloaded with the built-in profiles.
func NewRegistry() *Registry {
	r := &Registry{profiles: make(map[string]Profile)}
	for _, p := range builtinProfiles() {
		r.profiles[p.Describe().ID] = p
	}
	return r
}

// Register adds or replaces a profile.
func (r *Registry) Register(p Profile) error {
	if isNil(p) {
		return eris.New("profile is nil")
	}
	id := p.Describe().ID
	if id == "" {
		return eris.New("profile id is empty")
	}
	r.mu.Lock()
	r.profiles[id] = p
	r.mu.Unlock()
	return nil
}

// Lookup returns the profile registered under id.
func (r *Registry) Lookup(id string) (Profile, error) {
	r.mu.RLock()
	p, ok := r.profiles[id]
	r.mu.RUnlock()
	if !ok {
		return nil, eris.Wrapf(ErrUnknownProfile, "profile %q (known: %s)", id, strings.Join(r.IDs(), ", "))
	}
	return p, nil
}

// LookupModel guesses a profile from a free-form model name.
func (r *Registry) LookupModel(model string) (Profile, error) {
	for _, rule := range modelRules {
		if rule.pattern.MatchString(model) {
			return r.Lookup(rule.id)
		}
	}
	return nil, eris.Wrapf(ErrUnknownProfile, "model %q", model)
}

// IDs returns the registered profile ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.profiles))
	for id := range r.profiles {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

func isNil(p Profile) bool {
	switch v := p.(type) {
	case nil:
		return true
	case *WheelProfile:
		return v == nil
	case *DigitalProfile:
		return v == nil
	case *HybridProfile:
		return v == nil
	}
	return false
}
