package fixture

import (
	"strings"
	"time"
)

// Mixing is how a fixture produces colour.
type Mixing int

const (
	MixingRGB Mixing = iota
	MixingRGBW
	MixingCMY
	MixingWheel
	MixingHybrid
)

func (m Mixing) String() string {
	switch m {
	case MixingRGB:
		return "rgb"
	case MixingRGBW:
		return "rgbw"
	case MixingCMY:
		return "cmy"
	case MixingWheel:
		return "wheel"
	case MixingHybrid:
		return "hybrid"
	default:
		return "unknown"
	}
}

// ParseMixing maps a label onto a Mixing kind.
func ParseMixing(label string) (Mixing, bool) {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "rgb":
		return MixingRGB, true
	case "rgbw":
		return MixingRGBW, true
	case "cmy":
		return MixingCMY, true
	case "wheel":
		return MixingWheel, true
	case "hybrid":
		return MixingHybrid, true
	default:
		return 0, false
	}
}

// RGB is an 8-bit colour triple.
type RGB struct {
	R uint8
	G uint8
	B uint8
}

// WheelColor is one slot on a mechanical colour wheel.
type WheelColor struct {
	Name string
	DMX  uint8
	RGB  RGB
}

// Wheel describes a mechanical colour wheel.
type Wheel struct {
	Colors []WheelColor
	// MinChangeTime is the documented time the wheel needs to move between slots.
	MinChangeTime time.Duration
	// SpinStart is the first DMX value that makes the wheel rotate continuously.
	// Zero means the wheel has no spin range.
	SpinStart uint8
}

// Parked returns the slots that hold the wheel still. Values at or above
// SpinStart set the wheel rotating and are never targets.
func (w Wheel) Parked() []WheelColor {
	if w.SpinStart == 0 {
		return w.Colors
	}
	parked := make([]WheelColor, 0, len(w.Colors))
	for _, c := range w.Colors {
		if c.DMX < w.SpinStart {
			parked = append(parked, c)
		}
	}
	return parked
}

// Valid reports whether the wheel carries enough information to be protected.
func (w Wheel) Valid() bool {
	return w.MinChangeTime > 0
}

// OpenSlot returns the white/open slot of the wheel, if one exists.
func (w Wheel) OpenSlot() (WheelColor, bool) {
	for _, c := range w.Colors {
		name := strings.ToLower(c.Name)
		if strings.Contains(name, "open") || strings.Contains(name, "white") {
			return c, true
		}
	}
	return WheelColor{}, false
}

// Slot returns the wheel slot parked at dmx.
func (w Wheel) Slot(dmx uint8) (WheelColor, bool) {
	for _, c := range w.Colors {
		if c.DMX == dmx {
			return c, true
		}
	}
	return WheelColor{}, false
}

// Info is the metadata shared by every profile.
type Info struct {
	ID            string
	Name          string
	DischargeLamp bool
}

// Describe returns the shared metadata.
func (i Info) Describe() Info {
	return i
}

// Profile is a closed set of fixture descriptions: WheelProfile,
// DigitalProfile and HybridProfile.
type Profile interface {
	Describe() Info
	Mixing() Mixing
	isProfile()
}

// WheelProfile is a fixture whose only colour source is a mechanical wheel.
type WheelProfile struct {
	Info
	Wheel       Wheel
	MaxStrobeHz float64
}

func (WheelProfile) Mixing() Mixing { return MixingWheel }
func (WheelProfile) isProfile() {}

// DigitalProfile is a fixture that mixes colour electronically and can change
// instantly.
type DigitalProfile struct {
	Info
	Channels Mixing
}

func (p DigitalProfile) Mixing() Mixing {
	switch p.Channels {
	case MixingRGBW, MixingCMY:
		return p.Channels
	default:
		return MixingRGB
	}
}

func (DigitalProfile) isProfile() {}

// HybridProfile combines a colour wheel with continuous CMY mixing. The wheel
// is still mechanical and needs the same protection.
type HybridProfile struct {
	Info
	Wheel Wheel
}

func (HybridProfile) Mixing() Mixing { return MixingHybrid }
func (HybridProfile) isProfile() {}

// ColorWheel returns the mechanical wheel of p, if it has one.
func ColorWheel(p Profile) (Wheel, bool) {
	switch v := p.(type) {
	case WheelProfile:
		return v.Wheel, true
	case *WheelProfile:
		if v != nil {
			return v.Wheel, true
		}
	case HybridProfile:
		return v.Wheel, true
	case *HybridProfile:
		if v != nil {
			return v.Wheel, true
		}
	}
	return Wheel{}, false
}

// StrobeLimit returns the fastest strobe rate p supports in Hz, or zero when
// the profile does not say.
func StrobeLimit(p Profile) float64 {
	switch v := p.(type) {
	case WheelProfile:
		return v.MaxStrobeHz
	case *WheelProfile:
		if v != nil {
			return v.MaxStrobeHz
		}
	}
	return 0
}

// IsMechanical reports whether p changes colour by moving physical parts.
func IsMechanical(p Profile) bool {
	_, ok := ColorWheel(p)
	return ok
}

// SafeColor is the DMX value that parks p on a harmless colour: the open slot
// when the wheel has one, otherwise zero.
func SafeColor(p Profile) uint8 {
	wheel, ok := ColorWheel(p)
	if !ok {
		return 0
	}
	if open, ok := wheel.OpenSlot(); ok {
		return open.DMX
	}
	return 0
}

// Patched is a fixture instance placed in a show.
type Patched struct {
	ID      string
	Profile Profile
}
