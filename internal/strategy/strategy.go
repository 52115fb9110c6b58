package strategy

import "strings"

// Strategy is a colour-harmony relationship between the hues a show uses.
type Strategy int

const (
	Analogous Strategy = iota
	Triadic
	SplitComplementary
	Complementary
)

func (s Strategy) String() string {
	switch s {
	case Analogous:
		return "analogous"
	case Triadic:
		return "triadic"
	case SplitComplementary:
		return "split-complementary"
	case Complementary:
		return "complementary"
	default:
		return "unknown"
	}
}

// DisplayName returns a label suitable for operator-facing views.
func (s Strategy) DisplayName() string {
	switch s {
	case Analogous:
		return "Analogous"
	case Triadic:
		return "Triadic"
	case SplitComplementary:
		return "Split Complementary"
	case Complementary:
		return "Complementary"
	default:
		return "Unknown"
	}
}

// HueRotation is the angular distance in degrees between the primary hue and
// its partner under this strategy.
func (s Strategy) HueRotation() float64 {
	switch s {
	case Analogous:
		return 30
	case Triadic:
		return 120
	case SplitComplementary:
		return 150
	case Complementary:
		return 180
	default:
		return 0
	}
}

func (s Strategy) baseContrast() float64 {
	switch s {
	case Analogous:
		return 0.2
	case Triadic:
		return 0.5
	case SplitComplementary:
		return 0.7
	case Complementary:
		return 0.9
	default:
		return 0.5
	}
}

// Section is a structural label for the current part of a track.
type Section int

const (
	SectionUnknown Section = iota
	SectionIntro
	SectionVerse
	SectionChorus
	SectionBridge
	SectionBuildup
	SectionDrop
	SectionBreakdown
	SectionOutro
)

var sectionNames = map[Section]string{
	SectionUnknown:   "unknown",
	SectionIntro:     "intro",
	SectionVerse:     "verse",
	SectionChorus:    "chorus",
	SectionBridge:    "bridge",
	SectionBuildup:   "buildup",
	SectionDrop:      "drop",
	SectionBreakdown: "breakdown",
	SectionOutro:     "outro",
}

func (s Section) String() string {
	if name, ok := sectionNames[s]; ok {
		return name
	}
	return "unknown"
}

// ParseSection maps a label onto a Section. Unrecognised labels yield
// SectionUnknown.
func ParseSection(label string) Section {
	label = strings.ToLower(strings.TrimSpace(label))
	for section, name := range sectionNames {
		if name == label {
			return section
		}
	}
	return SectionUnknown
}

// Override names the section rule that forced the current strategy.
type Override int

const (
	OverrideNone Override = iota
	OverrideBreakdown
	OverrideDrop
)

func (o Override) String() string {
	switch o {
	case OverrideBreakdown:
		return "breakdown"
	case OverrideDrop:
		return "drop"
	default:
		return "none"
	}
}
