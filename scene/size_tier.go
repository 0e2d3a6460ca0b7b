package scene

import (
	"fmt"
)

// SizeTier is a fixed output size for a resized emoji, or SizeTierAuto
// for no transform at all.
type SizeTier int

const (
	SizeTierAuto SizeTier = iota
	SizeTierTiny
	SizeTierSmall
	SizeTierMedium
	SizeTierLarge
	SizeTierExtraLarge
)

// Persisted tier identifiers. These are stored in guild policy documents,
// so they can't change without migrating existing data.
const (
	sizeTierIDAuto       = "Auto"
	sizeTierIDTiny       = "HyperTechniqueOfLisaSuFinger"
	sizeTierIDSmall      = "Small"
	sizeTierIDMedium     = "Medium"
	sizeTierIDLarge      = "Large"
	sizeTierIDExtraLarge = "HyperSuperUltraSexFeaturedFuckingLarge"
)

type sizeTierInfo struct {
	id     string
	label  string
	width  int
	height int
}

var sizeTiers = map[SizeTier]sizeTierInfo{
	SizeTierAuto:       {id: sizeTierIDAuto, label: "Auto (original size)"},
	SizeTierTiny:       {id: sizeTierIDTiny, label: "Tiny (16×16)", width: 16, height: 16},
	SizeTierSmall:      {id: sizeTierIDSmall, label: "Small (64×64)", width: 64, height: 64},
	SizeTierMedium:     {id: sizeTierIDMedium, label: "Medium (128×128)", width: 128, height: 128},
	SizeTierLarge:      {id: sizeTierIDLarge, label: "Large (256×256)", width: 256, height: 256},
	SizeTierExtraLarge: {id: sizeTierIDExtraLarge, label: "Extra large (300×300)", width: 300, height: 300},
}

// SizeTiers returns every tier, smallest first, with Auto last.
func SizeTiers() []SizeTier {
	return []SizeTier{
		SizeTierTiny,
		SizeTierSmall,
		SizeTierMedium,
		SizeTierLarge,
		SizeTierExtraLarge,
		SizeTierAuto,
	}
}

// String returns the persisted identifier for the tier.
func (t SizeTier) String() string {
	info, ok := sizeTiers[t]
	if !ok {
		return fmt.Sprintf("SizeTier(%d)", int(t))
	}
	return info.id
}

// Label returns a human-readable description of the tier.
func (t SizeTier) Label() string {
	info, ok := sizeTiers[t]
	if !ok {
		return t.String()
	}
	return info.label
}

// Dimensions returns the output width and height for the tier. ok is
// false for SizeTierAuto, which doesn't transform the image.
func (t SizeTier) Dimensions() (width int, height int, ok bool) {
	info, found := sizeTiers[t]
	if !found || info.width == 0 {
		return 0, 0, false
	}
	return info.width, info.height, true
}

func (t SizeTier) Valid() bool {
	_, ok := sizeTiers[t]
	return ok
}

// ParseSizeTier returns the tier with the given persisted identifier.
func ParseSizeTier(s string) (SizeTier, error) {
	for tier, info := range sizeTiers {
		if info.id == s {
			return tier, nil
		}
	}
	return SizeTierAuto, fmt.Errorf("%w: %q", ErrUnknownSizeTier, s)
}

// SizeTierFromID is like ParseSizeTier, but falls back to
// SizeTierAuto for unknown identifiers. Used when hydrating stored
// documents, where a bad value shouldn't prevent the guild from loading.
func SizeTierFromID(s string) SizeTier {
	tier, err := ParseSizeTier(s)
	if err != nil {
		return SizeTierAuto
	}
	return tier
}

// SizeTierFromIndex maps the `/send` size option (0=smallest,
// 4=largest) to a tier. Out of range values return SizeTierAuto.
func SizeTierFromIndex(i int64) SizeTier {
	switch i {
	case 0:
		return SizeTierTiny
	case 1:
		return SizeTierSmall
	case 2:
		return SizeTierMedium
	case 3:
		return SizeTierLarge
	case 4:
		return SizeTierExtraLarge
	default:
		return SizeTierAuto
	}
}

// MarshalText implements encoding.TextMarshaler.
func (t SizeTier) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownSizeTier, int(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *SizeTier) UnmarshalText(text []byte) error {
	tier, err := ParseSizeTier(string(text))
	if err != nil {
		return err
	}
	*t = tier
	return nil
}
