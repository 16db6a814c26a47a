package plate

import (
	"fmt"
	"strings"
)

// BoltSize is an ISO metric bolt size. The zero value is not a valid size.
type BoltSize uint8

const (
	BoltSizeUnknown BoltSize = iota
	BoltM3
	BoltM4
	BoltM5
	BoltM6
	BoltM8
	BoltM10
	BoltM12
)

type boltSpec struct {
	name      string
	nominal   Millimeters
	clearance float64
}

// Clearance holes follow the ISO 273 medium series.
var boltSpecs = map[BoltSize]boltSpec{
	BoltM3:  {"M3", 3, 3.4},
	BoltM4:  {"M4", 4, 4.5},
	BoltM5:  {"M5", 5, 5.5},
	BoltM6:  {"M6", 6, 6.6},
	BoltM8:  {"M8", 8, 9},
	BoltM10: {"M10", 10, 11},
	BoltM12: {"M12", 12, 13.5},
}

// BoltSizes lists the supported sizes, smallest first.
func BoltSizes() []BoltSize {
	return []BoltSize{BoltM3, BoltM4, BoltM5, BoltM6, BoltM8, BoltM10, BoltM12}
}

func (b BoltSize) IsValid() bool {
	_, ok := boltSpecs[b]
	return ok
}

// String returns the canonical name, e.g. "M10".
func (b BoltSize) String() string {
	if spec, ok := boltSpecs[b]; ok {
		return spec.name
	}
	return fmt.Sprintf("BoltSize(%d)", uint8(b))
}

// NominalDiameter returns the thread diameter, or 0 for an invalid size.
func (b BoltSize) NominalDiameter() Millimeters {
	return boltSpecs[b].nominal
}

// ClearanceDiameter returns the through-hole diameter in millimeters used for
// the bolt holes of the plate, or 0 for an invalid size.
func (b BoltSize) ClearanceDiameter() float64 {
	return boltSpecs[b].clearance
}

// ParseBoltSize matches s against the supported sizes, ignoring case and
// surrounding whitespace. It returns BoltSizeUnknown and false when nothing matches.
func ParseBoltSize(s string) (BoltSize, bool) {
	s = strings.ToUpper(strings.TrimSpace(s))
	for _, b := range BoltSizes() {
		if boltSpecs[b].name == s {
			return b, true
		}
	}
	return BoltSizeUnknown, false
}

func (b BoltSize) MarshalText() ([]byte, error) {
	if !b.IsValid() {
		return nil, fmt.Errorf("plate: invalid bolt size %d", uint8(b))
	}
	return []byte(b.String()), nil
}

func (b *BoltSize) UnmarshalText(text []byte) error {
	v, ok := ParseBoltSize(string(text))
	if !ok {
		return fmt.Errorf("plate: unknown bolt size %q", text)
	}
	*b = v
	return nil
}

// Material is the stock the plate is cut from. The zero value is not a valid material.
type Material uint8

const (
	MaterialUnknown Material = iota
	Aluminum
	StainlessSteel
	CarbonSteel
	Brass
)

var materialNames = map[Material]string{
	Aluminum:       "aluminum",
	StainlessSteel: "stainless_steel",
	CarbonSteel:    "carbon_steel",
	Brass:          "brass",
}

// Materials lists the supported materials.
func Materials() []Material {
	return []Material{Aluminum, StainlessSteel, CarbonSteel, Brass}
}

func (m Material) IsValid() bool {
	_, ok := materialNames[m]
	return ok
}

// String returns the canonical name, e.g. "stainless_steel".
func (m Material) String() string {
	if name, ok := materialNames[m]; ok {
		return name
	}
	return fmt.Sprintf("Material(%d)", uint8(m))
}

// ParseMaterial matches s against the supported materials. Matching ignores
// case and surrounding whitespace, and treats spaces and hyphens as underscores.
func ParseMaterial(s string) (Material, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.NewReplacer(" ", "_", "-", "_").Replace(s)
	for _, m := range Materials() {
		if materialNames[m] == s {
			return m, true
		}
	}
	return MaterialUnknown, false
}

func (m Material) MarshalText() ([]byte, error) {
	if !m.IsValid() {
		return nil, fmt.Errorf("plate: invalid material %d", uint8(m))
	}
	return []byte(m.String()), nil
}

func (m *Material) UnmarshalText(text []byte) error {
	v, ok := ParseMaterial(string(text))
	if !ok {
		return fmt.Errorf("plate: unknown material %q", text)
	}
	*m = v
	return nil
}
