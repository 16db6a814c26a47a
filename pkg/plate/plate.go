package plate

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"strings"
)

// FingerprintPrefix is prepended to every configuration fingerprint.
const FingerprintPrefix = "plate-"

// Millimeters is a length in whole millimeters.
type Millimeters uint16

// Configuration describes one manufacturable actuator plate.
type Configuration struct {
	// Distance between mounting bolt centers.
	BoltSpacing Millimeters `json:"bolt_spacing"`
	// ISO metric size of the mounting bolts.
	BoltSize BoltSize `json:"bolt_size"`
	// Vertical dimension of the bracket holding the actuator.
	BracketHeight Millimeters `json:"bracket_height"`
	// Horizontal dimension of the bracket holding the actuator.
	BracketWidth Millimeters `json:"bracket_width"`
	Material     Material    `json:"material"`
	// Diameter of the actuator pivot pins, separate from the mounting bolts.
	PinDiameter Millimeters `json:"pin_diameter"`
	// Number of pivot pins, 1 to 12.
	PinCount       uint16      `json:"pin_count"`
	PlateThickness Millimeters `json:"plate_thickness"`
}

// Baseline returns the reference configuration used in examples and tests:
// 60mm bolt spacing, M10 bolts, a 400x300mm aluminum bracket, six 10mm pins
// and an 8mm plate.
func Baseline() Configuration {
	return Configuration{
		BoltSpacing:    60,
		BoltSize:       BoltM10,
		BracketHeight:  400,
		BracketWidth:   300,
		Material:       Aluminum,
		PinDiameter:    10,
		PinCount:       6,
		PlateThickness: 8,
	}
}

// Fingerprint returns the cache key for the configuration: "plate-" followed
// by the hex encoding of the first 8 bytes of a SHA-256 digest.
//
// Fields are hashed in declaration order. Numeric fields contribute their
// 2-byte little-endian value; enumerations contribute a length byte followed
// by their canonical name, so the digest never depends on how a value was
// spelled by the caller.
func (c Configuration) Fingerprint() string {
	h := sha256.New()
	writeUint16(h, uint16(c.BoltSpacing))
	writeString(h, c.BoltSize.String())
	writeUint16(h, uint16(c.BracketHeight))
	writeUint16(h, uint16(c.BracketWidth))
	writeString(h, c.Material.String())
	writeUint16(h, uint16(c.PinDiameter))
	writeUint16(h, c.PinCount)
	writeUint16(h, uint16(c.PlateThickness))

	sum := h.Sum(nil)
	return FingerprintPrefix + hex.EncodeToString(sum[:8])
}

// ValidFingerprint reports whether s has the exact shape Fingerprint produces.
func ValidFingerprint(s string) bool {
	hexPart, ok := strings.CutPrefix(s, FingerprintPrefix)
	if !ok || len(hexPart) != 16 {
		return false
	}
	for i := 0; i < len(hexPart); i++ {
		c := hexPart[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

func writeUint16(h hash.Hash, v uint16) {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	h.Write(buf[:])
}

func writeString(h hash.Hash, s string) {
	h.Write([]byte{byte(len(s))})
	h.Write([]byte(s))
}
