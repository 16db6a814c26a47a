package generator

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/3FT-io/plategen/pkg/plate"
)

const parametersHeader = "@settings(defaultLengthUnit = mm)"

// RenderParameters renders the KCL parameter file for cfg. Lengths are in
// millimeters; the bolt hole uses the clearance diameter of the bolt size.
func RenderParameters(cfg plate.Configuration) []byte {
	var buf bytes.Buffer
	buf.WriteString(parametersHeader)
	buf.WriteString("\n\n")

	writeNumber(&buf, "plateThickness", float64(cfg.PlateThickness))
	writeNumber(&buf, "boltClearance", cfg.BoltSize.ClearanceDiameter())
	writeNumber(&buf, "boltSpacing", float64(cfg.BoltSpacing))
	writeNumber(&buf, "bracketHeight", float64(cfg.BracketHeight))
	writeNumber(&buf, "bracketWidth", float64(cfg.BracketWidth))
	writeNumber(&buf, "pinDiameter", float64(cfg.PinDiameter))
	writeNumber(&buf, "pinCount", float64(cfg.PinCount))
	fmt.Fprintf(&buf, "export material = %q\n", cfg.Material.String())

	return buf.Bytes()
}

func writeNumber(buf *bytes.Buffer, name string, v float64) {
	fmt.Fprintf(buf, "export %s = %s\n", name, strconv.FormatFloat(v, 'f', -1, 64))
}

// WriteParameters writes ParametersFileName into dir and returns its path.
func WriteParameters(dir string, cfg plate.Configuration) (string, error) {
	path := filepath.Join(dir, ParametersFileName)
	if err := os.WriteFile(path, RenderParameters(cfg), 0644); err != nil {
		return "", fmt.Errorf("generator: write parameters: %w", err)
	}
	return path, nil
}
