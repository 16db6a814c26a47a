package generator

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// Fixed file names inside a generation's scratch directory.
const (
	ParametersFileName = "params.kcl"
	ModelFileName      = "main.kcl"
	StepFileName       = "output.step"
	GLTFFileName       = "output.gltf"
)

// Step names used in errors and logs.
const (
	StepExport  = "export"
	StepConvert = "convert"
)

var (
	ErrTimeout       = errors.New("generator: timed out")
	ErrOutputMissing = errors.New("generator: expected output file missing")
)

// Generator is the external CAD toolchain. Both calls block until the
// subprocess exits and write a fixed-named file into outputDir.
type Generator interface {
	// ExportSTEP reads the parameter file and writes StepFileName.
	ExportSTEP(ctx context.Context, parametersPath, outputDir string) error
	// ConvertToGLTF reads a STEP file and writes GLTFFileName.
	ConvertToGLTF(ctx context.Context, stepPath, outputDir string) error
}

// ExitError reports a subprocess that ran but exited non-zero.
type ExitError struct {
	Step   string
	Code   int
	Output string
}

func (e *ExitError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("generator: %s exited with status %d", e.Step, e.Code)
	}
	return fmt.Sprintf("generator: %s exited with status %d: %s", e.Step, e.Code, e.Output)
}

// CheckOutput returns ErrOutputMissing unless path is a non-directory file.
func CheckOutput(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrOutputMissing, path)
		}
		return fmt.Errorf("generator: stat output: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrOutputMissing, path)
	}
	return nil
}
