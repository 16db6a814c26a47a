package testutil

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/3FT-io/plategen/pkg/generator"
)

// ErrStubFailure is returned by a StubGenerator step that was told to fail.
var ErrStubFailure = errors.New("stub generator failure")

// StubGenerator is a generator.Generator that writes fixed payloads and
// counts its calls. It is safe for concurrent use.
type StubGenerator struct {
	StepData []byte
	GLTFData []byte

	// FailExport and FailConvert make the respective step return ErrStubFailure.
	FailExport  bool
	FailConvert bool
	// SkipStepOutput makes ExportSTEP succeed without writing its file.
	SkipStepOutput bool
	// Delay is slept before each step, honoring ctx.
	Delay time.Duration

	exports  atomic.Int32
	converts atomic.Int32

	mu         sync.Mutex
	parameters [][]byte
}

func NewStubGenerator() *StubGenerator {
	return &StubGenerator{
		StepData: []byte("ISO-10303-21;\nHEADER;\nENDSEC;\nEND-ISO-10303-21;\n"),
		GLTFData: []byte(`{"asset":{"version":"2.0"},"meshes":[]}`),
	}
}

func (s *StubGenerator) ExportSTEP(ctx context.Context, parametersPath, outputDir string) error {
	s.exports.Add(1)
	if err := s.wait(ctx); err != nil {
		return err
	}

	params, err := os.ReadFile(parametersPath)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.parameters = append(s.parameters, params)
	s.mu.Unlock()

	if s.FailExport {
		return ErrStubFailure
	}
	if s.SkipStepOutput {
		return nil
	}
	return os.WriteFile(filepath.Join(outputDir, generator.StepFileName), s.StepData, 0644)
}

func (s *StubGenerator) ConvertToGLTF(ctx context.Context, stepPath, outputDir string) error {
	s.converts.Add(1)
	if err := s.wait(ctx); err != nil {
		return err
	}
	if _, err := os.Stat(stepPath); err != nil {
		return err
	}
	if s.FailConvert {
		return ErrStubFailure
	}
	return os.WriteFile(filepath.Join(outputDir, generator.GLTFFileName), s.GLTFData, 0644)
}

func (s *StubGenerator) wait(ctx context.Context) error {
	if s.Delay <= 0 {
		return nil
	}
	select {
	case <-time.After(s.Delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ExportCalls returns how many times ExportSTEP was called.
func (s *StubGenerator) ExportCalls() int {
	return int(s.exports.Load())
}

// ConvertCalls returns how many times ConvertToGLTF was called.
func (s *StubGenerator) ConvertCalls() int {
	return int(s.converts.Load())
}

// Parameters returns the parameter files seen by ExportSTEP, in call order.
func (s *StubGenerator) Parameters() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.parameters...)
}

var _ generator.Generator = (*StubGenerator)(nil)

// CreateTempDir creates a temporary directory and returns its path along with a cleanup function
func CreateTempDir(t *testing.T, prefix string) (string, func()) {
	tmpDir, err := os.MkdirTemp("", prefix)
	require.NoError(t, err)

	cleanup := func() {
		os.RemoveAll(tmpDir)
	}

	return tmpDir, cleanup
}

// CountEntries returns the number of entries directly inside dir.
func CountEntries(t *testing.T, dir string) int {
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	return len(entries)
}
