package generator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Defaults drive the Zoo CLI. {input} and {output} are replaced with the
// input file and the output directory of each call.
const (
	DefaultBinary  = "zoo"
	DefaultTimeout = 2 * time.Minute

	PlaceholderInput  = "{input}"
	PlaceholderOutput = "{output}"

	// waitDelay bounds how long a killed process may keep its output pipes open.
	waitDelay = 2 * time.Second
)

var (
	DefaultExportArgs  = []string{"kcl", "export", "--output-format=step", PlaceholderInput, PlaceholderOutput}
	DefaultConvertArgs = []string{"file", "convert", "--src-format=step", "--output-format=gltf", PlaceholderInput, PlaceholderOutput}
)

// CommandOptions configures a CommandGenerator. Zero values take the defaults.
type CommandOptions struct {
	Binary      string
	ExportArgs  []string
	ConvertArgs []string
	// ModelFile, when set, is copied into the output directory as
	// ModelFileName and exported in place of the parameter file. The model
	// is expected to import the parameters from ParametersFileName.
	ModelFile string
	Timeout   time.Duration
	Logger    *zap.Logger
}

// CommandGenerator runs the CAD toolchain as a subprocess, one process per step.
type CommandGenerator struct {
	binary      string
	exportArgs  []string
	convertArgs []string
	modelFile   string
	timeout     time.Duration
	logger      *zap.Logger
}

func NewCommandGenerator(opts CommandOptions) *CommandGenerator {
	g := &CommandGenerator{
		binary:      opts.Binary,
		exportArgs:  opts.ExportArgs,
		convertArgs: opts.ConvertArgs,
		modelFile:   opts.ModelFile,
		timeout:     opts.Timeout,
		logger:      opts.Logger,
	}
	if g.binary == "" {
		g.binary = DefaultBinary
	}
	if len(g.exportArgs) == 0 {
		g.exportArgs = DefaultExportArgs
	}
	if len(g.convertArgs) == 0 {
		g.convertArgs = DefaultConvertArgs
	}
	if g.timeout <= 0 {
		g.timeout = DefaultTimeout
	}
	if g.logger == nil {
		g.logger = zap.NewNop()
	}
	return g
}

func (g *CommandGenerator) ExportSTEP(ctx context.Context, parametersPath, outputDir string) error {
	input := parametersPath
	if g.modelFile != "" {
		input = filepath.Join(outputDir, ModelFileName)
		if err := copyFile(g.modelFile, input); err != nil {
			return fmt.Errorf("generator: copy model: %w", err)
		}
	}
	return g.run(ctx, StepExport, g.exportArgs, input, outputDir)
}

func (g *CommandGenerator) ConvertToGLTF(ctx context.Context, stepPath, outputDir string) error {
	return g.run(ctx, StepConvert, g.convertArgs, stepPath, outputDir)
}

func (g *CommandGenerator) run(ctx context.Context, step string, templates []string, input, output string) error {
	args := expandArgs(templates, input, output)

	runCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(runCtx, g.binary, args...)
	cmd.Dir = output
	cmd.WaitDelay = waitDelay
	out, err := cmd.CombinedOutput()
	duration := time.Since(start)

	if runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		g.logger.Warn("Generator timed out",
			zap.String("step", step),
			zap.Duration("timeout", g.timeout))
		return fmt.Errorf("%w: %s after %s", ErrTimeout, step, g.timeout)
	}
	if ctx.Err() != nil {
		return fmt.Errorf("generator: %s: %w", step, ctx.Err())
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &ExitError{
				Step:   step,
				Code:   exitErr.ExitCode(),
				Output: strings.TrimSpace(string(out)),
			}
		}
		return fmt.Errorf("generator: start %s: %w", step, err)
	}

	g.logger.Debug("Generator step finished",
		zap.String("step", step),
		zap.Duration("duration", duration))
	return nil
}

func expandArgs(templates []string, input, output string) []string {
	r := strings.NewReplacer(PlaceholderInput, input, PlaceholderOutput, output)
	args := make([]string, len(templates))
	for i, t := range templates {
		args[i] = r.Replace(t)
	}
	return args
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

var _ Generator = (*CommandGenerator)(nil)
