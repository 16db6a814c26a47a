package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/3FT-io/plategen/pkg/cache"
	"github.com/3FT-io/plategen/pkg/generator"
	"github.com/3FT-io/plategen/pkg/lock"
	"github.com/3FT-io/plategen/pkg/metrics"
	"github.com/3FT-io/plategen/pkg/plate"
	"github.com/3FT-io/plategen/pkg/scratch"
	"github.com/3FT-io/plategen/pkg/session"
	"github.com/3FT-io/plategen/pkg/validation"
)

var (
	// ErrValidation wraps a *validation.Error.
	ErrValidation = errors.New("invalid configuration")
	// ErrGenerator wraps any failure of the external generator.
	ErrGenerator = errors.New("generation failed")
	// ErrArtifactUnavailable means the session exists but its artifact could not be read.
	ErrArtifactUnavailable = errors.New("artifact unavailable")
	// ErrSessionNotFound is returned for unknown or expired sessions.
	ErrSessionNotFound = session.ErrNotFound
)

// Result is the outcome of a successful Generate call.
type Result struct {
	SessionID   string
	Fingerprint string
	CacheHit    bool
	Artifacts   cache.ArtifactSet
}

// Options wires a Pipeline. Cache, Generator and Sessions are required.
type Options struct {
	Validator validation.Validator
	Cache     cache.Cache
	Generator generator.Generator
	Sessions  *session.Registry
	// Locker, when set, serializes generation of a fingerprint across processes.
	Locker  lock.Locker
	Metrics metrics.Recorder
	Logger  *zap.Logger
	// ScratchRoot is where per-call scratch directories are created.
	// Empty means os.TempDir().
	ScratchRoot string
	// RunTimeout bounds one shared generation run. Zero leaves it to the generator.
	RunTimeout time.Duration
}

// Pipeline validates a configuration, serves it from the cache or runs the
// generator, and registers a session for the resulting artifacts.
type Pipeline struct {
	validator   validation.Validator
	cache       cache.Cache
	generator   generator.Generator
	sessions    *session.Registry
	locker      lock.Locker
	metrics     metrics.Recorder
	logger      *zap.Logger
	scratchRoot string
	runTimeout  time.Duration

	flight singleflight.Group
}

// produced is what one generation run hands to every caller sharing it.
type produced struct {
	artifacts cache.ArtifactSet
	fromCache bool
	// owner is the run's scratch directory; nil for cache results.
	owner   *scratch.Dir
	paths   map[cache.ArtifactKind]string
	claimed atomic.Bool
}

// claim hands the scratch directory to exactly one receiver of the run.
func (p *produced) claim() bool {
	return p.owner != nil && p.claimed.CompareAndSwap(false, true)
}

func NewPipeline(opts Options) (*Pipeline, error) {
	if opts.Cache == nil {
		return nil, errors.New("pipeline: cache is required")
	}
	if opts.Generator == nil {
		return nil, errors.New("pipeline: generator is required")
	}
	if opts.Sessions == nil {
		return nil, errors.New("pipeline: session registry is required")
	}

	p := &Pipeline{
		validator:   opts.Validator,
		cache:       opts.Cache,
		generator:   opts.Generator,
		sessions:    opts.Sessions,
		locker:      opts.Locker,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
		scratchRoot: opts.ScratchRoot,
		runTimeout:  opts.RunTimeout,
	}
	if p.validator == nil {
		p.validator = validation.Default
	}
	if p.metrics == nil {
		p.metrics = metrics.Noop()
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	return p, nil
}

// Generate runs the pipeline for cfg. Failures wrap ErrValidation or
// ErrGenerator; cache faults never fail the call. When ctx ends first the
// call returns ctx.Err() and the generation finishes in the background.
func (p *Pipeline) Generate(ctx context.Context, cfg plate.Configuration) (*Result, error) {
	start := time.Now()

	if err := p.validator.Validate(cfg); err != nil {
		p.metrics.RecordGeneration(ctx, metrics.OutcomeValidationFailed, time.Since(start))
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	fingerprint := cfg.Fingerprint()
	logger := p.logger.With(zap.String("fingerprint", fingerprint))

	if set, ok := p.lookup(ctx, fingerprint, logger); ok {
		id := p.sessions.Create(fingerprint, true, session.NewCacheSource(p.cache, fingerprint))
		logger.Debug("Cache hit", zap.String("session_id", id))
		p.metrics.RecordGeneration(ctx, metrics.OutcomeCacheHit, time.Since(start))
		return &Result{SessionID: id, Fingerprint: fingerprint, CacheHit: true, Artifacts: set}, nil
	}

	// The run outlives any single caller: each caller stops waiting when its
	// own context ends, and the run keeps going for the others.
	ch := p.flight.DoChan(fingerprint, func() (interface{}, error) {
		runCtx := context.WithoutCancel(ctx)
		if p.runTimeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(runCtx, p.runTimeout)
			defer cancel()
		}
		return p.produce(runCtx, cfg, fingerprint, logger)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		go p.reap(ch, logger)
		return nil, fmt.Errorf("generate %s: %w", fingerprint, ctx.Err())
	}
	if res.Err != nil {
		p.metrics.RecordGeneration(ctx, metrics.OutcomeGeneratorFailed, time.Since(start))
		return nil, res.Err
	}
	out := res.Val.(*produced)

	// callers sharing a run never share byte slices
	artifacts := out.artifacts.Clone()
	var src session.Source
	switch {
	case out.fromCache:
		src = session.NewCacheSource(p.cache, fingerprint)
	case out.claim():
		src = session.NewDirSource(out.owner, out.paths)
	default:
		src = session.NewMemorySource(out.artifacts.Clone())
	}
	id := p.sessions.Create(fingerprint, out.fromCache, src)

	outcome := metrics.OutcomeGenerated
	if out.fromCache {
		outcome = metrics.OutcomeCacheHit
	}
	p.metrics.RecordGeneration(ctx, outcome, time.Since(start))
	logger.Info("Generated plate",
		zap.String("session_id", id),
		zap.Bool("cache_hit", out.fromCache),
		zap.Duration("duration", time.Since(start)))

	return &Result{
		SessionID:   id,
		Fingerprint: fingerprint,
		CacheHit:    out.fromCache,
		Artifacts:   artifacts,
	}, nil
}

// reap waits for a run its caller gave up on and releases the scratch
// directory when no other caller took it.
func (p *Pipeline) reap(ch <-chan singleflight.Result, logger *zap.Logger) {
	res := <-ch
	if res.Err != nil {
		return
	}
	out := res.Val.(*produced)
	if out.claim() {
		if err := out.owner.Release(); err != nil {
			logger.Warn("Failed to release scratch dir", zap.String("dir", out.owner.Path()), zap.Error(err))
		}
	}
}

// lookup returns the cached artifacts of fingerprint. A failed Get on an
// entry that Exists reported is logged and treated as a miss.
func (p *Pipeline) lookup(ctx context.Context, fingerprint string, logger *zap.Logger) (cache.ArtifactSet, bool) {
	if !p.cache.Exists(ctx, fingerprint) {
		return cache.ArtifactSet{}, false
	}
	set, err := p.cache.Get(ctx, fingerprint)
	if err != nil {
		logger.Warn("Cache reported entry but get failed, regenerating", zap.Error(err))
		return cache.ArtifactSet{}, false
	}
	return set, true
}

func (p *Pipeline) produce(ctx context.Context, cfg plate.Configuration, fingerprint string, logger *zap.Logger) (*produced, error) {
	if p.locker != nil {
		unlock, err := p.locker.Lock(ctx, fingerprint)
		if err != nil {
			logger.Warn("Failed to acquire generation lock, generating anyway", zap.Error(err))
		} else {
			defer unlock()
			// another process may have finished while we waited
			if set, ok := p.lookup(ctx, fingerprint, logger); ok {
				return &produced{artifacts: set, fromCache: true}, nil
			}
		}
	}

	dir, err := scratch.New(p.scratchRoot, "")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGenerator, err)
	}
	handedOff := false
	defer func() {
		if !handedOff {
			if err := dir.Release(); err != nil {
				logger.Warn("Failed to release scratch dir", zap.String("dir", dir.Path()), zap.Error(err))
			}
		}
	}()

	params, err := generator.WriteParameters(dir.Path(), cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGenerator, err)
	}

	stepPath := dir.Join(generator.StepFileName)
	if err := p.generator.ExportSTEP(ctx, params, dir.Path()); err != nil {
		return nil, fmt.Errorf("%w: %s step: %w", ErrGenerator, generator.StepExport, err)
	}
	if err := generator.CheckOutput(stepPath); err != nil {
		return nil, fmt.Errorf("%w: %s step: %w", ErrGenerator, generator.StepExport, err)
	}

	gltfPath := dir.Join(generator.GLTFFileName)
	if err := p.generator.ConvertToGLTF(ctx, stepPath, dir.Path()); err != nil {
		return nil, fmt.Errorf("%w: %s step: %w", ErrGenerator, generator.StepConvert, err)
	}
	if err := generator.CheckOutput(gltfPath); err != nil {
		return nil, fmt.Errorf("%w: %s step: %w", ErrGenerator, generator.StepConvert, err)
	}

	set, err := readArtifacts(stepPath, gltfPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGenerator, err)
	}

	if err := p.cache.Put(ctx, fingerprint, set); err != nil {
		logger.Warn("Failed to cache artifacts", zap.Error(err))
		p.metrics.RecordCacheWriteFailure(ctx)
	}

	handedOff = true
	return &produced{
		artifacts: set,
		owner:     dir,
		paths: map[cache.ArtifactKind]string{
			cache.ArtifactSTEP: stepPath,
			cache.ArtifactGLTF: gltfPath,
		},
	}, nil
}

func readArtifacts(stepPath, gltfPath string) (cache.ArtifactSet, error) {
	step, err := os.ReadFile(stepPath)
	if err != nil {
		return cache.ArtifactSet{}, fmt.Errorf("read step output: %w", err)
	}
	gltf, err := os.ReadFile(gltfPath)
	if err != nil {
		return cache.ArtifactSet{}, fmt.Errorf("read gltf output: %w", err)
	}
	return cache.ArtifactSet{Step: step, GLTF: gltf}, nil
}

// Artifact returns one file of a session. Unknown sessions wrap
// ErrSessionNotFound; read failures wrap ErrArtifactUnavailable.
func (p *Pipeline) Artifact(ctx context.Context, sessionID string, kind cache.ArtifactKind) ([]byte, error) {
	data, err := p.sessions.Read(ctx, sessionID, kind)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil, err
		}
		p.logger.Warn("Failed to read session artifact",
			zap.String("session_id", sessionID),
			zap.Stringer("kind", kind),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrArtifactUnavailable, err)
	}
	return data, nil
}

// PipelineStatus is reported by the status endpoint.
type PipelineStatus struct {
	Sessions int `json:"sessions"`
}

func (p *Pipeline) Status() PipelineStatus {
	return PipelineStatus{Sessions: p.sessions.Len()}
}
