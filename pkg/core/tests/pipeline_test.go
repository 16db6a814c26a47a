package core_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3FT-io/plategen/pkg/cache"
	"github.com/3FT-io/plategen/pkg/core"
	"github.com/3FT-io/plategen/pkg/generator"
	"github.com/3FT-io/plategen/pkg/metrics"
	"github.com/3FT-io/plategen/pkg/plate"
	"github.com/3FT-io/plategen/pkg/session"
	"github.com/3FT-io/plategen/pkg/testutil"
	"github.com/3FT-io/plategen/pkg/validation"
)

// spyCache wraps a MemoryCache, counts calls and can be told to fail.
type spyCache struct {
	*cache.MemoryCache

	exists atomic.Int32
	gets   atomic.Int32
	puts   atomic.Int32

	mu          sync.Mutex
	putErr      error
	getErr      error
	forceExists bool
}

func newSpyCache() *spyCache {
	return &spyCache{MemoryCache: cache.NewMemoryCache()}
}

func (s *spyCache) Exists(ctx context.Context, fp string) bool {
	s.exists.Add(1)
	s.mu.Lock()
	force := s.forceExists
	s.mu.Unlock()
	return force || s.MemoryCache.Exists(ctx, fp)
}

func (s *spyCache) Get(ctx context.Context, fp string) (cache.ArtifactSet, error) {
	s.gets.Add(1)
	s.mu.Lock()
	err := s.getErr
	s.mu.Unlock()
	if err != nil {
		return cache.ArtifactSet{}, err
	}
	return s.MemoryCache.Get(ctx, fp)
}

func (s *spyCache) Put(ctx context.Context, fp string, set cache.ArtifactSet) error {
	s.puts.Add(1)
	s.mu.Lock()
	err := s.putErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.MemoryCache.Put(ctx, fp, set)
}

func (s *spyCache) calls() int32 {
	return s.exists.Load() + s.gets.Load() + s.puts.Load()
}

type spyRecorder struct {
	mu            sync.Mutex
	outcomes      []metrics.Outcome
	writeFailures int
}

func (r *spyRecorder) RecordGeneration(_ context.Context, outcome metrics.Outcome, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

func (r *spyRecorder) RecordCacheWriteFailure(context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writeFailures++
}

type fixture struct {
	pipeline    *core.Pipeline
	cache       *spyCache
	gen         *testutil.StubGenerator
	sessions    *session.Registry
	recorder    *spyRecorder
	scratchRoot string
}

func setupPipeline(t *testing.T, opts ...func(*core.Options)) *fixture {
	f := &fixture{
		cache:       newSpyCache(),
		gen:         testutil.NewStubGenerator(),
		recorder:    &spyRecorder{},
		scratchRoot: t.TempDir(),
	}

	var err error
	f.sessions, err = session.NewRegistry(session.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { f.sessions.Close() })

	o := core.Options{
		Cache:       f.cache,
		Generator:   f.gen,
		Sessions:    f.sessions,
		Metrics:     f.recorder,
		ScratchRoot: f.scratchRoot,
	}
	for _, fn := range opts {
		fn(&o)
	}

	f.pipeline, err = core.NewPipeline(o)
	require.NoError(t, err)
	return f
}

func TestNewPipelineRequiresCollaborators(t *testing.T) {
	sessions, err := session.NewRegistry(session.Options{})
	require.NoError(t, err)
	defer sessions.Close()

	_, err = core.NewPipeline(core.Options{Generator: testutil.NewStubGenerator(), Sessions: sessions})
	assert.Error(t, err)
	_, err = core.NewPipeline(core.Options{Cache: cache.NewMemoryCache(), Sessions: sessions})
	assert.Error(t, err)
	_, err = core.NewPipeline(core.Options{Cache: cache.NewMemoryCache(), Generator: testutil.NewStubGenerator()})
	assert.Error(t, err)
}

func TestGenerateBaselineRoundTripsThroughCache(t *testing.T) {
	ctx := context.Background()
	f := setupPipeline(t)
	cfg := plate.Baseline()

	result, err := f.pipeline.Generate(ctx, cfg)
	require.NoError(t, err)

	assert.False(t, result.CacheHit)
	assert.Equal(t, cfg.Fingerprint(), result.Fingerprint)
	assert.NotEmpty(t, result.SessionID)
	assert.Equal(t, f.gen.StepData, result.Artifacts.Step)
	assert.Equal(t, f.gen.GLTFData, result.Artifacts.GLTF)
	assert.Equal(t, 1, f.gen.ExportCalls())
	assert.Equal(t, 1, f.gen.ConvertCalls())

	cached, err := f.cache.Get(ctx, cfg.Fingerprint())
	require.NoError(t, err)
	assert.Equal(t, result.Artifacts, cached)

	step, err := f.pipeline.Artifact(ctx, result.SessionID, cache.ArtifactSTEP)
	require.NoError(t, err)
	assert.Equal(t, f.gen.StepData, step)
	gltf, err := f.pipeline.Artifact(ctx, result.SessionID, cache.ArtifactGLTF)
	require.NoError(t, err)
	assert.Equal(t, f.gen.GLTFData, gltf)

	params := f.gen.Parameters()
	require.Len(t, params, 1)
	assert.Contains(t, string(params[0]), "export boltClearance = 11\n")

	assert.Equal(t, []metrics.Outcome{metrics.OutcomeGenerated}, f.recorder.outcomes)
	assert.Equal(t, 1, f.pipeline.Status().Sessions)
}

func TestGenerateRejectsZeroBoltSpacing(t *testing.T) {
	f := setupPipeline(t)
	cfg := plate.Baseline()
	cfg.BoltSpacing = 0

	result, err := f.pipeline.Generate(context.Background(), cfg)
	require.Error(t, err)
	assert.Nil(t, result)
	assert.ErrorIs(t, err, core.ErrValidation)

	var verr *validation.Error
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, validation.CodeBoltSpacingTooSmall, verr.Code)

	assert.Equal(t, 0, f.gen.ExportCalls())
	assert.Equal(t, 0, f.gen.ConvertCalls())
	assert.Equal(t, int32(0), f.cache.calls())
	assert.Equal(t, 0, f.sessions.Len())
	assert.Equal(t, []metrics.Outcome{metrics.OutcomeValidationFailed}, f.recorder.outcomes)
}

func TestGeneratePinCountBounds(t *testing.T) {
	tests := []struct {
		pins uint16
		code validation.Code
	}{
		{pins: 0, code: validation.CodePinCountTooSmall},
		{pins: 1},
		{pins: 12},
		{pins: 13, code: validation.CodePinCountTooLarge},
	}

	for _, tt := range tests {
		f := setupPipeline(t)
		cfg := plate.Baseline()
		cfg.PinCount = tt.pins

		_, err := f.pipeline.Generate(context.Background(), cfg)
		if tt.code == 0 {
			assert.NoError(t, err, "pin count %d", tt.pins)
			continue
		}

		var verr *validation.Error
		require.True(t, errors.As(err, &verr), "pin count %d", tt.pins)
		assert.Equal(t, tt.code, verr.Code, "pin count %d", tt.pins)
		assert.Equal(t, 0, f.gen.ExportCalls())
	}
}

func TestGenerateSecondCallIsCacheHit(t *testing.T) {
	ctx := context.Background()
	f := setupPipeline(t)

	first, err := f.pipeline.Generate(ctx, plate.Baseline())
	require.NoError(t, err)
	second, err := f.pipeline.Generate(ctx, plate.Baseline())
	require.NoError(t, err)

	assert.False(t, first.CacheHit)
	assert.True(t, second.CacheHit)
	assert.Equal(t, 1, f.gen.ExportCalls())
	assert.Equal(t, 1, f.gen.ConvertCalls())
	assert.Equal(t, first.Fingerprint, second.Fingerprint)
	assert.NotEqual(t, first.SessionID, second.SessionID)
	assert.Equal(t, first.Artifacts, second.Artifacts)

	gltf, err := f.pipeline.Artifact(ctx, second.SessionID, cache.ArtifactGLTF)
	require.NoError(t, err)
	assert.Equal(t, f.gen.GLTFData, gltf)

	assert.Equal(t, []metrics.Outcome{metrics.OutcomeGenerated, metrics.OutcomeCacheHit}, f.recorder.outcomes)
}

func TestGenerateDifferentConfigsMiss(t *testing.T) {
	ctx := context.Background()
	f := setupPipeline(t)

	_, err := f.pipeline.Generate(ctx, plate.Baseline())
	require.NoError(t, err)

	cfg := plate.Baseline()
	cfg.Material = plate.Brass
	result, err := f.pipeline.Generate(ctx, cfg)
	require.NoError(t, err)
	assert.False(t, result.CacheHit)
	assert.Equal(t, 2, f.gen.ExportCalls())
}

func TestGenerateStepFailureSkipsConversion(t *testing.T) {
	f := setupPipeline(t)
	f.gen.FailExport = true

	_, err := f.pipeline.Generate(context.Background(), plate.Baseline())
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrGenerator)
	assert.ErrorIs(t, err, testutil.ErrStubFailure)

	assert.Equal(t, 1, f.gen.ExportCalls())
	assert.Equal(t, 0, f.gen.ConvertCalls())
	assert.Equal(t, int32(0), f.cache.puts.Load())
	assert.Equal(t, 0, f.sessions.Len())
	assert.Equal(t, 0, testutil.CountEntries(t, f.scratchRoot))
	assert.Equal(t, []metrics.Outcome{metrics.OutcomeGeneratorFailed}, f.recorder.outcomes)
}

func TestGenerateMissingStepOutputSkipsConversion(t *testing.T) {
	f := setupPipeline(t)
	f.gen.SkipStepOutput = true

	_, err := f.pipeline.Generate(context.Background(), plate.Baseline())
	assert.ErrorIs(t, err, core.ErrGenerator)
	assert.ErrorIs(t, err, generator.ErrOutputMissing)
	assert.Equal(t, 0, f.gen.ConvertCalls())
	assert.Equal(t, 0, testutil.CountEntries(t, f.scratchRoot))
}

func TestGenerateConversionFailure(t *testing.T) {
	f := setupPipeline(t)
	f.gen.FailConvert = true

	_, err := f.pipeline.Generate(context.Background(), plate.Baseline())
	assert.ErrorIs(t, err, core.ErrGenerator)
	assert.Equal(t, 1, f.gen.ConvertCalls())
	assert.Equal(t, int32(0), f.cache.puts.Load())
	assert.Equal(t, 0, testutil.CountEntries(t, f.scratchRoot))

	// the caller may retry once the generator recovers
	f.gen.FailConvert = false
	result, err := f.pipeline.Generate(context.Background(), plate.Baseline())
	require.NoError(t, err)
	assert.False(t, result.CacheHit)
}

func TestGenerateTimeoutIsGeneratorFailure(t *testing.T) {
	f := setupPipeline(t, func(o *core.Options) { o.RunTimeout = 50 * time.Millisecond })
	f.gen.Delay = time.Second

	_, err := f.pipeline.Generate(context.Background(), plate.Baseline())
	assert.ErrorIs(t, err, core.ErrGenerator)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, f.gen.ConvertCalls())
}

func TestCancelledCallerDoesNotFailWaitingCallers(t *testing.T) {
	f := setupPipeline(t)
	f.gen.Delay = 300 * time.Millisecond

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	defer cancelFirst()
	firstErr := make(chan error, 1)
	go func() {
		_, err := f.pipeline.Generate(firstCtx, plate.Baseline())
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return f.gen.ExportCalls() == 1 }, time.Second, 5*time.Millisecond)

	type outcome struct {
		result *core.Result
		err    error
	}
	second := make(chan outcome, 1)
	go func() {
		r, err := f.pipeline.Generate(context.Background(), plate.Baseline())
		second <- outcome{r, err}
	}()
	time.Sleep(50 * time.Millisecond)
	cancelFirst()

	err := <-firstErr
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, core.ErrGenerator)

	got := <-second
	require.NoError(t, got.err)
	assert.False(t, got.result.CacheHit)
	assert.Equal(t, 1, f.gen.ExportCalls())
	assert.Equal(t, 1, f.gen.ConvertCalls())

	data, err := f.pipeline.Artifact(context.Background(), got.result.SessionID, cache.ArtifactSTEP)
	require.NoError(t, err)
	assert.Equal(t, f.gen.StepData, data)
}

func TestAbandonedRunIsCachedAndCleanedUp(t *testing.T) {
	f := setupPipeline(t)
	f.gen.Delay = 50 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := f.pipeline.Generate(ctx, plate.Baseline())
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// the run completes without any caller and leaves nothing in scratch
	fp := plate.Baseline().Fingerprint()
	require.Eventually(t, func() bool {
		return f.cache.MemoryCache.Exists(context.Background(), fp) && testutil.CountEntries(t, f.scratchRoot) == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, f.sessions.Len())

	hit, err := f.pipeline.Generate(context.Background(), plate.Baseline())
	require.NoError(t, err)
	assert.True(t, hit.CacheHit)
	assert.Equal(t, 1, f.gen.ExportCalls())
}

func TestSharedRunResultsAreIndependent(t *testing.T) {
	ctx := context.Background()
	f := setupPipeline(t)
	f.gen.Delay = 100 * time.Millisecond

	results := make([]*core.Result, 2)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := f.pipeline.Generate(ctx, plate.Baseline())
			if assert.NoError(t, err) {
				results[i] = r
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, 1, f.gen.ExportCalls())

	for _, r := range results {
		require.NotNil(t, r)
		r.Artifacts.Step[0] = 'X'
	}
	for _, r := range results {
		data, err := f.pipeline.Artifact(ctx, r.SessionID, cache.ArtifactSTEP)
		require.NoError(t, err)
		assert.Equal(t, f.gen.StepData, data)
	}
}

func TestGenerateSurvivesCacheWriteFailure(t *testing.T) {
	ctx := context.Background()
	f := setupPipeline(t)
	f.cache.putErr = errors.New("disk full")

	result, err := f.pipeline.Generate(ctx, plate.Baseline())
	require.NoError(t, err)
	assert.False(t, result.CacheHit)
	assert.Equal(t, f.gen.StepData, result.Artifacts.Step)
	assert.Equal(t, 1, f.recorder.writeFailures)

	// the session still serves the fresh artifacts
	step, err := f.pipeline.Artifact(ctx, result.SessionID, cache.ArtifactSTEP)
	require.NoError(t, err)
	assert.Equal(t, f.gen.StepData, step)

	// nothing was cached, so the next call generates again
	_, err = f.pipeline.Generate(ctx, plate.Baseline())
	require.NoError(t, err)
	assert.Equal(t, 2, f.gen.ExportCalls())
}

func TestGenerateRegeneratesWhenCachedEntryIsUnreadable(t *testing.T) {
	f := setupPipeline(t)
	f.cache.forceExists = true
	f.cache.getErr = errors.New("object store unavailable")

	result, err := f.pipeline.Generate(context.Background(), plate.Baseline())
	require.NoError(t, err)
	assert.False(t, result.CacheHit)
	assert.Equal(t, 1, f.gen.ExportCalls())
	assert.Equal(t, int32(1), f.cache.puts.Load())
}

func TestConcurrentGenerateSharesOneRun(t *testing.T) {
	ctx := context.Background()
	f := setupPipeline(t)
	f.gen.Delay = 100 * time.Millisecond

	const n = 8
	results := make([]*core.Result, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := f.pipeline.Generate(ctx, plate.Baseline())
			if assert.NoError(t, err) {
				results[i] = r
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, f.gen.ExportCalls())
	assert.Equal(t, 1, f.gen.ConvertCalls())

	ids := map[string]bool{}
	for _, r := range results {
		require.NotNil(t, r)
		assert.False(t, ids[r.SessionID])
		ids[r.SessionID] = true

		data, err := f.pipeline.Artifact(ctx, r.SessionID, cache.ArtifactGLTF)
		require.NoError(t, err)
		assert.Equal(t, f.gen.GLTFData, data)
	}
}

func TestSessionEvictionReleasesScratch(t *testing.T) {
	ctx := context.Background()
	f := setupPipeline(t)

	result, err := f.pipeline.Generate(ctx, plate.Baseline())
	require.NoError(t, err)
	assert.Equal(t, 1, testutil.CountEntries(t, f.scratchRoot))

	f.sessions.Evict(result.SessionID)
	assert.Equal(t, 0, testutil.CountEntries(t, f.scratchRoot))

	_, err = f.pipeline.Artifact(ctx, result.SessionID, cache.ArtifactSTEP)
	assert.ErrorIs(t, err, core.ErrSessionNotFound)
}

func TestArtifactErrors(t *testing.T) {
	ctx := context.Background()
	f := setupPipeline(t)

	_, err := f.pipeline.Artifact(ctx, "unknown", cache.ArtifactSTEP)
	assert.ErrorIs(t, err, core.ErrSessionNotFound)
	assert.NotErrorIs(t, err, core.ErrArtifactUnavailable)

	_, err = f.pipeline.Generate(ctx, plate.Baseline())
	require.NoError(t, err)
	hit, err := f.pipeline.Generate(ctx, plate.Baseline())
	require.NoError(t, err)
	require.True(t, hit.CacheHit)

	// a cache-backed session whose entry can no longer be read
	f.cache.getErr = errors.New("bucket deleted")
	_, err = f.pipeline.Artifact(ctx, hit.SessionID, cache.ArtifactSTEP)
	assert.ErrorIs(t, err, core.ErrArtifactUnavailable)
	assert.NotErrorIs(t, err, core.ErrSessionNotFound)
}

type fakeLocker struct {
	locks   atomic.Int32
	unlocks atomic.Int32
	err     error
	// onLock runs while the lock is held, before Lock returns.
	onLock func()
}

func (l *fakeLocker) Lock(context.Context, string) (func(), error) {
	l.locks.Add(1)
	if l.err != nil {
		return nil, l.err
	}
	if l.onLock != nil {
		l.onLock()
	}
	return func() { l.unlocks.Add(1) }, nil
}

func TestGenerateWithLocker(t *testing.T) {
	locker := &fakeLocker{}
	f := setupPipeline(t, func(o *core.Options) { o.Locker = locker })

	_, err := f.pipeline.Generate(context.Background(), plate.Baseline())
	require.NoError(t, err)
	assert.Equal(t, int32(1), locker.locks.Load())
	assert.Equal(t, int32(1), locker.unlocks.Load())
	assert.Equal(t, 1, f.gen.ExportCalls())
}

func TestGenerateRechecksCacheUnderLock(t *testing.T) {
	ctx := context.Background()
	locker := &fakeLocker{}
	f := setupPipeline(t, func(o *core.Options) { o.Locker = locker })

	// another replica finishes the same plate while we wait for the lock
	peerSet := cache.ArtifactSet{Step: []byte("peer step"), GLTF: []byte("peer gltf")}
	locker.onLock = func() {
		require.NoError(t, f.cache.MemoryCache.Put(ctx, plate.Baseline().Fingerprint(), peerSet))
	}

	result, err := f.pipeline.Generate(ctx, plate.Baseline())
	require.NoError(t, err)
	assert.True(t, result.CacheHit)
	assert.Equal(t, peerSet, result.Artifacts)
	assert.Equal(t, 0, f.gen.ExportCalls())
	assert.Equal(t, 0, testutil.CountEntries(t, f.scratchRoot))
}

func TestGenerateProceedsWhenLockFails(t *testing.T) {
	locker := &fakeLocker{err: errors.New("redis down")}
	f := setupPipeline(t, func(o *core.Options) { o.Locker = locker })

	result, err := f.pipeline.Generate(context.Background(), plate.Baseline())
	require.NoError(t, err)
	assert.False(t, result.CacheHit)
	assert.Equal(t, 1, f.gen.ExportCalls())
}
