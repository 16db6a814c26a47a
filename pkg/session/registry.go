package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/mileusna/crontab"
	"go.uber.org/zap"

	"github.com/3FT-io/plategen/pkg/cache"
)

const (
	DefaultTTL           = 30 * time.Minute
	DefaultMaxEntries    = 1024
	DefaultSweepSchedule = "* * * * *"
)

// ErrNotFound is returned for unknown, expired or evicted session ids.
var ErrNotFound = errors.New("session: not found")

// ErrClosed is returned by StartSweeper after Close.
var ErrClosed = errors.New("session: registry closed")

// Session ties an unguessable id to the artifacts of one generation call.
type Session struct {
	ID          string
	Fingerprint string
	CacheHit    bool
	CreatedAt   time.Time
	ExpiresAt   time.Time

	source Source
}

// Options configures a Registry. Zero values take the defaults.
type Options struct {
	TTL        time.Duration
	MaxEntries int
	Logger     *zap.Logger
	Now        func() time.Time
}

// Registry maps session ids to sessions. Sessions leave the registry when
// they expire, when MaxEntries is exceeded (oldest first), on Evict and on
// Close; their sources are released after the registry lock is dropped.
type Registry struct {
	mu      sync.RWMutex
	entries *simplelru.LRU[string, *Session]
	// evicted collects sessions dropped by the LRU while mu is held.
	evicted []*Session

	ttl    time.Duration
	now    func() time.Time
	logger *zap.Logger

	cronMu sync.Mutex
	cron   *crontab.Crontab
	closed bool
}

func NewRegistry(opts Options) (*Registry, error) {
	r := &Registry{
		ttl:    opts.TTL,
		now:    opts.Now,
		logger: opts.Logger,
	}
	if r.ttl <= 0 {
		r.ttl = DefaultTTL
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	maxEntries := opts.MaxEntries
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}

	entries, err := simplelru.NewLRU[string, *Session](maxEntries, func(_ string, s *Session) {
		r.evicted = append(r.evicted, s)
	})
	if err != nil {
		return nil, fmt.Errorf("session: create registry: %w", err)
	}
	r.entries = entries
	return r, nil
}

// Create registers a new session and returns its id.
func (r *Registry) Create(fingerprint string, cacheHit bool, src Source) string {
	now := r.now()
	s := &Session{
		ID:          uuid.NewString(),
		Fingerprint: fingerprint,
		CacheHit:    cacheHit,
		CreatedAt:   now,
		ExpiresAt:   now.Add(r.ttl),
		source:      src,
	}

	r.mu.Lock()
	r.entries.Add(s.ID, s)
	evicted := r.takeEvicted()
	r.mu.Unlock()

	r.release(evicted)
	return s.ID
}

// Lookup returns the session for id, or ErrNotFound.
func (r *Registry) Lookup(id string) (*Session, error) {
	r.mu.RLock()
	s, ok := r.entries.Peek(id)
	r.mu.RUnlock()

	if !ok || !r.now().Before(s.ExpiresAt) {
		return nil, ErrNotFound
	}
	return s, nil
}

// Read returns one artifact of a session. A missing session is ErrNotFound;
// any other error is a failure reading the artifact itself. A session that
// is evicted while it is being read reports ErrNotFound.
func (r *Registry) Read(ctx context.Context, id string, kind cache.ArtifactKind) ([]byte, error) {
	s, err := r.Lookup(id)
	if err != nil {
		return nil, err
	}
	data, err := s.source.Read(ctx, kind)
	if err != nil {
		if _, lookupErr := r.Lookup(id); lookupErr != nil {
			return nil, lookupErr
		}
		return nil, err
	}
	return data, nil
}

// Evict removes a session and releases its storage. Unknown ids are ignored.
func (r *Registry) Evict(id string) {
	r.mu.Lock()
	r.entries.Remove(id)
	evicted := r.takeEvicted()
	r.mu.Unlock()

	r.release(evicted)
}

// Sweep removes every expired session and returns how many were removed.
func (r *Registry) Sweep() int {
	now := r.now()

	r.mu.Lock()
	for {
		_, s, ok := r.entries.GetOldest()
		if !ok || now.Before(s.ExpiresAt) {
			break
		}
		r.entries.RemoveOldest()
	}
	evicted := r.takeEvicted()
	r.mu.Unlock()

	r.release(evicted)
	if len(evicted) > 0 {
		r.logger.Debug("Swept expired sessions", zap.Int("count", len(evicted)))
	}
	return len(evicted)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries.Len()
}

// StartSweeper runs Sweep on a crontab schedule until Close.
func (r *Registry) StartSweeper(schedule string) error {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}

	r.cronMu.Lock()
	defer r.cronMu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if r.cron != nil {
		return errors.New("session: sweeper already running")
	}

	ctab := crontab.New()
	if err := ctab.AddJob(schedule, func() { r.Sweep() }); err != nil {
		ctab.Shutdown()
		return fmt.Errorf("session: schedule sweeper: %w", err)
	}
	r.cron = ctab
	return nil
}

// Close stops the sweeper and releases every session.
func (r *Registry) Close() error {
	r.cronMu.Lock()
	r.closed = true
	if r.cron != nil {
		r.cron.Shutdown()
		r.cron = nil
	}
	r.cronMu.Unlock()

	r.mu.Lock()
	r.entries.Purge()
	evicted := r.takeEvicted()
	r.mu.Unlock()

	return r.release(evicted)
}

func (r *Registry) takeEvicted() []*Session {
	evicted := r.evicted
	r.evicted = nil
	return evicted
}

func (r *Registry) release(sessions []*Session) error {
	var errs []error
	for _, s := range sessions {
		if err := s.source.Release(); err != nil {
			r.logger.Warn("Failed to release session storage",
				zap.String("session_id", s.ID),
				zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
