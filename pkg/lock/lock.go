package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// KeyPrefix namespaces lock keys: plategen:lock:<fingerprint>.
	KeyPrefix = "plategen:lock:"

	DefaultExpiry = 5 * time.Minute
	DefaultTries  = 600
	DefaultDelay  = 500 * time.Millisecond
)

// Locker serializes generation of one fingerprint across processes.
// The returned unlock func must be called once the generation is done.
type Locker interface {
	Lock(ctx context.Context, fingerprint string) (unlock func(), err error)
}

// Options configures a RedsyncLocker. Zero values take the defaults.
type Options struct {
	// Expiry bounds how long a crashed holder keeps the lock. It should
	// exceed the worst case of both generator steps.
	Expiry time.Duration
	Tries  int
	Delay  time.Duration
	Logger *zap.Logger
}

// RedsyncLocker is a Locker backed by a Redis redlock.
type RedsyncLocker struct {
	rs     *redsync.Redsync
	expiry time.Duration
	tries  int
	delay  time.Duration
	logger *zap.Logger
}

func NewRedsyncLocker(client redis.UniversalClient, opts Options) *RedsyncLocker {
	l := &RedsyncLocker{
		rs:     redsync.New(goredis.NewPool(client)),
		expiry: opts.Expiry,
		tries:  opts.Tries,
		delay:  opts.Delay,
		logger: opts.Logger,
	}
	if l.expiry <= 0 {
		l.expiry = DefaultExpiry
	}
	if l.tries <= 0 {
		l.tries = DefaultTries
	}
	if l.delay <= 0 {
		l.delay = DefaultDelay
	}
	if l.logger == nil {
		l.logger = zap.NewNop()
	}
	return l
}

func (l *RedsyncLocker) Lock(ctx context.Context, fingerprint string) (func(), error) {
	mutex := l.rs.NewMutex(KeyPrefix+fingerprint,
		redsync.WithExpiry(l.expiry),
		redsync.WithTries(l.tries),
		redsync.WithRetryDelay(l.delay),
	)
	if err := mutex.LockContext(ctx); err != nil {
		return nil, fmt.Errorf("lock: acquire %s: %w", fingerprint, err)
	}

	unlock := func() {
		// the generation may have been cancelled; release with a fresh context
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if ok, err := mutex.UnlockContext(ctx); err != nil || !ok {
			l.logger.Warn("Failed to release generation lock",
				zap.String("fingerprint", fingerprint),
				zap.Error(err))
		}
	}
	return unlock, nil
}

var _ Locker = (*RedsyncLocker)(nil)
