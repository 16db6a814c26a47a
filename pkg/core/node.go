package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/3FT-io/plategen/pkg/cache"
	"github.com/3FT-io/plategen/pkg/config"
	"github.com/3FT-io/plategen/pkg/generator"
	"github.com/3FT-io/plategen/pkg/lock"
	"github.com/3FT-io/plategen/pkg/metrics"
	"github.com/3FT-io/plategen/pkg/p2p"
	"github.com/3FT-io/plategen/pkg/session"
)

// Node owns every long-lived component of a plategen process.
type Node struct {
	config   *config.Config
	logger   *zap.Logger
	cache    cache.Cache
	local    *cache.LocalCache
	sessions *session.Registry
	pipeline *Pipeline
	network  *p2p.Network
	redis    redis.UniversalClient
	metrics  *metrics.Prometheus
}

// NodeOption overrides a component NewNode would otherwise build from config.
type NodeOption func(*nodeOptions)

type nodeOptions struct {
	generator generator.Generator
	cache     cache.Cache
}

// WithGenerator replaces the subprocess generator.
func WithGenerator(g generator.Generator) NodeOption {
	return func(o *nodeOptions) { o.generator = g }
}

// WithCache replaces the configured cache backend.
func WithCache(c cache.Cache) NodeOption {
	return func(o *nodeOptions) { o.cache = c }
}

func NewNode(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...NodeOption) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var o nodeOptions
	for _, opt := range opts {
		opt(&o)
	}

	n := &Node{config: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			n.Stop()
		}
	}()

	if cfg.UsesRedis() {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
		}
		n.redis = redis.NewClient(redisOpts)
	}

	backend := o.cache
	if backend == nil {
		var err error
		if backend, err = n.buildCache(ctx); err != nil {
			return nil, err
		}
	}
	n.cache = backend

	if cfg.P2PEnabled {
		network, err := p2p.NewNetwork(cfg, backend, logger.Named("p2p"))
		if err != nil {
			return nil, err
		}
		n.network = network
		n.cache = p2p.NewReplicatedCache(backend, network, logger.Named("p2p"))
	}

	sessions, err := session.NewRegistry(session.Options{
		TTL:        cfg.SessionTTL,
		MaxEntries: cfg.SessionMaxEntries,
		Logger:     logger.Named("session"),
	})
	if err != nil {
		return nil, err
	}
	n.sessions = sessions

	var recorder metrics.Recorder
	if cfg.MetricsEnabled {
		if n.metrics, err = metrics.NewPrometheus(); err != nil {
			return nil, err
		}
		recorder = n.metrics.Recorder
	}

	var locker lock.Locker
	if cfg.LockEnabled {
		locker = lock.NewRedsyncLocker(n.redis, lock.Options{
			Expiry: cfg.LockExpiry,
			Logger: logger.Named("lock"),
		})
	}

	gen := o.generator
	if gen == nil {
		gen = generator.NewCommandGenerator(generator.CommandOptions{
			Binary:    cfg.GeneratorBinary,
			ModelFile: cfg.GeneratorModelFile,
			Timeout:   cfg.GeneratorTimeout,
			Logger:    logger.Named("generator"),
		})
	}

	// both generator steps, plus the wait for another replica's lock
	runTimeout := 2 * cfg.GeneratorTimeout
	if cfg.LockEnabled {
		runTimeout += cfg.LockExpiry
	}

	n.pipeline, err = NewPipeline(Options{
		Cache:       n.cache,
		Generator:   gen,
		Sessions:    sessions,
		Locker:      locker,
		Metrics:     recorder,
		Logger:      logger.Named("pipeline"),
		ScratchRoot: cfg.ScratchDir,
		RunTimeout:  runTimeout,
	})
	if err != nil {
		return nil, err
	}

	ok = true
	return n, nil
}

func (n *Node) buildCache(ctx context.Context) (cache.Cache, error) {
	cfg := n.config
	switch cfg.CacheBackend {
	case config.CacheMemory:
		return cache.NewMemoryCache(), nil

	case config.CacheLocal:
		local, err := cache.NewLocalCache(cfg.CachePath, n.logger.Named("cache"))
		if err != nil {
			return nil, err
		}
		n.local = local
		return local, nil

	case config.CacheRemote:
		var loadOpts []func(*awsconfig.LoadOptions) error
		if cfg.AWSRegion != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.AWSRegion))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}

		blobs := cache.NewS3BlobStore(s3.NewFromConfig(awsCfg), cfg.S3Bucket)
		var index cache.Index
		if cfg.RemoteIndex == config.IndexRedis {
			index = cache.NewRedisIndex(n.redis)
		} else {
			index = cache.NewDynamoIndex(dynamodb.NewFromConfig(awsCfg), cfg.DynamoDBTable)
		}
		return cache.NewRemoteCache(blobs, index, n.logger.Named("cache")), nil
	}

	return nil, fmt.Errorf("unknown cache backend %q", cfg.CacheBackend)
}

func (n *Node) Start(ctx context.Context) error {
	if err := n.sessions.StartSweeper(n.config.SessionSweepSchedule); err != nil {
		return err
	}

	if n.network != nil {
		if err := n.network.Start(ctx); err != nil {
			return err
		}
	}

	n.logger.Info("Node started",
		zap.String("cache_backend", n.config.CacheBackend),
		zap.Bool("p2p", n.network != nil),
		zap.Bool("lock", n.config.LockEnabled))
	return nil
}

func (n *Node) Stop() error {
	var errs []error
	if n.sessions != nil {
		errs = append(errs, n.sessions.Close())
	}
	if n.network != nil {
		errs = append(errs, n.network.Stop())
	}
	if n.metrics != nil {
		errs = append(errs, n.metrics.Shutdown(context.Background()))
	}
	if n.redis != nil {
		errs = append(errs, n.redis.Close())
	}
	return errors.Join(errs...)
}

func (n *Node) Pipeline() *Pipeline {
	return n.pipeline
}

// MetricsHandler serves Prometheus metrics, or nil when metrics are disabled.
func (n *Node) MetricsHandler() http.Handler {
	if n.metrics == nil {
		return nil
	}
	return n.metrics.Handler
}

// NodeStatus is reported by the status endpoint.
type NodeStatus struct {
	CacheBackend string             `json:"cache_backend"`
	Sessions     int                `json:"sessions"`
	Peers        int                `json:"peers"`
	Local        *cache.LocalStatus `json:"local,omitempty"`
}

func (n *Node) Status(ctx context.Context) (*NodeStatus, error) {
	status := &NodeStatus{
		CacheBackend: n.config.CacheBackend,
		Sessions:     n.pipeline.Status().Sessions,
	}
	if n.network != nil {
		status.Peers = len(n.network.GetPeers())
	}
	if n.local != nil {
		local, err := n.local.Status(ctx)
		if err != nil {
			return nil, err
		}
		status.Local = local
	}
	return status, nil
}
