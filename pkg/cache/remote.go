package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ErrBlobMissing is wrapped into the I/O error Get returns when the index
// lists a fingerprint but one of its objects cannot be found.
var ErrBlobMissing = errors.New("cache: indexed object missing")

// BlobStore holds artifact payloads under string keys.
type BlobStore interface {
	PutObject(ctx context.Context, key string, data []byte, contentType string) error
	// GetObject returns ErrNotFound when no object exists under key.
	GetObject(ctx context.Context, key string) ([]byte, error)
}

// Index records which fingerprints have a complete set of objects.
type Index interface {
	Has(ctx context.Context, fingerprint string) (bool, error)
	Record(ctx context.Context, fingerprint string, createdAt time.Time) error
}

// RemoteCache keeps payloads in a BlobStore and presence in an Index. The
// index is the source of truth for Exists and Get.
//
// Put writes both objects before the index record, so an interrupted Put
// leaves unreferenced objects behind and never an index record without data.
type RemoteCache struct {
	blobs  BlobStore
	index  Index
	logger *zap.Logger
	now    func() time.Time
}

// NewRemoteCache combines a blob store and an index into a Cache.
func NewRemoteCache(blobs BlobStore, index Index, logger *zap.Logger) *RemoteCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RemoteCache{
		blobs:  blobs,
		index:  index,
		logger: logger,
		now:    time.Now,
	}
}

// ObjectKey returns the blob key an artifact is stored under.
func ObjectKey(fingerprint string, kind ArtifactKind) string {
	return fingerprint + "/" + kind.FileName()
}

func (c *RemoteCache) Exists(ctx context.Context, fingerprint string) bool {
	ok, err := c.index.Has(ctx, fingerprint)
	if err != nil {
		c.logger.Warn("Index lookup failed", zap.String("fingerprint", fingerprint), zap.Error(err))
		return false
	}
	return ok
}

func (c *RemoteCache) Get(ctx context.Context, fingerprint string) (ArtifactSet, error) {
	ok, err := c.index.Has(ctx, fingerprint)
	if err != nil {
		return ArtifactSet{}, fmt.Errorf("cache: index lookup for %s: %w", fingerprint, err)
	}
	if !ok {
		return ArtifactSet{}, ErrNotFound
	}

	step, err := c.fetch(ctx, fingerprint, ArtifactSTEP)
	if err != nil {
		return ArtifactSet{}, err
	}
	gltf, err := c.fetch(ctx, fingerprint, ArtifactGLTF)
	if err != nil {
		return ArtifactSet{}, err
	}

	c.logger.Debug("Cache hit", zap.String("fingerprint", fingerprint))
	return ArtifactSet{Step: step, GLTF: gltf}, nil
}

func (c *RemoteCache) fetch(ctx context.Context, fingerprint string, kind ArtifactKind) ([]byte, error) {
	data, err := c.blobs.GetObject(ctx, ObjectKey(fingerprint, kind))
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("cache: %s object for %s: %w", kind, fingerprint, ErrBlobMissing)
	}
	if err != nil {
		return nil, fmt.Errorf("cache: fetch %s object for %s: %w", kind, fingerprint, err)
	}
	return data, nil
}

func (c *RemoteCache) Put(ctx context.Context, fingerprint string, set ArtifactSet) error {
	for _, kind := range ArtifactKinds() {
		if err := c.blobs.PutObject(ctx, ObjectKey(fingerprint, kind), set.Bytes(kind), kind.ContentType()); err != nil {
			return fmt.Errorf("cache: upload %s object for %s: %w", kind, fingerprint, err)
		}
	}

	if err := c.index.Record(ctx, fingerprint, c.now().UTC()); err != nil {
		return fmt.Errorf("cache: record index for %s: %w", fingerprint, err)
	}

	c.logger.Info("Cached artifacts", zap.String("fingerprint", fingerprint))
	return nil
}

var _ Cache = (*RemoteCache)(nil)
