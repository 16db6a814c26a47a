package p2p

import (
	"context"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"github.com/3FT-io/plategen/pkg/cache"
)

// Exchange is the part of Network a ReplicatedCache needs.
type Exchange interface {
	Announce(ctx context.Context, fingerprint string) error
	Holders(fingerprint string) []peer.ID
	ForgetHolder(fingerprint string, id peer.ID)
	FetchArtifacts(ctx context.Context, id peer.ID, fingerprint string) (cache.ArtifactSet, error)
}

// FetchTimeout bounds one attempt to pull an entry from a peer.
const FetchTimeout = 30 * time.Second

// ReplicatedCache is a cache.Cache that falls back to peers on a local miss
// and announces every local write. Entries pulled from a peer are copied
// into the local cache.
type ReplicatedCache struct {
	local    cache.Cache
	exchange Exchange
	logger   *zap.Logger
}

func NewReplicatedCache(local cache.Cache, exchange Exchange, logger *zap.Logger) *ReplicatedCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReplicatedCache{local: local, exchange: exchange, logger: logger}
}

// Exists reports a local entry or any peer that announced one.
func (c *ReplicatedCache) Exists(ctx context.Context, fingerprint string) bool {
	return c.local.Exists(ctx, fingerprint) || len(c.exchange.Holders(fingerprint)) > 0
}

func (c *ReplicatedCache) Get(ctx context.Context, fingerprint string) (cache.ArtifactSet, error) {
	set, err := c.local.Get(ctx, fingerprint)
	if !cache.IsNotFound(err) {
		return set, err
	}

	for _, id := range c.exchange.Holders(fingerprint) {
		fetchCtx, cancel := context.WithTimeout(ctx, FetchTimeout)
		set, err := c.exchange.FetchArtifacts(fetchCtx, id, fingerprint)
		cancel()
		if err != nil {
			c.logger.Debug("Peer could not serve artifacts",
				zap.String("fingerprint", fingerprint),
				zap.String("peer_id", id.String()),
				zap.Error(err))
			c.exchange.ForgetHolder(fingerprint, id)
			continue
		}

		if err := c.local.Put(ctx, fingerprint, set); err != nil {
			c.logger.Warn("Failed to copy peer artifacts into local cache",
				zap.String("fingerprint", fingerprint),
				zap.Error(err))
		}
		c.logger.Info("Fetched artifacts from peer",
			zap.String("fingerprint", fingerprint),
			zap.String("peer_id", id.String()))
		return set, nil
	}

	return cache.ArtifactSet{}, cache.ErrNotFound
}

// Put writes locally, then announces. Announcement failures are only logged.
func (c *ReplicatedCache) Put(ctx context.Context, fingerprint string, set cache.ArtifactSet) error {
	if err := c.local.Put(ctx, fingerprint, set); err != nil {
		return err
	}
	if err := c.exchange.Announce(ctx, fingerprint); err != nil {
		c.logger.Warn("Failed to announce cached artifacts",
			zap.String("fingerprint", fingerprint),
			zap.Error(err))
	}
	return nil
}

var (
	_ cache.Cache = (*ReplicatedCache)(nil)
	_ Exchange    = (*Network)(nil)
)
