package session

import (
	"context"
	"fmt"
	"os"

	"github.com/3FT-io/plategen/pkg/cache"
	"github.com/3FT-io/plategen/pkg/scratch"
)

// Source is where a session's artifacts live. Release frees anything the
// session owns; it is called once, when the session leaves the registry.
type Source interface {
	Read(ctx context.Context, kind cache.ArtifactKind) ([]byte, error)
	Release() error
}

// DirSource serves files from a scratch directory owned by the session.
type DirSource struct {
	dir   *scratch.Dir
	paths map[cache.ArtifactKind]string
}

func NewDirSource(dir *scratch.Dir, paths map[cache.ArtifactKind]string) *DirSource {
	return &DirSource{dir: dir, paths: paths}
}

func (s *DirSource) Read(_ context.Context, kind cache.ArtifactKind) ([]byte, error) {
	path, ok := s.paths[kind]
	if !ok {
		return nil, fmt.Errorf("session: no %s artifact", kind)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("session: read %s: %w", kind, err)
	}
	return data, nil
}

func (s *DirSource) Release() error {
	return s.dir.Release()
}

// CacheSource reads through to the cache entry of a fingerprint.
type CacheSource struct {
	cache       cache.Cache
	fingerprint string
}

func NewCacheSource(c cache.Cache, fingerprint string) *CacheSource {
	return &CacheSource{cache: c, fingerprint: fingerprint}
}

func (s *CacheSource) Read(ctx context.Context, kind cache.ArtifactKind) ([]byte, error) {
	set, err := s.cache.Get(ctx, s.fingerprint)
	if err != nil {
		return nil, fmt.Errorf("session: read %s from cache: %w", kind, err)
	}
	return set.Bytes(kind), nil
}

func (s *CacheSource) Release() error { return nil }

// MemorySource holds the artifacts in memory.
type MemorySource struct {
	set cache.ArtifactSet
}

func NewMemorySource(set cache.ArtifactSet) *MemorySource {
	return &MemorySource{set: set}
}

func (s *MemorySource) Read(_ context.Context, kind cache.ArtifactKind) ([]byte, error) {
	data := s.set.Bytes(kind)
	if data == nil {
		return nil, fmt.Errorf("session: no %s artifact", kind)
	}
	return data, nil
}

func (s *MemorySource) Release() error { return nil }

var (
	_ Source = (*DirSource)(nil)
	_ Source = (*CacheSource)(nil)
	_ Source = (*MemorySource)(nil)
)
