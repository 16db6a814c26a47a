package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// DefaultLocalDir is used when a LocalCache is created with an empty directory.
const DefaultLocalDir = "./cache"

// ErrInvalidFingerprint is returned by Put for a key that cannot name a
// single entry directory.
var ErrInvalidFingerprint = errors.New("cache: invalid fingerprint")

// LocalCache stores each entry as a directory on the local filesystem:
// {baseDir}/{fingerprint}/model.step and model.gltf.
//
// Each file is written to a temporary name and renamed into place, STEP first.
// A crash between the two renames leaves a STEP-only directory, which Exists
// and Get treat as a miss and the next Put overwrites.
type LocalCache struct {
	baseDir string
	logger  *zap.Logger
}

// LocalStatus summarizes the entries on disk.
type LocalStatus struct {
	BasePath   string `json:"base_path"`
	Entries    int    `json:"entries"`
	Incomplete int    `json:"incomplete"`
	TotalSize  int64  `json:"total_size"`
}

// NewLocalCache creates the base directory if needed.
func NewLocalCache(baseDir string, logger *zap.Logger) (*LocalCache, error) {
	if baseDir == "" {
		baseDir = DefaultLocalDir
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("cache: create base dir: %w", err)
	}

	return &LocalCache{
		baseDir: baseDir,
		logger:  logger,
	}, nil
}

// validEntryName keeps every key inside baseDir.
func validEntryName(fingerprint string) bool {
	return fingerprint != "" && fingerprint != "." && fingerprint != ".." &&
		!strings.ContainsAny(fingerprint, `/\`)
}

func (c *LocalCache) entryDir(fingerprint string) string {
	return filepath.Join(c.baseDir, fingerprint)
}

func (c *LocalCache) artifactPath(fingerprint string, kind ArtifactKind) string {
	return filepath.Join(c.entryDir(fingerprint), kind.FileName())
}

// Exists requires both files to be present.
func (c *LocalCache) Exists(_ context.Context, fingerprint string) bool {
	if !validEntryName(fingerprint) {
		return false
	}
	for _, kind := range ArtifactKinds() {
		info, err := os.Stat(c.artifactPath(fingerprint, kind))
		if err != nil || !info.Mode().IsRegular() {
			return false
		}
	}
	return true
}

func (c *LocalCache) Get(_ context.Context, fingerprint string) (ArtifactSet, error) {
	if !validEntryName(fingerprint) {
		return ArtifactSet{}, fmt.Errorf("%w: invalid fingerprint %q", ErrNotFound, fingerprint)
	}
	step, err := c.readArtifact(fingerprint, ArtifactSTEP)
	if err != nil {
		return ArtifactSet{}, err
	}
	gltf, err := c.readArtifact(fingerprint, ArtifactGLTF)
	if err != nil {
		return ArtifactSet{}, err
	}

	return ArtifactSet{Step: step, GLTF: gltf}, nil
}

func (c *LocalCache) readArtifact(fingerprint string, kind ArtifactKind) ([]byte, error) {
	data, err := os.ReadFile(c.artifactPath(fingerprint, kind))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("cache: read %s for %s: %w", kind, fingerprint, err)
	}
	return data, nil
}

func (c *LocalCache) Put(_ context.Context, fingerprint string, set ArtifactSet) error {
	if !validEntryName(fingerprint) {
		return fmt.Errorf("%w: %q", ErrInvalidFingerprint, fingerprint)
	}
	dir := c.entryDir(fingerprint)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("cache: create entry dir: %w", err)
	}

	for _, kind := range ArtifactKinds() {
		if err := writeFileAtomic(dir, kind.FileName(), set.Bytes(kind)); err != nil {
			return fmt.Errorf("cache: write %s for %s: %w", kind, fingerprint, err)
		}
	}

	c.logger.Info("Cached artifacts", zap.String("fingerprint", fingerprint), zap.String("dir", dir))
	return nil
}

// Status walks the base directory and counts complete and incomplete entries.
func (c *LocalCache) Status(ctx context.Context) (*LocalStatus, error) {
	entries, err := os.ReadDir(c.baseDir)
	if err != nil {
		return nil, fmt.Errorf("cache: list base dir: %w", err)
	}

	status := &LocalStatus{BasePath: c.baseDir}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if !c.Exists(ctx, entry.Name()) {
			status.Incomplete++
			continue
		}
		status.Entries++
		for _, kind := range ArtifactKinds() {
			if info, err := os.Stat(c.artifactPath(entry.Name(), kind)); err == nil {
				status.TotalSize += info.Size()
			}
		}
	}

	return status, nil
}

// writeFileAtomic writes data to a temporary file in dir and renames it to name.
func writeFileAtomic(dir, name string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	_ = os.Chmod(tmpPath, 0644)

	if err := os.Rename(tmpPath, filepath.Join(dir, name)); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}

var _ Cache = (*LocalCache)(nil)
