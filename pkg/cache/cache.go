package cache

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Get when no complete entry exists for a
// fingerprint. Any other error from a Cache is an I/O failure.
var ErrNotFound = errors.New("cache: entry not found")

// ArtifactKind names one of the two files generated for a configuration.
type ArtifactKind int

const (
	ArtifactSTEP ArtifactKind = iota + 1
	ArtifactGLTF
)

// ArtifactKinds lists every kind stored in an ArtifactSet.
func ArtifactKinds() []ArtifactKind {
	return []ArtifactKind{ArtifactSTEP, ArtifactGLTF}
}

// FileName is the fixed name the artifact is stored and served under.
func (k ArtifactKind) FileName() string {
	switch k {
	case ArtifactSTEP:
		return "model.step"
	case ArtifactGLTF:
		return "model.gltf"
	default:
		return ""
	}
}

func (k ArtifactKind) ContentType() string {
	switch k {
	case ArtifactSTEP:
		return "application/STEP"
	case ArtifactGLTF:
		return "model/gltf+json"
	default:
		return "application/octet-stream"
	}
}

func (k ArtifactKind) String() string {
	switch k {
	case ArtifactSTEP:
		return "step"
	case ArtifactGLTF:
		return "gltf"
	default:
		return fmt.Sprintf("ArtifactKind(%d)", int(k))
	}
}

// ParseArtifactKind maps a served file name back to its kind.
func ParseArtifactKind(fileName string) (ArtifactKind, bool) {
	for _, k := range ArtifactKinds() {
		if k.FileName() == fileName {
			return k, true
		}
	}
	return 0, false
}

// ArtifactSet is the STEP and glTF output for one configuration. Both
// payloads are always stored and loaded together.
type ArtifactSet struct {
	Step []byte
	GLTF []byte
}

// Bytes returns the payload for kind, or nil for an unknown kind.
func (a ArtifactSet) Bytes(kind ArtifactKind) []byte {
	switch kind {
	case ArtifactSTEP:
		return a.Step
	case ArtifactGLTF:
		return a.GLTF
	default:
		return nil
	}
}

// Clone returns a copy that shares no memory with a.
func (a ArtifactSet) Clone() ArtifactSet {
	return ArtifactSet{
		Step: append([]byte(nil), a.Step...),
		GLTF: append([]byte(nil), a.GLTF...),
	}
}

// Cache stores artifact sets keyed by configuration fingerprint.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use. Concurrent
// Puts of the same fingerprint are allowed; the last writer wins.
// - Exists reports false for missing or partially stored entries and for
// lookups that fail.
// - Get returns ErrNotFound for a missing entry and any other error for an
// I/O failure.
// - Get after Put returns exactly the bytes that were put.
type Cache interface {
	Exists(ctx context.Context, fingerprint string) bool
	Get(ctx context.Context, fingerprint string) (ArtifactSet, error)
	Put(ctx context.Context, fingerprint string, set ArtifactSet) error
}

// IsNotFound reports whether err means the entry is missing rather than unreadable.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
