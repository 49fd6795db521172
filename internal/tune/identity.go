package tune

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/maxdollinger/tunefs/pkg/ext2fs"
)

// UUIDSource generates new volume UUIDs.
type UUIDSource interface {
	NewTime() (uuid.UUID, error)
	NewRandom() (uuid.UUID, error)
}

type systemUUIDs struct{}

func (systemUUIDs) NewTime() (uuid.UUID, error) {
	return uuid.NewV7()
}

func (systemUUIDs) NewRandom() (uuid.UUID, error) {
	return uuid.NewRandom()
}

type identityKind int

const (
	identityNull identityKind = iota
	identityTime
	identityRandom
	identityLiteral
)

type identity struct {
	kind    identityKind
	literal uuid.UUID
}

// parseIdentity accepts "null", "time", "random" (case-insensitive) or a
// UUID in its 36 character text form.
func parseIdentity(s string) (identity, error) {
	switch strings.ToLower(s) {
	case "null", "clear":
		return identity{kind: identityNull}, nil
	case "time":
		return identity{kind: identityTime}, nil
	case "random":
		return identity{kind: identityRandom}, nil
	}

	if len(s) != 36 {
		return identity{}, fmt.Errorf("%w: %q", ErrInvalidIdentityFormat, s)
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return identity{}, fmt.Errorf("%w: %q", ErrInvalidIdentityFormat, s)
	}
	return identity{kind: identityLiteral, literal: id}, nil
}

func (id identity) resolve(src UUIDSource) (uuid.UUID, error) {
	switch id.kind {
	case identityTime:
		return src.NewTime()
	case identityRandom:
		return src.NewRandom()
	case identityLiteral:
		return id.literal, nil
	default:
		return uuid.Nil, nil
	}
}

// setIdentity stores a new UUID. Metadata checksums are seeded from the
// UUID, so on metadata_csum volumes the current seed is pinned in the
// superblock first. uninit_bg descriptor checksums cover the UUID and have
// to be rewritten.
func setIdentity(sb *ext2fs.Superblock, id uuid.UUID, scope *Scope) {
	switch {
	case sb.HasMetadataChecksums():
		if sb.FeatureIncompat&ext2fs.IncompatCsumSeed == 0 {
			sb.ChecksumSeed = sb.CurrentChecksumSeed()
			sb.FeatureIncompat |= ext2fs.IncompatCsumSeed
		}
	case sb.FeatureROCompat&ext2fs.ROCompatGDTCsum != 0:
		scope.IncludeDescriptors()
	}

	sb.UUID = [16]byte(id)
}
