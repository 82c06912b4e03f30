// Package tier holds the storage-tier cost and time model used to price restores.
package tier

import (
	"fmt"
	"strings"
)

// StorageTier classifies where an asset's bytes physically live.
type StorageTier string

const (
	Hot         StorageTier = "HOT"
	Warm        StorageTier = "WARM"
	Cold        StorageTier = "COLD"
	Glacier     StorageTier = "GLACIER"
	DeepArchive StorageTier = "DEEP_ARCHIVE"
)

// StorageTiers lists every storage tier ordered by increasing retrieval latency.
var StorageTiers = []StorageTier{Hot, Warm, Cold, Glacier, DeepArchive}

// String returns the string representation of a StorageTier
func (t StorageTier) String() string {
	return string(t)
}

// Valid reports whether t is a recognized storage tier.
func (t StorageTier) Valid() bool {
	return t.Rank() >= 0
}

// Rank returns the tier's position in latency order, or -1 if unknown.
func (t StorageTier) Rank() int {
	for i, st := range StorageTiers {
		if st == t {
			return i
		}
	}
	return -1
}

// RequiresRestore reports whether reads need an explicit restore first.
func (t StorageTier) RequiresRestore() bool {
	switch t {
	case Cold, Glacier, DeepArchive:
		return true
	default:
		return false
	}
}

// ParseStorageTier parses a storage tier name (case-insensitive, "-" accepted for "_").
func ParseStorageTier(s string) (StorageTier, error) {
	t := StorageTier(strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(s)), "-", "_"))
	if !t.Valid() {
		return "", fmt.Errorf("unknown storage tier %q", s)
	}
	return t, nil
}

// Speed is the restoration tier: how urgently an asset is moved out of a cold tier.
type Speed string

const (
	Expedited Speed = "expedited"
	Standard  Speed = "standard"
	Bulk      Speed = "bulk"
)

// Speeds lists restoration speeds from most to least expensive.
var Speeds = []Speed{Expedited, Standard, Bulk}

func (s Speed) String() string {
	return string(s)
}

// Valid reports whether s is a recognized restoration speed.
func (s Speed) Valid() bool {
	switch s {
	case Expedited, Standard, Bulk:
		return true
	default:
		return false
	}
}

// ParseSpeed parses a restoration speed name (case-insensitive).
func ParseSpeed(s string) (Speed, error) {
	sp := Speed(strings.ToLower(strings.TrimSpace(s)))
	if !sp.Valid() {
		return "", fmt.Errorf("unknown restoration tier %q (want expedited, standard or bulk)", s)
	}
	return sp, nil
}
