// Package cell identifies grid cells and collapses them into 64-bit fingerprints.
package cell

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const (
	fnvOffsetBasis uint64 = 0xcbf29ce484222325
	fnvPrime       uint64 = 0x100000001b3
)

// Cell is a unit location in a world.
type Cell struct {
	World uuid.UUID `json:"world"`
	X     int       `json:"x"`
	Y     int       `json:"y"`
	Z     int       `json:"z"`
}

func New(world uuid.UUID, x, y, z int) Cell {
	return Cell{World: world, X: x, Y: y, Z: z}
}

func (c Cell) Fingerprint() uint64 {
	return Fingerprint(c.World, c.X, c.Y, c.Z)
}

func (c Cell) Pos() [3]int { return [3]int{c.X, c.Y, c.Z} }

func (c Cell) String() string {
	return fmt.Sprintf("%s@%d,%d,%d", c.World, c.X, c.Y, c.Z)
}

// Fingerprint folds the world id (high half, then low half) and x, y, z into an
// FNV-1a 64 hash. The fold order is fixed; changing it changes every fingerprint.
// Coordinates are sign-extended before folding.
func Fingerprint(world uuid.UUID, x, y, z int) uint64 {
	h := fnvOffsetBasis
	h = fold(h, binary.BigEndian.Uint64(world[0:8]))
	h = fold(h, binary.BigEndian.Uint64(world[8:16]))
	h = fold(h, uint64(int64(x)))
	h = fold(h, uint64(int64(y)))
	h = fold(h, uint64(int64(z)))
	return h
}

func fold(h, v uint64) uint64 {
	h ^= v
	h *= fnvPrime
	return h
}

// ParseVec3 parses "x,y,z".
func ParseVec3(s string) ([3]int, error) {
	var v [3]int
	parts := strings.Split(strings.TrimSpace(s), ",")
	if len(parts) != 3 {
		return v, fmt.Errorf("expected x,y,z")
	}
	for i := 0; i < 3; i++ {
		n, err := strconv.Atoi(strings.TrimSpace(parts[i]))
		if err != nil {
			return v, err
		}
		v[i] = n
	}
	return v, nil
}

// FormatFingerprint renders a fingerprint the way it appears in logs and HTTP responses.
func FormatFingerprint(fp uint64) string {
	return fmt.Sprintf("%016x", fp)
}
