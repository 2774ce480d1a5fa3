package cell

import (
	"testing"

	"github.com/google/uuid"
)

var testWorld = uuid.MustParse("3f1c2a7e-9b8d-4c6e-a1f2-0d9e8c7b6a51")

func TestFingerprint_Deterministic(t *testing.T) {
	a := Fingerprint(testWorld, 10, 64, -3)
	b := Fingerprint(testWorld, 10, 64, -3)
	if a != b {
		t.Fatalf("fingerprint not deterministic: %x vs %x", a, b)
	}
	if got := New(testWorld, 10, 64, -3).Fingerprint(); got != a {
		t.Fatalf("Cell.Fingerprint=%x want=%x", got, a)
	}
}

func TestFingerprint_KnownValue(t *testing.T) {
	// Zero world and origin: five folds of zero.
	h := fnvOffsetBasis
	for i := 0; i < 5; i++ {
		h *= fnvPrime
	}
	if got := Fingerprint(uuid.Nil, 0, 0, 0); got != h {
		t.Fatalf("Fingerprint(nil,0,0,0)=%x want=%x", got, h)
	}

	// A negative coordinate folds in sign-extended.
	want := fnvOffsetBasis
	want *= fnvPrime
	want *= fnvPrime
	want ^= 0xffffffffffffffff
	want *= fnvPrime
	want *= fnvPrime
	want *= fnvPrime
	if got := Fingerprint(uuid.Nil, -1, 0, 0); got != want {
		t.Fatalf("Fingerprint(nil,-1,0,0)=%x want=%x", got, want)
	}
}

func TestFingerprint_EachComponentMatters(t *testing.T) {
	other := uuid.MustParse("3f1c2a7e-9b8d-4c6e-a1f2-0d9e8c7b6a52")
	base := Fingerprint(testWorld, 1, 2, 3)
	variants := map[string]uint64{
		"world": Fingerprint(other, 1, 2, 3),
		"x":     Fingerprint(testWorld, 2, 2, 3),
		"y":     Fingerprint(testWorld, 1, 3, 3),
		"z":     Fingerprint(testWorld, 1, 2, 4),
		"swap":  Fingerprint(testWorld, 3, 2, 1),
	}
	for name, v := range variants {
		if v == base {
			t.Fatalf("changing %s did not change the fingerprint", name)
		}
	}
}

// Every fold step is a bijection on uint64, so two cells that differ in exactly
// one component never share a fingerprint. Cells differing in several
// components may collide; the tracker tolerates that.
func TestFingerprint_SingleComponentChangesNeverCollide(t *testing.T) {
	base := [3]int{5, 64, -7}
	for axis := 0; axis < 3; axis++ {
		seen := make(map[uint64]int, 4096)
		for v := -2048; v < 2048; v++ {
			p := base
			p[axis] = v
			fp := Fingerprint(testWorld, p[0], p[1], p[2])
			if prev, ok := seen[fp]; ok {
				t.Fatalf("axis %d: values %d and %d share fingerprint %x", axis, prev, v, fp)
			}
			seen[fp] = v
		}
	}

	// Vary the high half of the world id, then the low half.
	for _, at := range []int{0, 8} {
		seen := make(map[uint64]int, 1024)
		for i := 0; i < 1024; i++ {
			w := testWorld
			w[at+6] ^= byte(i >> 8)
			w[at+7] ^= byte(i)
			fp := Fingerprint(w, base[0], base[1], base[2])
			if prev, ok := seen[fp]; ok {
				t.Fatalf("world byte %d: variants %d and %d share fingerprint %x", at, prev, i, fp)
			}
			seen[fp] = i
		}
	}
}

func TestParseVec3(t *testing.T) {
	v, err := ParseVec3(" 1, -2 ,3")
	if err != nil {
		t.Fatalf("ParseVec3: %v", err)
	}
	if v != [3]int{1, -2, 3} {
		t.Fatalf("ParseVec3=%v", v)
	}
	if _, err := ParseVec3("1,2"); err == nil {
		t.Fatalf("expected error for short vector")
	}
	if _, err := ParseVec3("1,b,3"); err == nil {
		t.Fatalf("expected error for non-numeric component")
	}
}
