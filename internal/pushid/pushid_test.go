package pushid

import (
	"math/rand"
	"sort"
	"testing"
	"time"
)

func TestNext_UniqueAndOrdered(t *testing.T) {
	g := NewGenerator()

	const n = 2000
	ids := make([]string, 0, n)
	seen := make(map[string]bool, n)
	for i := 0; i < n; i++ {
		id := g.Next()
		if len(id) != Length {
			t.Fatalf("id %q has length %d, want %d", id, len(id), Length)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
		ids = append(ids, id)
	}

	if !sort.StringsAreSorted(ids) {
		t.Fatalf("ids are not in generation order")
	}
}

func TestNext_OrderedAcrossMilliseconds(t *testing.T) {
	clock := time.UnixMilli(1700000000000)
	g := NewGeneratorWith(func() time.Time { return clock }, rand.NewSource(1))

	a := g.Next()
	clock = clock.Add(5 * time.Millisecond)
	b := g.Next()

	if !(a < b) {
		t.Fatalf("later id %q does not sort after earlier id %q", b, a)
	}
}
