// Package pushid generates chronologically ordered ids for collection
// children: 8 characters of millisecond timestamp followed by 12 random
// characters. The alphabet is ASCII-ordered, so ids of the fixed 20-char
// length compare lexically in creation order.
package pushid

import (
	"math/rand"
	"sync"
	"time"
)

const alphabet = "-0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ_abcdefghijklmnopqrstuvwxyz"

const (
	timestampChars = 8
	randomChars    = 12
	// Length of every generated id.
	Length = timestampChars + randomChars
)

type Generator struct {
	mu   sync.Mutex
	now  func() time.Time
	rng  *rand.Rand
	last int64
	tail [randomChars]int
}

func NewGenerator() *Generator {
	return NewGeneratorWith(time.Now, rand.NewSource(time.Now().UnixNano()))
}

// NewGeneratorWith injects the clock and randomness, for tests.
func NewGeneratorWith(now func() time.Time, src rand.Source) *Generator {
	return &Generator{now: now, rng: rand.New(src)}
}

// Next returns a fresh id. Ids generated within the same millisecond get an
// incremented random tail so they still sort in generation order.
func (g *Generator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.now().UnixMilli()
	if ms == g.last {
		for i := randomChars - 1; i >= 0; i-- {
			if g.tail[i] < len(alphabet)-1 {
				g.tail[i]++
				break
			}
			g.tail[i] = 0
		}
	} else {
		for i := range g.tail {
			g.tail[i] = g.rng.Intn(len(alphabet))
		}
	}
	g.last = ms

	var b [Length]byte
	t := ms
	for i := timestampChars - 1; i >= 0; i-- {
		b[i] = alphabet[t%int64(len(alphabet))]
		t /= int64(len(alphabet))
	}
	for i, r := range g.tail {
		b[timestampChars+i] = alphabet[r]
	}
	return string(b[:])
}
