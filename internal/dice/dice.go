// Package dice implements dice-roll arithmetic for the session log and the
// initiative tracker. Rolling is pure apart from the injected randomness.
package dice

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"
)

// ErrInvalidSides indicates a die with a non-positive number of sides.
var ErrInvalidSides = errors.New("dice: sides must be positive")

// ErrInvalidCount indicates a non-positive dice count.
var ErrInvalidCount = errors.New("dice: count must be positive")

// Result captures the outcome of rolling count dice of the given sides plus
// a flat modifier.
type Result struct {
	Sides    int   `json:"sides"`
	Count    int   `json:"count"`
	Modifier int   `json:"modifier"`
	Rolls    []int `json:"rolls"`
	Total    int   `json:"total"`
}

// Notation renders the roll in the usual "2d6+3" form.
func (r Result) Notation() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%dd%d", r.Count, r.Sides)
	if r.Modifier > 0 {
		fmt.Fprintf(&b, "+%d", r.Modifier)
	} else if r.Modifier < 0 {
		fmt.Fprintf(&b, "%d", r.Modifier)
	}
	return b.String()
}

// Record is a Result attributed to a roller, as echoed to the session log.
type Record struct {
	Result
	Roller   string `json:"roller"`
	RolledAt int64  `json:"rolledAt"`
}

type Roller struct {
	rng *rand.Rand
}

func NewRoller() *Roller {
	return NewRollerWith(rand.NewSource(time.Now().UnixNano()))
}

// NewRollerWith injects the randomness source, for tests.
func NewRollerWith(src rand.Source) *Roller {
	return &Roller{rng: rand.New(src)}
}

func (r *Roller) Roll(sides, count, modifier int) (Result, error) {
	if sides <= 0 {
		return Result{}, ErrInvalidSides
	}
	if count <= 0 {
		return Result{}, ErrInvalidCount
	}
	res := Result{Sides: sides, Count: count, Modifier: modifier, Total: modifier}
	for i := 0; i < count; i++ {
		roll := r.rng.Intn(sides) + 1
		res.Rolls = append(res.Rolls, roll)
		res.Total += roll
	}
	return res, nil
}

// D20 rolls a single twenty-sided die, the initiative die.
func (r *Roller) D20() int {
	return r.rng.Intn(20) + 1
}
