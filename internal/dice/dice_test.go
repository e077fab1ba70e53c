package dice

import (
	"math/rand"
	"testing"
)

func TestRoll_BoundsAndTotal(t *testing.T) {
	r := NewRollerWith(rand.NewSource(1))

	for i := 0; i < 200; i++ {
		res, err := r.Roll(6, 3, 2)
		if err != nil {
			t.Fatalf("roll: %v", err)
		}
		sum := res.Modifier
		for _, roll := range res.Rolls {
			if roll < 1 || roll > 6 {
				t.Fatalf("roll %d out of [1,6]", roll)
			}
			sum += roll
		}
		if sum != res.Total {
			t.Fatalf("total %d != sum %d", res.Total, sum)
		}
		if len(res.Rolls) != 3 {
			t.Fatalf("rolled %d dice, want 3", len(res.Rolls))
		}
	}
}

func TestRoll_RejectsInvalidArguments(t *testing.T) {
	r := NewRollerWith(rand.NewSource(1))

	cases := []struct {
		name    string
		sides   int
		count   int
		wantErr error
	}{
		{name: "zero sides", sides: 0, count: 1, wantErr: ErrInvalidSides},
		{name: "negative sides", sides: -4, count: 1, wantErr: ErrInvalidSides},
		{name: "zero count", sides: 6, count: 0, wantErr: ErrInvalidCount},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := r.Roll(tc.sides, tc.count, 0); err != tc.wantErr {
				t.Fatalf("got %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestD20_InRange(t *testing.T) {
	r := NewRollerWith(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		if n := r.D20(); n < 1 || n > 20 {
			t.Fatalf("d20 = %d", n)
		}
	}
}

func TestNotation(t *testing.T) {
	cases := []struct {
		res  Result
		want string
	}{
		{Result{Sides: 6, Count: 2, Modifier: 3}, "2d6+3"},
		{Result{Sides: 20, Count: 1, Modifier: 0}, "1d20"},
		{Result{Sides: 8, Count: 4, Modifier: -2}, "4d8-2"},
	}
	for _, tc := range cases {
		if got := tc.res.Notation(); got != tc.want {
			t.Fatalf("notation = %q, want %q", got, tc.want)
		}
	}
}
