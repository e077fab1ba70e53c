package combat

import (
	"context"
	"testing"
	"time"

	"github.com/openvtt/backend/internal/battlemap"
	"github.com/openvtt/backend/internal/eventbus"
	"github.com/openvtt/backend/internal/statestore"
	"github.com/openvtt/backend/internal/syncengine"
)

type fixture struct {
	engine  *syncengine.Engine
	bus     *eventbus.Bus
	tokens  map[string]battlemap.Token
	machine *Machine
}

func newFixture(t *testing.T, tokens map[string]battlemap.Token) *fixture {
	t.Helper()
	store := statestore.New(context.Background())
	t.Cleanup(store.Close)
	engine := syncengine.New(store, "s1", "conn1")
	t.Cleanup(engine.Dispose)

	f := &fixture{engine: engine, bus: eventbus.New(), tokens: tokens}
	m, err := New(engine, f.bus, func() map[string]battlemap.Token { return f.tokens })
	if err != nil {
		t.Fatalf("new machine: %v", err)
	}
	f.machine = m
	return f
}

func (f *fixture) stored(t *testing.T) State {
	t.Helper()
	var st State
	if ok, err := f.engine.Read("battleMap/combat", &st); err != nil {
		t.Fatalf("read combat: %v", err)
	} else if !ok {
		return State{}
	}
	return st
}

func tok(id string, initiative, hp int) battlemap.Token {
	return battlemap.Token{ID: id, Name: id, Initiative: initiative, HP: hp, MaxHP: 20}
}

func TestStartCombat_PicksMaxInitiative(t *testing.T) {
	f := newFixture(t, map[string]battlemap.Token{
		"a": tok("a", 12, 10),
		"b": tok("b", 18, 10),
		"c": tok("c", 5, 10),
	})

	if err := f.machine.StartCombat(); err != nil {
		t.Fatalf("start: %v", err)
	}

	st := f.stored(t)
	if !st.Active || st.CurrentTurn != "b" || st.Round != 1 {
		t.Fatalf("state after start: %+v", st)
	}
}

func TestStartCombat_RequiresTokens(t *testing.T) {
	f := newFixture(t, map[string]battlemap.Token{})

	if err := f.machine.StartCombat(); err != ErrNoTokens {
		t.Fatalf("start with no tokens: %v, want ErrNoTokens", err)
	}
}

func TestNextTurn_FullCycleIncrementsRoundOnce(t *testing.T) {
	tokens := map[string]battlemap.Token{
		"a": tok("a", 12, 10),
		"b": tok("b", 18, 10),
		"c": tok("c", 5, 10),
	}
	f := newFixture(t, tokens)

	if err := f.machine.StartCombat(); err != nil {
		t.Fatalf("start: %v", err)
	}
	start := f.stored(t).CurrentTurn

	for i := 0; i < len(tokens); i++ {
		if err := f.machine.NextTurn(); err != nil {
			t.Fatalf("next %d: %v", i, err)
		}
	}

	st := f.stored(t)
	if st.CurrentTurn != start {
		t.Fatalf("after full cycle turn = %q, want %q", st.CurrentTurn, start)
	}
	if st.Round != 2 {
		t.Fatalf("round = %d, want 2", st.Round)
	}
}

func TestTurnOrder_TieBreakIsDeterministic(t *testing.T) {
	tokens := map[string]battlemap.Token{
		"t2": tok("t2", 15, 8),
		"t1": tok("t1", 15, 10),
	}

	for i := 0; i < 10; i++ {
		order := TurnOrder(tokens)
		if order[0].ID != "t1" || order[1].ID != "t2" {
			t.Fatalf("tie broke nondeterministically: %q before %q", order[0].ID, order[1].ID)
		}
	}

	f := newFixture(t, tokens)
	if err := f.machine.StartCombat(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if st := f.stored(t); st.CurrentTurn != "t1" {
		t.Fatalf("tie start turn = %q, want t1", st.CurrentTurn)
	}
}

func TestPreviousTurn_NeverDecrementsRound(t *testing.T) {
	f := newFixture(t, map[string]battlemap.Token{
		"a": tok("a", 12, 10),
		"b": tok("b", 18, 10),
	})

	_ = f.machine.StartCombat()
	_ = f.machine.NextTurn()
	_ = f.machine.NextTurn() // wrap: round 2
	if st := f.stored(t); st.Round != 2 {
		t.Fatalf("round = %d, want 2", st.Round)
	}

	if err := f.machine.PreviousTurn(); err != nil {
		t.Fatalf("previous: %v", err)
	}
	st := f.stored(t)
	if st.Round != 2 {
		t.Fatalf("previous decremented round to %d", st.Round)
	}
	if st.CurrentTurn != "a" {
		t.Fatalf("previous turn = %q, want a", st.CurrentTurn)
	}
}

func TestAdvance_NoOpWhileIdle(t *testing.T) {
	f := newFixture(t, map[string]battlemap.Token{"a": tok("a", 12, 10)})

	if err := f.machine.NextTurn(); err != nil {
		t.Fatalf("next while idle: %v", err)
	}
	if st := f.stored(t); st.Active {
		t.Fatalf("idle advance activated combat: %+v", st)
	}
	if err := f.machine.PreviousTurn(); err != nil {
		t.Fatalf("previous while idle: %v", err)
	}
}

func TestNextTurn_RepairsStaleCurrentOnAdvance(t *testing.T) {
	f := newFixture(t, map[string]battlemap.Token{
		"a": tok("a", 12, 10),
		"b": tok("b", 18, 10),
		"c": tok("c", 5, 10),
	})

	_ = f.machine.StartCombat() // current: b

	// The token holding the turn is deleted; the state is stale until the
	// next explicit advance.
	delete(f.tokens, "b")
	if st := f.stored(t); st.CurrentTurn != "b" {
		t.Fatalf("stale state repaired early: %+v", st)
	}

	if err := f.machine.NextTurn(); err != nil {
		t.Fatalf("next: %v", err)
	}
	st := f.stored(t)
	if st.CurrentTurn != "a" {
		t.Fatalf("after repair turn = %q, want a (top of order)", st.CurrentTurn)
	}
	if st.Round != 1 {
		t.Fatalf("repair bumped round: %d", st.Round)
	}
}

func TestPreviousTurn_RepairsStaleCurrentToTop(t *testing.T) {
	f := newFixture(t, map[string]battlemap.Token{
		"a": tok("a", 12, 10),
		"b": tok("b", 18, 10),
		"c": tok("c", 5, 10),
	})

	_ = f.machine.StartCombat() // current: b
	delete(f.tokens, "b")

	// Stepping backward from a deleted token lands on the top of the
	// order, same as stepping forward.
	if err := f.machine.PreviousTurn(); err != nil {
		t.Fatalf("previous: %v", err)
	}
	st := f.stored(t)
	if st.CurrentTurn != "a" {
		t.Fatalf("after repair turn = %q, want a (top of order)", st.CurrentTurn)
	}
	if st.Round != 1 {
		t.Fatalf("round changed on repair: %d", st.Round)
	}
}

func TestNextTurn_OrderShiftsWithLiveTokenSet(t *testing.T) {
	f := newFixture(t, map[string]battlemap.Token{
		"a": tok("a", 12, 10),
		"b": tok("b", 18, 10),
	})

	_ = f.machine.StartCombat() // current: b

	// A new combatant with top initiative joins mid-combat.
	f.tokens["z"] = tok("z", 20, 10)

	_ = f.machine.NextTurn()
	// Order is now z(20), b(18), a(12); advancing from b lands on a.
	if st := f.stored(t); st.CurrentTurn != "a" {
		t.Fatalf("turn = %q, want a", st.CurrentTurn)
	}
}

func TestEndCombat_ResetsState(t *testing.T) {
	f := newFixture(t, map[string]battlemap.Token{"a": tok("a", 12, 10)})

	_ = f.machine.StartCombat()
	if err := f.machine.EndCombat(); err != nil {
		t.Fatalf("end: %v", err)
	}

	st := f.stored(t)
	if st.Active || st.CurrentTurn != "" || st.Round != 0 {
		t.Fatalf("state after end: %+v", st)
	}
}

func TestMachine_MirrorsAndPublishesState(t *testing.T) {
	f := newFixture(t, map[string]battlemap.Token{"a": tok("a", 12, 10)})

	events := make(chan State, 8)
	f.bus.Subscribe(eventbus.TopicCombatChanged, func(p any) {
		if st, ok := p.(State); ok {
			events <- st
		}
	})

	_ = f.machine.StartCombat()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case st := <-events:
			if st.Active && st.CurrentTurn == "a" {
				if got := f.machine.State(); !got.Active {
					t.Fatalf("mirror lagging event: %+v", got)
				}
				return
			}
		case <-deadline:
			t.Fatalf("no combat-changed event observed")
		}
	}
}
