// Package combat implements the turn-order state machine over the shared
// battleMap/combat path. Turn order is derived from token initiative on
// every transition, so adding, removing, or re-rolling tokens mid-combat
// shifts the order on the next advance. A deleted token that holds the turn
// leaves the state stale until that next advance; there is no automatic
// repair.
package combat

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/openvtt/backend/internal/battlemap"
	"github.com/openvtt/backend/internal/eventbus"
	"github.com/openvtt/backend/internal/syncengine"
)

var ErrNoTokens = errors.New("combat: at least one token is required")

const combatPath = "battleMap/combat"

// State is the shared combat record. Round is meaningful only while active.
type State struct {
	Active      bool   `json:"active"`
	CurrentTurn string `json:"currentTurn,omitempty"`
	Round       int    `json:"round"`
}

// Machine drives combat transitions for one participant and mirrors the
// synced state for display.
type Machine struct {
	engine *syncengine.Engine
	bus    *eventbus.Bus
	tokens func() map[string]battlemap.Token

	mu    sync.Mutex
	state State
}

// New subscribes to the combat path. tokens supplies the live token set the
// turn order is recomputed from.
func New(engine *syncengine.Engine, bus *eventbus.Bus, tokens func() map[string]battlemap.Token) (*Machine, error) {
	m := &Machine{engine: engine, bus: bus, tokens: tokens}
	if _, err := engine.Subscribe(combatPath, m.onState); err != nil {
		return nil, fmt.Errorf("combat subscribe: %w", err)
	}
	return m, nil
}

func (m *Machine) onState(raw json.RawMessage) {
	var st State
	if raw != nil {
		_ = json.Unmarshal(raw, &st)
	}
	m.mu.Lock()
	m.state = st
	m.mu.Unlock()

	m.bus.Publish(eventbus.TopicCombatChanged, st)
}

// State returns the last synced combat state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// TurnOrder sorts tokens descending by initiative. Ties break by ascending
// token id, which equals creation order for generated ids of equal length;
// the order is deterministic for any fixed snapshot.
func TurnOrder(tokens map[string]battlemap.Token) []battlemap.Token {
	order := make([]battlemap.Token, 0, len(tokens))
	for id, tok := range tokens {
		tok.ID = id
		order = append(order, tok)
	}
	sort.Slice(order, func(i, j int) bool {
		if order[i].Initiative != order[j].Initiative {
			return order[i].Initiative > order[j].Initiative
		}
		return order[i].ID < order[j].ID
	})
	return order
}

// StartCombat requires at least one token, computes the turn order, and
// activates round 1 with the highest-initiative token.
func (m *Machine) StartCombat() error {
	order := TurnOrder(m.tokens())
	if len(order) == 0 {
		return ErrNoTokens
	}
	return m.engine.Write(combatPath, State{
		Active:      true,
		CurrentTurn: order[0].ID,
		Round:       1,
	})
}

// NextTurn advances to the next token in the order recomputed from the
// current token set. The round increments exactly when wrapping from the
// last token to the first. No-op while idle.
func (m *Machine) NextTurn() error {
	return m.advance(+1)
}

// PreviousTurn steps backward through the same order. The round is never
// decremented; the asymmetry is deliberate.
func (m *Machine) PreviousTurn() error {
	return m.advance(-1)
}

func (m *Machine) advance(dir int) error {
	return m.engine.AtomicUpdate(combatPath, func(current json.RawMessage) (any, error) {
		var st State
		if current != nil {
			if err := json.Unmarshal(current, &st); err != nil {
				return nil, err
			}
		}
		if !st.Active {
			return st, nil
		}
		order := TurnOrder(m.tokens())
		if len(order) == 0 {
			return st, nil
		}

		// A deleted current token repairs to the top of the order on the
		// next step, in either direction.
		idx := -1
		for i, tok := range order {
			if tok.ID == st.CurrentTurn {
				idx = i
				break
			}
		}
		next := 0
		if idx >= 0 {
			next = (idx + dir + len(order)) % len(order)
			if dir > 0 && idx == len(order)-1 {
				st.Round++
			}
		}
		st.CurrentTurn = order[next].ID
		return st, nil
	})
}

// EndCombat resets to idle and clears the current turn.
func (m *Machine) EndCombat() error {
	return m.engine.Write(combatPath, State{Active: false, Round: 0})
}
