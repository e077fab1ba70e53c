// Package battlemap implements the token mutation protocol: creating,
// editing, duplicating and deleting battle-map tokens, initiative rolls,
// grid settings, and the optimistic drag gesture. Authorization is a
// client-side convention (referee or token owner), checked before any store
// call and not mirrored server-side.
package battlemap

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/openvtt/backend/internal/dice"
	"github.com/openvtt/backend/internal/eventbus"
	"github.com/openvtt/backend/internal/pushid"
	"github.com/openvtt/backend/internal/syncengine"
)

var ErrNotAuthorized = errors.New("battlemap: not authorized to modify token")
var ErrNoSuchToken = errors.New("battlemap: no such token")
var ErrNotDragging = errors.New("battlemap: no drag in progress")
var ErrDragInProgress = errors.New("battlemap: drag already in progress")
var ErrInvalidGridSize = errors.New("battlemap: grid size must be positive")

const (
	tokensPath    = "battleMap/tokens"
	gridSizePath  = "battleMap/gridSize"
	showGridPath  = "battleMap/showGrid"
	bgPath        = "battleMap/background"
	diceRollsPath = "battleMap/diceRolls"
)

// Default map extent used when placing freshly created tokens.
const (
	mapWidth  = 800
	mapHeight = 600
)

type drag struct {
	tokenID string
	x, y    float64
}

// Service is the per-participant view of the battle map: a mirror of the
// synced token collection plus the uncommitted drag overlay.
type Service struct {
	engine   *syncengine.Engine
	bus      *eventbus.Bus
	roller   *dice.Roller
	gen      *pushid.Generator
	rng      *rand.Rand
	userID   string
	userName string
	referee  bool

	mu       sync.Mutex
	tokens   map[string]Token
	gridSize int
	showGrid bool
	drag     *drag
}

func New(engine *syncengine.Engine, bus *eventbus.Bus, roller *dice.Roller, userID, userName string, referee bool) (*Service, error) {
	s := &Service{
		engine:   engine,
		bus:      bus,
		roller:   roller,
		gen:      pushid.NewGenerator(),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		userID:   userID,
		userName: userName,
		referee:  referee,
		tokens:   make(map[string]Token),
		gridSize: 50,
		showGrid: true,
	}

	if _, err := engine.Subscribe(tokensPath, s.onTokens); err != nil {
		return nil, fmt.Errorf("battlemap tokens subscribe: %w", err)
	}
	if _, err := engine.Subscribe(gridSizePath, s.onGridSize); err != nil {
		return nil, fmt.Errorf("battlemap grid subscribe: %w", err)
	}
	if _, err := engine.Subscribe(showGridPath, s.onShowGrid); err != nil {
		return nil, fmt.Errorf("battlemap grid subscribe: %w", err)
	}
	return s, nil
}

func (s *Service) onTokens(raw json.RawMessage) {
	tokens := make(map[string]Token)
	if raw != nil {
		// A malformed collection is treated as absent; every consumer must
		// tolerate an undefined value for an id it believes exists.
		_ = json.Unmarshal(raw, &tokens)
	}
	for id, tok := range tokens {
		tok.ID = id
		tokens[id] = tok
	}

	s.mu.Lock()
	s.tokens = tokens
	s.mu.Unlock()

	s.bus.Publish(eventbus.TopicTokenChanged, s.Tokens())
}

func (s *Service) onGridSize(raw json.RawMessage) {
	var size int
	if raw == nil || json.Unmarshal(raw, &size) != nil || size <= 0 {
		size = 50
	}
	s.mu.Lock()
	s.gridSize = size
	s.mu.Unlock()
}

func (s *Service) onShowGrid(raw json.RawMessage) {
	show := true
	if raw != nil {
		_ = json.Unmarshal(raw, &show)
	}
	s.mu.Lock()
	s.showGrid = show
	s.mu.Unlock()
}

// Tokens returns the synced token collection with the drag overlay applied.
func (s *Service) Tokens() map[string]Token {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]Token, len(s.tokens))
	for id, tok := range s.tokens {
		if s.drag != nil && s.drag.tokenID == id {
			tok.X, tok.Y = s.drag.x, s.drag.y
		}
		out[id] = tok
	}
	return out
}

func (s *Service) Token(id string) (Token, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[id]
	if ok && s.drag != nil && s.drag.tokenID == id {
		tok.X, tok.Y = s.drag.x, s.drag.y
	}
	return tok, ok
}

func (s *Service) GridSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gridSize
}

func (s *Service) ShowGrid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.showGrid
}

// CreateToken places a new token on a random grid cell with default stats
// and a rolled initiative. Any participant may create tokens.
func (s *Service) CreateToken(name string) (Token, error) {
	s.mu.Lock()
	grid := s.gridSize
	s.mu.Unlock()

	// A grid coarser than the map still leaves one cell to land on.
	cols := max(1, mapWidth/grid)
	rows := max(1, mapHeight/grid)

	half := float64(grid) / 2
	tok := Token{
		ID:         s.gen.Next(),
		Name:       name,
		X:          float64(s.rng.Intn(cols)*grid) + half,
		Y:          float64(s.rng.Intn(rows)*grid) + half,
		Size:       1,
		Color:      fmt.Sprintf("hsl(%d, 70%%, 50%%)", s.rng.Intn(360)),
		HP:         10,
		MaxHP:      10,
		AC:         10,
		Initiative: s.roller.D20(),
		Owner:      s.userID,
		OwnerName:  s.userName,
	}
	if err := s.engine.Write(tokensPath+"/"+tok.ID, tok); err != nil {
		return Token{}, err
	}
	return tok, nil
}

// UpdateToken shallow-merges the named fields into a token. If the id no
// longer exists the merge recreates fields under it; that stale-edit race
// is tolerated by design.
func (s *Service) UpdateToken(id string, fields map[string]any) error {
	if err := s.authorize(id); err != nil {
		return err
	}
	return s.engine.Merge(tokensPath+"/"+id, fields)
}

// DeleteToken removes a token. Removing an already-deleted token is a
// no-op. If the token holds the combat turn the combat state goes stale
// until the next explicit turn advance.
func (s *Service) DeleteToken(id string) error {
	if err := s.authorize(id); err != nil {
		return err
	}
	return s.engine.Remove(tokensPath + "/" + id)
}

// DuplicateToken creates a copy of an existing token under a fresh id,
// offset by half a grid cell. The copy keeps the source token's owner.
func (s *Service) DuplicateToken(id string) (Token, error) {
	s.mu.Lock()
	tok, ok := s.tokens[id]
	grid := s.gridSize
	s.mu.Unlock()
	if !ok {
		return Token{}, ErrNoSuchToken
	}

	tok.ID = s.gen.Next()
	tok.Name += " (copy)"
	tok.X += float64(grid) / 2
	tok.Y += float64(grid) / 2
	if err := s.engine.Write(tokensPath+"/"+tok.ID, tok); err != nil {
		return Token{}, err
	}
	return tok, nil
}

// AdjustHP sets a token's hit points, clamped to [0, maxHp]. Adjusting an
// id that no longer exists is a silent no-op.
func (s *Service) AdjustHP(id string, newHP int) error {
	s.mu.Lock()
	tok, ok := s.tokens[id]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	if !s.canMutate(tok) {
		return ErrNotAuthorized
	}
	return s.engine.Merge(tokensPath+"/"+id, map[string]any{"hp": clampHP(newHP, tok.MaxHP)})
}

func (s *Service) SetConditions(id string, tags []string) error {
	if err := s.authorize(id); err != nil {
		return err
	}
	if tags == nil {
		tags = []string{}
	}
	return s.engine.Merge(tokensPath+"/"+id, map[string]any{"conditions": tags})
}

// RollInitiative rolls d20 plus the token's bonus and stores the result.
func (s *Service) RollInitiative(id string) (int, error) {
	s.mu.Lock()
	tok, ok := s.tokens[id]
	s.mu.Unlock()
	if !ok {
		return 0, ErrNoSuchToken
	}
	if !s.canMutate(tok) {
		return 0, ErrNotAuthorized
	}
	initiative := s.roller.D20() + tok.InitiativeBonus
	if err := s.engine.Merge(tokensPath+"/"+id, map[string]any{"initiative": initiative}); err != nil {
		return 0, err
	}
	return initiative, nil
}

// RollInitiativeForAll rerolls initiative for every token on the map.
// Referee only: it touches tokens of every owner.
func (s *Service) RollInitiativeForAll() error {
	if !s.referee {
		return ErrNotAuthorized
	}
	s.mu.Lock()
	ids := make([]string, 0, len(s.tokens))
	bonus := make(map[string]int, len(s.tokens))
	for id, tok := range s.tokens {
		ids = append(ids, id)
		bonus[id] = tok.InitiativeBonus
	}
	s.mu.Unlock()

	for _, id := range ids {
		err := s.engine.Merge(tokensPath+"/"+id, map[string]any{"initiative": s.roller.D20() + bonus[id]})
		if err != nil {
			return err
		}
	}
	return nil
}

// NormalizeTokenSizes migrates legacy tokens that stored their size as a
// pixel radius into grid-cell multipliers, in one read-modify-write so a
// concurrent edit is not lost. Referee only.
func (s *Service) NormalizeTokenSizes() error {
	if !s.referee {
		return ErrNotAuthorized
	}
	return s.engine.AtomicUpdate(tokensPath, func(current json.RawMessage) (any, error) {
		if current == nil {
			return nil, nil
		}
		tokens := make(map[string]Token)
		if err := json.Unmarshal(current, &tokens); err != nil {
			return nil, err
		}
		for id, tok := range tokens {
			if tok.Size >= 8 {
				tok.Size = tok.Size / 25
				tokens[id] = tok
			}
		}
		return tokens, nil
	})
}

// SetGridSize changes the grid cell size in pixels. Referee convention.
func (s *Service) SetGridSize(px int) error {
	if !s.referee {
		return ErrNotAuthorized
	}
	if px <= 0 {
		return ErrInvalidGridSize
	}
	return s.engine.Write(gridSizePath, px)
}

// SetShowGrid toggles grid display and snapping. Referee convention.
func (s *Service) SetShowGrid(show bool) error {
	if !s.referee {
		return ErrNotAuthorized
	}
	return s.engine.Write(showGridPath, show)
}

// SetBackground replaces the map backdrop. Referee convention.
func (s *Service) SetBackground(bg Background) error {
	if !s.referee {
		return ErrNotAuthorized
	}
	return s.engine.Write(bgPath, bg)
}

// RollDice rolls for the local participant, records the roll under the
// session state, and echoes it on the bus for the session log.
func (s *Service) RollDice(sides, count, modifier int) (dice.Record, error) {
	res, err := s.roller.Roll(sides, count, modifier)
	if err != nil {
		return dice.Record{}, err
	}
	rec := dice.Record{
		Result:   res,
		Roller:   s.userName,
		RolledAt: time.Now().UnixMilli(),
	}
	if _, err := s.engine.Append(diceRollsPath, rec); err != nil {
		return dice.Record{}, err
	}
	s.bus.Publish(eventbus.TopicDiceRoll, rec)
	return rec, nil
}

func (s *Service) authorize(id string) error {
	s.mu.Lock()
	tok, ok := s.tokens[id]
	s.mu.Unlock()
	if !ok {
		// Stale reference: the merge below simply recreates fields.
		return nil
	}
	if !s.canMutate(tok) {
		return ErrNotAuthorized
	}
	return nil
}

func (s *Service) canMutate(tok Token) bool {
	return s.referee || tok.Owner == s.userID
}
