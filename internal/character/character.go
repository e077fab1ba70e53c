// Package character stores the player character sheets shared with the
// session. Sheets are collection children under one path, mutated with
// field-level merges so two players editing different sheets never clobber
// each other.
package character

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/openvtt/backend/internal/syncengine"
)

const charactersPath = "characters"

var ErrNoSuchSheet = errors.New("character: no such sheet")

// Stats holds the six ability scores.
type Stats struct {
	Str int `json:"str"`
	Dex int `json:"dex"`
	Con int `json:"con"`
	Int int `json:"int"`
	Wis int `json:"wis"`
	Cha int `json:"cha"`
}

type Sheet struct {
	ID    string `json:"id"`
	Owner string `json:"owner"`
	Name  string `json:"name"`
	Class string `json:"class"`
	Level int    `json:"level"`
	HP    int    `json:"hp"`
	MaxHP int    `json:"maxHp"`
	AC    int    `json:"ac"`
	Stats Stats  `json:"stats"`
	Notes string `json:"notes,omitempty"`
}

type Service struct {
	engine *syncengine.Engine
	userID string

	mu     sync.Mutex
	sheets map[string]Sheet
}

func New(engine *syncengine.Engine, userID string) (*Service, error) {
	s := &Service{engine: engine, userID: userID, sheets: make(map[string]Sheet)}
	if _, err := engine.Subscribe(charactersPath, s.onChange); err != nil {
		return nil, fmt.Errorf("character subscribe: %w", err)
	}
	return s, nil
}

func (s *Service) onChange(raw json.RawMessage) {
	sheets := make(map[string]Sheet)
	if raw != nil {
		_ = json.Unmarshal(raw, &sheets)
	}
	s.mu.Lock()
	s.sheets = sheets
	s.mu.Unlock()
}

// Create stores a new sheet owned by the local participant and returns it
// with its assigned id.
func (s *Service) Create(sheet Sheet) (Sheet, error) {
	sheet.Owner = s.userID
	if sheet.Level < 1 {
		sheet.Level = 1
	}
	if sheet.MaxHP > 0 && sheet.HP == 0 {
		sheet.HP = sheet.MaxHP
	}
	id, err := s.engine.Append(charactersPath, sheet)
	if err != nil {
		return Sheet{}, err
	}
	sheet.ID = id
	if err := s.engine.Merge(charactersPath+"/"+id, map[string]any{"id": id}); err != nil {
		return Sheet{}, err
	}
	return sheet, nil
}

// Update merges the named fields into the sheet.
func (s *Service) Update(id string, fields map[string]any) error {
	if _, ok := s.Get(id); !ok {
		return ErrNoSuchSheet
	}
	return s.engine.Merge(charactersPath+"/"+id, fields)
}

func (s *Service) Delete(id string) error {
	return s.engine.Remove(charactersPath + "/" + id)
}

func (s *Service) Get(id string) (Sheet, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sheet, ok := s.sheets[id]
	return sheet, ok
}

// List returns every sheet ordered by creation.
func (s *Service) List() []Sheet {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Sheet, 0, len(s.sheets))
	for _, sheet := range s.sheets {
		out = append(out, sheet)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Mine returns the sheets owned by the local participant.
func (s *Service) Mine() []Sheet {
	all := s.List()
	out := all[:0]
	for _, sheet := range all {
		if sheet.Owner == s.userID {
			out = append(out, sheet)
		}
	}
	return out
}
