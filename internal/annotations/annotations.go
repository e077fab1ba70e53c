// Package annotations manages the freehand and text markup layered on the
// battle map. The collection is append-only apart from single-item undo and
// point-proximity erase, and every mutation rewrites the entire list at one
// path; two participants racing within the same instant can overwrite one
// another, which is accepted for a low-frequency cosmetic feature.
package annotations

import (
	"encoding/json"
	"fmt"
	"math"
	"sync"

	"github.com/openvtt/backend/internal/pushid"
	"github.com/openvtt/backend/internal/syncengine"
)

const annotationsPath = "battleMap/annotations"

type Kind string

const (
	KindPen  Kind = "pen"
	KindText Kind = "text"
)

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Annotation is either a pen stroke (ordered points) or a text label
// (anchor position and text), discriminated by Kind.
type Annotation struct {
	ID     string  `json:"id"`
	Kind   Kind    `json:"kind"`
	Points []Point `json:"points,omitempty"`
	X      float64 `json:"x,omitempty"`
	Y      float64 `json:"y,omitempty"`
	Text   string  `json:"text,omitempty"`
	Color  string  `json:"color"`
}

type Store struct {
	engine *syncengine.Engine
	gen    *pushid.Generator

	mu    sync.Mutex
	items []Annotation
}

func New(engine *syncengine.Engine) (*Store, error) {
	s := &Store{engine: engine, gen: pushid.NewGenerator()}
	if _, err := engine.Subscribe(annotationsPath, s.onChange); err != nil {
		return nil, fmt.Errorf("annotations subscribe: %w", err)
	}
	return s, nil
}

func (s *Store) onChange(raw json.RawMessage) {
	var items []Annotation
	if raw != nil {
		_ = json.Unmarshal(raw, &items)
	}
	s.mu.Lock()
	s.items = items
	s.mu.Unlock()
}

// Items returns the current collection in append order.
func (s *Store) Items() []Annotation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Annotation, len(s.items))
	copy(out, s.items)
	return out
}

// Append adds an annotation to the end of the collection, assigning it a
// generated id, and returns the stored annotation.
func (s *Store) Append(a Annotation) (Annotation, error) {
	a.ID = s.gen.Next()

	s.mu.Lock()
	next := make([]Annotation, len(s.items), len(s.items)+1)
	copy(next, s.items)
	next = append(next, a)
	s.mu.Unlock()

	if err := s.write(next); err != nil {
		return Annotation{}, err
	}
	return a, nil
}

// UndoLast removes the most recently appended item, by list order rather
// than timestamp. Undoing an empty collection is a no-op.
func (s *Store) UndoLast() error {
	s.mu.Lock()
	if len(s.items) == 0 {
		s.mu.Unlock()
		return nil
	}
	next := make([]Annotation, len(s.items)-1)
	copy(next, s.items[:len(s.items)-1])
	s.mu.Unlock()

	return s.write(next)
}

// EraseNear removes the first annotation, scanning in list order, whose
// stroke path (pen) or anchor point (text) lies within tolerance pixels of
// p. Reports whether anything was erased.
func (s *Store) EraseNear(p Point, tolerance float64) (bool, error) {
	s.mu.Lock()
	idx := -1
	for i, a := range s.items {
		if a.near(p, tolerance) {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return false, nil
	}
	next := make([]Annotation, 0, len(s.items)-1)
	next = append(next, s.items[:idx]...)
	next = append(next, s.items[idx+1:]...)
	s.mu.Unlock()

	if err := s.write(next); err != nil {
		return false, err
	}
	return true, nil
}

// write replaces the whole collection and mirrors it locally so immediate
// follow-up mutations act on the committed list rather than a lagging
// subscription snapshot.
func (s *Store) write(items []Annotation) error {
	if err := s.engine.Write(annotationsPath, items); err != nil {
		return err
	}
	s.mu.Lock()
	s.items = items
	s.mu.Unlock()
	return nil
}

func (a Annotation) near(p Point, tolerance float64) bool {
	switch a.Kind {
	case KindPen:
		for _, q := range a.Points {
			if dist(p, q) <= tolerance {
				return true
			}
		}
		return false
	case KindText:
		return dist(p, Point{X: a.X, Y: a.Y}) <= tolerance
	default:
		return false
	}
}

func dist(a, b Point) float64 {
	return math.Hypot(a.X-b.X, a.Y-b.Y)
}
