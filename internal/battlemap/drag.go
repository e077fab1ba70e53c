package battlemap

// Drag gesture protocol. While a drag is in progress position updates touch
// only the local overlay; peers see nothing until release. On release the
// final position, snapped to the active grid cell center when the grid is
// shown, is committed in a single merge. If two participants drag the same
// token concurrently the second release wins and the loser's gesture is
// overridden on the next subscription fire — an accepted limitation.

// BeginDrag starts a drag gesture on a token the participant may move.
func (s *Service) BeginDrag(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.drag != nil {
		return ErrDragInProgress
	}
	tok, ok := s.tokens[id]
	if !ok {
		return ErrNoSuchToken
	}
	if !s.canMutate(tok) {
		return ErrNotAuthorized
	}
	s.drag = &drag{tokenID: id, x: tok.X, y: tok.Y}
	return nil
}

// DragTo moves the uncommitted overlay. Nothing is written to the store.
func (s *Service) DragTo(x, y float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.drag == nil {
		return ErrNotDragging
	}
	s.drag.x, s.drag.y = x, y
	return nil
}

// EndDrag commits the final position (snapped to the nearest cell center
// when the grid is shown) and clears the overlay. Returns the committed
// coordinates.
func (s *Service) EndDrag() (float64, float64, error) {
	s.mu.Lock()
	if s.drag == nil {
		s.mu.Unlock()
		return 0, 0, ErrNotDragging
	}
	d := *s.drag
	grid := s.gridSize
	snap := s.showGrid
	s.mu.Unlock()

	x, y := d.x, d.y
	if snap {
		x = SnapToCellCenter(x, grid)
		y = SnapToCellCenter(y, grid)
	}

	err := s.engine.Merge(tokensPath+"/"+d.tokenID, map[string]any{"x": x, "y": y})
	if err != nil {
		// The write failed in full; keep the overlay so the gesture can be
		// retried or cancelled by the caller.
		return 0, 0, err
	}

	s.mu.Lock()
	s.drag = nil
	s.mu.Unlock()
	return x, y, nil
}

// CancelDrag drops the overlay without committing.
func (s *Service) CancelDrag() {
	s.mu.Lock()
	s.drag = nil
	s.mu.Unlock()
}
