package battlemap

import "math"

// Token is one piece on the battle map. Size is a multiplier of the grid
// cell (1.0 fills one cell); positions are canvas pixels.
type Token struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	X               float64  `json:"x"`
	Y               float64  `json:"y"`
	Size            float64  `json:"size"`
	Color           string   `json:"color"`
	HP              int      `json:"hp"`
	MaxHP           int      `json:"maxHp"`
	AC              int      `json:"ac"`
	Initiative      int      `json:"initiative"`
	InitiativeBonus int      `json:"initiativeBonus"`
	Owner           string   `json:"owner"`
	OwnerName       string   `json:"ownerName"`
	Conditions      []string `json:"conditions,omitempty"`
	Notes           string   `json:"notes,omitempty"`
}

// Background is the map backdrop written by the referee.
type Background struct {
	Data    string  `json:"data"`
	FitMode string  `json:"fitMode"`
	OffsetX float64 `json:"offsetX"`
	OffsetY float64 `json:"offsetY"`
	Scale   float64 `json:"scale"`
	Opacity float64 `json:"opacity"`
}

// SnapToCellCenter snaps a coordinate to the nearest grid cell center. A
// point equidistant between two centers resolves to the lower cell.
func SnapToCellCenter(v float64, grid int) float64 {
	g := float64(grid)
	k := math.Ceil((v-g/2)/g - 0.5)
	return k*g + g/2
}

func clampHP(hp, maxHP int) int {
	if hp < 0 {
		return 0
	}
	if hp > maxHP {
		return maxHP
	}
	return hp
}
