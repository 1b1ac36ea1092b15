package program

import (
	"fmt"
	"math/bits"
	"time"
)

// Level describes one playable level.
type Level struct {
	ID          uint8
	Rows        uint8
	Cols        uint8
	TargetScore uint64
	TimeLimit   time.Duration
}

// Levels is the level table shared with the on-chain program.
var Levels = [...]Level{
	{ID: 1, Rows: 6, Cols: 6, TargetScore: 80, TimeLimit: 40 * time.Second},
	{ID: 2, Rows: 5, Cols: 7, TargetScore: 120, TimeLimit: 50 * time.Second},
	{ID: 3, Rows: 5, Cols: 7, TargetScore: 150, TimeLimit: 60 * time.Second},
	{ID: 4, Rows: 8, Cols: 7, TargetScore: 200, TimeLimit: 70 * time.Second},
	{ID: 5, Rows: 9, Cols: 7, TargetScore: 250, TimeLimit: 80 * time.Second},
	{ID: 6, Rows: 9, Cols: 7, TargetScore: 280, TimeLimit: 90 * time.Second},
	{ID: 7, Rows: 9, Cols: 7, TargetScore: 350, TimeLimit: 100 * time.Second},
	{ID: 8, Rows: 10, Cols: 7, TargetScore: 380, TimeLimit: 110 * time.Second},
	{ID: 9, Rows: 10, Cols: 7, TargetScore: 400, TimeLimit: 120 * time.Second},
	{ID: 10, Rows: 10, Cols: 7, TargetScore: 500, TimeLimit: 130 * time.Second},
}

// LevelConfig returns the level with a 1-based id.
func LevelConfig(id uint8) (Level, error) {
	if id < 1 || int(id) > len(Levels) {
		return Level{}, fmt.Errorf("%w: %d (want 1..%d)", ErrInvalidLevel, id, len(Levels))
	}
	return Levels[id-1], nil
}

// Won reports whether score reaches the level target.
func (l Level) Won(score uint64) bool {
	return score >= l.TargetScore
}

// Contains reports whether row and col are inside the grid.
func (l Level) Contains(row, col uint8) bool {
	return row < l.Rows && col < l.Cols
}

// Rarity grades a victory by how far the score exceeded the target.
type Rarity int

const (
	RarityCommon Rarity = iota
	RarityRare
	RarityEpic
	RarityLegendary
)

func (r Rarity) String() string {
	switch r {
	case RarityRare:
		return "Rare"
	case RarityEpic:
		return "Epic"
	case RarityLegendary:
		return "Legendary"
	default:
		return "Common"
	}
}

// RarityFor grades score against target: 200% and up is Legendary, 150%
// Epic, 120% Rare, anything else Common.
func RarityFor(score, target uint64) Rarity {
	if target == 0 {
		return RarityLegendary
	}
	// score/target >= p/100, in 128-bit arithmetic.
	pct := func(p uint64) bool {
		hi1, lo1 := bits.Mul64(score, 100)
		hi2, lo2 := bits.Mul64(p, target)
		return hi1 > hi2 || (hi1 == hi2 && lo1 >= lo2)
	}
	switch {
	case pct(200):
		return RarityLegendary
	case pct(150):
		return RarityEpic
	case pct(120):
		return RarityRare
	default:
		return RarityCommon
	}
}
