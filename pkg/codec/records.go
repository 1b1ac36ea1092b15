package codec

import (
	"fmt"

	"github.com/fortiblox/sugarcrush/pkg/types"
)

// NumLevels is the fixed size of the profile level table.
const NumLevels = 10

// GridSize is the byte length of the legacy 10x10 tile grid.
const GridSize = 100

var levelRecordFields = []Field{
	{Name: "highScore", Kind: KindU64},
	{Name: "completed", Kind: KindBool},
}

// Schema table. Both profile versions share the PlayerProfile discriminator,
// so a deployment must pick exactly one.
var (
	PlayerProfileV2 = &Schema{
		Name:          "PlayerProfile",
		Version:       2,
		Discriminator: AccountDiscriminator("PlayerProfile"),
		Fields: []Field{
			{Name: "authority", Kind: KindPubkey},
			{Name: "name", Kind: KindString},
			{Name: "levels", Kind: KindArray, Len: NumLevels, Elem: levelRecordFields},
			{Name: "totalWins", Kind: KindU64},
			{Name: "totalTokensEarned", Kind: KindU64},
			{Name: "createdAt", Kind: KindI64},
		},
	}

	PlayerProfileV1 = &Schema{
		Name:          "PlayerProfile",
		Version:       1,
		Discriminator: AccountDiscriminator("PlayerProfile"),
		Fields: []Field{
			{Name: "authority", Kind: KindPubkey},
			{Name: "totalGames", Kind: KindU64},
			{Name: "totalWins", Kind: KindU64},
			{Name: "highestLevel", Kind: KindU8},
			{Name: "unlockedLevels", Kind: KindU64},
			{Name: "totalCandiesCollected", Kind: KindU64},
			{Name: "totalNftsMinted", Kind: KindU64},
			{Name: "createdAt", Kind: KindI64},
		},
	}

	GameSessionV2 = &Schema{
		Name:          "GameSession",
		Version:       2,
		Discriminator: AccountDiscriminator("GameSession"),
		Fields: []Field{
			{Name: "player", Kind: KindPubkey},
			{Name: "level", Kind: KindU8},
			{Name: "score", Kind: KindU64},
			{Name: "startTime", Kind: KindI64},
			{Name: "isActive", Kind: KindBool},
		},
	}

	GameSessionV1 = &Schema{
		Name:          "GameSession",
		Version:       1,
		Discriminator: AccountDiscriminator("GameSession"),
		Fields: []Field{
			{Name: "player", Kind: KindPubkey},
			{Name: "level", Kind: KindU8},
			{Name: "grid", Kind: KindBytes, Len: GridSize},
			{Name: "score", Kind: KindU64},
			{Name: "movesMade", Kind: KindU32},
			{Name: "startTime", Kind: KindI64},
			{Name: "isActive", Kind: KindBool},
		},
	}

	VictoryCollectionV1 = &Schema{
		Name:          "VictoryCollection",
		Version:       1,
		Discriminator: AccountDiscriminator("VictoryCollection"),
		Fields: []Field{
			{Name: "authority", Kind: KindPubkey},
			{Name: "totalVictories", Kind: KindU64},
		},
	}
)

// Layout names.
const (
	LayoutLevels = "levels"
	LayoutBitmap = "bitmap"
)

// Layout is the set of record schemas one program deployment uses.
type Layout struct {
	Name       string
	Profile    *Schema
	Session    *Schema
	Collection *Schema
}

var (
	// LevelsLayout stores a name and a 10-slot level table per profile.
	LevelsLayout = Layout{Name: LayoutLevels, Profile: PlayerProfileV2, Session: GameSessionV2, Collection: VictoryCollectionV1}
	// BitmapLayout stores unlocked levels as a u64 bit-set and keeps the grid on chain.
	BitmapLayout = Layout{Name: LayoutBitmap, Profile: PlayerProfileV1, Session: GameSessionV1, Collection: VictoryCollectionV1}
)

// LayoutByName resolves a configured layout name.
func LayoutByName(name string) (Layout, error) {
	switch name {
	case LayoutLevels, "":
		return LevelsLayout, nil
	case LayoutBitmap:
		return BitmapLayout, nil
	default:
		return Layout{}, fmt.Errorf("codec: unknown layout %q", name)
	}
}

// LevelRecord is one slot of the profile level table.
type LevelRecord struct {
	HighScore uint64 `json:"highScore"`
	Completed bool   `json:"completed"`
}

// PlayerProfile is a decoded profile. Fields not present in the
// deployment's layout stay zero.
type PlayerProfile struct {
	Authority         types.Pubkey           `json:"authority"`
	Name              string                 `json:"name,omitempty"`
	Levels            [NumLevels]LevelRecord `json:"levels"`
	TotalWins         uint64                 `json:"totalWins"`
	TotalTokensEarned uint64                 `json:"totalTokensEarned,omitempty"`
	CreatedAt         int64                  `json:"createdAt"`

	TotalGames            uint64 `json:"totalGames,omitempty"`
	HighestLevel          uint8  `json:"highestLevel,omitempty"`
	UnlockedLevels        uint64 `json:"unlockedLevels,omitempty"`
	TotalCandiesCollected uint64 `json:"totalCandiesCollected,omitempty"`
	TotalNftsMinted       uint64 `json:"totalNftsMinted,omitempty"`
}

// Level returns the record of a 1-based level number.
func (p *PlayerProfile) Level(level int) (LevelRecord, bool) {
	if level < 1 || level > NumLevels {
		return LevelRecord{}, false
	}
	return p.Levels[level-1], true
}

// IsUnlocked reports whether level can be started. In the bitmap layout
// bit level-1 of UnlockedLevels is set; in the levels layout the previous
// level is completed. Level 1 is always playable.
func (p *PlayerProfile) IsUnlocked(layout Layout, level int) bool {
	if level < 1 || level > NumLevels {
		return false
	}
	if level == 1 {
		return true
	}
	if layout.Name == LayoutBitmap {
		return p.UnlockedLevels&(1<<uint(level-1)) != 0
	}
	return p.Levels[level-2].Completed
}

// GameSession is a decoded game session.
type GameSession struct {
	Player    types.Pubkey `json:"player"`
	Level     uint8        `json:"level"`
	Score     uint64       `json:"score"`
	StartTime int64        `json:"startTime"`
	IsActive  bool         `json:"isActive"`

	Grid      []byte `json:"grid,omitempty"`
	MovesMade uint32 `json:"movesMade,omitempty"`
}

// VictoryCollection is the decoded singleton collection.
type VictoryCollection struct {
	Authority      types.Pubkey `json:"authority"`
	TotalVictories uint64       `json:"totalVictories"`
}

func (r Record) u8(name string) uint8 {
	v, _ := r[name].(uint8)
	return v
}

func (r Record) boolean(name string) bool {
	v, _ := r[name].(bool)
	return v
}

func (r Record) u32(name string) uint32 {
	v, _ := r[name].(uint32)
	return v
}

func (r Record) u64(name string) uint64 {
	v, _ := r[name].(uint64)
	return v
}

func (r Record) i64(name string) int64 {
	v, _ := r[name].(int64)
	return v
}

func (r Record) str(name string) string {
	v, _ := r[name].(string)
	return v
}

func (r Record) raw(name string) []byte {
	v, _ := r[name].([]byte)
	return v
}

func (r Record) pubkey(name string) types.Pubkey {
	v, _ := r[name].(types.Pubkey)
	return v
}

// DecodePlayerProfile decodes a profile in this layout.
func (l Layout) DecodePlayerProfile(data []byte, opts ...DecodeOption) (*PlayerProfile, error) {
	rec, err := Decode(data, l.Profile, opts...)
	if err != nil {
		return nil, err
	}
	p := &PlayerProfile{
		Authority:             rec.pubkey("authority"),
		Name:                  rec.str("name"),
		TotalWins:             rec.u64("totalWins"),
		TotalTokensEarned:     rec.u64("totalTokensEarned"),
		CreatedAt:             rec.i64("createdAt"),
		TotalGames:            rec.u64("totalGames"),
		HighestLevel:          rec.u8("highestLevel"),
		UnlockedLevels:        rec.u64("unlockedLevels"),
		TotalCandiesCollected: rec.u64("totalCandiesCollected"),
		TotalNftsMinted:       rec.u64("totalNftsMinted"),
	}
	if levels, ok := rec["levels"].([]Record); ok {
		for i := range p.Levels {
			p.Levels[i] = LevelRecord{
				HighScore: levels[i].u64("highScore"),
				Completed: levels[i].boolean("completed"),
			}
		}
	}
	return p, nil
}

// EncodePlayerProfile encodes p in this layout.
func (l Layout) EncodePlayerProfile(p *PlayerProfile) ([]byte, error) {
	levels := make([]Record, NumLevels)
	for i, lr := range p.Levels {
		levels[i] = Record{"highScore": lr.HighScore, "completed": lr.Completed}
	}
	return Encode(Record{
		"authority":             p.Authority,
		"name":                  p.Name,
		"levels":                levels,
		"totalWins":             p.TotalWins,
		"totalTokensEarned":     p.TotalTokensEarned,
		"createdAt":             p.CreatedAt,
		"totalGames":            p.TotalGames,
		"highestLevel":          p.HighestLevel,
		"unlockedLevels":        p.UnlockedLevels,
		"totalCandiesCollected": p.TotalCandiesCollected,
		"totalNftsMinted":       p.TotalNftsMinted,
	}, l.Profile)
}

// DecodeGameSession decodes a game session in this layout.
func (l Layout) DecodeGameSession(data []byte, opts ...DecodeOption) (*GameSession, error) {
	rec, err := Decode(data, l.Session, opts...)
	if err != nil {
		return nil, err
	}
	return &GameSession{
		Player:    rec.pubkey("player"),
		Level:     rec.u8("level"),
		Score:     rec.u64("score"),
		StartTime: rec.i64("startTime"),
		IsActive:  rec.boolean("isActive"),
		Grid:      rec.raw("grid"),
		MovesMade: rec.u32("movesMade"),
	}, nil
}

// EncodeGameSession encodes s in this layout. A nil grid encodes as zeros.
func (l Layout) EncodeGameSession(s *GameSession) ([]byte, error) {
	grid := s.Grid
	if grid == nil {
		grid = make([]byte, GridSize)
	}
	return Encode(Record{
		"player":    s.Player,
		"level":     s.Level,
		"grid":      grid,
		"score":     s.Score,
		"movesMade": s.MovesMade,
		"startTime": s.StartTime,
		"isActive":  s.IsActive,
	}, l.Session)
}

// DecodeVictoryCollection decodes the collection record.
func (l Layout) DecodeVictoryCollection(data []byte, opts ...DecodeOption) (*VictoryCollection, error) {
	rec, err := Decode(data, l.Collection, opts...)
	if err != nil {
		return nil, err
	}
	return &VictoryCollection{
		Authority:      rec.pubkey("authority"),
		TotalVictories: rec.u64("totalVictories"),
	}, nil
}

// EncodeVictoryCollection encodes the collection record.
func (l Layout) EncodeVictoryCollection(c *VictoryCollection) ([]byte, error) {
	return Encode(Record{
		"authority":      c.Authority,
		"totalVictories": c.TotalVictories,
	}, l.Collection)
}
