package codec

import (
	"crypto/sha256"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fortiblox/sugarcrush/pkg/types"
)

func testPubkey(seed string) types.Pubkey {
	return types.Pubkey(sha256.Sum256([]byte(seed)))
}

func TestDiscriminators(t *testing.T) {
	require.Equal(t, Discriminator{150, 116, 20, 197, 205, 121, 220, 240}, AccountDiscriminator("GameSession"))
	require.Equal(t, Discriminator{82, 226, 99, 87, 164, 130, 181, 80}, AccountDiscriminator("PlayerProfile"))
	require.Equal(t, Discriminator{202, 192, 0, 120, 237, 63, 79, 51}, AccountDiscriminator("VictoryCollection"))
	require.Equal(t, Discriminator{78, 77, 152, 203, 222, 211, 208, 233}, InstructionDiscriminator("make_move"))
	require.Equal(t, Discriminator{224, 135, 245, 99, 67, 175, 121, 252}, InstructionDiscriminator("end_game"))
}

func TestPlayerProfileV2_RoundTrip(t *testing.T) {
	mixed := [NumLevels]LevelRecord{}
	for i := range mixed {
		mixed[i] = LevelRecord{HighScore: uint64(i * 100), Completed: i%2 == 0}
	}
	allDone := [NumLevels]LevelRecord{}
	for i := range allDone {
		allDone[i] = LevelRecord{HighScore: math.MaxUint64, Completed: true}
	}

	testCases := []struct {
		name    string
		profile PlayerProfile
	}{
		{"zero values", PlayerProfile{Authority: testPubkey("a")}},
		{"max counters", PlayerProfile{
			Authority:         testPubkey("b"),
			Name:              "",
			Levels:            allDone,
			TotalWins:         math.MaxUint64,
			TotalTokensEarned: math.MaxUint64,
			CreatedAt:         math.MinInt64,
		}},
		{"twenty char name", PlayerProfile{
			Authority: testPubkey("c"),
			Name:      "abcdefghijklmnopqrst",
			Levels:    mixed,
			TotalWins: 3,
			CreatedAt: 1_700_000_000,
		}},
		{"multibyte name", PlayerProfile{Authority: testPubkey("d"), Name: "candy 🍬"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := LevelsLayout.EncodePlayerProfile(&tc.profile)
			require.NoError(t, err)
			require.Equal(t, PlayerProfileV2.MinSize()+len(tc.profile.Name), len(data))

			got, err := LevelsLayout.DecodePlayerProfile(data)
			require.NoError(t, err)
			require.Equal(t, tc.profile, *got)
		})
	}
}

func TestPlayerProfileV1_RoundTrip(t *testing.T) {
	p := PlayerProfile{
		Authority:             testPubkey("legacy"),
		TotalGames:            math.MaxUint64,
		TotalWins:             7,
		HighestLevel:          10,
		UnlockedLevels:        0b1111111111,
		TotalCandiesCollected: 12345,
		TotalNftsMinted:       2,
		CreatedAt:             42,
	}
	data, err := BitmapLayout.EncodePlayerProfile(&p)
	require.NoError(t, err)
	require.Len(t, data, 8+32+8+8+1+8+8+8+8)

	got, err := BitmapLayout.DecodePlayerProfile(data)
	require.NoError(t, err)
	require.Equal(t, p, *got)
	require.True(t, got.IsUnlocked(BitmapLayout, 10))
}

func TestGameSession_RoundTrip(t *testing.T) {
	s := GameSession{Player: testPubkey("p"), Level: 3, Score: math.MaxUint64, StartTime: -1, IsActive: true}
	data, err := LevelsLayout.EncodeGameSession(&s)
	require.NoError(t, err)
	require.Len(t, data, GameSessionV2.MinSize())

	got, err := LevelsLayout.DecodeGameSession(data)
	require.NoError(t, err)
	require.Equal(t, s, *got)

	grid := make([]byte, GridSize)
	grid[0], grid[99] = 5, 1
	legacy := GameSession{Player: testPubkey("p"), Level: 1, Grid: grid, Score: 10, MovesMade: 4, IsActive: false}
	data, err = BitmapLayout.EncodeGameSession(&legacy)
	require.NoError(t, err)
	got, err = BitmapLayout.DecodeGameSession(data)
	require.NoError(t, err)
	require.Equal(t, legacy, *got)
}

func TestVictoryCollection_RoundTrip(t *testing.T) {
	c := VictoryCollection{Authority: testPubkey("admin"), TotalVictories: 0}
	data, err := LevelsLayout.EncodeVictoryCollection(&c)
	require.NoError(t, err)
	got, err := LevelsLayout.DecodeVictoryCollection(data)
	require.NoError(t, err)
	require.Equal(t, c, *got)
}

func TestDecode_NotFoundVersusMalformed(t *testing.T) {
	_, err := LevelsLayout.DecodeGameSession(nil)
	require.ErrorIs(t, err, ErrAccountNotFound)
	require.True(t, IsNotFound(err))

	_, err = LevelsLayout.DecodePlayerProfile([]byte{})
	require.ErrorIs(t, err, ErrAccountNotFound)

	s := GameSession{Player: testPubkey("p"), Level: 1}
	data, err := LevelsLayout.EncodeGameSession(&s)
	require.NoError(t, err)

	_, err = LevelsLayout.DecodeGameSession(data[:len(data)-1])
	require.Error(t, err)
	require.False(t, IsNotFound(err))
	var derr *DecodeError
	require.True(t, errors.As(err, &derr))
	require.ErrorIs(t, err, ErrTruncated)
}

func TestDecode_DiscriminatorMismatch(t *testing.T) {
	s := GameSession{Player: testPubkey("p"), Level: 1}
	data, err := LevelsLayout.EncodeGameSession(&s)
	require.NoError(t, err)
	data[0] ^= 0xff

	_, err = LevelsLayout.DecodeGameSession(data)
	require.ErrorIs(t, err, ErrDiscriminatorMismatch)

	got, err := LevelsLayout.DecodeGameSession(data, SkipDiscriminatorCheck())
	require.NoError(t, err)
	require.Equal(t, uint8(1), got.Level)

	// A collection is not a session.
	c, err := LevelsLayout.EncodeVictoryCollection(&VictoryCollection{})
	require.NoError(t, err)
	_, err = LevelsLayout.DecodeGameSession(append(c, make([]byte, 64)...))
	require.ErrorIs(t, err, ErrDiscriminatorMismatch)
}

func TestDecode_StringBounds(t *testing.T) {
	p := PlayerProfile{Authority: testPubkey("s"), Name: "abc"}
	data, err := LevelsLayout.EncodePlayerProfile(&p)
	require.NoError(t, err)

	// Declared length far beyond the buffer.
	corrupt := append([]byte(nil), data...)
	corrupt[40] = 0xff
	corrupt[41] = 0xff
	_, err = LevelsLayout.DecodePlayerProfile(corrupt)
	var derr *DecodeError
	require.True(t, errors.As(err, &derr))
	require.Equal(t, "name", derr.Field)
	require.ErrorIs(t, err, ErrTruncated)

	// Invalid UTF-8 payload.
	corrupt = append([]byte(nil), data...)
	corrupt[44] = 0xff
	_, err = LevelsLayout.DecodePlayerProfile(corrupt)
	require.ErrorIs(t, err, ErrInvalidUTF8)
}

func TestDecode_InvalidBool(t *testing.T) {
	s := GameSession{Player: testPubkey("p"), Level: 1, IsActive: true}
	data, err := LevelsLayout.EncodeGameSession(&s)
	require.NoError(t, err)
	data[len(data)-1] = 2
	_, err = LevelsLayout.DecodeGameSession(data)
	require.ErrorIs(t, err, ErrInvalidBool)
}

func TestDecode_TrailingBytesIgnored(t *testing.T) {
	p := PlayerProfile{Authority: testPubkey("t"), Name: strings.Repeat("x", 20)}
	data, err := LevelsLayout.EncodePlayerProfile(&p)
	require.NoError(t, err)
	got, err := LevelsLayout.DecodePlayerProfile(append(data, make([]byte, 128)...))
	require.NoError(t, err)
	require.Equal(t, p, *got)
}

func TestEncode_FieldErrors(t *testing.T) {
	_, err := Encode(Record{"authority": testPubkey("x")}, VictoryCollectionV1)
	require.ErrorIs(t, err, ErrFieldMissing)

	_, err = Encode(Record{"authority": testPubkey("x"), "totalVictories": 1}, VictoryCollectionV1)
	require.ErrorIs(t, err, ErrFieldType)
}

func TestLayoutByName(t *testing.T) {
	l, err := LayoutByName("bitmap")
	require.NoError(t, err)
	require.Equal(t, PlayerProfileV1, l.Profile)

	l, err = LayoutByName("")
	require.NoError(t, err)
	require.Equal(t, LayoutLevels, l.Name)

	_, err = LayoutByName("both")
	require.Error(t, err)
}

func TestIsUnlocked_Levels(t *testing.T) {
	var p PlayerProfile
	require.True(t, p.IsUnlocked(LevelsLayout, 1))
	require.False(t, p.IsUnlocked(LevelsLayout, 2))
	p.Levels[0].Completed = true
	require.True(t, p.IsUnlocked(LevelsLayout, 2))
	require.False(t, p.IsUnlocked(LevelsLayout, 11))
	require.False(t, p.IsUnlocked(LevelsLayout, 0))
}
