package program

import (
	"crypto/sha256"
	"encoding/binary"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fortiblox/sugarcrush/pkg/codec"
	"github.com/fortiblox/sugarcrush/pkg/pda"
	"github.com/fortiblox/sugarcrush/pkg/types"
)

func testPubkey(seed string) types.Pubkey {
	return types.Pubkey(sha256.Sum256([]byte(seed)))
}

func newTestProgram(layout codec.Layout) *Program {
	p := New(DefaultProgramID, layout)
	p.RewardMint = testPubkey("reward mint")
	return p
}

func TestInstructionDiscriminators(t *testing.T) {
	testCases := []struct {
		name string
		want codec.Discriminator
	}{
		{IxInitializePlayer, codec.Discriminator{79, 249, 88, 177, 220, 62, 56, 128}},
		{IxStartGame, codec.Discriminator{249, 47, 252, 172, 184, 162, 245, 14}},
		{IxMakeMove, codec.Discriminator{78, 77, 152, 203, 222, 211, 208, 233}},
		{IxEndGame, codec.Discriminator{224, 135, 245, 99, 67, 175, 121, 252}},
		{IxDelegateGame, codec.Discriminator{116, 183, 70, 107, 112, 223, 122, 210}},
		{IxUndelegateGame, codec.Discriminator{40, 145, 154, 66, 48, 111, 127, 1}},
		{IxCommitGame, codec.Discriminator{212, 148, 56, 92, 60, 28, 179, 66}},
		{IxMintVictoryNFT, codec.Discriminator{19, 172, 171, 208, 55, 63, 54, 241}},
		{IxInitializeCollection, codec.Discriminator{112, 62, 53, 139, 173, 152, 98, 93}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, codec.InstructionDiscriminator(tc.name))
			name, ok := InstructionName(tc.want[:])
			require.True(t, ok)
			require.Equal(t, tc.name, name)
		})
	}

	_, ok := InstructionName([]byte{1, 2, 3})
	require.False(t, ok)
}

func TestStartGame(t *testing.T) {
	p := newTestProgram(codec.LevelsLayout)
	player := testPubkey("player")

	ix, err := p.StartGame(player, 3)
	require.NoError(t, err)

	addrs, err := p.PlayerAddresses(player)
	require.NoError(t, err)
	require.Equal(t, []types.AccountMeta{
		{Pubkey: addrs.GameSession.Pubkey, IsWritable: true},
		{Pubkey: addrs.PlayerProfile.Pubkey},
		{Pubkey: player, IsSigner: true, IsWritable: true},
		{Pubkey: types.SystemProgramID},
	}, ix.Accounts)
	require.Equal(t, append([]byte{249, 47, 252, 172, 184, 162, 245, 14}, 3), ix.Data)
	require.Equal(t, DefaultProgramID, ix.ProgramID)

	for _, level := range []uint8{0, 11, 255} {
		_, err := p.StartGame(player, level)
		require.ErrorIs(t, err, ErrInvalidLevel)
	}
}

func TestInitializePlayer(t *testing.T) {
	player := testPubkey("player")

	levels := newTestProgram(codec.LevelsLayout)
	ix, err := levels.InitializePlayer(player, "Alice")
	require.NoError(t, err)
	require.Len(t, ix.Data, 8+4+5)
	require.Equal(t, uint32(5), binary.LittleEndian.Uint32(ix.Data[8:12]))
	require.Equal(t, "Alice", string(ix.Data[12:]))
	require.True(t, ix.Accounts[1].IsSigner)

	_, err = levels.InitializePlayer(player, strings.Repeat("x", MaxNameLen+1))
	require.ErrorIs(t, err, ErrInvalidName)

	bitmap := newTestProgram(codec.BitmapLayout)
	ix, err = bitmap.InitializePlayer(player, "ignored")
	require.NoError(t, err)
	require.Len(t, ix.Data, 8)
}

func TestMakeMove(t *testing.T) {
	p := newTestProgram(codec.LevelsLayout)
	player := testPubkey("player")
	sessionKey := testPubkey("session key")
	mv := Move{FromRow: 1, FromCol: 2, ToRow: 1, ToCol: 3}

	token, err := pda.SessionToken(p.ID, sessionKey, player)
	require.NoError(t, err)

	ix, err := p.MakeMove(player, sessionKey, &token.Pubkey, mv)
	require.NoError(t, err)
	session, err := pda.GameSession(p.ID, player)
	require.NoError(t, err)
	require.Equal(t, []types.AccountMeta{
		types.Writable(session.Pubkey),
		types.WritableSigner(sessionKey),
		types.Readonly(token.Pubkey),
	}, ix.Accounts)
	require.Equal(t, []byte{1, 2, 1, 3}, ix.Data[8:])

	// Without a session token the optional slot holds the program id.
	ix, err = p.MakeMove(player, player, nil, mv)
	require.NoError(t, err)
	require.Equal(t, types.Readonly(p.ID), ix.Accounts[2])

	require.True(t, mv.IsAdjacent())
	require.False(t, Move{0, 0, 1, 1}.IsAdjacent())
	require.False(t, Move{0, 0, 0, 0}.IsAdjacent())
}

func TestEndGame(t *testing.T) {
	player := testPubkey("player")

	p := newTestProgram(codec.LevelsLayout)
	ix, err := p.EndGame(player, 250)
	require.NoError(t, err)
	require.Len(t, ix.Accounts, 9)
	require.Equal(t, uint64(250), binary.LittleEndian.Uint64(ix.Data[8:]))

	ata, err := pda.AssociatedTokenAddress(player, p.RewardMint)
	require.NoError(t, err)
	reward, err := pda.RewardAuthority(p.ID)
	require.NoError(t, err)
	require.Equal(t, types.Writable(p.RewardMint), ix.Accounts[2])
	require.Equal(t, types.Writable(ata.Pubkey), ix.Accounts[3])
	require.Equal(t, types.Readonly(reward.Pubkey), ix.Accounts[4])
	require.Equal(t, types.WritableSigner(player), ix.Accounts[5])

	legacy := newTestProgram(codec.BitmapLayout)
	ix, err = legacy.EndGame(player, 250)
	require.NoError(t, err)
	require.Len(t, ix.Accounts, 3)
	require.Equal(t, types.WritableSigner(player), ix.Accounts[2])
}

func TestDelegateGame(t *testing.T) {
	p := newTestProgram(codec.LevelsLayout)
	player := testPubkey("player")
	validator := testPubkey("validator")

	ix, err := p.DelegateGame(player, nil)
	require.NoError(t, err)
	require.Len(t, ix.Accounts, 8)
	require.Equal(t, types.ReadonlySigner(player), ix.Accounts[0])

	session, err := pda.GameSession(p.ID, player)
	require.NoError(t, err)
	deleg, err := pda.Delegation(types.DelegationProgramID, session.Pubkey)
	require.NoError(t, err)
	require.Equal(t, types.Writable(deleg.Buffer.Pubkey), ix.Accounts[1])
	require.Equal(t, types.Writable(deleg.Record.Pubkey), ix.Accounts[2])
	require.Equal(t, types.Writable(deleg.Metadata.Pubkey), ix.Accounts[3])
	require.Equal(t, types.Writable(session.Pubkey), ix.Accounts[4])
	require.Equal(t, types.Readonly(types.DelegationProgramID), ix.Accounts[6])

	ix, err = p.DelegateGame(player, &validator)
	require.NoError(t, err)
	require.Equal(t, types.Readonly(validator), ix.Accounts[8])
}

func TestUndelegateAndCommit(t *testing.T) {
	p := newTestProgram(codec.LevelsLayout)
	player := testPubkey("player")

	undelegate, err := p.UndelegateGame(player)
	require.NoError(t, err)
	commit, err := p.CommitGame(player)
	require.NoError(t, err)
	require.Equal(t, undelegate.Accounts, commit.Accounts)
	require.NotEqual(t, undelegate.Data, commit.Data)
	require.Equal(t, types.Readonly(types.MagicProgramID), commit.Accounts[2])
	require.Equal(t, types.Writable(types.MagicContextID), commit.Accounts[3])
}

func TestMintVictoryNFT(t *testing.T) {
	p := newTestProgram(codec.LevelsLayout)
	player := testPubkey("player")
	mint := testPubkey("mint")

	ix, err := p.MintVictoryNFT(player, mint)
	require.NoError(t, err)
	require.Len(t, ix.Accounts, 13)
	require.Equal(t, types.WritableSigner(mint), ix.Accounts[3])
	require.Equal(t, types.WritableSigner(player), ix.Accounts[7])
	require.Equal(t, types.Readonly(types.SysvarRentID), ix.Accounts[12])

	msg, err := types.NewMessage(player, []types.Instruction{ix}, types.ZeroHash)
	require.NoError(t, err)
	require.Equal(t, []types.Pubkey{player, mint}, msg.Signers())
}

func TestCreateSession(t *testing.T) {
	p := newTestProgram(codec.LevelsLayout)
	player := testPubkey("player")
	sessionKey := testPubkey("session")
	topUp := true
	validUntil := int64(1_700_003_600)

	ix, err := p.CreateSession(player, sessionKey, CreateSessionArgs{TopUp: &topUp, ValidUntil: &validUntil})
	require.NoError(t, err)
	require.Equal(t, types.SessionKeysProgramID, ix.ProgramID)
	require.Equal(t, types.Readonly(p.ID), ix.Accounts[3])

	want := codec.InstructionDiscriminator(IxCreateSession)
	data := append(want[:], 1, 1, 1)
	data = binary.LittleEndian.AppendUint64(data, uint64(validUntil))
	data = append(data, 0)
	require.Equal(t, data, ix.Data)
}

func TestLevelsAndRarity(t *testing.T) {
	l, err := LevelConfig(3)
	require.NoError(t, err)
	require.Equal(t, uint64(150), l.TargetScore)
	require.Equal(t, 60*time.Second, l.TimeLimit)
	require.True(t, l.Won(250))
	require.False(t, l.Won(149))
	require.True(t, l.Contains(4, 6))
	require.False(t, l.Contains(5, 0))

	_, err = LevelConfig(0)
	require.ErrorIs(t, err, ErrInvalidLevel)

	testCases := []struct {
		score, target uint64
		want          Rarity
	}{
		{100, 100, RarityCommon},
		{119, 100, RarityCommon},
		{120, 100, RarityRare},
		{149, 100, RarityRare},
		{150, 100, RarityEpic},
		{199, 100, RarityEpic},
		{200, 100, RarityLegendary},
		{250, 150, RarityEpic},
		{^uint64(0), 500, RarityLegendary},
	}
	for _, tc := range testCases {
		require.Equal(t, tc.want, RarityFor(tc.score, tc.target), "score %d target %d", tc.score, tc.target)
	}
	require.Equal(t, "Legendary", RarityLegendary.String())
}

func TestErrorFromCode(t *testing.T) {
	e, ok := ErrorFromCode(6004)
	require.True(t, ok)
	require.Equal(t, "NotAdjacent", e.Name)

	_, ok = ErrorFromCode(1)
	require.False(t, ok)
}
