package ledgertest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fortiblox/sugarcrush/pkg/codec"
	"github.com/fortiblox/sugarcrush/pkg/crypto"
	"github.com/fortiblox/sugarcrush/pkg/ledger"
	"github.com/fortiblox/sugarcrush/pkg/program"
	"github.com/fortiblox/sugarcrush/pkg/types"
)

func submit(t *testing.T, v *Venue, payer *crypto.Keypair, ix types.Instruction, extra ...crypto.Signer) (types.Signature, error) {
	t.Helper()
	ctx := context.Background()
	hash, _, err := v.GetLatestBlockhash(ctx)
	require.NoError(t, err)
	msg, err := types.NewMessage(payer.PublicKey(), []types.Instruction{ix}, hash)
	require.NoError(t, err)
	tx := types.NewTransaction(msg)
	require.NoError(t, crypto.SignTransaction(tx, append([]crypto.Signer{payer}, extra...)...))
	return v.SendTransaction(ctx, tx)
}

func customCode(t *testing.T, err error) uint32 {
	t.Helper()
	var rej *ledger.RejectionError
	require.ErrorAs(t, err, &rej)
	code, ok := rej.CustomCode()
	require.True(t, ok, "rejection without custom code: %v", err)
	return code
}

func TestNetwork_GameFlow(t *testing.T) {
	p := program.New(program.DefaultProgramID, codec.LevelsLayout)
	net := NewNetwork(p)
	player, err := crypto.GenerateKeypair()
	require.NoError(t, err)
	addrs, err := p.PlayerAddresses(player.PublicKey())
	require.NoError(t, err)

	ix, err := p.InitializePlayer(player.PublicKey(), "alice")
	require.NoError(t, err)
	_, err = submit(t, net.Base, player, ix)
	require.NoError(t, err)

	// A second initialization targets the same address.
	_, err = submit(t, net.Base, player, ix)
	require.Equal(t, CodeAlreadyInUse, customCode(t, err))

	ix, err = p.StartGame(player.PublicKey(), 2)
	require.NoError(t, err)
	_, err = submit(t, net.Base, player, ix)
	require.Equal(t, program.ErrCodeLevelLocked.Code, customCode(t, err))

	ix, err = p.StartGame(player.PublicKey(), 1)
	require.NoError(t, err)
	sig, err := submit(t, net.Base, player, ix)
	require.NoError(t, err)
	require.NoError(t, net.Base.ConfirmTransaction(context.Background(), sig))

	ix, err = p.MakeMove(player.PublicKey(), player.PublicKey(), nil, program.Move{FromRow: 0, FromCol: 0, ToRow: 0, ToCol: 2})
	require.NoError(t, err)
	_, err = submit(t, net.Base, player, ix)
	require.Equal(t, program.ErrCodeNotAdjacent.Code, customCode(t, err))

	ix, err = p.MakeMove(player.PublicKey(), player.PublicKey(), nil, program.Move{FromRow: 0, FromCol: 0, ToRow: 0, ToCol: 1})
	require.NoError(t, err)
	_, err = submit(t, net.Base, player, ix)
	require.NoError(t, err)

	session, err := p.Layout.DecodeGameSession(net.Account(ledger.VenueBase, addrs.GameSession.Pubkey).Data)
	require.NoError(t, err)
	require.Equal(t, uint64(MoveScore), session.Score)
	require.True(t, session.IsActive)

	ix, err = p.EndGame(player.PublicKey(), 100)
	require.NoError(t, err)
	_, err = submit(t, net.Base, player, ix)
	require.NoError(t, err)

	profile, err := p.Layout.DecodePlayerProfile(net.Account(ledger.VenueBase, addrs.PlayerProfile.Pubkey).Data)
	require.NoError(t, err)
	require.Equal(t, codec.LevelRecord{HighScore: 100, Completed: true}, profile.Levels[0])
	require.Equal(t, uint64(1), profile.TotalWins)
	require.Len(t, net.Base.Submissions(), 4)
}

func TestNetwork_DelegationRoundTrip(t *testing.T) {
	p := program.New(program.DefaultProgramID, codec.LevelsLayout)
	net := NewNetwork(p)
	player, err := crypto.GenerateKeypair()
	require.NoError(t, err)
	addrs, err := p.PlayerAddresses(player.PublicKey())
	require.NoError(t, err)

	for _, build := range []func() (types.Instruction, error){
		func() (types.Instruction, error) { return p.InitializePlayer(player.PublicKey(), "bob") },
		func() (types.Instruction, error) { return p.StartGame(player.PublicKey(), 1) },
		func() (types.Instruction, error) { return p.DelegateGame(player.PublicKey(), nil) },
	} {
		ix, err := build()
		require.NoError(t, err)
		_, err = submit(t, net.Base, player, ix)
		require.NoError(t, err, Logs(err))
	}
	require.Equal(t, types.DelegationProgramID, net.Account(ledger.VenueBase, addrs.GameSession.Pubkey).Owner)

	updates, err := net.Base.SubscribeAccount(context.Background(), addrs.GameSession.Pubkey)
	require.NoError(t, err)
	<-updates // snapshot

	move, err := p.MakeMove(player.PublicKey(), player.PublicKey(), nil, program.Move{FromRow: 1, FromCol: 1, ToRow: 2, ToCol: 1})
	require.NoError(t, err)
	_, err = submit(t, net.Base, player, move)
	require.Equal(t, CodeAccountOwnedByWrongProgram, customCode(t, err), "base is locked while delegated")
	_, err = submit(t, net.Ephemeral, player, move)
	require.NoError(t, err)

	ix, err := p.UndelegateGame(player.PublicKey())
	require.NoError(t, err)
	_, err = submit(t, net.Base, player, ix)
	require.NoError(t, err)

	base := net.Account(ledger.VenueBase, addrs.GameSession.Pubkey)
	require.Equal(t, p.ID, base.Owner)
	require.Nil(t, net.Account(ledger.VenueEphemeral, addrs.GameSession.Pubkey))
	session, err := p.Layout.DecodeGameSession(base.Data)
	require.NoError(t, err)
	require.Equal(t, uint64(MoveScore), session.Score)

	select {
	case u := <-updates:
		require.Equal(t, p.ID, u.Account.Owner)
	case <-time.After(time.Second):
		t.Fatal("no base update after undelegation")
	}
}

func TestNetwork_SessionToken(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	p := program.New(program.DefaultProgramID, codec.LevelsLayout)
	net := NewNetwork(p, WithClock(func() time.Time { return now }))
	player, err := crypto.GenerateKeypair()
	require.NoError(t, err)
	sessionKey, err := crypto.GenerateKeypair()
	require.NoError(t, err)

	for _, build := range []func() (types.Instruction, error){
		func() (types.Instruction, error) { return p.InitializePlayer(player.PublicKey(), "carol") },
		func() (types.Instruction, error) { return p.StartGame(player.PublicKey(), 1) },
	} {
		ix, err := build()
		require.NoError(t, err)
		_, err = submit(t, net.Base, player, ix)
		require.NoError(t, err)
	}

	topUp := true
	validUntil := now.Add(time.Hour).Unix()
	ix, err := p.CreateSession(player.PublicKey(), sessionKey.PublicKey(), program.CreateSessionArgs{TopUp: &topUp, ValidUntil: &validUntil})
	require.NoError(t, err)
	_, err = submit(t, net.Base, player, ix, sessionKey)
	require.NoError(t, err, Logs(err))

	token := ix.Accounts[0].Pubkey
	move, err := p.MakeMove(player.PublicKey(), sessionKey.PublicKey(), &token, program.Move{FromRow: 0, FromCol: 0, ToRow: 1, ToCol: 0})
	require.NoError(t, err)
	_, err = submit(t, net.Base, player, move, sessionKey)
	require.NoError(t, err)

	// Without the token the session key is not the player.
	move, err = p.MakeMove(player.PublicKey(), sessionKey.PublicKey(), nil, program.Move{FromRow: 0, FromCol: 0, ToRow: 1, ToCol: 0})
	require.NoError(t, err)
	_, err = submit(t, net.Base, player, move, sessionKey)
	require.Equal(t, program.ErrCodeInvalidAuth.Code, customCode(t, err))

	now = now.Add(2 * time.Hour)
	move, err = p.MakeMove(player.PublicKey(), sessionKey.PublicKey(), &token, program.Move{FromRow: 0, FromCol: 0, ToRow: 1, ToCol: 0})
	require.NoError(t, err)
	_, err = submit(t, net.Base, player, move, sessionKey)
	require.Equal(t, program.ErrCodeInvalidAuth.Code, customCode(t, err), "expired token")
}

func TestNetwork_Rejections(t *testing.T) {
	p := program.New(program.DefaultProgramID, codec.LevelsLayout)
	net := NewNetwork(p)
	player, err := crypto.GenerateKeypair()
	require.NoError(t, err)
	ix, err := p.InitializePlayer(player.PublicKey(), "dave")
	require.NoError(t, err)

	msg, err := types.NewMessage(player.PublicKey(), []types.Instruction{ix}, types.Hash(types.SHA256([]byte("stale"))))
	require.NoError(t, err)
	tx := types.NewTransaction(msg)
	require.NoError(t, crypto.SignTransaction(tx, player))
	_, err = net.Base.SendTransaction(context.Background(), tx)
	var rej *ledger.RejectionError
	require.ErrorAs(t, err, &rej)
	require.Equal(t, "BlockhashNotFound", rej.Tx.Kind)

	net.Base.FailSends(context.DeadlineExceeded)
	_, err = submit(t, net.Base, player, ix)
	require.True(t, ledger.IsTransport(err))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	net.Base.FailSends(nil)

	net.Ephemeral.FailReads(context.DeadlineExceeded)
	_, err = net.Ephemeral.GetAccountInfo(context.Background(), player.PublicKey())
	require.True(t, ledger.IsTransport(err))
}

func TestNetwork_GaslessEphemeral(t *testing.T) {
	p := program.New(program.DefaultProgramID, codec.LevelsLayout)
	net := NewNetwork(p)
	player, err := crypto.GenerateKeypair()
	require.NoError(t, err)
	sessionKey, err := crypto.GenerateKeypair()
	require.NoError(t, err)

	topUp := true
	validUntil := time.Now().Add(time.Hour).Unix()
	createSession, err := p.CreateSession(player.PublicKey(), sessionKey.PublicKey(), program.CreateSessionArgs{TopUp: &topUp, ValidUntil: &validUntil})
	require.NoError(t, err)
	for _, build := range []func() (types.Instruction, error){
		func() (types.Instruction, error) { return p.InitializePlayer(player.PublicKey(), "erin") },
		func() (types.Instruction, error) { return p.StartGame(player.PublicKey(), 1) },
		func() (types.Instruction, error) { return p.DelegateGame(player.PublicKey(), nil) },
	} {
		ix, err := build()
		require.NoError(t, err)
		_, err = submit(t, net.Base, player, ix)
		require.NoError(t, err)
	}
	_, err = submit(t, net.Base, player, createSession, sessionKey)
	require.NoError(t, err)

	token := createSession.Accounts[0].Pubkey
	move, err := p.MakeMove(player.PublicKey(), sessionKey.PublicKey(), &token, program.Move{FromRow: 2, FromCol: 2, ToRow: 2, ToCol: 3})
	require.NoError(t, err)

	// The player pays but only the session key signs.
	unsigned := func(v *Venue) *types.Transaction {
		hash, _, err := v.GetLatestBlockhash(context.Background())
		require.NoError(t, err)
		msg, err := types.NewMessage(player.PublicKey(), []types.Instruction{move}, hash)
		require.NoError(t, err)
		tx := types.NewTransaction(msg)
		require.NoError(t, crypto.SignTransaction(tx, sessionKey))
		return tx
	}

	_, err = net.Base.SendTransaction(context.Background(), unsigned(net.Base))
	var rej *ledger.RejectionError
	require.ErrorAs(t, err, &rej)
	require.Equal(t, codeSigVerifyFailure, rej.Code)

	tx := unsigned(net.Ephemeral)
	sig, err := net.Ephemeral.SendTransaction(context.Background(), tx)
	require.NoError(t, err, Logs(err))
	require.False(t, sig.IsZero())
	require.NoError(t, net.Ephemeral.ConfirmTransaction(context.Background(), sig))

	subs := net.Ephemeral.Submissions()
	require.Len(t, subs, 1)
	require.Equal(t, player.PublicKey(), subs[0].FeePayer)
	require.Equal(t, []string{program.IxMakeMove}, subs[0].Instructions)
}
