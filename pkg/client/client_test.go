package client

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/sugarcrush/internal/ledgertest"
	"github.com/fortiblox/sugarcrush/pkg/codec"
	"github.com/fortiblox/sugarcrush/pkg/crypto"
	"github.com/fortiblox/sugarcrush/pkg/delegation"
	"github.com/fortiblox/sugarcrush/pkg/ledger"
	"github.com/fortiblox/sugarcrush/pkg/pda"
	"github.com/fortiblox/sugarcrush/pkg/program"
	"github.com/fortiblox/sugarcrush/pkg/sessionkey"
	"github.com/fortiblox/sugarcrush/pkg/store"
	"github.com/fortiblox/sugarcrush/pkg/types"
	"github.com/fortiblox/sugarcrush/pkg/wallet"
)

// countingWallet counts signing requests.
type countingWallet struct {
	*wallet.KeypairWallet
	signs atomic.Int32
}

func (w *countingWallet) SignTransactions(ctx context.Context, txs []*types.Transaction) ([]*types.Transaction, error) {
	w.signs.Add(1)
	return w.KeypairWallet.SignTransactions(ctx, txs)
}

type fixture struct {
	client *Client
	net    *ledgertest.Network
	wallet *countingWallet
	store  store.Store
	player types.Pubkey
}

func newFixture(t *testing.T, approve wallet.ApproveFunc, opts ...Option) *fixture {
	t.Helper()
	p := program.New(program.DefaultProgramID, codec.LevelsLayout)
	net := ledgertest.NewNetwork(p)
	kp, err := crypto.GenerateKeypair()
	require.NoError(t, err)
	w := &countingWallet{KeypairWallet: wallet.NewKeypairWallet(kp, approve)}
	s := store.NewMemoryStore()

	opts = append([]Option{WithStore(s), WithSettleDelay(0)}, opts...)
	c, err := New(net.Base, net.Ephemeral, w, p, opts...)
	require.NoError(t, err)
	return &fixture{client: c, net: net, wallet: w, store: s, player: kp.PublicKey()}
}

func (f *fixture) connect(t *testing.T) {
	t.Helper()
	player, err := f.client.Connect(context.Background())
	require.NoError(t, err)
	require.Equal(t, f.player, player)
}

// ready connects, creates the profile and starts a level 1 game.
func (f *fixture) ready(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	f.connect(t)
	_, err := f.client.InitializePlayer(ctx, "alice")
	require.NoError(t, err)
	_, err = f.client.StartGame(ctx, 1)
	require.NoError(t, err)
}

func TestNew_Validation(t *testing.T) {
	p := program.New(program.DefaultProgramID, codec.LevelsLayout)
	net := ledgertest.NewNetwork(p)
	kp, err := crypto.GenerateKeypair()
	require.NoError(t, err)
	w := wallet.NewKeypairWallet(kp, nil)

	_, err = New(net.Ephemeral, net.Base, w, p)
	require.Error(t, err)
	_, err = New(net.Base, net.Ephemeral, nil, p)
	require.Error(t, err)
	_, err = New(net.Base, net.Ephemeral, w, p, WithFeePayer("nobody"))
	require.Error(t, err)
}

func TestClient_NotConnected(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.client.StartGame(ctx, 1)
	require.ErrorIs(t, err, ErrNotConnected)
	_, err = f.client.MakeMove(ctx, program.Move{FromRow: 0, FromCol: 0, ToRow: 0, ToCol: 1})
	require.ErrorIs(t, err, ErrNotConnected)
	_, err = f.client.RefreshProfile(ctx)
	require.ErrorIs(t, err, ErrNotConnected)
	require.Equal(t, delegation.StatusUndelegated, f.client.DelegationStatus())
}

func TestClient_VenueSelection(t *testing.T) {
	f := newFixture(t, nil)
	f.ready(t)
	ctx := context.Background()

	ops := []Operation{
		OpInitializePlayer, OpInitializeCollection, OpStartGame, OpEndGame, OpMintVictoryNFT,
		OpDelegateGame, OpCommitGame, OpUndelegateGame, OpCreateSession,
	}
	for _, op := range ops {
		assert.Equal(t, ledger.VenueBase, f.client.VenueFor(op), op)
	}
	assert.Equal(t, ledger.VenueBase, f.client.VenueFor(OpMakeMove))

	res, err := f.client.MakeMove(ctx, program.Move{FromRow: 0, FromCol: 0, ToRow: 0, ToCol: 1})
	require.NoError(t, err)
	require.Equal(t, ledger.VenueBase, res.Venue)
	require.Equal(t, SignerWallet, res.Signer)

	_, err = f.client.DelegateGame(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, delegation.StatusDelegated, f.client.DelegationStatus())

	for _, op := range ops {
		assert.Equal(t, ledger.VenueBase, f.client.VenueFor(op), op)
	}
	assert.Equal(t, ledger.VenueEphemeral, f.client.VenueFor(OpMakeMove))

	res, err = f.client.MakeMove(ctx, program.Move{FromRow: 0, FromCol: 1, ToRow: 1, ToCol: 1})
	require.NoError(t, err)
	require.Equal(t, ledger.VenueEphemeral, res.Venue)
	require.Equal(t, uint64(2*ledgertest.MoveScore), f.client.Game().Score)
	require.Equal(t, uint64(1), f.client.Metrics().Submissions.Value(string(ledger.VenueEphemeral)))
}

func TestClient_BusyGuard(t *testing.T) {
	entered := make(chan struct{})
	unblock := make(chan struct{})
	var calls atomic.Int32
	approve := func(ctx context.Context, _ []*types.Transaction) bool {
		if calls.Add(1) == 1 {
			close(entered)
			<-unblock
		}
		return true
	}
	f := newFixture(t, approve)
	f.connect(t)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := f.client.InitializePlayer(ctx, "alice")
		done <- err
	}()
	<-entered
	require.True(t, f.client.Busy())

	_, err := f.client.InitializePlayer(ctx, "alice")
	require.ErrorIs(t, err, ErrBusy)
	_, err = f.client.MakeMove(ctx, program.Move{FromRow: 0, FromCol: 0, ToRow: 0, ToCol: 1})
	require.ErrorIs(t, err, ErrBusy)
	require.Equal(t, uint64(2), f.client.Metrics().BusyRejections.Value())

	close(unblock)
	require.NoError(t, <-done)
	require.False(t, f.client.Busy())
	require.Len(t, f.net.Base.Submissions(), 1)
}

func TestClient_ErrorTaxonomy(t *testing.T) {
	f := newFixture(t, nil)
	f.connect(t)
	ctx := context.Background()
	m := f.client.Metrics()

	_, err := f.client.InitializePlayer(ctx, "alice")
	require.NoError(t, err)

	t.Run("program rejection", func(t *testing.T) {
		_, err := f.client.StartGame(ctx, 2)
		require.True(t, ledger.IsRejection(err))
		require.ErrorIs(t, err, program.ErrCodeLevelLocked)
		var rej *ledger.RejectionError
		require.ErrorAs(t, err, &rej)
		require.NotEmpty(t, rej.Logs)
		require.Equal(t, uint64(1), m.Rejections.Value(string(ledger.VenueBase)))
	})

	t.Run("invalid level is caught locally", func(t *testing.T) {
		before := len(f.net.Base.Submissions())
		_, err := f.client.StartGame(ctx, 11)
		require.Error(t, err)
		require.False(t, ledger.IsRejection(err))
		require.Len(t, f.net.Base.Submissions(), before)
	})

	t.Run("transport failure", func(t *testing.T) {
		f.net.Base.FailSends(context.DeadlineExceeded)
		defer f.net.Base.FailSends(nil)
		_, err := f.client.StartGame(ctx, 1)
		require.True(t, ledger.IsTransport(err))
		require.False(t, ledger.IsRejection(err))
		require.ErrorIs(t, err, context.DeadlineExceeded)
		require.Equal(t, uint64(1), m.TransportFailures.Value(string(ledger.VenueBase)))
	})

	t.Run("confirmation failure", func(t *testing.T) {
		f.net.Base.FailConfirms(ledger.ErrConfirmTimeout)
		defer f.net.Base.FailConfirms(nil)
		_, err := f.client.StartGame(ctx, 1)
		require.ErrorIs(t, err, ledger.ErrConfirmTimeout)
	})
}

func TestClient_WalletDeclined(t *testing.T) {
	f := newFixture(t, func(context.Context, []*types.Transaction) bool { return false })
	f.connect(t)

	_, err := f.client.InitializePlayer(context.Background(), "alice")
	require.ErrorIs(t, err, wallet.ErrDeclined)
	require.Empty(t, f.net.Base.Submissions())
	require.Equal(t, uint64(1), f.client.Metrics().TransportFailures.Value(string(ledger.VenueBase)))
	require.False(t, f.client.Busy())
}

func TestClient_ReadFallback(t *testing.T) {
	f := newFixture(t, nil)
	f.ready(t)
	ctx := context.Background()
	_, err := f.client.DelegateGame(ctx, nil)
	require.NoError(t, err)

	f.net.Ephemeral.FailReads(errors.New("connection refused"))
	game, err := f.client.RefreshGame(ctx)
	require.NoError(t, err)
	require.True(t, game.IsActive)
	require.Equal(t, uint64(1), f.client.Metrics().ReadFallbacks.Value())

	f.net.Ephemeral.FailReads(nil)
	reads := f.net.Ephemeral.Reads()
	_, err = f.client.RefreshGame(ctx)
	require.NoError(t, err)
	require.Equal(t, reads+1, f.net.Ephemeral.Reads())
	require.Equal(t, uint64(1), f.client.Metrics().ReadFallbacks.Value())
}

func TestClient_SessionFallsBackToWallet(t *testing.T) {
	f := newFixture(t, nil)
	f.ready(t)
	ctx := context.Background()
	_, err := f.client.DelegateGame(ctx, nil)
	require.NoError(t, err)

	// Without a session key the wallet signs the ephemeral move.
	signs := f.wallet.signs.Load()
	res, err := f.client.MakeMove(ctx, program.Move{FromRow: 0, FromCol: 0, ToRow: 0, ToCol: 1})
	require.NoError(t, err)
	require.Equal(t, SignerWallet, res.Signer)
	require.Equal(t, signs+1, f.wallet.signs.Load())

	_, _, err = f.client.CreateSession(ctx)
	require.NoError(t, err)
	require.NoError(t, f.client.ClearSession())

	res, err = f.client.MakeMove(ctx, program.Move{FromRow: 0, FromCol: 1, ToRow: 0, ToCol: 2})
	require.NoError(t, err)
	require.Equal(t, SignerWallet, res.Signer)
}

func TestClient_ExpiredSessionKey(t *testing.T) {
	now := time.Now()
	s := store.NewMemoryStore()
	sessions := sessionkey.NewManager(s, sessionkey.WithClock(func() time.Time { return now }))

	f := newFixture(t, nil, WithStore(s), WithSessionManager(sessions))
	f.ready(t)
	ctx := context.Background()
	_, err := f.client.DelegateGame(ctx, nil)
	require.NoError(t, err)
	_, _, err = f.client.CreateSession(ctx)
	require.NoError(t, err)

	now = now.Add(sessionkey.DefaultDuration + time.Minute)
	_, err = f.client.SessionKey()
	require.ErrorIs(t, err, sessionkey.ErrExpired)

	res, err := f.client.MakeMove(ctx, program.Move{FromRow: 0, FromCol: 0, ToRow: 0, ToCol: 1})
	require.NoError(t, err)
	require.Equal(t, SignerWallet, res.Signer)
	require.False(t, s.Has(store.KeySessionSecret))
}

func TestClient_FeePayerSession(t *testing.T) {
	f := newFixture(t, nil, WithFeePayer(FeePayerSession))
	f.ready(t)
	ctx := context.Background()

	key, _, err := f.client.CreateSession(ctx)
	require.NoError(t, err)

	signs := f.wallet.signs.Load()
	res, err := f.client.MakeMove(ctx, program.Move{FromRow: 1, FromCol: 1, ToRow: 1, ToCol: 2})
	require.NoError(t, err)
	require.Equal(t, ledger.VenueBase, res.Venue)
	require.Equal(t, SignerSession, res.Signer)
	require.Equal(t, signs, f.wallet.signs.Load())

	subs := f.net.Base.Submissions()
	last := subs[len(subs)-1]
	require.Equal(t, key.PublicKey(), last.FeePayer)
	require.Equal(t, []string{program.IxMakeMove}, last.Instructions)
}

func TestClient_CreateSessionRejected(t *testing.T) {
	f := newFixture(t, nil)
	f.connect(t)

	f.net.Base.FailSends(errors.New("connection reset"))
	_, _, err := f.client.CreateSession(context.Background())
	require.True(t, ledger.IsTransport(err))
	_, err = f.client.SessionKey()
	require.ErrorIs(t, err, sessionkey.ErrNoSession)
	require.False(t, f.store.Has(store.KeySessionSecret))
}

func TestClient_ConnectRestoresAndDisconnectClears(t *testing.T) {
	f := newFixture(t, nil)
	f.ready(t)
	ctx := context.Background()
	_, err := f.client.DelegateGame(ctx, nil)
	require.NoError(t, err)
	_, _, err = f.client.CreateSession(ctx)
	require.NoError(t, err)

	for _, key := range []string{store.KeyWalletAddress, store.KeyPlayerProfile, store.KeySessionSecret, store.KeySessionExpiry} {
		require.True(t, f.store.Has(key), key)
	}
	status, err := f.store.Get(store.KeyDelegationStatus)
	require.NoError(t, err)
	require.Equal(t, "delegated", status)

	// A second client on the same store restores the cached profile and the
	// session key even when the base venue is unreachable.
	f.net.Base.FailReads(errors.New("offline"))
	restored, err := New(f.net.Base, f.net.Ephemeral, f.wallet, f.client.Program(), WithStore(f.store), WithSettleDelay(0))
	require.NoError(t, err)
	_, err = restored.Connect(ctx)
	require.NoError(t, err)
	require.NotNil(t, restored.Profile())
	require.Equal(t, "alice", restored.Profile().Name)
	_, err = restored.SessionKey()
	require.NoError(t, err)
	// The game session comes from the account cache.
	require.NotNil(t, restored.Game())
	require.Equal(t, uint8(1), restored.Game().Level)
	snap, err := restored.Cached(restored.Addresses().GameSession.Pubkey)
	require.NoError(t, err)
	require.NotNil(t, snap)
	f.net.Base.FailReads(nil)

	require.NoError(t, restored.Disconnect(ctx))
	require.False(t, restored.Connected())
	require.Nil(t, restored.Profile())
	for _, key := range []string{store.KeyWalletAddress, store.KeyPlayerProfile, store.KeySessionSecret, store.KeySessionExpiry, store.KeyDelegationStatus} {
		require.False(t, f.store.Has(key), key)
	}
	_, err = restored.MakeMove(ctx, program.Move{FromRow: 0, FromCol: 0, ToRow: 0, ToCol: 1})
	require.ErrorIs(t, err, ErrNotConnected)
	require.Zero(t, restored.Metrics().SessionKeyExpires.Value())
}

func TestClient_Watch(t *testing.T) {
	f := newFixture(t, nil)
	f.connect(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := f.client.InitializePlayer(ctx, "alice")
	require.NoError(t, err)

	updates := make(chan Update, 64)
	done := make(chan error, 1)
	go func() {
		done <- f.client.Watch(ctx, func(u Update) { updates <- u })
	}()

	// The profile snapshot arrives first.
	waitFor(t, updates, func(u Update) bool {
		return u.Kind == UpdateProfile && u.Profile != nil && u.Profile.Name == "alice"
	})

	_, err = f.client.StartGame(ctx, 1)
	require.NoError(t, err)
	waitFor(t, updates, func(u Update) bool {
		return u.Kind == UpdateGame && u.Venue == ledger.VenueBase && u.Game != nil && u.Game.IsActive
	})

	_, err = f.client.DelegateGame(ctx, nil)
	require.NoError(t, err)
	waitFor(t, updates, func(u Update) bool {
		return u.Kind == UpdateDelegation && u.Delegation == delegation.StatusDelegated
	})

	_, err = f.client.MakeMove(ctx, program.Move{FromRow: 0, FromCol: 0, ToRow: 0, ToCol: 1})
	require.NoError(t, err)
	waitFor(t, updates, func(u Update) bool {
		return u.Kind == UpdateGame && u.Venue == ledger.VenueEphemeral && u.Game != nil && u.Game.Score == ledgertest.MoveScore
	})
	require.NotZero(t, f.client.Metrics().AccountUpdates.Value(string(ledger.VenueEphemeral)))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestClient_WatchStopsOnDisconnect(t *testing.T) {
	f := newFixture(t, nil)
	f.ready(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	addrs := f.client.Addresses()

	updates := make(chan Update, 64)
	done := make(chan error, 1)
	go func() {
		done <- f.client.Watch(ctx, func(u Update) { updates <- u })
	}()
	waitFor(t, updates, func(u Update) bool { return u.Kind == UpdateProfile && u.Profile != nil })

	require.NoError(t, f.client.Disconnect(ctx))
	require.Nil(t, f.client.Profile())
	require.False(t, f.store.Has(store.KeyPlayerProfile))

	// Account changes that arrive after the disconnect must not bring the
	// player state back.
	game := f.net.Account(ledger.VenueBase, addrs.GameSession.Pubkey)
	require.NotNil(t, game)
	game.Owner = types.DelegationProgramID
	f.net.SetAccount(ledger.VenueBase, addrs.GameSession.Pubkey, game)
	profile := f.net.Account(ledger.VenueBase, addrs.PlayerProfile.Pubkey)
	require.NotNil(t, profile)
	profile.Lamports++
	f.net.SetAccount(ledger.VenueBase, addrs.PlayerProfile.Pubkey, profile)

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrNotConnected)
	case <-time.After(5 * time.Second):
		t.Fatal("watch outlived the connection")
	}
	require.False(t, f.client.Connected())
	require.Nil(t, f.client.Profile())
	require.Nil(t, f.client.Game())
	require.False(t, f.store.Has(store.KeyPlayerProfile))
	require.False(t, f.store.Has(store.KeyDelegationStatus))
	require.Equal(t, int64(delegation.StatusUndelegated), f.client.Metrics().DelegationStatus.Value())
}

func TestClient_StaleReadsAreDropped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.ready(t)
	addrs := f.client.Addresses()
	profile := f.net.Account(ledger.VenueBase, addrs.PlayerProfile.Pubkey)
	game := f.net.Account(ledger.VenueBase, addrs.GameSession.Pubkey)

	testCases := []struct {
		name  string
		reset func(t *testing.T)
	}{
		{"reconnect", func(t *testing.T) { f.connect(t) }},
		{"disconnect", func(t *testing.T) { require.NoError(t, f.client.Disconnect(ctx)) }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if !f.client.Connected() {
				f.connect(t)
			}
			// A read issued on the previous connection completes late.
			cn, err := f.client.session()
			require.NoError(t, err)
			tc.reset(t)
			f.client.mu.Lock()
			f.client.profile = nil
			f.client.mu.Unlock()
			require.NoError(t, f.store.Delete(store.KeyPlayerProfile))

			_, err = f.client.applyProfile(cn, profile, 0)
			require.ErrorIs(t, err, ErrNotConnected)
			_, err = f.client.applyGame(cn, game, 0)
			require.ErrorIs(t, err, ErrNotConnected)
			require.Nil(t, f.client.Profile())
			require.False(t, f.store.Has(store.KeyPlayerProfile))
		})
	}
}

func waitFor(t *testing.T, updates <-chan Update, match func(Update) bool) Update {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case u := <-updates:
			if match(u) {
				return u
			}
		case <-deadline:
			t.Fatal("timed out waiting for update")
		}
	}
}

// TestClient_EndToEnd plays levels 1 and 2 to unlock level 3, then plays
// level 3 with session-key moves on the ephemeral venue.
func TestClient_EndToEnd(t *testing.T) {
	f := newFixture(t, nil)
	c := f.client
	ctx := context.Background()
	f.connect(t)

	_, err := c.InitializePlayer(ctx, "alice")
	require.NoError(t, err)
	for _, round := range []struct {
		level uint8
		score uint64
	}{{1, 80}, {2, 120}} {
		_, err := c.StartGame(ctx, round.level)
		require.NoError(t, err)
		_, err = c.EndGame(ctx, round.score)
		require.NoError(t, err)
	}
	profile := c.Profile()
	require.NotNil(t, profile)
	require.True(t, profile.IsUnlocked(c.Program().Layout, 3))
	winsBefore := profile.TotalWins

	// The game session address is derived from the player alone.
	want, err := pda.GameSession(c.Program().ID, f.player)
	require.NoError(t, err)
	again, err := pda.GameSession(c.Program().ID, f.player)
	require.NoError(t, err)
	require.Equal(t, want, again)
	require.Equal(t, want, c.Addresses().GameSession)

	res, err := c.StartGame(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, ledger.VenueBase, res.Venue)
	game := c.Game()
	require.NotNil(t, game)
	require.Equal(t, uint8(3), game.Level)
	require.True(t, game.IsActive)
	require.Zero(t, game.Score)

	_, err = c.DelegateGame(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, delegation.StatusDelegated, c.DelegationStatus())
	key, _, err := c.CreateSession(ctx)
	require.NoError(t, err)

	signs := f.wallet.signs.Load()
	moves := []program.Move{
		{FromRow: 0, FromCol: 0, ToRow: 0, ToCol: 1},
		{FromRow: 1, FromCol: 1, ToRow: 2, ToCol: 1},
		{FromRow: 4, FromCol: 6, ToRow: 3, ToCol: 6},
		{FromRow: 2, FromCol: 3, ToRow: 2, ToCol: 2},
		{FromRow: 3, FromCol: 0, ToRow: 4, ToCol: 0},
	}
	last := uint64(0)
	for _, mv := range moves {
		res, err := c.MakeMove(ctx, mv)
		require.NoError(t, err)
		require.Equal(t, ledger.VenueEphemeral, res.Venue)
		require.Equal(t, SignerSession, res.Signer)
		score := c.Game().Score
		require.Greater(t, score, last)
		last = score
	}
	require.Equal(t, signs, f.wallet.signs.Load(), "session moves must not reach the wallet")
	require.Equal(t, uint64(len(moves)), c.Metrics().SessionSignatures.Value())
	for _, sub := range f.net.Ephemeral.Submissions() {
		require.Equal(t, f.player, sub.FeePayer)
		require.Contains(t, sub.Signers, key.PublicKey())
	}

	_, err = c.UndelegateGame(ctx)
	require.NoError(t, err)
	require.Equal(t, delegation.StatusUndelegated, c.DelegationStatus())
	require.Equal(t, last, c.Game().Score)

	_, err = c.EndGame(ctx, 250)
	require.NoError(t, err)
	profile = c.Profile()
	require.Equal(t, uint64(250), profile.Levels[2].HighScore)
	require.True(t, profile.Levels[2].Completed)
	require.Equal(t, winsBefore+1, profile.TotalWins)
	require.False(t, c.Game().IsActive)

	_, err = c.InitializeCollection(ctx)
	require.NoError(t, err)
	res, mint, err := c.MintVictoryNFT(ctx)
	require.NoError(t, err)
	require.False(t, mint.IsZero())
	require.Equal(t, ledger.VenueBase, res.Venue)
	collection, err := c.Collection(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), collection.TotalVictories)
}
