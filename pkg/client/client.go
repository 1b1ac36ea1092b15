// Package client is the game client core: it routes player operations to the
// base or ephemeral venue, signs them with the wallet or the session key,
// waits for confirmation and keeps the decoded player state current.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/fortiblox/sugarcrush/pkg/codec"
	"github.com/fortiblox/sugarcrush/pkg/delegation"
	"github.com/fortiblox/sugarcrush/pkg/ledger"
	"github.com/fortiblox/sugarcrush/pkg/metrics"
	"github.com/fortiblox/sugarcrush/pkg/program"
	"github.com/fortiblox/sugarcrush/pkg/sessionkey"
	"github.com/fortiblox/sugarcrush/pkg/store"
	"github.com/fortiblox/sugarcrush/pkg/types"
	"github.com/fortiblox/sugarcrush/pkg/wallet"
)

// DefaultSettleDelay is how long the client waits after a delegate or
// undelegate confirms before probing the new owner.
const DefaultSettleDelay = 2 * time.Second

var (
	// ErrBusy is returned when another operation is still in flight.
	ErrBusy = errors.New("client: another operation is in flight")

	// ErrNotConnected is returned by operations that need a wallet.
	ErrNotConnected = errors.New("client: wallet not connected")

	errStale = fmt.Errorf("%w: connection changed", ErrNotConnected)
)

// FeePayer selects who pays for session-key moves.
type FeePayer string

const (
	// FeePayerWallet keeps the wallet as fee payer. Session keys are then
	// only used on the ephemeral venue, which charges no fees.
	FeePayerWallet FeePayer = "wallet"

	// FeePayerSession makes the session key pay on either venue. The key is
	// funded when the session is registered.
	FeePayerSession FeePayer = "session"
)

// Client is the game client for one wallet at a time.
type Client struct {
	base      ledger.Transport
	ephemeral ledger.Transport
	wallet    wallet.Transport
	program   *program.Program

	store       store.Store
	cache       *store.AccountCache
	sessions    *sessionkey.Manager
	metrics     *metrics.Metrics
	logger      zerolog.Logger
	feePayer    FeePayer
	settleDelay time.Duration

	busy atomic.Bool

	mu        sync.RWMutex
	connected bool
	epoch     uint64
	player    types.Pubkey
	addrs     program.Addresses
	machine   *delegation.Machine
	profile   *codec.PlayerProfile
	game      *codec.GameSession
}

// conn is one wallet connection as seen by a request. Connect and
// Disconnect advance the epoch; writes carrying an older epoch are dropped.
type conn struct {
	epoch   uint64
	player  types.Pubkey
	addrs   program.Addresses
	machine *delegation.Machine
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithStore sets the local persistence. The default is an in-memory store.
func WithStore(s store.Store) Option {
	return func(c *Client) { c.store = s }
}

// WithSessionManager sets the session key manager. The default manager
// shares the client's store.
func WithSessionManager(m *sessionkey.Manager) Option {
	return func(c *Client) { c.sessions = m }
}

// WithFeePayer sets the fee payer policy for session-key moves.
func WithFeePayer(p FeePayer) Option {
	return func(c *Client) { c.feePayer = p }
}

// WithSettleDelay sets the wait between a confirmed delegate or undelegate
// and the ownership probe that follows it.
func WithSettleDelay(d time.Duration) Option {
	return func(c *Client) { c.settleDelay = d }
}

// New creates a client. base and ephemeral must be bound to their venues.
func New(base, ephemeral ledger.Transport, w wallet.Transport, p *program.Program, opts ...Option) (*Client, error) {
	if base == nil || ephemeral == nil || w == nil || p == nil {
		return nil, errors.New("client: base, ephemeral, wallet and program are required")
	}
	if base.Venue() != ledger.VenueBase || ephemeral.Venue() != ledger.VenueEphemeral {
		return nil, fmt.Errorf("client: transports bound to %s and %s, want %s and %s",
			base.Venue(), ephemeral.Venue(), ledger.VenueBase, ledger.VenueEphemeral)
	}

	c := &Client{
		base:        base,
		ephemeral:   ephemeral,
		wallet:      w,
		program:     p,
		logger:      zerolog.Nop(),
		feePayer:    FeePayerWallet,
		settleDelay: DefaultSettleDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	switch c.feePayer {
	case FeePayerWallet, FeePayerSession:
	default:
		return nil, fmt.Errorf("client: unknown fee payer policy %q", c.feePayer)
	}
	if c.store == nil {
		c.store = store.NewMemoryStore()
	}
	if c.sessions == nil {
		c.sessions = sessionkey.NewManager(c.store, sessionkey.WithLogger(c.logger))
	}
	if c.metrics == nil {
		c.metrics = metrics.NewMetrics()
	}
	c.cache = store.NewAccountCache(c.store)
	return c, nil
}

// Metrics returns the metrics sink.
func (c *Client) Metrics() *metrics.Metrics { return c.metrics }

// Program returns the instruction builder.
func (c *Client) Program() *program.Program { return c.program }

// Sessions returns the session key manager.
func (c *Client) Sessions() *sessionkey.Manager { return c.sessions }

// acquire takes the in-flight guard.
func (c *Client) acquire() (func(), error) {
	if !c.busy.CompareAndSwap(false, true) {
		c.metrics.BusyRejections.Inc()
		return nil, ErrBusy
	}
	return func() { c.busy.Store(false) }, nil
}

// Busy reports whether an operation is in flight.
func (c *Client) Busy() bool { return c.busy.Load() }

// Connect authorizes the wallet, restores persisted state for it and
// refreshes the profile, game session and delegation status. Failed reads
// after authorization are logged and leave the cached state in place.
func (c *Client) Connect(ctx context.Context) (types.Pubkey, error) {
	release, err := c.acquire()
	if err != nil {
		return types.ZeroPubkey, err
	}
	defer release()

	auth, err := c.wallet.Authorize(ctx)
	if err != nil {
		return types.ZeroPubkey, fmt.Errorf("authorize wallet: %w", err)
	}
	player, err := wallet.NormalizeAddress(auth.Address)
	if err != nil {
		return types.ZeroPubkey, err
	}
	addrs, err := c.program.PlayerAddresses(player)
	if err != nil {
		return types.ZeroPubkey, err
	}

	// Invalidate the previous connection before touching its persisted state.
	c.mu.Lock()
	c.epoch++
	epoch := c.epoch
	c.connected = false
	c.machine = nil
	c.profile = nil
	c.game = nil
	c.mu.Unlock()

	if prev, err := c.store.Get(store.KeyWalletAddress); err == nil && prev != player.String() {
		c.logger.Info().Str("previous", prev).Stringer("player", player).Msg("wallet changed, dropping cached state")
		if err := c.forget(); err != nil {
			c.logger.Warn().Err(err).Msg("failed to drop cached state")
		}
	}
	if err := c.store.Set(store.KeyWalletAddress, player.String()); err != nil {
		return types.ZeroPubkey, fmt.Errorf("persist wallet address: %w", err)
	}

	machine := delegation.New(c.base, addrs.GameSession.Pubkey,
		delegation.WithLogger(c.logger),
		delegation.WithDelegationProgram(c.program.DelegationProgramID),
		delegation.WithObserver(func(from, to delegation.Status) {
			c.onDelegation(epoch, from, to)
		}),
	)
	if v, err := c.store.Get(store.KeyDelegationStatus); err == nil {
		if status, err := delegation.ParseStatus(v); err == nil {
			machine.Restore(status)
		}
	}

	c.mu.Lock()
	c.connected = true
	c.player = player
	c.addrs = addrs
	c.machine = machine
	c.profile = c.cachedProfile(player)
	c.mu.Unlock()

	logger := c.logger.With().Stringer("player", player).Logger()
	if key, err := c.sessions.Load(); err == nil {
		c.metrics.SetSessionKeyExpiry(key.ExpiresAt)
		logger.Info().Stringer("session_key", key.PublicKey()).Time("expires_at", key.ExpiresAt).Msg("session key restored")
	} else {
		c.metrics.SetSessionKeyExpiry(time.Time{})
	}

	if _, err := c.RefreshProfile(ctx); err != nil && !codec.IsNotFound(err) {
		logger.Warn().Err(err).Msg("profile refresh failed")
	}
	if _, err := machine.Probe(ctx); err != nil {
		logger.Warn().Err(err).Msg("delegation probe failed")
	}
	if _, err := c.RefreshGame(ctx); err != nil && !codec.IsNotFound(err) {
		logger.Warn().Err(err).Msg("game session refresh failed, using cached snapshot")
		c.restoreGame(conn{epoch: epoch, player: player, addrs: addrs, machine: machine})
	}
	logger.Info().Stringer("delegation", machine.Status()).Msg("wallet connected")
	return player, nil
}

// Disconnect deauthorizes the wallet and clears the wallet address, cached
// profile, delegation status and session key.
func (c *Client) Disconnect(ctx context.Context) error {
	release, err := c.acquire()
	if err != nil {
		return err
	}
	defer release()

	c.mu.Lock()
	player := c.player
	c.epoch++
	c.connected = false
	c.player = types.ZeroPubkey
	c.addrs = program.Addresses{}
	c.machine = nil
	c.profile = nil
	c.game = nil
	c.mu.Unlock()

	var errs []error
	if err := c.wallet.Deauthorize(ctx); err != nil {
		errs = append(errs, fmt.Errorf("deauthorize wallet: %w", err))
	}
	errs = append(errs, c.store.Delete(store.KeyWalletAddress), c.forget())

	c.metrics.DelegationStatus.Set(int64(delegation.StatusUndelegated))
	c.logger.Info().Stringer("player", player).Msg("wallet disconnected")
	return errors.Join(errs...)
}

// forget drops everything persisted for the current wallet.
func (c *Client) forget() error {
	c.metrics.SetSessionKeyExpiry(time.Time{})
	return errors.Join(
		c.store.Delete(store.KeyPlayerProfile),
		c.store.Delete(store.KeyDelegationStatus),
		c.sessions.Clear(),
	)
}

// onDelegation records a status change of the machine created at epoch.
func (c *Client) onDelegation(epoch uint64, _, to delegation.Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch {
		return
	}
	c.metrics.DelegationStatus.Set(int64(to))
	if to == delegation.StatusChecking {
		return
	}
	if err := c.store.Set(store.KeyDelegationStatus, to.String()); err != nil {
		c.logger.Warn().Err(err).Msg("failed to persist delegation status")
	}
}

func (c *Client) cachedProfile(player types.Pubkey) *codec.PlayerProfile {
	v, err := c.store.Get(store.KeyPlayerProfile)
	if err != nil {
		return nil
	}
	var profile codec.PlayerProfile
	if err := json.Unmarshal([]byte(v), &profile); err != nil || profile.Authority != player {
		c.logger.Debug().Err(err).Msg("ignoring cached profile")
		return nil
	}
	return &profile
}

// session returns the live connection.
func (c *Client) session() (conn, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.connected {
		return conn{}, ErrNotConnected
	}
	return conn{epoch: c.epoch, player: c.player, addrs: c.addrs, machine: c.machine}, nil
}

// ifCurrent runs fn under the state lock when cn is still the live
// connection, and reports whether it did.
func (c *Client) ifCurrent(cn conn, fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected || c.epoch != cn.epoch {
		return false
	}
	fn()
	return true
}

// isCurrent reports whether cn is still the live connection.
func (c *Client) isCurrent(cn conn) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected && c.epoch == cn.epoch
}

// Connected reports whether a wallet is connected.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Player returns the connected wallet address.
func (c *Client) Player() types.Pubkey {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.player
}

// Addresses returns the derived accounts of the connected player.
func (c *Client) Addresses() program.Addresses {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.addrs
}

// Profile returns the last observed profile, or nil.
func (c *Client) Profile() *codec.PlayerProfile {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.profile == nil {
		return nil
	}
	p := *c.profile
	return &p
}

// Game returns the last observed game session, or nil.
func (c *Client) Game() *codec.GameSession {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.game == nil {
		return nil
	}
	g := *c.game
	g.Grid = append([]byte(nil), c.game.Grid...)
	return &g
}

// DelegationStatus returns the current delegation status of the game
// session, StatusUndelegated when not connected.
func (c *Client) DelegationStatus() delegation.Status {
	c.mu.RLock()
	m := c.machine
	c.mu.RUnlock()
	if m == nil {
		return delegation.StatusUndelegated
	}
	return m.Status()
}

// SessionKey returns the usable session key.
func (c *Client) SessionKey() (*sessionkey.SessionKey, error) {
	key, err := c.sessions.Current()
	if err != nil {
		c.metrics.SetSessionKeyExpiry(time.Time{})
	}
	return key, err
}
