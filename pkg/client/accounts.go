package client

import (
	"context"
	"encoding/json"

	"github.com/fortiblox/sugarcrush/pkg/codec"
	"github.com/fortiblox/sugarcrush/pkg/delegation"
	"github.com/fortiblox/sugarcrush/pkg/ledger"
	"github.com/fortiblox/sugarcrush/pkg/pda"
	"github.com/fortiblox/sugarcrush/pkg/store"
	"github.com/fortiblox/sugarcrush/pkg/types"
)

// readGame reads the game session from the ephemeral venue while it is
// delegated, falling back to the base venue when that read fails.
func (c *Client) readGame(ctx context.Context, machine *delegation.Machine, pk types.Pubkey) (*types.Account, ledger.Venue, error) {
	if machine.Delegated() {
		acct, err := c.ephemeral.GetAccountInfo(ctx, pk)
		if err == nil {
			return acct, ledger.VenueEphemeral, nil
		}
		if ctx.Err() != nil {
			return nil, ledger.VenueEphemeral, err
		}
		c.metrics.ReadFallbacks.Inc()
		c.logger.Warn().Err(err).Stringer("account", pk).Msg("ephemeral read failed, reading base venue")
	}
	acct, err := c.base.GetAccountInfo(ctx, pk)
	return acct, ledger.VenueBase, err
}

// RefreshProfile fetches and decodes the player profile from the base
// venue. A profile that does not exist yet yields an error matching
// codec.IsNotFound. If the wallet disconnects or changes while the read is
// in flight, the result is discarded and the error matches ErrNotConnected.
func (c *Client) RefreshProfile(ctx context.Context) (*codec.PlayerProfile, error) {
	cn, err := c.session()
	if err != nil {
		return nil, err
	}
	acct, err := c.base.GetAccountInfo(ctx, cn.addrs.PlayerProfile.Pubkey)
	if err != nil {
		return nil, err
	}
	return c.applyProfile(cn, acct, 0)
}

// RefreshGame fetches and decodes the game session from the venue that
// currently holds it.
func (c *Client) RefreshGame(ctx context.Context) (*codec.GameSession, error) {
	cn, err := c.session()
	if err != nil {
		return nil, err
	}
	acct, _, err := c.readGame(ctx, cn.machine, cn.addrs.GameSession.Pubkey)
	if err != nil {
		return nil, err
	}
	return c.applyGame(cn, acct, 0)
}

// Collection fetches and decodes the victory collection.
func (c *Client) Collection(ctx context.Context) (*codec.VictoryCollection, error) {
	addr, err := pda.VictoryCollection(c.program.ID)
	if err != nil {
		return nil, err
	}
	acct, err := c.base.GetAccountInfo(ctx, addr.Pubkey)
	if err != nil {
		return nil, err
	}
	c.snapshot(addr.Pubkey, acct, 0)
	return c.program.Layout.DecodeVictoryCollection(accountData(acct))
}

func accountData(acct *types.Account) []byte {
	if acct == nil {
		return nil
	}
	return acct.Data
}

// applyProfile decodes acct as the profile of cn and, if cn is still live,
// records it. A closed account clears the profile.
func (c *Client) applyProfile(cn conn, acct *types.Account, slot types.Slot) (*codec.PlayerProfile, error) {
	profile, decodeErr := c.program.Layout.DecodePlayerProfile(accountData(acct))
	if decodeErr != nil && !codec.IsNotFound(decodeErr) {
		return nil, decodeErr
	}
	if profile != nil && profile.Authority != cn.player {
		return nil, errStale
	}
	live := c.ifCurrent(cn, func() {
		c.snapshot(cn.addrs.PlayerProfile.Pubkey, acct, slot)
		c.profile = profile
		c.persistProfile(profile)
	})
	if !live {
		return nil, errStale
	}
	return profile, decodeErr
}

// applyGame decodes acct as the game session of cn and, if cn is still
// live, records it. A closed account clears the game session.
func (c *Client) applyGame(cn conn, acct *types.Account, slot types.Slot) (*codec.GameSession, error) {
	game, decodeErr := c.program.Layout.DecodeGameSession(accountData(acct))
	if decodeErr != nil && !codec.IsNotFound(decodeErr) {
		return nil, decodeErr
	}
	live := c.ifCurrent(cn, func() {
		c.snapshot(cn.addrs.GameSession.Pubkey, acct, slot)
		c.game = game
	})
	if !live {
		return nil, errStale
	}
	return game, decodeErr
}

// restoreGame loads the game session of cn from the account cache.
func (c *Client) restoreGame(cn conn) {
	snap, err := c.Cached(cn.addrs.GameSession.Pubkey)
	if err != nil || snap == nil {
		return
	}
	game, err := c.program.Layout.DecodeGameSession(accountData(snap.Account))
	if err != nil {
		c.logger.Debug().Err(err).Msg("ignoring cached game session")
		return
	}
	c.ifCurrent(cn, func() { c.game = game })
}

// persistProfile stores profile as JSON. A nil profile drops the snapshot.
// Callers hold c.mu.
func (c *Client) persistProfile(profile *codec.PlayerProfile) {
	if profile == nil {
		_ = c.store.Delete(store.KeyPlayerProfile)
		return
	}
	data, err := json.Marshal(profile)
	if err == nil {
		err = c.store.Set(store.KeyPlayerProfile, string(data))
	}
	if err != nil {
		c.logger.Warn().Err(err).Msg("failed to persist profile")
	}
}

// snapshot records the raw account in the account cache. Direct reads do
// not report a slot; slot 0 keeps the slot of the previous snapshot.
func (c *Client) snapshot(pk types.Pubkey, acct *types.Account, slot types.Slot) {
	if acct == nil {
		_ = c.cache.Delete(pk)
		return
	}
	if slot == 0 {
		if prev, err := c.cache.Get(pk); err == nil && prev != nil {
			slot = prev.Slot
		}
	}
	if _, err := c.cache.Put(pk, &store.AccountSnapshot{Slot: slot, Account: acct}); err != nil {
		c.logger.Debug().Err(err).Stringer("account", pk).Msg("account cache write failed")
	}
}

// Cached returns the last raw snapshot observed for pk, or nil.
func (c *Client) Cached(pk types.Pubkey) (*store.AccountSnapshot, error) {
	return c.cache.Get(pk)
}
