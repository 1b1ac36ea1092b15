package client

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/fortiblox/sugarcrush/pkg/codec"
	"github.com/fortiblox/sugarcrush/pkg/delegation"
	"github.com/fortiblox/sugarcrush/pkg/ledger"
	"github.com/fortiblox/sugarcrush/pkg/pda"
	"github.com/fortiblox/sugarcrush/pkg/types"
)

// UpdateKind names the account an Update is about.
type UpdateKind string

const (
	UpdateProfile    UpdateKind = "profile"
	UpdateGame       UpdateKind = "game"
	UpdateCollection UpdateKind = "collection"
	UpdateDelegation UpdateKind = "delegation"
)

// Update is a decoded account change delivered by Watch. Profile, Game or
// Collection is set according to Kind unless the account was closed.
// UpdateDelegation reports a base game session change while the session is
// delegated; only Delegation is meaningful then.
type Update struct {
	Kind       UpdateKind               `json:"kind"`
	Venue      ledger.Venue             `json:"venue"`
	Slot       types.Slot               `json:"slot"`
	Delegation delegation.Status        `json:"delegation"`
	Profile    *codec.PlayerProfile     `json:"profile,omitempty"`
	Game       *codec.GameSession       `json:"game,omitempty"`
	Collection *codec.VictoryCollection `json:"collection,omitempty"`
}

// Watch subscribes to the profile, the victory collection and the game
// session on both venues until ctx ends, applying every update to the
// client state and passing it to fn (which may be nil). Base game session
// updates also drive the delegation status. While the session is delegated
// the ephemeral copy is authoritative; otherwise the base copy is.
//
// Watch is bound to the connection it started on: once the wallet
// disconnects or changes it stops with an error matching ErrNotConnected.
func (c *Client) Watch(ctx context.Context, fn func(Update)) error {
	cn, err := c.session()
	if err != nil {
		return err
	}
	collection, err := pda.VictoryCollection(c.program.ID)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	watch := func(t ledger.Transport, pk types.Pubkey, handle func(*ledger.AccountUpdate) (*Update, error)) {
		g.Go(func() error {
			updates, err := t.SubscribeAccount(ctx, pk)
			if err != nil {
				return fmt.Errorf("subscribe %s on %s: %w", pk, t.Venue(), err)
			}
			for {
				select {
				case <-ctx.Done():
					return nil
				case u, ok := <-updates:
					if !ok {
						return nil
					}
					c.metrics.AccountUpdates.Inc(string(u.Venue))
					out, err := handle(u)
					if errors.Is(err, errStale) || !c.isCurrent(cn) {
						return errStale
					}
					if err != nil {
						c.logger.Warn().Err(err).Stringer("account", pk).Str("venue", string(u.Venue)).Msg("undecodable account update")
						continue
					}
					if out != nil && fn != nil {
						out.Venue = u.Venue
						out.Slot = u.Slot
						out.Delegation = cn.machine.Status()
						fn(*out)
					}
				}
			}
		})
	}

	watch(c.base, cn.addrs.PlayerProfile.Pubkey, func(u *ledger.AccountUpdate) (*Update, error) {
		profile, err := c.applyProfile(cn, u.Account, u.Slot)
		if err != nil && !codec.IsNotFound(err) {
			return nil, err
		}
		return &Update{Kind: UpdateProfile, Profile: profile}, nil
	})

	watch(c.base, collection.Pubkey, func(u *ledger.AccountUpdate) (*Update, error) {
		c.snapshot(u.Pubkey, u.Account, u.Slot)
		coll, err := c.program.Layout.DecodeVictoryCollection(accountData(u.Account))
		if err != nil && !codec.IsNotFound(err) {
			return nil, err
		}
		return &Update{Kind: UpdateCollection, Collection: coll}, nil
	})

	watch(c.base, cn.machine.Session(), func(u *ledger.AccountUpdate) (*Update, error) {
		if cn.machine.Observe(u.Account) == delegation.StatusDelegated {
			return &Update{Kind: UpdateDelegation}, nil
		}
		return c.gameUpdate(cn, u)
	})

	watch(c.ephemeral, cn.machine.Session(), func(u *ledger.AccountUpdate) (*Update, error) {
		if !cn.machine.Delegated() {
			return nil, nil
		}
		return c.gameUpdate(cn, u)
	})

	return g.Wait()
}

func (c *Client) gameUpdate(cn conn, u *ledger.AccountUpdate) (*Update, error) {
	game, err := c.applyGame(cn, u.Account, u.Slot)
	if err != nil && !codec.IsNotFound(err) {
		return nil, err
	}
	return &Update{Kind: UpdateGame, Game: game}, nil
}
