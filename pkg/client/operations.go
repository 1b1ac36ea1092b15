package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fortiblox/sugarcrush/pkg/crypto"
	"github.com/fortiblox/sugarcrush/pkg/delegation"
	"github.com/fortiblox/sugarcrush/pkg/ledger"
	"github.com/fortiblox/sugarcrush/pkg/pda"
	"github.com/fortiblox/sugarcrush/pkg/program"
	"github.com/fortiblox/sugarcrush/pkg/sessionkey"
	"github.com/fortiblox/sugarcrush/pkg/types"
)

// run performs one guarded wallet-signed operation and refreshes the player
// state afterwards.
func (c *Client) run(ctx context.Context, op Operation, build func(player types.Pubkey) (types.Instruction, error), extra ...crypto.Signer) (*Result, error) {
	release, err := c.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	cn, err := c.session()
	if err != nil {
		return nil, err
	}
	ix, err := build(cn.player)
	if err != nil {
		return nil, err
	}
	res, err := c.submit(ctx, op, c.VenueFor(op), []types.Instruction{ix}, walletSigning(cn.player, extra...))
	if err != nil {
		return nil, err
	}
	c.refresh(ctx, res)
	return res, nil
}

// refresh re-reads the player accounts after a confirmed submission. Read
// failures are logged; the submission itself already succeeded.
func (c *Client) refresh(ctx context.Context, res *Result) {
	if _, err := c.RefreshProfile(ctx); err != nil {
		c.logger.Debug().Err(err).Str("op_id", res.OperationID).Msg("profile refresh after submission failed")
	}
	if _, err := c.RefreshGame(ctx); err != nil {
		c.logger.Debug().Err(err).Str("op_id", res.OperationID).Msg("game refresh after submission failed")
	}
}

// InitializePlayer creates the player profile.
func (c *Client) InitializePlayer(ctx context.Context, name string) (*Result, error) {
	return c.run(ctx, OpInitializePlayer, func(player types.Pubkey) (types.Instruction, error) {
		return c.program.InitializePlayer(player, name)
	})
}

// InitializeCollection creates the victory collection with the connected
// wallet as its authority.
func (c *Client) InitializeCollection(ctx context.Context) (*Result, error) {
	return c.run(ctx, OpInitializeCollection, c.program.InitializeCollection)
}

// StartGame opens a game session at a 1-based level.
func (c *Client) StartGame(ctx context.Context, level uint8) (*Result, error) {
	if _, err := program.LevelConfig(level); err != nil {
		return nil, err
	}
	return c.run(ctx, OpStartGame, func(player types.Pubkey) (types.Instruction, error) {
		return c.program.StartGame(player, level)
	})
}

// EndGame closes the game session with a final score.
func (c *Client) EndGame(ctx context.Context, score uint64) (*Result, error) {
	return c.run(ctx, OpEndGame, func(player types.Pubkey) (types.Instruction, error) {
		return c.program.EndGame(player, score)
	})
}

// MintVictoryNFT mints a victory NFT for the last won game and returns the
// new mint address.
func (c *Client) MintVictoryNFT(ctx context.Context) (*Result, types.Pubkey, error) {
	mint, err := crypto.GenerateKeypair()
	if err != nil {
		return nil, types.ZeroPubkey, fmt.Errorf("generate mint: %w", err)
	}
	res, err := c.run(ctx, OpMintVictoryNFT, func(player types.Pubkey) (types.Instruction, error) {
		return c.program.MintVictoryNFT(player, mint.PublicKey())
	}, mint)
	if err != nil {
		return nil, types.ZeroPubkey, err
	}
	return res, mint.PublicKey(), nil
}

// CommitGame flushes the ephemeral game state to the base venue without
// ending the delegation.
func (c *Client) CommitGame(ctx context.Context) (*Result, error) {
	return c.run(ctx, OpCommitGame, c.program.CommitGame)
}

// DelegateGame delegates the game session to the ephemeral venue and probes
// the result. validator may be nil.
func (c *Client) DelegateGame(ctx context.Context, validator *types.Pubkey) (*Result, error) {
	return c.handoff(ctx, OpDelegateGame, func(player types.Pubkey) (types.Instruction, error) {
		return c.program.DelegateGame(player, validator)
	})
}

// UndelegateGame commits the game session back to the base venue, ends the
// delegation and probes the result.
func (c *Client) UndelegateGame(ctx context.Context) (*Result, error) {
	return c.handoff(ctx, OpUndelegateGame, c.program.UndelegateGame)
}

func (c *Client) handoff(ctx context.Context, op Operation, build func(types.Pubkey) (types.Instruction, error)) (*Result, error) {
	release, err := c.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	cn, err := c.session()
	if err != nil {
		return nil, err
	}
	ix, err := build(cn.player)
	if err != nil {
		return nil, err
	}
	res, err := c.submit(ctx, op, ledger.VenueBase, []types.Instruction{ix}, walletSigning(cn.player))
	if err != nil {
		return nil, err
	}

	if c.settleDelay > 0 {
		timer := time.NewTimer(c.settleDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return res, ctx.Err()
		case <-timer.C:
		}
	}
	status, err := cn.machine.Probe(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Str("op_id", res.OperationID).Msg("delegation probe after handoff failed")
	}
	c.logger.Info().Str("op_id", res.OperationID).Stringer("delegation", status).Msg("game session handed off")
	c.refresh(ctx, res)
	return res, nil
}

// moveSigning picks the signer of a move on venue: the session key when one
// is valid and the fee payer policy allows it there, the wallet otherwise.
func (c *Client) moveSigning(player types.Pubkey, venue ledger.Venue) (signing, *types.Pubkey, error) {
	if c.feePayer == FeePayerWallet && venue != ledger.VenueEphemeral {
		return walletSigning(player), nil, nil
	}
	key, err := c.SessionKey()
	if err != nil {
		if !errors.Is(err, sessionkey.ErrNoSession) {
			c.logger.Warn().Err(err).Msg("session key unavailable")
		}
		return walletSigning(player), nil, nil
	}
	token, err := pda.SessionToken(c.program.ID, key.PublicKey(), player)
	if err != nil {
		return signing{}, nil, fmt.Errorf("derive session token: %w", err)
	}
	sg := signing{kind: SignerSession, feePayer: player, local: []crypto.Signer{key}}
	if c.feePayer == FeePayerSession {
		sg.feePayer = key.PublicKey()
	}
	return sg, &token.Pubkey, nil
}

// MakeMove swaps two candies. While the game session is delegated the move
// goes to the ephemeral venue; a valid session key signs it when the fee
// payer policy allows, otherwise the wallet does.
func (c *Client) MakeMove(ctx context.Context, mv program.Move) (*Result, error) {
	if !mv.IsAdjacent() {
		return nil, program.ErrCodeNotAdjacent
	}
	release, err := c.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	cn, err := c.session()
	if err != nil {
		return nil, err
	}
	venue := c.VenueFor(OpMakeMove)
	sg, token, err := c.moveSigning(cn.player, venue)
	if err != nil {
		return nil, err
	}
	signer := cn.player
	if sg.kind == SignerSession {
		signer = sg.local[0].PublicKey()
	}
	ix, err := c.program.MakeMove(cn.player, signer, token, mv)
	if err != nil {
		return nil, err
	}
	res, err := c.submit(ctx, OpMakeMove, venue, []types.Instruction{ix}, sg)
	if err != nil {
		return nil, err
	}
	if _, err := c.RefreshGame(ctx); err != nil {
		c.logger.Debug().Err(err).Str("op_id", res.OperationID).Msg("game refresh after move failed")
	}
	return res, nil
}

// CreateSession generates a session key, registers it with the
// session-keys program for the key's lifetime and funds it. The wallet and
// the key both sign. A key whose registration fails is discarded.
func (c *Client) CreateSession(ctx context.Context) (*sessionkey.SessionKey, *Result, error) {
	release, err := c.acquire()
	if err != nil {
		return nil, nil, err
	}
	defer release()

	cn, err := c.session()
	if err != nil {
		return nil, nil, err
	}
	key, err := c.sessions.Create()
	if err != nil {
		return nil, nil, err
	}
	topUp := true
	validUntil := key.ExpiresAt.Unix()
	ix, err := c.program.CreateSession(cn.player, key.PublicKey(), program.CreateSessionArgs{
		TopUp:      &topUp,
		ValidUntil: &validUntil,
	})
	if err != nil {
		_ = c.sessions.Clear()
		return nil, nil, err
	}
	res, err := c.submit(ctx, OpCreateSession, ledger.VenueBase, []types.Instruction{ix}, walletSigning(cn.player, key))
	if err != nil {
		if cerr := c.sessions.Clear(); cerr != nil {
			c.logger.Warn().Err(cerr).Msg("failed to discard unregistered session key")
		}
		return nil, nil, err
	}
	c.metrics.SetSessionKeyExpiry(key.ExpiresAt)
	return key, res, nil
}

// ClearSession discards the session key. Later moves fall back to wallet
// signing.
func (c *Client) ClearSession() error {
	c.metrics.SetSessionKeyExpiry(time.Time{})
	return c.sessions.Clear()
}

// ProbeDelegation re-reads the game session owner.
func (c *Client) ProbeDelegation(ctx context.Context) (delegation.Status, error) {
	cn, err := c.session()
	if err != nil {
		return delegation.StatusUndelegated, err
	}
	return cn.machine.Probe(ctx)
}
