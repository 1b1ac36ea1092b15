package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fortiblox/sugarcrush/pkg/crypto"
	"github.com/fortiblox/sugarcrush/pkg/delegation"
	"github.com/fortiblox/sugarcrush/pkg/ledger"
	"github.com/fortiblox/sugarcrush/pkg/program"
	"github.com/fortiblox/sugarcrush/pkg/types"
)

// Operation names a client operation for routing and logs.
type Operation string

const (
	OpInitializePlayer     Operation = "initialize_player"
	OpInitializeCollection Operation = "initialize_collection"
	OpStartGame            Operation = "start_game"
	OpMakeMove             Operation = "make_move"
	OpEndGame              Operation = "end_game"
	OpMintVictoryNFT       Operation = "mint_victory_nft"
	OpDelegateGame         Operation = "delegate_game"
	OpCommitGame           Operation = "commit_game"
	OpUndelegateGame       Operation = "undelegate_game"
	OpCreateSession        Operation = "create_session"
)

// Signer kinds reported in Result.Signer.
const (
	SignerWallet  = "wallet"
	SignerSession = "session"
)

// Result describes a confirmed submission.
type Result struct {
	OperationID string
	Operation   Operation
	Signature   types.Signature
	Venue       ledger.Venue
	Signer      string
	Latency     time.Duration
}

// signing says who pays for and signs a transaction. Local signers sign
// in-process; the wallet signs through its transport when wallet is set.
type signing struct {
	kind     string
	feePayer types.Pubkey
	local    []crypto.Signer
	wallet   bool
}

func walletSigning(player types.Pubkey, extra ...crypto.Signer) signing {
	return signing{kind: SignerWallet, feePayer: player, local: extra, wallet: true}
}

// VenueFor returns the venue op is sent to. Moves go to the ephemeral venue
// while the game session is delegated; everything else goes to the base
// venue.
func (c *Client) VenueFor(op Operation) ledger.Venue {
	if op == OpMakeMove && c.DelegationStatus() == delegation.StatusDelegated {
		return ledger.VenueEphemeral
	}
	return ledger.VenueBase
}

func (c *Client) transport(venue ledger.Venue) ledger.Transport {
	if venue == ledger.VenueEphemeral {
		return c.ephemeral
	}
	return c.base
}

// Submit signs ixs with the wallet plus any extra local signers, sends them
// to the venue VenueFor(op) selects and waits for confirmation. It does not
// retry.
func (c *Client) Submit(ctx context.Context, op Operation, ixs []types.Instruction, extra ...crypto.Signer) (*Result, error) {
	cn, err := c.session()
	if err != nil {
		return nil, err
	}
	return c.submit(ctx, op, c.VenueFor(op), ixs, walletSigning(cn.player, extra...))
}

func (c *Client) submit(ctx context.Context, op Operation, venue ledger.Venue, ixs []types.Instruction, sg signing) (*Result, error) {
	opID := uuid.NewString()
	log := c.logger.With().
		Str("op_id", opID).
		Str("op", string(op)).
		Str("venue", string(venue)).
		Str("signer", sg.kind).
		Logger()
	t := c.transport(venue)

	blockhash, _, err := t.GetLatestBlockhash(ctx)
	if err != nil {
		return nil, c.failed(venue, fmt.Errorf("%s: %w", op, err))
	}
	msg, err := types.NewMessage(sg.feePayer, ixs, blockhash)
	if err != nil {
		return nil, fmt.Errorf("%s: compile message: %w", op, err)
	}
	tx := types.NewTransaction(msg)

	if sg.wallet {
		signed, err := c.wallet.SignTransactions(ctx, []*types.Transaction{tx})
		if err != nil {
			log.Info().Err(err).Msg("wallet did not sign")
			return nil, c.failed(venue, fmt.Errorf("%s: wallet signature: %w", op, err))
		}
		if len(signed) != 1 {
			return nil, fmt.Errorf("%s: wallet returned %d transactions, want 1", op, len(signed))
		}
		tx = signed[0]
		c.metrics.WalletSignatures.Inc()
	}
	if len(sg.local) > 0 {
		if err := crypto.SignTransaction(tx, sg.local...); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}
	if sg.kind == SignerSession {
		c.metrics.SessionSignatures.Inc()
	}

	start := time.Now()
	sig, err := t.SendTransaction(ctx, tx)
	c.metrics.Submissions.Inc(string(venue))
	if err != nil {
		log.Warn().Err(err).Msg("submission failed")
		return nil, c.failed(venue, fmt.Errorf("%s: %w", op, err))
	}
	log = log.With().Stringer("signature", sig).Logger()
	log.Debug().Msg("transaction submitted")

	if err := t.ConfirmTransaction(ctx, sig); err != nil {
		log.Warn().Err(err).Msg("confirmation failed")
		return nil, c.failed(venue, fmt.Errorf("%s: %w", op, err))
	}
	latency := time.Since(start)
	c.metrics.RecordConfirmation(string(venue), latency)
	log.Info().Dur("latency", latency).Msg("transaction confirmed")

	return &Result{
		OperationID: opID,
		Operation:   op,
		Signature:   sig,
		Venue:       venue,
		Signer:      sg.kind,
		Latency:     latency,
	}, nil
}

// failed counts err and attaches the program error a rejection carries.
// Rejections stay matchable as *ledger.RejectionError; everything else is a
// transport failure.
func (c *Client) failed(venue ledger.Venue, err error) error {
	var rej *ledger.RejectionError
	if !errors.As(err, &rej) {
		c.metrics.TransportFailures.Inc(string(venue))
		return err
	}
	c.metrics.Rejections.Inc(string(venue))
	if code, ok := rej.CustomCode(); ok {
		if perr, ok := program.ErrorFromCode(code); ok {
			return fmt.Errorf("%w: %w", err, perr)
		}
	}
	return err
}
