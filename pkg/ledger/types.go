// Package ledger implements the JSON-RPC and websocket transport used to talk
// to a ledger venue: account reads, recent blockhashes, transaction submission,
// confirmation and account-change subscriptions.
package ledger

import (
	"context"

	"github.com/fortiblox/sugarcrush/pkg/types"
)

// Venue identifies which ledger endpoint a transport talks to.
type Venue string

const (
	// VenueBase is the authoritative base ledger.
	VenueBase Venue = "base"
	// VenueEphemeral is the ephemeral rollup that delegated accounts move to.
	VenueEphemeral Venue = "ephemeral"
)

// Commitment levels for RPC requests.
type Commitment string

const (
	CommitmentProcessed Commitment = "processed"
	CommitmentConfirmed Commitment = "confirmed"
	CommitmentFinalized Commitment = "finalized"
)

// Account data encodings accepted by getAccountInfo.
const (
	EncodingBase64     = "base64"
	EncodingBase64Zstd = "base64+zstd"
)

// Transport is the contract every venue implements.
type Transport interface {
	// Venue reports which venue this transport is bound to.
	Venue() Venue

	// GetAccountInfo returns the account at pubkey, or nil when it does not exist.
	GetAccountInfo(ctx context.Context, pubkey types.Pubkey) (*types.Account, error)

	// GetLatestBlockhash returns a recent blockhash and its last valid block height.
	GetLatestBlockhash(ctx context.Context) (types.Hash, uint64, error)

	// SendTransaction submits a signed transaction and returns its signature.
	SendTransaction(ctx context.Context, tx *types.Transaction) (types.Signature, error)

	// ConfirmTransaction blocks until sig reaches the configured commitment,
	// the ledger reports it failed, ctx ends or the confirm timeout elapses.
	ConfirmTransaction(ctx context.Context, sig types.Signature) error

	// SubscribeAccount streams changes to pubkey until ctx ends.
	SubscribeAccount(ctx context.Context, pubkey types.Pubkey) (<-chan *AccountUpdate, error)
}

// AccountUpdate represents an observed change to an account.
type AccountUpdate struct {
	Venue     Venue
	Pubkey    types.Pubkey
	Account   *types.Account // nil when the account was closed
	Slot      types.Slot
	Timestamp int64
}

// SignatureStatus is one entry of getSignatureStatuses.
type SignatureStatus struct {
	Slot               types.Slot
	Confirmations      *uint64
	ConfirmationStatus Commitment
	Err                *TransactionError
}

// reached reports whether the status satisfies the wanted commitment.
func (s *SignatureStatus) reached(want Commitment) bool {
	switch want {
	case CommitmentProcessed:
		return true
	case CommitmentFinalized:
		return s.ConfirmationStatus == CommitmentFinalized
	default:
		return s.ConfirmationStatus == CommitmentConfirmed || s.ConfirmationStatus == CommitmentFinalized
	}
}

// Stats tracks transport activity.
type Stats struct {
	Requests      uint64
	Errors        uint64
	AccountsRecv  uint64
	Reconnects    uint64
	PollFallbacks uint64
	LastSlot      types.Slot
}
