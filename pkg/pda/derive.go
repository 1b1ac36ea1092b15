package pda

import (
	"github.com/fortiblox/sugarcrush/pkg/types"
)

// Seed prefixes used by the game program and its collaborators.
const (
	SeedPlayerProfile      = "player_profile"
	SeedGameSession        = "game_session"
	SeedVictoryCollection  = "victory_collection"
	SeedRewardAuthority    = "reward_authority"
	SeedBuffer             = "buffer"
	SeedDelegation         = "delegation"
	SeedDelegationMetadata = "delegation-metadata"
	SeedSessionToken       = "session_token"
	SeedMetadata           = "metadata"
	SeedEdition            = "edition"
)

// PlayerProfile derives the profile address of authority.
func PlayerProfile(programID, authority types.Pubkey) (Address, error) {
	return FindProgramAddress([][]byte{[]byte(SeedPlayerProfile), authority[:]}, programID)
}

// GameSession derives the single game session address of player.
func GameSession(programID, player types.Pubkey) (Address, error) {
	return FindProgramAddress([][]byte{[]byte(SeedGameSession), player[:]}, programID)
}

// VictoryCollection derives the singleton collection address.
func VictoryCollection(programID types.Pubkey) (Address, error) {
	return DerivePDA(programID, SeedVictoryCollection)
}

// RewardAuthority derives the singleton reward mint authority.
func RewardAuthority(programID types.Pubkey) (Address, error) {
	return DerivePDA(programID, SeedRewardAuthority)
}

// DelegationAccounts are the delegation program's bookkeeping addresses for
// one delegated account.
type DelegationAccounts struct {
	Buffer   Address
	Record   Address
	Metadata Address
}

// Delegation derives the buffer, record and metadata addresses for a
// delegated account, all scoped to the delegation program.
func Delegation(delegationProgramID, delegated types.Pubkey) (DelegationAccounts, error) {
	var out DelegationAccounts
	var err error
	if out.Buffer, err = FindProgramAddress([][]byte{[]byte(SeedBuffer), delegated[:]}, delegationProgramID); err != nil {
		return DelegationAccounts{}, err
	}
	if out.Record, err = FindProgramAddress([][]byte{[]byte(SeedDelegation), delegated[:]}, delegationProgramID); err != nil {
		return DelegationAccounts{}, err
	}
	if out.Metadata, err = FindProgramAddress([][]byte{[]byte(SeedDelegationMetadata), delegated[:]}, delegationProgramID); err != nil {
		return DelegationAccounts{}, err
	}
	return out, nil
}

// SessionToken derives the session token that authorizes sessionSigner to
// act for authority on targetProgram.
func SessionToken(targetProgram, sessionSigner, authority types.Pubkey) (Address, error) {
	return FindProgramAddress([][]byte{
		[]byte(SeedSessionToken),
		targetProgram[:],
		sessionSigner[:],
		authority[:],
	}, types.SessionKeysProgramID)
}

// AssociatedTokenAddress derives the ATA for a wallet and mint.
func AssociatedTokenAddress(wallet, mint types.Pubkey) (Address, error) {
	return FindProgramAddress([][]byte{
		wallet[:],
		types.TokenProgramID[:],
		mint[:],
	}, types.AssociatedTokenProgramID)
}

// TokenMetadata derives the Metaplex metadata account of mint.
func TokenMetadata(mint types.Pubkey) (Address, error) {
	return FindProgramAddress([][]byte{
		[]byte(SeedMetadata),
		types.TokenMetadataProgramID[:],
		mint[:],
	}, types.TokenMetadataProgramID)
}

// MasterEdition derives the Metaplex master edition account of mint.
func MasterEdition(mint types.Pubkey) (Address, error) {
	return FindProgramAddress([][]byte{
		[]byte(SeedMetadata),
		types.TokenMetadataProgramID[:],
		mint[:],
		[]byte(SeedEdition),
	}, types.TokenMetadataProgramID)
}
