// Package program builds the game program's instructions. Builders are pure:
// they derive addresses, order accounts and encode payloads, and never touch
// the network.
package program

import (
	"bytes"
	"fmt"
	"unicode/utf8"

	"github.com/fortiblox/sugarcrush/pkg/codec"
	"github.com/fortiblox/sugarcrush/pkg/pda"
	"github.com/fortiblox/sugarcrush/pkg/types"
)

// DefaultProgramID is the devnet deployment of the game program.
var DefaultProgramID = types.MustPubkeyFromBase58("BjcZsUV8h5A9GxgJuCUem28mWX7vLEfoqEWK113dhfsj")

// MaxNameLen bounds the player display name in bytes.
const MaxNameLen = 32

// Instruction names as declared by the programs.
const (
	IxInitializePlayer     = "initialize_player"
	IxInitializeCollection = "initialize_collection"
	IxStartGame            = "start_game"
	IxMakeMove             = "make_move"
	IxEndGame              = "end_game"
	IxMintVictoryNFT       = "mint_victory_nft"
	IxDelegateGame         = "delegate_game"
	IxCommitGame           = "commit_game"
	IxUndelegateGame       = "undelegate_game"
	IxCreateSession        = "create_session"
)

var instructionNames = []string{
	IxInitializePlayer, IxInitializeCollection, IxStartGame, IxMakeMove, IxEndGame,
	IxMintVictoryNFT, IxDelegateGame, IxCommitGame, IxUndelegateGame, IxCreateSession,
}

// InstructionName identifies a payload by its discriminator.
func InstructionName(data []byte) (string, bool) {
	if len(data) < codec.DiscriminatorSize {
		return "", false
	}
	for _, name := range instructionNames {
		d := codec.InstructionDiscriminator(name)
		if bytes.Equal(data[:codec.DiscriminatorSize], d[:]) {
			return name, true
		}
	}
	return "", false
}

// Program builds instructions for one deployment of the game program.
type Program struct {
	ID                  types.Pubkey
	DelegationProgramID types.Pubkey
	RewardMint          types.Pubkey
	Layout              codec.Layout
}

// New returns a Program with the given id and layout, using the well-known
// delegation program.
func New(id types.Pubkey, layout codec.Layout) *Program {
	return &Program{
		ID:                  id,
		DelegationProgramID: types.DelegationProgramID,
		Layout:              layout,
	}
}

// Addresses are the per-player accounts of the game.
type Addresses struct {
	PlayerProfile pda.Address
	GameSession   pda.Address
}

// PlayerAddresses derives the profile and game session of player.
func (p *Program) PlayerAddresses(player types.Pubkey) (Addresses, error) {
	profile, err := pda.PlayerProfile(p.ID, player)
	if err != nil {
		return Addresses{}, fmt.Errorf("derive player profile: %w", err)
	}
	session, err := pda.GameSession(p.ID, player)
	if err != nil {
		return Addresses{}, fmt.Errorf("derive game session: %w", err)
	}
	return Addresses{PlayerProfile: profile, GameSession: session}, nil
}

func payload(name string) *codec.Writer {
	return codec.NewWriter(32).Discriminator(codec.InstructionDiscriminator(name))
}

// InitializePlayer creates the profile of authority. The levels layout
// carries the display name; the bitmap layout takes no arguments.
func (p *Program) InitializePlayer(authority types.Pubkey, name string) (types.Instruction, error) {
	addrs, err := p.PlayerAddresses(authority)
	if err != nil {
		return types.Instruction{}, err
	}
	data := payload(IxInitializePlayer)
	if p.Layout.Name == codec.LayoutLevels {
		if len(name) > MaxNameLen || !utf8.ValidString(name) {
			return types.Instruction{}, fmt.Errorf("%w: %q", ErrInvalidName, name)
		}
		data.Str(name)
	}
	return types.Instruction{
		ProgramID: p.ID,
		Accounts: []types.AccountMeta{
			types.Writable(addrs.PlayerProfile.Pubkey),
			types.WritableSigner(authority),
			types.Readonly(types.SystemProgramID),
		},
		Data: data.Bytes(),
	}, nil
}

// InitializeCollection creates the singleton victory collection.
func (p *Program) InitializeCollection(authority types.Pubkey) (types.Instruction, error) {
	collection, err := pda.VictoryCollection(p.ID)
	if err != nil {
		return types.Instruction{}, fmt.Errorf("derive victory collection: %w", err)
	}
	return types.Instruction{
		ProgramID: p.ID,
		Accounts: []types.AccountMeta{
			types.Writable(collection.Pubkey),
			types.WritableSigner(authority),
			types.Readonly(types.SystemProgramID),
			types.Readonly(types.SysvarRentID),
		},
		Data: payload(IxInitializeCollection).Bytes(),
	}, nil
}

// StartGame opens the game session of authority at a 1-based level.
func (p *Program) StartGame(authority types.Pubkey, level uint8) (types.Instruction, error) {
	if _, err := LevelConfig(level); err != nil {
		return types.Instruction{}, err
	}
	addrs, err := p.PlayerAddresses(authority)
	if err != nil {
		return types.Instruction{}, err
	}
	return types.Instruction{
		ProgramID: p.ID,
		Accounts: []types.AccountMeta{
			types.Writable(addrs.GameSession.Pubkey),
			types.Readonly(addrs.PlayerProfile.Pubkey),
			types.WritableSigner(authority),
			types.Readonly(types.SystemProgramID),
		},
		Data: payload(IxStartGame).U8(level).Bytes(),
	}, nil
}

// Move swaps the candies at two grid cells.
type Move struct {
	FromRow uint8
	FromCol uint8
	ToRow   uint8
	ToCol   uint8
}

// IsAdjacent reports whether the two cells share an edge.
func (m Move) IsAdjacent() bool {
	dr := int(m.FromRow) - int(m.ToRow)
	dc := int(m.FromCol) - int(m.ToCol)
	return (dr*dr)+(dc*dc) == 1
}

// MakeMove swaps two candies in player's game session. signer is either the
// player or a session key; sessionToken is the token authorizing that key,
// or nil when the player signs directly, in which case the optional slot
// carries the program id.
func (p *Program) MakeMove(player, signer types.Pubkey, sessionToken *types.Pubkey, mv Move) (types.Instruction, error) {
	session, err := pda.GameSession(p.ID, player)
	if err != nil {
		return types.Instruction{}, fmt.Errorf("derive game session: %w", err)
	}
	tokenMeta := types.Readonly(p.ID)
	if sessionToken != nil {
		tokenMeta = types.Readonly(*sessionToken)
	}
	return types.Instruction{
		ProgramID: p.ID,
		Accounts: []types.AccountMeta{
			types.Writable(session.Pubkey),
			types.WritableSigner(signer),
			tokenMeta,
		},
		Data: payload(IxMakeMove).U8(mv.FromRow).U8(mv.FromCol).U8(mv.ToRow).U8(mv.ToCol).Bytes(),
	}, nil
}

// EndGame closes the game session with a final score. The levels layout
// also pays out reward tokens to the player's associated token account.
func (p *Program) EndGame(authority types.Pubkey, finalScore uint64) (types.Instruction, error) {
	addrs, err := p.PlayerAddresses(authority)
	if err != nil {
		return types.Instruction{}, err
	}
	data := payload(IxEndGame).U64(finalScore).Bytes()

	if p.Layout.Name == codec.LayoutBitmap {
		return types.Instruction{
			ProgramID: p.ID,
			Accounts: []types.AccountMeta{
				types.Writable(addrs.GameSession.Pubkey),
				types.Writable(addrs.PlayerProfile.Pubkey),
				types.WritableSigner(authority),
			},
			Data: data,
		}, nil
	}

	ata, err := pda.AssociatedTokenAddress(authority, p.RewardMint)
	if err != nil {
		return types.Instruction{}, fmt.Errorf("derive reward token account: %w", err)
	}
	rewardAuthority, err := pda.RewardAuthority(p.ID)
	if err != nil {
		return types.Instruction{}, fmt.Errorf("derive reward authority: %w", err)
	}
	return types.Instruction{
		ProgramID: p.ID,
		Accounts: []types.AccountMeta{
			types.Writable(addrs.GameSession.Pubkey),
			types.Writable(addrs.PlayerProfile.Pubkey),
			types.Writable(p.RewardMint),
			types.Writable(ata.Pubkey),
			types.Readonly(rewardAuthority.Pubkey),
			types.WritableSigner(authority),
			types.Readonly(types.TokenProgramID),
			types.Readonly(types.AssociatedTokenProgramID),
			types.Readonly(types.SystemProgramID),
		},
		Data: data,
	}, nil
}

// MintVictoryNFT mints a victory NFT for a finished, won game. mint is a
// fresh keypair address that must co-sign.
func (p *Program) MintVictoryNFT(authority, mint types.Pubkey) (types.Instruction, error) {
	addrs, err := p.PlayerAddresses(authority)
	if err != nil {
		return types.Instruction{}, err
	}
	collection, err := pda.VictoryCollection(p.ID)
	if err != nil {
		return types.Instruction{}, fmt.Errorf("derive victory collection: %w", err)
	}
	ata, err := pda.AssociatedTokenAddress(authority, mint)
	if err != nil {
		return types.Instruction{}, fmt.Errorf("derive nft token account: %w", err)
	}
	metadata, err := pda.TokenMetadata(mint)
	if err != nil {
		return types.Instruction{}, fmt.Errorf("derive metadata: %w", err)
	}
	edition, err := pda.MasterEdition(mint)
	if err != nil {
		return types.Instruction{}, fmt.Errorf("derive master edition: %w", err)
	}
	return types.Instruction{
		ProgramID: p.ID,
		Accounts: []types.AccountMeta{
			types.Readonly(addrs.GameSession.Pubkey),
			types.Writable(addrs.PlayerProfile.Pubkey),
			types.Writable(collection.Pubkey),
			types.WritableSigner(mint),
			types.Writable(ata.Pubkey),
			types.Writable(metadata.Pubkey),
			types.Writable(edition.Pubkey),
			types.WritableSigner(authority),
			types.Readonly(types.SystemProgramID),
			types.Readonly(types.TokenProgramID),
			types.Readonly(types.AssociatedTokenProgramID),
			types.Readonly(types.TokenMetadataProgramID),
			types.Readonly(types.SysvarRentID),
		},
		Data: payload(IxMintVictoryNFT).Bytes(),
	}, nil
}

// DelegateGame hands payer's game session to the delegation program. An
// optional validator pins the ephemeral validator.
func (p *Program) DelegateGame(payer types.Pubkey, validator *types.Pubkey) (types.Instruction, error) {
	session, err := pda.GameSession(p.ID, payer)
	if err != nil {
		return types.Instruction{}, fmt.Errorf("derive game session: %w", err)
	}
	deleg, err := pda.Delegation(p.DelegationProgramID, session.Pubkey)
	if err != nil {
		return types.Instruction{}, fmt.Errorf("derive delegation accounts: %w", err)
	}
	accounts := []types.AccountMeta{
		types.ReadonlySigner(payer),
		types.Writable(deleg.Buffer.Pubkey),
		types.Writable(deleg.Record.Pubkey),
		types.Writable(deleg.Metadata.Pubkey),
		types.Writable(session.Pubkey),
		types.Readonly(p.ID),
		types.Readonly(p.DelegationProgramID),
		types.Readonly(types.SystemProgramID),
	}
	if validator != nil {
		accounts = append(accounts, types.Readonly(*validator))
	}
	return types.Instruction{
		ProgramID: p.ID,
		Accounts:  accounts,
		Data:      payload(IxDelegateGame).Bytes(),
	}, nil
}

// CommitGame flushes the delegated game session to the base ledger without
// ending the delegation.
func (p *Program) CommitGame(payer types.Pubkey) (types.Instruction, error) {
	return p.magicInstruction(IxCommitGame, payer)
}

// UndelegateGame commits the game session and returns it to the game
// program.
func (p *Program) UndelegateGame(payer types.Pubkey) (types.Instruction, error) {
	return p.magicInstruction(IxUndelegateGame, payer)
}

func (p *Program) magicInstruction(name string, payer types.Pubkey) (types.Instruction, error) {
	session, err := pda.GameSession(p.ID, payer)
	if err != nil {
		return types.Instruction{}, fmt.Errorf("derive game session: %w", err)
	}
	return types.Instruction{
		ProgramID: p.ID,
		Accounts: []types.AccountMeta{
			types.WritableSigner(payer),
			types.Writable(session.Pubkey),
			types.Readonly(types.MagicProgramID),
			types.Writable(types.MagicContextID),
		},
		Data: payload(name).Bytes(),
	}, nil
}

// CreateSessionArgs are the session-keys program's create_session arguments.
type CreateSessionArgs struct {
	TopUp      *bool
	ValidUntil *int64
	Lamports   *uint64
}

// CreateSession registers sessionSigner as a session key of authority for
// this program.
func (p *Program) CreateSession(authority, sessionSigner types.Pubkey, args CreateSessionArgs) (types.Instruction, error) {
	token, err := pda.SessionToken(p.ID, sessionSigner, authority)
	if err != nil {
		return types.Instruction{}, fmt.Errorf("derive session token: %w", err)
	}
	return types.Instruction{
		ProgramID: types.SessionKeysProgramID,
		Accounts: []types.AccountMeta{
			types.Writable(token.Pubkey),
			types.WritableSigner(sessionSigner),
			types.WritableSigner(authority),
			types.Readonly(p.ID),
			types.Readonly(types.SystemProgramID),
		},
		Data: payload(IxCreateSession).
			OptionBool(args.TopUp).
			OptionI64(args.ValidUntil).
			OptionU64(args.Lamports).
			Bytes(),
	}, nil
}
