package ledgertest

import (
	"encoding/binary"
	"time"

	"github.com/fortiblox/sugarcrush/pkg/codec"
	"github.com/fortiblox/sugarcrush/pkg/ledger"
	"github.com/fortiblox/sugarcrush/pkg/pda"
	"github.com/fortiblox/sugarcrush/pkg/program"
	"github.com/fortiblox/sugarcrush/pkg/types"
)

// Error codes raised by the simulated runtime besides the game program's own.
const (
	// CodeAlreadyInUse is the system program's "account already in use".
	CodeAlreadyInUse uint32 = 0
	// CodeAccountOwnedByWrongProgram is raised when a delegated account is
	// written on the base venue, or an undelegated one is undelegated.
	CodeAccountOwnedByWrongProgram uint32 = 3007
	// CodeAccountNotInitialized is raised when a required account is missing.
	CodeAccountNotInitialized uint32 = 3012
)

// MoveScore is the score a simulated move adds.
const MoveScore = 30

const accountLamports = 1_000_000

var sessionTokenDiscriminator = codec.AccountDiscriminator("SessionToken")

// gameProgram simulates the on-chain game program closely enough to drive
// the client end to end.
type gameProgram struct {
	p *program.Program
}

func (g *gameProgram) Execute(ctx *ExecutionContext, ix *types.Instruction) error {
	name, ok := program.InstructionName(ix.Data)
	if !ok {
		return builtin("InvalidInstructionData")
	}
	args := ix.Data[codec.DiscriminatorSize:]
	switch name {
	case program.IxInitializePlayer:
		return g.initializePlayer(ctx, ix, args)
	case program.IxInitializeCollection:
		return g.initializeCollection(ctx, ix)
	case program.IxStartGame:
		return g.startGame(ctx, ix, args)
	case program.IxMakeMove:
		return g.makeMove(ctx, ix, args)
	case program.IxEndGame:
		return g.endGame(ctx, ix, args)
	case program.IxMintVictoryNFT:
		return g.mintVictoryNFT(ctx, ix)
	case program.IxDelegateGame:
		return g.delegateGame(ctx, ix)
	case program.IxCommitGame:
		return g.commitGame(ctx, ix, false)
	case program.IxUndelegateGame:
		return g.commitGame(ctx, ix, true)
	default:
		return builtin("InvalidInstructionData")
	}
}

func (g *gameProgram) requireSigner(ctx *ExecutionContext, pk types.Pubkey) error {
	if !ctx.IsSigner(pk) {
		return builtin("MissingRequiredSignature")
	}
	return nil
}

// writable returns the account at pk for writing by the game program. On
// the base venue a delegated account is locked; on the ephemeral venue only
// delegated accounts exist.
func (g *gameProgram) writable(ctx *ExecutionContext, pk types.Pubkey) (*types.Account, error) {
	acct := ctx.Load(pk)
	if acct == nil {
		if ctx.Venue() == ledger.VenueEphemeral {
			return nil, builtin("InvalidWritableAccount")
		}
		return nil, nil
	}
	if acct.Owner != g.p.ID {
		return nil, custom(CodeAccountOwnedByWrongProgram)
	}
	return acct, nil
}

func (g *gameProgram) loadProfile(ctx *ExecutionContext, pk types.Pubkey) (*types.Account, *codec.PlayerProfile, error) {
	acct, err := g.writable(ctx, pk)
	if err != nil {
		return nil, nil, err
	}
	if acct == nil {
		return nil, nil, custom(CodeAccountNotInitialized)
	}
	profile, err := g.p.Layout.DecodePlayerProfile(acct.Data)
	if err != nil {
		return nil, nil, builtin("InvalidAccountData")
	}
	return acct, profile, nil
}

func (g *gameProgram) loadSession(ctx *ExecutionContext, pk types.Pubkey) (*types.Account, *codec.GameSession, error) {
	acct, err := g.writable(ctx, pk)
	if err != nil {
		return nil, nil, err
	}
	if acct == nil {
		return nil, nil, custom(CodeAccountNotInitialized)
	}
	session, err := g.p.Layout.DecodeGameSession(acct.Data)
	if err != nil {
		return nil, nil, builtin("InvalidAccountData")
	}
	return acct, session, nil
}

func (g *gameProgram) storeProfile(ctx *ExecutionContext, pk types.Pubkey, acct *types.Account, p *codec.PlayerProfile) error {
	data, err := g.p.Layout.EncodePlayerProfile(p)
	if err != nil {
		return builtin("AccountDataTooSmall")
	}
	acct.Data = data
	ctx.Store(pk, acct)
	return nil
}

func (g *gameProgram) storeSession(ctx *ExecutionContext, pk types.Pubkey, acct *types.Account, s *codec.GameSession) error {
	data, err := g.p.Layout.EncodeGameSession(s)
	if err != nil {
		return builtin("AccountDataTooSmall")
	}
	acct.Data = data
	ctx.Store(pk, acct)
	return nil
}

func (g *gameProgram) initializePlayer(ctx *ExecutionContext, ix *types.Instruction, args []byte) error {
	profileMeta, err := account(ix, 0)
	if err != nil {
		return err
	}
	authority, err := account(ix, 1)
	if err != nil {
		return err
	}
	if err := g.requireSigner(ctx, authority.Pubkey); err != nil {
		return err
	}
	if ctx.Load(profileMeta.Pubkey) != nil {
		return custom(CodeAlreadyInUse)
	}

	profile := &codec.PlayerProfile{Authority: authority.Pubkey, CreatedAt: ctx.net.now().Unix()}
	if g.p.Layout.Name == codec.LayoutLevels {
		r := codec.NewReader(args)
		profile.Name = r.Str()
		if r.Err() != nil {
			return builtin("InvalidInstructionData")
		}
	} else {
		profile.UnlockedLevels = 1
		profile.HighestLevel = 1
	}
	ctx.Log("Program log: Player initialized: %s", authority.Pubkey)
	return g.storeProfile(ctx, profileMeta.Pubkey, &types.Account{Lamports: accountLamports, Owner: g.p.ID}, profile)
}

func (g *gameProgram) initializeCollection(ctx *ExecutionContext, ix *types.Instruction) error {
	collection, err := account(ix, 0)
	if err != nil {
		return err
	}
	authority, err := account(ix, 1)
	if err != nil {
		return err
	}
	if err := g.requireSigner(ctx, authority.Pubkey); err != nil {
		return err
	}
	if ctx.Load(collection.Pubkey) != nil {
		return custom(CodeAlreadyInUse)
	}
	data, err := g.p.Layout.EncodeVictoryCollection(&codec.VictoryCollection{Authority: authority.Pubkey})
	if err != nil {
		return builtin("AccountDataTooSmall")
	}
	ctx.Store(collection.Pubkey, &types.Account{Lamports: accountLamports, Data: data, Owner: g.p.ID})
	return nil
}

func (g *gameProgram) startGame(ctx *ExecutionContext, ix *types.Instruction, args []byte) error {
	if len(args) < 1 {
		return builtin("InvalidInstructionData")
	}
	level := args[0]
	sessionMeta, err := account(ix, 0)
	if err != nil {
		return err
	}
	profileMeta, err := account(ix, 1)
	if err != nil {
		return err
	}
	authority, err := account(ix, 2)
	if err != nil {
		return err
	}
	if err := g.requireSigner(ctx, authority.Pubkey); err != nil {
		return err
	}
	if _, err := program.LevelConfig(level); err != nil {
		return custom(program.ErrCodeInvalidLevel.Code)
	}
	_, profile, err := g.loadProfile(ctx, profileMeta.Pubkey)
	if err != nil {
		return err
	}
	if !profile.IsUnlocked(g.p.Layout, int(level)) {
		return custom(program.ErrCodeLevelLocked.Code)
	}

	acct, err := g.writable(ctx, sessionMeta.Pubkey)
	if err != nil {
		return err
	}
	if acct == nil {
		acct = &types.Account{Lamports: accountLamports, Owner: g.p.ID}
	} else if s, err := g.p.Layout.DecodeGameSession(acct.Data); err == nil && s.IsActive {
		return custom(program.ErrCodeGameStillActive.Code)
	}

	session := &codec.GameSession{
		Player:    authority.Pubkey,
		Level:     level,
		StartTime: ctx.net.now().Unix(),
		IsActive:  true,
	}
	if g.p.Layout.Name == codec.LayoutBitmap {
		session.Grid = make([]byte, codec.GridSize)
	}
	ctx.Log("Program log: Game started at level %d", level)
	return g.storeSession(ctx, sessionMeta.Pubkey, acct, session)
}

func (g *gameProgram) makeMove(ctx *ExecutionContext, ix *types.Instruction, args []byte) error {
	if len(args) < 4 {
		return builtin("InvalidInstructionData")
	}
	mv := program.Move{FromRow: args[0], FromCol: args[1], ToRow: args[2], ToCol: args[3]}
	sessionMeta, err := account(ix, 0)
	if err != nil {
		return err
	}
	signer, err := account(ix, 1)
	if err != nil {
		return err
	}
	tokenMeta, err := account(ix, 2)
	if err != nil {
		return err
	}
	if err := g.requireSigner(ctx, signer.Pubkey); err != nil {
		return err
	}

	acct, session, err := g.loadSession(ctx, sessionMeta.Pubkey)
	if err != nil {
		return err
	}
	if !g.authorized(ctx, session.Player, signer.Pubkey, tokenMeta.Pubkey) {
		return custom(program.ErrCodeInvalidAuth.Code)
	}
	if !session.IsActive {
		return custom(program.ErrCodeGameNotActive.Code)
	}
	level, err := program.LevelConfig(session.Level)
	if err != nil {
		return custom(program.ErrCodeInvalidLevel.Code)
	}
	if !level.Contains(mv.FromRow, mv.FromCol) || !level.Contains(mv.ToRow, mv.ToCol) {
		return custom(program.ErrCodeInvalidPosition.Code)
	}
	if !mv.IsAdjacent() {
		return custom(program.ErrCodeNotAdjacent.Code)
	}

	session.Score += MoveScore
	session.MovesMade++
	return g.storeSession(ctx, sessionMeta.Pubkey, acct, session)
}

// authorized reports whether signer may act for player: either it is the
// player, or token is a live session token binding signer to player.
func (g *gameProgram) authorized(ctx *ExecutionContext, player, signer, token types.Pubkey) bool {
	if signer == player {
		return true
	}
	if token == g.p.ID {
		return false
	}
	want, err := pda.SessionToken(g.p.ID, signer, player)
	if err != nil || want.Pubkey != token {
		return false
	}
	acct := ctx.LoadOn(ledger.VenueBase, token)
	if acct == nil || acct.Owner != types.SessionKeysProgramID {
		return false
	}
	validUntil, ok := decodeSessionToken(acct.Data)
	return ok && ctx.net.now().Unix() < validUntil
}

func (g *gameProgram) endGame(ctx *ExecutionContext, ix *types.Instruction, args []byte) error {
	if len(args) < 8 {
		return builtin("InvalidInstructionData")
	}
	finalScore := binary.LittleEndian.Uint64(args)
	sessionMeta, err := account(ix, 0)
	if err != nil {
		return err
	}
	profileMeta, err := account(ix, 1)
	if err != nil {
		return err
	}
	authorityIndex := 5
	if g.p.Layout.Name == codec.LayoutBitmap {
		authorityIndex = 2
	}
	authority, err := account(ix, authorityIndex)
	if err != nil {
		return err
	}
	if err := g.requireSigner(ctx, authority.Pubkey); err != nil {
		return err
	}

	sessionAcct, session, err := g.loadSession(ctx, sessionMeta.Pubkey)
	if err != nil {
		return err
	}
	if session.Player != authority.Pubkey {
		return custom(program.ErrCodeInvalidAuth.Code)
	}
	if !session.IsActive {
		return custom(program.ErrCodeGameNotActive.Code)
	}
	profileAcct, profile, err := g.loadProfile(ctx, profileMeta.Pubkey)
	if err != nil {
		return err
	}
	level, err := program.LevelConfig(session.Level)
	if err != nil {
		return custom(program.ErrCodeInvalidLevel.Code)
	}
	won := level.Won(finalScore)

	if g.p.Layout.Name == codec.LayoutBitmap {
		profile.TotalGames++
		profile.TotalCandiesCollected += finalScore
		if won {
			profile.TotalWins++
			if int(session.Level) < codec.NumLevels {
				profile.UnlockedLevels |= 1 << uint(session.Level)
			}
			if session.Level+1 > profile.HighestLevel && int(session.Level) < codec.NumLevels {
				profile.HighestLevel = session.Level + 1
			}
		}
	} else {
		rec := &profile.Levels[session.Level-1]
		if finalScore > rec.HighScore {
			rec.HighScore = finalScore
		}
		if won {
			rec.Completed = true
			profile.TotalWins++
			profile.TotalTokensEarned += finalScore / 10
		}
	}

	session.Score = finalScore
	session.IsActive = false
	ctx.Log("Program log: Game ended with score %d (won=%t)", finalScore, won)
	if err := g.storeSession(ctx, sessionMeta.Pubkey, sessionAcct, session); err != nil {
		return err
	}
	return g.storeProfile(ctx, profileMeta.Pubkey, profileAcct, profile)
}

func (g *gameProgram) mintVictoryNFT(ctx *ExecutionContext, ix *types.Instruction) error {
	sessionMeta, err := account(ix, 0)
	if err != nil {
		return err
	}
	profileMeta, err := account(ix, 1)
	if err != nil {
		return err
	}
	collectionMeta, err := account(ix, 2)
	if err != nil {
		return err
	}
	mint, err := account(ix, 3)
	if err != nil {
		return err
	}
	authority, err := account(ix, 7)
	if err != nil {
		return err
	}
	for _, pk := range []types.Pubkey{mint.Pubkey, authority.Pubkey} {
		if err := g.requireSigner(ctx, pk); err != nil {
			return err
		}
	}

	_, session, err := g.loadSession(ctx, sessionMeta.Pubkey)
	if err != nil {
		return err
	}
	if session.IsActive {
		return custom(program.ErrCodeGameStillActive.Code)
	}
	level, err := program.LevelConfig(session.Level)
	if err != nil {
		return custom(program.ErrCodeInvalidLevel.Code)
	}
	if !level.Won(session.Score) {
		return custom(program.ErrCodeInsufficientScore.Code)
	}

	collectionAcct, err := g.writable(ctx, collectionMeta.Pubkey)
	if err != nil {
		return err
	}
	if collectionAcct == nil {
		return custom(CodeAccountNotInitialized)
	}
	collection, err := g.p.Layout.DecodeVictoryCollection(collectionAcct.Data)
	if err != nil {
		return builtin("InvalidAccountData")
	}
	collection.TotalVictories++
	if collectionAcct.Data, err = g.p.Layout.EncodeVictoryCollection(collection); err != nil {
		return builtin("AccountDataTooSmall")
	}
	ctx.Store(collectionMeta.Pubkey, collectionAcct)

	profileAcct, profile, err := g.loadProfile(ctx, profileMeta.Pubkey)
	if err != nil {
		return err
	}
	profile.TotalNftsMinted++
	if err := g.storeProfile(ctx, profileMeta.Pubkey, profileAcct, profile); err != nil {
		return err
	}

	ctx.Store(mint.Pubkey, &types.Account{Lamports: accountLamports, Data: make([]byte, 82), Owner: types.TokenProgramID})
	ctx.Log("Program log: Minted %s victory NFT", program.RarityFor(session.Score, level.TargetScore))
	return nil
}

func (g *gameProgram) delegateGame(ctx *ExecutionContext, ix *types.Instruction) error {
	payer, err := account(ix, 0)
	if err != nil {
		return err
	}
	sessionMeta, err := account(ix, 4)
	if err != nil {
		return err
	}
	if err := g.requireSigner(ctx, payer.Pubkey); err != nil {
		return err
	}
	acct := ctx.LoadOn(ledger.VenueBase, sessionMeta.Pubkey)
	if acct == nil {
		return custom(CodeAccountNotInitialized)
	}
	if acct.Owner != g.p.ID {
		return custom(CodeAccountOwnedByWrongProgram)
	}

	ctx.StoreOn(ledger.VenueEphemeral, sessionMeta.Pubkey, acct)
	delegated := acct.Clone()
	delegated.Owner = g.p.DelegationProgramID
	ctx.StoreOn(ledger.VenueBase, sessionMeta.Pubkey, delegated)
	ctx.Log("Program log: Game session delegated")
	return nil
}

// commitGame copies the ephemeral game session back to the base venue and,
// when undelegate is set, returns ownership to the game program.
func (g *gameProgram) commitGame(ctx *ExecutionContext, ix *types.Instruction, undelegate bool) error {
	payer, err := account(ix, 0)
	if err != nil {
		return err
	}
	sessionMeta, err := account(ix, 1)
	if err != nil {
		return err
	}
	if err := g.requireSigner(ctx, payer.Pubkey); err != nil {
		return err
	}
	base := ctx.LoadOn(ledger.VenueBase, sessionMeta.Pubkey)
	ephemeral := ctx.LoadOn(ledger.VenueEphemeral, sessionMeta.Pubkey)
	if base == nil || ephemeral == nil || base.Owner != g.p.DelegationProgramID {
		return custom(CodeAccountOwnedByWrongProgram)
	}

	base.Data = append([]byte(nil), ephemeral.Data...)
	if undelegate {
		base.Owner = g.p.ID
		ctx.StoreOn(ledger.VenueEphemeral, sessionMeta.Pubkey, nil)
		ctx.Log("Program log: Game session undelegated")
	} else {
		ctx.Log("Program log: Game session committed")
	}
	ctx.StoreOn(ledger.VenueBase, sessionMeta.Pubkey, base)
	return nil
}

// sessionKeysProgram simulates create_session of the session-keys program.
type sessionKeysProgram struct{}

func (sessionKeysProgram) Execute(ctx *ExecutionContext, ix *types.Instruction) error {
	want := codec.InstructionDiscriminator(program.IxCreateSession)
	if len(ix.Data) < codec.DiscriminatorSize || string(ix.Data[:codec.DiscriminatorSize]) != string(want[:]) {
		return builtin("InvalidInstructionData")
	}
	token, err := account(ix, 0)
	if err != nil {
		return err
	}
	signer, err := account(ix, 1)
	if err != nil {
		return err
	}
	authority, err := account(ix, 2)
	if err != nil {
		return err
	}
	target, err := account(ix, 3)
	if err != nil {
		return err
	}
	for _, pk := range []types.Pubkey{signer.Pubkey, authority.Pubkey} {
		if !ctx.IsSigner(pk) {
			return builtin("MissingRequiredSignature")
		}
	}
	derived, err := pda.SessionToken(target.Pubkey, signer.Pubkey, authority.Pubkey)
	if err != nil || derived.Pubkey != token.Pubkey {
		return builtin("InvalidSeeds")
	}

	until := ctx.net.now().Add(time.Hour).Unix()
	r := codec.NewReader(ix.Data[codec.DiscriminatorSize:])
	if r.U8() == 1 {
		r.Bool() // top_up
	}
	if r.U8() == 1 {
		until = r.I64()
	}
	if r.Err() != nil {
		return builtin("InvalidInstructionData")
	}

	data := codec.NewWriter(120).
		Discriminator(sessionTokenDiscriminator).
		Pubkey(authority.Pubkey).
		Pubkey(target.Pubkey).
		Pubkey(signer.Pubkey).
		I64(until).
		Bytes()
	ctx.Store(token.Pubkey, &types.Account{Lamports: accountLamports, Data: data, Owner: types.SessionKeysProgramID})
	return nil
}

// decodeSessionToken returns the valid-until time of a session token.
func decodeSessionToken(data []byte) (int64, bool) {
	const size = codec.DiscriminatorSize + 32*3 + 8
	if len(data) < size || string(data[:codec.DiscriminatorSize]) != string(sessionTokenDiscriminator[:]) {
		return 0, false
	}
	return int64(binary.LittleEndian.Uint64(data[size-8:])), true
}
