package ledgertest

import (
	"errors"
	"fmt"

	"github.com/fortiblox/sugarcrush/pkg/ledger"
	"github.com/fortiblox/sugarcrush/pkg/types"
)

// Executor errors
var (
	// ErrProgramNotFound indicates an instruction targets a program the
	// network does not simulate.
	ErrProgramNotFound = errors.New("program not found")

	// ErrAccountNotProvided indicates a required account was not provided.
	ErrAccountNotProvided = errors.New("account not provided")
)

// ProgramError is a custom program error, reported by the ledger as
// InstructionError(i, Custom(code)).
type ProgramError struct {
	Code uint32
}

func (e *ProgramError) Error() string {
	return fmt.Sprintf("custom program error: 0x%x", e.Code)
}

// BuiltinError is a runtime instruction error such as
// MissingRequiredSignature.
type BuiltinError struct {
	Name string
}

func (e *BuiltinError) Error() string {
	return e.Name
}

func custom(code uint32) error { return &ProgramError{Code: code} }

func builtin(name string) error { return &BuiltinError{Name: name} }

// ProgramExecutor executes instructions for one program.
type ProgramExecutor interface {
	Execute(ctx *ExecutionContext, ix *types.Instruction) error
}

// ProgramExecutorFunc is a function adapter for ProgramExecutor.
type ProgramExecutorFunc func(ctx *ExecutionContext, ix *types.Instruction) error

// Execute implements ProgramExecutor.
func (f ProgramExecutorFunc) Execute(ctx *ExecutionContext, ix *types.Instruction) error {
	return f(ctx, ix)
}

// ProgramRegistry maps program ids to executors.
type ProgramRegistry struct {
	programs map[types.Pubkey]ProgramExecutor
	names    map[types.Pubkey]string
}

// NewProgramRegistry creates an empty registry.
func NewProgramRegistry() *ProgramRegistry {
	return &ProgramRegistry{
		programs: make(map[types.Pubkey]ProgramExecutor),
		names:    make(map[types.Pubkey]string),
	}
}

// RegisterProgram registers an executor under id.
func (r *ProgramRegistry) RegisterProgram(id types.Pubkey, name string, executor ProgramExecutor) {
	r.programs[id] = executor
	r.names[id] = name
}

// GetProgram returns the executor registered under id.
func (r *ProgramRegistry) GetProgram(id types.Pubkey) (ProgramExecutor, bool) {
	executor, ok := r.programs[id]
	return executor, ok
}

// ExecutionContext gives an instruction access to accounts on both venues.
// Writes are buffered until the whole transaction succeeds.
type ExecutionContext struct {
	net     *Network
	venue   ledger.Venue
	signers map[types.Pubkey]bool
	writes  map[ledger.Venue]map[types.Pubkey]*types.Account
	logs    []string
}

func newExecutionContext(net *Network, venue ledger.Venue, tx *types.Transaction) *ExecutionContext {
	signers := make(map[types.Pubkey]bool)
	for i, pk := range tx.Message.Signers() {
		if i < len(tx.Signatures) && !tx.Signatures[i].IsZero() {
			signers[pk] = true
		}
	}
	return &ExecutionContext{
		net:     net,
		venue:   venue,
		signers: signers,
		writes: map[ledger.Venue]map[types.Pubkey]*types.Account{
			ledger.VenueBase:      {},
			ledger.VenueEphemeral: {},
		},
	}
}

// Venue returns the venue executing the transaction.
func (c *ExecutionContext) Venue() ledger.Venue { return c.venue }

// IsSigner reports whether pk signed the transaction.
func (c *ExecutionContext) IsSigner(pk types.Pubkey) bool { return c.signers[pk] }

// Load returns a copy of the account at pk on the executing venue, or nil.
func (c *ExecutionContext) Load(pk types.Pubkey) *types.Account {
	return c.LoadOn(c.venue, pk)
}

// LoadOn returns a copy of the account at pk on venue, or nil. A pending
// delete is recorded as a nil write.
func (c *ExecutionContext) LoadOn(venue ledger.Venue, pk types.Pubkey) *types.Account {
	if acct, ok := c.writes[venue][pk]; ok {
		return acct.Clone()
	}
	return c.net.state(venue).get(pk)
}

// Store buffers a write on the executing venue.
func (c *ExecutionContext) Store(pk types.Pubkey, acct *types.Account) {
	c.StoreOn(c.venue, pk, acct)
}

// StoreOn buffers a write on venue; a nil account deletes it.
func (c *ExecutionContext) StoreOn(venue ledger.Venue, pk types.Pubkey, acct *types.Account) {
	c.writes[venue][pk] = acct.Clone()
}

// Log appends a program log line.
func (c *ExecutionContext) Log(format string, args ...any) {
	c.logs = append(c.logs, fmt.Sprintf(format, args...))
}

// InstructionExecutionError contains details about an instruction execution failure.
type InstructionExecutionError struct {
	InstructionIndex int
	ProgramID        types.Pubkey
	Err              error
}

// Error implements the error interface.
func (e *InstructionExecutionError) Error() string {
	return fmt.Sprintf("instruction %d (program %s) failed: %v",
		e.InstructionIndex, e.ProgramID.String(), e.Err)
}

// Unwrap returns the underlying error.
func (e *InstructionExecutionError) Unwrap() error {
	return e.Err
}

// transactionError converts an execution failure into the ledger's
// structured form.
func (e *InstructionExecutionError) transactionError() *ledger.TransactionError {
	te := &ledger.TransactionError{Kind: "InstructionError", InstructionIndex: e.InstructionIndex}
	var pe *ProgramError
	var be *BuiltinError
	switch {
	case errors.As(e.Err, &pe):
		code := pe.Code
		te.Instruction = "Custom"
		te.Custom = &code
	case errors.As(e.Err, &be):
		te.Instruction = be.Name
	default:
		te.Instruction = e.Err.Error()
	}
	return te
}

// Executor runs transactions against a Network.
type Executor struct {
	net      *Network
	registry *ProgramRegistry
}

// NewExecutor creates a new transaction executor.
func NewExecutor(net *Network, registry *ProgramRegistry) *Executor {
	return &Executor{net: net, registry: registry}
}

// ExecuteTransaction executes every instruction of tx in order on venue.
// The returned context holds the buffered writes; nothing is applied on
// failure.
func (e *Executor) ExecuteTransaction(venue ledger.Venue, tx *types.Transaction) (*ExecutionContext, error) {
	instructions, err := tx.Message.Decompile()
	if err != nil {
		return nil, fmt.Errorf("failed to decompile message: %w", err)
	}

	ctx := newExecutionContext(e.net, venue, tx)
	for i := range instructions {
		ix := &instructions[i]
		executor, ok := e.registry.GetProgram(ix.ProgramID)
		if !ok {
			return ctx, &InstructionExecutionError{
				InstructionIndex: i,
				ProgramID:        ix.ProgramID,
				Err:              fmt.Errorf("%w: %s", ErrProgramNotFound, ix.ProgramID),
			}
		}
		ctx.Log("Program %s invoke [1]", ix.ProgramID)
		if err := executor.Execute(ctx, ix); err != nil {
			ctx.Log("Program %s failed: %v", ix.ProgramID, err)
			return ctx, &InstructionExecutionError{InstructionIndex: i, ProgramID: ix.ProgramID, Err: err}
		}
		ctx.Log("Program %s success", ix.ProgramID)
	}
	return ctx, nil
}

// account returns the i-th account of ix.
func account(ix *types.Instruction, i int) (types.AccountMeta, error) {
	if i >= len(ix.Accounts) {
		return types.AccountMeta{}, fmt.Errorf("%w: index %d", ErrAccountNotProvided, i)
	}
	return ix.Accounts[i], nil
}
