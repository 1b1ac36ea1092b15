// Package ledgertest provides an in-process base and ephemeral venue pair
// that implements the ledger transport contract and simulates the game and
// session-keys programs. It is meant for tests.
package ledgertest

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fortiblox/sugarcrush/pkg/crypto"
	"github.com/fortiblox/sugarcrush/pkg/ledger"
	"github.com/fortiblox/sugarcrush/pkg/program"
	"github.com/fortiblox/sugarcrush/pkg/types"
)

// RPC error codes reported for rejected submissions.
const (
	codePreflightFailure = -32002
	codeSigVerifyFailure = -32003
)

const subscriptionBuffer = 256

// Submission records one accepted transaction.
type Submission struct {
	Venue        ledger.Venue
	Signature    types.Signature
	FeePayer     types.Pubkey
	Signers      []types.Pubkey
	Instructions []string
}

// ledgerState is the account set of one venue.
type ledgerState struct {
	accounts map[types.Pubkey]*types.Account
	subs     map[types.Pubkey]map[*subscriber]struct{}
	statuses map[types.Signature]struct{}
}

type subscriber struct {
	ch chan *ledger.AccountUpdate
}

func newLedgerState() *ledgerState {
	return &ledgerState{
		accounts: make(map[types.Pubkey]*types.Account),
		subs:     make(map[types.Pubkey]map[*subscriber]struct{}),
		statuses: make(map[types.Signature]struct{}),
	}
}

func (s *ledgerState) get(pk types.Pubkey) *types.Account {
	return s.accounts[pk].Clone()
}

// Network is a simulated base ledger plus ephemeral rollup.
type Network struct {
	mu          sync.Mutex
	program     *program.Program
	executor    *Executor
	clock       func() time.Time
	slot        types.Slot
	blockhashes map[types.Hash]struct{}
	states      map[ledger.Venue]*ledgerState
	submissions []Submission

	// Base and Ephemeral implement ledger.Transport.
	Base      *Venue
	Ephemeral *Venue
}

// Option configures a Network.
type Option func(*Network)

// WithClock sets the clock used for timestamps and session token expiry.
func WithClock(now func() time.Time) Option {
	return func(n *Network) { n.clock = now }
}

// NewNetwork creates a network simulating the deployment described by p.
func NewNetwork(p *program.Program, opts ...Option) *Network {
	n := &Network{
		program:     p,
		clock:       time.Now,
		slot:        1,
		blockhashes: make(map[types.Hash]struct{}),
		states: map[ledger.Venue]*ledgerState{
			ledger.VenueBase:      newLedgerState(),
			ledger.VenueEphemeral: newLedgerState(),
		},
	}
	for _, opt := range opts {
		opt(n)
	}

	registry := NewProgramRegistry()
	registry.RegisterProgram(p.ID, "game", &gameProgram{p: p})
	registry.RegisterProgram(types.SessionKeysProgramID, "session-keys", sessionKeysProgram{})
	n.executor = NewExecutor(n, registry)

	n.Base = &Venue{net: n, venue: ledger.VenueBase}
	n.Ephemeral = &Venue{net: n, venue: ledger.VenueEphemeral}
	return n
}

func (n *Network) now() time.Time { return n.clock() }

func (n *Network) state(venue ledger.Venue) *ledgerState { return n.states[venue] }

// Program returns the simulated deployment.
func (n *Network) Program() *program.Program { return n.program }

// Account returns a copy of the account at pk on venue, or nil.
func (n *Network) Account(venue ledger.Venue, pk types.Pubkey) *types.Account {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state(venue).get(pk)
}

// SetAccount writes an account directly, notifying subscribers. A nil
// account deletes it.
func (n *Network) SetAccount(venue ledger.Venue, pk types.Pubkey, acct *types.Account) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.slot++
	n.apply(venue, pk, acct)
}

// Submissions returns every accepted transaction in order.
func (n *Network) Submissions() []Submission {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Submission(nil), n.submissions...)
}

// apply writes acct and notifies subscribers. Caller holds n.mu.
func (n *Network) apply(venue ledger.Venue, pk types.Pubkey, acct *types.Account) {
	st := n.state(venue)
	if acct == nil {
		delete(st.accounts, pk)
	} else {
		st.accounts[pk] = acct.Clone()
	}
	for sub := range st.subs[pk] {
		update := &ledger.AccountUpdate{
			Venue:     venue,
			Pubkey:    pk,
			Account:   acct.Clone(),
			Slot:      n.slot,
			Timestamp: n.now().Unix(),
		}
		select {
		case sub.ch <- update:
		default:
		}
	}
}

// Venue is one side of a Network. It implements ledger.Transport.
type Venue struct {
	net   *Network
	venue ledger.Venue

	mu           sync.Mutex
	readErr      error
	sendErr      error
	confirmErr   error
	reads        int
	blockhashReq int
}

var _ ledger.Transport = (*Venue)(nil)

// Venue implements ledger.Transport.
func (v *Venue) Venue() ledger.Venue { return v.venue }

// FailReads makes account reads fail with a transport error wrapping err
// until called with nil.
func (v *Venue) FailReads(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.readErr = err
}

// FailSends makes submissions fail with a transport error wrapping err
// until called with nil.
func (v *Venue) FailSends(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.sendErr = err
}

// FailConfirms makes confirmation fail with a transport error wrapping err
// until called with nil.
func (v *Venue) FailConfirms(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.confirmErr = err
}

// Reads returns the number of GetAccountInfo calls served.
func (v *Venue) Reads() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.reads
}

// Submissions returns the transactions accepted by this venue.
func (v *Venue) Submissions() []Submission {
	var out []Submission
	for _, s := range v.net.Submissions() {
		if s.Venue == v.venue {
			out = append(out, s)
		}
	}
	return out
}

func (v *Venue) injected(get func() error, op string) error {
	v.mu.Lock()
	err := get()
	v.mu.Unlock()
	if err != nil {
		return &ledger.TransportError{Venue: v.venue, Op: op, Err: err}
	}
	return nil
}

// GetAccountInfo returns the account at pubkey. The ephemeral venue serves
// accounts that are not delegated from the base venue.
func (v *Venue) GetAccountInfo(ctx context.Context, pubkey types.Pubkey) (*types.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, &ledger.TransportError{Venue: v.venue, Op: "getAccountInfo", Err: err}
	}
	v.mu.Lock()
	v.reads++
	v.mu.Unlock()
	if err := v.injected(func() error { return v.readErr }, "getAccountInfo"); err != nil {
		return nil, err
	}

	v.net.mu.Lock()
	defer v.net.mu.Unlock()
	if acct := v.net.state(v.venue).get(pubkey); acct != nil || v.venue == ledger.VenueBase {
		return acct, nil
	}
	return v.net.state(ledger.VenueBase).get(pubkey), nil
}

// GetLatestBlockhash issues a fresh blockhash.
func (v *Venue) GetLatestBlockhash(ctx context.Context) (types.Hash, uint64, error) {
	if err := ctx.Err(); err != nil {
		return types.ZeroHash, 0, &ledger.TransportError{Venue: v.venue, Op: "getLatestBlockhash", Err: err}
	}
	v.net.mu.Lock()
	defer v.net.mu.Unlock()
	v.net.slot++
	var seed [8]byte
	binary.LittleEndian.PutUint64(seed[:], uint64(v.net.slot))
	hash := types.Hash(sha256.Sum256(append([]byte("blockhash:"+string(v.venue)), seed[:]...)))
	v.net.blockhashes[hash] = struct{}{}
	return hash, uint64(v.net.slot) + 150, nil
}

// SendTransaction verifies signatures and the blockhash, executes tx and
// applies its writes atomically. Failures are reported as preflight
// rejections.
func (v *Venue) SendTransaction(ctx context.Context, tx *types.Transaction) (types.Signature, error) {
	if err := ctx.Err(); err != nil {
		return types.ZeroSignature, &ledger.TransportError{Venue: v.venue, Op: "sendTransaction", Err: err}
	}
	if err := v.injected(func() error { return v.sendErr }, "sendTransaction"); err != nil {
		return types.ZeroSignature, err
	}
	sig := tx.ID()

	if err := verifySignatures(tx, v.venue == ledger.VenueEphemeral); err != nil {
		return types.ZeroSignature, &ledger.RejectionError{
			Venue:   v.venue,
			Code:    codeSigVerifyFailure,
			Message: fmt.Sprintf("Transaction signature verification failure: %v", err),
		}
	}

	v.net.mu.Lock()
	defer v.net.mu.Unlock()

	if _, ok := v.net.blockhashes[tx.Message.RecentBlockhash]; !ok {
		return types.ZeroSignature, &ledger.RejectionError{
			Venue:   v.venue,
			Code:    codePreflightFailure,
			Message: "Transaction simulation failed: Blockhash not found",
			Tx:      &ledger.TransactionError{Kind: "BlockhashNotFound", InstructionIndex: -1},
		}
	}
	if _, dup := v.net.state(v.venue).statuses[sig]; dup {
		return types.ZeroSignature, &ledger.RejectionError{
			Venue:   v.venue,
			Code:    codePreflightFailure,
			Message: "Transaction simulation failed: This transaction has already been processed",
			Tx:      &ledger.TransactionError{Kind: "AlreadyProcessed", InstructionIndex: -1},
		}
	}

	execCtx, err := v.net.executor.ExecuteTransaction(v.venue, tx)
	if err != nil {
		var ixErr *InstructionExecutionError
		if !errors.As(err, &ixErr) {
			return types.ZeroSignature, &ledger.RejectionError{Venue: v.venue, Code: codePreflightFailure, Message: err.Error()}
		}
		var logs []string
		if execCtx != nil {
			logs = execCtx.logs
		}
		return types.ZeroSignature, &ledger.RejectionError{
			Venue:   v.venue,
			Code:    codePreflightFailure,
			Message: fmt.Sprintf("Transaction simulation failed: Error processing Instruction %d: %v", ixErr.InstructionIndex, ixErr.Err),
			Tx:      ixErr.transactionError(),
			Logs:    logs,
		}
	}

	v.net.slot++
	for _, venue := range []ledger.Venue{ledger.VenueBase, ledger.VenueEphemeral} {
		for pk, acct := range execCtx.writes[venue] {
			v.net.apply(venue, pk, acct)
		}
	}
	v.net.state(v.venue).statuses[sig] = struct{}{}

	instructions, _ := tx.Message.Decompile()
	names := make([]string, 0, len(instructions))
	for _, ix := range instructions {
		name, ok := program.InstructionName(ix.Data)
		if !ok {
			name = "unknown"
		}
		names = append(names, name)
	}
	v.net.submissions = append(v.net.submissions, Submission{
		Venue:        v.venue,
		Signature:    sig,
		FeePayer:     tx.FeePayer(),
		Signers:      tx.Message.Signers(),
		Instructions: names,
	})
	return sig, nil
}

// verifySignatures checks every signature of tx. The ephemeral venue charges
// no fees, so there an empty fee-payer slot is accepted as long as some
// other signer signed.
func verifySignatures(tx *types.Transaction, feeless bool) error {
	if !feeless || len(tx.Signatures) == 0 || !tx.Signatures[0].IsZero() {
		return crypto.VerifyTransaction(tx)
	}
	signers := tx.Message.Signers()
	if len(signers) < 2 || len(tx.Signatures) != len(signers) {
		return errors.New("missing fee payer signature")
	}
	message, err := tx.Message.Serialize()
	if err != nil {
		return err
	}
	for i := 1; i < len(signers); i++ {
		if !crypto.VerifySignature(signers[i].Bytes(), message, tx.Signatures[i].Bytes()) {
			return fmt.Errorf("invalid signature for %s", signers[i])
		}
	}
	return nil
}

// ConfirmTransaction succeeds for any signature this venue accepted.
func (v *Venue) ConfirmTransaction(ctx context.Context, sig types.Signature) error {
	if err := ctx.Err(); err != nil {
		return &ledger.TransportError{Venue: v.venue, Op: "confirmTransaction", Err: err}
	}
	if err := v.injected(func() error { return v.confirmErr }, "confirmTransaction"); err != nil {
		return err
	}
	v.net.mu.Lock()
	_, ok := v.net.state(v.venue).statuses[sig]
	v.net.mu.Unlock()
	if !ok {
		return &ledger.TransportError{Venue: v.venue, Op: "confirmTransaction", Err: ledger.ErrConfirmTimeout}
	}
	return nil
}

// SubscribeAccount streams changes to pubkey on this venue until ctx ends.
// The current state is delivered first when the account exists.
func (v *Venue) SubscribeAccount(ctx context.Context, pubkey types.Pubkey) (<-chan *ledger.AccountUpdate, error) {
	if err := ctx.Err(); err != nil {
		return nil, &ledger.TransportError{Venue: v.venue, Op: "accountSubscribe", Err: err}
	}
	sub := &subscriber{ch: make(chan *ledger.AccountUpdate, subscriptionBuffer)}

	v.net.mu.Lock()
	st := v.net.state(v.venue)
	if st.subs[pubkey] == nil {
		st.subs[pubkey] = make(map[*subscriber]struct{})
	}
	st.subs[pubkey][sub] = struct{}{}
	if acct := st.get(pubkey); acct != nil {
		sub.ch <- &ledger.AccountUpdate{Venue: v.venue, Pubkey: pubkey, Account: acct, Slot: v.net.slot, Timestamp: v.net.now().Unix()}
	}
	v.net.mu.Unlock()

	go func() {
		<-ctx.Done()
		v.net.mu.Lock()
		delete(st.subs[pubkey], sub)
		close(sub.ch)
		v.net.mu.Unlock()
	}()
	return sub.ch, nil
}

// Logs joins the program logs of a rejection for test failure messages.
func Logs(err error) string {
	var rej *ledger.RejectionError
	if errors.As(err, &rej) {
		return strings.Join(rej.Logs, "\n")
	}
	return ""
}
