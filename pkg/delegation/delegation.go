// Package delegation tracks whether a game session account is currently
// delegated to the ephemeral rollup.
package delegation

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/fortiblox/sugarcrush/pkg/types"
)

// Status is the delegation state of a game session.
type Status int

const (
	StatusUndelegated Status = iota
	StatusChecking
	StatusDelegated
)

func (s Status) String() string {
	switch s {
	case StatusChecking:
		return "checking"
	case StatusDelegated:
		return "delegated"
	default:
		return "undelegated"
	}
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ParseStatus parses the String form of a Status.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "undelegated":
		return StatusUndelegated, nil
	case "checking":
		return StatusChecking, nil
	case "delegated":
		return StatusDelegated, nil
	default:
		return StatusUndelegated, fmt.Errorf("delegation: unknown status %q", s)
	}
}

// AccountReader fetches the current state of an account. A nil account
// means it does not exist.
type AccountReader interface {
	GetAccountInfo(ctx context.Context, pubkey types.Pubkey) (*types.Account, error)
}

// Observer is called on every state change, outside the machine's lock.
type Observer func(from, to Status)

// Machine is the delegation state machine for one game session address.
// Results of a probe are dropped if a newer probe or observation started
// after it.
type Machine struct {
	mu         sync.Mutex
	status     Status
	generation uint64

	session           types.Pubkey
	delegationProgram types.Pubkey
	reader            AccountReader
	observers         []Observer
	logger            zerolog.Logger
}

// Option configures a Machine.
type Option func(*Machine)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Machine) { m.logger = logger }
}

// WithObserver registers a state-change observer.
func WithObserver(o Observer) Option {
	return func(m *Machine) { m.observers = append(m.observers, o) }
}

// WithDelegationProgram overrides the delegation program address.
func WithDelegationProgram(id types.Pubkey) Option {
	return func(m *Machine) { m.delegationProgram = id }
}

// New returns a machine in StatusUndelegated for the session account, probing
// through reader.
func New(reader AccountReader, session types.Pubkey, opts ...Option) *Machine {
	m := &Machine{
		status:            StatusUndelegated,
		session:           session,
		delegationProgram: types.DelegationProgramID,
		reader:            reader,
		logger:            zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Session returns the tracked game session address.
func (m *Machine) Session() types.Pubkey {
	return m.session
}

// Status returns the current state.
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Delegated reports whether the session is currently delegated.
func (m *Machine) Delegated() bool {
	return m.Status() == StatusDelegated
}

// Probe moves to StatusChecking, reads the session account owner and settles
// on StatusDelegated or StatusUndelegated. A failed read settles on
// StatusUndelegated and returns the error. If ctx is cancelled mid-probe the
// previous state is restored.
func (m *Machine) Probe(ctx context.Context) (Status, error) {
	gen, prev := m.begin()

	account, err := m.reader.GetAccountInfo(ctx, m.session)
	if err != nil && ctx.Err() != nil {
		m.finish(gen, prev)
		return m.Status(), fmt.Errorf("delegation probe: %w", err)
	}

	next := m.classify(account)
	if err != nil {
		next = StatusUndelegated
		m.logger.Debug().Err(err).Stringer("session", m.session).Msg("delegation probe failed")
	}
	if !m.finish(gen, next) {
		m.logger.Debug().Stringer("session", m.session).Msg("dropping stale delegation probe")
		return m.Status(), err
	}
	if err != nil {
		return next, fmt.Errorf("delegation probe: %w", err)
	}
	return next, nil
}

// Observe applies an externally delivered account state (for example from a
// base-venue subscription) as a completed probe.
func (m *Machine) Observe(account *types.Account) Status {
	gen, _ := m.begin()
	next := m.classify(account)
	m.finish(gen, next)
	return m.Status()
}

// Restore seeds the state from a persisted snapshot. It only applies before
// the first probe.
func (m *Machine) Restore(s Status) bool {
	if s == StatusChecking {
		return false
	}
	m.mu.Lock()
	if m.generation != 0 || m.status == s {
		m.mu.Unlock()
		return false
	}
	from := m.status
	m.status = s
	m.mu.Unlock()
	m.notify(from, s)
	return true
}

func (m *Machine) classify(account *types.Account) Status {
	if account != nil && account.Owner == m.delegationProgram {
		return StatusDelegated
	}
	return StatusUndelegated
}

// begin enters StatusChecking and returns the new generation and the state
// it left.
func (m *Machine) begin() (uint64, Status) {
	m.mu.Lock()
	m.generation++
	gen := m.generation
	from := m.status
	m.status = StatusChecking
	m.mu.Unlock()

	m.notify(from, StatusChecking)
	return gen, from
}

// finish settles on next if gen is still the latest generation.
func (m *Machine) finish(gen uint64, next Status) bool {
	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return false
	}
	from := m.status
	m.status = next
	m.mu.Unlock()

	m.notify(from, next)
	return true
}

func (m *Machine) notify(from, to Status) {
	if from == to {
		return
	}
	m.logger.Debug().
		Stringer("session", m.session).
		Stringer("from", from).
		Stringer("to", to).
		Msg("delegation status changed")
	for _, o := range m.observers {
		o(from, to)
	}
}
