package ledger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/fortiblox/sugarcrush/pkg/types"
)

var (
	// ErrConfirmTimeout is returned when a signature does not reach the
	// wanted commitment within the confirm timeout.
	ErrConfirmTimeout = errors.New("ledger: confirmation timed out")

	// ErrClosed is returned by a transport after Close.
	ErrClosed = errors.New("ledger: transport closed")
)

// RPC error codes that mean the ledger looked at the transaction and refused it.
const (
	rpcCodeSendTxPreflightFailure = -32002
	rpcCodeSigVerifyFailure       = -32003
)

// TransportError is a network, HTTP, timeout or node-side failure. The
// transaction may or may not have landed.
type TransportError struct {
	Venue Venue
	Op    string
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("ledger %s: %s: %v", e.Venue, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// RejectionError reports that the ledger or the program refused a
// transaction. It is terminal for the attempt.
type RejectionError struct {
	Venue     Venue
	Signature types.Signature
	Code      int // JSON-RPC error code, zero when reported through a status
	Message   string
	Tx        *TransactionError
	Logs      []string
}

func (e *RejectionError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "ledger %s: transaction rejected", e.Venue)
	if !e.Signature.IsZero() {
		fmt.Fprintf(&b, " (%s)", e.Signature)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Tx != nil {
		b.WriteString(": ")
		b.WriteString(e.Tx.String())
	}
	return b.String()
}

// CustomCode returns the program's custom error code, if the rejection
// carried one.
func (e *RejectionError) CustomCode() (uint32, bool) {
	if e.Tx == nil || e.Tx.Custom == nil {
		return 0, false
	}
	return *e.Tx.Custom, true
}

// TransactionError is the ledger's structured transaction error. It accepts
// plain strings ("BlockhashNotFound") and InstructionError tuples, either
// builtin ([0, "InvalidAccountData"]) or custom ([0, {"Custom": 6002}]).
type TransactionError struct {
	Kind             string
	InstructionIndex int
	Instruction      string
	Custom           *uint32
	Raw              json.RawMessage
}

func (e *TransactionError) UnmarshalJSON(data []byte) error {
	e.Raw = append(json.RawMessage(nil), data...)
	e.InstructionIndex = -1

	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		e.Kind = s
		return nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("unmarshal transaction error: %w", err)
	}
	for k, v := range obj {
		e.Kind = k
		if k != "InstructionError" {
			continue
		}
		var tuple []json.RawMessage
		if err := json.Unmarshal(v, &tuple); err != nil || len(tuple) != 2 {
			return fmt.Errorf("unmarshal instruction error: %s", v)
		}
		if err := json.Unmarshal(tuple[0], &e.InstructionIndex); err != nil {
			return fmt.Errorf("unmarshal instruction index: %w", err)
		}
		var name string
		if err := json.Unmarshal(tuple[1], &name); err == nil {
			e.Instruction = name
			continue
		}
		var custom struct {
			Custom *uint32 `json:"Custom"`
		}
		if err := json.Unmarshal(tuple[1], &custom); err == nil && custom.Custom != nil {
			e.Instruction = "Custom"
			e.Custom = custom.Custom
			continue
		}
		e.Instruction = string(bytes.TrimSpace(tuple[1]))
	}
	return nil
}

func (e *TransactionError) String() string {
	switch {
	case e.Custom != nil:
		return fmt.Sprintf("instruction %d: custom program error %d", e.InstructionIndex, *e.Custom)
	case e.Instruction != "":
		return fmt.Sprintf("instruction %d: %s", e.InstructionIndex, e.Instruction)
	case e.Kind != "":
		return e.Kind
	default:
		return string(e.Raw)
	}
}

// IsTransport reports whether err is a transport failure.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsRejection reports whether err is a ledger rejection.
func IsRejection(err error) bool {
	var re *RejectionError
	return errors.As(err, &re)
}
