// Package wallet defines the wallet-mediated signing transport and the
// address forms wallets hand back.
package wallet

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"

	"github.com/fortiblox/sugarcrush/pkg/types"
)

var (
	// ErrDeclined is returned when the user rejects or cancels a wallet request.
	ErrDeclined = errors.New("wallet: request declined")

	// ErrNotAuthorized is returned when signing is requested before Authorize.
	ErrNotAuthorized = errors.New("wallet: not authorized")

	// ErrInvalidAddress is returned by NormalizeAddress.
	ErrInvalidAddress = errors.New("wallet: invalid address")
)

// Authorization is the result of a successful Authorize call.
type Authorization struct {
	// Address is the wallet address in whatever form the wallet returned
	// it; see NormalizeAddress.
	Address   any
	Label     string
	AuthToken string
}

// Transport is a wallet that can authorize this client and sign for it.
// Calls may wait on a human and must honour ctx cancellation.
type Transport interface {
	Authorize(ctx context.Context) (*Authorization, error)
	SignTransactions(ctx context.Context, txs []*types.Transaction) ([]*types.Transaction, error)
	Deauthorize(ctx context.Context) error
}

// NormalizeAddress converts any address form a wallet may return into a
// Pubkey: a base58 string, a base64 string, raw bytes, a [32]byte, an int
// slice (JSON byte arrays decode that way) or a Pubkey.
func NormalizeAddress(v any) (types.Pubkey, error) {
	switch a := v.(type) {
	case types.Pubkey:
		return a, nil
	case *types.Pubkey:
		if a == nil {
			return types.ZeroPubkey, fmt.Errorf("%w: nil", ErrInvalidAddress)
		}
		return *a, nil
	case [32]byte:
		return types.Pubkey(a), nil
	case []byte:
		return bytesAddress(a)
	case []int:
		return intsAddress(len(a), func(i int) int { return a[i] })
	case []any:
		return intsAddress(len(a), func(i int) int {
			switch n := a[i].(type) {
			case float64:
				if n != float64(int(n)) {
					return -1
				}
				return int(n)
			case int:
				return n
			default:
				return -1
			}
		})
	case string:
		return stringAddress(a)
	default:
		return types.ZeroPubkey, fmt.Errorf("%w: unsupported type %T", ErrInvalidAddress, v)
	}
}

func bytesAddress(b []byte) (types.Pubkey, error) {
	pk, err := types.PubkeyFromBytes(b)
	if err != nil {
		return types.ZeroPubkey, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	return pk, nil
}

func intsAddress(n int, at func(int) int) (types.Pubkey, error) {
	if n != 32 {
		return types.ZeroPubkey, fmt.Errorf("%w: %d bytes", ErrInvalidAddress, n)
	}
	var pk types.Pubkey
	for i := 0; i < n; i++ {
		v := at(i)
		if v < 0 || v > 255 {
			return types.ZeroPubkey, fmt.Errorf("%w: byte %d out of range", ErrInvalidAddress, i)
		}
		pk[i] = byte(v)
	}
	return pk, nil
}

// stringAddress tries base58 unless the string carries base64-only
// characters, then each base64 alphabet, padded and raw.
func stringAddress(s string) (types.Pubkey, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return types.ZeroPubkey, fmt.Errorf("%w: empty", ErrInvalidAddress)
	}
	if !strings.ContainsAny(s, "=+/-_") {
		if raw, err := base58.Decode(s); err == nil && len(raw) == 32 {
			return types.Pubkey(raw), nil
		}
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if raw, err := enc.DecodeString(s); err == nil && len(raw) == 32 {
			return types.Pubkey(raw), nil
		}
	}
	return types.ZeroPubkey, fmt.Errorf("%w: %q is neither base58 nor base64 of 32 bytes", ErrInvalidAddress, s)
}
