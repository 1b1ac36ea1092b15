package wallet

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/fortiblox/sugarcrush/pkg/crypto"
	"github.com/fortiblox/sugarcrush/pkg/types"
)

// ApproveFunc is asked before each signing request. Returning false declines it.
type ApproveFunc func(ctx context.Context, txs []*types.Transaction) bool

// KeypairWallet is a Transport backed by a local keypair, used by the CLI
// and tests.
type KeypairWallet struct {
	keypair *crypto.Keypair
	approve ApproveFunc

	mu         sync.Mutex
	authorized bool
}

var _ Transport = (*KeypairWallet)(nil)

// NewKeypairWallet wraps kp. A nil approve signs everything.
func NewKeypairWallet(kp *crypto.Keypair, approve ApproveFunc) *KeypairWallet {
	return &KeypairWallet{keypair: kp, approve: approve}
}

// LoadKeypairFile reads a keypair stored as a JSON array of 64 bytes.
func LoadKeypairFile(path string) (*crypto.Keypair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var secret []byte
	var ints []int
	if err := json.Unmarshal(data, &ints); err != nil {
		return nil, fmt.Errorf("parse keypair %s: %w", path, err)
	}
	for _, v := range ints {
		if v < 0 || v > 255 {
			return nil, fmt.Errorf("parse keypair %s: byte out of range", path)
		}
		secret = append(secret, byte(v))
	}
	return crypto.KeypairFromPrivateKey(secret)
}

// SaveKeypairFile writes kp in the format LoadKeypairFile reads.
func SaveKeypairFile(path string, kp *crypto.Keypair) error {
	priv := kp.PrivateKey()
	ints := make([]int, len(priv))
	for i, b := range priv {
		ints[i] = int(b)
	}
	data, err := json.Marshal(ints)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// PublicKey returns the wallet address.
func (w *KeypairWallet) PublicKey() types.Pubkey {
	return w.keypair.PublicKey()
}

// Authorize returns the address as raw bytes, as mobile wallets do.
func (w *KeypairWallet) Authorize(ctx context.Context) (*Authorization, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w.mu.Lock()
	w.authorized = true
	w.mu.Unlock()
	pk := w.keypair.PublicKey()
	return &Authorization{Address: pk.Bytes(), Label: "keypair"}, nil
}

// SignTransactions signs every transaction with the wallet key.
func (w *KeypairWallet) SignTransactions(ctx context.Context, txs []*types.Transaction) ([]*types.Transaction, error) {
	w.mu.Lock()
	authorized := w.authorized
	w.mu.Unlock()
	if !authorized {
		return nil, ErrNotAuthorized
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if w.approve != nil && !w.approve(ctx, txs) {
		return nil, ErrDeclined
	}
	for _, tx := range txs {
		if err := crypto.SignTransaction(tx, w.keypair); err != nil {
			return nil, err
		}
	}
	return txs, nil
}

// Deauthorize forgets the authorization.
func (w *KeypairWallet) Deauthorize(context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.authorized = false
	return nil
}
