package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/fortiblox/sugarcrush/pkg/types"
)

// Signer produces signatures for a single public key.
type Signer interface {
	PublicKey() types.Pubkey
	Sign(message []byte) (types.Signature, error)
}

// Keypair is an Ed25519 signing keypair.
type Keypair struct {
	private ed25519.PrivateKey
	public  types.Pubkey
}

// GenerateKeypair creates a keypair from the platform's secure random source.
func GenerateKeypair() (*Keypair, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: generate key: %w", err)
	}
	return newKeypair(priv), nil
}

// KeypairFromSeed derives a keypair from a 32-byte seed.
func KeypairFromSeed(seed []byte) (*Keypair, error) {
	if len(seed) != SeedSize {
		return nil, fmt.Errorf("%w: seed must be %d bytes, got %d", ErrInvalidPrivateKey, SeedSize, len(seed))
	}
	return newKeypair(ed25519.NewKeyFromSeed(seed)), nil
}

// KeypairFromPrivateKey loads a 64-byte secret key (seed || public key), the
// layout used by Solana CLI keypair files. The public half must match the seed.
func KeypairFromPrivateKey(secret []byte) (*Keypair, error) {
	if len(secret) != PrivateKeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidPrivateKey, PrivateKeySize, len(secret))
	}
	kp := newKeypair(ed25519.NewKeyFromSeed(secret[:SeedSize]))
	if string(kp.public[:]) != string(secret[SeedSize:]) {
		return nil, fmt.Errorf("%w: public key mismatch", ErrInvalidPrivateKey)
	}
	return kp, nil
}

func newKeypair(priv ed25519.PrivateKey) *Keypair {
	var pub types.Pubkey
	copy(pub[:], priv.Public().(ed25519.PublicKey))
	return &Keypair{private: priv, public: pub}
}

// PublicKey returns the keypair's address.
func (kp *Keypair) PublicKey() types.Pubkey {
	return kp.public
}

// Sign signs message.
func (kp *Keypair) Sign(message []byte) (types.Signature, error) {
	var sig types.Signature
	copy(sig[:], ed25519.Sign(kp.private, message))
	return sig, nil
}

// PrivateKey returns a copy of the 64-byte secret key.
func (kp *Keypair) PrivateKey() []byte {
	out := make([]byte, len(kp.private))
	copy(out, kp.private)
	return out
}

// VerifySignature verifies a single Ed25519 signature.
// Returns false if the public key or signature have invalid lengths.
func VerifySignature(pubkey, message, signature []byte) bool {
	if len(pubkey) != PublicKeySize {
		return false
	}
	if len(signature) != SignatureSize {
		return false
	}
	return ed25519.Verify(pubkey, message, signature)
}

// SignTransaction fills the signature slot of each signer. Signers that are
// not required by the message are rejected.
func SignTransaction(tx *types.Transaction, signers ...Signer) error {
	if tx == nil {
		return ErrMissingMessage
	}
	message, err := tx.Message.Serialize()
	if err != nil {
		return fmt.Errorf("crypto: serialize message: %w", err)
	}
	for _, s := range signers {
		sig, err := s.Sign(message)
		if err != nil {
			return fmt.Errorf("crypto: sign with %s: %w", s.PublicKey(), err)
		}
		if err := tx.SetSignature(s.PublicKey(), sig); err != nil {
			return err
		}
	}
	return nil
}

// VerifyTransaction verifies all signatures on a transaction.
// Returns nil if all signatures are valid, or an error describing
// which signature failed and why.
func VerifyTransaction(tx *types.Transaction) error {
	if tx == nil {
		return ErrMissingMessage
	}

	numSignatures := len(tx.Signatures)
	if numSignatures == 0 {
		return ErrNoSignatures
	}

	numRequired := int(tx.Message.Header.NumRequiredSignatures)
	if numSignatures != numRequired {
		return fmt.Errorf("%w: expected %d signatures, got %d",
			ErrSignatureCountMismatch, numRequired, numSignatures)
	}

	messageBytes, err := tx.Message.Serialize()
	if err != nil {
		return fmt.Errorf("crypto: serialize message: %w", err)
	}

	signers := tx.Message.Signers()
	if len(signers) < numSignatures {
		return fmt.Errorf("%w: not enough account keys for signatures", ErrSignatureCountMismatch)
	}

	for i := 0; i < numSignatures; i++ {
		pubkey := signers[i]
		signature := tx.Signatures[i]

		if signature.IsZero() {
			return &TransactionVerificationError{
				SignatureIndex: i,
				SignerPubkey:   pubkey.String(),
				Err:            ErrMissingSignature,
			}
		}
		if !ed25519.Verify(pubkey[:], messageBytes, signature[:]) {
			return &TransactionVerificationError{
				SignatureIndex: i,
				SignerPubkey:   pubkey.String(),
				Err:            ErrVerificationFailed,
			}
		}
	}

	return nil
}
