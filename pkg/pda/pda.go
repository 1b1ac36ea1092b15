// Package pda derives program-derived addresses: deterministic, off-curve
// addresses that only the owning program can sign for.
package pda

import (
	"crypto/sha256"
	"errors"
	"fmt"

	solana "github.com/gagliardetto/solana-go"

	"github.com/fortiblox/sugarcrush/pkg/types"
)

// PDA constants
const (
	// MaxSeeds is the maximum number of seeds for PDA derivation, bump included.
	MaxSeeds = 16
	// MaxSeedLen is the maximum length of a single seed
	MaxSeedLen = 32
	// PDAMarker is the string appended during PDA derivation
	PDAMarker = "ProgramDerivedAddress"
)

var (
	ErrTooManySeeds = errors.New("pda: too many seeds")
	ErrSeedTooLong  = errors.New("pda: seed exceeds maximum length")
	ErrOnCurve      = errors.New("pda: address is on the ed25519 curve")
	ErrNoViableBump = errors.New("pda: no viable bump seed")
)

// Address is a derived address together with the bump that produced it.
type Address struct {
	Pubkey types.Pubkey
	Bump   uint8
}

func validateSeeds(seeds [][]byte) error {
	if len(seeds) > MaxSeeds {
		return fmt.Errorf("%w: %d > %d", ErrTooManySeeds, len(seeds), MaxSeeds)
	}
	for i, seed := range seeds {
		if len(seed) > MaxSeedLen {
			return fmt.Errorf("%w: seed %d is %d bytes", ErrSeedTooLong, i, len(seed))
		}
	}
	return nil
}

// CreateProgramAddress creates a PDA from seeds and program ID.
// PDA formula: SHA256(seeds... || program_id || "ProgramDerivedAddress").
// The result must NOT be on the ed25519 curve.
func CreateProgramAddress(seeds [][]byte, programID types.Pubkey) (types.Pubkey, error) {
	if err := validateSeeds(seeds); err != nil {
		return types.ZeroPubkey, err
	}

	hasher := sha256.New()
	for _, seed := range seeds {
		hasher.Write(seed)
	}
	hasher.Write(programID[:])
	hasher.Write([]byte(PDAMarker))
	hash := hasher.Sum(nil)

	if solana.IsOnCurve(hash) {
		return types.ZeroPubkey, ErrOnCurve
	}

	var pda types.Pubkey
	copy(pda[:], hash)
	return pda, nil
}

// FindProgramAddress finds a valid PDA by trying bump seeds from 255 to 0.
// Seeds are never truncated; oversized input fails the call.
func FindProgramAddress(seeds [][]byte, programID types.Pubkey) (Address, error) {
	// Need room for the bump seed.
	if len(seeds) >= MaxSeeds {
		return Address{}, fmt.Errorf("%w: %d seeds leave no room for the bump", ErrTooManySeeds, len(seeds))
	}
	if err := validateSeeds(seeds); err != nil {
		return Address{}, err
	}

	seedsWithBump := make([][]byte, len(seeds)+1)
	copy(seedsWithBump, seeds)
	bumpSeed := []byte{0}
	seedsWithBump[len(seeds)] = bumpSeed

	for bump := 255; bump >= 0; bump-- {
		bumpSeed[0] = uint8(bump)
		pda, err := CreateProgramAddress(seedsWithBump, programID)
		if err == nil {
			return Address{Pubkey: pda, Bump: uint8(bump)}, nil
		}
		if !errors.Is(err, ErrOnCurve) {
			return Address{}, err
		}
	}

	return Address{}, ErrNoViableBump
}

// DerivePDA is a helper to derive a PDA with string seeds.
func DerivePDA(programID types.Pubkey, seeds ...string) (Address, error) {
	byteSeeds := make([][]byte, len(seeds))
	for i, s := range seeds {
		byteSeeds[i] = []byte(s)
	}
	return FindProgramAddress(byteSeeds, programID)
}
