package types

// Account is a raw ledger account as returned by a venue.
type Account struct {
	Lamports   Lamports // Balance in lamports
	Data       []byte   // Account data
	Owner      Pubkey   // Program that owns this account
	Executable bool     // Is this a program account?
	RentEpoch  uint64
}

// Clone creates a deep copy of the account.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	clone := &Account{
		Lamports:   a.Lamports,
		Owner:      a.Owner,
		Executable: a.Executable,
		RentEpoch:  a.RentEpoch,
	}
	if a.Data != nil {
		clone.Data = make([]byte, len(a.Data))
		copy(clone.Data, a.Data)
	}
	return clone
}

// AccountMeta describes an account in an instruction.
type AccountMeta struct {
	Pubkey     Pubkey
	IsSigner   bool
	IsWritable bool
}

// Writable returns a writable, non-signer meta.
func Writable(pk Pubkey) AccountMeta {
	return AccountMeta{Pubkey: pk, IsWritable: true}
}

// Readonly returns a readonly, non-signer meta.
func Readonly(pk Pubkey) AccountMeta {
	return AccountMeta{Pubkey: pk}
}

// WritableSigner returns a writable signer meta.
func WritableSigner(pk Pubkey) AccountMeta {
	return AccountMeta{Pubkey: pk, IsSigner: true, IsWritable: true}
}

// ReadonlySigner returns a readonly signer meta.
func ReadonlySigner(pk Pubkey) AccountMeta {
	return AccountMeta{Pubkey: pk, IsSigner: true}
}
