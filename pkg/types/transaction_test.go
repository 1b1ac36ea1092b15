package types

import (
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/require"
)

func testPubkey(seed string) Pubkey {
	return Pubkey(sha256.Sum256([]byte(seed)))
}

func TestNewMessage_AccountOrdering(t *testing.T) {
	payer := testPubkey("payer")
	session := testPubkey("session")
	game := testPubkey("game")
	profile := testPubkey("profile")
	program := testPubkey("program")

	ix := Instruction{
		ProgramID: program,
		Accounts: []AccountMeta{
			Readonly(profile),
			Writable(game),
			ReadonlySigner(session),
			WritableSigner(payer),
		},
		Data: []byte{1, 2, 3},
	}

	msg, err := NewMessage(payer, []Instruction{ix}, SHA256([]byte("blockhash")))
	require.NoError(t, err)

	require.Equal(t, []Pubkey{payer, session, game, profile, program}, msg.AccountKeys)
	require.Equal(t, MessageHeader{
		NumRequiredSignatures:       2,
		NumReadonlySignedAccounts:   1,
		NumReadonlyUnsignedAccounts: 2,
	}, msg.Header)
	require.Equal(t, []uint8{3, 2, 1, 0}, msg.Instructions[0].AccountIndices)
	require.Equal(t, uint8(4), msg.Instructions[0].ProgramIDIndex)

	require.True(t, msg.IsWritable(0))
	require.False(t, msg.IsWritable(1))
	require.True(t, msg.IsWritable(2))
	require.False(t, msg.IsWritable(3))
	require.Equal(t, []Pubkey{payer, session}, msg.Signers())
}

func TestNewMessage_MergesFlags(t *testing.T) {
	payer := testPubkey("payer")
	shared := testPubkey("shared")
	program := testPubkey("program")

	ixs := []Instruction{
		{ProgramID: program, Accounts: []AccountMeta{Readonly(shared)}},
		{ProgramID: program, Accounts: []AccountMeta{Writable(shared)}},
	}
	msg, err := NewMessage(payer, ixs, ZeroHash)
	require.NoError(t, err)
	require.Len(t, msg.AccountKeys, 3)
	require.True(t, msg.IsWritable(1))
}

func TestNewMessage_NoInstructions(t *testing.T) {
	_, err := NewMessage(testPubkey("payer"), nil, ZeroHash)
	require.ErrorIs(t, err, ErrNoInstructions)
}

func TestTransaction_SerializeRoundTrip(t *testing.T) {
	payer := testPubkey("payer")
	program := testPubkey("program")
	target := testPubkey("target")

	msg, err := NewMessage(payer, []Instruction{{
		ProgramID: program,
		Accounts:  []AccountMeta{WritableSigner(payer), Writable(target)},
		Data:      make([]byte, 200),
	}}, SHA256([]byte("bh")))
	require.NoError(t, err)

	tx := NewTransaction(msg)
	require.False(t, tx.IsFullySigned())

	var sig Signature
	sig[0] = 7
	require.NoError(t, tx.SetSignature(payer, sig))
	require.True(t, tx.IsFullySigned())
	require.ErrorIs(t, tx.SetSignature(target, sig), ErrUnknownSigner)

	wire, err := tx.Serialize()
	require.NoError(t, err)

	parsed, err := DeserializeTransaction(wire)
	require.NoError(t, err)
	require.Equal(t, tx.Signatures, parsed.Signatures)
	require.Equal(t, tx.Message.AccountKeys, parsed.Message.AccountKeys)
	require.Equal(t, tx.Message.Header, parsed.Message.Header)
	require.Equal(t, payer, parsed.FeePayer())
	require.Equal(t, sig, parsed.ID())

	ixs, err := parsed.Message.Decompile()
	require.NoError(t, err)
	require.Len(t, ixs, 1)
	require.Equal(t, program, ixs[0].ProgramID)
	require.Equal(t, []AccountMeta{WritableSigner(payer), Writable(target)}, ixs[0].Accounts)
	require.Len(t, ixs[0].Data, 200)
}

func TestCompactU16(t *testing.T) {
	for _, v := range []int{0, 1, 0x7f, 0x80, 0x3fff, 0x4000, 0xffff} {
		buf := appendCompactU16(nil, v)
		got, n, err := ParseCompactU16(buf)
		require.NoError(t, err)
		require.Equal(t, len(buf), n)
		require.Equal(t, uint16(v), got)
	}
}

func TestPubkeyText(t *testing.T) {
	pk := testPubkey("text")
	text, err := pk.MarshalText()
	require.NoError(t, err)

	var decoded Pubkey
	require.NoError(t, decoded.UnmarshalText(text))
	require.Equal(t, pk, decoded)
	require.Error(t, decoded.UnmarshalText([]byte("not-base58-0OIl")))
}
