package store

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fortiblox/sugarcrush/pkg/types"
)

// Snapshot format:
// - slot:       8 bytes (little-endian uint64)
// - lamports:   8 bytes (little-endian uint64)
// - data_len:   4 bytes (little-endian uint32)
// - data:       data_len bytes
// - owner:      32 bytes
// - executable: 1 byte (0 or 1)
// - rent_epoch: 8 bytes (little-endian uint64)
//
// The encoded bytes are stored base64 so values stay plain strings.

const (
	snapshotHeaderSize = 8 + 8 + 4  // slot + lamports + data_len
	snapshotFooterSize = 32 + 1 + 8 // owner + executable + rent_epoch
	snapshotMinSize    = snapshotHeaderSize + snapshotFooterSize

	accountKeyPrefix = "account:"
)

// ErrInvalidSnapshot is returned when a stored snapshot is malformed.
var ErrInvalidSnapshot = errors.New("store: invalid account snapshot")

// AccountSnapshot is a raw account as last observed at Slot.
type AccountSnapshot struct {
	Slot    types.Slot
	Account *types.Account
}

// EncodeSnapshot serializes a snapshot to binary format.
func EncodeSnapshot(s *AccountSnapshot) ([]byte, error) {
	if s == nil || s.Account == nil {
		return nil, errors.New("store: cannot encode nil snapshot")
	}
	account := s.Account
	dataLen := len(account.Data)
	buf := make([]byte, snapshotMinSize+dataLen)

	offset := 0
	binary.LittleEndian.PutUint64(buf[offset:], uint64(s.Slot))
	offset += 8
	binary.LittleEndian.PutUint64(buf[offset:], uint64(account.Lamports))
	offset += 8
	binary.LittleEndian.PutUint32(buf[offset:], uint32(dataLen))
	offset += 4

	copy(buf[offset:], account.Data)
	offset += dataLen

	copy(buf[offset:], account.Owner[:])
	offset += 32

	if account.Executable {
		buf[offset] = 1
	}
	offset++

	binary.LittleEndian.PutUint64(buf[offset:], account.RentEpoch)
	return buf, nil
}

// DecodeSnapshot deserializes a snapshot from binary format.
func DecodeSnapshot(data []byte) (*AccountSnapshot, error) {
	if len(data) < snapshotMinSize {
		return nil, fmt.Errorf("%w: need at least %d bytes, got %d",
			ErrInvalidSnapshot, snapshotMinSize, len(data))
	}

	offset := 0
	slot := types.Slot(binary.LittleEndian.Uint64(data[offset:]))
	offset += 8
	lamports := types.Lamports(binary.LittleEndian.Uint64(data[offset:]))
	offset += 8
	dataLen := int(binary.LittleEndian.Uint32(data[offset:]))
	offset += 4

	if expected := snapshotMinSize + dataLen; len(data) != expected {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d",
			ErrInvalidSnapshot, expected, len(data))
	}

	var accountData []byte
	if dataLen > 0 {
		accountData = make([]byte, dataLen)
		copy(accountData, data[offset:offset+dataLen])
		offset += dataLen
	}

	var owner types.Pubkey
	copy(owner[:], data[offset:offset+32])
	offset += 32

	if data[offset] > 1 {
		return nil, fmt.Errorf("%w: executable flag %d", ErrInvalidSnapshot, data[offset])
	}
	executable := data[offset] == 1
	offset++

	return &AccountSnapshot{
		Slot: slot,
		Account: &types.Account{
			Lamports:   lamports,
			Data:       accountData,
			Owner:      owner,
			Executable: executable,
			RentEpoch:  binary.LittleEndian.Uint64(data[offset:]),
		},
	}, nil
}

// AccountCache keeps the latest observed snapshot per address in a Store.
type AccountCache struct {
	store Store
}

// NewAccountCache wraps s.
func NewAccountCache(s Store) *AccountCache {
	return &AccountCache{store: s}
}

func accountKey(pubkey types.Pubkey) string {
	return accountKeyPrefix + pubkey.String()
}

// Get returns the cached snapshot, or nil, nil if there is none.
func (c *AccountCache) Get(pubkey types.Pubkey) (*AccountSnapshot, error) {
	v, err := c.store.Get(accountKey(pubkey))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	raw, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	return DecodeSnapshot(raw)
}

// Put records s unless a newer snapshot is already cached. It reports
// whether the cache was updated.
func (c *AccountCache) Put(pubkey types.Pubkey, s *AccountSnapshot) (bool, error) {
	if prev, err := c.Get(pubkey); err == nil && prev != nil && prev.Slot > s.Slot {
		return false, nil
	}
	raw, err := EncodeSnapshot(s)
	if err != nil {
		return false, err
	}
	if err := c.store.Set(accountKey(pubkey), base64.StdEncoding.EncodeToString(raw)); err != nil {
		return false, err
	}
	return true, nil
}

// Delete drops the cached snapshot.
func (c *AccountCache) Delete(pubkey types.Pubkey) error {
	return c.store.Delete(accountKey(pubkey))
}
