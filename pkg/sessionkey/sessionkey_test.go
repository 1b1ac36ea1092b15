package sessionkey

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fortiblox/sugarcrush/pkg/crypto"
	"github.com/fortiblox/sugarcrush/pkg/store"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestManager(t *testing.T, opts ...Option) (*Manager, *fakeClock, store.Store) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := store.NewMemoryStore()
	m := NewManager(s, append([]Option{WithClock(clock.Now)}, opts...)...)
	return m, clock, s
}

func TestSessionKey_Expiry(t *testing.T) {
	m, clock, _ := newTestManager(t)

	key, err := m.Create()
	require.NoError(t, err)
	require.Equal(t, clock.t.Add(time.Hour), key.ExpiresAt)

	clock.Advance(59 * time.Minute)
	require.True(t, m.IsValid(key))
	cur, err := m.Current()
	require.NoError(t, err)
	require.Equal(t, key.PublicKey(), cur.PublicKey())

	clock.Advance(2 * time.Minute)
	require.False(t, m.IsValid(key))
	_, err = m.Current()
	require.ErrorIs(t, err, ErrExpired)
	require.ErrorIs(t, err, ErrNoSession)

	require.False(t, m.IsValid(nil))
}

func TestSessionKey_LoadExpiredClearsStore(t *testing.T) {
	m, clock, s := newTestManager(t)
	_, err := m.Create()
	require.NoError(t, err)

	// A fresh manager at app start, two hours later.
	clock.Advance(2 * time.Hour)
	restarted := NewManager(s, WithClock(clock.Now))
	_, err = restarted.Current()
	require.ErrorIs(t, err, ErrNoSession)
	require.False(t, s.Has(store.KeySessionSecret))
	require.False(t, s.Has(store.KeySessionExpiry))
}

func TestSessionKey_LoadValidFromStore(t *testing.T) {
	m, clock, s := newTestManager(t)
	key, err := m.Create()
	require.NoError(t, err)

	clock.Advance(30 * time.Minute)
	restarted := NewManager(s, WithClock(clock.Now))
	loaded, err := restarted.Load()
	require.NoError(t, err)
	require.Equal(t, key.PublicKey(), loaded.PublicKey())
	require.True(t, key.ExpiresAt.Equal(loaded.ExpiresAt))

	// The restored key still signs for the same address.
	msg := []byte("make_move")
	sig, err := loaded.Sign(msg)
	require.NoError(t, err)
	require.True(t, crypto.VerifySignature(key.PublicKey().Bytes(), msg, sig.Bytes()))
}

func TestSessionKey_CreateReplacesPrevious(t *testing.T) {
	m, _, s := newTestManager(t)
	first, err := m.Create()
	require.NoError(t, err)
	second, err := m.Create()
	require.NoError(t, err)
	require.NotEqual(t, first.PublicKey(), second.PublicKey())

	loaded, err := NewManager(s, WithClock(m.now)).Current()
	require.NoError(t, err)
	require.Equal(t, second.PublicKey(), loaded.PublicKey())
}

func TestSessionKey_CorruptMaterialIsAbsent(t *testing.T) {
	testCases := []struct {
		name   string
		secret string
		expiry string
	}{
		{"not base58", "0OIl!!", "9999999999999"},
		{"wrong length", "3mJr7AoUXx2Wqd", "9999999999999"},
		{"bad expiry", "", "tomorrow"},
		{"sealed without passphrase", `{"salt":"00","nonce":"00","cipher_text":"00"}`, "9999999999999"},
		{"missing expiry", "", ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			m, _, s := newTestManager(t)
			secret := tc.secret
			if secret == "" {
				key, err := m.Create()
				require.NoError(t, err)
				require.NotNil(t, key)
				secret, err = s.Get(store.KeySessionSecret)
				require.NoError(t, err)
			}
			require.NoError(t, s.Set(store.KeySessionSecret, secret))
			if tc.expiry == "" {
				require.NoError(t, s.Delete(store.KeySessionExpiry))
			} else {
				require.NoError(t, s.Set(store.KeySessionExpiry, tc.expiry))
			}

			_, err := m.Load()
			require.ErrorIs(t, err, ErrNoSession)
			require.False(t, errors.Is(err, ErrExpired))
			require.False(t, s.Has(store.KeySessionSecret))
		})
	}
}

func TestSessionKey_Clear(t *testing.T) {
	m, _, s := newTestManager(t)
	_, err := m.Create()
	require.NoError(t, err)

	require.NoError(t, m.Clear())
	require.NoError(t, m.Clear())
	require.Equal(t, uint64(0), s.Count())
	_, err = m.Current()
	require.ErrorIs(t, err, ErrNoSession)
}

func TestSessionKey_Sealed(t *testing.T) {
	m, clock, s := newTestManager(t, WithPassphrase("sugar"))
	key, err := m.Create()
	require.NoError(t, err)

	secret, err := s.Get(store.KeySessionSecret)
	require.NoError(t, err)
	require.Contains(t, secret, "cipher_text")

	loaded, err := NewManager(s, WithClock(clock.Now), WithPassphrase("sugar")).Load()
	require.NoError(t, err)
	require.Equal(t, key.PublicKey(), loaded.PublicKey())

	_, err = NewManager(s, WithClock(clock.Now), WithPassphrase("salt")).Load()
	require.ErrorIs(t, err, ErrNoSession)
	require.False(t, s.Has(store.KeySessionSecret))
}
