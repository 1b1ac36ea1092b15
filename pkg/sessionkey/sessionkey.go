// Package sessionkey manages the short-lived local keypair that signs moves
// on the player's behalf without a wallet prompt.
package sessionkey

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mr-tron/base58"
	"github.com/rs/zerolog"

	"github.com/fortiblox/sugarcrush/pkg/crypto"
	"github.com/fortiblox/sugarcrush/pkg/store"
	"github.com/fortiblox/sugarcrush/pkg/types"
)

// DefaultDuration is how long a freshly created session key stays valid.
const DefaultDuration = time.Hour

var (
	// ErrNoSession means no usable session key exists.
	ErrNoSession = errors.New("sessionkey: no session key")

	// ErrExpired means the session key existed but has expired. It matches
	// ErrNoSession under errors.Is.
	ErrExpired = fmt.Errorf("%w: expired", ErrNoSession)

	errCorrupt = errors.New("sessionkey: corrupt key material")
)

// SessionKey is a locally held signing key with an expiry.
type SessionKey struct {
	keypair   *crypto.Keypair
	ExpiresAt time.Time
}

// PublicKey returns the session key address.
func (k *SessionKey) PublicKey() types.Pubkey {
	return k.keypair.PublicKey()
}

// Sign implements crypto.Signer.
func (k *SessionKey) Sign(message []byte) (types.Signature, error) {
	return k.keypair.Sign(message)
}

// ValidAt reports whether the key is usable at t.
func (k *SessionKey) ValidAt(t time.Time) bool {
	return k != nil && t.Before(k.ExpiresAt)
}

var _ crypto.Signer = (*SessionKey)(nil)

// Manager creates, persists and expires the session key.
type Manager struct {
	mu         sync.Mutex
	store      store.Store
	duration   time.Duration
	now        func() time.Time
	passphrase string
	logger     zerolog.Logger
	current    *SessionKey
}

// Option configures a Manager.
type Option func(*Manager)

// WithDuration sets the session key lifetime.
func WithDuration(d time.Duration) Option {
	return func(m *Manager) { m.duration = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithPassphrase seals the persisted secret with AES-GCM under a
// PBKDF2-derived key.
func WithPassphrase(passphrase string) Option {
	return func(m *Manager) { m.passphrase = passphrase }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// NewManager returns a manager persisting to s.
func NewManager(s store.Store, opts ...Option) *Manager {
	m := &Manager{
		store:    s,
		duration: DefaultDuration,
		now:      time.Now,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.duration <= 0 {
		m.duration = DefaultDuration
	}
	return m
}

// Duration returns the configured lifetime.
func (m *Manager) Duration() time.Duration {
	return m.duration
}

// Create generates a new session key, replacing any previous one.
func (m *Manager) Create() (*SessionKey, error) {
	kp, err := crypto.GenerateKeypair()
	if err != nil {
		return nil, fmt.Errorf("sessionkey: generate: %w", err)
	}
	key := &SessionKey{keypair: kp, ExpiresAt: m.now().Add(m.duration).Truncate(time.Millisecond)}

	secret, err := m.encodeSecret(kp.PrivateKey())
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.current = nil
	if err := m.store.Set(store.KeySessionSecret, secret); err != nil {
		return nil, fmt.Errorf("sessionkey: persist secret: %w", err)
	}
	expiry := strconv.FormatInt(key.ExpiresAt.UnixMilli(), 10)
	if err := m.store.Set(store.KeySessionExpiry, expiry); err != nil {
		_ = m.store.Delete(store.KeySessionSecret)
		return nil, fmt.Errorf("sessionkey: persist expiry: %w", err)
	}
	m.current = key

	m.logger.Info().
		Stringer("session_key", key.PublicKey()).
		Time("expires_at", key.ExpiresAt).
		Msg("session key created")
	return key, nil
}

// IsValid reports whether k is present and not expired.
func (m *Manager) IsValid(k *SessionKey) bool {
	return k.ValidAt(m.now())
}

// Current returns the usable session key, loading it from the store on first
// use. Expired or corrupt keys are cleared and reported as ErrExpired or
// ErrNoSession.
func (m *Manager) Current() (*SessionKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		key, err := m.load()
		if err != nil {
			return nil, err
		}
		m.current = key
	}
	if !m.current.ValidAt(m.now()) {
		m.logger.Info().Stringer("session_key", m.current.PublicKey()).Msg("session key expired")
		m.clear()
		return nil, ErrExpired
	}
	return m.current, nil
}

// Load re-reads the session key from the store, discarding any cached key.
func (m *Manager) Load() (*SessionKey, error) {
	m.mu.Lock()
	m.current = nil
	m.mu.Unlock()
	return m.Current()
}

// load reads persisted material. Caller holds mu.
func (m *Manager) load() (*SessionKey, error) {
	secret, err := m.store.Get(store.KeySessionSecret)
	if errors.Is(err, store.ErrNotFound) {
		if m.store.Has(store.KeySessionExpiry) {
			m.clear()
		}
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("sessionkey: read secret: %w", err)
	}

	key, err := m.decode(secret)
	if err != nil {
		m.logger.Warn().Err(err).Msg("discarding unreadable session key")
		m.clear()
		return nil, ErrNoSession
	}
	return key, nil
}

func (m *Manager) decode(secret string) (*SessionKey, error) {
	expiryStr, err := m.store.Get(store.KeySessionExpiry)
	if err != nil {
		return nil, fmt.Errorf("%w: expiry: %v", errCorrupt, err)
	}
	ms, err := strconv.ParseInt(expiryStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: expiry: %v", errCorrupt, err)
	}

	raw, err := m.decodeSecret(secret)
	if err != nil {
		return nil, err
	}
	kp, err := crypto.KeypairFromPrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errCorrupt, err)
	}
	return &SessionKey{keypair: kp, ExpiresAt: time.UnixMilli(ms)}, nil
}

// Clear deletes the persisted key material. It is idempotent.
func (m *Manager) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clear()
}

func (m *Manager) clear() error {
	m.current = nil
	return errors.Join(
		m.store.Delete(store.KeySessionSecret),
		m.store.Delete(store.KeySessionExpiry),
	)
}

func (m *Manager) encodeSecret(priv []byte) (string, error) {
	if m.passphrase == "" {
		return base58.Encode(priv), nil
	}
	sealed, err := seal(m.passphrase, priv)
	if err != nil {
		return "", fmt.Errorf("sessionkey: seal: %w", err)
	}
	return sealed, nil
}

func (m *Manager) decodeSecret(secret string) ([]byte, error) {
	if strings.HasPrefix(secret, "{") {
		if m.passphrase == "" {
			return nil, fmt.Errorf("%w: sealed key without passphrase", errCorrupt)
		}
		raw, err := unseal(m.passphrase, secret)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errCorrupt, err)
		}
		return raw, nil
	}
	raw, err := base58.Decode(secret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errCorrupt, err)
	}
	return raw, nil
}
