package ledger

import (
	"strings"
	"time"
)

// Well-known devnet endpoints.
const (
	DevnetRPC          = "https://api.devnet.solana.com"
	DevnetWS           = "wss://api.devnet.solana.com"
	EphemeralDevnetRPC = "https://devnet.magicblock.app"
	EphemeralDevnetWS  = "wss://devnet.magicblock.app"
	LocalRPC           = "http://localhost:8899"
)

// Config holds configuration for one venue transport.
type Config struct {
	// Venue labels errors, logs and updates produced by this transport.
	Venue Venue

	// RPCEndpoint is the JSON-RPC endpoint URL.
	RPCEndpoint string

	// WSEndpoint is the pubsub endpoint. When empty it is derived from
	// RPCEndpoint by swapping the scheme.
	WSEndpoint string

	Commitment Commitment

	// Encoding requested for account data: base64 or base64+zstd.
	Encoding string

	// Connection settings
	RequestTimeout time.Duration
	ConnectTimeout time.Duration

	// Confirmation settings
	ConfirmPollInterval time.Duration
	ConfirmTimeout      time.Duration
	SkipPreflight       bool

	// Retry settings for subscription reconnects
	MaxRetries      int
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration
	RetryMultiplier float64

	// Subscription settings
	BufferSize         int  // Channel buffer size for subscriptions
	EnableWebsocket    bool // Use accountSubscribe; polling is used otherwise
	EnablePollFallback bool // Poll when the websocket cannot be (re)established
	PollInterval       time.Duration
}

// DefaultConfig returns a default configuration for the base venue.
func DefaultConfig() *Config {
	return &Config{
		Venue:               VenueBase,
		Commitment:          CommitmentConfirmed,
		Encoding:            EncodingBase64,
		RequestTimeout:      30 * time.Second,
		ConnectTimeout:      10 * time.Second,
		ConfirmPollInterval: 500 * time.Millisecond,
		ConfirmTimeout:      60 * time.Second,
		MaxRetries:          5,
		RetryBaseDelay:      100 * time.Millisecond,
		RetryMaxDelay:       30 * time.Second,
		RetryMultiplier:     2.0,
		BufferSize:          64,
		EnableWebsocket:     true,
		EnablePollFallback:  true,
		PollInterval:        time.Second,
	}
}

// DevnetConfig returns a configuration for the devnet base venue.
func DevnetConfig() *Config {
	cfg := DefaultConfig()
	cfg.RPCEndpoint = DevnetRPC
	cfg.WSEndpoint = DevnetWS
	return cfg
}

// EphemeralDevnetConfig returns a configuration for the devnet ephemeral rollup.
func EphemeralDevnetConfig() *Config {
	cfg := DefaultConfig()
	cfg.Venue = VenueEphemeral
	cfg.RPCEndpoint = EphemeralDevnetRPC
	cfg.WSEndpoint = EphemeralDevnetWS
	cfg.ConfirmPollInterval = 100 * time.Millisecond
	cfg.PollInterval = 250 * time.Millisecond
	cfg.SkipPreflight = true
	return cfg
}

// LocalConfig returns a configuration for a local validator.
func LocalConfig() *Config {
	cfg := DefaultConfig()
	cfg.RPCEndpoint = LocalRPC
	return cfg
}

// Validate validates the configuration and fills zero values with defaults.
func (c *Config) Validate() error {
	if c.RPCEndpoint == "" {
		return &ConfigError{Field: "RPCEndpoint", Message: "must be set"}
	}
	if !strings.HasPrefix(c.RPCEndpoint, "http://") && !strings.HasPrefix(c.RPCEndpoint, "https://") {
		return &ConfigError{Field: "RPCEndpoint", Message: "must be an http(s) URL"}
	}
	switch c.Venue {
	case VenueBase, VenueEphemeral:
	case "":
		c.Venue = VenueBase
	default:
		return &ConfigError{Field: "Venue", Message: "unknown venue " + string(c.Venue)}
	}
	switch c.Commitment {
	case CommitmentProcessed, CommitmentConfirmed, CommitmentFinalized:
	case "":
		c.Commitment = CommitmentConfirmed
	default:
		return &ConfigError{Field: "Commitment", Message: "unknown commitment " + string(c.Commitment)}
	}
	switch c.Encoding {
	case EncodingBase64, EncodingBase64Zstd:
	case "":
		c.Encoding = EncodingBase64
	default:
		return &ConfigError{Field: "Encoding", Message: "unsupported encoding " + c.Encoding}
	}
	if c.WSEndpoint == "" {
		c.WSEndpoint = wsEndpointFor(c.RPCEndpoint)
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.ConfirmPollInterval <= 0 {
		c.ConfirmPollInterval = 500 * time.Millisecond
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = 60 * time.Second
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 64
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 100 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 30 * time.Second
	}
	if c.RetryMultiplier <= 0 {
		c.RetryMultiplier = 2.0
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	return nil
}

// wsEndpointFor maps http(s)://host to ws(s)://host.
func wsEndpointFor(rpc string) string {
	switch {
	case strings.HasPrefix(rpc, "https://"):
		return "wss://" + strings.TrimPrefix(rpc, "https://")
	case strings.HasPrefix(rpc, "http://"):
		return "ws://" + strings.TrimPrefix(rpc, "http://")
	default:
		return rpc
	}
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return "ledger config: " + e.Field + ": " + e.Message
}

// Clone creates a copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}

// WithVenue sets the venue label.
func (c *Config) WithVenue(v Venue) *Config {
	c.Venue = v
	return c
}

// WithRPCEndpoint sets the JSON-RPC endpoint.
func (c *Config) WithRPCEndpoint(endpoint string) *Config {
	c.RPCEndpoint = endpoint
	return c
}

// WithWSEndpoint sets the pubsub endpoint.
func (c *Config) WithWSEndpoint(endpoint string) *Config {
	c.WSEndpoint = endpoint
	return c
}

// WithCommitment sets the commitment level.
func (c *Config) WithCommitment(commitment Commitment) *Config {
	c.Commitment = commitment
	return c
}

// WithEncoding sets the account data encoding.
func (c *Config) WithEncoding(encoding string) *Config {
	c.Encoding = encoding
	return c
}

// WithWebsocket enables or disables websocket subscriptions.
func (c *Config) WithWebsocket(enabled bool) *Config {
	c.EnableWebsocket = enabled
	return c
}

// WithPollInterval sets the polling interval used when subscriptions poll.
func (c *Config) WithPollInterval(d time.Duration) *Config {
	c.PollInterval = d
	return c
}

// WithConfirm sets the confirmation polling interval and timeout.
func (c *Config) WithConfirm(interval, timeout time.Duration) *Config {
	c.ConfirmPollInterval = interval
	c.ConfirmTimeout = timeout
	return c
}
