// Package config loads client configuration from a file, CRUSH_ environment
// variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/fortiblox/sugarcrush/pkg/codec"
	"github.com/fortiblox/sugarcrush/pkg/ledger"
	"github.com/fortiblox/sugarcrush/pkg/program"
	"github.com/fortiblox/sugarcrush/pkg/sessionkey"
	"github.com/fortiblox/sugarcrush/pkg/store"
	"github.com/fortiblox/sugarcrush/pkg/types"
)

// EnvPrefix prefixes every environment override, e.g. CRUSH_BASE_RPC.
const EnvPrefix = "CRUSH"

// Fee payer policies for session-key moves.
const (
	FeePayerWallet  = "wallet"
	FeePayerSession = "session"
)

// Config represents the client configuration.
type Config struct {
	Base                VenueConfig   `mapstructure:"base"`
	Ephemeral           VenueConfig   `mapstructure:"ephemeral"`
	ProgramID           string        `mapstructure:"program_id"`
	DelegationProgramID string        `mapstructure:"delegation_program_id"`
	RewardMint          string        `mapstructure:"reward_mint"`
	ProfileSchema       string        `mapstructure:"profile_schema"`
	Session             SessionConfig `mapstructure:"session"`
	Store               StoreConfig   `mapstructure:"store"`
	Wallet              WalletConfig  `mapstructure:"wallet"`
	Commitment          string        `mapstructure:"commitment"`
	Confirm             ConfirmConfig `mapstructure:"confirm"`
	RequestTimeout      time.Duration `mapstructure:"request_timeout"`
	LogLevel            string        `mapstructure:"log_level"`
	Metrics             MetricsConfig `mapstructure:"metrics"`
}

// VenueConfig holds the endpoints of one venue.
type VenueConfig struct {
	RPC string `mapstructure:"rpc"`
	WS  string `mapstructure:"ws"`
}

// SessionConfig holds session key settings.
type SessionConfig struct {
	Duration   time.Duration `mapstructure:"duration"`
	Passphrase string        `mapstructure:"passphrase"`
	FeePayer   string        `mapstructure:"fee_payer"`
}

// StoreConfig selects the local persistence backend.
type StoreConfig struct {
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
}

// WalletConfig points at the keypair file used as the CLI wallet.
type WalletConfig struct {
	Keypair string `mapstructure:"keypair"`
}

// ConfirmConfig tunes confirmation polling.
type ConfirmConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// MetricsConfig holds the metrics server address; empty disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// defaults are registered with viper so that every key is visible to
// environment overrides.
var defaults = map[string]any{
	"base.rpc":              ledger.DevnetRPC,
	"base.ws":               ledger.DevnetWS,
	"ephemeral.rpc":         ledger.EphemeralDevnetRPC,
	"ephemeral.ws":          ledger.EphemeralDevnetWS,
	"program_id":            program.DefaultProgramID.String(),
	"delegation_program_id": types.DelegationProgramID.String(),
	"reward_mint":           "",
	"profile_schema":        codec.LayoutLevels,
	"session.duration":      sessionkey.DefaultDuration,
	"session.passphrase":    "",
	"session.fee_payer":     FeePayerWallet,
	"store.backend":         store.BackendBadger,
	"store.path":            "",
	"wallet.keypair":        "",
	"commitment":            string(ledger.CommitmentConfirmed),
	"confirm.poll_interval": 500 * time.Millisecond,
	"confirm.timeout":       60 * time.Second,
	"request_timeout":       30 * time.Second,
	"log_level":             "info",
	"metrics.addr":          "",
}

// flagKeys maps command-line flag names to config keys.
var flagKeys = map[string]string{
	"base-rpc":       "base.rpc",
	"base-ws":        "base.ws",
	"ephemeral-rpc":  "ephemeral.rpc",
	"ephemeral-ws":   "ephemeral.ws",
	"program-id":     "program_id",
	"profile-schema": "profile_schema",
	"store":          "store.backend",
	"store-path":     "store.path",
	"keypair":        "wallet.keypair",
	"passphrase":     "session.passphrase",
	"fee-payer":      "session.fee_payer",
	"commitment":     "commitment",
	"log-level":      "log_level",
	"metrics-addr":   "metrics.addr",
}

func newViper() *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	return v
}

// Default returns the devnet configuration, ignoring the environment.
func Default() *Config {
	var cfg Config
	if err := newViper().Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("config: bad defaults: %v", err))
	}
	return &cfg
}

// Load reads configuration from path (optional), CRUSH_ environment
// variables and any flags in fs that were explicitly set, in increasing
// precedence.
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	v := newViper()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil && f.Changed {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that can be checked without the network.
func (c *Config) Validate() error {
	var errs []error
	if _, err := types.PubkeyFromBase58(c.ProgramID); err != nil {
		errs = append(errs, fmt.Errorf("program_id: %w", err))
	}
	if _, err := types.PubkeyFromBase58(c.DelegationProgramID); err != nil {
		errs = append(errs, fmt.Errorf("delegation_program_id: %w", err))
	}
	if c.RewardMint != "" {
		if _, err := types.PubkeyFromBase58(c.RewardMint); err != nil {
			errs = append(errs, fmt.Errorf("reward_mint: %w", err))
		}
	}
	if _, err := codec.LayoutByName(c.ProfileSchema); err != nil {
		errs = append(errs, fmt.Errorf("profile_schema: %w", err))
	}
	switch c.Session.FeePayer {
	case FeePayerWallet, FeePayerSession:
	default:
		errs = append(errs, fmt.Errorf("session.fee_payer: want %s or %s, got %q", FeePayerWallet, FeePayerSession, c.Session.FeePayer))
	}
	if c.Session.Duration <= 0 {
		errs = append(errs, fmt.Errorf("session.duration: must be positive"))
	}
	switch c.Store.Backend {
	case store.BackendBadger, store.BackendLevelDB, store.BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("store.backend: unknown backend %q", c.Store.Backend))
	}
	switch ledger.Commitment(c.Commitment) {
	case ledger.CommitmentProcessed, ledger.CommitmentConfirmed, ledger.CommitmentFinalized:
	default:
		errs = append(errs, fmt.Errorf("commitment: unknown level %q", c.Commitment))
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	return errors.Join(errs...)
}

// LedgerConfig returns the transport configuration for venue.
func (c *Config) LedgerConfig(venue ledger.Venue) (*ledger.Config, error) {
	var (
		lc *ledger.Config
		vc VenueConfig
	)
	switch venue {
	case ledger.VenueBase:
		lc, vc = ledger.DevnetConfig(), c.Base
	case ledger.VenueEphemeral:
		lc, vc = ledger.EphemeralDevnetConfig(), c.Ephemeral
	default:
		return nil, fmt.Errorf("unknown venue %q", venue)
	}
	lc = lc.WithRPCEndpoint(vc.RPC).
		WithWSEndpoint(vc.WS).
		WithCommitment(ledger.Commitment(c.Commitment))
	lc.RequestTimeout = c.RequestTimeout
	if venue == ledger.VenueBase {
		lc = lc.WithConfirm(c.Confirm.PollInterval, c.Confirm.Timeout)
	} else {
		lc.ConfirmTimeout = c.Confirm.Timeout
	}
	if err := lc.Validate(); err != nil {
		return nil, fmt.Errorf("%s venue: %w", venue, err)
	}
	return lc, nil
}

// Program returns the instruction builder for the configured deployment.
func (c *Config) Program() (*program.Program, error) {
	id, err := types.PubkeyFromBase58(c.ProgramID)
	if err != nil {
		return nil, fmt.Errorf("program_id: %w", err)
	}
	layout, err := codec.LayoutByName(c.ProfileSchema)
	if err != nil {
		return nil, err
	}
	p := program.New(id, layout)
	if p.DelegationProgramID, err = types.PubkeyFromBase58(c.DelegationProgramID); err != nil {
		return nil, fmt.Errorf("delegation_program_id: %w", err)
	}
	if c.RewardMint != "" {
		if p.RewardMint, err = types.PubkeyFromBase58(c.RewardMint); err != nil {
			return nil, fmt.Errorf("reward_mint: %w", err)
		}
	}
	return p, nil
}

// Level returns the parsed log level, defaulting to info.
func (c *Config) Level() zerolog.Level {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

// StorePath returns store.path, or a directory under the user config
// directory when it is unset.
func (c *Config) StorePath() string {
	if c.Store.Path != "" || c.Store.Backend == store.BackendMemory {
		return c.Store.Path
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "sugarcrush", c.Store.Backend)
}
