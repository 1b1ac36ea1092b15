// crushctl drives the candy crush game program from the command line: it
// derives addresses, plays games on the base or ephemeral venue, manages the
// session key and watches the player accounts.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/fortiblox/sugarcrush/pkg/client"
	"github.com/fortiblox/sugarcrush/pkg/config"
	"github.com/fortiblox/sugarcrush/pkg/crypto"
	"github.com/fortiblox/sugarcrush/pkg/ledger"
	"github.com/fortiblox/sugarcrush/pkg/metrics"
	"github.com/fortiblox/sugarcrush/pkg/program"
	"github.com/fortiblox/sugarcrush/pkg/sessionkey"
	"github.com/fortiblox/sugarcrush/pkg/store"
	"github.com/fortiblox/sugarcrush/pkg/types"
	"github.com/fortiblox/sugarcrush/pkg/wallet"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

var (
	configFile   string
	printMetrics bool
	assumeYes    bool
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "crushctl",
		Short:         "Play the candy crush game program on the base and ephemeral venues",
		Version:       fmt.Sprintf("%s (%s)", Version, GitCommit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "Path to a YAML, JSON or TOML configuration file")
	pf.String("base-rpc", "", "Base venue JSON-RPC endpoint")
	pf.String("base-ws", "", "Base venue websocket endpoint")
	pf.String("ephemeral-rpc", "", "Ephemeral venue JSON-RPC endpoint")
	pf.String("ephemeral-ws", "", "Ephemeral venue websocket endpoint")
	pf.String("program-id", "", "Game program id")
	pf.String("profile-schema", "", "Profile layout: levels or bitmap")
	pf.String("store", "", "Local store backend: badger, leveldb or memory")
	pf.String("store-path", "", "Local store directory")
	pf.String("keypair", "", "Wallet keypair file")
	pf.String("passphrase", "", "Passphrase sealing the session key at rest")
	pf.String("fee-payer", "", "Who pays for session-key moves: wallet or session")
	pf.String("commitment", "", "Commitment level: processed, confirmed, finalized")
	pf.String("log-level", "", "Log level: debug, info, warn, error")
	pf.String("metrics-addr", "", "Serve metrics on this address while watching")
	pf.BoolVar(&printMetrics, "metrics", false, "Print client metrics after the command")
	pf.BoolVarP(&assumeYes, "yes", "y", false, "Approve wallet signatures without prompting")

	cmd.AddCommand(
		deriveCmd(),
		profileCmd(),
		startCmd(),
		moveCmd(),
		endCmd(),
		delegateCmd(),
		undelegateCmd(),
		commitCmd(),
		mintCmd(),
		sessionCmd(),
		watchCmd(),
		adminCmd(),
		walletCmd(),
		airdropCmd(),
	)
	return cmd
}

// app holds everything a connected command needs.
type app struct {
	cfg       *config.Config
	logger    zerolog.Logger
	store     store.Store
	base      *ledger.RPCClient
	ephemeral *ledger.RPCClient
	metrics   *metrics.Metrics
	client    *client.Client
}

func loadConfig(cmd *cobra.Command) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	zerolog.TimeFieldFormat = time.RFC3339
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(cfg.Level()).
		With().Timestamp().Logger()
	return cfg, logger, nil
}

func defaultKeypairPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "sugarcrush", "id.json")
}

func keypairPath(cfg *config.Config) string {
	if cfg.Wallet.Keypair != "" {
		return cfg.Wallet.Keypair
	}
	return defaultKeypairPath()
}

// newApp opens the store and both venues and connects the wallet.
func newApp(cmd *cobra.Command) (*app, error) {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, metrics: metrics.NewMetrics()}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	kp, err := wallet.LoadKeypairFile(keypairPath(cfg))
	if err != nil {
		return nil, fmt.Errorf("load wallet keypair (create one with `crushctl wallet new`): %w", err)
	}
	p, err := cfg.Program()
	if err != nil {
		return nil, err
	}

	if cfg.Store.Backend != store.BackendMemory {
		if err := os.MkdirAll(cfg.StorePath(), 0o700); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}
	if a.store, err = store.Open(cfg.Store.Backend, cfg.StorePath()); err != nil {
		return nil, err
	}

	for _, v := range []struct {
		venue ledger.Venue
		dst   **ledger.RPCClient
	}{{ledger.VenueBase, &a.base}, {ledger.VenueEphemeral, &a.ephemeral}} {
		lc, err := cfg.LedgerConfig(v.venue)
		if err != nil {
			return nil, err
		}
		if *v.dst, err = ledger.NewRPCClient(lc, ledger.WithLogger(logger)); err != nil {
			return nil, err
		}
	}

	sessions := sessionkey.NewManager(a.store,
		sessionkey.WithDuration(cfg.Session.Duration),
		sessionkey.WithPassphrase(cfg.Session.Passphrase),
		sessionkey.WithLogger(logger),
	)
	a.client, err = client.New(a.base, a.ephemeral, wallet.NewKeypairWallet(kp, approve), p,
		client.WithLogger(logger),
		client.WithMetrics(a.metrics),
		client.WithStore(a.store),
		client.WithSessionManager(sessions),
		client.WithFeePayer(client.FeePayer(cfg.Session.FeePayer)),
	)
	if err != nil {
		return nil, err
	}
	if _, err := a.client.Connect(cmd.Context()); err != nil {
		return nil, err
	}
	ok = true
	return a, nil
}

func (a *app) close() {
	if printMetrics && a.metrics != nil {
		fmt.Print(a.metrics.Format())
	}
	for _, c := range []*ledger.RPCClient{a.base, a.ephemeral} {
		if c != nil {
			c.Close()
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("failed to close store")
		}
	}
}

// withApp runs fn with a connected app.
func withApp(fn func(cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()
		return fn(cmd, a, args)
	}
}

// approve asks on the terminal before the wallet key signs.
func approve(_ context.Context, txs []*types.Transaction) bool {
	if assumeYes {
		return true
	}
	for _, tx := range txs {
		ixs, err := tx.Message.Decompile()
		if err != nil {
			return false
		}
		names := make([]string, 0, len(ixs))
		for _, ix := range ixs {
			name, ok := program.InstructionName(ix.Data)
			if !ok {
				name = ix.ProgramID.String()
			}
			names = append(names, name)
		}
		fmt.Fprintf(os.Stderr, "Sign transaction [%s] paid by %s? [y/N] ", strings.Join(names, ", "), tx.FeePayer())
	}
	line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func printResult(res *client.Result) {
	fmt.Printf("%s confirmed on %s venue\n  signature: %s\n  signer:    %s\n  latency:   %s\n",
		res.Operation, res.Venue, res.Signature, res.Signer, res.Latency.Round(time.Millisecond))
}

func newKeypair(path string, force bool) (*crypto.Keypair, error) {
	if _, err := os.Stat(path); err == nil && !force {
		return nil, fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	kp, err := crypto.GenerateKeypair()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	if err := wallet.SaveKeypairFile(path, kp); err != nil {
		return nil, err
	}
	return kp, nil
}
