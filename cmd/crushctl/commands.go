package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/fortiblox/sugarcrush/pkg/client"
	"github.com/fortiblox/sugarcrush/pkg/codec"
	"github.com/fortiblox/sugarcrush/pkg/ledger"
	"github.com/fortiblox/sugarcrush/pkg/metrics"
	"github.com/fortiblox/sugarcrush/pkg/pda"
	"github.com/fortiblox/sugarcrush/pkg/program"
	"github.com/fortiblox/sugarcrush/pkg/sessionkey"
	"github.com/fortiblox/sugarcrush/pkg/types"
	"github.com/fortiblox/sugarcrush/pkg/wallet"
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseU8(name, s string) (uint8, error) {
	v, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, s, err)
	}
	return uint8(v), nil
}

func deriveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "derive [ADDRESS]",
		Short: "Print the program-derived addresses of a player",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			p, err := cfg.Program()
			if err != nil {
				return err
			}
			var player types.Pubkey
			if len(args) == 1 {
				if player, err = wallet.NormalizeAddress(args[0]); err != nil {
					return err
				}
			} else {
				kp, err := wallet.LoadKeypairFile(keypairPath(cfg))
				if err != nil {
					return fmt.Errorf("no address given and no wallet keypair: %w", err)
				}
				player = kp.PublicKey()
			}

			addrs, err := p.PlayerAddresses(player)
			if err != nil {
				return err
			}
			collection, err := pda.VictoryCollection(p.ID)
			if err != nil {
				return err
			}
			rewardAuthority, err := pda.RewardAuthority(p.ID)
			if err != nil {
				return err
			}
			deleg, err := pda.Delegation(p.DelegationProgramID, addrs.GameSession.Pubkey)
			if err != nil {
				return err
			}

			rows := []struct {
				name string
				addr pda.Address
			}{
				{"player_profile", addrs.PlayerProfile},
				{"game_session", addrs.GameSession},
				{"victory_collection", collection},
				{"reward_authority", rewardAuthority},
				{"delegation_buffer", deleg.Buffer},
				{"delegation_record", deleg.Record},
				{"delegation_metadata", deleg.Metadata},
			}
			fmt.Printf("player              %s\n", player)
			for _, r := range rows {
				fmt.Printf("%-19s %s (bump %d)\n", r.name, r.addr.Pubkey, r.addr.Bump)
			}
			return nil
		},
	}
}

func profileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "profile",
		Short: "Show the player profile, game session and delegation status",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
			out := struct {
				Player     string               `json:"player"`
				Delegation string               `json:"delegation"`
				Profile    *codec.PlayerProfile `json:"profile"`
				Game       *codec.GameSession   `json:"game"`
				SessionKey *sessionKeyView      `json:"sessionKey,omitempty"`
			}{
				Player:     a.client.Player().String(),
				Delegation: a.client.DelegationStatus().String(),
				Profile:    a.client.Profile(),
				Game:       a.client.Game(),
			}
			if key, err := a.client.SessionKey(); err == nil {
				out.SessionKey = viewSessionKey(key)
			}
			return printJSON(out)
		}),
	}
}

func startCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start LEVEL",
		Short: "Start a game at a level (1-10)",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			level, err := parseU8("level", args[0])
			if err != nil {
				return err
			}
			if a.client.Profile() == nil {
				name, _ := cmd.Flags().GetString("name")
				res, err := a.client.InitializePlayer(cmd.Context(), name)
				if err != nil {
					return fmt.Errorf("initialize player: %w", err)
				}
				printResult(res)
			}
			res, err := a.client.StartGame(cmd.Context(), level)
			if err != nil {
				return err
			}
			printResult(res)
			lv := program.Levels[level-1]
			fmt.Printf("level %d: %dx%d grid, target %d, %s\n", lv.ID, lv.Rows, lv.Cols, lv.TargetScore, lv.TimeLimit)
			return nil
		}),
	}
	cmd.Flags().String("name", "player", "Player name used when the profile does not exist yet")
	return cmd
}

func moveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "move FROM_ROW FROM_COL TO_ROW TO_COL",
		Short: "Swap two adjacent candies",
		Args:  cobra.ExactArgs(4),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			var coords [4]uint8
			for i, name := range []string{"from row", "from col", "to row", "to col"} {
				v, err := parseU8(name, args[i])
				if err != nil {
					return err
				}
				coords[i] = v
			}
			res, err := a.client.MakeMove(cmd.Context(), program.Move{
				FromRow: coords[0], FromCol: coords[1], ToRow: coords[2], ToCol: coords[3],
			})
			if err != nil {
				return err
			}
			printResult(res)
			if game := a.client.Game(); game != nil {
				fmt.Printf("score %d\n", game.Score)
			}
			return nil
		}),
	}
}

func endCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "end SCORE",
		Short: "End the game with a final score",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			score, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid score %q: %w", args[0], err)
			}
			game := a.client.Game()
			res, err := a.client.EndGame(cmd.Context(), score)
			if err != nil {
				return err
			}
			printResult(res)
			if game != nil {
				if level, err := program.LevelConfig(game.Level); err == nil {
					if level.Won(score) {
						fmt.Printf("won level %d (%s)\n", level.ID, program.RarityFor(score, level.TargetScore))
					} else {
						fmt.Printf("level %d not won: %d/%d\n", level.ID, score, level.TargetScore)
					}
				}
			}
			return nil
		}),
	}
}

func delegateCmd() *cobra.Command {
	var validator string
	cmd := &cobra.Command{
		Use:   "delegate",
		Short: "Delegate the game session to the ephemeral venue",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
			var v *types.Pubkey
			if validator != "" {
				pk, err := types.PubkeyFromBase58(validator)
				if err != nil {
					return fmt.Errorf("invalid validator: %w", err)
				}
				v = &pk
			}
			res, err := a.client.DelegateGame(cmd.Context(), v)
			if err != nil {
				return err
			}
			printResult(res)
			fmt.Printf("delegation: %s\n", a.client.DelegationStatus())
			return nil
		}),
	}
	cmd.Flags().StringVar(&validator, "validator", "", "Pin an ephemeral validator")
	return cmd
}

func undelegateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "undelegate",
		Short: "Commit the game session and return it to the base venue",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
			res, err := a.client.UndelegateGame(cmd.Context())
			if err != nil {
				return err
			}
			printResult(res)
			fmt.Printf("delegation: %s\n", a.client.DelegationStatus())
			return nil
		}),
	}
}

func commitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "commit",
		Short: "Flush the ephemeral game state to the base venue",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
			res, err := a.client.CommitGame(cmd.Context())
			if err != nil {
				return err
			}
			printResult(res)
			return nil
		}),
	}
}

func mintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mint",
		Short: "Mint a victory NFT for the last won game",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
			res, mint, err := a.client.MintVictoryNFT(cmd.Context())
			if err != nil {
				return err
			}
			printResult(res)
			fmt.Printf("mint: %s\n", mint)
			return nil
		}),
	}
}

type sessionKeyView struct {
	PublicKey string    `json:"publicKey"`
	ExpiresAt time.Time `json:"expiresAt"`
	Remaining string    `json:"remaining"`
}

func viewSessionKey(key *sessionkey.SessionKey) *sessionKeyView {
	return &sessionKeyView{
		PublicKey: key.PublicKey().String(),
		ExpiresAt: key.ExpiresAt,
		Remaining: time.Until(key.ExpiresAt).Round(time.Second).String(),
	}
}

func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage the session key used for wallet-free moves",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "create",
			Short: "Create and register a new session key",
			Args:  cobra.NoArgs,
			RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
				key, res, err := a.client.CreateSession(cmd.Context())
				if err != nil {
					return err
				}
				printResult(res)
				return printJSON(viewSessionKey(key))
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show the current session key",
			Args:  cobra.NoArgs,
			RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
				key, err := a.client.SessionKey()
				if errors.Is(err, sessionkey.ErrExpired) {
					fmt.Println("session key expired")
					return nil
				}
				if errors.Is(err, sessionkey.ErrNoSession) {
					fmt.Println("no session key")
					return nil
				}
				if err != nil {
					return err
				}
				return printJSON(viewSessionKey(key))
			}),
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Discard the session key",
			Args:  cobra.NoArgs,
			RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
				if err := a.client.ClearSession(); err != nil {
					return err
				}
				fmt.Println("session key cleared")
				return nil
			}),
		},
	)
	return cmd
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream profile, collection and game session changes",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
			if addr := a.cfg.Metrics.Addr; addr != "" {
				srv := metrics.NewServer(a.metrics,
					metrics.WithAddr(addr),
					metrics.WithHealth(func(ctx context.Context) error {
						slot, err := a.base.GetSlot(ctx)
						if err != nil {
							return err
						}
						a.metrics.BaseSlot.Set(int64(slot))
						return a.base.GetHealth(ctx)
					}),
					metrics.WithServerLogger(a.logger),
				)
				if err := srv.Start(); err != nil {
					return err
				}
				defer func() {
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if err := srv.Stop(ctx); err != nil {
						a.logger.Warn().Err(err).Msg("metrics server shutdown failed")
					}
				}()
				a.logger.Info().Str("addr", srv.Addr()).Msg("serving metrics")
			}

			enc := json.NewEncoder(os.Stdout)
			err := a.client.Watch(cmd.Context(), func(u client.Update) {
				if err := enc.Encode(u); err != nil {
					a.logger.Warn().Err(err).Msg("failed to print update")
				}
			})
			if err != nil && !errors.Is(err, cmd.Context().Err()) {
				return err
			}
			return nil
		}),
	}
}

func adminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Administrative operations",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "init-collection",
		Short: "Create the victory collection with this wallet as authority",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
			res, err := a.client.InitializeCollection(cmd.Context())
			if err != nil {
				return err
			}
			printResult(res)
			return nil
		}),
	})
	return cmd
}

func walletCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wallet",
		Short: "Manage the local wallet keypair",
	}

	var force bool
	newCmd := &cobra.Command{
		Use:   "new",
		Short: "Generate a wallet keypair file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			path := keypairPath(cfg)
			kp, err := newKeypair(path, force)
			if err != nil {
				return err
			}
			fmt.Printf("wrote %s\naddress %s\n", path, kp.PublicKey())
			return nil
		},
	}
	newCmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing keypair file")

	addressCmd := &cobra.Command{
		Use:   "address",
		Short: "Print the wallet address and base venue balance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			kp, err := wallet.LoadKeypairFile(keypairPath(cfg))
			if err != nil {
				return err
			}
			fmt.Println(kp.PublicKey())
			lc, err := cfg.LedgerConfig(ledger.VenueBase)
			if err != nil {
				return err
			}
			rpc, err := ledger.NewRPCClient(lc, ledger.WithLogger(logger))
			if err != nil {
				return err
			}
			defer rpc.Close()
			balance, err := rpc.GetBalance(cmd.Context(), kp.PublicKey())
			if err != nil {
				return err
			}
			fmt.Printf("balance %.9f SOL\n", balance.SOL())
			return nil
		},
	}

	cmd.AddCommand(newCmd, addressCmd)
	return cmd
}

func airdropCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "airdrop [SOL]",
		Short: "Request test lamports for the wallet on the base venue",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			amount := 1.0
			if len(args) == 1 {
				if amount, err = strconv.ParseFloat(args[0], 64); err != nil || amount <= 0 {
					return fmt.Errorf("invalid amount %q", args[0])
				}
			}
			kp, err := wallet.LoadKeypairFile(keypairPath(cfg))
			if err != nil {
				return err
			}
			lc, err := cfg.LedgerConfig(ledger.VenueBase)
			if err != nil {
				return err
			}
			rpc, err := ledger.NewRPCClient(lc, ledger.WithLogger(logger))
			if err != nil {
				return err
			}
			defer rpc.Close()

			sig, err := rpc.RequestAirdrop(cmd.Context(), kp.PublicKey(), types.Lamports(amount*1_000_000_000))
			if err != nil {
				return err
			}
			if err := rpc.ConfirmTransaction(cmd.Context(), sig); err != nil {
				return err
			}
			fmt.Printf("airdropped %.9f SOL to %s\n  signature: %s\n", amount, kp.PublicKey(), sig)
			return nil
		},
	}
}
