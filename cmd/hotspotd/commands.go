package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	layeh "layeh.com/radius"

	"github.com/codelaboratoryltd/hotspot/pkg/database"
	"github.com/codelaboratoryltd/hotspot/pkg/fingerprint"
	"github.com/codelaboratoryltd/hotspot/pkg/radius"
)

const cliTimeout = 10 * time.Second

var migrateCmd = &cobra.Command{
	Use:       "migrate up|down",
	Short:     "Apply or roll back database migrations",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"up", "down"},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Database.DSN == "" {
			return fmt.Errorf("database.dsn is not configured")
		}
		if err := database.Migrate(cfg.Database.DSN, args[0]); err != nil {
			return err
		}
		fmt.Printf("Migrations applied (%s)\n", args[0])
		return nil
	},
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect and manage sessions",
}

var sessionShowCmd = &cobra.Command{
	Use:   "show VOUCHER",
	Short: "Print a session and its remaining lifetime",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(false, func(ctx context.Context, a *app) error {
			sess, ok := a.orch.Session(ctx, args[0])
			if !ok {
				return fmt.Errorf("no session for voucher %s", args[0])
			}
			ttl, _ := a.orch.RemainingTTL(ctx, args[0])
			return printJSON(struct {
				Session          any   `json:"session"`
				RemainingSeconds int64 `json:"remaining_seconds"`
			}{sess, ttl})
		})
	},
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		router, _ := cmd.Flags().GetString("router")
		return withApp(false, func(ctx context.Context, a *app) error {
			if router != "" {
				return printJSON(a.orch.ActiveSessionsByRouter(ctx, router))
			}
			return printJSON(a.orch.ActiveSessions(ctx))
		})
	},
}

var sessionStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print session statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(false, func(ctx context.Context, a *app) error {
			return printJSON(a.orch.SessionStatistics(ctx))
		})
	},
}

var sessionTerminateCmd = &cobra.Command{
	Use:   "terminate VOUCHER",
	Short: "End a session and disconnect its device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(true, func(ctx context.Context, a *app) error {
			if !a.orch.Terminate(ctx, args[0]) {
				return fmt.Errorf("session %s not terminated", args[0])
			}
			fmt.Printf("Session %s terminated\n", args[0])
			return nil
		})
	},
}

var sessionExtendCmd = &cobra.Command{
	Use:   "extend VOUCHER DAYS",
	Short: "Add days to an active session",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		days, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid days %q: %w", args[1], err)
		}
		return withApp(true, func(ctx context.Context, a *app) error {
			sess, err := a.orch.Extend(ctx, args[0], days)
			if err != nil {
				return err
			}
			fmt.Printf("Session %s now expires %s\n", sess.VoucherCode, sess.ExpiresAt.Format(time.RFC3339))
			return nil
		})
	},
}

var sessionPolicyCmd = &cobra.Command{
	Use:   "policy VOUCHER POLICY",
	Short: "Apply a named QoS policy to a session",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(true, func(ctx context.Context, a *app) error {
			if err := a.orch.ApplyPolicy(ctx, args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("Policy %s applied to %s\n", args[1], args[0])
			return nil
		})
	},
}

var coaCmd = &cobra.Command{
	Use:   "coa",
	Short: "Send RADIUS dynamic authorization requests",
}

var coaDisconnectCmd = &cobra.Command{
	Use:   "disconnect",
	Short: "Send a Disconnect-Request to a NAS",
	RunE: func(cmd *cobra.Command, args []string) error {
		nas, _ := cmd.Flags().GetString("nas")
		username, _ := cmd.Flags().GetString("username")
		await, _ := cmd.Flags().GetBool("await")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, err := initLogger(cfg.LogLevel)
		if err != nil {
			return err
		}
		defer logger.Sync()

		coaCfg := cfg.CoA
		coaCfg.AwaitReply = coaCfg.AwaitReply || await
		client, err := radius.NewCoAClient(coaCfg, logger)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), cliTimeout)
		defer cancel()
		if err := client.Send(ctx, layeh.CodeDisconnectRequest, username, nas, nil); err != nil {
			return err
		}
		fmt.Printf("Disconnect-Request for %s sent to %s\n", username, nas)
		return nil
	},
}

var fingerprintCmd = &cobra.Command{
	Use:   "fingerprint",
	Short: "Compute a device fingerprint from browser signals",
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		var s fingerprint.Signals
		s.UserAgent, _ = flags.GetString("user-agent")
		s.CanvasSignature, _ = flags.GetString("canvas")
		s.ScreenGeometry, _ = flags.GetString("screen")
		s.Timezone, _ = flags.GetString("timezone")
		s.Language, _ = flags.GetString("language")
		s.ClientStorageID, _ = flags.GetString("storage-id")

		hash, err := fingerprint.Hash(s)
		if err != nil {
			return err
		}
		fmt.Println(hash)
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration with secrets redacted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		out, err := cfg.YAML()
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(out)
		return err
	},
}

func init() {
	sessionListCmd.Flags().String("router", "", "Only sessions on this router")
	sessionCmd.AddCommand(sessionShowCmd, sessionListCmd, sessionStatsCmd,
		sessionTerminateCmd, sessionExtendCmd, sessionPolicyCmd)

	coaDisconnectCmd.Flags().String("nas", "", "NAS address (IP or hostname)")
	coaDisconnectCmd.Flags().String("username", "", "User-Name of the session (MAC or voucher)")
	coaDisconnectCmd.Flags().Bool("await", false, "Wait for Disconnect-ACK/NAK")
	_ = coaDisconnectCmd.MarkFlagRequired("nas")
	_ = coaDisconnectCmd.MarkFlagRequired("username")
	coaCmd.AddCommand(coaDisconnectCmd)

	f := fingerprintCmd.Flags()
	f.String("user-agent", "", "Browser user agent")
	f.String("canvas", "", "Canvas rendering signature")
	f.String("screen", "", "Screen geometry, e.g. 1920x1080")
	f.String("timezone", "", "Browser timezone")
	f.String("language", "", "Browser language")
	f.String("storage-id", "", "Client storage identifier")
}

// withApp wires the components for a one-shot CLI command.
func withApp(withCoA bool, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := initLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), cliTimeout)
	defer cancel()

	a, err := newApp(ctx, cfg, logger, withCoA)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := fn(ctx, a); err != nil {
		logger.Debug("Command failed", zap.Error(err))
		return err
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
