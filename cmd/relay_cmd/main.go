package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/joho/godotenv"
	logger "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/TEENet-io/bridge-relay/agreement"
	"github.com/TEENet-io/bridge-relay/cmd"
	"github.com/TEENet-io/bridge-relay/common"
)

var (
	cfgPath string
	outcome string
	force   bool
)

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Cross-chain lock/burn transfer relay",
	Long: `relay watches TokensLocked and TokensBurned events on two EVM ledgers
and completes each transfer on the other ledger exactly once per transactionId.`,
	SilenceUsage: true,
	PersistentPreRun: func(c *cobra.Command, args []string) {
		// .env is optional
		_ = godotenv.Load()
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the relay until interrupted",
	RunE: func(c *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		fmt.Println("Starting relay server... press Ctrl+C to kill the server")
		return cmd.StartRelayServerAndWait(cfg)
	},
}

var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "List processing records by outcome",
	RunE: func(c *cobra.Command, args []string) error {
		o := agreement.Outcome(outcome)
		if !o.Valid() {
			return fmt.Errorf("outcome must be pending, completed or failed")
		}

		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		recs, err := store.GetRecordsByOutcome(context.Background(), o)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(c.OutOrStdout(), 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "CORRELATION ID\tKIND\tROUTE\tAMOUNT\tATTEMPTS\tDEST TX\tREASON")
		for _, rec := range recs {
			destTx := ""
			if rec.DestinationTxHash != ([32]byte{}) {
				destTx = common.Shorten(rec.DestinationTxHash.Hex(), 6)
			}
			fmt.Fprintf(w, "%s\t%s\t%s -> %s\t%s\t%d\t%s\t%s\n",
				rec.CorrelationId.Hex(),
				rec.Event.Kind,
				rec.Event.SourceChain, rec.Event.DestinationChain,
				rec.Event.Amount.String(),
				rec.Attempts,
				destTx,
				rec.Reason,
			)
		}
		return w.Flush()
	},
}

var cursorCmd = &cobra.Command{
	Use:   "cursor",
	Short: "Inspect or move the scan cursor of a ledger (relay must be stopped)",
}

var cursorGetCmd = &cobra.Command{
	Use:   "get <chain>",
	Short: "Print the last fully scanned block of a ledger",
	Args:  cobra.ExactArgs(1),
	RunE: func(c *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		block, ok, err := store.GetCursor(context.Background(), args[0])
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintf(c.OutOrStdout(), "%s: no cursor stored\n", args[0])
			return nil
		}
		fmt.Fprintf(c.OutOrStdout(), "%s: %d\n", args[0], block)
		return nil
	},
}

var cursorSetCmd = &cobra.Command{
	Use:   "set <chain> <block>",
	Short: "Store a new cursor, moving it backwards requires --force",
	Args:  cobra.ExactArgs(2),
	RunE: func(c *cobra.Command, args []string) error {
		block, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid block number %q: %w", args[1], err)
		}

		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		ctx := context.Background()
		if force {
			err = store.ResetCursor(ctx, args[0], block)
		} else {
			err = store.SetCursor(ctx, args[0], block)
		}
		if err != nil {
			return err
		}
		logger.WithFields(logger.Fields{"chain": args[0], "block": block, "force": force}).Info("cursor stored")
		fmt.Fprintf(c.OutOrStdout(), "%s: %d\n", args[0], block)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (default $RELAY_CONFIG)")

	recordsCmd.Flags().StringVar(&outcome, "outcome", string(agreement.Failed), "pending, completed or failed")
	cursorSetCmd.Flags().BoolVar(&force, "force", false, "allow moving the cursor backwards")

	cursorCmd.AddCommand(cursorGetCmd, cursorSetCmd)
	rootCmd.AddCommand(runCmd, recordsCmd, cursorCmd)
}

func loadConfig() (*cmd.RelayServerConfig, error) {
	path := cfgPath
	if path == "" {
		path = os.Getenv(cmd.ENV_CONFIG_FILE_PATH)
	}
	v, err := cmd.NewViper(path)
	if err != nil {
		return nil, err
	}
	return cmd.LoadRelayServerConfig(v)
}

func openStore() (agreement.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	store, _, err := cmd.OpenStore(context.Background(), cfg)
	return store, err
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
