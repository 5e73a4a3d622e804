// Command qeurod runs the QEURO synthetic-currency ledger daemon and its
// operational subcommands.
package main

import (
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"qeuro/internal/config"
	"qeuro/internal/fixedpoint"
	"qeuro/internal/observability"
	"qeuro/internal/oracle"
	"qeuro/internal/persistence"
	"qeuro/internal/roles"
	"qeuro/internal/token"
)

var version = "0.1.0-dev"

var configFile string

var rootCmd = &cobra.Command{
	Use:           "qeurod",
	Short:         "QEURO collateral-backed synthetic currency ledger",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "qeurod: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "configuration file (TOML), defaults and QEURO_* env apply without one")
	rootCmd.AddCommand(serveCmd, migrateCmd, priceCmd)

	migrateCmd.Flags().Bool("down", false, "roll back the most recent migration instead of applying")
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply (or roll back) SQL migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		log := observability.NewLogger("migrate")

		db, err := openPostgres(cmd, cfg.PostgresDSN)
		if err != nil {
			return err
		}
		defer db.Close()

		migrator := persistence.NewMigrator(log, db, cfg.MigrationsDir)
		down, _ := cmd.Flags().GetBool("down")
		if down {
			return migrator.Down(cmd.Context())
		}
		return migrator.Up(cmd.Context())
	},
}

var priceCmd = &cobra.Command{
	Use:   "price",
	Short: "Run one oracle price calculation from fixed feed readings and print it",
	Long: `Feeds the oracle a single EUR/USD and USDC/USD reading and prints the
validated EUR/USDC price. Useful for checking bounds and depeg handling
without a running daemon.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		eurUsd, _ := cmd.Flags().GetString("eur-usd")
		usdcUsd, _ := cmd.Flags().GetString("usdc-usd")

		feeds, err := staticFeedsFrom(eurUsd, usdcUsd)
		if err != nil {
			return err
		}

		// A throwaway registry; the read path needs no privileged caller.
		admin := common.HexToAddress("0x0000000000000000000000000000000000000001")
		reg, err := roles.NewRegistry(admin)
		if err != nil {
			return err
		}

		o := oracle.New(zerolog.Nop(), reg, feeds, token.NewNativeLedger(),
			common.HexToAddress("0x0000000000000000000000000000000000000102"))
		if err := o.Initialize(
			common.HexToAddress("0x0000000000000000000000000000000000000103"),
			"eurusd", "usdcusd", admin,
		); err != nil {
			return err
		}

		price, err := o.GetPrice()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), fixedpoint.Format(price))
		return nil
	},
}

func init() {
	priceCmd.Flags().String("eur-usd", "1.08", "EUR/USD feed reading, decimal")
	priceCmd.Flags().String("usdc-usd", "1.00", "USDC/USD feed reading, decimal")
}

// staticFeeds satisfies oracle.FeedSource with fixed readings stamped now.
type staticFeeds map[string]oracle.PriceObservation

func (s staticFeeds) Read(feedID string) (oracle.PriceObservation, error) {
	obs, ok := s[feedID]
	if !ok {
		return oracle.PriceObservation{}, fmt.Errorf("unknown feed %q", feedID)
	}
	return obs, nil
}

func staticFeedsFrom(eurUsd, usdcUsd string) (staticFeeds, error) {
	eur, err := fixedpoint.FromDecimalString(eurUsd)
	if err != nil {
		return nil, fmt.Errorf("eur-usd: %w", err)
	}
	usdc, err := fixedpoint.FromDecimalString(usdcUsd)
	if err != nil {
		return nil, fmt.Errorf("usdc-usd: %w", err)
	}
	now := time.Now().UTC()
	return staticFeeds{
		"eurusd":  {Value: eur, Timestamp: now, SourceID: "static"},
		"usdcusd": {Value: usdc, Timestamp: now, SourceID: "static"},
	}, nil
}

func openPostgres(cmd *cobra.Command, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(cmd.Context()); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return db, nil
}
