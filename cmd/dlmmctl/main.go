package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"dlmmrotation/internal/apperr"
	"dlmmrotation/internal/cache"
	"dlmmrotation/internal/jobs"
	"dlmmrotation/internal/models"
	"dlmmrotation/internal/monitor"
	"dlmmrotation/internal/store"
	"dlmmrotation/pkg/config"
	"dlmmrotation/pkg/meteora"
	"dlmmrotation/pkg/solana"
)

func main() {
	root := &cobra.Command{
		Use:          "dlmmctl",
		Short:        "Operations tool for the DLMM rotation service",
		SilenceUsage: true,
	}
	root.PersistentFlags().String("migrations", config.DefaultMigrationsDir, "migrations directory")

	migrateCmd := &cobra.Command{Use: "migrate", Short: "Apply or roll back schema migrations"}
	migrateCmd.AddCommand(
		&cobra.Command{Use: "up", Short: "Apply all pending migrations", Args: cobra.NoArgs, RunE: runMigrateUp},
		&cobra.Command{Use: "down", Short: "Roll back the last migration", Args: cobra.NoArgs, RunE: runMigrateDown},
		&cobra.Command{Use: "version", Short: "Print the applied migration version", Args: cobra.NoArgs, RunE: runMigrateVersion},
	)
	root.AddCommand(migrateCmd)

	root.AddCommand(&cobra.Command{
		Use:   "check <wallet>",
		Short: "Evaluate opportunities for a wallet without notifying or saving",
		Args:  cobra.ExactArgs(1),
		RunE:  runCheck,
	})

	pruneCmd := &cobra.Command{
		Use:   "prune-snapshots",
		Short: "Delete all but the newest snapshots of every wallet",
		Args:  cobra.NoArgs,
		RunE:  runPrune,
	}
	pruneCmd.Flags().Int("keep", store.SnapshotsToKeep, "snapshots to keep per wallet")
	root.AddCommand(pruneCmd)

	root.AddCommand(&cobra.Command{
		Use:   "queue-drain",
		Short: "Purge pending messages from the notification queue",
		Args:  cobra.NoArgs,
		RunE:  runQueueDrain,
	})

	keygenCmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an execution wallet and store it encrypted in the keystore",
		Args:  cobra.NoArgs,
		RunE:  runKeygen,
	}
	keygenCmd.Flags().String("password", "", "keystore password (defaults to KEYSTORE_PASSWORD)")
	root.AddCommand(keygenCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

type env struct {
	settings *config.Settings
	log      *logrus.Entry
	db       *gorm.DB
}

func setup(withDB bool) (*env, error) {
	settings, err := config.Load()
	if err != nil {
		return nil, err
	}
	e := &env{settings: settings, log: settings.NewLogger("dlmmctl")}
	if withDB {
		e.db, err = config.InitDB(settings.DSN(), false)
		if err != nil {
			return nil, err
		}
	}
	return e, nil
}

func (e *env) close() {
	if e.db == nil {
		return
	}
	if sqlDB, err := e.db.DB(); err == nil {
		sqlDB.Close()
	}
}

func runMigrateUp(cmd *cobra.Command, _ []string) error {
	e, err := setup(true)
	if err != nil {
		return err
	}
	defer e.close()
	dir, _ := cmd.Flags().GetString("migrations")

	applied, err := config.ExecuteMigrations(e.db, dir)
	if err != nil {
		return err
	}
	if !applied {
		e.log.Info("> no pending migrations")
		return nil
	}
	e.log.Info("> migrations applied")
	return nil
}

func runMigrateDown(cmd *cobra.Command, _ []string) error {
	e, err := setup(true)
	if err != nil {
		return err
	}
	defer e.close()
	dir, _ := cmd.Flags().GetString("migrations")

	if err := config.RollbackMigration(e.db, dir); err != nil {
		return err
	}
	e.log.Info("> rolled back one migration")
	return nil
}

func runMigrateVersion(cmd *cobra.Command, _ []string) error {
	e, err := setup(true)
	if err != nil {
		return err
	}
	defer e.close()
	dir, _ := cmd.Flags().GetString("migrations")

	version, dirty, err := config.MigrationVersion(e.db, dir)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "version %d dirty=%t\n", version, dirty)
	return nil
}

func runCheck(cmd *cobra.Command, args []string) error {
	wallet := args[0]
	if err := monitor.ValidateWallet(wallet); err != nil {
		return err
	}
	e, err := setup(true)
	if err != nil {
		return err
	}
	defer e.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo := store.NewGormStore(e.db)
	upstream := meteora.NewClient(e.settings.MeteoraAPIURL, e.settings.MeteoraTimeout)
	pools := cache.NewPoolCache(upstream, e.settings.PoolCacheTTL, e.settings.PoolMinTVL, e.log, nil)
	runner := jobs.New(jobs.Config{}, e.log, nil)
	defer runner.Stop()
	mon := monitor.NewScheduler(repo, pools, runner, nil, e.log, nil)

	cfg, err := repo.GetMonitorConfig(ctx, wallet)
	if errors.Is(err, apperr.ErrNotFound) {
		e.log.WithField("wallet", wallet).Info("> no stored config, using defaults")
		cfg = models.NewMonitorConfig(wallet)
	} else if err != nil {
		return err
	}

	found, err := mon.Analyze(ctx, cfg)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]interface{}{
		"wallet":        wallet,
		"count":         len(found),
		"opportunities": found,
	})
}

func runPrune(cmd *cobra.Command, _ []string) error {
	keep, _ := cmd.Flags().GetInt("keep")
	if keep < 1 {
		return fmt.Errorf("--keep must be at least 1")
	}
	e, err := setup(true)
	if err != nil {
		return err
	}
	defer e.close()

	removed, err := store.NewGormStore(e.db).PruneSnapshots(cmd.Context(), keep)
	if err != nil {
		return err
	}
	e.log.Infof("> removed %d snapshots", removed)
	return nil
}

func runQueueDrain(cmd *cobra.Command, _ []string) error {
	e, err := setup(false)
	if err != nil {
		return err
	}
	url := e.settings.RabbitMQURL()
	if url == "" {
		return fmt.Errorf("RABBITMQ_HOST is not set")
	}
	conn, err := config.DialRabbitMQ(cmd.Context(), url)
	if err != nil {
		return err
	}
	defer conn.Close()

	n, err := config.PurgeQueue(conn, e.settings.NotifyQueue)
	if err != nil {
		return err
	}
	e.log.Infof("> purged %d messages from %s", n, e.settings.NotifyQueue)
	return nil
}

func runKeygen(cmd *cobra.Command, _ []string) error {
	e, err := setup(false)
	if err != nil {
		return err
	}
	password, _ := cmd.Flags().GetString("password")
	if password == "" {
		password = e.settings.KeystorePassword
	}
	if password == "" {
		return fmt.Errorf("a keystore password is required")
	}

	km := solana.NewKeyManager(e.settings.KeystoreDir)
	account, err := km.GenerateKeyPair()
	if err != nil {
		return err
	}
	path, err := km.SaveKeyStoreEntry(account, password)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "address: %s\nkeystore: %s\n", account.PublicKey.ToBase58(), path)
	return nil
}
