package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/naperu/wagateway/internal/repository"
	"github.com/naperu/wagateway/internal/whatsapp"
	"github.com/naperu/wagateway/pkg/config"
	"github.com/naperu/wagateway/pkg/database"
	"github.com/naperu/wagateway/pkg/logger"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	root := &cobra.Command{
		Use:   "wagateway",
		Short: "Multi-tenant WhatsApp session gateway",
		// Running without a subcommand starts the server.
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
		SilenceUsage: true,
	}

	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(cleanupCmd())

	if err := root.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

// core is what every command needs: configuration, logger and the database.
type core struct {
	cfg   *config.Config
	log   *zap.Logger
	db    *pgxpool.Pool
	repos *repository.Repositories
}

func bootstrap(ctx context.Context, migrate bool) (*core, error) {
	cfg := config.Load()
	log := logger.Init(cfg)

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if migrate {
		if err := database.Migrate(ctx, db); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		if err := database.SeedAdmin(ctx, db, cfg); err != nil {
			log.Warn("failed to seed admin", zap.Error(err))
		}
	}

	return &core{cfg: cfg, log: log, db: db, repos: repository.NewRepositories(db)}, nil
}

func (c *core) close() {
	c.db.Close()
	_ = c.log.Sync()
}

func (c *core) whatsmeowConfig() whatsapp.WhatsmeowConfig {
	return whatsapp.WhatsmeowConfig{
		Mode:        c.cfg.CredentialStore,
		SessionsDir: c.cfg.SessionsDir,
		DatabaseURL: c.cfg.DatabaseURL,
		DeviceName:  c.cfg.DeviceName,
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and resume WhatsApp sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and seed the admin user",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := bootstrap(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer c.close()
			c.log.Info("migrations applied")
			return nil
		},
	}
}

func cleanupCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Purge credentials of sessions inactive for the given number of days",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := bootstrap(ctx, false)
			if err != nil {
				return err
			}
			defer c.close()
			if days <= 0 {
				days = c.cfg.SessionCleanupDays
			}

			factory, err := whatsapp.NewWhatsmeowFactory(ctx, c.whatsmeowConfig(), c.log.Named("whatsmeow"))
			if err != nil {
				return fmt.Errorf("failed to open credential store: %w", err)
			}
			defer factory.Close()

			manager := whatsapp.NewManager(whatsapp.ManagerOptions{
				Factory:  factory,
				Tenants:  c.repos.Tenant,
				Notifier: noopNotifier{},
				Renderer: whatsapp.NewPairingRenderer(c.cfg.SessionsDir),
				Logger:   c.log.Named("sessions"),
			})
			n, err := manager.CleanupStaleSessions(ctx, time.Duration(days)*24*time.Hour)
			if err != nil {
				return err
			}
			fmt.Printf("purged %d stale sessions\n", n)
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "inactivity threshold in days (default SESSION_CLEANUP_DAYS)")
	return cmd
}
