package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/edmlink/edmlink/internal/config"
	"github.com/edmlink/edmlink/internal/domain/credential"
	"github.com/edmlink/edmlink/internal/domain/patient"
	"github.com/edmlink/edmlink/internal/platform/db"
	"github.com/edmlink/edmlink/internal/platform/middleware"
	"github.com/edmlink/edmlink/internal/platform/secrets"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "edm-server",
		Short: "EDM credential lifecycle and patient gateway server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(credentialCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger() zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return logger
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the EDM API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, dir).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, dir).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

// sweepCmd runs one refresh sweep and exits; cron calls this (or the HTTP
// trigger) on a schedule, the server does not self-schedule.
func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Refresh all credentials whose scheduled refresh time has arrived",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()

			svc, pool, err := buildService(logger)
			if err != nil {
				return err
			}
			defer pool.Close()

			results, err := svc.RefreshAllDue(context.Background(), time.Now())
			if err != nil {
				return err
			}

			for _, r := range results {
				status := "ok"
				if !r.OK {
					status = "failed: " + r.Detail
				}
				fmt.Printf("%s  %s\n", r.ID, status)
			}
			fmt.Printf("Swept %d credential(s).\n", len(results))
			return nil
		},
	}
}

func credentialCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credential",
		Short: "Manage stored EDM credentials",
	}

	revokeCmd := &cobra.Command{
		Use:   "revoke",
		Short: "Permanently revoke a credential",
		RunE: func(cmd *cobra.Command, args []string) error {
			idStr, _ := cmd.Flags().GetString("id")
			id, err := uuid.Parse(idStr)
			if err != nil {
				return fmt.Errorf("--id must be a valid UUID")
			}

			logger := newLogger()
			svc, pool, err := buildService(logger)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := svc.Revoke(context.Background(), id); err != nil {
				return err
			}
			fmt.Println("Credential revoked.")
			return nil
		},
	}
	revokeCmd.Flags().String("id", "", "Credential ID (UUID)")

	cmd.AddCommand(revokeCmd)
	return cmd
}

// buildService wires the credential service for the CLI commands.
func buildService(logger zerolog.Logger) (*credential.Service, interface{ Close() }, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	key, err := cfg.EncryptionKey()
	if err != nil {
		return nil, nil, err
	}
	cipher, err := secrets.NewTokenCipher(key)
	if err != nil {
		return nil, nil, err
	}

	pool, err := db.NewPool(context.Background(), cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}

	policy := credential.RetryPolicy{
		SuccessInterval: cfg.RefreshInterval,
		RetryBase:       cfg.RetryBase,
		RetryMax:        cfg.RetryMax,
	}
	repo := credential.NewRepoPG(pool, policy)
	exchanger := credential.NewTokenClient(cfg.EDMTokenURL, cfg.EDMClientID, cfg.EDMClientSecret, cfg.HTTPTimeout)
	svc := credential.NewService(repo, cipher, exchanger, credential.ServiceConfig{
		Policy:         policy,
		SweepBatchSize: cfg.SweepBatchSize,
		FailureCeiling: cfg.FailureCeiling,
	}, logger)

	return svc, pool, nil
}

func runServer() error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	// The encryption key is decoded and validated exactly once, here; the
	// cipher is injected everywhere a token is sealed or opened.
	key, err := cfg.EncryptionKey()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid encryption key")
	}
	cipher, err := secrets.NewTokenCipher(key)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create token cipher")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	policy := credential.RetryPolicy{
		SuccessInterval: cfg.RefreshInterval,
		RetryBase:       cfg.RetryBase,
		RetryMax:        cfg.RetryMax,
	}
	repo := credential.NewRepoPG(pool, policy)
	exchanger := credential.NewTokenClient(cfg.EDMTokenURL, cfg.EDMClientID, cfg.EDMClientSecret, cfg.HTTPTimeout)
	credSvc := credential.NewService(repo, cipher, exchanger, credential.ServiceConfig{
		Policy:         policy,
		SweepBatchSize: cfg.SweepBatchSize,
		FailureCeiling: cfg.FailureCeiling,
	}, logger)
	gateway := patient.NewGateway(credSvc, cfg.EDMPatientsURL, cfg.HTTPTimeout, logger)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Admin-Secret"},
	}))

	e.GET("/health", db.HealthHandler(pool))

	apiV1 := e.Group("/api/v1")
	credential.NewHandler(credSvc, cfg.SweepAdminSecret).RegisterRoutes(apiV1)
	patient.NewHandler(gateway).RegisterRoutes(apiV1)

	// Graceful shutdown
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("server shutdown failed")
		}
	}()

	logger.Info().Str("port", cfg.Port).Msg("starting EDM server")
	if err := e.Start(":" + cfg.Port); err != nil && err != http.ErrServerClosed {
		logger.Fatal().Err(err).Msg("server stopped unexpectedly")
	}
	return nil
}
