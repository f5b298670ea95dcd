package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/plasmahealth/plasma-server/internal/config"
	"github.com/plasmahealth/plasma-server/internal/domain/assistant"
	"github.com/plasmahealth/plasma-server/internal/domain/epic"
	"github.com/plasmahealth/plasma-server/internal/platform/auth"
	"github.com/plasmahealth/plasma-server/internal/platform/db"
	"github.com/plasmahealth/plasma-server/internal/platform/hipaa"
	"github.com/plasmahealth/plasma-server/internal/platform/middleware"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "plasma-server",
		Short: "Plasma EHR integration server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(sweepCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the Plasma API server",
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

			migrator := db.NewMigrator(pool, dir)
			count, err := migrator.Up(ctx)
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

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
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

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one retention sweep and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			sweeper := hipaa.NewSweeper(
				hipaa.NewAccessEventRepoPG(pool),
				epic.NewSnapshotRepoPG(pool),
				logger,
			)
			result, err := sweeper.Sweep(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Deleted %d audit event(s) and %d snapshot(s).\n",
				result.AuditEventsDeleted, result.SnapshotsDeleted)
			return nil
		},
	}
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	key, err := cfg.EncryptionKey()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid TOKEN_ENCRYPTION_KEY")
	}
	cipher, err := hipaa.NewTokenCipher(key, cfg.IsProduction())
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize token cipher")
	}

	// Repos and services
	credRepo := epic.NewCredentialRepoPG(pool, cipher)
	snapRepo := epic.NewSnapshotRepoPG(pool)
	eventRepo := hipaa.NewAccessEventRepoPG(pool)
	accessLog := hipaa.NewAccessLog(eventRepo, logger)

	oauthClient := epic.NewOAuthClient(
		cfg.EpicClientID,
		cfg.EpicRedirectURI,
		cfg.ScopeList(),
		cfg.EpicAuthorizeURL,
		cfg.EpicTokenURL,
		cfg.EpicFHIRBaseURL,
	)
	fhirClient := epic.NewFHIRClient(cfg.EpicFHIRBaseURL)

	states := epic.NewStateStore()
	epicSvc := epic.NewService(credRepo, snapRepo, states, oauthClient, fhirClient,
		accessLog, logger, cfg.DemoMode, cfg.EpicFHIRBaseURL)
	assistantSvc := assistant.NewService(epicSvc)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORS())

	e.GET("/health", db.HealthHandler(pool))

	public := e.Group("/api/v1")

	apiV1 := e.Group("/api/v1")
	if cfg.IsDev() {
		apiV1.Use(auth.DevAuthMiddleware())
	} else {
		apiV1.Use(auth.JWTMiddleware(auth.JWTConfig{Secret: []byte(cfg.JWTSecret)}))
	}

	epic.NewHandler(epicSvc).RegisterRoutes(apiV1, public)
	assistant.NewHandler(assistantSvc).RegisterRoutes(apiV1)

	// Background work: state-store cleanup and the daily retention sweep.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()
	go states.StartCleanup(bgCtx, time.Minute)

	sweeper := hipaa.NewSweeper(eventRepo, snapRepo, logger)
	go sweeper.Run(bgCtx, 24*time.Hour)

	// Start and wait for shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}
