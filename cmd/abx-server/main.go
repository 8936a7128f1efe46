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

	"github.com/abx/abx/internal/config"
	"github.com/abx/abx/internal/domain/engine"
	"github.com/abx/abx/internal/domain/errorreport"
	"github.com/abx/abx/internal/kb"
	"github.com/abx/abx/internal/platform/audit"
	"github.com/abx/abx/internal/platform/auth"
	"github.com/abx/abx/internal/platform/middleware"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "abx-server",
		Short: "Empiric antibiotic recommendation API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(kbCmd())
	rootCmd.AddCommand(reportsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the recommendation API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func kbCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kb",
		Short: "Inspect the guideline knowledge base",
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the corpus, reporting every problem",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("path")
			if dir == "" {
				cfg, err := config.Load()
				if err != nil {
					return err
				}
				dir = cfg.KBPath
			}
			k, err := kb.Load(dir)
			if err != nil {
				return fmt.Errorf("validation failed: %w", err)
			}
			fmt.Printf("Corpus OK: %d infections, %d drugs\n", len(k.InfectionIDs()), len(k.DrugIDs()))
			for _, w := range k.Warnings() {
				fmt.Printf("warning: %s\n", w)
			}
			return nil
		},
	}
	validateCmd.Flags().String("path", "", "Path to the guidelines directory (defaults to KB_PATH)")
	cmd.AddCommand(validateCmd)

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "List loaded infections, drugs and file versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("path")
			if dir == "" {
				cfg, err := config.Load()
				if err != nil {
					return err
				}
				dir = cfg.KBPath
			}
			k, err := kb.Load(dir)
			if err != nil {
				return err
			}
			prov := k.Provenance()
			fmt.Printf("Index version: %s\n", prov.IndexVersion)
			fmt.Println("Infections:")
			for _, id := range k.InfectionIDs() {
				fmt.Printf("  %-24s %s\n", id, prov.InfectionFileVersions[id])
			}
			fmt.Println("Drugs:")
			for _, id := range k.DrugIDs() {
				fmt.Printf("  %-24s %s\n", id, prov.DrugFileVersions[id])
			}
			fmt.Println("Modifiers:")
			for name, v := range prov.ModifierVersions {
				fmt.Printf("  %-24s %s\n", name, v)
			}
			return nil
		},
	}
	showCmd.Flags().String("path", "", "Path to the guidelines directory (defaults to KB_PATH)")
	cmd.AddCommand(showCmd)

	return cmd
}

func reportsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reports",
		Short: "Work with reviewer error reports",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List error reports",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			status, _ := cmd.Flags().GetString("status")
			severity, _ := cmd.Flags().GetString("severity")
			limit, _ := cmd.Flags().GetInt("limit")

			store := errorreport.NewStore(cfg.ErrorReportsPath, zerolog.Nop())
			reports, err := store.List(errorreport.Filters{
				Status: status, Severity: severity, Limit: limit,
			})
			if err != nil {
				return err
			}
			for _, r := range reports {
				fmt.Printf("%-26s %-14s %-8s %-18s %s\n",
					r.ErrorID, r.Status, r.Severity, r.ErrorType, r.Description)
			}
			fmt.Printf("%d report(s)\n", len(reports))
			return nil
		},
	}
	listCmd.Flags().String("status", "", "Filter by status")
	listCmd.Flags().String("severity", "", "Filter by severity")
	listCmd.Flags().Int("limit", errorreport.DefaultListLimit, "Maximum reports to show")
	cmd.AddCommand(listCmd)

	setStatusCmd := &cobra.Command{
		Use:   "set-status <error-id> <status>",
		Short: "Move a report through the review state machine",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			store := errorreport.NewStore(cfg.ErrorReportsPath, zerolog.Nop())
			r, err := store.UpdateStatus(args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Printf("%s is now %s\n", r.ErrorID, r.Status)
			return nil
		},
	}
	cmd.AddCommand(setStatusCmd)

	return cmd
}

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("unsafe configuration")
	}

	// Knowledge base: load failures are fatal; the engine never serves
	// from a half-loaded corpus.
	store, err := kb.NewStore(cfg.KBPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load knowledge base")
	}
	k := store.Current()
	logger.Info().
		Int("infections", len(k.InfectionIDs())).
		Int("drugs", len(k.DrugIDs())).
		Msg("knowledge base loaded")
	for _, w := range k.Warnings() {
		logger.Warn().Str("finding", w).Msg("kb load warning")
	}

	auditLog := audit.New(cfg.AuditPath, logger)
	reportStore := errorreport.NewStore(cfg.ErrorReportsPath, logger)

	eng := engine.New(store, engine.Options{
		ConservativeAllergyDefault: cfg.ConservativeAllergyDefault,
		RefuseOnNoRegimen:          cfg.RefuseOnNoRegimen,
		CGRoundCreatinine:          cfg.CGRoundCreatinine,
	}, auditLog, logger)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.BodyLimit(1 << 20))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	// Auth middleware
	switch cfg.ResolvedAuthMode() {
	case "development":
		e.Use(auth.DevAuthMiddleware())
	case "static":
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.JWTSigningKey),
		}))
	default:
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
		}))
	}

	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": engine.Version,
		})
	})

	// API group
	apiV1 := e.Group("/api/v1")

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	engine.NewHandler(eng).RegisterRoutes(apiV1)
	errorreport.NewHandler(reportStore).RegisterRoutes(apiV1)
	kb.NewHandler(store, logger).RegisterRoutes(apiV1)
	audit.NewHandler(auditLog).RegisterRoutes(apiV1)

	// Start server with graceful shutdown
	go func() {
		if err := e.Start(":" + cfg.Port); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()
	logger.Info().Str("port", cfg.Port).Msg("server started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
	logger.Info().Msg("server stopped")
	return nil
}
