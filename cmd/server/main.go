package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"

	"github.com/liamcoop/rulegate/internal/config"
	"github.com/liamcoop/rulegate/internal/logger"
	"github.com/liamcoop/rulegate/internal/metrics"
	"github.com/liamcoop/rulegate/multitenantengine"
	"github.com/liamcoop/rulegate/rules"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "rulegate",
	Short: "rulegate - multi-tenant workflow rule engine",
	Long: `rulegate evaluates named rule trees against workflow contexts to gate
state transitions.

Configuration is read from rulegate.yaml in the current directory or
/etc/rulegate, or from --config. Environment variables override config
values with the RULEGATE_ prefix, e.g. RULEGATE_STORE_DRIVER=postgres.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return serve(cmd.Context())
	},
}

var checkCmd = &cobra.Command{
	Use:   "check <rules.yaml>",
	Short: "Validate a rule definition file without starting the server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return check(cmd, args[0])
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./rulegate.yaml)")
	rootCmd.AddCommand(serveCmd, checkCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve(ctx context.Context) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	log, err := logger.Setup(ctx, logger.Options{
		Level:           cfg.Logging.Level,
		ErrorSampleRate: cfg.Logging.ErrorSampleRate,
		OTELEnabled:     cfg.Logging.OTELEnabled,
		ServiceName:     cfg.Logging.ServiceName,
	})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Shutdown(context.Background()) }()

	m := metrics.New(nil)
	opts := []multitenantengine.Option{
		multitenantengine.WithEngineConfig(cfg.Engine.RulesConfig()),
		multitenantengine.WithInstaller(installBuiltins),
		multitenantengine.WithRecorderFactory(m.ForTenant),
		multitenantengine.WithLogger(log),
	}

	if cfg.SeedFile != "" {
		seed, err := loadSeed(cfg.SeedFile)
		if err != nil {
			return err
		}
		opts = append(opts, multitenantengine.WithSeed(seed))
	}

	if cfg.Store.Driver == "postgres" {
		db, err := sql.Open("postgres", cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer db.Close()
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("failed to ping database: %w", err)
		}
		opts = append(opts, multitenantengine.WithDB(db))
	}

	manager := multitenantengine.NewManager(opts...)
	if err := manager.LoadAllTenants(ctx); err != nil {
		return fmt.Errorf("failed to load tenants: %w", err)
	}

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      NewServer(manager, m, log),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting", "addr", cfg.Server.Addr, "store", cfg.Store.Driver)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	log.Info("server stopped")
	return nil
}

func loadSeed(path string) ([]*rules.Rule, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open seed file: %w", err)
	}
	defer f.Close()
	return rules.LoadDefinitions(f)
}

// check validates every definition in path against an engine with the
// built-in evaluators installed
func check(cmd *cobra.Command, path string) error {
	defs, err := loadSeed(path)
	if err != nil {
		return err
	}

	engine, err := rules.NewEngine(rules.NewInMemoryRegistry(), rules.DefaultConfig())
	if err != nil {
		return err
	}
	if err := installBuiltins("", engine); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	invalid := 0
	for _, def := range defs {
		report := engine.Validate(def)
		for _, issue := range report.Warnings {
			fmt.Fprintf(out, "warning: %s: %s\n", def.Name, issue)
		}
		for _, issue := range report.Errors {
			fmt.Fprintf(out, "error: %s: %s\n", def.Name, issue)
		}
		if !report.Valid {
			invalid++
		}
	}

	fmt.Fprintf(out, "%d rules checked, %d invalid\n", len(defs), invalid)
	if invalid > 0 {
		return fmt.Errorf("%d invalid rules in %s", invalid, path)
	}
	return nil
}
