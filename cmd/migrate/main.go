package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/liamcoop/rulegate/internal/logger"
)

func main() {
	var databaseURL string
	var migrationsPath string
	var command string
	var logLevel string

	flag.StringVar(&databaseURL, "database", "", "Database URL (default: $RULEGATE_DATABASE_URL)")
	flag.StringVar(&migrationsPath, "path", "migrations", "Path to migrations directory")
	flag.StringVar(&command, "command", "up", "Migration command: up, down, steps, version, force")
	flag.StringVar(&logLevel, "log-level", os.Getenv("RULEGATE_LOGGING_LEVEL"), "Log level: trace, debug, info, warn, error")
	flag.Parse()

	if _, err := logger.Setup(context.Background(), logger.Options{Level: logLevel, Output: os.Stderr}); err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level: %v\n", err)
		os.Exit(2)
	}

	if databaseURL == "" {
		databaseURL = os.Getenv("RULEGATE_DATABASE_URL")
	}
	if databaseURL == "" {
		logger.Error("database URL is required: use -database or RULEGATE_DATABASE_URL")
		os.Exit(2)
	}

	if err := run(databaseURL, migrationsPath, command, flag.Args()); err != nil {
		logger.Error("migration failed", "command", command, "error", err)
		os.Exit(1)
	}
}

func run(databaseURL, migrationsPath, command string, args []string) error {
	m, err := migrate.New("file://"+migrationsPath, databaseURL)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}
	defer m.Close()
	logger.Debug("migration source opened", "path", migrationsPath, "args", args)

	logger.Info("running migrations", "command", command, "path", migrationsPath)

	switch command {
	case "up":
		return report(m.Up())
	case "down":
		return report(m.Down())
	case "steps":
		n, err := intArg(args)
		if err != nil {
			return err
		}
		return report(m.Steps(n))
	case "version":
		version, dirty, err := m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			logger.Info("no migrations applied")
			return nil
		}
		if err != nil {
			return err
		}
		logger.Info("current version", "version", version, "dirty", dirty)
		return nil
	case "force":
		version, err := intArg(args)
		if err != nil {
			return err
		}
		if err := m.Force(version); err != nil {
			return err
		}
		logger.Info("forced version", "version", version)
		return nil
	default:
		return fmt.Errorf("unknown command %q (use: up, down, steps, version, force)", command)
	}
}

func report(err error) error {
	if errors.Is(err, migrate.ErrNoChange) {
		logger.Info("database is up to date")
		return nil
	}
	if err != nil {
		return err
	}
	logger.Info("migrations applied")
	return nil
}

func intArg(args []string) (int, error) {
	if len(args) < 1 {
		return 0, errors.New("command requires a number argument")
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, fmt.Errorf("invalid number %q: %w", args[0], err)
	}
	return n, nil
}
