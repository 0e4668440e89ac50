package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/checkpoint"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/database"
	"github.com/stemsi/exstem-proctor/internal/logger"
)

func main() {
	dir := flag.String("path", "", "directory of migration files (default: schema built into the binary)")
	flag.Usage = usage
	flag.Parse()

	cfg := config.Load()
	log := logger.Component(logger.Setup(cfg.LogLevel, cfg.LogFormat), "migrate")
	if cfg.DatabaseURL == "" {
		log.Fatal().Msg("DATABASE_URL is not set")
	}

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	if args[0] == "purge" {
		if err := purge(cfg, log, args[1:]); err != nil {
			log.Fatal().Err(err).Msg("Purge failed")
		}
		return
	}

	m, err := database.NewMigrator(cfg.DatabaseURL, *dir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open checkpoint schema")
	}
	defer m.Close()

	if err := run(m, args); err != nil {
		log.Fatal().Err(err).Str("command", args[0]).Msg("Migration failed")
	}
	v, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		log.Info().Str("command", args[0]).Msg("Checkpoint schema is empty")
	case err != nil:
		log.Fatal().Err(err).Msg("Failed to read schema version")
	default:
		log.Info().Str("command", args[0]).Uint("version", v).Bool("dirty", dirty).Msg("Checkpoint schema ready")
	}
}

func run(m *migrate.Migrate, args []string) error {
	var err error
	switch args[0] {
	case "up":
		err = m.Up()
	case "down":
		err = m.Steps(-1)
	case "reset":
		err = m.Down()
	case "version":
		return nil
	case "force":
		if len(args) < 2 {
			return errors.New("force requires a version")
		}
		v, convErr := strconv.Atoi(args[1])
		if convErr != nil {
			return fmt.Errorf("invalid version %q: %w", args[1], convErr)
		}
		return m.Force(v)
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
	if errors.Is(err, migrate.ErrNoChange) {
		return nil
	}
	return err
}

// purge deletes checkpoints not touched within the given age, defaulting to
// CHECKPOINT_TTL.
func purge(cfg *config.Config, log zerolog.Logger, args []string) error {
	age := cfg.CheckpointTTL
	if len(args) > 0 {
		d, err := time.ParseDuration(args[0])
		if err != nil {
			return fmt.Errorf("invalid age %q: %w", args[0], err)
		}
		age = d
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer pool.Close()

	n, err := checkpoint.NewPostgresStore(pool).Purge(ctx, time.Now().Add(-age))
	if err != nil {
		return err
	}
	log.Info().Int64("deleted", n).Dur("older_than", age).Msg("Checkpoints purged")
	return nil
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: migrate [flags] <command>")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  up              apply pending migrations")
	fmt.Fprintln(os.Stderr, "  down            roll back the last migration")
	fmt.Fprintln(os.Stderr, "  reset           roll back every migration")
	fmt.Fprintln(os.Stderr, "  version         print the schema version")
	fmt.Fprintln(os.Stderr, "  force <version> mark the schema as version without running it")
	fmt.Fprintln(os.Stderr, "  purge [age]     delete checkpoints older than age (default CHECKPOINT_TTL)")
	fmt.Fprintln(os.Stderr, "Flags:")
	flag.PrintDefaults()
}
