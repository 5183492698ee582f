// cmd/seeder/main.go
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/unclebandit/smsdispatch/internal/config"
	"github.com/unclebandit/smsdispatch/internal/db"
	"github.com/unclebandit/smsdispatch/internal/logging"
)

// seedFiles run in order; later files reference rows from earlier ones.
var seedFiles = []string{
	"campaigns.sql",
	"leads.sql",
	"phone_numbers.sql",
	"templates.sql",
	"campaign_targets.sql",
}

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to YAML config")
	dir := flag.String("dir", "seed", "directory holding the seed SQL files")
	migrate := flag.Bool("migrate", true, "apply the schema before seeding")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		bootLog := logging.New("info", "json")
		bootLog.Fatal().Err(err).Msg("failed to load config")
	}
	log := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if cfg.Database.URL == "" {
		log.Fatal().Msg("DATABASE_URL is required")
	}

	ctx := context.Background()
	conn, err := db.Open(ctx, cfg.Database.URL, 2, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect")
	}
	defer conn.Close()

	if *migrate {
		if err := db.Migrate(ctx, conn); err != nil {
			log.Fatal().Err(err).Msg("failed to apply schema")
		}
	}
	if err := seed(ctx, conn, *dir, log); err != nil {
		log.Fatal().Err(err).Msg("seeding failed")
	}
	log.Info().Msg("database seeding completed successfully")
}

// seed executes every seed file inside one transaction.
func seed(ctx context.Context, conn *sql.DB, dir string, log zerolog.Logger) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, name := range seedFiles {
		path := filepath.Join(dir, name)
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		if _, err := tx.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("execute %s: %w", path, err)
		}
		log.Info().Str("file", path).Msg("seeded")
	}
	return tx.Commit()
}
