package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/dev-xo/remix-saas-sub001/internal/database"
	"github.com/dev-xo/remix-saas-sub001/internal/logging"
	"github.com/dev-xo/remix-saas-sub001/internal/migrations"
)

func main() {
	// Load environment variables
	_ = godotenv.Load(
		"../.env",
		".env",
	)

	// Only the database settings are needed here, so the full server config
	// and its Stripe requirement are skipped.
	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "console")

	logger, err := logging.New(v.GetString("LOG_LEVEL"), v.GetString("LOG_FORMAT"))
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	dsn := v.GetString("DATABASE_URL")
	if dsn == "" {
		logger.Fatal("DATABASE_URL is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	provider := database.NewProvider(dsn)
	defer provider.Close()

	database.LogTarget(logger, "primary", dsn)
	db, err := provider.Get(ctx)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}

	command := "up"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	switch command {
	case "up":
		logger.Info("applying migrations")
		if err := migrations.Up(db, logger); err != nil {
			logger.Fatal("failed to apply migrations", zap.Error(err))
		}
		logger.Info("migrations applied")

	case "fix":
		logger.Info("attempting to fix dirty database")
		if err := migrations.FixDirtyDatabase(db, logger); err != nil {
			logger.Fatal("failed to fix dirty database", zap.Error(err))
		}
		logger.Info("database fixed")

	case "force":
		if len(os.Args) < 3 {
			logger.Fatal(fmt.Sprintf("usage: %s force <version>", os.Args[0]))
		}
		var version uint
		if _, err := fmt.Sscanf(os.Args[2], "%d", &version); err != nil {
			logger.Fatal("invalid version number", zap.String("version", os.Args[2]))
		}
		if err := migrations.ForceVersion(db, version); err != nil {
			logger.Fatal("failed to force version", zap.Error(err))
		}
		logger.Info("database version forced", zap.Uint("version", version))

	case "status":
		version, dirty, err := migrations.Status(db)
		if err != nil {
			logger.Fatal("failed to read migration status", zap.Error(err))
		}
		logger.Info("migration status", zap.Uint("version", version), zap.Bool("dirty", dirty))

	default:
		fmt.Fprintf(os.Stderr, "usage: %s [up|fix|force <version>|status]\n", os.Args[0])
		os.Exit(2)
	}
}
