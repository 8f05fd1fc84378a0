package main

import (
	"context"
	"fmt"
	"os"

	"github.com/opsnotes/warden/internal/config"
	"github.com/opsnotes/warden/internal/database"
	"github.com/opsnotes/warden/internal/logger"
	"github.com/opsnotes/warden/internal/models"
	"github.com/opsnotes/warden/internal/services"
)

// Seeds a development database with a break-glass credential and a couple
// of list entries so the API and CLI have something to show.
func main() {
	logger.Init(true, os.Stdout)
	log := logger.Log()

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("load config")
	}

	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		log.WithError(err).Fatal("open database")
	}
	if err := database.Migrate(db); err != nil {
		log.WithError(err).Fatal("migrate database")
	}

	token, err := services.NewAdminService(db).GenerateToken("default")
	if err != nil {
		log.WithError(err).Fatal("generate admin token")
	}
	fmt.Printf("break-glass token (default): %s\n", token)

	ctx := context.Background()
	lists := services.NewIPListService(db)
	if _, err := lists.Add(ctx, "192.0.2.10", models.ListWhitelist, "seed: partner", 0); err != nil {
		log.WithError(err).Warn("seed whitelist entry")
	}
	if _, err := lists.Add(ctx, "198.51.100.7", models.ListBlacklist, "seed: known scraper", 0); err != nil {
		log.WithError(err).Warn("seed blacklist entry")
	}

	log.Info("seed complete")
}
