package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/log"

	"hsaledger/internal/config"
	"hsaledger/internal/repository"
)

func main() {
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          "migrate",
	})

	cfg, err := config.New()
	if err != nil {
		logger.Fatal("config error", "error", err)
	}
	if cfg.Storage != "postgres" {
		logger.Fatal("migrations require HSA_STORAGE=postgres")
	}

	flag.Parse()
	args := flag.Args()

	if len(args) < 1 {
		fmt.Println("Usage: go run cmd/migrate/main.go [command]")
		fmt.Println("Commands: up, down, status, redo")
		os.Exit(1)
	}

	command := args[0]

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	logger.Info("starting migration", "command", command)

	if err := repository.RunMigrations(ctx, cfg.DSN(), command); err != nil {
		logger.Fatal("migration error", "error", err)
	}

	logger.Info("migration finished successfully")
}
