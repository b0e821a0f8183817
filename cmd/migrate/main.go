package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/pflag"

	"filecenter/internal/config"
	"filecenter/internal/database"
	"filecenter/internal/logging"
	"filecenter/internal/migrations"
	"filecenter/internal/service"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var dropAll, status, yes bool

	flagSet := pflag.NewFlagSet("migrate", pflag.ContinueOnError)
	flagSet.BoolVar(&status, "status", false, "list pending PostgreSQL migrations without applying them")
	flagSet.BoolVar(&dropAll, "drop-all", false, "wipe all files, chunks and settings")
	flagSet.BoolVarP(&yes, "yes", "y", false, "confirm --drop-all")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		fmt.Fprintf(os.Stderr, "Usage: migrate [flags]\n\n%s", flagSet.FlagUsages())
		return nil
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}
	if dropAll && !yes {
		return fmt.Errorf("--drop-all destroys every stored file; pass --yes to confirm")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if status {
		return printStatus(ctx, cfg)
	}

	stores, closeStores, err := database.OpenStores(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open stores: %w", err)
	}
	defer closeStores()

	// service.New 会依次建立三个存储的表结构与索引，并校验版本。
	center, err := service.New(ctx, stores, service.Options{
		InitialFileSizeThreshold: cfg.FileSizeThreshold,
		Hasher:                   cfg.Hasher(),
		Logger:                   logger,
	})
	if err != nil {
		return fmt.Errorf("prepare stores: %w", err)
	}

	if dropAll {
		if err := center.DropAll(ctx); err != nil {
			return fmt.Errorf("drop all: %w", err)
		}
		logger.Warn("all files dropped", "store", cfg.StoreDriver, "chunks", cfg.ChunkDriver)
		return nil
	}

	logger.Info("schema ready",
		"store", cfg.StoreDriver,
		"chunks", cfg.ChunkDriver,
		"threshold", center.FileSizeThreshold(),
		"create_time", center.CreateTime(),
	)
	return nil
}

func printStatus(ctx context.Context, cfg *config.Config) error {
	if cfg.StoreDriver != config.StorePostgres {
		return fmt.Errorf("--status only applies to the postgres store, got %s", cfg.StoreDriver)
	}

	db, err := database.Connect(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()

	pending, err := migrations.Pending(ctx, db)
	if err != nil {
		return fmt.Errorf("check migrations: %w", err)
	}
	if len(pending) == 0 {
		fmt.Println("no pending migrations")
		return nil
	}
	for _, name := range pending {
		fmt.Println("pending:", name)
	}
	return nil
}
