package main

import (
	"context"
	"flag"
	"fmt"

	"usdt-custody-go/internal/common"
	"usdt-custody-go/internal/config"

	"go.uber.org/zap"
)

func main() {
	poolFile := flag.String("file", "", "Path to the addresses pool file (default: ADDRESSES_FILE env or addresses.yaml)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		_, _ = zap.NewProduction()
		zap.L().Fatal("Failed to load configuration", zap.Error(err))
	}

	_, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	file := *poolFile
	if file == "" {
		file = cfg.Workflow.PoolFile
	}

	seeds, err := common.LoadPoolConfig(file)
	if err != nil {
		zap.L().Fatal("Failed to load pool file", zap.String("file", file), zap.Error(err))
	}
	if len(seeds) == 0 {
		zap.L().Fatal("Pool file contains no addresses", zap.String("file", file))
	}

	dispatcher, dbService, err := common.InitializeDatabaseOnly(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize database", zap.Error(err))
	}
	defer dispatcher.Stop()
	defer dbService.Close()

	result, err := dbService.SeedAddresses(ctx, seeds)
	if err != nil {
		zap.L().Fatal("Failed to seed address pool", zap.Error(err))
	}

	common.PrintHeader("Address Pool Seeding", common.DefaultWidth)
	fmt.Printf("File:     %s\n", file)
	fmt.Printf("Inserted: %d\n", result.Inserted)
	fmt.Printf("Skipped:  %d (already present)\n", result.Skipped)

	available, err := dbService.GetAvailableAddresses(ctx)
	if err != nil {
		zap.L().Warn("Failed to count available addresses", zap.Error(err))
	} else {
		fmt.Printf("Available now: %d\n", len(available))
	}
	common.PrintFooter("Done", common.DefaultWidth)
}
