package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"usdt-custody-go/internal/common"
	"usdt-custody-go/internal/config"
	"usdt-custody-go/internal/store"

	"go.uber.org/zap"
)

// The monitor daemon resumes transfer confirmation for purchases whose
// on-chain transaction was still unconfirmed when the previous process
// stopped, then keeps watching for new ones. It also retries deposit-address
// assignment for users who registered while the pool was empty.

const reconcileInterval = 5 * time.Minute

func main() {
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

	zap.L().Info("Starting transfer monitor")

	services, err := common.InitializeServices(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize services", zap.Error(err))
	}
	defer services.Close()

	if err := services.Workflow.Start(ctx); err != nil {
		zap.L().Fatal("Failed to start workflow", zap.Error(err))
	}

	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-ticker.C:
			assignMissingAddresses(ctx, services)
		case sig := <-sigChan:
			zap.L().Info("Received shutdown signal", zap.String("signal", sig.String()))
			return
		case <-ctx.Done():
			return
		}
	}
}

// assignMissingAddresses retries pool assignment for users who registered
// while the pool was exhausted. Runs until the pool empties again.
func assignMissingAddresses(ctx context.Context, services *common.Services) {
	users, err := services.DbService.UsersWithoutAddress(ctx)
	if err != nil {
		zap.L().Error("Failed to list users without addresses", zap.Error(err))
		return
	}

	for _, user := range users {
		address, err := services.DbService.AssignAddress(ctx, user.Id)
		if err != nil {
			if errors.Is(err, store.ErrNoAddressAvailable) {
				zap.L().Warn("Address pool still exhausted",
					zap.Int("users_waiting", len(users)))
				return
			}
			zap.L().Error("Failed to assign deposit address",
				zap.String("user_id", user.Id),
				zap.Error(err))
			continue
		}
		zap.L().Info("Assigned deposit address to waiting user",
			zap.String("user_id", user.Id),
			zap.String("address", address.Address))
	}
}
