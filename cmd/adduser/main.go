package main

import (
	"context"
	"errors"
	"flag"
	"fmt"

	"usdt-custody-go/internal/common"
	"usdt-custody-go/internal/config"
	"usdt-custody-go/internal/models"
	"usdt-custody-go/internal/store"

	"go.uber.org/zap"
)

func validatePhone(phone string) error {
	if phone == "" {
		return fmt.Errorf("phone number cannot be empty")
	}
	if len(phone) < 7 {
		return fmt.Errorf("phone number too short: %s", phone)
	}
	return nil
}

func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("name cannot be empty")
	}
	if len(name) < 2 {
		return fmt.Errorf("name must be at least 2 characters")
	}
	return nil
}

func main() {
	phone := flag.String("phone", "", "User phone number (required)")
	name := flag.String("name", "", "User display name (required)")
	passwordHash := flag.String("password-hash", "", "Pre-hashed password credential")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		_, _ = zap.NewProduction()
		zap.L().Fatal("Failed to load configuration", zap.Error(err))
	}

	_, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	if err := validatePhone(*phone); err != nil {
		zap.L().Fatal("Invalid phone number", zap.Error(err))
	}
	if err := validateName(*name); err != nil {
		zap.L().Fatal("Invalid name", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dispatcher, dbService, err := common.InitializeDatabaseOnly(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize database", zap.Error(err))
	}
	defer dispatcher.Stop()
	defer dbService.Close()

	user, err := dbService.RegisterUser(ctx, store.RegisterUserParams{
		PhoneNumber:  *phone,
		Name:         *name,
		PasswordHash: *passwordHash,
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicatePhoneNumber) {
			zap.L().Fatal("Phone number already registered", zap.String("phone", *phone))
		}
		zap.L().Fatal("Failed to register user", zap.Error(err))
	}

	// Address assignment is best-effort: an empty pool records the gap and
	// alerts the operator instead of failing the registration.
	address, err := dbService.AssignAddress(ctx, user.Id)
	if err != nil {
		if errors.Is(err, store.ErrNoAddressAvailable) {
			zap.L().Warn("No deposit address available, user registered without one",
				zap.String("user_id", user.Id))
			dispatcher.Notify(models.AdminRecipient, "Address Pool Exhausted",
				fmt.Sprintf("User %s registered without a deposit address", user.Id))
		} else {
			zap.L().Error("Failed to assign deposit address",
				zap.String("user_id", user.Id),
				zap.Error(err))
		}
	}

	common.PrintHeader("User Registered", common.DefaultWidth)
	fmt.Printf("User ID: %s\n", user.Id)
	fmt.Printf("Phone:   %s\n", user.PhoneNumber)
	fmt.Printf("Name:    %s\n", user.Name)
	if address != nil {
		fmt.Printf("Deposit address: %s (%s)\n", address.Address, address.Network)
	} else {
		fmt.Println("Deposit address: NOT ASSIGNED (pool exhausted)")
	}
	common.PrintFooter("Done", common.DefaultWidth)
}
