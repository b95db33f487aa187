package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"usdt-custody-go/internal/models"
)

func Load() (*models.Config, error) {
	connMaxLifetime, err := getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute)
	if err != nil {
		return nil, err
	}

	connMaxIdleTime, err := getEnvDuration("DB_CONN_MAX_IDLE_TIME", 30*time.Second)
	if err != nil {
		return nil, err
	}

	pingTimeout, err := getEnvDuration("DB_PING_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}

	chainRequestTimeout, err := getEnvDuration("CHAIN_REQUEST_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, err
	}

	pollInterval, err := getEnvDuration("MONITOR_POLL_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, err
	}

	return &models.Config{
		Database: models.DatabaseConfig{
			Path:            getEnvString("DATABASE_PATH", "wallet.db"),
			CountryCode:     getEnvString("DEFAULT_COUNTRY_CODE", "+963"),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: connMaxLifetime,
			ConnMaxIdleTime: connMaxIdleTime,
			PingTimeout:     pingTimeout,
		},
		Chain: models.ChainConfig{
			Endpoint:       getEnvString("CHAIN_RPC_ENDPOINT", ""),
			ChainId:        int64(getEnvInt("CHAIN_ID", 1)),
			TokenAddress:   getEnvString("USDT_CONTRACT_ADDRESS", ""),
			TokenDecimals:  int32(getEnvInt("USDT_DECIMALS", 6)),
			WalletKey:      getEnvString("HOT_WALLET_PRIVATE_KEY", ""),
			RequestTimeout: chainRequestTimeout,
		},
		Notify: models.NotifyConfig{
			QueueSize:   getEnvInt("NOTIFY_QUEUE_SIZE", 256),
			RedisAddr:   getEnvString("NOTIFY_REDIS_ADDR", ""),
			RedisStream: getEnvString("NOTIFY_REDIS_STREAM", "wallet:notifications"),
		},
		Workflow: models.WorkflowConfig{
			FeeRate:         getEnvString("PURCHASE_FEE_RATE", "0"),
			PollInterval:    pollInterval,
			MaxPollAttempts: getEnvInt("MONITOR_MAX_ATTEMPTS", 20),
			PoolFile:        getEnvString("ADDRESSES_FILE", "addresses.yaml"),
			ArtifactDir:     getEnvString("ARTIFACT_DIR", "receipts"),
			ArtifactBaseURL: getEnvString("ARTIFACT_BASE_URL", "http://localhost:8080/receipts"),
		},
	}, nil
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	if value := os.Getenv(key); value != "" {
		duration, err := time.ParseDuration(value)
		if err != nil {
			return 0, fmt.Errorf("invalid duration for %s: %q (%w)", key, value, err)
		}
		return duration, nil
	}
	return defaultValue, nil
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
