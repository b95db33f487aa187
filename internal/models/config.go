package models

import "time"

// Config represents the application configuration
type Config struct {
	Database DatabaseConfig
	Chain    ChainConfig
	Notify   NotifyConfig
	Workflow WorkflowConfig
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Path            string
	CountryCode     string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	PingTimeout     time.Duration
}

// ChainConfig holds blockchain RPC and hot-wallet settings
type ChainConfig struct {
	Endpoint       string
	ChainId        int64
	TokenAddress   string
	TokenDecimals  int32
	WalletKey      string
	RequestTimeout time.Duration
}

// NotifyConfig holds notification dispatcher settings
type NotifyConfig struct {
	QueueSize   int
	RedisAddr   string
	RedisStream string
}

// WorkflowConfig holds purchase workflow settings
type WorkflowConfig struct {
	FeeRate         string
	PollInterval    time.Duration
	MaxPollAttempts int
	PoolFile        string
	ArtifactDir     string
	ArtifactBaseURL string
}
