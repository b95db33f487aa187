package common

import (
	"context"
	"log"
	"strings"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"usdt-custody-go/internal/artifact"
	"usdt-custody-go/internal/chain"
	"usdt-custody-go/internal/database"
	"usdt-custody-go/internal/models"
	"usdt-custody-go/internal/notify"
	"usdt-custody-go/internal/workflow"
)

// init loads environment variables from .env file if it exists
func init() {
	if err := godotenv.Load(); err != nil {
		log.Printf("Note: No .env file found or unable to load it: %v\n", err)
	}
}

type Services struct {
	Dispatcher *notify.Dispatcher
	DbService  *database.Service
	Chain      *chain.Service
	Workflow   *workflow.Service
}

func InitializeLogger() (*zap.Logger, func()) {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	zap.ReplaceGlobals(logger)

	cleanup := func() {
		if err := logger.Sync(); err != nil {
			if !isIgnorableSyncError(err) {
				log.Printf("Failed to sync logger: %v\n", err)
			}
		}
	}

	return logger, cleanup
}

// InitializeServices wires the full stack: dispatcher, database, chain client,
// artifact store and workflow. The dispatcher is started immediately so
// notifications fired during startup are not lost.
func InitializeServices(ctx context.Context, cfg *models.Config) (*Services, error) {
	sinks := []notify.Sink{notify.LogSink{}}
	if cfg.Notify.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Notify.RedisAddr})
		sinks = append(sinks, notify.NewStreamSink(client, cfg.Notify.RedisStream))
		zap.L().Info("Redis notification sink enabled",
			zap.String("addr", cfg.Notify.RedisAddr),
			zap.String("stream", cfg.Notify.RedisStream))
	}
	dispatcher := notify.NewDispatcher(cfg.Notify.QueueSize, sinks...)
	dispatcher.Start(ctx)

	dbService, err := database.NewService(ctx, cfg.Database, dispatcher)
	if err != nil {
		dispatcher.Stop()
		return nil, err
	}

	chainService, err := chain.NewService(cfg.Chain)
	if err != nil {
		dbService.Close()
		dispatcher.Stop()
		return nil, err
	}

	artifacts, err := artifact.NewDiskStore(cfg.Workflow.ArtifactDir, cfg.Workflow.ArtifactBaseURL)
	if err != nil {
		dbService.Close()
		dispatcher.Stop()
		return nil, err
	}

	workflowService, err := workflow.NewService(dbService, chainService, dispatcher, artifacts, cfg.Workflow)
	if err != nil {
		dbService.Close()
		dispatcher.Stop()
		return nil, err
	}

	return &Services{
		Dispatcher: dispatcher,
		DbService:  dbService,
		Chain:      chainService,
		Workflow:   workflowService,
	}, nil
}

// InitializeDatabaseOnly initializes the dispatcher and database without the
// chain client. Useful for local tools like pool seeding and user registration.
func InitializeDatabaseOnly(ctx context.Context, cfg *models.Config) (*notify.Dispatcher, *database.Service, error) {
	dispatcher := notify.NewDispatcher(cfg.Notify.QueueSize, notify.LogSink{})
	dispatcher.Start(ctx)

	dbService, err := database.NewService(ctx, cfg.Database, dispatcher)
	if err != nil {
		dispatcher.Stop()
		return nil, nil, err
	}
	return dispatcher, dbService, nil
}

func (cs *Services) Close() {
	if cs.Workflow != nil {
		cs.Workflow.Stop()
	}
	if cs.DbService != nil {
		cs.DbService.Close()
	}
	if cs.Dispatcher != nil {
		cs.Dispatcher.Stop()
	}
}

func isIgnorableSyncError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "sync /dev/stderr: inappropriate ioctl for device") ||
		strings.Contains(msg, "sync /dev/stdout: inappropriate ioctl for device")
}
