package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"task-sync-service/internal/api"
	"task-sync-service/internal/config"
	"task-sync-service/internal/logger"
	"task-sync-service/internal/store"
	"task-sync-service/internal/sync"
	"task-sync-service/internal/taskstore"
)

func main() {
	// Load Config
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Init Logger
	if err := logger.InitLogger(cfg.Logging); err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Log.Info("Starting Task Sync Service")

	// Init State Store
	var stateStore store.Store
	switch cfg.StateStorage.Type {
	case "mysql":
		stateStore, err = store.NewMySQLStore(cfg.StateStorage)
	default:
		stateStore, err = store.NewSQLiteStore(cfg.StateStorage.FilePath)
	}
	if err != nil {
		logger.Log.Fatal("Failed to init state store", zap.Error(err))
	}
	defer stateStore.Close()

	// Init Task Store
	tasks, err := taskstore.Open(cfg.TaskStore.Path)
	if err != nil {
		logger.Log.Fatal("Failed to open task store", zap.Error(err))
	}

	// Init Sync Manager
	syncManager, err := sync.NewManager(cfg, stateStore, tasks)
	if err != nil {
		logger.Log.Fatal("Failed to init sync manager", zap.Error(err))
	}

	// Init Scheduler
	scheduler := sync.NewScheduler(cfg.Scheduler, syncManager)
	scheduler.Start()
	defer scheduler.Stop()

	// Init API
	handler := api.NewHandler(cfg, syncManager, stateStore)
	router := handler.Routes()

	// Start Server
	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  cfg.Server.GetReadTimeout(),
		WriteTimeout: cfg.Server.GetWriteTimeout(),
	}

	go func() {
		logger.Log.Info("Server listening", zap.String("addr", serverAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Fatal("Server failed", zap.Error(err))
		}
	}()

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Log.Error("Server shutdown failed", zap.Error(err))
	}
}
