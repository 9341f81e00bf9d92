package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"quant_engine_go/config"
	"quant_engine_go/exchange"
	"quant_engine_go/logs"
	"quant_engine_go/monitor"
	"quant_engine_go/predictor"
	"quant_engine_go/state"

	"github.com/joho/godotenv"
)

// mockSeed keeps simulated runs reproducible.
const mockSeed = 42

func main() {
	configPath := flag.String("config", "config/config.yaml", "Path to the config.yaml file")
	flag.Parse()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		fmt.Println("Note: .env file not found, will continue using system environment variables.")
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Printf("Fatal error: Unable to load config file '%s': %v\n", *configPath, err)
		return
	}
	envCfg := config.LoadEnvConfig()

	logFilename := filepath.Join(cfg.System.LogDirectory, "engine.log")
	stateFilename := filepath.Join(cfg.System.StateDirectory, "state.json")

	if err := logs.Init(cfg.Logs, logFilename); err != nil {
		fmt.Printf("Fatal error: Failed to initialize logging system: %v\n", err)
		return
	}
	defer logs.Close()

	logs.Infof("Configuration loaded successfully, logs will be written to: %s", logFilename)

	var client exchange.Client
	if cfg.UseSimulation {
		client = exchange.NewMockClient(mockSeed, cfg.Exchange.Symbols, 100.0)
	} else {
		client = exchange.NewAPIClient(
			envCfg.ApiKey,
			envCfg.ApiSecret,
			envCfg.BaseURL,
			cfg.Exchange.HTTPTimeoutSeconds,
			cfg.Exchange.RequestsPerSecond,
			cfg.Exchange.MaxRetries,
		)
	}

	stateManager, err := state.NewFileManager(stateFilename)
	if err != nil {
		logs.Fatalf("Failed to initialize state manager: %v", err)
	}
	logs.Infof("State manager initialized, state will be persisted to: %s", stateFilename)

	engine := NewEngine(cfg, client, predictor.NewMomentumPredictor(), stateManager)

	initCtx, initCancel := context.WithTimeout(context.Background(), 2*time.Minute)
	if err := engine.Initialize(initCtx); err != nil {
		initCancel()
		logs.Fatalf("Failed to initialize engine: %v", err)
	}
	initCancel()

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		engine.Run(runCtx)
		close(done)
	}()

	if cfg.System.StatusAddress != "" {
		go monitor.Serve(cfg.System.StatusAddress, engine, runCtx.Done())
	}
	logs.Infof("Engine started for %v, press Ctrl+C to exit.", cfg.Exchange.Symbols)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logs.Info("Received close signal, starting graceful shutdown...")
	cancel()
	<-done
}
