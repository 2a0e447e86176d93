// Package main provides the entry point for the grid trading backtest
// server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gridlab/gridtrader/internal/api"
	"github.com/gridlab/gridtrader/internal/data"
	"github.com/gridlab/gridtrader/internal/strategy"
	"github.com/gridlab/gridtrader/pkg/types"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	configFile := flag.String("config", "", "Config file path (optional)")
	host := flag.String("host", "localhost", "Server host")
	port := flag.Int("port", 8080, "Server port")
	dataDir := flag.String("data", "./data", "Data directory")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	serverCfg, dataCfg, err := loadConfig(*configFile, *host, *port, *dataDir)
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	logger.Info("Starting grid trading server",
		zap.String("host", serverCfg.Host),
		zap.Int("port", serverCfg.Port),
		zap.String("dataDir", dataCfg.DataDir),
	)

	store, err := data.NewStore(logger, dataCfg.DataDir)
	if err != nil {
		logger.Fatal("Failed to initialize data store", zap.Error(err))
	}

	registry := strategy.NewRegistry()
	if err := strategy.RegisterGrid(registry, logger); err != nil {
		logger.Fatal("Failed to register strategies", zap.Error(err))
	}

	server := api.NewServer(logger, serverCfg, store, registry)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := server.Start(); err != nil {
			logger.Error("Server error", zap.Error(err))
		}
	}()

	logger.Info("Server started",
		zap.String("http", fmt.Sprintf("http://%s:%d/api/v1", serverCfg.Host, serverCfg.Port)),
		zap.String("ws", fmt.Sprintf("ws://%s:%d%s", serverCfg.Host, serverCfg.Port, serverCfg.WebSocketPath)),
	)

	<-sigChan
	logger.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("Error during server shutdown", zap.Error(err))
	}
	logger.Info("Server stopped")
}

// loadConfig merges defaults, an optional config file, GRIDTRADER_*
// environment variables, and command-line flags, in increasing precedence.
func loadConfig(configFile, host string, port int, dataDir string) (*types.ServerConfig, *types.DataConfig, error) {
	v := viper.New()

	v.SetDefault("server.host", host)
	v.SetDefault("server.port", port)
	v.SetDefault("server.websocket_path", "/ws")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.enable_metrics", true)
	v.SetDefault("server.max_connections", 256)
	v.SetDefault("data.data_dir", dataDir)

	v.SetEnvPrefix("GRIDTRADER")
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var serverCfg types.ServerConfig
	if err := v.UnmarshalKey("server", &serverCfg); err != nil {
		return nil, nil, fmt.Errorf("parsing server config: %w", err)
	}
	var dataCfg types.DataConfig
	if err := v.UnmarshalKey("data", &dataCfg); err != nil {
		return nil, nil, fmt.Errorf("parsing data config: %w", err)
	}
	return &serverCfg, &dataCfg, nil
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
