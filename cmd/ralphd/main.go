// Package main is the entry point for the ralphd task dispatcher.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nugget/ralph-dispatcher/internal/broadcast"
	"github.com/nugget/ralph-dispatcher/internal/buildinfo"
	"github.com/nugget/ralph-dispatcher/internal/config"
	"github.com/nugget/ralph-dispatcher/internal/dispatcher"
	"github.com/nugget/ralph-dispatcher/internal/eventbus"
	"github.com/nugget/ralph-dispatcher/internal/logstream"
	"github.com/nugget/ralph-dispatcher/internal/ralphtask"
	"github.com/nugget/ralph-dispatcher/internal/supervisor"
	"github.com/nugget/ralph-dispatcher/internal/taskqueue"

	_ "github.com/mattn/go-sqlite3"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if flag.NArg() == 0 {
		printUsage()
		return
	}

	switch flag.Arg(0) {
	case "serve":
		runServe(logger, *configPath)
	case "version":
		fmt.Println(buildinfo.String())
		for k, v := range buildinfo.BuildInfo() {
			fmt.Printf("  %-12s %s\n", k+":", v)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", flag.Arg(0))
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("ralphd - persistent task dispatcher for subprocess workloads")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve    Start the dispatcher")
	fmt.Println("  version  Show version")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
}

func runServe(logger *slog.Logger, configPath string) {
	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			logger.Error("invalid log_level in config", "error", err)
			os.Exit(1)
		}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}

	logger.Info("starting ralphd",
		"version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime,
		"config", cfgPath, "max_concurrent", cfg.MaxConcurrent, "task_timeout_ms", cfg.TaskTimeoutMS,
	)

	if err := os.MkdirAll(cfg.RunDir, 0755); err != nil {
		logger.Error("failed to create run directory", "path", cfg.RunDir, "error", err)
		os.Exit(1)
	}

	bus := eventbus.New(logger, cfg.EventHistorySize)

	sup, err := supervisor.New(logger, cfg.RunDir)
	if err != nil {
		logger.Error("failed to create process supervisor", "error", err)
		os.Exit(1)
	}

	streamer := logstream.New(logger, 200*time.Millisecond, 1<<20)

	store, err := taskqueue.NewStore(cfg.DatabasePath)
	if err != nil {
		logger.Error("failed to open queue database", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	mem := taskqueue.New(logger)
	queue := taskqueue.NewPersistent(logger, mem, store)

	hydrated, err := queue.Hydrate()
	if err != nil {
		logger.Error("failed to hydrate queue from store", "error", err)
		os.Exit(1)
	}
	logger.Info("queue hydrated", "tasks", hydrated)

	recovered, err := queue.RecoverCrashed()
	if err != nil {
		logger.Error("failed to recover crashed tasks", "error", err)
		os.Exit(1)
	}
	if recovered > 0 {
		logger.Warn("marked tasks failed after unclean shutdown", "count", recovered)
	}

	disp := dispatcher.New(logger, bus, queue, dispatcher.Options{
		PollIntervalMS: cfg.PollIntervalMS,
		MaxConcurrent:  cfg.MaxConcurrent,
		TaskTimeoutMS:  cfg.TaskTimeoutMS,
	})

	ralphHandler := ralphtask.New(logger, sup, streamer, nil)
	disp.RegisterHandler(ralphtask.TaskType, ralphHandler.Handle)

	var adapters []broadcast.Adapter
	var hub *broadcast.WebsocketHub
	if cfg.Broadcast.WebsocketAddr != "" {
		hub = broadcast.NewWebsocketHub(logger)
		adapters = append(adapters, hub)

		go func() {
			logger.Info("broadcast websocket hub listening", "addr", cfg.Broadcast.WebsocketAddr)
			if err := http.ListenAndServe(cfg.Broadcast.WebsocketAddr, hub); err != nil {
				logger.Error("broadcast websocket hub stopped", "error", err)
			}
		}()
	}

	var mqttPub *broadcast.MQTTPublisher
	if cfg.Broadcast.MQTT.Enabled {
		mqttPub = broadcast.NewMQTTPublisher(cfg.Broadcast.MQTT, logger)
		if err := mqttPub.Start(context.Background()); err != nil {
			logger.Error("failed to start mqtt publisher", "error", err)
			os.Exit(1)
		}
		adapters = append(adapters, mqttPub)
	}

	var detachBroadcast func()
	if len(adapters) > 0 {
		detachBroadcast = broadcast.Attach(bus, adapters...)
		logger.Info("broadcast adapters attached", "count", len(adapters))
	}

	disp.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	forceTimeout := 30_000
	disp.Stop(&forceTimeout)

	if detachBroadcast != nil {
		detachBroadcast()
	}
	if hub != nil {
		_ = hub.Close()
	}
	if mqttPub != nil {
		_ = mqttPub.Close()
	}

	logger.Info("ralphd stopped")
}
