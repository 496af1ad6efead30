package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hoshilabs/hoshi-core/internal/bus"
	"github.com/hoshilabs/hoshi-core/internal/config"
	"github.com/hoshilabs/hoshi-core/internal/conversation"
	"github.com/hoshilabs/hoshi-core/internal/emotion"
	"github.com/hoshilabs/hoshi-core/internal/events"
	"github.com/hoshilabs/hoshi-core/internal/eventstore"
	"github.com/hoshilabs/hoshi-core/internal/gateway"
	"github.com/hoshilabs/hoshi-core/internal/llm"
	"github.com/hoshilabs/hoshi-core/internal/memory"
	"github.com/hoshilabs/hoshi-core/internal/natsserver"
	"github.com/hoshilabs/hoshi-core/internal/runtime"
	"github.com/hoshilabs/hoshi-core/internal/stt"
	"github.com/hoshilabs/hoshi-core/internal/tts"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath  string
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "hoshi.yaml", "Path to configuration file")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stdout, nil)).Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.Telemetry.LogLevel)}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var busClient *bus.Client
	if cfg.Bus.Enabled {
		embedded, err := natsserver.Start(cfg.Bus, logger)
		if err != nil {
			logger.Error("failed to start embedded NATS server", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer embedded.Shutdown()

		busCfg := cfg.Bus
		if embedded != nil {
			busCfg.Servers = []string{fmt.Sprintf("nats://127.0.0.1:%d", cfg.Bus.Port)}
		}
		busClient, err = bus.Connect(busCfg, logger)
		if err != nil {
			logger.Error("failed to connect to NATS", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer busClient.Close()
	}

	store, err := eventstore.Open(ctx, cfg.EventStore, logger)
	if err != nil {
		logger.Error("failed to open event store", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer store.Close()

	recorder := events.NewRecorder(busClient, store, logger)

	deps, recognizer, err := buildAdapters(cfg, logger)
	if err != nil {
		logger.Error("failed to build adapters", slog.String("error", err.Error()))
		os.Exit(1)
	}

	gw := gateway.NewServer(ctx, cfg, deps, recognizer, recorder, logger)
	defer gw.Close()

	rt := runtime.New(cfg, gw.Handler(), logger)
	if err := rt.Start(ctx); err != nil {
		logger.Error("runtime exited with error", slog.String("error", err.Error()))
		time.Sleep(1 * time.Second)
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}

func buildAdapters(cfg config.Config, logger *slog.Logger) (conversation.Deps, stt.Recognizer, error) {
	var deps conversation.Deps

	switch cfg.LLM.Mode {
	case "openai":
		deps.Generator = llm.NewOpenAIGenerator(cfg.LLM.Endpoint, cfg.LLM.APIKey)
	default:
		deps.Generator = llm.NewMockGenerator()
	}

	var recognizer stt.Recognizer
	switch cfg.STT.Mode {
	case "whisper":
		recognizer = stt.NewWhisperRecognizer(cfg.STT.Endpoint, cfg.STT.APIKey, cfg.STT.Model)
	default:
		recognizer = stt.NewMockRecognizer("")
	}

	switch cfg.TTS.Mode {
	case "http":
		deps.Synth = tts.NewHTTPSynth(cfg.TTS.Endpoint, cfg.TTS.APIKey, cfg.TTS.Latency)
	default:
		deps.Synth = tts.NewMockSynth(nil)
	}

	switch cfg.Emotion.Mode {
	case "openai":
		deps.Classifier = emotion.NewLLMClassifier(deps.Generator, cfg.Emotion.Model)
	default:
		deps.Classifier = emotion.NewMockClassifier()
	}

	switch cfg.Memory.Mode {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.Memory.RedisAddr, DB: cfg.Memory.RedisDB})
		deps.Memory = memory.NewRedisGateway(client, cfg.Memory.MaxEntries)
	case "http":
		deps.Memory = memory.NewHTTPGateway(cfg.Memory.Endpoint, cfg.Memory.APIKey, cfg.Memory.MaxEntries)
	default:
		deps.Memory = memory.NewMockGateway(cfg.Memory.MaxEntries)
	}

	return deps, recognizer, nil
}

func logLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
