package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	edgeruntime "github.com/opencane/edge-runtime"
	"github.com/opencane/edge-runtime/internal/agent/anthropicagent"
	"github.com/opencane/edge-runtime/internal/api"
	"github.com/opencane/edge-runtime/internal/config"
	"github.com/opencane/edge-runtime/internal/digitaltask"
	"github.com/opencane/edge-runtime/internal/lifelog"
	"github.com/opencane/edge-runtime/internal/metrics"
	"github.com/opencane/edge-runtime/internal/policy"
	"github.com/opencane/edge-runtime/internal/protocol"
	"github.com/opencane/edge-runtime/internal/runtime"
	"github.com/opencane/edge-runtime/internal/southbound"
	"github.com/opencane/edge-runtime/internal/storage"
	"github.com/opencane/edge-runtime/internal/store"
)

// version, commit, and buildTime are injected at build time via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	var overrides config.Overrides
	var showVersion bool
	flag.StringVar(&overrides.EnvFile, "env-file", "", "Path to .env file (default: .env)")
	flag.StringVar(&overrides.HTTPAddr, "listen", "", "Control API listen address (overrides CONTROL_ADDR)")
	flag.StringVar(&overrides.LogLevel, "log-level", "", "Log level: debug, info, warn, error (overrides LOG_LEVEL)")
	flag.StringVar(&overrides.DatabaseURL, "database-url", "", "PostgreSQL connection URL (overrides DATABASE_URL)")
	flag.StringVar(&overrides.HWAdapter, "hw-adapter", "", "Southbound adapter: mock, websocket, mqtt, ec600, generic_mqtt (overrides HW_ADAPTER)")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("%s (commit=%s, built=%s)\n", version, commit, buildTime)
		os.Exit(0)
	}

	startTime := time.Now()

	cfg, err := config.Load(overrides)
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("failed to load config")
	}
	if overrides.HTTPAddr != "" {
		cfg.ControlAddr = overrides.HTTPAddr
	}
	if err := cfg.Validate(); err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("invalid config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log.Info().
		Str("version", version).
		Str("commit", commit).
		Str("built", buildTime).
		Str("log_level", level.String()).
		Msg("edge-runtime starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Durable store: schema bootstrap, forward migrations, legacy
	// idempotent column additions, in that order.
	dbLog := log.With().Str("component", "store").Logger()
	db, err := store.Connect(ctx, cfg.DatabaseURL, dbLog)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	if err := db.InitSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("schema initialization failed")
	}
	if err := db.Migrate(cfg.DatabaseURL); err != nil {
		log.Fatal().Err(err).Msg("schema migration failed")
	}
	if err := db.ApplyLegacyMigrations(ctx); err != nil {
		log.Fatal().Err(err).Msg("legacy migration failed")
	}

	// Lifelog image asset storage (local disk, optional tiered S3).
	imageRetention := time.Duration(cfg.Lifelog.RetentionImagesDays) * 24 * time.Hour
	assets, bgServices, err := storage.New(cfg.S3, cfg.AssetDir, imageRetention, log.With().Str("component", "storage").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize lifelog asset storage")
	}
	for _, svc := range bgServices {
		svc.Start()
		defer svc.Stop()
	}
	log.Info().Str("type", assets.Type()).Msg("lifelog asset storage initialized")

	// Vector index for semantic lifelog recall.
	var vectorIndex store.VectorIndex
	switch cfg.Lifelog.VectorBackend {
	case "qdrant":
		if cfg.Lifelog.QdrantURL == "" {
			log.Fatal().Msg("LIFELOG_VECTOR_BACKEND=qdrant requires LIFELOG_QDRANT_URL")
		}
		vectorIndex = store.NewQdrantVectorIndex(cfg.Lifelog.QdrantURL, cfg.Lifelog.QdrantCollection)
	case "chroma":
		log.Fatal().Msg("LIFELOG_VECTOR_BACKEND=chroma is not implemented (no Chroma client in the dependency set); use memory or qdrant")
	default:
		vectorIndex = store.NewMemoryVectorIndex()
	}

	// Optional shared Redis cache for the control-plane tool policy client;
	// falls back to an in-process TTL cache when REDIS_URL is unset.
	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid REDIS_URL")
		}
		redisClient = redis.NewClient(opts)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Warn().Err(err).Msg("redis unreachable at startup, control-plane cache will degrade to in-process TTL only")
		}
		defer redisClient.Close()
	}

	var controlPlane *policy.ControlPlaneClient
	if cfg.Hardware.ControlPlane.Enabled {
		controlPlane = policy.NewControlPlaneClient(
			cfg.Hardware.ControlPlane.BaseURL,
			cfg.Hardware.ControlPlane.APIToken,
			cfg.Hardware.ControlPlane.TimeoutSeconds,
			cfg.Hardware.ControlPlane.CacheTTL,
			redisClient,
			log.With().Str("component", "control-plane").Logger(),
		)
	}

	deviceAuth := policy.NewDeviceAuth(db, cfg.Hardware.DeviceAuthEnabled, cfg.Hardware.AllowUnboundDevices, cfg.Hardware.RequireActivatedDevices)

	// LLM binding: the runtime's only concrete reasoning provider. Required
	// both for direct voice-turn replies and the digital-task executor's
	// tool-use stages.
	if cfg.Anthropic.APIKey == "" {
		log.Fatal().Msg("ANTHROPIC_API_KEY is required (the only concrete LLMClient binding in this runtime)")
	}
	llm, err := anthropicagent.NewFromAPIKey(cfg.Anthropic.APIKey, anthropicagent.Options{Model: cfg.Anthropic.Model})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build anthropic agent client")
	}

	// Lifelog ingest pipeline.
	ingestLog := log.With().Str("component", "lifelog").Logger()
	ingest := lifelog.New(lifelog.Options{
		Workers:         cfg.Lifelog.IngestWorkers,
		QueueSize:       cfg.Lifelog.IngestQueueMaxSize,
		Overflow:        lifelog.OverflowPolicy(cfg.Lifelog.IngestOverflowPolicy),
		EnqueueTimeout:  cfg.Lifelog.IngestEnqueueTimeout,
		DedupWindow:     time.Duration(cfg.Lifelog.DedupWindow) * time.Minute,
		DedupMaxHamming: cfg.Lifelog.DedupMaxDistance,
		Assets:          assets,
		Store:           db,
		Vision:          llm,
		Vector:          vectorIndex,
		Log:             ingestLog,
	})
	ingest.Start()
	defer ingest.Stop()

	// Digital task service. Callback closes over rt, assigned below, since
	// the service and the runtime that owns it are mutually referential:
	// the task service needs a callback bound to the runtime's push path,
	// and the runtime needs the constructed task service in its Options.
	var rt *runtime.Runtime
	taskLog := log.With().Str("component", "digitaltask").Logger()
	tasks := digitaltask.New(digitaltask.Options{
		MaxConcurrent:      cfg.Task.MaxConcurrentTasks,
		StatusRetryCount:   cfg.Task.StatusRetryCount,
		StatusRetryBackoff: time.Duration(cfg.Task.StatusRetryBackoffMS) * time.Millisecond,
		DefaultTimeout:     time.Duration(cfg.Task.DefaultTimeoutSeconds) * time.Second,
		Store:              db,
		Executor: &digitaltask.ToolExecutor{
			LLM:           llm,
			MCPTools:      []string{"mcp_*"},
			FallbackTools: []string{"web_search", "web_fetch", "exec_shell"},
		},
		Callback: func(ctx context.Context, update digitaltask.StatusUpdate) error {
			return rt.StatusCallback(ctx, update)
		},
		Log: taskLog,
	})
	if err := tasks.RecoverNonTerminal(ctx); err != nil {
		log.Error().Err(err).Msg("digital task crash recovery failed")
	}

	// Southbound adapter: the transport that terminates device connections.
	adapter, err := buildAdapter(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build southbound adapter")
	}

	ttsMode := protocol.TTSModeDeviceText
	if cfg.Hardware.TTSMode == "server_audio" {
		ttsMode = protocol.TTSModeServerAudio
	}

	rtLog := log.With().Str("component", "runtime").Logger()
	rt = runtime.New(runtime.Options{
		Adapter:      adapter,
		Store:        db,
		DeviceAuth:   deviceAuth,
		ControlPlane: controlPlane,
		Tasks:        tasks,
		Ingest:       ingest,
		LLM:          llm,
		Vision:       llm,
		// TTS stays unset: speech synthesis runs out of process, and the
		// device_text fallback path in streamTTS carries the reply to the
		// device as plain text.
		SafetyRules: policy.SafetyRules{
			Enabled:                cfg.Safety.Enabled,
			LowConfidenceThreshold: cfg.Safety.LowConfidenceThreshold,
			MaxOutputChars:         cfg.Safety.MaxOutputChars,
			PrependCautionForRisk:  cfg.Safety.PrependCautionForRisk,
			PolicyVersion:          "v1",
		},
		InteractionRules:           buildInteractionRules(cfg),
		TTSMode:                    ttsMode,
		TTSAudioChunkBytes:         cfg.Hardware.TTSAudioChunkBytes,
		HeartbeatInterval:          time.Duration(cfg.Hardware.HeartbeatSeconds) * time.Second,
		HeartbeatTimeout:           time.Duration(cfg.Hardware.HeartbeatSeconds*cfg.Hardware.HeartbeatTimeoutMultiplier) * time.Second,
		Log:                        rtLog,
	})

	collector := metrics.NewCollector(db.Pool, rt)
	prometheus.MustRegister(collector)

	// Run the runtime's supervisor loop in the background.
	runtimeErrCh := make(chan error, 1)
	go func() {
		runtimeErrCh <- rt.Run(ctx)
	}()

	// Control HTTP API.
	httpLog := log.With().Str("component", "http").Logger()
	srv := api.NewServer(api.ServerOptions{
		Config:      cfg,
		DB:          db,
		Runtime:     rt,
		Lifelog:     ingest,
		Tasks:       tasks,
		Version:     fmt.Sprintf("%s (commit=%s, built=%s)", version, commit, buildTime),
		StartTime:   startTime,
		Log:         httpLog,
		OpenAPISpec: edgeruntime.OpenAPISpec,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	log.Info().
		Str("control_listen", cfg.ControlAddr).
		Str("version", version).
		Dur("startup_ms", time.Since(startTime)).
		Msg("edge-runtime ready")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("control http server error")
		}
	case err := <-runtimeErrCh:
		if err != nil {
			log.Error().Err(err).Msg("device runtime stopped unexpectedly")
		}
	}

	stop()
	rt.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("control http server shutdown error")
	}

	log.Info().Msg("edge-runtime stopped")
}

// buildAdapter selects and constructs the configured southbound transport.
func buildAdapter(cfg *config.Config, log zerolog.Logger) (southbound.Adapter, error) {
	profiles := southbound.NewProfileStore()
	if cfg.Hardware.ProfileOverridesPath != "" {
		if err := profiles.LoadOverrides(cfg.Hardware.ProfileOverridesPath); err != nil {
			return nil, fmt.Errorf("load device profile overrides: %w", err)
		}
	}

	switch cfg.Hardware.Adapter {
	case "mock":
		return southbound.NewMockAdapter(256), nil

	case "websocket":
		replay := southbound.NewReplayGuard(cfg.Hardware.MQTT.ControlReplayWindow, 5*time.Second)
		return southbound.NewWebSocketAdapter(southbound.WebSocketOptions{
			ListenAddr: fmt.Sprintf("%s:%d", cfg.Hardware.Host, cfg.Hardware.Port),
			Profiles:   profiles,
			Replay:     replay,
			Log:        log.With().Str("component", "southbound.websocket").Logger(),
		}), nil

	case "mqtt", "ec600", "generic_mqtt":
		replay := southbound.NewReplayGuard(cfg.Hardware.MQTT.ControlReplayWindow, 5*time.Second)
		brokerURL := fmt.Sprintf("tcp://%s:%d", cfg.Hardware.MQTT.Host, cfg.Hardware.MQTT.Port)
		return southbound.NewMQTTAdapter(southbound.MQTTOptions{
			BrokerURL: brokerURL,
			ClientID:  cfg.Hardware.MQTT.ClientID,
			Username:  cfg.Hardware.MQTT.Username,
			Password:  cfg.Hardware.MQTT.Password,
			Profiles:  profiles,
			Replay:    replay,
			Log:       log.With().Str("component", "southbound.mqtt").Str("adapter", cfg.Hardware.Adapter).Logger(),
		}), nil

	default:
		return nil, fmt.Errorf("unknown HW_ADAPTER %q", cfg.Hardware.Adapter)
	}
}

func buildInteractionRules(cfg *config.Config) policy.InteractionRules {
	return policy.InteractionRules{
		Enabled:                          cfg.Interaction.Enabled,
		EmotionEnabled:                   cfg.Interaction.EmotionEnabled,
		ProactiveEnabled:                 cfg.Interaction.ProactiveEnabled,
		SilentEnabled:                    cfg.Interaction.SilentEnabled,
		LowConfidenceThreshold:           cfg.Interaction.LowConfidenceThreshold,
		HighRiskLevels:                   splitCSV(cfg.Interaction.HighRiskLevels),
		ProactiveSources:                 splitCSV(cfg.Interaction.ProactiveSources),
		SilentSources:                    splitCSV(cfg.Interaction.SilentSources),
		QuietHoursEnabled:                cfg.Interaction.QuietHoursEnabled,
		QuietHoursStartHour:              cfg.Interaction.QuietHoursStart,
		QuietHoursEndHour:                cfg.Interaction.QuietHoursEnd,
		SuppressLowPriorityInQuietHours:  cfg.Interaction.SuppressLowPriorityInQuietHours,
	}
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
