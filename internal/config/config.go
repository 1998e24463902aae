// Package config loads runtime configuration from a .env file, environment
// variables, and CLI flag overrides, in that priority order (CLI highest).
// Device hardware profile overrides are layered separately through viper
// (see internal/southbound/profile.go) since they need map-merge semantics a flat struct can't
// express.
package config

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the top-level struct every env-tagged field is parsed into.
type Config struct {
	DatabaseURL string `env:"DATABASE_URL,required"`

	HTTPAddr     string        `env:"HTTP_ADDR" envDefault:":8080"`
	ControlAddr  string        `env:"CONTROL_ADDR" envDefault:":8081"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`

	LogLevel       string `env:"LOG_LEVEL" envDefault:"info"`
	MetricsEnabled bool   `env:"METRICS_ENABLED" envDefault:"true"`

	AuthEnabled        bool    `env:"AUTH_ENABLED" envDefault:"true"`
	AuthToken          string  `env:"AUTH_TOKEN"`
	AuthTokenGenerated bool    // true when auto-generated (not from env/config)
	WriteToken         string  `env:"WRITE_TOKEN"`
	CORSOrigins        string  `env:"CORS_ORIGINS"`
	RateLimitRPS       float64 `env:"RATE_LIMIT_RPS" envDefault:"20"`
	RateLimitBurst     int     `env:"RATE_LIMIT_BURST" envDefault:"40"`

	ControlAPIReplayEnabled bool          `env:"CONTROL_API_REPLAY_ENABLED" envDefault:"false"`
	ControlAPIReplayWindow  time.Duration `env:"CONTROL_API_REPLAY_WINDOW" envDefault:"60s"`

	// AssetDir is the local filesystem root for lifelog image assets, used
	// directly by the local-only backend and as the cache tier when S3 is
	// also configured (see internal/storage).
	AssetDir string `env:"ASSET_DIR" envDefault:"./data/assets"`

	Hardware    HardwareConfig
	Safety      SafetyConfig
	Interaction InteractionConfig
	Lifelog     LifelogConfig
	Task        TaskConfig
	S3          S3Config
	Anthropic   AnthropicConfig
	Redis       RedisConfig
}

// HardwareConfig governs the southbound adapter: which transport to bring
// up, the device profile it speaks, and device-auth enforcement.
type HardwareConfig struct {
	Enabled              bool   `env:"HW_ENABLED" envDefault:"true"`
	Adapter              string `env:"HW_ADAPTER" envDefault:"mock"` // mock, websocket, mqtt, ec600, generic_mqtt
	DeviceProfile        string `env:"HW_DEVICE_PROFILE" envDefault:"generic"`
	ProfileOverridesPath string `env:"HW_PROFILE_OVERRIDES_PATH"`

	TTSMode            string `env:"HW_TTS_MODE" envDefault:"device_text"` // device_text, server_audio
	TTSAudioChunkBytes int    `env:"HW_TTS_AUDIO_CHUNK_BYTES" envDefault:"4096"`

	Host             string `env:"HW_HOST" envDefault:"0.0.0.0"`
	Port             int    `env:"HW_PORT" envDefault:"9443"`
	HeartbeatSeconds           int `env:"HW_HEARTBEAT_SECONDS" envDefault:"30"`
	HeartbeatTimeoutMultiplier int `env:"HW_HEARTBEAT_TIMEOUT_MULTIPLIER" envDefault:"3"`
	PacketMagic                int `env:"HW_PACKET_MAGIC" envDefault:"165"`

	DeviceAuthEnabled       bool `env:"DEVICE_AUTH_ENABLED" envDefault:"false"`
	AllowUnboundDevices     bool `env:"ALLOW_UNBOUND_DEVICES" envDefault:"true"`
	RequireActivatedDevices bool `env:"REQUIRE_ACTIVATED_DEVICES" envDefault:"false"`

	MQTT         MQTTConfig
	ControlPlane ControlPlaneConfig

	OfflineControlBuffer int `env:"HW_OFFLINE_CONTROL_BUFFER" envDefault:"64"`
}

// MQTTConfig configures the paho-backed MQTT southbound adapter.
type MQTTConfig struct {
	Host     string `env:"MQTT_HOST"`
	Port     int    `env:"MQTT_PORT" envDefault:"1883"`
	Username string `env:"MQTT_USERNAME"`
	Password string `env:"MQTT_PASSWORD"`
	ClientID string `env:"MQTT_CLIENT_ID" envDefault:"edge-runtime"`

	KeepaliveSeconds    int `env:"MQTT_KEEPALIVE_SECONDS" envDefault:"30"`
	ReconnectMinSeconds int `env:"MQTT_RECONNECT_MIN_SECONDS" envDefault:"1"`
	ReconnectMaxSeconds int `env:"MQTT_RECONNECT_MAX_SECONDS" envDefault:"60"`

	QoSControl int `env:"MQTT_QOS_CONTROL" envDefault:"1"`
	QoSAudio   int `env:"MQTT_QOS_AUDIO" envDefault:"0"`

	UpControlTopic           string `env:"MQTT_UP_CONTROL_TOPIC" envDefault:"device/+/up/control"`
	UpAudioTopic             string `env:"MQTT_UP_AUDIO_TOPIC" envDefault:"device/+/up/audio"`
	DownControlTopicTemplate string `env:"MQTT_DOWN_CONTROL_TOPIC_TEMPLATE" envDefault:"device/%s/down/control"`
	DownAudioTopicTemplate   string `env:"MQTT_DOWN_AUDIO_TOPIC_TEMPLATE" envDefault:"device/%s/down/audio"`

	ReplayEnabled       bool `env:"MQTT_REPLAY_ENABLED" envDefault:"true"`
	ControlReplayWindow int  `env:"MQTT_CONTROL_REPLAY_WINDOW" envDefault:"75"`
}

// ControlPlaneConfig is the remote caller supplying per-device tool
// allow/deny policy, cached with a TTL.
type ControlPlaneConfig struct {
	Enabled        bool          `env:"CONTROL_PLANE_ENABLED" envDefault:"false"`
	BaseURL        string        `env:"CONTROL_PLANE_BASE_URL"`
	APIToken       string        `env:"CONTROL_PLANE_API_TOKEN"`
	TimeoutSeconds time.Duration `env:"CONTROL_PLANE_TIMEOUT" envDefault:"3s"`
	CacheTTL       time.Duration `env:"CONTROL_PLANE_CACHE_TTL" envDefault:"60s"`
}

// SafetyConfig drives the pure safety-evaluation function applied to every
// outbound voice/vision/task reply.
type SafetyConfig struct {
	Enabled                bool    `env:"SAFETY_ENABLED" envDefault:"true"`
	LowConfidenceThreshold float64 `env:"SAFETY_LOW_CONFIDENCE_THRESHOLD" envDefault:"0.4"`
	MaxOutputChars         int     `env:"SAFETY_MAX_OUTPUT_CHARS" envDefault:"2000"`
	PrependCautionForRisk  bool    `env:"SAFETY_PREPEND_CAUTION_FOR_RISK" envDefault:"true"`
}

// InteractionConfig drives the second pure evaluator deciding speak/silent,
// emotion framing, and proactive hints.
type InteractionConfig struct {
	Enabled                bool    `env:"INTERACTION_ENABLED" envDefault:"true"`
	EmotionEnabled         bool    `env:"INTERACTION_EMOTION_ENABLED" envDefault:"true"`
	ProactiveEnabled       bool    `env:"INTERACTION_PROACTIVE_ENABLED" envDefault:"true"`
	SilentEnabled          bool    `env:"INTERACTION_SILENT_ENABLED" envDefault:"true"`
	LowConfidenceThreshold float64 `env:"INTERACTION_LOW_CONFIDENCE_THRESHOLD" envDefault:"0.4"`
	HighRiskLevels         string  `env:"INTERACTION_HIGH_RISK_LEVELS" envDefault:"P0,P1"`
	ProactiveSources       string  `env:"INTERACTION_PROACTIVE_SOURCES" envDefault:"vision"`
	SilentSources          string  `env:"INTERACTION_SILENT_SOURCES" envDefault:"telemetry"`

	QuietHoursEnabled                bool `env:"INTERACTION_QUIET_HOURS_ENABLED" envDefault:"false"`
	QuietHoursStart                  int  `env:"INTERACTION_QUIET_HOURS_START" envDefault:"22"`
	QuietHoursEnd                    int  `env:"INTERACTION_QUIET_HOURS_END" envDefault:"7"`
	SuppressLowPriorityInQuietHours bool  `env:"INTERACTION_SUPPRESS_LOW_PRIORITY_QUIET_HOURS" envDefault:"true"`
}

// LifelogConfig sizes the image ingest pipeline and its vector index backend.
type LifelogConfig struct {
	VectorBackend        string        `env:"LIFELOG_VECTOR_BACKEND" envDefault:"memory"` // memory, qdrant, chroma (unimplemented)
	QdrantURL            string        `env:"LIFELOG_QDRANT_URL"`
	QdrantCollection     string        `env:"LIFELOG_QDRANT_COLLECTION" envDefault:"lifelog_contexts"`
	IngestQueueMaxSize   int           `env:"LIFELOG_INGEST_QUEUE_MAX_SIZE" envDefault:"256"`
	IngestWorkers        int           `env:"LIFELOG_INGEST_WORKERS" envDefault:"4"`
	IngestOverflowPolicy string        `env:"LIFELOG_INGEST_OVERFLOW_POLICY" envDefault:"reject"` // reject, wait, drop_oldest
	IngestEnqueueTimeout time.Duration `env:"LIFELOG_INGEST_ENQUEUE_TIMEOUT" envDefault:"2s"`
	DefaultTopK          int           `env:"LIFELOG_DEFAULT_TOP_K" envDefault:"5"`
	MaxTimelineItems     int           `env:"LIFELOG_MAX_TIMELINE_ITEMS" envDefault:"200"`
	DedupMaxDistance     int           `env:"LIFELOG_DEDUP_MAX_DISTANCE" envDefault:"6"`
	DedupWindow          int           `env:"LIFELOG_DEDUP_WINDOW" envDefault:"20"`
	RetentionImagesDays  int           `env:"LIFELOG_RETENTION_IMAGES_DAYS" envDefault:"30"`
	RetentionEventsDays  int           `env:"LIFELOG_RETENTION_EVENTS_DAYS" envDefault:"90"`
}

// TaskConfig sizes the digital task executor.
type TaskConfig struct {
	DefaultTimeoutSeconds int `env:"TASK_DEFAULT_TIMEOUT_SECONDS" envDefault:"120"`
	MaxConcurrentTasks    int `env:"TASK_MAX_CONCURRENT" envDefault:"32"`
	StatusRetryCount      int `env:"TASK_STATUS_RETRY_COUNT" envDefault:"3"`
	StatusRetryBackoffMS  int `env:"TASK_STATUS_RETRY_BACKOFF_MS" envDefault:"500"`
}

// AnthropicConfig configures the concrete LLMClient binding.
type AnthropicConfig struct {
	APIKey string `env:"ANTHROPIC_API_KEY"`
	Model  string `env:"ANTHROPIC_MODEL" envDefault:"claude-sonnet-4-5"`
}

// RedisConfig configures the shared control-plane policy cache; when URL is
// empty the control-plane client falls back to an in-process TTL cache.
type RedisConfig struct {
	URL string `env:"REDIS_URL"`
}

// S3Config configures the optional S3-compatible asset storage backend for
// lifelog images (see internal/storage). Enabled reports whether it's
// configured at all.
type S3Config struct {
	Bucket         string        `env:"S3_BUCKET"`
	Region         string        `env:"S3_REGION" envDefault:"us-east-1"`
	Endpoint       string        `env:"S3_ENDPOINT"`
	AccessKey      string        `env:"S3_ACCESS_KEY"`
	SecretKey      string        `env:"S3_SECRET_KEY"`
	Prefix         string        `env:"S3_PREFIX"`
	PresignExpiry  time.Duration `env:"S3_PRESIGN_EXPIRY" envDefault:"1h"`
	LocalCache     bool          `env:"S3_LOCAL_CACHE" envDefault:"true"`
	CacheRetention time.Duration `env:"S3_CACHE_RETENTION" envDefault:"168h"`
	CacheMaxGB     int           `env:"S3_CACHE_MAX_GB" envDefault:"0"`
}

// Enabled reports whether S3 asset storage is configured.
func (c S3Config) Enabled() bool { return c.Bucket != "" }

// Validate checks invariants Load can't express through struct tags alone.
func (c *Config) Validate() error {
	if c.Hardware.Enabled && c.Hardware.Adapter == "" {
		return fmt.Errorf("hardware adapter must be set when hardware is enabled")
	}
	if c.Hardware.TTSMode != "device_text" && c.Hardware.TTSMode != "server_audio" {
		return fmt.Errorf("HW_TTS_MODE must be device_text or server_audio, got %q", c.Hardware.TTSMode)
	}
	switch c.Lifelog.IngestOverflowPolicy {
	case "reject", "wait", "drop_oldest":
	default:
		return fmt.Errorf("LIFELOG_INGEST_OVERFLOW_POLICY must be reject, wait, or drop_oldest, got %q", c.Lifelog.IngestOverflowPolicy)
	}
	return nil
}

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile     string
	HTTPAddr    string
	LogLevel    string
	DatabaseURL string
	HWAdapter   string
}

// Load reads configuration from a .env file, environment variables, and CLI
// overrides. Priority: CLI flags > environment variables > .env file >
// struct defaults.
func Load(overrides Overrides) (*Config, error) {
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if overrides.HTTPAddr != "" {
		cfg.HTTPAddr = overrides.HTTPAddr
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.DatabaseURL != "" {
		cfg.DatabaseURL = overrides.DatabaseURL
	}
	if overrides.HWAdapter != "" {
		cfg.Hardware.Adapter = overrides.HWAdapter
	}

	// When auth is explicitly disabled, clear any tokens so middleware passes
	// everything through.
	if !cfg.AuthEnabled {
		cfg.AuthToken = ""
		cfg.WriteToken = ""
	} else if cfg.AuthToken == "" {
		// Auto-generate AUTH_TOKEN if not configured, so the control API is
		// always protected from automated scanners. The token changes on
		// each restart; set AUTH_TOKEN for a persistent one.
		b := make([]byte, 32)
		if _, err := rand.Read(b); err == nil {
			cfg.AuthToken = base64.URLEncoding.EncodeToString(b)
			cfg.AuthTokenGenerated = true
		}
	}

	return cfg, nil
}
