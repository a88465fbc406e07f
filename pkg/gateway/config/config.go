// Package config loads the gateway configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr string

	// Stream handshake and heartbeat.
	AuthTokens        map[string]struct{}
	AuthDeadline      time.Duration
	PingInterval      time.Duration
	PongTimeout       time.Duration
	InactivityTimeout time.Duration
	WriteTimeout      time.Duration

	// Inbound error budget.
	MaxErrorTolerance int
	ErrorBackoff      time.Duration

	// Per-turn limits.
	QueueCapacity     int
	MinChunkRunes     int
	InterruptWait     time.Duration
	CleanupTTL        time.Duration
	OutboundQueueSize int

	// External services.
	AgentBaseURL   string
	TTSBaseURL     string
	TTSReferenceID string
	VLMBaseURL     string
	VLMAPIKey      string
	VLMModel       string
	LTMBaseURL     string
	PostgresDSN    string

	// Assets and normalization rules.
	BackgroundsDir  string
	AvatarConfigDir string
	TTSRulesPath    string

	// Operational defaults.
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
	MetricsNamespace    string
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:             getEnvString("DMP_ADDR", ":8080"),
		AuthTokens:       parseTokenSet(os.Getenv("DMP_AUTH_TOKENS")),
		AgentBaseURL:     getEnvString("DMP_AGENT_BASE_URL", "http://127.0.0.1:9100"),
		TTSBaseURL:       getEnvString("DMP_TTS_BASE_URL", "http://127.0.0.1:9200"),
		TTSReferenceID:   os.Getenv("DMP_TTS_REFERENCE_ID"),
		VLMBaseURL:       getEnvString("DMP_VLM_BASE_URL", "http://127.0.0.1:9300"),
		VLMAPIKey:        os.Getenv("DMP_VLM_API_KEY"),
		VLMModel:         getEnvString("DMP_VLM_MODEL", "qwen2.5-vl"),
		LTMBaseURL:       getEnvString("DMP_LTM_BASE_URL", "http://127.0.0.1:9400"),
		PostgresDSN:      os.Getenv("DMP_POSTGRES_DSN"),
		BackgroundsDir:   getEnvString("DMP_BACKGROUNDS_DIR", "assets/backgrounds"),
		AvatarConfigDir:  getEnvString("DMP_AVATAR_CONFIG_DIR", "assets/avatars"),
		TTSRulesPath:     getEnvString("DMP_TTS_RULES_PATH", "configs/tts_rules.yml"),
		MetricsNamespace: getEnvString("DMP_METRICS_NAMESPACE", "desktopmate"),
	}

	var err error
	if cfg.AuthDeadline, err = getEnvDuration("DMP_AUTH_DEADLINE", 30*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.PingInterval, err = getEnvDuration("DMP_PING_INTERVAL", 30*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.PongTimeout, err = getEnvDuration("DMP_PONG_TIMEOUT", 10*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.InactivityTimeout, err = getEnvDuration("DMP_INACTIVITY_TIMEOUT", 300*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.WriteTimeout, err = getEnvDuration("DMP_WRITE_TIMEOUT", 5*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.ErrorBackoff, err = getEnvDuration("DMP_ERROR_BACKOFF", 500*time.Millisecond); err != nil {
		return Config{}, err
	}
	if cfg.InterruptWait, err = getEnvDuration("DMP_INTERRUPT_WAIT_TIMEOUT", time.Second); err != nil {
		return Config{}, err
	}
	if cfg.CleanupTTL, err = getEnvDuration("DMP_CLEANUP_TTL", time.Hour); err != nil {
		return Config{}, err
	}
	if cfg.ReadHeaderTimeout, err = getEnvDuration("DMP_READ_HEADER_TIMEOUT", 10*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.ShutdownGracePeriod, err = getEnvDuration("DMP_SHUTDOWN_GRACE_PERIOD", 15*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.MaxErrorTolerance, err = getEnvInt("DMP_MAX_ERROR_TOLERANCE", 5); err != nil {
		return Config{}, err
	}
	if cfg.QueueCapacity, err = getEnvInt("DMP_QUEUE_CAPACITY", 100); err != nil {
		return Config{}, err
	}
	if cfg.MinChunkRunes, err = getEnvInt("DMP_MIN_CHUNK_LEN", 10); err != nil {
		return Config{}, err
	}
	if cfg.OutboundQueueSize, err = getEnvInt("DMP_OUTBOUND_QUEUE_SIZE", 64); err != nil {
		return Config{}, err
	}

	if cfg.QueueCapacity < 1 {
		return Config{}, fmt.Errorf("DMP_QUEUE_CAPACITY must be >= 1")
	}
	if cfg.MaxErrorTolerance < 1 {
		return Config{}, fmt.Errorf("DMP_MAX_ERROR_TOLERANCE must be >= 1")
	}

	return cfg, nil
}

func getEnvString(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func getEnvInt(key string, fallback int) (int, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", key, value)
	}
	return n, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", key, value)
	}
	return d, nil
}

func parseTokenSet(raw string) map[string]struct{} {
	tokens := make(map[string]struct{})
	for _, token := range strings.Split(raw, ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		tokens[token] = struct{}{}
	}
	return tokens
}
