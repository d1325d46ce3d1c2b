package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
	"github.com/redis/go-redis/v9"
)

// Config aggregates every setting the service reads at startup.
type Config struct {
	Server ServerConfig
	Cache  CacheConfig
	Auth   AuthConfig
	Poll   PollConfig
	Log    LogConfig
	AI     AIConfig
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	cache, err := loadCacheConfig()
	if err != nil {
		return nil, err
	}

	auth, err := loadAuthConfig()
	if err != nil {
		return nil, err
	}

	poll, err := loadPollConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server: server,
		Cache:  cache,
		Auth:   auth,
		Poll:   poll,
		Log:    loadLogConfig(),
		AI:     ai,
	}, nil
}

// ServerConfig describes the HTTP listener.
type ServerConfig struct {
	Addr string
}

func loadServerConfig() (ServerConfig, error) {
	addr, err := ParseAddr(os.Getenv("PORT"))
	if err != nil {
		return ServerConfig{}, err
	}
	return ServerConfig{Addr: addr}, nil
}

// ParseAddr turns a PORT value into a listen address. Empty means :8080.
func ParseAddr(port string) (string, error) {
	port = strings.TrimSpace(port)
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// accept ":8080" and "127.0.0.1:8080" as-is
		return port, nil
	}

	if strings.Contains(port, " ") {
		return "", fmt.Errorf("invalid PORT value: %q", port)
	}

	return ":" + port, nil
}

// CacheConfig selects and tunes the streaming session cache.
type CacheConfig struct {
	RedisURL      string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	Retention         time.Duration
	SweepInterval     time.Duration
	KeyTTL            time.Duration
	OpTimeout         time.Duration
	ReconnectAttempts int
	SubscriberBuffer  int
}

// RedisEnabled reports whether a Redis connection was configured.
func (c CacheConfig) RedisEnabled() bool {
	return c.RedisURL != "" || c.RedisAddr != ""
}

// RedisOptions builds go-redis client options from the configuration.
func (c CacheConfig) RedisOptions() (*redis.Options, error) {
	if c.RedisURL != "" {
		opts, err := redis.ParseURL(c.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		return opts, nil
	}
	if c.RedisAddr == "" {
		return nil, fmt.Errorf("redis is not configured")
	}
	return &redis.Options{
		Addr:     c.RedisAddr,
		Password: c.RedisPassword,
		DB:       c.RedisDB,
	}, nil
}

func loadCacheConfig() (CacheConfig, error) {
	retention, err := parseDurationEnv("STREAM_RETENTION", 5*time.Minute)
	if err != nil {
		return CacheConfig{}, err
	}

	sweep, err := parseDurationEnv("STREAM_SWEEP_INTERVAL", 5*time.Minute)
	if err != nil {
		return CacheConfig{}, err
	}

	keyTTL, err := parseDurationEnv("STREAM_KEY_TTL", time.Hour)
	if err != nil {
		return CacheConfig{}, err
	}

	opTimeout, err := parseDurationEnv("REDIS_OP_TIMEOUT", 5*time.Second)
	if err != nil {
		return CacheConfig{}, err
	}

	attempts, err := parseIntEnv("REDIS_RECONNECT_MAX_ATTEMPTS", 5)
	if err != nil {
		return CacheConfig{}, err
	}

	buffer, err := parseIntEnv("STREAM_SUBSCRIBER_BUFFER", 1024)
	if err != nil {
		return CacheConfig{}, err
	}

	db, err := parseIntEnv("REDIS_DB", 0)
	if err != nil {
		return CacheConfig{}, err
	}

	return CacheConfig{
		RedisURL:          strings.TrimSpace(os.Getenv("REDIS_URL")),
		RedisAddr:         strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		RedisPassword:     os.Getenv("REDIS_PASSWORD"),
		RedisDB:           db,
		Retention:         retention,
		SweepInterval:     sweep,
		KeyTTL:            keyTTL,
		OpTimeout:         opTimeout,
		ReconnectAttempts: attempts,
		SubscriberBuffer:  buffer,
	}, nil
}

// AuthConfig describes how callers are identified.
type AuthConfig struct {
	// Tokens maps bearer tokens to user ids.
	Tokens map[string]string

	// TrustUserHeader accepts X-User-ID as-is. Development only.
	TrustUserHeader bool
}

func loadAuthConfig() (AuthConfig, error) {
	tokens, err := ParseTokens(os.Getenv("AUTH_TOKENS"))
	if err != nil {
		return AuthConfig{}, err
	}

	trust, err := parseBoolEnv("AUTH_TRUST_USER_HEADER", false)
	if err != nil {
		return AuthConfig{}, err
	}

	return AuthConfig{Tokens: tokens, TrustUserHeader: trust}, nil
}

// ParseTokens parses "token:user,token:user".
func ParseTokens(raw string) (map[string]string, error) {
	tokens := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		token, user, ok := strings.Cut(pair, ":")
		token, user = strings.TrimSpace(token), strings.TrimSpace(user)
		if !ok || token == "" || user == "" {
			return nil, fmt.Errorf("invalid AUTH_TOKENS entry %q", pair)
		}
		tokens[token] = user
	}
	return tokens, nil
}

// PollConfig limits the reconnect poll endpoint per user.
type PollConfig struct {
	RatePerSecond float64
	Burst         int
}

func loadPollConfig() (PollConfig, error) {
	rate := 5.0
	if v, err := parseOptionalFloatEnv("POLL_RATE_PER_SEC"); err != nil {
		return PollConfig{}, err
	} else if v != nil {
		rate = *v
	}

	burst, err := parseIntEnv("POLL_BURST", 10)
	if err != nil {
		return PollConfig{}, err
	}

	return PollConfig{RatePerSecond: rate, Burst: burst}, nil
}

// LogConfig controls zerolog output.
type LogConfig struct {
	Level  string
	Format string
}

func loadLogConfig() LogConfig {
	return LogConfig{
		Level:  getEnvOrDefault("LOG_LEVEL", "info"),
		Format: getEnvOrDefault("LOG_FORMAT", "console"),
	}
}

// AIConfig describes the upstream model provider.
type AIConfig struct {
	APIKey       string
	AccessKey    string
	SecretKey    string
	Model        string
	BaseURL      string
	Region       string
	SystemPrompt string
	Temperature  *float64
	TopP         *float64
	MaxTokens    *int
}

// Enabled reports whether the required credentials were supplied.
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// Provider names the upstream provider for persisted messages.
func (c AIConfig) Provider() string {
	return "ark"
}

// NewChatModel creates a chat model from the configuration.
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("ark credentials or model missing: provide ARK_API_KEY + Model or an AK/SK pair")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadAIConfig() (AIConfig, error) {
	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	topP, err := parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	return AIConfig{
		APIKey:       strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:    strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:    strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:        strings.TrimSpace(os.Getenv("Model")),
		BaseURL:      getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:       getEnvOrDefault("ARK_REGION", "cn-beijing"),
		SystemPrompt: getEnvOrDefault("AI_SYSTEM_PROMPT", "You are a helpful assistant."),
		Temperature:  temperature,
		TopP:         topP,
		MaxTokens:    maxTokens,
	}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseIntEnv(key string, defaultValue int) (int, error) {
	val, err := parseOptionalIntEnv(key)
	if err != nil {
		return 0, err
	}
	if val == nil {
		return defaultValue, nil
	}
	return *val, nil
}

func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	if val <= 0 {
		return 0, fmt.Errorf("invalid %s value %q: must be positive", key, raw)
	}
	return val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
