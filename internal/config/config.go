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
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Storage  StorageConfig
	AI       AIConfig
	Relay    RelayConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	database, err := loadDatabaseConfig()
	if err != nil {
		return nil, err
	}

	storage, err := loadStorageConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	relay, err := loadRelayConfig()
	if err != nil {
		return nil, err
	}

	return &Config{Server: server, Database: database, Storage: storage, AI: ai, Relay: relay}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// DatabaseConfig 描述消息持久化所用的数据库。
type DatabaseConfig struct {
	Driver       string
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
}

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

func loadDatabaseConfig() (DatabaseConfig, error) {
	driver := strings.ToLower(getEnvOrDefault("DB_DRIVER", DriverSQLite))
	if driver != DriverPostgres && driver != DriverSQLite {
		return DatabaseConfig{}, fmt.Errorf("invalid DB_DRIVER value %q", driver)
	}

	dsn := strings.TrimSpace(os.Getenv("DB_DSN"))
	if dsn == "" {
		switch driver {
		case DriverPostgres:
			dsn = fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
				getEnvOrDefault("DB_HOST", "localhost"),
				getEnvOrDefault("DB_PORT", "5432"),
				getEnvOrDefault("DB_USER", "chat_user"),
				getEnvOrDefault("DB_PASSWORD", "chat_password"),
				getEnvOrDefault("DB_NAME", "chat_db"),
			)
		default:
			dsn = "chat.db"
		}
	}

	maxOpen := 40
	if override, err := parseOptionalIntEnv("DB_MAX_OPEN_CONNS"); err != nil {
		return DatabaseConfig{}, err
	} else if override != nil && *override > 0 {
		maxOpen = *override
	}

	return DatabaseConfig{
		Driver:       driver,
		DSN:          dsn,
		MaxOpenConns: maxOpen,
		MaxIdleConns: maxOpen / 4,
	}, nil
}

// StorageConfig 描述 MinIO 对象存储配置。
type StorageConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
	URLExpiry time.Duration
}

// Enabled 表示是否配置了对象存储。
func (c StorageConfig) Enabled() bool {
	return c.Endpoint != "" && c.AccessKey != "" && c.SecretKey != ""
}

func loadStorageConfig() (StorageConfig, error) {
	secure, err := parseBoolEnv("MINIO_SECURE", false)
	if err != nil {
		return StorageConfig{}, err
	}

	expiry, err := parseDurationEnv("MINIO_URL_EXPIRY", time.Hour)
	if err != nil {
		return StorageConfig{}, err
	}

	endpoint := strings.TrimSpace(os.Getenv("MINIO_URL"))
	endpoint = strings.TrimPrefix(strings.TrimPrefix(endpoint, "http://"), "https://")

	return StorageConfig{
		Endpoint:  endpoint,
		AccessKey: strings.TrimSpace(os.Getenv("MINIO_ROOT_USER")),
		SecretKey: strings.TrimSpace(os.Getenv("MINIO_ROOT_PASSWORD")),
		UseSSL:    secure,
		Bucket:    getEnvOrDefault("MINIO_BUCKET_NAME", "chat-bucket"),
		URLExpiry: expiry,
	}, nil
}

// AIConfig 描述情绪分类所用的大模型配置。
type AIConfig struct {
	APIKey            string
	AccessKey         string
	SecretKey         string
	Model             string
	BaseURL           string
	Region            string
	Temperature       *float64
	TopP              *float64
	MaxTokens         *int
	EmotionLLMEnabled bool
}

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个模型实例。
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

	emotionEnabled, err := parseBoolEnv("AI_EMOTION_LLM_ENABLED", false)
	if err != nil {
		return AIConfig{}, err
	}

	return AIConfig{
		APIKey:            strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:         strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:         strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:             strings.TrimSpace(os.Getenv("Model")),
		BaseURL:           getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:            getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature:       temperature,
		TopP:              topP,
		MaxTokens:         maxTokens,
		EmotionLLMEnabled: emotionEnabled,
	}, nil
}

// RelayConfig 描述实时会话中继的参数。
type RelayConfig struct {
	HistoryLimit    int
	HistoryMaxLimit int
	MaxFrameBytes   int64
	SendBuffer      int
	PingInterval    time.Duration
	PongWait        time.Duration
	WriteWait       time.Duration
}

// DefaultRelayConfig 返回默认的中继参数。
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		HistoryLimit:    50,
		HistoryMaxLimit: 100,
		MaxFrameBytes:   16 << 20,
		SendBuffer:      64,
		PingInterval:    54 * time.Second,
		PongWait:        60 * time.Second,
		WriteWait:       10 * time.Second,
	}
}

func loadRelayConfig() (RelayConfig, error) {
	cfg := DefaultRelayConfig()

	if v, err := parseOptionalIntEnv("RELAY_HISTORY_LIMIT"); err != nil {
		return RelayConfig{}, err
	} else if v != nil && *v > 0 {
		cfg.HistoryLimit = *v
	}

	if v, err := parseOptionalIntEnv("RELAY_HISTORY_MAX"); err != nil {
		return RelayConfig{}, err
	} else if v != nil && *v > 0 {
		cfg.HistoryMaxLimit = *v
	}
	if cfg.HistoryLimit > cfg.HistoryMaxLimit {
		cfg.HistoryLimit = cfg.HistoryMaxLimit
	}

	if v, err := parseOptionalIntEnv("RELAY_MAX_FRAME_BYTES"); err != nil {
		return RelayConfig{}, err
	} else if v != nil && *v > 0 {
		cfg.MaxFrameBytes = int64(*v)
	}

	if v, err := parseOptionalIntEnv("RELAY_SEND_BUFFER"); err != nil {
		return RelayConfig{}, err
	} else if v != nil && *v > 0 {
		cfg.SendBuffer = *v
	}

	var err error
	if cfg.PingInterval, err = parseDurationEnv("RELAY_PING_INTERVAL", cfg.PingInterval); err != nil {
		return RelayConfig{}, err
	}
	if cfg.PongWait, err = parseDurationEnv("RELAY_PONG_WAIT", cfg.PongWait); err != nil {
		return RelayConfig{}, err
	}
	if cfg.WriteWait, err = parseDurationEnv("RELAY_WRITE_WAIT", cfg.WriteWait); err != nil {
		return RelayConfig{}, err
	}
	// ping 必须早于读超时，否则空闲连接会被误判为断开。
	if cfg.PingInterval >= cfg.PongWait {
		cfg.PingInterval = cfg.PongWait * 9 / 10
	}

	return cfg, nil
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
