package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"filecenter/internal/fingerprint"
	"filecenter/internal/service"
)

// 元数据存储驱动。
const (
	StoreMongo    = "mongo"
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// 分块存储驱动，store 表示与元数据使用同一个后端。
const (
	ChunkStore = "store"
	ChunkS3    = "s3"
	ChunkLocal = "local"
)

// DefaultDBMaxConns 是 PostgreSQL 连接池的默认上限。
const DefaultDBMaxConns = 15

// Config 聚合服务启动需要的关键配置。
type Config struct {
	HTTPPort           string
	CORSAllowedOrigins []string
	RateLimitRequests  int
	RateLimitWindow    time.Duration
	MaxUploadSize      int64
	LogLevel           string
	LogFormat          string
	// 元数据存储
	StoreDriver   string
	MongoURI      string
	MongoDatabase string
	DBHost        string
	DBPort        int
	DBUser        string
	DBPassword    string
	DBName        string
	DBSSLMode     string
	DBMaxConns    int
	// 分块存储
	ChunkDriver string
	ChunkDir    string
	S3Endpoint  string // S3/MinIO 端点，不含协议
	S3AccessKey string
	S3SecretKey string
	S3Bucket    string
	S3Region    string
	S3Prefix    string
	S3UseSSL    bool
	// 引擎
	FileSizeThreshold int64 // 0 表示沿用存储中已有的值或默认值
	HashAlgorithm     string
	ReaperInterval    time.Duration
	GCInterval        time.Duration // 0 表示不定期回收
	GCGracePeriod     time.Duration
}

// Load 从环境变量加载配置，并提供默认值。
func Load() (*Config, error) {
	port := envOrDefault("PORT", "8080")

	corsOrigins := parseList(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"http://localhost:5173"}
	}

	rateLimitRequests, err := parseIntEnv("RATE_LIMIT_REQUESTS", 60)
	if err != nil {
		return nil, err
	}

	rateLimitWindow, err := parseDurationEnv("RATE_LIMIT_WINDOW", time.Minute)
	if err != nil {
		return nil, err
	}

	maxUpload, err := parseInt64Env("MAX_UPLOAD_SIZE", 1<<30)
	if err != nil {
		return nil, err
	}
	if maxUpload <= 0 {
		maxUpload = 1 << 30
	}

	dbPort, err := parseIntEnv("DB_PORT", 5432)
	if err != nil {
		return nil, err
	}

	dbMaxConns, err := parseIntEnv("DB_MAX_CONNS", DefaultDBMaxConns)
	if err != nil {
		return nil, err
	}
	if dbMaxConns <= 0 {
		return nil, fmt.Errorf("DB_MAX_CONNS 必须为正数: %d", dbMaxConns)
	}

	storeDriver := strings.ToLower(envOrDefault("STORE_DRIVER", StoreMongo))
	switch storeDriver {
	case StoreMongo, StorePostgres, StoreMemory:
	default:
		return nil, fmt.Errorf("不支持的 STORE_DRIVER: %s", storeDriver)
	}

	chunkDriver := strings.ToLower(envOrDefault("CHUNK_DRIVER", ChunkStore))
	switch chunkDriver {
	case ChunkStore, ChunkS3, ChunkLocal:
	default:
		return nil, fmt.Errorf("不支持的 CHUNK_DRIVER: %s", chunkDriver)
	}

	threshold, err := parseInt64Env("FILE_SIZE_THRESHOLD", 0)
	if err != nil {
		return nil, err
	}
	if threshold < 0 || threshold > service.MaxFileSizeThreshold {
		return nil, fmt.Errorf("FILE_SIZE_THRESHOLD 超出范围 (0, %d]: %d", service.MaxFileSizeThreshold, threshold)
	}

	hashAlgorithm := strings.ToLower(envOrDefault("HASH_ALGORITHM", "sha3-256"))
	if _, err := fingerprint.ByName(hashAlgorithm); err != nil {
		return nil, fmt.Errorf("解析 HASH_ALGORITHM 失败: %w", err)
	}

	reaperInterval, err := parseDurationEnv("REAPER_INTERVAL", time.Minute)
	if err != nil {
		return nil, err
	}

	gcInterval, err := parseOptionalDurationEnv("GC_INTERVAL", time.Hour)
	if err != nil {
		return nil, err
	}

	gcGrace, err := parseOptionalDurationEnv("GC_GRACE_PERIOD", 10*time.Minute)
	if err != nil {
		return nil, err
	}

	return &Config{
		HTTPPort:           port,
		CORSAllowedOrigins: corsOrigins,
		RateLimitRequests:  rateLimitRequests,
		RateLimitWindow:    rateLimitWindow,
		MaxUploadSize:      maxUpload,
		LogLevel:           envOrDefault("LOG_LEVEL", "info"),
		LogFormat:          envOrDefault("LOG_FORMAT", "text"),
		StoreDriver:        storeDriver,
		MongoURI:           envOrDefault("MONGO_URI", "mongodb://127.0.0.1:27017"),
		MongoDatabase:      envOrDefault("MONGO_DATABASE", "filecenter"),
		DBHost:             envOrDefault("DB_HOST", "127.0.0.1"),
		DBPort:             dbPort,
		DBUser:             envOrDefault("DB_USER", "filecenter"),
		DBPassword:         envOrDefault("DB_PASSWORD", "filecenter"),
		DBName:             envOrDefault("DB_NAME", "filecenter"),
		DBSSLMode:          envOrDefault("DB_SSL_MODE", "disable"),
		DBMaxConns:         dbMaxConns,
		ChunkDriver:        chunkDriver,
		ChunkDir:           envOrDefault("CHUNK_DIR", "./data/chunks"),
		S3Endpoint:         envOrDefault("S3_ENDPOINT", "localhost:9000"),
		S3AccessKey:        envOrDefault("S3_ACCESS_KEY", "minioadmin"),
		S3SecretKey:        envOrDefault("S3_SECRET_KEY", "minioadmin"),
		S3Bucket:           envOrDefault("S3_BUCKET", "filecenter"),
		S3Region:           envOrDefault("S3_REGION", "us-east-1"),
		S3Prefix:           os.Getenv("S3_PREFIX"),
		S3UseSSL:           parseBoolEnv("S3_USE_SSL", false),
		FileSizeThreshold:  threshold,
		HashAlgorithm:      hashAlgorithm,
		ReaperInterval:     reaperInterval,
		GCInterval:         gcInterval,
		GCGracePeriod:      gcGrace,
	}, nil
}

func parseList(raw string) []string {
	if raw == "" {
		return nil
	}

	items := strings.Split(raw, ",")
	out := make([]string, 0, len(items))
	for _, item := range items {
		trimmed := strings.TrimSpace(item)
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
	}
	return out
}

func parseIntEnv(key string, defaultValue int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}

	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("解析 %s 失败: %w", key, err)
	}
	if value <= 0 {
		return defaultValue, nil
	}
	return value, nil
}

func parseInt64Env(key string, defaultValue int64) (int64, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("解析 %s 失败: %w", key, err)
	}
	return value, nil
}

func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}

	value, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("解析 %s 失败: %w", key, err)
	}
	if value <= 0 {
		return defaultValue, nil
	}
	return value, nil
}

// parseOptionalDurationEnv 与 parseDurationEnv 相同，但允许显式设置为 0 关闭该功能。
func parseOptionalDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}

	value, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("解析 %s 失败: %w", key, err)
	}
	if value < 0 {
		return 0, fmt.Errorf("%s 不能为负数", key)
	}
	return value, nil
}

func parseBoolEnv(key string, defaultValue bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue
	}
	lower := strings.ToLower(raw)
	return lower == "true" || lower == "1" || lower == "yes"
}

// PostgresDSN 生成标准 postgres:// 连接串，供数据访问层直接使用。
func (c *Config) PostgresDSN() string {
	u := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.DBUser, c.DBPassword),
		Host:   fmt.Sprintf("%s:%d", c.DBHost, c.DBPort),
		Path:   c.DBName,
	}

	q := url.Values{}
	if c.DBSSLMode != "" {
		q.Set("sslmode", c.DBSSLMode)
	}
	u.RawQuery = q.Encode()

	return u.String()
}

// Hasher 返回配置的指纹算法。
func (c *Config) Hasher() fingerprint.Hasher {
	hasher, err := fingerprint.ByName(c.HashAlgorithm)
	if err != nil {
		return fingerprint.SHA3_256
	}
	return hasher
}

func envOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
