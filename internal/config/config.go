package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/hitoshi/attnsync/internal/model"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Fetch
	FetchConcurrency int
	FetchTimeout     time.Duration
	FetchMaxSize     int64
	FetchInterval    time.Duration

	// Backoff
	BackoffCeilingCycles int

	// Dedup
	DedupWindowDays     int
	SimilarityThreshold float64

	// Digest
	DigestMaxItems   int
	DigestMaxMinutes int

	// Importance weights (w1: recency, w2: reliability, w3: text signal)
	WeightRecency     float64
	WeightReliability float64
	WeightTextSignal  float64

	// Retention
	ItemRetentionDays int

	// Server
	ServerPort string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
// 値の妥当性検証はValidateで行う。
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("required environment variable is not set: DATABASE_URL")
	}

	cfg.FetchConcurrency = getEnvInt("FETCH_CONCURRENCY", 10)
	cfg.FetchTimeout = getEnvDuration("FETCH_TIMEOUT", 10*time.Second)
	cfg.FetchMaxSize = getEnvInt64("FETCH_MAX_SIZE", 5242880)
	cfg.FetchInterval = getEnvDuration("FETCH_INTERVAL", 5*time.Minute)
	cfg.BackoffCeilingCycles = getEnvInt("BACKOFF_CEILING_CYCLES", 5)
	cfg.DedupWindowDays = getEnvInt("DEDUP_WINDOW_DAYS", 7)
	cfg.SimilarityThreshold = getEnvFloat("SIMILARITY_THRESHOLD", 0.8)
	cfg.DigestMaxItems = getEnvInt("DIGEST_MAX_ITEMS", 10)
	cfg.DigestMaxMinutes = getEnvInt("DIGEST_MAX_MINUTES", 30)
	cfg.WeightRecency = getEnvFloat("IMPORTANCE_WEIGHT_RECENCY", 0.5)
	cfg.WeightReliability = getEnvFloat("IMPORTANCE_WEIGHT_RELIABILITY", 0.3)
	cfg.WeightTextSignal = getEnvFloat("IMPORTANCE_WEIGHT_TEXT", 0.2)
	cfg.ItemRetentionDays = getEnvInt("ITEM_RETENTION_DAYS", 90)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")

	return cfg, nil
}

// Validate は設定値の妥当性を検証する。
// 不正な値はConfigurationErrorとして報告され、起動を中断させる。
// フェッチサイクル開始前に必ず呼び出すこと。
func (c *Config) Validate() error {
	if c.FetchConcurrency <= 0 {
		return &model.ConfigurationError{Field: "FETCH_CONCURRENCY", Detail: fmt.Sprintf("must be positive, got %d", c.FetchConcurrency)}
	}
	if c.FetchTimeout <= 0 {
		return &model.ConfigurationError{Field: "FETCH_TIMEOUT", Detail: "must be positive"}
	}
	if c.BackoffCeilingCycles <= 0 {
		return &model.ConfigurationError{Field: "BACKOFF_CEILING_CYCLES", Detail: fmt.Sprintf("must be positive, got %d", c.BackoffCeilingCycles)}
	}
	if c.DedupWindowDays <= 0 {
		return &model.ConfigurationError{Field: "DEDUP_WINDOW_DAYS", Detail: fmt.Sprintf("must be positive, got %d", c.DedupWindowDays)}
	}
	if c.SimilarityThreshold <= 0 || c.SimilarityThreshold > 1 {
		return &model.ConfigurationError{Field: "SIMILARITY_THRESHOLD", Detail: fmt.Sprintf("must be in (0, 1], got %g", c.SimilarityThreshold)}
	}
	if c.DigestMaxItems <= 0 {
		return &model.ConfigurationError{Field: "DIGEST_MAX_ITEMS", Detail: fmt.Sprintf("must be positive, got %d", c.DigestMaxItems)}
	}
	if c.DigestMaxMinutes <= 0 {
		return &model.ConfigurationError{Field: "DIGEST_MAX_MINUTES", Detail: fmt.Sprintf("must be positive, got %d", c.DigestMaxMinutes)}
	}
	weights := []struct {
		field string
		value float64
	}{
		{"IMPORTANCE_WEIGHT_RECENCY", c.WeightRecency},
		{"IMPORTANCE_WEIGHT_RELIABILITY", c.WeightReliability},
		{"IMPORTANCE_WEIGHT_TEXT", c.WeightTextSignal},
	}
	for _, w := range weights {
		if w.value < 0 {
			return &model.ConfigurationError{Field: w.field, Detail: fmt.Sprintf("must not be negative, got %g", w.value)}
		}
	}
	if c.WeightRecency+c.WeightReliability+c.WeightTextSignal == 0 {
		return &model.ConfigurationError{Field: "IMPORTANCE_WEIGHT_*", Detail: "at least one weight must be positive"}
	}
	return nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
