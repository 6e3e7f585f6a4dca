// Package config はアプリケーション設定の読み込みを提供する。
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Fetch
	FetchMaxConcurrent int
	FetchMaxSize       int64
	FetchRatePerSec    float64
	RetryMax           int

	// Parser
	BatchSize     int
	BatchInterval time.Duration

	// Cache
	CachePath        string
	CacheMemoryCap   int
	CacheHotTTL      time.Duration
	CacheRetention   time.Duration
	CacheSweepEvery  time.Duration
	PressureEvictPct float64

	// Store
	StoreCapacity int

	// Refresh
	RefreshInterval time.Duration

	// Server
	ServerPort string
}

// Load は環境変数からConfigを読み込む。
// すべての項目にデフォルト値があるため、未設定でも起動できる。
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.FetchMaxConcurrent = getEnvInt("FETCH_MAX_CONCURRENT", 5)
	cfg.FetchMaxSize = getEnvInt64("FETCH_MAX_SIZE", 10485760)
	cfg.FetchRatePerSec = getEnvFloat("FETCH_RATE_PER_SEC", 10)
	cfg.RetryMax = getEnvInt("RETRY_MAX", 3)

	cfg.BatchSize = getEnvInt("PARSE_BATCH_SIZE", 5)
	cfg.BatchInterval = getEnvDuration("PARSE_BATCH_INTERVAL", 500*time.Millisecond)

	cfg.CachePath = getEnvString("CACHE_PATH", defaultCachePath())
	cfg.CacheMemoryCap = getEnvInt("CACHE_MEMORY_CAP", 128)
	cfg.CacheHotTTL = getEnvDuration("CACHE_HOT_TTL", 15*time.Minute)
	cfg.CacheRetention = getEnvDuration("CACHE_RETENTION", 7*24*time.Hour)
	cfg.CacheSweepEvery = getEnvDuration("CACHE_SWEEP_INTERVAL", 1*time.Hour)
	cfg.PressureEvictPct = getEnvFloat("PRESSURE_EVICT_RATIO", 0.5)

	cfg.StoreCapacity = getEnvInt("STORE_CAPACITY", 5000)

	cfg.RefreshInterval = getEnvDuration("REFRESH_INTERVAL", 30*time.Minute)

	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")

	return cfg, nil
}

// defaultCachePath はディスクキャッシュのデフォルト配置先を返す。
// ユーザーキャッシュディレクトリが取得できない場合はカレントディレクトリを使用する。
func defaultCachePath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "podsync-cache.db"
	}
	return filepath.Join(dir, "podsync", "cache.db")
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
