package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all runtime settings. Values come from the environment with
// working defaults, so the binary runs without any configuration at all.
type Config struct {
	Port          int
	PublicBaseURL string // base URL clients use to reach this proxy, embedded in rewritten manifests

	CacheDir     string
	CacheEnabled bool
	AdminToken   string // empty disables the admin check on destructive cache routes

	PrecacheConcurrency int
	SnapshotTTL         time.Duration

	ResolverURL     string
	ResolverTimeout time.Duration

	// Headers sent on every upstream request.
	UserAgent string
	Referer   string

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
}

// Load builds a Config from the environment.
func Load() *Config {
	port := getEnvInt("PORT", 8000)
	return &Config{
		Port:                port,
		PublicBaseURL:       getEnv("PROXY_BASE_URL", "http://localhost:"+strconv.Itoa(port)),
		CacheDir:            getEnv("VIDEO_CACHE_DIR", "cache/videos"),
		CacheEnabled:        getEnvBool("VIDEO_CACHE_ENABLED", true),
		AdminToken:          getEnv("ADMIN_TOKEN", ""),
		PrecacheConcurrency: getEnvInt("PRECACHE_CONCURRENT", 2),
		SnapshotTTL:         getEnvDuration("LIST_CACHE_TTL", 5*time.Minute),
		ResolverURL:         getEnv("RESOLVER_URL", "http://localhost:9000"),
		ResolverTimeout:     getEnvDuration("RESOLVER_TIMEOUT", 60*time.Second),
		UserAgent:           getEnv("UPSTREAM_USER_AGENT", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"),
		Referer:             getEnv("UPSTREAM_REFERER", ""),
		ConnectTimeout:      getEnvDuration("UPSTREAM_CONNECT_TIMEOUT", 10*time.Second),
		ReadTimeout:         getEnvDuration("UPSTREAM_READ_TIMEOUT", 30*time.Second),
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
